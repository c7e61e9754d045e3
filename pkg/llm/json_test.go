package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeJSON(t *testing.T) {
	type payload struct {
		Plan string `json:"plan"`
		Done bool   `json:"done"`
	}

	tests := []struct {
		name    string
		content string
		want    payload
		wantErr bool
	}{
		{
			name:    "bare object",
			content: `{"plan": "click login", "done": false}`,
			want:    payload{Plan: "click login"},
		},
		{
			name:    "json fence",
			content: "```json\n{\"plan\": \"extract prices\", \"done\": true}\n```",
			want:    payload{Plan: "extract prices", Done: true},
		},
		{
			name:    "plain fence",
			content: "```\n{\"plan\": \"fill form\"}\n```",
			want:    payload{Plan: "fill form"},
		},
		{
			name:    "prose around object",
			content: "Here is my decision:\n{\"plan\": \"goto pricing\", \"done\": false}\nLet me know.",
			want:    payload{Plan: "goto pricing"},
		},
		{
			name:    "no object at all",
			content: "I cannot do that.",
			wantErr: true,
		},
		{
			name:    "malformed object",
			content: `{"plan": "oops"`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got payload
			err := DecodeJSON(tt.content, &got)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
