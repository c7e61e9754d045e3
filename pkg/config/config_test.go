package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "waypoint.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 50, cfg.Budgets.MaxIterations)
	assert.Equal(t, 25, cfg.Budgets.StepBudget)
	assert.Equal(t, 5*time.Minute, cfg.Budgets.CodeWaitTimeout)
	assert.Equal(t, 10*time.Second, cfg.Budgets.CodePollInterval)
	assert.Equal(t, BusModeLocal, cfg.Bus.Mode)
	assert.True(t, cfg.Browser.Headless)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
llm:
  planner_model: gpt-4.1
  utility_model: gpt-4.1-mini
budgets:
  step_budget: 10
  code_wait_timeout: 2m
  code_poll_interval: 5s
browser:
  headless: false
  timeout_minutes: 30
navigation:
  allowed_urls:
    - "*.example.com"
webhook:
  signing_key: whsec-test
  code_callback_url: https://org.example.com/codes
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "gpt-4.1", cfg.LLM.PlannerModel)
	assert.Equal(t, 10, cfg.Budgets.StepBudget)
	assert.Equal(t, 2*time.Minute, cfg.Budgets.CodeWaitTimeout)
	assert.Equal(t, 5*time.Second, cfg.Budgets.CodePollInterval)
	assert.Equal(t, 30, cfg.Browser.TimeoutMinutes)
	assert.Equal(t, "whsec-test", cfg.Webhook.SigningKey)
	assert.Equal(t, "https://org.example.com/codes", cfg.Webhook.CodeCallbackURL)

	// Omitted fields keep their defaults.
	assert.Equal(t, 50, cfg.Budgets.MaxIterations)
	assert.Equal(t, 15, cfg.Browser.RenewIncrementMinutes)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, `
budgets:
  code_wait_timeout: "five minutes"
`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "code_wait_timeout")
}

func TestValidateBusMode(t *testing.T) {
	cfg := Default()
	cfg.Bus.Mode = "carrier-pigeon"
	assert.Error(t, cfg.Validate())

	cfg.Bus.Mode = BusModeSocket
	assert.ErrorContains(t, cfg.Validate(), "broker_url")

	cfg.Bus.BrokerURL = "ws://broker:9090/events"
	assert.NoError(t, cfg.Validate())
}

func TestURLMatcher(t *testing.T) {
	nav := NavigationConfig{AllowedURLs: []string{"*.example.com", "example.com"}}
	m, err := nav.Matcher()
	require.NoError(t, err)

	assert.True(t, m.Allowed("https://www.example.com/pricing"))
	assert.True(t, m.Allowed("https://EXAMPLE.com"))
	assert.False(t, m.Allowed("https://evil.com"))
	assert.False(t, m.Allowed("not a url"))
}

func TestURLMatcherAllowAll(t *testing.T) {
	empty := NavigationConfig{}
	m, err := empty.Matcher()
	require.NoError(t, err)
	assert.True(t, m.Allowed("https://anything.anywhere"))

	star := NavigationConfig{AllowedURLs: []string{"*"}}
	m, err = star.Matcher()
	require.NoError(t, err)
	assert.True(t, m.Allowed("https://anything.anywhere"))
}

func TestURLMatcherRejectsInvalidPattern(t *testing.T) {
	nav := NavigationConfig{AllowedURLs: []string{"[invalid"}}
	_, err := nav.Matcher()
	assert.Error(t, err)
}
