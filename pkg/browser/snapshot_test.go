package browser

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDigestElementsKeepsInteractiveElements(t *testing.T) {
	page := `<html><body>
		<div class="hero">Welcome to the store</div>
		<a href="/pricing">Pricing</a>
		<form id="login">
			<input type="email" name="email" placeholder="Email address"/>
			<input type="password" name="password"/>
			<button type="submit">Sign in</button>
		</form>
		<p>Some marketing copy that should not appear.</p>
	</body></html>`

	digest := DigestElements(page)

	assert.Contains(t, digest, `<a href="/pricing">Pricing</a>`)
	assert.Contains(t, digest, `<input name="email" type="email" placeholder="Email address"/>`)
	assert.Contains(t, digest, `<button type="submit">Sign in</button>`)
	assert.NotContains(t, digest, "marketing copy")
	assert.NotContains(t, digest, "hero")
}

func TestDigestElementsCapsElementCount(t *testing.T) {
	var b strings.Builder
	b.WriteString("<html><body>")
	for i := 0; i < maxDigestElements*2; i++ {
		fmt.Fprintf(&b, `<a href="/item/%d">Item %d</a>`, i, i)
	}
	b.WriteString("</body></html>")

	digest := DigestElements(b.String())
	assert.Equal(t, maxDigestElements, strings.Count(digest, "\n"))
}

func TestDigestElementsTruncatesLongAttributes(t *testing.T) {
	long := strings.Repeat("x", maxAttrLength*2)
	digest := DigestElements(`<a href="` + long + `">link</a>`)

	assert.Contains(t, digest, `<a`)
	assert.NotContains(t, digest, long)
}

func TestDigestElementsMalformedHTML(t *testing.T) {
	// The html5 parser recovers from almost anything; the digest must not
	// error on tag soup.
	digest := DigestElements("<a href='/x'>unclosed <button>nested")
	assert.Contains(t, digest, "unclosed")
	assert.Contains(t, digest, "<button")
}
