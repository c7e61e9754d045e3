package browser

import (
	"context"
	"fmt"
	"strings"

	"github.com/playwright-community/playwright-go"
	"golang.org/x/net/html"
)

// Snapshot captures what the planner sees of a page: the current URL and
// title, a full screenshot, and a text summary of the interactive elements.
type Snapshot struct {
	URL           string
	Title         string
	Screenshot    []byte
	ElementDigest string
}

// interactiveTags are the elements worth surfacing to the planner. Plain
// text and layout nodes are dropped; the screenshot carries those.
var interactiveTags = map[string]bool{
	"a":        true,
	"button":   true,
	"input":    true,
	"select":   true,
	"textarea": true,
	"form":     true,
	"label":    true,
	"option":   true,
}

// digestAttrs are the attributes kept per element, in render order.
var digestAttrs = []string{"id", "name", "type", "placeholder", "aria-label", "href", "value", "role"}

const (
	maxDigestElements = 200
	maxAttrLength     = 120
)

// Scrape captures a snapshot of the session's current page.
func (p *Pool) Scrape(ctx context.Context, sessionID string) (*Snapshot, error) {
	page, err := p.page(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	screenshot, err := page.Screenshot(playwright.PageScreenshotOptions{
		FullPage: playwright.Bool(false),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to capture screenshot: %w", err)
	}

	content, err := page.Content()
	if err != nil {
		return nil, fmt.Errorf("failed to read page content: %w", err)
	}

	title, err := page.Title()
	if err != nil {
		title = ""
	}

	return &Snapshot{
		URL:           page.URL(),
		Title:         title,
		Screenshot:    screenshot,
		ElementDigest: DigestElements(content),
	}, nil
}

// DigestElements reduces an HTML document to a line-per-element summary of
// its interactive controls. Parse failures yield an empty digest rather
// than an error; a snapshot with only a screenshot is still usable.
func DigestElements(content string) string {
	doc, err := html.Parse(strings.NewReader(content))
	if err != nil {
		return ""
	}

	var b strings.Builder
	count := 0

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if count >= maxDigestElements {
			return
		}
		if n.Type == html.ElementNode && interactiveTags[n.Data] {
			writeElementLine(&b, n)
			count++
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return b.String()
}

func writeElementLine(b *strings.Builder, n *html.Node) {
	b.WriteString("<")
	b.WriteString(n.Data)

	attrs := make(map[string]string, len(n.Attr))
	for _, a := range n.Attr {
		attrs[a.Key] = a.Val
	}
	for _, key := range digestAttrs {
		val, ok := attrs[key]
		if !ok || val == "" {
			continue
		}
		if len(val) > maxAttrLength {
			val = val[:maxAttrLength]
		}
		fmt.Fprintf(b, " %s=%q", key, val)
	}

	if text := elementText(n); text != "" {
		b.WriteString(">")
		b.WriteString(text)
		b.WriteString("</")
		b.WriteString(n.Data)
		b.WriteString(">\n")
		return
	}
	b.WriteString("/>\n")
}

// elementText returns the element's immediate visible text, collapsed to a
// single line.
func elementText(n *html.Node) string {
	var parts []string
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			if t := strings.TrimSpace(c.Data); t != "" {
				parts = append(parts, t)
			}
		}
	}
	text := strings.Join(parts, " ")
	if len(text) > maxAttrLength {
		text = text[:maxAttrLength]
	}
	return text
}
