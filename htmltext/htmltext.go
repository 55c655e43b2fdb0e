// Package htmltext renders email HTML bodies as readable text.
//
// The body is sanitized first, then converted to markdown. When the
// converter rejects the input (malformed markup does happen in real email),
// a plain-text extraction over the parse tree serves as fallback, so the
// result is never empty for non-empty input.
package htmltext

import (
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
)

var policy = bluemonday.UGCPolicy()

// Render converts an HTML fragment to markdown-ish plain text.
func Render(htmlBody string) string {
	if strings.TrimSpace(htmlBody) == "" {
		return ""
	}
	clean := policy.Sanitize(htmlBody)

	md, err := htmltomarkdown.ConvertString(clean)
	if err == nil {
		if s := strings.TrimSpace(md); s != "" {
			return s
		}
	}
	return extractText(clean)
}

// extractText walks the parse tree collecting text nodes. html.Parse never
// fails on arbitrary input, which is exactly why it is the fallback.
func extractText(fragment string) string {
	root, err := html.Parse(strings.NewReader(fragment))
	if err != nil {
		return strings.TrimSpace(fragment)
	}

	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			b.WriteString(n.Data)
		case html.ElementNode:
			switch n.Data {
			case "script", "style":
				return
			case "br", "p", "div", "tr", "li":
				b.WriteString("\n")
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)

	lines := strings.Split(b.String(), "\n")
	out := lines[:0]
	for _, line := range lines {
		if s := strings.TrimSpace(line); s != "" {
			out = append(out, s)
		}
	}
	return strings.Join(out, "\n")
}
