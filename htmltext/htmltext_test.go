package htmltext_test

import (
	"strings"
	"testing"

	"github.com/Jorineg/TeamworkMissiveConnector/htmltext"
)

func TestRenderBasicHTML(t *testing.T) {
	got := htmltext.Render(`<p>Hello <strong>world</strong></p><p>Second paragraph</p>`)
	if !strings.Contains(got, "Hello **world**") {
		t.Fatalf("markdown conversion missing: %q", got)
	}
	if !strings.Contains(got, "Second paragraph") {
		t.Fatalf("second paragraph lost: %q", got)
	}
}

func TestRenderStripsScripts(t *testing.T) {
	got := htmltext.Render(`<p>visible</p><script>alert("xss")</script>`)
	if strings.Contains(got, "alert") {
		t.Fatalf("script content leaked: %q", got)
	}
	if !strings.Contains(got, "visible") {
		t.Fatalf("visible text lost: %q", got)
	}
}

func TestRenderEmpty(t *testing.T) {
	if got := htmltext.Render(""); got != "" {
		t.Fatalf("Render(\"\") = %q, want empty", got)
	}
	if got := htmltext.Render("   \n  "); got != "" {
		t.Fatalf("whitespace-only = %q, want empty", got)
	}
}

func TestRenderLinks(t *testing.T) {
	got := htmltext.Render(`<a href="https://example.com">example</a>`)
	if !strings.Contains(got, "example.com") {
		t.Fatalf("link target lost: %q", got)
	}
}

func TestRenderMessyEmailMarkup(t *testing.T) {
	// Real email HTML: unclosed tags, nested tables, inline styles.
	messy := `<table><tr><td style="font-size:12px">Quarterly numbers<br>are attached
	<div>Regards<td>ignored cell</table>`
	got := htmltext.Render(messy)
	if !strings.Contains(got, "Quarterly numbers") || !strings.Contains(got, "Regards") {
		t.Fatalf("messy markup lost content: %q", got)
	}
}
