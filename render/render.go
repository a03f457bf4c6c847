// Package render converts transcript markdown into HTML for the chat view.
//
// Agent output arrives as markdown; the browser UI wants sanitized HTML.
// Rendering never fails the transcript: on conversion errors the raw text
// is escaped and returned as-is.
package render

import (
	"bytes"
	"fmt"
	"strings"

	lagoon "github.com/nevindra/lagoon"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

var gm = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
	goldmark.WithRendererOptions(html.WithHardWraps()),
)

// Markdown converts one markdown string to HTML.
func Markdown(md string) string {
	var buf bytes.Buffer
	if err := gm.Convert([]byte(md), &buf); err != nil {
		// Fallback: escape and return as-is.
		return "<p>" + htmlEscape(md) + "</p>"
	}
	return strings.TrimSpace(buf.String())
}

// Message renders one transcript message as an HTML fragment. Streaming
// messages get a marker class so the UI can show a cursor.
func Message(m *lagoon.Message) string {
	var b strings.Builder
	class := "message message-" + string(m.Sender)
	if m.IsStreaming {
		class += " streaming"
	}
	if m.IsError {
		class += " error"
	}
	fmt.Fprintf(&b, "<div class=%q data-id=%q>\n", class, m.ID)
	b.WriteString(Markdown(m.Text))
	b.WriteString("\n</div>")
	return b.String()
}

// Transcript renders the whole transcript as an HTML fragment, one div per
// message in turn order.
func Transcript(tr *lagoon.Transcript) string {
	var b strings.Builder
	for _, m := range tr.Messages() {
		b.WriteString(Message(m))
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

// htmlEscape escapes <, >, & for the fallback path.
func htmlEscape(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}
