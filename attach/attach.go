// Package attach extracts text from message attachments before send.
//
// The backend accepts plain text only, so attachments are flattened
// client-side. PDF extraction uses ledongthuc/pdf (BSD-3, pure Go, no
// CGO); everything else is treated as UTF-8 text.
package attach

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
)

// maxAttachmentText caps the flattened text per attachment so a large file
// cannot blow up the turn request.
const maxAttachmentText = 32_000

// Attachment is one file the user attached to a message.
type Attachment struct {
	Name    string
	MIME    string
	Content []byte
}

// Flatten renders an attachment as plain text, fenced with its filename so
// the agent can tell attachments apart from the typed message.
func Flatten(a Attachment) (string, error) {
	text, err := extract(a)
	if err != nil {
		return "", err
	}
	if len(text) > maxAttachmentText {
		text = text[:maxAttachmentText] + "\n... (truncated)"
	}
	return fmt.Sprintf("--- attachment: %s ---\n%s\n--- end attachment ---", a.Name, text), nil
}

// FlattenAll appends every attachment's flattened text to the message body.
func FlattenAll(message string, attachments []Attachment) (string, error) {
	if len(attachments) == 0 {
		return message, nil
	}
	var b strings.Builder
	b.WriteString(message)
	for _, a := range attachments {
		text, err := Flatten(a)
		if err != nil {
			return "", fmt.Errorf("attachment %s: %w", a.Name, err)
		}
		b.WriteString("\n\n")
		b.WriteString(text)
	}
	return b.String(), nil
}

func extract(a Attachment) (string, error) {
	if a.MIME == "application/pdf" || strings.HasSuffix(strings.ToLower(a.Name), ".pdf") {
		return extractPDF(a.Content)
	}
	if !utf8.Valid(a.Content) {
		return "", fmt.Errorf("unsupported binary attachment (%s)", a.MIME)
	}
	return string(a.Content), nil
}

// extractPDF extracts plain text from a PDF, page by page. Unreadable
// pages are skipped rather than failing the whole attachment.
func extractPDF(content []byte) (string, error) {
	if len(content) == 0 {
		return "", fmt.Errorf("empty PDF content")
	}

	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}

	var text strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		pageText = strings.TrimSpace(pageText)
		if pageText == "" {
			continue
		}
		if text.Len() > 0 {
			text.WriteString("\n\n")
		}
		text.WriteString(pageText)
	}
	return strings.TrimSpace(text.String()), nil
}
