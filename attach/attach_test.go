package attach

import (
	"strings"
	"testing"
)

func TestFlattenText(t *testing.T) {
	a := Attachment{Name: "notes.txt", MIME: "text/plain", Content: []byte("line one\nline two")}
	got, err := Flatten(a)
	if err != nil {
		t.Fatalf("Flatten: %v", err)
	}
	if !strings.Contains(got, "attachment: notes.txt") {
		t.Errorf("missing filename fence: %q", got)
	}
	if !strings.Contains(got, "line two") {
		t.Errorf("missing content: %q", got)
	}
}

func TestFlattenBinaryRejected(t *testing.T) {
	a := Attachment{Name: "img.png", MIME: "image/png", Content: []byte{0x89, 0x50, 0x4e, 0x47, 0xff, 0xfe}}
	if _, err := Flatten(a); err == nil {
		t.Error("expected error for binary attachment")
	}
}

func TestFlattenTruncates(t *testing.T) {
	a := Attachment{Name: "big.txt", MIME: "text/plain", Content: []byte(strings.Repeat("x", maxAttachmentText+100))}
	got, err := Flatten(a)
	if err != nil {
		t.Fatalf("Flatten: %v", err)
	}
	if !strings.Contains(got, "truncated") {
		t.Error("expected truncation marker")
	}
}

func TestFlattenAllEmpty(t *testing.T) {
	got, err := FlattenAll("just a message", nil)
	if err != nil {
		t.Fatalf("FlattenAll: %v", err)
	}
	if got != "just a message" {
		t.Errorf("expected passthrough, got %q", got)
	}
}

func TestFlattenAllAppends(t *testing.T) {
	got, err := FlattenAll("summarize these", []Attachment{
		{Name: "a.txt", MIME: "text/plain", Content: []byte("alpha")},
		{Name: "b.txt", MIME: "text/plain", Content: []byte("beta")},
	})
	if err != nil {
		t.Fatalf("FlattenAll: %v", err)
	}
	if !strings.HasPrefix(got, "summarize these") {
		t.Errorf("message not first: %q", got)
	}
	if !strings.Contains(got, "alpha") || !strings.Contains(got, "beta") {
		t.Errorf("attachments missing: %q", got)
	}
	if strings.Index(got, "alpha") > strings.Index(got, "beta") {
		t.Error("attachments out of order")
	}
}

func TestExtractPDFEmpty(t *testing.T) {
	if _, err := extractPDF(nil); err == nil {
		t.Error("expected error for empty PDF")
	}
}
