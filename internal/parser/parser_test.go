package parser

import (
	"errors"
	"strings"
	"testing"

	"github.com/shineum/smtp-sandbox-gateway/internal/email"
)

func TestParsePlainTextEmail(t *testing.T) {
	t.Parallel()

	raw := []byte(strings.Join([]string{
		"From: sender@example.com",
		"To: recipient@example.com",
		"Subject: Test Subject",
		"Message-Id: <test123@example.com>",
		"Content-Type: text/plain",
		"",
		"Hello, this is a plain text email.",
	}, "\r\n"))

	msg, err := Parse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := msg.Subject(); got != "Test Subject" {
		t.Errorf("Subject: got %q, want %q", got, "Test Subject")
	}
	if got := msg.Header.Get("Message-Id"); got != "<test123@example.com>" {
		t.Errorf("Message-Id: got %q, want %q", got, "<test123@example.com>")
	}
	if msg.Root.MediaType != "text/plain" {
		t.Errorf("MediaType: got %q, want text/plain", msg.Root.MediaType)
	}
	if string(msg.Root.Content) != "Hello, this is a plain text email." {
		t.Errorf("Content: got %q", msg.Root.Content)
	}
	if n := len(msg.Attachments()); n != 0 {
		t.Errorf("Attachments: got %d, want 0", n)
	}
	if string(msg.Raw) != string(raw) {
		t.Error("Raw must be kept unmodified")
	}
}

func TestParseMultipartTextAndHTML(t *testing.T) {
	t.Parallel()

	raw := []byte(strings.Join([]string{
		"From: sender@example.com",
		"To: alice@example.com",
		"Subject: Multipart Test",
		"Content-Type: multipart/alternative; boundary=boundary123",
		"",
		"--boundary123",
		"Content-Type: text/plain",
		"",
		"Plain text body",
		"--boundary123",
		"Content-Type: text/html",
		"",
		"<html><body><p>HTML body</p></body></html>",
		"--boundary123--",
	}, "\r\n"))

	msg, err := Parse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !msg.Root.Multipart() {
		t.Fatal("root should be multipart")
	}
	if len(msg.Root.Children) != 2 {
		t.Fatalf("Children: got %d, want 2", len(msg.Root.Children))
	}
	if got := string(msg.Root.Children[0].Content); got != "Plain text body" {
		t.Errorf("text part: got %q", got)
	}
	if got := msg.Root.Children[1].MediaType; got != "text/html" {
		t.Errorf("html part media type: got %q", got)
	}
	if n := len(msg.Attachments()); n != 0 {
		t.Errorf("Attachments: got %d, want 0", n)
	}
}

func TestParseEmailWithAttachments(t *testing.T) {
	t.Parallel()

	raw := []byte(strings.Join([]string{
		"From: sender@example.com",
		"To: recipient@example.com",
		"Subject: With Attachment",
		"Content-Type: multipart/mixed; boundary=mixedboundary",
		"",
		"--mixedboundary",
		"Content-Type: text/plain",
		"",
		"Email body text",
		"--mixedboundary",
		"Content-Type: application/pdf; name=\"report.pdf\"",
		"Content-Disposition: attachment; filename=\"report.pdf\"",
		"Content-Transfer-Encoding: base64",
		"",
		"SGVsbG8gV29ybGQ=",
		"--mixedboundary--",
	}, "\r\n"))

	msg, err := Parse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	atts := msg.Attachments()
	if len(atts) != 1 {
		t.Fatalf("Attachments: got %d, want 1", len(atts))
	}

	att := atts[0]
	if att.Filename != "report.pdf" {
		t.Errorf("Filename: got %q, want %q", att.Filename, "report.pdf")
	}
	if att.MediaType != "application/pdf" {
		t.Errorf("MediaType: got %q, want %q", att.MediaType, "application/pdf")
	}
	if string(att.Content) != "Hello World" {
		t.Errorf("Content: got %q, want %q", att.Content, "Hello World")
	}
	if want := email.ContentHash([]byte("Hello World")); att.Hash != want {
		t.Errorf("Hash: got %q, want %q", att.Hash, want)
	}
	if msg.Root.Children[0].Attachment {
		t.Error("text body must not be classified as attachment")
	}
}

func TestParseNestedMultipart(t *testing.T) {
	t.Parallel()

	raw := []byte(strings.Join([]string{
		"From: sender@example.com",
		"Content-Type: multipart/mixed; boundary=outer",
		"",
		"--outer",
		"Content-Type: multipart/alternative; boundary=inner",
		"",
		"--inner",
		"Content-Type: text/plain",
		"",
		"plain",
		"--inner",
		"Content-Type: text/html",
		"",
		"<p>html</p>",
		"--inner--",
		"--outer",
		"Content-Type: application/octet-stream",
		"Content-Disposition: attachment; filename=\"a.bin\"",
		"",
		"AAAA",
		"--outer",
		"Content-Type: image/png",
		"Content-Disposition: inline; filename=\"logo.png\"",
		"",
		"PNG",
		"--outer--",
	}, "\r\n"))

	msg, err := Parse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	atts := msg.Attachments()
	if len(atts) != 2 {
		t.Fatalf("Attachments: got %d, want 2", len(atts))
	}
	if atts[0].Filename != "a.bin" || atts[1].Filename != "logo.png" {
		t.Errorf("filenames: got %q, %q", atts[0].Filename, atts[1].Filename)
	}
	if len(msg.Root.Children[0].Children) != 2 {
		t.Errorf("nested alternative should have 2 children")
	}
}

func TestParseAttachmentWithoutFilename(t *testing.T) {
	t.Parallel()

	raw := []byte(strings.Join([]string{
		"Content-Type: multipart/mixed; boundary=b",
		"",
		"--b",
		"Content-Type: application/zip",
		"Content-Disposition: attachment",
		"",
		"PK",
		"--b--",
	}, "\r\n"))

	msg, err := Parse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	atts := msg.Attachments()
	if len(atts) != 1 {
		t.Fatalf("Attachments: got %d, want 1", len(atts))
	}
	if atts[0].Filename != "attachment.zip" {
		t.Errorf("Filename: got %q, want %q", atts[0].Filename, "attachment.zip")
	}
}

func TestParseMalformed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
	}{
		{
			name: "multipart without boundary",
			raw:  "Content-Type: multipart/mixed\r\n\r\nbody",
		},
		{
			name: "truncated multipart",
			raw: strings.Join([]string{
				"Content-Type: multipart/mixed; boundary=b",
				"",
				"--b",
				"Content-Type: text/plain",
				"",
				"never closed",
			}, "\r\n"),
		},
		{
			name: "corrupt base64 attachment",
			raw: strings.Join([]string{
				"Content-Type: multipart/mixed; boundary=b",
				"",
				"--b",
				"Content-Type: application/octet-stream",
				"Content-Disposition: attachment; filename=\"x.bin\"",
				"Content-Transfer-Encoding: base64",
				"",
				"!!!not-base64!!!",
				"--b--",
			}, "\r\n"),
		},
		{
			name: "broken header",
			raw:  "this is not a header line\r\n\r\nbody",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(tt.raw))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !errors.Is(err, ErrMalformed) {
				t.Errorf("error should wrap ErrMalformed, got %v", err)
			}
		})
	}
}

func TestIsAttachment(t *testing.T) {
	t.Parallel()

	tests := []struct {
		disposition string
		mediaType   string
		filename    string
		want        bool
	}{
		{"attachment", "application/pdf", "a.pdf", true},
		{"ATTACHMENT", "text/plain", "", true},
		{"inline", "image/png", "logo.png", true},
		{"inline", "text/plain", "notes.txt", false},
		{"", "text/html", "", false},
		{"", "application/octet-stream", "", false},
	}

	for _, tt := range tests {
		if got := isAttachment(tt.disposition, tt.mediaType, tt.filename); got != tt.want {
			t.Errorf("isAttachment(%q, %q, %q): got %v, want %v",
				tt.disposition, tt.mediaType, tt.filename, got, tt.want)
		}
	}
}
