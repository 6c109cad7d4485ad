// Package parser turns raw RFC 5322 bytes into the gateway's MIME tree.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"

	"github.com/shineum/smtp-sandbox-gateway/internal/email"
)

// maxDepth bounds multipart nesting.
const maxDepth = 16

// ErrMalformed marks a message whose MIME structure cannot be fully read.
// A message that cannot be fully read cannot be fully analysed, so any
// unreadable part fails the whole message rather than being skipped.
var ErrMalformed = errors.New("malformed message")

// Parse parses raw into an email.Message. Every leaf is transfer-decoded and
// attachments carry the SHA-256 of their decoded content. Errors wrap
// ErrMalformed.
func Parse(raw []byte) (*email.Message, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !tolerable(err) {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	root, err := parseEntity(entity, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	return &email.Message{
		Raw:    raw,
		Header: entity.Header,
		Root:   root,
	}, nil
}

// tolerable reports errors go-message returns alongside a usable entity.
// Charset conversion is never needed because content is hashed and
// re-emitted byte for byte.
func tolerable(err error) bool {
	return message.IsUnknownCharset(err) || message.IsUnknownEncoding(err)
}

// parseEntity converts one entity, recursing into multipart bodies.
func parseEntity(e *message.Entity, depth int) (*email.Part, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("multipart nesting exceeds %d levels", maxDepth)
	}

	mediaType, params, err := e.Header.ContentType()
	if err != nil || mediaType == "" {
		if e.Header.Get("Content-Type") != "" {
			slog.Warn("failed to parse content type, treating as text/plain",
				"content_type", e.Header.Get("Content-Type"),
				"error", err,
			)
		}
		mediaType = "text/plain"
	}

	part := &email.Part{
		Header:    e.Header,
		MediaType: mediaType,
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		if params["boundary"] == "" {
			return nil, fmt.Errorf("multipart part %q missing boundary", mediaType)
		}
		mr := e.MultipartReader()
		for {
			child, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil && !(child != nil && tolerable(err)) {
				return nil, fmt.Errorf("failed to read next part: %w", err)
			}
			p, err := parseEntity(child, depth+1)
			if err != nil {
				return nil, err
			}
			part.Children = append(part.Children, p)
		}
		return part, nil
	}

	content, err := io.ReadAll(e.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s content: %w", mediaType, err)
	}
	part.Content = content

	disposition, _, _ := e.Header.ContentDisposition()
	filename := extractFilename(e.Header)
	part.Attachment = isAttachment(disposition, mediaType, filename)
	if part.Attachment {
		part.Filename = filename
		if part.Filename == "" {
			part.Filename = fallbackFilename(mediaType)
		}
		part.Hash = email.ContentHash(content)
	}

	return part, nil
}

// isAttachment classifies a leaf. Explicit attachments always count; named
// non-text inline parts count too so that inline files are analysed.
func isAttachment(disposition, mediaType, filename string) bool {
	if strings.EqualFold(disposition, "attachment") {
		return true
	}
	return filename != "" && !strings.HasPrefix(mediaType, "text/")
}

// extractFilename reads the Content-Disposition filename, falling back to
// the Content-Type name parameter.
func extractFilename(h message.Header) string {
	ah := mail.AttachmentHeader{Header: h}
	name, err := ah.Filename()
	if err != nil {
		slog.Debug("failed to decode attachment filename", "error", err)
	}
	if name != "" {
		return name
	}
	_, params, err := h.ContentType()
	if err == nil && params["name"] != "" {
		return params["name"]
	}
	return ""
}

// fallbackFilename builds a name from the media type, e.g. "attachment.pdf".
func fallbackFilename(mediaType string) string {
	parts := strings.SplitN(mediaType, "/", 2)
	if len(parts) == 2 && parts[1] != "" {
		return "attachment." + parts[1]
	}
	return "attachment"
}
