package verdict

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"

	"github.com/shineum/smtp-sandbox-gateway/internal/email"
)

// contentHeaders describe a MIME body rather than the message.
var contentHeaders = []string{
	"Content-Type",
	"Content-Transfer-Encoding",
	"Content-Disposition",
	"Content-Description",
	"Content-Id",
}

// Rebuild serializes msg without the removed attachments and appends a
// text/plain note naming them. All message headers are kept. Retained
// parts keep their headers and are re-encoded with their original
// transfer encoding.
func Rebuild(msg *email.Message, removed []Removal) ([]byte, error) {
	drop := make(map[*email.Part]bool, len(removed))
	for _, r := range removed {
		drop[r.Part] = true
	}
	note := Note(removed)

	var buf bytes.Buffer
	root := msg.Root

	switch {
	case drop[root]:
		// The whole body was the attachment; the note replaces it.
		h := messageHeader(msg.Header)
		setNoteHeader(&h)
		w, err := message.CreateWriter(&buf, h)
		if err != nil {
			return nil, fmt.Errorf("failed to write header: %w", err)
		}
		if _, err := io.WriteString(w, note); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}

	case root.MediaType == "multipart/mixed":
		w, err := message.CreateWriter(&buf, copyHeader(msg.Header))
		if err != nil {
			return nil, fmt.Errorf("failed to write header: %w", err)
		}
		if err := writeChildren(w, root, drop); err != nil {
			return nil, err
		}
		if err := writeNote(w, note); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}

	default:
		// Wrap the original body in multipart/mixed so the note is not
		// taken as an alternative or related part.
		h := messageHeader(msg.Header)
		h.SetContentType("multipart/mixed", nil)
		w, err := message.CreateWriter(&buf, h)
		if err != nil {
			return nil, fmt.Errorf("failed to write header: %w", err)
		}
		if retains(root, drop) {
			if err := writePart(w, root, bodyHeader(msg.Header), drop); err != nil {
				return nil, err
			}
		}
		if err := writeNote(w, note); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

// Note is the text appended to a sanitized message.
func Note(removed []Removal) string {
	var b strings.Builder
	b.WriteString("This message was checked by the mail gateway.\n")
	b.WriteString("The following attachments were removed:\n\n")
	for _, r := range removed {
		fmt.Fprintf(&b, "  - %s (%s)\n", r.Part.Filename, r.Verdict)
	}
	return b.String()
}

func writeChildren(w *message.Writer, p *email.Part, drop map[*email.Part]bool) error {
	for _, c := range p.Children {
		if !retains(c, drop) {
			continue
		}
		if err := writePart(w, c, partHeader(c), drop); err != nil {
			return err
		}
	}
	return nil
}

func writePart(w *message.Writer, p *email.Part, h message.Header, drop map[*email.Part]bool) error {
	pw, err := w.CreatePart(h)
	if err != nil {
		return fmt.Errorf("failed to create %s part: %w", p.MediaType, err)
	}
	if p.Multipart() {
		if err := writeChildren(pw, p, drop); err != nil {
			return err
		}
	} else if _, err := pw.Write(p.Content); err != nil {
		return fmt.Errorf("failed to write %s part: %w", p.MediaType, err)
	}
	return pw.Close()
}

func writeNote(w *message.Writer, note string) error {
	var h message.Header
	setNoteHeader(&h)
	h.Set("Content-Disposition", "inline")

	pw, err := w.CreatePart(h)
	if err != nil {
		return fmt.Errorf("failed to create note part: %w", err)
	}
	if _, err := io.WriteString(pw, note); err != nil {
		return err
	}
	return pw.Close()
}

func setNoteHeader(h *message.Header) {
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	h.Set("Content-Transfer-Encoding", "quoted-printable")
}

// retains reports whether anything under p survives. A multipart container
// whose parts were all removed is dropped as well, since an empty
// multipart body cannot be serialized.
func retains(p *email.Part, drop map[*email.Part]bool) bool {
	if drop[p] {
		return false
	}
	if !p.Multipart() {
		return true
	}
	for _, c := range p.Children {
		if retains(c, drop) {
			return true
		}
	}
	return false
}

func copyHeader(h message.Header) message.Header {
	return message.Header{Header: h.Header.Copy()}
}

// partHeader copies a part header for re-encoding. Content whose transfer
// encoding could not be decoded is passed through unchanged.
func partHeader(p *email.Part) message.Header {
	h := copyHeader(p.Header)
	if !p.Multipart() && !knownEncoding(h.Get("Content-Transfer-Encoding")) {
		h.Set("Content-Transfer-Encoding", "8bit")
	}
	return h
}

// messageHeader is the top-level header without its body description.
func messageHeader(h message.Header) message.Header {
	out := copyHeader(h)
	for _, k := range contentHeaders {
		out.Del(k)
	}
	return out
}

// bodyHeader is the body description of the top-level header.
func bodyHeader(h message.Header) message.Header {
	var out message.Header
	for _, k := range contentHeaders {
		if v := h.Get(k); v != "" {
			out.Set(k, v)
		}
	}
	if !knownEncoding(out.Get("Content-Transfer-Encoding")) {
		out.Set("Content-Transfer-Encoding", "8bit")
	}
	return out
}

func knownEncoding(enc string) bool {
	switch strings.ToLower(strings.TrimSpace(enc)) {
	case "", "7bit", "8bit", "binary", "base64", "quoted-printable":
		return true
	default:
		return false
	}
}
