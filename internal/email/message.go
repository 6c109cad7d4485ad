// Package email defines the core mail data model shared by the gateway
// pipeline: the held message, its envelope, and its parsed MIME tree.
package email

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-message"
)

// CorrelationID keys a held message in the store and identifies its
// analysis job. It is the hex SHA-256 of the raw message bytes, so the same
// bytes always produce the same ID.
type CorrelationID string

// NewCorrelationID derives the CorrelationID of a raw message.
func NewCorrelationID(raw []byte) CorrelationID {
	return CorrelationID(ContentHash(raw))
}

// Short returns an abbreviated form for log lines.
func (id CorrelationID) Short() string {
	if len(id) > 12 {
		return string(id[:12])
	}
	return string(id)
}

// ContentHash returns the hex SHA-256 digest of b.
func ContentHash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Envelope is the SMTP envelope captured by the receiver.
type Envelope struct {
	From string   `json:"from"`
	To   []string `json:"to"`
}

// AddRecipients appends the addresses not already in e.To, compared
// case-insensitively, and returns how many were added.
func (e *Envelope) AddRecipients(addrs ...string) int {
	seen := make(map[string]bool, len(e.To)+len(addrs))
	for _, a := range e.To {
		seen[strings.ToLower(a)] = true
	}
	added := 0
	for _, a := range addrs {
		key := strings.ToLower(a)
		if seen[key] {
			continue
		}
		seen[key] = true
		e.To = append(e.To, a)
		added++
	}
	return added
}

// Held is the record kept in the correlation store between receipt and
// verdict handling.
type Held struct {
	Envelope   Envelope  `json:"envelope"`
	Raw        []byte    `json:"raw"`
	ReceivedAt time.Time `json:"received_at"`
}

// Encode serializes the held record for storage.
func (h *Held) Encode() ([]byte, error) {
	data, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("failed to encode held message: %w", err)
	}
	return data, nil
}

// DecodeHeld is the inverse of Held.Encode.
func DecodeHeld(data []byte) (*Held, error) {
	var h Held
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("failed to decode held message: %w", err)
	}
	return &h, nil
}

// Message is a raw message together with its parsed MIME structure.
// Raw is never modified after parsing.
type Message struct {
	Raw    []byte
	Header message.Header
	Root   *Part
}

// Part is a node in the MIME tree. Multipart nodes carry Children and no
// Content; leaf nodes carry their transfer-decoded Content.
type Part struct {
	Header     message.Header
	MediaType  string
	Content    []byte
	Children   []*Part
	Attachment bool
	Filename   string
	Hash       string
}

// Multipart reports whether the part is a multipart container.
func (p *Part) Multipart() bool {
	return len(p.Children) > 0 || strings.HasPrefix(p.MediaType, "multipart/")
}

// Attachments returns every attachment leaf in document order.
func (m *Message) Attachments() []*Part {
	var out []*Part
	var walk func(p *Part)
	walk = func(p *Part) {
		if p == nil {
			return
		}
		if p.Attachment {
			out = append(out, p)
			return
		}
		for _, c := range p.Children {
			walk(c)
		}
	}
	walk(m.Root)
	return out
}

// Subject returns the decoded Subject header, or the raw value when it
// cannot be decoded.
func (m *Message) Subject() string {
	if s, err := m.Header.Text("Subject"); err == nil {
		return s
	}
	return m.Header.Get("Subject")
}
