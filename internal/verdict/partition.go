package verdict

import (
	"fmt"

	"github.com/shineum/smtp-sandbox-gateway/internal/email"
	"github.com/shineum/smtp-sandbox-gateway/internal/sandbox"
)

// Removal is an attachment that will not be delivered.
type Removal struct {
	Part    *email.Part
	Verdict sandbox.Verdict
}

// Partition returns the attachments to remove. Malicious attachments are
// always removed. Attachments with no verdict, or an unknown one, are
// removed under FailClosed and kept under FailOpen. Non-attachment parts
// are never removed.
func Partition(msg *email.Message, verdicts map[string]sandbox.Verdict, policy FailPolicy) []Removal {
	var removed []Removal
	for _, part := range msg.Attachments() {
		v, ok := verdicts[part.Hash]
		if !ok {
			v = sandbox.VerdictUnknown
		}

		switch v {
		case sandbox.VerdictClean:
		case sandbox.VerdictMalicious:
			removed = append(removed, Removal{Part: part, Verdict: v})
		default:
			if policy != FailOpen {
				removed = append(removed, Removal{Part: part, Verdict: sandbox.VerdictUnknown})
			}
		}
	}
	return removed
}

// Filenames lists the removed attachment names.
func Filenames(removed []Removal) []string {
	names := make([]string, 0, len(removed))
	for _, r := range removed {
		names = append(names, r.Part.Filename)
	}
	return names
}

// Reasons pairs each removed filename with its verdict, e.g. "bad.exe: malicious".
func Reasons(removed []Removal) []string {
	out := make([]string, 0, len(removed))
	for _, r := range removed {
		out = append(out, fmt.Sprintf("%s: %s", r.Part.Filename, r.Verdict))
	}
	return out
}
