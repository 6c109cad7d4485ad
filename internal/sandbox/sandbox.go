// Package sandbox defines the malware-analysis sandbox contract and the
// bounded upload-and-poll cycle that drives it.
package sandbox

import (
	"context"
	"errors"
	"fmt"
)

// Verdict is the sandbox's classification of one file.
type Verdict string

const (
	VerdictClean     Verdict = "clean"
	VerdictMalicious Verdict = "malicious"
	VerdictUnknown   Verdict = "unknown"
)

// Status is the state of an analysis report.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// UploadResult is returned once per uploaded file.
type UploadResult struct {
	// FileHash is the sandbox's identifier for the file. It is used for
	// every subsequent Report call.
	FileHash string
	Status   string
}

// Report is the sandbox's answer to a poll.
type Report struct {
	Status   Status
	Verdicts map[string]Verdict
	// Detail carries the sandbox's own error text when Status is error.
	Detail string
}

// Client is a sandbox service. Implementations must be safe for
// concurrent use.
type Client interface {
	Upload(ctx context.Context, filename string, content []byte) (UploadResult, error)
	Report(ctx context.Context, fileHash string) (Report, error)
}

// ErrAnalysisTimeout is returned when polling exhausts its attempt budget
// without a completed report.
var ErrAnalysisTimeout = errors.New("sandbox: analysis timed out")

// AnalysisError aborts a job: an upload failed or polls kept failing.
type AnalysisError struct {
	Stage    string
	Filename string
	Err      error
}

func (e *AnalysisError) Error() string {
	return fmt.Sprintf("sandbox %s failed for %q: %v", e.Stage, e.Filename, e.Err)
}

func (e *AnalysisError) Unwrap() error {
	return e.Err
}
