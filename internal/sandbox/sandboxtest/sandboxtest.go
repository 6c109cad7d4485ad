// Package sandboxtest provides a scripted sandbox.Client and a simulated
// clock for tests of code that drives the sandbox.
package sandboxtest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/shineum/smtp-sandbox-gateway/internal/sandbox"
)

// ErrUnavailable is a canned transport failure.
var ErrUnavailable = errors.New("sandbox unavailable")

// ReportFunc scripts the answer to the n-th Report call (1-based) for a file.
type ReportFunc func(filename string, n int) (sandbox.Report, error)

// Client is a fake sandbox. Uploaded files are identified by the SHA-256 of
// their content prefixed with "sbx-", so tests can tell remote identifiers
// from local hashes.
type Client struct {
	mu sync.Mutex

	// Verdicts maps filename to the verdict returned once analysis completes.
	// Files not listed complete as clean.
	Verdicts map[string]sandbox.Verdict

	// PendingPolls is the number of pending answers before completion.
	PendingPolls int

	// UploadErr, when set, fails uploads of the named file (or all files
	// when the key is "*").
	UploadErr map[string]error

	// OnReport overrides the scripted behaviour when set.
	OnReport ReportFunc

	uploads map[string]string
	polls   map[string]int
	Uploads int
	Reports int
}

// New creates a fake sandbox that reports the given verdicts.
func New(verdicts map[string]sandbox.Verdict) *Client {
	return &Client{Verdicts: verdicts}
}

func (c *Client) Upload(_ context.Context, filename string, content []byte) (sandbox.UploadResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.Uploads++
	if err := c.UploadErr[filename]; err != nil {
		return sandbox.UploadResult{}, err
	}
	if err := c.UploadErr["*"]; err != nil {
		return sandbox.UploadResult{}, err
	}

	sum := sha256.Sum256(content)
	id := "sbx-" + hex.EncodeToString(sum[:])
	if c.uploads == nil {
		c.uploads = make(map[string]string)
		c.polls = make(map[string]int)
	}
	c.uploads[id] = filename
	return sandbox.UploadResult{FileHash: id, Status: "success"}, nil
}

func (c *Client) Report(_ context.Context, fileHash string) (sandbox.Report, error) {
	c.mu.Lock()
	c.Reports++
	filename, ok := c.uploads[fileHash]
	c.polls[fileHash]++
	n := c.polls[fileHash]
	hook := c.OnReport
	c.mu.Unlock()

	if !ok {
		return sandbox.Report{Status: sandbox.StatusError, Detail: "unknown hash"}, nil
	}
	if hook != nil {
		r, err := hook(filename, n)
		if err == nil && r.Status == sandbox.StatusCompleted && r.Verdicts == nil {
			r.Verdicts = map[string]sandbox.Verdict{fileHash: sandbox.VerdictClean}
		}
		return r, err
	}
	if n <= c.PendingPolls {
		return sandbox.Report{Status: sandbox.StatusPending}, nil
	}

	v, ok := c.Verdicts[filename]
	if !ok {
		v = sandbox.VerdictClean
	}
	return sandbox.Report{
		Status:   sandbox.StatusCompleted,
		Verdicts: map[string]sandbox.Verdict{fileHash: v},
	}, nil
}

// Counts returns the number of Upload and Report calls so far.
func (c *Client) Counts() (uploads, reports int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Uploads, c.Reports
}

// AlwaysPending scripts a sandbox that never finishes.
func AlwaysPending(string, int) (sandbox.Report, error) {
	return sandbox.Report{Status: sandbox.StatusPending}, nil
}

// Clock is a simulated clock: Sleep advances Now instantly.
type Clock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps int
}

// NewClock creates a simulated clock starting at start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.sleeps++
	c.mu.Unlock()
	return nil
}

// Sleeps returns how many times Sleep was called.
func (c *Clock) Sleeps() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sleeps
}
