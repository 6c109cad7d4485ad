package sandbox_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shineum/smtp-sandbox-gateway/internal/email"
	"github.com/shineum/smtp-sandbox-gateway/internal/sandbox"
	"github.com/shineum/smtp-sandbox-gateway/internal/sandbox/sandboxtest"
)

func file(name, content string) sandbox.File {
	return sandbox.File{Name: name, Hash: email.ContentHash([]byte(content)), Content: []byte(content)}
}

func newPoller(client sandbox.Client, clock *sandboxtest.Clock) *sandbox.Poller {
	return sandbox.NewPoller(client, sandbox.PollerConfig{
		Interval:             30 * time.Second,
		MaxAttempts:          10,
		MaxConsecutiveErrors: 3,
		Clock:                clock,
	})
}

func TestAnalyze_CompletedVerdicts(t *testing.T) {
	t.Parallel()

	client := sandboxtest.New(map[string]sandbox.Verdict{
		"good.exe": sandbox.VerdictClean,
		"bad.exe":  sandbox.VerdictMalicious,
	})
	client.PendingPolls = 2
	clock := sandboxtest.NewClock(time.Unix(0, 0))

	good, bad := file("good.exe", "MZ good"), file("bad.exe", "MZ bad")
	verdicts, err := newPoller(client, clock).Analyze(context.Background(), []sandbox.File{good, bad})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if verdicts[good.Hash] != sandbox.VerdictClean {
		t.Errorf("good.exe: got %q, want clean", verdicts[good.Hash])
	}
	if verdicts[bad.Hash] != sandbox.VerdictMalicious {
		t.Errorf("bad.exe: got %q, want malicious", verdicts[bad.Hash])
	}
	if got := clock.Sleeps(); got != 3 {
		t.Errorf("sleeps: got %d, want 3", got)
	}
}

func TestAnalyze_DuplicateContentUploadedOnce(t *testing.T) {
	t.Parallel()

	client := sandboxtest.New(nil)
	clock := sandboxtest.NewClock(time.Unix(0, 0))

	a, b := file("a.pdf", "same"), file("copy-of-a.pdf", "same")
	verdicts, err := newPoller(client, clock).Analyze(context.Background(), []sandbox.File{a, b})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	uploads, reports := client.Counts()
	if uploads != 1 || reports != 1 {
		t.Errorf("calls: got %d uploads / %d reports, want 1 / 1", uploads, reports)
	}
	if len(verdicts) != 1 {
		t.Errorf("verdicts: got %d entries, want 1", len(verdicts))
	}
}

func TestAnalyze_AlwaysPendingTimesOut(t *testing.T) {
	t.Parallel()

	client := sandboxtest.New(nil)
	client.OnReport = sandboxtest.AlwaysPending
	start := time.Unix(0, 0)
	clock := sandboxtest.NewClock(start)
	p := newPoller(client, clock)

	_, err := p.Analyze(context.Background(), []sandbox.File{file("slow.exe", "x")})
	if !errors.Is(err, sandbox.ErrAnalysisTimeout) {
		t.Fatalf("error: got %v, want ErrAnalysisTimeout", err)
	}

	_, reports := client.Counts()
	if reports != 10 {
		t.Errorf("reports: got %d, want exactly 10", reports)
	}
	if elapsed := clock.Now().Sub(start); elapsed > p.Budget() {
		t.Errorf("elapsed %v exceeds budget %v", elapsed, p.Budget())
	}
	if p.Budget() != 300*time.Second {
		t.Errorf("Budget: got %v, want 300s", p.Budget())
	}
}

func TestAnalyze_UploadFailureAborts(t *testing.T) {
	t.Parallel()

	client := sandboxtest.New(nil)
	client.UploadErr = map[string]error{"second.doc": sandboxtest.ErrUnavailable}
	clock := sandboxtest.NewClock(time.Unix(0, 0))

	_, err := newPoller(client, clock).Analyze(context.Background(),
		[]sandbox.File{file("first.doc", "1"), file("second.doc", "2")})

	var aerr *sandbox.AnalysisError
	if !errors.As(err, &aerr) {
		t.Fatalf("error: got %v, want *AnalysisError", err)
	}
	if aerr.Stage != "upload" || aerr.Filename != "second.doc" {
		t.Errorf("AnalysisError: got stage %q file %q", aerr.Stage, aerr.Filename)
	}
	if !errors.Is(err, sandboxtest.ErrUnavailable) {
		t.Error("AnalysisError should unwrap to the transport error")
	}
	if _, reports := client.Counts(); reports != 0 {
		t.Errorf("no polling may happen after an upload failure, got %d reports", reports)
	}
}

func TestAnalyze_ConsecutivePollErrorsAbort(t *testing.T) {
	t.Parallel()

	client := sandboxtest.New(nil)
	client.OnReport = func(string, int) (sandbox.Report, error) {
		return sandbox.Report{}, sandboxtest.ErrUnavailable
	}
	clock := sandboxtest.NewClock(time.Unix(0, 0))

	_, err := newPoller(client, clock).Analyze(context.Background(), []sandbox.File{file("x.bin", "x")})

	var aerr *sandbox.AnalysisError
	if !errors.As(err, &aerr) {
		t.Fatalf("error: got %v, want *AnalysisError", err)
	}
	if aerr.Stage != "poll" {
		t.Errorf("Stage: got %q, want poll", aerr.Stage)
	}
	if _, reports := client.Counts(); reports != 3 {
		t.Errorf("reports: got %d, want 3", reports)
	}
}

func TestAnalyze_InterleavedErrorsResetCounter(t *testing.T) {
	t.Parallel()

	// error, error, pending, error, error, completed
	client := sandboxtest.New(nil)
	client.OnReport = func(_ string, n int) (sandbox.Report, error) {
		switch n {
		case 1, 2, 4, 5:
			return sandbox.Report{Status: sandbox.StatusError, Detail: "busy"}, nil
		case 3:
			return sandbox.Report{Status: sandbox.StatusPending}, nil
		default:
			return sandbox.Report{Status: sandbox.StatusCompleted}, nil
		}
	}
	clock := sandboxtest.NewClock(time.Unix(0, 0))
	f := file("x.bin", "x")

	verdicts, err := newPoller(client, clock).Analyze(context.Background(), []sandbox.File{f})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if verdicts[f.Hash] != sandbox.VerdictClean {
		t.Errorf("verdict: got %q, want clean", verdicts[f.Hash])
	}
}

func TestAnalyze_ErrorsCountAgainstAttemptBudget(t *testing.T) {
	t.Parallel()

	// Alternating error/pending never trips the consecutive-error limit,
	// but still exhausts the attempt budget.
	client := sandboxtest.New(nil)
	client.OnReport = func(_ string, n int) (sandbox.Report, error) {
		if n%2 == 1 {
			return sandbox.Report{}, sandboxtest.ErrUnavailable
		}
		return sandbox.Report{Status: sandbox.StatusPending}, nil
	}
	clock := sandboxtest.NewClock(time.Unix(0, 0))

	_, err := newPoller(client, clock).Analyze(context.Background(), []sandbox.File{file("x.bin", "x")})
	if !errors.Is(err, sandbox.ErrAnalysisTimeout) {
		t.Fatalf("error: got %v, want ErrAnalysisTimeout", err)
	}
	if _, reports := client.Counts(); reports != 10 {
		t.Errorf("reports: got %d, want 10", reports)
	}
}

func TestAnalyze_UnmappedVerdictIsUnknown(t *testing.T) {
	t.Parallel()

	client := sandboxtest.New(nil)
	client.OnReport = func(string, int) (sandbox.Report, error) {
		return sandbox.Report{
			Status:   sandbox.StatusCompleted,
			Verdicts: map[string]sandbox.Verdict{"some-other-hash": sandbox.VerdictMalicious},
		}, nil
	}
	clock := sandboxtest.NewClock(time.Unix(0, 0))
	f := file("x.bin", "x")

	verdicts, err := newPoller(client, clock).Analyze(context.Background(), []sandbox.File{f})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if verdicts[f.Hash] != sandbox.VerdictUnknown {
		t.Errorf("verdict: got %q, want unknown", verdicts[f.Hash])
	}
}

func TestAnalyze_DeadlineIsTimeout(t *testing.T) {
	t.Parallel()

	client := sandboxtest.New(nil)
	client.OnReport = sandboxtest.AlwaysPending
	p := sandbox.NewPoller(client, sandbox.PollerConfig{
		Interval:    10 * time.Millisecond,
		MaxAttempts: 1000,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := p.Analyze(ctx, []sandbox.File{file("x.bin", "x")})
	if !errors.Is(err, sandbox.ErrAnalysisTimeout) {
		t.Fatalf("error: got %v, want ErrAnalysisTimeout", err)
	}
}

func TestAnalyze_CancelIsNotTimeout(t *testing.T) {
	t.Parallel()

	client := sandboxtest.New(nil)
	client.OnReport = sandboxtest.AlwaysPending
	p := sandbox.NewPoller(client, sandbox.PollerConfig{Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := p.Analyze(ctx, []sandbox.File{file("x.bin", "x")})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error: got %v, want context.Canceled", err)
	}
	if errors.Is(err, sandbox.ErrAnalysisTimeout) {
		t.Error("cancellation must not be reported as a timeout")
	}
}

func TestSleep(t *testing.T) {
	if err := sandbox.Sleep(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("Sleep() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sandbox.Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("Sleep() on cancelled context = %v, want context.Canceled", err)
	}
}
