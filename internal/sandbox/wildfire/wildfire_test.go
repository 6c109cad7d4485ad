package wildfire

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shineum/smtp-sandbox-gateway/internal/sandbox"
)

const testHash = "ab12cd34ef56ab12cd34ef56ab12cd34ef56ab12cd34ef56ab12cd34ef56ab12"

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := New(Config{APIKey: "test-key", BaseURL: srv.URL})
	c.retryDelay = time.Millisecond
	return c
}

func TestUpload_Success(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/publicapi/submit/file" {
			t.Errorf("path: got %q", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("failed to parse form: %v", err)
			return
		}
		if got := r.FormValue("apikey"); got != "test-key" {
			t.Errorf("apikey: got %q", got)
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Errorf("missing file: %v", err)
			return
		}
		defer f.Close()
		data, _ := io.ReadAll(f)
		if hdr.Filename != "invoice.exe" || string(data) != "MZ..." {
			t.Errorf("file: got %q %q", hdr.Filename, data)
		}

		fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<wildfire><upload-file-info><filename>invoice.exe</filename><sha256>%s</sha256><md5>x</md5></upload-file-info></wildfire>`,
			strings.ToUpper(testHash))
	})

	res, err := c.Upload(context.Background(), "invoice.exe", []byte("MZ..."))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.FileHash != testHash {
		t.Errorf("FileHash: got %q, want %q", res.FileHash, testHash)
	}
	if res.Status != "success" {
		t.Errorf("Status: got %q", res.Status)
	}
}

func TestUpload_RetriesServerErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintf(w, `<wildfire><upload-file-info><sha256>%s</sha256></upload-file-info></wildfire>`, testHash)
	})

	if _, err := c.Upload(context.Background(), "a.bin", []byte("a")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("calls: got %d, want 3", got)
	}
}

func TestUpload_PermanentErrorNotRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `<error><error-message>'Invalid API Key'</error-message></error>`)
	})

	_, err := c.Upload(context.Background(), "a.bin", []byte("a"))
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "Invalid API Key") {
		t.Errorf("error should carry the API message, got %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("calls: got %d, want 1", got)
	}
}

func TestUpload_GivesUpAfterMaxRetries(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	if _, err := c.Upload(context.Background(), "a.bin", []byte("a")); err == nil {
		t.Fatal("expected error")
	}
	if got := calls.Load(); got != maxRetries+1 {
		t.Errorf("calls: got %d, want %d", got, maxRetries+1)
	}
}

func TestReport_VerdictCodes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code        string
		wantStatus  sandbox.Status
		wantVerdict sandbox.Verdict
	}{
		{"0", sandbox.StatusCompleted, sandbox.VerdictClean},
		{"1", sandbox.StatusCompleted, sandbox.VerdictMalicious},
		{"2", sandbox.StatusCompleted, sandbox.VerdictMalicious},
		{"4", sandbox.StatusCompleted, sandbox.VerdictMalicious},
		{"5", sandbox.StatusCompleted, sandbox.VerdictMalicious},
		{"-100", sandbox.StatusPending, ""},
		{"-102", sandbox.StatusPending, ""},
		{"-101", sandbox.StatusError, ""},
		{"-103", sandbox.StatusError, ""},
		{"7", sandbox.StatusCompleted, sandbox.VerdictUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			t.Parallel()

			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/publicapi/get/verdict" {
					t.Errorf("path: got %q", r.URL.Path)
				}
				if got := r.FormValue("hash"); got != testHash {
					t.Errorf("hash: got %q", got)
				}
				fmt.Fprintf(w, `<wildfire><get-verdict-info><sha256>%s</sha256><verdict>%s</verdict></get-verdict-info></wildfire>`,
					testHash, tt.code)
			})

			report, err := c.Report(context.Background(), testHash)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if report.Status != tt.wantStatus {
				t.Errorf("Status: got %q, want %q", report.Status, tt.wantStatus)
			}
			if tt.wantVerdict != "" && report.Verdicts[testHash] != tt.wantVerdict {
				t.Errorf("Verdict: got %q, want %q", report.Verdicts[testHash], tt.wantVerdict)
			}
		})
	}
}

func TestReport_TransportError(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	if _, err := c.Report(context.Background(), testHash); err == nil {
		t.Fatal("expected error for HTTP 502")
	}
}

func TestReport_GarbageBody(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<wildfire><get-verdict-info><verdict>soon</verdict></get-verdict-info></wildfire>")
	})

	if _, err := c.Report(context.Background(), testHash); err == nil {
		t.Fatal("expected error for non-numeric verdict")
	}
}
