// Package wildfire implements sandbox.Client for the Palo Alto Networks
// WildFire public API.
package wildfire

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shineum/smtp-sandbox-gateway/internal/sandbox"
)

// DefaultBaseURL is the WildFire public cloud.
const DefaultBaseURL = "https://wildfire.paloaltonetworks.com"

// maxRetries is the maximum number of retry attempts for transient upload failures.
const maxRetries = 3

// baseRetryDelay is the initial delay for exponential backoff.
const baseRetryDelay = 1 * time.Second

// maxResponseSize caps how much of a response body is read.
const maxResponseSize = 1 << 20

// WildFire verdict codes.
const (
	codeBenign      = 0
	codeMalware     = 1
	codeGrayware    = 2
	codePhishing    = 4
	codeC2          = 5
	codePending     = -100
	codeError       = -101
	codeNotFound    = -102
	codeInvalidHash = -103
)

// Config holds the configuration for creating a Client.
type Config struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// Client talks to the WildFire REST API.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	retryDelay time.Duration
}

// New creates a WildFire client.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Client{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		retryDelay: baseRetryDelay,
	}
}

type uploadResponse struct {
	XMLName xml.Name `xml:"wildfire"`
	Info    struct {
		Filename string `xml:"filename"`
		FileType string `xml:"filetype"`
		SHA256   string `xml:"sha256"`
		MD5      string `xml:"md5"`
	} `xml:"upload-file-info"`
}

type verdictResponse struct {
	XMLName xml.Name `xml:"wildfire"`
	Info    struct {
		SHA256  string `xml:"sha256"`
		MD5     string `xml:"md5"`
		Verdict string `xml:"verdict"`
	} `xml:"get-verdict-info"`
}

type errorResponse struct {
	Message string `xml:"error-message"`
}

// apiError is a non-2xx response from WildFire.
type apiError struct {
	statusCode int
	message    string
}

func (e *apiError) Error() string {
	if e.message != "" {
		return fmt.Sprintf("wildfire API error (HTTP %d): %s", e.statusCode, e.message)
	}
	return fmt.Sprintf("wildfire API error (HTTP %d)", e.statusCode)
}

// retryable reports whether the status is worth another attempt.
func (e *apiError) retryable() bool {
	return e.statusCode == http.StatusTooManyRequests || e.statusCode >= 500
}

// Upload submits a file for analysis and returns its SHA-256 as the
// identifier for later Report calls. Transient failures are retried with
// exponential backoff.
func (c *Client) Upload(ctx context.Context, filename string, content []byte) (sandbox.UploadResult, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			slog.Debug("retrying WildFire upload",
				"filename", filename,
				"attempt", attempt,
				"max_retries", maxRetries,
			)
			if err := sandbox.Sleep(ctx, c.backoffDelay(attempt)); err != nil {
				return sandbox.UploadResult{}, fmt.Errorf("context cancelled during retry wait: %w", err)
			}
		}

		res, err := c.upload(ctx, filename, content)
		if err == nil {
			return res, nil
		}
		lastErr = err

		if apiErr, ok := err.(*apiError); ok && !apiErr.retryable() {
			return sandbox.UploadResult{}, err
		}
		if ctx.Err() != nil {
			return sandbox.UploadResult{}, err
		}
	}
	return sandbox.UploadResult{}, fmt.Errorf("WildFire upload failed after %d retries: %w", maxRetries, lastErr)
}

func (c *Client) upload(ctx context.Context, filename string, content []byte) (sandbox.UploadResult, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if err := w.WriteField("apikey", c.apiKey); err != nil {
		return sandbox.UploadResult{}, err
	}
	fw, err := w.CreateFormFile("file", filename)
	if err != nil {
		return sandbox.UploadResult{}, err
	}
	if _, err := fw.Write(content); err != nil {
		return sandbox.UploadResult{}, err
	}
	if err := w.Close(); err != nil {
		return sandbox.UploadResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/publicapi/submit/file", &body)
	if err != nil {
		return sandbox.UploadResult{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	var resp uploadResponse
	if err := c.do(req, &resp); err != nil {
		return sandbox.UploadResult{}, err
	}
	if resp.Info.SHA256 == "" {
		return sandbox.UploadResult{}, fmt.Errorf("WildFire upload response has no sha256")
	}

	return sandbox.UploadResult{
		FileHash: strings.ToLower(resp.Info.SHA256),
		Status:   "success",
	}, nil
}

// Report fetches the verdict for a previously uploaded file.
func (c *Client) Report(ctx context.Context, fileHash string) (sandbox.Report, error) {
	form := url.Values{}
	form.Set("apikey", c.apiKey)
	form.Set("hash", fileHash)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/publicapi/get/verdict",
		strings.NewReader(form.Encode()))
	if err != nil {
		return sandbox.Report{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var resp verdictResponse
	if err := c.do(req, &resp); err != nil {
		return sandbox.Report{}, err
	}

	code, err := strconv.Atoi(strings.TrimSpace(resp.Info.Verdict))
	if err != nil {
		return sandbox.Report{}, fmt.Errorf("invalid WildFire verdict %q: %w", resp.Info.Verdict, err)
	}
	return reportFor(fileHash, code), nil
}

// reportFor maps a WildFire verdict code onto a sandbox report.
func reportFor(fileHash string, code int) sandbox.Report {
	switch code {
	case codeBenign:
		return completed(fileHash, sandbox.VerdictClean)
	case codeMalware, codeGrayware, codePhishing, codeC2:
		return completed(fileHash, sandbox.VerdictMalicious)
	case codePending, codeNotFound:
		// A freshly uploaded file may not be indexed yet.
		return sandbox.Report{Status: sandbox.StatusPending}
	case codeError:
		return sandbox.Report{Status: sandbox.StatusError, Detail: "analysis error"}
	case codeInvalidHash:
		return sandbox.Report{Status: sandbox.StatusError, Detail: "invalid hash"}
	default:
		return completed(fileHash, sandbox.VerdictUnknown)
	}
}

func completed(fileHash string, v sandbox.Verdict) sandbox.Report {
	return sandbox.Report{
		Status:   sandbox.StatusCompleted,
		Verdicts: map[string]sandbox.Verdict{fileHash: v},
	}
}

// do sends req and decodes a 2xx XML body into out.
func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("WildFire request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("failed to read WildFire response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e errorResponse
		_ = xml.Unmarshal(data, &e)
		return &apiError{statusCode: resp.StatusCode, message: strings.Trim(e.Message, "' ")}
	}

	if err := xml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode WildFire response: %w", err)
	}
	return nil
}

// backoffDelay returns the exponential backoff delay for the given attempt number.
func (c *Client) backoffDelay(attempt int) time.Duration {
	delay := c.retryDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return delay
}
