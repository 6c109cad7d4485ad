package quarantine

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type putCall struct {
	bucket, key, contentType string
	body                     string
	metadata                 map[string]string
}

type mockS3 struct {
	mu     sync.Mutex
	calls  []putCall
	failOn string
}

func (m *mockS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, _ := io.ReadAll(in.Body)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, putCall{
		bucket:      aws.ToString(in.Bucket),
		key:         aws.ToString(in.Key),
		contentType: aws.ToString(in.ContentType),
		body:        string(body),
		metadata:    in.Metadata,
	})
	if m.failOn != "" && strings.Contains(aws.ToString(in.Key), m.failOn) {
		return nil, errors.New("access denied")
	}
	return &s3.PutObjectOutput{}, nil
}

func TestS3Archiver_Archive(t *testing.T) {
	t.Parallel()

	mock := &mockS3{}
	a := NewS3WithClient(mock, "evidence", "")
	a.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	err := a.Archive(context.Background(), []Item{
		{CorrelationID: "abc123", Filename: "bad.exe", Hash: "h1", Verdict: "malicious", Content: []byte("MZ")},
		{CorrelationID: "abc123", Filename: "doc.pdf", MediaType: "application/pdf", Hash: "h2", Verdict: "unknown", Content: []byte("%PDF")},
	})
	require.NoError(t, err)
	require.Len(t, mock.calls, 2)

	first := mock.calls[0]
	assert.Equal(t, "evidence", first.bucket)
	assert.Equal(t, "quarantine/abc123/h1-bad.exe", first.key)
	assert.Equal(t, "application/octet-stream", first.contentType)
	assert.Equal(t, "MZ", first.body)
	assert.Equal(t, "abc123", first.metadata["correlation-id"])
	assert.Equal(t, "malicious", first.metadata["verdict"])
	assert.Equal(t, "2026-01-02T03:04:05Z", first.metadata["quarantined-at"])

	assert.Equal(t, "application/pdf", mock.calls[1].contentType)
}

func TestS3Archiver_ContinuesAfterFailure(t *testing.T) {
	t.Parallel()

	mock := &mockS3{failOn: "a.exe"}
	a := NewS3WithClient(mock, "evidence", "q/")

	err := a.Archive(context.Background(), []Item{
		{CorrelationID: "id", Filename: "a.exe", Hash: "h1"},
		{CorrelationID: "id", Filename: "b.exe", Hash: "h2"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a.exe")
	assert.Len(t, mock.calls, 2, "second item must still be archived")
}

func TestSafeName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"invoice.pdf", "invoice.pdf"},
		{"../../etc/passwd", "passwd"},
		{`C:\Users\x\evil.exe`, "evil.exe"},
		{"a\r\nb.txt", "ab.txt"},
		{"", "attachment"},
		{"..", "attachment"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, safeName(tt.in), "safeName(%q)", tt.in)
	}
}

func TestNoop(t *testing.T) {
	t.Parallel()
	assert.NoError(t, Noop{}.Archive(context.Background(), []Item{{Filename: "x"}}))
}
