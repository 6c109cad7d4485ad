// Package quarantine archives attachments that were removed from a message
// so that operators can inspect them later.
package quarantine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/shineum/smtp-sandbox-gateway/internal/email"
)

// DefaultPrefix is the key prefix used when none is configured.
const DefaultPrefix = "quarantine/"

// Item is one removed attachment.
type Item struct {
	CorrelationID email.CorrelationID
	Filename      string
	MediaType     string
	Hash          string
	Verdict       string
	Content       []byte
}

// Archiver stores removed attachments.
type Archiver interface {
	Archive(ctx context.Context, items []Item) error
}

// Noop discards everything. It is used when no bucket is configured.
type Noop struct{}

func (Noop) Archive(context.Context, []Item) error { return nil }

// PutObjectAPI is the subset of the S3 client used by S3Archiver.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config configures an S3Archiver.
type S3Config struct {
	Bucket          string
	Prefix          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// S3Archiver writes each item to its own object under
// <prefix><correlation-id>/<hash>-<filename>.
type S3Archiver struct {
	client PutObjectAPI
	bucket string
	prefix string
	now    func() time.Time
}

// NewS3 creates an S3Archiver using the default AWS credential chain, or
// static credentials when both keys are set.
func NewS3(ctx context.Context, cfg S3Config) (*S3Archiver, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewS3WithClient(s3.NewFromConfig(awsCfg), cfg.Bucket, cfg.Prefix), nil
}

// NewS3WithClient creates an S3Archiver with a custom client, used for testing.
func NewS3WithClient(client PutObjectAPI, bucket, prefix string) *S3Archiver {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &S3Archiver{client: client, bucket: bucket, prefix: prefix, now: time.Now}
}

// Archive uploads every item. It keeps going after a failed upload and
// returns all failures joined.
func (a *S3Archiver) Archive(ctx context.Context, items []Item) error {
	var errs []error
	for _, item := range items {
		key := a.objectKey(item)
		mediaType := item.MediaType
		if mediaType == "" {
			mediaType = "application/octet-stream"
		}

		_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(a.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(item.Content),
			ContentType: aws.String(mediaType),
			Metadata: map[string]string{
				"correlation-id": string(item.CorrelationID),
				"filename":       item.Filename,
				"verdict":        item.Verdict,
				"quarantined-at": a.now().UTC().Format(time.RFC3339),
			},
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to archive %s to s3://%s/%s: %w", item.Filename, a.bucket, key, err))
		}
	}
	return errors.Join(errs...)
}

func (a *S3Archiver) objectKey(item Item) string {
	name := safeName(item.Filename)
	return a.prefix + path.Join(string(item.CorrelationID), item.Hash+"-"+name)
}

// safeName strips path components and control characters from an
// attacker-supplied filename.
func safeName(filename string) string {
	filename = strings.ReplaceAll(filename, "\\", "/")
	filename = path.Base(filename)
	filename = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, filename)
	if filename == "" || filename == "." || filename == "/" || filename == ".." {
		return "attachment"
	}
	return filename
}
