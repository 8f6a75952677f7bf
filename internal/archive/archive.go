// Package archive copies encrypted artifacts to S3-compatible object storage.
//
// Only ciphertext leaves the host. The object's SHA-256 checksum is the
// anchored digest, so the store itself rejects an upload whose bytes differ
// from what was hashed.
package archive

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Defaults for Config.
const (
	DefaultRetries = 3
	DefaultTimeout = 30 * time.Second
)

const maxBackoff = 2 * time.Second

// PutObjectAPI is the subset of *s3.Client used for uploads.
type PutObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Config selects the destination bucket.
type Config struct {
	Bucket string
	Prefix string
	Region string
	// Endpoint overrides the S3 endpoint for S3-compatible stores.
	Endpoint     string
	UsePathStyle bool
	// Retries is the number of attempts per upload.
	Retries int
	// Timeout bounds a single attempt.
	Timeout time.Duration
	Logger  *slog.Logger
}

// S3Archive uploads artifacts with retry and backoff.
type S3Archive struct {
	cfg    Config
	client PutObjectAPI
	logger *slog.Logger
}

// New loads AWS credentials from the default chain and builds a client.
func New(ctx context.Context, cfg Config) (*S3Archive, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("archive: bucket is required")
	}
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("archive: load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		// Retries are handled by Upload.
		o.RetryMaxAttempts = 1
		o.UsePathStyle = cfg.UsePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewWithClient(cfg, client), nil
}

// NewWithClient builds an archive on an existing client.
func NewWithClient(cfg Config, client PutObjectAPI) *S3Archive {
	if cfg.Retries <= 0 {
		cfg.Retries = DefaultRetries
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &S3Archive{cfg: cfg, client: client, logger: logger}
}

// Key returns the object key for an artifact file.
func (a *S3Archive) Key(artifactPath string) string {
	return path.Join(a.cfg.Prefix, filepath.Base(artifactPath))
}

// Upload stores the artifact and returns its object key. digest must be
// the artifact's hex SHA-256.
func (a *S3Archive) Upload(ctx context.Context, artifactPath, digest string) (string, error) {
	sum, err := hex.DecodeString(digest)
	if err != nil || len(sum) != 32 {
		return "", fmt.Errorf("archive: invalid digest %q", digest)
	}

	f, err := os.Open(artifactPath)
	if err != nil {
		return "", fmt.Errorf("archive: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("archive: %w", err)
	}

	key := a.Key(artifactPath)
	checksum := base64.StdEncoding.EncodeToString(sum)

	var lastErr error
	backoff := 200 * time.Millisecond
	for attempt := 1; attempt <= a.cfg.Retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return "", fmt.Errorf("archive: rewind: %w", err)
		}

		lastErr = a.putObject(ctx, key, f, info.Size(), checksum, digest)
		if lastErr == nil {
			return key, nil
		}
		a.logger.Warn("artifact upload failed", "key", key, "attempt", attempt, "error", lastErr)

		if attempt == a.cfg.Retries {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
	return "", fmt.Errorf("archive: upload %s: %w", key, lastErr)
}

func (a *S3Archive) putObject(ctx context.Context, key string, body io.Reader, size int64, checksum, digest string) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:         aws.String(a.cfg.Bucket),
		Key:            aws.String(key),
		Body:           body,
		ContentLength:  aws.Int64(size),
		ContentType:    aws.String("application/octet-stream"),
		ChecksumSHA256: aws.String(checksum),
		Metadata:       map[string]string{"sha256": digest},
	})
	return err
}
