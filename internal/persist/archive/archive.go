// Package archive is an optional cold-storage sink for persist/log tails:
// once a log has been trimmed locally, its serialized ToBytes output can
// be pushed to S3 so a node that lost its local segment files can recover
// by replaying an archived tail instead of a full state transfer.
//
// Grounded on the retry/backoff and error-classification shape of
// marmos91-dittofs's pkg/content/store/s3 (the teacher's own go.mod
// declares the AWS SDK but no teacher file actually imports it — this
// package is the one place in the module that dependency is exercised).
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/oriys/groupcast/internal/logging"
)

// RetryConfig controls the exponential backoff applied to transient S3
// errors. Mirrors the teacher pack's S3 content store retry knobs.
type RetryConfig struct {
	MaxRetries        int
	InitialBackoff    time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
}

// DefaultRetryConfig matches the backoff the grounding source uses.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    200 * time.Millisecond,
		BackoffMultiplier: 2.0,
		MaxBackoff:        5 * time.Second,
	}
}

// s3API is the slice of *s3.Client this package actually calls, narrowed
// to an interface so tests can substitute a fake instead of talking to
// real S3.
type s3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Store archives persist/log tail bytes to an S3 bucket, keyed by the
// group name and the log's version watermark at archive time.
type Store struct {
	client s3API
	bucket string
	prefix string
	retry  RetryConfig
}

// NewStore builds an S3-backed Store using the default AWS credential
// chain (environment, shared config, EC2/ECS role).
func NewStore(ctx context.Context, bucket, prefix string, retry RetryConfig) (*Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("archive: load AWS config: %w", err)
	}
	return &Store{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		prefix: prefix,
		retry:  retry,
	}, nil
}

// NewStoreWithStaticCredentials builds an S3-backed Store using an explicit
// access key pair instead of the default credential chain, for nodes
// running outside of AWS (no EC2/ECS role to assume).
func NewStoreWithStaticCredentials(ctx context.Context, accessKeyID, secretAccessKey, region, bucket, prefix string, retry RetryConfig) (*Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("archive: load AWS config with static credentials: %w", err)
	}
	return &Store{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		prefix: prefix,
		retry:  retry,
	}, nil
}

// newStoreWithClient builds a Store around an already-constructed s3API,
// letting tests substitute a fake client instead of dialing real S3.
func newStoreWithClient(client s3API, bucket, prefix string, retry RetryConfig) *Store {
	return &Store{client: client, bucket: bucket, prefix: prefix, retry: retry}
}

func (s *Store) objectKey(group string, ver int64) string {
	if s.prefix == "" {
		return fmt.Sprintf("%s/tail-%020d.bin", group, ver)
	}
	return fmt.Sprintf("%s/%s/tail-%020d.bin", s.prefix, group, ver)
}

func (s *Store) calculateBackoff(attempt int) time.Duration {
	backoff := float64(s.retry.InitialBackoff)
	for i := 0; i < attempt; i++ {
		backoff *= s.retry.BackoffMultiplier
	}
	if backoff > float64(s.retry.MaxBackoff) {
		backoff = float64(s.retry.MaxBackoff)
	}
	return time.Duration(backoff)
}

// PutTail archives a log tail (the output of persist/log.Log.ToBytes) for
// group at the given version watermark, retrying transient failures with
// exponential backoff.
func (s *Store) PutTail(ctx context.Context, group string, ver int64, tail []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := s.objectKey(group, ver)

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= s.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := s.calculateBackoff(attempt - 1)
			logging.Op().Debug("archive: retrying PutTail", "key", key, "attempt", attempt, "backoff", backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		attempts = attempt + 1
		_, lastErr = s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(tail),
		})
		if lastErr == nil {
			return nil
		}
		if !isRetryableError(lastErr) {
			break
		}
		logging.Op().Debug("archive: transient PutTail error", "key", key, "attempt", attempt+1, "error", lastErr)
	}
	return fmt.Errorf("archive: put tail %s after %d attempts: %w", key, attempts, lastErr)
}

// GetTail fetches a previously archived log tail for replay via
// persist/log.Log.ApplyLogTail.
func (s *Store) GetTail(ctx context.Context, group string, ver int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := s.objectKey(group, ver)

	var result *s3.GetObjectOutput
	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= s.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := s.calculateBackoff(attempt - 1)
			logging.Op().Debug("archive: retrying GetTail", "key", key, "attempt", attempt, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		attempts = attempt + 1
		result, lastErr = s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if lastErr == nil {
			break
		}
		if isNotFoundError(lastErr) {
			return nil, fmt.Errorf("archive: tail %s: %w", key, ErrTailNotFound)
		}
		if !isRetryableError(lastErr) {
			break
		}
		logging.Op().Debug("archive: transient GetTail error", "key", key, "attempt", attempt+1, "error", lastErr)
	}
	if lastErr != nil {
		return nil, fmt.Errorf("archive: get tail %s after %d attempts: %w", key, attempts, lastErr)
	}
	defer result.Body.Close()
	return io.ReadAll(result.Body)
}

// ErrTailNotFound is returned by GetTail when no archived tail exists at
// the requested version watermark.
var ErrTailNotFound = errors.New("archive: tail not found")

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch code {
		case "Throttling", "ThrottlingException", "RequestThrottled", "SlowDown",
			"ProvisionedThroughputExceededException",
			"InternalError", "ServiceUnavailable", "ServiceException", "InternalServiceException":
			return true
		case "NoSuchKey", "NotFound", "AccessDenied", "Forbidden", "InvalidRequest":
			return false
		}
	}

	errStr := err.Error()
	return strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "i/o timeout") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "500")
}

func isNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if code == "NoSuchKey" || code == "NotFound" || code == "404" {
			return true
		}
	}
	return strings.Contains(err.Error(), "NoSuchKey") || strings.Contains(err.Error(), "NotFound")
}
