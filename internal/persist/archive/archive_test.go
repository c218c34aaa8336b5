package archive

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

type fakeS3 struct {
	getCalls int
	putCalls int
	getErrs  []error
	putErrs  []error
	getBody  []byte
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	idx := f.getCalls
	f.getCalls++
	if idx < len(f.getErrs) && f.getErrs[idx] != nil {
		return nil, f.getErrs[idx]
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(newBytesReader(f.getBody))}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	idx := f.putCalls
	f.putCalls++
	if idx < len(f.putErrs) && f.putErrs[idx] != nil {
		return nil, f.putErrs[idx]
	}
	return &s3.PutObjectOutput{}, nil
}

func newBytesReader(b []byte) io.Reader {
	return &byteReader{data: b}
}

type byteReader struct {
	data []byte
	pos  int
}

func (r *byteReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}

func fastRetry() RetryConfig {
	return RetryConfig{MaxRetries: 2, InitialBackoff: time.Millisecond, BackoffMultiplier: 2, MaxBackoff: 10 * time.Millisecond}
}

func TestStore_PutTail_SucceedsFirstTry(t *testing.T) {
	fake := &fakeS3{}
	s := newStoreWithClient(fake, "bucket", "groupcast", fastRetry())

	if err := s.PutTail(context.Background(), "g1", 7, []byte("tail-bytes")); err != nil {
		t.Fatalf("PutTail: %v", err)
	}
	if fake.putCalls != 1 {
		t.Fatalf("expected 1 PutObject call, got %d", fake.putCalls)
	}
}

func TestStore_PutTail_RetriesTransientThenSucceeds(t *testing.T) {
	fake := &fakeS3{putErrs: []error{&smithy.GenericAPIError{Code: "SlowDown"}}}
	s := newStoreWithClient(fake, "bucket", "", fastRetry())

	if err := s.PutTail(context.Background(), "g1", 1, []byte("x")); err != nil {
		t.Fatalf("PutTail: %v", err)
	}
	if fake.putCalls != 2 {
		t.Fatalf("expected 2 PutObject attempts, got %d", fake.putCalls)
	}
}

func TestStore_GetTail_NotFound(t *testing.T) {
	fake := &fakeS3{getErrs: []error{&smithy.GenericAPIError{Code: "NoSuchKey"}}}
	s := newStoreWithClient(fake, "bucket", "", fastRetry())

	_, err := s.GetTail(context.Background(), "g1", 3)
	if !errors.Is(err, ErrTailNotFound) {
		t.Fatalf("expected ErrTailNotFound, got %v", err)
	}
	if fake.getCalls != 1 {
		t.Fatalf("expected no retries on not-found, got %d calls", fake.getCalls)
	}
}

func TestStore_GetTail_RoundTrip(t *testing.T) {
	fake := &fakeS3{getBody: []byte("replay-me")}
	s := newStoreWithClient(fake, "bucket", "", fastRetry())

	got, err := s.GetTail(context.Background(), "g1", 9)
	if err != nil {
		t.Fatalf("GetTail: %v", err)
	}
	if string(got) != "replay-me" {
		t.Fatalf("unexpected tail bytes: %q", got)
	}
}

func TestStore_PutTail_NonRetryableFailsFast(t *testing.T) {
	fake := &fakeS3{putErrs: []error{&smithy.GenericAPIError{Code: "AccessDenied"}}}
	s := newStoreWithClient(fake, "bucket", "", fastRetry())

	if err := s.PutTail(context.Background(), "g1", 1, []byte("x")); err == nil {
		t.Fatal("expected error for non-retryable failure")
	}
	if fake.putCalls != 1 {
		t.Fatalf("expected no retries for non-retryable error, got %d calls", fake.putCalls)
	}
}

func TestNewStoreWithStaticCredentials_BuildsClient(t *testing.T) {
	s, err := NewStoreWithStaticCredentials(context.Background(), "AKIAFAKE", "secretfake", "us-east-1", "bucket", "archive", fastRetry())
	if err != nil {
		t.Fatalf("NewStoreWithStaticCredentials: %v", err)
	}
	if s.bucket != "bucket" || s.prefix != "archive" {
		t.Fatalf("unexpected store fields: %+v", s)
	}
	if s.client == nil {
		t.Fatal("expected a non-nil S3 client")
	}
}
