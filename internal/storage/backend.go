// -------------------------------------------------------------------------------
// Backend - S3-Compatible Object Store Client
//
// Author: Alex Freidah
//
// Object store implementation using AWS SDK v2. Connects to any S3-compatible
// endpoint (R2, OCI, AWS, B2, MinIO) via custom endpoint configuration. The same
// code works for all providers since they all speak the S3 protocol. Every call
// is bounded by the configured operation timeout.
// -------------------------------------------------------------------------------

package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/munchlab/filevault/internal/config"
	"github.com/munchlab/filevault/internal/telemetry"
	"go.opentelemetry.io/otel/codes"
)

// -------------------------------------------------------------------------
// ERRORS
// -------------------------------------------------------------------------

var (
	// ErrObjectNotFound is returned when the requested key does not exist on
	// the backend. Not-found is an application-level outcome and must never
	// count as a backend failure for circuit breaker purposes.
	ErrObjectNotFound = errors.New("object not found")
)

// -------------------------------------------------------------------------
// INTERFACE
// -------------------------------------------------------------------------

// GetResult holds the response from a Get call.
type GetResult struct {
	Body        io.ReadCloser
	Size        int64
	ContentType string
	ETag        string
}

// ObjectStore defines the interface for object storage operations. All methods
// honor context deadlines; implementations must not retry internally — retry
// policy belongs to the resilience layer.
type ObjectStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (etag string, err error)
	Get(ctx context.Context, key string) (*GetResult, error)
	Delete(ctx context.Context, key string) error
	UpdateMetadata(ctx context.Context, key, contentType string, metadata map[string]string) error
}

// -------------------------------------------------------------------------
// S3 BACKEND IMPLEMENTATION
// -------------------------------------------------------------------------

// S3Backend implements ObjectStore using AWS SDK v2.
type S3Backend struct {
	client  *s3.Client
	bucket  string
	name    string
	timeout time.Duration
}

// Compile-time check.
var _ ObjectStore = (*S3Backend)(nil)

// NewS3Backend creates a new S3-compatible backend client. Uses BaseEndpoint
// to direct requests to the configured provider instead of AWS.
func NewS3Backend(cfg config.BackendConfig) (*S3Backend, error) {
	client := s3.New(s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		BaseEndpoint: aws.String(cfg.Endpoint),
		UsePathStyle: cfg.ForcePathStyle,
	})

	return &S3Backend{
		client:  client,
		bucket:  cfg.Bucket,
		name:    cfg.Name,
		timeout: cfg.OperationTimeout,
	}, nil
}

// Name returns the configured backend identifier.
func (b *S3Backend) Name() string {
	return b.name
}

// withTimeout bounds a backend call with the configured operation timeout.
func (b *S3Backend) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, b.timeout)
}

// -------------------------------------------------------------------------
// OPERATIONS
// -------------------------------------------------------------------------

// Put uploads an object to the backend.
func (b *S3Backend) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error) {
	const operation = "Put"
	start := time.Now()

	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	// --- Start tracing span ---
	ctx, span := telemetry.StartSpan(ctx, "Backend "+operation,
		telemetry.BackendAttributes(operation, b.name, key)...,
	)
	defer span.End()

	// The AWS SDK requires a seekable body to compute the SigV4 payload hash.
	// HTTP request bodies are not seekable, so buffer when necessary.
	var seekableBody io.ReadSeeker
	if rs, ok := body.(io.ReadSeeker); ok {
		seekableBody = rs
	} else {
		data, err := io.ReadAll(body)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return "", fmt.Errorf("failed to read body: %w", err)
		}
		seekableBody = bytes.NewReader(data)
	}

	input := &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		Body:          seekableBody,
		ContentLength: aws.Int64(size),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	result, err := b.client.PutObject(ctx, input)

	// --- Record metrics ---
	b.recordOperation(operation, start, err)

	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return "", fmt.Errorf("put object failed: %w", err)
	}

	etag := ""
	if result.ETag != nil {
		etag = *result.ETag
	}
	return etag, nil
}

// Get retrieves an object from the backend. Returns ErrObjectNotFound for
// missing keys so callers can distinguish absence from backend failure.
func (b *S3Backend) Get(ctx context.Context, key string) (*GetResult, error) {
	const operation = "Get"
	start := time.Now()

	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	// --- Start tracing span ---
	ctx, span := telemetry.StartSpan(ctx, "Backend "+operation,
		telemetry.BackendAttributes(operation, b.name, key)...,
	)
	defer span.End()

	result, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})

	// --- Record metrics ---
	b.recordOperation(operation, start, err)

	if err != nil {
		if isNotFound(err) {
			span.SetStatus(codes.Error, "not found")
			return nil, ErrObjectNotFound
		}
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return nil, fmt.Errorf("get object failed: %w", err)
	}

	out := &GetResult{Body: result.Body}
	if result.ContentLength != nil {
		out.Size = *result.ContentLength
	}
	if result.ContentType != nil {
		out.ContentType = *result.ContentType
	} else {
		out.ContentType = "application/octet-stream"
	}
	if result.ETag != nil {
		out.ETag = *result.ETag
	}

	return out, nil
}

// Delete removes an object from the backend. Deleting a non-existent key is
// a success — S3 delete is idempotent.
func (b *S3Backend) Delete(ctx context.Context, key string) error {
	const operation = "Delete"
	start := time.Now()

	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	// --- Start tracing span ---
	ctx, span := telemetry.StartSpan(ctx, "Backend "+operation,
		telemetry.BackendAttributes(operation, b.name, key)...,
	)
	defer span.End()

	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})

	// --- Record metrics ---
	b.recordOperation(operation, start, err)

	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return fmt.Errorf("delete object failed: %w", err)
	}
	return nil
}

// UpdateMetadata rewrites an object's content type and user metadata in place
// using a same-key server-side copy with metadata replacement.
func (b *S3Backend) UpdateMetadata(ctx context.Context, key, contentType string, metadata map[string]string) error {
	const operation = "UpdateMetadata"
	start := time.Now()

	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	// --- Start tracing span ---
	ctx, span := telemetry.StartSpan(ctx, "Backend "+operation,
		telemetry.BackendAttributes(operation, b.name, key)...,
	)
	defer span.End()

	input := &s3.CopyObjectInput{
		Bucket:            aws.String(b.bucket),
		Key:               aws.String(key),
		CopySource:        aws.String(b.bucket + "/" + key),
		MetadataDirective: "REPLACE",
		Metadata:          metadata,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	_, err := b.client.CopyObject(ctx, input)

	// --- Record metrics ---
	b.recordOperation(operation, start, err)

	if err != nil {
		if isNotFound(err) {
			span.SetStatus(codes.Error, "not found")
			return ErrObjectNotFound
		}
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return fmt.Errorf("update metadata failed: %w", err)
	}
	return nil
}

// -------------------------------------------------------------------------
// HELPERS
// -------------------------------------------------------------------------

// isNotFound reports whether the backend error is an HTTP 404. Missing keys
// are an application-level outcome, not a backend outage.
func isNotFound(err error) bool {
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode() == 404
	}
	return false
}

// recordOperation updates Prometheus metrics for a backend operation.
func (b *S3Backend) recordOperation(operation string, start time.Time, err error) {
	status := "success"
	if err != nil && !isNotFound(err) {
		status = "error"
	}

	telemetry.BackendRequestsTotal.WithLabelValues(operation, status).Inc()
	telemetry.BackendDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}
