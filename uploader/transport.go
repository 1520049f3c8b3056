package uploader

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"faceswap_access/config"
)

// ProgressFunc receives cumulative bytes sent and the expected total.
type ProgressFunc func(sent, total int64)

// Transport is the object-storage surface the uploader needs
type Transport interface {
	PutObject(ctx context.Context, key string, body io.Reader, size int64, contentType string, progress ProgressFunc) (etag string, err error)
	RemoveObject(ctx context.Context, key string) error
}

// S3Transport implements Transport against an S3-compatible bucket using minio-go
type S3Transport struct {
	client *minio.Client
	bucket string
}

// NewS3Transport creates a virtual-host style client for cfg's bucket
func NewS3Transport(cfg config.StorageConfig) (*S3Transport, error) {
	if cfg.Bucket == "" {
		return nil, wrapError(CodeBucketNotFound, false, fmt.Errorf("bucket is required"))
	}
	if cfg.SecretID == "" || cfg.SecretKey == "" {
		return nil, wrapError(CodeAuthInvalid, false, fmt.Errorf("credentials are required"))
	}

	tr, err := minio.DefaultTransport(cfg.UseHTTPS)
	if err != nil {
		return nil, wrapError(CodeEndpointUnreachable, true, fmt.Errorf("failed to create transport: %w", err))
	}
	if cfg.Timeout > 0 {
		tr.ResponseHeaderTimeout = cfg.Timeout
	}

	client, err := minio.New(cfg.Endpoint(), &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.SecretID, cfg.SecretKey, ""),
		Secure:       cfg.UseHTTPS,
		Region:       cfg.Region,
		BucketLookup: minio.BucketLookupDNS,
		Transport:    tr,
	})
	if err != nil {
		return nil, wrapError(CodeEndpointUnreachable, true, fmt.Errorf("failed to create storage client: %w", err))
	}

	return &S3Transport{client: client, bucket: cfg.Bucket}, nil
}

// PutObject uploads body in a single request
func (s *S3Transport) PutObject(ctx context.Context, key string, body io.Reader, size int64, contentType string, progress ProgressFunc) (string, error) {
	opts := minio.PutObjectOptions{
		ContentType:      contentType,
		DisableMultipart: true,
	}
	if progress != nil {
		opts.Progress = newProgressReader(size, progress)
	}

	info, err := s.client.PutObject(ctx, s.bucket, key, body, size, opts)
	if err != nil {
		return "", classifyTransportError(err)
	}
	return info.ETag, nil
}

// RemoveObject deletes key from the bucket
func (s *S3Transport) RemoveObject(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return classifyTransportError(err)
	}
	return nil
}

// progressReader is handed to minio as PutObjectOptions.Progress. minio
// "reads" from it the same number of bytes it has just sent, so Read only
// counts.
type progressReader struct {
	mu    sync.Mutex
	total int64
	sent  int64
	fn    ProgressFunc
}

func newProgressReader(total int64, fn ProgressFunc) *progressReader {
	return &progressReader{total: total, fn: fn}
}

func (p *progressReader) Read(b []byte) (int, error) {
	p.mu.Lock()
	p.sent += int64(len(b))
	if p.total > 0 && p.sent > p.total {
		// A retried request replays bytes already counted.
		p.sent = p.total
	}
	sent, total := p.sent, p.total
	p.mu.Unlock()

	p.fn(sent, total)
	return len(b), nil
}
