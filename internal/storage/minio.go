package storage

import (
	"bytes"
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// MinIOConfig contains MinIO configuration
type MinIOConfig struct {
	Endpoint        string `koanf:"endpoint" json:"endpoint"`
	AccessKeyID     string `koanf:"access_key_id" json:"-"`
	SecretAccessKey string `koanf:"secret_access_key" json:"-"`
	UseSSL          bool   `koanf:"use_ssl" json:"useSSL"`
	Bucket          string `koanf:"bucket" json:"bucket"`
	Region          string `koanf:"region" json:"region"`

	MaxUploads     int           `koanf:"max_uploads" json:"maxUploads"`
	ConnectTimeout time.Duration `koanf:"connect_timeout" json:"connectTimeout"`
	MaxRetries     int           `koanf:"max_retries" json:"maxRetries"`
	RetryBackoff   time.Duration `koanf:"retry_backoff" json:"retryBackoff"`
}

// MinIOMetrics tracks MinIO operations
type MinIOMetrics struct {
	TotalUploads  atomic.Uint64
	UploadBytes   atomic.Uint64
	UploadErrors  atomic.Uint64
	ActiveUploads atomic.Int32
}

// MinIOExporter uploads export files to a bucket.
type MinIOExporter struct {
	client     *minio.Client
	bucket     string
	logger     *zap.Logger
	config     MinIOConfig
	uploadPool chan struct{}

	metrics MinIOMetrics
}

// NewMinIOExporter connects to MinIO and makes sure the bucket exists.
func NewMinIOExporter(config MinIOConfig, logger *zap.Logger) (*MinIOExporter, error) {
	if config.MaxUploads == 0 {
		config.MaxUploads = 4
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 30 * time.Second
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if logger == nil {
		logger = zap.L()
	}

	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	e := &MinIOExporter{
		client:     client,
		bucket:     config.Bucket,
		logger:     logger.Named("minio-exporter"),
		config:     config,
		uploadPool: make(chan struct{}, config.MaxUploads),
	}
	for i := 0; i < config.MaxUploads; i++ {
		e.uploadPool <- struct{}{}
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()

	exists, err := client.BucketExists(ctx, config.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, config.Bucket, minio.MakeBucketOptions{Region: config.Region}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
		e.logger.Info("Created MinIO bucket", zap.String("bucket", config.Bucket))
	}
	return e, nil
}

func (e *MinIOExporter) newBackoff() backoff.BackOff {
	ebo := backoff.NewExponentialBackOff()
	if e.config.RetryBackoff > 0 {
		ebo.InitialInterval = e.config.RetryBackoff
	}
	ebo.Reset()
	if e.config.MaxRetries > 0 {
		return backoff.WithMaxRetries(ebo, uint64(e.config.MaxRetries))
	}
	return ebo
}

// Export uploads data to key, retrying with exponential backoff.
func (e *MinIOExporter) Export(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	select {
	case <-e.uploadPool:
		defer func() { e.uploadPool <- struct{}{} }()
	case <-ctx.Done():
		return "", ctx.Err()
	}
	e.metrics.ActiveUploads.Add(1)
	defer e.metrics.ActiveUploads.Add(-1)

	opts := minio.PutObjectOptions{ContentType: contentType}
	op := func() error {
		info, err := e.client.PutObject(ctx, e.bucket, key, bytes.NewReader(data), int64(len(data)), opts)
		if err != nil {
			e.metrics.UploadErrors.Add(1)
			if code := minioStatusCode(err); code == 403 || code == 400 {
				return backoff.Permanent(err)
			}
			return err
		}
		e.metrics.TotalUploads.Add(1)
		e.metrics.UploadBytes.Add(uint64(info.Size))
		e.logger.Debug("Export uploaded",
			zap.String("key", key),
			zap.Int64("size", info.Size),
			zap.String("etag", info.ETag))
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(e.newBackoff(), ctx)); err != nil {
		return "", &StorageError{
			Op:         "put",
			Key:        key,
			Err:        err,
			StatusCode: minioStatusCode(err),
			Retryable:  true,
		}
	}
	return fmt.Sprintf("s3://%s/%s", e.bucket, key), nil
}

// Uploads returns the number of successful uploads.
func (e *MinIOExporter) Uploads() uint64 { return e.metrics.TotalUploads.Load() }

func minioStatusCode(err error) int {
	if errResp := minio.ToErrorResponse(err); errResp.Code != "" {
		switch errResp.Code {
		case "NoSuchKey", "NoSuchBucket":
			return 404
		case "AccessDenied":
			return 403
		case "InvalidArgument":
			return 400
		default:
			return 500
		}
	}
	return 500
}
