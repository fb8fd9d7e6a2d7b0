package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/eddielth/risk-stream/config"
	"github.com/eddielth/risk-stream/logger"
)

// ObjectStore receives snapshots of the output file
type ObjectStore interface {
	// Put uploads size bytes from r under name, overwriting any existing object
	Put(ctx context.Context, name string, r io.Reader, size int64) error
}

// ObjectName derives the snapshot name from the flush time, at second
// resolution in UTC. Two flushes in the same second share a name.
func ObjectName(t time.Time) string {
	return "predictions_" + t.UTC().Format("20060102_150405") + ".csv"
}

// MinioStore uploads to an S3-compatible bucket
type MinioStore struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewMinioStore connects to the endpoint and makes sure the bucket exists
func NewMinioStore(ctx context.Context, cfg config.ObjectStorageConfig) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object storage client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
		logger.Info("created bucket %s", cfg.Bucket)
	}

	logger.Info("object storage ready: %s/%s", cfg.Endpoint, cfg.Bucket)
	return &MinioStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// Put implements ObjectStore
func (s *MinioStore) Put(ctx context.Context, name string, r io.Reader, size int64) error {
	key := s.prefix + name
	_, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: "text/csv",
	})
	if err != nil {
		return fmt.Errorf("s3 put object %s: %w", key, err)
	}
	return nil
}
