package blob

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Archiver copies finished job artifacts out of the local store
type Archiver interface {
	Archive(ctx context.Context, jobID int64, key string, data []byte) error
}

// MinIOConfig configures the S3-compatible result archive
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinIOArchive uploads result artifacts to a bucket as <jobID>/<key>
type MinIOArchive struct {
	client *minio.Client
	bucket string
}

// NewMinIOArchive connects to the endpoint and makes sure the bucket exists
func NewMinIOArchive(ctx context.Context, cfg MinIOConfig) (*MinIOArchive, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		bucket = "dft-results"
	}
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("make bucket %s: %w", bucket, err)
		}
	}
	return &MinIOArchive{client: client, bucket: bucket}, nil
}

func (a *MinIOArchive) Archive(ctx context.Context, jobID int64, key string, data []byte) error {
	object := path.Join(fmt.Sprintf("%d", jobID), path.Base(key))
	_, err := a.client.PutObject(ctx, a.bucket, object, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType(key)})
	if err != nil {
		return fmt.Errorf("s3 put object: %w", err)
	}
	return nil
}

func contentType(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".xyz":
		return "chemical/x-xyz"
	case ".sdf":
		return "chemical/x-mdl-sdfile"
	case ".log":
		return "text/plain"
	}
	return "application/octet-stream"
}
