package export

import (
	"bytes"
	"context"
	"fmt"
	"sync/atomic"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	Secure    bool
}

// objectStore is the subset of *minio.Client used here.
type objectStore interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucketName, objectName string, reader *bytes.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// minioStore narrows PutObject's reader to the type the uploader passes.
type minioStore struct {
	*minio.Client
}

func (m minioStore) PutObject(ctx context.Context, bucket, name string, r *bytes.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	return m.Client.PutObject(ctx, bucket, name, r, size, opts)
}

type S3Uploader struct {
	store  objectStore
	bucket string
	region string
	ready  atomic.Bool
}

func NewS3Uploader(cfg S3Config) (*S3Uploader, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("s3 endpoint required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("s3 client: %w", err)
	}
	return &S3Uploader{store: minioStore{client}, bucket: cfg.Bucket, region: cfg.Region}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (u *S3Uploader) EnsureBucket(ctx context.Context) error {
	if u.ready.Load() {
		return nil
	}
	ok, err := u.store.BucketExists(ctx, u.bucket)
	if err != nil {
		return fmt.Errorf("s3 bucket %s: %w", u.bucket, err)
	}
	if !ok {
		if err := u.store.MakeBucket(ctx, u.bucket, minio.MakeBucketOptions{Region: u.region}); err != nil {
			return fmt.Errorf("s3 make bucket %s: %w", u.bucket, err)
		}
	}
	u.ready.Store(true)
	return nil
}

func (u *S3Uploader) Upload(ctx context.Context, resolverID int, data []byte) error {
	if err := u.EnsureBucket(ctx); err != nil {
		return err
	}
	name := FileName(resolverID)
	_, err := u.store.PutObject(ctx, u.bucket, name, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return fmt.Errorf("s3 put %s/%s: %w", u.bucket, name, err)
	}
	return nil
}
