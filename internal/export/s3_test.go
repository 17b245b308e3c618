package export

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/minio/minio-go/v7"
)

type fakeObjectStore struct {
	exists      bool
	existsErr   error
	made        int
	existsCalls int
	objects     map[string][]byte
	putErr      error
}

func (f *fakeObjectStore) BucketExists(ctx context.Context, bucket string) (bool, error) {
	f.existsCalls++
	return f.exists, f.existsErr
}

func (f *fakeObjectStore) MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error {
	f.made++
	f.exists = true
	return nil
}

func (f *fakeObjectStore) PutObject(ctx context.Context, bucket, name string, r *bytes.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	if f.putErr != nil {
		return minio.UploadInfo{}, f.putErr
	}
	b, _ := io.ReadAll(r)
	if f.objects == nil {
		f.objects = map[string][]byte{}
	}
	f.objects[bucket+"/"+name] = b
	return minio.UploadInfo{Bucket: bucket, Key: name, Size: size}, nil
}

func TestS3Uploader_Upload(t *testing.T) {
	store := &fakeObjectStore{}
	u := &S3Uploader{store: store, bucket: "caches"}

	for i := 0; i < 2; i++ {
		if err := u.Upload(context.Background(), 5, []byte("payload")); err != nil {
			t.Fatalf("Upload: %v", err)
		}
	}
	if store.made != 1 || store.existsCalls != 1 {
		t.Fatalf("bucket checks = %d, creations = %d", store.existsCalls, store.made)
	}
	if string(store.objects["caches/5_resolver_cache.bin"]) != "payload" {
		t.Fatalf("objects = %v", store.objects)
	}
}

func TestS3Uploader_Errors(t *testing.T) {
	u := &S3Uploader{store: &fakeObjectStore{existsErr: errors.New("denied")}, bucket: "b"}
	if err := u.Upload(context.Background(), 1, []byte("x")); err == nil {
		t.Fatal("expected bucket error")
	}

	u = &S3Uploader{store: &fakeObjectStore{exists: true, putErr: errors.New("full")}, bucket: "b"}
	if err := u.Upload(context.Background(), 1, []byte("x")); err == nil {
		t.Fatal("expected put error")
	}
}

func TestNewS3Uploader_Validation(t *testing.T) {
	if _, err := NewS3Uploader(S3Config{Bucket: "b"}); err == nil {
		t.Fatal("expected error without endpoint")
	}
	if _, err := NewS3Uploader(S3Config{Endpoint: "localhost:9000"}); err == nil {
		t.Fatal("expected error without bucket")
	}
	if _, err := NewS3Uploader(S3Config{Endpoint: "localhost:9000", Bucket: "b"}); err != nil {
		t.Fatalf("NewS3Uploader: %v", err)
	}
}
