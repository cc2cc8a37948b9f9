package store

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	_ "gocloud.dev/blob/azureblob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
)

// blobRecord wraps a value with its expiry; buckets have no native TTL.
type blobRecord struct {
	Value     []byte     `json:"value"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// BlobStore is a KVStore on a gocloud.dev bucket (S3, GCS, Azure, file, mem).
// Expired objects are removed lazily on read.
type BlobStore struct {
	bucket *blob.Bucket
	prefix string
	now    func() time.Time
}

// NewBlobStore opens bucketURL, e.g. "s3://bucket?region=us-east-1" or "mem://".
func NewBlobStore(ctx context.Context, bucketURL, prefix string) (*BlobStore, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, err
	}
	return NewBlobStoreFromBucket(bucket, prefix), nil
}

func NewBlobStoreFromBucket(bucket *blob.Bucket, prefix string) *BlobStore {
	return &BlobStore{bucket: bucket, prefix: prefix, now: time.Now}
}

func (s *BlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.bucket.ReadAll(ctx, s.keyFor(key))
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, storeNotFound("key", key)
		}
		return nil, err
	}

	var rec blobRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	if rec.ExpiresAt != nil && !s.now().Before(*rec.ExpiresAt) {
		_ = s.Delete(ctx, key)
		return nil, storeNotFound("key", key)
	}
	return rec.Value, nil
}

func (s *BlobStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	rec := blobRecord{Value: value}
	if ttl > 0 {
		exp := s.now().Add(ttl)
		rec.ExpiresAt = &exp
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.bucket.WriteAll(ctx, s.keyFor(key), data, &blob.WriterOptions{ContentType: "application/json"})
}

func (s *BlobStore) Delete(ctx context.Context, key string) error {
	err := s.bucket.Delete(ctx, s.keyFor(key))
	if err != nil && gcerrors.Code(err) == gcerrors.NotFound {
		return nil
	}
	return err
}

func (s *BlobStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.bucket.List(&blob.ListOptions{Prefix: s.prefix + prefix})
	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		keys = append(keys, strings.TrimSuffix(strings.TrimPrefix(obj.Key, s.prefix), ".json"))
	}
	return keys, nil
}

func (s *BlobStore) Close() error {
	return s.bucket.Close()
}

func (s *BlobStore) keyFor(key string) string {
	return s.prefix + key + ".json"
}

var (
	_ KVStore   = (*BlobStore)(nil)
	_ KeyLister = (*BlobStore)(nil)
)
