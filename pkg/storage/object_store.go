// Package storage persists captured scan frames in S3-compatible object
// storage and hands back presigned URLs for the history screens.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const presignExpiry = 24 * time.Hour

// FrameStore uploads captured frames and returns fetchable URLs.
type FrameStore interface {
	PutFrame(ctx context.Context, tenantID, scanID string, index int, frame []byte) (string, error)
	Delete(ctx context.Context, key string) error
}

// MinioStore implements FrameStore for MinIO/S3 compatible storage.
type MinioStore struct {
	client *minio.Client
	bucket string
}

// NewMinioStore connects to MinIO and ensures the bucket exists.
func NewMinioStore(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*MinioStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}
	return &MinioStore{client: client, bucket: bucket}, nil
}

// FrameKey builds the object key for one captured frame.
func FrameKey(tenantID, scanID string, index int) string {
	return fmt.Sprintf("tenants/%s/scans/%s/frame-%d.jpg", tenantID, scanID, index)
}

// PutFrame uploads one frame and returns a presigned GET URL for it.
func (m *MinioStore) PutFrame(ctx context.Context, tenantID, scanID string, index int, frame []byte) (string, error) {
	key := FrameKey(tenantID, scanID, index)
	_, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(frame), int64(len(frame)), minio.PutObjectOptions{
		ContentType: "image/jpeg",
	})
	if err != nil {
		return "", fmt.Errorf("put frame: %w", err)
	}
	url, err := m.client.PresignedGetObject(ctx, m.bucket, key, presignExpiry, nil)
	if err != nil {
		return "", fmt.Errorf("presign frame: %w", err)
	}
	return url.String(), nil
}

// Delete removes an object.
func (m *MinioStore) Delete(ctx context.Context, key string) error {
	if err := m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}
