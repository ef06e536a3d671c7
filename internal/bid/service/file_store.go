package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// FileStore 附件对象存储
type FileStore interface {
	Put(ctx context.Context, objectKey string, r io.Reader, size int64, contentType string) error
	// PresignedURL 生成限时下载链接
	PresignedURL(ctx context.Context, objectKey, fileName string, expiry time.Duration) (string, error)
}

// MinIOFileStore 基于 MinIO 的附件存储
type MinIOFileStore struct {
	client *minio.Client
	bucket string
}

// NewMinIOFileStore 创建 MinIO 客户端并确保 bucket 存在
func NewMinIOFileStore(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool) (*MinIOFileStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}

	return &MinIOFileStore{client: client, bucket: bucket}, nil
}

func (s *MinIOFileStore) Put(ctx context.Context, objectKey string, r io.Reader, size int64, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, objectKey, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("upload file: %w", err)
	}
	return nil
}

func (s *MinIOFileStore) PresignedURL(ctx context.Context, objectKey, fileName string, expiry time.Duration) (string, error) {
	params := url.Values{}
	params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", fileName))
	u, err := s.client.PresignedGetObject(ctx, s.bucket, objectKey, expiry, params)
	if err != nil {
		return "", fmt.Errorf("presign download: %w", err)
	}
	return u.String(), nil
}

// MemoryFileStore 进程内附件存储，用于未配置 MinIO 的开发环境和测试
type MemoryFileStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func NewMemoryFileStore() *MemoryFileStore {
	return &MemoryFileStore{objects: make(map[string][]byte)}
}

func (s *MemoryFileStore) Put(_ context.Context, objectKey string, r io.Reader, _ int64, _ string) error {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[objectKey] = buf.Bytes()
	return nil
}

func (s *MemoryFileStore) PresignedURL(_ context.Context, objectKey, _ string, expiry time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[objectKey]; !ok {
		return "", fmt.Errorf("object %s not found", objectKey)
	}
	return fmt.Sprintf("memory://%s?expires=%d", objectKey, int(expiry.Seconds())), nil
}

// Object 返回已存储内容（测试用）
func (s *MemoryFileStore) Object(objectKey string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.objects[objectKey]
	return b, ok
}
