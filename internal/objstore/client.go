// Package objstore 封装 MinIO 对象存储客户端
//
// 运行结束后把原始输出、提交产物和状态记录归档到对象存储，
// 便于在多台机器上集中查看结果。
package objstore

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/66Tracy/claude-lean4/internal/config"
	"github.com/66Tracy/claude-lean4/pkg/logging"
)

// DefaultBucket 未配置时使用的 bucket
const DefaultBucket = "lean-tasks"

// Client MinIO 客户端封装
type Client struct {
	mc     *minio.Client
	bucket string
	logger *logging.Logger
}

// NewClient 创建 MinIO 客户端
func NewClient(cfg config.MinIOConfig, logger *logging.Logger) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("minio access_key and secret_key are required")
	}

	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	bucket := cfg.Bucket
	if bucket == "" {
		bucket = DefaultBucket
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Client{mc: mc, bucket: bucket, logger: logger.Named("objstore")}, nil
}

// Bucket 返回 bucket 名
func (c *Client) Bucket() string {
	return c.bucket
}

// EnsureBucket 确保 bucket 存在
func (c *Client) EnsureBucket(ctx context.Context) error {
	exists, err := c.mc.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := c.mc.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket: %w", err)
		}
		c.logger.Info("Created bucket", "bucket", c.bucket)
	}
	return nil
}

// Upload 上传对象，meta 作为对象的用户元数据（x-amz-meta-*）
func (c *Client) Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string, meta map[string]string) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	info, err := c.mc.PutObject(ctx, c.bucket, key, reader, size, minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: meta,
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	c.logger.Debug("Object uploaded", "bucket", c.bucket, "key", key, "size", info.Size)
	return nil
}
