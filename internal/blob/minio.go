package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"item-image-pipeline/internal/failure"
)

type Client struct {
	client *minio.Client
	bucket string
	log    *zap.Logger
}

// NewClient creates a MinIO/S3 client and makes sure the bucket exists.
func NewClient(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool, log *zap.Logger) (*Client, error) {
	const op = "blob.NewClient"

	mc, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	c := &Client{client: mc, bucket: bucket, log: log}
	if err := c.ensureBucketExists(ctx); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return c, nil
}

func (c *Client) ensureBucketExists(ctx context.Context) error {
	exists, err := c.client.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", c.bucket, err)
	}
	if exists {
		return nil
	}
	if err := c.client.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", c.bucket, err)
	}
	c.log.Info("bucket_created", zap.String("bucket", c.bucket))
	return nil
}

// Download reads the whole object at key.
func (c *Client) Download(ctx context.Context, key string) ([]byte, error) {
	const op = "blob.Download"

	obj, err := c.client.GetObject(ctx, c.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, tag(op, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, tag(op, err)
	}
	return data, nil
}

// Upload writes data at key, replacing any existing object.
func (c *Client) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	const op = "blob.Upload"

	_, err := c.client.PutObject(ctx, c.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return tag(op, err)
	}
	return nil
}

func tag(op string, err error) error {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		switch resp.Code {
		case "NoSuchKey", "NoSuchBucket":
			return failure.NotFound(op, err)
		}
		if resp.StatusCode != 0 {
			return failure.HTTPStatus(resp.StatusCode, op, err)
		}
	}
	if fe := failure.FromTransport(op, err); fe != nil {
		return fe
	}
	return fmt.Errorf("%s: %w", op, err)
}
