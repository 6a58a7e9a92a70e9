package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var ErrObjectNotFound = errors.New("object not found")

type Config struct {
	Endpoint      string
	Access        string
	Secret        string
	UseSSL        bool
	PublicBaseURL string
}

type Client struct {
	minio         *minio.Client
	publicBaseURL string
}

func NewClient(cfg Config) (*Client, error) {
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.Access, cfg.Secret, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	base := strings.TrimRight(strings.TrimSpace(cfg.PublicBaseURL), "/")
	if base == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		base = scheme + "://" + cfg.Endpoint
	}

	return &Client{
		minio:         mc,
		publicBaseURL: base,
	}, nil
}

func (c *Client) EnsureBuckets(ctx context.Context, buckets ...string) error {
	for _, bucket := range buckets {
		if strings.TrimSpace(bucket) == "" {
			return fmt.Errorf("bucket is required")
		}

		exists, err := c.minio.BucketExists(ctx, bucket)
		if err != nil {
			return fmt.Errorf("check bucket existence: %w", err)
		}
		if exists {
			continue
		}

		if err := c.minio.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			exists, checkErr := c.minio.BucketExists(ctx, bucket)
			if checkErr == nil && exists {
				continue
			}
			return fmt.Errorf("create bucket %s: %w", bucket, err)
		}
	}
	return nil
}

func (c *Client) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	obj, err := c.minio.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s/%s: %w", bucket, key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("get object %s/%s: %w", bucket, key, ErrObjectNotFound)
		}
		return nil, fmt.Errorf("read object %s/%s: %w", bucket, key, err)
	}
	return data, nil
}

func (c *Client) Put(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	_, err := c.minio.PutObject(
		ctx,
		bucket,
		key,
		bytes.NewReader(data),
		int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType},
	)
	if err != nil {
		return fmt.Errorf("put object %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (c *Client) Delete(ctx context.Context, bucket, key string) error {
	err := c.minio.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("remove object %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (c *Client) PublicURL(bucket, key string) string {
	return publicURL(c.publicBaseURL, bucket, key)
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.Code == "NoSuchObject"
}

func publicURL(base, bucket, key string) string {
	return fmt.Sprintf("%s/%s/%s", base, url.PathEscape(bucket), escapeKey(key))
}

func escapeKey(key string) string {
	parts := strings.Split(strings.TrimLeft(key, "/"), "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}
