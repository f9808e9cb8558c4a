package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Client struct {
	client *minio.Client
	bucket string
}

// NewMinioClient creates a client that mirrors snapshots into bucket.
func NewMinioClient(endpoint, accessKey, secretKey, bucket string, secure bool) (*Client, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	return &Client{client: client, bucket: bucket}, nil
}

// EnsureBucket создаёт бакет для снимков, если его ещё нет
func (c *Client) EnsureBucket(ctx context.Context) error {
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
	return nil
}

// UploadSnapshot кладёт JPEG снимок в бакет под ключом session/class/file.jpg
func (c *Client) UploadSnapshot(ctx context.Context, key string, data []byte) error {
	_, err := c.client.PutObject(
		ctx,
		c.bucket,
		key,
		bytes.NewReader(data),
		int64(len(data)),
		minio.PutObjectOptions{
			ContentType: "image/jpeg",
		},
	)
	if err != nil {
		return fmt.Errorf("failed to save snapshot to S3: %w", err)
	}
	return nil
}

// splitURL разбирает http://host/bucket/prefix на бакет и префикс
func splitURL(fileURL string) (string, string, error) {
	u, err := url.Parse(fileURL)
	if err != nil {
		return "", "", err
	}

	parts := strings.SplitN(strings.TrimPrefix(u.Path, "/"), "/", 2)
	if len(parts) != 2 || parts[0] == "" {
		return "", "", fmt.Errorf("url %s has no bucket/prefix path", fileURL)
	}
	return parts[0], parts[1], nil
}

// ListFrames returns the object keys of every .jpg under the URL prefix.
func (c *Client) ListFrames(ctx context.Context, fileURL string) ([]string, error) {
	bucket, folder, err := splitURL(fileURL)
	if err != nil {
		return nil, err
	}

	objectCh := c.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{
		Prefix:    folder,
		Recursive: true,
	})

	var keys []string
	for object := range objectCh {
		if object.Err != nil {
			return nil, fmt.Errorf("error listing objects: %w", object.Err)
		}

		// Пропускаем саму папку (если она есть в списке)
		if strings.HasSuffix(object.Key, "/") {
			continue
		}
		lower := strings.ToLower(object.Key)
		if !strings.HasSuffix(lower, ".jpg") && !strings.HasSuffix(lower, ".jpeg") {
			continue
		}
		keys = append(keys, object.Key)
	}

	return keys, nil
}

// ReadFrame downloads one object from the bucket named in fileURL.
func (c *Client) ReadFrame(ctx context.Context, fileURL, key string) ([]byte, error) {
	bucket, _, err := splitURL(fileURL)
	if err != nil {
		return nil, err
	}

	obj, err := c.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()

	// Читаем содержимое файла
	buf := new(bytes.Buffer)
	if _, err := io.Copy(buf, obj); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
