package devicesync

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ArchiveTransport uploads and downloads the opaque, already-encrypted
// archive bytes a Reply's url/encryption_key pair addresses. The
// sync-group protocol itself is transport-agnostic about where
// archives live; this is the "configured sync server" seam.
type ArchiveTransport interface {
	// Upload stores data under a name derived from requestID and
	// returns the url a Reply should carry.
	Upload(ctx context.Context, requestID string, data []byte) (url string, err error)
	// Download fetches the bytes previously returned at url.
	Download(ctx context.Context, url string) ([]byte, error)
}

// MinioTransportConfig configures the S3-compatible object storage
// backend a deployed sync server resolves to.
type MinioTransportConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	UseSSL          bool
}

// minioTransport is an ArchiveTransport over an S3-compatible bucket:
// minio.New plus credentials.NewStaticV4, a bucket-exists-or-create
// bootstrap, and a plain PutObject/GetObject read path.
type minioTransport struct {
	client *minio.Client
	bucket string
}

// NewMinioTransport dials cfg.Endpoint and ensures cfg.BucketName
// exists, creating it if this is the first archive uploaded.
func NewMinioTransport(ctx context.Context, cfg MinioTransportConfig) (ArchiveTransport, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("devicesync: create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("devicesync: check archive bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("devicesync: create archive bucket: %w", err)
		}
	}

	return &minioTransport{client: client, bucket: cfg.BucketName}, nil
}

func (t *minioTransport) objectKey(requestID string) string {
	return fmt.Sprintf("device-sync-archives/%s/%s.bin", requestID, uuid.NewString())
}

func (t *minioTransport) Upload(ctx context.Context, requestID string, data []byte) (string, error) {
	key := t.objectKey(requestID)
	_, err := t.client.PutObject(ctx, t.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return "", fmt.Errorf("devicesync: upload archive: %w", err)
	}
	return fmt.Sprintf("minio://%s/%s", t.bucket, key), nil
}

func (t *minioTransport) Download(ctx context.Context, url string) ([]byte, error) {
	bucket, key, err := parseMinioURL(url)
	if err != nil {
		return nil, err
	}
	obj, err := t.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("devicesync: download archive: %w", err)
	}
	defer func() { _ = obj.Close() }()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("devicesync: read archive: %w", err)
	}
	return data, nil
}

func parseMinioURL(url string) (bucket, key string, err error) {
	const prefix = "minio://"
	if len(url) <= len(prefix) || url[:len(prefix)] != prefix {
		return "", "", fmt.Errorf("devicesync: not a minio url: %s", url)
	}
	rest := url[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			return rest[:i], rest[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("devicesync: malformed minio url: %s", url)
}

// MemoryTransport is an in-process ArchiveTransport test double: no
// network, no encoding beyond what EncryptArchive already applied.
type MemoryTransport struct {
	mu      sync.Mutex
	objects map[string][]byte
}

// NewMemoryTransport builds an empty MemoryTransport.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{objects: make(map[string][]byte)}
}

func (t *MemoryTransport) Upload(_ context.Context, requestID string, data []byte) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	url := fmt.Sprintf("memory://%s/%s", requestID, uuid.NewString())
	t.objects[url] = append([]byte(nil), data...)
	return url, nil
}

func (t *MemoryTransport) Download(_ context.Context, url string) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	data, ok := t.objects[url]
	if !ok {
		return nil, fmt.Errorf("devicesync: no object at %s", url)
	}
	return append([]byte(nil), data...), nil
}
