// Package filestore reads uploaded file content from the storage root.
package filestore

import (
	"context"
	"io"
	"os"
	pathpkg "path"
	"path/filepath"
	"strings"

	errors "github.com/Laisky/errors/v2"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/Laisky/docingest/internal/ingest/settings"
)

// ErrInvalidPath is returned for stored paths that escape the storage root.
var ErrInvalidPath = errors.New("invalid file path")

// Store reads stored files by their relative path.
type Store interface {
	// ReadFile returns the full content stored at path.
	ReadFile(ctx context.Context, path string) ([]byte, error)
	// Check verifies the storage root is reachable.
	Check(ctx context.Context) error
}

// New builds the backend selected in cfg.
func New(cfg settings.FileStoreSettings) (Store, error) {
	switch cfg.Backend {
	case "", settings.FileStoreLocal:
		return NewLocal(cfg.Root)
	case settings.FileStoreMinio:
		return NewMinio(cfg.Minio)
	default:
		return nil, errors.Errorf("unknown file store backend %q", cfg.Backend)
	}
}

// cleanRelative normalizes a stored path and rejects traversal outside the root.
func cleanRelative(name string) (string, error) {
	trimmed := strings.TrimSpace(strings.ReplaceAll(name, "\\", "/"))
	for _, seg := range strings.Split(trimmed, "/") {
		if seg == ".." {
			return "", errors.Wrapf(ErrInvalidPath, "path %q escapes root", name)
		}
	}
	cleaned := strings.TrimLeft(pathpkg.Clean("/"+trimmed), "/")
	if cleaned == "" {
		return "", errors.Wrapf(ErrInvalidPath, "path %q", name)
	}
	return cleaned, nil
}

// Local reads files below a directory.
type Local struct {
	root string
}

// NewLocal constructs a local store rooted at root.
func NewLocal(root string) (*Local, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("file store root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve file store root %q", root)
	}
	return &Local{root: abs}, nil
}

// Check verifies the root exists and is a readable directory.
func (l *Local) Check(_ context.Context) error {
	info, err := os.Stat(l.root)
	if err != nil {
		return errors.Wrapf(err, "stat file store root %q", l.root)
	}
	if !info.IsDir() {
		return errors.Errorf("file store root %q is not a directory", l.root)
	}
	entries, err := os.Open(l.root)
	if err != nil {
		return errors.Wrapf(err, "open file store root %q", l.root)
	}
	return entries.Close()
}

// ReadFile reads root/path.
func (l *Local) ReadFile(_ context.Context, path string) ([]byte, error) {
	rel, err := cleanRelative(path)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(filepath.Join(l.root, filepath.FromSlash(rel)))
	if err != nil {
		return nil, errors.Wrapf(err, "read file %q", rel)
	}
	return content, nil
}

// Minio reads files from one bucket.
type Minio struct {
	client *minio.Client
	bucket string
}

// NewMinio constructs a MinIO-backed store.
func NewMinio(cfg settings.MinioSettings) (*Minio, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("minio endpoint is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("minio bucket is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, errors.Wrap(err, "new minio client")
	}
	return &Minio{client: client, bucket: cfg.Bucket}, nil
}

// Check verifies the bucket exists.
func (m *Minio) Check(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return errors.Wrapf(err, "check bucket %q", m.bucket)
	}
	if !exists {
		return errors.Errorf("bucket %q does not exist", m.bucket)
	}
	return nil
}

// ReadFile downloads the object stored at path.
func (m *Minio) ReadFile(ctx context.Context, path string) ([]byte, error) {
	key, err := cleanRelative(path)
	if err != nil {
		return nil, err
	}
	obj, err := m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, errors.Wrapf(err, "get object %q", key)
	}
	defer obj.Close()

	content, err := io.ReadAll(obj)
	if err != nil {
		return nil, errors.Wrapf(err, "read object %q", key)
	}
	return content, nil
}
