// Package blob implements the file store over Google Cloud Storage,
// plus an in-memory variant for tests and storeless deployments.
package blob

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/iterator"

	"github.com/boardsync/boardsync/internal/core"
)

const uploadPrefix = "uploads/"

type GCSStore struct {
	client *storage.Client
	bucket string
}

func NewGCSStore(ctx context.Context, bucket string) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs client: %w", err)
	}
	log.Info().Str("module", "adapters.blob").Str("bucket", bucket).Msg("gcs store ready")
	return &GCSStore{client: client, bucket: bucket}, nil
}

func (s *GCSStore) publicURL(object string) string {
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", s.bucket, object)
}

// objectName extracts the object path back out of a public URL.
func (s *GCSStore) objectName(url string) (string, error) {
	prefix := fmt.Sprintf("https://storage.googleapis.com/%s/", s.bucket)
	if !strings.HasPrefix(url, prefix) {
		return "", fmt.Errorf("url outside bucket %s: %s", s.bucket, url)
	}
	return strings.TrimPrefix(url, prefix), nil
}

func (s *GCSStore) PutObject(ctx context.Context, data []byte, contentType string) (string, error) {
	object := uploadPrefix + uuid.NewString()
	w := s.client.Bucket(s.bucket).Object(object).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("%w: %v", core.ErrAdapterUnavailable, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("%w: %v", core.ErrAdapterUnavailable, err)
	}
	return s.publicURL(object), nil
}

func (s *GCSStore) SignedURL(_ context.Context, url string, ttl time.Duration) (string, error) {
	object, err := s.objectName(url)
	if err != nil {
		return "", err
	}
	signed, err := s.client.Bucket(s.bucket).SignedURL(object, &storage.SignedURLOptions{
		Method:  "GET",
		Expires: time.Now().Add(ttl),
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", core.ErrAdapterUnavailable, err)
	}
	return signed, nil
}

// DeleteObject is idempotent: an object that is already gone counts as
// deleted.
func (s *GCSStore) DeleteObject(ctx context.Context, url string) error {
	object, err := s.objectName(url)
	if err != nil {
		return err
	}
	err = s.client.Bucket(s.bucket).Object(object).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("%w: %v", core.ErrAdapterUnavailable, err)
	}
	return nil
}

func (s *GCSStore) ListObjects(ctx context.Context) ([]string, error) {
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: uploadPrefix})
	var out []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", core.ErrAdapterUnavailable, err)
		}
		out = append(out, s.publicURL(attrs.Name))
	}
	return out, nil
}
