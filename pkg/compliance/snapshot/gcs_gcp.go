//go:build gcp

package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSStore keeps the snapshot in one Cloud Storage object.
type GCSStore struct {
	client *storage.Client
	bucket string
	object string
}

func newGCSStore(ctx context.Context, bucket, object string) (Store, error) {
	// Create GCS client (uses ADC by default)
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSStore{client: client, bucket: bucket, object: object}, nil
}

func (s *GCSStore) Location() string { return "gs://" + s.bucket + "/" + s.object }

func (s *GCSStore) Read(ctx context.Context) ([]byte, error) {
	reader, err := s.client.Bucket(s.bucket).Object(s.object).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, s.Location())
	}
	if err != nil {
		return nil, fmt.Errorf("gcs get failed for %s: %w", s.Location(), err)
	}
	defer func() { _ = reader.Close() }()
	return io.ReadAll(reader)
}

func (s *GCSStore) Write(ctx context.Context, data []byte) error {
	w := s.client.Bucket(s.bucket).Object(s.object).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs close failed: %w", err)
	}
	return nil
}

// Close closes the GCS client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}
