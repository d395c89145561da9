// Package gcs mirrors snapshot documents into Google Cloud Storage.
package gcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/storage"
)

// Config names the destination bucket.
type Config struct {
	Bucket string
	// CacheControl is applied to every uploaded object. Empty means no-cache,
	// since a snapshot object is overwritten on every run.
	CacheControl string
}

// BlobStore uploads snapshot bytes to a configured GCS bucket.
type BlobStore struct {
	client       *storage.Client
	bucket       string
	cacheControl string
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, errors.New("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	cacheControl := cfg.CacheControl
	if cacheControl == "" {
		cacheControl = "no-cache"
	}
	return &BlobStore{
		client:       client,
		bucket:       cfg.Bucket,
		cacheControl: cacheControl,
	}, nil
}

// PutSnapshot uploads data as object in one request and returns its gs:// URI.
// metadata is attached to the object as custom metadata.
func (s *BlobStore) PutSnapshot(
	ctx context.Context,
	object string,
	data []byte,
	metadata map[string]string,
) (string, error) {
	if strings.TrimSpace(object) == "" {
		return "", errors.New("object name is required")
	}
	writer := s.client.Bucket(s.bucket).Object(object).NewWriter(ctx)
	writer.ContentType = "application/json; charset=utf-8"
	writer.CacheControl = s.cacheControl
	writer.Metadata = metadata
	writer.ChunkSize = 0

	if _, err := bytes.NewReader(data).WriteTo(writer); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, object), nil
}
