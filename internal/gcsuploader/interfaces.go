package gcsuploader

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"

	"github.com/dvloznov/bank-sync/internal/gcs"
)

// Re-export interface from shared package.
type StorageService = gcs.StorageService

// GCSStorageService is the concrete implementation of StorageService
// that interacts with Google Cloud Storage over one shared client.
type GCSStorageService struct {
	client *storage.Client
}

// NewGCSStorageService creates a storage client using Application Default
// Credentials (gcloud auth application-default login).
func NewGCSStorageService(ctx context.Context) (*GCSStorageService, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return &GCSStorageService{client: client}, nil
}

// Close closes the storage client.
func (s *GCSStorageService) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// UploadFile delegates to UploadFileWithClient.
func (s *GCSStorageService) UploadFile(ctx context.Context, bucketName, objectName, filePath string) error {
	return UploadFileWithClient(ctx, s.client, bucketName, objectName, filePath)
}

// FetchFromGCS delegates to FetchFromGCSWithClient.
func (s *GCSStorageService) FetchFromGCS(ctx context.Context, gcsURI string) ([]byte, error) {
	return FetchFromGCSWithClient(ctx, s.client, gcsURI)
}

var _ StorageService = (*GCSStorageService)(nil)
