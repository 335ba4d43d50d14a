package gcsuploader

import (
	"context"
	"fmt"
	"io"

	"cloud.google.com/go/storage"

	"github.com/dvloznov/bank-sync/internal/gcs"
)

// FetchFromGCSWithClient downloads the object bytes behind a gs:// URI.
func FetchFromGCSWithClient(ctx context.Context, client *storage.Client, gcsURI string) ([]byte, error) {
	bucketName, objectPath, err := gcs.ParseURI(gcsURI)
	if err != nil {
		return nil, err
	}

	rc, err := client.Bucket(bucketName).Object(objectPath).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetchFromGCS: reading object %s/%s: %w", bucketName, objectPath, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("fetchFromGCS: reading bytes: %w", err)
	}
	return data, nil
}
