package gcsuploader

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/dvloznov/bank-sync/internal/domain"
	"github.com/dvloznov/bank-sync/internal/gcs"
	"github.com/dvloznov/bank-sync/internal/logger"
)

// Archiver copies downloaded exports to a bucket, one object per
// institution, account type and run.
type Archiver struct {
	store  StorageService
	bucket string
	prefix string
}

// NewArchiver returns an archiver writing under gs://bucket/prefix/.
func NewArchiver(store StorageService, bucket, prefix string) (*Archiver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}
	return &Archiver{
		store:  store,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}, nil
}

// ObjectName is prefix/institution/account_type/run_id/file.
func (a *Archiver) ObjectName(institutionID string, at domain.AccountType, runID, localPath string) string {
	parts := []string{strings.ToLower(institutionID), at.Key(), runID, filepath.Base(localPath)}
	if a.prefix != "" {
		parts = append([]string{a.prefix}, parts...)
	}
	return path.Join(parts...)
}

// ArchiveExport uploads localPath and returns its gs:// URI.
func (a *Archiver) ArchiveExport(ctx context.Context, institutionID string, at domain.AccountType, runID, localPath string) (string, error) {
	object := a.ObjectName(institutionID, at, runID, localPath)
	if err := a.store.UploadFile(ctx, a.bucket, object, localPath); err != nil {
		return "", fmt.Errorf("archive %s: %w", localPath, err)
	}

	uri := gcs.URI(a.bucket, object)
	log := logger.FromContext(ctx)
	log.Debug().
		Str("institution_id", institutionID).
		Str("account_type", string(at)).
		Str("gcs_uri", uri).
		Msg("archived raw export")
	return uri, nil
}

// ArchivedExport identifies one archived object by the parts ObjectName
// encoded into it.
type ArchivedExport struct {
	URI           string
	InstitutionID string
	AccountType   domain.AccountType
	RunID         string
	Filename      string
}

// ParseObject reverses ObjectName for a gs:// URI under this archive.
func (a *Archiver) ParseObject(uri string) (ArchivedExport, error) {
	bucket, object, err := gcs.ParseURI(uri)
	if err != nil {
		return ArchivedExport{}, err
	}
	if bucket != a.bucket {
		return ArchivedExport{}, fmt.Errorf("%s is not in archive bucket %s", uri, a.bucket)
	}
	if a.prefix != "" {
		rest, ok := strings.CutPrefix(object, a.prefix+"/")
		if !ok {
			return ArchivedExport{}, fmt.Errorf("%s is not under archive prefix %s", uri, a.prefix)
		}
		object = rest
	}

	parts := strings.Split(object, "/")
	if len(parts) != 4 || slices.Contains(parts, "") {
		return ArchivedExport{}, fmt.Errorf("%s is not institution/account_type/run_id/file", uri)
	}
	at, err := domain.ParseAccountType(parts[1])
	if err != nil {
		return ArchivedExport{}, fmt.Errorf("%s: %w", uri, err)
	}
	return ArchivedExport{
		URI:           uri,
		InstitutionID: parts[0],
		AccountType:   at,
		RunID:         parts[2],
		Filename:      parts[3],
	}, nil
}

// Restore downloads an archived export.
func (a *Archiver) Restore(ctx context.Context, uri string) (ArchivedExport, []byte, error) {
	ref, err := a.ParseObject(uri)
	if err != nil {
		return ArchivedExport{}, nil, err
	}
	data, err := a.store.FetchFromGCS(ctx, uri)
	if err != nil {
		return ArchivedExport{}, nil, fmt.Errorf("restore %s: %w", uri, err)
	}
	log := logger.FromContext(ctx)
	log.Debug().
		Str("institution_id", ref.InstitutionID).
		Str("account_type", string(ref.AccountType)).
		Int("bytes", len(data)).
		Msg("restored raw export")
	return ref, data, nil
}

func contentType(filePath string) string {
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".csv":
		return "text/csv"
	case ".qfx", ".ofx":
		return "application/x-ofx"
	default:
		return "application/octet-stream"
	}
}
