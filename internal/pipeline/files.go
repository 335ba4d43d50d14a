package pipeline

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/dvloznov/bank-sync/internal/domain"
)

// ExportDir is where a run files the exports of one institution and account
// type: <downloadDir>/<institution>/<account_type>.
func ExportDir(downloadDir, institutionID string, at domain.AccountType) string {
	return filepath.Join(downloadDir, strings.ToLower(institutionID), at.Key())
}

// StageExport moves a freshly downloaded export into its ExportDir, prefixed
// with the run id so repeated runs never overwrite each other.
func StageExport(downloadDir, institutionID string, at domain.AccountType, runID, path string) (string, error) {
	dir := ExportDir(downloadDir, institutionID, at)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating %s: %w", dir, err)
	}
	dst := filepath.Join(dir, runID+"_"+filepath.Base(path))
	if filepath.Clean(path) == dst {
		return dst, nil
	}
	if err := os.Rename(path, dst); err != nil {
		return "", fmt.Errorf("staging export %s: %w", path, err)
	}
	return dst, nil
}

// LatestExport returns the most recently modified export in ExportDir. ok is
// false when the directory is missing or holds no completed file.
func LatestExport(downloadDir, institutionID string, at domain.AccountType) (path string, ok bool, err error) {
	dir := ExportDir(downloadDir, institutionID, at)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("listing %s: %w", dir, err)
	}

	var (
		best     fs.FileInfo
		bestName string
	)
	for _, e := range entries {
		if !e.Type().IsRegular() || incomplete(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if best == nil || info.ModTime().After(best.ModTime()) ||
			(info.ModTime().Equal(best.ModTime()) && e.Name() > bestName) {
			best, bestName = info, e.Name()
		}
	}
	if best == nil {
		return "", false, nil
	}
	return filepath.Join(dir, bestName), true, nil
}

func incomplete(name string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".crdownload", ".part", ".tmp":
		return true
	}
	return false
}
