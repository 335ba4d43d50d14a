package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dvloznov/bank-sync/internal/config"
	"github.com/dvloznov/bank-sync/internal/domain"
	"github.com/dvloznov/bank-sync/internal/gcsuploader"
	"github.com/dvloznov/bank-sync/internal/logger"
	"github.com/dvloznov/bank-sync/internal/pipeline"
)

const archiveTimeout = 2 * time.Minute

// openArchiver connects to Cloud Storage. The returned close func releases
// the client.
func openArchiver(ctx context.Context, settings *config.Settings) (*gcsuploader.Archiver, func() error, error) {
	if settings.Archive.Bucket == "" {
		return nil, nil, fmt.Errorf("archive.bucket is not set (or set GCS_ARCHIVE_BUCKET)")
	}
	storage, err := gcsuploader.NewGCSStorageService(ctx)
	if err != nil {
		return nil, nil, err
	}
	archiver, err := gcsuploader.NewArchiver(storage, settings.Archive.Bucket, settings.Archive.Prefix)
	if err != nil {
		storage.Close()
		return nil, nil, err
	}
	return archiver, storage.Close, nil
}

func newArchiveCommand(g *globalOptions) *cobra.Command {
	var (
		bank    string
		account string
		runID   string
	)

	cmd := &cobra.Command{
		Use:   "archive <file>",
		Short: "Upload a raw export file to the archive bucket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, log, err := g.load()
			if err != nil {
				return err
			}
			at, err := domain.ParseAccountType(account)
			if err != nil {
				return fmt.Errorf("--account: %w", err)
			}
			if runID == "" {
				runID = uuid.NewString()
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), archiveTimeout)
			defer cancel()
			ctx = logger.WithContext(ctx, log)

			archiver, closeStore, err := openArchiver(ctx, settings)
			if err != nil {
				return err
			}
			defer closeStore()

			log.Info().
				Str("institution_id", bank).
				Str("account_type", string(at)).
				Str("file", args[0]).
				Msg("Uploading export to GCS")
			uri, err := archiver.ArchiveExport(ctx, strings.ToLower(bank), at, runID, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Uploaded %s to %s\n", args[0], uri)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&bank, "bank", "", "institution id (required)")
	f.StringVar(&account, "account", "", "account type (required)")
	f.StringVar(&runID, "run-id", "", "run id folder (default a new uuid)")
	_ = cmd.MarkFlagRequired("bank")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}

func newRestoreCommand(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "restore <gs-uri>...",
		Short: "Download archived exports into the download dir for run --skip-extraction",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, log, err := g.load()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), archiveTimeout)
			defer cancel()
			ctx = logger.WithContext(ctx, log)

			archiver, closeStore, err := openArchiver(ctx, settings)
			if err != nil {
				return err
			}
			defer closeStore()

			for _, uri := range args {
				ref, data, err := archiver.Restore(ctx, uri)
				if err != nil {
					return err
				}
				dst, err := writeRestored(settings.Pipeline.DownloadDir, ref, data)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Restored %s to %s\n", uri, dst)
			}
			return nil
		},
	}
}

// writeRestored files an archived export where run --skip-extraction looks
// for it.
func writeRestored(downloadDir string, ref gcsuploader.ArchivedExport, data []byte) (string, error) {
	dir := pipeline.ExportDir(downloadDir, ref.InstitutionID, ref.AccountType)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating %s: %w", dir, err)
	}
	dst := filepath.Join(dir, ref.RunID+"_"+ref.Filename)
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return "", fmt.Errorf("writing %s: %w", dst, err)
	}
	return dst, nil
}
