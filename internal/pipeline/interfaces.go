package pipeline

import (
	"context"

	"github.com/dvloznov/bank-sync/internal/config"
	"github.com/dvloznov/bank-sync/internal/domain"
	"github.com/dvloznov/bank-sync/internal/extractor"
)

// ExtractorSource resolves institutions to extractors and their config.
// *extractor.Registry is the production implementation.
type ExtractorSource interface {
	Resolve(institutionID string, deps extractor.Deps) (extractor.Extractor, error)
	Bank(institutionID string) (config.Bank, error)
}

// Archiver copies a downloaded export somewhere durable.
type Archiver interface {
	ArchiveExport(ctx context.Context, institutionID string, at domain.AccountType, runID, localPath string) (string, error)
}

// Exporter writes a reconciled batch to a file.
type Exporter interface {
	SaveAs(path string, txs []domain.Transaction) error
}

var _ ExtractorSource = (*extractor.Registry)(nil)
