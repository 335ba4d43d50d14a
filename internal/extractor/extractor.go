// Package extractor turns an ExtractionRequest into raw export records for one
// institution. An extractor authenticates once and then walks the requested
// account types one at a time; each account type succeeds or fails on its own.
package extractor

import (
	"context"
	"errors"
	"fmt"

	"github.com/dvloznov/bank-sync/internal/domain"
)

// Extractor pulls raw exports for one institution.
//
// Extract returns every account batch it managed to download. When some
// account types failed the error is a *domain.PartialFailure and the result
// still holds the succeeded batches. When nothing succeeded the error wraps
// the stage sentinel (authentication, navigation, download) and the result
// is empty.
type Extractor interface {
	InstitutionID() string
	Extract(ctx context.Context, req domain.ExtractionRequest) (Result, error)
}

// Result is what one institution produced.
type Result struct {
	InstitutionID string
	Batches       []AccountBatch
}

// Records counts raw records across batches.
func (r Result) Records() int {
	n := 0
	for _, b := range r.Batches {
		n += len(b.Records)
	}
	return n
}

// AccountBatch holds the rows of one downloaded export.
type AccountBatch struct {
	AccountType  domain.AccountType
	ArtifactPath string
	Records      []domain.RawRecord
}

// Outcome classifies an Extract error for the run summary.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomePartial Outcome = "partial"
	OutcomeFailed  Outcome = "failed"
)

// Classify maps an Extract error onto an outcome.
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	var pf *domain.PartialFailure
	if errors.As(err, &pf) {
		return OutcomePartial
	}
	return OutcomeFailed
}

// AccountFailures folds per-account errors into the extractor's error
// contract given which account types succeeded.
func AccountFailures(institutionID string, succeeded []domain.AccountType, failed map[domain.AccountType]error) error {
	if len(failed) == 0 {
		return nil
	}
	if len(succeeded) > 0 {
		return &domain.PartialFailure{
			InstitutionID: institutionID,
			Succeeded:     succeeded,
			Failed:        failed,
		}
	}
	pf := domain.PartialFailure{Failed: failed}
	errs := make([]error, 0, len(failed))
	for _, at := range pf.FailedTypes() {
		errs = append(errs, fmt.Errorf("%s: %w", at, failed[at]))
	}
	return fmt.Errorf("%s: every account type failed: %w", institutionID, errors.Join(errs...))
}
