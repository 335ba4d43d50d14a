package bigquery

import (
	"context"
	"math/big"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"

	"github.com/dvloznov/bank-sync/internal/domain"
)

// Run and outcome statuses written to extraction_runs.
const (
	RunStatusRunning = "RUNNING"
	RunStatusSuccess = "SUCCESS"
	RunStatusPartial = "PARTIAL"
	RunStatusFailed  = "FAILED"
)

// TransactionRepository provides the transaction table operations.
type TransactionRepository interface {
	// MergeTransactions upserts rows by fingerprint and returns how many were written.
	MergeTransactions(ctx context.Context, runID string, txs []domain.Transaction) (int, error)

	// LatestTransactionDate returns the newest loaded transaction_date. When
	// institutionID is empty every institution is considered. ok is false on
	// an empty table.
	LatestTransactionDate(ctx context.Context, institutionID string) (latest civil.Date, ok bool, err error)

	// QueryTransactionsByDateRange returns loaded rows inside the half-open range.
	QueryTransactionsByDateRange(ctx context.Context, r domain.DateRange) ([]*TransactionRow, error)
}

// RunRepository records the lifecycle of a pipeline run.
type RunRepository interface {
	// StartRun inserts the run row with status=RUNNING.
	StartRun(ctx context.Context, runID string, r domain.DateRange) error

	// RecordInstitutionOutcome inserts one row per institution.
	RecordInstitutionOutcome(ctx context.Context, outcome *ExtractionRunRow) error

	// FinishRun sets the final status, finished_ts and error_message on the run row.
	FinishRun(ctx context.Context, runID, status string, runErr error) error
}

// TransactionRow represents a loaded transaction in BigQuery.
type TransactionRow struct {
	Fingerprint string `bigquery:"fingerprint" json:"fingerprint"`

	InstitutionID string `bigquery:"institution_id" json:"institution_id"`
	AccountType   string `bigquery:"account_type" json:"account_type"`

	TransactionDate civil.Date        `bigquery:"transaction_date" json:"transaction_date"`
	PostDate        bigquery.NullDate `bigquery:"post_date" json:"post_date,omitempty"`

	Description           string `bigquery:"description" json:"description"`
	NormalizedDescription string `bigquery:"normalized_description" json:"normalized_description"`

	Amount *big.Rat `bigquery:"amount" json:"-"`

	Category    bigquery.NullString `bigquery:"category" json:"category,omitempty"`
	Subcategory bigquery.NullString `bigquery:"subcategory" json:"subcategory,omitempty"`

	IsTransfer  bool `bigquery:"is_transfer" json:"is_transfer"`
	IsRecurring bool `bigquery:"is_recurring" json:"is_recurring"`

	RunID string `bigquery:"run_id" json:"run_id"`

	CreatedTS time.Time              `bigquery:"created_ts" json:"created_ts"`
	UpdatedTS bigquery.NullTimestamp `bigquery:"updated_ts" json:"updated_ts,omitempty"`
}

// ExtractionRunRow is one row of extraction_runs. The run itself has no
// institution; each institution outcome is a separate row with the same run_id.
type ExtractionRunRow struct {
	RunID         string              `bigquery:"run_id"`
	InstitutionID bigquery.NullString `bigquery:"institution_id"`

	Status       string              `bigquery:"status"`
	ErrorMessage bigquery.NullString `bigquery:"error_message"`

	RangeStart civil.Date `bigquery:"range_start"`
	RangeEnd   civil.Date `bigquery:"range_end"`

	StartedTS  time.Time              `bigquery:"started_ts"`
	FinishedTS bigquery.NullTimestamp `bigquery:"finished_ts"`

	RecordsDownloaded  int64 `bigquery:"records_downloaded"`
	TransactionsLoaded int64 `bigquery:"transactions_loaded"`
	Skipped            int64 `bigquery:"skipped"`
	Filtered           int64 `bigquery:"filtered"`
}
