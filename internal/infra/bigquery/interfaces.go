package bigquery

import (
	"context"
	"fmt"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"

	bq "github.com/dvloznov/bank-sync/internal/bigquery"
	"github.com/dvloznov/bank-sync/internal/config"
	"github.com/dvloznov/bank-sync/internal/domain"
)

// Re-export interfaces and rows from the shared package.
type TransactionRepository = bq.TransactionRepository
type RunRepository = bq.RunRepository
type TransactionRow = bq.TransactionRow
type ExtractionRunRow = bq.ExtractionRunRow

// BigQueryRepository implements both repositories over one shared client.
type BigQueryRepository struct {
	client *bigquery.Client
	tables Tables
}

// NewBigQueryRepository creates a client for settings.ProjectID.
func NewBigQueryRepository(ctx context.Context, settings config.BigQuerySettings) (*BigQueryRepository, error) {
	if settings.ProjectID == "" {
		return nil, fmt.Errorf("NewBigQueryRepository: project id is required (bigquery.project_id or BIGQUERY_PROJECT_ID)")
	}
	client, err := bigquery.NewClient(ctx, settings.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("NewBigQueryRepository: creating client: %w", err)
	}
	return &BigQueryRepository{
		client: client,
		tables: TablesFromSettings(settings),
	}, nil
}

// Client exposes the underlying client for schema migrations.
func (r *BigQueryRepository) Client() *bigquery.Client { return r.client }

// Tables returns the table names the repository writes to.
func (r *BigQueryRepository) Tables() Tables { return r.tables }

// Close closes the BigQuery client connection.
func (r *BigQueryRepository) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// MergeTransactions delegates to MergeTransactionsWithClient.
func (r *BigQueryRepository) MergeTransactions(ctx context.Context, runID string, txs []domain.Transaction) (int, error) {
	return MergeTransactionsWithClient(ctx, r.client, r.tables, runID, txs)
}

// LatestTransactionDate delegates to LatestTransactionDateWithClient.
func (r *BigQueryRepository) LatestTransactionDate(ctx context.Context, institutionID string) (civil.Date, bool, error) {
	return LatestTransactionDateWithClient(ctx, r.client, r.tables, institutionID)
}

// QueryTransactionsByDateRange delegates to QueryTransactionsByDateRangeWithClient.
func (r *BigQueryRepository) QueryTransactionsByDateRange(ctx context.Context, dr domain.DateRange) ([]*TransactionRow, error) {
	return QueryTransactionsByDateRangeWithClient(ctx, r.client, r.tables, dr)
}

// StartRun delegates to StartRunWithClient.
func (r *BigQueryRepository) StartRun(ctx context.Context, runID string, dr domain.DateRange) error {
	return StartRunWithClient(ctx, r.client, r.tables, runID, dr)
}

// RecordInstitutionOutcome delegates to RecordInstitutionOutcomeWithClient.
func (r *BigQueryRepository) RecordInstitutionOutcome(ctx context.Context, row *ExtractionRunRow) error {
	return RecordInstitutionOutcomeWithClient(ctx, r.client, r.tables, row)
}

// FinishRun delegates to FinishRunWithClient.
func (r *BigQueryRepository) FinishRun(ctx context.Context, runID, status string, runErr error) error {
	return FinishRunWithClient(ctx, r.client, r.tables, runID, status, runErr)
}

var (
	_ TransactionRepository = (*BigQueryRepository)(nil)
	_ RunRepository         = (*BigQueryRepository)(nil)
)
