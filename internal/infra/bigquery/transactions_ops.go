package bigquery

import (
	"context"
	"fmt"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"google.golang.org/api/iterator"

	"github.com/dvloznov/bank-sync/internal/domain"
	"github.com/dvloznov/bank-sync/internal/logger"
)

// mergeBatchSize keeps each MERGE's @rows parameter well under the query
// request size limit.
const mergeBatchSize = 500

// mergeSQL upserts by fingerprint. A later run may fill a category or post
// date an earlier run lacked, but never blanks one; transfer and recurring
// markers are only ever added.
func mergeSQL(t Tables) string {
	return fmt.Sprintf(`
		MERGE %s T
		USING UNNEST(@rows) S
		ON T.fingerprint = S.fingerprint
		WHEN MATCHED THEN UPDATE SET
			post_date = COALESCE(SAFE.PARSE_DATE('%%Y-%%m-%%d', NULLIF(S.post_date, '')), T.post_date),
			category = COALESCE(NULLIF(S.category, ''), T.category),
			subcategory = IF(S.category != '', NULLIF(S.subcategory, ''), T.subcategory),
			is_transfer = S.is_transfer OR T.is_transfer,
			is_recurring = S.is_recurring OR T.is_recurring,
			run_id = S.run_id,
			updated_ts = CURRENT_TIMESTAMP()
		WHEN NOT MATCHED THEN INSERT (
			fingerprint,
			institution_id,
			account_type,
			transaction_date,
			post_date,
			description,
			normalized_description,
			amount,
			category,
			subcategory,
			is_transfer,
			is_recurring,
			run_id,
			created_ts
		) VALUES (
			S.fingerprint,
			S.institution_id,
			S.account_type,
			S.transaction_date,
			SAFE.PARSE_DATE('%%Y-%%m-%%d', NULLIF(S.post_date, '')),
			S.description,
			S.normalized_description,
			S.amount,
			NULLIF(S.category, ''),
			NULLIF(S.subcategory, ''),
			S.is_transfer,
			S.is_recurring,
			S.run_id,
			CURRENT_TIMESTAMP()
		)
	`, t.Transactions())
}

// MergeTransactionsWithClient upserts txs into the transactions table in
// batches and returns the number of affected rows.
func MergeTransactionsWithClient(ctx context.Context, client *bigquery.Client, t Tables, runID string, txs []domain.Transaction) (int, error) {
	log := logger.FromContext(ctx)
	if len(txs) == 0 {
		return 0, nil
	}

	affected := 0
	for start := 0; start < len(txs); start += mergeBatchSize {
		end := min(start+mergeBatchSize, len(txs))

		rows := make([]mergeRow, 0, end-start)
		for _, tx := range txs[start:end] {
			rows = append(rows, newMergeRow(runID, tx))
		}

		q := client.Query(mergeSQL(t))
		q.Parameters = []bigquery.QueryParameter{
			{Name: "rows", Value: rows},
		}

		status, err := runQuery(ctx, q)
		if err != nil {
			return affected, fmt.Errorf("MergeTransactions: batch %d-%d: %w", start, end, err)
		}
		n := end - start
		if status.Statistics != nil {
			if stats, ok := status.Statistics.Details.(*bigquery.QueryStatistics); ok && stats.NumDMLAffectedRows > 0 {
				n = int(stats.NumDMLAffectedRows)
			}
		}
		affected += n

		log.Debug().
			Str("run_id", runID).
			Int("batch_start", start).
			Int("batch_rows", end-start).
			Int("affected", n).
			Msg("merged transaction batch")
	}
	return affected, nil
}

// LatestTransactionDateWithClient returns MAX(transaction_date), optionally
// for one institution.
func LatestTransactionDateWithClient(ctx context.Context, client *bigquery.Client, t Tables, institutionID string) (civil.Date, bool, error) {
	q := client.Query(fmt.Sprintf(`
		SELECT MAX(transaction_date) AS latest
		FROM %s
		WHERE @institution_id = '' OR institution_id = @institution_id
	`, t.Transactions()))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "institution_id", Value: institutionID},
	}

	it, err := q.Read(ctx)
	if err != nil {
		return civil.Date{}, false, fmt.Errorf("LatestTransactionDate: query read: %w", err)
	}

	var row struct {
		Latest bigquery.NullDate `bigquery:"latest"`
	}
	if err := it.Next(&row); err != nil {
		if err == iterator.Done {
			return civil.Date{}, false, nil
		}
		return civil.Date{}, false, fmt.Errorf("LatestTransactionDate: iter next: %w", err)
	}
	if !row.Latest.Valid {
		return civil.Date{}, false, nil
	}
	return row.Latest.Date, true, nil
}

// QueryTransactionsByDateRangeWithClient returns rows with
// start <= transaction_date < end ordered by date then fingerprint.
func QueryTransactionsByDateRangeWithClient(ctx context.Context, client *bigquery.Client, t Tables, r domain.DateRange) ([]*TransactionRow, error) {
	q := client.Query(fmt.Sprintf(`
		SELECT
			fingerprint,
			institution_id,
			account_type,
			transaction_date,
			post_date,
			description,
			normalized_description,
			amount,
			category,
			subcategory,
			is_transfer,
			is_recurring,
			run_id,
			created_ts,
			updated_ts
		FROM %s
		WHERE transaction_date >= @start_date
		  AND transaction_date < @end_date
		ORDER BY transaction_date, fingerprint
	`, t.Transactions()))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "start_date", Value: r.Start},
		{Name: "end_date", Value: r.End},
	}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("QueryTransactionsByDateRange: query read: %w", err)
	}

	var rows []*TransactionRow
	for {
		var row TransactionRow
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("QueryTransactionsByDateRange: iter next: %w", err)
		}
		rows = append(rows, &row)
	}
	return rows, nil
}

// runQuery runs a DML or DDL statement and waits for it.
func runQuery(ctx context.Context, q *bigquery.Query) (*bigquery.JobStatus, error) {
	job, err := q.Run(ctx)
	if err != nil {
		return nil, fmt.Errorf("running query: %w", err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("waiting for job: %w", err)
	}
	if err := status.Err(); err != nil {
		return nil, fmt.Errorf("job error: %w", err)
	}
	return status, nil
}
