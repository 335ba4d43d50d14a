package bigquery

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"cloud.google.com/go/bigquery"

	bq "github.com/dvloznov/bank-sync/internal/bigquery"
	"github.com/dvloznov/bank-sync/internal/domain"
)

// maxErrorMessage caps error_message values.
const maxErrorMessage = 2000

// TruncateError returns err's message cut to 2000 bytes without splitting a rune.
func TruncateError(err error) string {
	if err == nil {
		return ""
	}
	return truncate(err.Error())
}

func truncate(msg string) string {
	if len(msg) <= maxErrorMessage {
		return msg
	}
	cut := maxErrorMessage
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}

// StartRunWithClient inserts the run row with status=RUNNING.
func StartRunWithClient(ctx context.Context, client *bigquery.Client, t Tables, runID string, r domain.DateRange) error {
	q := client.Query(fmt.Sprintf(`
		INSERT %s (
			run_id,
			status,
			range_start,
			range_end,
			started_ts,
			records_downloaded,
			transactions_loaded,
			skipped,
			filtered
		)
		VALUES (
			@run_id,
			@status,
			@range_start,
			@range_end,
			@started_ts,
			0, 0, 0, 0
		)
	`, t.Runs()))

	q.Parameters = []bigquery.QueryParameter{
		{Name: "run_id", Value: runID},
		{Name: "status", Value: bq.RunStatusRunning},
		{Name: "range_start", Value: r.Start},
		{Name: "range_end", Value: r.End},
		{Name: "started_ts", Value: time.Now()},
	}

	if _, err := runQuery(ctx, q); err != nil {
		return fmt.Errorf("StartRun: %w", err)
	}
	return nil
}

// RecordInstitutionOutcomeWithClient inserts one institution's outcome row.
func RecordInstitutionOutcomeWithClient(ctx context.Context, client *bigquery.Client, t Tables, row *ExtractionRunRow) error {
	if !row.InstitutionID.Valid || row.InstitutionID.StringVal == "" {
		return fmt.Errorf("RecordInstitutionOutcome: institution_id is required")
	}
	if row.StartedTS.IsZero() {
		row.StartedTS = time.Now()
	}
	if !row.FinishedTS.Valid {
		row.FinishedTS = bigquery.NullTimestamp{Timestamp: time.Now(), Valid: true}
	}
	row.ErrorMessage.StringVal = truncate(row.ErrorMessage.StringVal)

	q := client.Query(fmt.Sprintf(`
		INSERT %s (
			run_id,
			institution_id,
			status,
			error_message,
			range_start,
			range_end,
			started_ts,
			finished_ts,
			records_downloaded,
			transactions_loaded,
			skipped,
			filtered
		)
		VALUES (
			@run_id,
			@institution_id,
			@status,
			NULLIF(@error_message, ''),
			@range_start,
			@range_end,
			@started_ts,
			@finished_ts,
			@records_downloaded,
			@transactions_loaded,
			@skipped,
			@filtered
		)
	`, t.Runs()))

	q.Parameters = []bigquery.QueryParameter{
		{Name: "run_id", Value: row.RunID},
		{Name: "institution_id", Value: row.InstitutionID.StringVal},
		{Name: "status", Value: row.Status},
		{Name: "error_message", Value: row.ErrorMessage.StringVal},
		{Name: "range_start", Value: row.RangeStart},
		{Name: "range_end", Value: row.RangeEnd},
		{Name: "started_ts", Value: row.StartedTS},
		{Name: "finished_ts", Value: row.FinishedTS.Timestamp},
		{Name: "records_downloaded", Value: row.RecordsDownloaded},
		{Name: "transactions_loaded", Value: row.TransactionsLoaded},
		{Name: "skipped", Value: row.Skipped},
		{Name: "filtered", Value: row.Filtered},
	}

	if _, err := runQuery(ctx, q); err != nil {
		return fmt.Errorf("RecordInstitutionOutcome %s: %w", row.InstitutionID.StringVal, err)
	}
	return nil
}

// FinishRunWithClient sets status, finished_ts and error_message on the run row.
func FinishRunWithClient(ctx context.Context, client *bigquery.Client, t Tables, runID, status string, runErr error) error {
	q := client.Query(fmt.Sprintf(`
		UPDATE %s
		SET status = @status,
		    finished_ts = @finished_ts,
		    error_message = NULLIF(@error_message, '')
		WHERE run_id = @run_id
		  AND institution_id IS NULL
	`, t.Runs()))

	q.Parameters = []bigquery.QueryParameter{
		{Name: "status", Value: status},
		{Name: "finished_ts", Value: time.Now()},
		{Name: "error_message", Value: TruncateError(runErr)},
		{Name: "run_id", Value: runID},
	}

	if _, err := runQuery(ctx, q); err != nil {
		return fmt.Errorf("FinishRun: %w", err)
	}
	return nil
}
