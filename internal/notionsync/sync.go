package notionsync

import (
	"context"
	"fmt"

	"github.com/jomei/notionapi"

	"github.com/dvloznov/bank-sync/internal/domain"
	"github.com/dvloznov/bank-sync/internal/logger"
)

// BatchSize defines the number of transactions to process in a single batch.
const BatchSize = 100

// SyncResult counts what a sync did or, on a dry run, would have done.
type SyncResult struct {
	Total   int
	Created int
	Updated int
	Failed  int
}

// SyncTransactions mirrors loaded transactions in r into a Notion database.
// Pages are matched by their Fingerprint property: existing pages are
// updated, missing ones created. Individual page failures are logged and
// counted; the sync continues with the next transaction.
func SyncTransactions(ctx context.Context, source TransactionSource, notionClient NotionService, notionDBID string, r domain.DateRange, dryRun bool) (SyncResult, error) {
	log := logger.FromContext(ctx)

	log.Info().
		Str("range", r.String()).
		Bool("dry_run", dryRun).
		Msg("Starting transaction sync to Notion")

	transactions, err := source.QueryTransactionsByDateRange(ctx, r)
	if err != nil {
		return SyncResult{}, fmt.Errorf("failed to query transactions: %w", err)
	}
	res := SyncResult{Total: len(transactions)}
	log.Info().Int("transaction_count", len(transactions)).Msg("Retrieved transactions from BigQuery")

	notionPages, err := queryAllNotionPages(ctx, notionClient, notionDBID)
	if err != nil {
		return res, fmt.Errorf("failed to query Notion pages: %w", err)
	}

	pageByFingerprint := make(map[string]string, len(notionPages))
	for _, page := range notionPages {
		if fp := extractFingerprint(page); fp != "" {
			pageByFingerprint[fp] = string(page.ID)
		}
	}
	log.Info().
		Int("notion_page_count", len(notionPages)).
		Int("keyed_pages", len(pageByFingerprint)).
		Msg("Retrieved existing Notion pages")

	for i := 0; i < len(transactions); i += BatchSize {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		end := min(i+BatchSize, len(transactions))
		batch := transactions[i:end]
		log.Debug().
			Int("batch_start", i).
			Int("batch_end", end).
			Msg("Processing batch")

		for _, tx := range batch {
			pageID, exists := pageByFingerprint[tx.Fingerprint]

			if dryRun {
				if exists {
					res.Updated++
				} else {
					res.Created++
				}
				continue
			}

			props := TransactionToNotionProperties(tx)
			if exists {
				if _, err := notionClient.UpdatePage(ctx, pageID, props); err != nil {
					log.Warn().
						Err(err).
						Str("fingerprint", tx.Fingerprint).
						Str("page_id", pageID).
						Msg("Failed to update Notion page")
					res.Failed++
					continue
				}
				res.Updated++
				continue
			}

			page, err := notionClient.CreatePage(ctx, notionDBID, props)
			if err != nil {
				log.Warn().
					Err(err).
					Str("fingerprint", tx.Fingerprint).
					Msg("Failed to create Notion page")
				res.Failed++
				continue
			}
			pageByFingerprint[tx.Fingerprint] = string(page.ID)
			res.Created++
		}
	}

	log.Info().
		Int("created", res.Created).
		Int("updated", res.Updated).
		Int("failed", res.Failed).
		Int("total", res.Total).
		Bool("dry_run", dryRun).
		Msg("Transaction sync completed")
	return res, nil
}

// queryAllNotionPages queries all pages from a Notion database and returns them.
// Handles pagination automatically.
func queryAllNotionPages(ctx context.Context, notionClient NotionService, databaseID string) ([]notionapi.Page, error) {
	var allPages []notionapi.Page
	var cursor notionapi.Cursor

	for {
		req := &notionapi.DatabaseQueryRequest{PageSize: 100}
		if cursor != "" {
			req.StartCursor = cursor
		}

		resp, err := notionClient.QueryDatabase(ctx, databaseID, req)
		if err != nil {
			return nil, fmt.Errorf("queryAllNotionPages: %w", err)
		}
		allPages = append(allPages, resp.Results...)

		if !resp.HasMore {
			break
		}
		cursor = resp.NextCursor
	}
	return allPages, nil
}
