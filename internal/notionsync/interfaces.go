package notionsync

import (
	"context"

	"github.com/jomei/notionapi"

	"github.com/dvloznov/bank-sync/internal/domain"
	infra "github.com/dvloznov/bank-sync/internal/infra/bigquery"
)

// NotionService defines the Notion operations the mirror needs.
// This interface enables mocking and testing of Notion operations.
type NotionService interface {
	// CreatePage creates a new page in a Notion database with the given properties.
	CreatePage(ctx context.Context, databaseID string, properties notionapi.Properties) (*notionapi.Page, error)

	// UpdatePage updates an existing Notion page with the given properties.
	UpdatePage(ctx context.Context, pageID string, properties notionapi.Properties) (*notionapi.Page, error)

	// QueryDatabase queries a Notion database with the given filter.
	QueryDatabase(ctx context.Context, databaseID string, filter *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error)
}

// TransactionSource reads loaded transactions.
type TransactionSource interface {
	QueryTransactionsByDateRange(ctx context.Context, r domain.DateRange) ([]*infra.TransactionRow, error)
}
