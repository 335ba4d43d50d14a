// Command sync-notion mirrors loaded transactions for a date range into a
// Notion database.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"cloud.google.com/go/civil"
	"github.com/spf13/cobra"

	"github.com/dvloznov/bank-sync/internal/config"
	"github.com/dvloznov/bank-sync/internal/domain"
	infraBQ "github.com/dvloznov/bank-sync/internal/infra/bigquery"
	"github.com/dvloznov/bank-sync/internal/logger"
	"github.com/dvloznov/bank-sync/internal/notionsync"
)

const syncTimeout = 10 * time.Minute

type options struct {
	configPath  string
	startDate   string
	endDate     string
	notionToken string
	notionDBID  string
	dryRun      bool
}

func main() {
	if err := newCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:          "sync-notion",
		Short:        "Mirror loaded transactions into Notion",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.configPath, "config", config.DefaultSettingsPath, "settings file")
	f.StringVar(&opts.startDate, "start-date", "", "first day, YYYY-MM-DD (required)")
	f.StringVar(&opts.endDate, "end-date", "", "exclusive end, YYYY-MM-DD (required)")
	f.StringVar(&opts.notionToken, "notion-token", "", "Notion API token (default $NOTION_TOKEN)")
	f.StringVar(&opts.notionDBID, "notion-db-id", "", "Notion database ID (default notion.database_id)")
	f.BoolVar(&opts.dryRun, "dry-run", false, "preview changes without writing to Notion")
	_ = cmd.MarkFlagRequired("start-date")
	_ = cmd.MarkFlagRequired("end-date")
	return cmd
}

// dateRange parses the half-open [start, end) window.
func dateRange(start, end string) (domain.DateRange, error) {
	s, err := civil.ParseDate(start)
	if err != nil {
		return domain.DateRange{}, fmt.Errorf("invalid start-date %q, expected YYYY-MM-DD", start)
	}
	e, err := civil.ParseDate(end)
	if err != nil {
		return domain.DateRange{}, fmt.Errorf("invalid end-date %q, expected YYYY-MM-DD", end)
	}
	return domain.NewDateRange(s, e)
}

func run(cmd *cobra.Command, opts *options) error {
	log := logger.New()
	if err := config.LoadEnv(); err != nil {
		return err
	}
	settings, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}

	r, err := dateRange(opts.startDate, opts.endDate)
	if err != nil {
		return err
	}
	token := opts.notionToken
	if token == "" {
		token = os.Getenv("NOTION_TOKEN")
	}
	if token == "" {
		return fmt.Errorf("notion token is required: pass --notion-token or set NOTION_TOKEN")
	}
	dbID := opts.notionDBID
	if dbID == "" {
		dbID = settings.Notion.DatabaseID
	}
	if dbID == "" {
		return fmt.Errorf("notion database is required: pass --notion-db-id or set NOTION_DATABASE_ID")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), syncTimeout)
	defer cancel()
	ctx = logger.WithContext(ctx, log)

	repo, err := infraBQ.NewBigQueryRepository(ctx, settings.BigQuery)
	if err != nil {
		return err
	}
	defer repo.Close()

	res, err := notionsync.SyncTransactions(ctx, repo, notionsync.NewNotionClient(token), dbID, r, opts.dryRun)
	if err != nil {
		return err
	}

	verb := "Synced"
	if opts.dryRun {
		verb = "Would sync"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %d transactions: %d created, %d updated, %d failed\n",
		verb, res.Total, res.Created, res.Updated, res.Failed)
	if res.Failed > 0 {
		return fmt.Errorf("%d transactions failed to sync", res.Failed)
	}
	return nil
}
