// Command migrate applies migrations/bigquery/NNNN_name.sql to the dataset
// and records each one in schema_migrations.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"cloud.google.com/go/bigquery"
	"github.com/spf13/cobra"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"github.com/dvloznov/bank-sync/internal/config"
	"github.com/dvloznov/bank-sync/internal/logger"
)

type options struct {
	configPath    string
	projectID     string
	datasetID     string
	appliedBy     string
	migrationsDir string
	dryRun        bool
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
		Use:          "migrate",
		Short:        "Apply BigQuery schema migrations",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return migrate(cmd.Context(), opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.configPath, "config", config.DefaultSettingsPath, "settings file providing bigquery.project_id and dataset_id")
	f.StringVar(&opts.projectID, "project", "", "GCP project ID (overrides settings)")
	f.StringVar(&opts.datasetID, "dataset", "", "BigQuery dataset ID (overrides settings)")
	f.StringVar(&opts.appliedBy, "applied-by", "migrate-cli", "name recorded in schema_migrations.applied_by")
	f.StringVar(&opts.migrationsDir, "migrations", "migrations/bigquery", "path to migrations directory")
	f.BoolVar(&opts.dryRun, "dry-run", false, "list pending migrations without running them")
	return cmd
}

func migrate(ctx context.Context, opts *options) error {
	log := logger.New()
	if err := config.LoadEnv(); err != nil {
		return err
	}
	settings, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.projectID == "" {
		opts.projectID = settings.BigQuery.ProjectID
	}
	if opts.datasetID == "" {
		opts.datasetID = settings.BigQuery.DatasetID
	}
	if opts.projectID == "" {
		return fmt.Errorf("project is required: pass --project or set BIGQUERY_PROJECT_ID")
	}

	migrations, skipped, err := readMigrations(opts.migrationsDir, opts.projectID, opts.datasetID)
	if err != nil {
		return err
	}
	for _, name := range skipped {
		log.Warn().Str("file", name).Msg("Skipping file with invalid migration name")
	}
	log.Info().Int("count", len(migrations)).Str("dir", opts.migrationsDir).Msg("Found migration files")

	client, err := bigquery.NewClient(ctx, opts.projectID)
	if err != nil {
		return fmt.Errorf("creating BigQuery client: %w", err)
	}
	defer client.Close()

	table := fmt.Sprintf("`%s.%s.schema_migrations`", opts.projectID, opts.datasetID)
	log.Info().Str("project_id", opts.projectID).Str("dataset_id", opts.datasetID).Msg("Connected to BigQuery")

	applied, err := appliedMigrations(ctx, client, table)
	if err != nil {
		return err
	}
	p := plan(migrations, applied)
	for _, m := range p.Drifted {
		log.Warn().Str("migration", m.Filename).Msg("Applied migration was edited afterwards; not re-running")
	}
	for _, m := range p.Applied {
		log.Debug().Str("migration", m.Filename).Msg("Already applied")
	}

	if opts.dryRun {
		for _, m := range p.Pending {
			log.Info().Str("migration", m.Filename).Msg("Pending")
		}
		return nil
	}
	if len(p.Pending) == 0 {
		log.Info().Msg("No new migrations to apply. Dataset is up to date.")
		return nil
	}

	if err := runStatement(ctx, client.Query(schemaMigrationsDDL(table))); err != nil {
		return fmt.Errorf("ensuring schema_migrations: %w", err)
	}
	for _, m := range p.Pending {
		mlog := log.With().Str("migration", m.Filename).Logger()
		mlog.Info().Msg("Running migration")

		if err := runStatement(ctx, client.Query(m.SQL)); err != nil {
			return fmt.Errorf("executing migration %s: %w", m.Filename, err)
		}
		if err := recordMigration(ctx, client, table, m, opts.appliedBy); err != nil {
			return fmt.Errorf("recording migration %s: %w", m.Filename, err)
		}
		mlog.Info().Msg("Migration applied")
	}
	log.Info().Int("applied", len(p.Pending)).Msg("Migrations complete")
	return nil
}

func schemaMigrationsDDL(table string) string {
	return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version       INT64 NOT NULL,
			name          STRING NOT NULL,
			applied_at    TIMESTAMP NOT NULL,
			checksum      STRING,
			applied_by    STRING
		)
	`, table)
}

// appliedMigrations reads schema_migrations. A missing table means nothing
// has been applied yet.
func appliedMigrations(ctx context.Context, client *bigquery.Client, table string) ([]AppliedMigration, error) {
	q := client.Query(fmt.Sprintf(`
		SELECT version, name, applied_at, checksum, applied_by
		FROM %s
		ORDER BY version ASC
	`, table))

	it, err := q.Read(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading applied migrations: %w", err)
	}

	var applied []AppliedMigration
	for {
		var row struct {
			Version   int64                  `bigquery:"version"`
			Name      string                 `bigquery:"name"`
			AppliedAt bigquery.NullTimestamp `bigquery:"applied_at"`
			Checksum  bigquery.NullString    `bigquery:"checksum"`
			AppliedBy bigquery.NullString    `bigquery:"applied_by"`
		}
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterating applied migrations: %w", err)
		}
		applied = append(applied, AppliedMigration{
			Version:   int(row.Version),
			Name:      row.Name,
			AppliedAt: row.AppliedAt.Timestamp,
			Checksum:  row.Checksum.StringVal,
			AppliedBy: row.AppliedBy.StringVal,
		})
	}
	return applied, nil
}

func recordMigration(ctx context.Context, client *bigquery.Client, table string, m Migration, appliedBy string) error {
	q := client.Query(fmt.Sprintf(`
		INSERT INTO %s (version, name, applied_at, checksum, applied_by)
		VALUES (@version, @name, CURRENT_TIMESTAMP(), @checksum, @applied_by)
	`, table))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "version", Value: m.Version},
		{Name: "name", Value: m.Name},
		{Name: "checksum", Value: m.Checksum},
		{Name: "applied_by", Value: appliedBy},
	}
	return runStatement(ctx, q)
}

func runStatement(ctx context.Context, q *bigquery.Query) error {
	job, err := q.Run(ctx)
	if err != nil {
		return fmt.Errorf("running query: %w", err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("waiting for job: %w", err)
	}
	if err := status.Err(); err != nil {
		return fmt.Errorf("job error: %w", err)
	}
	return nil
}

func isNotFound(err error) bool {
	var gErr *googleapi.Error
	return errors.As(err, &gErr) && gErr.Code == http.StatusNotFound
}
