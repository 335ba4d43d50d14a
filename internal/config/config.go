package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSettingsPath is where the CLI looks for settings when --config is not given.
const DefaultSettingsPath = "config/settings.yaml"

// Settings is the top-level settings.yaml document.
type Settings struct {
	Pipeline  PipelineSettings  `yaml:"pipeline"`
	Session   SessionSettings   `yaml:"session"`
	Reconcile ReconcileSettings `yaml:"reconcile"`
	BigQuery  BigQuerySettings  `yaml:"bigquery"`
	Archive   ArchiveSettings   `yaml:"archive"`
	Notion    NotionSettings    `yaml:"notion"`
	Suggest   SuggestSettings   `yaml:"suggest"`
	MFA       MFASettings       `yaml:"mfa"`
}

// PipelineSettings controls run orchestration.
type PipelineSettings struct {
	PoolSize    int    `yaml:"pool_size"`
	DownloadDir string `yaml:"download_dir"`
	BanksDir    string `yaml:"banks_dir"`
	RulesPath   string `yaml:"rules_path"`
	Headless    bool   `yaml:"headless"`
	Timezone    string `yaml:"timezone"`
}

// SessionSettings bounds every wait inside an automation session.
type SessionSettings struct {
	LandmarkTimeout time.Duration `yaml:"landmark_timeout"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	MFAWait         time.Duration `yaml:"mfa_wait"`
	DownloadTimeout time.Duration `yaml:"download_timeout"`
	MaxRetries      int           `yaml:"max_retries"`
	InitialBackoff  time.Duration `yaml:"initial_backoff"`
	MaxBackoff      time.Duration `yaml:"max_backoff"`
}

// ReconcileSettings holds the transfer and recurring heuristics' tolerances.
type ReconcileSettings struct {
	TransferWindowDays       int     `yaml:"transfer_window_days"`
	RecurringAmountTolerance float64 `yaml:"recurring_amount_tolerance"`
	RecurringMinOccurrences  int     `yaml:"recurring_min_occurrences"`
	WeeklyCadenceDays        [2]int  `yaml:"weekly_cadence_days"`
	MonthlyCadenceDays       [2]int  `yaml:"monthly_cadence_days"`
}

type BigQuerySettings struct {
	ProjectID         string `yaml:"project_id"`
	DatasetID         string `yaml:"dataset_id"`
	TransactionsTable string `yaml:"transactions_table"`
	RunsTable         string `yaml:"runs_table"`
}

type ArchiveSettings struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
}

type NotionSettings struct {
	DatabaseID string `yaml:"database_id"`
}

type SuggestSettings struct {
	Enabled bool   `yaml:"enabled"`
	Model   string `yaml:"model"`
}

type MFASettings struct {
	ListenAddr string `yaml:"listen_addr"`
	Prompt     bool   `yaml:"prompt"`
}

// Default returns settings that work for a local run against the built-in banks.
func Default() *Settings {
	return &Settings{
		Pipeline: PipelineSettings{
			PoolSize:    2,
			DownloadDir: "data/raw",
			BanksDir:    "config/banks",
			RulesPath:   "config/rules.yaml",
			Headless:    true,
			Timezone:    "America/New_York",
		},
		Session: SessionSettings{
			LandmarkTimeout: 20 * time.Second,
			PollInterval:    500 * time.Millisecond,
			MFAWait:         3 * time.Minute,
			DownloadTimeout: 60 * time.Second,
			MaxRetries:      3,
			InitialBackoff:  time.Second,
			MaxBackoff:      30 * time.Second,
		},
		Reconcile: ReconcileSettings{
			TransferWindowDays:       3,
			RecurringAmountTolerance: 0.05,
			RecurringMinOccurrences:  3,
			WeeklyCadenceDays:        [2]int{6, 8},
			MonthlyCadenceDays:       [2]int{27, 33},
		},
		BigQuery: BigQuerySettings{
			DatasetID:         "finance",
			TransactionsTable: "transactions",
			RunsTable:         "extraction_runs",
		},
		Archive: ArchiveSettings{Prefix: "raw"},
		Suggest: SuggestSettings{Model: "gemini-2.5-flash"},
		MFA:     MFASettings{Prompt: true},
	}
}

// Load reads settings from path. A missing file yields Default(); fields the
// file leaves empty keep their defaults. Environment overrides are applied last.
func Load(path string) (*Settings, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("reading settings: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing settings %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (s *Settings) applyEnv() {
	s.BigQuery.ProjectID = getEnv("BIGQUERY_PROJECT_ID", s.BigQuery.ProjectID)
	s.BigQuery.DatasetID = getEnv("BIGQUERY_DATASET_ID", s.BigQuery.DatasetID)
	s.Archive.Bucket = getEnv("GCS_ARCHIVE_BUCKET", s.Archive.Bucket)
	s.Notion.DatabaseID = getEnv("NOTION_DATABASE_ID", s.Notion.DatabaseID)
}

// Validate rejects settings that would make the run meaningless or unbounded.
func (s *Settings) Validate() error {
	if s.Pipeline.PoolSize < 1 {
		return fmt.Errorf("pipeline.pool_size must be at least 1, got %d", s.Pipeline.PoolSize)
	}
	if s.Session.LandmarkTimeout <= 0 || s.Session.DownloadTimeout <= 0 || s.Session.MFAWait <= 0 {
		return fmt.Errorf("session timeouts must be positive")
	}
	if s.Session.PollInterval <= 0 {
		return fmt.Errorf("session.poll_interval must be positive")
	}
	if s.Session.MaxRetries < 0 {
		return fmt.Errorf("session.max_retries must not be negative")
	}
	if s.Reconcile.TransferWindowDays < 0 {
		return fmt.Errorf("reconcile.transfer_window_days must not be negative")
	}
	if s.Reconcile.RecurringMinOccurrences < 2 {
		return fmt.Errorf("reconcile.recurring_min_occurrences must be at least 2")
	}
	for name, band := range map[string][2]int{
		"weekly_cadence_days":  s.Reconcile.WeeklyCadenceDays,
		"monthly_cadence_days": s.Reconcile.MonthlyCadenceDays,
	} {
		if band[0] <= 0 || band[1] < band[0] {
			return fmt.Errorf("reconcile.%s must be [min, max] with 0 < min <= max", name)
		}
	}
	return nil
}

// Location resolves Pipeline.Timezone, falling back to UTC.
func (s *Settings) Location() *time.Location {
	if s.Pipeline.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Pipeline.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}
