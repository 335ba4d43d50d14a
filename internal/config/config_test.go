package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/bank-sync/internal/domain"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Session, cfg.Session)
	assert.Equal(t, 3, cfg.Reconcile.TransferWindowDays)
}

func TestLoad_OverlaysFile(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "settings.yaml", `
pipeline:
  pool_size: 4
session:
  landmark_timeout: 5s
  max_retries: 1
reconcile:
  monthly_cadence_days: [28, 31]
`)
	cfg, err := Load(p)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Pipeline.PoolSize)
	assert.Equal(t, 5*time.Second, cfg.Session.LandmarkTimeout)
	assert.Equal(t, 1, cfg.Session.MaxRetries)
	assert.Equal(t, [2]int{28, 31}, cfg.Reconcile.MonthlyCadenceDays)
	// untouched keys keep defaults
	assert.Equal(t, 3*time.Minute, cfg.Session.MFAWait)
	assert.Equal(t, "data/raw", cfg.Pipeline.DownloadDir)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("BIGQUERY_PROJECT_ID", "my-project")
	t.Setenv("GCS_ARCHIVE_BUCKET", "raw-exports")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "my-project", cfg.BigQuery.ProjectID)
	assert.Equal(t, "raw-exports", cfg.Archive.Bucket)
}

func TestSettings_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Settings)
	}{
		{"zero pool", func(s *Settings) { s.Pipeline.PoolSize = 0 }},
		{"negative retries", func(s *Settings) { s.Session.MaxRetries = -1 }},
		{"no poll interval", func(s *Settings) { s.Session.PollInterval = 0 }},
		{"inverted cadence", func(s *Settings) { s.Reconcile.WeeklyCadenceDays = [2]int{8, 6} }},
		{"one occurrence", func(s *Settings) { s.Reconcile.RecurringMinOccurrences = 1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Default()
			tt.mutate(s)
			assert.Error(t, s.Validate())
		})
	}
	assert.NoError(t, Default().Validate())
}

const wellsFargoYAML = `
institution_id: wells_fargo
display_name: Wells Fargo
login_url: https://connect.secure.wellsfargo.com/auth/login/present
accounts: [checking, credit]
selectors:
  login.username_field: "#j_username"
account_codes:
  checking: DDA
  savings: SDA
  credit: CCA
layouts:
  default:
    columns: [date, amount, unused1, unused2, description]
    date_format: "01/02/2006"
    sign: as_is
    skip_descriptions: ["ONLINE PAYMENT THANK YOU"]
`

func TestLoadBanks(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "wells_fargo.yaml", wellsFargoYAML)
	writeFile(t, dir, "README.md", "ignored")

	banks, err := LoadBanks(dir)
	require.NoError(t, err)
	require.Contains(t, banks, "wells_fargo")

	b := banks["wells_fargo"]
	require.NoError(t, b.Validate())

	types, err := b.AccountTypes()
	require.NoError(t, err)
	assert.Equal(t, []domain.AccountType{domain.Checking, domain.Credit}, types)
	assert.Equal(t, "CCA", b.AccountCode(domain.Credit))

	at, ok := b.AccountTypeForCode("sda")
	assert.True(t, ok)
	assert.Equal(t, domain.Savings, at)

	layout, err := b.LayoutFor(domain.Savings)
	require.NoError(t, err)
	assert.Equal(t, "description", layout.Columns[4])
}

func TestLoadBanks_MissingDir(t *testing.T) {
	banks, err := LoadBanks(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	assert.Empty(t, banks)
}

func TestBank_Merge(t *testing.T) {
	base := Bank{
		InstitutionID: "chase",
		LoginURL:      "https://old",
		Selectors:     map[string]string{"a": "1", "b": "2"},
		Layouts:       map[string]Layout{"default": {Columns: []string{"x"}, DateFormat: "2006"}},
	}
	merged := base.Merge(Bank{
		LoginURL:  "https://new",
		Selectors: map[string]string{"b": "3"},
	})

	assert.Equal(t, "https://new", merged.LoginURL)
	assert.Equal(t, map[string]string{"a": "1", "b": "3"}, merged.Selectors)
	assert.Equal(t, base.Layouts, merged.Layouts)
	assert.Equal(t, "2", base.Selectors["b"], "merge must not mutate the receiver")
}

func TestBank_ValidateSignRule(t *testing.T) {
	b := Bank{
		InstitutionID: "x",
		Layouts: map[string]Layout{
			"default": {Columns: []string{"date"}, DateFormat: "2006-01-02", Sign: SignByType},
		},
	}
	assert.Error(t, b.Validate())
}

func TestLoadRules(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "rules.yaml", `
rules:
  - match: grocery
    category: Food
    subcategory: Grocery
  - match: store
    category: Shopping
    subcategory: General
  - match: "online transfer"
    category: Transfer
    transfer: true
`)
	rules, err := LoadRules(p)
	require.NoError(t, err)
	require.Len(t, rules, 3)
	assert.Equal(t, "Food", rules[0].Category)
	assert.True(t, rules[2].Transfer)

	bad := writeFile(t, dir, "bad.yaml", "rules:\n  - category: Food\n")
	_, err = LoadRules(bad)
	assert.Error(t, err)
}

func TestCredentialsFor(t *testing.T) {
	t.Setenv("WELLS_FARGO_USERNAME", "alice")
	t.Setenv("WELLS_FARGO_PASSWORD", "s3cret")

	c, err := CredentialsFor("wells_fargo")
	require.NoError(t, err)
	assert.Equal(t, "alice", c.Username)

	_, err = CredentialsFor("chase_missing")
	assert.Error(t, err)
}

func TestLoadEnv(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, ".env", "BANKSYNC_TEST_VAR=from-file\n")
	t.Setenv("BANKSYNC_TEST_VAR", "")
	os.Unsetenv("BANKSYNC_TEST_VAR")

	require.NoError(t, LoadEnv(p, filepath.Join(dir, "missing.env")))
	assert.Equal(t, "from-file", os.Getenv("BANKSYNC_TEST_VAR"))
}
