package pipeline_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bq "github.com/dvloznov/bank-sync/internal/bigquery"
	"github.com/dvloznov/bank-sync/internal/config"
	"github.com/dvloznov/bank-sync/internal/domain"
	"github.com/dvloznov/bank-sync/internal/extractor"
	"github.com/dvloznov/bank-sync/internal/jobs"
	"github.com/dvloznov/bank-sync/internal/jobs/inmemory"
	"github.com/dvloznov/bank-sync/internal/pipeline"
	"github.com/dvloznov/bank-sync/internal/reconcile"
	"github.com/dvloznov/bank-sync/internal/suggest"
)

// MockExtractor serves canned results.
type MockExtractor struct {
	ID          string
	ExtractFunc func(ctx context.Context, req domain.ExtractionRequest) (extractor.Result, error)
}

func (m *MockExtractor) InstitutionID() string { return m.ID }

func (m *MockExtractor) Extract(ctx context.Context, req domain.ExtractionRequest) (extractor.Result, error) {
	return m.ExtractFunc(ctx, req)
}

// MockRepository implements both warehouse repositories in memory.
type MockRepository struct {
	mu sync.Mutex

	Latest    civil.Date
	HasLatest bool
	MergeErr  error

	Merged   []domain.Transaction
	Started  []string
	Outcomes []*bq.ExtractionRunRow
	Finished map[string]string
	FinalErr map[string]error
}

func (m *MockRepository) MergeTransactions(ctx context.Context, runID string, txs []domain.Transaction) (int, error) {
	if m.MergeErr != nil {
		return 0, m.MergeErr
	}
	m.Merged = append(m.Merged, txs...)
	return len(txs), nil
}

func (m *MockRepository) LatestTransactionDate(ctx context.Context, institutionID string) (civil.Date, bool, error) {
	return m.Latest, m.HasLatest, nil
}

func (m *MockRepository) QueryTransactionsByDateRange(ctx context.Context, r domain.DateRange) ([]*bq.TransactionRow, error) {
	return nil, nil
}

func (m *MockRepository) StartRun(ctx context.Context, runID string, r domain.DateRange) error {
	m.Started = append(m.Started, runID)
	return nil
}

func (m *MockRepository) RecordInstitutionOutcome(ctx context.Context, row *bq.ExtractionRunRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Outcomes = append(m.Outcomes, row)
	return nil
}

func (m *MockRepository) FinishRun(ctx context.Context, runID, status string, runErr error) error {
	if m.Finished == nil {
		m.Finished = make(map[string]string)
		m.FinalErr = make(map[string]error)
	}
	m.Finished[runID] = status
	m.FinalErr[runID] = runErr
	return nil
}

var (
	_ bq.TransactionRepository = (*MockRepository)(nil)
	_ bq.RunRepository         = (*MockRepository)(nil)
)

func testBank(id string) config.Bank {
	return config.Bank{
		InstitutionID: id,
		Accounts:      []string{"checking", "credit"},
		Layouts: map[string]config.Layout{
			"default": {
				Columns:    []string{"transaction_date", "description", "amount"},
				DateFormat: "01/02/2006",
				Sign:       config.SignAsIs,
			},
		},
	}
}

func rec(line int, values ...string) domain.RawRecord {
	return domain.RawRecord{Values: values, Line: line}
}

func registry(t *testing.T, extractors map[string]*MockExtractor) *extractor.Registry {
	t.Helper()
	reg := extractor.NewRegistry()
	for id, ex := range extractors {
		ex := ex
		reg.Register(id, func(bank config.Bank, deps extractor.Deps) (extractor.Extractor, error) {
			return ex, nil
		}, testBank(id))
	}
	return reg
}

func engine() *reconcile.Engine {
	return reconcile.NewEngine(reconcile.MustCompileRules(
		config.RuleSpec{Match: "COFFEE", Category: "Food", Subcategory: "Coffee"},
	), reconcile.DefaultOptions())
}

func date(y int, m time.Month, d int) *civil.Date {
	c := civil.Date{Year: y, Month: m, Day: d}
	return &c
}

func fixedNow() time.Time { return time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC) }

func TestRun_OverlappingRecordsReconcileToOne(t *testing.T) {
	wf := &MockExtractor{ID: "wells_fargo", ExtractFunc: func(ctx context.Context, req domain.ExtractionRequest) (extractor.Result, error) {
		return extractor.Result{InstitutionID: "wells_fargo", Batches: []extractor.AccountBatch{{
			AccountType: domain.Checking,
			Records: []domain.RawRecord{
				rec(1, "01/20/2025", "COFFEE SHOP", "-42.50"),
				rec(2, "01/21/2025", "PAYROLL", "1500.00"),
				// second window overlapping the first
				rec(3, "01/20/2025", "COFFEE  SHOP", "-42.5"),
			},
		}}}, nil
	}}
	repo := &MockRepository{}

	runner, err := pipeline.NewRunner(pipeline.Deps{
		Extractors:   registry(t, map[string]*MockExtractor{"wells_fargo": wf}),
		Engine:       engine(),
		Transactions: repo,
		Runs:         repo,
		Now:          fixedNow,
	}, pipeline.Options{
		Institutions: []string{"Wells_Fargo"},
		AccountTypes: []domain.AccountType{domain.Checking},
		Start:        date(2025, 1, 1),
		End:          date(2025, 2, 16),
		Location:     time.UTC,
		PoolSize:     2,
	})
	require.NoError(t, err)

	summary, err := runner.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, pipeline.ExitOK, summary.ExitCode())
	assert.Equal(t, 3, summary.Input)
	assert.Equal(t, 1, summary.Duplicates)
	assert.Equal(t, 2, summary.Loaded)
	require.Len(t, repo.Merged, 2)
	assert.Equal(t, "Food", repo.Merged[0].Category)

	require.Len(t, repo.Started, 1)
	assert.Equal(t, bq.RunStatusSuccess, repo.Finished[summary.RunID])
	require.Len(t, repo.Outcomes, 1)
	assert.Equal(t, "wells_fargo", repo.Outcomes[0].InstitutionID.StringVal)
	assert.Equal(t, int64(3), repo.Outcomes[0].RecordsDownloaded)
	assert.Equal(t, int64(2), repo.Outcomes[0].TransactionsLoaded)
}

func TestRun_PartialFailureKeepsSucceededAccounts(t *testing.T) {
	chase := &MockExtractor{ID: "chase", ExtractFunc: func(ctx context.Context, req domain.ExtractionRequest) (extractor.Result, error) {
		assert.Equal(t, []domain.AccountType{domain.Checking, domain.Credit}, req.AccountTypes())
		res := extractor.Result{InstitutionID: "chase", Batches: []extractor.AccountBatch{{
			AccountType: domain.Checking,
			Records:     []domain.RawRecord{rec(1, "01/05/2025", "GROCERY", "-10.00")},
		}}}
		return res, extractor.AccountFailures("chase", []domain.AccountType{domain.Checking},
			map[domain.AccountType]error{domain.Credit: domain.ErrDownloadFailed})
	}}
	repo := &MockRepository{}

	runner, err := pipeline.NewRunner(pipeline.Deps{
		Extractors:   registry(t, map[string]*MockExtractor{"chase": chase}),
		Engine:       engine(),
		Transactions: repo,
		Runs:         repo,
		Now:          fixedNow,
	}, pipeline.Options{
		Institutions: []string{"chase"},
		Start:        date(2025, 1, 1),
		End:          date(2025, 2, 1),
	})
	require.NoError(t, err)

	summary, err := runner.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, pipeline.ExitPartial, summary.ExitCode())
	require.Len(t, summary.Institutions, 1)
	inst := summary.Institutions[0]
	assert.Equal(t, extractor.OutcomePartial, inst.Outcome)
	require.Len(t, inst.Accounts, 2)
	assert.Equal(t, domain.Checking, inst.Accounts[0].AccountType)
	assert.Equal(t, extractor.OutcomeSuccess, inst.Accounts[0].Outcome)
	assert.Equal(t, domain.Credit, inst.Accounts[1].AccountType)
	assert.Equal(t, extractor.OutcomeFailed, inst.Accounts[1].Outcome)

	require.Len(t, repo.Merged, 1)
	assert.Equal(t, bq.RunStatusPartial, repo.Finished[summary.RunID])
	assert.Equal(t, bq.RunStatusPartial, repo.Outcomes[0].Status)
}

func TestRun_UnknownInstitutionFailsOnlyItself(t *testing.T) {
	wf := &MockExtractor{ID: "wells_fargo", ExtractFunc: func(ctx context.Context, req domain.ExtractionRequest) (extractor.Result, error) {
		return extractor.Result{InstitutionID: "wells_fargo", Batches: []extractor.AccountBatch{{
			AccountType: domain.Checking,
			Records:     []domain.RawRecord{rec(1, "01/05/2025", "RENT", "-900.00")},
		}}}, nil
	}}
	repo := &MockRepository{}
	store := inmemory.NewStore()

	runner, err := pipeline.NewRunner(pipeline.Deps{
		Extractors:   registry(t, map[string]*MockExtractor{"wells_fargo": wf}),
		Engine:       engine(),
		Transactions: repo,
		Runs:         repo,
		Jobs:         store,
		Now:          fixedNow,
	}, pipeline.Options{
		Institutions: []string{"wells_fargo", "acme"},
		AccountTypes: []domain.AccountType{domain.Checking},
		Start:        date(2025, 1, 1),
		End:          date(2025, 2, 1),
	})
	require.NoError(t, err)

	summary, err := runner.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, pipeline.ExitFailed, summary.ExitCode())
	require.Len(t, summary.Institutions, 2)
	assert.Equal(t, "acme", summary.Institutions[0].InstitutionID)
	assert.Equal(t, extractor.OutcomeFailed, summary.Institutions[0].Outcome)
	assert.Contains(t, summary.Institutions[0].Error, domain.ErrUnknownInstitution.Error())
	assert.Equal(t, extractor.OutcomeSuccess, summary.Institutions[1].Outcome)
	assert.Len(t, repo.Merged, 1)
	assert.Equal(t, bq.RunStatusFailed, repo.Finished[summary.RunID])

	listed, err := store.ListJobs(context.Background(), jobs.JobFilter{RunID: summary.RunID})
	require.NoError(t, err)
	require.Len(t, listed, 2)
	statuses := map[string]jobs.JobStatus{}
	for _, j := range listed {
		statuses[j.InstitutionID] = j.Status
	}
	assert.Equal(t, jobs.JobStatusFailed, statuses["acme"])
	assert.Equal(t, jobs.JobStatusCompleted, statuses["wells_fargo"])
}

func TestRun_LoadFailureMarksRunFailed(t *testing.T) {
	wf := &MockExtractor{ID: "wells_fargo", ExtractFunc: func(ctx context.Context, req domain.ExtractionRequest) (extractor.Result, error) {
		return extractor.Result{InstitutionID: "wells_fargo", Batches: []extractor.AccountBatch{{
			AccountType: domain.Checking,
			Records:     []domain.RawRecord{rec(1, "01/05/2025", "RENT", "-900.00")},
		}}}, nil
	}}
	repo := &MockRepository{MergeErr: errors.New("quota exceeded")}

	runner, err := pipeline.NewRunner(pipeline.Deps{
		Extractors:   registry(t, map[string]*MockExtractor{"wells_fargo": wf}),
		Engine:       engine(),
		Transactions: repo,
		Runs:         repo,
		Now:          fixedNow,
	}, pipeline.Options{
		Institutions: []string{"wells_fargo"},
		AccountTypes: []domain.AccountType{domain.Checking},
		Start:        date(2025, 1, 1),
		End:          date(2025, 2, 1),
	})
	require.NoError(t, err)

	summary, err := runner.Run(context.Background())
	require.Error(t, err)
	assert.ErrorContains(t, err, "quota exceeded")

	assert.Equal(t, pipeline.ExitFailed, summary.ExitCode())
	assert.Equal(t, bq.RunStatusFailed, repo.Finished[summary.RunID])
	assert.ErrorContains(t, repo.FinalErr[summary.RunID], "quota exceeded")
	assert.Len(t, repo.Outcomes, 1, "institution outcomes are still recorded")
}

func TestRun_SkipLoadingWritesNothing(t *testing.T) {
	wf := &MockExtractor{ID: "wells_fargo", ExtractFunc: func(ctx context.Context, req domain.ExtractionRequest) (extractor.Result, error) {
		return extractor.Result{InstitutionID: "wells_fargo", Batches: []extractor.AccountBatch{{
			AccountType: domain.Checking,
			Records: []domain.RawRecord{
				rec(1, "01/05/2025", "RENT", "-900.00"),
				rec(2, "not a date", "BROKEN", "-1.00"),
			},
		}}}, nil
	}}

	runner, err := pipeline.NewRunner(pipeline.Deps{
		Extractors: registry(t, map[string]*MockExtractor{"wells_fargo": wf}),
		Engine:     engine(),
		Now:        fixedNow,
	}, pipeline.Options{
		Institutions: []string{"wells_fargo"},
		AccountTypes: []domain.AccountType{domain.Checking},
	})
	require.NoError(t, err)

	summary, err := runner.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, summary.LoadSkipped)
	assert.Equal(t, 1, summary.Reconciled)
	assert.Equal(t, 1, summary.Institutions[0].Skipped, "malformed rows are counted")
	assert.Equal(t, pipeline.ExitOK, summary.ExitCode())

	var buf bytes.Buffer
	require.NoError(t, summary.Write(&buf))
	assert.Contains(t, buf.String(), "Load skipped")
	assert.Contains(t, buf.String(), "wells_fargo")
	assert.Contains(t, buf.String(), "Status: SUCCESS")
}

func TestRun_PoolSizeBoundsConcurrentExtractions(t *testing.T) {
	var running, peak int32
	extractors := map[string]*MockExtractor{}
	for i := 0; i < 4; i++ {
		id := fmt.Sprintf("bank_%d", i)
		extractors[id] = &MockExtractor{ID: id, ExtractFunc: func(ctx context.Context, req domain.ExtractionRequest) (extractor.Result, error) {
			n := atomic.AddInt32(&running, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			return extractor.Result{InstitutionID: req.InstitutionID()}, nil
		}}
	}

	runner, err := pipeline.NewRunner(pipeline.Deps{
		Extractors: registry(t, extractors),
		Engine:     engine(),
		Now:        fixedNow,
	}, pipeline.Options{
		Institutions: []string{"bank_0", "bank_1", "bank_2", "bank_3"},
		AccountTypes: []domain.AccountType{domain.Checking},
		PoolSize:     2,
	})
	require.NoError(t, err)

	summary, err := runner.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, summary.Institutions, 4)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestRun_CancelledContext(t *testing.T) {
	wf := &MockExtractor{ID: "wells_fargo", ExtractFunc: func(ctx context.Context, req domain.ExtractionRequest) (extractor.Result, error) {
		<-ctx.Done()
		return extractor.Result{InstitutionID: "wells_fargo"}, fmt.Errorf("%w: %w", domain.ErrAuthenticationFailed, ctx.Err())
	}}
	repo := &MockRepository{}

	runner, err := pipeline.NewRunner(pipeline.Deps{
		Extractors:   registry(t, map[string]*MockExtractor{"wells_fargo": wf}),
		Engine:       engine(),
		Transactions: repo,
		Runs:         repo,
		Now:          fixedNow,
	}, pipeline.Options{
		Institutions: []string{"wells_fargo"},
		AccountTypes: []domain.AccountType{domain.Checking},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	summary, err := runner.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, pipeline.ExitFailed, summary.ExitCode())
	assert.Equal(t, bq.RunStatusFailed, repo.Finished[summary.RunID])
	assert.Empty(t, repo.Merged)
}

type stubSuggester struct {
	suggestions []suggest.Suggestion
	err         error
}

func (s *stubSuggester) Suggest(ctx context.Context, txs []domain.Transaction) ([]suggest.Suggestion, error) {
	return s.suggestions, s.err
}

func TestRun_SuggestionsFillUncategorized(t *testing.T) {
	wf := &MockExtractor{ID: "wells_fargo", ExtractFunc: func(ctx context.Context, req domain.ExtractionRequest) (extractor.Result, error) {
		return extractor.Result{InstitutionID: "wells_fargo", Batches: []extractor.AccountBatch{{
			AccountType: domain.Checking,
			Records: []domain.RawRecord{
				rec(1, "01/05/2025", "COFFEE SHOP", "-4.00"),
				rec(2, "01/06/2025", "CITY PARKING", "-12.00"),
			},
		}}}, nil
	}}

	repo := &MockRepository{}

	sg := &stubSuggester{}
	runner, err := pipeline.NewRunner(pipeline.Deps{
		Extractors:   registry(t, map[string]*MockExtractor{"wells_fargo": wf}),
		Engine:       engine(),
		Transactions: repo,
		Suggester:    sg,
		Now:          fixedNow,
	}, pipeline.Options{
		Institutions: []string{"wells_fargo"},
		AccountTypes: []domain.AccountType{domain.Checking},
		Start:        date(2025, 1, 1),
		End:          date(2025, 2, 1),
	})
	require.NoError(t, err)

	// The suggester answers by fingerprint, so compute it from a first pass.
	first, err := runner.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, first.Categorized)
	var fp string
	for _, tx := range repo.Merged {
		if tx.Description == "CITY PARKING" {
			fp = tx.Fingerprint
		}
	}
	require.NotEmpty(t, fp)

	repo.Merged = nil
	sg.suggestions = []suggest.Suggestion{{Fingerprint: fp, Category: "Transport", Subcategory: "Parking"}}
	second, err := runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, second.Suggested)
	assert.Equal(t, 2, second.Categorized)

	sg.suggestions, sg.err = nil, errors.New("model unavailable")
	third, err := runner.Run(context.Background())
	require.NoError(t, err, "suggestion failures never fail the run")
	assert.Zero(t, third.Suggested)
}

func TestRun_SkipExtractionReadsNewestExport(t *testing.T) {
	dir := t.TempDir()
	exportDir := pipeline.ExportDir(dir, "wells_fargo", domain.Checking)
	require.NoError(t, os.MkdirAll(exportDir, 0o755))

	old := filepath.Join(exportDir, "old.csv")
	require.NoError(t, os.WriteFile(old, []byte("01/02/2025,OLD,-1.00\n"), 0o644))
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))
	require.NoError(t, os.WriteFile(filepath.Join(exportDir, "new.csv"), []byte("01/03/2025,NEW,-2.00\n01/04/2025,NEWER,-3.00\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(exportDir, "partial.csv.crdownload"), []byte("x"), 0o644))

	called := false
	wf := &MockExtractor{ID: "wells_fargo", ExtractFunc: func(ctx context.Context, req domain.ExtractionRequest) (extractor.Result, error) {
		called = true
		return extractor.Result{}, nil
	}}

	runner, err := pipeline.NewRunner(pipeline.Deps{
		Extractors: registry(t, map[string]*MockExtractor{"wells_fargo": wf}),
		Engine:     engine(),
		Now:        fixedNow,
	}, pipeline.Options{
		Institutions:   []string{"wells_fargo"},
		SkipExtraction: true,
		DownloadDir:    dir,
	})
	require.NoError(t, err)

	summary, err := runner.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, called)

	inst := summary.Institutions[0]
	assert.Equal(t, extractor.OutcomePartial, inst.Outcome, "no credit export on disk")
	assert.Equal(t, 2, inst.Records)
	assert.Equal(t, 2, summary.Reconciled)
	assert.Equal(t, pipeline.ExitPartial, summary.ExitCode())
}

func TestNewRunner_Validation(t *testing.T) {
	reg := extractor.NewRegistry()
	_, err := pipeline.NewRunner(pipeline.Deps{Engine: engine()}, pipeline.Options{Institutions: []string{"chase"}})
	assert.Error(t, err)
	_, err = pipeline.NewRunner(pipeline.Deps{Extractors: reg}, pipeline.Options{Institutions: []string{"chase"}})
	assert.Error(t, err)
	_, err = pipeline.NewRunner(pipeline.Deps{Extractors: reg, Engine: engine()}, pipeline.Options{})
	assert.Error(t, err)
	_, err = pipeline.NewRunner(pipeline.Deps{Extractors: reg, Engine: engine()}, pipeline.Options{
		Institutions:   []string{"chase"},
		SkipExtraction: true,
	})
	assert.Error(t, err)
}
