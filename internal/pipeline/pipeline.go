// Package pipeline orchestrates a bank sync run: resolve the window, extract
// every institution on a bounded worker pool, normalize, reconcile, load and
// report.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/civil"

	bq "github.com/dvloznov/bank-sync/internal/bigquery"
	"github.com/dvloznov/bank-sync/internal/domain"
	"github.com/dvloznov/bank-sync/internal/extractor"
	"github.com/dvloznov/bank-sync/internal/jobs"
	"github.com/dvloznov/bank-sync/internal/logger"
	"github.com/dvloznov/bank-sync/internal/reconcile"
	"github.com/dvloznov/bank-sync/internal/suggest"
)

// Deps are the collaborators of a run. Optional ones may be nil.
type Deps struct {
	Extractors    ExtractorSource
	ExtractorDeps extractor.Deps
	Engine        *reconcile.Engine

	Transactions bq.TransactionRepository // nil skips loading
	Runs         bq.RunRepository         // nil skips run records
	Suggester    suggest.Suggester
	Archiver     Archiver
	Exporter     Exporter
	Jobs         jobs.JobStore

	Now func() time.Time
}

// Options select what a run does.
type Options struct {
	Institutions []string
	// AccountTypes overrides every bank's configured account types.
	AccountTypes []domain.AccountType

	Start, End *civil.Date
	Location   *time.Location

	PoolSize       int
	DownloadDir    string
	SkipExtraction bool
	ExportPath     string
}

// Runner executes runs with fixed deps and options.
type Runner struct {
	deps Deps
	opts Options
}

// NewRunner validates deps and options.
func NewRunner(deps Deps, opts Options) (*Runner, error) {
	if deps.Extractors == nil {
		return nil, fmt.Errorf("extractor source is required")
	}
	if deps.Engine == nil {
		return nil, fmt.Errorf("reconcile engine is required")
	}
	if len(opts.Institutions) == 0 {
		return nil, fmt.Errorf("at least one institution is required")
	}
	if opts.SkipExtraction && opts.DownloadDir == "" {
		return nil, fmt.Errorf("download dir is required to reuse local exports")
	}
	if opts.PoolSize < 1 {
		opts.PoolSize = 1
	}

	seen := make(map[string]bool, len(opts.Institutions))
	ids := make([]string, 0, len(opts.Institutions))
	for _, id := range opts.Institutions {
		id = strings.ToLower(strings.TrimSpace(id))
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	opts.Institutions = ids
	return &Runner{deps: deps, opts: opts}, nil
}

// Steps returns the ordered steps of one run.
func (r *Runner) Steps() []PipelineStep {
	var extract PipelineStep = &ExtractStep{
		Source:      r.deps.Extractors,
		Deps:        r.deps.ExtractorDeps,
		PoolSize:    r.opts.PoolSize,
		Store:       r.deps.Jobs,
		DownloadDir: r.opts.DownloadDir,
	}
	if r.opts.SkipExtraction {
		extract = &LocalExportsStep{Source: r.deps.Extractors, DownloadDir: r.opts.DownloadDir}
	}

	return []PipelineStep{
		&ResolveRangeStep{
			Start:    r.opts.Start,
			End:      r.opts.End,
			Latest:   r.deps.Transactions,
			Now:      r.deps.Now,
			Location: r.opts.Location,
		},
		&StartRunStep{Runs: r.deps.Runs},
		extract,
		&ArchiveStep{Archiver: r.deps.Archiver},
		&NormalizeStep{Source: r.deps.Extractors},
		&ReconcileStep{Engine: r.deps.Engine},
		&SuggestStep{Suggester: r.deps.Suggester},
		&LoadStep{Transactions: r.deps.Transactions},
		&RecordOutcomesStep{Runs: r.deps.Runs},
		&ExportStep{Exporter: r.deps.Exporter, Path: r.opts.ExportPath},
		&FinishRunStep{Runs: r.deps.Runs},
	}
}

// Run executes one run. The summary is always returned; the error is set
// when the run stopped early (cancellation, load failure, run records).
// Institution failures are reported in the summary, not as an error.
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	log := logger.FromContext(ctx)
	state := NewPipelineState(r.opts.Institutions, r.opts.AccountTypes)

	err := NewPipeline(r.Steps()...).Execute(ctx, state)
	if err != nil {
		r.markFailed(ctx, state, err)
	}

	summary := BuildSummary(state, err)
	log.Info().
		Str("run_id", summary.RunID).
		Str("status", summary.Status()).
		Int("loaded", summary.Loaded).
		Int("reconciled", summary.Reconciled).
		Msg("Run finished")
	return summary, err
}

// markFailed records outcomes that were not written yet and marks the run
// FAILED. It runs even when ctx is already cancelled.
func (r *Runner) markFailed(ctx context.Context, state *PipelineState, runErr error) {
	if r.deps.Runs == nil || state.RunID == "" {
		return
	}
	log := logger.FromContext(ctx)
	ctx = context.WithoutCancel(ctx)

	if err := (&RecordOutcomesStep{Runs: r.deps.Runs}).Execute(ctx, state); err != nil {
		log.Error().Err(err).Str("run_id", state.RunID).Msg("Failed to record institution outcomes")
	}
	if err := r.deps.Runs.FinishRun(ctx, state.RunID, bq.RunStatusFailed, runErr); err != nil {
		log.Error().Err(err).Str("run_id", state.RunID).Msg("Failed to mark run failed")
	}
}
