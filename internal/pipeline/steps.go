package pipeline

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"

	bq "github.com/dvloznov/bank-sync/internal/bigquery"
	"github.com/dvloznov/bank-sync/internal/domain"
	"github.com/dvloznov/bank-sync/internal/extractor"
	"github.com/dvloznov/bank-sync/internal/logger"
	"github.com/dvloznov/bank-sync/internal/normalize"
	"github.com/dvloznov/bank-sync/internal/reconcile"
	"github.com/dvloznov/bank-sync/internal/suggest"
)

// PipelineStep represents a single step of a run.
type PipelineStep interface {
	Execute(ctx context.Context, state *PipelineState) error
}

// DefaultLookbackDays is how far back a run reaches when nothing has been
// loaded yet and no start date was given.
const DefaultLookbackDays = 30

// ResolveRangeStep fills in the extraction window. The start defaults to the
// day after the newest loaded transaction, the end to tomorrow so today is
// inside the half-open range.
type ResolveRangeStep struct {
	Start, End   *civil.Date
	Latest       bq.TransactionRepository // optional
	Now          func() time.Time
	Location     *time.Location
	LookbackDays int
}

func (s *ResolveRangeStep) Execute(ctx context.Context, state *PipelineState) error {
	log := logger.FromContext(ctx)
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	loc := s.Location
	if loc == nil {
		loc = time.Local
	}
	today := civil.DateOf(now().In(loc))

	end := today.AddDays(1)
	if s.End != nil {
		end = *s.End
	}

	var start civil.Date
	switch {
	case s.Start != nil:
		start = *s.Start
	default:
		lookback := s.LookbackDays
		if lookback <= 0 {
			lookback = DefaultLookbackDays
		}
		start = today.AddDays(-lookback)
		if s.Latest != nil {
			latest, ok, err := s.Latest.LatestTransactionDate(ctx, "")
			switch {
			case err != nil:
				log.Warn().Err(err).Msg("Could not read latest loaded date, using lookback")
			case ok:
				start = latest.AddDays(1)
			}
		}
		if end.Before(start) {
			start = end
		}
	}

	r, err := domain.NewDateRange(start, end)
	if err != nil {
		return err
	}
	state.Range = r
	log.Info().Str("range", r.String()).Msg("Resolved extraction window")
	return nil
}

// StartRunStep assigns the run id and writes the RUNNING run record.
type StartRunStep struct {
	Runs bq.RunRepository // optional
}

func (s *StartRunStep) Execute(ctx context.Context, state *PipelineState) error {
	if state.RunID == "" {
		state.RunID = uuid.NewString()
	}
	if s.Runs == nil {
		return nil
	}
	if err := s.Runs.StartRun(ctx, state.RunID, state.Range); err != nil {
		return fmt.Errorf("starting run: %w", err)
	}
	return nil
}

// LocalExportsStep stands in for extraction: it reads the newest export
// already on disk for each institution and account type.
type LocalExportsStep struct {
	Source      ExtractorSource
	DownloadDir string
}

func (s *LocalExportsStep) Execute(ctx context.Context, state *PipelineState) error {
	log := logger.FromContext(ctx)
	for _, id := range state.Institutions {
		run := state.Runs[id]
		run.StartedAt = time.Now()
		res, err := s.read(state, run)
		run.setResult(res, err)
		run.FinishedAt = time.Now()

		log.Info().
			Str("institution_id", id).
			Str("outcome", string(run.Outcome)).
			Int("records", run.Records).
			Msg("Loaded exports from disk")
	}
	return nil
}

func (s *LocalExportsStep) read(state *PipelineState, run *InstitutionRun) (extractor.Result, error) {
	res := extractor.Result{InstitutionID: run.InstitutionID}
	bank, err := s.Source.Bank(run.InstitutionID)
	if err != nil {
		return res, err
	}
	types, err := accountTypesFor(state, bank.AccountTypes)
	if err != nil {
		return res, fmt.Errorf("%s: %w", run.InstitutionID, err)
	}
	run.AccountTypes = types

	var (
		succeeded []domain.AccountType
		failed    = make(map[domain.AccountType]error)
	)
	for _, at := range types {
		path, ok, err := LatestExport(s.DownloadDir, run.InstitutionID, at)
		if err == nil && !ok {
			err = fmt.Errorf("%w: no export in %s", domain.ErrDownloadFailed, ExportDir(s.DownloadDir, run.InstitutionID, at))
		}
		if err != nil {
			failed[at] = err
			continue
		}
		layout, err := bank.LayoutFor(at)
		if err != nil {
			failed[at] = err
			continue
		}
		records, err := extractor.ReadExportFile(path, layout)
		if err != nil {
			failed[at] = fmt.Errorf("%w: %s: %w", domain.ErrDownloadFailed, path, err)
			continue
		}
		res.Batches = append(res.Batches, extractor.AccountBatch{AccountType: at, ArtifactPath: path, Records: records})
		succeeded = append(succeeded, at)
	}
	return res, extractor.AccountFailures(run.InstitutionID, succeeded, failed)
}

func accountTypesFor(state *PipelineState, configured func() ([]domain.AccountType, error)) ([]domain.AccountType, error) {
	if len(state.AccountTypes) > 0 {
		return state.AccountTypes, nil
	}
	return configured()
}

// ArchiveStep uploads every export of the run. Upload failures are logged
// and do not fail the run.
type ArchiveStep struct {
	Archiver Archiver // optional
}

func (s *ArchiveStep) Execute(ctx context.Context, state *PipelineState) error {
	if s.Archiver == nil {
		return nil
	}
	log := logger.FromContext(ctx)
	for _, run := range state.SortedRuns() {
		for _, b := range run.Batches {
			if b.ArtifactPath == "" {
				continue
			}
			uri, err := s.Archiver.ArchiveExport(ctx, run.InstitutionID, b.AccountType, state.RunID, b.ArtifactPath)
			if err != nil {
				log.Warn().
					Err(err).
					Str("institution_id", run.InstitutionID).
					Str("account_type", string(b.AccountType)).
					Msg("Failed to archive export")
				continue
			}
			run.Archived = append(run.Archived, uri)
		}
	}
	return nil
}

// NormalizeStep turns every downloaded batch into unified transactions.
// Malformed rows are kept as skipped errors on the institution.
type NormalizeStep struct {
	Source ExtractorSource
}

func (s *NormalizeStep) Execute(ctx context.Context, state *PipelineState) error {
	log := logger.FromContext(ctx)
	for _, run := range state.SortedRuns() {
		if len(run.Batches) == 0 {
			continue
		}
		bank, err := s.Source.Bank(run.InstitutionID)
		if err != nil {
			return err
		}
		n := normalize.New(bank)
		for _, b := range run.Batches {
			batch, err := n.NormalizeAll(b.AccountType, b.Records)
			if err != nil {
				for _, rec := range b.Records {
					run.Skipped = append(run.Skipped, fmt.Errorf("%s line %d: %w", b.AccountType, rec.Line, err))
				}
				log.Error().
					Err(err).
					Str("institution_id", run.InstitutionID).
					Str("account_type", string(b.AccountType)).
					Msg("Cannot normalize export")
				continue
			}
			for _, skipped := range batch.Skipped {
				log.Warn().
					Err(skipped).
					Str("institution_id", run.InstitutionID).
					Str("account_type", string(b.AccountType)).
					Msg("Skipping malformed record")
			}
			run.Skipped = append(run.Skipped, batch.Skipped...)
			run.Filtered += batch.Filtered
			run.Normalized += len(batch.Transactions)
			state.Transactions = append(state.Transactions, batch.Transactions...)
		}
	}
	log.Info().Int("transactions", len(state.Transactions)).Msg("Normalized exports")
	return nil
}

// ReconcileStep runs the reconciliation engine over everything normalized.
type ReconcileStep struct {
	Engine *reconcile.Engine
}

func (s *ReconcileStep) Execute(ctx context.Context, state *PipelineState) error {
	res := s.Engine.Reconcile(state.Transactions)
	state.Reconciled = res
	log := logger.FromContext(ctx)
	log.Info().
		Int("input", res.Input).
		Int("duplicates", res.Duplicates).
		Int("categorized", res.Categorized).
		Int("transfers", res.Transfers).
		Int("recurring", res.Recurring).
		Msg("Reconciled transactions")
	return nil
}

// SuggestStep asks the suggester to categorize what no rule matched. It
// never fails the run.
type SuggestStep struct {
	Suggester suggest.Suggester // optional
}

func (s *SuggestStep) Execute(ctx context.Context, state *PipelineState) error {
	if s.Suggester == nil {
		return nil
	}
	log := logger.FromContext(ctx)
	suggestions, err := s.Suggester.Suggest(ctx, state.Reconciled.Transactions)
	if err != nil {
		log.Warn().Err(err).Msg("Category suggestions failed, continuing without them")
		return nil
	}
	txs, applied := suggest.Apply(state.Reconciled.Transactions, suggestions)
	state.Reconciled.Transactions = txs
	state.Reconciled.Categorized += applied
	state.Suggested = applied
	log.Info().Int("suggested", applied).Msg("Applied category suggestions")
	return nil
}

// LoadStep upserts the reconciled batch.
type LoadStep struct {
	Transactions bq.TransactionRepository // nil skips loading
}

func (s *LoadStep) Execute(ctx context.Context, state *PipelineState) error {
	if s.Transactions == nil {
		state.LoadSkipped = true
		log := logger.FromContext(ctx)
		log.Info().Msg("Skipping load")
		return nil
	}
	n, err := s.Transactions.MergeTransactions(ctx, state.RunID, state.Reconciled.Transactions)
	if err != nil {
		return fmt.Errorf("loading transactions: %w", err)
	}
	state.Loaded = n

	perInstitution := make(map[string]int)
	for _, tx := range state.Reconciled.Transactions {
		perInstitution[tx.InstitutionID]++
	}
	for id, run := range state.Runs {
		run.Loaded = perInstitution[id]
	}
	return nil
}

// RecordOutcomesStep writes one extraction_runs row per institution.
type RecordOutcomesStep struct {
	Runs bq.RunRepository // optional
}

func (s *RecordOutcomesStep) Execute(ctx context.Context, state *PipelineState) error {
	if s.Runs == nil || state.outcomesRecorded {
		return nil
	}
	state.outcomesRecorded = true
	for _, run := range state.SortedRuns() {
		if err := s.Runs.RecordInstitutionOutcome(ctx, outcomeRow(state, run)); err != nil {
			return fmt.Errorf("recording outcome for %s: %w", run.InstitutionID, err)
		}
	}
	return nil
}

func outcomeRow(state *PipelineState, run *InstitutionRun) *bq.ExtractionRunRow {
	row := &bq.ExtractionRunRow{
		RunID:              state.RunID,
		InstitutionID:      nullString(run.InstitutionID),
		Status:             outcomeStatus(run.Outcome),
		RangeStart:         state.Range.Start,
		RangeEnd:           state.Range.End,
		StartedTS:          run.StartedAt,
		RecordsDownloaded:  int64(run.Records),
		TransactionsLoaded: int64(run.Loaded),
		Skipped:            int64(len(run.Skipped)),
		Filtered:           int64(run.Filtered),
	}
	if row.StartedTS.IsZero() {
		row.StartedTS = state.StartedAt
	}
	if !run.FinishedAt.IsZero() {
		row.FinishedTS.Timestamp, row.FinishedTS.Valid = run.FinishedAt, true
	}
	if run.Err != nil {
		row.ErrorMessage = nullString(run.Err.Error())
	}
	return row
}

// ExportStep writes the reconciled batch to a workbook when a path is set.
type ExportStep struct {
	Exporter Exporter
	Path     string
}

func (s *ExportStep) Execute(ctx context.Context, state *PipelineState) error {
	if s.Path == "" || s.Exporter == nil {
		return nil
	}
	if err := s.Exporter.SaveAs(s.Path, state.Reconciled.Transactions); err != nil {
		return fmt.Errorf("exporting workbook: %w", err)
	}
	state.ExportPath = s.Path
	log := logger.FromContext(ctx)
	log.Info().Str("path", s.Path).Msg("Exported workbook")
	return nil
}

// FinishRunStep sets the final run status from the institution outcomes.
type FinishRunStep struct {
	Runs bq.RunRepository // optional
}

func (s *FinishRunStep) Execute(ctx context.Context, state *PipelineState) error {
	if s.Runs == nil {
		return nil
	}
	status := RunStatus(state, nil)
	if err := s.Runs.FinishRun(ctx, state.RunID, status, nil); err != nil {
		return fmt.Errorf("finishing run: %w", err)
	}
	return nil
}

// Pipeline executes a sequence of steps in order.
type Pipeline struct {
	steps []PipelineStep
}

// NewPipeline creates a new pipeline with the given steps.
func NewPipeline(steps ...PipelineStep) *Pipeline {
	return &Pipeline{steps: steps}
}

// Execute runs all steps in the pipeline sequentially.
func (p *Pipeline) Execute(ctx context.Context, state *PipelineState) error {
	for i, step := range p.steps {
		if err := step.Execute(ctx, state); err != nil {
			return fmt.Errorf("pipeline step %d failed: %w", i+1, err)
		}
	}
	return nil
}
