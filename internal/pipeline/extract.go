package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/dvloznov/bank-sync/internal/domain"
	"github.com/dvloznov/bank-sync/internal/extractor"
	"github.com/dvloznov/bank-sync/internal/jobs"
	"github.com/dvloznov/bank-sync/internal/jobs/inmemory"
	"github.com/dvloznov/bank-sync/internal/logger"
)

// stopTimeout bounds how long the pool gets to wind down after the run
// context is cancelled.
const stopTimeout = 30 * time.Second

// ExtractStep runs one extraction job per institution on a bounded worker
// pool and returns once every job has completed or definitively failed.
type ExtractStep struct {
	Source   ExtractorSource
	Deps     extractor.Deps
	PoolSize int
	Store    jobs.JobStore // optional, shared with the HTTP API

	// DownloadDir, when set, receives each export under ExportDir.
	DownloadDir string
}

func (s *ExtractStep) Execute(ctx context.Context, state *PipelineState) error {
	log := logger.FromContext(ctx)
	if len(state.Institutions) == 0 {
		return nil
	}

	queue := inmemory.NewQueue(len(state.Institutions), s.PoolSize, s.Store)
	if err := queue.Start(ctx, s.handler(state)); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
		defer cancel()
		if err := queue.Stop(stopCtx); err != nil {
			log.Warn().Err(err).Msg("Worker pool did not stop cleanly")
		}
	}()

	for _, id := range state.Institutions {
		job := &jobs.ExtractionJob{
			RunID:         state.RunID,
			InstitutionID: id,
			AccountTypes:  accountKeys(state.AccountTypes),
			StartDate:     state.Range.Start.String(),
			EndDate:       state.Range.End.String(),
		}
		if err := queue.PublishExtraction(ctx, job); err != nil {
			return fmt.Errorf("publishing %s: %w", id, err)
		}
	}
	log.Info().
		Int("institutions", len(state.Institutions)).
		Int("pool_size", s.PoolSize).
		Msg("Extraction jobs published")

	return queue.Wait(ctx)
}

func (s *ExtractStep) handler(state *PipelineState) jobs.JobHandler {
	return func(ctx context.Context, job jobs.Job) (jobs.JobStatus, error) {
		ej, ok := job.(*jobs.ExtractionJob)
		if !ok {
			return jobs.JobStatusFailed, fmt.Errorf("unexpected job type %s", job.GetType())
		}
		run, ok := state.Runs[ej.InstitutionID]
		if !ok {
			return jobs.JobStatusFailed, fmt.Errorf("%w: %q", domain.ErrUnknownInstitution, ej.InstitutionID)
		}
		ctx = logger.ForInstitution(ctx, run.InstitutionID)
		log := logger.FromContext(ctx)

		run.StartedAt = time.Now()
		res, err := s.extract(ctx, state, run)
		run.setResult(res, err)
		run.FinishedAt = time.Now()
		ej.Records = run.Records

		switch run.Outcome {
		case extractor.OutcomeSuccess:
			log.Info().Int("records", run.Records).Msg("Extraction succeeded")
			return jobs.JobStatusCompleted, nil
		case extractor.OutcomePartial:
			log.Warn().Err(err).Int("records", run.Records).Msg("Extraction partially failed")
			return jobs.JobStatusPartial, err
		default:
			log.Error().Err(err).Msg("Extraction failed")
			return jobs.JobStatusFailed, err
		}
	}
}

func (s *ExtractStep) extract(ctx context.Context, state *PipelineState, run *InstitutionRun) (extractor.Result, error) {
	id := run.InstitutionID
	empty := extractor.Result{InstitutionID: id}

	bank, err := s.Source.Bank(id)
	if err != nil {
		return empty, err
	}
	types, err := accountTypesFor(state, bank.AccountTypes)
	if err != nil {
		return empty, fmt.Errorf("%s: %w", id, err)
	}
	run.AccountTypes = types

	req, err := domain.NewExtractionRequest(id, types, state.Range)
	if err != nil {
		return empty, err
	}
	ex, err := s.Source.Resolve(id, s.Deps)
	if err != nil {
		return empty, err
	}

	res, extractErr := ex.Extract(ctx, req)
	if s.DownloadDir != "" {
		s.stage(ctx, state.RunID, id, &res)
	}
	return res, extractErr
}

// stage files each artifact under ExportDir so later runs can reuse it.
func (s *ExtractStep) stage(ctx context.Context, runID, institutionID string, res *extractor.Result) {
	log := logger.FromContext(ctx)
	for i, b := range res.Batches {
		if b.ArtifactPath == "" {
			continue
		}
		dst, err := StageExport(s.DownloadDir, institutionID, b.AccountType, runID, b.ArtifactPath)
		if err != nil {
			log.Warn().
				Err(err).
				Str("account_type", string(b.AccountType)).
				Msg("Could not stage export")
			continue
		}
		res.Batches[i].ArtifactPath = dst
	}
}

func accountKeys(types []domain.AccountType) []string {
	out := make([]string, 0, len(types))
	for _, at := range types {
		out = append(out, string(at))
	}
	return out
}
