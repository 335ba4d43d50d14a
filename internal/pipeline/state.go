package pipeline

import (
	"errors"
	"sort"
	"time"

	"github.com/dvloznov/bank-sync/internal/domain"
	"github.com/dvloznov/bank-sync/internal/extractor"
	"github.com/dvloznov/bank-sync/internal/reconcile"
)

var errNotRun = errors.New("extraction did not run")

// PipelineState holds the shared state across all pipeline steps.
type PipelineState struct {
	RunID        string
	Institutions []string
	// AccountTypes overrides each bank's configured account types when set.
	AccountTypes []domain.AccountType
	Range        domain.DateRange

	// Runs has one entry per requested institution, created before any
	// extraction starts. Workers only touch their own entry.
	Runs map[string]*InstitutionRun

	Transactions []domain.Transaction
	Reconciled   reconcile.Result
	Suggested    int

	Loaded      int
	LoadSkipped bool

	ExportPath string

	StartedAt time.Time

	outcomesRecorded bool
}

// NewPipelineState prepares state for the given institutions.
func NewPipelineState(institutions []string, accountTypes []domain.AccountType) *PipelineState {
	s := &PipelineState{
		Institutions: institutions,
		AccountTypes: accountTypes,
		Runs:         make(map[string]*InstitutionRun, len(institutions)),
		StartedAt:    time.Now(),
	}
	for _, id := range institutions {
		s.Runs[id] = &InstitutionRun{
			InstitutionID: id,
			Outcome:       extractor.OutcomeFailed,
			Err:           errNotRun,
		}
	}
	return s
}

// SortedRuns returns the institution runs ordered by id.
func (s *PipelineState) SortedRuns() []*InstitutionRun {
	out := make([]*InstitutionRun, 0, len(s.Runs))
	for _, r := range s.Runs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstitutionID < out[j].InstitutionID })
	return out
}

// InstitutionRun is one institution's progress through the run.
type InstitutionRun struct {
	InstitutionID string
	AccountTypes  []domain.AccountType

	Outcome extractor.Outcome
	Err     error
	Batches []extractor.AccountBatch
	// Failed holds per-account errors for a partial or failed extraction.
	Failed map[domain.AccountType]error

	Archived []string

	Records    int
	Normalized int
	Filtered   int
	Skipped    []error
	Loaded     int

	StartedAt  time.Time
	FinishedAt time.Time
}

// setResult records what the extractor returned.
func (r *InstitutionRun) setResult(res extractor.Result, err error) {
	r.Batches = res.Batches
	r.Records = res.Records()
	r.Outcome = extractor.Classify(err)
	r.Err = err
	r.Failed = nil

	var pf *domain.PartialFailure
	switch {
	case errors.As(err, &pf):
		r.Failed = pf.Failed
	case err != nil:
		r.Failed = make(map[domain.AccountType]error, len(r.AccountTypes))
		for _, at := range r.AccountTypes {
			r.Failed[at] = err
		}
	}
}
