package pipeline

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"cloud.google.com/go/bigquery"

	bq "github.com/dvloznov/bank-sync/internal/bigquery"
	"github.com/dvloznov/bank-sync/internal/domain"
	"github.com/dvloznov/bank-sync/internal/extractor"
)

// Process exit codes for a run.
const (
	ExitOK      = 0
	ExitFailed  = 1
	ExitPartial = 2
)

// AccountOutcome is the result of one account type's download.
type AccountOutcome struct {
	AccountType domain.AccountType `json:"account_type"`
	Outcome     extractor.Outcome  `json:"outcome"`
	Error       string             `json:"error,omitempty"`
}

// InstitutionSummary reports one institution.
type InstitutionSummary struct {
	InstitutionID string            `json:"institution_id"`
	Outcome       extractor.Outcome `json:"outcome"`
	Error         string            `json:"error,omitempty"`
	Accounts      []AccountOutcome  `json:"accounts"`
	Records       int               `json:"records"`
	Normalized    int               `json:"normalized"`
	Skipped       int               `json:"skipped"`
	Filtered      int               `json:"filtered"`
	Loaded        int               `json:"loaded"`
}

// Summary is what a run reports to the operator.
type Summary struct {
	RunID        string               `json:"run_id"`
	Range        domain.DateRange     `json:"-"`
	Institutions []InstitutionSummary `json:"institutions"`

	Input       int `json:"input"`
	Duplicates  int `json:"duplicates"`
	Reconciled  int `json:"reconciled"`
	Categorized int `json:"categorized"`
	Suggested   int `json:"suggested"`
	Transfers   int `json:"transfers"`
	Recurring   int `json:"recurring"`

	Loaded      int    `json:"loaded"`
	LoadSkipped bool   `json:"load_skipped"`
	ExportPath  string `json:"export_path,omitempty"`

	// Error is set when the run itself failed after extraction.
	Error string `json:"error,omitempty"`
}

// BuildSummary condenses state. runErr is the error the pipeline stopped on.
func BuildSummary(state *PipelineState, runErr error) *Summary {
	s := &Summary{
		RunID:       state.RunID,
		Range:       state.Range,
		Input:       state.Reconciled.Input,
		Duplicates:  state.Reconciled.Duplicates,
		Reconciled:  len(state.Reconciled.Transactions),
		Categorized: state.Reconciled.Categorized,
		Suggested:   state.Suggested,
		Transfers:   state.Reconciled.Transfers,
		Recurring:   state.Reconciled.Recurring,
		Loaded:      state.Loaded,
		LoadSkipped: state.LoadSkipped,
		ExportPath:  state.ExportPath,
	}
	if runErr != nil {
		s.Error = runErr.Error()
	}
	for _, run := range state.SortedRuns() {
		s.Institutions = append(s.Institutions, summarizeInstitution(run))
	}
	return s
}

func summarizeInstitution(run *InstitutionRun) InstitutionSummary {
	is := InstitutionSummary{
		InstitutionID: run.InstitutionID,
		Outcome:       run.Outcome,
		Records:       run.Records,
		Normalized:    run.Normalized,
		Skipped:       len(run.Skipped),
		Filtered:      run.Filtered,
		Loaded:        run.Loaded,
	}
	if run.Err != nil {
		is.Error = run.Err.Error()
	}

	seen := make(map[domain.AccountType]bool)
	for _, b := range run.Batches {
		if seen[b.AccountType] {
			continue
		}
		seen[b.AccountType] = true
		is.Accounts = append(is.Accounts, AccountOutcome{AccountType: b.AccountType, Outcome: extractor.OutcomeSuccess})
	}
	for at, err := range run.Failed {
		if seen[at] {
			continue
		}
		seen[at] = true
		ao := AccountOutcome{AccountType: at, Outcome: extractor.OutcomeFailed}
		if err != nil {
			ao.Error = err.Error()
		}
		is.Accounts = append(is.Accounts, ao)
	}
	sort.Slice(is.Accounts, func(i, j int) bool { return is.Accounts[i].AccountType < is.Accounts[j].AccountType })
	return is
}

// ExitCode is 1 when the run or any institution failed, 2 when the only
// problems were partial failures, and 0 otherwise.
func (s *Summary) ExitCode() int {
	if s.Error != "" {
		return ExitFailed
	}
	code := ExitOK
	for _, is := range s.Institutions {
		switch is.Outcome {
		case extractor.OutcomeFailed:
			return ExitFailed
		case extractor.OutcomePartial:
			code = ExitPartial
		}
	}
	return code
}

// Status maps the exit code onto the run status stored in extraction_runs.
func (s *Summary) Status() string {
	switch s.ExitCode() {
	case ExitOK:
		return bq.RunStatusSuccess
	case ExitPartial:
		return bq.RunStatusPartial
	default:
		return bq.RunStatusFailed
	}
}

// RunStatus is the status a run would finish with given its state so far.
func RunStatus(state *PipelineState, runErr error) string {
	return BuildSummary(state, runErr).Status()
}

func outcomeStatus(o extractor.Outcome) string {
	switch o {
	case extractor.OutcomeSuccess:
		return bq.RunStatusSuccess
	case extractor.OutcomePartial:
		return bq.RunStatusPartial
	default:
		return bq.RunStatusFailed
	}
}

func nullString(s string) bigquery.NullString {
	return bigquery.NullString{StringVal: s, Valid: s != ""}
}

// Write prints the summary as aligned text.
func (s *Summary) Write(w io.Writer) error {
	fmt.Fprintf(w, "Run %s  %s\n\n", s.RunID, s.Range)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "INSTITUTION\tACCOUNT\tOUTCOME\tRECORDS\tNORMALIZED\tSKIPPED\tFILTERED\tERROR")
	for _, is := range s.Institutions {
		fmt.Fprintf(tw, "%s\t\t%s\t%d\t%d\t%d\t%d\t%s\n",
			is.InstitutionID, is.Outcome, is.Records, is.Normalized, is.Skipped, is.Filtered, oneLine(is.Error))
		for _, a := range is.Accounts {
			fmt.Fprintf(tw, "\t%s\t%s\t\t\t\t\t%s\n", a.AccountType, a.Outcome, oneLine(a.Error))
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(w, "\nReconciled %d of %d records (%d duplicates), %d categorized", s.Reconciled, s.Input, s.Duplicates, s.Categorized)
	if s.Suggested > 0 {
		fmt.Fprintf(w, " (%d suggested)", s.Suggested)
	}
	fmt.Fprintf(w, ", %d transfers, %d recurring\n", s.Transfers, s.Recurring)

	switch {
	case s.LoadSkipped:
		fmt.Fprintln(w, "Load skipped")
	case s.Error == "":
		fmt.Fprintf(w, "Loaded %d transactions\n", s.Loaded)
	}
	if s.ExportPath != "" {
		fmt.Fprintf(w, "Exported workbook to %s\n", s.ExportPath)
	}
	if s.Error != "" {
		fmt.Fprintf(w, "Run failed: %s\n", s.Error)
	}
	_, err := fmt.Fprintf(w, "Status: %s\n", s.Status())
	return err
}

func oneLine(s string) string {
	const maxLen = 120
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if r := []rune(s); len(r) > maxLen {
		s = string(r[:maxLen-3]) + "..."
	}
	return s
}
