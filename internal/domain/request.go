package domain

import (
	"fmt"
	"sort"
	"strings"

	"cloud.google.com/go/civil"
)

// AccountType is the unified account classification.
type AccountType string

const (
	Checking AccountType = "CHECKING"
	Savings  AccountType = "SAVINGS"
	Credit   AccountType = "CREDIT"
)

// AllAccountTypes lists every known account type in canonical order.
var AllAccountTypes = []AccountType{Checking, Savings, Credit}

// ParseAccountType accepts the canonical names in any case plus common aliases
// used in configuration files ("credit_card", "checkings").
func ParseAccountType(s string) (AccountType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CHECKING", "CHECKINGS":
		return Checking, nil
	case "SAVINGS", "SAVING":
		return Savings, nil
	case "CREDIT", "CREDIT_CARD", "CREDITCARD":
		return Credit, nil
	}
	return "", fmt.Errorf("unknown account type %q", s)
}

// Key is the lower-case form used in config files and object paths.
func (a AccountType) Key() string {
	return strings.ToLower(string(a))
}

// DateRange is a half-open interval [Start, End).
type DateRange struct {
	Start civil.Date
	End   civil.Date
}

// NewDateRange validates start <= end.
func NewDateRange(start, end civil.Date) (DateRange, error) {
	if !start.IsValid() || !end.IsValid() {
		return DateRange{}, fmt.Errorf("invalid date range %s..%s", start, end)
	}
	if end.Before(start) {
		return DateRange{}, fmt.Errorf("date range end %s is before start %s", end, start)
	}
	return DateRange{Start: start, End: end}, nil
}

// Contains reports whether d falls inside the half-open range.
func (r DateRange) Contains(d civil.Date) bool {
	return !d.Before(r.Start) && d.Before(r.End)
}

// Empty reports whether the range holds no days.
func (r DateRange) Empty() bool {
	return !r.Start.Before(r.End)
}

// LastDay is the inclusive end of the range, which is what portal date pickers expect.
// For an empty range it returns Start.
func (r DateRange) LastDay() civil.Date {
	if r.Empty() {
		return r.Start
	}
	return r.End.AddDays(-1)
}

func (r DateRange) String() string {
	return fmt.Sprintf("[%s, %s)", r.Start, r.End)
}

// ExtractionRequest describes what to pull from one institution. It is
// immutable once built; accessors return copies.
type ExtractionRequest struct {
	institutionID string
	accountTypes  []AccountType
	dateRange     DateRange
}

// NewExtractionRequest deduplicates and orders account types so two requests
// for the same set compare equal.
func NewExtractionRequest(institutionID string, accountTypes []AccountType, r DateRange) (ExtractionRequest, error) {
	if strings.TrimSpace(institutionID) == "" {
		return ExtractionRequest{}, fmt.Errorf("institution id is required")
	}
	if len(accountTypes) == 0 {
		return ExtractionRequest{}, fmt.Errorf("%s: at least one account type is required", institutionID)
	}

	seen := make(map[AccountType]bool, len(accountTypes))
	var types []AccountType
	for _, at := range accountTypes {
		if seen[at] {
			continue
		}
		seen[at] = true
		types = append(types, at)
	}
	order := map[AccountType]int{}
	for i, at := range AllAccountTypes {
		order[at] = i
	}
	sort.SliceStable(types, func(i, j int) bool { return order[types[i]] < order[types[j]] })

	return ExtractionRequest{
		institutionID: strings.ToLower(strings.TrimSpace(institutionID)),
		accountTypes:  types,
		dateRange:     r,
	}, nil
}

func (r ExtractionRequest) InstitutionID() string { return r.institutionID }

func (r ExtractionRequest) AccountTypes() []AccountType {
	out := make([]AccountType, len(r.accountTypes))
	copy(out, r.accountTypes)
	return out
}

func (r ExtractionRequest) DateRange() DateRange { return r.dateRange }

// RawRecord is one exported row. Values are positional; Header carries the
// export's own header row when it had one. Line is 1-based within the file.
type RawRecord struct {
	Values []string
	Header []string
	Line   int
}
