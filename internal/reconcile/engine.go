// Package reconcile merges normalized transactions from any number of runs
// into one deduplicated, categorized, deterministically ordered batch.
//
// The engine is a pure transform: it never mutates its input and running it
// on its own output returns the same output.
package reconcile

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/dvloznov/bank-sync/internal/config"
	"github.com/dvloznov/bank-sync/internal/domain"
)

// Options tunes the transfer and recurring heuristics.
type Options struct {
	TransferWindowDays int

	RecurringTolerance      decimal.Decimal // fraction of the typical amount
	RecurringMinSlack       decimal.Decimal // absolute floor for the tolerance
	RecurringMinOccurrences int
	WeeklyCadence           [2]int // inclusive day bounds between instances
	MonthlyCadence          [2]int
}

// DefaultOptions mirrors config.Default().Reconcile.
func DefaultOptions() Options {
	return OptionsFromSettings(config.Default().Reconcile)
}

// OptionsFromSettings converts settings.yaml values.
func OptionsFromSettings(s config.ReconcileSettings) Options {
	return Options{
		TransferWindowDays:      s.TransferWindowDays,
		RecurringTolerance:      decimal.NewFromFloat(s.RecurringAmountTolerance),
		RecurringMinSlack:       decimal.NewFromInt(1),
		RecurringMinOccurrences: s.RecurringMinOccurrences,
		WeeklyCadence:           s.WeeklyCadenceDays,
		MonthlyCadence:          s.MonthlyCadenceDays,
	}
}

// Engine applies a RuleSet and the heuristics in Options.
type Engine struct {
	rules RuleSet
	opts  Options
}

// NewEngine returns an engine. A nil RuleSet categorizes nothing.
func NewEngine(rules RuleSet, opts Options) *Engine {
	if opts.RecurringMinOccurrences < 2 {
		opts.RecurringMinOccurrences = 3
	}
	return &Engine{rules: rules, opts: opts}
}

// Result is the reconciled batch plus counters for the run summary.
type Result struct {
	Transactions []domain.Transaction
	Input        int
	Duplicates   int
	Categorized  int
	Transfers    int
	Recurring    int
}

// Reconcile runs dedup, categorization, transfer and recurring detection and
// returns the records ordered by transaction date then fingerprint.
func (e *Engine) Reconcile(txs []domain.Transaction) Result {
	out := Dedup(txs)
	res := Result{Input: len(txs), Duplicates: len(txs) - len(out)}

	for i := range out {
		e.categorize(&out[i])
	}
	markTransfers(out, e.opts.TransferWindowDays)
	markRecurring(out, e.opts)

	SortTransactions(out)
	for _, tx := range out {
		if tx.Category != "" {
			res.Categorized++
		}
		if tx.IsTransfer {
			res.Transfers++
		}
		if tx.IsRecurring {
			res.Recurring++
		}
	}
	res.Transactions = out
	return res
}

// categorize fills an empty category from the first matching rule. Rule
// flags only ever set the transfer and recurring markers, never clear them.
func (e *Engine) categorize(tx *domain.Transaction) {
	rule, ok := e.rules.Match(*tx)
	if !ok {
		return
	}
	if tx.Category == "" {
		tx.Category = rule.Category
		tx.Subcategory = rule.Subcategory
	}
	if rule.Transfer {
		tx.IsTransfer = true
	}
	if rule.Recurring {
		tx.IsRecurring = true
	}
}

// Dedup keeps one record per fingerprint: the most complete one, or the
// first seen on a tie. Survivors keep first-seen order. Records without a
// fingerprint get one computed.
func Dedup(txs []domain.Transaction) []domain.Transaction {
	index := make(map[string]int, len(txs))
	out := make([]domain.Transaction, 0, len(txs))
	for _, tx := range txs {
		if tx.Fingerprint == "" {
			tx = tx.WithFingerprint()
		}
		if i, ok := index[tx.Fingerprint]; ok {
			if tx.Completeness() > out[i].Completeness() {
				out[i] = tx
			}
			continue
		}
		index[tx.Fingerprint] = len(out)
		out = append(out, tx)
	}
	return out
}

// SortTransactions orders by transaction date, then fingerprint.
func SortTransactions(txs []domain.Transaction) {
	sort.SliceStable(txs, func(i, j int) bool {
		a, b := txs[i], txs[j]
		if a.TransactionDate != b.TransactionDate {
			return a.TransactionDate.Before(b.TransactionDate)
		}
		return a.Fingerprint < b.Fingerprint
	})
}
