package reconcile

import (
	"regexp"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/dvloznov/bank-sync/internal/domain"
)

type accountKey struct {
	institution string
	accountType domain.AccountType
}

func accountOf(tx domain.Transaction) accountKey {
	return accountKey{strings.ToLower(tx.InstitutionID), tx.AccountType}
}

// byDate returns indexes of txs ordered by date then fingerprint so the
// heuristics visit records in the same order regardless of input order.
func byDate(txs []domain.Transaction) []int {
	idx := make([]int, len(txs))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		x, y := txs[idx[a]], txs[idx[b]]
		if x.TransactionDate != y.TransactionDate {
			return x.TransactionDate.Before(y.TransactionDate)
		}
		return x.Fingerprint < y.Fingerprint
	})
	return idx
}

// markTransfers pairs each outflow with the closest unpaired inflow of the
// exact opposite amount on a different own account within windowDays.
func markTransfers(txs []domain.Transaction, windowDays int) {
	order := byDate(txs)
	paired := make([]bool, len(txs))

	for _, o := range order {
		out := txs[o]
		if !out.Amount.IsNegative() || paired[o] {
			continue
		}
		want := out.Amount.Neg()
		best, bestGap := -1, 0
		for _, i := range order {
			in := txs[i]
			if paired[i] || !in.Amount.Equal(want) || accountOf(in) == accountOf(out) {
				continue
			}
			gap := abs(in.TransactionDate.DaysSince(out.TransactionDate))
			if gap > windowDays {
				continue
			}
			if best == -1 || gap < bestGap {
				best, bestGap = i, gap
			}
		}
		if best >= 0 {
			paired[o], paired[best] = true, true
			txs[o].IsTransfer = true
			txs[best].IsTransfer = true
		}
	}
}

var digitRun = regexp.MustCompile(`[0-9]+`)

// RecurringKey strips digits (dates, reference and store numbers) from the
// normalized description so monthly instances of one charge share a key.
func RecurringKey(description string) string {
	return domain.NormalizeDescription(digitRun.ReplaceAllString(domain.NormalizeDescription(description), " "))
}

// markRecurring flags groups with the same key and direction whose amounts
// stay within tolerance of the group median and whose instances are spaced
// at a steady weekly or monthly cadence.
func markRecurring(txs []domain.Transaction, opts Options) {
	groups := make(map[string][]int)
	var keys []string
	for _, i := range byDate(txs) {
		tx := txs[i]
		if tx.Amount.IsZero() {
			continue
		}
		k := RecurringKey(tx.Description)
		if k == "" {
			continue
		}
		if tx.Amount.IsNegative() {
			k = "-" + k
		}
		if _, ok := groups[k]; !ok {
			keys = append(keys, k)
		}
		groups[k] = append(groups[k], i)
	}

	for _, k := range keys {
		members := groups[k]
		if len(members) < opts.RecurringMinOccurrences {
			continue
		}
		cluster := amountCluster(txs, members, opts)
		if len(cluster) < opts.RecurringMinOccurrences {
			continue
		}
		if steadyCadence(txs, cluster, opts.WeeklyCadence) || steadyCadence(txs, cluster, opts.MonthlyCadence) {
			for _, i := range cluster {
				txs[i].IsRecurring = true
			}
		}
	}
}

// amountCluster keeps members whose absolute amount is within tolerance of
// the group's median absolute amount. Order is preserved.
func amountCluster(txs []domain.Transaction, members []int, opts Options) []int {
	amounts := make([]decimal.Decimal, len(members))
	for n, i := range members {
		amounts[n] = txs[i].Amount.Abs()
	}
	sorted := append([]decimal.Decimal(nil), amounts...)
	sort.Slice(sorted, func(a, b int) bool { return sorted[a].LessThan(sorted[b]) })
	median := sorted[len(sorted)/2]

	slack := median.Mul(opts.RecurringTolerance)
	if slack.LessThan(opts.RecurringMinSlack) {
		slack = opts.RecurringMinSlack
	}

	var cluster []int
	for n, i := range members {
		if amounts[n].Sub(median).Abs().LessThanOrEqual(slack) {
			cluster = append(cluster, i)
		}
	}
	return cluster
}

// steadyCadence reports whether every gap between consecutive instances
// falls inside band. members are already in date order.
func steadyCadence(txs []domain.Transaction, members []int, band [2]int) bool {
	if band[0] <= 0 || len(members) < 2 {
		return false
	}
	for n := 1; n < len(members); n++ {
		gap := txs[members[n]].TransactionDate.DaysSince(txs[members[n-1]].TransactionDate)
		if gap < band[0] || gap > band[1] {
			return false
		}
	}
	return true
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
