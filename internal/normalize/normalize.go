// Package normalize converts positional export rows into unified transactions.
package normalize

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/bank-sync/internal/config"
	"github.com/dvloznov/bank-sync/internal/domain"
)

// Column names a layout can bind. Any other name in a layout is ignored.
const (
	ColTransactionDate = "transaction_date"
	ColPostDate        = "post_date"
	ColDescription     = "description"
	ColAmount          = "amount"
)

// ErrFiltered marks a row the institution config says to drop, such as card
// payment echoes. It is not a malformed record and is counted separately.
var ErrFiltered = errors.New("filtered by institution config")

// Normalizer applies one institution's layouts.
type Normalizer struct {
	bank config.Bank
}

// New returns a normalizer for bank.
func New(bank config.Bank) *Normalizer {
	return &Normalizer{bank: bank}
}

// Normalize maps one raw record onto a Transaction. Missing or unparsable
// dates and amounts yield a *domain.MalformedRecordError.
func (n *Normalizer) Normalize(at domain.AccountType, rec domain.RawRecord) (domain.Transaction, error) {
	layout, err := n.bank.LayoutFor(at)
	if err != nil {
		return domain.Transaction{}, err
	}
	row := bind(layout.Columns, rec.Values)

	if layout.AccountCodeColumn != "" {
		code := row[layout.AccountCodeColumn]
		mapped, ok := n.bank.AccountTypeForCode(code)
		if !ok {
			return domain.Transaction{}, malformed(rec, layout.AccountCodeColumn, code, "unknown account code")
		}
		at = mapped
	}

	date, err := parseDate(layout.DateFormat, row[ColTransactionDate])
	if err != nil {
		return domain.Transaction{}, malformed(rec, ColTransactionDate, row[ColTransactionDate], err.Error())
	}

	var postDate *civil.Date
	if raw := strings.TrimSpace(row[ColPostDate]); raw != "" {
		format := layout.PostDateFormat
		if format == "" {
			format = layout.DateFormat
		}
		pd, err := parseDate(format, raw)
		if err != nil {
			return domain.Transaction{}, malformed(rec, ColPostDate, raw, err.Error())
		}
		postDate = &pd
	}

	amount, err := ParseAmount(row[ColAmount])
	if err != nil {
		return domain.Transaction{}, malformed(rec, ColAmount, row[ColAmount], err.Error())
	}
	amount = applySign(layout, row, amount)

	desc := CleanDescription(row[ColDescription], layout.StripPrefixes)
	if matchesAny(desc, layout.SkipDescriptions) {
		return domain.Transaction{}, fmt.Errorf("line %d: %w", rec.Line, ErrFiltered)
	}

	tx := domain.Transaction{
		InstitutionID:   n.bank.InstitutionID,
		AccountType:     at,
		TransactionDate: date,
		PostDate:        postDate,
		Description:     desc,
		Amount:          amount,
	}
	return tx.WithFingerprint(), nil
}

// Batch is the outcome of normalizing one export.
type Batch struct {
	Transactions []domain.Transaction
	Skipped      []error // one *domain.MalformedRecordError per bad row
	Filtered     int
}

// NormalizeAll normalizes every record. Bad rows never abort the batch.
func (n *Normalizer) NormalizeAll(at domain.AccountType, recs []domain.RawRecord) (Batch, error) {
	if _, err := n.bank.LayoutFor(at); err != nil {
		return Batch{}, err
	}
	var b Batch
	for _, rec := range recs {
		tx, err := n.Normalize(at, rec)
		switch {
		case err == nil:
			b.Transactions = append(b.Transactions, tx)
		case errors.Is(err, ErrFiltered):
			b.Filtered++
		default:
			b.Skipped = append(b.Skipped, err)
		}
	}
	return b, nil
}

// bind pairs layout names with positional values. Short rows leave the
// trailing names empty.
func bind(columns, values []string) map[string]string {
	row := make(map[string]string, len(columns))
	for i, name := range columns {
		if i < len(values) {
			row[name] = strings.TrimSpace(values[i])
		} else {
			row[name] = ""
		}
	}
	return row
}

func parseDate(format, raw string) (civil.Date, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return civil.Date{}, fmt.Errorf("missing")
	}
	t, err := time.Parse(format, raw)
	if err != nil {
		return civil.Date{}, fmt.Errorf("expected format %s", format)
	}
	return civil.DateOf(t), nil
}

// ParseAmount accepts exported money strings: currency symbols, thousands
// separators, a trailing or leading sign and accounting parentheses.
func ParseAmount(raw string) (decimal.Decimal, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return decimal.Zero, fmt.Errorf("missing")
	}
	neg := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		neg = true
		s = s[1 : len(s)-1]
	}
	if strings.HasSuffix(s, "-") {
		neg = !neg
		s = strings.TrimSuffix(s, "-")
	}
	s = strings.NewReplacer("$", "", ",", "", " ", "").Replace(s)

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("not a number")
	}
	if neg {
		d = d.Neg()
	}
	return d, nil
}

func applySign(layout config.Layout, row map[string]string, amount decimal.Decimal) decimal.Decimal {
	switch layout.Sign {
	case config.SignInvert:
		return amount.Neg()
	case config.SignByType:
		abs := amount.Abs()
		if matchesExact(row[layout.TypeColumn], layout.DebitValues) {
			return abs.Neg()
		}
		return abs
	default:
		return amount
	}
}

// CleanDescription collapses whitespace and removes the first matching
// configured prefix along with separator punctuation that follows it.
func CleanDescription(raw string, prefixes []string) string {
	desc := strings.Join(strings.Fields(raw), " ")
	for _, p := range prefixes {
		p = strings.Join(strings.Fields(p), " ")
		if p == "" || len(desc) < len(p) || !strings.EqualFold(desc[:len(p)], p) {
			continue
		}
		rest := strings.TrimLeft(desc[len(p):], " -:*")
		if rest != "" {
			desc = rest
		}
		break
	}
	return desc
}

func matchesAny(desc string, needles []string) bool {
	upper := strings.ToUpper(desc)
	for _, n := range needles {
		n = strings.ToUpper(strings.TrimSpace(n))
		if n != "" && strings.Contains(upper, n) {
			return true
		}
	}
	return false
}

func matchesExact(v string, values []string) bool {
	v = strings.TrimSpace(v)
	for _, want := range values {
		if strings.EqualFold(v, strings.TrimSpace(want)) {
			return true
		}
	}
	return false
}

func malformed(rec domain.RawRecord, field, value, reason string) error {
	return &domain.MalformedRecordError{Line: rec.Line, Field: field, Value: value, Reason: reason}
}
