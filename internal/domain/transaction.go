package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
)

// Transaction is the unified record every institution export is normalized into.
// Category, Subcategory, IsTransfer and IsRecurring are assigned by the
// reconciliation engine; the remaining fields come from the normalizer.
type Transaction struct {
	InstitutionID   string
	AccountType     AccountType
	TransactionDate civil.Date
	PostDate        *civil.Date // nil when the export has no posting date

	Description string          // raw text as exported, whitespace collapsed
	Amount      decimal.Decimal // negative = outflow

	Category    string // empty when unassigned
	Subcategory string

	IsTransfer  bool
	IsRecurring bool

	Fingerprint string
}

// fieldSep is the ASCII unit separator; it cannot appear in a normalized description.
const fieldSep = "\x1f"

// NormalizeDescription upper-cases and collapses whitespace so that cosmetic
// differences between exports do not change the fingerprint.
func NormalizeDescription(s string) string {
	return strings.ToUpper(strings.Join(strings.Fields(s), " "))
}

// Fingerprint returns the dedup key for the given identifying fields.
// It is a pure function: equal inputs always produce the same value.
func Fingerprint(institutionID string, accountType AccountType, date civil.Date, amount decimal.Decimal, description string) string {
	parts := []string{
		strings.ToLower(strings.TrimSpace(institutionID)),
		string(accountType),
		date.String(),
		amount.String(),
		NormalizeDescription(description),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, fieldSep)))
	return hex.EncodeToString(sum[:])
}

// ComputeFingerprint derives the fingerprint from the transaction's own fields.
func (t Transaction) ComputeFingerprint() string {
	return Fingerprint(t.InstitutionID, t.AccountType, t.TransactionDate, t.Amount, t.Description)
}

// WithFingerprint returns a copy of t with Fingerprint populated.
func (t Transaction) WithFingerprint() Transaction {
	t.Fingerprint = t.ComputeFingerprint()
	return t
}

// NormalizedDescription is NormalizeDescription applied to t.Description.
func (t Transaction) NormalizedDescription() string {
	return NormalizeDescription(t.Description)
}

// Completeness counts populated optional fields. Dedup keeps the most complete copy.
func (t Transaction) Completeness() int {
	n := 0
	if t.PostDate != nil {
		n++
	}
	if t.Category != "" {
		n++
	}
	if t.Subcategory != "" {
		n++
	}
	return n
}

// IsOutflow reports whether money left the account.
func (t Transaction) IsOutflow() bool {
	return t.Amount.IsNegative()
}
