package bigquery

import (
	"fmt"
	"math/big"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/bank-sync/internal/domain"
)

// mergeRow is the STRUCT element of the @rows array parameter. Optional
// values travel as empty strings and are turned into NULL in SQL.
type mergeRow struct {
	Fingerprint           string     `bigquery:"fingerprint"`
	InstitutionID         string     `bigquery:"institution_id"`
	AccountType           string     `bigquery:"account_type"`
	TransactionDate       civil.Date `bigquery:"transaction_date"`
	PostDate              string     `bigquery:"post_date"`
	Description           string     `bigquery:"description"`
	NormalizedDescription string     `bigquery:"normalized_description"`
	Amount                *big.Rat   `bigquery:"amount"`
	Category              string     `bigquery:"category"`
	Subcategory           string     `bigquery:"subcategory"`
	IsTransfer            bool       `bigquery:"is_transfer"`
	IsRecurring           bool       `bigquery:"is_recurring"`
	RunID                 string     `bigquery:"run_id"`
}

func newMergeRow(runID string, tx domain.Transaction) mergeRow {
	if tx.Fingerprint == "" {
		tx = tx.WithFingerprint()
	}
	row := mergeRow{
		Fingerprint:           tx.Fingerprint,
		InstitutionID:         tx.InstitutionID,
		AccountType:           string(tx.AccountType),
		TransactionDate:       tx.TransactionDate,
		Description:           tx.Description,
		NormalizedDescription: tx.NormalizedDescription(),
		Amount:                tx.Amount.Rat(),
		Category:              tx.Category,
		Subcategory:           tx.Subcategory,
		IsTransfer:            tx.IsTransfer,
		IsRecurring:           tx.IsRecurring,
		RunID:                 runID,
	}
	if tx.PostDate != nil {
		row.PostDate = tx.PostDate.String()
	}
	return row
}

// ToTransaction converts a loaded row back into the unified record.
func ToTransaction(r *TransactionRow) (domain.Transaction, error) {
	if r.Amount == nil {
		return domain.Transaction{}, fmt.Errorf("transaction %s: amount is NULL", r.Fingerprint)
	}
	amount, err := decimal.NewFromString(r.Amount.FloatString(2))
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("transaction %s: amount: %w", r.Fingerprint, err)
	}

	tx := domain.Transaction{
		InstitutionID:   r.InstitutionID,
		AccountType:     domain.AccountType(r.AccountType),
		TransactionDate: r.TransactionDate,
		Description:     r.Description,
		Amount:          amount,
		Category:        r.Category.StringVal,
		Subcategory:     r.Subcategory.StringVal,
		IsTransfer:      r.IsTransfer,
		IsRecurring:     r.IsRecurring,
		Fingerprint:     r.Fingerprint,
	}
	if r.PostDate.Valid {
		d := r.PostDate.Date
		tx.PostDate = &d
	}
	return tx, nil
}

// NewTransactionRow is the row the merge writes for tx, for callers that
// need the loaded shape without a round trip.
func NewTransactionRow(runID string, tx domain.Transaction) *TransactionRow {
	m := newMergeRow(runID, tx)
	row := &TransactionRow{
		Fingerprint:           m.Fingerprint,
		InstitutionID:         m.InstitutionID,
		AccountType:           m.AccountType,
		TransactionDate:       m.TransactionDate,
		Description:           m.Description,
		NormalizedDescription: m.NormalizedDescription,
		Amount:                m.Amount,
		Category:              nullString(m.Category),
		Subcategory:           nullString(m.Subcategory),
		IsTransfer:            m.IsTransfer,
		IsRecurring:           m.IsRecurring,
		RunID:                 runID,
	}
	if tx.PostDate != nil {
		row.PostDate = bigquery.NullDate{Date: *tx.PostDate, Valid: true}
	}
	return row
}

func nullString(s string) bigquery.NullString {
	return bigquery.NullString{StringVal: s, Valid: s != ""}
}
