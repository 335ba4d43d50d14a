package suggest

import (
	"context"
	"errors"
	"strings"
	"testing"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/bank-sync/internal/config"
	"github.com/dvloznov/bank-sync/internal/domain"
	"github.com/dvloznov/bank-sync/internal/reconcile"
)

func tx(desc, amount, category string) domain.Transaction {
	return domain.Transaction{
		InstitutionID:   "chase",
		AccountType:     domain.Checking,
		TransactionDate: civil.Date{Year: 2025, Month: 1, Day: 10},
		Description:     desc,
		Amount:          decimal.RequireFromString(amount),
		Category:        category,
	}.WithFingerprint()
}

func taxonomy() Taxonomy {
	return TaxonomyFromRules(reconcile.MustCompileRules(
		config.RuleSpec{Match: "whole foods", Category: "Food", Subcategory: "Groceries"},
		config.RuleSpec{Match: "chipotle", Category: "Food", Subcategory: "Restaurants"},
		config.RuleSpec{Match: "shell", Category: "Transportation", Subcategory: "Fuel"},
		config.RuleSpec{Match: "payroll", Category: "Income"},
	))
}

func TestTaxonomyFromRules(t *testing.T) {
	tax := taxonomy()
	assert.Equal(t, []string{"Food", "Income", "Transportation"}, tax.Categories())
	assert.Equal(t, []string{"Groceries", "Restaurants"}, tax["Food"])
	assert.Empty(t, tax["Income"])
}

func TestCleanModelJSON(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"plain", `[{"id":0}]`, `[{"id":0}]`},
		{"fenced", "```json\n[{\"id\":0}]\n```", `[{"id":0}]`},
		{"chatter", "Here you go:\n[{\"id\":0}]\nThanks", `[{"id":0}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cleanModelJSON(tt.raw))
		})
	}
}

func TestParseSuggestions(t *testing.T) {
	batch := []domain.Transaction{
		tx("TRADER JOES #552", "-40.00", ""),
		tx("SHELL OIL 1234", "-30.00", ""),
		tx("MYSTERY SHOP", "-5.00", ""),
	}
	raw := "```json\n[" +
		`{"id":0,"category":"food","subcategory":"groceries"},` +
		`{"id":1,"category":"Transportation","subcategory":"Parking"},` +
		`{"id":2,"category":"Shopping","subcategory":""},` +
		`{"id":7,"category":"Food","subcategory":"Groceries"},` +
		`{"id":0,"category":"Food","subcategory":"Restaurants"}` +
		"]\n```"

	got, rejected, err := ParseSuggestions(raw, taxonomy(), batch)
	require.NoError(t, err)
	assert.Equal(t, 3, rejected)
	require.Len(t, got, 2)

	assert.Equal(t, Suggestion{Fingerprint: batch[0].Fingerprint, Category: "Food", Subcategory: "Groceries"}, got[0])
	assert.Equal(t, Suggestion{Fingerprint: batch[1].Fingerprint, Category: "Transportation"}, got[1])

	_, _, err = ParseSuggestions("not json", taxonomy(), batch)
	assert.Error(t, err)
}

func TestSuggest_OnlyUncategorized(t *testing.T) {
	var prompt string
	s := NewSuggester(taxonomy(), func(ctx context.Context, p string) (string, error) {
		prompt = p
		return `[{"id":0,"category":"Transportation","subcategory":"Fuel"}]`, nil
	})

	txs := []domain.Transaction{
		tx("WHOLE FOODS", "-12.00", "Food"),
		tx("SHELL OIL 1234", "-30.00", ""),
	}
	got, err := s.Suggest(context.Background(), txs)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, txs[1].Fingerprint, got[0].Fingerprint)

	assert.Contains(t, prompt, "0 | 2025-01-10 | -30.00 | SHELL OIL 1234")
	assert.NotContains(t, prompt, "WHOLE FOODS")
	assert.True(t, strings.Contains(prompt, "Transportation:\n  - Fuel"))
}

func TestSuggest_NothingToDo(t *testing.T) {
	called := false
	s := NewSuggester(taxonomy(), func(ctx context.Context, p string) (string, error) {
		called = true
		return "[]", nil
	})
	got, err := s.Suggest(context.Background(), []domain.Transaction{tx("WHOLE FOODS", "-12.00", "Food")})
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.False(t, called)
}

func TestSuggest_ModelError(t *testing.T) {
	s := NewSuggester(taxonomy(), func(ctx context.Context, p string) (string, error) {
		return "", errors.New("quota exceeded")
	})
	_, err := s.Suggest(context.Background(), []domain.Transaction{tx("SHELL", "-1.00", "")})
	assert.ErrorContains(t, err, "quota exceeded")
}

func TestApply(t *testing.T) {
	txs := []domain.Transaction{
		tx("WHOLE FOODS", "-12.00", "Food"),
		tx("SHELL OIL 1234", "-30.00", ""),
	}
	suggestions := []Suggestion{
		{Fingerprint: txs[0].Fingerprint, Category: "Transportation"},
		{Fingerprint: txs[1].Fingerprint, Category: "Transportation", Subcategory: "Fuel"},
	}

	out, applied := Apply(txs, suggestions)
	assert.Equal(t, 1, applied)
	assert.Equal(t, "Food", out[0].Category, "existing categories are kept")
	assert.Equal(t, "Transportation", out[1].Category)
	assert.Equal(t, "Fuel", out[1].Subcategory)
	assert.Empty(t, txs[1].Category, "input is not modified")
}
