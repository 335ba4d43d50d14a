package normalize

import (
	"errors"
	"testing"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/bank-sync/internal/config"
	"github.com/dvloznov/bank-sync/internal/domain"
)

func wellsFargo() config.Bank {
	return config.Bank{
		InstitutionID: "wells_fargo",
		AccountCodes:  map[string]string{"checking": "DDA", "credit": "CCA"},
		Layouts: map[string]config.Layout{
			"default": {
				Columns:          []string{"transaction_date", "amount", "-", "-", "description"},
				DateFormat:       "01/02/2006",
				Sign:             config.SignAsIs,
				SkipDescriptions: []string{"ONLINE PAYMENT THANK YOU"},
				StripPrefixes:    []string{"DEBIT PURCHASE -"},
			},
		},
	}
}

func chaseCredit() config.Bank {
	return config.Bank{
		InstitutionID: "chase",
		Layouts: map[string]config.Layout{
			"credit": {
				Columns:     []string{"transaction_date", "post_date", "description", "bank_category", "type", "amount"},
				HasHeader:   true,
				DateFormat:  "01/02/2006",
				Sign:        config.SignByType,
				TypeColumn:  "type",
				DebitValues: []string{"Sale", "Fee"},
			},
		},
	}
}

func rec(line int, values ...string) domain.RawRecord {
	return domain.RawRecord{Values: values, Line: line}
}

func TestNormalize_WellsFargoRow(t *testing.T) {
	n := New(wellsFargo())
	tx, err := n.Normalize(domain.Checking, rec(1, "01/20/2025", "-42.50", "*", "", "COFFEE   SHOP"))
	require.NoError(t, err)

	assert.Equal(t, "wells_fargo", tx.InstitutionID)
	assert.Equal(t, domain.Checking, tx.AccountType)
	assert.Equal(t, civil.Date{Year: 2025, Month: 1, Day: 20}, tx.TransactionDate)
	assert.Nil(t, tx.PostDate)
	assert.Equal(t, "COFFEE SHOP", tx.Description)
	assert.True(t, tx.Amount.Equal(decimal.RequireFromString("-42.5")))
	assert.Equal(t, tx.ComputeFingerprint(), tx.Fingerprint)
	assert.Empty(t, tx.Category)
}

func TestNormalize_SignByType(t *testing.T) {
	n := New(chaseCredit())
	tests := []struct {
		name   string
		typ    string
		amount string
		want   string
	}{
		{"sale exported negative", "Sale", "-12.00", "-12"},
		{"sale exported positive", "Sale", "12.00", "-12"},
		{"fee", "fee", "3.50", "-3.5"},
		{"payment", "Payment", "500.00", "500"},
		{"return", "Return", "-20.00", "20"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx, err := n.Normalize(domain.Credit, rec(2, "01/22/2025", "01/23/2025", "BOOKSTORE", "Shopping", tt.typ, tt.amount))
			require.NoError(t, err)
			assert.True(t, tx.Amount.Equal(decimal.RequireFromString(tt.want)), "got %s", tx.Amount)
			require.NotNil(t, tx.PostDate)
			assert.Equal(t, civil.Date{Year: 2025, Month: 1, Day: 23}, *tx.PostDate)
		})
	}
}

func TestNormalize_Invert(t *testing.T) {
	b := wellsFargo()
	l := b.Layouts["default"]
	l.Sign = config.SignInvert
	b.Layouts["default"] = l

	tx, err := New(b).Normalize(domain.Credit, rec(1, "01/20/2025", "42.50", "", "", "BOOKSTORE"))
	require.NoError(t, err)
	assert.True(t, tx.Amount.Equal(decimal.RequireFromString("-42.50")))
}

func TestNormalize_AccountCodeColumn(t *testing.T) {
	b := wellsFargo()
	l := b.Layouts["default"]
	l.Columns = []string{"transaction_date", "amount", "account", "-", "description"}
	l.AccountCodeColumn = "account"
	b.Layouts["default"] = l
	n := New(b)

	tx, err := n.Normalize(domain.Checking, rec(1, "01/20/2025", "-5", "cca", "", "X"))
	require.NoError(t, err)
	assert.Equal(t, domain.Credit, tx.AccountType)

	_, err = n.Normalize(domain.Checking, rec(2, "01/20/2025", "-5", "ZZZ", "", "X"))
	assert.ErrorIs(t, err, domain.ErrMalformedRecord)
}

func TestNormalize_Malformed(t *testing.T) {
	n := New(wellsFargo())
	tests := []struct {
		name  string
		rec   domain.RawRecord
		field string
	}{
		{"missing date", rec(3, "", "-1.00", "", "", "X"), ColTransactionDate},
		{"bad date", rec(4, "2025-01-20", "-1.00", "", "", "X"), ColTransactionDate},
		{"missing amount", rec(5, "01/20/2025", "", "", "", "X"), ColAmount},
		{"bad amount", rec(6, "01/20/2025", "abc", "", "", "X"), ColAmount},
		{"short row", rec(7, "01/20/2025"), ColAmount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := n.Normalize(domain.Checking, tt.rec)
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrMalformedRecord)
			var mr *domain.MalformedRecordError
			require.True(t, errors.As(err, &mr))
			assert.Equal(t, tt.rec.Line, mr.Line)
			assert.Equal(t, tt.field, mr.Field)
		})
	}
}

func TestNormalizeAll_CountsSkippedAndFiltered(t *testing.T) {
	n := New(wellsFargo())
	b, err := n.NormalizeAll(domain.Checking, []domain.RawRecord{
		rec(1, "01/20/2025", "-42.50", "*", "", "DEBIT PURCHASE - COFFEE SHOP"),
		rec(2, "01/21/2025", "500.00", "*", "", "ONLINE PAYMENT THANK YOU"),
		rec(3, "bad", "-1.00", "*", "", "X"),
		rec(4, "01/22/2025", "1,500.00", "*", "", "PAYROLL"),
	})
	require.NoError(t, err)
	require.Len(t, b.Transactions, 2)
	assert.Equal(t, "COFFEE SHOP", b.Transactions[0].Description)
	assert.True(t, b.Transactions[1].Amount.Equal(decimal.RequireFromString("1500")))
	assert.Equal(t, 1, b.Filtered)
	require.Len(t, b.Skipped, 1)
	assert.ErrorIs(t, b.Skipped[0], domain.ErrMalformedRecord)
}

func TestNormalizeAll_NoLayout(t *testing.T) {
	_, err := New(chaseCredit()).NormalizeAll(domain.Checking, nil)
	assert.Error(t, err)
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"-42.50", "-42.5"},
		{"$1,234.56", "1234.56"},
		{"-$12.00", "-12"},
		{"(15.25)", "-15.25"},
		{"15.25-", "-15.25"},
		{" 7 ", "7"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAmount(tt.in)
			require.NoError(t, err)
			assert.True(t, got.Equal(decimal.RequireFromString(tt.want)), "got %s", got)
		})
	}

	_, err := ParseAmount("12..0")
	assert.Error(t, err)
}

func TestCleanDescription(t *testing.T) {
	prefixes := []string{"ACH DEBIT", "DEBIT PURCHASE -"}
	assert.Equal(t, "NETFLIX.COM", CleanDescription("  ach debit - NETFLIX.COM ", prefixes))
	assert.Equal(t, "COFFEE SHOP", CleanDescription("DEBIT PURCHASE - COFFEE  SHOP", prefixes))
	assert.Equal(t, "ACH DEBIT", CleanDescription("ACH DEBIT", prefixes), "a bare prefix is kept")
	assert.Equal(t, "GROCERY STORE", CleanDescription("GROCERY STORE", prefixes))
}
