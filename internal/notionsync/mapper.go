package notionsync

import (
	"time"

	"cloud.google.com/go/civil"
	"github.com/jomei/notionapi"

	infra "github.com/dvloznov/bank-sync/internal/infra/bigquery"
)

// Property names of the Transactions database.
const (
	PropDescription = "Description"
	PropFingerprint = "Fingerprint"
	PropDate        = "Date"
	PropPostDate    = "Post Date"
	PropAmount      = "Amount"
	PropInstitution = "Institution"
	PropAccount     = "Account"
	PropCategory    = "Category"
	PropSubcategory = "Subcategory"
	PropTransfer    = "Transfer"
	PropRecurring   = "Recurring"
	PropRunID       = "Run ID"
)

// TransactionToNotionProperties maps a loaded row onto the Transactions
// database. Fingerprint is the key used to find the page again.
func TransactionToNotionProperties(tx *infra.TransactionRow) notionapi.Properties {
	amount := 0.0
	if tx.Amount != nil {
		amount, _ = tx.Amount.Float64()
	}

	props := notionapi.Properties{
		PropDescription: notionapi.TitleProperty{
			Title: richText(tx.Description),
		},
		PropFingerprint: notionapi.RichTextProperty{
			RichText: richText(tx.Fingerprint),
		},
		PropDate: dateProperty(tx.TransactionDate),
		PropAmount: notionapi.NumberProperty{
			Number: amount,
		},
		PropInstitution: notionapi.SelectProperty{
			Select: notionapi.Option{Name: tx.InstitutionID},
		},
		PropAccount: notionapi.SelectProperty{
			Select: notionapi.Option{Name: tx.AccountType},
		},
		PropTransfer: notionapi.CheckboxProperty{
			Checkbox: tx.IsTransfer,
		},
		PropRecurring: notionapi.CheckboxProperty{
			Checkbox: tx.IsRecurring,
		},
	}

	if tx.PostDate.Valid {
		props[PropPostDate] = dateProperty(tx.PostDate.Date)
	}
	if tx.Category.Valid && tx.Category.StringVal != "" {
		props[PropCategory] = notionapi.SelectProperty{
			Select: notionapi.Option{Name: tx.Category.StringVal},
		}
	}
	if tx.Subcategory.Valid && tx.Subcategory.StringVal != "" {
		props[PropSubcategory] = notionapi.SelectProperty{
			Select: notionapi.Option{Name: tx.Subcategory.StringVal},
		}
	}
	if tx.RunID != "" {
		props[PropRunID] = notionapi.RichTextProperty{
			RichText: richText(tx.RunID),
		}
	}
	return props
}

func richText(s string) []notionapi.RichText {
	return []notionapi.RichText{
		{
			Type: notionapi.ObjectTypeText,
			Text: &notionapi.Text{Content: s},
		},
	}
}

func dateProperty(d civil.Date) notionapi.DateProperty {
	start := notionapi.Date(time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC))
	return notionapi.DateProperty{
		Date: &notionapi.DateObject{Start: &start},
	}
}

// extractFingerprint reads the Fingerprint property of an existing page.
// Returns empty string if not found.
func extractFingerprint(page notionapi.Page) string {
	prop, ok := page.Properties[PropFingerprint]
	if !ok {
		return ""
	}
	if rt, ok := prop.(*notionapi.RichTextProperty); ok && len(rt.RichText) > 0 {
		if rt.RichText[0].PlainText != "" {
			return rt.RichText[0].PlainText
		}
		if rt.RichText[0].Text != nil {
			return rt.RichText[0].Text.Content
		}
	}
	return ""
}
