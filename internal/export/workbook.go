// Package export writes a reconciled batch to an XLSX workbook.
package export

import (
	"fmt"
	"io"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"github.com/dvloznov/bank-sync/internal/domain"
)

const (
	TransactionsSheet = "Transactions"
	SummarySheet      = "Summary"

	uncategorized = "(uncategorized)"
)

var transactionHeader = []any{
	"Date", "Post Date", "Institution", "Account", "Description",
	"Amount", "Category", "Subcategory", "Transfer", "Recurring", "Fingerprint",
}

var summaryHeader = []any{"Category", "Count", "Outflow", "Inflow", "Net"}

// WorkbookExporter renders transactions into two sheets: one row per
// transaction and per-category totals.
type WorkbookExporter struct{}

// NewWorkbookExporter returns an exporter.
func NewWorkbookExporter() *WorkbookExporter { return &WorkbookExporter{} }

// SaveAs writes the workbook to path.
func (e *WorkbookExporter) SaveAs(path string, txs []domain.Transaction) error {
	wb, err := e.build(txs)
	if err != nil {
		return err
	}
	defer wb.Close()

	if err := wb.SaveAs(path); err != nil {
		return fmt.Errorf("save workbook %s: %w", path, err)
	}
	return nil
}

// WriteTo streams the workbook to w.
func (e *WorkbookExporter) WriteTo(w io.Writer, txs []domain.Transaction) error {
	wb, err := e.build(txs)
	if err != nil {
		return err
	}
	defer wb.Close()

	if _, err := wb.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func (e *WorkbookExporter) build(txs []domain.Transaction) (*excelize.File, error) {
	wb := excelize.NewFile()
	if err := wb.SetSheetName("Sheet1", TransactionsSheet); err != nil {
		wb.Close()
		return nil, fmt.Errorf("rename sheet: %w", err)
	}
	if _, err := wb.NewSheet(SummarySheet); err != nil {
		wb.Close()
		return nil, fmt.Errorf("create summary sheet: %w", err)
	}

	bold, err := wb.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		wb.Close()
		return nil, fmt.Errorf("create header style: %w", err)
	}
	money, err := wb.NewStyle(&excelize.Style{NumFmt: 4}) // #,##0.00
	if err != nil {
		wb.Close()
		return nil, fmt.Errorf("create amount style: %w", err)
	}

	if err := writeTransactions(wb, txs, bold, money); err != nil {
		wb.Close()
		return nil, err
	}
	if err := writeSummary(wb, txs, bold, money); err != nil {
		wb.Close()
		return nil, err
	}
	return wb, nil
}

func writeTransactions(wb *excelize.File, txs []domain.Transaction, bold, money int) error {
	if err := wb.SetSheetRow(TransactionsSheet, "A1", &transactionHeader); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if err := wb.SetRowStyle(TransactionsSheet, 1, 1, bold); err != nil {
		return fmt.Errorf("style header: %w", err)
	}

	for i, tx := range txs {
		post := ""
		if tx.PostDate != nil {
			post = tx.PostDate.String()
		}
		row := []any{
			tx.TransactionDate.String(),
			post,
			tx.InstitutionID,
			string(tx.AccountType),
			tx.Description,
			tx.Amount.InexactFloat64(),
			tx.Category,
			tx.Subcategory,
			tx.IsTransfer,
			tx.IsRecurring,
			tx.Fingerprint,
		}
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := wb.SetSheetRow(TransactionsSheet, cell, &row); err != nil {
			return fmt.Errorf("write row %d: %w", i+2, err)
		}
	}

	if len(txs) > 0 {
		if err := wb.SetCellStyle(TransactionsSheet, "F2", fmt.Sprintf("F%d", len(txs)+1), money); err != nil {
			return fmt.Errorf("style amounts: %w", err)
		}
	}
	if err := wb.SetColWidth(TransactionsSheet, "E", "E", 48); err != nil {
		return err
	}
	return wb.SetPanes(TransactionsSheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	})
}

// CategoryTotal aggregates one category for the summary sheet.
type CategoryTotal struct {
	Category string
	Count    int
	Outflow  decimal.Decimal
	Inflow   decimal.Decimal
}

// Net is inflow plus (negative) outflow.
func (c CategoryTotal) Net() decimal.Decimal { return c.Inflow.Add(c.Outflow) }

// Summarize totals txs per category, sorted by name with uncategorized last.
// Transfers are left out so moving money between own accounts does not
// inflate spending.
func Summarize(txs []domain.Transaction) []CategoryTotal {
	byCat := make(map[string]*CategoryTotal)
	for _, tx := range txs {
		if tx.IsTransfer {
			continue
		}
		name := tx.Category
		if name == "" {
			name = uncategorized
		}
		ct, ok := byCat[name]
		if !ok {
			ct = &CategoryTotal{Category: name}
			byCat[name] = ct
		}
		ct.Count++
		if tx.Amount.IsNegative() {
			ct.Outflow = ct.Outflow.Add(tx.Amount)
		} else {
			ct.Inflow = ct.Inflow.Add(tx.Amount)
		}
	}

	out := make([]CategoryTotal, 0, len(byCat))
	for _, ct := range byCat {
		out = append(out, *ct)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Category, out[j].Category
		if (a == uncategorized) != (b == uncategorized) {
			return b == uncategorized
		}
		return a < b
	})
	return out
}

func writeSummary(wb *excelize.File, txs []domain.Transaction, bold, money int) error {
	if err := wb.SetSheetRow(SummarySheet, "A1", &summaryHeader); err != nil {
		return fmt.Errorf("write summary header: %w", err)
	}
	if err := wb.SetRowStyle(SummarySheet, 1, 1, bold); err != nil {
		return fmt.Errorf("style summary header: %w", err)
	}

	totals := Summarize(txs)
	for i, ct := range totals {
		row := []any{
			ct.Category,
			ct.Count,
			ct.Outflow.InexactFloat64(),
			ct.Inflow.InexactFloat64(),
			ct.Net().InexactFloat64(),
		}
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := wb.SetSheetRow(SummarySheet, cell, &row); err != nil {
			return fmt.Errorf("write summary row %d: %w", i+2, err)
		}
	}
	if len(totals) > 0 {
		if err := wb.SetCellStyle(SummarySheet, "C2", fmt.Sprintf("E%d", len(totals)+1), money); err != nil {
			return fmt.Errorf("style summary amounts: %w", err)
		}
	}
	return wb.SetColWidth(SummarySheet, "A", "A", 28)
}
