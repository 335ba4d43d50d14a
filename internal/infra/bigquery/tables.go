package bigquery

import (
	"fmt"

	"github.com/dvloznov/bank-sync/internal/config"
)

// Tables names the dataset and tables a repository writes to.
type Tables struct {
	ProjectID         string
	DatasetID         string
	TransactionsTable string
	RunsTable         string
}

// TablesFromSettings fills empty names with the defaults from config.Default().
func TablesFromSettings(s config.BigQuerySettings) Tables {
	d := config.Default().BigQuery
	t := Tables{
		ProjectID:         s.ProjectID,
		DatasetID:         s.DatasetID,
		TransactionsTable: s.TransactionsTable,
		RunsTable:         s.RunsTable,
	}
	if t.DatasetID == "" {
		t.DatasetID = d.DatasetID
	}
	if t.TransactionsTable == "" {
		t.TransactionsTable = d.TransactionsTable
	}
	if t.RunsTable == "" {
		t.RunsTable = d.RunsTable
	}
	return t
}

// Transactions is the fully qualified, backquoted transactions table.
func (t Tables) Transactions() string { return t.qualify(t.TransactionsTable) }

// Runs is the fully qualified, backquoted extraction runs table.
func (t Tables) Runs() string { return t.qualify(t.RunsTable) }

func (t Tables) qualify(table string) string {
	if t.ProjectID == "" {
		return fmt.Sprintf("`%s.%s`", t.DatasetID, table)
	}
	return fmt.Sprintf("`%s.%s.%s`", t.ProjectID, t.DatasetID, table)
}
