package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	infraBQ "github.com/dvloznov/bank-sync/internal/infra/bigquery"
	"github.com/dvloznov/bank-sync/internal/logger"
)

const latestTimeout = 30 * time.Second

func newLatestCommand(g *globalOptions) *cobra.Command {
	var bank string

	cmd := &cobra.Command{
		Use:   "latest",
		Short: "Print the latest loaded transaction date",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, log, err := g.load()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), latestTimeout)
			defer cancel()
			ctx = logger.WithContext(ctx, log)

			repo, err := infraBQ.NewBigQueryRepository(ctx, settings.BigQuery)
			if err != nil {
				return err
			}
			defer repo.Close()

			latest, ok, err := repo.LatestTransactionDate(ctx, bank)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), "No transactions loaded")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), latest.String())
			return nil
		},
	}
	cmd.Flags().StringVar(&bank, "bank", "", "restrict to one institution id")
	return cmd
}
