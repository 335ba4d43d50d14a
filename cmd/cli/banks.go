package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dvloznov/bank-sync/internal/config"
)

func newBanksCommand(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "banks",
		Short: "List registered institutions and their default account types",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, _, err := g.load()
			if err != nil {
				return err
			}
			reg, err := registry(settings)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "INSTITUTION\tNAME\tACCOUNTS\tCREDENTIALS")
			for _, id := range reg.Institutions() {
				bank, err := reg.Bank(id)
				if err != nil {
					return err
				}
				creds := "ok"
				if _, err := config.CredentialsFor(id); err != nil {
					creds = "missing " + config.EnvPrefix(id) + "_USERNAME/_PASSWORD"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", id, bank.DisplayName, strings.Join(bank.Accounts, ","), creds)
			}
			return tw.Flush()
		},
	}
}
