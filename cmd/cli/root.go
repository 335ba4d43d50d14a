package main

import (
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dvloznov/bank-sync/internal/config"
	"github.com/dvloznov/bank-sync/internal/extractor"
	"github.com/dvloznov/bank-sync/internal/logger"
)

// globalOptions are the persistent flags every subcommand shares.
type globalOptions struct {
	configPath string
	banksDir   string
	envFiles   []string
	debug      bool
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "bank-sync",
		Short: "Extract, reconcile and load bank transactions",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", config.DefaultSettingsPath, "settings file")
	flags.StringVar(&opts.banksDir, "banks-dir", "", "directory of per-bank selector configs (overrides pipeline.banks_dir)")
	flags.StringSliceVar(&opts.envFiles, "env-file", nil, "dotenv files to load (default .env)")
	flags.BoolVar(&opts.debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(
		newRunCommand(opts),
		newBanksCommand(opts),
		newLatestCommand(opts),
		newArchiveCommand(opts),
		newRestoreCommand(opts),
	)
	return rootCmd
}

// load reads the environment and settings and builds the process logger.
func (o *globalOptions) load() (*config.Settings, zerolog.Logger, error) {
	log := logger.NewWithLevel(o.debug)
	if o.debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	if err := config.LoadEnv(o.envFiles...); err != nil {
		return nil, log, err
	}
	settings, err := config.Load(o.configPath)
	if err != nil {
		return nil, log, err
	}
	if o.banksDir != "" {
		settings.Pipeline.BanksDir = o.banksDir
	}
	return settings, log, nil
}

const allInstitutions = "all"

// registry builds the extractor registry with the on-disk bank overlays.
func registry(settings *config.Settings) (*extractor.Registry, error) {
	overlays, err := config.LoadBanks(settings.Pipeline.BanksDir)
	if err != nil {
		return nil, err
	}
	return extractor.DefaultRegistry(overlays), nil
}

// institutionIDs normalizes the requested ids. An empty request, or one
// naming "all", selects every registered institution. Unknown ids are
// passed through so the run reports them as failed institutions.
func institutionIDs(reg *extractor.Registry, requested []string) []string {
	ids := make([]string, 0, len(requested))
	for _, id := range requested {
		id = strings.ToLower(strings.TrimSpace(id))
		switch id {
		case "":
		case allInstitutions:
			return reg.Institutions()
		default:
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return reg.Institutions()
	}
	return ids
}
