package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"cloud.google.com/go/civil"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dvloznov/bank-sync/internal/api"
	"github.com/dvloznov/bank-sync/internal/api/handlers"
	"github.com/dvloznov/bank-sync/internal/browser"
	"github.com/dvloznov/bank-sync/internal/config"
	"github.com/dvloznov/bank-sync/internal/domain"
	"github.com/dvloznov/bank-sync/internal/export"
	"github.com/dvloznov/bank-sync/internal/extractor"
	"github.com/dvloznov/bank-sync/internal/gcsuploader"
	infraBQ "github.com/dvloznov/bank-sync/internal/infra/bigquery"
	"github.com/dvloznov/bank-sync/internal/jobs/inmemory"
	"github.com/dvloznov/bank-sync/internal/logger"
	"github.com/dvloznov/bank-sync/internal/mfa"
	"github.com/dvloznov/bank-sync/internal/pipeline"
	"github.com/dvloznov/bank-sync/internal/reconcile"
	"github.com/dvloznov/bank-sync/internal/session"
	"github.com/dvloznov/bank-sync/internal/suggest"
)

// mfaTokenEnv guards the HTTP inbox when set.
const mfaTokenEnv = "MFA_API_TOKEN"

type runOptions struct {
	banks          []string
	accounts       []string
	startDate      string
	endDate        string
	skipExtraction bool
	skipLoading    bool
	exportXLSX     string
	mfaListen      string
}

func newRunCommand(g *globalOptions) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Extract, reconcile and load transactions",
		Long: `Run logs into every selected institution, downloads the account exports
for the date range, reconciles them into one batch and loads it into BigQuery.

Exit status is 0 when every institution succeeded, 1 when any institution
failed or the load failed, and 2 when some account types failed.`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.banks = bankIDs(opts.banks, args)
			return runSync(cmd, g, opts)
		},
	}

	f := cmd.Flags()
	f.StringSliceVar(&opts.banks, "banks", nil, "institution ids to run, or all (default all registered)")
	f.StringSliceVar(&opts.accounts, "accounts", nil, "account types to extract, overriding each bank's defaults")
	f.StringVar(&opts.startDate, "start-date", "", "first day to extract, YYYY-MM-DD (default day after latest loaded)")
	f.StringVar(&opts.endDate, "end-date", "", "exclusive end of the range, YYYY-MM-DD (default tomorrow)")
	f.BoolVar(&opts.skipExtraction, "skip-extraction", false, "reuse the newest exports already in the download dir")
	f.BoolVar(&opts.skipLoading, "skip-loading", false, "do everything except writing to BigQuery")
	f.StringVar(&opts.exportXLSX, "export-xlsx", "", "write the reconciled batch to this workbook")
	f.StringVar(&opts.mfaListen, "mfa-listen", "", "address for the HTTP MFA inbox (overrides mfa.listen_addr)")
	return cmd
}

// bankIDs merges --banks values with positional ids, so both
// "--banks chase,citi" and "--banks chase citi" select two institutions.
func bankIDs(flagVals, args []string) []string {
	ids := make([]string, 0, len(flagVals)+len(args))
	ids = append(ids, flagVals...)
	return append(ids, args...)
}

func runSync(cmd *cobra.Command, g *globalOptions, opts *runOptions) error {
	settings, log, err := g.load()
	if err != nil {
		return err
	}

	start, err := parseDate(opts.startDate)
	if err != nil {
		return fmt.Errorf("--start-date: %w", err)
	}
	end, err := parseDate(opts.endDate)
	if err != nil {
		return fmt.Errorf("--end-date: %w", err)
	}
	if start != nil && end != nil && !start.Before(*end) {
		return fmt.Errorf("--start-date %s must be before --end-date %s", start, end)
	}
	accountTypes, err := parseAccountTypes(opts.accounts)
	if err != nil {
		return fmt.Errorf("--accounts: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithContext(ctx, log)

	reg, err := registry(settings)
	if err != nil {
		return err
	}
	institutions := institutionIDs(reg, opts.banks)

	engine, rules, err := buildEngine(settings, log)
	if err != nil {
		return err
	}

	store := inmemory.NewStore()
	deps := pipeline.Deps{
		Extractors: reg,
		Engine:     engine,
		Exporter:   export.NewWorkbookExporter(),
		Jobs:       store,
	}

	listen := settings.MFA.ListenAddr
	if opts.mfaListen != "" {
		listen = opts.mfaListen
	}
	var inbox *mfa.Inbox
	if listen != "" && !opts.skipExtraction {
		inbox = mfa.NewInbox(settings.Session.MFAWait)
		known := func(id string) bool {
			_, err := reg.Bank(id)
			return err == nil
		}
		router := api.NewRouter(
			handlers.NewMFAHandler(inbox, known, log),
			handlers.NewJobsHandler(store, log),
			os.Getenv(mfaTokenEnv),
			log,
		)
		srv, err := api.Listen(listen, router, log)
		if err != nil {
			return fmt.Errorf("starting MFA inbox: %w", err)
		}
		srvCtx, stopServer := context.WithCancel(ctx)
		served := make(chan struct{})
		go func() {
			defer close(served)
			if err := srv.Serve(srvCtx); err != nil {
				log.Error().Err(err).Msg("MFA inbox stopped")
			}
		}()
		defer func() {
			stopServer()
			<-served
		}()
	}

	if !opts.skipExtraction {
		codes, err := codeProvider(settings, inbox, cmd)
		if err != nil {
			return err
		}
		deps.ExtractorDeps = extractor.Deps{
			Drivers:     driverFactory(settings),
			Codes:       codes,
			Credentials: config.CredentialsFor,
			Session:     settings.Session,
		}
	}

	if !opts.skipLoading {
		repo, err := infraBQ.NewBigQueryRepository(ctx, settings.BigQuery)
		if err != nil {
			return err
		}
		defer repo.Close()
		deps.Transactions = repo
		deps.Runs = repo
	}

	if settings.Archive.Bucket != "" && !opts.skipExtraction {
		storage, err := gcsuploader.NewGCSStorageService(ctx)
		if err != nil {
			return err
		}
		defer storage.Close()
		archiver, err := gcsuploader.NewArchiver(storage, settings.Archive.Bucket, settings.Archive.Prefix)
		if err != nil {
			return err
		}
		deps.Archiver = archiver
	}

	if settings.Suggest.Enabled {
		suggester, err := suggest.NewGeminiSuggester(ctx, settings.Suggest.Model, suggest.TaxonomyFromRules(rules))
		if err != nil {
			return err
		}
		deps.Suggester = suggester
	}

	runner, err := pipeline.NewRunner(deps, pipeline.Options{
		Institutions:   institutions,
		AccountTypes:   accountTypes,
		Start:          start,
		End:            end,
		Location:       settings.Location(),
		PoolSize:       settings.Pipeline.PoolSize,
		DownloadDir:    settings.Pipeline.DownloadDir,
		SkipExtraction: opts.skipExtraction,
		ExportPath:     opts.exportXLSX,
	})
	if err != nil {
		return err
	}

	summary, runErr := runner.Run(ctx)
	if summary != nil {
		if err := summary.Write(cmd.OutOrStdout()); err != nil {
			log.Warn().Err(err).Msg("Failed to print run summary")
		}
	}
	if runErr != nil {
		return &exitCodeError{code: pipeline.ExitFailed, err: runErr}
	}
	if code := summary.ExitCode(); code != pipeline.ExitOK {
		return &exitCodeError{code: code}
	}
	return nil
}

// buildEngine compiles rules.yaml. A missing rules file leaves every record
// uncategorized rather than failing the run.
func buildEngine(settings *config.Settings, log zerolog.Logger) (*reconcile.Engine, reconcile.RuleSet, error) {
	specs, err := config.LoadRules(settings.Pipeline.RulesPath)
	if errors.Is(err, fs.ErrNotExist) {
		log.Warn().Str("path", settings.Pipeline.RulesPath).Msg("No rules file; transactions will not be categorized")
		specs, err = nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	rules, err := reconcile.CompileRules(specs)
	if err != nil {
		return nil, nil, err
	}
	return reconcile.NewEngine(rules, reconcile.OptionsFromSettings(settings.Reconcile)), rules, nil
}

// codeProvider races the terminal prompt against the HTTP inbox, whichever
// is configured.
func codeProvider(settings *config.Settings, inbox *mfa.Inbox, cmd *cobra.Command) (mfa.CodeProvider, error) {
	var providers []mfa.CodeProvider
	if settings.MFA.Prompt {
		providers = append(providers, mfa.NewPrompter(cmd.InOrStdin(), cmd.ErrOrStderr()))
	}
	if inbox != nil {
		providers = append(providers, inbox)
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("no MFA code source: enable mfa.prompt or set --mfa-listen")
	}
	return mfa.Race(providers...), nil
}

// driverFactory launches one Chrome per institution, downloading into its
// own directory under the pipeline download dir.
func driverFactory(settings *config.Settings) extractor.DriverFactory {
	return func(ctx context.Context, institutionID string) (session.Driver, error) {
		chrome, err := browser.New(ctx, browser.Options{
			DownloadDir: filepath.Join(settings.Pipeline.DownloadDir, institutionID),
			Headless:    settings.Pipeline.Headless,
		})
		if err != nil {
			return nil, err
		}
		return chrome, nil
	}
}

// parseDate parses YYYY-MM-DD. An empty string means "use the default".
func parseDate(s string) (*civil.Date, error) {
	if s == "" {
		return nil, nil
	}
	d, err := civil.ParseDate(s)
	if err != nil {
		return nil, fmt.Errorf("invalid date %q, want YYYY-MM-DD", s)
	}
	return &d, nil
}

func parseAccountTypes(values []string) ([]domain.AccountType, error) {
	if len(values) == 0 {
		return nil, nil
	}
	out := make([]domain.AccountType, 0, len(values))
	seen := make(map[domain.AccountType]bool, len(values))
	for _, v := range values {
		at, err := domain.ParseAccountType(v)
		if err != nil {
			return nil, err
		}
		if !seen[at] {
			seen[at] = true
			out = append(out, at)
		}
	}
	return out, nil
}
