package extractor

import (
	"context"
	"fmt"
	"time"

	"github.com/dvloznov/bank-sync/internal/config"
	"github.com/dvloznov/bank-sync/internal/domain"
	"github.com/dvloznov/bank-sync/internal/logger"
	"github.com/dvloznov/bank-sync/internal/mfa"
	"github.com/dvloznov/bank-sync/internal/session"
)

// logoutTimeout bounds the best-effort logout after the account loop.
const logoutTimeout = 15 * time.Second

// DriverFactory opens a fresh browser for one institution. The session that
// receives the driver closes it.
type DriverFactory func(ctx context.Context, institutionID string) (session.Driver, error)

// CredentialSource looks up the login for one institution.
type CredentialSource func(institutionID string) (config.Credentials, error)

// Deps are the collaborators every browser extractor shares.
type Deps struct {
	Drivers     DriverFactory
	Codes       mfa.CodeProvider
	Credentials CredentialSource
	Session     config.SessionSettings
}

// BrowserExtractor runs the login, navigate, download cycle for any
// institution described by a config.Bank. Institution differences live in
// the bank's selectors, account codes and landmark overrides.
type BrowserExtractor struct {
	bank      config.Bank
	deps      Deps
	landmarks session.LandmarkTable
}

// NewBrowserExtractor is the Constructor for data-driven institutions.
func NewBrowserExtractor(bank config.Bank, deps Deps) (Extractor, error) {
	if deps.Drivers == nil {
		return nil, fmt.Errorf("%s: driver factory is required", bank.InstitutionID)
	}
	if deps.Credentials == nil {
		deps.Credentials = config.CredentialsFor
	}
	landmarks, err := session.DefaultLandmarks().WithOverrides(bank.Landmarks)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", bank.InstitutionID, err)
	}
	return &BrowserExtractor{bank: bank, deps: deps, landmarks: landmarks}, nil
}

func (e *BrowserExtractor) InstitutionID() string { return e.bank.InstitutionID }

// Extract authenticates once and downloads each requested account type in
// turn on the same session.
func (e *BrowserExtractor) Extract(ctx context.Context, req domain.ExtractionRequest) (Result, error) {
	id := e.bank.InstitutionID
	result := Result{InstitutionID: id}
	if req.InstitutionID() != id {
		return result, fmt.Errorf("extractor %s cannot serve request for %s", id, req.InstitutionID())
	}
	log := logger.FromContext(ctx).With().Str("institution_id", id).Logger()
	if r := req.DateRange(); r.Empty() {
		log.Info().Str("range", r.String()).Msg("empty date range, nothing to download")
		return result, nil
	}

	creds, err := e.deps.Credentials(id)
	if err != nil {
		return result, fmt.Errorf("%s: %w: %w", id, domain.ErrAuthenticationFailed, err)
	}
	driver, err := e.deps.Drivers(ctx, id)
	if err != nil {
		return result, fmt.Errorf("%s: %w: opening browser: %w", id, domain.ErrAuthenticationFailed, err)
	}

	sess, err := session.New(session.Options{
		InstitutionID: id,
		LoginURL:      e.bank.LoginURL,
		Driver:        driver,
		Selectors:     session.Selectors(e.bank.Selectors),
		Landmarks:     e.landmarks,
		Codes:         e.deps.Codes,
		Config:        session.ConfigFromSettings(e.deps.Session, e.bank.DateInputFormat),
		Logger:        log,
	})
	if err != nil {
		driver.Close()
		return result, err
	}
	defer sess.Close()

	if err := sess.Authenticate(ctx, creds); err != nil {
		return result, err
	}

	var (
		succeeded []domain.AccountType
		failed    = make(map[domain.AccountType]error)
	)
	for _, at := range req.AccountTypes() {
		alog := log.With().Str("account_type", string(at)).Logger()
		if err := ctx.Err(); err != nil {
			failed[at] = err
			continue
		}

		batch, err := e.extractAccount(ctx, sess, at, req.DateRange())
		if err != nil {
			alog.Error().Err(err).Msg("account extraction failed")
			failed[at] = err
			continue
		}
		alog.Info().Int("records", len(batch.Records)).Str("artifact", batch.ArtifactPath).Msg("account extracted")
		result.Batches = append(result.Batches, batch)
		succeeded = append(succeeded, at)
	}

	e.logout(ctx, sess)
	return result, AccountFailures(id, succeeded, failed)
}

func (e *BrowserExtractor) extractAccount(ctx context.Context, sess *session.Session, at domain.AccountType, r domain.DateRange) (AccountBatch, error) {
	layout, err := e.bank.LayoutFor(at)
	if err != nil {
		return AccountBatch{}, fmt.Errorf("%w: %w", domain.ErrDownloadFailed, err)
	}
	code := e.bank.AccountCode(at)
	if code == "" {
		code = string(at)
	}

	if err := sess.NavigateToAccount(ctx, code); err != nil {
		return AccountBatch{}, err
	}
	if err := sess.SetDateRange(ctx, r); err != nil {
		return AccountBatch{}, err
	}
	path, err := sess.Download(ctx)
	if err != nil {
		return AccountBatch{}, err
	}
	records, err := ReadExportFile(path, layout)
	if err != nil {
		return AccountBatch{}, fmt.Errorf("%w: %s: %w", domain.ErrDownloadFailed, path, err)
	}
	return AccountBatch{AccountType: at, ArtifactPath: path, Records: records}, nil
}

// logout runs even when ctx was cancelled mid-loop, under its own short deadline.
func (e *BrowserExtractor) logout(ctx context.Context, sess *session.Session) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), logoutTimeout)
	defer cancel()
	sess.Logout(ctx)
}

// Bank exposes the configuration the extractor runs with.
func (e *BrowserExtractor) Bank() config.Bank { return e.bank }

var _ Extractor = (*BrowserExtractor)(nil)
