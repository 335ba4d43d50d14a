// Package session drives one authenticated browser session per institution.
//
// Authentication is a landmark-polled state machine: after each action the
// session polls for any of the current phase's candidate landmarks and the
// first one seen decides the next phase. Timeouts are transient and retried
// with exponential backoff; rejection landmarks fail immediately.
package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/dvloznov/bank-sync/internal/config"
	"github.com/dvloznov/bank-sync/internal/domain"
	"github.com/dvloznov/bank-sync/internal/mfa"
)

// maxAuthSteps bounds landmark transitions during login so a portal that
// keeps bouncing between MFA and device trust cannot loop forever.
const maxAuthSteps = 8

// partialSuffixes mark downloads the browser has not finished writing.
var partialSuffixes = []string{".crdownload", ".part", ".tmp"}

// Config bounds every wait in a session.
type Config struct {
	LandmarkTimeout time.Duration
	PollInterval    time.Duration
	MFAWait         time.Duration
	DownloadTimeout time.Duration
	MaxRetries      int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	DateInputFormat string // Go layout typed into portal date fields
}

// ConfigFromSettings maps settings.yaml values onto a session Config.
func ConfigFromSettings(s config.SessionSettings, dateInputFormat string) Config {
	return Config{
		LandmarkTimeout: s.LandmarkTimeout,
		PollInterval:    s.PollInterval,
		MFAWait:         s.MFAWait,
		DownloadTimeout: s.DownloadTimeout,
		MaxRetries:      s.MaxRetries,
		InitialBackoff:  s.InitialBackoff,
		MaxBackoff:      s.MaxBackoff,
		DateInputFormat: dateInputFormat,
	}
}

// Options wires a Session.
type Options struct {
	InstitutionID string
	LoginURL      string
	Driver        Driver
	Selectors     Selectors
	Landmarks     LandmarkTable // DefaultLandmarks() when nil
	Codes         mfa.CodeProvider
	Config        Config
	Logger        zerolog.Logger
}

// Session owns one browser resource. Operations are serialized: the browser
// only supports one navigation at a time.
type Session struct {
	opMu sync.Mutex

	institutionID string
	loginURL      string
	driver        Driver
	selectors     Selectors
	landmarks     LandmarkTable
	codes         mfa.CodeProvider
	cfg           Config
	log           zerolog.Logger

	stateMu sync.RWMutex
	state   State

	closeOnce sync.Once
	closeErr  error
}

// New validates options and returns a session in PhaseInit.
func New(opts Options) (*Session, error) {
	if opts.Driver == nil {
		return nil, fmt.Errorf("session: driver is required")
	}
	if opts.InstitutionID == "" {
		return nil, fmt.Errorf("session: institution id is required")
	}
	if opts.Config.PollInterval <= 0 {
		return nil, fmt.Errorf("session %s: poll interval must be positive", opts.InstitutionID)
	}
	if opts.Config.DateInputFormat == "" {
		opts.Config.DateInputFormat = "01/02/2006"
	}
	landmarks := opts.Landmarks
	if landmarks == nil {
		landmarks = DefaultLandmarks()
	}
	return &Session{
		institutionID: opts.InstitutionID,
		loginURL:      opts.LoginURL,
		driver:        opts.Driver,
		selectors:     opts.Selectors,
		landmarks:     landmarks,
		codes:         opts.Codes,
		cfg:           opts.Config,
		log:           opts.Logger.With().Str("institution_id", opts.InstitutionID).Logger(),
		state:         State{Phase: PhaseInit, InstitutionID: opts.InstitutionID},
	}, nil
}

// State returns a snapshot of the session bookkeeping.
func (s *Session) State() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

func (s *Session) phase() Phase {
	return s.State().Phase
}

func (s *Session) setPhase(p Phase) {
	s.stateMu.Lock()
	prev := s.state.Phase
	s.state.Phase = p
	if p != PhaseFailed {
		s.state.RetryCount = 0
	}
	s.stateMu.Unlock()
	s.log.Debug().Str("from", prev.String()).Str("phase", p.String()).Msg("session transition")
}

func (s *Session) setRetry(n int, err error) {
	s.stateMu.Lock()
	s.state.RetryCount = n
	s.state.LastError = err
	s.stateMu.Unlock()
}

func (s *Session) recordError(err error) {
	s.stateMu.Lock()
	s.state.LastError = err
	s.stateMu.Unlock()
}

func (s *Session) fail(err error) {
	s.stateMu.Lock()
	s.state.Phase = PhaseFailed
	s.state.LastError = err
	s.stateMu.Unlock()
	s.log.Warn().Err(err).Msg("session failed")
}

// Authenticate logs in and walks whatever MFA and device-trust steps the
// portal inserts. Failures wrap domain.ErrAuthenticationFailed together with
// the cause (domain.ErrTimeout or domain.ErrAuthRejected).
func (s *Session) Authenticate(ctx context.Context, creds config.Credentials) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if p := s.phase(); p != PhaseInit {
		return fmt.Errorf("%s: %w: session already in %s", s.institutionID, domain.ErrAuthenticationFailed, p)
	}

	if err := s.authenticate(ctx, creds); err != nil {
		err = fmt.Errorf("%s: %w: %w", s.institutionID, domain.ErrAuthenticationFailed, err)
		s.fail(err)
		return err
	}
	s.log.Info().Msg("authenticated")
	return nil
}

func (s *Session) authenticate(ctx context.Context, creds config.Credentials) error {
	if err := s.retry(ctx, "submit credentials", func(ctx context.Context) error {
		return s.submitCredentials(ctx, creds)
	}); err != nil {
		return err
	}
	s.setPhase(PhaseCredentialsSubmitted)

	for step := 0; step < maxAuthSteps; step++ {
		current := s.phase()
		if current == PhaseAuthenticated {
			return nil
		}

		var lm Landmark
		err := s.retry(ctx, "await "+current.String(), func(ctx context.Context) error {
			found, err := s.awaitLandmark(ctx, current)
			lm = found
			return err
		})
		if err != nil {
			return err
		}
		if lm.Reject {
			return fmt.Errorf("%w: %s visible", domain.ErrAuthRejected, lm.Selector)
		}

		s.log.Debug().Str("landmark", lm.Selector).Msg("landmark observed")
		s.setPhase(lm.Next)

		switch lm.Next {
		case PhaseMFAPending:
			if err := s.answerChallenge(ctx, lm); err != nil {
				return err
			}
		case PhaseDeviceTrustPrompt:
			if err := s.confirmDevice(ctx); err != nil {
				return err
			}
		}
	}
	if s.phase() == PhaseAuthenticated {
		return nil
	}
	return fmt.Errorf("login did not reach the dashboard after %d steps", maxAuthSteps)
}

func (s *Session) submitCredentials(ctx context.Context, creds config.Credentials) error {
	user, err := s.selectors.Lookup(SelUsername)
	if err != nil {
		return err
	}
	pass, err := s.selectors.Lookup(SelPassword)
	if err != nil {
		return err
	}
	submit, err := s.selectors.Lookup(SelLoginSubmit)
	if err != nil {
		return err
	}

	if s.loginURL != "" {
		if err := s.driver.Navigate(ctx, s.loginURL); err != nil {
			return fmt.Errorf("opening login page: %w", err)
		}
	}
	if err := s.driver.WaitFor(ctx, user, s.cfg.LandmarkTimeout); err != nil {
		return fmt.Errorf("waiting for login form: %w", err)
	}
	if err := s.driver.Type(ctx, user, creds.Username); err != nil {
		return fmt.Errorf("typing username: %w", err)
	}
	if err := s.driver.Type(ctx, pass, creds.Password); err != nil {
		return fmt.Errorf("typing password: %w", err)
	}
	if err := s.driver.Click(ctx, submit); err != nil {
		return fmt.Errorf("submitting credentials: %w", err)
	}
	return nil
}

// answerChallenge blocks for an out-of-band code, bounded by MFAWait and ctx.
func (s *Session) answerChallenge(ctx context.Context, lm Landmark) error {
	kind, field := mfa.KindOTP, SelOTPField
	if lm.Selector == SelCaptchaField {
		kind, field = mfa.KindCaptcha, SelCaptchaField
	}
	input, err := s.selectors.Lookup(field)
	if err != nil {
		return err
	}
	submit, err := s.selectors.Lookup(SelMFASubmit)
	if err != nil {
		return err
	}
	if s.codes == nil {
		return fmt.Errorf("%s challenge but no code provider is configured", kind)
	}

	s.log.Info().Str("challenge", string(kind)).Dur("wait", s.cfg.MFAWait).Msg("waiting for out-of-band code")

	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.MFAWait)
	code, err := s.codes.AwaitCode(waitCtx, mfa.Challenge{
		InstitutionID: s.institutionID,
		Kind:          kind,
		IssuedAt:      time.Now(),
	})
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: no %s code within %s", domain.ErrTimeout, kind, s.cfg.MFAWait)
		}
		return fmt.Errorf("obtaining %s code: %w", kind, err)
	}

	if err := s.driver.Type(ctx, input, code); err != nil {
		return fmt.Errorf("typing %s code: %w", kind, err)
	}
	if err := s.driver.Click(ctx, submit); err != nil {
		return fmt.Errorf("submitting %s code: %w", kind, err)
	}
	return nil
}

func (s *Session) confirmDevice(ctx context.Context) error {
	if remember, ok := s.selectors.Optional(SelTrustRemember); ok {
		if err := s.driver.Click(ctx, remember); err != nil {
			s.log.Debug().Err(err).Msg("remember-device checkbox not clickable")
		}
	}
	cont, err := s.selectors.Lookup(SelTrustContinue)
	if err != nil {
		return err
	}
	if err := s.driver.Click(ctx, cont); err != nil {
		return fmt.Errorf("confirming device: %w", err)
	}
	return nil
}

// awaitLandmark polls the phase's candidates until one is present or the
// landmark timeout passes. Candidates without a configured selector are skipped.
func (s *Session) awaitLandmark(ctx context.Context, p Phase) (Landmark, error) {
	type candidate struct {
		Landmark
		locator string
	}
	var cands []candidate
	for _, lm := range s.landmarks[p] {
		if loc, ok := s.selectors.Optional(lm.Selector); ok {
			cands = append(cands, candidate{lm, loc})
		}
	}
	if len(cands) == 0 {
		return Landmark{}, fmt.Errorf("%w: no landmark selectors configured for %s", domain.ErrMissingSelector, p)
	}

	pollCtx, cancel := context.WithTimeout(ctx, s.cfg.LandmarkTimeout)
	defer cancel()
	lim := rate.NewLimiter(rate.Every(s.cfg.PollInterval), 1)

	for {
		if err := lim.Wait(pollCtx); err != nil {
			if ctx.Err() != nil {
				return Landmark{}, ctx.Err()
			}
			return Landmark{}, fmt.Errorf("%w: no landmark for %s within %s", domain.ErrTimeout, p, s.cfg.LandmarkTimeout)
		}
		for _, c := range cands {
			_, err := s.driver.Find(pollCtx, c.locator)
			if err == nil {
				return c.Landmark, nil
			}
			if !errors.Is(err, ErrElementNotFound) && pollCtx.Err() == nil {
				s.log.Debug().Err(err).Str("landmark", c.Selector).Msg("landmark probe failed")
			}
		}
	}
}

// NavigateToAccount opens the activity page for one account and waits for the
// download controls. A failure leaves the session authenticated so sibling
// accounts can still be tried.
func (s *Session) NavigateToAccount(ctx context.Context, code string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if p := s.phase(); !p.authenticated() {
		return fmt.Errorf("%w: session is %s", domain.ErrNavigationFailed, p)
	}
	s.setPhase(PhaseNavigating)

	err := s.retry(ctx, "navigate "+code, func(ctx context.Context) error {
		if link, ok := s.selectors.Optional(SelAccountLink); ok {
			if err := s.driver.Click(ctx, Expand(link, code)); err != nil {
				return fmt.Errorf("opening account %s: %w", code, err)
			}
		}
		if activity, ok := s.selectors.Optional(SelActivityLink); ok {
			if err := s.driver.Click(ctx, Expand(activity, code)); err != nil {
				return fmt.Errorf("opening activity: %w", err)
			}
		}
		lm, err := s.awaitLandmark(ctx, PhaseNavigating)
		if err != nil {
			return err
		}
		if lm.Reject {
			return fmt.Errorf("%s visible", lm.Selector)
		}
		if sel, ok := s.selectors.Optional(SelAccountSelect); ok {
			if err := s.driver.Type(ctx, Expand(sel, code), code); err != nil {
				return fmt.Errorf("selecting account %s: %w", code, err)
			}
		}
		return nil
	})
	if err != nil {
		err = fmt.Errorf("%w: account %s: %w", domain.ErrNavigationFailed, code, err)
		s.recordError(err)
		s.setPhase(PhaseAuthenticated)
		return err
	}
	s.setPhase(PhaseDownloadReady)
	return nil
}

// SetDateRange types the inclusive bounds of r into the export form. Portals
// without date fields export their default window.
func (s *Session) SetDateRange(ctx context.Context, r domain.DateRange) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if p := s.phase(); p != PhaseDownloadReady {
		return fmt.Errorf("%w: cannot set dates while %s", domain.ErrNavigationFailed, p)
	}
	start := r.Start.In(time.UTC).Format(s.cfg.DateInputFormat)
	end := r.LastDay().In(time.UTC).Format(s.cfg.DateInputFormat)

	for _, f := range []struct{ name, value string }{{SelStartDate, start}, {SelEndDate, end}} {
		loc, ok := s.selectors.Optional(f.name)
		if !ok {
			continue
		}
		if err := s.driver.Type(ctx, loc, f.value); err != nil {
			err = fmt.Errorf("%w: typing %s: %w", domain.ErrNavigationFailed, f.name, err)
			s.recordError(err)
			return err
		}
	}
	return nil
}

// Download triggers the export and waits for a new completed file in the
// download directory. It returns the file's path.
func (s *Session) Download(ctx context.Context) (string, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if p := s.phase(); p != PhaseDownloadReady {
		return "", fmt.Errorf("%w: session is %s", domain.ErrDownloadFailed, p)
	}
	button, err := s.selectors.Lookup(SelDownload)
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrDownloadFailed, err)
	}

	before, err := s.artifactSet(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: listing downloads: %w", domain.ErrDownloadFailed, err)
	}

	var path string
	err = s.retry(ctx, "download", func(ctx context.Context) error {
		if format, ok := s.selectors.Optional(SelFormatOption); ok {
			if err := s.driver.Click(ctx, format); err != nil {
				return fmt.Errorf("choosing export format: %w", err)
			}
		}
		if err := s.driver.Click(ctx, button); err != nil {
			return fmt.Errorf("clicking download: %w", err)
		}
		p, err := s.awaitArtifact(ctx, before)
		path = p
		return err
	})
	if err != nil {
		err = fmt.Errorf("%w: %w", domain.ErrDownloadFailed, err)
		s.recordError(err)
		s.setPhase(PhaseAuthenticated)
		return "", err
	}
	s.setPhase(PhaseDownloaded)
	s.log.Info().Str("artifact", path).Msg("export downloaded")
	return path, nil
}

func (s *Session) artifactSet(ctx context.Context) (map[string]bool, error) {
	files, err := s.driver.CurrentArtifacts(ctx)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(files))
	for _, f := range files {
		set[f] = true
	}
	return set, nil
}

func isPartial(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, suf := range partialSuffixes {
		if ext == suf {
			return true
		}
	}
	return false
}

func (s *Session) awaitArtifact(ctx context.Context, before map[string]bool) (string, error) {
	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.DownloadTimeout)
	defer cancel()
	lim := rate.NewLimiter(rate.Every(s.cfg.PollInterval), 1)

	for {
		if err := lim.Wait(waitCtx); err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", fmt.Errorf("%w: no export within %s", domain.ErrTimeout, s.cfg.DownloadTimeout)
		}
		files, err := s.driver.CurrentArtifacts(waitCtx)
		if err != nil {
			continue
		}
		var fresh []string
		for _, f := range files {
			if !before[f] && !isPartial(f) {
				fresh = append(fresh, f)
			}
		}
		if len(fresh) > 0 {
			sort.Strings(fresh)
			return fresh[0], nil
		}
	}
}

// Logout clicks the logout control when one is configured. Errors are logged only.
func (s *Session) Logout(ctx context.Context) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if !s.phase().authenticated() {
		return
	}
	loc, ok := s.selectors.Optional(SelLogout)
	if !ok {
		return
	}
	if err := s.driver.Click(ctx, loc); err != nil {
		s.log.Debug().Err(err).Msg("logout failed")
	}
}

// Close releases the browser exactly once. Later calls return the first result.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.driver.Close()
		s.log.Debug().Str("phase", s.phase().String()).Msg("session closed")
	})
	return s.closeErr
}

// retry runs op with exponential backoff, retrying only transient errors.
// RetryCount in the session state reflects the retries spent.
func (s *Session) retry(ctx context.Context, what string, op func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialBackoff
	if s.cfg.MaxBackoff > 0 {
		b.MaxInterval = s.cfg.MaxBackoff
	}
	b.MaxElapsedTime = 0

	retries := 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.cfg.MaxRetries)), ctx)
	return backoff.RetryNotify(func() error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		retries++
		s.setRetry(retries, err)
		s.log.Warn().Err(err).Str("step", what).Int("retry_count", retries).Dur("backoff", wait).Msg("retrying transient failure")
	})
}

func retryable(err error) bool {
	return domain.IsTransient(err) || errors.Is(err, ErrElementNotFound)
}
