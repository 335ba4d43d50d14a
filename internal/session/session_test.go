package session_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/bank-sync/internal/config"
	"github.com/dvloznov/bank-sync/internal/domain"
	"github.com/dvloznov/bank-sync/internal/mfa"
	"github.com/dvloznov/bank-sync/internal/session"
	"github.com/dvloznov/bank-sync/internal/session/sessiontest"
)

var creds = config.Credentials{Username: "alice", Password: "hunter2"}

func staticCode(code string, seen *[]mfa.Challenge) mfa.CodeProvider {
	return mfa.ProviderFunc(func(ctx context.Context, ch mfa.Challenge) (string, error) {
		if seen != nil {
			*seen = append(*seen, ch)
		}
		return code, nil
	})
}

func newSession(t *testing.T, d *sessiontest.Driver, sel session.Selectors, codes mfa.CodeProvider) *session.Session {
	t.Helper()
	s, err := session.New(session.Options{
		InstitutionID: "testbank",
		LoginURL:      "https://bank.example/login",
		Driver:        d,
		Selectors:     sel,
		Codes:         codes,
		Config:        sessiontest.FastConfig(),
		Logger:        zerolog.Nop(),
	})
	require.NoError(t, err)
	return s
}

func loginPage() *sessiontest.Driver {
	d := sessiontest.NewDriver()
	d.Show(session.SelUsername, session.SelPassword)
	return d
}

func TestAuthenticate_DirectToDashboard(t *testing.T) {
	d := loginPage()
	d.OnClick(session.SelLoginSubmit, func(d *sessiontest.Driver) { d.Show(session.SelDashboard) })

	s := newSession(t, d, sessiontest.LoginSelectors(), nil)
	require.NoError(t, s.Authenticate(context.Background(), creds))

	st := s.State()
	assert.Equal(t, session.PhaseAuthenticated, st.Phase)
	assert.Equal(t, 0, st.RetryCount)
	assert.Equal(t, "alice", d.Typed(session.SelUsername))
	assert.Equal(t, "hunter2", d.Typed(session.SelPassword))
}

func TestAuthenticate_MFAThenDeviceTrust(t *testing.T) {
	d := loginPage()
	d.OnClick(session.SelLoginSubmit, func(d *sessiontest.Driver) { d.Show(session.SelOTPField) })
	d.OnClick(session.SelMFASubmit, func(d *sessiontest.Driver) {
		d.Hide(session.SelOTPField)
		d.Show(session.SelDeviceTrust)
	})
	d.OnClick(session.SelTrustContinue, func(d *sessiontest.Driver) {
		d.Hide(session.SelDeviceTrust)
		d.Show(session.SelDashboard)
	})

	var seen []mfa.Challenge
	s := newSession(t, d, sessiontest.LoginSelectors(), staticCode("123456", &seen))
	require.NoError(t, s.Authenticate(context.Background(), creds))

	assert.Equal(t, session.PhaseAuthenticated, s.State().Phase)
	assert.Equal(t, "123456", d.Typed(session.SelOTPField))
	require.Len(t, seen, 1)
	assert.Equal(t, mfa.KindOTP, seen[0].Kind)
	assert.Equal(t, "testbank", seen[0].InstitutionID)
	assert.Equal(t, 1, d.ClickCount(session.SelTrustContinue))
}

func TestAuthenticate_CaptchaUsesSameContract(t *testing.T) {
	d := loginPage()
	d.OnClick(session.SelLoginSubmit, func(d *sessiontest.Driver) { d.Show(session.SelCaptchaField) })
	d.OnClick(session.SelMFASubmit, func(d *sessiontest.Driver) { d.Show(session.SelDashboard) })

	var seen []mfa.Challenge
	s := newSession(t, d, sessiontest.LoginSelectors(), staticCode("XK3P", &seen))
	require.NoError(t, s.Authenticate(context.Background(), creds))

	require.Len(t, seen, 1)
	assert.Equal(t, mfa.KindCaptcha, seen[0].Kind)
	assert.Equal(t, "XK3P", d.Typed(session.SelCaptchaField))
}

func TestAuthenticate_TimeoutRetriesThenFails(t *testing.T) {
	d := loginPage() // submit leads nowhere

	s := newSession(t, d, sessiontest.LoginSelectors(), nil)
	err := s.Authenticate(context.Background(), creds)

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAuthenticationFailed)
	assert.ErrorIs(t, err, domain.ErrTimeout)
	assert.NotErrorIs(t, err, domain.ErrAuthRejected)

	st := s.State()
	assert.Equal(t, session.PhaseFailed, st.Phase)
	assert.Equal(t, sessiontest.FastConfig().MaxRetries, st.RetryCount)
	assert.Equal(t, 1, d.ClickCount(session.SelLoginSubmit), "credentials are submitted once; only the wait is retried")
}

func TestAuthenticate_RejectionIsFatalWithoutRetry(t *testing.T) {
	d := loginPage()
	d.OnClick(session.SelLoginSubmit, func(d *sessiontest.Driver) { d.Show(session.SelLoginError) })

	s := newSession(t, d, sessiontest.LoginSelectors(), nil)
	err := s.Authenticate(context.Background(), creds)

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAuthRejected)
	assert.ErrorIs(t, err, domain.ErrAuthenticationFailed)
	assert.False(t, domain.IsTransient(err))

	st := s.State()
	assert.Equal(t, session.PhaseFailed, st.Phase)
	assert.Equal(t, 0, st.RetryCount)
}

func TestAuthenticate_MFAWaitIsBounded(t *testing.T) {
	d := loginPage()
	d.OnClick(session.SelLoginSubmit, func(d *sessiontest.Driver) { d.Show(session.SelOTPField) })

	never := mfa.ProviderFunc(func(ctx context.Context, ch mfa.Challenge) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	s := newSession(t, d, sessiontest.LoginSelectors(), never)

	start := time.Now()
	err := s.Authenticate(context.Background(), creds)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, session.PhaseFailed, s.State().Phase)
}

func TestAuthenticate_CancellationAbortsWait(t *testing.T) {
	d := loginPage()
	cfg := sessiontest.FastConfig()
	cfg.LandmarkTimeout = time.Minute
	s, err := session.New(session.Options{
		InstitutionID: "testbank",
		Driver:        d,
		Selectors:     sessiontest.LoginSelectors(),
		Config:        cfg,
		Logger:        zerolog.Nop(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err = s.Authenticate(ctx, creds)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 0, s.State().RetryCount)

	require.NoError(t, s.Close())
	assert.Equal(t, 1, d.Closes())
}

func TestAuthenticate_MissingSelectorIsFatal(t *testing.T) {
	d := loginPage()
	sel := sessiontest.LoginSelectors()
	delete(sel, session.SelLoginSubmit)

	s := newSession(t, d, sel, nil)
	err := s.Authenticate(context.Background(), creds)
	assert.ErrorIs(t, err, domain.ErrMissingSelector)
	assert.Equal(t, 0, s.State().RetryCount)
}

func authenticated(t *testing.T, sel session.Selectors) (*sessiontest.Driver, *session.Session) {
	t.Helper()
	d := loginPage()
	d.OnClick(session.SelLoginSubmit, func(d *sessiontest.Driver) { d.Show(session.SelDashboard) })
	s := newSession(t, d, sel, nil)
	require.NoError(t, s.Authenticate(context.Background(), creds))
	return d, s
}

func TestNavigateAndDownload(t *testing.T) {
	sel := sessiontest.LoginSelectors()
	sel[session.SelAccountLink] = "account-{code}"
	d, s := authenticated(t, sel)

	d.OnClick("account-DDA", func(d *sessiontest.Driver) { d.Show(session.SelDownloadPanel) })
	d.OnClick(session.SelDownload, func(d *sessiontest.Driver) {
		d.AddArtifact("/dl/Checking1.csv.crdownload")
		d.AddArtifact("/dl/Checking1.csv")
	})
	d.AddArtifact("/dl/old.csv")

	ctx := context.Background()
	require.NoError(t, s.NavigateToAccount(ctx, "DDA"))
	assert.Equal(t, session.PhaseDownloadReady, s.State().Phase)

	r, err := domain.NewDateRange(civil.Date{Year: 2025, Month: 1, Day: 1}, civil.Date{Year: 2025, Month: 2, Day: 1})
	require.NoError(t, err)
	require.NoError(t, s.SetDateRange(ctx, r))
	assert.Equal(t, "01/01/2025", d.Typed(session.SelStartDate))
	assert.Equal(t, "01/31/2025", d.Typed(session.SelEndDate))

	path, err := s.Download(ctx)
	require.NoError(t, err)
	assert.Equal(t, "/dl/Checking1.csv", path)
	assert.Equal(t, session.PhaseDownloaded, s.State().Phase)

	s.Logout(ctx)
	assert.Equal(t, 1, d.ClickCount(session.SelLogout))
}

func TestNavigate_FailureKeepsSessionUsable(t *testing.T) {
	sel := sessiontest.LoginSelectors()
	sel[session.SelAccountLink] = "account-{code}"
	d, s := authenticated(t, sel)
	d.OnClick("account-DDA", func(d *sessiontest.Driver) { d.Show(session.SelDownloadPanel) })

	ctx := context.Background()
	err := s.NavigateToAccount(ctx, "CCA")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNavigationFailed)
	assert.ErrorIs(t, err, domain.ErrTimeout)
	assert.Equal(t, session.PhaseAuthenticated, s.State().Phase)
	assert.Equal(t, 1+sessiontest.FastConfig().MaxRetries, d.ClickCount("account-CCA"))

	require.NoError(t, s.NavigateToAccount(ctx, "DDA"))
}

func TestDownload_NoArtifact(t *testing.T) {
	sel := sessiontest.LoginSelectors()
	d, s := authenticated(t, sel)
	d.Show(session.SelDownloadPanel)

	ctx := context.Background()
	require.NoError(t, s.NavigateToAccount(ctx, "X"))
	d.OnClick(session.SelDownload, func(d *sessiontest.Driver) { d.AddArtifact("/dl/export.csv.part") })

	_, err := s.Download(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDownloadFailed)
	assert.ErrorIs(t, err, domain.ErrTimeout)
	assert.Equal(t, session.PhaseAuthenticated, s.State().Phase)
}

func TestNavigate_RequiresAuthentication(t *testing.T) {
	d := loginPage()
	s := newSession(t, d, sessiontest.LoginSelectors(), nil)
	err := s.NavigateToAccount(context.Background(), "DDA")
	assert.ErrorIs(t, err, domain.ErrNavigationFailed)
}

func TestClose_ReleasesOnce(t *testing.T) {
	d := loginPage()
	s := newSession(t, d, sessiontest.LoginSelectors(), nil)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, 1, d.Closes())
}

func TestLandmarkOverrides(t *testing.T) {
	table, err := session.DefaultLandmarks().WithOverrides(map[string][]config.LandmarkSpec{
		"CREDENTIALS_SUBMITTED": {
			{Selector: "custom.error", Reject: true},
			{Selector: session.SelDashboard, Next: "AUTHENTICATED"},
		},
	})
	require.NoError(t, err)
	require.Len(t, table[session.PhaseCredentialsSubmitted], 2)
	assert.True(t, table[session.PhaseCredentialsSubmitted][0].Reject)
	assert.Len(t, session.DefaultLandmarks()[session.PhaseCredentialsSubmitted], 5, "defaults are not mutated")

	_, err = session.DefaultLandmarks().WithOverrides(map[string][]config.LandmarkSpec{
		"NOT_A_PHASE": {{Selector: "x", Next: "AUTHENTICATED"}},
	})
	assert.Error(t, err)
}

func TestPhaseString(t *testing.T) {
	for _, p := range []session.Phase{session.PhaseInit, session.PhaseMFAPending, session.PhaseFailed} {
		parsed, err := session.ParsePhase(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, parsed)
	}
}
