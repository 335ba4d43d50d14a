package api_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/bank-sync/internal/api"
	"github.com/dvloznov/bank-sync/internal/api/handlers"
	"github.com/dvloznov/bank-sync/internal/jobs"
	"github.com/dvloznov/bank-sync/internal/jobs/inmemory"
	"github.com/dvloznov/bank-sync/internal/mfa"
)

type fixture struct {
	inbox *mfa.Inbox
	store *inmemory.Store
	srv   *httptest.Server
}

func newFixture(t *testing.T, token string) *fixture {
	t.Helper()
	log := zerolog.Nop()
	inbox := mfa.NewInbox(time.Minute)
	store := inmemory.NewStore()
	known := func(id string) bool { return id == "chase" || id == "wells_fargo" }

	router := api.NewRouter(
		handlers.NewMFAHandler(inbox, known, log),
		handlers.NewJobsHandler(store, log),
		token,
		log,
	)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &fixture{inbox: inbox, store: store, srv: srv}
}

func (f *fixture) do(t *testing.T, method, path, body string, header map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp, out
}

func TestSubmitCode_DeliversToWaitingSession(t *testing.T) {
	f := newFixture(t, "")

	got := make(chan string, 1)
	go func() {
		code, err := f.inbox.AwaitCode(context.Background(), mfa.Challenge{InstitutionID: "chase", Kind: mfa.KindOTP})
		if err == nil {
			got <- code
		}
	}()

	require.Eventually(t, func() bool { return len(f.inbox.Pending()) == 1 }, time.Second, 10*time.Millisecond)

	resp, body := f.do(t, http.MethodGet, "/api/mfa/pending", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["count"])

	resp, body = f.do(t, http.MethodPost, "/api/mfa/Chase", `{"code": "123 456"}`, nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "chase", body["institution_id"])

	select {
	case code := <-got:
		assert.Equal(t, "123456", code)
	case <-time.After(2 * time.Second):
		t.Fatal("waiting session never received the code")
	}
}

func TestSubmitCode_Validation(t *testing.T) {
	f := newFixture(t, "")

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{name: "unknown institution", method: http.MethodPost, path: "/api/mfa/acme", body: `{"code":"1"}`, want: http.StatusNotFound},
		{name: "missing code", method: http.MethodPost, path: "/api/mfa/chase", body: `{"code":" - "}`, want: http.StatusBadRequest},
		{name: "bad json", method: http.MethodPost, path: "/api/mfa/chase", body: `{`, want: http.StatusBadRequest},
		{name: "missing institution", method: http.MethodPost, path: "/api/mfa/", body: `{"code":"1"}`, want: http.StatusBadRequest},
		{name: "wrong method", method: http.MethodGet, path: "/api/mfa/chase", want: http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := f.do(t, tt.method, tt.path, tt.body, nil)
			assert.Equal(t, tt.want, resp.StatusCode)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestJobsEndpoints(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, f.store.SaveJob(ctx, &jobs.ExtractionJob{JobID: "a", RunID: "run-1", InstitutionID: "chase", Status: jobs.JobStatusCompleted, CreatedAt: now}))
	require.NoError(t, f.store.SaveJob(ctx, &jobs.ExtractionJob{JobID: "b", RunID: "run-1", InstitutionID: "wells_fargo", Status: jobs.JobStatusRunning, CreatedAt: now}))
	require.NoError(t, f.store.SaveJob(ctx, &jobs.ExtractionJob{JobID: "c", RunID: "run-2", InstitutionID: "chase", Status: jobs.JobStatusFailed, CreatedAt: now}))

	resp, body := f.do(t, http.MethodGet, "/api/jobs?run_id=run-1", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 2, body["count"])

	resp, body = f.do(t, http.MethodGet, "/api/jobs?status=failed", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["count"])

	resp, body = f.do(t, http.MethodGet, "/api/jobs/b", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "wells_fargo", body["institution_id"])

	resp, _ = f.do(t, http.MethodGet, "/api/jobs/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAuthAndRequestID(t *testing.T) {
	f := newFixture(t, "s3cret")

	resp, _ := f.do(t, http.MethodGet, "/api/jobs", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/api/jobs", "", map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/api/jobs", "", map[string]string{
		"Authorization": "Bearer s3cret",
		"X-Request-ID":  "req-42",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "req-42", resp.Header.Get("X-Request-ID"))

	resp, _ = f.do(t, http.MethodGet, "/health", "", map[string]string{"Authorization": "Bearer s3cret"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestServer_ShutsDownOnCancel(t *testing.T) {
	srv, err := api.Listen("127.0.0.1:0", http.NotFoundHandler(), zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + srv.Addr() + "/")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusNotFound
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
