package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/leadledger/internal/config"
	"github.com/mihaimyh/leadledger/pkg/jobs"
	"github.com/mihaimyh/leadledger/pkg/ledger"
	"github.com/mihaimyh/leadledger/storage/memory"
)

type acceptingLauncher struct{}

func (acceptingLauncher) Launch(ctx context.Context, req jobs.LaunchRequest) (*jobs.LaunchResult, error) {
	return &jobs.LaunchResult{Accepted: true, TaskRef: "task-" + req.CorrelationID}, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Store:       config.StoreMemory,
		Worker:      config.WorkerConfig{BaseURL: "http://worker", CallbackToken: "cb-token"},
		Auth:        config.AuthConfig{AccountHeader: "X-Account-ID"},
		HTTP:        config.HTTPConfig{CORSAllowedOrigins: []string{"https://app.example.com"}, StartJobRateLimit: 10},
		Stripe:      config.StripeConfig{Currency: "usd"},
		CreditPacks: []config.CreditPack{{Name: "starter", Credits: 1000, AmountMinor: 1000}},
	}
}

func newTestRouter(t *testing.T, deps routerDeps) (http.Handler, *bytes.Buffer) {
	t.Helper()
	store := memory.New()
	manager, err := ledger.NewManager(store, ledger.DefaultConfig())
	require.NoError(t, err)
	coordinator, err := jobs.NewCoordinator(jobs.Config{Ledger: manager, Store: store, Launcher: acceptingLauncher{}})
	require.NoError(t, err)

	var logs bytes.Buffer
	access := zerolog.New(&logs)
	deps.Ledger = manager
	deps.Jobs = coordinator
	deps.Logger = &ledger.NoopLogger{}
	deps.AccessLog = &access

	handler, err := newRouter(testConfig(), deps)
	require.NoError(t, err)
	return handler, &logs
}

func TestRouter_Health(t *testing.T) {
	handler, _ := newTestRouter(t, routerDeps{})

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestRouter_ReadyzStorageDown(t *testing.T) {
	handler, _ := newTestRouter(t, routerDeps{
		Ping: func(context.Context) error { return errors.New("connection refused") },
	})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRouter_AuthenticatedCredits(t *testing.T) {
	handler, logs := newTestRouter(t, routerDeps{})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/credits", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/credits", nil)
	req.Header.Set("X-Account-ID", "acct-1")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"available_credit":250`)

	assert.Contains(t, logs.String(), `"path":"/v1/credits"`)
}

func TestRouter_WorkerCallbackNeedsToken(t *testing.T) {
	handler, _ := newTestRouter(t, routerDeps{})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/internal/jobs/t1/finish", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/internal/jobs/t1/finish?token=cb-token", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouter_Webhook(t *testing.T) {
	handler, _ := newTestRouter(t, routerDeps{})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/stripe", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code, "no webhook without a payment provider")

	var called bool
	handler, _ = newTestRouter(t, routerDeps{
		Webhook: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
			w.WriteHeader(http.StatusOK)
		}),
	})
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/stripe", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, called)
}

func TestRouter_CORSPreflight(t *testing.T) {
	handler, _ := newTestRouter(t, routerDeps{})

	req := httptest.NewRequest(http.MethodOptions, "/v1/jobs", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestNewRouter_RequiresAuth(t *testing.T) {
	cfg := testConfig()
	cfg.Auth = config.AuthConfig{}

	_, err := newRouter(cfg, routerDeps{})
	assert.Error(t, err)
}
