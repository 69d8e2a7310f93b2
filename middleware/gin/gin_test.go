package gin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gongin "github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/leadledger/pkg/ledger"
	"github.com/mihaimyh/leadledger/storage/memory"
)

type failingCharger struct{}

func (failingCharger) Charge(context.Context, string, int64, ledger.UsageSource, string) (*ledger.Charge, error) {
	return nil, errors.New("connection refused")
}

func setupTestManager(t *testing.T) *ledger.Manager {
	t.Helper()
	manager, err := ledger.NewManager(memory.New(), ledger.DefaultConfig())
	require.NoError(t, err)
	return manager
}

func newEngine(cfg Config) *gongin.Engine {
	gongin.SetMode(gongin.TestMode)
	r := gongin.New()
	r.Use(Middleware(cfg))
	r.GET("/lookup", func(c *gongin.Context) {
		charge, ok := ChargeFromContext(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.JSON(http.StatusOK, gongin.H{"charged": charge.Usage.Credits})
	})
	return r
}

func TestMiddleware_Success(t *testing.T) {
	manager := setupTestManager(t)
	r := newEngine(Config{
		Charger:      manager,
		GetAccountID: FromHeader("X-Account-ID"),
		GetAmount:    FromQueryInt("count", 1),
	})

	req := httptest.NewRequest(http.MethodGet, "/lookup?count=5", http.NoBody)
	req.Header.Set("X-Account-ID", "acct-1")
	req.Header.Set("X-Request-ID", "req-42")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "5", w.Header().Get("X-Credits-Charged"))

	bal, err := manager.GetBalance(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(245), bal.FreeCreditRemaining)

	records, err := manager.ListUsage(context.Background(), "acct-1", time.Now())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "req-42", records[0].Reference)
	assert.Equal(t, ledger.UsageSourcePeopleSearch, records[0].Source)
}

func TestMiddleware_InsufficientCredit(t *testing.T) {
	manager := setupTestManager(t)
	r := newEngine(Config{
		Charger:      manager,
		GetAccountID: FromHeader("X-Account-ID"),
		GetAmount:    FixedAmount(1000),
	})

	req := httptest.NewRequest(http.MethodGet, "/lookup", http.NoBody)
	req.Header.Set("X-Account-ID", "acct-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusPaymentRequired, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.InDelta(t, 1000, body["needed"], 0)
	assert.InDelta(t, 250, body["available"], 0)
	assert.Empty(t, w.Header().Get("X-Credits-Charged"))
}

func TestMiddleware_CustomInsufficientHandler(t *testing.T) {
	var got *ledger.InsufficientCreditError
	r := newEngine(Config{
		Charger:      setupTestManager(t),
		GetAccountID: FromHeader("X-Account-ID"),
		GetAmount:    FixedAmount(1000),
		OnInsufficientCredit: func(c *gongin.Context, err *ledger.InsufficientCreditError) {
			got = err
			c.String(http.StatusTeapot, "top up")
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/lookup", http.NoBody)
	req.Header.Set("X-Account-ID", "acct-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusTeapot, w.Code)
	require.NotNil(t, got)
	assert.Equal(t, int64(1000), got.Needed)
}

func TestMiddleware_Unauthorized(t *testing.T) {
	r := newEngine(Config{
		Charger:      setupTestManager(t),
		GetAccountID: FromHeader("X-Account-ID"),
		GetAmount:    FixedAmount(1),
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/lookup", http.NoBody))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMiddleware_InvalidAmount(t *testing.T) {
	tests := []struct {
		name  string
		query string
	}{
		{"not a number", "?count=abc"},
		{"zero", "?count=0"},
		{"negative", "?count=-3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newEngine(Config{
				Charger:      setupTestManager(t),
				GetAccountID: FromHeader("X-Account-ID"),
				GetAmount:    FromQueryInt("count", 1),
			})

			req := httptest.NewRequest(http.MethodGet, "/lookup"+tt.query, http.NoBody)
			req.Header.Set("X-Account-ID", "acct-1")
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestMiddleware_StorageError(t *testing.T) {
	var captured error
	r := newEngine(Config{
		Charger:      failingCharger{},
		GetAccountID: FromHeader("X-Account-ID"),
		GetAmount:    FixedAmount(1),
		OnError: func(c *gongin.Context, err error) {
			captured = err
			c.Status(http.StatusServiceUnavailable)
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/lookup", http.NoBody)
	req.Header.Set("X-Account-ID", "acct-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.EqualError(t, captured, "connection refused")
}

func TestMiddleware_FromContext(t *testing.T) {
	manager := setupTestManager(t)
	gongin.SetMode(gongin.TestMode)
	r := gongin.New()
	r.Use(func(c *gongin.Context) {
		c.Set("account_id", "acct-ctx")
		c.Next()
	})
	r.Use(Middleware(Config{
		Charger:      manager,
		GetAccountID: FromContext("account_id"),
		GetAmount:    FixedAmount(2),
		Source:       ledger.UsageSourcePeopleJob,
	}))
	r.GET("/lookup", func(c *gongin.Context) { c.Status(http.StatusNoContent) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/lookup", http.NoBody))
	require.Equal(t, http.StatusNoContent, w.Code)

	bal, err := manager.GetBalance(context.Background(), "acct-ctx")
	require.NoError(t, err)
	assert.Equal(t, int64(248), bal.AvailableCredit)
}

func TestMiddleware_PanicsOnMissingConfig(t *testing.T) {
	manager := setupTestManager(t)
	assert.Panics(t, func() { Middleware(Config{}) })
	assert.Panics(t, func() { Middleware(Config{Charger: manager}) })
	assert.Panics(t, func() {
		Middleware(Config{Charger: manager, GetAccountID: FromHeader("X-Account-ID")})
	})
}
