package fiber

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/leadledger/pkg/ledger"
	"github.com/mihaimyh/leadledger/storage/memory"
)

type failingCharger struct{}

func (failingCharger) Charge(context.Context, string, int64, ledger.UsageSource, string) (*ledger.Charge, error) {
	return nil, errors.New("connection refused")
}

// ctxCharger records the context it was called with
type ctxCharger struct {
	got context.Context
}

func (c *ctxCharger) Charge(ctx context.Context, accountID string, amount int64, source ledger.UsageSource, reference string) (*ledger.Charge, error) {
	c.got = ctx
	return &ledger.Charge{Usage: &ledger.UsageRecord{
		AccountID: accountID,
		Source:    source,
		Credits:   amount,
		Reference: reference,
	}}, nil
}

type ctxKey struct{}

func setupTestManager(t *testing.T) *ledger.Manager {
	t.Helper()
	manager, err := ledger.NewManager(memory.New(), ledger.DefaultConfig())
	require.NoError(t, err)
	return manager
}

func newApp(cfg Config) *fiber.App {
	app := fiber.New()
	app.Use(Middleware(cfg))
	app.Get("/lookup", func(c *fiber.Ctx) error {
		charge, ok := ChargeFromContext(c)
		if !ok {
			return c.SendStatus(fiber.StatusInternalServerError)
		}
		return c.JSON(fiber.Map{"charged": charge.Usage.Credits})
	})
	return app
}

func do(t *testing.T, app *fiber.App, target, accountID string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, http.NoBody)
	if accountID != "" {
		req.Header.Set("X-Account-ID", accountID)
	}
	resp, err := app.Test(req, int(5*time.Second/time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestMiddleware_Success(t *testing.T) {
	manager := setupTestManager(t)
	app := newApp(Config{
		Charger:      manager,
		GetAccountID: FromHeader("X-Account-ID"),
		GetAmount:    FromQueryInt("count", 1),
	})

	resp := do(t, app, "/lookup?count=12", "acct-1")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "12", resp.Header.Get("X-Credits-Charged"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"charged":12}`, string(body))

	bal, err := manager.GetBalance(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(238), bal.AvailableCredit)
}

func TestMiddleware_InsufficientCredit(t *testing.T) {
	app := newApp(Config{
		Charger:      setupTestManager(t),
		GetAccountID: FromHeader("X-Account-ID"),
		GetAmount:    FixedAmount(500),
	})

	resp := do(t, app, "/lookup", "acct-1")
	require.Equal(t, fiber.StatusPaymentRequired, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "Insufficient credit", body["error"])
	assert.InDelta(t, 500, body["needed"], 0)
	assert.InDelta(t, 250, body["available"], 0)
}

func TestMiddleware_Unauthorized(t *testing.T) {
	app := newApp(Config{
		Charger:      setupTestManager(t),
		GetAccountID: FromHeader("X-Account-ID"),
		GetAmount:    FixedAmount(1),
	})

	resp := do(t, app, "/lookup", "")
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestMiddleware_InvalidAmount(t *testing.T) {
	app := newApp(Config{
		Charger:      setupTestManager(t),
		GetAccountID: FromHeader("X-Account-ID"),
		GetAmount:    FromQueryInt("count", 1),
	})

	assert.Equal(t, fiber.StatusBadRequest, do(t, app, "/lookup?count=x", "acct-1").StatusCode)
	assert.Equal(t, fiber.StatusBadRequest, do(t, app, "/lookup?count=-1", "acct-1").StatusCode)
}

func TestMiddleware_StorageError(t *testing.T) {
	var captured error
	app := newApp(Config{
		Charger:      failingCharger{},
		GetAccountID: FromHeader("X-Account-ID"),
		GetAmount:    FixedAmount(1),
		OnError: func(c *fiber.Ctx, err error) error {
			captured = err
			return c.SendStatus(fiber.StatusServiceUnavailable)
		},
	})

	resp := do(t, app, "/lookup", "acct-1")
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
	require.Error(t, captured)
}

func TestMiddleware_UsesUserContext(t *testing.T) {
	charger := &ctxCharger{}
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.SetUserContext(context.WithValue(c.UserContext(), ctxKey{}, "trace-1"))
		c.Locals("account_id", "acct-locals")
		return c.Next()
	})
	app.Use(Middleware(Config{
		Charger:      charger,
		GetAccountID: FromLocals("account_id"),
		GetAmount:    FixedAmount(4),
	}))
	app.Get("/lookup", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusNoContent) })

	resp := do(t, app, "/lookup", "")
	require.Equal(t, fiber.StatusNoContent, resp.StatusCode)
	require.NotNil(t, charger.got)
	assert.Equal(t, "trace-1", charger.got.Value(ctxKey{}))
}

func TestMiddleware_PanicsOnMissingConfig(t *testing.T) {
	assert.Panics(t, func() { Middleware(Config{}) })
	assert.Panics(t, func() { Middleware(Config{Charger: failingCharger{}, GetAccountID: FromHeader("X")}) })
}
