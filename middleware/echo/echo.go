// Package echo provides Echo middleware that charges credits per request
package echo

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/leadledger/pkg/ledger"
)

// ChargeKey is the Echo context key holding the *ledger.Charge of the request
const ChargeKey = "ledger.charge"

// Charger charges credits directly, without a reservation
type Charger interface {
	Charge(ctx context.Context, accountID string, amount int64, source ledger.UsageSource, reference string) (*ledger.Charge, error)
}

// AccountIDExtractor extracts the account ID from an Echo context
// Return empty string if the caller is not authenticated
type AccountIDExtractor func(c echo.Context) string

// AmountExtractor calculates the credits to charge from the Echo context
type AmountExtractor func(c echo.Context) (int64, error)

// ReferenceExtractor returns the reference stored on the usage record
type ReferenceExtractor func(c echo.Context) string

// Config holds middleware configuration
type Config struct {
	// Charger is usually the ledger manager (required)
	Charger Charger

	// GetAccountID extracts account ID from context (required)
	GetAccountID AccountIDExtractor

	// GetAmount calculates the credits to charge (required)
	GetAmount AmountExtractor

	// Source is recorded on the usage record (default: people_search)
	Source ledger.UsageSource

	// GetReference extracts the usage reference (optional)
	// If nil, defaults to the X-Request-ID header
	GetReference ReferenceExtractor

	// OnInsufficientCredit is called when the account cannot cover the charge
	// If nil, returns 402 JSON with needed and available credit
	OnInsufficientCredit func(c echo.Context, err *ledger.InsufficientCreditError) error

	// OnUnauthorized is called when no account ID is found
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that charges credits before the handler runs
func Middleware(cfg Config) echo.MiddlewareFunc {
	if cfg.Charger == nil {
		panic("leadledger/echo: Config.Charger is required")
	}
	if cfg.GetAccountID == nil {
		panic("leadledger/echo: Config.GetAccountID is required")
	}
	if cfg.GetAmount == nil {
		panic("leadledger/echo: Config.GetAmount is required")
	}

	if cfg.Source == "" {
		cfg.Source = ledger.UsageSourcePeopleSearch
	}
	if cfg.GetReference == nil {
		cfg.GetReference = ReferenceFromHeader("X-Request-ID")
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			accountID := cfg.GetAccountID(c)
			if accountID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			}

			amount, err := cfg.GetAmount(c)
			if err != nil || amount <= 0 {
				if err == nil {
					err = fmt.Errorf("%w: %d", ledger.ErrInvalidAmount, amount)
				}
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "Bad Request"})
			}

			charge, err := cfg.Charger.Charge(c.Request().Context(), accountID, amount, cfg.Source, cfg.GetReference(c))
			if err != nil {
				var insufficient *ledger.InsufficientCreditError
				if errors.As(err, &insufficient) {
					if cfg.OnInsufficientCredit != nil {
						return cfg.OnInsufficientCredit(c, insufficient)
					}
					return defaultInsufficientCredit(c, insufficient)
				}
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
			}

			c.Response().Header().Set("X-Credits-Charged", strconv.FormatInt(charge.Usage.Credits, 10))
			c.Set(ChargeKey, charge)
			return next(c)
		}
	}
}

func defaultInsufficientCredit(c echo.Context, err *ledger.InsufficientCreditError) error {
	return c.JSON(http.StatusPaymentRequired, map[string]any{
		"error":     "Insufficient credit",
		"needed":    err.Needed,
		"available": err.Available,
	})
}

// ChargeFromContext returns the charge made for this request, if any
func ChargeFromContext(c echo.Context) (*ledger.Charge, bool) {
	charge, ok := c.Get(ChargeKey).(*ledger.Charge)
	return charge, ok
}

// FromContext returns an AccountIDExtractor that reads a string set by an
// upstream auth middleware via c.Set(key, id)
func FromContext(key string) AccountIDExtractor {
	return func(c echo.Context) string {
		if str, ok := c.Get(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns an AccountIDExtractor that gets the account ID from a header
func FromHeader(headerName string) AccountIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns an AccountIDExtractor that gets the account ID from a path parameter
func FromParam(paramName string) AccountIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}

// FixedAmount returns an AmountExtractor that always returns a fixed amount
func FixedAmount(amount int64) AmountExtractor {
	return func(echo.Context) (int64, error) {
		return amount, nil
	}
}

// FromQueryInt returns an AmountExtractor that reads the amount from a query parameter
func FromQueryInt(name string, defaultAmount int64) AmountExtractor {
	return func(c echo.Context) (int64, error) {
		raw := c.QueryParam(name)
		if raw == "" {
			return defaultAmount, nil
		}
		return strconv.ParseInt(raw, 10, 64)
	}
}

// ReferenceFromHeader returns a ReferenceExtractor that gets the reference from a header
func ReferenceFromHeader(headerName string) ReferenceExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}
