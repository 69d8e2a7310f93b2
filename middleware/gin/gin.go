// Package gin provides Gin middleware that charges credits per request
package gin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/leadledger/pkg/ledger"
)

// ChargeKey is the Gin context key holding the *ledger.Charge of the request
const ChargeKey = "ledger.charge"

// Charger charges credits directly, without a reservation
type Charger interface {
	Charge(ctx context.Context, accountID string, amount int64, source ledger.UsageSource, reference string) (*ledger.Charge, error)
}

// AccountIDExtractor extracts the account ID from a Gin context
// Return empty string if the caller is not authenticated
type AccountIDExtractor func(c *gongin.Context) string

// AmountExtractor calculates the credits to charge from the Gin context
type AmountExtractor func(c *gongin.Context) (int64, error)

// ReferenceExtractor returns the reference stored on the usage record
type ReferenceExtractor func(c *gongin.Context) string

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
	OnInsufficientCredit func(c *gongin.Context, err *ledger.InsufficientCreditError)

	// OnUnauthorized is called when no account ID is found
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that charges credits before the handler runs
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Charger == nil {
		panic("leadledger/gin: Config.Charger is required")
	}
	if cfg.GetAccountID == nil {
		panic("leadledger/gin: Config.GetAccountID is required")
	}
	if cfg.GetAmount == nil {
		panic("leadledger/gin: Config.GetAmount is required")
	}

	if cfg.Source == "" {
		cfg.Source = ledger.UsageSourcePeopleSearch
	}
	if cfg.GetReference == nil {
		cfg.GetReference = ReferenceFromHeader("X-Request-ID")
	}

	return func(c *gongin.Context) {
		accountID := cfg.GetAccountID(c)
		if accountID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
			}
			c.Abort()
			return
		}

		amount, err := cfg.GetAmount(c)
		if err != nil || amount <= 0 {
			if err == nil {
				err = fmt.Errorf("%w: %d", ledger.ErrInvalidAmount, amount)
			}
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				c.JSON(http.StatusBadRequest, gongin.H{"error": "Bad Request"})
			}
			c.Abort()
			return
		}

		charge, err := cfg.Charger.Charge(c.Request.Context(), accountID, amount, cfg.Source, cfg.GetReference(c))
		if err != nil {
			var insufficient *ledger.InsufficientCreditError
			if errors.As(err, &insufficient) {
				if cfg.OnInsufficientCredit != nil {
					cfg.OnInsufficientCredit(c, insufficient)
				} else {
					c.JSON(http.StatusPaymentRequired, gongin.H{
						"error":     "Insufficient credit",
						"needed":    insufficient.Needed,
						"available": insufficient.Available,
					})
				}
				c.Abort()
				return
			}

			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
			}
			c.Abort()
			return
		}

		c.Header("X-Credits-Charged", strconv.FormatInt(charge.Usage.Credits, 10))
		c.Set(ChargeKey, charge)
		c.Next()
	}
}

// ChargeFromContext returns the charge made for this request, if any
func ChargeFromContext(c *gongin.Context) (*ledger.Charge, bool) {
	val, exists := c.Get(ChargeKey)
	if !exists {
		return nil, false
	}
	charge, ok := val.(*ledger.Charge)
	return charge, ok
}

// Convenience extractors for Account ID

// FromContext returns an AccountIDExtractor that gets the account ID from Gin
// context values set by an upstream auth middleware via c.Set(key, id)
func FromContext(key string) AccountIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns an AccountIDExtractor that gets the account ID from a header
func FromHeader(headerName string) AccountIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// Convenience extractors for Amount

// FixedAmount returns an AmountExtractor that always returns a fixed amount
func FixedAmount(amount int64) AmountExtractor {
	return func(*gongin.Context) (int64, error) {
		return amount, nil
	}
}

// FromQueryInt returns an AmountExtractor that reads the amount from a query parameter,
// e.g. the number of records a lookup returns
func FromQueryInt(name string, defaultAmount int64) AmountExtractor {
	return func(c *gongin.Context) (int64, error) {
		raw := c.Query(name)
		if raw == "" {
			return defaultAmount, nil
		}
		return strconv.ParseInt(raw, 10, 64)
	}
}

// ReferenceFromHeader returns a ReferenceExtractor that gets the reference from a header
func ReferenceFromHeader(headerName string) ReferenceExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}
