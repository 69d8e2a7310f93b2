// Package fiber provides Fiber middleware that charges credits per request
package fiber

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/leadledger/pkg/ledger"
)

// ChargeKey is the Fiber locals key holding the *ledger.Charge of the request
const ChargeKey = "ledger.charge"

// Charger charges credits directly, without a reservation
type Charger interface {
	Charge(ctx context.Context, accountID string, amount int64, source ledger.UsageSource, reference string) (*ledger.Charge, error)
}

// AccountIDExtractor extracts the account ID from a Fiber context
// Return empty string if the caller is not authenticated
type AccountIDExtractor func(c *fiber.Ctx) string

// AmountExtractor calculates the credits to charge from the Fiber context
type AmountExtractor func(c *fiber.Ctx) (int64, error)

// ReferenceExtractor returns the reference stored on the usage record
type ReferenceExtractor func(c *fiber.Ctx) string

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
	OnInsufficientCredit func(c *fiber.Ctx, err *ledger.InsufficientCreditError) error

	// OnUnauthorized is called when no account ID is found
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that charges credits before the handler runs
func Middleware(cfg Config) fiber.Handler {
	if cfg.Charger == nil {
		panic("leadledger/fiber: Config.Charger is required")
	}
	if cfg.GetAccountID == nil {
		panic("leadledger/fiber: Config.GetAccountID is required")
	}
	if cfg.GetAmount == nil {
		panic("leadledger/fiber: Config.GetAmount is required")
	}

	if cfg.Source == "" {
		cfg.Source = ledger.UsageSourcePeopleSearch
	}
	if cfg.GetReference == nil {
		cfg.GetReference = ReferenceFromHeader("X-Request-ID")
	}

	return func(c *fiber.Ctx) error {
		accountID := cfg.GetAccountID(c)
		if accountID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
		}

		amount, err := cfg.GetAmount(c)
		if err != nil || amount <= 0 {
			if err == nil {
				err = fmt.Errorf("%w: %d", ledger.ErrInvalidAmount, amount)
			}
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Bad Request"})
		}

		// Fiber runs on fasthttp; the request context.Context lives in UserContext
		charge, err := cfg.Charger.Charge(c.UserContext(), accountID, amount, cfg.Source, cfg.GetReference(c))
		if err != nil {
			var insufficient *ledger.InsufficientCreditError
			if errors.As(err, &insufficient) {
				if cfg.OnInsufficientCredit != nil {
					return cfg.OnInsufficientCredit(c, insufficient)
				}
				return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{
					"error":     "Insufficient credit",
					"needed":    insufficient.Needed,
					"available": insufficient.Available,
				})
			}
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
		}

		c.Set("X-Credits-Charged", strconv.FormatInt(charge.Usage.Credits, 10))
		c.Locals(ChargeKey, charge)
		return c.Next()
	}
}

// ChargeFromContext returns the charge made for this request, if any
func ChargeFromContext(c *fiber.Ctx) (*ledger.Charge, bool) {
	charge, ok := c.Locals(ChargeKey).(*ledger.Charge)
	return charge, ok
}

// FromLocals returns an AccountIDExtractor that reads a string stored by an
// upstream auth middleware via c.Locals(key, id)
func FromLocals(key string) AccountIDExtractor {
	return func(c *fiber.Ctx) string {
		if str, ok := c.Locals(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns an AccountIDExtractor that gets the account ID from a header
func FromHeader(headerName string) AccountIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FixedAmount returns an AmountExtractor that always returns a fixed amount
func FixedAmount(amount int64) AmountExtractor {
	return func(*fiber.Ctx) (int64, error) {
		return amount, nil
	}
}

// FromQueryInt returns an AmountExtractor that reads the amount from a query parameter
func FromQueryInt(name string, defaultAmount int64) AmountExtractor {
	return func(c *fiber.Ctx) (int64, error) {
		raw := c.Query(name)
		if raw == "" {
			return defaultAmount, nil
		}
		return strconv.ParseInt(raw, 10, 64)
	}
}

// ReferenceFromHeader returns a ReferenceExtractor that gets the reference from a header
func ReferenceFromHeader(headerName string) ReferenceExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}
