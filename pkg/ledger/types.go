package ledger

import "time"

// ReservationStatus represents the lifecycle state of a credit hold
type ReservationStatus string

const (
	// ReservationReserved is an active hold counted against available credit
	ReservationReserved ReservationStatus = "reserved"
	// ReservationReleased is a settled hold; the actual yield was charged
	ReservationReleased ReservationStatus = "released"
	// ReservationReturned is a voided hold; nothing was charged
	ReservationReturned ReservationStatus = "returned"
)

// Terminal reports whether no further transition is allowed.
func (s ReservationStatus) Terminal() bool {
	return s == ReservationReleased || s == ReservationReturned
}

// PaymentStatus represents the state of a purchase ledger entry
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentSucceeded PaymentStatus = "succeeded"
	PaymentFailed    PaymentStatus = "failed"
)

// Valid reports whether s is a known payment status.
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentPending, PaymentSucceeded, PaymentFailed:
		return true
	}
	return false
}

// UsageSource identifies what consumed credit
type UsageSource string

const (
	// UsageSourceBusinessJob is a settled asynchronous business scraping job
	UsageSourceBusinessJob UsageSource = "business_job"
	// UsageSourcePeopleJob is a settled asynchronous people scraping job
	UsageSourcePeopleJob UsageSource = "people_job"
	// UsageSourcePeopleSearch is a synchronous people lookup charged directly
	UsageSourcePeopleSearch UsageSource = "people_search"
)

// Account holds a user's credit balances.
//
// UsedCredit only ever reflects paid consumption. Free consumption is tracked
// by decrementing FreeCreditRemaining.
type Account struct {
	ID                   string    `json:"id"`
	TotalCredit          int64     `json:"total_credit"`
	UsedCredit           int64     `json:"used_credit"`
	FreeCreditRemaining  int64     `json:"free_credit_remaining"`
	FreeCreditCycleStart time.Time `json:"free_credit_cycle_start"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// PaidRemaining returns the purchased credit not yet consumed.
func (a *Account) PaidRemaining() int64 {
	return a.TotalCredit - a.UsedCredit
}

// Reservation is a credit hold against one asynchronous job
type Reservation struct {
	ID              string            `json:"id"`
	AccountID       string            `json:"account_id"`
	CreditsReserved int64             `json:"credits_reserved"`
	CreditsCharged  int64             `json:"credits_charged"`
	JobRef          string            `json:"job_ref"`
	Source          UsageSource       `json:"source"`
	Status          ReservationStatus `json:"status"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// LedgerEntry is an append-only purchase record keyed by the payment provider reference
type LedgerEntry struct {
	ID              string        `json:"id"`
	AccountID       string        `json:"account_id"`
	AmountPurchased int64         `json:"amount_purchased"`
	PaymentRef      string        `json:"payment_ref"`
	Status          PaymentStatus `json:"status"`
	AmountMinor     int64         `json:"amount_minor,omitempty"`
	Currency        string        `json:"currency,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// UsageRecord is written for every charge so monthly usage can be reported
type UsageRecord struct {
	ID          string      `json:"id"`
	AccountID   string      `json:"account_id"`
	Source      UsageSource `json:"source"`
	Credits     int64       `json:"credits"`
	FreeCredits int64       `json:"free_credits"`
	PaidCredits int64       `json:"paid_credits"`
	Reference   string      `json:"reference"`
	CreatedAt   time.Time   `json:"created_at"`
}

// PaymentEvent is a provider webhook event stored for redelivery detection
type PaymentEvent struct {
	EventID    string    `json:"event_id"`
	Provider   string    `json:"provider"`
	Type       string    `json:"type"`
	PaymentRef string    `json:"payment_ref"`
	ReceivedAt time.Time `json:"received_at"`
}

// Balance is a point-in-time view of an account's credit
type Balance struct {
	AccountID            string    `json:"account_id"`
	TotalCredit          int64     `json:"total_credit"`
	UsedCredit           int64     `json:"used_credit"`
	FreeCreditRemaining  int64     `json:"free_credit_remaining"`
	FreeCreditCycleStart time.Time `json:"free_credit_cycle_start"`
	ReservedCredit       int64     `json:"reserved_credit"`
	AvailableCredit      int64     `json:"available_credit"`
}

// ReserveRequest describes a credit hold to create
type ReserveRequest struct {
	AccountID string
	Amount    int64
	// JobRef is the external task reference; at most one reservation exists per JobRef.
	JobRef string
	// Source is recorded on the usage record written at settlement.
	Source UsageSource
}

// Settlement describes how a reservation was charged
type Settlement struct {
	Reservation *Reservation
	Charged     int64
	FromFree    int64
	FromPaid    int64
	// OverYield is the part of the reported amount above the hold. It is never charged.
	OverYield int64
}

// Charge describes a direct charge
type Charge struct {
	Usage    *UsageRecord
	FromFree int64
	FromPaid int64
}

// PaymentConfirmation is an inbound payment outcome from the payment provider
type PaymentConfirmation struct {
	PaymentRef    string
	Status        PaymentStatus
	AmountCredits int64
	AccountID     string
	AmountMinor   int64
	Currency      string
}

// PaymentResult reports what ConfirmPayment did
type PaymentResult struct {
	Entry *LedgerEntry
	// Granted is true only for the delivery that added credit to the account.
	Granted bool
}

// Config holds ledger manager configuration
type Config struct {
	// FreeCreditGrant is the monthly free allowance given at provisioning and on reset.
	// Default: 250 (see DefaultConfig)
	FreeCreditGrant int64

	// AutoProvision creates a missing account with the free grant on first use.
	// When false, or when FreeCreditGrant is zero, a missing account is ErrAccountNotProvisioned.
	AutoProvision bool

	// Metrics is used for tracking ledger operations (default: NoopMetrics)
	Metrics Metrics

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// Now returns the current time (default: time.Now().UTC())
	Now func() time.Time
}

// DefaultFreeCreditGrant is the monthly free allowance.
const DefaultFreeCreditGrant int64 = 250

// DefaultConfig returns a Config with the standard free grant and auto-provisioning.
func DefaultConfig() Config {
	return Config{
		FreeCreditGrant: DefaultFreeCreditGrant,
		AutoProvision:   true,
	}
}
