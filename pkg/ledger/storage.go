package ledger

import (
	"context"
	"time"
)

// Store defines the persistence layer for the ledger.
//
// All mutations of an account's credit fields and reservations go through
// WithAccountLock. Implementations must serialize calls for the same account
// and make fn's writes atomic: if fn returns an error nothing it wrote may be
// visible. Reads done through Tx must observe every committed write of a
// previous WithAccountLock call for the same account.
type Store interface {
	// WithAccountLock runs fn while holding the account's lock. The account row
	// does not need to exist; Tx.GetAccount then returns ErrAccountNotFound.
	//
	// Some implementations (Firestore) may run fn more than once on contention,
	// and require fn to finish all reads before its first write.
	WithAccountLock(ctx context.Context, accountID string, fn func(tx Tx) error) error

	// GetAccount returns the account without locking it.
	// Returns ErrAccountNotFound if no row exists.
	GetAccount(ctx context.Context, accountID string) (*Account, error)

	// GetReservation returns a reservation by ID without locking.
	// Returns ErrNotFound if absent.
	GetReservation(ctx context.Context, reservationID string) (*Reservation, error)

	// GetReservationByJobRef returns the reservation for an external task reference without locking.
	// Returns ErrNotFound if absent.
	GetReservationByJobRef(ctx context.Context, jobRef string) (*Reservation, error)

	// GetLedgerEntry returns the purchase entry for a payment reference.
	// Returns ErrNotFound if absent.
	GetLedgerEntry(ctx context.Context, paymentRef string) (*LedgerEntry, error)

	// ListLedgerEntries returns an account's purchases, newest first. limit <= 0 means no limit.
	ListLedgerEntries(ctx context.Context, accountID string, limit int) ([]LedgerEntry, error)

	// ListUsage returns usage records with CreatedAt in [from, to).
	ListUsage(ctx context.Context, accountID string, from, to time.Time) ([]UsageRecord, error)

	// ListAccountIDs returns all account IDs.
	ListAccountIDs(ctx context.Context) ([]string, error)

	// RecordPaymentEvent stores a provider event. inserted is false when the
	// event ID was already recorded.
	RecordPaymentEvent(ctx context.Context, event *PaymentEvent) (inserted bool, err error)
}

// Tx is the view of the store available inside WithAccountLock. It is bound
// to the locked account.
type Tx interface {
	// GetAccount returns the locked account or ErrAccountNotFound.
	GetAccount(ctx context.Context) (*Account, error)

	// PutAccount inserts or updates the locked account.
	PutAccount(ctx context.Context, account *Account) error

	// ListActiveReservations returns the account's reservations in status reserved.
	ListActiveReservations(ctx context.Context) ([]Reservation, error)

	// GetReservation returns one of the account's reservations or ErrNotFound.
	GetReservation(ctx context.Context, reservationID string) (*Reservation, error)

	// GetReservationByJobRef returns the reservation for jobRef or ErrNotFound.
	// The lookup is global: a jobRef owned by another account is still found.
	GetReservationByJobRef(ctx context.Context, jobRef string) (*Reservation, error)

	// InsertReservation stores a new reservation. Returns ErrDuplicateJobRef
	// if a reservation with the same JobRef exists.
	InsertReservation(ctx context.Context, reservation *Reservation) error

	// UpdateReservation stores a reservation's status, charge and timestamps.
	UpdateReservation(ctx context.Context, reservation *Reservation) error

	// GetLedgerEntry returns the purchase for paymentRef or ErrNotFound.
	GetLedgerEntry(ctx context.Context, paymentRef string) (*LedgerEntry, error)

	// PutLedgerEntry inserts or updates a purchase keyed by PaymentRef.
	PutLedgerEntry(ctx context.Context, entry *LedgerEntry) error

	// InsertUsage appends a usage record.
	InsertUsage(ctx context.Context, record *UsageRecord) error
}
