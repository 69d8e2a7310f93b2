// Package firestore provides a Firestore implementation of the ledger.Store and jobs.Store interfaces.
// Account mutations run inside Firestore transactions, which retry on contention.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/leadledger/pkg/ledger"
)

// Storage implements ledger.Store and jobs.Store using Google Cloud Firestore
type Storage struct {
	client *firestore.Client
	config Config
}

// Config holds Firestore storage configuration
type Config struct {
	// AccountsCollection holds one document per account
	// Default: "ledger_accounts"
	AccountsCollection string

	// ReservationsCollection holds credit holds
	// Default: "ledger_reservations"
	ReservationsCollection string

	// ReservationRefsCollection maps a job reference to its reservation and
	// enforces one reservation per job reference
	// Default: "ledger_reservation_refs"
	ReservationRefsCollection string

	// EntriesCollection holds purchases keyed by payment reference
	// Default: "ledger_entries"
	EntriesCollection string

	// UsageCollection holds usage records
	// Default: "ledger_usage"
	UsageCollection string

	// EventsCollection holds payment provider event IDs
	// Default: "ledger_payment_events"
	EventsCollection string

	// JobsCollection holds scraping jobs
	// Default: "ledger_jobs"
	JobsCollection string

	// PendingCompletionsCollection holds worker completions that arrived
	// before their task was bound to a job
	// Default: "ledger_pending_completions"
	PendingCompletionsCollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	setDefault(&config.AccountsCollection, "ledger_accounts")
	setDefault(&config.ReservationsCollection, "ledger_reservations")
	setDefault(&config.ReservationRefsCollection, "ledger_reservation_refs")
	setDefault(&config.EntriesCollection, "ledger_entries")
	setDefault(&config.UsageCollection, "ledger_usage")
	setDefault(&config.EventsCollection, "ledger_payment_events")
	setDefault(&config.JobsCollection, "ledger_jobs")
	setDefault(&config.PendingCompletionsCollection, "ledger_pending_completions")

	return &Storage{client: client, config: config}, nil
}

func setDefault(field *string, value string) {
	if *field == "" {
		*field = value
	}
}

// WithAccountLock implements ledger.Store.
//
// fn may run more than once when Firestore retries the transaction and must
// finish its reads before its first write.
func (s *Storage) WithAccountLock(ctx context.Context, accountID string, fn func(tx ledger.Tx) error) error {
	if accountID == "" {
		return fmt.Errorf("%w: account id is required", ledger.ErrInvalidRequest)
	}
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		return fn(&fsTx{s: s, tx: tx, accountID: accountID})
	})
	if status.Code(err) == codes.AlreadyExists {
		return ledger.ErrDuplicateJobRef
	}
	return err
}

func (s *Storage) accountDoc(id string) *firestore.DocumentRef {
	return s.client.Collection(s.config.AccountsCollection).Doc(id)
}

func (s *Storage) reservationDoc(id string) *firestore.DocumentRef {
	return s.client.Collection(s.config.ReservationsCollection).Doc(id)
}

func (s *Storage) reservationRefDoc(jobRef string) *firestore.DocumentRef {
	return s.client.Collection(s.config.ReservationRefsCollection).Doc(jobRef)
}

func (s *Storage) entryDoc(paymentRef string) *firestore.DocumentRef {
	return s.client.Collection(s.config.EntriesCollection).Doc(paymentRef)
}

// GetAccount implements ledger.Store
func (s *Storage) GetAccount(ctx context.Context, accountID string) (*ledger.Account, error) {
	snap, err := s.accountDoc(accountID).Get(ctx)
	return accountFromSnapshot(snap, err)
}

// GetReservation implements ledger.Store
func (s *Storage) GetReservation(ctx context.Context, reservationID string) (*ledger.Reservation, error) {
	snap, err := s.reservationDoc(reservationID).Get(ctx)
	return reservationFromSnapshot(snap, err)
}

// GetReservationByJobRef implements ledger.Store
func (s *Storage) GetReservationByJobRef(ctx context.Context, jobRef string) (*ledger.Reservation, error) {
	snap, err := s.reservationRefDoc(jobRef).Get(ctx)
	id, err := reservationIDFromRef(snap, err)
	if err != nil {
		return nil, err
	}
	return s.GetReservation(ctx, id)
}

// GetLedgerEntry implements ledger.Store
func (s *Storage) GetLedgerEntry(ctx context.Context, paymentRef string) (*ledger.LedgerEntry, error) {
	snap, err := s.entryDoc(paymentRef).Get(ctx)
	return entryFromSnapshot(snap, err)
}

// ListLedgerEntries implements ledger.Store
func (s *Storage) ListLedgerEntries(ctx context.Context, accountID string, limit int) ([]ledger.LedgerEntry, error) {
	q := s.client.Collection(s.config.EntriesCollection).
		Where("accountId", "==", accountID).
		OrderBy("createdAt", firestore.Desc)
	if limit > 0 {
		q = q.Limit(limit)
	}

	iter := q.Documents(ctx)
	defer iter.Stop()

	var out []ledger.LedgerEntry
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		e, err := entryFromSnapshot(snap, err)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, nil
}

// ListUsage implements ledger.Store
func (s *Storage) ListUsage(ctx context.Context, accountID string, from, to time.Time) ([]ledger.UsageRecord, error) {
	iter := s.client.Collection(s.config.UsageCollection).
		Where("accountId", "==", accountID).
		Where("createdAt", ">=", from.UTC()).
		Where("createdAt", "<", to.UTC()).
		OrderBy("createdAt", firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var out []ledger.UsageRecord
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list usage: %w", err)
		}
		var d usageDocument
		if err := snap.DataTo(&d); err != nil {
			return nil, fmt.Errorf("failed to decode usage record: %w", err)
		}
		out = append(out, d.toRecord(snap.Ref.ID))
	}
	return out, nil
}

// ListAccountIDs implements ledger.Store
func (s *Storage) ListAccountIDs(ctx context.Context) ([]string, error) {
	iter := s.client.Collection(s.config.AccountsCollection).DocumentRefs(ctx)

	var ids []string
	for {
		ref, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list accounts: %w", err)
		}
		ids = append(ids, ref.ID)
	}
	return ids, nil
}

// RecordPaymentEvent implements ledger.Store
func (s *Storage) RecordPaymentEvent(ctx context.Context, event *ledger.PaymentEvent) (bool, error) {
	if event == nil || event.EventID == "" {
		return false, fmt.Errorf("%w: event id is required", ledger.ErrInvalidRequest)
	}
	_, err := s.client.Collection(s.config.EventsCollection).Doc(event.EventID).Create(ctx, map[string]interface{}{
		"provider":   event.Provider,
		"type":       event.Type,
		"paymentRef": event.PaymentRef,
		"receivedAt": event.ReceivedAt.UTC(),
	})
	if status.Code(err) == codes.AlreadyExists {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to record payment event: %w", err)
	}
	return true, nil
}
