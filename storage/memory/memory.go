// Package memory provides an in-memory implementation of the ledger.Store and jobs.Store interfaces.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mihaimyh/leadledger/pkg/jobs"
	"github.com/mihaimyh/leadledger/pkg/ledger"
)

// Storage implements ledger.Store and jobs.Store using in-memory maps
type Storage struct {
	mu                sync.RWMutex
	accounts          map[string]*ledger.Account
	reservations      map[string]*ledger.Reservation
	reservationsByRef map[string]string
	entries           map[string]*ledger.LedgerEntry
	usage             map[string][]ledger.UsageRecord
	events            map[string]*ledger.PaymentEvent
	jobs              map[string]*jobs.Job
	jobsByTaskRef     map[string]string
	pending           map[string]*jobs.PendingCompletion

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

// New creates a new in-memory storage adapter
func New() *Storage {
	s := &Storage{locks: make(map[string]*sync.Mutex)}
	s.reset()
	return s
}

func (s *Storage) reset() {
	s.accounts = make(map[string]*ledger.Account)
	s.reservations = make(map[string]*ledger.Reservation)
	s.reservationsByRef = make(map[string]string)
	s.entries = make(map[string]*ledger.LedgerEntry)
	s.usage = make(map[string][]ledger.UsageRecord)
	s.events = make(map[string]*ledger.PaymentEvent)
	s.jobs = make(map[string]*jobs.Job)
	s.jobsByTaskRef = make(map[string]string)
	s.pending = make(map[string]*jobs.PendingCompletion)
}

// Clear removes all data (useful for testing)
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
}

func (s *Storage) accountLock(accountID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	l, ok := s.locks[accountID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[accountID] = l
	}
	return l
}

// WithAccountLock implements ledger.Store.
//
// fn works on a staged view; its writes are applied in one step after it
// returns nil and are discarded otherwise.
func (s *Storage) WithAccountLock(ctx context.Context, accountID string, fn func(tx ledger.Tx) error) error {
	if accountID == "" {
		return fmt.Errorf("%w: account id is required", ledger.ErrInvalidRequest)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	l := s.accountLock(accountID)
	l.Lock()
	defer l.Unlock()

	t := &tx{
		s:            s,
		accountID:    accountID,
		reservations: make(map[string]*ledger.Reservation),
		entries:      make(map[string]*ledger.LedgerEntry),
	}
	if err := fn(t); err != nil {
		return err
	}
	return s.commit(t)
}

func (s *Storage) commit(t *tx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// A job reference is global, so another account may have claimed it since fn read it.
	for id, r := range t.reservations {
		if owner, ok := s.reservationsByRef[r.JobRef]; ok && owner != id {
			return ledger.ErrDuplicateJobRef
		}
	}
	for ref, e := range t.entries {
		if existing, ok := s.entries[ref]; ok && existing.AccountID != e.AccountID {
			return fmt.Errorf("%w: payment %s belongs to another account", ledger.ErrInvalidRequest, ref)
		}
	}

	if t.account != nil {
		acct := *t.account
		s.accounts[t.accountID] = &acct
	}
	for id, r := range t.reservations {
		res := *r
		s.reservations[id] = &res
		s.reservationsByRef[res.JobRef] = id
	}
	for ref, e := range t.entries {
		entry := *e
		s.entries[ref] = &entry
	}
	s.usage[t.accountID] = append(s.usage[t.accountID], t.usage...)
	return nil
}

// GetAccount implements ledger.Store
func (s *Storage) GetAccount(ctx context.Context, accountID string) (*ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[accountID]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	acctCopy := *acct
	return &acctCopy, nil
}

// GetReservation implements ledger.Store
func (s *Storage) GetReservation(ctx context.Context, reservationID string) (*ledger.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res, ok := s.reservations[reservationID]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	resCopy := *res
	return &resCopy, nil
}

// GetReservationByJobRef implements ledger.Store
func (s *Storage) GetReservationByJobRef(ctx context.Context, jobRef string) (*ledger.Reservation, error) {
	s.mu.RLock()
	id, ok := s.reservationsByRef[jobRef]
	s.mu.RUnlock()
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return s.GetReservation(ctx, id)
}

// GetLedgerEntry implements ledger.Store
func (s *Storage) GetLedgerEntry(ctx context.Context, paymentRef string) (*ledger.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[paymentRef]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	entryCopy := *entry
	return &entryCopy, nil
}

// ListLedgerEntries implements ledger.Store
func (s *Storage) ListLedgerEntries(ctx context.Context, accountID string, limit int) ([]ledger.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ledger.LedgerEntry
	for _, e := range s.entries {
		if e.AccountID == accountID {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].PaymentRef > out[j].PaymentRef
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListUsage implements ledger.Store
func (s *Storage) ListUsage(ctx context.Context, accountID string, from, to time.Time) ([]ledger.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ledger.UsageRecord
	for _, r := range s.usage[accountID] {
		if !r.CreatedAt.Before(from) && r.CreatedAt.Before(to) {
			out = append(out, r)
		}
	}
	return out, nil
}

// ListAccountIDs implements ledger.Store
func (s *Storage) ListAccountIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.accounts))
	for id := range s.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// RecordPaymentEvent implements ledger.Store
func (s *Storage) RecordPaymentEvent(ctx context.Context, event *ledger.PaymentEvent) (bool, error) {
	if event == nil || event.EventID == "" {
		return false, fmt.Errorf("%w: event id is required", ledger.ErrInvalidRequest)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.events[event.EventID]; ok {
		return false, nil
	}
	eventCopy := *event
	s.events[event.EventID] = &eventCopy
	return true, nil
}

// tx is the staged view handed to WithAccountLock callbacks
type tx struct {
	s            *Storage
	accountID    string
	account      *ledger.Account
	reservations map[string]*ledger.Reservation
	entries      map[string]*ledger.LedgerEntry
	usage        []ledger.UsageRecord
}

func (t *tx) GetAccount(ctx context.Context) (*ledger.Account, error) {
	if t.account != nil {
		acct := *t.account
		return &acct, nil
	}
	return t.s.GetAccount(ctx, t.accountID)
}

func (t *tx) PutAccount(ctx context.Context, account *ledger.Account) error {
	if account == nil || account.ID != t.accountID {
		return fmt.Errorf("account does not match locked account %s", t.accountID)
	}
	acct := *account
	t.account = &acct
	return nil
}

func (t *tx) ListActiveReservations(ctx context.Context) ([]ledger.Reservation, error) {
	t.s.mu.RLock()
	merged := make(map[string]ledger.Reservation)
	for id, r := range t.s.reservations {
		if r.AccountID == t.accountID {
			merged[id] = *r
		}
	}
	t.s.mu.RUnlock()
	for id, r := range t.reservations {
		merged[id] = *r
	}

	var out []ledger.Reservation
	for _, r := range merged {
		if r.Status == ledger.ReservationReserved {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (t *tx) GetReservation(ctx context.Context, reservationID string) (*ledger.Reservation, error) {
	if r, ok := t.reservations[reservationID]; ok {
		res := *r
		return &res, nil
	}
	res, err := t.s.GetReservation(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	if res.AccountID != t.accountID {
		return nil, ledger.ErrNotFound
	}
	return res, nil
}

func (t *tx) GetReservationByJobRef(ctx context.Context, jobRef string) (*ledger.Reservation, error) {
	for _, r := range t.reservations {
		if r.JobRef == jobRef {
			res := *r
			return &res, nil
		}
	}
	return t.s.GetReservationByJobRef(ctx, jobRef)
}

func (t *tx) InsertReservation(ctx context.Context, reservation *ledger.Reservation) error {
	if reservation == nil || reservation.ID == "" || reservation.JobRef == "" {
		return fmt.Errorf("%w: reservation id and job reference are required", ledger.ErrInvalidRequest)
	}
	if _, err := t.GetReservationByJobRef(ctx, reservation.JobRef); err == nil {
		return ledger.ErrDuplicateJobRef
	}
	res := *reservation
	t.reservations[res.ID] = &res
	return nil
}

func (t *tx) UpdateReservation(ctx context.Context, reservation *ledger.Reservation) error {
	if _, err := t.GetReservation(ctx, reservation.ID); err != nil {
		return err
	}
	res := *reservation
	t.reservations[res.ID] = &res
	return nil
}

func (t *tx) GetLedgerEntry(ctx context.Context, paymentRef string) (*ledger.LedgerEntry, error) {
	if e, ok := t.entries[paymentRef]; ok {
		entry := *e
		return &entry, nil
	}
	return t.s.GetLedgerEntry(ctx, paymentRef)
}

func (t *tx) PutLedgerEntry(ctx context.Context, entry *ledger.LedgerEntry) error {
	if entry == nil || entry.PaymentRef == "" {
		return fmt.Errorf("%w: payment reference is required", ledger.ErrInvalidRequest)
	}
	e := *entry
	t.entries[e.PaymentRef] = &e
	return nil
}

func (t *tx) InsertUsage(ctx context.Context, record *ledger.UsageRecord) error {
	if record == nil {
		return fmt.Errorf("%w: usage record is required", ledger.ErrInvalidRequest)
	}
	t.usage = append(t.usage, *record)
	return nil
}
