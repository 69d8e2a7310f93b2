package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Manager implements credit accounting, the reservation protocol, the free-tier
// allowance and payment grants on top of a Store.
type Manager struct {
	store   Store
	config  Config
	metrics Metrics
	logger  Logger
	now     func() time.Time
}

// NewManager creates a new ledger manager with the given storage and configuration
func NewManager(store Store, config Config) (*Manager, error) {
	if store == nil {
		return nil, ErrStorageUnavailable
	}
	if config.FreeCreditGrant < 0 {
		return nil, fmt.Errorf("%w: free credit grant must be >= 0", ErrInvalidAmount)
	}

	m := &Manager{
		store:   store,
		config:  config,
		metrics: config.Metrics,
		logger:  config.Logger,
		now:     config.Now,
	}
	if m.metrics == nil {
		m.metrics = &NoopMetrics{}
	}
	if m.logger == nil {
		m.logger = &NoopLogger{}
	}
	if m.now == nil {
		m.now = func() time.Time { return time.Now().UTC() }
	}
	return m, nil
}

// FreeCreditGrant returns the configured monthly free allowance.
func (m *Manager) FreeCreditGrant() int64 {
	return m.config.FreeCreditGrant
}

// ProvisionAccount creates the account with the free grant if it does not exist
// and returns the stored account.
func (m *Manager) ProvisionAccount(ctx context.Context, accountID string) (*Account, error) {
	if accountID == "" {
		return nil, fmt.Errorf("%w: account id is required", ErrInvalidRequest)
	}

	var result *Account
	err := m.withLock(ctx, "ProvisionAccount", accountID, func(tx Tx) error {
		acct, err := tx.GetAccount(ctx)
		if err == nil {
			result = acct
			return nil
		}
		if !errors.Is(err, ErrAccountNotFound) {
			return err
		}
		acct = m.newAccount(accountID)
		if err := tx.PutAccount(ctx, acct); err != nil {
			return err
		}
		result = acct
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetBalance returns the account's credit breakdown. It never writes: an
// account that would be auto-provisioned is reported with the free grant and
// stored by the first operation that changes it.
func (m *Manager) GetBalance(ctx context.Context, accountID string) (*Balance, error) {
	var balance Balance
	err := m.withLock(ctx, "GetBalance", accountID, func(tx Tx) error {
		acct, _, err := m.loadAccount(ctx, tx, accountID)
		if err != nil {
			return err
		}
		active, err := tx.ListActiveReservations(ctx)
		if err != nil {
			return fmt.Errorf("failed to list reservations: %w", err)
		}
		balance = BalanceOf(acct, active)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &balance, nil
}

// GetAvailableCredit returns (total - used) + free - reserved for the account.
func (m *Manager) GetAvailableCredit(ctx context.Context, accountID string) (int64, error) {
	balance, err := m.GetBalance(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return balance.AvailableCredit, nil
}

// MonthlyUsage returns the credits charged in the calendar month containing asOf.
func (m *Manager) MonthlyUsage(ctx context.Context, accountID string, asOf time.Time) (int64, error) {
	start, end := MonthBounds(asOf)
	records, err := m.store.ListUsage(ctx, accountID, start, end)
	if err != nil {
		return 0, fmt.Errorf("failed to list usage: %w", err)
	}
	return MonthlyUsage(records, asOf), nil
}

// ListUsage returns the usage records of the calendar month containing asOf.
func (m *Manager) ListUsage(ctx context.Context, accountID string, asOf time.Time) ([]UsageRecord, error) {
	start, end := MonthBounds(asOf)
	records, err := m.store.ListUsage(ctx, accountID, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage: %w", err)
	}
	return records, nil
}

// GetBillingHistory returns the account's purchase entries, newest first.
func (m *Manager) GetBillingHistory(ctx context.Context, accountID string, limit int) ([]LedgerEntry, error) {
	entries, err := m.store.ListLedgerEntries(ctx, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	return entries, nil
}

// GetReservationByJobRef returns the reservation paired with an external task reference.
func (m *Manager) GetReservationByJobRef(ctx context.Context, jobRef string) (*Reservation, error) {
	return m.store.GetReservationByJobRef(ctx, jobRef)
}

// CreateReservation places a hold of req.Amount credits for req.JobRef.
//
// The hold reduces available credit immediately but is not charged until
// settlement. Returns an *InsufficientCreditError when the account cannot cover it.
func (m *Manager) CreateReservation(ctx context.Context, req ReserveRequest) (*Reservation, error) {
	if req.Amount < 1 {
		return nil, ErrInvalidAmount
	}
	if req.AccountID == "" || req.JobRef == "" {
		return nil, fmt.Errorf("%w: account id and job reference are required", ErrInvalidRequest)
	}

	var result *Reservation
	err := m.withLock(ctx, "CreateReservation", req.AccountID, func(tx Tx) error {
		acct, created, err := m.loadAccount(ctx, tx, req.AccountID)
		if err != nil {
			return err
		}
		active, err := tx.ListActiveReservations(ctx)
		if err != nil {
			return fmt.Errorf("failed to list reservations: %w", err)
		}
		if _, err := tx.GetReservationByJobRef(ctx, req.JobRef); err == nil {
			return fmt.Errorf("%w: job %s already has a reservation", ErrInvalidState, req.JobRef)
		} else if !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("failed to check job reference: %w", err)
		}

		available := AvailableCredit(acct, active)
		if available < req.Amount {
			return &InsufficientCreditError{Needed: req.Amount, Available: available}
		}

		now := m.now()
		res := &Reservation{
			ID:              uuid.NewString(),
			AccountID:       req.AccountID,
			CreditsReserved: req.Amount,
			JobRef:          req.JobRef,
			Source:          req.Source,
			Status:          ReservationReserved,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if created {
			if err := tx.PutAccount(ctx, acct); err != nil {
				return err
			}
		}
		if err := tx.InsertReservation(ctx, res); err != nil {
			if errors.Is(err, ErrDuplicateJobRef) {
				return fmt.Errorf("%w: job %s already has a reservation", ErrInvalidState, req.JobRef)
			}
			return err
		}
		result = res
		return nil
	})
	if errors.Is(err, ErrDuplicateJobRef) {
		err = fmt.Errorf("%w: job %s already has a reservation", ErrInvalidState, req.JobRef)
	}
	if err != nil {
		outcome := "error"
		switch {
		case errors.Is(err, ErrInsufficientCredit):
			outcome = "insufficient_credit"
		case errors.Is(err, ErrAccountNotProvisioned):
			outcome = "not_provisioned"
		case errors.Is(err, ErrInvalidState):
			outcome = "duplicate"
		}
		m.metrics.RecordReservation(outcome, req.Amount)
		return nil, err
	}

	m.metrics.RecordReservation("created", req.Amount)
	m.logger.Debug("reservation created",
		Field{Key: "account_id", Value: req.AccountID},
		Field{Key: "reservation_id", Value: result.ID},
		Field{Key: "job_ref", Value: req.JobRef},
		Field{Key: "amount", Value: req.Amount},
	)
	return result, nil
}

// SettleReservation converts a hold into a charge of actual credits.
//
// actual is clamped to [0, CreditsReserved]. The charge is drawn from the free
// pool first and the remainder is added to UsedCredit. A reservation that is
// already released or returned yields ErrInvalidState and nothing is charged.
func (m *Manager) SettleReservation(ctx context.Context, reservationID string, actual int64) (*Settlement, error) {
	res, err := m.store.GetReservation(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	return m.settle(ctx, res.AccountID, actual, func(tx Tx) (*Reservation, error) {
		return tx.GetReservation(ctx, reservationID)
	})
}

// SettleReservationByJobRef is SettleReservation keyed by the external task reference.
func (m *Manager) SettleReservationByJobRef(ctx context.Context, jobRef string, actual int64) (*Settlement, error) {
	res, err := m.store.GetReservationByJobRef(ctx, jobRef)
	if err != nil {
		return nil, err
	}
	return m.settle(ctx, res.AccountID, actual, func(tx Tx) (*Reservation, error) {
		return tx.GetReservationByJobRef(ctx, jobRef)
	})
}

func (m *Manager) settle(
	ctx context.Context, accountID string, actual int64, lookup func(Tx) (*Reservation, error),
) (*Settlement, error) {
	var result *Settlement
	err := m.withLock(ctx, "SettleReservation", accountID, func(tx Tx) error {
		res, err := lookup(tx)
		if err != nil {
			return err
		}
		if res.Status != ReservationReserved {
			return fmt.Errorf("%w: reservation %s is %s", ErrInvalidState, res.ID, res.Status)
		}
		acct, err := tx.GetAccount(ctx)
		if err != nil {
			return fmt.Errorf("failed to load account for settlement: %w", err)
		}

		charged, overYield := ClampSettlement(actual, res.CreditsReserved)
		fromFree, fromPaid := SplitDraw(charged, acct.FreeCreditRemaining)

		now := m.now()
		acct.FreeCreditRemaining -= fromFree
		acct.UsedCredit += fromPaid
		acct.UpdatedAt = now

		res.Status = ReservationReleased
		res.CreditsCharged = charged
		res.UpdatedAt = now

		if err := tx.PutAccount(ctx, acct); err != nil {
			return err
		}
		if err := tx.UpdateReservation(ctx, res); err != nil {
			return err
		}
		if charged > 0 {
			usage := &UsageRecord{
				ID:          uuid.NewString(),
				AccountID:   acct.ID,
				Source:      res.Source,
				Credits:     charged,
				FreeCredits: fromFree,
				PaidCredits: fromPaid,
				Reference:   res.JobRef,
				CreatedAt:   now,
			}
			if err := tx.InsertUsage(ctx, usage); err != nil {
				return err
			}
		}

		result = &Settlement{
			Reservation: res,
			Charged:     charged,
			FromFree:    fromFree,
			FromPaid:    fromPaid,
			OverYield:   overYield,
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInvalidState) {
			m.logger.Warn("settlement rejected",
				Field{Key: "account_id", Value: accountID},
				Field{Key: "error", Value: err.Error()},
			)
		}
		return nil, err
	}

	if result.OverYield > 0 {
		m.logger.Warn("settlement exceeded reservation",
			Field{Key: "reservation_id", Value: result.Reservation.ID},
			Field{Key: "job_ref", Value: result.Reservation.JobRef},
			Field{Key: "reserved", Value: result.Reservation.CreditsReserved},
			Field{Key: "over_yield", Value: result.OverYield},
		)
	}
	m.metrics.RecordSettlement(result.FromFree, result.FromPaid, result.OverYield)
	m.logger.Info("reservation settled",
		Field{Key: "account_id", Value: accountID},
		Field{Key: "reservation_id", Value: result.Reservation.ID},
		Field{Key: "charged", Value: result.Charged},
		Field{Key: "from_free", Value: result.FromFree},
		Field{Key: "from_paid", Value: result.FromPaid},
	)
	return result, nil
}

// ReturnReservation voids a hold without charging anything.
func (m *Manager) ReturnReservation(ctx context.Context, reservationID string) (*Reservation, error) {
	res, err := m.store.GetReservation(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	return m.returnHold(ctx, res.AccountID, func(tx Tx) (*Reservation, error) {
		return tx.GetReservation(ctx, reservationID)
	})
}

// ReturnReservationByJobRef is ReturnReservation keyed by the external task reference.
func (m *Manager) ReturnReservationByJobRef(ctx context.Context, jobRef string) (*Reservation, error) {
	res, err := m.store.GetReservationByJobRef(ctx, jobRef)
	if err != nil {
		return nil, err
	}
	return m.returnHold(ctx, res.AccountID, func(tx Tx) (*Reservation, error) {
		return tx.GetReservationByJobRef(ctx, jobRef)
	})
}

func (m *Manager) returnHold(
	ctx context.Context, accountID string, lookup func(Tx) (*Reservation, error),
) (*Reservation, error) {
	var result *Reservation
	err := m.withLock(ctx, "ReturnReservation", accountID, func(tx Tx) error {
		res, err := lookup(tx)
		if err != nil {
			return err
		}
		if res.Status != ReservationReserved {
			return fmt.Errorf("%w: reservation %s is %s", ErrInvalidState, res.ID, res.Status)
		}
		res.Status = ReservationReturned
		res.UpdatedAt = m.now()
		if err := tx.UpdateReservation(ctx, res); err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInvalidState) {
			m.logger.Warn("return rejected",
				Field{Key: "account_id", Value: accountID},
				Field{Key: "error", Value: err.Error()},
			)
		}
		return nil, err
	}

	m.metrics.RecordReturn(result.CreditsReserved)
	m.logger.Info("reservation returned",
		Field{Key: "account_id", Value: accountID},
		Field{Key: "reservation_id", Value: result.ID},
		Field{Key: "amount", Value: result.CreditsReserved},
	)
	return result, nil
}

// Charge immediately charges amount credits, free pool first, for a synchronous
// lookup whose yield is known up front.
func (m *Manager) Charge(
	ctx context.Context, accountID string, amount int64, source UsageSource, reference string,
) (*Charge, error) {
	if amount < 1 {
		return nil, ErrInvalidAmount
	}

	var result *Charge
	err := m.withLock(ctx, "Charge", accountID, func(tx Tx) error {
		acct, _, err := m.loadAccount(ctx, tx, accountID)
		if err != nil {
			return err
		}
		active, err := tx.ListActiveReservations(ctx)
		if err != nil {
			return fmt.Errorf("failed to list reservations: %w", err)
		}
		available := AvailableCredit(acct, active)
		if available < amount {
			return &InsufficientCreditError{Needed: amount, Available: available}
		}

		fromFree, fromPaid := SplitDraw(amount, acct.FreeCreditRemaining)
		now := m.now()
		acct.FreeCreditRemaining -= fromFree
		acct.UsedCredit += fromPaid
		acct.UpdatedAt = now

		usage := &UsageRecord{
			ID:          uuid.NewString(),
			AccountID:   accountID,
			Source:      source,
			Credits:     amount,
			FreeCredits: fromFree,
			PaidCredits: fromPaid,
			Reference:   reference,
			CreatedAt:   now,
		}
		if err := tx.PutAccount(ctx, acct); err != nil {
			return err
		}
		if err := tx.InsertUsage(ctx, usage); err != nil {
			return err
		}
		result = &Charge{Usage: usage, FromFree: fromFree, FromPaid: fromPaid}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.metrics.RecordCharge(string(source), amount)
	return result, nil
}

// RecordPendingPayment stores a pending purchase when a payment is initiated.
// It is a no-op if an entry for paymentRef already exists.
func (m *Manager) RecordPendingPayment(
	ctx context.Context, accountID, paymentRef string, credits, amountMinor int64, currency string,
) (*LedgerEntry, error) {
	return m.confirm(ctx, PaymentConfirmation{
		PaymentRef:    paymentRef,
		Status:        PaymentPending,
		AmountCredits: credits,
		AccountID:     accountID,
		AmountMinor:   amountMinor,
		Currency:      currency,
	}, nil)
}

// ConfirmPayment applies a payment outcome. Credit is granted exactly once per
// PaymentRef: the first succeeded delivery adds AmountCredits to TotalCredit and
// later deliveries are no-ops. A succeeded entry is never downgraded.
func (m *Manager) ConfirmPayment(ctx context.Context, c PaymentConfirmation) (*PaymentResult, error) {
	var granted bool
	entry, err := m.confirm(ctx, c, &granted)
	if err != nil {
		m.metrics.RecordPayment(string(c.Status), false, c.AmountCredits)
		return nil, err
	}

	m.metrics.RecordPayment(string(c.Status), granted, entry.AmountPurchased)
	if granted {
		m.logger.Info("credit granted",
			Field{Key: "account_id", Value: entry.AccountID},
			Field{Key: "payment_ref", Value: entry.PaymentRef},
			Field{Key: "credits", Value: entry.AmountPurchased},
		)
	} else {
		m.logger.Debug("payment confirmation without grant",
			Field{Key: "payment_ref", Value: entry.PaymentRef},
			Field{Key: "status", Value: string(entry.Status)},
		)
	}
	return &PaymentResult{Entry: entry, Granted: granted}, nil
}

//nolint:gocyclo // one switch over the incoming and stored payment status
func (m *Manager) confirm(ctx context.Context, c PaymentConfirmation, granted *bool) (*LedgerEntry, error) {
	if c.PaymentRef == "" || c.AccountID == "" {
		return nil, fmt.Errorf("%w: payment reference and account id are required", ErrInvalidRequest)
	}
	if !c.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown payment status %q", ErrInvalidRequest, c.Status)
	}
	if c.AmountCredits < 0 {
		return nil, ErrInvalidAmount
	}

	var result *LedgerEntry
	err := m.withLock(ctx, "ConfirmPayment", c.AccountID, func(tx Tx) error {
		if granted != nil {
			*granted = false
		}

		acct, err := tx.GetAccount(ctx)
		accountCreated := false
		if errors.Is(err, ErrAccountNotFound) {
			acct = m.newAccount(c.AccountID)
			accountCreated = true
		} else if err != nil {
			return err
		}

		entry, err := tx.GetLedgerEntry(ctx, c.PaymentRef)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("failed to get ledger entry: %w", err)
		}
		if entry != nil && entry.AccountID != c.AccountID {
			return fmt.Errorf("%w: payment %s belongs to another account", ErrInvalidRequest, c.PaymentRef)
		}

		now := m.now()
		if entry == nil {
			entry = &LedgerEntry{
				ID:              uuid.NewString(),
				AccountID:       c.AccountID,
				AmountPurchased: c.AmountCredits,
				PaymentRef:      c.PaymentRef,
				Status:          PaymentPending,
				AmountMinor:     c.AmountMinor,
				Currency:        c.Currency,
				CreatedAt:       now,
				UpdatedAt:       now,
			}
		} else if entry.Status == PaymentSucceeded || c.Status == PaymentPending {
			// Already granted, or a pending notice for a known payment.
			result = entry
			return nil
		}

		grant := false
		switch c.Status {
		case PaymentSucceeded:
			if c.AmountCredits > 0 {
				entry.AmountPurchased = c.AmountCredits
			}
			if entry.AmountPurchased <= 0 {
				return ErrInvalidAmount
			}
			entry.Status = PaymentSucceeded
			acct.TotalCredit += entry.AmountPurchased
			acct.UpdatedAt = now
			grant = true
		case PaymentFailed:
			entry.Status = PaymentFailed
		}
		if c.AmountMinor > 0 {
			entry.AmountMinor = c.AmountMinor
		}
		if c.Currency != "" {
			entry.Currency = c.Currency
		}
		entry.UpdatedAt = now

		if grant || accountCreated {
			if err := tx.PutAccount(ctx, acct); err != nil {
				return err
			}
		}
		if err := tx.PutLedgerEntry(ctx, entry); err != nil {
			return err
		}
		if granted != nil {
			*granted = grant
		}
		result = entry
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RecordPaymentEvent stores a provider event and reports whether it is new.
func (m *Manager) RecordPaymentEvent(ctx context.Context, event *PaymentEvent) (bool, error) {
	if event == nil || event.EventID == "" {
		return false, fmt.Errorf("%w: event id is required", ErrInvalidRequest)
	}
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = m.now()
	}
	start := time.Now()
	inserted, err := m.store.RecordPaymentEvent(ctx, event)
	m.metrics.RecordStorageOperation("RecordPaymentEvent", time.Since(start), err)
	if err != nil {
		return false, fmt.Errorf("failed to record payment event: %w", err)
	}
	return inserted, nil
}

// ResetFreeCredit restores the free allowance to the configured grant and
// moves the cycle anchor to cycleStart. It does nothing unless cycleStart is
// after the stored anchor, so repeating it for the same cycle is harmless.
func (m *Manager) ResetFreeCredit(ctx context.Context, accountID string, cycleStart time.Time) (bool, error) {
	cycleStart = cycleStart.UTC()
	applied := false
	err := m.withLock(ctx, "ResetFreeCredit", accountID, func(tx Tx) error {
		applied = false
		acct, err := tx.GetAccount(ctx)
		if err != nil {
			if errors.Is(err, ErrAccountNotFound) {
				return ErrNotFound
			}
			return err
		}
		if !cycleStart.After(acct.FreeCreditCycleStart) {
			return nil
		}
		acct.FreeCreditRemaining = m.config.FreeCreditGrant
		acct.FreeCreditCycleStart = cycleStart
		acct.UpdatedAt = m.now()
		if err := tx.PutAccount(ctx, acct); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	m.metrics.RecordFreeCreditReset(applied)
	return applied, nil
}

// ResetSummary reports the outcome of ResetAllFreeCredit
type ResetSummary struct {
	Accounts int
	Applied  int
	Skipped  int
	Failed   int
}

// ResetAllFreeCredit runs ResetFreeCredit for every account. Failures are
// logged and returned joined; the sweep continues past them.
func (m *Manager) ResetAllFreeCredit(ctx context.Context, cycleStart time.Time) (ResetSummary, error) {
	var summary ResetSummary
	ids, err := m.store.ListAccountIDs(ctx)
	if err != nil {
		return summary, fmt.Errorf("failed to list accounts: %w", err)
	}

	var errs []error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		summary.Accounts++
		applied, err := m.ResetFreeCredit(ctx, id, cycleStart)
		switch {
		case err != nil:
			summary.Failed++
			errs = append(errs, fmt.Errorf("account %s: %w", id, err))
			m.logger.Error("free credit reset failed",
				Field{Key: "account_id", Value: id},
				Field{Key: "error", Value: err.Error()},
			)
		case applied:
			summary.Applied++
		default:
			summary.Skipped++
		}
	}

	m.logger.Info("free credit reset sweep finished",
		Field{Key: "cycle_start", Value: cycleStart.UTC()},
		Field{Key: "accounts", Value: summary.Accounts},
		Field{Key: "applied", Value: summary.Applied},
		Field{Key: "failed", Value: summary.Failed},
	)
	return summary, errors.Join(errs...)
}

// loadAccount returns the locked account. A missing account is built in memory
// when auto-provisioning applies; writers must PutAccount it after their reads.
func (m *Manager) loadAccount(ctx context.Context, tx Tx, accountID string) (*Account, bool, error) {
	acct, err := tx.GetAccount(ctx)
	if err == nil {
		return acct, false, nil
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return nil, false, err
	}
	if !m.config.AutoProvision || m.config.FreeCreditGrant == 0 {
		return nil, false, fmt.Errorf("%w: %s", ErrAccountNotProvisioned, accountID)
	}
	return m.newAccount(accountID), true, nil
}

func (m *Manager) newAccount(accountID string) *Account {
	now := m.now()
	return &Account{
		ID:                   accountID,
		FreeCreditRemaining:  m.config.FreeCreditGrant,
		FreeCreditCycleStart: CycleStart(now),
		CreatedAt:            now,
		UpdatedAt:            now,
	}
}

func (m *Manager) withLock(ctx context.Context, operation, accountID string, fn func(Tx) error) error {
	if accountID == "" {
		return fmt.Errorf("%w: account id is required", ErrInvalidRequest)
	}
	start := time.Now()
	err := m.store.WithAccountLock(ctx, accountID, fn)
	m.metrics.RecordStorageOperation(operation, time.Since(start), err)
	return err
}
