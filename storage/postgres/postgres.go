// Package postgres provides a PostgreSQL implementation of the ledger.Store and jobs.Store interfaces.
// Account mutations run in a transaction holding a per-account advisory lock plus
// SELECT FOR UPDATE on the account row.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/leadledger/pkg/ledger"
)

const uniqueViolation = "23505"

// Storage implements ledger.Store and jobs.Store using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Storage{pool: pool, config: config}, nil
}

// Close closes the connection pool
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// WithAccountLock implements ledger.Store.
//
// The advisory lock serializes callers even before the account row exists,
// so two first-time requests cannot both provision the account.
func (s *Storage) WithAccountLock(ctx context.Context, accountID string, fn func(tx ledger.Tx) error) error {
	if accountID == "" {
		return fmt.Errorf("%w: account id is required", ledger.ErrInvalidRequest)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, accountID); err != nil {
		return fmt.Errorf("failed to lock account: %w", err)
	}

	if err := fn(&pgTx{tx: tx, accountID: accountID}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return ledger.ErrDuplicateJobRef
		}
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

const accountColumns = `id, total_credit, used_credit, free_credit_remaining, free_credit_cycle_start, created_at, updated_at`

func scanAccount(row pgx.Row) (*ledger.Account, error) {
	var a ledger.Account
	err := row.Scan(&a.ID, &a.TotalCredit, &a.UsedCredit, &a.FreeCreditRemaining,
		&a.FreeCreditCycleStart, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}
	a.FreeCreditCycleStart = a.FreeCreditCycleStart.UTC()
	return &a, nil
}

// GetAccount implements ledger.Store
func (s *Storage) GetAccount(ctx context.Context, accountID string) (*ledger.Account, error) {
	return scanAccount(s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, accountID))
}

const reservationColumns = `id, account_id, credits_reserved, credits_charged, job_ref, source, status, created_at, updated_at`

func scanReservation(row pgx.Row) (*ledger.Reservation, error) {
	var r ledger.Reservation
	var source, status string
	err := row.Scan(&r.ID, &r.AccountID, &r.CreditsReserved, &r.CreditsCharged,
		&r.JobRef, &source, &status, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan reservation: %w", err)
	}
	r.Source = ledger.UsageSource(source)
	r.Status = ledger.ReservationStatus(status)
	return &r, nil
}

// GetReservation implements ledger.Store
func (s *Storage) GetReservation(ctx context.Context, reservationID string) (*ledger.Reservation, error) {
	return scanReservation(s.pool.QueryRow(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE id = $1`, reservationID))
}

// GetReservationByJobRef implements ledger.Store
func (s *Storage) GetReservationByJobRef(ctx context.Context, jobRef string) (*ledger.Reservation, error) {
	return scanReservation(s.pool.QueryRow(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE job_ref = $1`, jobRef))
}

const entryColumns = `id, account_id, amount_purchased, payment_ref, status, amount_minor, currency, created_at, updated_at`

func scanLedgerEntry(row pgx.Row) (*ledger.LedgerEntry, error) {
	var e ledger.LedgerEntry
	var status string
	err := row.Scan(&e.ID, &e.AccountID, &e.AmountPurchased, &e.PaymentRef, &status,
		&e.AmountMinor, &e.Currency, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
	}
	e.Status = ledger.PaymentStatus(status)
	return &e, nil
}

// GetLedgerEntry implements ledger.Store
func (s *Storage) GetLedgerEntry(ctx context.Context, paymentRef string) (*ledger.LedgerEntry, error) {
	return scanLedgerEntry(s.pool.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE payment_ref = $1`, paymentRef))
}

// ListLedgerEntries implements ledger.Store
func (s *Storage) ListLedgerEntries(ctx context.Context, accountID string, limit int) ([]ledger.LedgerEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE account_id = $1
		ORDER BY created_at DESC, payment_ref DESC`
	args := []any{accountID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries: %w", err)
	}
	defer rows.Close()

	var out []ledger.LedgerEntry
	for rows.Next() {
		e, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// ListUsage implements ledger.Store
func (s *Storage) ListUsage(ctx context.Context, accountID string, from, to time.Time) ([]ledger.UsageRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_id, source, credits, free_credits, paid_credits, reference, created_at
			FROM usage_records
			WHERE account_id = $1 AND created_at >= $2 AND created_at < $3
			ORDER BY created_at`,
		accountID, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query usage records: %w", err)
	}
	defer rows.Close()

	var out []ledger.UsageRecord
	for rows.Next() {
		var r ledger.UsageRecord
		var source string
		if err := rows.Scan(&r.ID, &r.AccountID, &source, &r.Credits, &r.FreeCredits,
			&r.PaidCredits, &r.Reference, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		r.Source = ledger.UsageSource(source)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListAccountIDs implements ledger.Store
func (s *Storage) ListAccountIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan account ids: %w", err)
	}
	return ids, nil
}

// RecordPaymentEvent implements ledger.Store
func (s *Storage) RecordPaymentEvent(ctx context.Context, event *ledger.PaymentEvent) (bool, error) {
	if event == nil || event.EventID == "" {
		return false, fmt.Errorf("%w: event id is required", ledger.ErrInvalidRequest)
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO payment_events (event_id, provider, type, payment_ref, received_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (event_id) DO NOTHING`,
		event.EventID, event.Provider, event.Type, event.PaymentRef, event.ReceivedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to insert payment event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
