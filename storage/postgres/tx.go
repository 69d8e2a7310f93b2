package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mihaimyh/leadledger/pkg/ledger"
)

// pgTx implements ledger.Tx inside a transaction holding the account's advisory lock
type pgTx struct {
	tx        pgx.Tx
	accountID string
}

func (t *pgTx) GetAccount(ctx context.Context) (*ledger.Account, error) {
	return scanAccount(t.tx.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, t.accountID))
}

func (t *pgTx) PutAccount(ctx context.Context, account *ledger.Account) error {
	if account == nil || account.ID != t.accountID {
		return fmt.Errorf("account does not match locked account %s", t.accountID)
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO accounts (`+accountColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO UPDATE SET
				total_credit = EXCLUDED.total_credit,
				used_credit = EXCLUDED.used_credit,
				free_credit_remaining = EXCLUDED.free_credit_remaining,
				free_credit_cycle_start = EXCLUDED.free_credit_cycle_start,
				updated_at = EXCLUDED.updated_at`,
		account.ID, account.TotalCredit, account.UsedCredit, account.FreeCreditRemaining,
		account.FreeCreditCycleStart.UTC(), account.CreatedAt.UTC(), account.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert account: %w", err)
	}
	return nil
}

func (t *pgTx) ListActiveReservations(ctx context.Context) ([]ledger.Reservation, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+reservationColumns+` FROM reservations
			WHERE account_id = $1 AND status = 'reserved'
			ORDER BY created_at`, t.accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query reservations: %w", err)
	}
	defer rows.Close()

	var out []ledger.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (t *pgTx) GetReservation(ctx context.Context, reservationID string) (*ledger.Reservation, error) {
	return scanReservation(t.tx.QueryRow(ctx,
		`SELECT `+reservationColumns+` FROM reservations
			WHERE id = $1 AND account_id = $2 FOR UPDATE`, reservationID, t.accountID))
}

func (t *pgTx) GetReservationByJobRef(ctx context.Context, jobRef string) (*ledger.Reservation, error) {
	return scanReservation(t.tx.QueryRow(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE job_ref = $1`, jobRef))
}

func (t *pgTx) InsertReservation(ctx context.Context, r *ledger.Reservation) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO reservations (`+reservationColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, r.AccountID, r.CreditsReserved, r.CreditsCharged, r.JobRef,
		string(r.Source), string(r.Status), r.CreatedAt.UTC(), r.UpdatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return ledger.ErrDuplicateJobRef
		}
		return fmt.Errorf("failed to insert reservation: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateReservation(ctx context.Context, r *ledger.Reservation) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE reservations SET status = $1, credits_charged = $2, updated_at = $3
			WHERE id = $4 AND account_id = $5`,
		string(r.Status), r.CreditsCharged, r.UpdatedAt.UTC(), r.ID, t.accountID)
	if err != nil {
		return fmt.Errorf("failed to update reservation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

func (t *pgTx) GetLedgerEntry(ctx context.Context, paymentRef string) (*ledger.LedgerEntry, error) {
	return scanLedgerEntry(t.tx.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE payment_ref = $1 FOR UPDATE`, paymentRef))
}

func (t *pgTx) PutLedgerEntry(ctx context.Context, e *ledger.LedgerEntry) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO ledger_entries (`+entryColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (payment_ref) DO UPDATE SET
				amount_purchased = EXCLUDED.amount_purchased,
				status = EXCLUDED.status,
				amount_minor = EXCLUDED.amount_minor,
				currency = EXCLUDED.currency,
				updated_at = EXCLUDED.updated_at
			WHERE ledger_entries.account_id = EXCLUDED.account_id`,
		e.ID, e.AccountID, e.AmountPurchased, e.PaymentRef, string(e.Status),
		e.AmountMinor, e.Currency, e.CreatedAt.UTC(), e.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert ledger entry: %w", err)
	}
	return nil
}

func (t *pgTx) InsertUsage(ctx context.Context, r *ledger.UsageRecord) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO usage_records (id, account_id, source, credits, free_credits, paid_credits, reference, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, r.AccountID, string(r.Source), r.Credits, r.FreeCredits, r.PaidCredits, r.Reference, r.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert usage record: %w", err)
	}
	return nil
}
