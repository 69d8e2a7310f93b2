package firestore

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	"github.com/mihaimyh/leadledger/pkg/ledger"
)

// fsTx implements ledger.Tx on a Firestore transaction. Writes are buffered
// by Firestore and applied on commit.
type fsTx struct {
	s         *Storage
	tx        *firestore.Transaction
	accountID string
}

func (t *fsTx) GetAccount(ctx context.Context) (*ledger.Account, error) {
	return accountFromSnapshot(t.tx.Get(t.s.accountDoc(t.accountID)))
}

func (t *fsTx) PutAccount(ctx context.Context, account *ledger.Account) error {
	if account == nil || account.ID != t.accountID {
		return fmt.Errorf("account does not match locked account %s", t.accountID)
	}
	return t.tx.Set(t.s.accountDoc(account.ID), newAccountDocument(account))
}

func (t *fsTx) ListActiveReservations(ctx context.Context) ([]ledger.Reservation, error) {
	iter := t.tx.Documents(t.s.client.Collection(t.s.config.ReservationsCollection).
		Where("accountId", "==", t.accountID).
		Where("status", "==", string(ledger.ReservationReserved)))
	defer iter.Stop()

	var out []ledger.Reservation
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		r, err := reservationFromSnapshot(snap, err)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, nil
}

func (t *fsTx) GetReservation(ctx context.Context, reservationID string) (*ledger.Reservation, error) {
	r, err := reservationFromSnapshot(t.tx.Get(t.s.reservationDoc(reservationID)))
	if err != nil {
		return nil, err
	}
	if r.AccountID != t.accountID {
		return nil, ledger.ErrNotFound
	}
	return r, nil
}

func (t *fsTx) GetReservationByJobRef(ctx context.Context, jobRef string) (*ledger.Reservation, error) {
	id, err := reservationIDFromRef(t.tx.Get(t.s.reservationRefDoc(jobRef)))
	if err != nil {
		return nil, err
	}
	return reservationFromSnapshot(t.tx.Get(t.s.reservationDoc(id)))
}

// InsertReservation creates the job reference document with Create, so a
// concurrent insert for the same reference fails the commit with AlreadyExists.
func (t *fsTx) InsertReservation(ctx context.Context, r *ledger.Reservation) error {
	if r.JobRef != "" {
		if err := t.tx.Create(t.s.reservationRefDoc(r.JobRef), map[string]interface{}{
			"reservationId": r.ID,
			"accountId":     r.AccountID,
		}); err != nil {
			return fmt.Errorf("failed to reserve job ref: %w", err)
		}
	}
	return t.tx.Create(t.s.reservationDoc(r.ID), newReservationDocument(r))
}

func (t *fsTx) UpdateReservation(ctx context.Context, r *ledger.Reservation) error {
	return t.tx.Update(t.s.reservationDoc(r.ID), []firestore.Update{
		{Path: "status", Value: string(r.Status)},
		{Path: "creditsCharged", Value: r.CreditsCharged},
		{Path: "updatedAt", Value: r.UpdatedAt.UTC()},
	})
}

func (t *fsTx) GetLedgerEntry(ctx context.Context, paymentRef string) (*ledger.LedgerEntry, error) {
	return entryFromSnapshot(t.tx.Get(t.s.entryDoc(paymentRef)))
}

func (t *fsTx) PutLedgerEntry(ctx context.Context, e *ledger.LedgerEntry) error {
	return t.tx.Set(t.s.entryDoc(e.PaymentRef), entryDocument{
		ID:              e.ID,
		AccountID:       e.AccountID,
		AmountPurchased: e.AmountPurchased,
		Status:          string(e.Status),
		AmountMinor:     e.AmountMinor,
		Currency:        e.Currency,
		CreatedAt:       e.CreatedAt.UTC(),
		UpdatedAt:       e.UpdatedAt.UTC(),
	})
}

func (t *fsTx) InsertUsage(ctx context.Context, r *ledger.UsageRecord) error {
	return t.tx.Create(t.s.client.Collection(t.s.config.UsageCollection).Doc(r.ID), usageDocument{
		AccountID:   r.AccountID,
		Source:      string(r.Source),
		Credits:     r.Credits,
		FreeCredits: r.FreeCredits,
		PaidCredits: r.PaidCredits,
		Reference:   r.Reference,
		CreatedAt:   r.CreatedAt.UTC(),
	})
}
