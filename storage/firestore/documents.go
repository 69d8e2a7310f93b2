package firestore

import (
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/leadledger/pkg/jobs"
	"github.com/mihaimyh/leadledger/pkg/ledger"
)

type accountDocument struct {
	TotalCredit          int64     `firestore:"totalCredit"`
	UsedCredit           int64     `firestore:"usedCredit"`
	FreeCreditRemaining  int64     `firestore:"freeCreditRemaining"`
	FreeCreditCycleStart time.Time `firestore:"freeCreditCycleStart"`
	CreatedAt            time.Time `firestore:"createdAt"`
	UpdatedAt            time.Time `firestore:"updatedAt"`
}

func accountFromSnapshot(snap *firestore.DocumentSnapshot, err error) (*ledger.Account, error) {
	if status.Code(err) == codes.NotFound {
		return nil, ledger.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	var d accountDocument
	if err := snap.DataTo(&d); err != nil {
		return nil, fmt.Errorf("failed to decode account: %w", err)
	}
	return &ledger.Account{
		ID:                   snap.Ref.ID,
		TotalCredit:          d.TotalCredit,
		UsedCredit:           d.UsedCredit,
		FreeCreditRemaining:  d.FreeCreditRemaining,
		FreeCreditCycleStart: d.FreeCreditCycleStart.UTC(),
		CreatedAt:            d.CreatedAt,
		UpdatedAt:            d.UpdatedAt,
	}, nil
}

func newAccountDocument(a *ledger.Account) accountDocument {
	return accountDocument{
		TotalCredit:          a.TotalCredit,
		UsedCredit:           a.UsedCredit,
		FreeCreditRemaining:  a.FreeCreditRemaining,
		FreeCreditCycleStart: a.FreeCreditCycleStart.UTC(),
		CreatedAt:            a.CreatedAt.UTC(),
		UpdatedAt:            a.UpdatedAt.UTC(),
	}
}

type reservationDocument struct {
	AccountID       string    `firestore:"accountId"`
	CreditsReserved int64     `firestore:"creditsReserved"`
	CreditsCharged  int64     `firestore:"creditsCharged"`
	JobRef          string    `firestore:"jobRef"`
	Source          string    `firestore:"source"`
	Status          string    `firestore:"status"`
	CreatedAt       time.Time `firestore:"createdAt"`
	UpdatedAt       time.Time `firestore:"updatedAt"`
}

func reservationFromSnapshot(snap *firestore.DocumentSnapshot, err error) (*ledger.Reservation, error) {
	if status.Code(err) == codes.NotFound {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reservation: %w", err)
	}
	var d reservationDocument
	if err := snap.DataTo(&d); err != nil {
		return nil, fmt.Errorf("failed to decode reservation: %w", err)
	}
	return &ledger.Reservation{
		ID:              snap.Ref.ID,
		AccountID:       d.AccountID,
		CreditsReserved: d.CreditsReserved,
		CreditsCharged:  d.CreditsCharged,
		JobRef:          d.JobRef,
		Source:          ledger.UsageSource(d.Source),
		Status:          ledger.ReservationStatus(d.Status),
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
	}, nil
}

func newReservationDocument(r *ledger.Reservation) reservationDocument {
	return reservationDocument{
		AccountID:       r.AccountID,
		CreditsReserved: r.CreditsReserved,
		CreditsCharged:  r.CreditsCharged,
		JobRef:          r.JobRef,
		Source:          string(r.Source),
		Status:          string(r.Status),
		CreatedAt:       r.CreatedAt.UTC(),
		UpdatedAt:       r.UpdatedAt.UTC(),
	}
}

// reservationIDFromRef reads a reservation_refs document.
func reservationIDFromRef(snap *firestore.DocumentSnapshot, err error) (string, error) {
	if status.Code(err) == codes.NotFound {
		return "", ledger.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get reservation ref: %w", err)
	}
	id := getString(snap.Data(), "reservationId")
	if id == "" {
		return "", ledger.ErrNotFound
	}
	return id, nil
}

type entryDocument struct {
	ID              string    `firestore:"id"`
	AccountID       string    `firestore:"accountId"`
	AmountPurchased int64     `firestore:"amountPurchased"`
	Status          string    `firestore:"status"`
	AmountMinor     int64     `firestore:"amountMinor"`
	Currency        string    `firestore:"currency"`
	CreatedAt       time.Time `firestore:"createdAt"`
	UpdatedAt       time.Time `firestore:"updatedAt"`
}

func entryFromSnapshot(snap *firestore.DocumentSnapshot, err error) (*ledger.LedgerEntry, error) {
	if status.Code(err) == codes.NotFound {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ledger entry: %w", err)
	}
	var d entryDocument
	if err := snap.DataTo(&d); err != nil {
		return nil, fmt.Errorf("failed to decode ledger entry: %w", err)
	}
	return &ledger.LedgerEntry{
		ID:              d.ID,
		AccountID:       d.AccountID,
		AmountPurchased: d.AmountPurchased,
		PaymentRef:      snap.Ref.ID,
		Status:          ledger.PaymentStatus(d.Status),
		AmountMinor:     d.AmountMinor,
		Currency:        d.Currency,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
	}, nil
}

type usageDocument struct {
	AccountID   string    `firestore:"accountId"`
	Source      string    `firestore:"source"`
	Credits     int64     `firestore:"credits"`
	FreeCredits int64     `firestore:"freeCredits"`
	PaidCredits int64     `firestore:"paidCredits"`
	Reference   string    `firestore:"reference"`
	CreatedAt   time.Time `firestore:"createdAt"`
}

func (d usageDocument) toRecord(id string) ledger.UsageRecord {
	return ledger.UsageRecord{
		ID:          id,
		AccountID:   d.AccountID,
		Source:      ledger.UsageSource(d.Source),
		Credits:     d.Credits,
		FreeCredits: d.FreeCredits,
		PaidCredits: d.PaidCredits,
		Reference:   d.Reference,
		CreatedAt:   d.CreatedAt,
	}
}

func jobFromSnapshot(snap *firestore.DocumentSnapshot, err error) (*jobs.Job, error) {
	if status.Code(err) == codes.NotFound {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	data := snap.Data()
	return &jobs.Job{
		ID:             snap.Ref.ID,
		CorrelationID:  getString(data, "correlationId"),
		TaskRef:        getString(data, "taskRef"),
		Kind:           jobs.Kind(getString(data, "kind")),
		Status:         jobs.Status(getString(data, "status")),
		ScrapedCount:   getInt(data, "scrapedCount"),
		TotalCount:     getInt(data, "totalCount"),
		RequestedCount: getInt(data, "requestedCount"),
		Limit:          getInt(data, "limit"),
		OwnerAccountID: getString(data, "ownerAccountId"),
		CreatedAt:      getTime(data, "createdAt"),
		UpdatedAt:      getTime(data, "updatedAt"),
	}, nil
}

func jobData(j *jobs.Job) map[string]interface{} {
	return map[string]interface{}{
		"correlationId":  j.CorrelationID,
		"taskRef":        j.TaskRef,
		"kind":           string(j.Kind),
		"status":         string(j.Status),
		"scrapedCount":   j.ScrapedCount,
		"totalCount":     j.TotalCount,
		"requestedCount": j.RequestedCount,
		"limit":          j.Limit,
		"ownerAccountId": j.OwnerAccountID,
		"createdAt":      j.CreatedAt.UTC(),
		"updatedAt":      j.UpdatedAt.UTC(),
	}
}

// Helper functions for type conversion

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getInt(data map[string]interface{}, key string) int64 {
	switch v := data[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v
	}
	return time.Time{}
}

func pendingFromSnapshot(snap *firestore.DocumentSnapshot, err error) (*jobs.PendingCompletion, error) {
	if status.Code(err) == codes.NotFound {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending completion: %w", err)
	}
	data := snap.Data()
	return &jobs.PendingCompletion{
		TaskRef:    snap.Ref.ID,
		Status:     jobs.Status(getString(data, "status")),
		Scraped:    getInt(data, "scrapedCount"),
		ReceivedAt: getTime(data, "receivedAt"),
	}, nil
}
