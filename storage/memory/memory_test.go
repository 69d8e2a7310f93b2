package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mihaimyh/leadledger/pkg/jobs"
	"github.com/mihaimyh/leadledger/pkg/ledger"
)

func TestStorage_GetAccount_NotFound(t *testing.T) {
	storage := New()

	_, err := storage.GetAccount(context.Background(), "user1")
	if !errors.Is(err, ledger.ErrAccountNotFound) {
		t.Errorf("Expected ErrAccountNotFound, got %v", err)
	}
}

func TestStorage_WithAccountLock_Commit(t *testing.T) {
	storage := New()
	ctx := context.Background()
	now := time.Now().UTC()

	err := storage.WithAccountLock(ctx, "user1", func(tx ledger.Tx) error {
		if _, err := tx.GetAccount(ctx); !errors.Is(err, ledger.ErrAccountNotFound) {
			t.Errorf("Expected ErrAccountNotFound inside tx, got %v", err)
		}
		if err := tx.PutAccount(ctx, &ledger.Account{ID: "user1", FreeCreditRemaining: 250}); err != nil {
			return err
		}
		return tx.InsertReservation(ctx, &ledger.Reservation{
			ID:              "res1",
			AccountID:       "user1",
			CreditsReserved: 20,
			JobRef:          "task-1",
			Status:          ledger.ReservationReserved,
			CreatedAt:       now,
		})
	})
	if err != nil {
		t.Fatalf("WithAccountLock failed: %v", err)
	}

	acct, err := storage.GetAccount(ctx, "user1")
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if acct.FreeCreditRemaining != 250 {
		t.Errorf("FreeCreditRemaining = %d, want 250", acct.FreeCreditRemaining)
	}

	res, err := storage.GetReservationByJobRef(ctx, "task-1")
	if err != nil {
		t.Fatalf("GetReservationByJobRef failed: %v", err)
	}
	if res.ID != "res1" || res.CreditsReserved != 20 {
		t.Errorf("Unexpected reservation %+v", res)
	}
}

func TestStorage_WithAccountLock_RollbackOnError(t *testing.T) {
	storage := New()
	ctx := context.Background()
	boom := errors.New("boom")

	err := storage.WithAccountLock(ctx, "user1", func(tx ledger.Tx) error {
		if err := tx.PutAccount(ctx, &ledger.Account{ID: "user1", TotalCredit: 100}); err != nil {
			return err
		}
		if err := tx.InsertUsage(ctx, &ledger.UsageRecord{ID: "u1", AccountID: "user1", Credits: 5}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Expected boom, got %v", err)
	}

	if _, err := storage.GetAccount(ctx, "user1"); !errors.Is(err, ledger.ErrAccountNotFound) {
		t.Errorf("Account should not be committed, got %v", err)
	}
	usage, _ := storage.ListUsage(ctx, "user1", time.Time{}, time.Now().Add(time.Hour))
	if len(usage) != 0 {
		t.Errorf("Usage should not be committed, got %d records", len(usage))
	}
}

func TestStorage_InsertReservation_DuplicateJobRef(t *testing.T) {
	storage := New()
	ctx := context.Background()

	insert := func(accountID, id string) error {
		return storage.WithAccountLock(ctx, accountID, func(tx ledger.Tx) error {
			return tx.InsertReservation(ctx, &ledger.Reservation{
				ID: id, AccountID: accountID, CreditsReserved: 1, JobRef: "task-1",
				Status: ledger.ReservationReserved,
			})
		})
	}

	if err := insert("user1", "res1"); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}
	if err := insert("user1", "res2"); !errors.Is(err, ledger.ErrDuplicateJobRef) {
		t.Errorf("Expected ErrDuplicateJobRef for same account, got %v", err)
	}
	if err := insert("user2", "res3"); !errors.Is(err, ledger.ErrDuplicateJobRef) {
		t.Errorf("Expected ErrDuplicateJobRef for other account, got %v", err)
	}
}

func TestStorage_ListActiveReservations_SeesStagedWrites(t *testing.T) {
	storage := New()
	ctx := context.Background()

	err := storage.WithAccountLock(ctx, "user1", func(tx ledger.Tx) error {
		for _, id := range []string{"a", "b"} {
			if err := tx.InsertReservation(ctx, &ledger.Reservation{
				ID: id, AccountID: "user1", CreditsReserved: 10, JobRef: "task-" + id,
				Status: ledger.ReservationReserved,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	err = storage.WithAccountLock(ctx, "user1", func(tx ledger.Tx) error {
		res, err := tx.GetReservation(ctx, "a")
		if err != nil {
			return err
		}
		res.Status = ledger.ReservationReturned
		if err := tx.UpdateReservation(ctx, res); err != nil {
			return err
		}
		active, err := tx.ListActiveReservations(ctx)
		if err != nil {
			return err
		}
		if len(active) != 1 || active[0].ID != "b" {
			t.Errorf("Expected only reservation b to be active, got %+v", active)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithAccountLock failed: %v", err)
	}
}

func TestStorage_TxGetReservation_OtherAccount(t *testing.T) {
	storage := New()
	ctx := context.Background()

	_ = storage.WithAccountLock(ctx, "user1", func(tx ledger.Tx) error {
		return tx.InsertReservation(ctx, &ledger.Reservation{
			ID: "res1", AccountID: "user1", CreditsReserved: 1, JobRef: "task-1",
			Status: ledger.ReservationReserved,
		})
	})

	_ = storage.WithAccountLock(ctx, "user2", func(tx ledger.Tx) error {
		if _, err := tx.GetReservation(ctx, "res1"); !errors.Is(err, ledger.ErrNotFound) {
			t.Errorf("Expected ErrNotFound for reservation of another account, got %v", err)
		}
		return nil
	})
}

func TestStorage_WithAccountLock_Serializes(t *testing.T) {
	storage := New()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = storage.WithAccountLock(ctx, "user1", func(tx ledger.Tx) error {
				acct, err := tx.GetAccount(ctx)
				if errors.Is(err, ledger.ErrAccountNotFound) {
					acct = &ledger.Account{ID: "user1"}
				} else if err != nil {
					return err
				}
				acct.UsedCredit++
				return tx.PutAccount(ctx, acct)
			})
		}()
	}
	wg.Wait()

	acct, err := storage.GetAccount(ctx, "user1")
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if acct.UsedCredit != 50 {
		t.Errorf("UsedCredit = %d, want 50", acct.UsedCredit)
	}
}

func TestStorage_ListLedgerEntries_NewestFirst(t *testing.T) {
	storage := New()
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	_ = storage.WithAccountLock(ctx, "user1", func(tx ledger.Tx) error {
		for i, ref := range []string{"pi_1", "pi_2", "pi_3"} {
			if err := tx.PutLedgerEntry(ctx, &ledger.LedgerEntry{
				ID: ref, AccountID: "user1", PaymentRef: ref, AmountPurchased: 100,
				Status: ledger.PaymentSucceeded, CreatedAt: base.Add(time.Duration(i) * time.Hour),
			}); err != nil {
				return err
			}
		}
		return nil
	})

	entries, err := storage.ListLedgerEntries(ctx, "user1", 2)
	if err != nil {
		t.Fatalf("ListLedgerEntries failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}
	if entries[0].PaymentRef != "pi_3" || entries[1].PaymentRef != "pi_2" {
		t.Errorf("Unexpected order: %s, %s", entries[0].PaymentRef, entries[1].PaymentRef)
	}
}

func TestStorage_ListUsage_HalfOpenRange(t *testing.T) {
	storage := New()
	ctx := context.Background()
	march := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	april := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)

	_ = storage.WithAccountLock(ctx, "user1", func(tx ledger.Tx) error {
		for i, at := range []time.Time{march, april.Add(-time.Nanosecond), april} {
			if err := tx.InsertUsage(ctx, &ledger.UsageRecord{
				ID: string(rune('a' + i)), AccountID: "user1", Credits: 1, CreatedAt: at,
			}); err != nil {
				return err
			}
		}
		return nil
	})

	usage, err := storage.ListUsage(ctx, "user1", march, april)
	if err != nil {
		t.Fatalf("ListUsage failed: %v", err)
	}
	if len(usage) != 2 {
		t.Errorf("Expected 2 records in March, got %d", len(usage))
	}
}

func TestStorage_RecordPaymentEvent(t *testing.T) {
	storage := New()
	ctx := context.Background()

	inserted, err := storage.RecordPaymentEvent(ctx, &ledger.PaymentEvent{EventID: "evt_1"})
	if err != nil || !inserted {
		t.Fatalf("first RecordPaymentEvent = %v, %v; want true, nil", inserted, err)
	}
	inserted, err = storage.RecordPaymentEvent(ctx, &ledger.PaymentEvent{EventID: "evt_1"})
	if err != nil || inserted {
		t.Errorf("second RecordPaymentEvent = %v, %v; want false, nil", inserted, err)
	}
}

func TestStorage_JobLifecycle(t *testing.T) {
	storage := New()
	ctx := context.Background()

	job := &jobs.Job{
		ID:             "job1",
		CorrelationID:  "corr1",
		Kind:           jobs.KindBusiness,
		Status:         jobs.StatusStarted,
		Limit:          20,
		OwnerAccountID: "user1",
		CreatedAt:      time.Now().UTC(),
	}
	at := job.CreatedAt.Add(time.Second)
	if err := storage.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if err := storage.MarkJobRunning(ctx, "job1", "task-1", at); err != nil {
		t.Fatalf("MarkJobRunning failed: %v", err)
	}
	if err := storage.MarkJobRunning(ctx, "job1", "task-1", at); !errors.Is(err, ledger.ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState on second MarkJobRunning, got %v", err)
	}

	got, err := storage.GetJobByTaskRef(ctx, "task-1")
	if err != nil {
		t.Fatalf("GetJobByTaskRef failed: %v", err)
	}
	if got.Status != jobs.StatusRunning {
		t.Errorf("Status = %s, want running", got.Status)
	}

	updated, err := storage.UpdateJobProgress(ctx, "job1", 5, 40, at.Add(time.Second))
	if err != nil {
		t.Fatalf("UpdateJobProgress failed: %v", err)
	}
	if updated.ScrapedCount != 5 || updated.TotalCount != 40 {
		t.Errorf("Unexpected progress %+v", updated)
	}
	if !updated.UpdatedAt.Equal(at.Add(time.Second)) {
		t.Errorf("UpdatedAt = %v, want the caller's time %v", updated.UpdatedAt, at.Add(time.Second))
	}

	ok, err := storage.FinalizeJob(ctx, "job1", jobs.StatusFinished, 18, at.Add(time.Minute))
	if err != nil || !ok {
		t.Fatalf("FinalizeJob = %v, %v; want true, nil", ok, err)
	}
	ok, err = storage.FinalizeJob(ctx, "job1", jobs.StatusFailed, 0, at)
	if err != nil || ok {
		t.Errorf("second FinalizeJob = %v, %v; want false, nil", ok, err)
	}

	// Progress after completion is ignored
	updated, err = storage.UpdateJobProgress(ctx, "job1", 99, 99, at.Add(time.Hour))
	if err != nil {
		t.Fatalf("UpdateJobProgress failed: %v", err)
	}
	if updated.Status != jobs.StatusFinished || updated.ScrapedCount != 18 {
		t.Errorf("Terminal job changed: %+v", updated)
	}
	if !updated.UpdatedAt.Equal(at.Add(time.Minute)) {
		t.Errorf("UpdatedAt = %v, want the finalize time %v", updated.UpdatedAt, at.Add(time.Minute))
	}
}

func TestStorage_PendingCompletions(t *testing.T) {
	storage := New()
	ctx := context.Background()
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	if _, err := storage.GetPendingCompletion(ctx, "task-1"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
	if err := storage.SavePendingCompletion(ctx, &jobs.PendingCompletion{}); !errors.Is(err, ledger.ErrInvalidRequest) {
		t.Errorf("Expected ErrInvalidRequest without a task ref, got %v", err)
	}

	first := &jobs.PendingCompletion{TaskRef: "task-1", Status: jobs.StatusFinished, Scraped: 9, ReceivedAt: at}
	if err := storage.SavePendingCompletion(ctx, first); err != nil {
		t.Fatalf("SavePendingCompletion failed: %v", err)
	}
	first.Scraped = 100
	second := &jobs.PendingCompletion{TaskRef: "task-1", Status: jobs.StatusFailed, ReceivedAt: at}
	if err := storage.SavePendingCompletion(ctx, second); err != nil {
		t.Fatalf("second SavePendingCompletion failed: %v", err)
	}

	got, err := storage.GetPendingCompletion(ctx, "task-1")
	if err != nil {
		t.Fatalf("GetPendingCompletion failed: %v", err)
	}
	if got.Status != jobs.StatusFinished || got.Scraped != 9 || !got.ReceivedAt.Equal(at) {
		t.Errorf("Expected the first stored completion, got %+v", got)
	}

	if err := storage.DeletePendingCompletion(ctx, "task-1"); err != nil {
		t.Fatalf("DeletePendingCompletion failed: %v", err)
	}
	if err := storage.DeletePendingCompletion(ctx, "task-1"); err != nil {
		t.Errorf("Deleting a missing completion failed: %v", err)
	}
	if _, err := storage.GetPendingCompletion(ctx, "task-1"); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}
}



func TestStorage_ListJobs(t *testing.T) {
	storage := New()
	ctx := context.Background()
	base := time.Now().UTC()

	for i, id := range []string{"j1", "j2", "j3"} {
		owner := "user1"
		if id == "j2" {
			owner = "user2"
		}
		_ = storage.CreateJob(ctx, &jobs.Job{
			ID: id, OwnerAccountID: owner, Status: jobs.StatusStarted,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
	}

	list, err := storage.ListJobs(ctx, "user1", 0)
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	if len(list) != 2 || list[0].ID != "j3" || list[1].ID != "j1" {
		t.Errorf("Unexpected jobs %+v", list)
	}

	if _, err := storage.GetJob(ctx, "missing"); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}
