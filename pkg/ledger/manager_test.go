package ledger_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mihaimyh/leadledger/pkg/ledger"
	"github.com/mihaimyh/leadledger/storage/memory"
)

var testNow = time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

// Helper function to create a test manager with in-memory storage and a fixed clock
func newTestManager(t *testing.T) (*ledger.Manager, *memory.Storage) {
	t.Helper()
	storage := memory.New()
	config := ledger.DefaultConfig()
	config.Now = func() time.Time { return testNow }

	manager, err := ledger.NewManager(storage, config)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return manager, storage
}

// seedAccount stores an account with the given balances
func seedAccount(t *testing.T, storage *memory.Storage, id string, total, used, free int64) {
	t.Helper()
	ctx := context.Background()
	err := storage.WithAccountLock(ctx, id, func(tx ledger.Tx) error {
		return tx.PutAccount(ctx, &ledger.Account{
			ID:                   id,
			TotalCredit:          total,
			UsedCredit:           used,
			FreeCreditRemaining:  free,
			FreeCreditCycleStart: ledger.CycleStart(testNow),
			CreatedAt:            testNow,
			UpdatedAt:            testNow,
		})
	})
	if err != nil {
		t.Fatalf("seedAccount failed: %v", err)
	}
}

func TestNewManager(t *testing.T) {
	if _, err := ledger.NewManager(nil, ledger.DefaultConfig()); !errors.Is(err, ledger.ErrStorageUnavailable) {
		t.Errorf("Expected ErrStorageUnavailable for nil storage, got %v", err)
	}

	cfg := ledger.DefaultConfig()
	cfg.FreeCreditGrant = -1
	if _, err := ledger.NewManager(memory.New(), cfg); !errors.Is(err, ledger.ErrInvalidAmount) {
		t.Errorf("Expected ErrInvalidAmount for negative grant, got %v", err)
	}

	manager, err := ledger.NewManager(memory.New(), ledger.DefaultConfig())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	if manager.FreeCreditGrant() != ledger.DefaultFreeCreditGrant {
		t.Errorf("FreeCreditGrant = %d, want %d", manager.FreeCreditGrant(), ledger.DefaultFreeCreditGrant)
	}
}

func TestManager_ReserveAndSettle_FreeFirst(t *testing.T) {
	manager, storage := newTestManager(t)
	ctx := context.Background()
	seedAccount(t, storage, "user1", 100, 20, 250)

	available, err := manager.GetAvailableCredit(ctx, "user1")
	if err != nil {
		t.Fatalf("GetAvailableCredit failed: %v", err)
	}
	if available != 330 {
		t.Fatalf("available = %d, want 330", available)
	}

	res, err := manager.CreateReservation(ctx, ledger.ReserveRequest{
		AccountID: "user1",
		Amount:    300,
		JobRef:    "task-1",
		Source:    ledger.UsageSourceBusinessJob,
	})
	if err != nil {
		t.Fatalf("CreateReservation failed: %v", err)
	}
	if res.Status != ledger.ReservationReserved {
		t.Errorf("Status = %s, want reserved", res.Status)
	}

	available, _ = manager.GetAvailableCredit(ctx, "user1")
	if available != 30 {
		t.Errorf("available after reserve = %d, want 30", available)
	}

	// The hold is not charged until settlement
	acct, _ := storage.GetAccount(ctx, "user1")
	if acct.UsedCredit != 20 || acct.FreeCreditRemaining != 250 {
		t.Errorf("Reservation must not touch balances, got used=%d free=%d", acct.UsedCredit, acct.FreeCreditRemaining)
	}

	settlement, err := manager.SettleReservationByJobRef(ctx, "task-1", 300)
	if err != nil {
		t.Fatalf("SettleReservation failed: %v", err)
	}
	if settlement.FromFree != 250 || settlement.FromPaid != 50 || settlement.Charged != 300 {
		t.Errorf("Unexpected settlement %+v", settlement)
	}
	if settlement.Reservation.Status != ledger.ReservationReleased {
		t.Errorf("Status = %s, want released", settlement.Reservation.Status)
	}

	balance, err := manager.GetBalance(ctx, "user1")
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if balance.FreeCreditRemaining != 0 {
		t.Errorf("FreeCreditRemaining = %d, want 0", balance.FreeCreditRemaining)
	}
	if balance.UsedCredit != 70 {
		t.Errorf("UsedCredit = %d, want 70", balance.UsedCredit)
	}
	if balance.ReservedCredit != 0 || balance.AvailableCredit != 30 {
		t.Errorf("reserved=%d available=%d, want 0 and 30", balance.ReservedCredit, balance.AvailableCredit)
	}
}

func TestManager_CreateReservation_InsufficientCredit(t *testing.T) {
	manager, storage := newTestManager(t)
	ctx := context.Background()
	seedAccount(t, storage, "user1", 0, 0, 10)

	_, err := manager.CreateReservation(ctx, ledger.ReserveRequest{AccountID: "user1", Amount: 11, JobRef: "task-1"})
	if !errors.Is(err, ledger.ErrInsufficientCredit) {
		t.Fatalf("Expected ErrInsufficientCredit, got %v", err)
	}
	var ice *ledger.InsufficientCreditError
	if !errors.As(err, &ice) {
		t.Fatalf("Expected *InsufficientCreditError, got %T", err)
	}
	if ice.Needed != 11 || ice.Available != 10 {
		t.Errorf("Unexpected error detail %+v", ice)
	}

	if _, err := storage.GetReservationByJobRef(ctx, "task-1"); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("No reservation should exist, got %v", err)
	}
}

func TestManager_CreateReservation_Validation(t *testing.T) {
	manager, _ := newTestManager(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  ledger.ReserveRequest
		want error
	}{
		{"zero amount", ledger.ReserveRequest{AccountID: "u", Amount: 0, JobRef: "t"}, ledger.ErrInvalidAmount},
		{"negative amount", ledger.ReserveRequest{AccountID: "u", Amount: -5, JobRef: "t"}, ledger.ErrInvalidAmount},
		{"missing account", ledger.ReserveRequest{Amount: 1, JobRef: "t"}, ledger.ErrInvalidRequest},
		{"missing job ref", ledger.ReserveRequest{AccountID: "u", Amount: 1}, ledger.ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := manager.CreateReservation(ctx, tt.req); !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestManager_CreateReservation_DuplicateJobRef(t *testing.T) {
	manager, _ := newTestManager(t)
	ctx := context.Background()

	req := ledger.ReserveRequest{AccountID: "user1", Amount: 10, JobRef: "task-1"}
	if _, err := manager.CreateReservation(ctx, req); err != nil {
		t.Fatalf("CreateReservation failed: %v", err)
	}
	if _, err := manager.CreateReservation(ctx, req); !errors.Is(err, ledger.ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState for duplicate job ref, got %v", err)
	}

	balance, _ := manager.GetBalance(ctx, "user1")
	if balance.ReservedCredit != 10 {
		t.Errorf("ReservedCredit = %d, want 10", balance.ReservedCredit)
	}
}

func TestManager_AutoProvision(t *testing.T) {
	manager, storage := newTestManager(t)
	ctx := context.Background()

	balance, err := manager.GetBalance(ctx, "new-user")
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if balance.FreeCreditRemaining != 250 || balance.AvailableCredit != 250 {
		t.Errorf("Unexpected balance for new account %+v", balance)
	}
	if !balance.FreeCreditCycleStart.Equal(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("FreeCreditCycleStart = %v, want 2024-03-01", balance.FreeCreditCycleStart)
	}
	if _, err := manager.GetAvailableCredit(ctx, "new-user"); err != nil {
		t.Fatalf("GetAvailableCredit failed: %v", err)
	}
	if _, err := storage.GetAccount(ctx, "new-user"); !errors.Is(err, ledger.ErrAccountNotFound) {
		t.Errorf("Balance reads must not persist the account, got %v", err)
	}

	if _, err := manager.Charge(ctx, "new-user", 5, ledger.UsageSourcePeopleSearch, "first"); err != nil {
		t.Fatalf("Charge failed: %v", err)
	}
	acct, err := storage.GetAccount(ctx, "new-user")
	if err != nil {
		t.Fatalf("Account should be persisted by the first write, got %v", err)
	}
	if acct.FreeCreditRemaining != 245 {
		t.Errorf("FreeCreditRemaining = %d, want 245", acct.FreeCreditRemaining)
	}
}

func TestManager_NotProvisioned(t *testing.T) {
	storage := memory.New()
	cfg := ledger.DefaultConfig()
	cfg.AutoProvision = false
	manager, _ := ledger.NewManager(storage, cfg)
	ctx := context.Background()

	_, err := manager.CreateReservation(ctx, ledger.ReserveRequest{AccountID: "ghost", Amount: 1, JobRef: "t"})
	if !errors.Is(err, ledger.ErrAccountNotProvisioned) {
		t.Errorf("Expected ErrAccountNotProvisioned, got %v", err)
	}
	if _, err := manager.GetAvailableCredit(ctx, "ghost"); !errors.Is(err, ledger.ErrAccountNotProvisioned) {
		t.Errorf("Expected ErrAccountNotProvisioned, got %v", err)
	}

	acct, err := manager.ProvisionAccount(ctx, "ghost")
	if err != nil {
		t.Fatalf("ProvisionAccount failed: %v", err)
	}
	if acct.FreeCreditRemaining != ledger.DefaultFreeCreditGrant {
		t.Errorf("FreeCreditRemaining = %d, want %d", acct.FreeCreditRemaining, ledger.DefaultFreeCreditGrant)
	}
}

func TestManager_ReturnReservation(t *testing.T) {
	manager, storage := newTestManager(t)
	ctx := context.Background()
	seedAccount(t, storage, "user1", 100, 0, 0)

	res, err := manager.CreateReservation(ctx, ledger.ReserveRequest{AccountID: "user1", Amount: 40, JobRef: "task-1"})
	if err != nil {
		t.Fatalf("CreateReservation failed: %v", err)
	}

	returned, err := manager.ReturnReservation(ctx, res.ID)
	if err != nil {
		t.Fatalf("ReturnReservation failed: %v", err)
	}
	if returned.Status != ledger.ReservationReturned || returned.CreditsCharged != 0 {
		t.Errorf("Unexpected returned reservation %+v", returned)
	}

	available, _ := manager.GetAvailableCredit(ctx, "user1")
	if available != 100 {
		t.Errorf("available = %d, want 100", available)
	}

	if _, err := manager.ReturnReservation(ctx, res.ID); !errors.Is(err, ledger.ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState on second return, got %v", err)
	}
	if _, err := manager.SettleReservation(ctx, res.ID, 10); !errors.Is(err, ledger.ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState settling a returned reservation, got %v", err)
	}

	acct, _ := storage.GetAccount(ctx, "user1")
	if acct.UsedCredit != 0 {
		t.Errorf("UsedCredit = %d, want 0", acct.UsedCredit)
	}
}

func TestManager_SettleTwice(t *testing.T) {
	manager, storage := newTestManager(t)
	ctx := context.Background()
	seedAccount(t, storage, "user1", 100, 0, 0)

	if _, err := manager.CreateReservation(ctx, ledger.ReserveRequest{AccountID: "user1", Amount: 30, JobRef: "task-1"}); err != nil {
		t.Fatalf("CreateReservation failed: %v", err)
	}
	if _, err := manager.SettleReservationByJobRef(ctx, "task-1", 25); err != nil {
		t.Fatalf("first settle failed: %v", err)
	}
	if _, err := manager.SettleReservationByJobRef(ctx, "task-1", 25); !errors.Is(err, ledger.ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState on second settle, got %v", err)
	}
	if _, err := manager.ReturnReservationByJobRef(ctx, "task-1"); !errors.Is(err, ledger.ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState returning a released reservation, got %v", err)
	}

	acct, _ := storage.GetAccount(ctx, "user1")
	if acct.UsedCredit != 25 {
		t.Errorf("UsedCredit = %d, want 25 (charged once)", acct.UsedCredit)
	}
}

func TestManager_Settle_Clamping(t *testing.T) {
	tests := []struct {
		name          string
		actual        int64
		wantCharged   int64
		wantOverYield int64
	}{
		{"partial yield", 12, 12, 0},
		{"exact yield", 30, 30, 0},
		{"over yield is not charged", 45, 30, 15},
		{"zero yield", 0, 0, 0},
		{"negative yield", -3, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manager, storage := newTestManager(t)
			ctx := context.Background()
			seedAccount(t, storage, "user1", 100, 0, 0)

			if _, err := manager.CreateReservation(ctx, ledger.ReserveRequest{AccountID: "user1", Amount: 30, JobRef: "task-1"}); err != nil {
				t.Fatalf("CreateReservation failed: %v", err)
			}
			s, err := manager.SettleReservationByJobRef(ctx, "task-1", tt.actual)
			if err != nil {
				t.Fatalf("Settle failed: %v", err)
			}
			if s.Charged != tt.wantCharged || s.OverYield != tt.wantOverYield {
				t.Errorf("charged=%d overYield=%d, want %d and %d", s.Charged, s.OverYield, tt.wantCharged, tt.wantOverYield)
			}
			if s.Reservation.CreditsCharged != tt.wantCharged {
				t.Errorf("CreditsCharged = %d, want %d", s.Reservation.CreditsCharged, tt.wantCharged)
			}

			acct, _ := storage.GetAccount(ctx, "user1")
			if acct.UsedCredit != tt.wantCharged {
				t.Errorf("UsedCredit = %d, want %d", acct.UsedCredit, tt.wantCharged)
			}

			usage, _ := manager.MonthlyUsage(ctx, "user1", testNow)
			if usage != tt.wantCharged {
				t.Errorf("MonthlyUsage = %d, want %d", usage, tt.wantCharged)
			}
		})
	}
}

func TestManager_SettleUnknown(t *testing.T) {
	manager, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := manager.SettleReservationByJobRef(ctx, "missing", 1); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if _, err := manager.ReturnReservation(ctx, "missing"); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestManager_Charge(t *testing.T) {
	manager, storage := newTestManager(t)
	ctx := context.Background()
	seedAccount(t, storage, "user1", 50, 0, 5)

	charge, err := manager.Charge(ctx, "user1", 8, ledger.UsageSourcePeopleSearch, "lookup-1")
	if err != nil {
		t.Fatalf("Charge failed: %v", err)
	}
	if charge.FromFree != 5 || charge.FromPaid != 3 {
		t.Errorf("Unexpected split free=%d paid=%d", charge.FromFree, charge.FromPaid)
	}
	if charge.Usage.Source != ledger.UsageSourcePeopleSearch || charge.Usage.Reference != "lookup-1" {
		t.Errorf("Unexpected usage record %+v", charge.Usage)
	}

	if _, err := manager.Charge(ctx, "user1", 48, ledger.UsageSourcePeopleSearch, "lookup-2"); !errors.Is(err, ledger.ErrInsufficientCredit) {
		t.Errorf("Expected ErrInsufficientCredit, got %v", err)
	}
	if _, err := manager.Charge(ctx, "user1", 0, ledger.UsageSourcePeopleSearch, "lookup-3"); !errors.Is(err, ledger.ErrInvalidAmount) {
		t.Errorf("Expected ErrInvalidAmount, got %v", err)
	}

	// Active holds reduce what can be charged directly
	if _, err := manager.CreateReservation(ctx, ledger.ReserveRequest{AccountID: "user1", Amount: 40, JobRef: "task-1"}); err != nil {
		t.Fatalf("CreateReservation failed: %v", err)
	}
	if _, err := manager.Charge(ctx, "user1", 8, ledger.UsageSourcePeopleSearch, "lookup-4"); !errors.Is(err, ledger.ErrInsufficientCredit) {
		t.Errorf("Expected ErrInsufficientCredit with active hold, got %v", err)
	}
}

func TestManager_ConcurrentReservations_NoOvercommit(t *testing.T) {
	manager, storage := newTestManager(t)
	ctx := context.Background()
	seedAccount(t, storage, "user1", 0, 0, 100)

	const goroutines = 50
	var wg sync.WaitGroup
	var succeeded atomic.Int64
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := manager.CreateReservation(ctx, ledger.ReserveRequest{
				AccountID: "user1",
				Amount:    7,
				JobRef:    "task-" + string(rune('A'+i)),
			})
			if err == nil {
				succeeded.Add(1)
			} else if !errors.Is(err, ledger.ErrInsufficientCredit) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	// 100 / 7 = 14 holds fit
	if succeeded.Load() != 14 {
		t.Errorf("succeeded = %d, want 14", succeeded.Load())
	}
	balance, _ := manager.GetBalance(ctx, "user1")
	if balance.AvailableCredit != 2 || balance.AvailableCredit < 0 {
		t.Errorf("AvailableCredit = %d, want 2", balance.AvailableCredit)
	}
}

func TestManager_ResetFreeCredit(t *testing.T) {
	manager, storage := newTestManager(t)
	ctx := context.Background()
	seedAccount(t, storage, "user1", 0, 0, 10)

	march := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	april := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)

	applied, err := manager.ResetFreeCredit(ctx, "user1", march)
	if err != nil {
		t.Fatalf("ResetFreeCredit failed: %v", err)
	}
	if applied {
		t.Error("Reset for the current cycle should be a no-op")
	}

	applied, err = manager.ResetFreeCredit(ctx, "user1", april)
	if err != nil || !applied {
		t.Fatalf("ResetFreeCredit(april) = %v, %v; want true, nil", applied, err)
	}
	acct, _ := storage.GetAccount(ctx, "user1")
	if acct.FreeCreditRemaining != 250 || !acct.FreeCreditCycleStart.Equal(april) {
		t.Errorf("Unexpected account after reset %+v", acct)
	}

	// Spend some free credit, then repeat the same reset
	if _, err := manager.Charge(ctx, "user1", 100, ledger.UsageSourcePeopleSearch, "x"); err != nil {
		t.Fatalf("Charge failed: %v", err)
	}
	applied, _ = manager.ResetFreeCredit(ctx, "user1", april)
	if applied {
		t.Error("Repeated reset for the same cycle must not apply")
	}
	acct, _ = storage.GetAccount(ctx, "user1")
	if acct.FreeCreditRemaining != 150 {
		t.Errorf("FreeCreditRemaining = %d, want 150", acct.FreeCreditRemaining)
	}

	if _, err := manager.ResetFreeCredit(ctx, "missing", april); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestManager_ResetAllFreeCredit(t *testing.T) {
	manager, storage := newTestManager(t)
	ctx := context.Background()
	seedAccount(t, storage, "user1", 0, 0, 0)
	seedAccount(t, storage, "user2", 0, 0, 42)

	april := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	summary, err := manager.ResetAllFreeCredit(ctx, april)
	if err != nil {
		t.Fatalf("ResetAllFreeCredit failed: %v", err)
	}
	if summary.Accounts != 2 || summary.Applied != 2 || summary.Failed != 0 {
		t.Errorf("Unexpected summary %+v", summary)
	}

	summary, _ = manager.ResetAllFreeCredit(ctx, april)
	if summary.Applied != 0 || summary.Skipped != 2 {
		t.Errorf("Second sweep should skip everything, got %+v", summary)
	}
}

func TestManager_MonthlyUsage_CalendarMonth(t *testing.T) {
	storage := memory.New()
	clock := time.Date(2024, 2, 29, 23, 59, 0, 0, time.UTC)
	cfg := ledger.DefaultConfig()
	cfg.Now = func() time.Time { return clock }
	manager, _ := ledger.NewManager(storage, cfg)
	ctx := context.Background()

	if _, err := manager.Charge(ctx, "user1", 10, ledger.UsageSourcePeopleSearch, "feb"); err != nil {
		t.Fatalf("Charge failed: %v", err)
	}
	clock = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	if _, err := manager.Charge(ctx, "user1", 4, ledger.UsageSourcePeopleSearch, "mar"); err != nil {
		t.Fatalf("Charge failed: %v", err)
	}

	feb, _ := manager.MonthlyUsage(ctx, "user1", time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC))
	mar, _ := manager.MonthlyUsage(ctx, "user1", time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC))
	if feb != 10 || mar != 4 {
		t.Errorf("feb=%d mar=%d, want 10 and 4", feb, mar)
	}

	records, _ := manager.ListUsage(ctx, "user1", time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC))
	if len(records) != 1 || records[0].Reference != "mar" {
		t.Errorf("Unexpected March records %+v", records)
	}
}
