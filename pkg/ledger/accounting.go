package ledger

import "time"

// ReservedCredit sums CreditsReserved over reservations in status reserved.
// Released and returned reservations are ignored.
func ReservedCredit(reservations []Reservation) int64 {
	var total int64
	for i := range reservations {
		if reservations[i].Status == ReservationReserved {
			total += reservations[i].CreditsReserved
		}
	}
	return total
}

// AvailableCredit computes (total - used) + free - reserved for an account.
func AvailableCredit(account *Account, reservations []Reservation) int64 {
	if account == nil {
		return 0
	}
	return account.PaidRemaining() + account.FreeCreditRemaining - ReservedCredit(reservations)
}

// MonthlyUsage sums the credits of records created in the calendar month containing month.
func MonthlyUsage(records []UsageRecord, month time.Time) int64 {
	start, end := MonthBounds(month)
	var total int64
	for i := range records {
		at := records[i].CreatedAt
		if !at.Before(start) && at.Before(end) {
			total += records[i].Credits
		}
	}
	return total
}

// SplitDraw splits a charge between the free pool and paid credit, free first.
func SplitDraw(amount, freeRemaining int64) (fromFree, fromPaid int64) {
	if amount <= 0 {
		return 0, 0
	}
	fromFree = amount
	if freeRemaining < fromFree {
		fromFree = freeRemaining
	}
	if fromFree < 0 {
		fromFree = 0
	}
	return fromFree, amount - fromFree
}

// ClampSettlement clamps an actual yield to [0, reserved]. overYield is the
// amount reported above the hold.
func ClampSettlement(actual, reserved int64) (charged, overYield int64) {
	switch {
	case actual < 0:
		return 0, 0
	case actual > reserved:
		return reserved, actual - reserved
	default:
		return actual, 0
	}
}

// BalanceOf builds a Balance snapshot.
func BalanceOf(account *Account, reservations []Reservation) Balance {
	reserved := ReservedCredit(reservations)
	return Balance{
		AccountID:            account.ID,
		TotalCredit:          account.TotalCredit,
		UsedCredit:           account.UsedCredit,
		FreeCreditRemaining:  account.FreeCreditRemaining,
		FreeCreditCycleStart: account.FreeCreditCycleStart,
		ReservedCredit:       reserved,
		AvailableCredit:      account.PaidRemaining() + account.FreeCreditRemaining - reserved,
	}
}
