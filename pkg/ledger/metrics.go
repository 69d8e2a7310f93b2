package ledger

import "time"

// Metrics defines the interface for tracking ledger operations and performance.
type Metrics interface {
	// RecordReservation records a reservation attempt. outcome is "created" or a rejection reason
	// such as "insufficient_credit".
	RecordReservation(outcome string, amount int64)

	// RecordSettlement records a settled reservation split by the pool it was drawn from.
	RecordSettlement(fromFree, fromPaid, overYield int64)

	// RecordReturn records a reservation returned without charge.
	RecordReturn(amount int64)

	// RecordCharge records a direct (non-reserved) charge by usage source.
	RecordCharge(source string, amount int64)

	// RecordPayment records a payment confirmation. granted is false for duplicates and failures.
	RecordPayment(status string, granted bool, credits int64)

	// RecordFreeCreditReset records a free-credit reset for one account.
	RecordFreeCreditReset(applied bool)

	// RecordJobLaunch records the outcome of a worker launch ("accepted", "rejected", "error").
	RecordJobLaunch(kind, outcome string, duration time.Duration)

	// RecordJobCompletion records a terminal job notification.
	RecordJobCompletion(status string, scraped int64)

	// RecordStorageOperation records the duration and status of a storage operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordReservation(outcome string, amount int64)                             {}
func (n *NoopMetrics) RecordSettlement(fromFree, fromPaid, overYield int64)                       {}
func (n *NoopMetrics) RecordReturn(amount int64)                                                  {}
func (n *NoopMetrics) RecordCharge(source string, amount int64)                                   {}
func (n *NoopMetrics) RecordPayment(status string, granted bool, credits int64)                   {}
func (n *NoopMetrics) RecordFreeCreditReset(applied bool)                                         {}
func (n *NoopMetrics) RecordJobLaunch(kind, outcome string, duration time.Duration)               {}
func (n *NoopMetrics) RecordJobCompletion(status string, scraped int64)                           {}
func (n *NoopMetrics) RecordStorageOperation(operation string, duration time.Duration, err error) {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(state string)                               {}
