package api

import (
	"time"

	"github.com/mihaimyh/leadledger/pkg/ledger"
)

// CreditsResponse is the account's credit standing
type CreditsResponse struct {
	AccountID            string    `json:"account_id"`
	AvailableCredit      int64     `json:"available_credit"`
	TotalCredit          int64     `json:"total_credit"`
	UsedCredit           int64     `json:"used_credit"`
	FreeCreditRemaining  int64     `json:"free_credit_remaining"`
	FreeCreditCycleStart time.Time `json:"free_credit_cycle_start"`
	ReservedCredit       int64     `json:"reserved_credit"`
}

// StartJobResponse identifies a started job
type StartJobResponse struct {
	JobID         string `json:"job_id"`
	CorrelationID string `json:"correlation_id"`
	Limit         int64  `json:"limit"`
}

// UsageResponse is one calendar month of settled usage
type UsageResponse struct {
	Month       string               `json:"month"`
	Credits     int64                `json:"credits"`
	FreeCredits int64                `json:"free_credits"`
	PaidCredits int64                `json:"paid_credits"`
	Records     []ledger.UsageRecord `json:"records"`
}

// PaymentIntentRequest selects a credit pack to buy
type PaymentIntentRequest struct {
	Pack string `json:"pack"`
}

// CompletionRequest is the object form of a worker completion body
type CompletionRequest struct {
	Identifiers []string `json:"identifiers"`
}

// CompletionResponse acknowledges a worker completion notification
type CompletionResponse struct {
	Acknowledged bool   `json:"acknowledged"`
	Unknown      bool   `json:"unknown,omitempty"`
	Duplicate    bool   `json:"duplicate,omitempty"`
	JobID        string `json:"job_id,omitempty"`
	Charged      int64  `json:"charged"`
}

// ErrorResponse is the JSON body of every error
type ErrorResponse struct {
	Error     string   `json:"error"`
	Missing   []string `json:"missing,omitempty"`
	Needed    int64    `json:"needed,omitempty"`
	Available *int64   `json:"available,omitempty"`
}
