package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mihaimyh/leadledger/pkg/jobs"
	"github.com/mihaimyh/leadledger/pkg/ledger"
)

const (
	maxAccountIDLen     = 255
	maxRequestBodyBytes = 64 << 10
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
	defaultJobsLimit    = 20
	maxJobsLimit        = 100
)

// Handler provides the HTTP endpoints of the credit ledger
type Handler struct {
	config Config
}

// Routes returns a router serving the user and worker endpoints.
//
// User routes live under /v1 and are wrapped by Config.Authenticate. Worker
// completion callbacks live under /internal and are wrapped by Config.WorkerAuth.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/v1", func(r chi.Router) {
		if h.config.Authenticate != nil {
			r.Use(h.config.Authenticate)
		}
		r.Get("/credits", h.GetCredits)
		r.Get("/usage", h.GetUsage)
		r.Get("/billing/history", h.GetBillingHistory)

		r.Get("/jobs", h.ListJobs)
		r.Get("/jobs/{jobID}", h.GetJobStatus)
		r.With(optional(h.config.StartJobLimiter)...).Post("/jobs", h.StartJob)

		if h.config.Payments != nil {
			r.Get("/payments/packs", h.ListCreditPacks)
			r.Post("/payments/intents", h.CreatePaymentIntent)
		}
	})

	r.Route("/internal/jobs/{taskRef}", func(r chi.Router) {
		r.Use(h.config.WorkerAuth)
		r.Post("/finish", h.FinishJob)
		r.Post("/fail", h.FailJob)
	})

	return r
}

func optional(mw func(http.Handler) http.Handler) []func(http.Handler) http.Handler {
	if mw == nil {
		return nil
	}
	return []func(http.Handler) http.Handler{mw}
}

// accountID extracts and checks the caller's account ID, writing a 401 or 400 when it is unusable.
func (h *Handler) accountID(w http.ResponseWriter, r *http.Request) (string, bool) {
	accountID := strings.TrimSpace(h.config.GetAccountID(r))
	if accountID == "" {
		h.handleError(w, r, fmt.Errorf("account ID not found"), http.StatusUnauthorized)
		return "", false
	}
	if len(accountID) > maxAccountIDLen {
		h.handleError(w, r, fmt.Errorf("invalid account ID format"), http.StatusBadRequest)
		return "", false
	}
	return accountID, true
}

// GetCredits returns the caller's credit standing
func (h *Handler) GetCredits(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}

	balance, err := h.config.Ledger.GetBalance(r.Context(), accountID)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, CreditsResponse{
		AccountID:            balance.AccountID,
		AvailableCredit:      balance.AvailableCredit,
		TotalCredit:          balance.TotalCredit,
		UsedCredit:           balance.UsedCredit,
		FreeCreditRemaining:  balance.FreeCreditRemaining,
		FreeCreditCycleStart: balance.FreeCreditCycleStart,
		ReservedCredit:       balance.ReservedCredit,
	})
}

// GetUsage returns the caller's settled usage for ?month=YYYY-MM (default: current month)
func (h *Handler) GetUsage(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}

	month := ledger.CycleStart(h.config.Now())
	if raw := r.URL.Query().Get("month"); raw != "" {
		parsed, err := ledger.ParseMonth(raw)
		if err != nil {
			h.writeLedgerError(w, r, err)
			return
		}
		month = parsed
	}

	records, err := h.config.Ledger.ListUsage(r.Context(), accountID, month)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	resp := UsageResponse{
		Month:   month.Format("2006-01"),
		Records: records,
	}
	if resp.Records == nil {
		resp.Records = []ledger.UsageRecord{}
	}
	for _, rec := range records {
		resp.Credits += rec.Credits
		resp.FreeCredits += rec.FreeCredits
		resp.PaidCredits += rec.PaidCredits
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// GetBillingHistory returns the caller's purchases, newest first
func (h *Handler) GetBillingHistory(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}
	limit, err := parseLimit(r, defaultHistoryLimit, maxHistoryLimit)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	entries, err := h.config.Ledger.GetBillingHistory(r.Context(), accountID, limit)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	if entries == nil {
		entries = []ledger.LedgerEntry{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// StartJob reserves credit and launches a scraping job
func (h *Handler) StartJob(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}

	var req jobs.SearchRequest
	if err := h.decodeJSON(r, &req); err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	handle, err := h.config.Jobs.StartJob(r.Context(), accountID, req)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	h.config.Logger.Info("job started",
		ledger.Field{Key: "accountID", Value: accountID},
		ledger.Field{Key: "jobID", Value: handle.JobID},
		ledger.Field{Key: "limit", Value: handle.Limit},
	)
	h.writeJSON(w, http.StatusAccepted, StartJobResponse{
		JobID:         handle.JobID,
		CorrelationID: handle.CorrelationID,
		Limit:         handle.Limit,
	})
}

// GetJobStatus polls one of the caller's jobs
func (h *Handler) GetJobStatus(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}

	report, err := h.config.Jobs.PollJobStatus(r.Context(), accountID, chi.URLParam(r, "jobID"))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

// ListJobs returns the caller's most recent jobs
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}
	limit, err := parseLimit(r, defaultJobsLimit, maxJobsLimit)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	list, err := h.config.Jobs.ListJobs(r.Context(), accountID, limit)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	if list == nil {
		list = []jobs.Job{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"jobs": list})
}

// ListCreditPacks returns the purchasable credit packs
func (h *Handler) ListCreditPacks(w http.ResponseWriter, r *http.Request) {
	packs := h.config.CreditPacks
	if packs == nil {
		packs = map[string]CreditPack{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"packs": packs})
}

// CreatePaymentIntent starts a purchase of a configured credit pack
func (h *Handler) CreatePaymentIntent(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}

	var req PaymentIntentRequest
	if err := h.decodeJSON(r, &req); err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	pack, found := h.config.CreditPacks[strings.TrimSpace(req.Pack)]
	if !found {
		h.handleError(w, r, fmt.Errorf("unknown credit pack %q", req.Pack), http.StatusBadRequest)
		return
	}

	purchase, err := h.config.Payments.CreateCreditPurchase(r.Context(), accountID, pack.Credits, pack.AmountMinor, pack.Currency)
	if err != nil {
		h.config.Logger.Error("failed to create payment intent",
			ledger.Field{Key: "accountID", Value: accountID},
			ledger.Field{Key: "error", Value: err.Error()},
		)
		h.handleError(w, r, fmt.Errorf("failed to create payment intent"), http.StatusBadGateway)
		return
	}
	h.writeJSON(w, http.StatusCreated, purchase)
}

// FinishJob is the worker's success callback
func (h *Handler) FinishJob(w http.ResponseWriter, r *http.Request) {
	h.complete(w, r, h.config.Jobs.FinishJob)
}

// FailJob is the worker's failure callback
func (h *Handler) FailJob(w http.ResponseWriter, r *http.Request) {
	h.complete(w, r, h.config.Jobs.FailJob)
}

type completeFunc func(ctx context.Context, taskRef string, identifiers []string) (*jobs.FinishResult, error)

// complete acknowledges a worker notification. Unknown and repeated task
// references are acknowledged with 200 so the worker stops redelivering them;
// only storage failures answer 5xx.
func (h *Handler) complete(w http.ResponseWriter, r *http.Request, fn completeFunc) {
	taskRef := strings.TrimSpace(chi.URLParam(r, "taskRef"))
	if taskRef == "" {
		h.handleError(w, r, fmt.Errorf("task reference is required"), http.StatusBadRequest)
		return
	}

	identifiers, err := readIdentifiers(r)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	result, err := fn(r.Context(), taskRef, identifiers)
	if err != nil {
		h.config.Logger.Error("failed to complete job",
			ledger.Field{Key: "taskRef", Value: taskRef},
			ledger.Field{Key: "error", Value: err.Error()},
		)
		h.writeLedgerError(w, r, err)
		return
	}

	resp := CompletionResponse{
		Acknowledged: result.Acknowledged,
		Unknown:      result.Unknown,
		Duplicate:    result.Duplicate,
	}
	if result.Job != nil {
		resp.JobID = result.Job.ID
	}
	if result.Settlement != nil {
		resp.Charged = result.Settlement.Charged
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// readIdentifiers accepts a JSON array of record identifiers, an object with an
// identifiers field, or an empty body.
func readIdentifiers(r *http.Request) ([]string, error) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read body", ledger.ErrInvalidRequest)
	}
	if len(raw) > maxRequestBodyBytes {
		return nil, fmt.Errorf("%w: body too large", ledger.ErrInvalidRequest)
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	if raw[0] == '[' {
		var ids []string
		if err := json.Unmarshal(raw, &ids); err != nil {
			return nil, fmt.Errorf("%w: identifiers must be an array of strings", ledger.ErrInvalidRequest)
		}
		return ids, nil
	}
	var body CompletionRequest
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("%w: malformed completion body", ledger.ErrInvalidRequest)
	}
	return body.Identifiers, nil
}

func parseLimit(r *http.Request, def, max int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%w: limit must be a positive integer", ledger.ErrInvalidRequest)
	}
	if n > max {
		n = max
	}
	return n, nil
}

func (h *Handler) decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: malformed JSON body: %v", ledger.ErrInvalidRequest, err)
	}
	return nil
}

// statusFor maps ledger and job errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrInsufficientCredit):
		return http.StatusPaymentRequired
	case errors.Is(err, ledger.ErrInvalidRequest), errors.Is(err, ledger.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrWorkerUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeLedgerError maps err to a status and writes it. Internal errors are
// logged and answered with a generic message.
func (h *Handler) writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	resp := ErrorResponse{Error: err.Error()}
	if status == http.StatusInternalServerError {
		h.config.Logger.Error("request failed",
			ledger.Field{Key: "path", Value: r.URL.Path},
			ledger.Field{Key: "error", Value: err.Error()},
		)
		resp.Error = "internal error"
	}

	var insufficient *ledger.InsufficientCreditError
	if errors.As(err, &insufficient) {
		resp.Needed = insufficient.Needed
		available := insufficient.Available
		resp.Available = &available
	}
	var invalid *jobs.ValidationError
	if errors.As(err, &invalid) {
		resp.Missing = invalid.Missing
	}
	h.writeJSON(w, status, resp)
}

// handleError handles errors with an explicit status code
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}
	h.writeJSON(w, statusCode, ErrorResponse{Error: err.Error()})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.config.Logger.Debug("failed to encode response", ledger.Field{Key: "error", Value: err.Error()})
	}
}
