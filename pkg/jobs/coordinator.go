package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/mihaimyh/leadledger/pkg/ledger"
)

const (
	// DefaultLimit is used when a request does not ask for a positive limit
	DefaultLimit int64 = 30
	// DefaultLaunchTimeout bounds the worker launch call
	DefaultLaunchTimeout = 15 * time.Second
)

// Config holds coordinator dependencies and settings
type Config struct {
	Ledger   Ledger
	Store    Store
	Launcher Launcher
	// Status is optional; without it every poll reports pending.
	Status StatusChannel

	// LaunchTimeout bounds Launcher.Launch (default: 15s)
	LaunchTimeout time.Duration
	// DefaultLimit applies when SearchRequest.Limit < 1 (default: 30)
	DefaultLimit int64

	Metrics ledger.Metrics
	Logger  ledger.Logger
	Now     func() time.Time
}

// Coordinator runs the job lifecycle: launch on the worker, hold credit for
// accepted jobs, report progress and settle on completion.
type Coordinator struct {
	ledger        Ledger
	store         Store
	launcher      Launcher
	status        StatusChannel
	launchTimeout time.Duration
	defaultLimit  int64
	metrics       ledger.Metrics
	logger        ledger.Logger
	now           func() time.Time
}

// NewCoordinator creates a coordinator
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Ledger == nil {
		return nil, errors.New("jobs: ledger is required")
	}
	if cfg.Store == nil {
		return nil, ledger.ErrStorageUnavailable
	}
	if cfg.Launcher == nil {
		return nil, errors.New("jobs: launcher is required")
	}
	if cfg.LaunchTimeout < 0 || cfg.DefaultLimit < 0 {
		return nil, fmt.Errorf("%w: launch timeout and default limit must be >= 0", ledger.ErrInvalidRequest)
	}

	c := &Coordinator{
		ledger:        cfg.Ledger,
		store:         cfg.Store,
		launcher:      cfg.Launcher,
		status:        cfg.Status,
		launchTimeout: cfg.LaunchTimeout,
		defaultLimit:  cfg.DefaultLimit,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger,
		now:           cfg.Now,
	}
	if c.launchTimeout == 0 {
		c.launchTimeout = DefaultLaunchTimeout
	}
	if c.defaultLimit == 0 {
		c.defaultLimit = DefaultLimit
	}
	if c.metrics == nil {
		c.metrics = &ledger.NoopMetrics{}
	}
	if c.logger == nil {
		c.logger = &ledger.NoopLogger{}
	}
	if c.now == nil {
		c.now = func() time.Time { return time.Now().UTC() }
	}
	return c, nil
}

// StartJob validates req, launches it on the worker and reserves credit for it.
//
// The limit sent to the worker is min(req.Limit, available credit). A
// reservation is only created after the worker accepted the job; a rejected,
// failed or timed out launch marks the job failed and returns
// ledger.ErrWorkerUnavailable.
func (c *Coordinator) StartJob(ctx context.Context, accountID string, req SearchRequest) (*Handle, error) {
	if accountID == "" {
		return nil, fmt.Errorf("%w: account id is required", ledger.ErrInvalidRequest)
	}
	if err := Validate(&req); err != nil {
		return nil, err
	}

	requested := req.Limit
	if requested < 1 {
		requested = c.defaultLimit
	}
	available, err := c.ledger.GetAvailableCredit(ctx, accountID)
	if err != nil {
		return nil, err
	}
	limit := min(requested, available)
	if limit < 1 {
		c.metrics.RecordJobLaunch(string(req.Kind), "insufficient_credit", 0)
		return nil, &ledger.InsufficientCreditError{Needed: 1, Available: available}
	}

	now := c.now()
	job := &Job{
		ID:             uuid.NewString(),
		CorrelationID:  ulid.Make().String(),
		Kind:           req.Kind,
		Status:         StatusStarted,
		RequestedCount: requested,
		Limit:          limit,
		OwnerAccountID: accountID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := c.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	start := time.Now()
	result, err := c.launch(ctx, job, &req)
	if err != nil {
		outcome := "error"
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			outcome = "timeout"
		case errors.Is(err, ledger.ErrWorkerUnavailable):
			outcome = "rejected"
		}
		c.metrics.RecordJobLaunch(string(req.Kind), outcome, time.Since(start))
		c.logger.Warn("worker did not accept job",
			ledger.Field{Key: "job_id", Value: job.ID},
			ledger.Field{Key: "account_id", Value: accountID},
			ledger.Field{Key: "error", Value: err.Error()},
		)
		c.markFailed(ctx, job.ID)
		if errors.Is(err, ledger.ErrWorkerUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ledger.ErrWorkerUnavailable, err)
	}

	_, err = c.ledger.CreateReservation(ctx, ledger.ReserveRequest{
		AccountID: accountID,
		Amount:    limit,
		JobRef:    result.TaskRef,
		Source:    req.Kind.UsageSource(),
	})
	if err != nil {
		// Credit changed between the availability check and the hold. The
		// worker is already running the job unmetered.
		c.metrics.RecordJobLaunch(string(req.Kind), "reservation_failed", time.Since(start))
		c.logger.Error("reservation failed for accepted job",
			ledger.Field{Key: "job_id", Value: job.ID},
			ledger.Field{Key: "account_id", Value: accountID},
			ledger.Field{Key: "task_ref", Value: result.TaskRef},
			ledger.Field{Key: "error", Value: err.Error()},
		)
		c.failAccepted(ctx, job.ID, result.TaskRef)
		return nil, err
	}
	c.metrics.RecordJobLaunch(string(req.Kind), "accepted", time.Since(start))

	if err := c.store.MarkJobRunning(ctx, job.ID, result.TaskRef, c.now()); err != nil {
		if _, rerr := c.ledger.ReturnReservationByJobRef(ctx, result.TaskRef); rerr != nil {
			c.logger.Error("failed to return reservation",
				ledger.Field{Key: "task_ref", Value: result.TaskRef},
				ledger.Field{Key: "error", Value: rerr.Error()},
			)
		}
		c.markFailed(ctx, job.ID)
		return nil, fmt.Errorf("failed to mark job running: %w", err)
	}

	c.logger.Info("job started",
		ledger.Field{Key: "job_id", Value: job.ID},
		ledger.Field{Key: "account_id", Value: accountID},
		ledger.Field{Key: "task_ref", Value: result.TaskRef},
		ledger.Field{Key: "limit", Value: limit},
	)
	c.applyPendingCompletion(ctx, result.TaskRef)

	return &Handle{
		JobID:         job.ID,
		CorrelationID: job.CorrelationID,
		TaskRef:       result.TaskRef,
		Limit:         limit,
	}, nil
}

func (c *Coordinator) launch(ctx context.Context, job *Job, req *SearchRequest) (*LaunchResult, error) {
	launchCtx, cancel := context.WithTimeout(ctx, c.launchTimeout)
	defer cancel()

	result, err := c.launcher.Launch(launchCtx, LaunchRequest{
		CorrelationID: job.CorrelationID,
		Kind:          req.Kind,
		Categories:    req.Categories,
		Cities:        req.Cities,
		States:        req.States,
		Locations:     req.Locations,
		Limit:         job.Limit,
	})
	if err != nil {
		return nil, err
	}
	// A launcher that ignores its context still counts as timed out.
	if err := launchCtx.Err(); err != nil {
		return nil, err
	}
	if result == nil || !result.Accepted || result.TaskRef == "" {
		return nil, fmt.Errorf("%w: launch not accepted", ledger.ErrWorkerUnavailable)
	}
	return result, nil
}

func (c *Coordinator) markFailed(ctx context.Context, jobID string) {
	// The caller's context may be the one that expired.
	ctx = context.WithoutCancel(ctx)
	if _, err := c.store.FinalizeJob(ctx, jobID, StatusFailed, 0, c.now()); err != nil {
		c.logger.Error("failed to mark job failed",
			ledger.Field{Key: "job_id", Value: jobID},
			ledger.Field{Key: "error", Value: err.Error()},
		)
		return
	}
	c.metrics.RecordJobCompletion(string(StatusFailed), 0)
}

// failAccepted binds taskRef to a job the worker accepted but that holds no
// credit, then fails it, so later callbacks for the task are duplicates.
func (c *Coordinator) failAccepted(ctx context.Context, jobID, taskRef string) {
	ctx = context.WithoutCancel(ctx)
	if err := c.store.MarkJobRunning(ctx, jobID, taskRef, c.now()); err != nil {
		c.logger.Error("failed to bind task to failed job",
			ledger.Field{Key: "job_id", Value: jobID},
			ledger.Field{Key: "task_ref", Value: taskRef},
			ledger.Field{Key: "error", Value: err.Error()},
		)
	}
	c.markFailed(ctx, jobID)
	c.applyPendingCompletion(ctx, taskRef)
}

// applyPendingCompletion closes the job bound to taskRef with a completion the
// worker sent before the binding existed.
func (c *Coordinator) applyPendingCompletion(ctx context.Context, taskRef string) {
	ctx = context.WithoutCancel(ctx)
	pending, err := c.store.GetPendingCompletion(ctx, taskRef)
	if errors.Is(err, ledger.ErrNotFound) {
		return
	}
	if err != nil {
		c.logger.Error("failed to read pending completion",
			ledger.Field{Key: "task_ref", Value: taskRef},
			ledger.Field{Key: "error", Value: err.Error()},
		)
		return
	}
	job, err := c.store.GetJobByTaskRef(ctx, taskRef)
	if err != nil {
		c.logger.Error("failed to get job for pending completion",
			ledger.Field{Key: "task_ref", Value: taskRef},
			ledger.Field{Key: "error", Value: err.Error()},
		)
		return
	}
	if _, err := c.closeJob(ctx, job, pending.Scraped, pending.Status); err != nil {
		c.logger.Error("failed to apply pending completion",
			ledger.Field{Key: "task_ref", Value: taskRef},
			ledger.Field{Key: "error", Value: err.Error()},
		)
		return
	}
	c.deletePendingCompletion(ctx, taskRef)
}

func (c *Coordinator) deletePendingCompletion(ctx context.Context, taskRef string) {
	if err := c.store.DeletePendingCompletion(ctx, taskRef); err != nil {
		c.logger.Warn("failed to delete pending completion",
			ledger.Field{Key: "task_ref", Value: taskRef},
			ledger.Field{Key: "error", Value: err.Error()},
		)
	}
}

// GetJob returns one of the account's jobs. Jobs of other accounts are ledger.ErrNotFound.
func (c *Coordinator) GetJob(ctx context.Context, accountID, jobID string) (*Job, error) {
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.OwnerAccountID != accountID {
		return nil, ledger.ErrNotFound
	}
	return job, nil
}

// ListJobs returns the account's jobs, newest first.
func (c *Coordinator) ListJobs(ctx context.Context, accountID string, limit int) ([]Job, error) {
	return c.store.ListJobs(ctx, accountID, limit)
}

// PollJobStatus returns the job with the worker's latest progress. It never
// blocks on the worker and never settles.
func (c *Coordinator) PollJobStatus(ctx context.Context, accountID, jobID string) (*StatusReport, error) {
	job, err := c.GetJob(ctx, accountID, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() || c.status == nil {
		return &StatusReport{Job: job, Pending: !job.Status.Terminal()}, nil
	}

	status, found, err := c.status.Read(ctx, job.CorrelationID)
	if err != nil {
		return nil, fmt.Errorf("failed to read worker status: %w", err)
	}
	if !found {
		return &StatusReport{Job: job, Pending: true}, nil
	}

	updated, err := c.store.UpdateJobProgress(ctx, job.ID, status.ScrapedResults, status.TotalResults, c.now())
	if err != nil {
		return nil, fmt.Errorf("failed to update job progress: %w", err)
	}
	return &StatusReport{Job: updated}, nil
}

// FinishJob settles the job's reservation with the number of identifiers the
// worker delivered and marks the job finished. Unknown task references and
// repeated notifications are acknowledged without charging.
func (c *Coordinator) FinishJob(ctx context.Context, taskRef string, identifiers []string) (*FinishResult, error) {
	return c.complete(ctx, taskRef, int64(len(identifiers)), StatusFinished)
}

// FailJob handles a worker-reported failure. Identifiers delivered before the
// failure are charged; with none the hold is returned.
func (c *Coordinator) FailJob(ctx context.Context, taskRef string, identifiers []string) (*FinishResult, error) {
	return c.complete(ctx, taskRef, int64(len(identifiers)), StatusFailed)
}

func (c *Coordinator) complete(ctx context.Context, taskRef string, scraped int64, status Status) (*FinishResult, error) {
	if taskRef == "" {
		return nil, fmt.Errorf("%w: task reference is required", ledger.ErrInvalidRequest)
	}

	job, err := c.store.GetJobByTaskRef(ctx, taskRef)
	if errors.Is(err, ledger.ErrNotFound) {
		return c.deferCompletion(ctx, taskRef, scraped, status)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return c.closeJob(ctx, job, scraped, status)
}

// deferCompletion stores a completion for a task reference no job is bound
// to yet. StartJob applies it once the binding exists. The lookup is repeated
// after the save so a binding made in between is not missed.
func (c *Coordinator) deferCompletion(ctx context.Context, taskRef string, scraped int64, status Status) (*FinishResult, error) {
	err := c.store.SavePendingCompletion(ctx, &PendingCompletion{
		TaskRef:    taskRef,
		Status:     status,
		Scraped:    scraped,
		ReceivedAt: c.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to save pending completion: %w", err)
	}

	job, err := c.store.GetJobByTaskRef(ctx, taskRef)
	if errors.Is(err, ledger.ErrNotFound) {
		c.logger.Warn("completion for unknown task held",
			ledger.Field{Key: "task_ref", Value: taskRef},
			ledger.Field{Key: "status", Value: string(status)},
			ledger.Field{Key: "scraped", Value: scraped},
		)
		return &FinishResult{Acknowledged: true, Unknown: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	result, err := c.closeJob(ctx, job, scraped, status)
	if err != nil {
		return nil, err
	}
	c.deletePendingCompletion(ctx, taskRef)
	return result, nil
}

// closeJob settles or returns the job's reservation and moves the job to
// status. Both steps are idempotent, so a repeated call reports Duplicate.
func (c *Coordinator) closeJob(ctx context.Context, job *Job, scraped int64, status Status) (*FinishResult, error) {
	taskRef := job.TaskRef
	result := &FinishResult{Acknowledged: true}

	var err error
	if status == StatusFailed && scraped == 0 {
		_, err = c.ledger.ReturnReservationByJobRef(ctx, taskRef)
	} else {
		result.Settlement, err = c.ledger.SettleReservationByJobRef(ctx, taskRef, scraped)
	}
	switch {
	case err == nil:
	case errors.Is(err, ledger.ErrInvalidState):
		result.Duplicate = true
		c.logger.Warn("reservation already closed",
			ledger.Field{Key: "task_ref", Value: taskRef},
			ledger.Field{Key: "job_id", Value: job.ID},
		)
	case errors.Is(err, ledger.ErrNotFound):
		c.logger.Warn("no reservation for task",
			ledger.Field{Key: "task_ref", Value: taskRef},
			ledger.Field{Key: "job_id", Value: job.ID},
		)
	default:
		return nil, fmt.Errorf("failed to close reservation: %w", err)
	}

	changed, err := c.store.FinalizeJob(ctx, job.ID, status, scraped, c.now())
	if err != nil {
		return nil, fmt.Errorf("failed to finalize job: %w", err)
	}
	if !changed {
		result.Duplicate = true
	} else {
		c.metrics.RecordJobCompletion(string(status), scraped)
	}

	if result.Job, err = c.store.GetJob(ctx, job.ID); err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	c.logger.Info("job completed",
		ledger.Field{Key: "job_id", Value: job.ID},
		ledger.Field{Key: "task_ref", Value: taskRef},
		ledger.Field{Key: "status", Value: string(result.Job.Status)},
		ledger.Field{Key: "scraped", Value: scraped},
		ledger.Field{Key: "duplicate", Value: result.Duplicate},
	)
	return result, nil
}
