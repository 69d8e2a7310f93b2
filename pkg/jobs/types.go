// Package jobs binds credit reservations to asynchronous scraping jobs run by
// an external worker: it launches jobs, reports their progress and settles
// their reservations when the worker reports completion.
package jobs

import (
	"context"
	"time"

	"github.com/mihaimyh/leadledger/pkg/ledger"
)

// Kind is the type of search a job performs
type Kind string

const (
	KindBusiness Kind = "business"
	KindPeople   Kind = "people"
)

// UsageSource returns the ledger usage source charged for this kind of job.
func (k Kind) UsageSource() ledger.UsageSource {
	if k == KindPeople {
		return ledger.UsageSourcePeopleJob
	}
	return ledger.UsageSourceBusinessJob
}

// Status is the lifecycle state of a job
type Status string

const (
	StatusStarted  Status = "started"
	StatusRunning  Status = "running"
	StatusFinished Status = "finished"
	StatusFailed   Status = "failed"
)

// Terminal reports whether the job has finished or failed.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusFailed
}

// Job is one asynchronous scraping run
type Job struct {
	ID             string    `json:"id"`
	CorrelationID  string    `json:"correlation_id"`
	TaskRef        string    `json:"task_ref,omitempty"`
	Kind           Kind      `json:"kind"`
	Status         Status    `json:"status"`
	ScrapedCount   int64     `json:"scraped_count"`
	TotalCount     int64     `json:"total_count"`
	RequestedCount int64     `json:"requested_count"`
	Limit          int64     `json:"limit"`
	OwnerAccountID string    `json:"owner_account_id"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// PeopleLocation is one address filter of a people search
type PeopleLocation struct {
	Streets []string `json:"streets"`
	City    string   `json:"city"`
	State   string   `json:"state"`
}

// SearchRequest is a user's request to start a scraping job
type SearchRequest struct {
	Kind Kind `json:"kind"`

	// Business search filters
	Categories []string `json:"categories,omitempty"`
	Cities     []string `json:"cities,omitempty"`
	States     []string `json:"states,omitempty"`

	// People search filters
	Locations []PeopleLocation `json:"locations,omitempty"`

	// Limit is the maximum number of records requested. It is clamped to the
	// available credit. Zero uses the coordinator's default.
	Limit int64 `json:"limit"`
}

// LaunchRequest is sent to the worker to start a job
type LaunchRequest struct {
	CorrelationID string
	Kind          Kind
	Categories    []string
	Cities        []string
	States        []string
	Locations     []PeopleLocation
	Limit         int64
}

// LaunchResult is the worker's answer to a launch
type LaunchResult struct {
	Accepted bool
	TaskRef  string
}

// WorkerStatus is the worker's out-of-band progress report
type WorkerStatus struct {
	ScrapedResults int64 `json:"scraped_results"`
	TotalResults   int64 `json:"total_results"`
}

// Handle identifies a started job
type Handle struct {
	JobID         string `json:"job_id"`
	CorrelationID string `json:"correlation_id"`
	TaskRef       string `json:"task_ref"`
	Limit         int64  `json:"limit"`
}

// StatusReport is the result of polling a job
type StatusReport struct {
	Job *Job `json:"job"`
	// Pending is true when the worker has not published any progress yet.
	Pending bool `json:"pending"`
}

// FinishResult is what the worker completion callbacks report
type FinishResult struct {
	// Acknowledged is true whenever the notification should not be redelivered.
	Acknowledged bool
	// Unknown is true when no job matches the task reference.
	Unknown bool
	// Duplicate is true when the job or its reservation was already terminal.
	Duplicate  bool
	Job        *Job
	Settlement *ledger.Settlement
}

// PendingCompletion is a worker completion that arrived before its task
// reference was bound to a job, e.g. a search that finished while the launch
// call was still returning.
type PendingCompletion struct {
	TaskRef    string    `json:"task_ref"`
	Status     Status    `json:"status"`
	Scraped    int64     `json:"scraped"`
	ReceivedAt time.Time `json:"received_at"`
}

// Launcher starts jobs on the external worker.
//
// A returned error, a timeout or Accepted=false all mean the job was not started.
type Launcher interface {
	Launch(ctx context.Context, req LaunchRequest) (*LaunchResult, error)
}

// StatusChannel reads worker progress by correlation id. found is false when
// the worker has not published anything for the id.
type StatusChannel interface {
	Read(ctx context.Context, correlationID string) (status WorkerStatus, found bool, err error)
}

// Store persists jobs.
type Store interface {
	// CreateJob inserts a new job.
	CreateJob(ctx context.Context, job *Job) error

	// GetJob returns a job by ID or ledger.ErrNotFound.
	GetJob(ctx context.Context, jobID string) (*Job, error)

	// GetJobByTaskRef returns a job by worker task reference or ledger.ErrNotFound.
	GetJobByTaskRef(ctx context.Context, taskRef string) (*Job, error)

	// ListJobs returns an account's jobs, newest first. limit <= 0 means no limit.
	ListJobs(ctx context.Context, accountID string, limit int) ([]Job, error)

	// MarkJobRunning records the task reference and moves a started job to running.
	// Returns ledger.ErrInvalidState if the job is not in started.
	MarkJobRunning(ctx context.Context, jobID, taskRef string, at time.Time) error

	// UpdateJobProgress stores worker counts on a non-terminal job and returns
	// the stored job. Terminal jobs are returned unchanged.
	UpdateJobProgress(ctx context.Context, jobID string, scraped, total int64, at time.Time) (*Job, error)

	// FinalizeJob moves a non-terminal job to a terminal status. It returns
	// false without writing when the job is already terminal.
	FinalizeJob(ctx context.Context, jobID string, status Status, scraped int64, at time.Time) (bool, error)

	// SavePendingCompletion stores a completion whose task reference is not
	// bound to a job yet. The first completion for a task reference wins.
	SavePendingCompletion(ctx context.Context, completion *PendingCompletion) error

	// GetPendingCompletion returns the stored completion for taskRef or ledger.ErrNotFound.
	GetPendingCompletion(ctx context.Context, taskRef string) (*PendingCompletion, error)

	// DeletePendingCompletion removes the completion for taskRef. Missing is not an error.
	DeletePendingCompletion(ctx context.Context, taskRef string) error
}

// Ledger is the part of the ledger manager the coordinator depends on.
type Ledger interface {
	GetAvailableCredit(ctx context.Context, accountID string) (int64, error)
	CreateReservation(ctx context.Context, req ledger.ReserveRequest) (*ledger.Reservation, error)
	SettleReservationByJobRef(ctx context.Context, jobRef string, actual int64) (*ledger.Settlement, error)
	ReturnReservationByJobRef(ctx context.Context, jobRef string) (*ledger.Reservation, error)
}
