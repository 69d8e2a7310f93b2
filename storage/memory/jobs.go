package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/mihaimyh/leadledger/pkg/jobs"
	"github.com/mihaimyh/leadledger/pkg/ledger"
)

// CreateJob implements jobs.Store
func (s *Storage) CreateJob(ctx context.Context, job *jobs.Job) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("%w: job id is required", ledger.ErrInvalidRequest)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("%w: job %s already exists", ledger.ErrInvalidState, job.ID)
	}
	jobCopy := *job
	s.jobs[job.ID] = &jobCopy
	if job.TaskRef != "" {
		s.jobsByTaskRef[job.TaskRef] = job.ID
	}
	return nil
}

// GetJob implements jobs.Store
func (s *Storage) GetJob(ctx context.Context, jobID string) (*jobs.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	jobCopy := *job
	return &jobCopy, nil
}

// GetJobByTaskRef implements jobs.Store
func (s *Storage) GetJobByTaskRef(ctx context.Context, taskRef string) (*jobs.Job, error) {
	s.mu.RLock()
	id, ok := s.jobsByTaskRef[taskRef]
	s.mu.RUnlock()
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return s.GetJob(ctx, id)
}

// ListJobs implements jobs.Store
func (s *Storage) ListJobs(ctx context.Context, accountID string, limit int) ([]jobs.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []jobs.Job
	for _, j := range s.jobs {
		if j.OwnerAccountID == accountID {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkJobRunning implements jobs.Store
func (s *Storage) MarkJobRunning(ctx context.Context, jobID, taskRef string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return ledger.ErrNotFound
	}
	if job.Status != jobs.StatusStarted {
		return fmt.Errorf("%w: job %s is %s", ledger.ErrInvalidState, jobID, job.Status)
	}
	if owner, ok := s.jobsByTaskRef[taskRef]; ok && owner != jobID {
		return fmt.Errorf("%w: task %s is bound to another job", ledger.ErrInvalidState, taskRef)
	}
	job.TaskRef = taskRef
	job.Status = jobs.StatusRunning
	job.UpdatedAt = at.UTC()
	s.jobsByTaskRef[taskRef] = jobID
	return nil
}

// UpdateJobProgress implements jobs.Store
func (s *Storage) UpdateJobProgress(ctx context.Context, jobID string, scraped, total int64, at time.Time) (*jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	if !job.Status.Terminal() {
		job.ScrapedCount = scraped
		job.TotalCount = total
		job.UpdatedAt = at.UTC()
	}
	jobCopy := *job
	return &jobCopy, nil
}

// FinalizeJob implements jobs.Store
func (s *Storage) FinalizeJob(ctx context.Context, jobID string, status jobs.Status, scraped int64, at time.Time) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("%w: %s is not a terminal job status", ledger.ErrInvalidRequest, status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return false, ledger.ErrNotFound
	}
	if job.Status.Terminal() {
		return false, nil
	}
	job.Status = status
	job.ScrapedCount = scraped
	job.UpdatedAt = at.UTC()
	return true, nil
}

// SavePendingCompletion implements jobs.Store
func (s *Storage) SavePendingCompletion(ctx context.Context, completion *jobs.PendingCompletion) error {
	if completion == nil || completion.TaskRef == "" {
		return fmt.Errorf("%w: task reference is required", ledger.ErrInvalidRequest)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pending[completion.TaskRef]; ok {
		return nil
	}
	c := *completion
	s.pending[completion.TaskRef] = &c
	return nil
}

// GetPendingCompletion implements jobs.Store
func (s *Storage) GetPendingCompletion(ctx context.Context, taskRef string) (*jobs.PendingCompletion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	completion, ok := s.pending[taskRef]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	c := *completion
	return &c, nil
}

// DeletePendingCompletion implements jobs.Store
func (s *Storage) DeletePendingCompletion(ctx context.Context, taskRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.pending, taskRef)
	return nil
}
