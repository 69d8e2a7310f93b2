package firestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/leadledger/pkg/jobs"
	"github.com/mihaimyh/leadledger/pkg/ledger"
)

func (s *Storage) jobDoc(id string) *firestore.DocumentRef {
	return s.client.Collection(s.config.JobsCollection).Doc(id)
}

func (s *Storage) pendingDoc(taskRef string) *firestore.DocumentRef {
	return s.client.Collection(s.config.PendingCompletionsCollection).Doc(taskRef)
}

// CreateJob implements jobs.Store
func (s *Storage) CreateJob(ctx context.Context, job *jobs.Job) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("%w: job id is required", ledger.ErrInvalidRequest)
	}
	_, err := s.jobDoc(job.ID).Create(ctx, jobData(job))
	if status.Code(err) == codes.AlreadyExists {
		return fmt.Errorf("%w: job %s already exists", ledger.ErrInvalidState, job.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// GetJob implements jobs.Store
func (s *Storage) GetJob(ctx context.Context, jobID string) (*jobs.Job, error) {
	return jobFromSnapshot(s.jobDoc(jobID).Get(ctx))
}

// GetJobByTaskRef implements jobs.Store
func (s *Storage) GetJobByTaskRef(ctx context.Context, taskRef string) (*jobs.Job, error) {
	if taskRef == "" {
		return nil, ledger.ErrNotFound
	}
	iter := s.client.Collection(s.config.JobsCollection).
		Where("taskRef", "==", taskRef).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if errors.Is(err, iterator.Done) {
		return nil, ledger.ErrNotFound
	}
	return jobFromSnapshot(snap, err)
}

// ListJobs implements jobs.Store
func (s *Storage) ListJobs(ctx context.Context, accountID string, limit int) ([]jobs.Job, error) {
	q := s.client.Collection(s.config.JobsCollection).
		Where("ownerAccountId", "==", accountID).
		OrderBy("createdAt", firestore.Desc)
	if limit > 0 {
		q = q.Limit(limit)
	}
	iter := q.Documents(ctx)
	defer iter.Stop()

	var out []jobs.Job
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		j, err := jobFromSnapshot(snap, err)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, nil
}

// MarkJobRunning implements jobs.Store
func (s *Storage) MarkJobRunning(ctx context.Context, jobID, taskRef string, at time.Time) error {
	ref := s.jobDoc(jobID)
	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		job, err := jobFromSnapshot(tx.Get(ref))
		if err != nil {
			return err
		}
		if job.Status != jobs.StatusStarted {
			return fmt.Errorf("%w: job %s is %s", ledger.ErrInvalidState, jobID, job.Status)
		}

		bound, err := tx.Documents(s.client.Collection(s.config.JobsCollection).
			Where("taskRef", "==", taskRef).Limit(1)).GetAll()
		if err != nil {
			return fmt.Errorf("failed to check task ref: %w", err)
		}
		if len(bound) > 0 && bound[0].Ref.ID != jobID {
			return fmt.Errorf("%w: task %s is bound to another job", ledger.ErrInvalidState, taskRef)
		}

		return tx.Update(ref, []firestore.Update{
			{Path: "taskRef", Value: taskRef},
			{Path: "status", Value: string(jobs.StatusRunning)},
			{Path: "updatedAt", Value: at.UTC()},
		})
	})
}

// UpdateJobProgress implements jobs.Store
func (s *Storage) UpdateJobProgress(ctx context.Context, jobID string, scraped, total int64, at time.Time) (*jobs.Job, error) {
	ref := s.jobDoc(jobID)
	var out *jobs.Job
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		job, err := jobFromSnapshot(tx.Get(ref))
		if err != nil {
			return err
		}
		out = job
		if job.Status.Terminal() {
			return nil
		}
		job.ScrapedCount = scraped
		job.TotalCount = total
		job.UpdatedAt = at.UTC()
		return tx.Update(ref, []firestore.Update{
			{Path: "scrapedCount", Value: scraped},
			{Path: "totalCount", Value: total},
			{Path: "updatedAt", Value: job.UpdatedAt},
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FinalizeJob implements jobs.Store
func (s *Storage) FinalizeJob(ctx context.Context, jobID string, st jobs.Status, scraped int64, at time.Time) (bool, error) {
	if !st.Terminal() {
		return false, fmt.Errorf("%w: %s is not a terminal job status", ledger.ErrInvalidRequest, st)
	}
	ref := s.jobDoc(jobID)
	var applied bool
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		applied = false
		job, err := jobFromSnapshot(tx.Get(ref))
		if err != nil {
			return err
		}
		if job.Status.Terminal() {
			return nil
		}
		applied = true
		return tx.Update(ref, []firestore.Update{
			{Path: "status", Value: string(st)},
			{Path: "scrapedCount", Value: scraped},
			{Path: "updatedAt", Value: at.UTC()},
		})
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// SavePendingCompletion implements jobs.Store
func (s *Storage) SavePendingCompletion(ctx context.Context, completion *jobs.PendingCompletion) error {
	if completion == nil || completion.TaskRef == "" {
		return fmt.Errorf("%w: task reference is required", ledger.ErrInvalidRequest)
	}
	_, err := s.pendingDoc(completion.TaskRef).Create(ctx, map[string]interface{}{
		"status":       string(completion.Status),
		"scrapedCount": completion.Scraped,
		"receivedAt":   completion.ReceivedAt.UTC(),
	})
	if status.Code(err) == codes.AlreadyExists {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to save pending completion: %w", err)
	}
	return nil
}

// GetPendingCompletion implements jobs.Store
func (s *Storage) GetPendingCompletion(ctx context.Context, taskRef string) (*jobs.PendingCompletion, error) {
	if taskRef == "" {
		return nil, ledger.ErrNotFound
	}
	return pendingFromSnapshot(s.pendingDoc(taskRef).Get(ctx))
}

// DeletePendingCompletion implements jobs.Store
func (s *Storage) DeletePendingCompletion(ctx context.Context, taskRef string) error {
	if _, err := s.pendingDoc(taskRef).Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete pending completion: %w", err)
	}
	return nil
}
