package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mihaimyh/leadledger/pkg/jobs"
	"github.com/mihaimyh/leadledger/pkg/ledger"
)

const jobColumns = `id, correlation_id, COALESCE(task_ref, ''), kind, status, scraped_count, total_count,
	requested_count, limit_count, owner_account_id, created_at, updated_at`

func scanJob(row pgx.Row) (*jobs.Job, error) {
	var j jobs.Job
	var kind, status string
	err := row.Scan(&j.ID, &j.CorrelationID, &j.TaskRef, &kind, &status, &j.ScrapedCount,
		&j.TotalCount, &j.RequestedCount, &j.Limit, &j.OwnerAccountID, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}
	j.Kind = jobs.Kind(kind)
	j.Status = jobs.Status(status)
	return &j, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// CreateJob implements jobs.Store
func (s *Storage) CreateJob(ctx context.Context, job *jobs.Job) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, correlation_id, task_ref, kind, status, scraped_count, total_count,
				requested_count, limit_count, owner_account_id, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		job.ID, job.CorrelationID, nullable(job.TaskRef), string(job.Kind), string(job.Status),
		job.ScrapedCount, job.TotalCount, job.RequestedCount, job.Limit, job.OwnerAccountID,
		job.CreatedAt.UTC(), job.UpdatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: job %s already exists", ledger.ErrInvalidState, job.ID)
		}
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// GetJob implements jobs.Store
func (s *Storage) GetJob(ctx context.Context, jobID string) (*jobs.Job, error) {
	return scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID))
}

// GetJobByTaskRef implements jobs.Store
func (s *Storage) GetJobByTaskRef(ctx context.Context, taskRef string) (*jobs.Job, error) {
	return scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE task_ref = $1`, taskRef))
}

// ListJobs implements jobs.Store
func (s *Storage) ListJobs(ctx context.Context, accountID string, limit int) ([]jobs.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE owner_account_id = $1 ORDER BY created_at DESC, id DESC`
	args := []any{accountID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var out []jobs.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// MarkJobRunning implements jobs.Store
func (s *Storage) MarkJobRunning(ctx context.Context, jobID, taskRef string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET task_ref = $1, status = 'running', updated_at = $2
			WHERE id = $3 AND status = 'started'`,
		taskRef, at.UTC(), jobID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: task %s is bound to another job", ledger.ErrInvalidState, taskRef)
		}
		return fmt.Errorf("failed to mark job running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetJob(ctx, jobID); err != nil {
			return err
		}
		return fmt.Errorf("%w: job %s is not started", ledger.ErrInvalidState, jobID)
	}
	return nil
}

// UpdateJobProgress implements jobs.Store
func (s *Storage) UpdateJobProgress(ctx context.Context, jobID string, scraped, total int64, at time.Time) (*jobs.Job, error) {
	_, err := s.pool.Exec(ctx,
		`UPDATE jobs SET scraped_count = $1, total_count = $2, updated_at = $3
			WHERE id = $4 AND status IN ('started', 'running')`,
		scraped, total, at.UTC(), jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to update job progress: %w", err)
	}
	return s.GetJob(ctx, jobID)
}

// FinalizeJob implements jobs.Store
func (s *Storage) FinalizeJob(ctx context.Context, jobID string, status jobs.Status, scraped int64, at time.Time) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("%w: %s is not a terminal job status", ledger.ErrInvalidRequest, status)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, scraped_count = $2, updated_at = $3
			WHERE id = $4 AND status IN ('started', 'running')`,
		string(status), scraped, at.UTC(), jobID)
	if err != nil {
		return false, fmt.Errorf("failed to finalize job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetJob(ctx, jobID); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// SavePendingCompletion implements jobs.Store
func (s *Storage) SavePendingCompletion(ctx context.Context, completion *jobs.PendingCompletion) error {
	if completion == nil || completion.TaskRef == "" {
		return fmt.Errorf("%w: task reference is required", ledger.ErrInvalidRequest)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO pending_completions (task_ref, status, scraped_count, received_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (task_ref) DO NOTHING`,
		completion.TaskRef, string(completion.Status), completion.Scraped, completion.ReceivedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert pending completion: %w", err)
	}
	return nil
}

// GetPendingCompletion implements jobs.Store
func (s *Storage) GetPendingCompletion(ctx context.Context, taskRef string) (*jobs.PendingCompletion, error) {
	var c jobs.PendingCompletion
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT task_ref, status, scraped_count, received_at FROM pending_completions WHERE task_ref = $1`,
		taskRef).Scan(&c.TaskRef, &status, &c.Scraped, &c.ReceivedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending completion: %w", err)
	}
	c.Status = jobs.Status(status)
	return &c, nil
}

// DeletePendingCompletion implements jobs.Store
func (s *Storage) DeletePendingCompletion(ctx context.Context, taskRef string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM pending_completions WHERE task_ref = $1`, taskRef); err != nil {
		return fmt.Errorf("failed to delete pending completion: %w", err)
	}
	return nil
}
