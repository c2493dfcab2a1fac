package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"actsync/internal/platform/database"
	"actsync/internal/platform/models"
)

// ErrLeaseLost is returned when a worker updates a job it no longer holds.
var ErrLeaseLost = errors.New("job lease lost")

// ErrCorruptPayload is returned when a stored job payload cannot be decoded.
var ErrCorruptPayload = errors.New("corrupt job payload")

const claimBatchSize = 8

const jobColumns = `id, integration_id, job_type, status, payload, error_message, retry_count, max_retries, resume_cursor,
	scheduled_at, started_at, completed_at, locked_by, lease_expires_at, version, created_at, updated_at`

type SyncJobRepository struct {
	db database.DBTX
}

func NewSyncJobRepository(db database.DBTX) *SyncJobRepository {
	return &SyncJobRepository{db: db}
}

func scanJob(row rowScanner) (*models.SyncJob, error) {
	var j models.SyncJob
	var jobType, status, payload string

	err := row.Scan(&j.ID, &j.IntegrationID, &jobType, &status, &payload, &j.ErrorMessage, &j.RetryCount, &j.MaxRetries, &j.Cursor,
		&j.ScheduledAt, &j.StartedAt, &j.CompletedAt, &j.LockedBy, &j.LeaseExpiresAt, &j.Version, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}

	j.Type = models.JobType(jobType)
	j.Status = models.JobStatus(status)
	if err := json.Unmarshal([]byte(payload), &j.Payload); err != nil {
		return nil, fmt.Errorf("job %s: %w: %v", j.ID, ErrCorruptPayload, err)
	}
	return &j, nil
}

func (r *SyncJobRepository) Enqueue(ctx context.Context, job *models.SyncJob, now int64) error {
	payload, err := r.prepare(job, now)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, insertJobQuery, job.ID, job.IntegrationID, string(job.Type), string(job.Status), payload,
		job.RetryCount, job.MaxRetries, job.ScheduledAt, job.CreatedAt, job.UpdatedAt)
	return err
}

// EnqueueOnce inserts the job unless the integration already has an open job
// of the same type. The check is the idx_sync_jobs_open unique index, so
// concurrent schedulers cannot both win. It reports whether the job was added.
func (r *SyncJobRepository) EnqueueOnce(ctx context.Context, job *models.SyncJob, now int64) (bool, error) {
	payload, err := r.prepare(job, now)
	if err != nil {
		return false, err
	}
	res, err := r.db.ExecContext(ctx, insertJobQuery+` ON CONFLICT DO NOTHING`, job.ID, job.IntegrationID, string(job.Type),
		string(job.Status), payload, job.RetryCount, job.MaxRetries, job.ScheduledAt, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

const insertJobQuery = `
	INSERT INTO sync_jobs (id, integration_id, job_type, status, payload, retry_count, max_retries, scheduled_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func (r *SyncJobRepository) prepare(job *models.SyncJob, now int64) (string, error) {
	if job.ID == "" {
		job.ID = "job_" + uuid.New().String()
	}
	if job.Status == "" {
		job.Status = models.JobPending
	}
	if job.ScheduledAt == 0 {
		job.ScheduledAt = now
	}
	job.CreatedAt = now
	job.UpdatedAt = now

	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return "", err
	}
	return string(payload), nil
}

func (r *SyncJobRepository) GetByID(ctx context.Context, id string) (*models.SyncJob, error) {
	j, err := scanJob(r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM sync_jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return j, err
}

func (r *SyncJobRepository) ListByIntegration(ctx context.Context, integrationID string, limit int) ([]*models.SyncJob, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM sync_jobs WHERE integration_id = ? ORDER BY created_at DESC, id LIMIT ?
	`, integrationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*models.SyncJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

type claimCandidate struct {
	id      string
	status  string
	version int64
}

// ClaimNext moves one due job to processing and returns it, or returns nil when
// nothing is due. Due means pending/retrying with scheduled_at <= now, or
// processing with an expired lease. The claim is a compare-and-set on status and
// version, so a concurrent worker that read the same row loses and moves on.
func (r *SyncJobRepository) ClaimNext(ctx context.Context, workerID string, now time.Time, lease time.Duration) (*models.SyncJob, error) {
	nowUnix := now.Unix()

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, status, version FROM sync_jobs
		WHERE (status IN ('pending', 'retrying') AND scheduled_at <= ?)
		   OR (status = 'processing' AND lease_expires_at < ?)
		ORDER BY scheduled_at, created_at
		LIMIT ?
	`, nowUnix, nowUnix, claimBatchSize)
	if err != nil {
		return nil, err
	}

	var candidates []claimCandidate
	for rows.Next() {
		var c claimCandidate
		if err := rows.Scan(&c.id, &c.status, &c.version); err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, c := range candidates {
		res, err := r.db.ExecContext(ctx, `
			UPDATE sync_jobs
			SET status = 'processing', locked_by = ?, started_at = ?, lease_expires_at = ?, version = version + 1, updated_at = ?
			WHERE id = ? AND status = ? AND version = ?
		`, workerID, nowUnix, now.Add(lease).Unix(), nowUnix, c.id, c.status, c.version)
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			continue
		}
		job, err := r.GetByID(ctx, c.id)
		if errors.Is(err, ErrCorruptPayload) {
			// An undecodable job can never run.
			if _, ferr := r.db.ExecContext(ctx, `
				UPDATE sync_jobs SET status = 'failed', error_message = ?, completed_at = ?, locked_by = '', lease_expires_at = 0, updated_at = ?
				WHERE id = ? AND locked_by = ?
			`, err.Error(), nowUnix, nowUnix, c.id, workerID); ferr != nil {
				return nil, ferr
			}
			continue
		}
		return job, err
	}

	return nil, nil
}

// Checkpoint records the cursor of the next page to fetch and extends the lease.
func (r *SyncJobRepository) Checkpoint(ctx context.Context, id, workerID, cursor string, leaseUntil, now int64) error {
	return r.ownedUpdate(ctx, `
		UPDATE sync_jobs SET resume_cursor = ?, lease_expires_at = ?, updated_at = ?
		WHERE id = ? AND status = 'processing' AND locked_by = ?
	`, cursor, leaseUntil, now, id, workerID)
}

func (r *SyncJobRepository) Complete(ctx context.Context, id, workerID string, now int64) error {
	return r.ownedUpdate(ctx, `
		UPDATE sync_jobs
		SET status = 'completed', completed_at = ?, error_message = '', resume_cursor = '', locked_by = '', lease_expires_at = 0, updated_at = ?
		WHERE id = ? AND status = 'processing' AND locked_by = ?
	`, now, now, id, workerID)
}

func (r *SyncJobRepository) Retry(ctx context.Context, id, workerID string, retryCount int, scheduledAt int64, errMsg string, now int64) error {
	return r.ownedUpdate(ctx, `
		UPDATE sync_jobs
		SET status = 'retrying', retry_count = ?, scheduled_at = ?, error_message = ?, locked_by = '', lease_expires_at = 0, updated_at = ?
		WHERE id = ? AND status = 'processing' AND locked_by = ?
	`, retryCount, scheduledAt, errMsg, now, id, workerID)
}

func (r *SyncJobRepository) Fail(ctx context.Context, id, workerID string, retryCount int, errMsg string, now int64) error {
	return r.ownedUpdate(ctx, `
		UPDATE sync_jobs
		SET status = 'failed', retry_count = ?, error_message = ?, completed_at = ?, resume_cursor = '', locked_by = '', lease_expires_at = 0, updated_at = ?
		WHERE id = ? AND status = 'processing' AND locked_by = ?
	`, retryCount, errMsg, now, now, id, workerID)
}

func (r *SyncJobRepository) ownedUpdate(ctx context.Context, query string, args ...interface{}) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLeaseLost
	}
	return nil
}
