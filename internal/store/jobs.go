package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/edisonhq/edison/internal/fault"
)

// JobStatus is the lifecycle status of a queued job.
type JobStatus string

const (
	JobPending JobStatus = "PENDING"
	JobRunning JobStatus = "RUNNING"
	JobDone    JobStatus = "DONE"
	JobFailed  JobStatus = "FAILED"
	JobDead    JobStatus = "DEAD"
)

// Job is one durable unit of queued work. Higher priority dequeues first;
// within a priority, oldest first.
type Job struct {
	ID        string
	Kind      string
	Payload   json.RawMessage
	Priority  int
	Status    JobStatus
	Attempts  int
	RunAfter  time.Time
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// EnqueueJob inserts a pending job. Re-enqueueing an existing id is a no-op.
func (s *Store) EnqueueJob(ctx context.Context, job Job) error {
	now := time.Now().UTC()
	payload := "{}"
	if len(job.Payload) > 0 {
		payload = string(job.Payload)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, kind, payload, priority, status, attempts, run_after, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, '', ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		job.ID, job.Kind, payload, job.Priority, string(JobPending),
		t2n(job.RunAfter), t2n(now), t2n(now))
	return err
}

// ClaimJob atomically claims the highest-priority runnable job of the given
// kinds, marking it RUNNING and bumping its attempt count. Returns
// (nil, nil) when nothing is runnable.
func (s *Store) ClaimJob(ctx context.Context, kinds []string) (*Job, error) {
	if len(kinds) == 0 {
		return nil, fault.New(fault.Validation, "claim requires at least one job kind")
	}
	var job *Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		placeholders, args := inClause(kinds)
		args = append(args, t2n(time.Now().UTC()))
		row := tx.QueryRowContext(ctx, `
			SELECT id, kind, payload, priority, status, attempts, run_after, last_error, created_at, updated_at
			FROM jobs
			WHERE status = 'PENDING' AND kind IN (`+placeholders+`) AND run_after <= ?
			ORDER BY priority DESC, created_at ASC
			LIMIT 1`, args...)
		j, err := scanJob(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE jobs SET status = 'RUNNING', attempts = attempts + 1, updated_at = ?
			WHERE id = ? AND status = 'PENDING'`, t2n(time.Now().UTC()), j.ID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil // raced; caller retries
		}
		j.Status = JobRunning
		j.Attempts++
		job = &j
		return nil
	})
	return job, err
}

// CompleteJob marks a running job DONE.
func (s *Store) CompleteJob(ctx context.Context, id string) error {
	return s.setJobStatus(ctx, id, JobRunning, JobDone, "", time.Time{})
}

// RetryJob returns a running job to PENDING with a delay.
func (s *Store) RetryJob(ctx context.Context, id string, lastError string, runAfter time.Time) error {
	return s.setJobStatus(ctx, id, JobRunning, JobPending, lastError, runAfter)
}

// DeadletterJob parks a running job in the dead-letter state.
func (s *Store) DeadletterJob(ctx context.Context, id string, lastError string) error {
	return s.setJobStatus(ctx, id, JobRunning, JobDead, lastError, time.Time{})
}

// RecoverOrphanJobs returns all RUNNING jobs to PENDING. Called once on
// startup so jobs claimed by a crashed process run again.
func (s *Store) RecoverOrphanJobs(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'PENDING', updated_at = ? WHERE status = 'RUNNING'`,
		t2n(time.Now().UTC()))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ListDeadJobs returns dead-lettered jobs, oldest first.
func (s *Store) ListDeadJobs(ctx context.Context) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, payload, priority, status, attempts, run_after, last_error, created_at, updated_at
		FROM jobs WHERE status = 'DEAD' ORDER BY updated_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *Store) setJobStatus(ctx context.Context, id string, from, to JobStatus, lastError string, runAfter time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, last_error = ?, run_after = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(to), lastError, t2n(runAfter), t2n(time.Now().UTC()), id, string(from))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fault.New(fault.Conflict, "job %s is not %s", id, from)
	}
	return nil
}

func scanJob(row rowScanner) (Job, error) {
	var (
		j                             Job
		payload, status               string
		runAfter, createdAt, updatedAt int64
	)
	err := row.Scan(&j.ID, &j.Kind, &payload, &j.Priority, &status, &j.Attempts,
		&runAfter, &j.LastError, &createdAt, &updatedAt)
	if err != nil {
		return Job{}, err
	}
	j.Payload = json.RawMessage(payload)
	j.Status = JobStatus(status)
	j.RunAfter = n2t(runAfter)
	j.CreatedAt = n2t(createdAt)
	j.UpdatedAt = n2t(updatedAt)
	return j, nil
}
