package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"notifyd/internal/notify"
)

const jobColumns = `id, recipient, trigger_name, channel, priority, payload, status,
	attempt_count, last_error, next_attempt_at, claimed_at, created_at, updated_at`

// priorityRank orders claims so critical jobs drain first.
const priorityRank = `CASE priority WHEN 'critical' THEN 0 WHEN 'high' THEN 1 WHEN 'medium' THEN 2 ELSE 3 END`

const abandonedClaim = "claim abandoned by worker"

// InsertJobs persists a batch atomically.
func (s *Store) InsertJobs(ctx context.Context, jobs []notify.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("insert jobs", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO notification_jobs(id, recipient, trigger_name, channel, priority, actor, payload, status,
			attempt_count, last_error, next_attempt_at, claimed_at, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO NOTHING`)
	if err != nil {
		return wrap("insert jobs", err)
	}
	defer stmt.Close()

	now := s.now()
	for _, j := range jobs {
		if j.Status == "" {
			j.Status = notify.JobPending
		}
		if j.CreatedAt.IsZero() {
			j.CreatedAt = now
		}
		if j.NextAttemptAt.IsZero() {
			j.NextAttemptAt = j.CreatedAt
		}
		payload, err := json.Marshal(j.Payload)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx,
			j.ID, j.Recipient, string(j.Trigger), string(j.Channel), string(j.Priority.OrDefault()),
			j.Payload.Actor, string(payload), string(j.Status), j.AttemptCount, nullStr(j.LastError),
			ms(j.NextAttemptAt), nullTimeMS(j.ClaimedAt), ms(j.CreatedAt), ms(now),
		); err != nil {
			return wrap("insert jobs", err)
		}
	}
	return wrap("insert jobs", tx.Commit())
}

// ClaimJobs moves up to limit due pending jobs to claimed and returns them.
// Each claim is a guarded UPDATE; a job claimed by another worker in between
// is skipped.
func (s *Store) ClaimJobs(ctx context.Context, limit int) ([]notify.Job, error) {
	if limit <= 0 {
		limit = 1
	}
	now := s.now()
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM notification_jobs
		 WHERE status = 'pending' AND next_attempt_at <= ?
		 ORDER BY `+priorityRank+`, next_attempt_at, created_at
		 LIMIT ?`, ms(now), limit)
	if err != nil {
		return nil, wrap("claim jobs", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, wrap("claim jobs", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Close(); err != nil {
		return nil, wrap("claim jobs", err)
	}

	out := make([]notify.Job, 0, len(ids))
	for _, id := range ids {
		res, err := s.db.ExecContext(ctx,
			`UPDATE notification_jobs SET status = 'claimed', claimed_at = ?, updated_at = ?
			 WHERE id = ? AND status = 'pending'`, ms(now), ms(now), id)
		if err != nil {
			return out, wrap("claim jobs", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			continue
		}
		j, err := s.GetJob(ctx, id)
		if err != nil {
			return out, err
		}
		out = append(out, j)
	}
	return out, nil
}

// CompleteJob marks a claimed job as sent.
func (s *Store) CompleteJob(ctx context.Context, id string) error {
	now := s.now()
	return s.transition(ctx, "complete job", id,
		`UPDATE notification_jobs SET status = 'sent', attempt_count = attempt_count + 1,
			last_error = NULL, claimed_at = NULL, updated_at = ?
		 WHERE id = ? AND status = 'claimed'`, ms(now), id)
}

// RetryJobLater returns a claimed job to pending after a failed attempt.
func (s *Store) RetryJobLater(ctx context.Context, id, lastErr string, next time.Time) error {
	now := s.now()
	return s.transition(ctx, "retry job", id,
		`UPDATE notification_jobs SET status = 'pending', attempt_count = attempt_count + 1,
			last_error = ?, next_attempt_at = ?, claimed_at = NULL, updated_at = ?
		 WHERE id = ? AND status = 'claimed'`, lastErr, ms(next), ms(now), id)
}

// FailJob marks a claimed job as terminally failed.
func (s *Store) FailJob(ctx context.Context, id, lastErr string) error {
	now := s.now()
	return s.transition(ctx, "fail job", id,
		`UPDATE notification_jobs SET status = 'failed', attempt_count = attempt_count + 1,
			last_error = ?, claimed_at = NULL, updated_at = ?
		 WHERE id = ? AND status = 'claimed'`, lastErr, ms(now), id)
}

// RetryJob puts a failed job back to pending with a fresh attempt budget.
func (s *Store) RetryJob(ctx context.Context, id string) error {
	now := s.now()
	return s.transition(ctx, "requeue job", id,
		`UPDATE notification_jobs SET status = 'pending', attempt_count = 0,
			next_attempt_at = ?, updated_at = ?
		 WHERE id = ? AND status = 'failed'`, ms(now), ms(now), id)
}

func (s *Store) transition(ctx context.Context, op, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return wrap(op, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := s.GetJob(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%s %q: %w", op, id, notify.ErrInvalidState)
}

// ReclaimStaleJobs handles jobs claimed before olderThan whose worker never
// reported back. The abandoned claim counts as an attempt: the job returns to
// pending, or fails once maxAttempts is reached.
func (s *Store) ReclaimStaleJobs(ctx context.Context, olderThan time.Time, maxAttempts int) (requeued, failed int, err error) {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	rows, err := s.db.QueryContext(ctx,
		`UPDATE notification_jobs SET attempt_count = attempt_count + 1,
			status = CASE WHEN attempt_count + 1 >= ? THEN 'failed' ELSE 'pending' END,
			last_error = ?, claimed_at = NULL, updated_at = ?
		 WHERE status = 'claimed' AND claimed_at < ?
		 RETURNING status`, maxAttempts, abandonedClaim, ms(s.now()), ms(olderThan))
	if err != nil {
		return 0, 0, wrap("reclaim jobs", err)
	}
	defer rows.Close()
	for rows.Next() {
		var st string
		if err := rows.Scan(&st); err != nil {
			return requeued, failed, wrap("reclaim jobs", err)
		}
		if st == string(notify.JobFailed) {
			failed++
		} else {
			requeued++
		}
	}
	return requeued, failed, wrap("reclaim jobs", rows.Err())
}

// CancelPendingJobs removes not-yet-delivered jobs raised by actor.
func (s *Store) CancelPendingJobs(ctx context.Context, recipient string, trigger notify.Trigger, actor string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM notification_jobs
		 WHERE status = 'pending' AND recipient = ? AND trigger_name = ? AND actor = ?`,
		recipient, string(trigger), actor)
	if err != nil {
		return 0, wrap("cancel jobs", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) GetJob(ctx context.Context, id string) (notify.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM notification_jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return notify.Job{}, notFound("job", id)
	}
	if err != nil {
		return notify.Job{}, wrap("get job", err)
	}
	return j, nil
}

// ListJobs returns jobs matching f, newest first.
func (s *Store) ListJobs(ctx context.Context, f notify.JobFilter) ([]notify.Job, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Recipient != "" {
		where = append(where, "recipient = ?")
		args = append(args, f.Recipient)
	}
	if f.Trigger != "" {
		where = append(where, "trigger_name = ?")
		args = append(args, string(f.Trigger))
	}
	q := `SELECT ` + jobColumns + ` FROM notification_jobs`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY updated_at DESC, id"
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, wrap("list jobs", err)
	}
	defer rows.Close()

	var out []notify.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, wrap("list jobs", err)
		}
		out = append(out, j)
	}
	return out, wrap("list jobs", rows.Err())
}

func scanJob(r rowScanner) (notify.Job, error) {
	var (
		j                          notify.Job
		trigger, channel, priority string
		status, payload            string
		lastErr                    sql.NullString
		next, created, updated     int64
		claimed                    sql.NullInt64
	)
	if err := r.Scan(&j.ID, &j.Recipient, &trigger, &channel, &priority, &payload, &status,
		&j.AttemptCount, &lastErr, &next, &claimed, &created, &updated); err != nil {
		return notify.Job{}, err
	}
	if err := json.Unmarshal([]byte(payload), &j.Payload); err != nil {
		return notify.Job{}, err
	}
	j.Trigger = notify.Trigger(trigger)
	j.Channel = notify.Channel(channel)
	j.Priority = notify.Priority(priority)
	j.Status = notify.JobStatus(status)
	j.LastError = lastErr.String
	j.NextAttemptAt = fromMS(next)
	if claimed.Valid {
		j.ClaimedAt = fromMS(claimed.Int64)
	}
	j.CreatedAt = fromMS(created)
	j.UpdatedAt = fromMS(updated)
	return j, nil
}
