package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"notifyd/internal/notify"
)

const executionColumns = `id, schedule_id, triggered_by, status, checked, matched, notified, skipped,
	skipped_over_limit, errors, error, started_at, finished_at`

var counterColumns = map[notify.Counter]string{
	notify.CounterChecked:          "checked",
	notify.CounterMatched:          "matched",
	notify.CounterNotified:         "notified",
	notify.CounterSkipped:          "skipped",
	notify.CounterSkippedOverLimit: "skipped_over_limit",
	notify.CounterErrors:           "errors",
}

// StartExecution inserts a running execution unless the schedule already has
// one; the losing caller gets ErrAlreadyRunning.
func (s *Store) StartExecution(ctx context.Context, e notify.Execution) error {
	return s.startExecution(ctx, e, nil)
}

// StartDueExecution is StartExecution for a due check: the insert also
// requires the schedule to be enabled with next_due_at still equal to due,
// so an instance holding a stale due list cannot fire it again.
func (s *Store) StartDueExecution(ctx context.Context, e notify.Execution, due time.Time) error {
	return s.startExecution(ctx, e, &due)
}

func (s *Store) startExecution(ctx context.Context, e notify.Execution, due *time.Time) error {
	q := `INSERT INTO schedule_executions(id, schedule_id, triggered_by, status, started_at)
		 SELECT ?, ?, ?, 'running', ?
		 WHERE NOT EXISTS (
			SELECT 1 FROM schedule_executions WHERE schedule_id = ? AND status = 'running'
		 )`
	args := []any{e.ID, e.ScheduleID, string(e.TriggeredBy), ms(e.StartedAt), e.ScheduleID}
	if due != nil {
		q += ` AND EXISTS (
			SELECT 1 FROM schedules WHERE id = ? AND enabled = 1 AND next_due_at = ?
		 )`
		args = append(args, e.ScheduleID, ms(*due))
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("schedule %q: %w", e.ScheduleID, notify.ErrAlreadyRunning)
		}
		return wrap("start execution", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if due != nil {
			return fmt.Errorf("schedule %q: %w", e.ScheduleID, notify.ErrNotDue)
		}
		return fmt.Errorf("schedule %q: %w", e.ScheduleID, notify.ErrAlreadyRunning)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// IncrExecutionCounter adds n to a counter of a running execution.
func (s *Store) IncrExecutionCounter(ctx context.Context, id string, c notify.Counter, n int) error {
	col, ok := counterColumns[c]
	if !ok {
		return fmt.Errorf("unknown execution counter %q", c)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedule_executions SET `+col+` = `+col+` + ? WHERE id = ? AND status = 'running'`, n, id)
	if err != nil {
		return wrap("incr execution", err)
	}
	if rows, _ := res.RowsAffected(); rows == 1 {
		return nil
	}
	return s.notRunning(ctx, id)
}

// FinishExecution moves a running execution to a terminal status.
func (s *Store) FinishExecution(ctx context.Context, id string, status notify.ExecutionStatus, errMsg string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedule_executions SET status = ?, error = ?, finished_at = ?
		 WHERE id = ? AND status = 'running'`, string(status), nullStr(errMsg), ms(at), id)
	if err != nil {
		return wrap("finish execution", err)
	}
	if rows, _ := res.RowsAffected(); rows == 1 {
		return nil
	}
	return s.notRunning(ctx, id)
}

func (s *Store) notRunning(ctx context.Context, id string) error {
	if _, err := s.GetExecution(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("execution %q: %w", id, notify.ErrFinished)
}

// FailStaleExecutions fails running executions started before olderThan and
// returns how many were affected.
func (s *Store) FailStaleExecutions(ctx context.Context, olderThan time.Time, reason string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedule_executions SET status = 'failed', error = ?, finished_at = ?
		 WHERE status = 'running' AND started_at < ?`, reason, ms(s.now()), ms(olderThan))
	if err != nil {
		return 0, wrap("fail stale executions", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) GetExecution(ctx context.Context, id string) (notify.Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM schedule_executions WHERE id = ?`, id)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return notify.Execution{}, notFound("execution", id)
	}
	if err != nil {
		return notify.Execution{}, wrap("get execution", err)
	}
	return e, nil
}

// ListExecutions returns executions matching f, newest first.
func (s *Store) ListExecutions(ctx context.Context, f notify.ExecutionFilter) ([]notify.Execution, error) {
	var (
		where []string
		args  []any
	)
	if f.ScheduleID != "" {
		where = append(where, "schedule_id = ?")
		args = append(args, f.ScheduleID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	q := `SELECT ` + executionColumns + ` FROM schedule_executions`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " ORDER BY started_at DESC, id LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, wrap("list executions", err)
	}
	defer rows.Close()
	var out []notify.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, wrap("list executions", err)
		}
		out = append(out, e)
	}
	return out, wrap("list executions", rows.Err())
}

// DeleteExecutions removes finished executions by id. Running ones are kept.
func (s *Store) DeleteExecutions(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM schedule_executions WHERE status != 'running' AND id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return 0, wrap("delete executions", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DeleteExecutionsBefore removes finished executions started before t.
func (s *Store) DeleteExecutionsBefore(ctx context.Context, t time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM schedule_executions WHERE status != 'running' AND started_at < ?`, ms(t))
	if err != nil {
		return 0, wrap("purge executions", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanExecution(r rowScanner) (notify.Execution, error) {
	var (
		e                   notify.Execution
		triggeredBy, status string
		errMsg              sql.NullString
		started             int64
		finished            sql.NullInt64
	)
	c := &e.Counters
	if err := r.Scan(&e.ID, &e.ScheduleID, &triggeredBy, &status, &c.Checked, &c.Matched, &c.Notified,
		&c.Skipped, &c.SkippedOverLimit, &c.Errors, &errMsg, &started, &finished); err != nil {
		return notify.Execution{}, err
	}
	e.TriggeredBy = notify.TriggeredBy(triggeredBy)
	e.Status = notify.ExecutionStatus(status)
	e.Error = errMsg.String
	e.StartedAt = fromMS(started)
	e.FinishedAt = ptrMS(finished)
	return e, nil
}
