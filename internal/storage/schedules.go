package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"notifyd/internal/notify"
)

const scheduleColumns = `id, name, type, recurrence, due_at, trigger_name, selector, max_recipients,
	enabled, owner, next_due_at, last_fired_at, created_at, updated_at`

func (s *Store) InsertSchedule(ctx context.Context, sc notify.Schedule) error {
	rec, sel, err := encodeSchedule(sc)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO schedules(`+scheduleColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		sc.ID, sc.Name, string(sc.Type), rec, nullMS(sc.DueAt), string(sc.Trigger), sel, sc.MaxRecipients,
		boolInt(sc.Enabled), sc.Owner, nullMS(sc.NextDueAt), nullMS(sc.LastFiredAt),
		ms(sc.CreatedAt), ms(sc.UpdatedAt),
	)
	return wrap("insert schedule", err)
}

// UpdateSchedule replaces the definition of an existing schedule. Firing
// history (last_fired_at) is left untouched.
func (s *Store) UpdateSchedule(ctx context.Context, sc notify.Schedule) error {
	rec, sel, err := encodeSchedule(sc)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET name = ?, type = ?, recurrence = ?, due_at = ?, trigger_name = ?, selector = ?,
			max_recipients = ?, enabled = ?, owner = ?, next_due_at = ?, updated_at = ?
		 WHERE id = ?`,
		sc.Name, string(sc.Type), rec, nullMS(sc.DueAt), string(sc.Trigger), sel,
		sc.MaxRecipients, boolInt(sc.Enabled), sc.Owner, nullMS(sc.NextDueAt), ms(s.now()), sc.ID,
	)
	if err != nil {
		return wrap("update schedule", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("schedule", sc.ID)
	}
	return nil
}

// SetScheduleEnabled flips the enabled flag and stores the recomputed next due time.
func (s *Store) SetScheduleEnabled(ctx context.Context, id string, enabled bool, next *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET enabled = ?, next_due_at = ?, updated_at = ? WHERE id = ?`,
		boolInt(enabled), nullMS(next), ms(s.now()), id)
	if err != nil {
		return wrap("enable schedule", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("schedule", id)
	}
	return nil
}

// MarkScheduleFired records a firing. With disable the schedule is switched
// off; a disabled schedule is never switched back on here.
func (s *Store) MarkScheduleFired(ctx context.Context, id string, firedAt time.Time, next *time.Time, disable bool) error {
	q := `UPDATE schedules SET last_fired_at = ?, next_due_at = ?, updated_at = ?`
	if disable {
		q += `, enabled = 0`
	}
	q += ` WHERE id = ?`
	res, err := s.db.ExecContext(ctx, q, ms(firedAt), nullMS(next), ms(s.now()), id)
	if err != nil {
		return wrap("mark schedule", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("schedule", id)
	}
	return nil
}

// SetScheduleLastFired records a manual firing; enabled and next_due_at are
// left alone.
func (s *Store) SetScheduleLastFired(ctx context.Context, id string, firedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET last_fired_at = ?, updated_at = ? WHERE id = ?`, ms(firedAt), ms(s.now()), id)
	if err != nil {
		return wrap("mark schedule", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("schedule", id)
	}
	return nil
}

func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return wrap("delete schedule", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("schedule", id)
	}
	return nil
}

func (s *Store) GetSchedule(ctx context.Context, id string) (notify.Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	sc, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return notify.Schedule{}, notFound("schedule", id)
	}
	if err != nil {
		return notify.Schedule{}, wrap("get schedule", err)
	}
	return sc, nil
}

func (s *Store) ListSchedules(ctx context.Context, f notify.ScheduleFilter) ([]notify.Schedule, error) {
	var (
		where []string
		args  []any
	)
	if f.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, boolInt(*f.Enabled))
	}
	if f.Owner != "" {
		where = append(where, "owner = ?")
		args = append(args, f.Owner)
	}
	q := `SELECT ` + scheduleColumns + ` FROM schedules`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at, id"
	return s.querySchedules(ctx, "list schedules", q, args...)
}

// DueSchedules returns enabled schedules whose next due time is at or before now.
func (s *Store) DueSchedules(ctx context.Context, now time.Time, limit int) ([]notify.Schedule, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.querySchedules(ctx, "due schedules",
		`SELECT `+scheduleColumns+` FROM schedules
		 WHERE enabled = 1 AND next_due_at IS NOT NULL AND next_due_at <= ?
		 ORDER BY next_due_at, id LIMIT ?`, ms(now), limit)
}

func (s *Store) querySchedules(ctx context.Context, op, q string, args ...any) ([]notify.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer rows.Close()
	var out []notify.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, wrap(op, err)
		}
		out = append(out, sc)
	}
	return out, wrap(op, rows.Err())
}

func encodeSchedule(sc notify.Schedule) (rec any, sel string, err error) {
	if sc.Recurrence != nil {
		b, err := json.Marshal(sc.Recurrence)
		if err != nil {
			return nil, "", err
		}
		rec = string(b)
	}
	b, err := json.Marshal(sc.Selector)
	if err != nil {
		return nil, "", err
	}
	return rec, string(b), nil
}

func scanSchedule(r rowScanner) (notify.Schedule, error) {
	var (
		sc                      notify.Schedule
		typ, trigger, selector  string
		rec                     sql.NullString
		dueAt, nextDue, lastRun sql.NullInt64
		enabled                 int
		created, updated        int64
	)
	if err := r.Scan(&sc.ID, &sc.Name, &typ, &rec, &dueAt, &trigger, &selector, &sc.MaxRecipients,
		&enabled, &sc.Owner, &nextDue, &lastRun, &created, &updated); err != nil {
		return notify.Schedule{}, err
	}
	if rec.Valid && rec.String != "" {
		sc.Recurrence = &notify.Recurrence{}
		if err := json.Unmarshal([]byte(rec.String), sc.Recurrence); err != nil {
			return notify.Schedule{}, err
		}
	}
	if err := json.Unmarshal([]byte(selector), &sc.Selector); err != nil {
		return notify.Schedule{}, err
	}
	sc.Type = notify.ScheduleType(typ)
	sc.Trigger = notify.Trigger(trigger)
	sc.Enabled = enabled != 0
	sc.DueAt = ptrMS(dueAt)
	sc.NextDueAt = ptrMS(nextDue)
	sc.LastFiredAt = ptrMS(lastRun)
	sc.CreatedAt = fromMS(created)
	sc.UpdatedAt = fromMS(updated)
	return sc, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
