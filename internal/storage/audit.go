package storage

import (
	"context"
	"database/sql"
	"time"
)

// AuditEntry records a notable state change (terminal job failure, schedule
// edit, execution outcome). Keep it compact.
type AuditEntry struct {
	At      time.Time `json:"at"`
	Kind    string    `json:"kind"`
	Subject string    `json:"subject,omitempty"`
	Detail  string    `json:"detail,omitempty"`
}

func (s *Store) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, kind, subject, detail) VALUES(?,?,?,?)`,
		ms(e.At), e.Kind, e.Subject, nullStr(e.Detail))
	return wrap("append audit", err)
}

// ListAudit returns the newest entries first.
func (s *Store) ListAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, kind, subject, detail FROM audit ORDER BY at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, wrap("list audit", err)
	}
	defer rows.Close()
	var out []AuditEntry
	for rows.Next() {
		var (
			at     int64
			e      AuditEntry
			detail sql.NullString
		)
		if err := rows.Scan(&at, &e.Kind, &e.Subject, &detail); err != nil {
			return nil, wrap("list audit", err)
		}
		e.At = fromMS(at)
		e.Detail = detail.String
		out = append(out, e)
	}
	return out, wrap("list audit", rows.Err())
}
