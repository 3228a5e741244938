package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"notifyd/internal/notify"
)

// GetPreference returns the stored settings of user. ok is false when the
// user never saved any.
func (s *Store) GetPreference(ctx context.Context, user string) (notify.Preference, bool, error) {
	var (
		doc              string
		created, updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT doc, created_at, updated_at FROM preferences WHERE username = ?`, user,
	).Scan(&doc, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return notify.Preference{}, false, nil
	}
	if err != nil {
		return notify.Preference{}, false, wrap("get preference", err)
	}
	var p notify.Preference
	if err := json.Unmarshal([]byte(doc), &p); err != nil {
		return notify.Preference{}, false, wrap("decode preference", err)
	}
	p.User = user
	p.CreatedAt = fromMS(created)
	p.UpdatedAt = fromMS(updated)
	return p, true, nil
}

// PutPreference upserts p. The first write creates the row.
func (s *Store) PutPreference(ctx context.Context, p notify.Preference) error {
	now := s.now()
	p.CreatedAt, p.UpdatedAt = now, now
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO preferences(username, doc, created_at, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(username) DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at`,
		p.User, string(b), ms(now), ms(now),
	)
	return wrap("put preference", err)
}
