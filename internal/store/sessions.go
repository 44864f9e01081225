package store

import (
	"context"
	"time"
)

// Session is an authenticated admin session.
type Session struct {
	ID        string
	CSRFToken string
	CreatedAt time.Time
	ExpiresAt time.Time
}

func (s *Store) CreateSession(ctx context.Context, sess Session) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO sessions (id, csrf_token, created_at, expires_at) VALUES ($1, $2, $3, $4)`,
		sess.ID, sess.CSRFToken, sess.CreatedAt.UnixMilli(), sess.ExpiresAt.UnixMilli(),
	)
	return err
}

// GetSession returns a live session. Expired sessions are reported as
// ErrNotFound.
func (s *Store) GetSession(ctx context.Context, id string, now time.Time) (*Session, error) {
	var (
		sess               Session
		created, expiresAt int64
	)
	err := s.db.QueryRow(ctx,
		`SELECT id, csrf_token, created_at, expires_at FROM sessions WHERE id=$1 AND expires_at > $2`,
		id, now.UnixMilli(),
	).Scan(&sess.ID, &sess.CSRFToken, &created, &expiresAt)
	if err != nil {
		return nil, notFound(err)
	}
	sess.CreatedAt = time.UnixMilli(created).UTC()
	sess.ExpiresAt = time.UnixMilli(expiresAt).UTC()
	return &sess, nil
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM sessions WHERE id=$1`, id)
	return err
}

// PurgeExpiredSessions deletes sessions that expired before now and returns
// how many were removed.
func (s *Store) PurgeExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.Exec(ctx, `DELETE FROM sessions WHERE expires_at <= $1`, now.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
