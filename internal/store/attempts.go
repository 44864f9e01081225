package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Attempt is one graded quiz submission.
type Attempt struct {
	ID        string    `json:"id"`
	ModuleID  string    `json:"module_id"`
	Name      string    `json:"name"`
	Score     float64   `json:"score"`
	Correct   int       `json:"correct"`
	Total     int       `json:"total"`
	Passed    bool      `json:"passed"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateAttempt records a, assigning ID and timestamp when unset.
func (s *Store) CreateAttempt(ctx context.Context, a *Attempt) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO attempts (id, module_id, name, score, correct, total, passed, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.ModuleID, a.Name, a.Score, a.Correct, a.Total, a.Passed, a.CreatedAt.UnixMilli(),
	)
	return err
}

func (s *Store) GetAttempt(ctx context.Context, id string) (*Attempt, error) {
	var (
		a       Attempt
		created int64
	)
	err := s.db.QueryRow(ctx,
		`SELECT id, module_id, name, score, correct, total, passed, created_at FROM attempts WHERE id=$1`, id,
	).Scan(&a.ID, &a.ModuleID, &a.Name, &a.Score, &a.Correct, &a.Total, &a.Passed, &created)
	if err != nil {
		return nil, notFound(err)
	}
	a.CreatedAt = time.UnixMilli(created).UTC()
	return &a, nil
}
