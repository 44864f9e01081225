package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"psp.com/tutorhub/internal/quiz"
)

// Module is one tutorial unit.
type Module struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	VideoURL    string     `json:"video_url"`
	Body        string     `json:"content"`          // sanitized HTML
	Format      string     `json:"format"`           // html or markdown
	Source      string     `json:"source,omitempty"` // raw author input
	Position    int        `json:"position"`
	Quiz        *quiz.Quiz `json:"quiz,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

var ErrTitleRequired = errors.New("title is required")

const moduleColumns = `id, title, description, video_url, body, format, source, position, quiz, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanModule(row scanner) (*Module, error) {
	var (
		m                    Module
		quizJSON             sql.NullString
		createdAt, updatedAt int64
	)
	err := row.Scan(&m.ID, &m.Title, &m.Description, &m.VideoURL, &m.Body, &m.Format, &m.Source,
		&m.Position, &quizJSON, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if quizJSON.Valid && quizJSON.String != "" {
		m.Quiz = &quiz.Quiz{}
		if err := json.Unmarshal([]byte(quizJSON.String), m.Quiz); err != nil {
			return nil, fmt.Errorf("decode quiz for module %s: %w", m.ID, err)
		}
	}
	m.CreatedAt = time.UnixMilli(createdAt).UTC()
	m.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &m, nil
}

func encodeQuiz(q *quiz.Quiz) (sql.NullString, error) {
	if q == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(q)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode quiz: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// ListModules returns every module ordered by position.
func (s *Store) ListModules(ctx context.Context) ([]Module, error) {
	rows, err := s.db.Query(ctx, `SELECT `+moduleColumns+` FROM modules ORDER BY position, created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	modules := []Module{}
	for rows.Next() {
		m, err := scanModule(rows)
		if err != nil {
			return nil, err
		}
		modules = append(modules, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return modules, nil
}

func (s *Store) GetModule(ctx context.Context, id string) (*Module, error) {
	m, err := scanModule(s.db.QueryRow(ctx, `SELECT `+moduleColumns+` FROM modules WHERE id=$1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return m, nil
}

// CreateModule inserts m, assigning an ID, timestamps and a trailing position
// when they are unset.
func (s *Store) CreateModule(ctx context.Context, m *Module) error {
	if strings.TrimSpace(m.Title) == "" {
		return ErrTitleRequired
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	if m.Format == "" {
		m.Format = "html"
	}
	if m.Position == 0 {
		var maxPos sql.NullInt64
		if err := s.db.QueryRow(ctx, `SELECT MAX(position) FROM modules`).Scan(&maxPos); err != nil {
			return err
		}
		m.Position = int(maxPos.Int64) + 1
	}
	q, err := encodeQuiz(m.Quiz)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO modules (`+moduleColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		m.ID, m.Title, m.Description, m.VideoURL, m.Body, m.Format, m.Source, m.Position, q,
		m.CreatedAt.UnixMilli(), m.UpdatedAt.UnixMilli(),
	)
	return err
}

// UpdateModule overwrites the editable fields of an existing module. The quiz
// is left untouched; use SetQuiz.
func (s *Store) UpdateModule(ctx context.Context, m *Module) error {
	if strings.TrimSpace(m.Title) == "" {
		return ErrTitleRequired
	}
	m.UpdatedAt = time.Now().UTC()
	if m.Format == "" {
		m.Format = "html"
	}
	return affected(s.db.Exec(ctx,
		`UPDATE modules SET title=$2, description=$3, video_url=$4, body=$5, format=$6, source=$7,
		   position=$8, updated_at=$9
		 WHERE id=$1`,
		m.ID, m.Title, m.Description, m.VideoURL, m.Body, m.Format, m.Source, m.Position,
		m.UpdatedAt.UnixMilli(),
	))
}

func (s *Store) DeleteModule(ctx context.Context, id string) error {
	return affected(s.db.Exec(ctx, `DELETE FROM modules WHERE id=$1`, id))
}

// SetQuiz replaces the module's quiz; nil removes it.
func (s *Store) SetQuiz(ctx context.Context, id string, q *quiz.Quiz) error {
	encoded, err := encodeQuiz(q)
	if err != nil {
		return err
	}
	return affected(s.db.Exec(ctx,
		`UPDATE modules SET quiz=$2, updated_at=$3 WHERE id=$1`,
		id, encoded, time.Now().UnixMilli(),
	))
}

// ImportModules upserts modules in one transaction. Existing IDs are
// replaced, including their quiz; created_at is kept.
func (s *Store) ImportModules(ctx context.Context, modules []Module) error {
	tx, err := s.db.RawDB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var maxPos sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(position) FROM modules`).Scan(&maxPos); err != nil {
		return err
	}
	next := int(maxPos.Int64)

	now := time.Now().UTC()
	for i := range modules {
		m := &modules[i]
		if strings.TrimSpace(m.Title) == "" {
			return fmt.Errorf("module %d: %w", i, ErrTitleRequired)
		}
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		if m.Format == "" {
			m.Format = "html"
		}
		if m.Position == 0 {
			next++
			m.Position = next
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		m.UpdatedAt = now
		q, err := encodeQuiz(m.Quiz)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO modules (`+moduleColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			 ON CONFLICT (id) DO UPDATE SET title=excluded.title, description=excluded.description,
			   video_url=excluded.video_url, body=excluded.body, format=excluded.format,
			   source=excluded.source, position=excluded.position, quiz=excluded.quiz,
			   updated_at=excluded.updated_at`,
			m.ID, m.Title, m.Description, m.VideoURL, m.Body, m.Format, m.Source, m.Position, q,
			m.CreatedAt.UnixMilli(), m.UpdatedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("import %s: %w", m.ID, err)
		}
	}
	return tx.Commit()
}
