package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"psp.com/tutorhub/internal/quiz"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestModuleCRUD(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	first := &Module{Title: "Basics", Body: "<p>hi</p>"}
	require.NoError(t, s.CreateModule(ctx, first))
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, 1, first.Position)
	assert.Equal(t, "html", first.Format)

	second := &Module{Title: "Advanced", Format: "markdown", Source: "# Advanced"}
	require.NoError(t, s.CreateModule(ctx, second))
	assert.Equal(t, 2, second.Position)

	got, err := s.GetModule(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "Basics", got.Title)
	assert.Nil(t, got.Quiz)
	assert.WithinDuration(t, first.CreatedAt, got.CreatedAt, time.Millisecond)

	got.Title = "Basics, revised"
	got.Position = 3
	require.NoError(t, s.UpdateModule(ctx, got))

	list, err := s.ListModules(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "Advanced", list[0].Title)
	assert.Equal(t, "Basics, revised", list[1].Title)

	require.NoError(t, s.DeleteModule(ctx, second.ID))
	_, err = s.GetModule(ctx, second.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.DeleteModule(ctx, second.ID), ErrNotFound)
	assert.ErrorIs(t, s.UpdateModule(ctx, &Module{ID: "missing", Title: "x"}), ErrNotFound)
}

func TestModuleTitleRequired(t *testing.T) {
	s := newTestStore(t)
	assert.ErrorIs(t, s.CreateModule(context.Background(), &Module{Title: "  "}), ErrTitleRequired)
}

func TestListModulesEmpty(t *testing.T) {
	list, err := newTestStore(t).ListModules(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, list)
	assert.Empty(t, list)
}

func TestSetQuiz(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	m := &Module{Title: "Quiz me"}
	require.NoError(t, s.CreateModule(ctx, m))

	q := &quiz.Quiz{PassingScore: 80, Questions: []quiz.Question{
		{Question: "1+1?", Options: []string{"1", "2"}, CorrectAnswer: 1, Type: quiz.TypeMultipleChoice},
	}}
	require.NoError(t, s.SetQuiz(ctx, m.ID, q))

	got, err := s.GetModule(ctx, m.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Quiz)
	assert.Equal(t, *q, *got.Quiz)

	// updating the module keeps the quiz
	got.Description = "now with a description"
	require.NoError(t, s.UpdateModule(ctx, got))
	got, err = s.GetModule(ctx, m.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.Quiz)

	require.NoError(t, s.SetQuiz(ctx, m.ID, nil))
	got, err = s.GetModule(ctx, m.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Quiz)

	assert.ErrorIs(t, s.SetQuiz(ctx, "missing", q), ErrNotFound)
}

func TestImportModules(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	existing := &Module{Title: "Old title"}
	require.NoError(t, s.CreateModule(ctx, existing))

	err := s.ImportModules(ctx, []Module{
		{ID: existing.ID, Title: "New title", Position: 1, Quiz: &quiz.Quiz{PassingScore: 50}},
		{Title: "Brand new"},
	})
	require.NoError(t, err)

	list, err := s.ListModules(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "New title", list[0].Title)
	require.NotNil(t, list[0].Quiz)
	assert.Equal(t, float64(50), list[0].Quiz.PassingScore)
	assert.Equal(t, "Brand new", list[1].Title)
	assert.Equal(t, 2, list[1].Position)
}

func TestImportModulesIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	err := s.ImportModules(ctx, []Module{{Title: "fine"}, {Title: ""}})
	assert.ErrorIs(t, err, ErrTitleRequired)

	list, err := s.ListModules(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestSettings(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	got, err := s.GetSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, DefaultSettings(), got)

	got.SiteTitle = "Go School"
	got.PasscodeHash = "$2a$10$hash"
	require.NoError(t, s.SaveSettings(ctx, got))

	again, err := s.GetSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, got, again)
}

func TestSettingsValidate(t *testing.T) {
	require.NoError(t, DefaultSettings().Validate())
	bad := DefaultSettings()
	bad.ImageWidth = 0
	bad.SiteTitle = ""
	err := bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "site_title")
	assert.Contains(t, err.Error(), "image size")
}

func TestSessions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now()

	live := Session{ID: "live", CSRFToken: "tok", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	dead := Session{ID: "dead", CSRFToken: "tok2", CreatedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour)}
	require.NoError(t, s.CreateSession(ctx, live))
	require.NoError(t, s.CreateSession(ctx, dead))

	got, err := s.GetSession(ctx, "live", now)
	require.NoError(t, err)
	assert.Equal(t, "tok", got.CSRFToken)

	_, err = s.GetSession(ctx, "dead", now)
	assert.ErrorIs(t, err, ErrNotFound)

	n, err := s.PurgeExpiredSessions(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, s.DeleteSession(ctx, "live"))
	_, err = s.GetSession(ctx, "live", now)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAttempts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a := &Attempt{ModuleID: "m1", Name: "Ada", Score: 75, Correct: 3, Total: 4, Passed: true}
	require.NoError(t, s.CreateAttempt(ctx, a))
	require.NotEmpty(t, a.ID)

	got, err := s.GetAttempt(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ModuleID, got.ModuleID)
	assert.Equal(t, 75.0, got.Score)
	assert.True(t, got.Passed)

	_, err = s.GetAttempt(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpenFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "site.db")
	s, err := Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.CreateModule(ctx, &Module{Title: "persisted"}))
	require.NoError(t, s.Close())

	s, err = Open(ctx, path)
	require.NoError(t, err)
	defer s.Close()
	list, err := s.ListModules(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.NoError(t, s.Ping(ctx))
}
