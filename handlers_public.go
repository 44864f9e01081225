package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"psp.com/tutorhub/internal/cert"
	"psp.com/tutorhub/internal/quiz"
	"psp.com/tutorhub/internal/store"
)

var nameRegex = regexp.MustCompile(`^[\p{L}\s.'-]{1,100}$`)

// cleanName trims a learner name; empty input is allowed.
func cleanName(name string) (string, bool) {
	name = strings.Join(strings.Fields(name), " ")
	if name == "" {
		return "", true
	}
	return name, nameRegex.MatchString(name)
}

type publicModule struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	VideoURL    string    `json:"video_url"`
	Content     string    `json:"content,omitempty"`
	Position    int       `json:"position"`
	HasQuiz     bool      `json:"has_quiz"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func toPublic(m store.Module, withBody bool) publicModule {
	p := publicModule{
		ID:          m.ID,
		Title:       m.Title,
		Description: m.Description,
		VideoURL:    m.VideoURL,
		Position:    m.Position,
		HasQuiz:     m.Quiz != nil && len(m.Quiz.Questions) > 0,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
	if withBody {
		p.Content = m.Body
	}
	return p
}

func (a *app) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := a.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "database unavailable")
		return
	}
	w.Write([]byte("ok"))
}

func (a *app) handleSite(w http.ResponseWriter, r *http.Request) {
	settings, err := a.store.GetSettings(r.Context())
	if err != nil {
		writeInternal(w, r, err, "load settings")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"site_title":       settings.SiteTitle,
		"site_description": settings.SiteDescription,
	})
}

func (a *app) handleListModules(w http.ResponseWriter, r *http.Request) {
	modules, err := a.store.ListModules(r.Context())
	if err != nil {
		writeInternal(w, r, err, "list modules")
		return
	}
	out := make([]publicModule, 0, len(modules))
	for _, m := range modules {
		out = append(out, toPublic(m, false))
	}
	writeJSON(w, http.StatusOK, out)
}

// loadModule writes a 404 or 500 and returns nil when the module is missing.
func (a *app) loadModule(w http.ResponseWriter, r *http.Request) *store.Module {
	m, err := a.store.GetModule(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "Module not found")
		return nil
	}
	if err != nil {
		writeInternal(w, r, err, "load module")
		return nil
	}
	return m
}

func (a *app) handleGetModule(w http.ResponseWriter, r *http.Request) {
	if m := a.loadModule(w, r); m != nil {
		writeJSON(w, http.StatusOK, toPublic(*m, true))
	}
}

func (a *app) handleGetQuiz(w http.ResponseWriter, r *http.Request) {
	m := a.loadModule(w, r)
	if m == nil {
		return
	}
	if m.Quiz == nil || len(m.Quiz.Questions) == 0 {
		writeError(w, http.StatusNotFound, "not_found", "Quiz not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"module_id": m.ID,
		"title":     m.Title,
		"quiz":      m.Quiz.Public(),
	})
}

type submitReq struct {
	ModuleID string         `json:"module_id"`
	Answers  map[string]int `json:"answers"`
	Name     string         `json:"name"`
}

type submitResp struct {
	quiz.Result
	AttemptID string `json:"attempt_id"`
}

func (a *app) handleQuizSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitReq
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	name, ok := cleanName(req.Name)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid name")
		return
	}
	if len(req.Answers) > 500 {
		writeError(w, http.StatusBadRequest, "invalid_request", "too many answers")
		return
	}

	m, err := a.store.GetModule(r.Context(), req.ModuleID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		writeInternal(w, r, err, "load module")
		return
	}
	if m == nil || m.Quiz == nil || len(m.Quiz.Questions) == 0 {
		writeError(w, http.StatusNotFound, "not_found", "Quiz not found")
		return
	}

	res := m.Quiz.Score(req.Answers)
	attempt := &store.Attempt{
		ModuleID: m.ID,
		Name:     name,
		Score:    res.Score,
		Correct:  res.Correct,
		Total:    res.Total,
		Passed:   res.Passed,
	}
	if err := a.store.CreateAttempt(r.Context(), attempt); err != nil {
		writeInternal(w, r, err, "record attempt")
		return
	}
	zerolog.Ctx(r.Context()).Info().
		Str("module_id", m.ID).
		Str("attempt_id", attempt.ID).
		Float64("score", res.Score).
		Bool("passed", res.Passed).
		Msg("quiz submitted")
	writeJSON(w, http.StatusOK, submitResp{Result: res, AttemptID: attempt.ID})
}

func (a *app) handleCertificate(w http.ResponseWriter, r *http.Request) {
	atID := chi.URLParam(r, "attemptID")
	if _, err := uuid.Parse(atID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid attempt id")
		return
	}
	at, err := a.store.GetAttempt(r.Context(), atID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "Attempt not found")
		return
	} else if err != nil {
		writeInternal(w, r, err, "load attempt")
		return
	}
	if !at.Passed {
		writeError(w, http.StatusForbidden, "not_passed", "Certificates are issued for passed quizzes only")
		return
	}

	moduleTitle := "Removed module"
	if m, err := a.store.GetModule(r.Context(), at.ModuleID); err == nil {
		moduleTitle = m.Title
	} else if !errors.Is(err, store.ErrNotFound) {
		writeInternal(w, r, err, "load module")
		return
	}
	settings, err := a.store.GetSettings(r.Context())
	if err != nil {
		writeInternal(w, r, err, "load settings")
		return
	}

	renderer := cert.Renderer{Assets: os.DirFS(a.cfg.UploadDir)}
	pdf, err := renderer.Render(a.cert, cert.Data{
		Name:        firstNonEmpty(at.Name, "Learner"),
		ModuleTitle: moduleTitle,
		Score:       at.Score,
		Date:        at.CreatedAt,
		AttemptID:   at.ID,
		SiteTitle:   settings.SiteTitle,
	})
	if err != nil {
		writeInternal(w, r, err, "render certificate")
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=certificate-%s.pdf", at.ID))
	w.Write(pdf)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
