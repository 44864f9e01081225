package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"psp.com/tutorhub/internal/auth"
	"psp.com/tutorhub/internal/bundle"
	"psp.com/tutorhub/internal/imaging"
	"psp.com/tutorhub/internal/quiz"
	"psp.com/tutorhub/internal/richtext"
	"psp.com/tutorhub/internal/safefetch"
	"psp.com/tutorhub/internal/scraper"
	"psp.com/tutorhub/internal/store"
)

// maxImportBytes bounds uploaded course bundles.
const maxImportBytes = 20 << 20

type loginReq struct {
	Passcode string `json:"passcode"`
}

type sessionResp struct {
	Authenticated bool   `json:"authenticated"`
	CSRFToken     string `json:"csrf_token"`
	ExpiresAt     string `json:"expires_at"`
}

func toSessionResp(s *store.Session) sessionResp {
	return sessionResp{
		Authenticated: true,
		CSRFToken:     s.CSRFToken,
		ExpiresAt:     s.ExpiresAt.UTC().Format(time.RFC3339),
	}
}

func (a *app) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginReq
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	sess, err := a.auth.Login(r.Context(), req.Passcode)
	switch {
	case errors.Is(err, auth.ErrNoPasscode):
		writeError(w, http.StatusServiceUnavailable, "not_configured", "Admin passcode is not configured")
		return
	case errors.Is(err, auth.ErrInvalidPasscode):
		zerolog.Ctx(r.Context()).Warn().Str("ip", clientIP(r)).Msg("failed admin login")
		writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid passcode")
		return
	case err != nil:
		writeInternal(w, r, err, "login")
		return
	}
	a.auth.SetCookie(w, sess)
	writeJSON(w, http.StatusOK, toSessionResp(sess))
}

func (a *app) handleLogout(w http.ResponseWriter, r *http.Request) {
	if sess, err := a.auth.Session(r); err == nil {
		if err := a.auth.Logout(r.Context(), sess.ID); err != nil {
			writeInternal(w, r, err, "logout")
			return
		}
	}
	a.auth.ClearCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (a *app) handleSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toSessionResp(auth.FromContext(r.Context())))
}

func (a *app) handleAdminListModules(w http.ResponseWriter, r *http.Request) {
	modules, err := a.store.ListModules(r.Context())
	if err != nil {
		writeInternal(w, r, err, "list modules")
		return
	}
	writeJSON(w, http.StatusOK, modules)
}

type moduleReq struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	VideoURL    string `json:"video_url"`
	Content     string `json:"content"`
	Format      string `json:"format"`
	Position    int    `json:"position"`
}

// toModule validates req and renders its body into m.
func (req moduleReq) toModule(m *store.Module) error {
	title := strings.TrimSpace(req.Title)
	if title == "" || len(title) > 200 {
		return errors.New("title is required and must be at most 200 characters")
	}
	if len(req.Description) > 2000 {
		return errors.New("description must be at most 2000 characters")
	}
	video := strings.TrimSpace(req.VideoURL)
	if video != "" {
		u, err := url.Parse(video)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return errors.New("video_url must be an http(s) URL")
		}
	}
	if req.Format != "" && !richtext.ValidFormat(req.Format) {
		return fmt.Errorf("unknown format %q", req.Format)
	}
	body, err := richtext.Render(req.Format, req.Content)
	if err != nil {
		return err
	}
	if req.Position < 0 {
		return errors.New("position must not be negative")
	}

	m.Title = title
	m.Description = strings.TrimSpace(req.Description)
	m.VideoURL = video
	m.Body = body
	m.Format = req.Format
	if m.Format == "" {
		m.Format = richtext.FormatHTML
	}
	m.Source = req.Content
	if req.Position > 0 {
		m.Position = req.Position
	}
	return nil
}

func (a *app) handleCreateModule(w http.ResponseWriter, r *http.Request) {
	var req moduleReq
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	var m store.Module
	if err := req.toModule(&m); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := a.store.CreateModule(r.Context(), &m); err != nil {
		writeInternal(w, r, err, "create module")
		return
	}
	zerolog.Ctx(r.Context()).Info().Str("module_id", m.ID).Msg("module created")
	writeJSON(w, http.StatusCreated, m)
}

func (a *app) handleUpdateModule(w http.ResponseWriter, r *http.Request) {
	var req moduleReq
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	m := a.loadModule(w, r)
	if m == nil {
		return
	}
	if err := req.toModule(m); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := a.store.UpdateModule(r.Context(), m); errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "Module not found")
		return
	} else if err != nil {
		writeInternal(w, r, err, "update module")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *app) handleDeleteModule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.store.DeleteModule(r.Context(), id); errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "Module not found")
		return
	} else if err != nil {
		writeInternal(w, r, err, "delete module")
		return
	}
	zerolog.Ctx(r.Context()).Info().Str("module_id", id).Msg("module deleted")
	w.WriteHeader(http.StatusNoContent)
}

// handleSetQuiz replaces a module's quiz. An empty question list removes it.
func (a *app) handleSetQuiz(w http.ResponseWriter, r *http.Request) {
	var q quiz.Quiz
	if err := decodeJSON(w, r, &q); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	var stored *quiz.Quiz
	if len(q.Questions) > 0 {
		q.Normalize()
		if err := q.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_quiz", err.Error())
			return
		}
		stored = &q
	}
	id := chi.URLParam(r, "id")
	if err := a.store.SetQuiz(r.Context(), id, stored); errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "Module not found")
		return
	} else if err != nil {
		writeInternal(w, r, err, "save quiz")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"module_id": id, "quiz": stored})
}

func (a *app) handleUpload(w http.ResponseWriter, r *http.Request) {
	settings, err := a.store.GetSettings(r.Context())
	if err != nil {
		writeInternal(w, r, err, "load settings")
		return
	}
	// Multipart framing gets a little headroom over the file limit.
	r.Body = http.MaxBytesReader(w, r.Body, settings.MaxUploadBytes+64<<10)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "too_large", "Upload exceeds the size limit")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_request", "expected a multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing file field")
		return
	}
	defer file.Close()
	if header.Size > settings.MaxUploadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "too_large", "Upload exceeds the size limit")
		return
	}

	data, err := imaging.CropResize(file, settings.ImageWidth, settings.ImageHeight)
	if errors.Is(err, imaging.ErrTooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "too_large", err.Error())
		return
	} else if errors.Is(err, imaging.ErrAspectRatio) {
		writeError(w, http.StatusUnprocessableEntity, "invalid_image", err.Error())
		return
	} else if err != nil {
		writeError(w, http.StatusUnsupportedMediaType, "invalid_image", "File is not a supported image")
		return
	}
	name, err := imaging.Save(a.cfg.UploadDir, data)
	if err != nil {
		writeInternal(w, r, err, "save upload")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"url":    "/uploads/" + name,
		"width":  settings.ImageWidth,
		"height": settings.ImageHeight,
	})
}

type settingsReq struct {
	store.Settings
	Passcode string `json:"passcode"`
}

func (a *app) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := a.store.GetSettings(r.Context())
	if err != nil {
		writeInternal(w, r, err, "load settings")
		return
	}
	settings.PasscodeHash = ""
	writeJSON(w, http.StatusOK, settings)
}

func (a *app) handleSaveSettings(w http.ResponseWriter, r *http.Request) {
	current, err := a.store.GetSettings(r.Context())
	if err != nil {
		writeInternal(w, r, err, "load settings")
		return
	}
	req := settingsReq{Settings: current}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	next := req.Settings
	next.SiteTitle = strings.TrimSpace(next.SiteTitle)
	next.PasscodeHash = current.PasscodeHash
	if err := next.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_settings", err.Error())
		return
	}
	if req.Passcode != "" {
		if len(req.Passcode) < 8 {
			writeError(w, http.StatusBadRequest, "invalid_settings", "passcode must be at least 8 characters")
			return
		}
		if next.PasscodeHash, err = auth.HashPasscode(req.Passcode); err != nil {
			writeInternal(w, r, err, "hash passcode")
			return
		}
	}
	if err := a.store.SaveSettings(r.Context(), next); err != nil {
		writeInternal(w, r, err, "save settings")
		return
	}
	next.PasscodeHash = ""
	writeJSON(w, http.StatusOK, next)
}

type scrapeReq struct {
	URL string `json:"url"`
}

type scrapeResp struct {
	URL           string          `json:"url"`
	Title         string          `json:"title"`
	Content       string          `json:"content"`
	Markdown      string          `json:"markdown"`
	QuizQuestions []quiz.Question `json:"quiz_questions"`
}

// handleScrapeURL fetches an admin-supplied URL through the guarded fetcher
// and drafts quiz questions from the extracted text.
func (a *app) handleScrapeURL(w http.ResponseWriter, r *http.Request) {
	var req scrapeReq
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.URL = strings.TrimSpace(req.URL)
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "url is required")
		return
	}

	page, err := a.scraper.Scrape(r.Context(), req.URL)
	var fe *safefetch.Error
	switch {
	case errors.As(err, &fe):
		writeFetchError(w, r, fe)
		return
	case errors.Is(err, scraper.ErrNoContent):
		writeError(w, http.StatusUnprocessableEntity, "no_content", "No readable content found at that URL")
		return
	case err != nil:
		writeInternal(w, r, err, "scrape")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), draftTimeout)
	defer cancel()
	questions, err := a.drafter.Draft(ctx, strings.Join(append([]string{page.Text}, page.Facts...), "\n"))
	if err != nil {
		zerolog.Ctx(r.Context()).Warn().Err(err).Msg("draft quiz")
	}
	if questions == nil {
		questions = []quiz.Question{}
	}

	zerolog.Ctx(r.Context()).Info().
		Str("url", page.URL).
		Int("chars", len(page.Text)).
		Int("questions", len(questions)).
		Msg("scraped")
	writeJSON(w, http.StatusOK, scrapeResp{
		URL:           page.URL,
		Title:         page.Title,
		Content:       page.Text,
		Markdown:      page.Markdown,
		QuizQuestions: questions,
	})
}

func (a *app) handleExport(w http.ResponseWriter, r *http.Request) {
	modules, err := a.store.ListModules(r.Context())
	if err != nil {
		writeInternal(w, r, err, "list modules")
		return
	}
	var buf bytes.Buffer
	if err := bundle.Encode(&buf, bundle.Export(modules, a.now())); err != nil {
		writeInternal(w, r, err, "encode bundle")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=courses-%s.json", a.now().UTC().Format("20060102")))
	w.Write(buf.Bytes())
}

func (a *app) handleImport(w http.ResponseWriter, r *http.Request) {
	b, err := bundle.Decode(http.MaxBytesReader(w, r.Body, maxImportBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_bundle", err.Error())
		return
	}
	report, err := a.importBundle(r.Context(), b)
	if err != nil {
		writeInternal(w, r, err, "import modules")
		return
	}
	writeJSON(w, http.StatusOK, report)
}
