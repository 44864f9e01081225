package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"psp.com/tutorhub/internal/auth"
	"psp.com/tutorhub/internal/bundle"
	"psp.com/tutorhub/internal/config"
	"psp.com/tutorhub/internal/quiz"
	"psp.com/tutorhub/internal/safefetch"
)

const testPasscode = "correct-horse"

type fakeResolver map[string]string

func (r fakeResolver) LookupIPAddr(_ context.Context, host string) ([]net.IPAddr, error) {
	ip, ok := r[host]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	return []net.IPAddr{{IP: net.ParseIP(ip)}}, nil
}

// hostMux serves upstream requests by host without touching the network.
type hostMux map[string]http.HandlerFunc

func (m hostMux) RoundTrip(req *http.Request) (*http.Response, error) {
	h, ok := m[req.URL.Host]
	if !ok {
		return nil, errors.New("dial tcp: connection refused")
	}
	rec := httptest.NewRecorder()
	h(rec, req)
	resp := rec.Result()
	resp.Request = req
	return resp, nil
}

type stubDrafter struct{ qs []quiz.Question }

func (s stubDrafter) Draft(context.Context, string) ([]quiz.Question, error) { return s.qs, nil }

var upstream = hostMux{
	"docs.example": func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.WriteString(w, `<html><head><title>Redirect Safety</title></head><body><main>
			<h1>Redirect Safety</h1><p>Validate every redirect target before following it.</p>
		</main></body></html>`)
	},
	"hop.example": func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://meta.example/latest/meta-data/", http.StatusFound)
	},
	"broken.example": func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	},
	"empty.example": func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, `<html><body><nav>menu</nav></body></html>`)
	},
}

var resolver = fakeResolver{
	"docs.example":   "93.184.216.34",
	"hop.example":    "93.184.216.35",
	"broken.example": "93.184.216.36",
	"empty.example":  "93.184.216.37",
	"meta.example":   "169.254.169.254",
	"intranet.local": "10.1.2.3",
}

func testConfig(t *testing.T) config.Config {
	cfg := config.DefaultConfig()
	cfg.DatabasePath = ":memory:"
	cfg.UploadDir = t.TempDir()
	cfg.AdminPasscode = testPasscode
	cfg.RateLimitPerMinute = 0
	cfg.OpenAI.APIKey = ""
	return cfg
}

func newTestApp(t *testing.T, cfg config.Config) (*app, http.Handler) {
	t.Helper()
	drafted := []quiz.Question{{
		Question: "What must be validated?", Options: []string{"Every redirect target", "Nothing"},
		CorrectAnswer: 0, Type: quiz.TypeMultipleChoice,
	}}
	a, err := newApp(context.Background(), cfg, zerolog.Nop(),
		withFetcherOptions(safefetch.WithResolver(resolver), safefetch.WithTransport(upstream)),
		withDrafter(stubDrafter{qs: drafted}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	require.NoError(t, a.bootstrap(context.Background()))
	return a, a.routes()
}

type client struct {
	t      *testing.T
	h      http.Handler
	cookie *http.Cookie
	csrf   string
}

func (c *client) do(method, path string, body any) *httptest.ResponseRecorder {
	c.t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(c.t, err)
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if c.cookie != nil {
		req.AddCookie(c.cookie)
	}
	if c.csrf != "" {
		req.Header.Set(auth.CSRFHeader, c.csrf)
	}
	rec := httptest.NewRecorder()
	c.h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// login returns a client carrying the admin session cookie and CSRF token.
func login(t *testing.T, h http.Handler) *client {
	t.Helper()
	c := &client{t: t, h: h}
	rec := c.do(http.MethodPost, "/api/admin/login", loginReq{Passcode: testPasscode})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	for _, ck := range rec.Result().Cookies() {
		if ck.Name == auth.CookieName {
			c.cookie = ck
		}
	}
	require.NotNil(t, c.cookie)
	assert.True(t, c.cookie.HttpOnly)
	c.csrf = decode[sessionResp](t, rec).CSRFToken
	require.NotEmpty(t, c.csrf)
	return c
}

func createModule(t *testing.T, admin *client) publicModule {
	t.Helper()
	rec := admin.do(http.MethodPost, "/api/admin/modules", moduleReq{
		Title:    "Safe Fetching",
		VideoURL: "https://www.youtube.com/watch?v=abc",
		Format:   "markdown",
		Content:  "# Redirects\n\nAlways **validate**.\n\n<script>alert(1)</script>",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	m := decode[publicModule](t, rec)

	rec = admin.do(http.MethodPut, "/api/admin/modules/"+m.ID+"/quiz", quiz.Quiz{
		PassingScore: 50,
		Questions: []quiz.Question{
			{Question: "Follow redirects blindly?", Options: []string{"Yes", "No"}, CorrectAnswer: 1},
			{Question: "Is 10.0.0.1 private?", Options: []string{"Yes", "No"}, CorrectAnswer: 0},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return m
}

func TestHealthAndSite(t *testing.T) {
	_, h := newTestApp(t, testConfig(t))
	c := &client{t: t, h: h}

	rec := c.do(http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))

	rec = c.do(http.MethodGet, "/api/site", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Tutorial Platform", decode[map[string]string](t, rec)["site_title"])
}

func TestAdminAuth(t *testing.T) {
	_, h := newTestApp(t, testConfig(t))
	anon := &client{t: t, h: h}

	assert.Equal(t, http.StatusUnauthorized, anon.do(http.MethodGet, "/api/admin/session", nil).Code)
	assert.Equal(t, http.StatusUnauthorized,
		anon.do(http.MethodPost, "/api/admin/login", loginReq{Passcode: "wrong"}).Code)

	admin := login(t, h)
	assert.Equal(t, http.StatusOK, admin.do(http.MethodGet, "/api/admin/session", nil).Code)

	noCSRF := &client{t: t, h: h, cookie: admin.cookie}
	rec := noCSRF.do(http.MethodPost, "/api/admin/modules", moduleReq{Title: "x"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, http.StatusOK, noCSRF.do(http.MethodGet, "/api/admin/modules", nil).Code)

	assert.Equal(t, http.StatusNoContent, admin.do(http.MethodPost, "/api/admin/logout", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, admin.do(http.MethodGet, "/api/admin/session", nil).Code)
}

func TestModuleValidation(t *testing.T) {
	_, h := newTestApp(t, testConfig(t))
	admin := login(t, h)

	tests := []struct {
		name string
		req  moduleReq
	}{
		{"missing title", moduleReq{Content: "x"}},
		{"javascript video", moduleReq{Title: "t", VideoURL: "javascript:alert(1)"}},
		{"unknown format", moduleReq{Title: "t", Format: "rst"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := admin.do(http.MethodPost, "/api/admin/modules", tt.req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}

	rec := admin.do(http.MethodPut, "/api/admin/modules/missing", moduleReq{Title: "t"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = admin.do(http.MethodPut, "/api/admin/modules/missing/quiz", quiz.Quiz{Questions: []quiz.Question{
		{Question: "q", Options: []string{"a", "b"}},
	}})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLearnerFlow(t *testing.T) {
	_, h := newTestApp(t, testConfig(t))
	admin := login(t, h)
	m := createModule(t, admin)
	anon := &client{t: t, h: h}

	list := decode[[]publicModule](t, anon.do(http.MethodGet, "/api/modules", nil))
	require.Len(t, list, 1)
	assert.True(t, list[0].HasQuiz)
	assert.Empty(t, list[0].Content)

	got := decode[publicModule](t, anon.do(http.MethodGet, "/api/modules/"+m.ID, nil))
	assert.Contains(t, got.Content, "<strong>validate</strong>")
	assert.NotContains(t, got.Content, "<script>")

	rec := anon.do(http.MethodGet, "/api/modules/"+m.ID+"/quiz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "correct_answer")

	rec = anon.do(http.MethodPost, "/api/quiz-submit", submitReq{
		ModuleID: m.ID, Name: "Ada Lovelace", Answers: map[string]int{"0": 1, "1": 0},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	passed := decode[submitResp](t, rec)
	assert.True(t, passed.Passed)
	assert.Equal(t, 2, passed.Correct)
	assert.InDelta(t, 100, passed.Score, 0.001)

	rec = anon.do(http.MethodGet, "/api/certificate/"+passed.AttemptID, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("%PDF")))

	rec = anon.do(http.MethodPost, "/api/quiz-submit", submitReq{ModuleID: m.ID, Answers: map[string]int{}})
	failed := decode[submitResp](t, rec)
	assert.False(t, failed.Passed)
	assert.NotEmpty(t, failed.AttemptID)
	assert.Equal(t, http.StatusForbidden, anon.do(http.MethodGet, "/api/certificate/"+failed.AttemptID, nil).Code)

	assert.Equal(t, http.StatusBadRequest, anon.do(http.MethodGet, "/api/certificate/not-a-uuid", nil).Code)
	assert.Equal(t, http.StatusBadRequest, anon.do(http.MethodPost, "/api/quiz-submit",
		submitReq{ModuleID: m.ID, Name: "<script>"}).Code)
	assert.Equal(t, http.StatusNotFound, anon.do(http.MethodPost, "/api/quiz-submit",
		submitReq{ModuleID: "missing"}).Code)

	assert.Equal(t, http.StatusNoContent, admin.do(http.MethodDelete, "/api/admin/modules/"+m.ID, nil).Code)
	assert.Equal(t, http.StatusNotFound, anon.do(http.MethodGet, "/api/modules/"+m.ID, nil).Code)
}

func TestScrapeURL(t *testing.T) {
	_, h := newTestApp(t, testConfig(t))
	admin := login(t, h)

	rec := admin.do(http.MethodPost, "/api/admin/scrape-url", scrapeReq{URL: "http://docs.example/redirects"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode[scrapeResp](t, rec)
	assert.Equal(t, "Redirect Safety", got.Title)
	assert.Contains(t, got.Content, "Validate every redirect target")
	assert.Contains(t, got.Markdown, "# Redirect Safety")
	require.Len(t, got.QuizQuestions, 1)

	tests := []struct {
		name   string
		url    string
		status int
		kind   string
		reason string
	}{
		{"private address", "http://intranet.local/", http.StatusUnprocessableEntity, "unsafe_url", "private_address"},
		{"ip literal", "http://127.0.0.1:8080/", http.StatusUnprocessableEntity, "unsafe_url", "ip_literal_not_allowed"},
		{"bad scheme", "file:///etc/passwd", http.StatusUnprocessableEntity, "unsafe_url", "scheme_not_allowed"},
		{"redirect to metadata", "http://hop.example/", http.StatusUnprocessableEntity, "unsafe_redirect_target", "metadata_address"},
		{"upstream error", "http://broken.example/", http.StatusBadGateway, "http_error", ""},
		{"no content", "http://empty.example/", http.StatusUnprocessableEntity, "no_content", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := admin.do(http.MethodPost, "/api/admin/scrape-url", scrapeReq{URL: tt.url})
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			body := decode[errorBody](t, rec)
			assert.Equal(t, tt.kind, body.Error)
			assert.Equal(t, tt.reason, body.Reason)
			assert.NotContains(t, body.Message, "169.254")
			assert.NotContains(t, body.Message, "10.1.2.3")
		})
	}

	assert.Equal(t, http.StatusBadRequest, admin.do(http.MethodPost, "/api/admin/scrape-url", scrapeReq{}).Code)
}

func TestSettings(t *testing.T) {
	_, h := newTestApp(t, testConfig(t))
	admin := login(t, h)

	rec := admin.do(http.MethodGet, "/api/admin/settings", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "passcode_hash")

	rec = admin.do(http.MethodPut, "/api/admin/settings", map[string]any{
		"site_title": "Security Academy",
		"passcode":   "a-new-passcode",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "passcode_hash")

	anon := &client{t: t, h: h}
	assert.Equal(t, "Security Academy", decode[map[string]string](t, anon.do(http.MethodGet, "/api/site", nil))["site_title"])
	assert.Equal(t, http.StatusUnauthorized, anon.do(http.MethodPost, "/api/admin/login", loginReq{Passcode: testPasscode}).Code)
	assert.Equal(t, http.StatusOK, anon.do(http.MethodPost, "/api/admin/login", loginReq{Passcode: "a-new-passcode"}).Code)

	rec = admin.do(http.MethodPut, "/api/admin/settings", map[string]any{"image_width": 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = admin.do(http.MethodPut, "/api/admin/settings", map[string]any{"passcode": "short"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpload(t *testing.T) {
	cfg := testConfig(t)
	_, h := newTestApp(t, cfg)
	admin := login(t, h)

	img := image.NewRGBA(image.Rect(0, 0, 1600, 1200))
	img.Set(10, 10, color.RGBA{G: 255, A: 255})
	var pngBuf bytes.Buffer
	require.NoError(t, png.Encode(&pngBuf, img))

	upload := func(field string, data []byte) *httptest.ResponseRecorder {
		var body bytes.Buffer
		mw := multipart.NewWriter(&body)
		fw, err := mw.CreateFormFile(field, "photo.png")
		require.NoError(t, err)
		fw.Write(data)
		require.NoError(t, mw.Close())

		req := httptest.NewRequest(http.MethodPost, "/api/admin/uploads", &body)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		req.AddCookie(admin.cookie)
		req.Header.Set(auth.CSRFHeader, admin.csrf)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	rec := upload("file", pngBuf.Bytes())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	path := decode[map[string]any](t, rec)["url"].(string)
	require.True(t, strings.HasPrefix(path, "/uploads/"))

	f, err := os.Open(filepath.Join(cfg.UploadDir, strings.TrimPrefix(path, "/uploads/")))
	require.NoError(t, err)
	defer f.Close()
	dim, format, err := image.DecodeConfig(f)
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, 800, dim.Width)
	assert.Equal(t, 500, dim.Height)

	served := admin.do(http.MethodGet, path, nil)
	assert.Equal(t, http.StatusOK, served.Code)
	assert.Equal(t, http.StatusNotFound, admin.do(http.MethodGet, "/uploads/", nil).Code)

	assert.Equal(t, http.StatusUnsupportedMediaType, upload("file", []byte("not an image")).Code)
	assert.Equal(t, http.StatusBadRequest, upload("other", pngBuf.Bytes()).Code)

	sliver := image.NewRGBA(image.Rect(0, 0, 1, 1000))
	var sliverBuf bytes.Buffer
	require.NoError(t, png.Encode(&sliverBuf, sliver))
	assert.Equal(t, http.StatusUnprocessableEntity, upload("file", sliverBuf.Bytes()).Code)
}

func TestExportImport(t *testing.T) {
	_, h := newTestApp(t, testConfig(t))
	admin := login(t, h)
	m := createModule(t, admin)

	rec := admin.do(http.MethodGet, "/api/admin/export", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "attachment")
	exported := rec.Body.String()
	assert.Contains(t, exported, m.ID)

	_, other := newTestApp(t, testConfig(t))
	otherAdmin := login(t, other)
	rec = otherAdmin.do(http.MethodPost, "/api/admin/import", exported)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, decode[bundle.Report](t, rec).Modules)

	anon := &client{t: t, h: other}
	got := decode[publicModule](t, anon.do(http.MethodGet, "/api/modules/"+m.ID, nil))
	assert.Equal(t, "Safe Fetching", got.Title)
	assert.True(t, got.HasQuiz)

	rec = otherAdmin.do(http.MethodPost, "/api/admin/import", `{"version":"2.0","modules":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRateLimiter(t *testing.T) {
	rl := newRateLimiter(2)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.allow("a"))
	assert.True(t, rl.allow("a"))
	assert.False(t, rl.allow("a"))
	assert.True(t, rl.allow("b"))

	now = now.Add(30 * time.Second)
	assert.True(t, rl.allow("a"))
}

func TestRateLimitMiddleware(t *testing.T) {
	cfg := testConfig(t)
	cfg.RateLimitPerMinute = 1
	_, h := newTestApp(t, cfg)
	c := &client{t: t, h: h}

	assert.Equal(t, http.StatusOK, c.do(http.MethodGet, "/api/site", nil).Code)
	rec := c.do(http.MethodGet, "/api/site", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Equal(t, http.StatusOK, c.do(http.MethodGet, "/healthz", nil).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	_, h := newTestApp(t, testConfig(t))
	admin := login(t, h)
	admin.do(http.MethodPost, "/api/admin/scrape-url", scrapeReq{URL: "http://intranet.local/"})

	body := admin.do(http.MethodGet, "/metrics", nil).Body.String()
	assert.Contains(t, body, `tutorhub_fetch_total{outcome="unsafe_url"} 1`)
	assert.Contains(t, body, `tutorhub_http_requests_total{method="POST",route="/api/admin/login",status="200"} 1`)
}
