package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"psp.com/tutorhub/internal/store"
)

const (
	CookieName = "tutorhub_session"
	CSRFHeader = "X-CSRF-Token"
)

var (
	ErrInvalidPasscode = errors.New("invalid passcode")
	ErrNoPasscode      = errors.New("admin passcode not configured")
)

// HashPasscode returns a bcrypt hash of passcode.
func HashPasscode(passcode string) (string, error) {
	if passcode == "" {
		return "", errors.New("passcode must not be empty")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(passcode), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash passcode: %w", err)
	}
	return string(h), nil
}

func VerifyPasscode(hash, passcode string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(passcode)) == nil
}

// Store is the persistence the session manager needs.
type Store interface {
	GetSettings(ctx context.Context) (store.Settings, error)
	SaveSettings(ctx context.Context, s store.Settings) error
	CreateSession(ctx context.Context, s store.Session) error
	GetSession(ctx context.Context, id string, now time.Time) (*store.Session, error)
	DeleteSession(ctx context.Context, id string) error
}

// Manager issues and checks admin sessions.
type Manager struct {
	store  Store
	ttl    time.Duration
	secure bool
	now    func() time.Time
}

// NewManager builds a manager. secure marks cookies Secure (set when serving
// TLS).
func NewManager(s Store, ttl time.Duration, secure bool) *Manager {
	return &Manager{store: s, ttl: ttl, secure: secure, now: time.Now}
}

// Bootstrap stores a hash of passcode when no passcode is configured yet.
// It reports whether a hash was written.
func (m *Manager) Bootstrap(ctx context.Context, passcode string) (bool, error) {
	settings, err := m.store.GetSettings(ctx)
	if err != nil {
		return false, err
	}
	if settings.PasscodeHash != "" || passcode == "" {
		return false, nil
	}
	if settings.PasscodeHash, err = HashPasscode(passcode); err != nil {
		return false, err
	}
	return true, m.store.SaveSettings(ctx, settings)
}

// Login checks passcode and opens a new session.
func (m *Manager) Login(ctx context.Context, passcode string) (*store.Session, error) {
	settings, err := m.store.GetSettings(ctx)
	if err != nil {
		return nil, err
	}
	if settings.PasscodeHash == "" {
		return nil, ErrNoPasscode
	}
	if !VerifyPasscode(settings.PasscodeHash, passcode) {
		return nil, ErrInvalidPasscode
	}
	now := m.now().UTC()
	sess := store.Session{
		ID:        uuid.NewString(),
		CSRFToken: uuid.NewString(),
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &sess, nil
}

func (m *Manager) Logout(ctx context.Context, id string) error {
	return m.store.DeleteSession(ctx, id)
}

// Session returns the live session named by the request cookie.
func (m *Manager) Session(r *http.Request) (*store.Session, error) {
	c, err := r.Cookie(CookieName)
	if err != nil || c.Value == "" {
		return nil, store.ErrNotFound
	}
	return m.store.GetSession(r.Context(), c.Value, m.now())
}

func (m *Manager) SetCookie(w http.ResponseWriter, sess *store.Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    sess.ID,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (m *Manager) ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

type ctxKey struct{}

// FromContext returns the session stored by RequireAdmin.
func FromContext(ctx context.Context) *store.Session {
	s, _ := ctx.Value(ctxKey{}).(*store.Session)
	return s
}

// RequireAdmin rejects requests without a live session.
func (m *Manager) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := m.Session(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "Admin login required")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, sess)))
	})
}

// RequireCSRF checks the CSRF header on state-changing requests. It must run
// after RequireAdmin.
func (m *Manager) RequireCSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}
		sess := FromContext(r.Context())
		token := r.Header.Get(CSRFHeader)
		if sess == nil || token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(sess.CSRFToken)) != 1 {
			writeError(w, http.StatusForbidden, "csrf", "Invalid CSRF token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeError(w http.ResponseWriter, status int, kind, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": kind, "message": msg})
}
