package safefetch

import (
	"errors"
	"fmt"
	"time"
)

const (
	DefaultTimeout      = 10 * time.Second
	DefaultMaxBytes     = 5 << 20 // 5 MiB
	DefaultMaxRedirects = 3
	DefaultUserAgent    = "TutorHub-Fetcher/1.0 (+https://example.org)"
	DefaultAccept       = "text/html,application/xhtml+xml,text/plain;q=0.9"
)

// Config holds the fetcher-wide limits. It is validated once by New.
type Config struct {
	// Timeout bounds each hop (request and body read). It is re-applied at
	// every redirect, so callers needing a global deadline set one on ctx.
	Timeout time.Duration `yaml:"timeout"`

	// MaxBytes caps the response body, enforced both against Content-Length
	// and while streaming.
	MaxBytes int64 `yaml:"max_bytes"`

	// MaxRedirects is the number of redirects that may be followed. Zero
	// refuses every redirect.
	MaxRedirects int `yaml:"max_redirects"`

	UserAgent string `yaml:"user_agent"`
	Accept    string `yaml:"accept"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:      DefaultTimeout,
		MaxBytes:     DefaultMaxBytes,
		MaxRedirects: DefaultMaxRedirects,
		UserAgent:    DefaultUserAgent,
		Accept:       DefaultAccept,
	}
}

// Validate checks the configuration for errors.
func (c Config) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}
	if c.MaxBytes <= 0 {
		return fmt.Errorf("max_bytes must be positive, got %d", c.MaxBytes)
	}
	if c.MaxRedirects < 0 {
		return fmt.Errorf("max_redirects must be non-negative, got %d", c.MaxRedirects)
	}
	if c.UserAgent == "" {
		return errors.New("user_agent is required")
	}
	if c.Accept == "" {
		return errors.New("accept is required")
	}
	return nil
}

// NoRedirects as Request.MaxRedirects refuses every redirect for that call.
const NoRedirects = -1

// Request is a single fetch. Zero-valued limits inherit the fetcher's Config.
type Request struct {
	URL          string
	Timeout      time.Duration
	MaxBytes     int64
	MaxRedirects int
}

func (c Config) with(r Request) Config {
	if r.Timeout > 0 {
		c.Timeout = r.Timeout
	}
	if r.MaxBytes > 0 {
		c.MaxBytes = r.MaxBytes
	}
	switch {
	case r.MaxRedirects > 0:
		c.MaxRedirects = r.MaxRedirects
	case r.MaxRedirects < 0:
		c.MaxRedirects = 0
	}
	return c
}
