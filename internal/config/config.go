package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"psp.com/tutorhub/internal/logging"
	"psp.com/tutorhub/internal/safefetch"
)

// Config is the server configuration. Values come from DefaultConfig, then
// an optional YAML file, then the environment.
type Config struct {
	Port           string   `yaml:"port"`
	TLSCert        string   `yaml:"tls_cert"`
	TLSKey         string   `yaml:"tls_key"`
	AllowedOrigins []string `yaml:"allowed_origins"`

	DatabasePath string        `yaml:"database_path"`
	UploadDir    string        `yaml:"upload_dir"`
	SessionTTL   time.Duration `yaml:"session_ttl"`

	// AdminPasscode seeds the passcode hash on first start only.
	AdminPasscode      string `yaml:"admin_passcode"`
	RateLimitPerMinute int    `yaml:"rate_limit_per_minute"`

	// CertTemplate is an optional YAML certificate layout; empty uses the
	// built-in one.
	CertTemplate string `yaml:"certificate_template"`

	OpenAI OpenAIConfig     `yaml:"openai"`
	Log    logging.Config   `yaml:"log"`
	Fetch  safefetch.Config `yaml:"fetch"`
}

// OpenAIConfig configures quiz drafting. An empty APIKey disables the LLM
// drafter and the offline fact drafter is used instead.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		Port:               "8080",
		AllowedOrigins:     []string{"http://localhost:5173", "https://localhost:5173"},
		DatabasePath:       "data/tutorhub.db",
		UploadDir:          "data/uploads",
		SessionTTL:         12 * time.Hour,
		RateLimitPerMinute: 60,
		OpenAI:             OpenAIConfig{Model: "gpt-4o-mini"},
		Log:                logging.Config{Level: "info", Format: "json"},
		Fetch:              safefetch.DefaultConfig(),
	}
}

// Load builds the configuration. path may be empty.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	str("PORT", &c.Port)
	str("TLS_CERT", &c.TLSCert)
	str("TLS_KEY", &c.TLSKey)
	str("DATABASE_PATH", &c.DatabasePath)
	str("UPLOAD_DIR", &c.UploadDir)
	str("ADMIN_PASSCODE", &c.AdminPasscode)
	str("CERT_TEMPLATE", &c.CertTemplate)
	str("OPENAI_API_KEY", &c.OpenAI.APIKey)
	str("OPENAI_BASE_URL", &c.OpenAI.BaseURL)
	str("OPENAI_MODEL", &c.OpenAI.Model)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	if v := getenv("ALLOWED_ORIGINS"); v != "" {
		c.AllowedOrigins = splitList(v)
	}

	var errs []error
	dur := func(key string, dst *time.Duration) {
		if v := getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	num := func(key string, dst *int64) {
		if v := getenv(key); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur("SESSION_TTL", &c.SessionTTL)
	dur("FETCH_TIMEOUT", &c.Fetch.Timeout)
	num("FETCH_MAX_BYTES", &c.Fetch.MaxBytes)

	var redirects, rate int64 = int64(c.Fetch.MaxRedirects), int64(c.RateLimitPerMinute)
	num("FETCH_MAX_REDIRECTS", &redirects)
	num("RATE_LIMIT_PER_MINUTE", &rate)
	c.Fetch.MaxRedirects = int(redirects)
	c.RateLimitPerMinute = int(rate)

	return errors.Join(errs...)
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("port is required"))
	} else if p, err := strconv.Atoi(c.Port); err != nil || p < 1 || p > 65535 {
		errs = append(errs, fmt.Errorf("invalid port %q", c.Port))
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		errs = append(errs, errors.New("tls_cert and tls_key must be set together"))
	}
	if c.DatabasePath == "" {
		errs = append(errs, errors.New("database_path is required"))
	}
	if c.UploadDir == "" {
		errs = append(errs, errors.New("upload_dir is required"))
	}
	if c.SessionTTL <= 0 {
		errs = append(errs, errors.New("session_ttl must be positive"))
	}
	if c.RateLimitPerMinute < 0 {
		errs = append(errs, errors.New("rate_limit_per_minute must not be negative"))
	}
	if err := c.Fetch.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("fetch: %w", err))
	}
	return errors.Join(errs...)
}

// TLS reports whether the server should listen with TLS.
func (c Config) TLS() bool { return c.TLSCert != "" && c.TLSKey != "" }

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
