package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"psp.com/tutorhub/internal/auth"
	"psp.com/tutorhub/internal/cert"
	"psp.com/tutorhub/internal/config"
	"psp.com/tutorhub/internal/logging"
	"psp.com/tutorhub/internal/quiz"
	"psp.com/tutorhub/internal/safefetch"
	"psp.com/tutorhub/internal/scraper"
	"psp.com/tutorhub/internal/store"
)

// draftTimeout bounds quiz drafting after a successful scrape.
const draftTimeout = 45 * time.Second

// app holds the wired services shared by the HTTP handlers and CLI commands.
type app struct {
	cfg      config.Config
	log      zerolog.Logger
	store    *store.Store
	auth     *auth.Manager
	fetcher  *safefetch.Fetcher
	scraper  *scraper.Scraper
	drafter  quiz.Drafter
	cert     *cert.Template
	registry *prometheus.Registry
	metrics  *httpMetrics
	now      func() time.Time
}

type appOption func(*app) error

// withFetcherOptions passes extra options to the guarded fetcher.
func withFetcherOptions(opts ...safefetch.Option) appOption {
	return func(a *app) error {
		f, err := safefetch.New(a.cfg.Fetch, append(a.fetcherDefaults(), opts...)...)
		if err != nil {
			return err
		}
		a.fetcher = f
		return nil
	}
}

func withDrafter(d quiz.Drafter) appOption {
	return func(a *app) error { a.drafter = d; return nil }
}

func newApp(ctx context.Context, cfg config.Config, log zerolog.Logger, opts ...appOption) (*app, error) {
	a := &app{
		cfg:      cfg,
		log:      log,
		registry: prometheus.NewRegistry(),
		now:      time.Now,
	}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = newHTTPMetrics(a.registry)

	st, err := store.Open(ctx, cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	a.store = st
	a.auth = auth.NewManager(st, cfg.SessionTTL, cfg.TLS())

	if a.cert, err = loadCertTemplate(cfg.CertTemplate); err != nil {
		st.Close()
		return nil, err
	}

	for _, opt := range opts {
		if err := opt(a); err != nil {
			st.Close()
			return nil, err
		}
	}
	if a.fetcher == nil {
		if a.fetcher, err = safefetch.New(cfg.Fetch, a.fetcherDefaults()...); err != nil {
			st.Close()
			return nil, err
		}
	}
	a.scraper = scraper.New(a.fetcher)

	if a.drafter == nil {
		drafters := []quiz.Drafter{}
		if cfg.OpenAI.APIKey != "" {
			drafters = append(drafters, quiz.NewOpenAIDrafter(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Model, log))
		}
		drafters = append(drafters, quiz.FactDrafter{Seed: uint64(a.now().UnixNano())})
		a.drafter = quiz.Fallback{Drafters: drafters, Log: logging.Component(log, "quiz")}
	}
	return a, nil
}

func (a *app) fetcherDefaults() []safefetch.Option {
	return []safefetch.Option{
		safefetch.WithLogger(logging.Component(a.log, "safefetch")),
		safefetch.WithMetrics(safefetch.NewMetrics(a.registry)),
	}
}

func (a *app) Close() error { return a.store.Close() }

func loadCertTemplate(path string) (*cert.Template, error) {
	if path == "" {
		return cert.Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read certificate template: %w", err)
	}
	tpl, err := cert.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("certificate template %s: %w", path, err)
	}
	return tpl, nil
}

// bootstrap seeds the admin passcode and warns when login is impossible.
func (a *app) bootstrap(ctx context.Context) error {
	seeded, err := a.auth.Bootstrap(ctx, a.cfg.AdminPasscode)
	if err != nil {
		return fmt.Errorf("bootstrap passcode: %w", err)
	}
	if seeded {
		a.log.Info().Msg("admin passcode initialized from configuration")
		return nil
	}
	settings, err := a.store.GetSettings(ctx)
	if err != nil {
		return err
	}
	if settings.PasscodeHash == "" {
		a.log.Warn().Msg("no admin passcode configured; set ADMIN_PASSCODE to enable the admin API")
	}
	return nil
}

// purgeSessions removes expired sessions until ctx is done.
func (a *app) purgeSessions(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := a.store.PurgeExpiredSessions(ctx, a.now())
			if err != nil {
				a.log.Warn().Err(err).Msg("purge sessions")
				continue
			}
			if n > 0 {
				a.log.Debug().Int64("removed", n).Msg("purged expired sessions")
			}
		}
	}
}
