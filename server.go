package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"psp.com/tutorhub/internal/auth"
	"psp.com/tutorhub/internal/logging"
)

func (a *app) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(a.log))
	r.Use(middleware.Recoverer)
	r.Use(a.metrics.middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   a.cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", auth.CSRFHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(securityHeaders)
	if a.cfg.RateLimitPerMinute > 0 {
		r.Use(newRateLimiter(a.cfg.RateLimitPerMinute).middleware)
	}

	r.Get("/healthz", a.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	r.Handle("/uploads/*", http.StripPrefix("/uploads/", uploadsHandler(a.cfg.UploadDir)))

	r.Route("/api", func(r chi.Router) {
		r.Get("/site", a.handleSite)
		r.Get("/modules", a.handleListModules)
		r.Get("/modules/{id}", a.handleGetModule)
		r.Get("/modules/{id}/quiz", a.handleGetQuiz)
		r.Post("/quiz-submit", a.handleQuizSubmit)
		r.Get("/certificate/{attemptID}", a.handleCertificate)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/login", a.handleLogin)
			r.Post("/logout", a.handleLogout)

			r.Group(func(r chi.Router) {
				r.Use(a.auth.RequireAdmin)
				r.Use(a.auth.RequireCSRF)

				r.Get("/session", a.handleSession)
				r.Get("/modules", a.handleAdminListModules)
				r.Post("/modules", a.handleCreateModule)
				r.Put("/modules/{id}", a.handleUpdateModule)
				r.Delete("/modules/{id}", a.handleDeleteModule)
				r.Put("/modules/{id}/quiz", a.handleSetQuiz)
				r.Post("/uploads", a.handleUpload)
				r.Get("/settings", a.handleGetSettings)
				r.Put("/settings", a.handleSaveSettings)
				r.Post("/scrape-url", a.handleScrapeURL)
				r.Get("/export", a.handleExport)
				r.Post("/import", a.handleImport)
			})
		})
	})
	return r
}

// uploadsHandler serves files from dir without directory listings.
func uploadsHandler(dir string) http.Handler {
	fs := http.FileServer(http.Dir(dir))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "" || strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Cache-Control", "public, max-age=86400")
		fs.ServeHTTP(w, r)
	})
}

func (a *app) serve(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Clean(a.cfg.UploadDir), 0o755); err != nil {
		return err
	}
	if err := a.bootstrap(ctx); err != nil {
		return err
	}
	go a.purgeSessions(ctx, time.Hour)

	srv := &http.Server{
		Addr:              ":" + a.cfg.Port,
		Handler:           a.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		if a.cfg.TLS() {
			a.log.Info().Str("addr", srv.Addr).Msg("listening (HTTPS)")
			errCh <- srv.ListenAndServeTLS(a.cfg.TLSCert, a.cfg.TLSKey)
		} else {
			a.log.Info().Str("addr", srv.Addr).Msg("listening (HTTP)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	a.log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
