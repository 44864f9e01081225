package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"psp.com/tutorhub/internal/bundle"
	"psp.com/tutorhub/internal/config"
	"psp.com/tutorhub/internal/logging"
	"psp.com/tutorhub/internal/safefetch"
	"psp.com/tutorhub/internal/scraper"
)

var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	// load reads the configuration and opens the app for one command.
	load := func(ctx context.Context) (*app, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		log := logging.Setup(cfg.Log, os.Stderr)
		return newApp(ctx, cfg, log)
	}

	serve := func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		a, err := load(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		return a.serve(ctx)
	}

	cmd := &cobra.Command{
		Use:           "tutorhub",
		Short:         "Tutorial and quiz platform",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")

	cmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		Args:  cobra.NoArgs,
		RunE:  serve,
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "fetch <url>",
		Short: "Fetch a URL through the guarded fetcher and print the extracted text",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			log := logging.Setup(cfg.Log, os.Stderr)
			f, err := safefetch.New(cfg.Fetch, safefetch.WithLogger(log))
			if err != nil {
				return err
			}
			return runFetch(cmd.Context(), cmd.OutOrStdout(), scraper.New(f), args[0])
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "import <file>",
		Short: "Import a course bundle into the database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			b, err := bundle.Decode(f)
			if err != nil {
				return err
			}
			report, err := a.importBundle(cmd.Context(), b)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d modules (%d skipped, %d questions dropped, %d duplicates)\n",
				report.Modules, report.SkippedModules, report.DroppedQuestions, report.DuplicateQuestions)
			for _, w := range report.Warnings {
				fmt.Fprintln(cmd.OutOrStdout(), "warning:", w)
			}
			return nil
		},
	})

	var out string
	export := &cobra.Command{
		Use:   "export",
		Short: "Write every module as a course bundle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := load(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			w := cmd.OutOrStdout()
			if out != "" && out != "-" {
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			modules, err := a.store.ListModules(cmd.Context())
			if err != nil {
				return err
			}
			return bundle.Encode(w, bundle.Export(modules, a.now()))
		},
	}
	export.Flags().StringVarP(&out, "out", "o", "-", "Output file, - for stdout")
	cmd.AddCommand(export)

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tutorhub %s\n", version)
		},
	})
	return cmd
}

// runFetch prints the page title and text, or the fetch error kind and reason.
func runFetch(ctx context.Context, w io.Writer, s *scraper.Scraper, rawURL string) error {
	page, err := s.Scrape(ctx, rawURL)
	var fe *safefetch.Error
	if errors.As(err, &fe) {
		fmt.Fprintf(w, "fetch failed: %s", fe.Kind)
		if fe.Reason != "" {
			fmt.Fprintf(w, " (%s)", fe.Reason)
		}
		fmt.Fprintf(w, ": %s\n", fe.Error())
		return fe
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "# %s\n%s\n\n%s\n", page.Title, page.URL, page.Text)
	return nil
}

// importBundle cleans and stores a decoded course bundle.
func (a *app) importBundle(ctx context.Context, b bundle.Bundle) (bundle.Report, error) {
	modules, report := bundle.Prepare(b)
	if err := a.store.ImportModules(ctx, modules); err != nil {
		return report, err
	}
	a.log.Info().
		Int("modules", report.Modules).
		Int("skipped", report.SkippedModules).
		Int("dropped_questions", report.DroppedQuestions).
		Msg("bundle imported")
	return report, nil
}
