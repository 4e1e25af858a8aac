// Package cmd defines the CLI commands of the govbr-news-scraper executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/destaquesgovbr/govbr-news-scraper/internal/config"
	"github.com/destaquesgovbr/govbr-news-scraper/internal/scraper"
	"github.com/destaquesgovbr/govbr-news-scraper/internal/server"
)

// appKeyType is the key for storing the App in the command context.
type appKeyType string

const appKey appKeyType = "app"

// App is what the commands need from the wired application. Tests inject a fake.
type App interface {
	Close()
	Logger() *zap.Logger
	Run(ctx context.Context) error
	Scrape(ctx context.Context, scope string, params scraper.RequestParams) (scraper.ScrapeOutcome, error)
}

// newApp is the application factory. It is a variable so tests can replace it.
var newApp = func(ctx context.Context, cfgPath string) (App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	return server.Build(ctx, &cfg)
}

// newRootCmd builds the command tree. The returned func closes the application
// once a command has run, whether or not it failed.
func newRootCmd() (*cobra.Command, func()) {
	var (
		cfgFile string
		built   App
	)
	cmd := &cobra.Command{
		Use:   "govbr-news-scraper",
		Short: "Scrapes news from gov.br agencies and EBC outlets.",
		Long: `govbr-news-scraper collects articles published by Brazilian federal
agencies on gov.br and by the EBC outlets, stores them in Postgres and
announces new articles as events.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			built = appInstance
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); SCRAPER_* environment variables override it")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newScrapeCmd())
	return cmd, func() {
		if built != nil {
			built.Close()
		}
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	root, closeApp := newRootCmd()
	err := root.ExecuteContext(context.Background())
	closeApp()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
