package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/destaquesgovbr/govbr-news-scraper/internal/clock/system"
	"github.com/destaquesgovbr/govbr-news-scraper/internal/scraper"
	"github.com/destaquesgovbr/govbr-news-scraper/internal/server"
)

// today is replaced in tests.
var today = func() time.Time { return system.New().Today(scraper.Brasilia) }

type scrapeFlags struct {
	start       string
	end         string
	agencies    []string
	allowUpdate bool
	sequential  bool
}

// newScrapeCmd runs one request without the HTTP server and prints the outcome as JSON.
func newScrapeCmd() *cobra.Command {
	var flags scrapeFlags
	cmd := &cobra.Command{
		Use:       "scrape (agencies|ebc)",
		Short:     "Runs one scrape request and prints its outcome",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{server.ScopeAgencies, server.ScopeEBC},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScrape(cmd, args[0], flags)
		},
	}
	cmd.Flags().StringVar(&flags.start, "start", "", "first day to scrape (YYYY-MM-DD); defaults to today in Brasília")
	cmd.Flags().StringVar(&flags.end, "end", "", "last day to scrape (YYYY-MM-DD); defaults to --start")
	cmd.Flags().StringSliceVar(&flags.agencies, "agencies", nil, "agency keys to scrape (agencies scope only); defaults to every active agency")
	cmd.Flags().BoolVar(&flags.allowUpdate, "allow-update", false, "overwrite stored articles whose content changed")
	cmd.Flags().BoolVar(&flags.sequential, "sequential", true, "scrape one agency at a time")
	return cmd
}

func runScrape(cmd *cobra.Command, scope string, flags scrapeFlags) error {
	if scope == server.ScopeEBC && len(flags.agencies) > 0 {
		return fmt.Errorf("--agencies applies only to the %s scope", server.ScopeAgencies)
	}
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	logger := appInstance.Logger()
	if flags.start == "" {
		flags.start = today().Format(scraper.DateLayout)
	}

	outcome, runErr := appInstance.Scrape(cmd.Context(), scope, scraper.RequestParams{
		StartDate:   flags.start,
		EndDate:     flags.end,
		Agencies:    flags.agencies,
		AllowUpdate: flags.allowUpdate,
		Sequential:  flags.sequential,
	})
	if outcome.Status != "" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(outcome); err != nil {
			return fmt.Errorf("encode outcome: %w", err)
		}
	}
	if runErr != nil {
		return fmt.Errorf("scrape %s: %w", scope, runErr)
	}
	logger.Info("scrape command finished",
		zap.String("scope", scope),
		zap.String("status", outcome.Status),
		zap.Int("articles_saved", outcome.ArticlesSaved),
	)
	if outcome.Status == scraper.StatusFailed {
		return fmt.Errorf("scrape %s failed: %s", scope, outcome.Message)
	}
	return nil
}
