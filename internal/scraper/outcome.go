package scraper

import (
	"fmt"
	"time"
)

// Status values for agencies and whole runs.
const (
	StatusCompleted = "completed"
	StatusPartial   = "partial"
	StatusFailed    = "failed"
)

// AgencyCounts tallies the work done for one agency.
type AgencyCounts struct {
	Fetched   int `json:"fetched"`
	Extracted int `json:"extracted"`
	Inserted  int `json:"inserted"`
	Updated   int `json:"updated"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
	Filtered  int `json:"filtered"`
}

// AgencyResult is the outcome of one agency's traversal.
type AgencyResult struct {
	Status string       `json:"status"`
	Counts AgencyCounts `json:"counts"`
	Error  string       `json:"error,omitempty"`
}

// FailureRecord describes one contained failure.
type FailureRecord struct {
	Agency string `json:"agency"`
	Page   string `json:"page"`
	Kind   string `json:"kind"`
	Error  string `json:"error"`
}

// AgencyError is the per-agency error summary returned to callers.
type AgencyError struct {
	Agency string `json:"agency"`
	Error  string `json:"error"`
}

// ScrapeOutcome aggregates a whole request. It is returned, never persisted.
type ScrapeOutcome struct {
	Status            string                  `json:"status"`
	Scope             string                  `json:"scope"`
	StartDate         string                  `json:"start_date"`
	EndDate           string                  `json:"end_date"`
	ArticlesScraped   int                     `json:"articles_scraped"`
	ArticlesSaved     int                     `json:"articles_saved"`
	AgenciesProcessed []string                `json:"agencies_processed"`
	Errors            []AgencyError           `json:"errors"`
	Message           string                  `json:"message"`
	Agencies          map[string]AgencyResult `json:"agencies"`
	Failures          []FailureRecord         `json:"failures"`
	StartedAt         time.Time               `json:"started_at"`
	FinishedAt        time.Time               `json:"finished_at"`
}

// summarize fills the aggregate fields from the per-agency results.
func (o *ScrapeOutcome) summarize(order []string) {
	o.AgenciesProcessed = []string{}
	o.Errors = []AgencyError{}
	failed := 0
	for _, key := range order {
		res := o.Agencies[key]
		o.ArticlesScraped += res.Counts.Extracted
		o.ArticlesSaved += res.Counts.Inserted + res.Counts.Updated
		switch res.Status {
		case StatusFailed:
			failed++
			o.Errors = append(o.Errors, AgencyError{Agency: key, Error: res.Error})
		case StatusPartial:
			o.AgenciesProcessed = append(o.AgenciesProcessed, key)
			o.Errors = append(o.Errors, AgencyError{Agency: key, Error: res.Error})
		default:
			o.AgenciesProcessed = append(o.AgenciesProcessed, key)
		}
	}
	if o.Failures == nil {
		o.Failures = []FailureRecord{}
	}
	switch {
	case len(order) > 0 && failed == len(order):
		o.Status = StatusFailed
		o.Message = fmt.Sprintf("All %d agencies failed", failed)
	case len(o.Errors) > 0:
		o.Status = StatusPartial
		o.Message = fmt.Sprintf("Completed with %d error(s)", len(o.Errors))
	default:
		o.Status = StatusCompleted
		o.Message = fmt.Sprintf("Scraping completed: %d article(s) saved", o.ArticlesSaved)
	}
}
