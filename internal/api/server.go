package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/destaquesgovbr/govbr-news-scraper/internal/config"
	"github.com/destaquesgovbr/govbr-news-scraper/internal/metrics"
	"github.com/destaquesgovbr/govbr-news-scraper/internal/scraper"
)

// maxBodyBytes caps scrape request bodies.
const maxBodyBytes = 1 << 20

// Runner executes one scrape request for a registry.
type Runner interface {
	Scope() string
	Run(ctx context.Context, params scraper.RequestParams) (scraper.ScrapeOutcome, error)
}

// Pinger reports storage readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options wires the server's collaborators.
type Options struct {
	Agencies Runner
	EBC      Runner
	Store    Pinger
	Auth     config.AuthConfig
}

// Server wires HTTP handlers to the scrape coordinators.
type Server struct {
	router chi.Router
	opts   Options
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{opts: opts, logger: logger.Named("api")}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)

	r.Get("/health", s.health)
	r.Get("/healthz", s.health)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		if opts.Auth.Enabled {
			r.Use(apiKeyMiddleware(opts.Auth.APIKey))
		}
		r.Post("/scrape/agencies", s.scrapeHandler(opts.Agencies, true))
		r.Post("/scrape/ebc", s.scrapeHandler(opts.EBC, false))
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.opts.Store == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	if err := s.opts.Store.Ping(ctx); err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// scrapeRequest is the JSON body of the scrape endpoints. Sequential defaults to true.
type scrapeRequest struct {
	StartDate   string   `json:"start_date"`
	EndDate     string   `json:"end_date"`
	Agencies    []string `json:"agencies"`
	AllowUpdate bool     `json:"allow_update"`
	Sequential  *bool    `json:"sequential"`
}

func (req scrapeRequest) params() scraper.RequestParams {
	sequential := true
	if req.Sequential != nil {
		sequential = *req.Sequential
	}
	return scraper.RequestParams{
		StartDate:   req.StartDate,
		EndDate:     req.EndDate,
		Agencies:    req.Agencies,
		AllowUpdate: req.AllowUpdate,
		Sequential:  sequential,
	}
}

// scrapeHandler serves one scope. Scopes with a fixed agency set ignore the
// agencies field.
func (s *Server) scrapeHandler(runner Runner, selectable bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if runner == nil {
			writeError(w, http.StatusServiceUnavailable, "scraper is not configured")
			return
		}
		var req scrapeRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}

		logger := s.logger.With(zap.String("scope", runner.Scope()), zap.String("request_id", RequestID(r.Context())))
		if !selectable && len(req.Agencies) > 0 {
			logger.Warn("agencies ignored for fixed scope", zap.Strings("agencies", req.Agencies))
			req.Agencies = nil
		}
		logger.Info("scrape requested",
			zap.String("start_date", req.StartDate),
			zap.String("end_date", req.EndDate),
			zap.Strings("agencies", req.Agencies),
			zap.Bool("allow_update", req.AllowUpdate),
		)

		outcome, err := runner.Run(r.Context(), req.params())
		var validationErr *scraper.ValidationError
		switch {
		case errors.As(err, &validationErr):
			writeError(w, http.StatusBadRequest, validationErr.Error())
		case errors.Is(err, scraper.ErrStorageUnavailable):
			logger.Error("scrape aborted", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, outcome)
		case err != nil:
			logger.Error("scrape failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, err.Error())
		default:
			logger.Info("scrape finished",
				zap.String("status", outcome.Status),
				zap.Int("articles_scraped", outcome.ArticlesScraped),
				zap.Int("articles_saved", outcome.ArticlesSaved),
			)
			writeJSON(w, http.StatusOK, outcome)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
