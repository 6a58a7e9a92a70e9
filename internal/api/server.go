package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dunamismax/tileforge/internal/domain"
	"github.com/dunamismax/tileforge/internal/id"
	"github.com/dunamismax/tileforge/internal/registry"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

type Server struct {
	logger                zerolog.Logger
	registry              registry.Registry
	rateLimiter           RateLimiter
	rateLimitUserIDHeader string
	tracer                trace.Tracer
	metrics               *metrics
	now                   func() time.Time
	mux                   *http.ServeMux
}

type Options struct {
	RateLimiter  RateLimiter
	UserIDHeader string
	Tracer       trace.Tracer
}

func NewServer(logger zerolog.Logger, reg registry.Registry, opts Options) *Server {
	header := opts.UserIDHeader
	if header == "" {
		header = "X-User-ID"
	}

	s := &Server{
		logger:                logger.With().Str("component", "api").Logger(),
		registry:              reg,
		rateLimiter:           opts.RateLimiter,
		rateLimitUserIDHeader: header,
		tracer:                opts.Tracer,
		metrics:               newMetrics(),
		now:                   func() time.Time { return time.Now().UTC() },
		mux:                   http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.withTracing(s.metrics.withHTTPMetrics(s.withRateLimit(s.mux)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler())
	s.mux.HandleFunc("POST /v1/jobs", s.handleCreateJob)
	s.mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetJob)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type jobView struct {
	ID           string           `json:"job_id"`
	Status       domain.JobStatus `json:"status"`
	CanvasWidth  int              `json:"canvas_width"`
	CanvasHeight int              `json:"canvas_height"`
	Scale        float64          `json:"scale"`
	TileMode     domain.TileMode  `json:"tile_mode"`
	Engine       domain.Engine    `json:"engine"`
	FinalURL     string           `json:"final_url,omitempty"`
	Error        string           `json:"error,omitempty"`
	Tiles        *tileProgress    `json:"tiles,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

type tileProgress struct {
	Total    int                       `json:"total"`
	Complete int                       `json:"complete"`
	Failed   int                       `json:"failed"`
	ByStatus map[domain.TileStatus]int `json:"by_status"`
}

func newJobView(job domain.Job) jobView {
	return jobView{
		ID:           job.ID,
		Status:       job.Status,
		CanvasWidth:  job.CanvasWidth,
		CanvasHeight: job.CanvasHeight,
		Scale:        job.Scale,
		TileMode:     job.TileMode,
		Engine:       job.Engine,
		FinalURL:     job.FinalURL,
		Error:        job.Error,
		CreatedAt:    job.CreatedAt,
		UpdatedAt:    job.UpdatedAt,
	}
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	job, err := domain.NewJob(id.New(), req, s.now())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	if err := s.registry.CreateJob(r.Context(), job); err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("create job failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to create job"})
		return
	}

	s.logger.Info().Str("job_id", job.ID).Str("tile_mode", string(job.TileMode)).Msg("job accepted")
	s.metrics.jobsCreated.WithLabelValues(string(job.TileMode)).Inc()
	writeJSON(w, http.StatusAccepted, newJobView(job))
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	job, err := s.registry.GetJob(r.Context(), jobID)
	if errors.Is(err, registry.ErrJobNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("fetch job failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load job"})
		return
	}

	view := newJobView(job)
	counts, err := s.tileCounts(r.Context(), job.ID)
	if err != nil {
		s.logger.Warn().Err(err).Str("job_id", jobID).Msg("count tiles failed")
	} else if counts.Total() > 0 {
		view.Tiles = &tileProgress{
			Total:    counts.Total(),
			Complete: counts.Complete(),
			Failed:   counts.Failed(),
			ByStatus: counts,
		}
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) tileCounts(ctx context.Context, jobID string) (registry.TileCounts, error) {
	return s.registry.CountTilesByStatus(ctx, jobID)
}

func decodeJSON(r *http.Request, into any) error {
	const maxBodyBytes = 1 << 20
	limited := io.LimitReader(r.Body, maxBodyBytes)
	decoder := json.NewDecoder(limited)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
