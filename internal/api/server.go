// Package api serves the operational HTTP surface for a running crawl:
// health, Prometheus metrics and a queue status snapshot.
package api

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/JakeFAU/webspider/internal/crawler"
	"github.com/JakeFAU/webspider/internal/metrics"
	"github.com/JakeFAU/webspider/internal/queue"
)

// Server exposes the status endpoints for one crawler instance.
type Server struct {
	engine *crawler.Crawler
	logger *zap.Logger
}

// NewServer builds a Server around the engine.
func NewServer(engine *crawler.Crawler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{engine: engine, logger: logger}
}

// Router assembles the chi routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Get("/status", s.handleStatus)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// statusResponse is the JSON shape returned by /status.
type statusResponse struct {
	RunID          string         `json:"run_id"`
	Running        bool           `json:"running"`
	Host           string         `json:"host"`
	QueueLength    int            `json:"queue_length"`
	Completed      int            `json:"completed"`
	OpenRequests   int            `json:"open_requests"`
	StatusCounts   map[string]int `json:"status_counts"`
	AvgRequestMs   float64        `json:"avg_request_ms"`
	MaxDownloadMs  float64        `json:"max_download_ms"`
	TotalBodyBytes float64        `json:"total_body_bytes,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	q := s.engine.Queue()
	resp := statusResponse{
		RunID:        s.engine.RunID().String(),
		Running:      s.engine.Running(),
		Host:         s.engine.Host(),
		OpenRequests: s.engine.OpenRequests(),
		StatusCounts: make(map[string]int),
	}

	var err error
	if resp.QueueLength, err = q.Length(ctx); err != nil {
		s.fail(w, "queue length", err)
		return
	}
	if resp.Completed, err = q.CountCompleted(ctx); err != nil {
		s.fail(w, "queue completed count", err)
		return
	}
	for _, status := range []queue.Status{
		queue.StatusQueued, queue.StatusSpooled, queue.StatusHeaders,
		queue.StatusDownloaded, queue.StatusRedirected, queue.StatusNotFound,
		queue.StatusFailed, queue.StatusTimeout, queue.StatusDisallowed,
		queue.StatusDownloadPrevented,
	} {
		count, countErr := q.CountItems(ctx, queue.Comparator{"status": status})
		if countErr != nil {
			s.fail(w, "queue status count", countErr)
			return
		}
		if count > 0 {
			resp.StatusCounts[string(status)] = count
		}
	}
	// Aggregates are best-effort; an empty crawl yields NaN for averages,
	// which JSON cannot carry.
	if avg, avgErr := q.Avg(ctx, "requestTime"); avgErr == nil && !math.IsNaN(avg) {
		resp.AvgRequestMs = avg
	}
	if max, maxErr := q.Max(ctx, "downloadTime"); maxErr == nil {
		resp.MaxDownloadMs = max
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("write status response", zap.Error(err))
	}
}

func (s *Server) fail(w http.ResponseWriter, action string, err error) {
	s.logger.Error("status endpoint failed", zap.String("action", action), zap.Error(err))
	http.Error(w, "internal error", http.StatusInternalServerError)
}
