package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/user/docscraper/internal/domain"
	"github.com/user/docscraper/internal/monitoring"
)

// ProgressSource reports the state of the running crawl.
type ProgressSource interface {
	Progress() domain.Progress
}

// Pinger is a backing service checked by the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RunLookup loads finished runs from the ledger.
type RunLookup interface {
	GetRun(ctx context.Context, runID string) (*domain.RunRecord, error)
}

// Server exposes metrics and run status over HTTP while a run is active.
type Server struct {
	addr       string
	router     http.Handler
	httpServer *http.Server
	progress   ProgressSource
	gatherer   prometheus.Gatherer
	services   map[string]Pinger
	runs       RunLookup
	notFound   error
	metrics    *monitoring.Metrics
	logger     *zap.Logger
}

// Option configures optional server dependencies.
type Option func(*Server)

// WithService adds a dependency to the health check under name.
func WithService(name string, p Pinger) Option {
	return func(s *Server) { s.services[name] = p }
}

// WithRuns serves /api/runs/{id} from l. notFound is the error l returns
// for unknown ids.
func WithRuns(l RunLookup, notFound error) Option {
	return func(s *Server) {
		s.runs = l
		s.notFound = notFound
	}
}

// WithMetrics records request counts and durations on m.
func WithMetrics(m *monitoring.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

func NewServer(addr string, progress ProgressSource, gatherer prometheus.Gatherer, logger *zap.Logger, opts ...Option) *Server {
	s := &Server{
		addr:     addr,
		progress: progress,
		gatherer: gatherer,
		services: make(map[string]Pinger),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.setupRouter()
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until Shutdown is called. It never returns http.ErrServerClosed.
func (s *Server) Start() error {
	s.logger.Info("status server listening", zap.String("addr", s.addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown is safe to call before or concurrently with Start; a later
// Start returns immediately.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
