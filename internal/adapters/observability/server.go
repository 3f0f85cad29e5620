package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/luna-badge/taskcore/internal/domain"
	"github.com/luna-badge/taskcore/internal/ports"
	"github.com/luna-badge/taskcore/internal/xjson"
)

// Server exposes health, runtime status and execution counters over HTTP
// for a companion app or a debugging laptop on the same network.
type Server struct {
	cfg       domain.ObservabilityConfig
	provider  ports.StatusProvider
	logger    *slog.Logger
	startTime time.Time

	mu   sync.Mutex
	addr net.Addr
}

type HealthResponse struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Uptime     string            `json:"uptime"`
	Components map[string]string `json:"components,omitempty"`
	Error      string            `json:"error,omitempty"`
}

type MetricsResponse struct {
	Timestamp   time.Time               `json:"timestamp"`
	System      SystemMetrics           `json:"system"`
	Application domain.ExecutionMetrics `json:"application"`
}

type SystemMetrics struct {
	GoVersion    string        `json:"go_version"`
	NumGoroutine int           `json:"num_goroutine"`
	HeapAlloc    uint64        `json:"heap_alloc_bytes"`
	HeapObjects  uint64        `json:"heap_objects"`
	NumGC        uint32        `json:"gc_cycles"`
	PID          int           `json:"pid"`
	Uptime       time.Duration `json:"uptime_ns"`
}

func NewServer(cfg domain.ObservabilityConfig, provider ports.StatusProvider, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := domain.DefaultObservabilityConfig()
	if cfg.Addr == "" {
		cfg.Addr = defaults.Addr
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaults.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	return &Server{
		cfg:       cfg,
		provider:  provider,
		logger:    logger.With("component", "status-server"),
		startTime: time.Now(),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /live", s.handleLive)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("GET /metrics/prometheus", s.handlePrometheusMetrics)
	return s.withLogging(mux)
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("status server listen on %s: %w", s.cfg.Addr, err)
	}
	s.mu.Lock()
	s.addr = listener.Addr()
	s.mu.Unlock()

	server := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(listener)
	}()
	s.logger.Info("status server listening", "addr", listener.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.logger.Info("shutting down status server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

// Addr is the bound address once Run is listening, nil before.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.provider.Health()
	response := HealthResponse{
		Status:     "ok",
		Timestamp:  time.Now(),
		Uptime:     time.Since(s.startTime).String(),
		Components: health.Details,
	}
	status := http.StatusOK
	if !health.Healthy {
		response.Status = "unhealthy"
		response.Error = health.Error
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, response)
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("live"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.provider.Status())
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, MetricsResponse{
		Timestamp:   time.Now(),
		System:      s.collectSystemMetrics(),
		Application: s.provider.Metrics(),
	})
}

func (s *Server) handlePrometheusMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	system := s.collectSystemMetrics()
	writeSample(w, "taskcore_uptime_seconds", "gauge", "Time since the runtime started", int64(system.Uptime.Seconds()))
	writeSample(w, "taskcore_go_goroutines", "gauge", "Number of goroutines", int64(system.NumGoroutine))
	writeSample(w, "taskcore_go_heap_alloc_bytes", "gauge", "Heap bytes allocated", int64(system.HeapAlloc))

	for _, sample := range counterSamples(s.provider.Metrics()) {
		writeSample(w, sample.name, "counter", sample.help, sample.value)
	}
}

type sample struct {
	name  string
	help  string
	value int64
}

func counterSamples(m domain.ExecutionMetrics) []sample {
	return []sample{
		{"taskcore_graphs_started_total", "Task graphs started", m.GraphsStarted},
		{"taskcore_graphs_completed_total", "Task graphs completed", m.GraphsCompleted},
		{"taskcore_graphs_failed_total", "Task graphs that ended in error", m.GraphsFailed},
		{"taskcore_graphs_cancelled_total", "Task graphs cancelled", m.GraphsCancelled},
		{"taskcore_nodes_executed_total", "Nodes executed", m.NodesExecuted},
		{"taskcore_nodes_failed_total", "Nodes that failed", m.NodesFailed},
		{"taskcore_nodes_timed_out_total", "Nodes that timed out", m.NodesTimedOut},
		{"taskcore_nodes_mocked_total", "Nodes run without a collaborator", m.NodesMocked},
		{"taskcore_fallbacks_total", "Fallback actions run", m.FallbacksRun},
		{"taskcore_insertions_started_total", "Inserted tasks started", m.InsertionsStarted},
		{"taskcore_insertions_rejected_total", "Insertions rejected", m.InsertionsRejected},
		{"taskcore_failsafe_triggers_total", "Failsafe activations", m.FailsafeTriggers},
	}
}

func writeSample(w http.ResponseWriter, name, kind, help string, value int64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, kind)
	fmt.Fprintf(w, "%s %d\n", name, value)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := xjson.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("status response not written", "error", err)
	}
}

func (s *Server) collectSystemMetrics() SystemMetrics {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return SystemMetrics{
		GoVersion:    runtime.Version(),
		NumGoroutine: runtime.NumGoroutine(),
		HeapAlloc:    m.HeapAlloc,
		HeapObjects:  m.HeapObjects,
		NumGC:        m.NumGC,
		PID:          os.Getpid(),
		Uptime:       time.Since(s.startTime),
	}
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration", time.Since(start),
			"remote_addr", r.RemoteAddr)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
