package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"strconv"

	"github.com/itstheanurag/haskbot/internal/config"
	"github.com/itstheanurag/haskbot/internal/executor"
	"github.com/itstheanurag/haskbot/internal/languages"
	"github.com/itstheanurag/haskbot/internal/limiter"
	"github.com/itstheanurag/haskbot/internal/queue"
	"github.com/itstheanurag/haskbot/internal/report"
	"github.com/itstheanurag/haskbot/internal/worker"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const (
	maxRequestBytes    = 64 << 10
	defaultRecentLimit = 20
	maxRecentLimit     = 200
)

type Executor interface {
	Execute(ctx context.Context, req executor.Request) worker.Response
}

// History lists recent execution reports.
type History interface {
	Recent(ctx context.Context, limit int) ([]report.Report, error)
}

type ExecutionRequest struct {
	Language   string `json:"language"`
	SourceCode string `json:"source_code"`
}

type ExecutionResponse struct {
	RequestID string `json:"request_id,omitempty"`
	Kind      string `json:"kind"`
	Text      string `json:"text"`
	Stdout    string `json:"stdout,omitempty"`
	Stderr    string `json:"stderr,omitempty"`
	Status    string `json:"status,omitempty"`
	ExitCode  int    `json:"exit_code"`
	Truncated bool   `json:"truncated"`
}

type Server struct {
	conf       config.ServerConfig
	logger     *zerolog.Logger
	httpServer *http.Server
	exec       Executor
	registry   *languages.Registry
	history    History
	clientIPs  *limiter.ClientIPs
}

// New builds the HTTP surface. history may be nil, in which case
// /executions is not served.
func New(
	conf config.ServerConfig,
	exec Executor,
	registry *languages.Registry,
	history History,
	logger *zerolog.Logger,
) *Server {
	var trusted []netip.Prefix
	for _, proxy := range conf.TrustedProxies {
		prefix, err := config.ParseTrustedProxy(proxy)
		if err != nil {
			logger.Warn().Err(err).Msg("ignoring trusted proxy")
			continue
		}
		trusted = append(trusted, prefix)
	}

	s := &Server{
		conf:      conf,
		logger:    logger,
		exec:      exec,
		registry:  registry,
		history:   history,
		clientIPs: limiter.NewClientIPs(trusted),
	}

	s.httpServer = &http.Server{
		Addr:         ":" + conf.Port,
		Handler:      s.Handler(),
		ReadTimeout:  conf.ReadTimeout,
		WriteTimeout: conf.WriteTimeout,
		IdleTimeout:  conf.IdleTimeout,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// health check
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// Prometheus metrics endpoint
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /languages", s.languages)
	mux.HandleFunc("POST /execute", s.execute)
	if s.history != nil {
		mux.HandleFunc("GET /executions", s.executions)
	}

	return mux
}

func (s *Server) Start() error {
	s.logger.Info().
		Str("port", s.conf.Port).
		Msg("starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("shutting down HTTP server")

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

func (s *Server) execute(w http.ResponseWriter, r *http.Request) {
	var req ExecutionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Language == "" {
		req.Language = "haskell"
	}
	if _, err := s.registry.Get(req.Language); err != nil {
		http.Error(w, "Unsupported language", http.StatusBadRequest)
		return
	}

	execReq := executor.NewRequest(req.Language, req.SourceCode, "ip:"+s.clientIPs.ClientIP(r))
	resp := s.exec.Execute(r.Context(), execReq)

	out := ExecutionResponse{
		RequestID: execReq.ID,
		Text:      resp.Payload.Text,
	}
	code := http.StatusOK

	switch {
	case errors.Is(resp.Err, limiter.ErrRateLimited):
		out.Kind = "rate_limited"
		code = http.StatusTooManyRequests
	case errors.Is(resp.Err, queue.ErrQueueTimeout), errors.Is(resp.Err, worker.ErrShuttingDown):
		out.Kind = "busy"
		code = http.StatusServiceUnavailable
	case resp.Err != nil:
		out.Kind = "cancelled"
		code = http.StatusServiceUnavailable
	default:
		o := resp.Outcome
		out.Kind = o.Kind.String()
		out.Truncated = o.Truncated
		out.Stdout = o.Stdout
		if o.Kind == executor.KindCompileError {
			out.Stderr = o.Diagnostics
		}
		if o.Result != nil {
			out.Status = o.Result.Status.String()
			out.ExitCode = o.Result.ExitCode
			if o.Kind == executor.KindRuntimeError {
				out.Stdout = o.Result.Stdout
				out.Stderr = o.Result.Stderr
			}
		}
	}

	writeJSON(w, code, out, s.logger)
}

func (s *Server) languages(w http.ResponseWriter, r *http.Request) {
	type language struct {
		ID      string   `json:"id"`
		Name    string   `json:"name"`
		Aliases []string `json:"aliases,omitempty"`
	}
	var out []language
	for _, l := range s.registry.List() {
		out = append(out, language{ID: l.ID, Name: l.Name, Aliases: l.Aliases})
	}
	writeJSON(w, http.StatusOK, out, s.logger)
}

func (s *Server) executions(w http.ResponseWriter, r *http.Request) {
	limit := defaultRecentLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, maxRecentLimit)
	}

	reports, err := s.history.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list executions")
		http.Error(w, "Failed to list executions", http.StatusInternalServerError)
		return
	}
	if reports == nil {
		reports = []report.Report{}
	}
	writeJSON(w, http.StatusOK, reports, s.logger)
}

func writeJSON(w http.ResponseWriter, code int, v any, logger *zerolog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn().Err(err).Msg("failed to write response")
	}
}
