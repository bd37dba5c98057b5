package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/evmts/smithers-go/config"
	"github.com/evmts/smithers-go/engine"
	"github.com/evmts/smithers-go/internal/metrics"
	"github.com/evmts/smithers-go/internal/server"
	"github.com/evmts/smithers-go/store"
)

// Reader is the read slice of the persistence surface the operator API
// serves. Both the relational store and the Mongo store satisfy it.
type Reader interface {
	ListExecutions(ctx context.Context, limit int) ([]*store.Execution, error)
	Execution(ctx context.Context, id string) (*store.Execution, error)
	Frames(ctx context.Context, executionID string) ([]*store.Frame, error)
	LatestFrame(ctx context.Context, executionID string) (*store.Frame, error)
	StateSnapshot(ctx context.Context, executionID string) (map[string]json.RawMessage, error)
	StateHistory(ctx context.Context, executionID, key string) ([]*store.StateTransition, error)
}

var (
	_ Reader = (*store.Store)(nil)
	_ Reader = (*store.MongoStore)(nil)
)

// runLister is probed on the Reader; the agent-run endpoint appears only
// when the backing store records runs.
type runLister interface {
	AgentRuns(ctx context.Context, executionID string) ([]*store.AgentRun, error)
}

// Runner accepts submitted programs. *engine.Engine satisfies it.
type Runner interface {
	Run(ctx context.Context, program engine.Program) (*engine.Outcome, error)
}

var _ Runner = (*engine.Engine)(nil)

// Options configures a Server.
type Options struct {
	// Config tunes the listener, auth, and origins.
	Config config.ServerConfig

	// Store serves the read endpoints. Required.
	Store Reader

	// Runner executes submitted plans. The submission endpoint appears
	// only when set.
	Runner Runner

	// Hub fans events to WebSocket subscribers. Optional; sharing one
	// lets an engine publish to the same hub the server serves. A new
	// hub is created when nil.
	Hub *Hub

	// Metrics backs /metrics-adjacent counters. Optional.
	Metrics *metrics.Collector

	// Health is an extra readiness probe, e.g. a store ping. Optional.
	Health func(ctx context.Context) error

	Logger *zap.Logger
}

// Server is the operator HTTP/WebSocket server. It implements
// engine.Sink so engine events stream to connected inspectors.
type Server struct {
	cfg     config.ServerConfig
	reader  Reader
	runs    runLister
	runner  Runner
	metrics *metrics.Collector
	health  func(ctx context.Context) error
	hub     *Hub
	logger  *zap.Logger
	manager *server.Manager
}

var _ engine.Sink = (*Server)(nil)

// NewServer assembles routes, middleware, and the listener manager.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "api"))

	hub := opts.Hub
	if hub == nil {
		hub = NewHub(opts.Config.AllowedOrigins, opts.Metrics, logger)
	}
	s := &Server{
		cfg:     opts.Config,
		reader:  opts.Store,
		runner:  opts.Runner,
		metrics: opts.Metrics,
		health:  opts.Health,
		hub:     hub,
		logger:  logger,
	}
	if rl, ok := opts.Store.(runLister); ok {
		s.runs = rl
	}

	s.manager = server.NewManager(s.handler(), server.Config{
		Addr:            opts.Config.Addr(),
		ReadTimeout:     opts.Config.ReadTimeout,
		WriteTimeout:    opts.Config.WriteTimeout,
		IdleTimeout:     opts.Config.IdleTimeout,
		MaxHeaderBytes:  1 << 20,
		MaxConns:        opts.Config.MaxConns,
		ShutdownTimeout: opts.Config.ShutdownTimeout,
	}, logger)
	return s
}

func (s *Server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /api/executions", s.handleListExecutions)
	if s.runner != nil {
		mux.HandleFunc("POST /api/executions", s.handleSubmit)
	}
	mux.HandleFunc("GET /api/executions/{id}", s.handleExecution)
	mux.HandleFunc("GET /api/executions/{id}/frames", s.handleFrames)
	mux.HandleFunc("GET /api/executions/{id}/frames/latest", s.handleLatestFrame)
	mux.HandleFunc("GET /api/executions/{id}/state", s.handleState)
	mux.HandleFunc("GET /api/executions/{id}/history", s.handleHistory)
	if s.runs != nil {
		mux.HandleFunc("GET /api/executions/{id}/runs", s.handleRuns)
	}
	mux.Handle("GET /ws", s.hub)

	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
	}
	if s.metrics != nil {
		middlewares = append(middlewares, Metrics(s.metrics))
	}
	if s.cfg.JWT.Secret != "" {
		skip := []string{"/healthz", "/readyz", "/metrics"}
		middlewares = append(middlewares, JWTAuth(s.cfg.JWT, skip, s.logger))
	}
	middlewares = append(middlewares, CORS(s.cfg.AllowedOrigins))

	return Chain(mux, middlewares...)
}

// Publish implements engine.Sink by forwarding to the WebSocket hub.
func (s *Server) Publish(ev engine.Event) {
	s.hub.Publish(ev)
}

// Hub exposes the event hub, mainly for tests.
func (s *Server) Hub() *Hub { return s.hub }

// Start begins serving in the background, with TLS when configured.
func (s *Server) Start() error {
	if s.cfg.TLS.Enabled() {
		return s.manager.StartTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}
	return s.manager.Start()
}

// Addr returns the bound listen address.
func (s *Server) Addr() string { return s.manager.Addr() }

// WaitForShutdown blocks until a shutdown signal or serve error.
func (s *Server) WaitForShutdown() { s.manager.WaitForShutdown() }

// Shutdown disconnects subscribers and drains the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.CloseAll()
	return s.manager.Shutdown(ctx)
}
