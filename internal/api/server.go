// Package api provides the HTTP REST API for the AV control core.
//
// It exposes operation execution, persisted operation history, and
// per-device connection status to venue tooling. The server follows the
// same lifecycle pattern as other infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple
// goroutines.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dfultonthebar/av-control-core/internal/connection"
	"github.com/dfultonthebar/av-control-core/internal/infrastructure/config"
	"github.com/dfultonthebar/av-control-core/internal/infrastructure/database"
	"github.com/dfultonthebar/av-control-core/internal/infrastructure/logging"
	"github.com/dfultonthebar/av-control-core/internal/infrastructure/mqtt"
	"github.com/dfultonthebar/av-control-core/internal/sequence"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight
// requests to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// OperationRunner executes sequenced operations. sequence.Runner
// satisfies this.
type OperationRunner interface {
	Run(ctx context.Context, kind string, output int) sequence.Result
	RunBatch(ctx context.Context, kind string, outputs []int) []sequence.Result
}

// DeviceManager exposes per-device connection control. connection.Manager
// satisfies this.
type DeviceManager interface {
	Send(ctx context.Context, address string, payload []byte) ([]byte, error)
	Status(address string) (connection.Status, error)
	Statuses() []connection.Status
	Reset(address string)
}

// ResultStore reads persisted operation results. sequence.SQLiteRepository
// satisfies this.
type ResultStore interface {
	Recent(ctx context.Context, limit int) ([]sequence.Result, error)
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config      config.APIConfig
	Logger      *logging.Logger
	Runner      OperationRunner
	Connections DeviceManager
	Results     ResultStore
	DB          *database.DB // optional: surfaced in /api/metrics
	MQTT        *mqtt.Client // optional: surfaced in /api/metrics
	Version     string
}

// Server is the HTTP API server for the AV control core.
type Server struct {
	cfg         config.APIConfig
	logger      *logging.Logger
	runner      OperationRunner
	connections DeviceManager
	results     ResultStore
	db          *database.DB
	mqtt        *mqtt.Client
	version     string
	startTime   time.Time
	server      *http.Server
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Runner == nil {
		return nil, fmt.Errorf("operation runner is required")
	}
	if deps.Connections == nil {
		return nil, fmt.Errorf("connection manager is required")
	}
	// Results is optional — history endpoints report empty without it.

	return &Server{
		cfg:         deps.Config,
		logger:      deps.Logger,
		runner:      deps.Runner,
		connections: deps.Connections,
		results:     deps.Results,
		db:          deps.DB,
		mqtt:        deps.MQTT,
		version:     deps.Version,
		startTime:   time.Now(),
	}, nil
}

// Start begins listening for HTTP connections in a background goroutine.
// The server can be stopped with Close().
func (s *Server) Start(_ context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		s.logger.Info("API server starting", "address", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server. It waits up to 10 seconds
// for in-flight requests to complete, then forcefully closes remaining
// connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}
