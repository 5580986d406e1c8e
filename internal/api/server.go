package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nerrad567/teleop-core/internal/command"
	"github.com/nerrad567/teleop-core/internal/device"
	"github.com/nerrad567/teleop-core/internal/eventlog"
	"github.com/nerrad567/teleop-core/internal/events"
	"github.com/nerrad567/teleop-core/internal/infrastructure/config"
	"github.com/nerrad567/teleop-core/internal/infrastructure/logging"
	"github.com/nerrad567/teleop-core/internal/session"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// healthCheckTimeout bounds each dependency check on /health.
const healthCheckTimeout = 2 * time.Second

// HealthChecker is implemented by infrastructure clients that can report
// their own health (database, MQTT, InfluxDB).
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config     config.APIConfig
	WS         config.WebSocketConfig
	Auth       config.AuthConfig
	Logger     *logging.Logger
	Bus        *events.Bus
	Registry   *device.Registry
	Sessions   *session.Manager
	Dispatcher *command.Dispatcher

	// EventLog backs GET /events and archived session queries. Optional.
	EventLog eventlog.Repository

	// Metrics is mounted at /metrics when set.
	Metrics http.Handler

	// Checks are reported by GET /health, keyed by component name.
	Checks map[string]HealthChecker

	Version string
}

// Server is the HTTP API server for teleop-core.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg        config.APIConfig
	wsCfg      config.WebSocketConfig
	auth       authenticator
	logger     *logging.Logger
	bus        *events.Bus
	registry   *device.Registry
	sessions   *session.Manager
	dispatcher *command.Dispatcher
	eventLog   eventlog.Repository
	metrics    http.Handler
	checks     map[string]HealthChecker
	version    string

	server   *http.Server
	hub      *Hub
	unrelay  events.Unsubscribe
	cancel   context.CancelFunc
	listener chan error
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called. The WebSocket hub is
// created here and relays bus events as soon as the server starts.
func New(deps Deps) (*Server, error) {
	switch {
	case deps.Logger == nil:
		return nil, fmt.Errorf("logger is required")
	case deps.Bus == nil:
		return nil, fmt.Errorf("event bus is required")
	case deps.Registry == nil:
		return nil, fmt.Errorf("device registry is required")
	case deps.Sessions == nil:
		return nil, fmt.Errorf("session manager is required")
	case deps.Dispatcher == nil:
		return nil, fmt.Errorf("command dispatcher is required")
	}

	s := &Server{
		cfg:        deps.Config,
		wsCfg:      deps.WS,
		auth:       newAuthenticator(deps.Auth),
		logger:     deps.Logger,
		bus:        deps.Bus,
		registry:   deps.Registry,
		sessions:   deps.Sessions,
		dispatcher: deps.Dispatcher,
		eventLog:   deps.EventLog,
		metrics:    deps.Metrics,
		checks:     deps.Checks,
		version:    deps.Version,
		listener:   make(chan error, 1),
	}
	s.hub = NewHub(s.wsCfg, s.logger)

	if s.auth.devMode() {
		s.logger.Warn("API running without JWT secret; trusting " + devUserHeader + " header")
	}
	return s, nil
}

// Start begins listening for HTTP connections.
//
// It starts the WebSocket hub, subscribes it to the event bus and launches
// the HTTP listener in a background goroutine. Listener failures are
// reported by Wait.
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	go s.hub.Run(srvCtx)
	s.unrelay = s.hub.Attach(s.bus)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", s.server.Addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
			s.listener <- err
		}
		close(s.listener)
	}()

	return nil
}

// Wait blocks until the listener stops and returns its error, if any.
func (s *Server) Wait() error {
	return <-s.listener
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	if s.unrelay != nil {
		s.unrelay()
	}
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}
