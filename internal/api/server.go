package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aldcvd/deposition-core/internal/audit"
	"github.com/aldcvd/deposition-core/internal/infrastructure/config"
	"github.com/aldcvd/deposition-core/internal/infrastructure/logging"
	"github.com/aldcvd/deposition-core/internal/run"
)

// gracefulShutdownTimeout bounds how long Close waits for in-flight requests.
const gracefulShutdownTimeout = 10 * time.Second

// HealthChecker is implemented by the database, MQTT and InfluxDB clients.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps holds the dependencies of the API server.
type Deps struct {
	Config     config.APIConfig
	WS         config.WebSocketConfig
	Security   config.SecurityConfig
	Metrics    config.MetricsConfig
	BenchID    string
	Logger     *logging.Logger
	Controller *run.Controller

	// Audit receives one entry per run command; optional.
	Audit audit.Repository

	// ExternalHub is shared with the controller, which broadcasts into it.
	// Without one the server creates its own hub and feeds it from
	// Controller.Subscribe.
	ExternalHub *Hub

	// Gatherer serves /metrics; Registerer receives the HTTP collectors.
	// Both default to the global Prometheus registry.
	Gatherer   prometheus.Gatherer
	Registerer prometheus.Registerer

	// Checks are reported by GET /health, keyed by component name.
	Checks map[string]HealthChecker

	Version string
}

// Server is the HTTP API server.
type Server struct {
	cfg         config.APIConfig
	wsCfg       config.WebSocketConfig
	secCfg      config.SecurityConfig
	metricsCfg  config.MetricsConfig
	benchID     string
	logger      *logging.Logger
	ctrl        *run.Controller
	audit       audit.Repository
	gatherer    prometheus.Gatherer
	httpMetrics *httpMetrics
	checks      map[string]HealthChecker
	version     string
	startTime   time.Time

	hub         *Hub
	externalHub bool
	server      *http.Server
	listener    net.Listener
	cancel      context.CancelFunc
}

// New validates deps and builds a server. Nothing listens until Start.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Controller == nil {
		return nil, fmt.Errorf("run controller is required")
	}

	s := &Server{
		cfg:        deps.Config,
		wsCfg:      deps.WS,
		secCfg:     deps.Security,
		metricsCfg: deps.Metrics,
		benchID:    deps.BenchID,
		logger:     deps.Logger.Component("api"),
		ctrl:       deps.Controller,
		audit:      deps.Audit,
		gatherer:   deps.Gatherer,
		checks:     deps.Checks,
		version:    deps.Version,
		startTime:  time.Now(),
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}
	reg := deps.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s.httpMetrics = newHTTPMetrics(reg)

	if deps.ExternalHub != nil {
		s.hub = deps.ExternalHub
		s.externalHub = true
	} else {
		s.hub = NewHub(s.wsCfg, s.logger)
	}
	s.hub.SetSnapshot(func() any { return s.ctrl.Status() })
	return s, nil
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *Hub { return s.hub }

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start binds the listener and serves in the background. The hub and the
// controller event bridge stop when ctx is cancelled or Close is called.
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	if !s.externalHub {
		events, unsubscribe := s.ctrl.Subscribe()
		go s.hub.Run(srvCtx)
		go s.forwardEvents(srvCtx, events, unsubscribe)
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		s.cancel()
		return fmt.Errorf("listening on %s: %w", s.server.Addr, err)
	}
	s.listener = ln

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS", "address", ln.Addr().String(), "cert", s.cfg.TLS.CertFile)
			err = s.server.ServeTLS(ln, s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", ln.Addr().String())
			err = s.server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// forwardEvents copies controller events into a server-owned hub.
func (s *Server) forwardEvents(ctx context.Context, events <-chan run.Event, unsubscribe func()) {
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Channel != nil {
				s.hub.Broadcast(run.HubChannelChannel, ev)
			} else {
				s.hub.Broadcast(run.HubChannelRun, ev)
			}
		}
	}
}

// Close stops background goroutines and shuts the listener down, waiting
// up to 10 seconds for in-flight requests.
func (s *Server) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
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

// HealthCheck reports whether the server has been started.
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
