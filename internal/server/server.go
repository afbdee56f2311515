package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/subtun-io/subtun/internal/dispatch"
	"github.com/subtun-io/subtun/internal/metrics"
	"github.com/subtun-io/subtun/internal/rawcapture"
	"github.com/subtun-io/subtun/internal/tunnel"
)

// Server is the subtun tunneling server daemon (subtund): it owns the
// client registry, the public-facing dispatcher, and the small management
// HTTP API described in the wire protocol.
type Server struct {
	config   Config
	registry *tunnel.ClientRegistry
	metrics  *metrics.Metrics
	logger   *slog.Logger

	httpServer *http.Server
}

// New builds a Server from cfg. The caller is responsible for installing a
// logging.Setup result on logger (or passing nil to use slog.Default()).
func New(cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:   cfg,
		registry: tunnel.NewClientRegistry(logger),
		metrics:  metrics.New(),
		logger:   logger,
	}
	s.registry.OnEnd(func(id string) {
		s.metrics.TunnelsEnded.WithLabelValues("closed").Inc()
	})

	disp := &dispatch.Dispatcher{
		Registry:   s.registry,
		BaseDomain: cfg.BaseDomain,
		Logger:     logger,
		Metrics:    s.metrics,
		Fallback:   s.newManagementRouter(),
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      disp,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		ConnContext:  rawcapture.ConnContext,
	}

	return s
}

// Run binds the listener (wrapped for raw header capture) and serves until
// ctx is cancelled, then gracefully shuts down.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.httpServer.Addr, err)
	}
	wrapped := rawcapture.WrapListener(ln)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("subtund listening", "addr", s.httpServer.Addr, "base_domain", s.config.BaseDomain)
		if err := s.httpServer.Serve(wrapped); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	gaugeCtx, stopGauges := context.WithCancel(context.Background())
	defer stopGauges()
	go s.reportGaugesPeriodically(gaugeCtx)

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down")
		return s.Shutdown()
	case err := <-errCh:
		return err
	}
}

// Shutdown stops accepting new connections, closes every registered tunnel,
// and waits for in-flight HTTP handlers to finish.
func (s *Server) Shutdown() error {
	s.registry.CloseAll()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// Registry exposes the client registry for callers that need direct access
// (tests, the management handlers in this package).
func (s *Server) Registry() *tunnel.ClientRegistry { return s.registry }

// reportGaugesPeriodically samples the registry every second and updates
// the pool-level Prometheus gauges, which have no natural single owner
// (each ClientTunnel's pool is independent).
func (s *Server) reportGaugesPeriodically(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := s.registry.Snapshot()
			idle, waiters := 0, 0
			for _, st := range snap {
				idle += st.Sockets
				waiters += st.Waiters
			}
			s.metrics.TunnelsActive.Set(float64(len(snap)))
			s.metrics.PoolSocketsIdle.Set(float64(idle))
			s.metrics.PoolWaitersQueued.Set(float64(waiters))
		}
	}
}
