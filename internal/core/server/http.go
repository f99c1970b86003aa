package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const readinessTimeout = 2 * time.Second

// Pinger reports whether a dependency is reachable. *sqlx.DB satisfies it.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// OpsServer serves /metrics and the liveness and readiness probes.
type OpsServer struct {
	app    *fiber.App
	addr   string
	logger *slog.Logger
}

// NewOpsServer creates the ops HTTP server. Readiness pings ready; a nil
// Pinger makes readiness follow liveness.
func NewOpsServer(addr string, gatherer prometheus.Gatherer, ready Pinger, logger *slog.Logger) *OpsServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &OpsServer{
		app:    newOpsApp(gatherer, ready),
		addr:   addr,
		logger: logger,
	}
}

// App returns the underlying fiber app.
func (s *OpsServer) App() *fiber.App {
	return s.app
}

// Start serves until Shutdown.
func (s *OpsServer) Start() error {
	s.logger.Info("ops server listening", "addr", s.addr)
	if err := s.app.Listen(s.addr, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
		return fmt.Errorf("ops server: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *OpsServer) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func newOpsApp(gatherer prometheus.Gatherer, ready Pinger) *fiber.App {
	app := fiber.New()

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker(healthcheck.Config{
		Probe: func(fiber.Ctx) bool {
			if ready == nil {
				return true
			}
			ctx, cancel := context.WithTimeout(context.Background(), readinessTimeout)
			defer cancel()
			return ready.PingContext(ctx) == nil
		},
	}))

	if gatherer != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
	return app
}
