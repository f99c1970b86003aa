package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/flowflex/stagecondition/internal/core/api"
	"github.com/flowflex/stagecondition/internal/core/auth"
	"github.com/flowflex/stagecondition/internal/core/config"
	"github.com/flowflex/stagecondition/internal/core/events"
	"github.com/flowflex/stagecondition/internal/core/metrics"
	"github.com/flowflex/stagecondition/internal/core/server"
	"github.com/flowflex/stagecondition/internal/core/tracing"
	"github.com/flowflex/stagecondition/internal/logging"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gRPC evaluation API",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("host", "", "gRPC server host")
	serveCmd.Flags().Int("port", 0, "gRPC server port")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("host") {
		cfg.Server.Host, _ = cmd.Flags().GetString("host")
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port, _ = cmd.Flags().GetInt("port")
	}

	if cfg.Tracing.Enabled {
		shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing.ServiceName)
		if err != nil {
			return fmt.Errorf("failed to set up tracing: %w", err)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracing(flushCtx); err != nil {
				logger.Error("failed to shutdown tracer provider", "error", err)
			}
		}()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	rt, err := openRuntime(ctx, cfg, logger, metrics.New(reg))
	if err != nil {
		return err
	}
	defer rt.Close()

	secrets, err := config.HMACSecrets()
	if err != nil {
		return fmt.Errorf("failed to load HMAC secrets: %w", err)
	}
	if len(secrets) == 0 {
		return fmt.Errorf("no HMAC secrets configured (set %s_HMAC_SECRET environment variable)", config.EnvPrefix)
	}
	authenticator := auth.NewAuthenticator(secrets, rt.queries)

	service, err := api.NewService(rt.orch, rt.store, rt.executor, logger)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}
	grpcServer, err := server.NewGRPCServer(cfg.Server, service, authenticator, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	recorder := events.NewRecorder(rt.bus.Subscriber, rt.store, logging.WithModule("recorder"))
	if err := recorder.Subscribe(ctx); err != nil {
		return err
	}

	var ops *server.OpsServer
	if cfg.Metrics.Enabled {
		ops = server.NewOpsServer(cfg.Metrics.Addr, reg, rt.conn, logger)
	}

	logger.Info("starting stage condition service",
		"version", Version, "host", cfg.Server.Host, "port", cfg.Server.Port, "events", cfg.Events.Driver)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return grpcServer.Start(gctx) })
	g.Go(func() error { return recorder.Run(gctx) })
	if ops != nil {
		g.Go(ops.Start)
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := grpcServer.Shutdown(shutdownCtx)
		if ops != nil {
			if opsErr := ops.Shutdown(shutdownCtx); opsErr != nil && err == nil {
				err = opsErr
			}
		}
		return err
	})
	return g.Wait()
}
