package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/zephix/governance/internal/audit"
	"github.com/zephix/governance/internal/cache"
	"github.com/zephix/governance/internal/core/api"
	"github.com/zephix/governance/internal/core/metrics"
	"github.com/zephix/governance/internal/core/server"
	"github.com/zephix/governance/internal/core/tracing"
	"github.com/zephix/governance/internal/governance"
)

const Version = "0.1.0"

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gRPC governance API",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("host", "0.0.0.0", "gRPC server host")
	serveCmd.Flags().Int("port", 50061, "gRPC server port")
	serveCmd.Flags().String("metrics-addr", ":9090", "metrics listen address (empty disables)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := openApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg := a.cfg

	if cmd.Flags().Changed("host") {
		cfg.Server.Host, _ = cmd.Flags().GetString("host")
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port, _ = cmd.Flags().GetInt("port")
	}
	if cmd.Flags().Changed("metrics-addr") {
		cfg.Server.MetricsAddr, _ = cmd.Flags().GetString("metrics-addr")
	}

	tp, err := tracing.New(ctx, &cfg.Tracing, tracing.WithVersion(Version))
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	tp.Install()
	defer func() {
		flushCtx, stop := context.WithTimeout(context.Background(), cfg.Tracing.Timeout)
		defer stop()
		if err := tp.Shutdown(flushCtx); err != nil {
			a.logger.Warn("trace exporter shutdown failed", "error", err)
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	ruleSets := cache.New(&cache.Config{Enabled: cfg.Cache.Enabled, TTL: cfg.Cache.TTL},
		cache.WithMetrics(m), cache.WithLogger(a.logger))

	var adminOpts []governance.AdminOption
	if cfg.Redis.Addr != "" {
		inv := cache.NewRedisInvalidator(cache.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Channel:  cfg.Redis.Channel,
		}, ruleSets, m)
		defer inv.Close()

		if err := inv.Ping(ctx); err != nil {
			a.logger.Warn("redis unreachable, relying on cache TTL", "addr", cfg.Redis.Addr, "error", err)
		}
		go func() {
			if err := inv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("redis invalidation subscriber stopped", "error", err)
			}
		}()
		adminOpts = append(adminOpts, governance.WithInvalidator(inv))
	}

	recorder := audit.NewRecorder(a.store, &audit.Config{
		Mode:          audit.Mode(cfg.Audit.Mode),
		Workers:       cfg.Audit.Workers,
		Buffer:        cfg.Audit.Buffer,
		WriteTimeout:  cfg.Audit.WriteTimeout,
		StoreSnapshot: cfg.Audit.StoreSnapshot,
	}, audit.WithMetrics(m), audit.WithLogger(a.logger))
	defer recorder.Close()

	engine := governance.NewEngine(a.store, recorder,
		governance.WithRegistry(governance.NewRegistry(ruleSets)),
		governance.WithMetrics(m),
		governance.WithLogger(a.logger),
		governance.WithTracer(tp.Tracer(governance.TracerName)),
	)
	admin := governance.NewAdmin(a.store, ruleSets, append(adminOpts, governance.WithAdminLogger(a.logger))...)

	service, err := api.NewGovernanceService(engine, admin, a.store)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	grpcServer, err := server.NewGRPCServer(&cfg.Server, service, a.logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	errChan := make(chan error, 2)

	var metricsServer *server.MetricsServer
	if cfg.Server.MetricsAddr != "" {
		metricsServer = server.NewMetricsServer(cfg.Server.MetricsAddr, m.Handler(), a.logger)
		go func() {
			errChan <- metricsServer.Start()
		}()
	}

	a.logger.Info("starting governance API",
		"version", Version,
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"audit_mode", cfg.Audit.Mode,
		"cache_enabled", cfg.Cache.Enabled,
		"redis", cfg.Redis.Addr != "",
		"tracing", tp.Enabled(),
	)
	go func() {
		errChan <- grpcServer.Start(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return err
	case <-sigChan:
		a.logger.Info("shutting down gracefully")
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()

	err = grpcServer.Shutdown(shutdownCtx)
	if metricsServer != nil {
		err = errors.Join(err, metricsServer.Shutdown(shutdownCtx))
	}
	return err
}
