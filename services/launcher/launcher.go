// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package launcher assembles the launcher service: configuration, tracing,
// metrics, the launch manager and the HTTP router.
//
// # Architecture
//
//	┌──────────────────────────────────────────────────────────┐
//	│                    launcher.Service                      │
//	├──────────────────────────────────────────────────────────┤
//	│  gin router (otelgin) ──► handlers ──► launch.Manager    │
//	│                                           │              │
//	│              workspace.Store ◄────────────┤              │
//	│              registry.Registry ◄──────────┤              │
//	│              process (runner, spawner,  ◄─┘              │
//	│                       reconciler, prober)                │
//	└──────────────────────────────────────────────────────────┘
package launcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/AleutianAI/AleutianLaunch/pkg/logging"
	"github.com/AleutianAI/AleutianLaunch/services/launcher/config"
	"github.com/AleutianAI/AleutianLaunch/services/launcher/handlers"
	"github.com/AleutianAI/AleutianLaunch/services/launcher/launch"
	"github.com/AleutianAI/AleutianLaunch/services/launcher/middleware"
	"github.com/AleutianAI/AleutianLaunch/services/launcher/observability"
	"github.com/AleutianAI/AleutianLaunch/services/launcher/process"
	"github.com/AleutianAI/AleutianLaunch/services/launcher/registry"
	"github.com/AleutianAI/AleutianLaunch/services/launcher/routes"
	"github.com/AleutianAI/AleutianLaunch/services/launcher/workspace"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// serviceName identifies the launcher in traces and logs.
const serviceName = "launcher-service"

// shutdownTimeout bounds HTTP drain plus service termination on exit.
const shutdownTimeout = 10 * time.Second

// =============================================================================
// Service Interface
// =============================================================================

// Service is a runnable launcher.
type Service interface {
	// Run serves HTTP until ctx ends, then shuts down gracefully: the
	// listener stops, in-flight launches finish or are cancelled and every
	// running project service is terminated.
	Run(ctx context.Context) error

	// Router returns the underlying Gin engine for testing.
	Router() *gin.Engine

	// Manager returns the launch manager.
	Manager() *launch.Manager
}

// =============================================================================
// Options
// =============================================================================

// Options injects collaborators. Every field is optional.
type Options struct {
	// Logger defaults to logging.Default().
	Logger *logging.Logger

	// Metrics defaults to observability.DefaultMetrics (which may be nil).
	Metrics *observability.LaunchMetrics

	// MetricsHandler serves /metrics. Defaults to the default registry.
	MetricsHandler http.Handler

	// Runner, Spawner and Reconciler default to the real OS implementations.
	Runner     process.CommandRunner
	Spawner    process.Spawner
	Reconciler process.Reconciler
}

// =============================================================================
// Implementation
// =============================================================================

type service struct {
	config        config.LauncherConfig
	logger        *logging.Logger
	router        *gin.Engine
	manager       *launch.Manager
	tracerCleanup func(context.Context)
}

var _ Service = (*service)(nil)

// New creates the launcher Service.
//
// # Description
//
// New initializes all launcher components:
//  1. Applies defaults for zero-valued configuration
//  2. Initializes OpenTelemetry tracing (when an endpoint is configured)
//  3. Builds the workspace store, registry and process layer
//  4. Creates the launch manager
//  5. Sets up the HTTP routes
//
// # Inputs
//
//   - cfg: Launcher configuration. Zero values take defaults.
//   - opts: Optional collaborators. May be nil.
//
// # Outputs
//
//   - Service: Ready to Run.
//   - error: Non-nil if the configuration is invalid or tracing fails.
func New(cfg config.LauncherConfig, opts *Options) (Service, error) {
	if opts == nil {
		opts = &Options{}
	}
	cfg = applyConfigDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	s := &service{config: cfg, logger: opts.Logger}
	if s.logger == nil {
		s.logger = logging.Default()
	}

	cleanup, err := s.initTracer()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	runner := opts.Runner
	if runner == nil {
		runner = process.NewDefaultCommandRunner()
	}
	spawner := opts.Spawner
	if spawner == nil {
		spawner = process.NewProcessSpawner()
	}
	reconciler := opts.Reconciler
	if reconciler == nil {
		reconciler = process.NewPortReconciler(runner)
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.DefaultMetrics
	}

	s.manager, err = launch.NewManager(launch.Options{
		Service: cfg.Service,
		Probe:   cfg.Probe,
		Store: workspace.NewStore(workspace.Options{
			Root:        cfg.Workspace.Root,
			EnvFileName: cfg.Workspace.EnvFileName,
			LogFileName: cfg.Workspace.LogFileName,
		}),
		Registry:   registry.New(),
		Runner:     runner,
		Spawner:    spawner,
		Reconciler: reconciler,
		Logger:     s.logger,
		Metrics:    metrics,
	})
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to create launch manager: %w", err)
	}

	s.initRouter(opts.MetricsHandler)
	return s, nil
}

func (s *service) Run(ctx context.Context) error {
	defer s.cleanup()

	srv := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(s.config.Server.Port)),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting launcher server",
			"port", s.config.Server.Port,
			"workspace_root", s.config.Workspace.Root,
			"service_port", s.config.Service.Port,
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = s.manager.Shutdown(shutdownCtx)
		return fmt.Errorf("launcher server: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down launcher server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// SSE streams end once their launch does, so the manager goes first.
	mgrErr := s.manager.Shutdown(shutdownCtx)
	srvErr := srv.Shutdown(shutdownCtx)
	if mgrErr != nil || srvErr != nil {
		return errors.Join(mgrErr, srvErr)
	}
	return nil
}

func (s *service) Router() *gin.Engine { return s.router }

func (s *service) Manager() *launch.Manager { return s.manager }

// =============================================================================
// Private Initialization Methods
// =============================================================================

// applyConfigDefaults fills zero-valued fields from config.DefaultConfig.
func applyConfigDefaults(cfg config.LauncherConfig) config.LauncherConfig {
	def := config.DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = def.Server.Port
	}
	if cfg.Server.GinMode == "" {
		cfg.Server.GinMode = def.Server.GinMode
	}
	if cfg.Server.KeepAliveInterval == 0 {
		cfg.Server.KeepAliveInterval = def.Server.KeepAliveInterval
	}
	if cfg.Workspace.Root == "" {
		cfg.Workspace.Root = def.Workspace.Root
	}
	if cfg.Workspace.EnvFileName == "" {
		cfg.Workspace.EnvFileName = def.Workspace.EnvFileName
	}
	if cfg.Workspace.LogFileName == "" {
		cfg.Workspace.LogFileName = def.Workspace.LogFileName
	}
	if cfg.Service.Port == 0 {
		cfg.Service.Port = def.Service.Port
	}
	if cfg.Service.DatabaseURL == "" {
		cfg.Service.DatabaseURL = def.Service.DatabaseURL
	}
	if len(cfg.Service.InstallCommand) == 0 {
		cfg.Service.InstallCommand = def.Service.InstallCommand
	}
	if len(cfg.Service.SchemaCommand) == 0 {
		cfg.Service.SchemaCommand = def.Service.SchemaCommand
	}
	if len(cfg.Service.StorageCommand) == 0 {
		cfg.Service.StorageCommand = def.Service.StorageCommand
	}
	if len(cfg.Service.EntryCommand) == 0 {
		cfg.Service.EntryCommand = def.Service.EntryCommand
	}
	if cfg.Probe.Attempts == 0 {
		cfg.Probe.Attempts = def.Probe.Attempts
	}
	if cfg.Probe.Interval == 0 {
		cfg.Probe.Interval = def.Probe.Interval
	}
	if cfg.Probe.Timeout == 0 {
		cfg.Probe.Timeout = def.Probe.Timeout
	}
	return cfg
}

// initTracer configures the global tracer provider.
//
// # Description
//
// telemetry.otlp_endpoint selects the exporter: empty leaves the no-op
// provider in place, "stdout" pretty-prints spans, anything else is a gRPC
// collector address.
//
// # Limitations
//
//   - Uses an insecure gRPC connection (local collectors only).
func (s *service) initTracer() (func(context.Context), error) {
	endpoint := s.config.Telemetry.OTLPEndpoint
	if endpoint == "" {
		return func(context.Context) {}, nil
	}
	ctx := context.Background()

	var exporter sdktrace.SpanExporter
	var err error
	if endpoint == "stdout" {
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	} else {
		var conn *grpc.ClientConn
		conn, err = grpc.NewClient(endpoint,
			grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
		}
		exporter, err = otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := traceProvider.Shutdown(ctx); err != nil {
			s.logger.Error("failed to shutdown trace provider", "error", err)
		}
	}, nil
}

func (s *service) initRouter(metrics http.Handler) {
	gin.SetMode(s.config.Server.GinMode)
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(otelgin.Middleware(serviceName))

	h := handlers.NewLaunchHandler(s.manager, handlers.HandlerOptions{
		HeartbeatInterval: s.config.Server.KeepAliveInterval,
		Logger:            s.logger,
	})
	limiter := middleware.NewLimiter(s.config.Server.LaunchRatePerSec, s.config.Server.LaunchBurst)
	routes.SetupRoutes(s.router, h, limiter, metrics)
}

func (s *service) cleanup() {
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
}
