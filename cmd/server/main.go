// Shop chat server: storefront widget, automated responder and agent dashboard.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/shopchat/internal/api"
	"github.com/ashureev/shopchat/internal/chat"
	"github.com/ashureev/shopchat/internal/config"
	"github.com/ashureev/shopchat/internal/identity"
	"github.com/ashureev/shopchat/internal/lifecycle"
	"github.com/ashureev/shopchat/internal/logging"
	"github.com/ashureev/shopchat/internal/middleware"
	"github.com/ashureev/shopchat/internal/realtime"
	"github.com/ashureev/shopchat/internal/relay"
	"github.com/ashureev/shopchat/internal/responder"
	"github.com/ashureev/shopchat/internal/store"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	bootLogger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(bootLogger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logs := logging.New(logging.Config{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	}, os.Stdout)
	defer logs.Close()
	logger := logs.Logger
	slog.SetDefault(logger)

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "store", cfg.StoreDriver)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize dependencies.
	var repo store.Repository
	switch cfg.StoreDriver {
	case "memory":
		repo = store.NewMemory()
		slog.Warn("Using in-memory store, transcripts are lost on restart")
	default:
		sqlite, err := store.NewSQLite(cfg.DBPath)
		if err != nil {
			slog.Error("Failed to initialize database", "error", err)
			os.Exit(1)
		}
		repo = sqlite
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	router := chat.NewRouter(repo, chat.Options{
		TypingExpiry:     cfg.TypingExpiry,
		BroadcastTimeout: cfg.BroadcastTimeout,
		Metrics:          chat.NewMetrics(prometheus.DefaultRegisterer),
		Logger:           logger,
	})
	defer router.Close()

	// Cross-instance admin alerts (optional).
	if cfg.Redis.Addr != "" {
		client, err := relay.Connect(ctx, cfg.Redis.Addr)
		if err != nil {
			slog.Warn("Redis unavailable, admin alerts stay local to this instance", "error", err)
		} else {
			defer client.Close()
			rl := relay.New(client, cfg.Redis.ChannelPrefix, router.Registry(), logger)
			router.SetAdminFanout(rl)
			go func() {
				if err := rl.Run(ctx); err != nil {
					slog.Error("Admin alert relay stopped", "error", err)
				}
			}()
		}
	}

	// Automated responder.
	var responderHealth api.ResponderChecker
	if cfg.Responder.Enabled {
		var catalog responder.Catalog
		if cfg.Responder.CatalogFile != "" {
			mc, err := responder.LoadCatalog(cfg.Responder.CatalogFile)
			if err != nil {
				slog.Error("Failed to load product catalog", "path", cfg.Responder.CatalogFile, "error", err)
				os.Exit(1)
			}
			catalog = mc
		}

		var producer responder.Producer = responder.NewKeywordProducer(catalog)
		if cfg.Responder.Addr != "" {
			slog.Info("Attempting to connect to responder backend via gRPC", "address", cfg.Responder.Addr)
			grpcCfg := responder.DefaultGrpcClientConfig(cfg.Responder.Addr)
			grpcCfg.RequestTimeout = cfg.Responder.Timeout
			grpcClient, err := responder.NewGrpcClient(grpcCfg, logger)
			if err != nil {
				slog.Warn("Failed to connect to responder backend, using keyword replies", "error", err)
			} else {
				defer grpcClient.Close()
				producer = grpcClient
				responderHealth = grpcClient
			}
		}

		svc := responder.NewService(router, producer, repo, catalog, responder.ServiceConfig{
			Workers:   cfg.Responder.Workers,
			QueueSize: cfg.Responder.QueueSize,
			Timeout:   cfg.Responder.Timeout,
		}, logger)
		svc.Start(ctx)
		defer svc.Stop()
	} else {
		slog.Info("Automated responder disabled (RESPONDER_ENABLED=false)")
	}

	// Initialize handlers.
	baseHandler := api.NewHandler(repo, router, cfg.WelcomeMessage, logger)
	healthHandler := api.NewHealthHandler(repo, responderHealth)
	wsOpts := realtime.DefaultOptions()
	wsOpts.AllowedOrigin = cfg.AllowedOrigin()
	wsOpts.IsDev = cfg.IsDevelopment()
	wsOpts.SendBuffer = cfg.SendBuffer
	wsOpts.EventRate = cfg.EventRate
	wsOpts.EventBurst = cfg.EventBurst
	wsHandler := realtime.NewHandler(router, wsOpts, logger)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS([]string{cfg.AllowedOrigin()}))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	// Public routes.
	healthHandler.RegisterHealth(r)
	r.Handle("/metrics", promhttp.Handler())

	api.NewSessionHandler(baseHandler).RegisterRoutes(r)
	api.NewDashboardHandler(baseHandler).RegisterRoutes(r)

	// WebSocket endpoint.
	r.Get("/ws", wsHandler.ServeHTTP)

	// Create server.
	// WebSocket connections are long-lived, so no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	lifecycle.StartSweeper(ctx, repo, router, cfg.IdleSessionTTL, cfg.SweepInterval, logger)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
