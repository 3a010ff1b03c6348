package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"parcelgate/internal/boundary"
	"parcelgate/internal/cache"
	"parcelgate/internal/cadastre"
	"parcelgate/internal/config"
	httphandlers "parcelgate/internal/http"
	"parcelgate/internal/logger"
	"parcelgate/internal/metrics"
	"parcelgate/internal/mrs"
)

func main() {
	var configFile string

	rootCmd := &cobra.Command{
		Use:   "parcelgate [--config file]",
		Short: "Mixed Reality Service gateway for the NSW cadastre.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configFile)
		},
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}
	rootCmd.Flags().StringVarP(&configFile, "config", "c", "", "config file (yaml, toml or json); environment variables take precedence")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	log.Info("Starting parcelgate server",
		zap.Int("port", cfg.Port),
		zap.String("cache", cfg.CacheType),
		zap.String("public_base_url", cfg.PublicBaseURL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	store, err := cache.New(cache.Options{
		Type:            cfg.CacheType,
		MemoryBytes:     cfg.CacheMemoryBytes,
		CleanerInterval: cfg.CacheCleanerInterval,
		FileDir:         cfg.CacheFileDir,
		BoltPath:        cfg.CacheBoltPath,
		FlushOnStart:    cfg.CacheFlushOnStart,
		RedisAddr:       cfg.RedisAddr,
		RedisPassword:   cfg.RedisPassword,
		RedisDB:         cfg.RedisDB,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	if err := store.Start(ctx); err != nil {
		store.Close()
		return fmt.Errorf("failed to start cache: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn("Failed to close cache", zap.Error(err))
		}
	}()

	area, err := boundary.Load(ctx, boundary.Options{
		URL:       cfg.BoundaryURL,
		File:      cfg.BoundaryFile,
		PID:       cfg.BoundaryPID,
		Tolerance: cfg.BoundaryTolerance,
		Retries:   cfg.UpstreamRetries,
		Logger:    log.Named("boundary"),
	})
	if err != nil {
		return fmt.Errorf("failed to load boundary: %w", err)
	}
	log.Info("Boundary ready", zap.Float64s("bbox", area.Feature.BBox))

	client := cadastre.New(cadastre.Options{
		BaseURL:           cfg.UpstreamURL,
		Layer:             cfg.UpstreamLayer,
		Timeout:           cfg.UpstreamTimeout,
		Retries:           cfg.UpstreamRetries,
		RequestsPerSecond: cfg.UpstreamRPS,
		MaxInFlight:       cfg.UpstreamMaxInflight,
		Logger:            log.Named("cadastre"),
		Metrics:           m,
	})

	orchestrator, err := mrs.New(mrs.Options{
		Cache:         store,
		Boundary:      area.Geometry,
		Finder:        client,
		Fetcher:       client,
		Concurrency:   cfg.FanoutConcurrency,
		TTL:           cfg.CacheTTL,
		Coalesce:      cfg.UpstreamCoalesce,
		PublicBaseURL: cfg.PublicBaseURL,
		Logger:        log.Named("mrs"),
		Metrics:       m,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize mrs: %w", err)
	}

	handlers := httphandlers.New(cfg, log, orchestrator, area.Feature)

	mux := http.NewServeMux()

	mux.HandleFunc("/mrs", handlers.HandleMRS)
	mux.HandleFunc("/object/", handlers.HandleObject)
	mux.HandleFunc("/boundary.json", handlers.HandleBoundary)
	mux.HandleFunc("/nsw.json", handlers.HandleBoundary)
	mux.HandleFunc("/healthz", handlers.HandleHealthz)
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/", handlers.HandleStatic)

	handler := handlers.CORSMiddleware(handlers.RequestLoggingMiddleware(mux))

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	log.Info("Server started", zap.Int("port", cfg.Port))

	select {
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}

	log.Info("Server stopped")
	return nil
}
