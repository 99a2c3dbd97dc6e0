package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/wnt/memewars/internal/api"
	"github.com/wnt/memewars/internal/config"
	"github.com/wnt/memewars/internal/database"
	"github.com/wnt/memewars/internal/logger"
	"github.com/wnt/memewars/internal/objectstore"
	"github.com/wnt/memewars/internal/realtime"
	"github.com/wnt/memewars/internal/session"
	"github.com/wnt/memewars/internal/store"
	"github.com/wnt/memewars/internal/submission"
	"github.com/wnt/memewars/internal/username"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Parse command-line arguments
	envFile := flag.String("envFile", ".env", "Path to .env file")
	flag.Parse()

	// Load environment variables from the specified file
	if err := godotenv.Load(*envFile); err != nil {
		log.Printf("No .env file found at %s, using environment variables", *envFile)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logger.New(cfg.LogLevel)

	db, err := database.Connect(cfg.DatabaseDSN)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	bus, err := realtime.NewRedisBus(cfg.RedisURL, logger)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer bus.Close()

	backend := store.New(db, bus, logger)
	uploader := objectstore.New(cfg.ServiceURL, cfg.ServiceAnonKey, cfg.StorageBucket, logger)

	resolver := session.NewResolver(backend, username.NewGenerator(nil), logger)
	sessions := session.NewRegistry(resolver, cfg.SessionTTL, logger)
	submissions := submission.NewService(backend, uploader, logger)

	server := api.NewServer(api.Config{
		Addr:                 cfg.HTTPAddr,
		AllowedOrigins:       cfg.AllowedOrigins,
		CommentRatePerMinute: cfg.CommentRatePerMinute,
	}, backend, bus, sessions, submissions, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		return server.Run(egCtx)
	})

	eg.Go(func() error {
		if err := sessions.Run(egCtx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	eg.Go(func() error {
		return serveMetrics(egCtx, ":"+cfg.MetricsPort)
	})

	logger.Info().
		Str("http_addr", cfg.HTTPAddr).
		Str("metrics_port", cfg.MetricsPort).
		Msg("Meme Wars service started")

	if err := eg.Wait(); err != nil {
		logger.Error().Err(err).Msg("Service stopped with error")
		return
	}
	logger.Info().Msg("Service stopped")
}

// serveMetrics exposes prometheus metrics until ctx is cancelled
func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
