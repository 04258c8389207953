package main

import (
	"context"
	"crypto/tls"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/tidilihatim/avolship-sub008/internal/availability"
	"github.com/tidilihatim/avolship-sub008/internal/config"
	"github.com/tidilihatim/avolship-sub008/internal/coordinator"
	"github.com/tidilihatim/avolship-sub008/internal/dispatch"
	"github.com/tidilihatim/avolship-sub008/internal/gatekeeper"
	"github.com/tidilihatim/avolship-sub008/internal/intake"
	"github.com/tidilihatim/avolship-sub008/internal/journal"
	"github.com/tidilihatim/avolship-sub008/internal/log"
	"github.com/tidilihatim/avolship-sub008/internal/metrics"
	"github.com/tidilihatim/avolship-sub008/internal/server"
	"github.com/tidilihatim/avolship-sub008/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
)

func main() {
	logger := log.NewLogger()
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalw("Failed to load config", "error", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		logger.Fatalw("Failed to connect to Redis", "error", err)
	}
	defer rdb.Close()

	jrnl, err := journal.New(cfg.JournalDBURL, 256, logger)
	if err != nil {
		logger.Fatalw("Failed to initialize journal", "error", err)
	}
	defer jrnl.Close()
	if err := jrnl.EnsureSchema(context.Background()); err != nil {
		logger.Fatalw("Failed to prepare journal schema", "error", err)
	}
	if jrnl.Enabled() {
		logger.Infow("Lease journal enabled")
	}

	leaseStore := store.NewLeaseStore()
	tracker := availability.NewTracker(cfg.MaxWorkload, logger)
	dispatcher := dispatch.NewDispatcher(cfg.SessionBuffer, logger)
	queueMetrics := metrics.NewQueueMetrics(leaseStore, dispatcher, cfg, logger)
	coord := coordinator.New(leaseStore, tracker, dispatcher, jrnl, queueMetrics, cfg, logger)
	gate := gatekeeper.New(cfg.JWTSecret, logger)
	orderIntake := intake.New(rdb, coord, cfg, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go coord.Run(ctx)
	go orderIntake.Run(ctx)
	go jrnl.Run(ctx)
	go queueMetrics.Run(ctx)

	r := chi.NewRouter()
	server.SetupRouter(r, cfg, coord, tracker, dispatcher, gate, rdb, jrnl, logger)
	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}

	certFile := os.Getenv("TLS_CERT_FILE")
	keyFile := os.Getenv("TLS_KEY_FILE")
	var tlsConfig *tls.Config
	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			logger.Fatalw("Failed to load TLS certificates", "error", err)
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	} else {
		logger.Warnw("TLS_CERT_FILE or TLS_KEY_FILE not set, using HTTP")
	}

	go func() {
		if tlsConfig != nil {
			srv.TLSConfig = tlsConfig
			logger.Infow("Server starting with TLS", "addr", cfg.ListenAddr)
			if err := srv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				logger.Fatalw("Server failed", "error", err)
			}
		} else {
			logger.Infow("Server starting without TLS", "addr", cfg.ListenAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Fatalw("Server failed", "error", err)
			}
		}
	}()

	<-ctx.Done()
	logger.Infow("Shutting down")
	if err := srv.Shutdown(context.Background()); err != nil {
		logger.Errorw("Server shutdown failed", "error", err)
	}
}
