// Package main runs the audit gateway: REST API, payment gate and the
// background pollers behind it.
package main

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"encoding/hex"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	app "github.com/solguard/auditd/internal/app"
	"github.com/solguard/auditd/internal/app/httpapi"
	"github.com/solguard/auditd/internal/app/metrics"
	paymentsvc "github.com/solguard/auditd/internal/app/services/payment"
	"github.com/solguard/auditd/internal/app/storage/postgres"
	"github.com/solguard/auditd/internal/config"
	"github.com/solguard/auditd/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config/auditd.yaml", "Path to the YAML configuration file")
	envFile := flag.String("env", ".env", "Optional .env file with environment overrides")
	flag.Parse()

	_ = godotenv.Load(*envFile) // allow .env for local runs

	log := logger.NewDefault("auditd")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Error("failed to load configuration")
		os.Exit(1)
	}

	signer, err := loadSigner()
	if err != nil {
		log.WithError(err).Error("failed to load payment signer")
		os.Exit(1)
	}

	stores, closeStores, err := openStores(cfg, log)
	if err != nil {
		log.WithError(err).Error("failed to open storage")
		os.Exit(1)
	}
	defer closeStores()

	application, err := app.New(cfg, stores, signer, log)
	if err != nil {
		log.WithError(err).Error("failed to build application")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := application.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start services")
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/", httpapi.NewHandler(application))

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           metrics.InstrumentHandler(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.Listen).Info("audit gateway listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.WithField("signal", sig.String()).Info("shutting down")
	case err := <-errCh:
		log.WithError(err).Error("http server failed")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http server shutdown")
	}
	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("service shutdown")
	}
	log.Info("audit gateway stopped")
}

// openStores connects to PostgreSQL when configured; otherwise the
// application falls back to its in-memory store.
func openStores(cfg config.Config, log *logger.Logger) (app.Stores, func(), error) {
	if cfg.DatabaseURL == "" {
		log.Warn("database url not set; using in-memory storage")
		return app.Stores{}, func() {}, nil
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return app.Stores{}, nil, fmt.Errorf("open database: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return app.Stores{}, nil, fmt.Errorf("ping database: %w", err)
	}

	store := postgres.New(db)
	if err := store.EnsureSchema(ctx); err != nil {
		db.Close()
		return app.Stores{}, nil, err
	}
	return app.Stores{Flows: store, Payments: store}, func() { db.Close() }, nil
}

// loadSigner reads the payer key from AUDITD_PAYER_KEY, a hex-encoded
// ed25519 seed or private key. An unset key means no wallet; payments
// then fail with the wallet-required error.
func loadSigner() (paymentsvc.Signer, error) {
	raw := strings.TrimSpace(os.Getenv("AUDITD_PAYER_KEY"))
	if raw == "" {
		return nil, nil
	}
	decoded, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("decode AUDITD_PAYER_KEY: %w", err)
	}
	switch len(decoded) {
	case ed25519.SeedSize:
		return paymentsvc.NewLocalSigner(ed25519.NewKeyFromSeed(decoded))
	case ed25519.PrivateKeySize:
		return paymentsvc.NewLocalSigner(ed25519.PrivateKey(decoded))
	default:
		return nil, fmt.Errorf("AUDITD_PAYER_KEY must be a %d or %d byte hex key", ed25519.SeedSize, ed25519.PrivateKeySize)
	}
}
