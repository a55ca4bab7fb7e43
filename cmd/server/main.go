package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ignite/phi-mailer/internal/api"
	"github.com/ignite/phi-mailer/internal/app"
	"github.com/ignite/phi-mailer/internal/config"
	"github.com/ignite/phi-mailer/internal/pkg/logger"
)

// checkPortAvailable verifies that the target port is not already in use.
func checkPortAvailable(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("address %s is already in use: %v", addr, err)
	}
	ln.Close()
	return nil
}

func main() {
	log.Println("Starting phi-mailer API server (cmd/server)")

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	addr := cfg.Server.Addr()
	if err := checkPortAvailable(addr); err != nil {
		log.Fatalf("Pre-flight check FAILED: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	defer a.Close()

	health := api.NewHealthChecker(a.DB, a.Redis, a.Queue)
	if cfg.Retention.ArchiveBucket != "" {
		health.WithArchiveBucket(a.S3, cfg.Retention.ArchiveBucket)
	}
	if cfg.Provider.WebhookSecret == "" {
		log.Println("Warning: RESEND_WEBHOOK_SECRET not set, provider callbacks are not verified")
	}

	server := api.NewServer(api.NewHandlers(a.Emails, a.Broadcasts, a.Webhook, health), cfg.Server.CORSOrigins)

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Listening on %s", addr)
		if err := server.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("Received %s, shutting down", sig)
	case err := <-errCh:
		logger.Error("server stopped", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	log.Println("Server stopped")
}
