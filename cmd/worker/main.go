package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/ignite/phi-mailer/internal/app"
	"github.com/ignite/phi-mailer/internal/audit"
	"github.com/ignite/phi-mailer/internal/config"
	"github.com/ignite/phi-mailer/internal/pkg/logger"
	"github.com/ignite/phi-mailer/internal/queue"
	"github.com/ignite/phi-mailer/internal/worker"
)

func main() {
	workerID := uuid.New().String()[:8]
	log.Printf("Starting phi-mailer dispatch worker %s (cmd/worker)", workerID)

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	defer a.Close()

	consumerOpts := []worker.ConsumerOption{
		worker.WithMaxMessages(cfg.SQS.MaxMessages),
		worker.WithReceiveBackoff(cfg.Worker.Backoff()),
	}
	emails := worker.NewConsumer[queue.EmailMessage]("email", a.Queue, queue.EmailQueue, a.Emails.Dispatch, consumerOpts...)
	broadcasts := worker.NewConsumer[queue.BroadcastMessage]("broadcast", a.Queue, queue.BroadcastQueue, a.Broadcasts.ProcessBatch, consumerOpts...)

	retentionOpts := []worker.RetentionOption{worker.WithRetentionInterval(cfg.Retention.Interval())}
	if cfg.Retention.ArchiveBucket != "" {
		retentionOpts = append(retentionOpts, worker.WithArchiver(
			audit.NewS3Archiver(a.S3, cfg.Retention.ArchiveBucket, cfg.Retention.ArchivePrefix),
		))
	} else {
		log.Println("Warning: AUDIT_ARCHIVE_BUCKET not set, expired audit entries are deleted without export")
	}
	retention := worker.NewRetentionWorker(a.Retention, a.Audit, worker.RetentionPolicy{
		EmailDays:   cfg.Retention.EmailDays,
		ContactDays: cfg.Retention.ContactDays,
		AuditDays:   cfg.Retention.AuditDays,
	}, retentionOpts...)

	emails.Start(ctx)
	broadcasts.Start(ctx)
	go retention.Start(ctx)
	logger.Info("worker started", "worker_id", workerID)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received %s, draining in-flight messages", sig)

	// Stop receiving first so handlers finish with a live context.
	emails.Stop()
	broadcasts.Stop()
	emails.Wait()
	broadcasts.Wait()
	cancel()

	es, bs := emails.Stats(), broadcasts.Stats()
	logger.Info("worker stopped",
		"worker_id", workerID,
		"emails_processed", es.Processed, "emails_failed", es.Failed,
		"batches_processed", bs.Processed, "batches_failed", bs.Failed,
	)
}
