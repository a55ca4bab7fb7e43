// Package app builds the dependency graph shared by the API server and the
// dispatch worker.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/redis/go-redis/v9"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/ignite/phi-mailer/internal/audit"
	"github.com/ignite/phi-mailer/internal/config"
	"github.com/ignite/phi-mailer/internal/pkg/distlock"
	"github.com/ignite/phi-mailer/internal/pkg/httpretry"
	"github.com/ignite/phi-mailer/internal/pkg/logger"
	"github.com/ignite/phi-mailer/internal/pkg/vault"
	"github.com/ignite/phi-mailer/internal/provider"
	"github.com/ignite/phi-mailer/internal/queue"
	"github.com/ignite/phi-mailer/internal/repository/postgres"
	"github.com/ignite/phi-mailer/internal/service/broadcast"
	"github.com/ignite/phi-mailer/internal/service/email"
	"github.com/ignite/phi-mailer/internal/tenant"
	"github.com/ignite/phi-mailer/internal/webhook"
)

// App holds the wired services and the clients they share.
type App struct {
	Config     *config.Config
	DB         *sql.DB
	Redis      *redis.Client
	Queue      *queue.SQSGateway
	S3         *s3.Client
	Audit      *audit.Service
	Emails     *email.Service
	Broadcasts *broadcast.Service
	Webhook    *webhook.Handler
	Retention  *postgres.RetentionRepo
}

// New connects to Postgres, Redis and AWS and wires the services.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	logger.SetRedactPHI(true)

	db, err := openDB(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	rdb := openRedis(ctx, cfg.Redis)

	awsCfg, err := loadAWS(ctx, cfg.AWS)
	if err != nil {
		db.Close()
		return nil, err
	}

	cipher, err := vault.New(cfg.Security.EncryptionKey, vault.WithIterations(cfg.Security.PBKDF2Iterations))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init vault: %w", err)
	}

	sender, err := newProvider(cfg.Provider, cfg.AWS.Region, awsCfg)
	if err != nil {
		db.Close()
		return nil, err
	}

	gw := queue.NewSQSGateway(sqs.NewFromConfig(awsCfg), queue.SQSConfig{
		URLs: map[queue.ID]string{
			queue.EmailQueue:     cfg.SQS.EmailQueueURL,
			queue.BroadcastQueue: cfg.SQS.BroadcastQueueURL,
			queue.DeadLetters:    cfg.SQS.DLQURL,
		},
		WaitTimeSeconds:   int32(cfg.SQS.WaitTimeSeconds),
		VisibilityTimeout: int32(cfg.SQS.VisibilityTimeout),
	})

	auditSvc := audit.NewService(postgres.NewAuditRepo(db))
	domains := tenant.NewResolver(postgres.NewDomainRepo(db))
	emails := email.NewService(postgres.NewSendRequestRepo(db), gw, sender, cipher, domains, auditSvc)
	broadcasts := broadcast.NewService(
		postgres.NewBroadcastRepo(db), gw, emails, cipher, domains,
		distlock.NewFactory(rdb, db, cfg.Worker.LeaseTTL()),
		auditSvc,
		broadcast.WithPageSize(cfg.Worker.BroadcastPageSize),
	)

	return &App{
		Config:     cfg,
		DB:         db,
		Redis:      rdb,
		Queue:      gw,
		S3:         s3.NewFromConfig(awsCfg),
		Audit:      auditSvc,
		Emails:     emails,
		Broadcasts: broadcasts,
		Webhook:    webhook.NewHandler(emails, cfg.Provider.WebhookSecret),
		Retention:  postgres.NewRetentionRepo(db),
	}, nil
}

// Close releases database and Redis connections.
func (a *App) Close() {
	if a.Redis != nil {
		a.Redis.Close()
	}
	if a.DB != nil {
		a.DB.Close()
	}
}

func openDB(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	log.Println("Connected to PostgreSQL")
	return db, nil
}

// openRedis returns nil when Redis is not configured or unreachable, in
// which case broadcast leases fall back to advisory locks.
func openRedis(ctx context.Context, cfg config.RedisConfig) *redis.Client {
	if cfg.URL == "" {
		log.Println("Redis not configured, broadcast leases use PostgreSQL advisory locks")
		return nil
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		log.Printf("Warning: invalid REDIS_URL, using advisory locks: %v", err)
		return nil
	}
	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.Printf("Warning: Redis unreachable, using advisory locks: %v", err)
		rdb.Close()
		return nil
	}
	log.Println("Connected to Redis")
	return rdb
}

func loadAWS(ctx context.Context, cfg config.AWSConfig) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return awsCfg, nil
}

// newProvider selects the delivery backend named by cfg.Type.
func newProvider(cfg config.ProviderConfig, region string, awsCfg aws.Config) (provider.Provider, error) {
	switch cfg.Type {
	case "resend":
		timeout := cfg.Timeout()
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		return provider.NewResend(cfg.BaseURL, httpretry.NewRetryClient(&http.Client{Timeout: timeout}, 2)), nil
	case "ses":
		return provider.NewSES(sesv2.NewFromConfig(awsCfg), provider.StaticClientFactory(region)), nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
	}
}
