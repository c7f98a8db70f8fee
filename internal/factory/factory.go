package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"blog-auth-service/internal/audit"
	"blog-auth-service/internal/bucketing"
	"blog-auth-service/internal/client"
	"blog-auth-service/internal/config"
	"blog-auth-service/internal/encryption"
	"blog-auth-service/internal/handler"
	"blog-auth-service/internal/hashing"
	"blog-auth-service/internal/notification"
	"blog-auth-service/internal/repository"
	"blog-auth-service/internal/repository/memory"
	"blog-auth-service/internal/repository/postgres"
	redisrepo "blog-auth-service/internal/repository/redis"
	"blog-auth-service/internal/repository/scylla"
	"blog-auth-service/internal/scheduler"
	"blog-auth-service/internal/service"
	"blog-auth-service/internal/tls"
	"blog-auth-service/internal/util"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	initTimeout    = 30 * time.Second
	healthTimeout  = 3 * time.Second
	keyLifetime    = time.Hour
	keyCacheMaxAge = 2 * time.Hour
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.TLSManager
	logger     *zap.Logger

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	postgresPool     *pgxpool.Pool
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient
	amqpPublisher    *client.AMQPPublisher

	// Managers
	passwords         *hashing.Pool
	encryptionManager *encryption.EncryptionManager
	bucketingManager  *bucketing.Manager

	// Repositories
	accounts    repository.AccountRepository
	ephemeral   repository.EphemeralStore
	keyCounter  scheduler.KeyCounter
	rateLimiter handler.RateLimiter

	mailer         *notification.Mailer
	recorder       *audit.Recorder
	scheduler      *scheduler.Scheduler
	serviceFactory *service.ServiceFactory

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory creates and initializes all application dependencies
func NewFactory() (*Factory, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger := util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)
	if cfg.GeneratedSecrets {
		logger.Warn("JWT secrets were generated for this process; tokens will not survive a restart")
	}

	f := &Factory{
		config: cfg,
		logger: logger,
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		f.tlsManager = tls.NewTLSManager(cfg.Server, cfg.IsProduction(), logger.Named("tls"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), initTimeout)
	defer cancel()

	if err := f.initializeClients(ctx); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}
	if err := f.initializeManagers(ctx); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize managers: %w", err)
	}
	if err := f.initializeServices(ctx); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	logger.Info("Factory initialized successfully",
		zap.String("environment", cfg.Environment),
		zap.String("directory", cfg.Drivers.Directory),
		zap.String("ephemeral", cfg.Drivers.Ephemeral),
		zap.String("notifier", cfg.Drivers.Notifier),
		zap.Strings("audit_sinks", f.recorder.Sinks()),
		zap.Bool("tls_enabled", cfg.Server.EnableTLS),
		zap.Bool("kms_enabled", cfg.KMS.Enabled),
	)

	return f, nil
}

// initializeClients connects the required stores and the optional audit
// sinks. An optional sink that cannot connect is fatal only in production.
func (f *Factory) initializeClients(ctx context.Context) error {
	cfg := f.config
	production := cfg.IsProduction()

	if cfg.Drivers.Ephemeral == "redis" || cfg.Drivers.Ephemeral == "" {
		redisClient, err := client.NewRedisClient(ctx, cfg.Redis, f.logger.Named("redis"))
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		f.redisClient = redisClient
		cache := redisrepo.NewEphemeralCache(redisClient, f.logger.Named("ephemeral"))
		f.ephemeral, f.keyCounter = cache, cache
		f.logger.Info("Redis client initialized and healthy")
	} else {
		store := memory.NewEphemeralStore()
		f.ephemeral, f.keyCounter = store, store
		f.logger.Warn("Using in-process ephemeral store; challenges are lost on restart")
	}

	optional := func(name string, err error) error {
		if production {
			return fmt.Errorf("%s: %w", name, err)
		}
		f.logger.Warn("Optional client unavailable, continuing without it", zap.String("client", name), zap.Error(err))
		return nil
	}

	if cfg.Kafka.Enabled {
		producer, err := client.NewKafkaProducer(cfg.Kafka, production, f.logger.Named("kafka"))
		if err != nil {
			if err := optional("kafka", err); err != nil {
				return err
			}
		} else {
			f.kafkaProducer = producer
		}
	}

	if cfg.Elasticsearch.Enabled {
		es, err := client.NewElasticsearchClient(ctx, cfg.Elasticsearch, cfg.IsDevelopment(), f.logger.Named("elasticsearch"))
		if err != nil {
			if err := optional("elasticsearch", err); err != nil {
				return err
			}
		} else {
			f.esClient = es
		}
	}

	if cfg.Clickhouse.Enabled {
		ch, err := client.NewClickHouseClient(ctx, cfg.Clickhouse, production, f.logger.Named("clickhouse"))
		if err != nil {
			if err := optional("clickhouse", err); err != nil {
				return err
			}
		} else {
			f.clickhouseClient = ch
		}
	}

	if cfg.Drivers.Notifier == "amqp" {
		publisher, err := client.NewAMQPPublisher(cfg.RabbitMQ.URL, f.logger.Named("amqp"))
		if err != nil {
			return fmt.Errorf("rabbitmq: %w", err)
		}
		f.amqpPublisher = publisher
	}

	return nil
}

// initializeManagers builds the hashing, bucketing and envelope encryption
// managers, then the user directory, which depends on bucketing.
func (f *Factory) initializeManagers(ctx context.Context) error {
	cfg := f.config

	hasher, err := hashing.NewHasher(cfg.Hashing)
	if err != nil {
		return fmt.Errorf("hasher: %w", err)
	}
	f.passwords = hashing.NewPool(hasher, cfg.Hashing.PoolSize)
	f.bucketingManager = bucketing.NewManager(cfg.Bucketing.UserBuckets, cfg.Bucketing.EventBuckets)

	var provider encryption.KeyProvider
	if cfg.KMS.Enabled {
		kmsClient, err := client.NewKMSClient(ctx, cfg.KMS, f.logger.Named("kms"))
		if err != nil {
			return fmt.Errorf("kms: %w", err)
		}
		provider = encryption.NewKMSKeyProvider(kmsClient, cfg.KMS.KeyID)
	} else {
		local, generated, err := encryption.NewLocalKeyProvider(cfg.KMS.LocalMasterKey)
		if err != nil {
			return fmt.Errorf("local key provider: %w", err)
		}
		if generated {
			f.logger.Warn("No local master key configured; sealed OTP metadata will not survive a restart")
		}
		provider = local
	}
	f.encryptionManager = encryption.NewEncryptionManager(provider, keyLifetime, f.logger.Named("encryption"))

	return f.initializeDirectory(ctx)
}

func (f *Factory) initializeDirectory(ctx context.Context) error {
	cfg := f.config
	logger := f.logger.Named("directory")

	switch cfg.Drivers.Directory {
	case "scylla", "":
		scyllaClient, err := scylla.NewScyllaClient(cfg, logger)
		if err != nil {
			return fmt.Errorf("scylla: %w", err)
		}
		f.scyllaClient = scyllaClient
		if err := scyllaClient.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("scylla schema: %w", err)
		}
		f.accounts = scylla.NewAccountRepository(scyllaClient, f.bucketingManager, logger)
	case "postgres":
		pool, err := postgres.NewPool(ctx, cfg.Postgres, logger)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		f.postgresPool = pool
		if err := postgres.EnsureSchema(ctx, pool); err != nil {
			return fmt.Errorf("postgres schema: %w", err)
		}
		f.accounts = postgres.NewAccountRepository(pool, logger)
	case "memory":
		if cfg.IsProduction() {
			return fmt.Errorf("memory directory is not allowed in production")
		}
		f.accounts = memory.NewAccountStore()
		logger.Warn("Using in-process user directory; accounts are lost on restart")
	default:
		return fmt.Errorf("unknown directory driver %q", cfg.Drivers.Directory)
	}

	logger.Info("User directory initialized", zap.String("driver", cfg.Drivers.Directory))
	return nil
}

func (f *Factory) initializeServices(ctx context.Context) error {
	cfg := f.config

	var sender notification.Sender
	switch cfg.Drivers.Notifier {
	case "smtp":
		smtp, err := notification.NewSMTPSender(cfg.Mail)
		if err != nil {
			return fmt.Errorf("smtp: %w", err)
		}
		sender = smtp
	case "amqp":
		sender = notification.NewQueueSender(f.amqpPublisher, cfg.RabbitMQ)
	default:
		sender = notification.NewLogSender(f.logger.Named("mail"))
	}

	mailer, err := notification.NewMailer(sender, cfg.App.Name, cfg.App.DashboardURL, f.logger.Named("mail"))
	if err != nil {
		return fmt.Errorf("mailer: %w", err)
	}
	f.mailer = mailer

	var sinks []audit.Sink
	if f.kafkaProducer != nil {
		sinks = append(sinks, audit.NewKafkaSink(f.kafkaProducer))
	}
	if f.clickhouseClient != nil {
		chSink := audit.NewClickHouseSink(f.clickhouseClient, cfg.Clickhouse.AuditTable, cfg.Audit.BufferSize)
		if err := chSink.EnsureTable(ctx); err != nil {
			return fmt.Errorf("clickhouse audit table: %w", err)
		}
		sinks = append(sinks, chSink)
	}
	if f.esClient != nil {
		sinks = append(sinks, audit.NewElasticsearchSink(f.esClient))
	}
	f.recorder = audit.NewRecorder(f.bucketingManager, f.logger.Named("audit"), sinks...)

	if f.redisClient != nil {
		f.rateLimiter = redisrepo.NewRateLimitCache(f.redisClient, cfg.RateLimit.Prefix)
	} else {
		f.rateLimiter = memory.NewRateLimiter()
	}

	sf, err := service.NewServiceFactory(cfg, f.accounts, f.ephemeral, f.passwords, f.encryptionManager,
		f.mailer, f.recorder, f.logger.Named("service"))
	if err != nil {
		return fmt.Errorf("service factory: %w", err)
	}
	f.serviceFactory = sf

	f.scheduler = scheduler.NewScheduler(&scheduler.Jobs{
		Audit:     f.recorder,
		Ephemeral: f.keyCounter,
		KeyCache:  f.encryptionManager,
		KeyMaxAge: keyCacheMaxAge,
		Logger:    f.logger.Named("jobs"),
	}, cfg.Audit, f.logger.Named("scheduler"))
	if err := f.scheduler.Start(); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	return nil
}

// ==============================
// Health Checks
// ==============================

type healthCheck struct {
	name  string
	check func(ctx context.Context) error
}

func (f *Factory) checks() []healthCheck {
	checks := []healthCheck{{"directory", f.accounts.HealthCheck}}
	if f.redisClient != nil {
		checks = append(checks, healthCheck{"redis", f.redisClient.HealthCheck})
	}
	if f.scyllaClient != nil {
		checks = append(checks, healthCheck{"scylla", f.scyllaClient.HealthCheck})
	}
	if f.kafkaProducer != nil {
		checks = append(checks, healthCheck{"kafka", f.kafkaProducer.HealthCheck})
	}
	if f.esClient != nil {
		checks = append(checks, healthCheck{"elasticsearch", f.esClient.HealthCheck})
	}
	if f.clickhouseClient != nil {
		checks = append(checks, healthCheck{"clickhouse", f.clickhouseClient.HealthCheck})
	}
	if f.amqpPublisher != nil {
		checks = append(checks, healthCheck{"rabbitmq", f.amqpPublisher.HealthCheck})
	}
	return checks
}

// CheckHealth checks every configured dependency concurrently. The map has
// one entry per component; a nil value means healthy.
func (f *Factory) CheckHealth(ctx context.Context) map[string]error {
	checks := f.checks()
	results := make([]error, len(checks))

	g, gctx := errgroup.WithContext(ctx)
	for i, p := range checks {
		i, p := i, p
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, healthTimeout)
			defer cancel()
			results[i] = p.check(pctx)
			return nil
		})
	}
	_ = g.Wait()

	health := make(map[string]error, len(checks))
	for i, p := range checks {
		health[p.name] = results[i]
	}
	return health
}

// ==============================
// Other Utility Methods
// ==============================

func (f *Factory) IsHealthy(ctx context.Context) bool {
	for _, err := range f.CheckHealth(ctx) {
		if err != nil {
			return false
		}
	}
	return true
}

// Close waits for in-flight notifications, stops the scheduler (which
// flushes audit events one last time), then releases the clients.
func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		f.logger.Info("Shutting down factory...")

		ctx, cancel := context.WithTimeout(context.Background(), initTimeout)
		defer cancel()

		if f.serviceFactory != nil {
			f.serviceFactory.Cleanup()
			f.logger.Info("Service factory cleaned up")
		}
		if f.scheduler != nil {
			f.scheduler.Stop(ctx)
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				f.logger.Error("Failed to close ClickHouse client", zap.Error(err))
			}
		}
		if f.esClient != nil {
			f.esClient.Close()
		}
		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				f.logger.Error("Failed to close Kafka producer", zap.Error(err))
			}
		}
		if f.amqpPublisher != nil {
			f.amqpPublisher.Close()
		}
		if f.scyllaClient != nil {
			f.scyllaClient.Close()
		}
		if f.postgresPool != nil {
			f.postgresPool.Close()
		}
		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				f.logger.Error("Failed to close Redis client", zap.Error(err))
			}
		}

		f.logger.Info("Factory shutdown complete")
	})
	return nil
}

// ==============================
// Getters
// ==============================

func (f *Factory) Config() *config.Config { return f.config }

func (f *Factory) TLSManager() *tls.TLSManager { return f.tlsManager }

func (f *Factory) ServiceFactory() *service.ServiceFactory { return f.serviceFactory }

func (f *Factory) RateLimiter() handler.RateLimiter { return f.rateLimiter }

func (f *Factory) Logger() *zap.Logger { return f.logger }
