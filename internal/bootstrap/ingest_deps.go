package bootstrap

import (
	"context"
	"os"

	"papergraph/adapter/out/graph"
	"papergraph/adapter/out/mongodb"
	"papergraph/adapter/out/persistence"
	"papergraph/adapter/out/provider"
	"papergraph/config"
	"papergraph/core/agent/llm"
	"papergraph/core/port/out"
	"papergraph/core/service/credential"
	"papergraph/core/service/extraction"
	"papergraph/core/service/insight"
	"papergraph/core/service/llmguard"
	"papergraph/core/service/qualification"
	emailsync "papergraph/core/service/sync"
	"papergraph/core/service/template"
	"papergraph/infra/database"
	"papergraph/internal/stream"
	"papergraph/pkg/crypto"
	"papergraph/pkg/logger"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver for database/sql
	"github.com/jmoiron/sqlx"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/mongo"
)

// Dependencies wires storage, providers, the queue, and the services.
// Postgres, Redis, and MongoDB are required; Neo4j is optional and
// insight queries fall back to SQL when it is absent.
type Dependencies struct {
	Config *config.Config
	SQLDB  *sqlx.DB
	Redis  *redis.Client
	Mongo  *mongo.Client
	Neo4j  neo4j.DriverWithContext

	// Repositories
	UserRepo             out.UserRepository
	MessageRepo          out.MessageRepository
	AttachmentRepo       out.AttachmentRepository
	DocumentRepo         out.DocumentRepository
	PartyRepo            out.PartyRepository
	TransactionRepo      out.TransactionRepository
	LinkRepo             out.LinkRepository
	CredentialRepo       out.CredentialRepository
	SyncStateRepo        out.SyncStateRepository
	TemplateRepo         out.TemplateRepository
	JobRecordRepo        out.JobRecordRepository
	InsightRepo          out.InsightRepository
	MetricsRepo          out.MetricsRepository
	QualificationLogRepo out.QualificationLogRepository
	BlobStore            out.BlobStore
	GraphStore           out.GraphStore

	// Providers and queue
	ProviderFactory out.ProviderFactory
	Stream          *stream.RedisStream
	Producer        out.JobProducer

	// LLM
	LLMClient  *llm.Client
	GuardedLLM llmguard.GuardedLLM

	// Services
	CredentialService    *credential.Service
	TemplateService      *template.Service
	QualificationService *qualification.Service
	SyncService          *emailsync.Service
	ExtractionService    *extraction.Service
	InsightService       *insight.Service
}

const consumerGroup = "ingest-workers"

func NewDependencies(cfg *config.Config) (*Dependencies, func(), error) {
	deps := &Dependencies{Config: cfg}
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	// Token encryption key must be present before anything touches
	// stored credentials.
	if err := crypto.Init(); err != nil {
		return nil, nil, err
	}
	encryptor, err := crypto.NewEncryptor([]byte(os.Getenv("ENCRYPTION_KEY")))
	if err != nil {
		return nil, nil, err
	}

	// Postgres
	sqlDB, err := database.NewSQLX(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	deps.SQLDB = sqlDB
	cleanups = append(cleanups, func() { sqlDB.Close() })
	logger.Info("postgres connected")

	// Redis
	redisClient, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	deps.Redis = redisClient
	cleanups = append(cleanups, func() { redisClient.Close() })
	logger.Info("redis connected")

	// MongoDB (raw attachment bytes and extracted text)
	mongoClient, err := mongodb.NewClient(cfg.MongoDBURL)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	deps.Mongo = mongoClient
	cleanups = append(cleanups, func() { mongoClient.Disconnect(context.Background()) })

	blobAdapter := mongodb.NewBlobAdapter(mongoClient.Database(cfg.MongoDBName))
	if err := blobAdapter.EnsureIndexes(context.Background()); err != nil {
		logger.Warn("mongodb index setup failed: %v", err)
	}
	deps.BlobStore = blobAdapter
	logger.Info("mongodb connected: db=%s", cfg.MongoDBName)

	// Neo4j (optional graph projection)
	if cfg.Neo4jURL != "" {
		neo4jDriver, err := graph.NewDriver(cfg.Neo4jURL, cfg.Neo4jUsername, cfg.Neo4jPassword)
		if err != nil {
			logger.Warn("neo4j connection failed, insight queries fall back to sql: %v", err)
		} else {
			deps.Neo4j = neo4jDriver
			cleanups = append(cleanups, func() { neo4jDriver.Close(context.Background()) })

			graphAdapter := graph.NewGraphAdapter(neo4jDriver, "neo4j")
			if err := graphAdapter.EnsureIndexes(context.Background()); err != nil {
				logger.Warn("neo4j index setup failed: %v", err)
			}
			deps.GraphStore = graphAdapter
			logger.Info("neo4j connected")
		}
	}

	// Repositories
	deps.UserRepo = persistence.NewUserAdapter(sqlDB)
	deps.MessageRepo = persistence.NewMessageAdapter(sqlDB)
	deps.AttachmentRepo = persistence.NewAttachmentAdapter(sqlDB)
	deps.DocumentRepo = persistence.NewDocumentAdapter(sqlDB)
	deps.PartyRepo = persistence.NewPartyAdapter(sqlDB)
	deps.TransactionRepo = persistence.NewTransactionAdapter(sqlDB)
	deps.LinkRepo = persistence.NewLinkAdapter(sqlDB)
	deps.CredentialRepo = persistence.NewCredentialAdapter(sqlDB, encryptor)
	deps.SyncStateRepo = persistence.NewSyncStateAdapter(sqlDB)
	deps.TemplateRepo = persistence.NewTemplateAdapter(sqlDB)
	deps.JobRecordRepo = persistence.NewJobRecordAdapter(sqlDB)
	deps.InsightRepo = persistence.NewInsightAdapter(sqlDB)
	deps.MetricsRepo = persistence.NewMetricsAdapter(sqlDB)
	deps.QualificationLogRepo = persistence.NewQualificationLogAdapter(sqlDB)

	// Email providers behind per-provider rate limits
	deps.ProviderFactory = provider.NewFactory(provider.Config{
		IMAPAddr:            cfg.IMAPAddr,
		GmailRequestsPerSec: cfg.GmailRequestsPerSec,
		OtherRequestsPerSec: cfg.OtherRequestsPerSec,
		Burst:               cfg.RateLimitBurst,
		WaitTimeout:         cfg.RateLimitWaitTimeout,
		Timeout:             cfg.ProviderTimeout,
	}, redisClient)

	// Job queue (Redis Streams)
	deps.Stream = stream.NewRedisStream(redisClient, consumerGroup)
	deps.Producer = stream.NewProducer(deps.Stream)

	// LLM client behind the guard (rate limits, daily cost cap, breaker)
	deps.LLMClient = llm.NewClient(llm.ClientConfig{
		APIKey:      cfg.OpenAIAPIKey,
		BaseURL:     cfg.OpenAIBaseURL,
		CheapModel:  cfg.LLMModel,
		StrongModel: cfg.LLMStrongModel,
		VisionModel: cfg.LLMVisionModel,
		MaxTokens:   cfg.LLMMaxTokens,
		Timeout:     cfg.LLMTimeout,
		MaxRetries:  cfg.LLMMaxRetries,
	})
	deps.GuardedLLM = llmguard.New(deps.LLMClient, redisClient, llmguard.Config{
		PerUserRPM:     cfg.LLMPerUserRPM,
		GlobalRPM:      cfg.LLMGlobalRPM,
		DailyDollarCap: cfg.LLMDailyUserDollarCap,
	})

	// Services
	deps.CredentialService = credential.NewService(deps.CredentialRepo, credential.OAuthConfig{
		GoogleClientID:        cfg.GoogleClientID,
		GoogleClientSecret:    cfg.GoogleClientSecret,
		MicrosoftClientID:     cfg.MicrosoftClientID,
		MicrosoftClientSecret: cfg.MicrosoftClientSecret,
		MicrosoftTenantID:     cfg.MicrosoftTenantID,
		RedirectURL:           cfg.RedirectURL(),
	})

	deps.TemplateService = template.NewService(deps.TemplateRepo, cfg.TemplateTTLDays)

	deps.QualificationService = qualification.NewService(
		deps.MessageRepo,
		deps.AttachmentRepo,
		deps.Producer,
		deps.GuardedLLM,
		deps.QualificationLogRepo,
	)

	deps.SyncService = emailsync.NewService(
		emailsync.Config{
			WindowMonths:  cfg.WindowMonths,
			OverlapWindow: cfg.OverlapWindow,
			MaxRetries:    cfg.SyncRetryAttempts,
			HighWater:     cfg.QueueHighWater,
			LowWater:      cfg.QueueLowWater,
		},
		deps.UserRepo,
		deps.SyncStateRepo,
		deps.MessageRepo,
		deps.AttachmentRepo,
		deps.CredentialService,
		deps.ProviderFactory,
		deps.Producer,
		deps.QualificationService,
	)

	deps.ExtractionService = extraction.NewService(
		extraction.Config{
			Policy:   mapCostPolicy(cfg.CostPolicy),
			LeaseTTL: cfg.HardTimeLimit,
			Owner:    cfg.WorkerID,
		},
		deps.MessageRepo,
		deps.AttachmentRepo,
		deps.DocumentRepo,
		deps.PartyRepo,
		deps.TransactionRepo,
		deps.LinkRepo,
		deps.BlobStore,
		deps.GraphStore,
		deps.ProviderFactory,
		deps.CredentialService,
		deps.GuardedLLM,
		deps.TemplateService,
	)

	deps.InsightService = insight.NewService(deps.GraphStore, deps.InsightRepo, deps.MetricsRepo)

	return deps, cleanup, nil
}

func mapCostPolicy(p config.CostPolicy) extraction.CostPolicy {
	if p == config.PolicyAccuracyFirst {
		return extraction.PolicyQuality
	}
	return extraction.PolicyConservative
}

// Zerolog instance for the components that log structured events.
func newZerolog(component string) zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
		With().Timestamp().Str("component", component).Logger()
}
