package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// CostPolicy controls routing of scanned documents and images.
type CostPolicy string

const (
	PolicyCostConservative CostPolicy = "cost_conservative"
	PolicyAccuracyFirst    CostPolicy = "accuracy_first"
)

// generateWorkerID creates a unique worker ID using hostname and PID.
func generateWorkerID() string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "worker"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

type Config struct {
	Port        string
	Environment string

	// Public URL (OAuth redirect URIs)
	PublicProtocol string
	PublicDomain   string

	// Storage
	DatabaseURL string
	MongoDBURL  string
	MongoDBName string
	RedisURL    string

	// Neo4j (optional graph projection)
	Neo4jURL      string
	Neo4jUsername string
	Neo4jPassword string

	// JWT (API auth; issuance is external)
	JWTSecret string

	// OpenAI
	OpenAIAPIKey   string
	OpenAIBaseURL  string
	LLMModel       string
	LLMStrongModel string
	LLMVisionModel string
	LLMMaxTokens   int
	LLMTimeout     time.Duration
	LLMMaxRetries  int

	// LLM cost routing
	CostPolicy            CostPolicy
	LLMPerUserRPM         int
	LLMGlobalRPM          int
	LLMDailyUserDollarCap float64

	// OAuth - Google
	GoogleClientID     string
	GoogleClientSecret string

	// OAuth - Microsoft
	MicrosoftClientID     string
	MicrosoftClientSecret string
	MicrosoftTenantID     string

	// IMAP (generic provider)
	IMAPAddr string

	// Sync
	WindowMonths       int
	MaxEmailsPerSync   int // 0 = unlimited
	OverlapWindow      time.Duration
	SyncRetryAttempts  int
	SyncCheckInterval  time.Duration
	SyncStaleThreshold time.Duration

	// Provider rate limiting
	RateLimitBurst       int
	GmailRequestsPerSec  float64
	OtherRequestsPerSec  float64
	RateLimitWaitTimeout time.Duration
	ProviderTimeout      time.Duration

	// Worker / queue
	WorkerID          string
	WorkerConcurrency int
	SoftTimeLimit     time.Duration
	HardTimeLimit     time.Duration
	MaxJobAttempts    int
	RetryBackoffBase  time.Duration
	RetryBackoffCap   time.Duration
	QueueHighWater    int64
	QueueLowWater     int64

	// Templates
	TemplateTTLDays int
}

func Load() (*Config, error) {
	return &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENV", "development"),

		PublicProtocol: getEnv("PUBLIC_PROTOCOL", "https"),
		PublicDomain:   getEnv("PUBLIC_DOMAIN", "localhost:8080"),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		MongoDBURL:  getEnv("MONGODB_URL", ""),
		MongoDBName: getEnv("MONGODB_DATABASE", "papergraph"),
		RedisURL:    getEnv("REDIS_URL", ""),

		Neo4jURL:      getEnv("NEO4J_URL", ""),
		Neo4jUsername: getEnv("NEO4J_USERNAME", "neo4j"),
		Neo4jPassword: getEnv("NEO4J_PASSWORD", ""),

		JWTSecret: getEnv("JWT_SECRET", ""),

		OpenAIAPIKey:   getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:  getEnv("OPENAI_BASE_URL", ""),
		LLMModel:       getEnv("LLM_MODEL", "gpt-4o-mini"),
		LLMStrongModel: getEnv("LLM_STRONG_MODEL", "gpt-4o"),
		LLMVisionModel: getEnv("LLM_VISION_MODEL", "gpt-4o"),
		LLMMaxTokens:   getEnvInt("LLM_MAX_TOKENS", 2048),
		LLMTimeout:     time.Duration(getEnvInt("LLM_TIMEOUT_SEC", 60)) * time.Second,
		LLMMaxRetries:  getEnvInt("LLM_MAX_RETRIES", 3),

		CostPolicy:            CostPolicy(getEnv("COST_POLICY", string(PolicyCostConservative))),
		LLMPerUserRPM:         getEnvInt("LLM_PER_USER_RPM", 10),
		LLMGlobalRPM:          getEnvInt("LLM_GLOBAL_RPM", 120),
		LLMDailyUserDollarCap: getEnvFloat("LLM_DAILY_USER_DOLLAR_CAP", 5.0),

		GoogleClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),

		MicrosoftClientID:     getEnv("MICROSOFT_CLIENT_ID", ""),
		MicrosoftClientSecret: getEnv("MICROSOFT_CLIENT_SECRET", ""),
		MicrosoftTenantID:     getEnv("MICROSOFT_TENANT_ID", "common"),

		IMAPAddr: getEnv("IMAP_ADDR", ""),

		WindowMonths:       getEnvInt("WINDOW_MONTHS", 3),
		MaxEmailsPerSync:   getEnvInt("MAX_EMAILS_PER_SYNC", 0),
		OverlapWindow:      time.Duration(getEnvInt("OVERLAP_WINDOW_HOURS", 24)) * time.Hour,
		SyncRetryAttempts:  getEnvInt("SYNC_RETRY_ATTEMPTS", 3),
		SyncCheckInterval:  time.Duration(getEnvInt("SYNC_CHECK_INTERVAL_SEC", 60)) * time.Second,
		SyncStaleThreshold: time.Duration(getEnvInt("SYNC_STALE_THRESHOLD_MIN", 15)) * time.Minute,

		RateLimitBurst:       getEnvInt("RATE_LIMIT_BURST", 20),
		GmailRequestsPerSec:  getEnvFloat("GMAIL_REQUESTS_PER_SEC", 25),
		OtherRequestsPerSec:  getEnvFloat("PROVIDER_REQUESTS_PER_SEC", 10),
		RateLimitWaitTimeout: time.Duration(getEnvInt("RATE_LIMIT_WAIT_TIMEOUT_SEC", 10)) * time.Second,
		ProviderTimeout:      time.Duration(getEnvInt("PROVIDER_TIMEOUT_SEC", 30)) * time.Second,

		WorkerID:          getEnv("WORKER_ID", generateWorkerID()),
		WorkerConcurrency: getEnvInt("WORKER_CONCURRENCY", 4),
		SoftTimeLimit:     time.Duration(getEnvInt("SOFT_TIME_LIMIT_S", 540)) * time.Second,
		HardTimeLimit:     time.Duration(getEnvInt("HARD_TIME_LIMIT_S", 600)) * time.Second,
		MaxJobAttempts:    getEnvInt("MAX_JOB_ATTEMPTS", 5),
		RetryBackoffBase:  time.Duration(getEnvInt("RETRY_BACKOFF_BASE_SEC", 60)) * time.Second,
		RetryBackoffCap:   time.Duration(getEnvInt("RETRY_BACKOFF_CAP_SEC", 1800)) * time.Second,
		QueueHighWater:    int64(getEnvInt("QUEUE_HIGH_WATER", 1000)),
		QueueLowWater:     int64(getEnvInt("QUEUE_LOW_WATER", 200)),

		TemplateTTLDays: getEnvInt("TEMPLATE_TTL_DAYS", 90),
	}, nil
}

// RedirectURL returns the OAuth callback URL for this deployment.
func (c *Config) RedirectURL() string {
	return fmt.Sprintf("%s://%s/api/auth/callback", c.PublicProtocol, c.PublicDomain)
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}
