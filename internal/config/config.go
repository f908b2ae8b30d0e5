package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is used when neither a flag nor REVIEWY_CONFIG is set.
const DefaultConfigPath = "config.yaml"

// Process roles validated by Validate.
const (
	RoleServer = "server"
	RoleWorker = "worker"
)

// Bus drivers.
const (
	BusMemory = "memory"
	BusRedis  = "redis"
	BusSQS    = "sqs"
)

// Config is the full application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Logging   LoggingConfig   `yaml:"logging"`
	JWT       JWTConfig       `yaml:"jwt"`
	GitHub    GitHubConfig    `yaml:"github"`
	Bus       BusConfig       `yaml:"bus"`
	Worker    WorkerConfig    `yaml:"worker"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Vector    VectorConfig    `yaml:"vector"`
	LLM       LLMConfig       `yaml:"llm"`
	Billing   BillingConfig   `yaml:"billing"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Addr          string   `yaml:"addr"`
	PublicBaseURL string   `yaml:"public-base-url"` // Base URL the hosting provider calls back.
	CORSOrigins   []string `yaml:"cors-origins"`
}

// DatabaseConfig holds the relational store DSN (postgres or sqlite).
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// LoggingConfig controls logrus output and optional file rotation.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // text or json.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max-size-mb"`
	MaxBackups int    `yaml:"max-backups"`
	MaxAgeDays int    `yaml:"max-age-days"`
	Compress   bool   `yaml:"compress"`
}

// JWTConfig configures dashboard session tokens.
type JWTConfig struct {
	Secret string        `yaml:"secret"`
	Expiry time.Duration `yaml:"expiry"`
}

// GitHubConfig configures the hosting provider client and webhook verification.
type GitHubConfig struct {
	APIURL        string `yaml:"api-url"`
	WebURL        string `yaml:"web-url"`
	WebhookSecret string `yaml:"webhook-secret"`
}

// BusConfig selects and configures the durable event bus.
type BusConfig struct {
	Driver      string `yaml:"driver"`
	MaxAttempts int    `yaml:"max-attempts"`

	RedisAddr     string `yaml:"redis-addr"`
	RedisPassword string `yaml:"redis-password"`
	RedisDB       int    `yaml:"redis-db"`
	RedisStream   string `yaml:"redis-stream"`
	RedisGroup    string `yaml:"redis-group"`

	// RedisClaimIdle is how long an entry may sit unacknowledged with a consumer before
	// another consumer claims it.
	RedisClaimIdle time.Duration `yaml:"redis-claim-idle"`

	SQSQueueURL string `yaml:"sqs-queue-url"`
	SQSRegion   string `yaml:"sqs-region"`
}

// WorkerConfig configures event consumers.
type WorkerConfig struct {
	Concurrency int           `yaml:"concurrency"`
	Name        string        `yaml:"name"`
	CallTimeout time.Duration `yaml:"call-timeout"` // Deadline for each external call.
	TopK        int           `yaml:"top-k"`

	DeadLetterRetention time.Duration `yaml:"dead-letter-retention"` // Zero keeps dead letters forever.
}

// EmbeddingConfig configures the embedding model collaborator.
type EmbeddingConfig struct {
	APIKey  string `yaml:"api-key"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base-url"`
}

// VectorConfig configures the vector index collaborator.
type VectorConfig struct {
	APIKey    string `yaml:"api-key"`
	IndexHost string `yaml:"index-host"`
}

// LLMConfig configures the review text generator.
type LLMConfig struct {
	APIKey  string `yaml:"api-key"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base-url"`
}

// BillingConfig configures the billing webhook and subscription sync.
type BillingConfig struct {
	StripeWebhookSecret string `yaml:"stripe-webhook-secret"`
	StripeSecretKey     string `yaml:"stripe-secret-key"` // Enables POST /api/billing/sync.
}

// ResolveConfigPath picks the config path from the flag value, the
// REVIEWY_CONFIG environment variable, or the default.
func ResolveConfigPath(path string) string {
	if trimmed := strings.TrimSpace(path); trimmed != "" {
		return trimmed
	}
	if env := strings.TrimSpace(os.Getenv("REVIEWY_CONFIG")); env != "" {
		return env
	}
	return DefaultConfigPath
}

// Load reads .env (when present), the YAML file at path (when present),
// applies environment overrides and fills defaults.
func Load(path string) (Config, error) {
	if errEnv := godotenv.Load(); errEnv != nil && !errors.Is(errEnv, os.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load .env: %w", errEnv)
	}

	var cfg Config
	data, errRead := os.ReadFile(path)
	switch {
	case errRead == nil:
		if errYAML := yaml.Unmarshal(data, &cfg); errYAML != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, errYAML)
		}
	case errors.Is(errRead, os.ErrNotExist):
	default:
		return Config{}, fmt.Errorf("config: read %s: %w", path, errRead)
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	overrides := []struct {
		key    string
		target *string
	}{
		{"DATABASE_DSN", &cfg.Database.DSN},
		{"PUBLIC_BASE_URL", &cfg.Server.PublicBaseURL},
		{"JWT_SECRET", &cfg.JWT.Secret},
		{"GITHUB_WEBHOOK_SECRET", &cfg.GitHub.WebhookSecret},
		{"GEMINI_API_KEY", &cfg.Embedding.APIKey},
		{"GEMINI_API_KEY", &cfg.LLM.APIKey},
		{"PINECONE_API_KEY", &cfg.Vector.APIKey},
		{"PINECONE_INDEX_HOST", &cfg.Vector.IndexHost},
		{"STRIPE_WEBHOOK_SECRET", &cfg.Billing.StripeWebhookSecret},
		{"STRIPE_SECRET_KEY", &cfg.Billing.StripeSecretKey},
		{"REDIS_ADDR", &cfg.Bus.RedisAddr},
		{"SQS_QUEUE_URL", &cfg.Bus.SQSQueueURL},
		{"EVENT_BUS_DRIVER", &cfg.Bus.Driver},
	}
	for _, o := range overrides {
		if value, ok := os.LookupEnv(o.key); ok && strings.TrimSpace(value) != "" {
			*o.target = strings.TrimSpace(value)
		}
	}
	if raw, ok := os.LookupEnv("WORKER_CONCURRENCY"); ok {
		if n, errParse := strconv.Atoi(strings.TrimSpace(raw)); errParse == nil && n > 0 {
			cfg.Worker.Concurrency = n
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = "data/reviewy.db"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.JWT.Expiry <= 0 {
		cfg.JWT.Expiry = 7 * 24 * time.Hour
	}
	if cfg.GitHub.APIURL == "" {
		cfg.GitHub.APIURL = "https://api.github.com"
	}
	if cfg.GitHub.WebURL == "" {
		cfg.GitHub.WebURL = "https://github.com"
	}
	cfg.GitHub.APIURL = strings.TrimRight(cfg.GitHub.APIURL, "/")
	cfg.GitHub.WebURL = strings.TrimRight(cfg.GitHub.WebURL, "/")
	cfg.Server.PublicBaseURL = strings.TrimRight(cfg.Server.PublicBaseURL, "/")

	if cfg.Bus.Driver == "" {
		cfg.Bus.Driver = BusMemory
	}
	if cfg.Bus.MaxAttempts <= 0 {
		cfg.Bus.MaxAttempts = 3
	}
	if cfg.Bus.RedisStream == "" {
		cfg.Bus.RedisStream = "reviewy:events"
	}
	if cfg.Bus.RedisGroup == "" {
		cfg.Bus.RedisGroup = "reviewy-workers"
	}
	if cfg.Bus.RedisClaimIdle <= 0 {
		cfg.Bus.RedisClaimIdle = 5 * time.Minute
	}
	if cfg.Worker.Concurrency <= 0 {
		cfg.Worker.Concurrency = 4
	}
	if cfg.Worker.Name == "" {
		host, errHost := os.Hostname()
		if errHost != nil || host == "" {
			host = "worker"
		}
		cfg.Worker.Name = host
	}
	if cfg.Worker.CallTimeout <= 0 {
		cfg.Worker.CallTimeout = 60 * time.Second
	}
	if cfg.Worker.TopK <= 0 {
		cfg.Worker.TopK = 3
	}
	if cfg.Worker.DeadLetterRetention < 0 {
		cfg.Worker.DeadLetterRetention = 0
	}
	if cfg.Embedding.Model == "" {
		cfg.Embedding.Model = "text-embedding-004"
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "gemini-2.5-flash"
	}
}

// WebhookCallbackURL is the URL registered on connected repositories.
func (c Config) WebhookCallbackURL() string {
	return c.Server.PublicBaseURL + "/api/webhooks/github"
}

// Validate reports missing settings required by the given role.
func (c Config) Validate(role string) error {
	var missing []string
	require := func(name, value string) {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, name)
		}
	}

	require("database.dsn", c.Database.DSN)
	switch c.Bus.Driver {
	case BusMemory:
	case BusRedis:
		require("bus.redis-addr", c.Bus.RedisAddr)
	case BusSQS:
		require("bus.sqs-queue-url", c.Bus.SQSQueueURL)
	default:
		return fmt.Errorf("config: unsupported bus driver %q", c.Bus.Driver)
	}

	switch role {
	case RoleServer:
		require("server.public-base-url", c.Server.PublicBaseURL)
		require("jwt.secret", c.JWT.Secret)
	case RoleWorker:
		require("embedding.api-key", c.Embedding.APIKey)
		require("vector.api-key", c.Vector.APIKey)
		require("vector.index-host", c.Vector.IndexHost)
		require("llm.api-key", c.LLM.APIKey)
	default:
		return fmt.Errorf("config: unknown role %q", role)
	}

	if len(missing) > 0 {
		return fmt.Errorf("config: missing required settings: %s", strings.Join(missing, ", "))
	}
	return nil
}
