package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the application
type Config struct {
	Poller     PollerConfig
	API        APIConfig
	Checkpoint CheckpointConfig
	Secrets    SecretsConfig
	Dispatch   DispatchConfig
	Server     ServerConfig
}

// PollerConfig holds run-level polling configuration
type PollerConfig struct {
	SearchQuery        string
	BatchSize          int
	MaxRecordsPerRun   int
	MaxRunDuration     time.Duration
	RateLimitThreshold float64
	BackoffBase        time.Duration
	BackoffMax         time.Duration
	MaxRetries         int
	PollInterval       time.Duration
	RunOnce            bool
}

// APIConfig holds search API client configuration
type APIConfig struct {
	BaseURL  string
	Timeout  time.Duration
	PageSize int
}

// CheckpointConfig holds checkpoint store configuration
type CheckpointConfig struct {
	Type        string // "dynamodb", "mongodb", "postgresql", "memory"
	Region      string // For AWS DynamoDB
	TableName   string
	Endpoint    string // Custom endpoint for local testing
	MongoDBURI  string
	PostgresURI string
	Key         string // Logical checkpoint key
}

// SecretsConfig holds credential retrieval configuration
type SecretsConfig struct {
	Region          string
	Endpoint        string
	ParameterPrefix string
	TokenCacheTTL   time.Duration
}

// DispatchConfig holds downstream batch consumer configuration
type DispatchConfig struct {
	Region       string
	Endpoint     string
	FunctionName string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int
}

// Load loads configuration from environment variables with defaults
func Load() (*Config, error) {
	cfg := &Config{
		Poller: PollerConfig{
			SearchQuery:        getEnv("SEARCH_QUERY", "selfie"),
			BatchSize:          getEnvInt("BATCH_SIZE", 25),
			MaxRecordsPerRun:   getEnvInt("MAX_RECORDS_PER_RUN", 1000),
			MaxRunDuration:     getEnvDuration("MAX_RUN_DURATION", 14*time.Minute),
			RateLimitThreshold: getEnvFloat("RATE_LIMIT_THRESHOLD", 0.2),
			BackoffBase:        getEnvDuration("BACKOFF_BASE", time.Second),
			BackoffMax:         getEnvDuration("BACKOFF_MAX", 300*time.Second),
			MaxRetries:         getEnvInt("MAX_RETRIES", 5),
			PollInterval:       getEnvDuration("POLL_INTERVAL", 5*time.Minute),
			RunOnce:            getEnvBool("RUN_ONCE", false),
		},
		API: APIConfig{
			BaseURL:  getEnv("SEARCH_API_URL", "https://api.twitter.com/2/tweets/search/recent"),
			Timeout:  getEnvDuration("API_TIMEOUT", 30*time.Second),
			PageSize: getEnvInt("API_PAGE_SIZE", 100),
		},
		Checkpoint: CheckpointConfig{
			Type:        getEnv("CHECKPOINT_STORE", "dynamodb"),
			Region:      getEnv("AWS_REGION", "us-west-2"),
			TableName:   getEnv("CHECKPOINT_TABLE", "search_checkpoints"),
			Endpoint:    getEnv("DYNAMODB_ENDPOINT", ""), // For local DynamoDB
			MongoDBURI:  getEnv("MONGODB_URI", ""),
			PostgresURI: getEnv("POSTGRES_URI", ""),
			Key:         getEnv("CHECKPOINT_KEY", "checkpoint"),
		},
		Secrets: SecretsConfig{
			Region:          getEnv("AWS_REGION", "us-west-2"),
			Endpoint:        getEnv("SSM_ENDPOINT", ""),
			ParameterPrefix: getEnv("SSM_PARAMETER_PREFIX", "social-poller"),
			TokenCacheTTL:   getEnvDuration("TOKEN_CACHE_TTL", 10*time.Minute),
		},
		Dispatch: DispatchConfig{
			Region:       getEnv("AWS_REGION", "us-west-2"),
			Endpoint:     getEnv("LAMBDA_ENDPOINT", ""),
			FunctionName: getEnv("PROCESSOR_FUNCTION_NAME", "record-processor"),
		},
		Server: ServerConfig{
			Port: getEnvInt("SERVER_PORT", 8080),
		},
	}

	return cfg, nil
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.Poller.SearchQuery == "" {
		return fmt.Errorf("search query cannot be empty")
	}
	if c.Poller.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.Poller.MaxRecordsPerRun <= 0 {
		return fmt.Errorf("max records per run must be positive")
	}
	if c.Poller.MaxRunDuration <= 0 {
		return fmt.Errorf("max run duration must be positive")
	}
	if c.Poller.RateLimitThreshold <= 0 || c.Poller.RateLimitThreshold >= 1 {
		return fmt.Errorf("rate limit threshold must be between 0 and 1")
	}
	if c.Poller.BackoffBase <= 0 {
		return fmt.Errorf("backoff base must be positive")
	}
	if c.Poller.BackoffMax < c.Poller.BackoffBase {
		return fmt.Errorf("backoff max (%s) cannot be less than backoff base (%s)",
			c.Poller.BackoffMax, c.Poller.BackoffBase)
	}
	if c.Poller.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.API.BaseURL == "" {
		return fmt.Errorf("search API URL cannot be empty")
	}
	if c.API.PageSize <= 0 {
		return fmt.Errorf("API page size must be positive")
	}
	switch c.Checkpoint.Type {
	case "dynamodb", "mongodb", "postgresql", "memory":
	default:
		return fmt.Errorf("unsupported checkpoint store type: %s", c.Checkpoint.Type)
	}
	if c.Checkpoint.Key == "" {
		return fmt.Errorf("checkpoint key cannot be empty")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
