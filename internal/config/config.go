package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// LLM providers understood by the model client.
const (
	ProviderAzure  = "azure"
	ProviderOpenAI = "openai"
)

// Side-channel policies for the tool_data field of chat responses.
const (
	// PolicySuppressFolded drops the structured result of tools whose output is
	// already folded into the model's answer (company news).
	PolicySuppressFolded = "suppress-folded"
	// PolicyForwardAll always forwards the last tool result.
	PolicyForwardAll = "forward-all"
)

// Session store backends.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// Config holds all configuration for the finance gateway service
type Config struct {
	// Server configuration
	Port           string `envconfig:"PORT" default:"8000"`
	GRPCHealthPort int    `envconfig:"GRPC_HEALTH_PORT" default:"0"` // 0 disables the gRPC health server

	// Finnhub market data API
	FinnhubAPIKey  string        `envconfig:"FINNHUB_API_KEY" required:"true"`
	FinnhubBaseURL string        `envconfig:"FINNHUB_BASE_URL" default:"https://finnhub.io/api/v1"`
	FinnhubTimeout time.Duration `envconfig:"FINNHUB_TIMEOUT" default:"10s"`

	// Language model configuration.
	// azure uses AZURE_OPENAI_ENDPOINT + OPENAI_API_DEPLOYMENT, openai uses OPENAI_BASE_URL + OPENAI_API_MODEL.
	LLMProvider         string        `envconfig:"LLM_PROVIDER" default:"azure"`
	AzureEndpoint       string        `envconfig:"AZURE_OPENAI_ENDPOINT" default:""`
	AzureAPIKey         string        `envconfig:"AZURE_OPENAI_API_KEY" default:""`
	AzureAPIVersion     string        `envconfig:"OPENAI_API_VERSION" default:"2024-06-01"`
	AzureDeployment     string        `envconfig:"OPENAI_API_DEPLOYMENT" default:""`
	OpenAIAPIKey        string        `envconfig:"OPENAI_API_KEY" default:""`
	OpenAIBaseURL       string        `envconfig:"OPENAI_BASE_URL" default:"https://api.openai.com/v1"`
	Model               string        `envconfig:"OPENAI_API_MODEL" default:"gpt-4o-mini"`
	LLMTimeout          time.Duration `envconfig:"LLM_TIMEOUT" default:"30s"`
	LLMTemperature      float64       `envconfig:"LLM_TEMPERATURE" default:"0.8"`
	LLMMaxTokens        int           `envconfig:"LLM_MAX_TOKENS" default:"400"`
	PersonaFile         string        `envconfig:"PERSONA_FILE" default:""` // YAML persona; embedded default when unset
	DefaultLanguage     string        `envconfig:"DEFAULT_LANGUAGE" default:"English"`

	// Dispatch loop configuration
	MaxToolRounds     int           `envconfig:"MAX_TOOL_ROUNDS" default:"5"`
	MaxHistoryTurns   int           `envconfig:"MAX_HISTORY_TURNS" default:"40"`
	LoopTimeout       time.Duration `envconfig:"LOOP_TIMEOUT" default:"60s"`
	SideChannelPolicy string        `envconfig:"SIDE_CHANNEL_POLICY" default:"suppress-folded"`

	// Conversation store configuration
	SessionStore string        `envconfig:"SESSION_STORE" default:"memory"`
	RedisURL     string        `envconfig:"REDIS_URL" default:""`
	SessionTTL   time.Duration `envconfig:"SESSION_TTL" default:"30m"`

	// Resilience configuration
	CircuitBreakerMaxFailures  int           `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`
	CircuitBreakerResetTimeout time.Duration `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30s"`
	RetryMaxAttempts           int           `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`
	RetryInitialBackoff        time.Duration `envconfig:"RETRY_INITIAL_BACKOFF" default:"200ms"`
	ReconnectMaxAttempts       int           `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`
	ReconnectBackoff           time.Duration `envconfig:"RECONNECT_BACKOFF" default:"1s"`

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
	OTelExporter   string `envconfig:"OTEL_EXPORTER" default:"none"`   // none, stdout, otlp
	OTelEndpoint   string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT" default:"localhost:4317"`
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field requirements envconfig cannot express.
func (c *Config) Validate() error {
	if c.FinnhubAPIKey == "" {
		return fmt.Errorf("FINNHUB_API_KEY is required")
	}

	c.LLMProvider = strings.ToLower(strings.TrimSpace(c.LLMProvider))
	switch c.LLMProvider {
	case ProviderAzure:
		if c.AzureEndpoint == "" {
			return fmt.Errorf("AZURE_OPENAI_ENDPOINT is required for provider %q", c.LLMProvider)
		}
		if c.AzureAPIKey == "" {
			return fmt.Errorf("AZURE_OPENAI_API_KEY is required for provider %q", c.LLMProvider)
		}
		if c.AzureDeployment == "" {
			return fmt.Errorf("OPENAI_API_DEPLOYMENT is required for provider %q", c.LLMProvider)
		}
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required for provider %q", c.LLMProvider)
		}
	default:
		return fmt.Errorf("unknown LLM_PROVIDER %q", c.LLMProvider)
	}

	switch c.SideChannelPolicy {
	case PolicySuppressFolded, PolicyForwardAll:
	default:
		return fmt.Errorf("unknown SIDE_CHANNEL_POLICY %q", c.SideChannelPolicy)
	}

	switch c.SessionStore {
	case StoreMemory:
	case StoreRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when SESSION_STORE=redis")
		}
	default:
		return fmt.Errorf("unknown SESSION_STORE %q", c.SessionStore)
	}

	if c.MaxToolRounds < 1 {
		return fmt.Errorf("MAX_TOOL_ROUNDS must be at least 1, got %d", c.MaxToolRounds)
	}
	return nil
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
