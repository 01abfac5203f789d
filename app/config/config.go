package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	// this will automatically load your .env file:
	_ "github.com/joho/godotenv/autoload"
)

const (
	BackendFirestore = "firestore"
	BackendPostgres  = "postgres"
	BackendMemory    = "memory"

	ResetLifetime = "lifetime"
	ResetDaily    = "daily"

	DefaultRelayFallback = "I apologize, but I'm having trouble connecting to my knowledge base right now. " +
		"This could be due to a temporary service disruption. Please try again in a moment."
)

type Config struct {
	Port      string
	Logs      LogConfig
	Store     StoreConfig
	Firestore FirestoreConfig
	DB        PostgresConfig
	Auth      AuthConfig
	Stripe    StripeConfig
	Relay     RelayConfig
	Usage     UsageConfig
	Redis     RedisConfig
}

type LogConfig struct {
	Style string
	Level string
}

type StoreConfig struct {
	Backend string
}

type FirestoreConfig struct {
	ProjectID        string
	BaseURL          string
	EmulatorHost     string
	CredentialsFile  string
	ForwardUserToken bool
}

type PostgresConfig struct {
	Username string
	Password string
	URL      string
	Port     string
	Database string
}

// DSN renders a lib/pq connection string.
func (p PostgresConfig) DSN() string {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s", p.Username, p.Password, p.URL, p.Port)
	if p.Database != "" {
		dsn += "/" + p.Database
	}
	return dsn
}

// AuthConfig holds token verification settings. AUTH_DISABLED is read by
// the auth package itself.
type AuthConfig struct {
	JWKSURL string
}

type StripeConfig struct {
	SecretKey      string
	WebhookSecret  string
	PriceIDMonthly string
	PriceIDAnnual  string
	FrontendURL    string
}

type RelayConfig struct {
	URL             string
	APIKey          string
	APIURL          string
	Model           string
	MaxTokens       int
	ContextLimit    int
	TimeoutSeconds  int
	FallbackMessage string
}

type UsageConfig struct {
	FreeTierLimit int
	FailOpen      bool
	ResetPeriod   string
}

type RedisConfig struct {
	URL               string
	RequestsPerMinute int
}

func LoadConfig() (*Config, error) {
	maxTokens, err := intEnv("LLM_MAX_TOKENS", 1000)
	if err != nil {
		return nil, err
	}
	contextLimit, err := intEnv("RELAY_CONTEXT_LIMIT", 10)
	if err != nil {
		return nil, err
	}
	timeout, err := intEnv("RELAY_TIMEOUT_SECONDS", 30)
	if err != nil {
		return nil, err
	}
	limit, err := intEnv("FREE_TIER_LIMIT", 5)
	if err != nil {
		return nil, err
	}
	perMinute, err := intEnv("CHAT_REQUESTS_PER_MINUTE", 20)
	if err != nil {
		return nil, err
	}
	failOpen, err := boolEnv("FAIL_OPEN_ON_QUOTA_CHECK_ERROR", true)
	if err != nil {
		return nil, err
	}
	forward, err := boolEnv("FIRESTORE_FORWARD_USER_TOKEN", false)
	if err != nil {
		return nil, err
	}

	backend := strings.ToLower(envOr("STORE_BACKEND", BackendFirestore))
	if backend != BackendFirestore && backend != BackendPostgres && backend != BackendMemory {
		return nil, fmt.Errorf("STORE_BACKEND: unknown backend %q", backend)
	}
	reset := strings.ToLower(envOr("USAGE_RESET_PERIOD", ResetLifetime))
	if reset != ResetLifetime && reset != ResetDaily {
		return nil, fmt.Errorf("USAGE_RESET_PERIOD: unknown period %q", reset)
	}

	cfg := &Config{
		Port: envOr("PORT", "8080"),
		Logs: LogConfig{
			Style: os.Getenv("LOG_STYLE"),
			Level: os.Getenv("LOG_LEVEL"),
		},
		Store: StoreConfig{Backend: backend},
		Firestore: FirestoreConfig{
			ProjectID:        os.Getenv("FIREBASE_PROJECT_ID"),
			BaseURL:          os.Getenv("FIRESTORE_BASE_URL"),
			EmulatorHost:     os.Getenv("FIRESTORE_EMULATOR_HOST"),
			CredentialsFile:  os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"),
			ForwardUserToken: forward,
		},
		DB: PostgresConfig{
			Username: os.Getenv("POSTGRES_USER"),
			Password: os.Getenv("POSTGRES_PWD"),
			URL:      os.Getenv("POSTGRES_URL"),
			Port:     envOr("POSTGRES_PORT", "5432"),
			Database: os.Getenv("POSTGRES_DB"),
		},
		Auth: AuthConfig{
			JWKSURL: os.Getenv("AUTH_JWKS_URL"),
		},
		Stripe: StripeConfig{
			SecretKey:      os.Getenv("STRIPE_SECRET_KEY"),
			WebhookSecret:  os.Getenv("STRIPE_WEBHOOK_SECRET"),
			PriceIDMonthly: os.Getenv("STRIPE_PREMIUM_MONTHLY_PRICE_ID"),
			PriceIDAnnual:  os.Getenv("STRIPE_PREMIUM_ANNUAL_PRICE_ID"),
			FrontendURL:    strings.TrimRight(os.Getenv("URL"), "/"),
		},
		Relay: RelayConfig{
			URL:             os.Getenv("RELAY_URL"),
			APIKey:          os.Getenv("LLM_API_KEY"),
			APIURL:          os.Getenv("LLM_API_URL"),
			Model:           os.Getenv("LLM_MODEL"),
			MaxTokens:       maxTokens,
			ContextLimit:    contextLimit,
			TimeoutSeconds:  timeout,
			FallbackMessage: envOr("RELAY_FALLBACK_MESSAGE", DefaultRelayFallback),
		},
		Usage: UsageConfig{
			FreeTierLimit: limit,
			FailOpen:      failOpen,
			ResetPeriod:   reset,
		},
		Redis: RedisConfig{
			URL:               os.Getenv("REDIS_URL"),
			RequestsPerMinute: perMinute,
		},
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func intEnv(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("error converting string to int: %s: %w", key, err)
	}
	return v, nil
}

func boolEnv(key string, fallback bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("error parsing %s: %w", key, err)
	}
	return v, nil
}
