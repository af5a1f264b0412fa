package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Storage drivers
const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// Provider environments
const (
	ProviderSandbox     = "sandbox"
	ProviderDevelopment = "development"
	ProviderProduction  = "production"
)

var providerBaseURLs = map[string]string{
	ProviderSandbox:     "https://sandbox.plaid.com",
	ProviderDevelopment: "https://development.plaid.com",
	ProviderProduction:  "https://production.plaid.com",
}

type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	JWT        JWTConfig
	Encryption EncryptionConfig
	Scheduler  SchedulerConfig
	TLS        TLSConfig
	Provider   ProviderConfig
	Sync       SyncConfig
	Webhook    WebhookConfig
	Archive    ArchiveConfig
	Firebase   FirebaseConfig
	Telemetry  TelemetryConfig
}

type ServerConfig struct {
	Port         string
	Host         string
	AllowedHosts []string
}

type DatabaseConfig struct {
	Driver      string // postgres or memory
	Host        string
	Port        int
	User        string
	Password    string
	DBName      string
	SSLMode     string
	AutoMigrate bool
}

type JWTConfig struct {
	Secret string
}

type EncryptionConfig struct {
	Key string
}

type SchedulerConfig struct {
	Enabled       bool
	ScheduleTimes []string
	WorkerCount   int
	JobDelay      time.Duration
	JobTimeout    time.Duration
	QueueSize     int
	RunOnStartup  bool
}

type TLSConfig struct {
	Enabled      bool
	CertPath     string
	KeyPath      string
	RedirectHTTP bool
}

type ProviderConfig struct {
	Environment string
	BaseURL     string
	ClientID    string
	Secret      string
	Timeout     time.Duration
	RateLimit   float64 // requests per second, 0 disables
	Burst       int
	PageSize    int
}

type SyncConfig struct {
	SettleInterval time.Duration
	RetryBase      time.Duration
	MaxAttempts    int
	FanoutLimit    int
}

type WebhookConfig struct {
	Secret string // empty disables signature checks
	MaxAge time.Duration
}

type ArchiveConfig struct {
	Bucket          string // empty disables the archive
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
	Prefix          string
}

type FirebaseConfig struct {
	CredentialsFile string // empty disables push notifications
	MessagesFile    string // optional JSON overriding notification texts
}

type TelemetryConfig struct {
	Enabled      bool
	ServiceName  string
	OTLPEndpoint string
	MetricsPort  string
	SampleRatio  float64
}

func Load() (*Config, error) {

	dbPort, err := strconv.Atoi(getEnv("DB_PORT", "5432"))
	if err != nil {
		return nil, fmt.Errorf("invalid DB_PORT: %w", err)
	}

	// Parse scheduler configuration
	schedulerEnabled := getBoolEnv("SCHEDULER_ENABLED", true)
	schedulerTimes := splitList(getEnv("SCHEDULER_TIMES", "05:00,10:00,14:00,20:00"))
	schedulerWorkers, err := strconv.Atoi(getEnv("SCHEDULER_WORKERS", "5"))
	if err != nil {
		return nil, fmt.Errorf("invalid SCHEDULER_WORKERS: %w", err)
	}
	schedulerJobDelay, err := getDurationEnv("SCHEDULER_JOB_DELAY", time.Second)
	if err != nil {
		return nil, err
	}
	schedulerJobTimeout, err := getDurationEnv("SCHEDULER_JOB_TIMEOUT", 5*time.Minute)
	if err != nil {
		return nil, err
	}
	schedulerQueueSize, err := strconv.Atoi(getEnv("SCHEDULER_QUEUE_SIZE", "100"))
	if err != nil {
		return nil, fmt.Errorf("invalid SCHEDULER_QUEUE_SIZE: %w", err)
	}

	// Parse provider configuration
	providerEnv := strings.ToLower(getEnv("PROVIDER_ENV", ProviderSandbox))
	defaultBaseURL, ok := providerBaseURLs[providerEnv]
	if !ok {
		return nil, fmt.Errorf("invalid PROVIDER_ENV %q: must be sandbox, development or production", providerEnv)
	}
	providerTimeout, err := getDurationEnv("PROVIDER_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, err
	}
	providerRateLimit, err := strconv.ParseFloat(getEnv("PROVIDER_RATE_LIMIT", "10"), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid PROVIDER_RATE_LIMIT: %w", err)
	}
	providerBurst, err := strconv.Atoi(getEnv("PROVIDER_RATE_BURST", "5"))
	if err != nil {
		return nil, fmt.Errorf("invalid PROVIDER_RATE_BURST: %w", err)
	}
	providerPageSize, err := strconv.Atoi(getEnv("PROVIDER_PAGE_SIZE", "500"))
	if err != nil {
		return nil, fmt.Errorf("invalid PROVIDER_PAGE_SIZE: %w", err)
	}

	// Parse sync configuration
	settleInterval, err := getDurationEnv("SYNC_SETTLE_INTERVAL", 5*time.Second)
	if err != nil {
		return nil, err
	}
	retryBase, err := getDurationEnv("SYNC_RETRY_BASE", 500*time.Millisecond)
	if err != nil {
		return nil, err
	}
	maxAttempts, err := strconv.Atoi(getEnv("SYNC_MAX_ATTEMPTS", "3"))
	if err != nil {
		return nil, fmt.Errorf("invalid SYNC_MAX_ATTEMPTS: %w", err)
	}
	fanoutLimit, err := strconv.Atoi(getEnv("SYNC_FANOUT_LIMIT", "4"))
	if err != nil {
		return nil, fmt.Errorf("invalid SYNC_FANOUT_LIMIT: %w", err)
	}

	sampleRatio, err := strconv.ParseFloat(getEnv("OTEL_TRACES_SAMPLE_RATIO", "1"), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid OTEL_TRACES_SAMPLE_RATIO: %w", err)
	}

	webhookMaxAge, err := getDurationEnv("WEBHOOK_MAX_AGE", 5*time.Minute)
	if err != nil {
		return nil, err
	}

	// Parse TLS configuration
	tlsEnabled := getBoolEnv("TLS_ENABLED", false)
	tlsCertPath := getEnv("TLS_CERT_PATH", "")
	tlsKeyPath := getEnv("TLS_KEY_PATH", "")
	tlsRedirectHTTP := getBoolEnv("TLS_REDIRECT_HTTP", false)

	cfg := &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", "8080"),
			Host:         getEnv("HOST", "0.0.0.0"),
			AllowedHosts: splitList(getEnv("ALLOWED_HOSTS", "")),
		},
		Database: DatabaseConfig{
			Driver:      strings.ToLower(getEnv("STORAGE_DRIVER", StoragePostgres)),
			Host:        getEnv("DB_HOST", "localhost"),
			Port:        dbPort,
			User:        getEnv("DB_USER", "ledgersync"),
			Password:    getEnv("DB_PASSWORD", ""),
			DBName:      getEnv("DB_NAME", "ledgersync"),
			SSLMode:     getEnv("DB_SSLMODE", "disable"),
			AutoMigrate: getBoolEnv("DB_AUTO_MIGRATE", true),
		},
		JWT: JWTConfig{
			Secret: getEnv("JWT_SECRET", ""),
		},
		Encryption: EncryptionConfig{
			Key: getEnv("ENCRYPTION_KEY", ""),
		},
		Scheduler: SchedulerConfig{
			Enabled:       schedulerEnabled,
			ScheduleTimes: schedulerTimes,
			WorkerCount:   schedulerWorkers,
			JobDelay:      schedulerJobDelay,
			JobTimeout:    schedulerJobTimeout,
			QueueSize:     schedulerQueueSize,
			RunOnStartup:  getBoolEnv("SCHEDULER_RUN_ON_STARTUP", false),
		},
		TLS: TLSConfig{
			Enabled:      tlsEnabled,
			CertPath:     tlsCertPath,
			KeyPath:      tlsKeyPath,
			RedirectHTTP: tlsRedirectHTTP,
		},
		Provider: ProviderConfig{
			Environment: providerEnv,
			BaseURL:     getEnv("PROVIDER_BASE_URL", defaultBaseURL),
			ClientID:    getEnv("PROVIDER_CLIENT_ID", ""),
			Secret:      getEnv("PROVIDER_SECRET", ""),
			Timeout:     providerTimeout,
			RateLimit:   providerRateLimit,
			Burst:       providerBurst,
			PageSize:    providerPageSize,
		},
		Sync: SyncConfig{
			SettleInterval: settleInterval,
			RetryBase:      retryBase,
			MaxAttempts:    maxAttempts,
			FanoutLimit:    fanoutLimit,
		},
		Webhook: WebhookConfig{
			Secret: getEnv("WEBHOOK_SECRET", ""),
			MaxAge: webhookMaxAge,
		},
		Archive: ArchiveConfig{
			Bucket:          getEnv("ARCHIVE_S3_BUCKET", ""),
			Region:          getEnv("ARCHIVE_S3_REGION", "us-east-1"),
			Endpoint:        getEnv("ARCHIVE_S3_ENDPOINT", ""),
			AccessKeyID:     getEnv("ARCHIVE_S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("ARCHIVE_S3_SECRET_ACCESS_KEY", ""),
			UsePathStyle:    getBoolEnv("ARCHIVE_S3_USE_PATH_STYLE", false),
			Prefix:          getEnv("ARCHIVE_S3_PREFIX", "webhooks"),
		},
		Firebase: FirebaseConfig{
			CredentialsFile: getEnv("FIREBASE_CREDENTIALS_FILE", ""),
			MessagesFile:    getEnv("NOTIFICATION_MESSAGES_FILE", ""),
		},
		Telemetry: TelemetryConfig{
			Enabled:      getBoolEnv("OTEL_ENABLED", false),
			ServiceName:  getEnv("OTEL_SERVICE_NAME", "ledgersync"),
			OTLPEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
			MetricsPort:  getEnv("METRICS_PORT", "9090"),
			SampleRatio:  sampleRatio,
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	// Validate required fields
	if c.JWT.Secret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.Encryption.Key == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required")
	}
	if len(c.Encryption.Key) != 32 {
		return fmt.Errorf("ENCRYPTION_KEY must be exactly 32 bytes for XChaCha20-Poly1305")
	}

	if c.Database.Driver != StoragePostgres && c.Database.Driver != StorageMemory {
		return fmt.Errorf("invalid STORAGE_DRIVER %q: must be postgres or memory", c.Database.Driver)
	}

	if c.Provider.Environment != ProviderSandbox {
		if c.Provider.ClientID == "" || c.Provider.Secret == "" {
			return fmt.Errorf("PROVIDER_CLIENT_ID and PROVIDER_SECRET are required when PROVIDER_ENV=%s", c.Provider.Environment)
		}
		if c.Webhook.Secret == "" {
			return fmt.Errorf("WEBHOOK_SECRET is required when PROVIDER_ENV=%s", c.Provider.Environment)
		}
	}

	if c.Sync.MaxAttempts < 1 {
		return fmt.Errorf("SYNC_MAX_ATTEMPTS must be at least 1")
	}
	if c.Sync.FanoutLimit < 1 {
		return fmt.Errorf("SYNC_FANOUT_LIMIT must be at least 1")
	}

	// Validate TLS configuration
	if c.TLS.Enabled {
		if c.TLS.CertPath == "" {
			return fmt.Errorf("TLS_CERT_PATH is required when TLS_ENABLED=true")
		}
		if c.TLS.KeyPath == "" {
			return fmt.Errorf("TLS_KEY_PATH is required when TLS_ENABLED=true")
		}
	}

	return nil
}

func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

// Enabled reports whether webhook bodies are copied to S3
func (c *ArchiveConfig) Enabled() bool {
	return c.Bucket != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	// Accept: true, false, 1, 0, yes, no (case-insensitive)
	switch strings.ToLower(value) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return defaultValue
	}
}

func getDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

// splitList parses a comma-separated list, dropping blanks
func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
