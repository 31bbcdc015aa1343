package config

import (
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	App         AppConfig
	HTTP        ServerConfig
	MySQL       MySQLConfig
	Log         LogConfig
	Auth        AuthConfig
	Stripe      StripeConfig
	NOWPayments NOWPaymentsConfig
	Identity    IdentityConfig
	Billing     BillingConfig
	Jobs        JobsConfig
}

type AppConfig struct {
	ServiceName string
	BaseURL     string
}

type ServerConfig struct {
	Host string
	Port string
}

type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type LogConfig struct {
	Level string
}

type AuthConfig struct {
	SessionSecret string
}

type StripeConfig struct {
	SecretKey                 string
	WebhookSecret             string
	SignatureToleranceSeconds int64
	HTTPTimeout               time.Duration
}

type NOWPaymentsConfig struct {
	APIKey      string
	IPNSecret   string
	HTTPTimeout time.Duration
}

type IdentityConfig struct {
	WebhookSecret string
}

type BillingConfig struct {
	CheckoutSuccessURL string
	CheckoutCancelURL  string

	PendingTimeout      time.Duration
	ReconcileStaleAfter time.Duration

	ParkedMaxAttempts       int32
	ParkedRetryBaseInterval time.Duration
	ParkedQuarantine        time.Duration

	LedgerRetryAttempts      int32
	LedgerRetryBaseInterval  time.Duration
	SubscriptionFailureLimit int32

	ProcessedEventRetention time.Duration

	JobBatchSize int32
}

type JobsConfig struct {
	RetryParkedInterval    time.Duration
	ExpirePendingInterval  time.Duration
	ReconcileInterval      time.Duration
	PurgeProcessedInterval time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	mysqlDSN := os.Getenv("MYSQL_DSN")
	if mysqlDSN == "" {
		return nil, errors.New("MYSQL_DSN environment variable is required")
	}

	return &Config{
		App: AppConfig{
			ServiceName: getEnv("APP_SERVICE_NAME", "billing-service"),
			BaseURL:     getEnv("APP_BASE_URL", "http://localhost:8080"),
		},
		HTTP: ServerConfig{
			Host: getEnv("HTTP_HOST", "0.0.0.0"),
			Port: getEnv("HTTP_PORT", "8080"),
		},
		MySQL: MySQLConfig{
			DSN:             mysqlDSN,
			MaxOpenConns:    getIntEnv("MYSQL_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    getIntEnv("MYSQL_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getMinutesEnv("MYSQL_CONN_MAX_LIFETIME_MINUTES", 30*time.Minute),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Auth: AuthConfig{
			SessionSecret: getEnv("AUTH_SESSION_SECRET", ""),
		},
		Stripe: StripeConfig{
			SecretKey:                 getEnv("STRIPE_SECRET_KEY", ""),
			WebhookSecret:             getEnv("STRIPE_WEBHOOK_SECRET", ""),
			SignatureToleranceSeconds: int64(getIntEnv("STRIPE_SIGNATURE_TOLERANCE_SECONDS", 300)),
			HTTPTimeout:               getSecondsEnv("STRIPE_HTTP_TIMEOUT_SECONDS", 10*time.Second),
		},
		NOWPayments: NOWPaymentsConfig{
			APIKey:      getEnv("NOWPAYMENTS_API_KEY", ""),
			IPNSecret:   getEnv("NOWPAYMENTS_IPN_SECRET", ""),
			HTTPTimeout: getSecondsEnv("NOWPAYMENTS_HTTP_TIMEOUT_SECONDS", 10*time.Second),
		},
		Identity: IdentityConfig{
			WebhookSecret: getEnv("IDENTITY_WEBHOOK_SECRET", ""),
		},
		Billing: BillingConfig{
			CheckoutSuccessURL:       getEnv("BILLING_CHECKOUT_SUCCESS_URL", ""),
			CheckoutCancelURL:        getEnv("BILLING_CHECKOUT_CANCEL_URL", ""),
			PendingTimeout:           getMinutesEnv("BILLING_PENDING_TIMEOUT_MINUTES", 24*time.Hour),
			ReconcileStaleAfter:      getMinutesEnv("BILLING_RECONCILE_STALE_AFTER_MINUTES", 15*time.Minute),
			ParkedMaxAttempts:        int32(getIntEnv("BILLING_PARKED_MAX_ATTEMPTS", 8)),
			ParkedRetryBaseInterval:  getSecondsEnv("BILLING_PARKED_RETRY_BASE_SECONDS", 30*time.Second),
			ParkedQuarantine:         getMinutesEnv("BILLING_PARKED_QUARANTINE_MINUTES", 24*time.Hour),
			LedgerRetryAttempts:      int32(getIntEnv("BILLING_LEDGER_RETRY_ATTEMPTS", 3)),
			LedgerRetryBaseInterval:  getSecondsEnv("BILLING_LEDGER_RETRY_BASE_SECONDS", 1*time.Second),
			SubscriptionFailureLimit: int32(getIntEnv("BILLING_SUBSCRIPTION_FAILURE_LIMIT", 3)),
			ProcessedEventRetention:  getMinutesEnv("BILLING_PROCESSED_RETENTION_MINUTES", 45*24*time.Hour),
			JobBatchSize:             int32(getIntEnv("BILLING_JOB_BATCH_SIZE", 100)),
		},
		Jobs: JobsConfig{
			RetryParkedInterval:    getSecondsEnv("BILLING_RETRY_PARKED_INTERVAL_SECONDS", 30*time.Second),
			ExpirePendingInterval:  getMinutesEnv("BILLING_EXPIRE_PENDING_INTERVAL_MINUTES", 5*time.Minute),
			ReconcileInterval:      getMinutesEnv("BILLING_RECONCILE_INTERVAL_MINUTES", 2*time.Minute),
			PurgeProcessedInterval: getMinutesEnv("BILLING_PURGE_PROCESSED_INTERVAL_MINUTES", 12*time.Hour),
		},
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getMinutesEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if minutes, err := strconv.Atoi(value); err == nil {
			return time.Duration(minutes) * time.Minute
		}
	}
	return defaultValue
}

func getSecondsEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}
