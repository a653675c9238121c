// Package config defines the global configuration structure for the SalesFlow
// follow-up platform. Configuration is loaded once at process initialization
// (Lambda Cold Start) and is immutable thereafter. It follows 12-Factor App
// principles by strictly separating code from configuration.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// Any missing required value or invalid format causes the application to panic
// immediately on startup (fail fast).
package config

import (
	"time"

	"salesflow/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type used
// throughout configuration to prevent accidental logging of sensitive values.
type SecretString = types.SecretString

// Config is the top-level configuration struct for the SalesFlow platform.
// It is populated once during process initialization and never modified.
// Sub-components receive only the specific config subsets they require
// (Least Privilege principle).
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"OTEL_SERVICE_NAME" default:"salesflow-service"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	IsTestMode  bool   `envconfig:"IS_TEST_MODE" default:"false"`

	// Domain Configurations
	Server        ServerConfig
	Database      DatabaseConfig
	AWS           AWSConfig
	FollowUp      FollowUpConfig
	WhatsApp      WhatsAppConfig
	Security      SecurityConfig
	Observability ObservabilityConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// ServerConfig holds HTTP server and public URL configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
	// Public URL for links in API responses (no trailing slash)
	APIExternalURL string `envconfig:"API_EXTERNAL_URL" validate:"required,url"` // e.g., https://api.salesflow.io
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	// Resolved from SSM or Env
	URL SecretString `envconfig:"DATABASE_URL" validate:"required,url"`

	// Tuning Parameters
	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`     // Fail fast when pool exhausted
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"` // Detect dead connections during failover
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// Resource Identifiers
	FollowUpQueue string `envconfig:"SQS_FOLLOW_UPS" validate:"required,url"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// maxDispatchHorizon caps DispatchHorizon at the SQS DelaySeconds ceiling
// (900 seconds). A larger horizon would hand jobs to SQS with a clamped delay
// and make them visible before run_at.
const maxDispatchHorizon = 15 * time.Minute

// FollowUpConfig holds tuning parameters for follow-up scheduling and the
// maintenance jobs that keep it running.
type FollowUpConfig struct {
	// LockTTL bounds how long a crashed worker can hold a job lock before
	// another worker may steal it. It must exceed the longest expected run.
	LockTTL time.Duration `envconfig:"JOB_LOCK_TTL" default:"15m"`

	// DispatchHorizon is how far ahead of run_at the dispatcher publishes
	// delayed jobs to SQS. Must stay within the SQS DelaySeconds maximum.
	DispatchHorizon time.Duration `envconfig:"DISPATCH_HORIZON" default:"15m"`

	DispatchBatchLimit int `envconfig:"DISPATCH_BATCH_LIMIT" default:"100"`
	WebhookBatchLimit  int `envconfig:"WEBHOOK_RETRY_BATCH_LIMIT" default:"50"`

	// JobHistoryRetention controls how long finished job history rows are
	// kept before the purge task removes them.
	JobHistoryRetention time.Duration `envconfig:"JOB_HISTORY_RETENTION" default:"720h"`
}

// WhatsAppConfig holds the messaging gateway endpoint and credentials.
type WhatsAppConfig struct {
	BaseURL   string        `envconfig:"WHATSAPP_BASE_URL" validate:"required,url"`
	Token     SecretString  `envconfig:"WHATSAPP_API_TOKEN" validate:"required"`
	Timeout   time.Duration `envconfig:"WHATSAPP_TIMEOUT" default:"10s"`
	UserAgent string        `envconfig:"WHATSAPP_USER_AGENT" default:"SalesFlow/1.0"`
}

// SecurityConfig holds security-related configuration including CORS settings.
type SecurityConfig struct {
	CorsAllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
}

// ObservabilityConfig holds telemetry and monitoring settings.
type ObservabilityConfig struct {
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"SalesFlow"`
	EnableTracing   bool   `envconfig:"ENABLE_TRACING" default:"true"`
}

// BuildInfo holds build-time metadata injected via ldflags.
// These values are NOT populated from environment variables.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	// ErrMissingEnv indicates a required environment variable was not found.
	ErrMissingEnv ConfigErrorType = "MISSING_ENV"
	// ErrSSMResolution indicates a failure when fetching secrets from AWS SSM.
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values
	// into their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
