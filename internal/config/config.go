// Package config defines the configuration for the courseops scheduler.
// Configuration is loaded once at process startup and is immutable
// thereafter. It follows 12-Factor principles: values come from the OS
// environment, optionally seeded from a .env file for local development.
//
// Any missing required value or invalid format causes startup to fail
// immediately (fail fast).
package config

import (
	"time"

	"courseops/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used throughout configuration to prevent accidental logging of sensitive
// values.
type SecretString = types.SecretString

// Config is the top-level configuration struct for the scheduler daemon.
// Sub-components receive only the specific config subsets they require.
type Config struct {
	Environment string `envconfig:"APP_ENV" default:"local" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"courseops-scheduler"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Server    ServerConfig
	Database  DatabaseConfig
	AWS       AWSConfig
	VCS       VCSConfig
	Scheduler SchedulerConfig
}

// ServerConfig holds the ops HTTP server settings.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `envconfig:"SERVER_READ_TIMEOUT" default:"10s"`
	WriteTimeout    time.Duration `envconfig:"SERVER_WRITE_TIMEOUT" default:"10s"`
	ShutdownTimeout time.Duration `envconfig:"SERVER_SHUTDOWN_TIMEOUT" default:"15s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"eu-central-1"`

	BuildQueueURL        string `envconfig:"SQS_BUILD_QUEUE" validate:"required,url"`
	GradingQueueURL      string `envconfig:"SQS_GRADING_QUEUE" validate:"required,url"`
	NotificationQueueURL string `envconfig:"SQS_NOTIFICATION_QUEUE" validate:"required,url"`
	MetricsNamespace     string `envconfig:"METRICS_NAMESPACE" default:"CourseOps/Scheduler"`

	// LocalStack support (empty in prod).
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// VCSConfig holds the version-control host connection settings.
type VCSConfig struct {
	BaseURL        string        `envconfig:"VCS_BASE_URL" validate:"required,url"`
	Token          SecretString  `envconfig:"VCS_TOKEN" validate:"required"`
	RequestTimeout time.Duration `envconfig:"VCS_REQUEST_TIMEOUT" default:"30s"`
	MaxRetries     int           `envconfig:"VCS_MAX_RETRIES" default:"3"`
}

// SchedulerConfig holds the task engine and bulk operation tunables.
type SchedulerConfig struct {
	Workers   int `envconfig:"SCHEDULER_WORKERS" default:"4" validate:"min=1"`
	QueueSize int `envconfig:"SCHEDULER_QUEUE_SIZE" default:"256" validate:"min=1"`

	BulkWorkers int           `envconfig:"BULK_WORKERS" default:"10" validate:"min=1"`
	BulkTimeout time.Duration `envconfig:"BULK_TIMEOUT" default:"30m"`

	// StartupDelay gives the database and queues time to become reachable
	// before the startup re-scheduling pass runs.
	StartupDelay    time.Duration `envconfig:"SCHEDULER_STARTUP_DELAY" default:"15s"`
	StartupTimeout  time.Duration `envconfig:"SCHEDULER_STARTUP_TIMEOUT" default:"5m"`
	ExamUnlockGrace time.Duration `envconfig:"EXAM_UNLOCK_GRACE" default:"5s"`
}
