// Package config defines the configuration for the Flowmill scheduler
// daemon. Configuration is loaded once at process start and is immutable
// thereafter; it follows 12-Factor principles by strictly separating code
// from configuration.
//
// Values are resolved via a priority chain: OS environment (highest) ->
// dotenv file. Any missing required value or invalid format fails the
// process immediately on startup.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config is the top-level configuration struct for the scheduler daemon.
// Sub-components receive only the specific subsets they require.
type Config struct {
	Environment string `envconfig:"APP_ENV" default:"local" validate:"required,oneof=local dev staging prod"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Scheduler SchedulerConfig
	Database  DatabaseConfig
	AWS       AWSConfig
	Catalog   CatalogConfig
	Ops       OpsConfig
}

// SchedulerConfig holds tick-loop and evaluation-pool tuning.
type SchedulerConfig struct {
	// TickInterval is the fixed arrival rate of the selection phase.
	TickInterval time.Duration `envconfig:"SCHEDULER_TICK_INTERVAL" default:"1s" validate:"gt=0"`

	// MaxConcurrentEvaluations bounds the elastic evaluation pool.
	MaxConcurrentEvaluations int `envconfig:"SCHEDULER_MAX_CONCURRENT" default:"64" validate:"gt=0"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL string `envconfig:"DATABASE_URL" validate:"required,url"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// ExecutionQueueURL is the SQS queue new executions are emitted to.
	ExecutionQueueURL string `envconfig:"SQS_EXECUTIONS" validate:"required,url"`

	// EndpointURL overrides the SQS endpoint for LocalStack. Empty in prod.
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// CatalogConfig holds the flow catalog source settings.
type CatalogConfig struct {
	// FlowsDir is the directory of YAML flow documents loaded at startup.
	FlowsDir string `envconfig:"FLOWS_DIR" validate:"required"`
}

// OpsConfig holds the operational HTTP listener settings.
type OpsConfig struct {
	ListenAddr      string        `envconfig:"OPS_LISTEN_ADDR" default:":9090"`
	ShutdownTimeout time.Duration `envconfig:"OPS_SHUTDOWN_TIMEOUT" default:"5s"`
}

// Load reads the dotenv file (non-fatal if absent), populates the Config
// from the environment, and validates it. It is the only constructor;
// components must not read the environment themselves.
func Load() (*Config, error) {
	// Dotenv is a local convenience; real environments inject variables.
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("config: processing environment: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}

	return &cfg, nil
}
