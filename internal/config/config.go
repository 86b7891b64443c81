// Package config provides hierarchical configuration loading for TaskForge.
// Precedence: defaults < YAML file < environment variables.
package config

import "time"

// Config holds all runtime configuration for the TaskForge service.
type Config struct {
	Server       Server              `yaml:"server"`
	Postgres     Postgres            `yaml:"postgres"`
	NATS         NATS                `yaml:"nats"`
	Cache        Cache               `yaml:"cache"`
	Logging      Logging             `yaml:"logging"`
	Breaker      Breaker             `yaml:"breaker"`
	Rate         Rate                `yaml:"rate"`
	OTEL         OTEL                `yaml:"otel"`
	Classifier   Classifier          `yaml:"classifier"`
	Providers    map[string]Provider `yaml:"providers"`
	Strategies   Strategies          `yaml:"strategies"`
	Orchestrator Orchestrator        `yaml:"orchestrator"`
	Notify       Notify              `yaml:"notify"`
}

// Server holds HTTP server configuration.
type Server struct {
	Port            string        `yaml:"port"`
	CORSOrigin      string        `yaml:"cors_origin"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Postgres holds PostgreSQL connection configuration.
// An empty DSN selects the in-memory store.
type Postgres struct {
	DSN             string        `yaml:"dsn"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
	HealthCheck     time.Duration `yaml:"health_check"`
}

// NATS holds NATS JetStream configuration. An empty URL disables the
// queue; tasks are then dispatched in-process.
type NATS struct {
	URL    string `yaml:"url"`
	Stream string `yaml:"stream"`
}

// Cache holds the tiered classification cache configuration.
type Cache struct {
	L1MaxSizeMB int64         `yaml:"l1_max_size_mb"`
	L2Bucket    string        `yaml:"l2_bucket"`
	L2TTL       time.Duration `yaml:"l2_ttl"`
	// ClassificationTTL is how long a classifier verdict is reused.
	ClassificationTTL time.Duration `yaml:"classification_ttl"`
}

// Logging holds structured logging configuration.
type Logging struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
	Async   bool   `yaml:"async"`
}

// Breaker holds circuit breaker configuration.
type Breaker struct {
	MaxFailures int           `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Rate holds rate limiter configuration.
type Rate struct {
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
	MaxIdleTime       time.Duration `yaml:"max_idle_time"`
}

// OTEL holds OpenTelemetry exporter configuration.
type OTEL struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	Insecure    bool    `yaml:"insecure"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// Classifier selects the classification backend. An empty URL uses the
// built-in keyword heuristic.
type Classifier struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// Provider configures one logical inference provider.
type Provider struct {
	Kind            string        `yaml:"kind"` // "litellm" | "anthropic"
	Model           string        `yaml:"model"`
	URL             string        `yaml:"url"`
	APIKey          string        `yaml:"api_key"`
	CostPer1KTokens float64       `yaml:"cost_per_1k_tokens"`
	MaxTokens       int           `yaml:"max_tokens"`
	Timeout         time.Duration `yaml:"timeout"`
}

// MaxIterationsLimit caps refinement attempts of the iterative strategy.
const MaxIterationsLimit = 3

// Strategies binds execution strategies to logical provider names.
type Strategies struct {
	SingleShotProvider string     `yaml:"single_shot_provider"`
	IterativeProvider  string     `yaml:"iterative_provider"`
	MaxIterations      int        `yaml:"max_iterations"`
	MultiAgent         MultiAgent `yaml:"multi_agent"`
	Hybrid             Hybrid     `yaml:"hybrid"`

	// ProviderRetries caps retries of transient provider errors per call.
	ProviderRetries int           `yaml:"provider_retries"`
	ProviderBackoff time.Duration `yaml:"provider_backoff"`
	// MaxConcurrentCalls caps in-flight provider calls across all tasks.
	MaxConcurrentCalls int `yaml:"max_concurrent_calls"`
}

// MultiAgent binds each role of the multi-agent pipeline to a provider.
type MultiAgent struct {
	Planner     string `yaml:"planner"`
	Coder       string `yaml:"coder"`
	Reviewer    string `yaml:"reviewer"`
	Tester      string `yaml:"tester"`
	MaxParallel int    `yaml:"max_parallel"`
	MaxSteps    int    `yaml:"max_steps"`
}

// Hybrid lists the competing providers and scorer weights.
type Hybrid struct {
	Providers        []string `yaml:"providers"`
	ValidationWeight float64  `yaml:"validation_weight"`
	DiffSizeWeight   float64  `yaml:"diff_size_weight"`
}

// Orchestrator holds task processing policy.
type Orchestrator struct {
	ClassifyRetries  int           `yaml:"classify_retries"`
	ClassifyBackoff  time.Duration `yaml:"classify_backoff"`
	DefaultBudgetUSD float64       `yaml:"default_budget_usd"`
	BudgetFloorUSD   float64       `yaml:"budget_floor_usd"`
	ProcessTimeout   time.Duration `yaml:"process_timeout"`
	PersistRetries   int           `yaml:"persist_retries"`
	PersistBackoff   time.Duration `yaml:"persist_backoff"`
	// MaxConcurrentTasks bounds how many tasks the dispatcher processes at once.
	MaxConcurrentTasks int `yaml:"max_concurrent_tasks"`
}

// Notify configures task outcome notifications. Channels maps a notifier
// kind ("slack", "discord") to its settings, e.g. webhook_url.
type Notify struct {
	Channels map[string]map[string]string `yaml:"channels"`
	Timeout  time.Duration                `yaml:"timeout"`
}

// Defaults returns a Config with sensible default values for local development.
func Defaults() Config {
	return Config{
		Server: Server{
			Port:            "8080",
			CORSOrigin:      "http://localhost:3000",
			ShutdownTimeout: 15 * time.Second,
		},
		Postgres: Postgres{
			MaxConns:        15,
			MinConns:        2,
			MaxConnLifetime: time.Hour,
			MaxConnIdleTime: 10 * time.Minute,
			HealthCheck:     time.Minute,
		},
		NATS: NATS{
			Stream: "TASKFORGE",
		},
		Cache: Cache{
			L1MaxSizeMB:       64,
			L2Bucket:          "TASKFORGE_CLASSIFICATION",
			L2TTL:             24 * time.Hour,
			ClassificationTTL: time.Hour,
		},
		Logging: Logging{
			Level:   "info",
			Service: "taskforge",
		},
		Breaker: Breaker{
			MaxFailures: 5,
			Timeout:     30 * time.Second,
		},
		Rate: Rate{
			RequestsPerSecond: 10,
			Burst:             100,
			CleanupInterval:   5 * time.Minute,
			MaxIdleTime:       10 * time.Minute,
		},
		OTEL: OTEL{
			Endpoint:    "localhost:4317",
			ServiceName: "taskforge",
			Insecure:    true,
			SampleRate:  1.0,
		},
		Classifier: Classifier{
			Timeout: 10 * time.Second,
		},
		Providers: map[string]Provider{
			"fast": {
				Kind:            "litellm",
				Model:           "openai/gpt-4o-mini",
				URL:             "http://localhost:4000",
				CostPer1KTokens: 0.0006,
				MaxTokens:       4096,
				Timeout:         2 * time.Minute,
			},
			"quality": {
				Kind:            "anthropic",
				Model:           "claude-sonnet-4-20250514",
				CostPer1KTokens: 0.015,
				MaxTokens:       8192,
				Timeout:         5 * time.Minute,
			},
		},
		Strategies: Strategies{
			SingleShotProvider: "fast",
			IterativeProvider:  "fast",
			MaxIterations:      3,
			MultiAgent: MultiAgent{
				Planner:     "quality",
				Coder:       "fast",
				Reviewer:    "quality",
				Tester:      "fast",
				MaxParallel: 4,
				MaxSteps:    10,
			},
			Hybrid: Hybrid{
				Providers:        []string{"fast", "quality"},
				ValidationWeight: 0.7,
				DiffSizeWeight:   0.3,
			},
			ProviderRetries:    3,
			ProviderBackoff:    time.Second,
			MaxConcurrentCalls: 8,
		},
		Orchestrator: Orchestrator{
			ClassifyRetries:    3,
			ClassifyBackoff:    2 * time.Second,
			DefaultBudgetUSD:   5.0,
			BudgetFloorUSD:     0.5,
			ProcessTimeout:     30 * time.Minute,
			PersistRetries:     3,
			PersistBackoff:     200 * time.Millisecond,
			MaxConcurrentTasks: 4,
		},
		Notify: Notify{
			Timeout: 10 * time.Second,
		},
	}
}
