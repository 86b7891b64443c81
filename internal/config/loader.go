package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "taskforge.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	path := DefaultConfigFile
	if p := os.Getenv("TASKFORGE_CONFIG"); p != "" {
		path = p
	}
	return LoadFrom(path)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist. A providers section replaces
// the default providers wholesale.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from operator config
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	var probe struct {
		Providers map[string]Provider `yaml:"providers"`
	}
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	if probe.Providers != nil {
		cfg.Providers = nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "TASKFORGE_PORT")
	setString(&cfg.Server.CORSOrigin, "TASKFORGE_CORS_ORIGIN")
	setDuration(&cfg.Server.ShutdownTimeout, "TASKFORGE_SHUTDOWN_TIMEOUT")

	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "TASKFORGE_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "TASKFORGE_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "TASKFORGE_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "TASKFORGE_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "TASKFORGE_PG_HEALTH_CHECK")

	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.NATS.Stream, "TASKFORGE_NATS_STREAM")

	setInt64(&cfg.Cache.L1MaxSizeMB, "TASKFORGE_CACHE_L1_SIZE_MB")
	setString(&cfg.Cache.L2Bucket, "TASKFORGE_CACHE_L2_BUCKET")
	setDuration(&cfg.Cache.L2TTL, "TASKFORGE_CACHE_L2_TTL")
	setDuration(&cfg.Cache.ClassificationTTL, "TASKFORGE_CACHE_CLASSIFICATION_TTL")

	setString(&cfg.Logging.Level, "TASKFORGE_LOG_LEVEL")
	setString(&cfg.Logging.Service, "TASKFORGE_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "TASKFORGE_LOG_ASYNC")

	setInt(&cfg.Breaker.MaxFailures, "TASKFORGE_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "TASKFORGE_BREAKER_TIMEOUT")

	setFloat64(&cfg.Rate.RequestsPerSecond, "TASKFORGE_RATE_RPS")
	setInt(&cfg.Rate.Burst, "TASKFORGE_RATE_BURST")
	setDuration(&cfg.Rate.CleanupInterval, "TASKFORGE_RATE_CLEANUP_INTERVAL")
	setDuration(&cfg.Rate.MaxIdleTime, "TASKFORGE_RATE_MAX_IDLE_TIME")

	setBool(&cfg.OTEL.Enabled, "TASKFORGE_OTEL_ENABLED")
	setString(&cfg.OTEL.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setString(&cfg.OTEL.ServiceName, "OTEL_SERVICE_NAME")
	setBool(&cfg.OTEL.Insecure, "TASKFORGE_OTEL_INSECURE")
	setFloat64(&cfg.OTEL.SampleRate, "TASKFORGE_OTEL_SAMPLE_RATE")

	setString(&cfg.Classifier.URL, "TASKFORGE_CLASSIFIER_URL")
	setDuration(&cfg.Classifier.Timeout, "TASKFORGE_CLASSIFIER_TIMEOUT")

	setInt(&cfg.Strategies.MaxIterations, "TASKFORGE_MAX_ITERATIONS")
	setInt(&cfg.Strategies.MultiAgent.MaxParallel, "TASKFORGE_MULTIAGENT_MAX_PARALLEL")
	setInt(&cfg.Strategies.ProviderRetries, "TASKFORGE_PROVIDER_RETRIES")
	setDuration(&cfg.Strategies.ProviderBackoff, "TASKFORGE_PROVIDER_BACKOFF")
	setInt(&cfg.Strategies.MaxConcurrentCalls, "TASKFORGE_MAX_CONCURRENT_CALLS")

	setInt(&cfg.Orchestrator.ClassifyRetries, "TASKFORGE_CLASSIFY_RETRIES")
	setDuration(&cfg.Orchestrator.ClassifyBackoff, "TASKFORGE_CLASSIFY_BACKOFF")
	setFloat64(&cfg.Orchestrator.DefaultBudgetUSD, "TASKFORGE_DEFAULT_BUDGET_USD")
	setFloat64(&cfg.Orchestrator.BudgetFloorUSD, "TASKFORGE_BUDGET_FLOOR_USD")
	setDuration(&cfg.Orchestrator.ProcessTimeout, "TASKFORGE_PROCESS_TIMEOUT")
	setInt(&cfg.Orchestrator.MaxConcurrentTasks, "TASKFORGE_MAX_CONCURRENT_TASKS")

	setDuration(&cfg.Notify.Timeout, "TASKFORGE_NOTIFY_TIMEOUT")
	setChannel(cfg, "slack", "TASKFORGE_SLACK_WEBHOOK_URL")
	setChannel(cfg, "discord", "TASKFORGE_DISCORD_WEBHOOK_URL")

	// Provider credentials fill in keys the YAML left empty.
	for name, p := range cfg.Providers {
		setString(&p.APIKey, "TASKFORGE_PROVIDER_"+envName(name)+"_API_KEY")
		if p.APIKey == "" {
			switch p.Kind {
			case "litellm":
				setString(&p.APIKey, "LITELLM_MASTER_KEY")
			case "anthropic":
				setString(&p.APIKey, "ANTHROPIC_API_KEY")
			}
		}
		if p.Kind == "litellm" {
			setString(&p.URL, "LITELLM_URL")
		}
		cfg.Providers[name] = p
	}
}

// validate checks that required fields are set and references resolve.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.DSN != "" && cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Rate.Burst < 1 {
		return errors.New("rate.burst must be >= 1")
	}
	if len(cfg.Providers) == 0 {
		return errors.New("at least one provider is required")
	}
	for name, p := range cfg.Providers {
		if p.Kind != "litellm" && p.Kind != "anthropic" {
			return fmt.Errorf("providers.%s.kind %q is not supported", name, p.Kind)
		}
		if p.Model == "" {
			return fmt.Errorf("providers.%s.model is required", name)
		}
		if p.CostPer1KTokens < 0 {
			return fmt.Errorf("providers.%s.cost_per_1k_tokens must be >= 0", name)
		}
	}

	s := cfg.Strategies
	refs := map[string]string{
		"strategies.single_shot_provider": s.SingleShotProvider,
		"strategies.iterative_provider":   s.IterativeProvider,
		"strategies.multi_agent.planner":  s.MultiAgent.Planner,
		"strategies.multi_agent.coder":    s.MultiAgent.Coder,
		"strategies.multi_agent.reviewer": s.MultiAgent.Reviewer,
		"strategies.multi_agent.tester":   s.MultiAgent.Tester,
	}
	for i, name := range s.Hybrid.Providers {
		refs[fmt.Sprintf("strategies.hybrid.providers[%d]", i)] = name
	}
	for field, name := range refs {
		if _, ok := cfg.Providers[name]; !ok {
			return fmt.Errorf("%s references unknown provider %q", field, name)
		}
	}
	if len(s.Hybrid.Providers) < 2 {
		return errors.New("strategies.hybrid.providers needs at least 2 providers")
	}
	seen := make(map[string]bool, len(s.Hybrid.Providers))
	for _, name := range s.Hybrid.Providers {
		if seen[name] {
			return fmt.Errorf("strategies.hybrid.providers lists %q twice", name)
		}
		seen[name] = true
	}
	if s.MaxIterations < 1 || s.MaxIterations > MaxIterationsLimit {
		return fmt.Errorf("strategies.max_iterations must be between 1 and %d", MaxIterationsLimit)
	}
	if s.MultiAgent.MaxParallel < 1 {
		return errors.New("strategies.multi_agent.max_parallel must be >= 1")
	}
	if s.MaxConcurrentCalls < 1 {
		return errors.New("strategies.max_concurrent_calls must be >= 1")
	}
	if s.ProviderRetries < 0 {
		return errors.New("strategies.provider_retries must be >= 0")
	}

	o := cfg.Orchestrator
	if o.ClassifyRetries < 0 {
		return errors.New("orchestrator.classify_retries must be >= 0")
	}
	if o.DefaultBudgetUSD <= 0 {
		return errors.New("orchestrator.default_budget_usd must be > 0")
	}
	if o.BudgetFloorUSD < 0 {
		return errors.New("orchestrator.budget_floor_usd must be >= 0")
	}
	if o.MaxConcurrentTasks < 1 {
		return errors.New("orchestrator.max_concurrent_tasks must be >= 1")
	}
	return nil
}

// setChannel sets the webhook_url of notifier channel kind from key.
func setChannel(cfg *Config, kind, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if cfg.Notify.Channels == nil {
		cfg.Notify.Channels = make(map[string]map[string]string)
	}
	if cfg.Notify.Channels[kind] == nil {
		cfg.Notify.Channels[kind] = make(map[string]string)
	}
	cfg.Notify.Channels[kind]["webhook_url"] = v
}

// envName turns a provider name into an env var fragment: "fast-eu" -> "FAST_EU".
func envName(name string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(name))
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
