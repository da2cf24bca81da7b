// internal/common/config/loader.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

func Load() (*Config, error) {
	loadEnvFile()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath("../../configs")
	v.AddConfigPath(".")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	env := os.Getenv("APP_ENVIRONMENT")
	if env == "" {
		env = "development"
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading base config: %w", err)
		}
	}

	// Environment overlay is optional.
	v.SetConfigName(fmt.Sprintf("config.%s", env))
	_ = v.MergeInConfig()

	return finish(v)
}

// LoadFromFile loads configuration from a specific file path
func LoadFromFile(path string) (*Config, error) {
	loadEnvFile()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	return finish(v)
}

func finish(v *viper.Viper) (*Config, error) {
	expandEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	overrideEmptyConfig(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func loadEnvFile() {
	possiblePaths := []string{
		".env",
		"../.env",
		"../../.env",
	}

	if rootDir := findProjectRoot(); rootDir != "" {
		possiblePaths = append(possiblePaths, filepath.Join(rootDir, ".env"))
	}

	for _, path := range possiblePaths {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Load(path); err == nil {
				return
			}
		}
	}
}

// Find project root by looking for go.mod
func findProjectRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}

// expandEnvVars resolves ${VAR} placeholders in string values.
func expandEnvVars(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		strVal, ok := v.Get(key).(string)
		if !ok {
			continue
		}
		if strings.Contains(strVal, "${") || (strings.HasPrefix(strVal, "$") && len(strVal) > 1) {
			expanded := os.ExpandEnv(strVal)
			if expanded != strVal && expanded != "" {
				v.Set(key, expanded)
			}
		}
	}
}

// Direct override for secrets that are usually injected rather than committed.
func overrideEmptyConfig(cfg *Config) {
	setIfEmpty(&cfg.Callback.Secret, "CALLBACK_SECRET")
	setIfEmpty(&cfg.Database.Postgres.User, "DB_USER")
	setIfEmpty(&cfg.Database.Postgres.Password, "DB_PASSWORD")
	setIfEmpty(&cfg.Database.Postgres.URL, "DATABASE_URL")
	setIfEmpty(&cfg.Database.Redis.URL, "REDIS_URI")
	setIfEmpty(&cfg.Database.Redis.Password, "REDIS_PASSWORD")
	setIfEmpty(&cfg.Providers.SMTP.Password, "SMTP_PASSWORD")
	setIfEmpty(&cfg.Providers.Resend.APIKey, "RESEND_API_KEY")
	setIfEmpty(&cfg.Providers.AWS.Region, "AWS_REGION")
}

func setIfEmpty(dst *string, envKey string) {
	if *dst != "" {
		return
	}
	if val := os.Getenv(envKey); val != "" {
		*dst = val
	}
}

// applyDefaults sets default values for optional configuration fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "send-pipeline"
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}
	if cfg.Database.Postgres.Port == 0 {
		cfg.Database.Postgres.Port = 5432
	}
	if cfg.Database.Postgres.MaxConnections == 0 {
		cfg.Database.Postgres.MaxConnections = 25
	}
	if cfg.Database.Postgres.MaxIdle == 0 {
		cfg.Database.Postgres.MaxIdle = 5
	}
	if cfg.Database.Postgres.SSLMode == "" {
		cfg.Database.Postgres.SSLMode = "disable"
	}
	if cfg.Database.Postgres.ConnMaxLifetime == 0 {
		cfg.Database.Postgres.ConnMaxLifetime = 300000
	}
	if cfg.Database.Redis.PoolSize == 0 {
		cfg.Database.Redis.PoolSize = 10
	}
	if cfg.Database.Elasticsearch.Index == "" {
		cfg.Database.Elasticsearch.Index = "delivery-events"
	}

	if cfg.Queue.Prefix == "" {
		cfg.Queue.Prefix = "pipeline"
	}
	if cfg.Queue.PollInterval == 0 {
		cfg.Queue.PollInterval = 1000
	}
	if cfg.Queue.LockDuration == 0 {
		cfg.Queue.LockDuration = 30000
	}
	if cfg.Queue.StalledInterval == 0 {
		cfg.Queue.StalledInterval = 30000
	}
	if cfg.Queue.MaxAttempts == 0 {
		cfg.Queue.MaxAttempts = 3
	}
	if cfg.Queue.MaxStalledCount == 0 {
		cfg.Queue.MaxStalledCount = 1
	}
	if cfg.Queue.Backoff == 0 {
		cfg.Queue.Backoff = 5000
	}
	if cfg.Queue.BatchSize == 0 {
		cfg.Queue.BatchSize = 500
	}
	if cfg.Queue.LogMaxAttempts == 0 {
		cfg.Queue.LogMaxAttempts = 10
	}
	if cfg.Queue.LogBackoff == 0 {
		cfg.Queue.LogBackoff = 60000
	}

	if cfg.Workers.NumSender == 0 {
		cfg.Workers.NumSender = 2
	}
	if cfg.Workers.NumLogger == 0 {
		cfg.Workers.NumLogger = 1
	}
	if cfg.Workers.SenderConcurrency == 0 {
		cfg.Workers.SenderConcurrency = 10
	}
	if cfg.Workers.SendTimeout == 0 {
		cfg.Workers.SendTimeout = 15000
	}
	if cfg.Workers.SendRetries == 0 {
		cfg.Workers.SendRetries = 2
	}
	if cfg.Workers.SendRetryDelay == 0 {
		cfg.Workers.SendRetryDelay = 500
	}

	if cfg.Providers.EmailProvider == "" {
		cfg.Providers.EmailProvider = "ses"
	}
	if cfg.Providers.AWS.SNS.SMSType == "" {
		cfg.Providers.AWS.SNS.SMSType = "Transactional"
	}
	if cfg.Providers.SMTP.Port == 0 {
		cfg.Providers.SMTP.Port = 587
	}

	if cfg.RateLimit.Storage == "" {
		cfg.RateLimit.Storage = "redis"
	}
	if cfg.RateLimit.EmailRate == 0 {
		cfg.RateLimit.EmailRate = 14
	}
	if cfg.RateLimit.SMSRate == 0 {
		cfg.RateLimit.SMSRate = 20
	}

	if cfg.Callback.ListenAddr == "" {
		cfg.Callback.ListenAddr = ":8080"
	}
	if cfg.Callback.MaxBodyBytes == 0 {
		cfg.Callback.MaxBodyBytes = 5 << 20
	}
	if cfg.Callback.Concurrency == 0 {
		cfg.Callback.Concurrency = 16
	}
	if cfg.Callback.ConfirmTimeout == 0 {
		cfg.Callback.ConfirmTimeout = 5000
	}

	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = cfg.App.Name
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
}

// validateConfig validates critical configuration fields
func validateConfig(cfg *Config) error {
	if cfg.Database.Redis.Address == "" && cfg.Database.Redis.URL == "" {
		return fmt.Errorf("database.redis.address or database.redis.url is required")
	}

	switch cfg.Database.Driver {
	case "postgres":
		if cfg.Database.Postgres.URL != "" {
			break
		}
		if cfg.Database.Postgres.Host == "" {
			return fmt.Errorf("database.postgres.host is required")
		}
		if cfg.Database.Postgres.Database == "" {
			return fmt.Errorf("database.postgres.database is required")
		}
		if cfg.Database.Postgres.User == "" {
			return fmt.Errorf("database.postgres.user is required")
		}
	case "memory":
	default:
		return fmt.Errorf("database.driver must be postgres or memory, got %q", cfg.Database.Driver)
	}

	if cfg.Database.Elasticsearch.Enabled && len(cfg.Database.Elasticsearch.Addresses) == 0 {
		return fmt.Errorf("database.elasticsearch.addresses is required when enabled")
	}

	if cfg.Workers.NumSender < 1 {
		return fmt.Errorf("workers.num_sender must be at least 1")
	}
	if cfg.Workers.NumLogger < 0 {
		return fmt.Errorf("workers.num_logger must not be negative")
	}

	switch cfg.Providers.EmailProvider {
	case "ses":
		if cfg.Providers.AWS.SES.FromEmail == "" {
			return fmt.Errorf("providers.aws.ses.from_email is required")
		}
	case "smtp":
		if cfg.Providers.SMTP.Host == "" {
			return fmt.Errorf("providers.smtp.host is required")
		}
	case "resend":
		if cfg.Providers.Resend.APIKey == "" {
			return fmt.Errorf("providers.resend.api_key is required")
		}
	default:
		return fmt.Errorf("providers.email_provider must be ses, smtp or resend, got %q", cfg.Providers.EmailProvider)
	}

	if cfg.Callback.Secret == "" {
		return fmt.Errorf("callback.secret is required")
	}

	return nil
}
