package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the worker service.
type Config struct {
	LogLevel     string `yaml:"log_level"`
	KafkaBrokers string `yaml:"kafka_brokers"`
	RedisAddr    string `yaml:"redis_addr"`
	PostgresDSN  string `yaml:"postgres_dsn"`
	MetricsAddr  string `yaml:"metrics_addr"`
	OTelEndpoint string `yaml:"otel_endpoint"`

	Concurrency int `yaml:"concurrency"`

	InsightProvider        string        `yaml:"insight_provider"`
	InsightAPIKey          string        `yaml:"insight_api_key"`
	InsightBaseURL         string        `yaml:"insight_base_url"`
	InsightModel           string        `yaml:"insight_model"`
	InsightMaxTokens       int           `yaml:"insight_max_tokens"`
	InsightRateLimit       int           `yaml:"insight_rate_limit"`
	InsightDailyRequests   int           `yaml:"insight_daily_requests"`
	InsightDailyTokens     int           `yaml:"insight_daily_tokens"`
	InsightTokensPerMinute int           `yaml:"insight_tokens_per_minute"`
	InsightTimeout         time.Duration `yaml:"insight_timeout"`
	InsightAttempts        int           `yaml:"insight_attempts"`
	InsightBaseDelay       time.Duration `yaml:"insight_base_delay"`

	DeliveryChannel    string        `yaml:"delivery_channel"`
	DeliveryAttempts   int           `yaml:"delivery_attempts"`
	DeliveryRetryDelay time.Duration `yaml:"delivery_retry_delay"`
	WebhookURL         string        `yaml:"webhook_url"`

	SMTPHost     string `yaml:"smtp_host"`
	SMTPPort     int    `yaml:"smtp_port"`
	SMTPFrom     string `yaml:"smtp_from"`
	SMTPUsername string `yaml:"smtp_username"`
	SMTPPassword string `yaml:"smtp_password"`
}

// Secrets are masked by the config command.
var Secrets = []string{"insight_api_key", "smtp_password", "postgres_dsn"}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:     v.GetString("log_level"),
		KafkaBrokers: v.GetString("kafka_brokers"),
		RedisAddr:    v.GetString("redis_addr"),
		PostgresDSN:  v.GetString("postgres_dsn"),
		MetricsAddr:  v.GetString("metrics_addr"),
		OTelEndpoint: v.GetString("otel_endpoint"),

		Concurrency: v.GetInt("concurrency"),

		InsightProvider:        v.GetString("insight_provider"),
		InsightAPIKey:          v.GetString("insight_api_key"),
		InsightBaseURL:         v.GetString("insight_base_url"),
		InsightModel:           v.GetString("insight_model"),
		InsightMaxTokens:       v.GetInt("insight_max_tokens"),
		InsightRateLimit:       v.GetInt("insight_rate_limit"),
		InsightDailyRequests:   v.GetInt("insight_daily_requests"),
		InsightDailyTokens:     v.GetInt("insight_daily_tokens"),
		InsightTokensPerMinute: v.GetInt("insight_tokens_per_minute"),
		InsightTimeout:         v.GetDuration("insight_timeout"),
		InsightAttempts:        v.GetInt("insight_attempts"),
		InsightBaseDelay:       v.GetDuration("insight_base_delay"),

		DeliveryChannel:    v.GetString("delivery_channel"),
		DeliveryAttempts:   v.GetInt("delivery_attempts"),
		DeliveryRetryDelay: retryDelay(v),
		WebhookURL:         v.GetString("webhook_url"),

		SMTPHost:     v.GetString("smtp_host"),
		SMTPPort:     v.GetInt("smtp_port"),
		SMTPFrom:     v.GetString("smtp_from"),
		SMTPUsername: v.GetString("smtp_username"),
		SMTPPassword: v.GetString("smtp_password"),
	}
}

// retryDelay honours SEND_EMAIL_RETRY_DELAY, a plain number of seconds, over
// the duration-typed delivery_retry_delay.
func retryDelay(v *viper.Viper) time.Duration {
	if secs := v.GetInt("send_email_retry_delay"); secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return v.GetDuration("delivery_retry_delay")
}
