package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the api service.
type Config struct {
	LogLevel     string `yaml:"log_level"`
	HTTPPort     string `yaml:"http_port"`
	GRPCPort     string `yaml:"grpc_port"`
	MetricsAddr  string `yaml:"metrics_addr"`
	KafkaBrokers string `yaml:"kafka_brokers"`
	RedisAddr    string `yaml:"redis_addr"`
	PostgresDSN  string `yaml:"postgres_dsn"`
	OTelEndpoint string `yaml:"otel_endpoint"`

	AdminJWTSecret string `yaml:"admin_jwt_secret"`
	MaxBodyBytes   int64  `yaml:"max_body_bytes"`

	MaxCharsPerChunk  int           `yaml:"max_chars_per_chunk"`
	DefaultTimezone   string        `yaml:"default_timezone"`
	ScheduleTTL       time.Duration `yaml:"schedule_ttl"`
	TerminalRetention time.Duration `yaml:"terminal_retention"`
	InactivityWindow  time.Duration `yaml:"inactivity_window"`
	StuckClaimAfter   time.Duration `yaml:"stuck_claim_after"`
}

// Secrets are masked by the config command.
var Secrets = []string{"admin_jwt_secret", "postgres_dsn"}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:     v.GetString("log_level"),
		HTTPPort:     v.GetString("http_port"),
		GRPCPort:     v.GetString("grpc_port"),
		MetricsAddr:  v.GetString("metrics_addr"),
		KafkaBrokers: v.GetString("kafka_brokers"),
		RedisAddr:    v.GetString("redis_addr"),
		PostgresDSN:  v.GetString("postgres_dsn"),
		OTelEndpoint: v.GetString("otel_endpoint"),

		AdminJWTSecret: v.GetString("admin_jwt_secret"),
		MaxBodyBytes:   v.GetInt64("max_body_bytes"),

		MaxCharsPerChunk:  v.GetInt("max_chars_per_chunk"),
		DefaultTimezone:   v.GetString("default_timezone"),
		ScheduleTTL:       v.GetDuration("schedule_ttl"),
		TerminalRetention: v.GetDuration("terminal_retention"),
		InactivityWindow:  v.GetDuration("inactivity_window"),
		StuckClaimAfter:   v.GetDuration("stuck_claim_after"),
	}
}
