package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the janitor service.
type Config struct {
	LogLevel     string `yaml:"log_level"`
	RedisAddr    string `yaml:"redis_addr"`
	MetricsAddr  string `yaml:"metrics_addr"`
	OTelEndpoint string `yaml:"otel_endpoint"`

	CleanupCron       string        `yaml:"cleanup_cron"`
	TerminalRetention time.Duration `yaml:"terminal_retention"`
	InactivityWindow  time.Duration `yaml:"inactivity_window"`
	StuckClaimAfter   time.Duration `yaml:"stuck_claim_after"`
	ScheduleTTL       time.Duration `yaml:"schedule_ttl"`
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:     v.GetString("log_level"),
		RedisAddr:    v.GetString("redis_addr"),
		MetricsAddr:  v.GetString("metrics_addr"),
		OTelEndpoint: v.GetString("otel_endpoint"),

		CleanupCron:       v.GetString("cleanup_cron"),
		TerminalRetention: v.GetDuration("terminal_retention"),
		InactivityWindow:  v.GetDuration("inactivity_window"),
		StuckClaimAfter:   v.GetDuration("stuck_claim_after"),
		ScheduleTTL:       v.GetDuration("schedule_ttl"),
	}
}
