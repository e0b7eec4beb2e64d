package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the dispatcher service.
type Config struct {
	LogLevel     string `yaml:"log_level"`
	KafkaBrokers string `yaml:"kafka_brokers"`
	RedisAddr    string `yaml:"redis_addr"`
	MetricsAddr  string `yaml:"metrics_addr"`
	OTelEndpoint string `yaml:"otel_endpoint"`

	TickInterval   time.Duration `yaml:"tick_interval"`
	ScanLimit      int           `yaml:"scan_limit"`
	LeaderElection bool          `yaml:"leader_election"`

	ScheduleTTL       time.Duration `yaml:"schedule_ttl"`
	TerminalRetention time.Duration `yaml:"terminal_retention"`
}

// LeaseTTL is how long a leader holds the scan lease without renewing it.
// Two missed ticks hand leadership over.
func (c Config) LeaseTTL() time.Duration {
	if c.TickInterval <= 0 {
		return 2 * time.Minute
	}
	return 2 * c.TickInterval
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:     v.GetString("log_level"),
		KafkaBrokers: v.GetString("kafka_brokers"),
		RedisAddr:    v.GetString("redis_addr"),
		MetricsAddr:  v.GetString("metrics_addr"),
		OTelEndpoint: v.GetString("otel_endpoint"),

		TickInterval:   v.GetDuration("tick_interval"),
		ScanLimit:      v.GetInt("scan_limit"),
		LeaderElection: v.GetBool("leader_election"),

		ScheduleTTL:       v.GetDuration("schedule_ttl"),
		TerminalRetention: v.GetDuration("terminal_retention"),
	}
}
