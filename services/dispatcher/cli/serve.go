package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/0D1nn8502/ReadThatPDF/internal/cliutil"
	"github.com/0D1nn8502/ReadThatPDF/internal/kafka"
	redisstore "github.com/0D1nn8502/ReadThatPDF/internal/redis"
	"github.com/0D1nn8502/ReadThatPDF/internal/schedule"
	"github.com/0D1nn8502/ReadThatPDF/pkg/telemetry"
	"github.com/0D1nn8502/ReadThatPDF/services/dispatcher"
	"github.com/0D1nn8502/ReadThatPDF/services/dispatcher/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the dispatcher",
	RunE:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.String("kafka-brokers", "localhost:9092", "comma-separated Kafka broker addresses")
	f.String("redis-addr", "localhost:6379", "Redis address (host:port)")
	f.String("metrics-addr", ":9094", "Prometheus metrics server address")
	f.String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")
	f.Duration("tick-interval", dispatcher.DefaultTickInterval, "interval between due scans")
	f.Int("scan-limit", dispatcher.DefaultScanLimit, "max due schedules claimed per tick")
	f.Bool("leader-election", true, "scan only while holding the leader lease")
	f.Duration("schedule-ttl", 720*time.Hour, "expiry of active schedule records")
	f.Duration("terminal-retention", 168*time.Hour, "retention of completed and cancelled schedule records")

	cliutil.BindFlag("kafka_brokers", f, "kafka-brokers")
	cliutil.BindFlag("redis_addr", f, "redis-addr")
	cliutil.BindFlag("metrics_addr", f, "metrics-addr")
	cliutil.BindFlag("otel_endpoint", f, "otel-endpoint")
	cliutil.BindFlag("tick_interval", f, "tick-interval")
	cliutil.BindFlag("scan_limit", f, "scan-limit")
	cliutil.BindFlag("leader_election", f, "leader-election")
	cliutil.BindFlag("schedule_ttl", f, "schedule-ttl")
	cliutil.BindFlag("terminal_retention", f, "terminal-retention")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	instanceID := "dispatcher-" + uuid.New().String()[:8]
	logger := cliutil.BuildLogger(cfg.LogLevel, "dispatcher").With(slog.String("instance_id", instanceID))

	shutdownTracer, err := telemetry.InitTracer(context.Background(), telemetry.TracerConfig{
		Service:  "dispatcher",
		Endpoint: cfg.OTelEndpoint,
	})
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	producer := kafka.NewProducer(cliutil.SplitList(cfg.KafkaBrokers))
	defer func() { _ = producer.Close() }()

	redisClient := redisstore.NewClient(cfg.RedisAddr)
	defer func() { _ = redisClient.Close() }()

	store := redisstore.NewScheduleStore(redisClient, redisstore.WithTTL(cfg.ScheduleTTL, cfg.TerminalRetention))
	enq := schedule.NewEnqueuer(store, redisstore.NewTaskStore(redisClient), producer, logger)

	opts := []dispatcher.Option{
		dispatcher.WithLogger(logger),
		dispatcher.WithInterval(cfg.TickInterval),
		dispatcher.WithScanLimit(cfg.ScanLimit),
	}
	var lease *redisstore.Lease
	if cfg.LeaderElection {
		lease = redisstore.NewLease(redisClient, redisstore.DispatcherLeaderKey, instanceID, cfg.LeaseTTL())
		opts = append(opts, dispatcher.WithLeader(lease))
	}
	d := dispatcher.NewDispatcher(store, enq, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	telemetry.StartMetricsServer(ctx, cfg.MetricsAddr, logger, func(ctx context.Context) error {
		return redisClient.Ping(ctx).Err()
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-quit
		logger.Info("shutting down...")
		cancel()
	}()

	logger.Info("dispatcher starting",
		slog.Duration("tick_interval", cfg.TickInterval),
		slog.Int("scan_limit", cfg.ScanLimit),
		slog.Bool("leader_election", cfg.LeaderElection),
	)
	d.Run(ctx)

	if lease != nil {
		releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := lease.Release(releaseCtx); err != nil {
			logger.Warn("release leader lease", slog.String("error", err.Error()))
		}
		releaseCancel()
	}
	logger.Info("stopped")
	return nil
}
