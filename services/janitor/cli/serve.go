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

	"github.com/0D1nn8502/ReadThatPDF/internal/admin"
	"github.com/0D1nn8502/ReadThatPDF/internal/cliutil"
	redisstore "github.com/0D1nn8502/ReadThatPDF/internal/redis"
	"github.com/0D1nn8502/ReadThatPDF/pkg/telemetry"
	"github.com/0D1nn8502/ReadThatPDF/services/janitor"
	"github.com/0D1nn8502/ReadThatPDF/services/janitor/config"
)

const leaderTTL = 10 * time.Minute

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the janitor",
	RunE:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.String("redis-addr", "localhost:6379", "Redis address (host:port)")
	f.String("metrics-addr", ":9095", "Prometheus metrics server address")
	f.String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")
	f.String("cleanup-cron", janitor.DefaultCron, "sweep schedule: cron expression or descriptor")
	f.Duration("terminal-retention", admin.DefaultRetention, "age after which terminal schedules are deleted")
	f.Duration("inactivity-window", admin.DefaultInactivityWindow, "age after which overdue active schedules are expired")
	f.Duration("stuck-claim-after", admin.DefaultStuckClaimAfter, "age after which unfinished claims are re-armed")
	f.Duration("schedule-ttl", 720*time.Hour, "expiry of active schedule records")

	cliutil.BindFlag("redis_addr", f, "redis-addr")
	cliutil.BindFlag("metrics_addr", f, "metrics-addr")
	cliutil.BindFlag("otel_endpoint", f, "otel-endpoint")
	cliutil.BindFlag("cleanup_cron", f, "cleanup-cron")
	cliutil.BindFlag("terminal_retention", f, "terminal-retention")
	cliutil.BindFlag("inactivity_window", f, "inactivity-window")
	cliutil.BindFlag("stuck_claim_after", f, "stuck-claim-after")
	cliutil.BindFlag("schedule_ttl", f, "schedule-ttl")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	instanceID := "janitor-" + uuid.New().String()[:8]
	logger := cliutil.BuildLogger(cfg.LogLevel, "janitor").With(slog.String("instance_id", instanceID))

	shutdownTracer, err := telemetry.InitTracer(context.Background(), telemetry.TracerConfig{
		Service:  "janitor",
		Endpoint: cfg.OTelEndpoint,
	})
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	redisClient := redisstore.NewClient(cfg.RedisAddr)
	defer func() { _ = redisClient.Close() }()

	svc := admin.NewService(
		redisstore.NewScheduleStore(redisClient, redisstore.WithTTL(cfg.ScheduleTTL, cfg.TerminalRetention)),
		redisstore.NewTaskStore(redisClient),
		redisstore.NewRunMetrics(redisClient),
		admin.WithLogger(logger),
		admin.WithRetention(cfg.TerminalRetention),
		admin.WithInactivityWindow(cfg.InactivityWindow),
		admin.WithStuckClaimAfter(cfg.StuckClaimAfter),
	)

	lease := redisstore.NewLease(redisClient, redisstore.JanitorLeaderKey, instanceID, leaderTTL)
	j, err := janitor.NewJanitor(svc, cfg.CleanupCron, janitor.WithLogger(logger), janitor.WithLeader(lease))
	if err != nil {
		return err
	}

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

	logger.Info("janitor starting", slog.String("cleanup_cron", cfg.CleanupCron))
	if err := j.Run(ctx); err != nil {
		return fmt.Errorf("janitor: %w", err)
	}

	releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer releaseCancel()
	if err := lease.Release(releaseCtx); err != nil {
		logger.Warn("release leader lease", slog.String("error", err.Error()))
	}
	logger.Info("stopped")
	return nil
}
