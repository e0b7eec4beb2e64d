package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/0D1nn8502/ReadThatPDF/internal/admin"
	"github.com/0D1nn8502/ReadThatPDF/internal/chunker"
	"github.com/0D1nn8502/ReadThatPDF/internal/cliutil"
	"github.com/0D1nn8502/ReadThatPDF/internal/kafka"
	"github.com/0D1nn8502/ReadThatPDF/internal/postgres"
	redisstore "github.com/0D1nn8502/ReadThatPDF/internal/redis"
	"github.com/0D1nn8502/ReadThatPDF/internal/schedule"
	"github.com/0D1nn8502/ReadThatPDF/pkg/telemetry"
	"github.com/0D1nn8502/ReadThatPDF/services/api/config"
	"github.com/0D1nn8502/ReadThatPDF/services/api/handler"
)

const healthInterval = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the REST and gRPC servers",
	RunE:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.String("http-port", "8080", "HTTP server port")
	f.String("grpc-port", "9090", "gRPC health server port")
	f.String("metrics-addr", ":9093", "Prometheus metrics server address")
	f.String("kafka-brokers", "localhost:9092", "comma-separated Kafka broker addresses")
	f.String("redis-addr", "localhost:6379", "Redis address (host:port)")
	f.String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")
	f.Int64("max-body-bytes", 10<<20, "request body limit in bytes")
	f.Int("max-chars-per-chunk", chunker.DefaultMaxChars, "chunk size limit in characters")
	f.String("default-timezone", schedule.DefaultTimezone, "timezone of requests that name none")
	f.Duration("schedule-ttl", 720*time.Hour, "expiry of active schedule records")
	f.Duration("terminal-retention", admin.DefaultRetention, "age after which terminal schedules are deleted")
	f.Duration("inactivity-window", admin.DefaultInactivityWindow, "age after which overdue active schedules are expired")
	f.Duration("stuck-claim-after", admin.DefaultStuckClaimAfter, "age after which unfinished claims are re-armed")

	for key, flag := range map[string]string{
		"http_port":           "http-port",
		"grpc_port":           "grpc-port",
		"metrics_addr":        "metrics-addr",
		"kafka_brokers":       "kafka-brokers",
		"redis_addr":          "redis-addr",
		"otel_endpoint":       "otel-endpoint",
		"max_body_bytes":      "max-body-bytes",
		"max_chars_per_chunk": "max-chars-per-chunk",
		"default_timezone":    "default-timezone",
		"schedule_ttl":        "schedule-ttl",
		"terminal_retention":  "terminal-retention",
		"inactivity_window":   "inactivity-window",
		"stuck_claim_after":   "stuck-claim-after",
	} {
		cliutil.BindFlag(key, f, flag)
	}
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	logger := cliutil.BuildLogger(cfg.LogLevel, "api")

	shutdownTracer, err := telemetry.InitTracer(context.Background(), telemetry.TracerConfig{
		Service:  "api",
		Endpoint: cfg.OTelEndpoint,
	})
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	brokers := cliutil.SplitList(cfg.KafkaBrokers)
	producer := kafka.NewProducer(brokers)
	defer func() { _ = producer.Close() }()

	redisClient := redisstore.NewClient(cfg.RedisAddr)
	defer func() { _ = redisClient.Close() }()

	store := redisstore.NewScheduleStore(redisClient, redisstore.WithTTL(cfg.ScheduleTTL, cfg.TerminalRetention))
	tasks := redisstore.NewTaskStore(redisClient)

	var opts []handler.Option
	if cfg.PostgresDSN != "" {
		initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		pool, err := postgres.NewPool(initCtx, cfg.PostgresDSN)
		cancel()
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pool.Close()
		opts = append(opts, handler.WithHistory(postgres.NewRepository(pool)))
	}

	enq := schedule.NewEnqueuer(store, tasks, producer, logger)
	svc := schedule.NewService(store, enq,
		schedule.WithLogger(logger),
		schedule.WithChunker(chunker.New(cfg.MaxCharsPerChunk)),
		schedule.WithDefaultTimezone(cfg.DefaultTimezone),
	)
	ops := admin.NewService(store, tasks, redisstore.NewRunMetrics(redisClient),
		admin.WithLogger(logger),
		admin.WithRetention(cfg.TerminalRetention),
		admin.WithInactivityWindow(cfg.InactivityWindow),
		admin.WithStuckClaimAfter(cfg.StuckClaimAfter),
	)

	checks := handler.NewHealth(2*time.Second).
		Add("redis", true, func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}).
		Add("queue", false, func(ctx context.Context) error {
			return kafka.Ping(ctx, brokers)
		}).
		Add("scheduler", false, func(ctx context.Context) error {
			owner, err := redisstore.LeaseHolder(ctx, redisClient, redisstore.DispatcherLeaderKey)
			if err != nil {
				return err
			}
			if owner == "" {
				return errors.New("no dispatcher holds the lease")
			}
			return nil
		})

	rest := handler.NewREST(svc, tasks, redisstore.NewInsightStore(redisClient), ops, checks, logger, opts...)

	// ── HTTP server ───────────────────────────────────────────────────────────
	httpSrv := &http.Server{
		Addr: ":" + cfg.HTTPPort,
		Handler: handler.NewRouter(rest, handler.RouterConfig{
			MaxBodyBytes:   cfg.MaxBodyBytes,
			AdminJWTSecret: cfg.AdminJWTSecret,
		}, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	if cfg.AdminJWTSecret == "" {
		logger.Warn("admin_jwt_secret is empty, /admin routes are unauthenticated")
	}

	// ── gRPC server ───────────────────────────────────────────────────────────
	grpcSrv := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, healthSrv)
	reflection.Register(grpcSrv)

	grpcLis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	// ── signal handling ───────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	// ── Prometheus metrics ────────────────────────────────────────────────────
	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, logger, func(ctx context.Context) error {
		return redisClient.Ping(ctx).Err()
	})
	go handler.ServeHealth(runCtx, checks, healthSrv, healthInterval, logger)

	go func() {
		logger.Info("api HTTP starting", slog.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	go func() {
		logger.Info("api gRPC starting", slog.String("addr", grpcLis.Addr().String()))
		if err := grpcSrv.Serve(grpcLis); err != nil {
			logger.Error("gRPC server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	<-quit
	logger.Info("shutting down...")
	runCancel()

	grpcSrv.GracefulStop()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("HTTP shutdown error", slog.String("error", err.Error()))
	}
	logger.Info("stopped")
	return nil
}
