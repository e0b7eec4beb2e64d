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
	"github.com/0D1nn8502/ReadThatPDF/internal/delivery"
	"github.com/0D1nn8502/ReadThatPDF/internal/insight"
	"github.com/0D1nn8502/ReadThatPDF/internal/kafka"
	"github.com/0D1nn8502/ReadThatPDF/internal/postgres"
	redisstore "github.com/0D1nn8502/ReadThatPDF/internal/redis"
	"github.com/0D1nn8502/ReadThatPDF/pkg/telemetry"
	"github.com/0D1nn8502/ReadThatPDF/services/worker"
	"github.com/0D1nn8502/ReadThatPDF/services/worker/config"
)

const consumerGroup = "readthat-worker"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the worker",
	RunE:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.String("kafka-brokers", "localhost:9092", "comma-separated Kafka broker addresses")
	f.String("redis-addr", "localhost:6379", "Redis address (host:port)")
	f.String("postgres-dsn", "", "PostgreSQL DSN for the batch audit log; empty disables it")
	f.String("metrics-addr", ":9091", "Prometheus metrics server address")
	f.String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")
	f.Int("concurrency", 4, "consumers per delivery topic")

	f.String("insight-provider", "openai", "insight provider: openai | anthropic | static")
	f.String("insight-api-key", "", "insight provider API key")
	f.String("insight-base-url", "", "override the provider base URL (OpenAI-compatible APIs)")
	f.String("insight-model", "", "model name; empty uses the provider default")
	f.Int("insight-max-tokens", 1700, "max completion tokens per insight")
	f.Int("insight-rate-limit", 30, "insight requests per minute across all workers (0 = disabled)")
	f.Int("insight-daily-requests", redisstore.DefaultBudget.DailyRequests, "insight requests per UTC day across all workers (0 = disabled)")
	f.Int("insight-daily-tokens", redisstore.DefaultBudget.DailyTokens, "estimated insight tokens per UTC day across all workers (0 = disabled)")
	f.Int("insight-tokens-per-minute", redisstore.DefaultBudget.TokensPerMinute, "estimated insight tokens per minute across all workers (0 = disabled)")
	f.Duration("insight-timeout", 30*time.Second, "timeout of one insight call")
	f.Int("insight-attempts", 3, "attempts per chunk on transient insight errors")
	f.Duration("insight-base-delay", time.Second, "first backoff between insight attempts")

	f.String("delivery-channel", "email", "delivery channel: email | webhook | log")
	f.Int("delivery-attempts", 3, "attempts per batch on transient delivery errors")
	f.Duration("delivery-retry-delay", 60*time.Second, "fixed delay between delivery attempts")
	f.String("webhook-url", "", "target URL of the webhook channel")

	f.String("smtp-host", "localhost", "SMTP server host")
	f.Int("smtp-port", 1025, "SMTP server port")
	f.String("smtp-from", "noreply@readthat.dev", "SMTP sender address")
	f.String("smtp-username", "", "SMTP auth username")
	f.String("smtp-password", "", "SMTP auth password or app password")

	for key, flag := range map[string]string{
		"kafka_brokers":             "kafka-brokers",
		"redis_addr":                "redis-addr",
		"postgres_dsn":              "postgres-dsn",
		"metrics_addr":              "metrics-addr",
		"otel_endpoint":             "otel-endpoint",
		"concurrency":               "concurrency",
		"insight_provider":          "insight-provider",
		"insight_api_key":           "insight-api-key",
		"insight_base_url":          "insight-base-url",
		"insight_model":             "insight-model",
		"insight_max_tokens":        "insight-max-tokens",
		"insight_rate_limit":        "insight-rate-limit",
		"insight_daily_requests":    "insight-daily-requests",
		"insight_daily_tokens":      "insight-daily-tokens",
		"insight_tokens_per_minute": "insight-tokens-per-minute",
		"insight_timeout":           "insight-timeout",
		"insight_attempts":          "insight-attempts",
		"insight_base_delay":        "insight-base-delay",
		"delivery_channel":          "delivery-channel",
		"delivery_attempts":         "delivery-attempts",
		"delivery_retry_delay":      "delivery-retry-delay",
		"webhook_url":               "webhook-url",
		"smtp_host":                 "smtp-host",
		"smtp_port":                 "smtp-port",
		"smtp_from":                 "smtp-from",
		"smtp_username":             "smtp-username",
		"smtp_password":             "smtp-password",
	} {
		cliutil.BindFlag(key, f, flag)
	}
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
	_ = viper.BindEnv("send_email_retry_delay", "SEND_EMAIL_RETRY_DELAY")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	workerID := "worker-" + uuid.New().String()[:8]
	logger := cliutil.BuildLogger(cfg.LogLevel, "worker").With(slog.String("worker_id", workerID))

	shutdownTracer, err := telemetry.InitTracer(context.Background(), telemetry.TracerConfig{
		Service:  "worker",
		Endpoint: cfg.OTelEndpoint,
	})
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	redisClient := redisstore.NewClient(cfg.RedisAddr)
	defer func() { _ = redisClient.Close() }()

	generator, err := insight.New(insight.Config{
		Provider:  cfg.InsightProvider,
		APIKey:    cfg.InsightAPIKey,
		BaseURL:   cfg.InsightBaseURL,
		Model:     cfg.InsightModel,
		MaxTokens: cfg.InsightMaxTokens,
	})
	if err != nil {
		return fmt.Errorf("insight: %w", err)
	}
	budget := redisstore.BudgetConfig{
		DailyRequests:   cfg.InsightDailyRequests,
		DailyTokens:     cfg.InsightDailyTokens,
		TokensPerMinute: cfg.InsightTokensPerMinute,
		SafetyBuffer:    redisstore.DefaultBudget.SafetyBuffer,
	}
	if cfg.InsightProvider != "static" && (budget.DailyRequests > 0 || budget.DailyTokens > 0 || budget.TokensPerMinute > 0) {
		generator = insight.WithBudget(generator, redisstore.NewTokenBudget(redisClient, budget), cfg.InsightMaxTokens)
	}
	if cfg.InsightRateLimit > 0 {
		generator = insight.WithLimiter(generator, redisstore.NewRateLimiter(redisClient, cfg.InsightRateLimit, time.Minute))
	}

	senders := delivery.NewRegistry(
		delivery.NewSMTPSender(delivery.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			From:     cfg.SMTPFrom,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
		}),
		delivery.NewLogSender(logger),
	)
	if cfg.WebhookURL != "" {
		senders.Register(delivery.NewWebhookSender(cfg.WebhookURL, nil))
	}
	sender, err := senders.Get(cfg.DeliveryChannel)
	if err != nil {
		return err
	}

	var audit postgres.BatchRepository = postgres.Discard{}
	if cfg.PostgresDSN != "" {
		initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		pool, err := postgres.NewPool(initCtx, cfg.PostgresDSN)
		cancel()
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pool.Close()
		audit = postgres.NewRepository(pool)
	}

	exec := worker.NewExecutor(
		redisstore.NewScheduleStore(redisClient),
		redisstore.NewTaskStore(redisClient),
		redisstore.NewInsightStore(redisClient),
		redisstore.NewDeliveryMarkers(redisClient),
		generator,
		sender,
		worker.WithExecutorLogger(logger),
		worker.WithWorkerID(workerID),
		worker.WithInsightPolicy(cfg.InsightTimeout, cfg.InsightAttempts, cfg.InsightBaseDelay),
		worker.WithDeliveryPolicy(cfg.DeliveryAttempts, cfg.DeliveryRetryDelay),
		worker.WithAudit(audit),
		worker.WithCounters(redisstore.NewRunMetrics(redisClient)),
	)

	brokers := cliutil.SplitList(cfg.KafkaBrokers)
	producer := kafka.NewProducer(brokers)
	defer func() { _ = producer.Close() }()

	concurrency := max(cfg.Concurrency, 1)
	var consumers []kafka.Consumer
	for _, topic := range []string{kafka.TopicPending, kafka.TopicImmediate} {
		for i := 0; i < concurrency; i++ {
			c := kafka.NewConsumer(brokers, topic, consumerGroup, logger)
			defer func() { _ = c.Close() }()
			consumers = append(consumers, c)
		}
	}

	w := worker.NewWorker(workerID, exec, producer, consumers, worker.WithLogger(logger))

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, logger, func(ctx context.Context) error {
		return redisClient.Ping(ctx).Err()
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-quit
		logger.Info("shutting down, draining in-flight tasks...",
			slog.Int64("in_flight", w.InFlight()),
		)
		runCancel()
	}()

	logger.Info("worker starting",
		slog.Int("consumers", len(consumers)),
		slog.String("insight_provider", generator.Name()),
		slog.String("delivery_channel", sender.Channel()),
		slog.Duration("delivery_retry_delay", cfg.DeliveryRetryDelay),
	)

	if err := w.Run(runCtx); err != nil {
		return fmt.Errorf("worker: %w", err)
	}

	w.Wait()
	logger.Info("stopped cleanly")
	return nil
}
