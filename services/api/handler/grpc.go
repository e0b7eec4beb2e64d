package handler

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServeHealth mirrors Health into the gRPC health service every interval
// until ctx is cancelled. The overall service ("") follows readiness; each
// probe is published under its own name. On return every service is marked
// NOT_SERVING.
func ServeHealth(ctx context.Context, h *Health, srv *health.Server, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := ""
	for {
		report := h.Check(ctx)
		publish(srv, report)
		if report.Status != last {
			logger.Info("health changed", slog.String("status", report.Status), slog.Any("services", report.Services))
			last = report.Status
		}

		select {
		case <-ctx.Done():
			srv.Shutdown()
			return
		case <-ticker.C:
		}
	}
}

func publish(srv *health.Server, report HealthReport) {
	srv.SetServingStatus("", servingStatus(report.Ready))
	for name, status := range report.Services {
		srv.SetServingStatus(name, servingStatus(status == StatusHealthy))
	}
}

func servingStatus(ok bool) healthpb.HealthCheckResponse_ServingStatus {
	if ok {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}
