package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func servingOf(t *testing.T, srv *health.Server, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := srv.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.Status
}

func TestHealth_AllHealthy(t *testing.T) {
	h := NewHealth(time.Second).
		Add("redis", true, func(context.Context) error { return nil }).
		Add("scheduler", false, func(context.Context) error { return nil })

	report := h.Check(context.Background())
	assert.Equal(t, StatusHealthy, report.Status)
	assert.True(t, report.Ready)
	assert.Len(t, report.Services, 2)
}

func TestHealth_CriticalFailureNotReady(t *testing.T) {
	h := NewHealth(time.Second).
		Add("redis", true, func(context.Context) error { return errors.New("connection refused") })

	report := h.Check(context.Background())
	assert.Equal(t, StatusDegraded, report.Status)
	assert.False(t, report.Ready)
}

func TestHealth_SlowProbeTimesOut(t *testing.T) {
	h := NewHealth(20*time.Millisecond).
		Add("queue", false, func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		})

	start := time.Now()
	report := h.Check(context.Background())
	assert.Less(t, time.Since(start), time.Second)
	assert.Contains(t, report.Services["queue"], "deadline exceeded")
}

func TestPublish_MirrorsReport(t *testing.T) {
	srv := health.NewServer()
	publish(srv, HealthReport{
		Status:   StatusDegraded,
		Ready:    true,
		Services: map[string]string{"redis": StatusHealthy, "queue": "unhealthy: down"},
	})

	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, servingOf(t, srv, ""))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, servingOf(t, srv, "redis"))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, servingOf(t, srv, "queue"))
}

func TestServeHealth_ShutsDownOnCancel(t *testing.T) {
	srv := health.NewServer()
	h := NewHealth(time.Second).Add("redis", true, func(context.Context) error { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ServeHealth(ctx, h, srv, 10*time.Millisecond, slog.New(slog.NewJSONHandler(io.Discard, nil)))
		close(done)
	}()

	require.Eventually(t, func() bool {
		resp, err := srv.Check(context.Background(), &healthpb.HealthCheckRequest{Service: "redis"})
		return err == nil && resp.Status == healthpb.HealthCheckResponse_SERVING
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, servingOf(t, srv, ""))
}
