package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/0D1nn8502/ReadThatPDF/internal/domain"
)

// WebhookSender POSTs the payload as JSON to a fixed URL.
type WebhookSender struct {
	url     string
	headers map[string]string
	client  *http.Client
}

// NewWebhookSender creates a WebhookSender. headers are added to every request.
func NewWebhookSender(url string, headers map[string]string) *WebhookSender {
	return &WebhookSender{
		url:     url,
		headers: headers,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (s *WebhookSender) Channel() string { return "webhook" }

func (s *WebhookSender) Send(ctx context.Context, p Payload) error {
	ctx, span := otel.Tracer("worker").Start(ctx, "delivery.webhook")
	defer span.End()

	if s.url == "" {
		err := errors.New("webhook delivery has no url configured")
		span.SetStatus(codes.Error, "missing url")
		return err
	}
	span.SetAttributes(attribute.String("webhook.url", s.url))

	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "http call failed")
		return &domain.TransientExternalError{Service: "webhook", Err: fmt.Errorf("webhook call to %s: %w", s.url, err)}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode < http.StatusBadRequest {
		return nil
	}
	err = fmt.Errorf("webhook %s returned status %d", s.url, resp.StatusCode)
	span.RecordError(err)
	span.SetStatus(codes.Error, "bad status code")
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
		return &domain.TransientExternalError{Service: "webhook", Err: err}
	}
	return err
}
