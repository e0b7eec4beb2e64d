package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0D1nn8502/ReadThatPDF/internal/domain"
)

// ── helpers ───────────────────────────────────────────────────────────────────

func samplePayload() Payload {
	return Payload{
		UserID:    "u1",
		Recipient: "reader@example.com",
		Subject:   SubjectScheduled,
		Items: []Item{
			{ChunkIndex: 0, Chunk: "First chunk.", Insight: "It is **first**."},
			{ChunkIndex: 1, Chunk: "Second chunk.", Error: "timeout"},
		},
	}
}

type stubSender struct{ channel string }

func (s *stubSender) Channel() string                        { return s.channel }
func (s *stubSender) Send(context.Context, Payload) error    { return nil }

// ── tests ─────────────────────────────────────────────────────────────────────

func TestPayload_PlainBody(t *testing.T) {
	got := samplePayload().PlainBody()
	want := "First chunk.\n\n---\nInsights:\nIt is **first**." +
		"\n\nSecond chunk.\n\n---\nInsights:\n(insight unavailable: timeout)"
	assert.Equal(t, want, got)
}

func TestRenderHTML(t *testing.T) {
	out, err := RenderHTML(samplePayload())
	require.NoError(t, err)
	assert.Contains(t, out, "<strong>first</strong>")
	assert.Contains(t, out, "<blockquote>")
	assert.Contains(t, out, SubjectScheduled)
}

func TestBuildMessage_Multipart(t *testing.T) {
	raw, err := BuildMessage("bot@example.com", samplePayload(), time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	r, err := mail.CreateReader(bytes.NewReader(raw))
	require.NoError(t, err)
	subject, err := r.Header.Subject()
	require.NoError(t, err)
	assert.Equal(t, SubjectScheduled, subject)

	var types []string
	var plain string
	for {
		part, err := r.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		if h, ok := part.Header.(*mail.InlineHeader); ok {
			ct, _, _ := h.ContentType()
			types = append(types, ct)
			if ct == "text/plain" {
				b, _ := io.ReadAll(part.Body)
				plain = string(b)
			}
		}
	}
	assert.Equal(t, []string{"text/plain", "text/html"}, types)
	assert.Contains(t, plain, "---\nInsights:\n")
}

func TestSMTPSender_Send(t *testing.T) {
	s := NewSMTPSender(SMTPConfig{Host: "mail.local", Port: 2525, From: "bot@example.com"})
	var gotAddr string
	var gotTo []string
	s.send = func(addr string, _ smtp.Auth, _ string, to []string, _ []byte) error {
		gotAddr, gotTo = addr, to
		return nil
	}

	require.NoError(t, s.Send(context.Background(), samplePayload()))
	assert.Equal(t, "mail.local:2525", gotAddr)
	assert.Equal(t, []string{"reader@example.com"}, gotTo)
	assert.Equal(t, "email", s.Channel())
}

func TestSMTPSender_TemporaryReplyIsTransient(t *testing.T) {
	s := NewSMTPSender(SMTPConfig{Host: "mail.local", Port: 25})
	s.send = func(string, smtp.Auth, string, []string, []byte) error {
		return &textproto.Error{Code: 421, Msg: "try again later"}
	}
	err := s.Send(context.Background(), samplePayload())
	var te *domain.TransientExternalError
	assert.ErrorAs(t, err, &te)
}

func TestSMTPSender_PermanentReplyIsNotTransient(t *testing.T) {
	s := NewSMTPSender(SMTPConfig{Host: "mail.local", Port: 25})
	s.send = func(string, smtp.Auth, string, []string, []byte) error {
		return &textproto.Error{Code: 550, Msg: "no such user"}
	}
	err := s.Send(context.Background(), samplePayload())
	require.Error(t, err)
	var te *domain.TransientExternalError
	assert.False(t, errors.As(err, &te))
}

func TestSMTPSender_MissingRecipient(t *testing.T) {
	p := samplePayload()
	p.Recipient = ""
	err := NewSMTPSender(SMTPConfig{}).Send(context.Background(), p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recipient")
}

func TestSMTPSender_CancelledContext(t *testing.T) {
	s := NewSMTPSender(SMTPConfig{Host: "mail.local", Port: 25})
	block := make(chan struct{})
	defer close(block)
	s.send = func(string, smtp.Auth, string, []string, []byte) error {
		<-block
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Send(ctx, samplePayload())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWebhookSender_Success(t *testing.T) {
	var got Payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "secret", r.Header.Get("X-Token"))
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := NewWebhookSender(srv.URL, map[string]string{"X-Token": "secret"})
	require.NoError(t, s.Send(context.Background(), samplePayload()))
	assert.Len(t, got.Items, 2)
}

func TestWebhookSender_StatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		transient bool
	}{
		{http.StatusInternalServerError, true},
		{http.StatusTooManyRequests, true},
		{http.StatusBadRequest, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			err := NewWebhookSender(srv.URL, nil).Send(context.Background(), samplePayload())
			require.Error(t, err)
			var te *domain.TransientExternalError
			assert.Equal(t, tt.transient, errors.As(err, &te))
		})
	}
}

func TestWebhookSender_NoURL(t *testing.T) {
	err := NewWebhookSender("", nil).Send(context.Background(), samplePayload())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "url")
}

func TestLogSender(t *testing.T) {
	var buf bytes.Buffer
	s := NewLogSender(slog.New(slog.NewJSONHandler(&buf, nil)))
	require.NoError(t, s.Send(context.Background(), samplePayload()))
	assert.True(t, strings.Contains(buf.String(), `"chunks":[0,1]`), buf.String())
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry(&stubSender{channel: "email"})

	s, err := reg.Get("email")
	require.NoError(t, err)
	assert.Equal(t, "email", s.Channel())

	_, err = reg.Get("sms")
	assert.ErrorIs(t, err, ErrUnknownChannel)
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	reg := NewRegistry(&stubSender{channel: "email"})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); reg.Register(&stubSender{channel: "webhook"}) }()
		go func() { defer wg.Done(); _, _ = reg.Get("email") }()
	}
	wg.Wait()
}
