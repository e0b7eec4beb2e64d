package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/smtp"
	"net/textproto"
	"time"

	"github.com/emersion/go-message/mail"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/0D1nn8502/ReadThatPDF/internal/domain"
)

// SMTPConfig holds SMTP connection details.
type SMTPConfig struct {
	Host     string
	Port     int
	From     string
	Username string
	Password string
}

// SMTPSender sends the batch as a multipart/alternative email.
type SMTPSender struct {
	cfg  SMTPConfig
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPSender creates an SMTPSender from config.
func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	return &SMTPSender{cfg: cfg, send: smtp.SendMail}
}

func (s *SMTPSender) Channel() string { return "email" }

func (s *SMTPSender) Send(ctx context.Context, p Payload) error {
	ctx, span := otel.Tracer("worker").Start(ctx, "delivery.email")
	defer span.End()

	if p.Recipient == "" {
		err := errors.New("email delivery missing recipient")
		span.SetStatus(codes.Error, "missing recipient")
		return err
	}
	span.SetAttributes(attribute.String("email.to", p.Recipient), attribute.Int("email.items", len(p.Items)))

	msg, err := BuildMessage(s.cfg.From, p, time.Now())
	if err != nil {
		span.RecordError(err)
		return err
	}

	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	// net/smtp has no context support; race the blocking call against ctx.
	done := make(chan error, 1)
	go func() { done <- s.send(addr, auth, s.cfg.From, []string{p.Recipient}, msg) }()

	select {
	case err := <-done:
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "smtp send failed")
			return classifySMTP(fmt.Errorf("smtp send to %s: %w", p.Recipient, err))
		}
		return nil
	case <-ctx.Done():
		err := fmt.Errorf("email send timed out: %w", ctx.Err())
		span.RecordError(err)
		span.SetStatus(codes.Error, "timeout")
		return &domain.TransientExternalError{Service: "smtp", Err: err}
	}
}

// BuildMessage renders p as an RFC 5322 message with plain and HTML parts.
func BuildMessage(from string, p Payload, date time.Time) ([]byte, error) {
	var h mail.Header
	h.SetDate(date)
	h.SetSubject(p.Subject)
	h.SetAddressList("From", []*mail.Address{{Address: from}})
	h.SetAddressList("To", []*mail.Address{{Address: p.Recipient}})
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("generate message id: %w", err)
	}

	htmlBody, err := RenderHTML(p)
	if err != nil {
		return nil, fmt.Errorf("render html body: %w", err)
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create mail writer: %w", err)
	}
	alt, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("create inline writer: %w", err)
	}
	if err := writePart(alt, "text/plain", p.PlainBody()); err != nil {
		return nil, err
	}
	if err := writePart(alt, "text/html", htmlBody); err != nil {
		return nil, err
	}
	if err := alt.Close(); err != nil {
		return nil, fmt.Errorf("close inline writer: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close mail writer: %w", err)
	}
	return buf.Bytes(), nil
}

func writePart(w *mail.InlineWriter, contentType, body string) error {
	var ph mail.InlineHeader
	ph.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	pw, err := w.CreatePart(ph)
	if err != nil {
		return fmt.Errorf("create %s part: %w", contentType, err)
	}
	if _, err := io.WriteString(pw, body); err != nil {
		return fmt.Errorf("write %s part: %w", contentType, err)
	}
	return pw.Close()
}

// classifySMTP marks 4xx replies and network failures as transient.
func classifySMTP(err error) error {
	var tp *textproto.Error
	if errors.As(err, &tp) && tp.Code >= 400 && tp.Code < 500 {
		return &domain.TransientExternalError{Service: "smtp", Err: err}
	}
	var ne net.Error
	var op *net.OpError
	if errors.As(err, &ne) || errors.As(err, &op) {
		return &domain.TransientExternalError{Service: "smtp", Err: err}
	}
	return err
}
