package delivery

import (
	"context"
	"log/slog"
)

// LogSender writes deliveries to the log instead of sending them.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender creates a LogSender.
func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Channel() string { return "log" }

func (s *LogSender) Send(ctx context.Context, p Payload) error {
	indexes := make([]int, len(p.Items))
	for i, it := range p.Items {
		indexes[i] = it.ChunkIndex
	}
	s.logger.InfoContext(ctx, "delivery",
		slog.String("user_id", p.UserID),
		slog.String("recipient", p.Recipient),
		slog.String("subject", p.Subject),
		slog.Any("chunks", indexes),
	)
	return nil
}
