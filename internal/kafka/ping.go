package kafka

import (
	"context"
	"errors"
	"fmt"

	segkafka "github.com/segmentio/kafka-go"
)

// Ping dials the brokers in order and asks the first reachable one for the
// cluster controller.
func Ping(ctx context.Context, brokers []string) error {
	if len(brokers) == 0 {
		return errors.New("kafka ping: no brokers configured")
	}
	var lastErr error
	for _, addr := range brokers {
		conn, err := segkafka.DialContext(ctx, "tcp", addr)
		if err != nil {
			lastErr = err
			continue
		}
		_, err = conn.Controller()
		_ = conn.Close()
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("kafka ping: %w", lastErr)
}
