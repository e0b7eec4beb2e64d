package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/0D1nn8502/ReadThatPDF/internal/domain"
	"github.com/0D1nn8502/ReadThatPDF/internal/kafka"
	"github.com/0D1nn8502/ReadThatPDF/internal/schedule"
)

func benchFixture(b *testing.B) (*fixture, domain.DeliveryTask) {
	b.Helper()
	f := newFixture(b)
	_, err := f.svc.Submit(context.Background(), schedule.SubmitRequest{
		Text: longText(10_000), UserID: "u1", Email: "u1@example.com",
		ProcessingMode: domain.ModeImmediateOnly, ImmediateChunksCount: intp(2),
	})
	if err != nil {
		b.Fatal(err)
	}
	var task domain.DeliveryTask
	msgs := f.producer.onTopic(kafka.TopicImmediate)
	if len(msgs) != 1 {
		b.Fatalf("expected one immediate task, got %d", len(msgs))
	}
	if err := json.Unmarshal(msgs[0].value, &task); err != nil {
		b.Fatal(err)
	}
	return f, task
}

// BenchmarkWorker_ProcessMessage measures the executor engine against the
// in-process store once insights and delivery markers exist: the path a
// redelivered batch takes.
func BenchmarkWorker_ProcessMessage(b *testing.B) {
	f, task := benchFixture(b)
	w := NewWorker("bench-worker", f.exec, f.producer, nil, WithLogger(quietLogger()))
	ctx := context.Background()

	// Warm up: the first run generates insights and marks chunks sent.
	raw, _ := json.Marshal(task)
	if err := w.processMessage(ctx, kafka.Message{Value: raw}); err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		// A fresh task id so the terminal-status guard doesn't short-circuit.
		task.TaskID = fmt.Sprintf("bench-%d", i)
		raw, _ := json.Marshal(task)
		_ = w.processMessage(ctx, kafka.Message{Value: raw})
	}
}
