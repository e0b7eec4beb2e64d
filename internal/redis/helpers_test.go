package redis

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/0D1nn8502/ReadThatPDF/internal/domain"
)

// ── helpers ───────────────────────────────────────────────────────────────────

func newTestClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

var t0 = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

func activeRecord(userID string, total int, next time.Time) *domain.ScheduleRecord {
	return &domain.ScheduleRecord{
		UserID:            userID,
		RecipientEmail:    userID + "@example.com",
		TotalChunks:       total,
		ProcessingMode:    domain.ModeScheduleOnly,
		Recurrence:        domain.Recurrence{Type: domain.ScheduleDaily, Time: "09:00", Timezone: "UTC"},
		ChunksPerDelivery: 2,
		NextExecution:     &next,
		Status:            domain.ScheduleActive,
		Version:           1,
		CreatedAt:         t0,
		UpdatedAt:         t0,
	}
}

func chunkTexts(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = "chunk " + string(rune('a'+i))
	}
	return out
}
