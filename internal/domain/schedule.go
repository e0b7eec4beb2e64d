package domain

import "time"

// ProcessingMode selects between immediate delivery, scheduled delivery, or both.
type ProcessingMode string

const (
	ModeImmediateOnly        ProcessingMode = "immediate_only"
	ModeScheduleOnly         ProcessingMode = "schedule_only"
	ModeImmediateAndSchedule ProcessingMode = "immediate_and_schedule"
)

// Valid reports whether m is one of the known modes.
func (m ProcessingMode) Valid() bool {
	switch m {
	case ModeImmediateOnly, ModeScheduleOnly, ModeImmediateAndSchedule:
		return true
	}
	return false
}

// Immediate reports whether the mode processes chunks at submission time.
func (m ProcessingMode) Immediate() bool {
	return m == ModeImmediateOnly || m == ModeImmediateAndSchedule
}

// Scheduled reports whether the mode creates a recurring schedule.
func (m ProcessingMode) Scheduled() bool {
	return m == ModeScheduleOnly || m == ModeImmediateAndSchedule
}

// ScheduleType names a recurrence rule.
type ScheduleType string

const (
	ScheduleDaily        ScheduleType = "daily"
	ScheduleWeekly       ScheduleType = "weekly"
	ScheduleTwiceDaily   ScheduleType = "twice_daily"
	ScheduleEveryTwoDays ScheduleType = "every_two_days"
	ScheduleMonthly      ScheduleType = "monthly"
	ScheduleCustom       ScheduleType = "custom"
	ScheduleCron         ScheduleType = "cron"
)

// ScheduleStatus represents the lifecycle states of a ScheduleRecord.
type ScheduleStatus string

const (
	ScheduleActive    ScheduleStatus = "active"
	ScheduleCompleted ScheduleStatus = "completed"
	ScheduleCancelled ScheduleStatus = "cancelled"
	ScheduleExpired   ScheduleStatus = "expired"
)

// IsTerminal returns true if the schedule will never produce another window.
func (s ScheduleStatus) IsTerminal() bool {
	return s == ScheduleCompleted || s == ScheduleCancelled || s == ScheduleExpired
}

// Recurrence is the full recurrence configuration of a schedule. Only the
// fields relevant to Type are set; it is validated once, at creation.
type Recurrence struct {
	Type          ScheduleType `json:"schedule_type"`
	Time          string       `json:"schedule_time,omitempty"` // local HH:MM
	Timezone      string       `json:"timezone"`
	IntervalHours int          `json:"custom_interval_hours,omitempty"`
	CronExpr      string       `json:"cron_expression,omitempty"`
}

// ScheduleRecord is the durable per-user delivery state. Chunk texts are
// stored next to the record and addressed by index; TotalChunks is their count.
type ScheduleRecord struct {
	UserID            string         `json:"user_id"`
	RecipientEmail    string         `json:"recipient_email"`
	TotalChunks       int            `json:"total_chunks"`
	ProcessingMode    ProcessingMode `json:"processing_mode"`
	Recurrence        Recurrence     `json:"recurrence"`
	ChunksPerDelivery int            `json:"chunks_per_delivery"`
	Cursor            int            `json:"cursor"`
	ProcessedCount    int            `json:"processed_count"`
	NextExecution     *time.Time     `json:"next_execution"`
	Status            ScheduleStatus `json:"status"`
	Version           int64          `json:"version"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	LastProcessedAt   *time.Time     `json:"last_processed_at,omitempty"`

	// ClaimedAt and ClaimTaskID identify the window currently in flight.
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	ClaimTaskID string     `json:"claim_task_id,omitempty"`

	// NeedsAttention is set when the record was found violating an invariant.
	NeedsAttention bool   `json:"needs_attention,omitempty"`
	AttentionNote  string `json:"attention_note,omitempty"`
}

// Remaining returns the number of chunks not yet processed.
func (r *ScheduleRecord) Remaining() int {
	if n := r.TotalChunks - r.Cursor; n > 0 {
		return n
	}
	return 0
}

// IsDue reports whether the record should be dispatched at now.
func (r *ScheduleRecord) IsDue(now time.Time) bool {
	return r.Status == ScheduleActive && r.NextExecution != nil && !r.NextExecution.After(now)
}

// InFlight reports whether a window has been claimed and not yet committed.
func (r *ScheduleRecord) InFlight() bool {
	return r.Status == ScheduleActive && r.NextExecution == nil && r.ClaimedAt != nil
}

// LastActivity is the most recent instant the record was touched by the engine.
func (r *ScheduleRecord) LastActivity() time.Time {
	latest := r.CreatedAt
	if r.LastProcessedAt != nil && r.LastProcessedAt.After(latest) {
		latest = *r.LastProcessedAt
	}
	if r.UpdatedAt.After(latest) {
		latest = r.UpdatedAt
	}
	return latest
}

// Clone returns a deep copy so mutators never alias stored state.
func (r *ScheduleRecord) Clone() *ScheduleRecord {
	c := *r
	c.NextExecution = cloneTime(r.NextExecution)
	c.LastProcessedAt = cloneTime(r.LastProcessedAt)
	c.ClaimedAt = cloneTime(r.ClaimedAt)
	return &c
}

// Validate checks the structural invariants of the record.
func (r *ScheduleRecord) Validate() error {
	fail := func(reason string) error { return &FatalStateError{UserID: r.UserID, Reason: reason} }

	switch {
	case r.UserID == "":
		return fail("empty user_id")
	case r.TotalChunks < 0:
		return fail("negative total_chunks")
	case r.Cursor < 0 || r.Cursor > r.TotalChunks:
		return fail("cursor out of range")
	case r.ProcessedCount > r.TotalChunks:
		return fail("processed_count exceeds total_chunks")
	case r.ChunksPerDelivery <= 0:
		return fail("chunks_per_delivery must be positive")
	}

	switch r.Status {
	case ScheduleActive:
		if r.Cursor >= r.TotalChunks {
			return fail("active schedule has no remaining chunks")
		}
	case ScheduleCompleted, ScheduleCancelled, ScheduleExpired:
		if r.NextExecution != nil {
			return fail("terminal schedule has next_execution set")
		}
	default:
		return fail("unknown status " + string(r.Status))
	}
	return nil
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
