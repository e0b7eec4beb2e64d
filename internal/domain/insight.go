package domain

import "time"

// InsightRecord is the generated insight, or the reason generation failed,
// for one chunk of one user. Records are written once and never replaced.
type InsightRecord struct {
	ChunkIndex  int       `json:"chunk_index"`
	Insight     string    `json:"insight,omitempty"`
	Error       string    `json:"error,omitempty"`
	TokenCount  int       `json:"token_count,omitempty"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Failed reports whether the record carries an error instead of an insight.
func (r InsightRecord) Failed() bool { return r.Error != "" }
