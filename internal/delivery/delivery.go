// Package delivery hands a batch of chunks and their insights to the
// recipient over a configured channel.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

const (
	SubjectScheduled = "Your Scheduled Reading Chunk"
	SubjectImmediate = "Your Reading Insights"
)

// Item is one chunk of a delivery.
type Item struct {
	ChunkIndex int    `json:"chunk_index"`
	Chunk      string `json:"chunk"`
	Insight    string `json:"insight,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Payload is everything a Sender needs for one batch.
type Payload struct {
	UserID    string `json:"user_id"`
	Recipient string `json:"recipient"`
	Subject   string `json:"subject"`
	Items     []Item `json:"items"`
}

// PlainBody renders the batch as text, one chunk after another.
func (p Payload) PlainBody() string {
	var b strings.Builder
	for i, it := range p.Items {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(it.Chunk)
		b.WriteString("\n\n---\nInsights:\n")
		b.WriteString(it.insightText())
	}
	return b.String()
}

// Markdown renders the batch as markdown for the HTML alternative.
func (p Payload) Markdown() string {
	var b strings.Builder
	for i, it := range p.Items {
		if i > 0 {
			b.WriteString("\n\n---\n\n")
		}
		fmt.Fprintf(&b, "### Part %d\n\n", it.ChunkIndex+1)
		for _, line := range strings.Split(strings.TrimSpace(it.Chunk), "\n") {
			b.WriteString("> ")
			b.WriteString(line)
			b.WriteString("\n")
		}
		b.WriteString("\n**Insights**\n\n")
		b.WriteString(it.insightText())
		b.WriteString("\n")
	}
	return b.String()
}

func (it Item) insightText() string {
	if it.Error != "" {
		return "(insight unavailable: " + it.Error + ")"
	}
	return it.Insight
}

// Sender delivers a payload over one channel.
type Sender interface {
	Send(ctx context.Context, p Payload) error
	Channel() string
}

// ErrUnknownChannel is returned by Registry.Get for an unregistered channel.
var ErrUnknownChannel = errors.New("unknown delivery channel")

// Registry maps channel names to their senders.
type Registry struct {
	mu      sync.RWMutex
	senders map[string]Sender
}

// NewRegistry creates a Registry holding senders.
func NewRegistry(senders ...Sender) *Registry {
	r := &Registry{senders: make(map[string]Sender, len(senders))}
	for _, s := range senders {
		r.Register(s)
	}
	return r
}

// Register adds a sender, replacing any with the same channel. Safe to call concurrently.
func (r *Registry) Register(s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders[s.Channel()] = s
}

// Get returns the sender for channel.
func (r *Registry) Get(channel string) (Sender, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.senders[channel]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownChannel, channel)
	}
	return s, nil
}
