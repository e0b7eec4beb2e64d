package handler

import (
	"context"
	"sync"
	"time"
)

const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
)

// Probe checks one dependency. A nil error means healthy.
type Probe func(ctx context.Context) error

type namedProbe struct {
	name     string
	probe    Probe
	critical bool
}

// Health runs the dependency probes behind /health, /readyz and the gRPC
// health service.
type Health struct {
	probes  []namedProbe
	timeout time.Duration
	now     func() time.Time
}

// NewHealth returns a checker whose probes each get timeout to answer.
func NewHealth(timeout time.Duration) *Health {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Health{timeout: timeout, now: time.Now}
}

// Add registers a probe. A failing critical probe makes the process not ready;
// any failing probe makes it degraded.
func (h *Health) Add(name string, critical bool, p Probe) *Health {
	h.probes = append(h.probes, namedProbe{name: name, probe: p, critical: critical})
	return h
}

// HealthReport is the /health body.
type HealthReport struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Services  map[string]string `json:"services"`
	Ready     bool              `json:"-"`
}

// Check runs every probe concurrently.
func (h *Health) Check(ctx context.Context) HealthReport {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	results := make([]error, len(h.probes))
	var wg sync.WaitGroup
	for i, p := range h.probes {
		wg.Add(1)
		go func(i int, p namedProbe) {
			defer wg.Done()
			results[i] = p.probe(ctx)
		}(i, p)
	}
	wg.Wait()

	report := HealthReport{
		Status:    StatusHealthy,
		Timestamp: h.now().UTC(),
		Services:  make(map[string]string, len(h.probes)),
		Ready:     true,
	}
	for i, p := range h.probes {
		if err := results[i]; err != nil {
			report.Services[p.name] = "unhealthy: " + err.Error()
			report.Status = StatusDegraded
			if p.critical {
				report.Ready = false
			}
			continue
		}
		report.Services[p.name] = StatusHealthy
	}
	return report
}
