// Package usage accounts for token and call usage across model requests.
package usage

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/neoclaw-ai/llmbot/internal/metrics"
	"github.com/neoclaw-ai/llmbot/internal/provider"
)

// Counters is a point-in-time view of accumulated usage.
type Counters struct {
	TotalTokens uint64
	TotalCalls  uint64
	StartTime   time.Time
}

// Uptime returns the time elapsed since StartTime.
func (c Counters) Uptime(now time.Time) time.Duration {
	if now.Before(c.StartTime) {
		return 0
	}
	return now.Sub(c.StartTime)
}

// Summary renders a one-line usage report.
func (c Counters) Summary(now time.Time) string {
	return fmt.Sprintf("uptime %s, %d calls, %d tokens", c.Uptime(now).Round(time.Second), c.TotalCalls, c.TotalTokens)
}

// Accountant keeps monotonic process-wide usage counters. It is safe for
// concurrent use.
type Accountant struct {
	tokens atomic.Uint64
	calls  atomic.Uint64
	start  time.Time
}

// NewAccountant creates an accountant whose uptime starts now.
func NewAccountant() *Accountant {
	return &Accountant{start: time.Now()}
}

// Record adds one response's token usage.
func (a *Accountant) Record(u provider.TokenUsage) {
	if u.InputTokens > 0 {
		metrics.TokensTotal.WithLabelValues("input").Add(float64(u.InputTokens))
	}
	if u.OutputTokens > 0 {
		metrics.TokensTotal.WithLabelValues("output").Add(float64(u.OutputTokens))
	}
	if u.TotalTokens <= 0 {
		return
	}
	a.tokens.Add(uint64(u.TotalTokens))
}

// RecordCall counts one top-level model call.
func (a *Accountant) RecordCall() {
	a.calls.Add(1)
	metrics.CallsTotal.Inc()
}

// Snapshot returns the current counters.
func (a *Accountant) Snapshot() Counters {
	return Counters{
		TotalTokens: a.tokens.Load(),
		TotalCalls:  a.calls.Load(),
		StartTime:   a.start,
	}
}
