package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/neoclaw-ai/llmbot/internal/logging"
)

// Reporter logs the accountant's counters on a cron schedule.
type Reporter struct {
	accountant *Accountant
	schedule   string
	now        func() time.Time
}

// NewReporter creates a reporter for a standard five-field cron schedule.
func NewReporter(accountant *Accountant, schedule string) *Reporter {
	return &Reporter{accountant: accountant, schedule: schedule, now: time.Now}
}

// Run blocks until ctx is done, reporting on every schedule tick.
func (r *Reporter) Run(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(r.schedule, r.report); err != nil {
		return fmt.Errorf("parse report schedule %q: %w", r.schedule, err)
	}
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

func (r *Reporter) report() {
	snap := r.accountant.Snapshot()
	logging.Logger().Info(
		"usage report",
		"calls", snap.TotalCalls,
		"tokens", snap.TotalTokens,
		"uptime", snap.Uptime(r.now()).Round(time.Second).String(),
	)
}
