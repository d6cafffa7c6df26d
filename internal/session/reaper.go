package session

import (
	"fmt"
	"io"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultReapInterval is how often the idle sweep runs.
const DefaultReapInterval = 30 * time.Second

// Reaper runs the orchestrator's idle sweep on a fixed cron interval.
type Reaper struct {
	c *cron.Cron
}

// StartReaper schedules ReapIdle every interval and starts the scheduler.
func StartReaper(o *Orchestrator, interval time.Duration, out io.Writer) (*Reaper, error) {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	if out == nil {
		out = io.Discard
	}

	c := cron.New()
	_, err := c.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		if n := o.ReapIdle(); n > 0 {
			fmt.Fprintf(out, "session: reaped %d idle conversation(s)\n", n)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("session: schedule reaper: %w", err)
	}
	c.Start()
	return &Reaper{c: c}, nil
}

// Stop halts the sweep scheduler. A sweep already in progress finishes.
func (r *Reaper) Stop() {
	ctx := r.c.Stop()
	<-ctx.Done()
}
