package daemon

import (
	"context"
	"time"
)

// wakeMonitor detects host suspend/resume by sampling the wall clock.
// A timer that fires far later than scheduled means the machine slept;
// the loop is nudged so it refreshes instead of trusting stale sprint
// data for up to a full check interval.
func (d *Daemon) wakeMonitor(ctx context.Context) {
	sample := d.wakeSample
	ticker := time.NewTicker(sample)
	defer ticker.Stop()

	last := d.now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := d.now()
			gap := now.Sub(last)
			last = now
			if gap <= 2*sample {
				continue
			}
			d.log.Info().Dur("gap", gap).Msg("clock jump detected, host likely resumed")
			select {
			case d.wakeCh <- struct{}{}:
			default:
			}
		}
	}
}
