package daemon

import (
	"os"
	"sync"
	"time"

	"github.com/sprintbot/sprintbot/internal/memory"
)

// recentQueryKeep bounds the ring of completed query events held for
// get_state.
const recentQueryKeep = 20

// runtimeStats collects loop counters surfaced over the bus. All methods
// are safe for concurrent use; the loop, the memory façade, and bus
// handlers all write here.
type runtimeStats struct {
	mu        sync.Mutex
	startedAt time.Time
	ticks     uint64
	processed uint64

	queries     uint64
	recentQuery []memory.QueryEvent

	lastRefresh time.Time
	lastReview  time.Time
}

func newRuntimeStats(startedAt time.Time) *runtimeStats {
	return &runtimeStats{
		startedAt: startedAt,
		// Review sweeps wait out a full interval after startup; the
		// startup refresh covers the sprint snapshot itself.
		lastReview: startedAt,
	}
}

func (s *runtimeStats) recordTick() {
	s.mu.Lock()
	s.ticks++
	s.mu.Unlock()
}

func (s *runtimeStats) recordProcessed() {
	s.mu.Lock()
	s.processed++
	s.mu.Unlock()
}

func (s *runtimeStats) recordQuery(ev memory.QueryEvent) {
	if ev.Phase != memory.QueryEventCompleted {
		return
	}
	s.mu.Lock()
	s.queries++
	s.recentQuery = append(s.recentQuery, ev)
	if len(s.recentQuery) > recentQueryKeep {
		s.recentQuery = s.recentQuery[len(s.recentQuery)-recentQueryKeep:]
	}
	s.mu.Unlock()
}

func (s *runtimeStats) recordRefresh(t time.Time) {
	s.mu.Lock()
	s.lastRefresh = t
	s.mu.Unlock()
}

func (s *runtimeStats) recordReview(t time.Time) {
	s.mu.Lock()
	s.lastReview = t
	s.mu.Unlock()
}

func (s *runtimeStats) refreshedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRefresh
}

func (s *runtimeStats) reviewedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReview
}

// runtimeBlock is the get_state runtime payload.
func (d *Daemon) runtimeBlock() map[string]any {
	cfg := d.config()
	now := d.now()

	var active bool
	if st, err := d.store.Load(); err == nil {
		active = st.ManuallyStarted || (st.AutomaticMode && cfg.WorkingHours.Within(now))
	}

	d.stats.mu.Lock()
	defer d.stats.mu.Unlock()

	recent := make([]memory.QueryEvent, len(d.stats.recentQuery))
	copy(recent, d.stats.recentQuery)

	block := map[string]any{
		"pid":                os.Getpid(),
		"startedAt":          d.stats.startedAt.Format(time.RFC3339),
		"uptimeSeconds":      int64(now.Sub(d.stats.startedAt).Seconds()),
		"ticks":              d.stats.ticks,
		"processed":          d.stats.processed,
		"withinWorkingHours": cfg.WorkingHours.Within(now),
		"isActive":           active,
		"workingHours":       cfg.WorkingHours.String(),
		"tracker":            d.trk.Name(),
		"socket":             cfg.SocketPath,
		"queries": map[string]any{
			"total":  d.stats.queries,
			"recent": recent,
		},
	}
	if !d.stats.lastRefresh.IsZero() {
		block["lastRefresh"] = d.stats.lastRefresh.Format(time.RFC3339)
	}
	if !d.stats.lastReview.IsZero() {
		block["lastReviewCheck"] = d.stats.lastReview.Format(time.RFC3339)
	}
	return block
}
