package memory

import "time"

// Query event phases.
const (
	QueryEventStarted   = "started"
	QueryEventCompleted = "completed"
)

// QueryEvent is emitted at the start and end of each façade query so
// the daemon can keep runtime counters without coupling to internals.
type QueryEvent struct {
	ID          string    `json:"id"`
	Phase       string    `json:"phase"`
	Query       string    `json:"query"`
	Intent      string    `json:"intent,omitempty"`
	Sources     []string  `json:"sources,omitempty"`
	ResultCount int       `json:"resultCount"`
	LatencyMS   float64   `json:"latencyMs"`
	Timestamp   time.Time `json:"timestamp"`
}
