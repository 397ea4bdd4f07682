package memory

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/sprintbot/sprintbot/internal/logging"
)

// DefaultQueryDeadline bounds a whole fan-out when the config does not
// say otherwise.
const DefaultQueryDeadline = 30 * time.Second

// Outcome is one source's contribution to a fan-out: its result, or
// the error that replaced it. A failed source never fails the query.
type Outcome struct {
	Name   string
	Result AdapterResult
	Err    error
}

// ExecuteParallel runs the operation against every routed source
// concurrently and collects outcomes in input order. Sources that are
// still running at the deadline get a synthetic timeout outcome; their
// goroutines are cancelled via context and drain into a buffered
// channel, so a stuck source cannot wedge the caller.
func ExecuteParallel(ctx context.Context, routed []RoutedSource, op Capability, query string, deadline time.Duration) []Outcome {
	if len(routed) == 0 {
		return nil
	}
	if deadline <= 0 {
		deadline = DefaultQueryDeadline
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	log := logging.Component("memory")

	type indexed struct {
		idx int
		out Outcome
	}
	results := make(chan indexed, len(routed))

	for i, rs := range routed {
		go func(i int, rs RoutedSource) {
			defer func() {
				if rec := recover(); rec != nil {
					log.Error().Interface("panic", rec).Str("source", rs.Info.Name).Str("stack", string(debug.Stack())).Msg("memory source panicked")
					results <- indexed{i, Outcome{Name: rs.Info.Name, Err: fmt.Errorf("source panicked: %v", rec)}}
				}
			}()

			start := time.Now()
			var (
				res AdapterResult
				err error
			)
			switch op {
			case CapSearch:
				res, err = rs.Instance.Search(ctx, query, rs.Filter)
			default:
				res, err = rs.Instance.Query(ctx, query, rs.Filter)
			}
			if res.Source == "" {
				res.Source = rs.Info.Name
			}
			if res.LatencyMS == 0 {
				res.LatencyMS = float64(time.Since(start).Milliseconds())
			}
			results <- indexed{i, Outcome{Name: rs.Info.Name, Result: res, Err: err}}
		}(i, rs)
	}

	outcomes := make([]Outcome, len(routed))
	done := make([]bool, len(routed))
	remaining := len(routed)
	for remaining > 0 {
		select {
		case r := <-results:
			if !done[r.idx] {
				done[r.idx] = true
				outcomes[r.idx] = r.out
				remaining--
			}
		case <-ctx.Done():
			reason := fmt.Errorf("canceled: %w", ctx.Err())
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				reason = fmt.Errorf("timed out after %s", deadline)
			}
			for i, rs := range routed {
				if !done[i] {
					done[i] = true
					outcomes[i] = Outcome{Name: rs.Info.Name, Err: reason}
					remaining--
					log.Warn().Str("source", rs.Info.Name).Dur("deadline", deadline).Msg("source missed fan-out deadline")
				}
			}
		}
	}
	return outcomes
}
