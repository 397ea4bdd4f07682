// Package daemon hosts the long-running sprint automation service: the
// scheduler loop that works approved issues, the IPC bus, periodic tracker
// refreshes and review sweeps, and host-resume detection.
package daemon

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/sprintbot/sprintbot/internal/agent"
	"github.com/sprintbot/sprintbot/internal/config"
	"github.com/sprintbot/sprintbot/internal/cursor"
	"github.com/sprintbot/sprintbot/internal/executor"
	"github.com/sprintbot/sprintbot/internal/ipc"
	"github.com/sprintbot/sprintbot/internal/lockfile"
	"github.com/sprintbot/sprintbot/internal/logging"
	"github.com/sprintbot/sprintbot/internal/memory"
	"github.com/sprintbot/sprintbot/internal/review"
	"github.com/sprintbot/sprintbot/internal/sprint"
	"github.com/sprintbot/sprintbot/internal/trace"
	"github.com/sprintbot/sprintbot/internal/tracker"
	"github.com/sprintbot/sprintbot/internal/types"
	"github.com/sprintbot/sprintbot/internal/worklog"

	// Self-registering memory sources and tracker plugins.
	_ "github.com/sprintbot/sprintbot/internal/memory/jirasource"
	_ "github.com/sprintbot/sprintbot/internal/memory/vectorsource"
	_ "github.com/sprintbot/sprintbot/internal/memory/yamlsource"
	_ "github.com/sprintbot/sprintbot/internal/tracker/jira"
)

// offHoursNap is how long the loop dozes while outside working hours and
// not manually started. Short enough that enable/start over the bus takes
// effect promptly.
const offHoursNap = 60 * time.Second

// Daemon wires the subsystems together and runs the scheduler.
type Daemon struct {
	cfg atomic.Pointer[config.Config]

	store   *sprint.Store
	planner *sprint.Planner
	exec    *executor.Executor
	reviews *review.Checker
	logs    *worklog.Store
	peer    *cursor.Client
	mem     *memory.Memory
	trk     tracker.Tracker
	bus     *ipc.Server

	log   zerolog.Logger
	now   func() time.Time
	stats *runtimeStats

	wakeCh     chan struct{}
	wakeSample time.Duration

	cancelMu sync.Mutex
	cancel   context.CancelFunc
}

// New builds a daemon from resolved configuration. Nothing starts until
// Run.
func New(cfg *config.Config) (*Daemon, error) {
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}

	trk, err := tracker.New(cfg.TrackerName, cfg)
	if err != nil {
		return nil, fmt.Errorf("build tracker: %w", err)
	}

	store := sprint.NewStore(cfg.StatePath())
	planner := sprint.NewPlanner(cfg, trk, store)
	runner := agent.NewCLIRunner(cfg)
	peer := cursor.NewClient(cfg)
	logs := worklog.NewStore(cfg.WorkDir())

	reg := memory.DefaultRegistry()
	if err := reg.ApplyOverlays(cfg.PluginDir()); err != nil {
		return nil, fmt.Errorf("apply source overlays: %w", err)
	}
	reg.Freeze()

	d := &Daemon{
		store:      store,
		planner:    planner,
		exec:       executor.New(cfg, store, planner, trk, runner, logs, peer),
		reviews:    review.NewChecker(cfg, runner),
		logs:       logs,
		peer:       peer,
		mem:        memory.New(cfg, reg),
		trk:        trk,
		log:        logging.Component("daemon"),
		now:        time.Now,
		wakeCh:     make(chan struct{}, 1),
		wakeSample: 30 * time.Second,
	}
	d.cfg.Store(cfg)
	d.stats = newRuntimeStats(d.now())
	d.exec.OnProcessed = func(string) { d.stats.recordProcessed() }
	d.mem.SetEventSink(d.stats.recordQuery)
	return d, nil
}

// Memory exposes the query façade, mainly for in-process CLI use.
func (d *Daemon) Memory() *memory.Memory { return d.mem }

func (d *Daemon) config() *config.Config { return d.cfg.Load() }

// Run starts every subsystem and blocks until ctx is canceled or Stop is
// called. The lockfile is held for the life of the call.
func (d *Daemon) Run(ctx context.Context) error {
	cfg := d.config()

	lock, err := lockfile.Acquire(cfg.LockPath())
	if err != nil {
		return fmt.Errorf("already running? %w", err)
	}
	defer func() { _ = lock.Release() }()

	if err := os.WriteFile(cfg.PIDPath(), []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		d.log.Warn().Err(err).Msg("pid file not written")
	}
	defer func() { _ = os.Remove(cfg.PIDPath()) }()

	// Cancel must be registered before the bus comes up: shutdown can
	// arrive over the socket the moment it exists.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	d.setCancel(cancel)

	d.bus = ipc.NewServer(cfg.SocketPath, d.busDeps())
	if err := d.bus.Start(); err != nil {
		return err
	}
	defer func() { _ = d.bus.Stop() }()

	stopWatch := d.watchConfig()
	defer stopWatch()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.wakeMonitor(ctx)
	}()

	d.refresh(ctx)
	if _, err := d.store.Update(func(*types.SprintState) error { return nil }); err != nil {
		d.log.Error().Err(err).Msg("initial state write failed")
	}

	d.log.Info().
		Str("socket", cfg.SocketPath).
		Str("window", cfg.WorkingHours.String()).
		Msg("daemon started")

	d.loop(ctx)
	cancel()
	wg.Wait()
	d.log.Info().Msg("daemon stopped")
	return nil
}

// Stop requests shutdown; Run returns within one interruptible sleep.
func (d *Daemon) Stop() {
	d.cancelMu.Lock()
	cancel := d.cancel
	d.cancelMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (d *Daemon) setCancel(cancel context.CancelFunc) {
	d.cancelMu.Lock()
	d.cancel = cancel
	d.cancelMu.Unlock()
}

func (d *Daemon) busDeps() ipc.Deps {
	return ipc.Deps{
		Config:       d.config,
		Store:        d.store,
		Planner:      d.planner,
		Exec:         d.exec,
		Logs:         d.logs,
		Peer:         d.peer,
		Runtime:      d.runtimeBlock,
		ReloadConfig: d.reloadConfig,
		Shutdown:     d.Stop,
	}
}

func (d *Daemon) loop(ctx context.Context) {
	for {
		pause := d.runOnce(ctx)
		if !d.sleep(ctx, pause) {
			return
		}
	}
}

// runOnce is one scheduler pass. It returns how long to sleep before the
// next pass.
func (d *Daemon) runOnce(ctx context.Context) time.Duration {
	cfg := d.config()
	st, err := d.store.Load()
	if err != nil {
		d.log.Error().Err(err).Msg("cannot load sprint state")
		return cfg.CheckInterval
	}

	now := d.now()
	if !st.ManuallyStarted && !(st.AutomaticMode && cfg.WorkingHours.Within(now)) {
		return offHoursNap
	}

	d.stats.recordTick()

	if now.Sub(d.stats.refreshedAt()) >= cfg.TrackerRefreshInterval {
		d.refresh(ctx)
	}
	if now.Sub(d.stats.reviewedAt()) >= cfg.ReviewCheckInterval {
		d.reviewSweep(ctx)
	}

	d.releaseStaleSession(cfg, st, now)

	res, err := d.exec.ProcessNext(ctx)
	switch {
	case err != nil:
		d.log.Error().Err(err).Msg("issue processing failed")
	case res != nil && res.Waiting:
		d.log.Debug().Str("issue", res.IssueKey).Msg("editor unavailable, retrying next pass")
	case res != nil:
		d.log.Info().
			Str("issue", res.IssueKey).
			Str("outcome", res.Outcome).
			Str("mode", string(res.Mode)).
			Msg("processed issue")
	}

	// Heartbeat write: bumps lastUpdated so UIs can tell the loop is
	// alive even when nothing happened.
	if _, err := d.store.Update(func(*types.SprintState) error { return nil }); err != nil {
		d.log.Error().Err(err).Msg("state heartbeat failed")
	}

	return cfg.CheckInterval
}

// sleep waits out the pause. It returns false when the daemon is shutting
// down. A wake event cuts the pause short and refreshes tracker data
// first, since connections and sprint contents may have gone stale while
// the host slept.
func (d *Daemon) sleep(ctx context.Context, pause time.Duration) bool {
	timer := time.NewTimer(pause)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-d.wakeCh:
		d.log.Info().Msg("host resumed, refreshing tracker")
		d.refresh(ctx)
		return true
	case <-timer.C:
		return true
	}
}

func (d *Daemon) refresh(ctx context.Context) {
	st, err := d.planner.RefreshFromTracker(ctx)
	if err != nil {
		d.log.Warn().Err(err).Msg("tracker refresh failed")
		return
	}
	d.stats.recordRefresh(d.now())
	d.log.Debug().Int("issues", len(st.Issues)).Msg("tracker refreshed")
}

func (d *Daemon) reviewSweep(ctx context.Context) {
	var sum review.Summary
	_, err := d.planner.CheckReviewIssues(ctx, func(ctx context.Context, st *types.SprintState) {
		sum = d.reviews.CheckAll(ctx, st)
	})
	if err != nil {
		d.log.Error().Err(err).Msg("review sweep failed")
		return
	}
	d.stats.recordReview(d.now())
	if sum.Checked > 0 {
		d.log.Info().
			Int("checked", sum.Checked).
			Int("merged", sum.Merged).
			Int("held", sum.Held).
			Int("skipped", sum.Skipped).
			Msg("review sweep done")
	}
}

// releaseStaleSession frees the single-issue reservation when a foreground
// chat session has shown no activity for skip_blocked_after_minutes. The
// issue parks as blocked so the queue moves on; finishing the work in the
// tracker still completes it through the review sweep.
func (d *Daemon) releaseStaleSession(cfg *config.Config, st *types.SprintState, now time.Time) {
	key := st.ProcessingIssue
	if key == "" || cfg.SkipBlockedAfter <= 0 {
		return
	}

	rec := st.FindIssue(key)
	if rec == nil {
		// Reservation for an issue no longer in the sprint.
		d.clearProcessing(key)
		return
	}
	if rec.ApprovalStatus != types.ApprovalInProgress || rec.ChatID == "" || len(rec.Timeline) == 0 {
		return
	}
	idle := now.Sub(rec.Timeline[len(rec.Timeline)-1].Timestamp)
	if idle < cfg.SkipBlockedAfter {
		return
	}

	reason := fmt.Sprintf("no completion signal after %s", idle.Round(time.Minute))
	_, err := d.store.Update(func(st *types.SprintState) error {
		rec := st.FindIssue(key)
		if rec == nil {
			return nil
		}
		rec.ApprovalStatus = types.ApprovalBlocked
		rec.WaitingReason = reason
		rec.AddTimelineEvent(now, "session_stalled", reason)
		if st.ProcessingIssue == key {
			st.ProcessingIssue = ""
		}
		return nil
	})
	if err != nil {
		d.log.Error().Err(err).Str("issue", key).Msg("stale session release failed")
		return
	}

	tracer, terr := trace.LoadOrCreate(cfg.TracesDir(), key, types.WorkflowCodeChange, types.ModeForeground)
	if terr == nil && tracer.CurrentState() != trace.StateIdle && !trace.IsTerminal(tracer.CurrentState()) {
		tracer.MarkBlocked(reason, "chat session idle")
		if serr := tracer.Save(); serr != nil {
			d.log.Warn().Err(serr).Str("issue", key).Msg("save trace after stale release")
		}
	}
	d.log.Warn().Str("issue", key).Dur("idle", idle).Msg("released stale chat session")
}

func (d *Daemon) clearProcessing(key string) {
	_, err := d.store.Update(func(st *types.SprintState) error {
		if st.ProcessingIssue == key {
			st.ProcessingIssue = ""
		}
		return nil
	})
	if err != nil {
		d.log.Error().Err(err).Str("issue", key).Msg("clear processing failed")
	}
}

// reloadConfig re-resolves configuration from disk and swaps the live
// snapshot. Gating and intervals pick the change up on the next pass;
// subsystems built at startup keep their original handles until restart.
func (d *Daemon) reloadConfig() error {
	fresh, err := config.Load()
	if err != nil {
		return err
	}
	if err := fresh.Validate(); err != nil {
		return err
	}
	d.cfg.Store(fresh)
	d.log.Info().Msg("configuration reloaded")
	return nil
}
