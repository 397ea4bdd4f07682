// Package executor runs one sprint issue at a time through the
// workflow state machine, either by launching an editor chat
// (foreground) or by driving the headless agent (background).
package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/sprintbot/sprintbot/internal/agent"
	"github.com/sprintbot/sprintbot/internal/config"
	"github.com/sprintbot/sprintbot/internal/logging"
	"github.com/sprintbot/sprintbot/internal/sprint"
	"github.com/sprintbot/sprintbot/internal/trace"
	"github.com/sprintbot/sprintbot/internal/tracker"
	"github.com/sprintbot/sprintbot/internal/types"
	"github.com/sprintbot/sprintbot/internal/worklog"
)

// Tracker statuses the executor moves issues through.
const (
	statusInProgress = "In Progress"
	statusInReview   = "In Review"
)

const abortReason = "user took control"

// Outcome values reported in Result.
const (
	OutcomeLaunched  = "launched"
	OutcomeCompleted = "completed"
	OutcomeBlocked   = "blocked"
	OutcomeFailed    = "failed"
	OutcomeTimeout   = "timeout"
)

// ChatPeer is the editor-side chat surface used in foreground mode.
type ChatPeer interface {
	Ping(ctx context.Context) error
	LaunchIssueChat(ctx context.Context, issueKey, summary, prompt string, returnToPrevious bool) (string, error)
}

// Result reports what a processing pass did.
type Result struct {
	IssueKey string              `json:"issueKey,omitempty"`
	Mode     types.ExecutionMode `json:"mode,omitempty"`
	Outcome  string              `json:"outcome,omitempty"`
	ChatID   string              `json:"chatId,omitempty"`
	Waiting  bool                `json:"waiting,omitempty"`
}

// Executor owns the process-next, force-start, and abort operations.
type Executor struct {
	cfg     *config.Config
	store   *sprint.Store
	planner *sprint.Planner
	trk     tracker.Tracker
	runner  agent.Runner
	logs    *worklog.Store
	peer    ChatPeer
	log     zerolog.Logger
	now     func() time.Time

	// OnProcessed, when set, runs after an issue finishes a background
	// pass successfully. The daemon hooks its counters in here.
	OnProcessed func(issueKey string)
}

func New(cfg *config.Config, store *sprint.Store, planner *sprint.Planner, trk tracker.Tracker, runner agent.Runner, logs *worklog.Store, peer ChatPeer) *Executor {
	return &Executor{
		cfg:     cfg,
		store:   store,
		planner: planner,
		trk:     trk,
		runner:  runner,
		logs:    logs,
		peer:    peer,
		log:     logging.Component("executor"),
		now:     time.Now,
	}
}

// ProcessNext picks the highest-ranked approved actionable issue and
// runs it. A nil Result means there was nothing to do. At most one issue
// is processed at a time: while processingIssue is set, for example
// during a foreground session the user still has open, the call is a
// no-op.
func (e *Executor) ProcessNext(ctx context.Context) (*Result, error) {
	st, err := e.store.Load()
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	if st.ProcessingIssue != "" {
		e.log.Debug().Str("issue", st.ProcessingIssue).Msg("still processing, skipping pass")
		return nil, nil
	}

	var issue *types.SprintIssue
	for i := range st.Issues {
		cand := &st.Issues[i]
		if cand.ApprovalStatus == types.ApprovalApproved && e.planner.IsActionable(cand) {
			issue = cand
			break
		}
	}
	if issue == nil {
		return nil, nil
	}

	mode := types.ModeForeground
	if st.BackgroundTasks {
		mode = types.ModeBackground
	}
	return e.run(ctx, issue, mode, false)
}

// StartIssue force-starts a named issue, bypassing the approval and
// actionability gates. Mode follows the state's backgroundTasks flag
// unless background overrides it.
func (e *Executor) StartIssue(ctx context.Context, key string, background *bool) (*Result, error) {
	st, err := e.store.Load()
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	issue := st.FindIssue(key)
	if issue == nil {
		return nil, fmt.Errorf("issue %s not in sprint state", key)
	}
	if st.ProcessingIssue != "" && st.ProcessingIssue != key {
		return nil, fmt.Errorf("already processing %s", st.ProcessingIssue)
	}

	mode := types.ModeForeground
	if st.BackgroundTasks {
		mode = types.ModeBackground
	}
	if background != nil {
		if *background {
			mode = types.ModeBackground
		} else {
			mode = types.ModeForeground
		}
	}
	return e.run(ctx, issue, mode, true)
}

// Abort marks an issue blocked because the user took over. An
// in-flight agent keeps running; only local state changes.
func (e *Executor) Abort(key string) error {
	_, err := e.store.Update(func(st *types.SprintState) error {
		rec := st.FindIssue(key)
		if rec == nil {
			return fmt.Errorf("issue %s not in sprint state", key)
		}
		rec.ApprovalStatus = types.ApprovalBlocked
		rec.WaitingReason = abortReason
		rec.AddTimelineEvent(e.now(), "aborted", abortReason)
		if st.ProcessingIssue == key {
			st.ProcessingIssue = ""
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Park the trace on the blocked edge so a later re-approval
	// re-enters the machine cleanly.
	tracer, terr := trace.LoadOrCreate(e.cfg.TracesDir(), key, types.WorkflowCodeChange, types.ModeForeground)
	if terr == nil && tracer.CurrentState() != trace.StateIdle && !trace.IsTerminal(tracer.CurrentState()) {
		tracer.MarkBlocked(abortReason, "")
		if serr := tracer.Save(); serr != nil {
			e.log.Warn().Err(serr).Str("issue", key).Msg("save trace after abort")
		}
	}

	e.log.Info().Str("issue", key).Msg("issue aborted")
	return nil
}

func (e *Executor) run(ctx context.Context, issue *types.SprintIssue, mode types.ExecutionMode, forced bool) (*Result, error) {
	// Foreground needs the chat peer before anything is written, so
	// an unavailable editor leaves no trace and the loop retries.
	if mode == types.ModeForeground {
		pctx, cancel := context.WithTimeout(ctx, e.cfg.PingTimeout)
		err := e.peer.Ping(pctx)
		cancel()
		if err != nil {
			e.log.Info().Str("issue", issue.Key).Err(err).Msg("chat peer unavailable, waiting")
			return &Result{IssueKey: issue.Key, Mode: mode, Waiting: true}, nil
		}
	}

	workflow := types.ClassifyWorkflow(issue)
	tracer, err := trace.LoadOrCreate(e.cfg.TracesDir(), issue.Key, workflow, mode)
	if err != nil {
		return nil, fmt.Errorf("open trace for %s: %w", issue.Key, err)
	}

	e.enterMachine(tracer, issue, workflow, forced)

	if mode == types.ModeBackground {
		return e.runBackground(ctx, tracer, issue, workflow)
	}
	return e.runForeground(ctx, tracer, issue, forced)
}

// enterMachine walks the selection prefix of the state machine. A
// trace parked on blocked re-enters through its retry edge; anything
// else mid-machine is a stale run and the restart hop is recorded.
func (e *Executor) enterMachine(tracer *trace.Tracer, issue *types.SprintIssue, workflow types.WorkflowType, forced bool) {
	trigger := "issue_selected"
	if forced {
		trigger = "force_start"
	}

	switch tracer.CurrentState() {
	case trace.StateIdle:
		tracer.Transition(trace.StateLoading, trigger, nil)
		tracer.Transition(trace.StateAnalyzing, "issue_loaded", nil)
	case trace.StateBlocked:
		tracer.Transition(trace.StateAnalyzing, "reapproved", nil)
	default:
		tracer.Transition(trace.StateLoading, "restart", nil)
		tracer.Transition(trace.StateAnalyzing, "issue_loaded", nil)
	}

	if forced {
		tracer.LogStep("force_start", trace.StepSuccess,
			trace.WithDecision("force_start", "user bypassed scheduling"))
	}

	tracer.Transition(trace.StateClassifying, "analysis_done", nil)
	tracer.LogStep("classify_workflow", trace.StepSuccess,
		trace.WithDecision(string(workflow), "classified from issue type and summary"))
	tracer.Transition(trace.StateCheckingActionable, "workflow_classified", nil)

	if e.planner.IsActionable(issue) {
		tracer.LogStep("check_actionable", trace.StepSuccess,
			trace.WithDecision("proceed", fmt.Sprintf("status %q is actionable", issue.JiraStatus)))
	} else {
		tracer.LogStep("check_actionable", trace.StepSuccess,
			trace.WithDecision("proceed_forced", fmt.Sprintf("status %q not actionable, user forced", issue.JiraStatus)))
	}
	tracer.Transition(trace.StateTransitioningJira, "actionable_confirmed", nil)
}

func (e *Executor) runForeground(ctx context.Context, tracer *trace.Tracer, issue *types.SprintIssue, forced bool) (*Result, error) {
	e.transitionTracker(ctx, tracer, issue.Key, statusInProgress)

	if _, err := e.store.Update(func(st *types.SprintState) error {
		rec := st.FindIssue(issue.Key)
		if rec == nil {
			return fmt.Errorf("issue %s missing from state", issue.Key)
		}
		rec.ApprovalStatus = types.ApprovalInProgress
		rec.JiraStatus = statusInProgress
		st.ProcessingIssue = issue.Key
		rec.AddTimelineEvent(e.now(), "work_started", "moved to In Progress, launching chat")
		return nil
	}); err != nil {
		return nil, err
	}

	tracer.Transition(trace.StateStartingWork, "tracker_updated", nil)
	tracer.Transition(trace.StateBuildingPrompt, "work_started", nil)

	prompt, err := e.planner.BuildWorkPrompt(issue)
	if err != nil {
		return nil, e.failRun(tracer, issue.Key, fmt.Sprintf("build work prompt: %v", err))
	}

	tracer.Transition(trace.StateLaunchingChat, "prompt_ready", nil)
	stepID := tracer.StartStep("launch_chat",
		trace.WithInputs(map[string]any{"returnToPrevious": !forced}))

	chatID, err := e.peer.LaunchIssueChat(ctx, issue.Key, issue.Summary, prompt, !forced)
	if err != nil {
		tracer.EndStepID(stepID, trace.StepFailed, trace.WithStepError(err.Error()))
		if serr := tracer.Save(); serr != nil {
			e.log.Warn().Err(serr).Str("issue", issue.Key).Msg("save trace")
		}
		// Roll the issue back so the next tick can retry the launch.
		if _, uerr := e.store.Update(func(st *types.SprintState) error {
			rec := st.FindIssue(issue.Key)
			if rec == nil {
				return fmt.Errorf("issue %s missing from state", issue.Key)
			}
			rec.ApprovalStatus = types.ApprovalApproved
			rec.AddTimelineEvent(e.now(), "chat_failed", err.Error())
			if st.ProcessingIssue == issue.Key {
				st.ProcessingIssue = ""
			}
			return nil
		}); uerr != nil {
			return nil, uerr
		}
		return nil, fmt.Errorf("launch chat for %s: %w", issue.Key, err)
	}

	tracer.EndStepID(stepID, trace.StepSuccess, trace.WithChatID(chatID))
	tracer.Transition(trace.StateImplementing, "chat_opened", nil)
	if err := tracer.Save(); err != nil {
		e.log.Warn().Err(err).Str("issue", issue.Key).Msg("save trace")
	}

	if _, err := e.store.Update(func(st *types.SprintState) error {
		rec := st.FindIssue(issue.Key)
		if rec == nil {
			return fmt.Errorf("issue %s missing from state", issue.Key)
		}
		rec.ChatID = chatID
		rec.AddTimelineEvent(e.now(), "chat_opened", fmt.Sprintf("chat %s opened with work prompt", chatID))
		return nil
	}); err != nil {
		return nil, err
	}

	e.log.Info().Str("issue", issue.Key).Str("chat", chatID).Msg("foreground chat launched")
	return &Result{IssueKey: issue.Key, Mode: types.ModeForeground, Outcome: OutcomeLaunched, ChatID: chatID}, nil
}

func (e *Executor) runBackground(ctx context.Context, tracer *trace.Tracer, issue *types.SprintIssue, workflow types.WorkflowType) (*Result, error) {
	wl, err := e.logs.Init(issue)
	if err != nil {
		return nil, fmt.Errorf("init work log for %s: %w", issue.Key, err)
	}

	e.transitionTracker(ctx, tracer, issue.Key, statusInProgress)

	if _, err := e.store.Update(func(st *types.SprintState) error {
		rec := st.FindIssue(issue.Key)
		if rec == nil {
			return fmt.Errorf("issue %s missing from state", issue.Key)
		}
		rec.ApprovalStatus = types.ApprovalInProgress
		rec.JiraStatus = statusInProgress
		st.ProcessingIssue = issue.Key
		rec.AddTimelineEvent(e.now(), "work_started", "background agent started")
		return nil
	}); err != nil {
		return nil, err
	}

	spike := workflow == types.WorkflowSpike
	if spike {
		tracer.Transition(trace.StateResearching, "tracker_updated", nil)
	} else {
		tracer.Transition(trace.StateStartingWork, "tracker_updated", nil)
		tracer.Transition(trace.StateBuildingPrompt, "work_started", nil)
	}

	prompt, err := e.planner.BuildWorkPrompt(issue)
	if err != nil {
		return nil, e.failRun(tracer, issue.Key, fmt.Sprintf("build work prompt: %v", err))
	}

	if !spike {
		tracer.Transition(trace.StateImplementing, "prompt_ready", nil)
	}
	if err := tracer.Save(); err != nil {
		e.log.Warn().Err(err).Str("issue", issue.Key).Msg("save trace")
	}

	wl.LogAction(e.now(), "agent_started",
		fmt.Sprintf("running %s for %s work", e.cfg.AgentBin, workflow),
		map[string]any{"timeout_seconds": int(e.cfg.AgentTimeout.Seconds())})
	if err := e.logs.Save(issue.Key, wl); err != nil {
		e.log.Warn().Err(err).Str("issue", issue.Key).Msg("save work log")
	}

	stepID := tracer.StartStep("run_agent", trace.WithTool(e.cfg.AgentBin))
	res, err := e.runner.Run(ctx, prompt, e.cfg.AgentTimeout)
	if err != nil {
		tracer.EndStepID(stepID, trace.StepFailed, trace.WithStepError(err.Error()))
		return e.settleBackground(tracer, issue, wl, backgroundEnd{
			outcome:  OutcomeFailed,
			reason:   fmt.Sprintf("agent did not run: %v", err),
			logState: types.WorkFailed,
		})
	}

	wl.Outcome = agent.ExtractOutcome(res.Output)
	wl.LogAction(e.now(), "agent_finished",
		fmt.Sprintf("exit %d after %s", res.ExitCode, res.Duration.Round(time.Second)),
		map[string]any{"exit_code": res.ExitCode, "timed_out": res.TimedOut})

	if res.TimedOut {
		tracer.EndStepID(stepID, trace.StepFailed, trace.WithStepError("wall-clock timeout"))
		return e.settleBackground(tracer, issue, wl, backgroundEnd{
			outcome:  OutcomeTimeout,
			reason:   fmt.Sprintf("agent timed out after %s", e.cfg.AgentTimeout),
			logState: types.WorkTimeout,
		})
	}

	marker, found := agent.ParseStatus(res.Output)

	stepStatus := trace.StepSuccess
	if (found && marker.Status == agent.StatusFailed) || (!found && res.ExitCode != 0) {
		stepStatus = trace.StepFailed
	}
	tracer.EndStepID(stepID, stepStatus, trace.WithOutputs(map[string]any{
		"exit_code":   res.ExitCode,
		"duration_ms": res.Duration.Milliseconds(),
	}))

	switch {
	case found && marker.Status == agent.StatusCompleted,
		!found && res.ExitCode == 0:
		return e.completeBackground(ctx, tracer, issue, wl, spike)

	case found && marker.Status == agent.StatusBlocked:
		reason := marker.Reason
		if reason == "" {
			reason = "agent reported blocked"
		}
		return e.settleBackground(tracer, issue, wl, backgroundEnd{
			outcome:  OutcomeBlocked,
			reason:   reason,
			logState: types.WorkBlocked,
		})

	default:
		reason := marker.Reason
		if reason == "" {
			reason = strings.TrimSpace(res.Stderr)
		}
		if reason == "" {
			reason = fmt.Sprintf("agent exited %d without a status marker", res.ExitCode)
		}
		return e.settleBackground(tracer, issue, wl, backgroundEnd{
			outcome:  OutcomeFailed,
			reason:   reason,
			logState: types.WorkFailed,
		})
	}
}

func (e *Executor) completeBackground(ctx context.Context, tracer *trace.Tracer, issue *types.SprintIssue, wl *types.WorkLog, spike bool) (*Result, error) {
	if spike {
		tracer.Transition(trace.StateDocumenting, "research_done", nil)
		tracer.Transition(trace.StateClosing, "findings_written", nil)
	} else {
		tracer.Transition(trace.StateCreatingMR, "agent_completed", nil)
		tracer.Transition(trace.StateAwaitingReview, "mr_created", nil)
	}

	e.transitionTracker(ctx, tracer, issue.Key, statusInReview)

	if spike {
		// Spike runs finish here; the findings doc is what gets
		// reviewed, not a merge request.
		tracer.MarkCompleted("spike findings ready for review")
	}
	if err := tracer.Save(); err != nil {
		e.log.Warn().Err(err).Str("issue", issue.Key).Msg("save trace")
	}

	if err := e.logs.Finish(issue.Key, wl, types.WorkCompleted, "agent reported completion"); err != nil {
		e.log.Warn().Err(err).Str("issue", issue.Key).Msg("finish work log")
	}

	desc := fmt.Sprintf("background agent finished: %d commits, %d files changed",
		len(wl.Outcome.Commits), len(wl.Outcome.FilesChanged))
	if err := e.settleState(issue.Key, func(rec *types.SprintIssue) {
		rec.ApprovalStatus = types.ApprovalCompleted
		rec.JiraStatus = statusInReview
		rec.WaitingReason = ""
		rec.AddTimelineEvent(e.now(), "work_completed", desc)
	}); err != nil {
		return nil, err
	}

	if e.OnProcessed != nil {
		e.OnProcessed(issue.Key)
	}
	e.log.Info().Str("issue", issue.Key).Msg("background work completed, awaiting review")
	return &Result{IssueKey: issue.Key, Mode: types.ModeBackground, Outcome: OutcomeCompleted}, nil
}

// backgroundEnd describes how an unsuccessful background pass lands.
type backgroundEnd struct {
	outcome  string
	reason   string
	logState types.WorkLogStatus
}

func (e *Executor) settleBackground(tracer *trace.Tracer, issue *types.SprintIssue, wl *types.WorkLog, end backgroundEnd) (*Result, error) {
	if end.logState == types.WorkBlocked {
		tracer.MarkBlocked(end.reason, "")
	} else {
		tracer.MarkFailed(end.reason)
	}
	if err := tracer.Save(); err != nil {
		e.log.Warn().Err(err).Str("issue", issue.Key).Msg("save trace")
	}

	if err := e.logs.Finish(issue.Key, wl, end.logState, end.reason); err != nil {
		e.log.Warn().Err(err).Str("issue", issue.Key).Msg("finish work log")
	}

	action := "work_" + end.outcome
	if err := e.settleState(issue.Key, func(rec *types.SprintIssue) {
		rec.ApprovalStatus = types.ApprovalBlocked
		rec.WaitingReason = end.reason
		rec.AddTimelineEvent(e.now(), action, end.reason)
	}); err != nil {
		return nil, err
	}

	e.log.Warn().Str("issue", issue.Key).Str("outcome", end.outcome).Str("reason", end.reason).
		Msg("background work did not complete")
	return &Result{IssueKey: issue.Key, Mode: types.ModeBackground, Outcome: end.outcome}, nil
}

// failRun handles pre-agent failures like a broken prompt template.
func (e *Executor) failRun(tracer *trace.Tracer, key, reason string) error {
	tracer.MarkFailed(reason)
	if err := tracer.Save(); err != nil {
		e.log.Warn().Err(err).Str("issue", key).Msg("save trace")
	}
	if err := e.settleState(key, func(rec *types.SprintIssue) {
		rec.ApprovalStatus = types.ApprovalBlocked
		rec.WaitingReason = reason
		rec.AddTimelineEvent(e.now(), "work_failed", reason)
	}); err != nil {
		return err
	}
	return fmt.Errorf("%s: %s", key, reason)
}

// settleState applies an end-of-run mutation and clears the
// processing slot for the issue.
func (e *Executor) settleState(key string, apply func(rec *types.SprintIssue)) error {
	_, err := e.store.Update(func(st *types.SprintState) error {
		rec := st.FindIssue(key)
		if rec == nil {
			return fmt.Errorf("issue %s missing from state", key)
		}
		apply(rec)
		if st.ProcessingIssue == key {
			st.ProcessingIssue = ""
		}
		return nil
	})
	return err
}

// transitionTracker moves the external tracker and records the step.
// Tracker failures are logged but do not stop the run; the local state
// stays authoritative and humans see the step error in the trace.
func (e *Executor) transitionTracker(ctx context.Context, tracer *trace.Tracer, key, status string) {
	stepID := tracer.StartStep("transition_tracker",
		trace.WithInputs(map[string]any{"status": status}))

	tctx, cancel := context.WithTimeout(ctx, e.cfg.TransitionTimeout)
	defer cancel()
	if err := e.trk.TransitionIssue(tctx, key, status); err != nil {
		e.log.Warn().Err(err).Str("issue", key).Str("status", status).Msg("tracker transition failed")
		tracer.EndStepID(stepID, trace.StepFailed, trace.WithStepError(err.Error()))
		return
	}
	tracer.EndStepID(stepID, trace.StepSuccess)
}
