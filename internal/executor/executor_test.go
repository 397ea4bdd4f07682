package executor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sprintbot/sprintbot/internal/agent"
	"github.com/sprintbot/sprintbot/internal/config"
	"github.com/sprintbot/sprintbot/internal/sprint"
	"github.com/sprintbot/sprintbot/internal/trace"
	"github.com/sprintbot/sprintbot/internal/types"
	"github.com/sprintbot/sprintbot/internal/worklog"
)

type fakeTracker struct {
	transitions []string // "KEY:Status" in call order
	failWith    error
}

func (f *fakeTracker) Name() string        { return "fake" }
func (f *fakeTracker) DisplayName() string { return "Fake" }
func (f *fakeTracker) Validate() error     { return nil }
func (f *fakeTracker) Close() error        { return nil }

func (f *fakeTracker) FetchActiveSprint(ctx context.Context) (*types.Sprint, error) {
	return nil, nil
}

func (f *fakeTracker) FetchSprintIssues(ctx context.Context, sprintID int) ([]types.SprintIssue, error) {
	return nil, nil
}

func (f *fakeTracker) FetchIssue(ctx context.Context, key string) (*types.SprintIssue, error) {
	return nil, nil
}

func (f *fakeTracker) SearchIssues(ctx context.Context, text string, limit int) ([]types.SprintIssue, error) {
	return nil, nil
}

func (f *fakeTracker) TransitionIssue(ctx context.Context, key, status string) error {
	if f.failWith != nil {
		return f.failWith
	}
	f.transitions = append(f.transitions, key+":"+status)
	return nil
}

type stubRunner struct {
	res     agent.Result
	err     error
	prompts []string
}

func (r *stubRunner) Run(ctx context.Context, prompt string, timeout time.Duration) (*agent.Result, error) {
	r.prompts = append(r.prompts, prompt)
	if r.err != nil {
		return nil, r.err
	}
	cp := r.res
	return &cp, nil
}

type launchCall struct {
	key, summary, prompt string
	returnToPrevious     bool
}

type stubPeer struct {
	pingErr   error
	chatID    string
	launchErr error
	launches  []launchCall
}

func (p *stubPeer) Ping(ctx context.Context) error { return p.pingErr }

func (p *stubPeer) LaunchIssueChat(ctx context.Context, key, summary, prompt string, returnToPrevious bool) (string, error) {
	p.launches = append(p.launches, launchCall{key, summary, prompt, returnToPrevious})
	if p.launchErr != nil {
		return "", p.launchErr
	}
	return p.chatID, nil
}

type harness struct {
	exec    *Executor
	store   *sprint.Store
	cfg     *config.Config
	tracker *fakeTracker
	runner  *stubRunner
	peer    *stubPeer
	logs    *worklog.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := config.DefaultConfig(t.TempDir())
	store := sprint.NewStore(cfg.StatePath())
	trk := &fakeTracker{}
	runner := &stubRunner{res: agent.Result{ExitCode: 0, Duration: 3 * time.Second}}
	peer := &stubPeer{chatID: "chat-9"}
	logs := worklog.NewStore(cfg.WorkDir())

	exec := New(cfg, store, sprint.NewPlanner(cfg, trk, store), trk, runner, logs, peer)
	exec.now = func() time.Time { return time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC) }

	return &harness{exec: exec, store: store, cfg: cfg, tracker: trk, runner: runner, peer: peer, logs: logs}
}

func (h *harness) seed(t *testing.T, st *types.SprintState) {
	t.Helper()
	if err := h.store.Save(st); err != nil {
		t.Fatalf("seed state: %v", err)
	}
}

func (h *harness) state(t *testing.T) *types.SprintState {
	t.Helper()
	st, err := h.store.Load()
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	return st
}

func approvedIssue(key string) types.SprintIssue {
	return types.SprintIssue{
		Key:            key,
		Summary:        "Fix the flaky gateway retry",
		IssueType:      "Bug",
		Priority:       "Major",
		Assignee:       "dev.one",
		JiraStatus:     "New",
		ApprovalStatus: types.ApprovalApproved,
	}
}

func TestProcessNextNothingToDo(t *testing.T) {
	h := newHarness(t)
	pending := approvedIssue("AAP-1")
	pending.ApprovalStatus = types.ApprovalPending
	done := approvedIssue("AAP-2")
	done.JiraStatus = "Done" // approved but not actionable
	h.seed(t, &types.SprintState{Issues: []types.SprintIssue{pending, done}, BackgroundTasks: true})

	res, err := h.exec.ProcessNext(context.Background())
	if err != nil {
		t.Fatalf("ProcessNext() error: %v", err)
	}
	if res != nil {
		t.Fatalf("ProcessNext() = %+v, want nil", res)
	}
	if len(h.tracker.transitions) != 0 {
		t.Errorf("tracker calls = %v, want none", h.tracker.transitions)
	}
}

func TestBackgroundCompletionFlow(t *testing.T) {
	h := newHarness(t)
	h.seed(t, &types.SprintState{Issues: []types.SprintIssue{approvedIssue("AAP-7")}, BackgroundTasks: true})
	h.runner.res = agent.Result{
		Output:   "[SPRINT_BOT_STATUS: COMPLETED]\n[abc1234] Commit msg\nmodified: services/foo.py",
		ExitCode: 0,
		Duration: 42 * time.Second,
	}
	var processed []string
	h.exec.OnProcessed = func(key string) { processed = append(processed, key) }

	res, err := h.exec.ProcessNext(context.Background())
	if err != nil {
		t.Fatalf("ProcessNext() error: %v", err)
	}
	if res == nil || res.Outcome != OutcomeCompleted || res.IssueKey != "AAP-7" {
		t.Fatalf("result = %+v, want completed AAP-7", res)
	}

	tr, err := trace.Load(h.cfg.TracesDir(), "AAP-7")
	if err != nil || tr == nil {
		t.Fatalf("load trace: %v", err)
	}
	if tr.CurrentState != trace.StateAwaitingReview {
		t.Errorf("trace state = %s, want awaiting_review", tr.CurrentState)
	}
	for _, trans := range tr.Transitions {
		if trans.Data != nil && trans.Data["invalid"] == true {
			t.Errorf("unexpected invalid transition %s -> %s", trans.From, trans.To)
		}
	}

	want := []string{"AAP-7:In Progress", "AAP-7:In Review"}
	if len(h.tracker.transitions) != 2 || h.tracker.transitions[0] != want[0] || h.tracker.transitions[1] != want[1] {
		t.Errorf("tracker transitions = %v, want %v", h.tracker.transitions, want)
	}

	wl, err := h.logs.Load("AAP-7")
	if err != nil || wl == nil {
		t.Fatalf("load work log: %v", err)
	}
	if wl.Status != types.WorkCompleted {
		t.Errorf("work log status = %s, want completed", wl.Status)
	}
	if len(wl.Outcome.Commits) != 1 || wl.Outcome.Commits[0] != "abc1234" {
		t.Errorf("commits = %v, want [abc1234]", wl.Outcome.Commits)
	}
	foundFile := false
	for _, f := range wl.Outcome.FilesChanged {
		if f == "services/foo.py" {
			foundFile = true
		}
	}
	if !foundFile {
		t.Errorf("files changed = %v, want services/foo.py", wl.Outcome.FilesChanged)
	}
	if wl.ContinuationPrompt != "" {
		t.Error("completed run should not carry a continuation prompt")
	}

	st := h.state(t)
	rec := st.FindIssue("AAP-7")
	if rec.ApprovalStatus != types.ApprovalCompleted {
		t.Errorf("approval = %s, want completed", rec.ApprovalStatus)
	}
	if rec.JiraStatus != "In Review" {
		t.Errorf("jira status = %q, want In Review", rec.JiraStatus)
	}
	if st.ProcessingIssue != "" {
		t.Errorf("processingIssue = %q, want cleared", st.ProcessingIssue)
	}
	if len(processed) != 1 || processed[0] != "AAP-7" {
		t.Errorf("OnProcessed calls = %v, want [AAP-7]", processed)
	}
}

func TestBackgroundBlocked(t *testing.T) {
	h := newHarness(t)
	h.seed(t, &types.SprintState{Issues: []types.SprintIssue{approvedIssue("AAP-7")}, BackgroundTasks: true})
	h.runner.res = agent.Result{
		Output:   "[SPRINT_BOT_STATUS: BLOCKED, reason: migration pending approval]",
		ExitCode: 0,
	}

	res, err := h.exec.ProcessNext(context.Background())
	if err != nil {
		t.Fatalf("ProcessNext() error: %v", err)
	}
	if res.Outcome != OutcomeBlocked {
		t.Fatalf("outcome = %s, want blocked", res.Outcome)
	}

	st := h.state(t)
	rec := st.FindIssue("AAP-7")
	if rec.ApprovalStatus != types.ApprovalBlocked {
		t.Errorf("approval = %s, want blocked", rec.ApprovalStatus)
	}
	if rec.WaitingReason != "migration pending approval" {
		t.Errorf("waitingReason = %q", rec.WaitingReason)
	}
	if st.ProcessingIssue != "" {
		t.Errorf("processingIssue = %q, want cleared", st.ProcessingIssue)
	}

	// Blocked work never advances the tracker past In Progress.
	if len(h.tracker.transitions) != 1 || h.tracker.transitions[0] != "AAP-7:In Progress" {
		t.Errorf("tracker transitions = %v", h.tracker.transitions)
	}

	tr, _ := trace.Load(h.cfg.TracesDir(), "AAP-7")
	if tr.CurrentState != trace.StateBlocked {
		t.Errorf("trace state = %s, want blocked", tr.CurrentState)
	}

	wl, _ := h.logs.Load("AAP-7")
	if wl.Status != types.WorkBlocked {
		t.Errorf("work log status = %s, want blocked", wl.Status)
	}
	if wl.ContinuationPrompt == "" {
		t.Error("blocked run should carry a continuation prompt")
	}
}

func TestBackgroundFailedWithoutMarker(t *testing.T) {
	h := newHarness(t)
	h.seed(t, &types.SprintState{Issues: []types.SprintIssue{approvedIssue("AAP-7")}, BackgroundTasks: true})
	h.runner.res = agent.Result{Output: "panic: oh no", Stderr: "boom", ExitCode: 2}

	res, err := h.exec.ProcessNext(context.Background())
	if err != nil {
		t.Fatalf("ProcessNext() error: %v", err)
	}
	if res.Outcome != OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", res.Outcome)
	}

	rec := h.state(t).FindIssue("AAP-7")
	if rec.ApprovalStatus != types.ApprovalBlocked {
		t.Errorf("approval = %s, want blocked", rec.ApprovalStatus)
	}
	if rec.WaitingReason != "boom" {
		t.Errorf("waitingReason = %q, want stderr", rec.WaitingReason)
	}

	tr, _ := trace.Load(h.cfg.TracesDir(), "AAP-7")
	if tr.CurrentState != trace.StateFailed {
		t.Errorf("trace state = %s, want failed", tr.CurrentState)
	}
	wl, _ := h.logs.Load("AAP-7")
	if wl.Status != types.WorkFailed {
		t.Errorf("work log status = %s, want failed", wl.Status)
	}
}

func TestBackgroundTimeout(t *testing.T) {
	h := newHarness(t)
	h.seed(t, &types.SprintState{Issues: []types.SprintIssue{approvedIssue("AAP-7")}, BackgroundTasks: true})
	h.runner.res = agent.Result{Output: "started refactor of services/foo.py", ExitCode: -1, TimedOut: true}

	res, err := h.exec.ProcessNext(context.Background())
	if err != nil {
		t.Fatalf("ProcessNext() error: %v", err)
	}
	if res.Outcome != OutcomeTimeout {
		t.Fatalf("outcome = %s, want timeout", res.Outcome)
	}

	wl, _ := h.logs.Load("AAP-7")
	if wl.Status != types.WorkTimeout {
		t.Errorf("work log status = %s, want timeout", wl.Status)
	}
	if !strings.Contains(wl.ContinuationPrompt, "AAP-7") {
		t.Error("continuation prompt should reference the issue")
	}

	rec := h.state(t).FindIssue("AAP-7")
	if rec.ApprovalStatus != types.ApprovalBlocked {
		t.Errorf("approval = %s, want blocked", rec.ApprovalStatus)
	}
	if !strings.Contains(rec.WaitingReason, "timed out") {
		t.Errorf("waitingReason = %q", rec.WaitingReason)
	}

	tr, _ := trace.Load(h.cfg.TracesDir(), "AAP-7")
	if tr.CurrentState != trace.StateFailed {
		t.Errorf("trace state = %s, want failed", tr.CurrentState)
	}
}

func TestBackgroundNoMarkerZeroExitCompletes(t *testing.T) {
	h := newHarness(t)
	h.seed(t, &types.SprintState{Issues: []types.SprintIssue{approvedIssue("AAP-7")}, BackgroundTasks: true})
	h.runner.res = agent.Result{Output: "all done, nothing to report", ExitCode: 0}

	res, err := h.exec.ProcessNext(context.Background())
	if err != nil {
		t.Fatalf("ProcessNext() error: %v", err)
	}
	if res.Outcome != OutcomeCompleted {
		t.Errorf("outcome = %s, want completed", res.Outcome)
	}
}

func TestSpikeBackgroundPath(t *testing.T) {
	h := newHarness(t)
	issue := approvedIssue("AAP-8")
	issue.IssueType = "Spike"
	issue.Summary = "Investigate connection pool exhaustion"
	h.seed(t, &types.SprintState{Issues: []types.SprintIssue{issue}, BackgroundTasks: true})
	h.runner.res = agent.Result{Output: "[SPRINT_BOT_STATUS: COMPLETED]", ExitCode: 0}

	res, err := h.exec.ProcessNext(context.Background())
	if err != nil {
		t.Fatalf("ProcessNext() error: %v", err)
	}
	if res.Outcome != OutcomeCompleted {
		t.Fatalf("outcome = %s", res.Outcome)
	}

	// Spike prompts steer research, not shipping.
	if len(h.runner.prompts) != 1 || !strings.Contains(h.runner.prompts[0], "do not ship code") {
		t.Errorf("prompt = %q, want spike instructions", h.runner.prompts)
	}

	tr, _ := trace.Load(h.cfg.TracesDir(), "AAP-8")
	if tr.CurrentState != trace.StateCompleted {
		t.Errorf("trace state = %s, want completed", tr.CurrentState)
	}
	if tr.CompletedAt == nil {
		t.Error("spike trace should be stamped complete")
	}
	visited := tr.VisitedStates()
	for _, s := range []trace.State{trace.StateResearching, trace.StateDocumenting, trace.StateClosing} {
		if !visited[s] {
			t.Errorf("spike path skipped %s", s)
		}
	}
	if visited[trace.StateImplementing] {
		t.Error("spike path should not visit implementing")
	}

	// Findings still go to a human: tracker lands in review.
	if len(h.tracker.transitions) != 2 || h.tracker.transitions[1] != "AAP-8:In Review" {
		t.Errorf("tracker transitions = %v", h.tracker.transitions)
	}
}

func TestForegroundLaunch(t *testing.T) {
	h := newHarness(t)
	h.seed(t, &types.SprintState{Issues: []types.SprintIssue{approvedIssue("AAP-7")}})

	res, err := h.exec.ProcessNext(context.Background())
	if err != nil {
		t.Fatalf("ProcessNext() error: %v", err)
	}
	if res.Outcome != OutcomeLaunched || res.ChatID != "chat-9" {
		t.Fatalf("result = %+v, want launched chat-9", res)
	}

	st := h.state(t)
	rec := st.FindIssue("AAP-7")
	if rec.ApprovalStatus != types.ApprovalInProgress {
		t.Errorf("approval = %s, want in_progress", rec.ApprovalStatus)
	}
	if rec.JiraStatus != "In Progress" {
		t.Errorf("jira status = %q", rec.JiraStatus)
	}
	if rec.ChatID != "chat-9" {
		t.Errorf("chatId = %q", rec.ChatID)
	}
	if st.ProcessingIssue != "AAP-7" {
		t.Errorf("processingIssue = %q, want AAP-7", st.ProcessingIssue)
	}

	if len(h.peer.launches) != 1 {
		t.Fatalf("launches = %d, want 1", len(h.peer.launches))
	}
	launch := h.peer.launches[0]
	if launch.key != "AAP-7" || !strings.Contains(launch.prompt, "AAP-7") {
		t.Errorf("launch = %+v", launch)
	}
	if !launch.returnToPrevious {
		t.Error("automated launch should restore the previous chat")
	}

	tr, _ := trace.Load(h.cfg.TracesDir(), "AAP-7")
	if tr.CurrentState != trace.StateImplementing {
		t.Errorf("trace state = %s, want implementing", tr.CurrentState)
	}
}

func TestForegroundPeerUnavailable(t *testing.T) {
	h := newHarness(t)
	h.seed(t, &types.SprintState{Issues: []types.SprintIssue{approvedIssue("AAP-7")}})
	h.peer.pingErr = errors.New("no editor")

	res, err := h.exec.ProcessNext(context.Background())
	if err != nil {
		t.Fatalf("ProcessNext() error: %v", err)
	}
	if res == nil || !res.Waiting {
		t.Fatalf("result = %+v, want waiting", res)
	}

	// Nothing moved: no trace, no tracker call, untouched state.
	tr, _ := trace.Load(h.cfg.TracesDir(), "AAP-7")
	if tr != nil {
		t.Errorf("trace written while waiting: %+v", tr)
	}
	if len(h.tracker.transitions) != 0 {
		t.Errorf("tracker transitions = %v", h.tracker.transitions)
	}
	rec := h.state(t).FindIssue("AAP-7")
	if rec.ApprovalStatus != types.ApprovalApproved {
		t.Errorf("approval = %s, want approved", rec.ApprovalStatus)
	}
}

func TestForegroundLaunchFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	h.seed(t, &types.SprintState{Issues: []types.SprintIssue{approvedIssue("AAP-7")}})
	h.peer.launchErr = errors.New("chat panel crashed")

	_, err := h.exec.ProcessNext(context.Background())
	if err == nil || !strings.Contains(err.Error(), "chat panel crashed") {
		t.Fatalf("err = %v, want launch failure", err)
	}

	st := h.state(t)
	rec := st.FindIssue("AAP-7")
	if rec.ApprovalStatus != types.ApprovalApproved {
		t.Errorf("approval = %s, want approved for retry", rec.ApprovalStatus)
	}
	if st.ProcessingIssue != "" {
		t.Errorf("processingIssue = %q, want cleared", st.ProcessingIssue)
	}
}

func TestProcessNextPicksFirstEligible(t *testing.T) {
	h := newHarness(t)
	blocked := approvedIssue("AAP-1")
	blocked.ApprovalStatus = types.ApprovalBlocked
	first := approvedIssue("AAP-2")
	second := approvedIssue("AAP-3")
	h.seed(t, &types.SprintState{Issues: []types.SprintIssue{blocked, first, second}, BackgroundTasks: true})
	h.runner.res = agent.Result{Output: "[SPRINT_BOT_STATUS: COMPLETED]", ExitCode: 0}

	res, err := h.exec.ProcessNext(context.Background())
	if err != nil {
		t.Fatalf("ProcessNext() error: %v", err)
	}
	if res.IssueKey != "AAP-2" {
		t.Errorf("picked %s, want AAP-2 (first approved actionable)", res.IssueKey)
	}
}

func TestProcessNextSkipsWhileProcessing(t *testing.T) {
	h := newHarness(t)
	busy := approvedIssue("AAP-1")
	busy.ApprovalStatus = types.ApprovalInProgress
	eligible := approvedIssue("AAP-2")
	h.seed(t, &types.SprintState{
		Issues:          []types.SprintIssue{busy, eligible},
		ProcessingIssue: "AAP-1",
		BackgroundTasks: true,
	})

	res, err := h.exec.ProcessNext(context.Background())
	if err != nil {
		t.Fatalf("ProcessNext() error: %v", err)
	}
	if res != nil {
		t.Fatalf("expected no-op while processing, got %+v", res)
	}
	if len(h.runner.prompts) != 0 {
		t.Fatalf("agent ran despite an issue in flight")
	}
}

func TestStartIssueForcesNonActionable(t *testing.T) {
	h := newHarness(t)
	issue := approvedIssue("AAP-9")
	issue.ApprovalStatus = types.ApprovalPending
	issue.JiraStatus = "Done"
	h.seed(t, &types.SprintState{Issues: []types.SprintIssue{issue}})
	h.runner.res = agent.Result{Output: "[SPRINT_BOT_STATUS: COMPLETED]", ExitCode: 0}

	background := true
	res, err := h.exec.StartIssue(context.Background(), "AAP-9", &background)
	if err != nil {
		t.Fatalf("StartIssue() error: %v", err)
	}
	if res.Outcome != OutcomeCompleted || res.Mode != types.ModeBackground {
		t.Fatalf("result = %+v", res)
	}

	tr, _ := trace.Load(h.cfg.TracesDir(), "AAP-9")
	if tr == nil || tr.CurrentState == trace.StateIdle {
		t.Fatal("force-start must enter the state machine")
	}
	foundDecision := false
	for _, s := range tr.Steps {
		if s.Decision == "force_start" {
			foundDecision = true
		}
	}
	if !foundDecision {
		t.Error("force_start decision not recorded in trace")
	}
}

func TestStartIssueUnknownKey(t *testing.T) {
	h := newHarness(t)
	h.seed(t, &types.SprintState{Issues: []types.SprintIssue{}})

	if _, err := h.exec.StartIssue(context.Background(), "AAP-404", nil); err == nil {
		t.Fatal("StartIssue() on unknown key should error")
	}
}

func TestStartIssueRefusesWhileBusy(t *testing.T) {
	h := newHarness(t)
	a := approvedIssue("AAP-1")
	b := approvedIssue("AAP-2")
	h.seed(t, &types.SprintState{
		Issues:          []types.SprintIssue{a, b},
		ProcessingIssue: "AAP-1",
	})

	if _, err := h.exec.StartIssue(context.Background(), "AAP-2", nil); err == nil {
		t.Fatal("StartIssue() should refuse while another issue is processing")
	}
}

func TestAbort(t *testing.T) {
	h := newHarness(t)
	issue := approvedIssue("AAP-7")
	issue.ApprovalStatus = types.ApprovalInProgress
	h.seed(t, &types.SprintState{
		Issues:          []types.SprintIssue{issue},
		ProcessingIssue: "AAP-7",
	})

	if err := h.exec.Abort("AAP-7"); err != nil {
		t.Fatalf("Abort() error: %v", err)
	}

	st := h.state(t)
	rec := st.FindIssue("AAP-7")
	if rec.ApprovalStatus != types.ApprovalBlocked {
		t.Errorf("approval = %s, want blocked", rec.ApprovalStatus)
	}
	if rec.WaitingReason != "user took control" {
		t.Errorf("waitingReason = %q", rec.WaitingReason)
	}
	if st.ProcessingIssue != "" {
		t.Errorf("processingIssue = %q, want cleared", st.ProcessingIssue)
	}
}

func TestAbortUnknownKey(t *testing.T) {
	h := newHarness(t)
	h.seed(t, &types.SprintState{Issues: []types.SprintIssue{}})

	if err := h.exec.Abort("AAP-404"); err == nil {
		t.Fatal("Abort() on unknown key should error")
	}
}

func TestAbortParksTraceOnBlocked(t *testing.T) {
	h := newHarness(t)
	h.seed(t, &types.SprintState{Issues: []types.SprintIssue{approvedIssue("AAP-7")}})

	// Launch a foreground chat so the trace rests at implementing.
	if _, err := h.exec.ProcessNext(context.Background()); err != nil {
		t.Fatalf("ProcessNext() error: %v", err)
	}
	if err := h.exec.Abort("AAP-7"); err != nil {
		t.Fatalf("Abort() error: %v", err)
	}

	tr, _ := trace.Load(h.cfg.TracesDir(), "AAP-7")
	if tr.CurrentState != trace.StateBlocked {
		t.Errorf("trace state = %s, want blocked", tr.CurrentState)
	}

	// Re-approval re-enters through the blocked retry edge with no
	// invalid transitions on record.
	if _, err := h.store.Update(func(st *types.SprintState) error {
		st.FindIssue("AAP-7").ApprovalStatus = types.ApprovalApproved
		st.FindIssue("AAP-7").JiraStatus = "New"
		st.BackgroundTasks = true
		return nil
	}); err != nil {
		t.Fatalf("re-approve: %v", err)
	}
	h.runner.res = agent.Result{Output: "[SPRINT_BOT_STATUS: COMPLETED]", ExitCode: 0}

	if _, err := h.exec.ProcessNext(context.Background()); err != nil {
		t.Fatalf("ProcessNext() after re-approve: %v", err)
	}
	tr, _ = trace.Load(h.cfg.TracesDir(), "AAP-7")
	for _, trans := range tr.Transitions {
		if trans.Data != nil && trans.Data["invalid"] == true {
			t.Errorf("invalid transition %s -> %s after re-approval", trans.From, trans.To)
		}
	}
	if tr.CurrentState != trace.StateAwaitingReview {
		t.Errorf("trace state = %s, want awaiting_review", tr.CurrentState)
	}
}

func TestTrackerFailureDoesNotStopRun(t *testing.T) {
	h := newHarness(t)
	h.seed(t, &types.SprintState{Issues: []types.SprintIssue{approvedIssue("AAP-7")}, BackgroundTasks: true})
	h.tracker.failWith = errors.New("jira 503")
	h.runner.res = agent.Result{Output: "[SPRINT_BOT_STATUS: COMPLETED]", ExitCode: 0}

	res, err := h.exec.ProcessNext(context.Background())
	if err != nil {
		t.Fatalf("ProcessNext() error: %v", err)
	}
	if res.Outcome != OutcomeCompleted {
		t.Errorf("outcome = %s, want completed despite tracker failure", res.Outcome)
	}

	// Local state is still authoritative.
	rec := h.state(t).FindIssue("AAP-7")
	if rec.JiraStatus != "In Review" {
		t.Errorf("jira status = %q", rec.JiraStatus)
	}
}
