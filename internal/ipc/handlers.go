package ipc

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/sprintbot/sprintbot/internal/trace"
	"github.com/sprintbot/sprintbot/internal/types"
	"github.com/sprintbot/sprintbot/internal/worklog"
)

func (s *Server) registerHandlers() {
	s.handlers = map[string]handlerFunc{
		OpPing:     s.handlePing,
		OpShutdown: s.handleShutdown,

		OpListIssues:   s.handleListIssues,
		OpApproveIssue: s.handleApproveIssue,
		OpRejectIssue:  s.handleRejectIssue,
		OpAbortIssue:   s.handleAbortIssue,
		OpSkipIssue:    s.handleSkipIssue,
		OpApproveAll:   s.handleApproveAll,
		OpRejectAll:    s.handleRejectAll,

		OpRefresh:          s.handleRefresh,
		OpEnable:           s.handleEnable,
		OpDisable:          s.handleDisable,
		OpStart:            s.handleStart,
		OpStop:             s.handleStop,
		OpToggleBackground: s.handleToggleBackground,

		OpGetConfig:  s.handleGetConfig,
		OpSetConfig:  s.handleSetConfig,
		OpGetState:   s.handleGetState,
		OpWriteState: s.handleWriteState,

		OpGetHistory:   s.handleGetHistory,
		OpGetTrace:     s.handleGetTrace,
		OpListTraces:   s.handleListTraces,
		OpGetWorkLog:   s.handleGetWorkLog,
		OpOpenInCursor: s.handleOpenInCursor,

		OpStartIssue:  s.handleStartIssue,
		OpProcessNext: s.handleProcessNext,
	}
}

func (s *Server) handlePing(_ context.Context, _ *Request) *Response {
	return ok(map[string]any{"status": "ok"})
}

func (s *Server) handleShutdown(_ context.Context, _ *Request) *Response {
	// The connection loop triggers the actual stop once this response has
	// been written back to the client.
	s.pendingShutdown.Store(true)
	return ok(map[string]any{"stopping": true})
}

// issueView is a sprint issue annotated with whether the planner would act
// on it right now.
type issueView struct {
	types.SprintIssue
	IsActionable bool `json:"isActionable"`
}

type issueKeyArgs struct {
	IssueKey string `json:"issueKey"`
}

func (a issueKeyArgs) validate() error {
	if strings.TrimSpace(a.IssueKey) == "" {
		return fmt.Errorf("issueKey required")
	}
	return nil
}

func (s *Server) handleListIssues(_ context.Context, req *Request) *Response {
	var args struct {
		Status     string `json:"status"`
		Actionable *bool  `json:"actionable"`
	}
	if err := decodeArgs(req, &args); err != nil {
		return fail(err)
	}

	st, err := s.deps.Store.Load()
	if err != nil {
		return fail(err)
	}

	views := make([]issueView, 0, len(st.Issues))
	for i := range st.Issues {
		rec := &st.Issues[i]
		actionable := s.deps.Planner.IsActionable(rec)
		if args.Status != "" && string(rec.ApprovalStatus) != args.Status {
			continue
		}
		if args.Actionable != nil && actionable != *args.Actionable {
			continue
		}
		views = append(views, issueView{SprintIssue: *rec, IsActionable: actionable})
	}

	return ok(map[string]any{
		"issues":          views,
		"total":           len(views),
		"counts":          st.CountByApproval(),
		"sprint":          st.CurrentSprint,
		"processingIssue": st.ProcessingIssue,
		"automaticMode":   st.AutomaticMode,
		"manuallyStarted": st.ManuallyStarted,
		"backgroundTasks": st.BackgroundTasks,
	})
}

func (s *Server) handleApproveIssue(_ context.Context, req *Request) *Response {
	var args issueKeyArgs
	if err := decodeArgs(req, &args); err != nil {
		return fail(err)
	}
	if err := args.validate(); err != nil {
		return fail(err)
	}

	_, err := s.deps.Store.Update(func(st *types.SprintState) error {
		rec := st.FindIssue(args.IssueKey)
		if rec == nil {
			return fmt.Errorf("issue %s not in sprint", args.IssueKey)
		}
		if !s.deps.Planner.IsActionable(rec) {
			return fmt.Errorf("issue %s is not actionable (status %q)", rec.Key, rec.JiraStatus)
		}
		rec.ApprovalStatus = types.ApprovalApproved
		rec.WaitingReason = ""
		rec.AddTimelineEvent(s.clock(), "approved", "approved for automated work")
		return nil
	})
	if err != nil {
		return fail(err)
	}
	return ok(map[string]any{"issueKey": args.IssueKey, "approvalStatus": types.ApprovalApproved})
}

func (s *Server) handleRejectIssue(_ context.Context, req *Request) *Response {
	var args issueKeyArgs
	if err := decodeArgs(req, &args); err != nil {
		return fail(err)
	}
	if err := args.validate(); err != nil {
		return fail(err)
	}

	_, err := s.deps.Store.Update(func(st *types.SprintState) error {
		rec := st.FindIssue(args.IssueKey)
		if rec == nil {
			return fmt.Errorf("issue %s not in sprint", args.IssueKey)
		}
		rec.ApprovalStatus = types.ApprovalPending
		rec.WaitingReason = ""
		rec.AddTimelineEvent(s.clock(), "rejected", "approval withdrawn")
		return nil
	})
	if err != nil {
		return fail(err)
	}
	return ok(map[string]any{"issueKey": args.IssueKey, "approvalStatus": types.ApprovalPending})
}

func (s *Server) handleSkipIssue(_ context.Context, req *Request) *Response {
	var args struct {
		issueKeyArgs
		Reason string `json:"reason"`
	}
	if err := decodeArgs(req, &args); err != nil {
		return fail(err)
	}
	if err := args.validate(); err != nil {
		return fail(err)
	}
	if args.Reason == "" {
		args.Reason = "skipped by user"
	}

	_, err := s.deps.Store.Update(func(st *types.SprintState) error {
		rec := st.FindIssue(args.IssueKey)
		if rec == nil {
			return fmt.Errorf("issue %s not in sprint", args.IssueKey)
		}
		rec.ApprovalStatus = types.ApprovalBlocked
		rec.WaitingReason = args.Reason
		rec.AddTimelineEvent(s.clock(), "skipped", args.Reason)
		return nil
	})
	if err != nil {
		return fail(err)
	}
	return ok(map[string]any{"issueKey": args.IssueKey, "approvalStatus": types.ApprovalBlocked})
}

func (s *Server) handleAbortIssue(_ context.Context, req *Request) *Response {
	var args issueKeyArgs
	if err := decodeArgs(req, &args); err != nil {
		return fail(err)
	}
	if err := args.validate(); err != nil {
		return fail(err)
	}
	if err := s.deps.Exec.Abort(args.IssueKey); err != nil {
		return fail(err)
	}
	return ok(map[string]any{"issueKey": args.IssueKey, "aborted": true})
}

func (s *Server) handleApproveAll(_ context.Context, _ *Request) *Response {
	approved, autoCompleted := 0, 0
	_, err := s.deps.Store.Update(func(st *types.SprintState) error {
		for i := range st.Issues {
			rec := &st.Issues[i]
			if rec.ApprovalStatus != types.ApprovalPending {
				continue
			}
			if s.deps.Planner.IsActionable(rec) {
				rec.ApprovalStatus = types.ApprovalApproved
				rec.AddTimelineEvent(s.clock(), "approved", "approved in bulk")
				approved++
			} else {
				// Non-actionable pending issues are already past the
				// point of automated work; file them as done locally.
				rec.ApprovalStatus = types.ApprovalCompleted
				rec.AddTimelineEvent(s.clock(), "auto_completed",
					fmt.Sprintf("tracker status %q is past actionable", rec.JiraStatus))
				autoCompleted++
			}
		}
		return nil
	})
	if err != nil {
		return fail(err)
	}
	return ok(map[string]any{"approved": approved, "autoCompleted": autoCompleted})
}

func (s *Server) handleRejectAll(_ context.Context, _ *Request) *Response {
	rejected := 0
	_, err := s.deps.Store.Update(func(st *types.SprintState) error {
		for i := range st.Issues {
			rec := &st.Issues[i]
			if rec.ApprovalStatus != types.ApprovalApproved {
				continue
			}
			rec.ApprovalStatus = types.ApprovalPending
			rec.AddTimelineEvent(s.clock(), "rejected", "approval withdrawn in bulk")
			rejected++
		}
		return nil
	})
	if err != nil {
		return fail(err)
	}
	return ok(map[string]any{"rejected": rejected})
}

func (s *Server) handleRefresh(ctx context.Context, _ *Request) *Response {
	st, err := s.deps.Planner.RefreshFromTracker(ctx)
	if err != nil {
		return fail(err)
	}
	data := map[string]any{"issues": len(st.Issues)}
	if st.CurrentSprint != nil {
		data["sprint"] = st.CurrentSprint
	}
	return ok(data)
}

func (s *Server) handleEnable(_ context.Context, _ *Request) *Response {
	return s.setFlags(func(st *types.SprintState) { st.AutomaticMode = true })
}

func (s *Server) handleDisable(_ context.Context, _ *Request) *Response {
	return s.setFlags(func(st *types.SprintState) { st.AutomaticMode = false })
}

func (s *Server) handleStart(_ context.Context, _ *Request) *Response {
	return s.setFlags(func(st *types.SprintState) { st.ManuallyStarted = true })
}

func (s *Server) handleStop(_ context.Context, _ *Request) *Response {
	return s.setFlags(func(st *types.SprintState) { st.ManuallyStarted = false })
}

func (s *Server) setFlags(apply func(*types.SprintState)) *Response {
	st, err := s.deps.Store.Update(func(st *types.SprintState) error {
		apply(st)
		return nil
	})
	if err != nil {
		return fail(err)
	}
	return ok(map[string]any{
		"automaticMode":   st.AutomaticMode,
		"manuallyStarted": st.ManuallyStarted,
		"backgroundTasks": st.BackgroundTasks,
	})
}

func (s *Server) handleToggleBackground(_ context.Context, req *Request) *Response {
	var args struct {
		Enabled *bool `json:"enabled"`
	}
	if err := decodeArgs(req, &args); err != nil {
		return fail(err)
	}

	st, err := s.deps.Store.Update(func(st *types.SprintState) error {
		if args.Enabled != nil {
			st.BackgroundTasks = *args.Enabled
		} else {
			st.BackgroundTasks = !st.BackgroundTasks
		}
		return nil
	})
	if err != nil {
		return fail(err)
	}
	return ok(map[string]any{"backgroundTasks": st.BackgroundTasks})
}

func (s *Server) handleGetConfig(_ context.Context, _ *Request) *Response {
	cfg := s.deps.Config()
	return ok(map[string]any{
		"home":   cfg.Home,
		"socket": cfg.SocketPath,
		"tracker": map[string]any{
			"name":        cfg.TrackerName,
			"project":     cfg.TrackerProject,
			"component":   cfg.TrackerComponent,
			"baseUrl":     cfg.TrackerBaseURL,
			"user":        cfg.TrackerUser,
			"displayName": cfg.TrackerDisplayName,
			// Token deliberately omitted: it never crosses the bus.
			"tokenConfigured": cfg.TrackerToken != "",
		},
		"workingHours": map[string]any{
			"startHour":    cfg.WorkingHours.StartHour,
			"startMinute":  cfg.WorkingHours.StartMinute,
			"endHour":      cfg.WorkingHours.EndHour,
			"endMinute":    cfg.WorkingHours.EndMinute,
			"weekdaysOnly": cfg.WorkingHours.WeekdaysOnly,
			"timezone":     cfg.WorkingHours.Timezone,
			"window":       cfg.WorkingHours.String(),
		},
		"intervals": map[string]any{
			"checkSeconds":            int(cfg.CheckInterval.Seconds()),
			"trackerRefreshSeconds":   int(cfg.TrackerRefreshInterval.Seconds()),
			"reviewCheckSeconds":      int(cfg.ReviewCheckInterval.Seconds()),
			"skipBlockedAfterMinutes": int(cfg.SkipBlockedAfter.Minutes()),
		},
		"agent": map[string]any{
			"bin":            cfg.AgentBin,
			"args":           cfg.AgentArgs,
			"timeoutSeconds": int(cfg.AgentTimeout.Seconds()),
		},
		"statuses": map[string]any{
			"actionable": cfg.ActionableStatuses,
			"review":     cfg.ReviewStatuses,
		},
	})
}

func (s *Server) handleSetConfig(_ context.Context, req *Request) *Response {
	var args struct {
		Values map[string]any `json:"values"`
	}
	if err := decodeArgs(req, &args); err != nil {
		return fail(err)
	}
	if len(args.Values) == 0 {
		return failf("values required: map of config.toml keys to new values")
	}

	normalized := make(map[string]any, len(args.Values))
	for key, val := range args.Values {
		norm, err := normalizeConfigValue(key, val)
		if err != nil {
			return fail(err)
		}
		normalized[key] = norm
	}

	if err := s.persistConfig(normalized); err != nil {
		return fail(err)
	}

	if s.deps.ReloadConfig != nil {
		if err := s.deps.ReloadConfig(); err != nil {
			return failf("saved config.toml but reload failed: %v", err)
		}
	}

	keys := make([]string, 0, len(normalized))
	for key := range normalized {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return ok(map[string]any{"updated": keys})
}

func (s *Server) handleGetState(_ context.Context, _ *Request) *Response {
	st, err := s.deps.Store.Load()
	if err != nil {
		return fail(err)
	}
	runtime := map[string]any{}
	if s.deps.Runtime != nil {
		runtime = s.deps.Runtime()
	}
	return ok(map[string]any{"state": st, "runtime": runtime})
}

func (s *Server) handleWriteState(_ context.Context, _ *Request) *Response {
	st, err := s.deps.Store.Update(func(*types.SprintState) error { return nil })
	if err != nil {
		return fail(err)
	}
	return ok(map[string]any{"written": true, "lastUpdated": st.LastUpdated})
}

// historyEntry is one timeline event tagged with its issue.
type historyEntry struct {
	IssueKey    string    `json:"issueKey"`
	Timestamp   time.Time `json:"timestamp"`
	Action      string    `json:"action"`
	Description string    `json:"description"`
	ChatLink    string    `json:"chatLink,omitempty"`
	JiraLink    string    `json:"jiraLink,omitempty"`
}

func (s *Server) handleGetHistory(_ context.Context, req *Request) *Response {
	var args struct {
		IssueKey string `json:"issueKey"`
		Limit    int    `json:"limit"`
	}
	if err := decodeArgs(req, &args); err != nil {
		return fail(err)
	}
	if args.Limit <= 0 {
		args.Limit = 50
	}

	st, err := s.deps.Store.Load()
	if err != nil {
		return fail(err)
	}

	var entries []historyEntry
	for i := range st.Issues {
		rec := &st.Issues[i]
		if args.IssueKey != "" && rec.Key != args.IssueKey {
			continue
		}
		for _, ev := range rec.Timeline {
			entries = append(entries, historyEntry{
				IssueKey:    rec.Key,
				Timestamp:   ev.Timestamp,
				Action:      ev.Action,
				Description: ev.Description,
				ChatLink:    ev.ChatLink,
				JiraLink:    ev.JiraLink,
			})
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Timestamp.After(entries[j].Timestamp)
	})
	if len(entries) > args.Limit {
		entries = entries[:args.Limit]
	}
	return ok(map[string]any{"events": entries, "total": len(entries)})
}

func (s *Server) handleGetTrace(_ context.Context, req *Request) *Response {
	var args issueKeyArgs
	if err := decodeArgs(req, &args); err != nil {
		return fail(err)
	}
	if err := args.validate(); err != nil {
		return fail(err)
	}

	tr, err := trace.Load(s.deps.Config().TracesDir(), args.IssueKey)
	if err != nil {
		return fail(err)
	}
	if tr == nil {
		return failf("no trace for %s", args.IssueKey)
	}
	return ok(map[string]any{"trace": tr})
}

// traceSummary is the list_traces row: enough to pick a trace without
// shipping every step over the bus.
type traceSummary struct {
	IssueKey      string              `json:"issueKey"`
	WorkflowType  types.WorkflowType  `json:"workflowType"`
	ExecutionMode types.ExecutionMode `json:"executionMode"`
	CurrentState  trace.State         `json:"currentState"`
	StartedAt     time.Time           `json:"startedAt"`
	CompletedAt   *time.Time          `json:"completedAt,omitempty"`
	Steps         int                 `json:"steps"`
}

func (s *Server) handleListTraces(_ context.Context, _ *Request) *Response {
	dir := s.deps.Config().TracesDir()
	dirents, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return ok(map[string]any{"traces": []traceSummary{}, "total": 0})
		}
		return fail(err)
	}

	summaries := make([]traceSummary, 0, len(dirents))
	for _, ent := range dirents {
		name := ent.Name()
		if ent.IsDir() || !strings.HasSuffix(name, ".yaml") {
			continue
		}
		key := strings.TrimSuffix(name, ".yaml")
		tr, err := trace.Load(dir, key)
		if err != nil || tr == nil {
			s.log.Warn().Str("file", name).Err(err).Msg("skipping unreadable trace")
			continue
		}
		summaries = append(summaries, traceSummary{
			IssueKey:      tr.IssueKey,
			WorkflowType:  tr.WorkflowType,
			ExecutionMode: tr.ExecutionMode,
			CurrentState:  tr.CurrentState,
			StartedAt:     tr.StartedAt,
			CompletedAt:   tr.CompletedAt,
			Steps:         len(tr.Steps),
		})
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].StartedAt.After(summaries[j].StartedAt)
	})
	return ok(map[string]any{"traces": summaries, "total": len(summaries)})
}

func (s *Server) handleGetWorkLog(_ context.Context, req *Request) *Response {
	var args issueKeyArgs
	if err := decodeArgs(req, &args); err != nil {
		return fail(err)
	}
	if err := args.validate(); err != nil {
		return fail(err)
	}

	wl, err := s.deps.Logs.Load(args.IssueKey)
	if err != nil {
		return fail(err)
	}
	if wl == nil {
		return failf("no work log for %s", args.IssueKey)
	}
	return ok(map[string]any{"workLog": wl, "path": s.deps.Logs.PathFor(args.IssueKey)})
}

func (s *Server) handleOpenInCursor(ctx context.Context, req *Request) *Response {
	var args issueKeyArgs
	if err := decodeArgs(req, &args); err != nil {
		return fail(err)
	}
	if err := args.validate(); err != nil {
		return fail(err)
	}

	wl, err := s.deps.Logs.Load(args.IssueKey)
	if err != nil {
		return fail(err)
	}
	if wl == nil {
		return failf("no work log for %s; nothing to continue", args.IssueKey)
	}

	prompt := wl.ContinuationPrompt
	if prompt == "" {
		prompt = worklog.BuildContinuationPrompt(wl)
	}
	if err := s.deps.Peer.OpenContinuation(ctx, args.IssueKey, prompt); err != nil {
		return fail(err)
	}
	return ok(map[string]any{"issueKey": args.IssueKey, "opened": true})
}

func (s *Server) handleStartIssue(ctx context.Context, req *Request) *Response {
	var args struct {
		issueKeyArgs
		Background *bool `json:"background"`
	}
	if err := decodeArgs(req, &args); err != nil {
		return fail(err)
	}
	if err := args.validate(); err != nil {
		return fail(err)
	}

	res, err := s.deps.Exec.StartIssue(ctx, args.IssueKey, args.Background)
	if err != nil {
		return fail(err)
	}
	return ok(res)
}

func (s *Server) handleProcessNext(ctx context.Context, _ *Request) *Response {
	res, err := s.deps.Exec.ProcessNext(ctx)
	if err != nil {
		return fail(err)
	}
	if res == nil {
		return ok(map[string]any{"processed": false})
	}
	return ok(map[string]any{"processed": true, "result": res})
}

// clock returns now; split out so tests can pin it.
func (s *Server) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}
