package sprint

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sprintbot/sprintbot/internal/config"
	"github.com/sprintbot/sprintbot/internal/types"
)

type fakeTracker struct {
	sprint      *types.Sprint
	issues      []types.SprintIssue
	sprintErr   error
	issuesErr   error
	transitions []string
}

func (f *fakeTracker) Name() string        { return "fake" }
func (f *fakeTracker) DisplayName() string { return "Fake" }
func (f *fakeTracker) Validate() error     { return nil }
func (f *fakeTracker) Close() error        { return nil }

func (f *fakeTracker) FetchActiveSprint(context.Context) (*types.Sprint, error) {
	return f.sprint, f.sprintErr
}

func (f *fakeTracker) FetchSprintIssues(context.Context, int) ([]types.SprintIssue, error) {
	return f.issues, f.issuesErr
}

func (f *fakeTracker) FetchIssue(context.Context, string) (*types.SprintIssue, error) {
	return nil, nil
}

func (f *fakeTracker) SearchIssues(context.Context, string, int) ([]types.SprintIssue, error) {
	return nil, nil
}

func (f *fakeTracker) TransitionIssue(_ context.Context, key, status string) error {
	f.transitions = append(f.transitions, key+"→"+status)
	return nil
}

func newTestPlanner(t *testing.T, trk *fakeTracker) (*Planner, *Store, *config.Config) {
	t.Helper()
	cfg := config.DefaultConfig(t.TempDir())
	cfg.TrackerUser = "dev.one"
	cfg.TrackerDisplayName = "Dev One"
	store := NewStore(cfg.StatePath())
	return NewPlanner(cfg, trk, store), store, cfg
}

func TestRefreshFiltersAndMergesOverlay(t *testing.T) {
	trk := &fakeTracker{
		sprint: &types.Sprint{ID: 99, Name: "Sprint 12", State: "active"},
		issues: []types.SprintIssue{
			{Key: "AAP-1", Summary: "Fix login", Assignee: "dev.one", JiraStatus: "In Progress", Priority: "major", IssueType: "bug"},
			{Key: "AAP-2", Summary: "Add audit log", Assignee: "DEV ONE", JiraStatus: "New", Priority: "minor", IssueType: "story"},
			{Key: "AAP-3", Summary: "Other persons work", Assignee: "someone.else", JiraStatus: "New"},
			{Key: "AAP-4", Summary: "Unassigned", JiraStatus: "New"},
		},
	}
	p, store, cfg := newTestPlanner(t, trk)

	// Seed overlay fields that must survive the refresh.
	seed := &types.SprintState{Issues: []types.SprintIssue{
		{Key: "AAP-1", Summary: "stale summary", ApprovalStatus: types.ApprovalInProgress, ChatID: "chat-9", WaitingReason: ""},
	}}
	seed.Issues[0].AddTimelineEvent(time.Now(), "started", "work began")
	if err := store.Save(seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	st, err := p.RefreshFromTracker(context.Background())
	if err != nil {
		t.Fatalf("RefreshFromTracker: %v", err)
	}

	if st.CurrentSprint == nil || st.CurrentSprint.ID != 99 {
		t.Errorf("CurrentSprint = %+v", st.CurrentSprint)
	}
	if len(st.Issues) != 2 {
		t.Fatalf("issues = %d, want 2 assigned to the local user", len(st.Issues))
	}

	one := st.FindIssue("AAP-1")
	if one == nil {
		t.Fatal("AAP-1 missing after refresh")
	}
	if one.Summary != "Fix login" {
		t.Errorf("tracker fields must be refreshed, got summary %q", one.Summary)
	}
	if one.ApprovalStatus != types.ApprovalInProgress || one.ChatID != "chat-9" || len(one.Timeline) != 1 {
		t.Errorf("overlay lost: %+v", one)
	}

	two := st.FindIssue("AAP-2")
	if two == nil || two.ApprovalStatus != types.ApprovalPending {
		t.Errorf("new issues start pending: %+v", two)
	}
	if two != nil && two.PriorityRank == 0 {
		t.Errorf("prioritizer did not run: %+v", two)
	}

	// State file persisted.
	reloaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(reloaded.Issues) != 2 {
		t.Errorf("persisted issues = %d", len(reloaded.Issues))
	}

	// Current-work snapshot for the yaml memory source.
	raw, err := os.ReadFile(filepath.Join(cfg.StateDir(), "current_work.yaml"))
	if err != nil {
		t.Fatalf("current_work.yaml: %v", err)
	}
	if !strings.Contains(string(raw), "AAP-1") {
		t.Errorf("current work snapshot missing in-progress issue:\n%s", raw)
	}
	if strings.Contains(string(raw), "AAP-2") {
		t.Errorf("current work snapshot should only list in-progress issues:\n%s", raw)
	}
}

func TestRefreshPenalizesCarriedBlockedIssues(t *testing.T) {
	trk := &fakeTracker{
		sprint: &types.Sprint{ID: 5, Name: "Sprint 13"},
		issues: []types.SprintIssue{
			{Key: "AAP-1", Assignee: "dev.one", Priority: "major", IssueType: "task", StoryPoints: 3, Created: daysAgo(10)},
			{Key: "AAP-2", Assignee: "dev.one", Priority: "minor", IssueType: "story", StoryPoints: 1, Created: daysAgo(1)},
		},
	}
	p, store, _ := newTestPlanner(t, trk)
	p.now = func() time.Time { return testNow }
	if err := store.Save(&types.SprintState{Issues: []types.SprintIssue{
		{Key: "AAP-1", ApprovalStatus: types.ApprovalBlocked},
	}}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	st, err := p.RefreshFromTracker(context.Background())
	if err != nil {
		t.Fatalf("RefreshFromTracker: %v", err)
	}

	// Unpenalized AAP-1 would outrank AAP-2; the carried blocked status
	// must sink it.
	if st.Issues[0].Key != "AAP-2" || st.Issues[0].PriorityRank != 1 {
		t.Errorf("order = %s(%d), %s(%d)", st.Issues[0].Key, st.Issues[0].PriorityRank, st.Issues[1].Key, st.Issues[1].PriorityRank)
	}
}

func TestRefreshWithoutActiveSprint(t *testing.T) {
	trk := &fakeTracker{sprint: nil}
	p, store, _ := newTestPlanner(t, trk)
	if err := store.Save(&types.SprintState{
		CurrentSprint: &types.Sprint{ID: 1},
		Issues:        []types.SprintIssue{{Key: "AAP-1"}},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	st, err := p.RefreshFromTracker(context.Background())
	if err != nil {
		t.Fatalf("RefreshFromTracker: %v", err)
	}
	if st.CurrentSprint != nil || len(st.Issues) != 0 {
		t.Errorf("state not cleared: %+v", st)
	}
}

func TestRefreshSurfacesTrackerErrors(t *testing.T) {
	trk := &fakeTracker{sprintErr: errors.New("boom")}
	p, _, _ := newTestPlanner(t, trk)
	if _, err := p.RefreshFromTracker(context.Background()); err == nil {
		t.Error("expected tracker error to surface")
	}
}

func TestNoAssigneeFilterKeepsAll(t *testing.T) {
	trk := &fakeTracker{
		sprint: &types.Sprint{ID: 1, Name: "S"},
		issues: []types.SprintIssue{
			{Key: "AAP-1", Assignee: "a"},
			{Key: "AAP-2"},
		},
	}
	p, _, cfg := newTestPlanner(t, trk)
	cfg.TrackerUser = ""
	cfg.TrackerDisplayName = ""

	st, err := p.RefreshFromTracker(context.Background())
	if err != nil {
		t.Fatalf("RefreshFromTracker: %v", err)
	}
	if len(st.Issues) != 2 {
		t.Errorf("issues = %d, want all when no user configured", len(st.Issues))
	}
}

func TestIsActionable(t *testing.T) {
	p, _, _ := newTestPlanner(t, &fakeTracker{})
	tests := []struct {
		status string
		want   bool
	}{
		{"New", true},
		{"BACKLOG", true},
		{"To Do", true},
		{"Refinement", true},
		{"open", true},
		{"In Progress", false},
		{"In Review", false},
		{"Done", false},
		{"", false},
	}
	for _, tt := range tests {
		issue := types.SprintIssue{JiraStatus: tt.status}
		if got := p.IsActionable(&issue); got != tt.want {
			t.Errorf("IsActionable(%q) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestBuildWorkPrompt(t *testing.T) {
	p, _, _ := newTestPlanner(t, &fakeTracker{})

	code := &types.SprintIssue{Key: "AAP-7", Summary: "Fix login timeout", IssueType: "bug", Priority: "major", StoryPoints: 3}
	prompt, err := p.BuildWorkPrompt(code)
	if err != nil {
		t.Fatalf("BuildWorkPrompt: %v", err)
	}
	for _, want := range []string{"AAP-7", "Fix login timeout", "merge request", "[SPRINT_BOT_STATUS: COMPLETED]"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("code prompt missing %q:\n%s", want, prompt)
		}
	}

	spike := &types.SprintIssue{Key: "AAP-8", Summary: "Investigate flaky CI", IssueType: "task"}
	spikePrompt, err := p.BuildWorkPrompt(spike)
	if err != nil {
		t.Fatalf("BuildWorkPrompt: %v", err)
	}
	if !strings.Contains(spikePrompt, "do not ship code") {
		t.Errorf("spike prompt missing research instructions:\n%s", spikePrompt)
	}
	if !strings.Contains(spikePrompt, "docs/spikes/AAP-8.md") {
		t.Errorf("spike prompt missing findings path:\n%s", spikePrompt)
	}

	again, _ := p.BuildWorkPrompt(code)
	if again != prompt {
		t.Error("prompt generation must be deterministic")
	}
}

func TestCheckReviewIssuesPersistsSweepChanges(t *testing.T) {
	p, store, _ := newTestPlanner(t, &fakeTracker{})
	if err := store.Save(&types.SprintState{Issues: []types.SprintIssue{
		{Key: "AAP-1", JiraStatus: "In Review"},
	}}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	_, err := p.CheckReviewIssues(context.Background(), func(_ context.Context, st *types.SprintState) {
		st.Issues[0].JiraStatus = "Done"
		st.Issues[0].ApprovalStatus = types.ApprovalCompleted
	})
	if err != nil {
		t.Fatalf("CheckReviewIssues: %v", err)
	}

	loaded, _ := store.Load()
	if loaded.Issues[0].JiraStatus != "Done" || loaded.Issues[0].ApprovalStatus != types.ApprovalCompleted {
		t.Errorf("sweep changes not persisted: %+v", loaded.Issues[0])
	}
}
