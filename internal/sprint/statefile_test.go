package sprint

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/sprintbot/sprintbot/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "sprint_state_v2.json"))
}

func TestLoadAbsentGivesDefaults(t *testing.T) {
	s := newTestStore(t)
	st, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if st.Issues == nil || len(st.Issues) != 0 {
		t.Errorf("Issues = %v, want empty slice", st.Issues)
	}
	if st.AutomaticMode || st.ManuallyStarted || st.BackgroundTasks {
		t.Errorf("default modes should be off: %+v", st)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	st := &types.SprintState{
		CurrentSprint: &types.Sprint{ID: 99, Name: "Sprint 12"},
		Issues: []types.SprintIssue{
			{Key: "AAP-1", Summary: "Fix login", ApprovalStatus: types.ApprovalApproved},
		},
		AutomaticMode:   true,
		ProcessingIssue: "AAP-1",
	}
	if err := s.Save(st); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if st.LastUpdated.IsZero() {
		t.Error("Save did not stamp lastUpdated")
	}

	loaded, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.CurrentSprint == nil || loaded.CurrentSprint.ID != 99 {
		t.Errorf("CurrentSprint = %+v", loaded.CurrentSprint)
	}
	if len(loaded.Issues) != 1 || loaded.Issues[0].ApprovalStatus != types.ApprovalApproved {
		t.Errorf("Issues = %+v", loaded.Issues)
	}
	if !loaded.AutomaticMode || loaded.ProcessingIssue != "AAP-1" {
		t.Errorf("mode fields lost: %+v", loaded)
	}
}

func TestLegacyBotEnabledMigration(t *testing.T) {
	t.Run("botEnabled only", func(t *testing.T) {
		s := newTestStore(t)
		mustWrite(t, s.Path(), `{"botEnabled": true, "issues": []}`)

		st, err := s.Load()
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if !st.AutomaticMode {
			t.Error("AutomaticMode not derived from botEnabled")
		}
		if st.ManuallyStarted {
			t.Error("ManuallyStarted must default to false on migration")
		}
	})

	t.Run("new fields win", func(t *testing.T) {
		s := newTestStore(t)
		mustWrite(t, s.Path(), `{"botEnabled": false, "automaticMode": true, "issues": []}`)

		st, err := s.Load()
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if !st.AutomaticMode {
			t.Error("present automaticMode must not be overridden by botEnabled")
		}
	})
}

func TestUpdatePersists(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Update(func(st *types.SprintState) error {
		st.ProcessingIssue = "AAP-3"
		return nil
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	loaded, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.ProcessingIssue != "AAP-3" {
		t.Errorf("ProcessingIssue = %q, want AAP-3", loaded.ProcessingIssue)
	}
}

func TestUpdateErrorLeavesFileUntouched(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Update(func(st *types.SprintState) error {
		st.ProcessingIssue = "AAP-1"
		return nil
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	boom := errors.New("boom")
	if _, err := s.Update(func(st *types.SprintState) error {
		st.ProcessingIssue = "AAP-9"
		return boom
	}); !errors.Is(err, boom) {
		t.Fatalf("Update error = %v, want boom", err)
	}

	loaded, _ := s.Load()
	if loaded.ProcessingIssue != "AAP-1" {
		t.Errorf("failed update mutated the file: %q", loaded.ProcessingIssue)
	}
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}
