package agent

import (
	"reflect"
	"testing"
)

func TestParseStatus(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   StatusMarker
		ok     bool
	}{
		{
			name:   "completed bare",
			output: "did the thing\n[SPRINT_BOT_STATUS: COMPLETED]\n",
			want:   StatusMarker{Status: StatusCompleted},
			ok:     true,
		},
		{
			name:   "blocked with reason",
			output: "[SPRINT_BOT_STATUS: BLOCKED reason: waiting on credentials]",
			want:   StatusMarker{Status: StatusBlocked, Reason: "waiting on credentials"},
			ok:     true,
		},
		{
			name:   "comma before reason",
			output: "[SPRINT_BOT_STATUS: BLOCKED, reason: migration pending]",
			want:   StatusMarker{Status: StatusBlocked, Reason: "migration pending"},
			ok:     true,
		},
		{
			name:   "failed with error",
			output: "[SPRINT_BOT_STATUS: FAILED error: tests do not pass]",
			want:   StatusMarker{Status: StatusFailed, Reason: "tests do not pass"},
			ok:     true,
		},
		{
			name:   "last marker wins",
			output: "[SPRINT_BOT_STATUS: BLOCKED reason: retrying]\nmore work\n[SPRINT_BOT_STATUS: COMPLETED]",
			want:   StatusMarker{Status: StatusCompleted},
			ok:     true,
		},
		{
			name:   "no marker",
			output: "plain narration with no markers",
			ok:     false,
		},
		{
			name:   "unknown status ignored",
			output: "[SPRINT_BOT_STATUS: MAYBE]",
			ok:     false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseStatus(tt.output)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseReview(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   ReviewMarker
		ok     bool
	}{
		{
			name:   "ready with mr id",
			output: "Found MR.\n[READY_TO_MERGE]\n[MR_ID: 42]\n",
			want:   ReviewMarker{Status: ReviewReadyToMerge, MRID: "42"},
			ok:     true,
		},
		{
			name:   "hold with inline reason",
			output: "[APPROVED_WITH_HOLD: don't merge until Friday]",
			want:   ReviewMarker{Status: ReviewApprovedWithHold, Reason: "don't merge until Friday"},
			ok:     true,
		},
		{
			name:   "hold with trailing reason",
			output: "[APPROVED_WITH_HOLD] reviewer said wait until Monday\n",
			want:   ReviewMarker{Status: ReviewApprovedWithHold, Reason: "reviewer said wait until Monday"},
			ok:     true,
		},
		{
			name:   "no mr",
			output: "[NO_MR]",
			want:   ReviewMarker{Status: ReviewNoMR},
			ok:     true,
		},
		{
			name:   "nothing",
			output: "could not determine anything",
			ok:     false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseReview(tt.output)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseMergeResult(t *testing.T) {
	if got, ok := ParseMergeResult("merging...\n[MERGE_RESULT: SUCCESS]\n"); !ok || got != MergeSuccess {
		t.Errorf("got %q, %v", got, ok)
	}
	if got, ok := ParseMergeResult("[MERGE_RESULT: MERGE_FAILED]"); !ok || got != MergeFailed {
		t.Errorf("got %q, %v", got, ok)
	}
	if _, ok := ParseMergeResult("no marker here"); ok {
		t.Error("expected no merge result")
	}
}

func TestExtractCommits(t *testing.T) {
	output := "[abc1234] Commit msg\n[main def5678] another\n[abc1234] duplicate\n[MR_ID: 42]\n"
	got := ExtractCommits(output)
	want := []string{"abc1234", "def5678"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("commits = %v, want %v", got, want)
	}
}

func TestExtractMergeRequests(t *testing.T) {
	output := "opened merge request 17\nsee !42 and [MR_ID: 42]\n"
	got := ExtractMergeRequests(output)
	if len(got) != 2 {
		t.Fatalf("mrs = %v, want 2 unique ids", got)
	}
	if got[0] != "!42" {
		t.Errorf("first mr = %q, want !42", got[0])
	}
	if got[1] != "!17" {
		t.Errorf("second mr = %q, want !17", got[1])
	}
}

func TestExtractFiles(t *testing.T) {
	output := "modified: services/foo.py\nalso touched internal/app/handler.go today\nsee https://example.com/docs.html\n"
	got := ExtractFiles(output)

	if !contains(got, "services/foo.py") {
		t.Errorf("files = %v, missing services/foo.py", got)
	}
	if !contains(got, "internal/app/handler.go") {
		t.Errorf("files = %v, missing internal/app/handler.go", got)
	}
	if contains(got, "example.com/docs.html") {
		t.Errorf("files = %v, should not include URLs", got)
	}
}

func TestExtractBranches(t *testing.T) {
	output := "git checkout -b feat/aap-7\nSwitched to a new branch 'feat/aap-7'\n[feat/aap-7 abc1234] Fix\n[HEAD def5678] detached\n"
	got := ExtractBranches(output)
	want := []string{"feat/aap-7"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("branches = %v, want %v", got, want)
	}
}

func TestExtractOutcome(t *testing.T) {
	output := "[SPRINT_BOT_STATUS: COMPLETED]\n[abc1234] Commit msg\nmodified: services/foo.py"
	outcome := ExtractOutcome(output)

	if !reflect.DeepEqual(outcome.Commits, []string{"abc1234"}) {
		t.Errorf("Commits = %v, want [abc1234]", outcome.Commits)
	}
	if !contains(outcome.FilesChanged, "services/foo.py") {
		t.Errorf("FilesChanged = %v, missing services/foo.py", outcome.FilesChanged)
	}
	if len(outcome.MergeRequests) != 0 {
		t.Errorf("MergeRequests = %v, want none", outcome.MergeRequests)
	}
}

func contains(list []string, v string) bool {
	for _, have := range list {
		if have == v {
			return true
		}
	}
	return false
}
