// Package agent invokes the external headless agent and parses the
// bracketed markers it emits on stdout. The marker vocabulary is a closed
// set; anything new must be added here, not scattered across callers.
package agent

import (
	"regexp"
	"strings"

	"github.com/sprintbot/sprintbot/internal/types"
)

// Status is the outcome an agent reports for a work session.
type Status string

const (
	StatusCompleted Status = "COMPLETED"
	StatusBlocked   Status = "BLOCKED"
	StatusFailed    Status = "FAILED"
)

// ReviewStatus is the merge-readiness verdict from a review status query.
type ReviewStatus string

const (
	ReviewReadyToMerge     ReviewStatus = "READY_TO_MERGE"
	ReviewApprovedWithHold ReviewStatus = "APPROVED_WITH_HOLD"
	ReviewNeedsApproval    ReviewStatus = "NEEDS_APPROVAL"
	ReviewCIFailing        ReviewStatus = "CI_FAILING"
	ReviewChangesRequested ReviewStatus = "CHANGES_REQUESTED"
	ReviewNoMR             ReviewStatus = "NO_MR"
)

// MergeResult is the outcome of a merge-and-close request.
type MergeResult string

const (
	MergeSuccess MergeResult = "SUCCESS"
	MergeFailed  MergeResult = "MERGE_FAILED"
	CloseFailed  MergeResult = "CLOSE_FAILED"
)

// StatusMarker is a parsed [SPRINT_BOT_STATUS: ...] marker.
type StatusMarker struct {
	Status Status
	Reason string
}

// ReviewMarker is a parsed review verdict plus any MR id found nearby.
type ReviewMarker struct {
	Status ReviewStatus
	Reason string
	MRID   string
}

var (
	statusMarkerRE = regexp.MustCompile(`\[SPRINT_BOT_STATUS:\s*(COMPLETED|BLOCKED|FAILED)[,\s]*(?:(?:reason|error):\s*([^\]]*))?\]`)
	reviewMarkerRE = regexp.MustCompile(`\[(READY_TO_MERGE|APPROVED_WITH_HOLD|NEEDS_APPROVAL|CI_FAILING|CHANGES_REQUESTED|NO_MR)(?::\s*([^\]]*))?\]`)
	mrIDRE         = regexp.MustCompile(`\[MR_ID:\s*(\d+)\]`)
	mergeResultRE  = regexp.MustCompile(`\[MERGE_RESULT:\s*(SUCCESS|MERGE_FAILED|CLOSE_FAILED)\]`)

	commitRE       = regexp.MustCompile(`\[(?:[^\]\n]*[ \t])?([0-9a-f]{7,40})\]`)
	mrMentionRE    = regexp.MustCompile(`(?i)(?:merge.request|\bMR\b)\s*[!#]?(\d+)`)
	mrBangRE       = regexp.MustCompile(`!(\d+)\b`)
	fileChangeRE   = regexp.MustCompile(`(?im)^\s*(?:modified|new file|created|deleted|renamed|changed|added)[: ]\s*(\S+)`)
	pathTokenRE    = regexp.MustCompile(`\b[\w.-]+(?:/[\w.-]+)+\b`)
	extensionRE    = regexp.MustCompile(`\.\w{1,8}$`)
	branchCreateRE = regexp.MustCompile(`(?:checkout -b|switch -c)\s+['"]?([\w./-]+)`)
	branchSwitchRE = regexp.MustCompile(`Switched to a new branch '([^']+)'`)
	branchCommitRE = regexp.MustCompile(`\[([\w./-]+)\s+[0-9a-f]{7,40}\]`)
	branchNamedRE  = regexp.MustCompile(`(?i)\bbranch\s+['"]([\w./-]+)['"]`)
)

// ParseStatus finds the session status marker in agent output. Agents may
// narrate before concluding, so the last marker wins.
func ParseStatus(output string) (StatusMarker, bool) {
	matches := statusMarkerRE.FindAllStringSubmatch(output, -1)
	if len(matches) == 0 {
		return StatusMarker{}, false
	}
	last := matches[len(matches)-1]
	return StatusMarker{
		Status: Status(last[1]),
		Reason: strings.TrimSpace(last[2]),
	}, true
}

// ParseReview finds the review verdict marker. The reason is taken from
// inside the bracket when present, otherwise from the remainder of the
// marker's line. An [MR_ID: n] marker anywhere in the output fills MRID.
func ParseReview(output string) (ReviewMarker, bool) {
	idx := reviewMarkerRE.FindAllStringSubmatchIndex(output, -1)
	if len(idx) == 0 {
		return ReviewMarker{}, false
	}
	last := idx[len(idx)-1]

	m := ReviewMarker{Status: ReviewStatus(output[last[2]:last[3]])}
	if last[4] >= 0 {
		m.Reason = strings.TrimSpace(output[last[4]:last[5]])
	}
	if m.Reason == "" {
		rest := output[last[1]:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[:nl]
		}
		m.Reason = strings.TrimLeft(strings.TrimSpace(rest), ":- ")
	}
	if mr := mrIDRE.FindStringSubmatch(output); mr != nil {
		m.MRID = mr[1]
	}
	return m, true
}

// ParseMergeResult finds the [MERGE_RESULT: ...] marker.
func ParseMergeResult(output string) (MergeResult, bool) {
	matches := mergeResultRE.FindAllStringSubmatch(output, -1)
	if len(matches) == 0 {
		return "", false
	}
	return MergeResult(matches[len(matches)-1][1]), true
}

// ExtractCommits pulls commit hashes from git-style bracketed commit
// lines ("[abc1234] message", "[main abc1234] message").
func ExtractCommits(output string) []string {
	var commits []string
	for _, m := range commitRE.FindAllStringSubmatch(output, -1) {
		commits = appendUnique(commits, m[1])
	}
	return commits
}

// ExtractMergeRequests pulls merge-request identifiers ("!42",
// "merge request 42", "[MR_ID: 42]"), normalized to "!<n>".
func ExtractMergeRequests(output string) []string {
	var mrs []string
	for _, m := range mrIDRE.FindAllStringSubmatch(output, -1) {
		mrs = appendUnique(mrs, "!"+m[1])
	}
	for _, m := range mrBangRE.FindAllStringSubmatch(output, -1) {
		mrs = appendUnique(mrs, "!"+m[1])
	}
	for _, m := range mrMentionRE.FindAllStringSubmatch(output, -1) {
		mrs = appendUnique(mrs, "!"+m[1])
	}
	return mrs
}

// ExtractFiles pulls file paths from git status/porcelain lines and from
// path-like tokens carrying an extension.
func ExtractFiles(output string) []string {
	var files []string
	for _, m := range fileChangeRE.FindAllStringSubmatch(output, -1) {
		files = appendUnique(files, strings.TrimPrefix(strings.TrimPrefix(m[1], "a/"), "b/"))
	}
	for _, tok := range pathTokenRE.FindAllString(output, -1) {
		if !extensionRE.MatchString(tok) {
			continue
		}
		if strings.Contains(output, "://"+tok) || strings.HasSuffix(tok, ".git") {
			continue
		}
		files = appendUnique(files, strings.TrimPrefix(strings.TrimPrefix(tok, "a/"), "b/"))
	}
	return files
}

// ExtractBranches pulls branch names from checkout/switch invocations,
// git's "Switched to a new branch" notice, quoted branch mentions, and
// the branch prefix of bracketed commit lines.
func ExtractBranches(output string) []string {
	var branches []string
	add := func(name string) {
		if name == "" || name == "HEAD" || name == "detached" {
			return
		}
		branches = appendUnique(branches, name)
	}
	for _, m := range branchCreateRE.FindAllStringSubmatch(output, -1) {
		add(m[1])
	}
	for _, m := range branchSwitchRE.FindAllStringSubmatch(output, -1) {
		add(m[1])
	}
	for _, m := range branchNamedRE.FindAllStringSubmatch(output, -1) {
		add(m[1])
	}
	for _, m := range branchCommitRE.FindAllStringSubmatch(output, -1) {
		add(m[1])
	}
	return branches
}

// ExtractOutcome runs all artifact extractors over one output blob.
func ExtractOutcome(output string) types.Outcome {
	return types.Outcome{
		Commits:         ExtractCommits(output),
		MergeRequests:   ExtractMergeRequests(output),
		FilesChanged:    ExtractFiles(output),
		BranchesCreated: ExtractBranches(output),
	}
}

func appendUnique(list []string, v string) []string {
	for _, have := range list {
		if have == v {
			return list
		}
	}
	return append(list, v)
}
