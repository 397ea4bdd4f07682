// Package review polls issues sitting in a review status: it asks the
// headless agent whether each issue's merge request is ready, merges the
// ready ones, and records everything else on the issue timeline. The
// agent performs all external actions; this package only updates local
// state, which the caller persists.
package review

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/rs/zerolog"

	"github.com/sprintbot/sprintbot/internal/agent"
	"github.com/sprintbot/sprintbot/internal/config"
	"github.com/sprintbot/sprintbot/internal/logging"
	"github.com/sprintbot/sprintbot/internal/types"
)

// Summary counts what one review sweep did.
type Summary struct {
	Checked int
	Merged  int
	Held    int
	Skipped int
}

// Checker drives review sweeps. Safe for use from the daemon loop only;
// it mutates the passed-in state.
type Checker struct {
	runner         agent.Runner
	reviewStatuses map[string]bool
	queryTimeout   time.Duration
	mergeTimeout   time.Duration
	holdParser     *when.Parser
	log            zerolog.Logger
	now            func() time.Time
}

func NewChecker(cfg *config.Config, runner agent.Runner) *Checker {
	statuses := make(map[string]bool, len(cfg.ReviewStatuses))
	for _, s := range cfg.ReviewStatuses {
		statuses[strings.ToLower(strings.TrimSpace(s))] = true
	}
	return &Checker{
		runner:         runner,
		reviewStatuses: statuses,
		queryTimeout:   cfg.ReviewQueryTimeout,
		mergeTimeout:   cfg.ReviewMergeTimeout,
		holdParser:     newHoldParser(),
		log:            logging.Component("review"),
		now:            time.Now,
	}
}

// InReview reports whether a tracker status counts as "in review".
func (c *Checker) InReview(jiraStatus string) bool {
	return c.reviewStatuses[strings.ToLower(strings.TrimSpace(jiraStatus))]
}

// CheckAll sweeps every issue currently in a review status. Issues whose
// status query times out are skipped untouched and retried next sweep.
func (c *Checker) CheckAll(ctx context.Context, state *types.SprintState) Summary {
	var sum Summary
	for i := range state.Issues {
		issue := &state.Issues[i]
		if !c.InReview(issue.JiraStatus) {
			continue
		}
		sum.Checked++
		switch c.checkIssue(ctx, issue) {
		case outcomeMerged:
			sum.Merged++
		case outcomeHeld:
			sum.Held++
		case outcomeSkipped:
			sum.Skipped++
		}
	}
	return sum
}

type outcome int

const (
	outcomeNoted outcome = iota
	outcomeMerged
	outcomeHeld
	outcomeSkipped
)

func (c *Checker) checkIssue(ctx context.Context, issue *types.SprintIssue) outcome {
	res, err := c.runner.Run(ctx, BuildStatusQueryPrompt(issue), c.queryTimeout)
	if err != nil {
		c.log.Warn().Err(err).Str("issue", issue.Key).Msg("review status query failed")
		return outcomeSkipped
	}
	if res.TimedOut {
		c.log.Warn().Str("issue", issue.Key).Msg("review status query timed out, skipping")
		return outcomeSkipped
	}

	marker, ok := agent.ParseReview(res.Output)
	if !ok {
		c.log.Warn().Str("issue", issue.Key).Msg("review status query returned no marker")
		issue.AddTimelineEvent(c.now(), "review_check", "status query returned no marker")
		return outcomeSkipped
	}

	c.log.Debug().
		Str("issue", issue.Key).
		Str("status", string(marker.Status)).
		Str("mr", marker.MRID).
		Msg("review status")

	switch marker.Status {
	case agent.ReviewReadyToMerge:
		if phrase, held := DetectHold(marker.Reason); held {
			c.recordHold(issue, phrase, marker.Reason)
			return outcomeHeld
		}
		if marker.MRID == "" {
			issue.AddTimelineEvent(c.now(), "review_check", "ready to merge but no MR id reported")
			return outcomeNoted
		}
		return c.merge(ctx, issue, marker.MRID)

	case agent.ReviewApprovedWithHold:
		phrase, _ := DetectHold(marker.Reason)
		c.recordHold(issue, phrase, marker.Reason)
		return outcomeHeld

	default:
		desc := fmt.Sprintf("review status %s", marker.Status)
		if marker.Reason != "" {
			desc += ": " + marker.Reason
		}
		issue.AddTimelineEvent(c.now(), "review_check", desc)
		return outcomeNoted
	}
}

func (c *Checker) merge(ctx context.Context, issue *types.SprintIssue, mrID string) outcome {
	res, err := c.runner.Run(ctx, BuildMergePrompt(issue, mrID), c.mergeTimeout)
	if err != nil {
		c.log.Warn().Err(err).Str("issue", issue.Key).Msg("merge request failed to run")
		return outcomeSkipped
	}
	if res.TimedOut {
		c.log.Warn().Str("issue", issue.Key).Msg("merge timed out, skipping")
		return outcomeSkipped
	}

	result, ok := agent.ParseMergeResult(res.Output)
	if !ok {
		issue.AddTimelineEvent(c.now(), "merge_failed", fmt.Sprintf("no merge result marker for !%s", mrID))
		return outcomeNoted
	}

	switch result {
	case agent.MergeSuccess:
		issue.JiraStatus = "Done"
		issue.ApprovalStatus = types.ApprovalCompleted
		issue.AddTimelineEvent(c.now(), "merged", fmt.Sprintf("merged !%s and closed %s", mrID, issue.Key))
		c.log.Info().Str("issue", issue.Key).Str("mr", mrID).Msg("merged and closed")
		return outcomeMerged
	case agent.CloseFailed:
		issue.AddTimelineEvent(c.now(), "close_failed", fmt.Sprintf("merged !%s but closing %s failed", mrID, issue.Key))
		return outcomeNoted
	default:
		issue.AddTimelineEvent(c.now(), "merge_failed", fmt.Sprintf("merging !%s failed", mrID))
		return outcomeNoted
	}
}

func (c *Checker) recordHold(issue *types.SprintIssue, phrase, comment string) {
	desc := "approved with hold"
	if phrase != "" {
		desc += fmt.Sprintf(" (%q)", phrase)
	}
	if comment != "" {
		desc += ": " + comment
	}
	issue.AddTimelineEvent(c.now(), "merge_hold", desc)

	if until, ok := ParseHoldUntil(c.holdParser, comment, c.now()); ok {
		issue.AddTimelineEvent(c.now(), "hold_until", fmt.Sprintf("hold until %s", until.Format(time.RFC3339)))
	}
	c.log.Info().Str("issue", issue.Key).Str("comment", comment).Msg("merge held")
}

// BuildStatusQueryPrompt asks the agent for exactly one review marker.
func BuildStatusQueryPrompt(issue *types.SprintIssue) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Look up the open merge request for issue %s (%s).\n\n", issue.Key, issue.Summary)
	b.WriteString("Check its approval state, CI status, and reviewer comments, then reply\n")
	b.WriteString("with exactly one of these bracketed markers on its own line:\n")
	b.WriteString("[READY_TO_MERGE] [APPROVED_WITH_HOLD] [NEEDS_APPROVAL] [CI_FAILING] [CHANGES_REQUESTED] [NO_MR]\n\n")
	b.WriteString("If a merge request exists, also print [MR_ID: <number>].\n")
	b.WriteString("If reviewers asked to hold or wait, repeat their comment after the marker.\n")
	return b.String()
}

// BuildMergePrompt asks the agent to merge the MR and close the issue.
func BuildMergePrompt(issue *types.SprintIssue, mrID string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Merge request !%s for issue %s is approved and ready.\n\n", mrID, issue.Key)
	fmt.Fprintf(&b, "1. Merge !%s.\n", mrID)
	fmt.Fprintf(&b, "2. Close tracker issue %s.\n\n", issue.Key)
	b.WriteString("Finish with exactly one marker: [MERGE_RESULT: SUCCESS], [MERGE_RESULT: MERGE_FAILED], or [MERGE_RESULT: CLOSE_FAILED].\n")
	return b.String()
}
