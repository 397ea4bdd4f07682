package sprint

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sprintbot/sprintbot/internal/config"
	"github.com/sprintbot/sprintbot/internal/types"
)

// Prioritize scores and ranks issues in place: highest score first,
// rank starting at 1, ties kept in their incoming order. Pure given the
// issues, weights, and clock.
func Prioritize(issues []types.SprintIssue, weights config.PriorityWeights, now time.Time) {
	for i := range issues {
		scoreIssue(&issues[i], weights, now)
	}
	sort.SliceStable(issues, func(a, b int) bool {
		return issues[a].PriorityScore > issues[b].PriorityScore
	})
	for i := range issues {
		issues[i].PriorityRank = i + 1
	}
}

func scoreIssue(issue *types.SprintIssue, weights config.PriorityWeights, now time.Time) {
	var reasoning []string

	priority := priorityScore(issue.Priority)
	reasoning = append(reasoning, fmt.Sprintf("priority %s: %.0f", orUnknown(issue.Priority), priority))

	points := pointsScore(issue.StoryPoints)
	reasoning = append(reasoning, fmt.Sprintf("%d story points: %.0f", issue.StoryPoints, points))

	age, ageDays := ageScore(issue.Created, now)
	if ageDays < 0 {
		reasoning = append(reasoning, "created date unparseable: 0")
	} else {
		reasoning = append(reasoning, fmt.Sprintf("%d days old: %.0f", ageDays, age))
	}

	typ := typeScore(issue.IssueType)
	reasoning = append(reasoning, fmt.Sprintf("type %s: %.0f", orUnknown(issue.IssueType), typ))

	score := priority*weights.Priority + points*weights.Points + age*weights.Age + typ*weights.Type

	if issue.ApprovalStatus == types.ApprovalBlocked {
		score *= 0.3
		reasoning = append(reasoning, "blocked: score reduced to 30%")
	}
	if issue.WaitingReason != "" {
		score *= 0.5
		reasoning = append(reasoning, fmt.Sprintf("waiting (%s): score halved", issue.WaitingReason))
	}

	issue.PriorityScore = score
	issue.PriorityReasoning = reasoning
}

func priorityScore(priority string) float64 {
	switch strings.ToLower(strings.TrimSpace(priority)) {
	case types.PriorityBlocker:
		return 100
	case types.PriorityCritical:
		return 80
	case types.PriorityMajor:
		return 50
	case types.PriorityMinor:
		return 20
	case types.PriorityTrivial:
		return 10
	default:
		return 30
	}
}

func typeScore(issueType string) float64 {
	switch strings.ToLower(strings.TrimSpace(issueType)) {
	case "bug", "defect":
		return 30
	case "incident":
		return 25
	case "task":
		return 20
	case "story":
		return 15
	case "feature", "improvement":
		return 10
	case "epic":
		return 5
	default:
		return 15
	}
}

// pointsScore favors small, finishable issues. Zero means unestimated.
func pointsScore(points int) float64 {
	switch {
	case points <= 0:
		return 10
	case points <= 2:
		return 40
	case points <= 5:
		return 30
	case points <= 8:
		return 20
	default:
		return 10
	}
}

// ageScore returns the score and the parsed age in days, -1 when the
// created timestamp cannot be parsed.
func ageScore(created string, now time.Time) (float64, int) {
	t, ok := parseCreated(created)
	if !ok {
		return 0, -1
	}
	days := int(now.Sub(t).Hours() / 24)
	switch {
	case days > 30:
		return 30, days
	case days >= 15:
		return 20, days
	case days >= 8:
		return 10, days
	default:
		return 5, days
	}
}

// parseCreated accepts the tracker's timestamp flavors.
func parseCreated(created string) (time.Time, bool) {
	for _, layout := range []string{
		"2006-01-02T15:04:05.000-0700",
		time.RFC3339,
		"2006-01-02",
	} {
		if t, err := time.Parse(layout, created); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return "unknown"
	}
	return s
}
