package jira

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/sprintbot/sprintbot/internal/types"
)

// toSprintIssue converts a Jira REST issue into the daemon's sprint
// issue shape. Priority and type names are lowercased so downstream
// scoring tables match; the status keeps Jira's casing because it is
// shown to users and echoed back in transition requests.
func toSprintIssue(issue *Issue, pointsField string) types.SprintIssue {
	f := issue.Fields

	si := types.SprintIssue{
		Key:            issue.Key,
		Summary:        f.Summary,
		Created:        f.Created,
		ApprovalStatus: types.ApprovalPending,
	}
	if f.Status != nil {
		si.JiraStatus = f.Status.Name
	}
	if f.Priority != nil {
		si.Priority = strings.ToLower(f.Priority.Name)
	}
	if f.IssueType != nil {
		si.IssueType = strings.ToLower(f.IssueType.Name)
	}
	if f.Assignee != nil {
		si.Assignee = f.Assignee.Name
		if si.Assignee == "" {
			si.Assignee = f.Assignee.DisplayName
		}
	}
	if pointsField != "" {
		si.StoryPoints = extractPoints(f.Extra[pointsField])
	}
	return si
}

// extractPoints reads a story point estimate from a raw custom field
// value. Jira serves it as a number, a numeric string, or null.
func extractPoints(raw json.RawMessage) int {
	if len(raw) == 0 || string(raw) == "null" {
		return 0
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return int(n + 0.5)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			return int(v + 0.5)
		}
	}
	return 0
}

// DescriptionToPlainText extracts plain text from Jira's ADF (Atlassian
// Document Format). The v3 API returns descriptions as ADF JSON, not
// plain text; server instances may still send a plain string.
func DescriptionToPlainText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}

	var doc struct {
		Type    string `json:"type"`
		Content []struct {
			Type    string `json:"type"`
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"content"`
	}

	if err := json.Unmarshal(raw, &doc); err != nil {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
		return string(raw)
	}

	if doc.Type != "doc" {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
		return string(raw)
	}

	var parts []string
	for _, block := range doc.Content {
		var line []string
		for _, inline := range block.Content {
			if inline.Text != "" {
				line = append(line, inline.Text)
			}
		}
		if len(line) > 0 {
			parts = append(parts, strings.Join(line, ""))
		}
	}

	return strings.Join(parts, "\n")
}
