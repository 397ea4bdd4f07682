// Package jira implements the tracker contract against the Jira REST
// APIs (core v3 for issues and transitions, agile 1.0 for boards and
// sprints).
package jira

import (
	"encoding/json"
	"time"
)

// API constants.
const (
	DefaultTimeout = 30 * time.Second
	MaxPageSize    = 100
)

// Issue represents a Jira issue from the REST API.
type Issue struct {
	ID     string      `json:"id"`
	Key    string      `json:"key"`
	Self   string      `json:"self"`
	Fields IssueFields `json:"fields"`
}

// IssueFields contains the fields of a Jira issue. Extra keeps the raw
// field map so custom fields (story points live in one) stay reachable.
type IssueFields struct {
	Summary     string          `json:"summary"`
	Description json.RawMessage `json:"description"` // ADF (Atlassian Document Format) or plain text
	Status      *StatusField    `json:"status"`
	Priority    *PriorityField  `json:"priority"`
	IssueType   *IssueTypeField `json:"issuetype"`
	Assignee    *UserField      `json:"assignee"`
	Labels      []string        `json:"labels"`
	Created     string          `json:"created"`
	Updated     string          `json:"updated"`

	Extra map[string]json.RawMessage `json:"-"`
}

// UnmarshalJSON decodes the typed fields and keeps the raw map for
// custom field lookups.
func (f *IssueFields) UnmarshalJSON(data []byte) error {
	type fields IssueFields
	if err := json.Unmarshal(data, (*fields)(f)); err != nil {
		return err
	}
	return json.Unmarshal(data, &f.Extra)
}

// StatusField represents a Jira issue status.
type StatusField struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// PriorityField represents a Jira issue priority.
type PriorityField struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// IssueTypeField represents a Jira issue type.
type IssueTypeField struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// UserField represents a Jira user. Name is set on server instances,
// AccountID on cloud.
type UserField struct {
	AccountID    string `json:"accountId"`
	Name         string `json:"name"`
	DisplayName  string `json:"displayName"`
	EmailAddress string `json:"emailAddress"`
}

// SearchResult represents a Jira JQL search response.
type SearchResult struct {
	StartAt    int     `json:"startAt"`
	MaxResults int     `json:"maxResults"`
	Total      int     `json:"total"`
	Issues     []Issue `json:"issues"`
}

// Board represents an agile board.
type Board struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

type boardList struct {
	Values []Board `json:"values"`
}

// SprintPayload represents a sprint from the agile API.
type SprintPayload struct {
	ID        int    `json:"id"`
	Name      string `json:"name"`
	State     string `json:"state"`
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`
	Goal      string `json:"goal"`
}

type sprintList struct {
	Values []SprintPayload `json:"values"`
}

// Transition represents one available workflow transition.
type Transition struct {
	ID   string       `json:"id"`
	Name string       `json:"name"`
	To   *StatusField `json:"to"`
}

type transitionList struct {
	Transitions []Transition `json:"transitions"`
}
