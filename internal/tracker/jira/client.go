package jira

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrNotFound is returned when Jira answers 404 for a resource.
var ErrNotFound = errors.New("jira: not found")

// searchFields is the default set of fields to request in search/get
// queries. The story points custom field is appended per request.
const searchFields = "summary,description,status,priority,issuetype,assignee,labels,created,updated"

const requestRetryMaxElapsed = 15 * time.Second

// Client provides HTTP access to a Jira instance.
type Client struct {
	URL        string
	Username   string
	APIToken   string
	HTTPClient *http.Client
}

// NewClient creates a new Jira client.
func NewClient(baseURL, username, apiToken string) *Client {
	return &Client{
		URL:      strings.TrimSuffix(baseURL, "/"),
		Username: username,
		APIToken: apiToken,
		HTTPClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
}

// FindBoard returns the first agile board for the project.
func (c *Client) FindBoard(ctx context.Context, project string) (*Board, error) {
	params := url.Values{"projectKeyOrId": {project}}
	apiURL := fmt.Sprintf("%s/rest/agile/1.0/board?%s", c.URL, params.Encode())

	body, err := c.doRequest(ctx, "GET", apiURL, nil)
	if err != nil {
		return nil, fmt.Errorf("find board for %s: %w", project, err)
	}

	var boards boardList
	if err := json.Unmarshal(body, &boards); err != nil {
		return nil, fmt.Errorf("parse board response: %w", err)
	}
	if len(boards.Values) == 0 {
		return nil, fmt.Errorf("no agile board found for project %s", project)
	}
	return &boards.Values[0], nil
}

// ActiveSprint returns the active sprint on the board, or nil when the
// board has none.
func (c *Client) ActiveSprint(ctx context.Context, boardID int) (*SprintPayload, error) {
	apiURL := fmt.Sprintf("%s/rest/agile/1.0/board/%d/sprint?state=active", c.URL, boardID)

	body, err := c.doRequest(ctx, "GET", apiURL, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch active sprint: %w", err)
	}

	var sprints sprintList
	if err := json.Unmarshal(body, &sprints); err != nil {
		return nil, fmt.Errorf("parse sprint response: %w", err)
	}
	if len(sprints.Values) == 0 {
		return nil, nil
	}
	return &sprints.Values[0], nil
}

// SprintIssues retrieves all issues in a sprint, handling pagination.
func (c *Client) SprintIssues(ctx context.Context, sprintID int, pointsField string) ([]Issue, error) {
	fields := searchFields
	if pointsField != "" {
		fields += "," + pointsField
	}

	var allIssues []Issue
	startAt := 0

	for {
		params := url.Values{
			"fields":     {fields},
			"startAt":    {fmt.Sprintf("%d", startAt)},
			"maxResults": {fmt.Sprintf("%d", MaxPageSize)},
		}
		apiURL := fmt.Sprintf("%s/rest/agile/1.0/sprint/%d/issue?%s", c.URL, sprintID, params.Encode())

		body, err := c.doRequest(ctx, "GET", apiURL, nil)
		if err != nil {
			return nil, fmt.Errorf("fetch sprint issues: %w", err)
		}

		var result SearchResult
		if err := json.Unmarshal(body, &result); err != nil {
			return nil, fmt.Errorf("parse sprint issues response: %w", err)
		}

		allIssues = append(allIssues, result.Issues...)

		if startAt+len(result.Issues) >= result.Total || len(result.Issues) == 0 {
			break
		}
		startAt += len(result.Issues)
	}

	return allIssues, nil
}

// SearchIssues queries Jira using JQL, up to maxResults issues.
func (c *Client) SearchIssues(ctx context.Context, jql, pointsField string, maxResults int) ([]Issue, error) {
	if maxResults <= 0 || maxResults > MaxPageSize {
		maxResults = MaxPageSize
	}
	fields := searchFields
	if pointsField != "" {
		fields += "," + pointsField
	}

	params := url.Values{
		"jql":        {jql},
		"fields":     {fields},
		"maxResults": {fmt.Sprintf("%d", maxResults)},
	}
	apiURL := fmt.Sprintf("%s/rest/api/3/search?%s", c.URL, params.Encode())

	body, err := c.doRequest(ctx, "GET", apiURL, nil)
	if err != nil {
		return nil, fmt.Errorf("search issues: %w", err)
	}

	var result SearchResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("parse search response: %w", err)
	}
	return result.Issues, nil
}

// GetIssue fetches a single Jira issue by key (e.g. "AAP-123").
// Returns nil, nil when the issue does not exist.
func (c *Client) GetIssue(ctx context.Context, key, pointsField string) (*Issue, error) {
	fields := searchFields
	if pointsField != "" {
		fields += "," + pointsField
	}
	apiURL := fmt.Sprintf("%s/rest/api/3/issue/%s?fields=%s", c.URL, url.PathEscape(key), fields)

	body, err := c.doRequest(ctx, "GET", apiURL, nil)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get issue %s: %w", key, err)
	}

	var issue Issue
	if err := json.Unmarshal(body, &issue); err != nil {
		return nil, fmt.Errorf("parse issue response: %w", err)
	}
	return &issue, nil
}

// Transitions lists the workflow transitions available on an issue.
func (c *Client) Transitions(ctx context.Context, key string) ([]Transition, error) {
	apiURL := fmt.Sprintf("%s/rest/api/3/issue/%s/transitions", c.URL, url.PathEscape(key))

	body, err := c.doRequest(ctx, "GET", apiURL, nil)
	if err != nil {
		return nil, fmt.Errorf("list transitions for %s: %w", key, err)
	}

	var list transitionList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("parse transitions response: %w", err)
	}
	return list.Transitions, nil
}

// DoTransition executes a workflow transition by id.
func (c *Client) DoTransition(ctx context.Context, key, transitionID string) error {
	payload := map[string]any{
		"transition": map[string]string{"id": transitionID},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal transition request: %w", err)
	}

	apiURL := fmt.Sprintf("%s/rest/api/3/issue/%s/transitions", c.URL, url.PathEscape(key))

	if _, err := c.doRequest(ctx, "POST", apiURL, data); err != nil {
		return fmt.Errorf("transition %s: %w", key, err)
	}
	return nil
}

// doRequest executes an authenticated HTTP request with retry for
// transient failures and returns the response body.
func (c *Client) doRequest(ctx context.Context, method, apiURL string, body []byte) ([]byte, error) {
	if c.URL == "" {
		return nil, fmt.Errorf("jira URL not configured")
	}
	if c.APIToken == "" {
		return nil, fmt.Errorf("jira API token not configured")
	}

	var respBody []byte
	op := func() error {
		var err error
		respBody, err = c.doRequestOnce(ctx, method, apiURL, body)
		if err != nil && !isRetryableError(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(newRequestBackoff(), ctx)); err != nil {
		return nil, err
	}
	return respBody, nil
}

func (c *Client) doRequestOnce(ctx context.Context, method, apiURL string, body []byte) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, apiURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	c.setAuth(req)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "sprintbot/1.0")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	// Transition POST returns 204 No Content on success.
	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &apiError{Status: resp.StatusCode, Body: string(respBody)}
	}

	return respBody, nil
}

// setAuth sets the appropriate authentication header on the request.
// Cloud instances want Basic auth with the account email; server
// instances take a bearer PAT.
func (c *Client) setAuth(req *http.Request) {
	isCloud := strings.Contains(c.URL, "atlassian.net")
	if (isCloud || c.Username != "") && c.Username != "" {
		auth := base64.StdEncoding.EncodeToString([]byte(c.Username + ":" + c.APIToken))
		req.Header.Set("Authorization", "Basic "+auth)
	} else {
		req.Header.Set("Authorization", "Bearer "+c.APIToken)
	}
}

type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("jira API returned %d: %s", e.Status, e.Body)
}

// BackOff implementations are stateful; always return a fresh instance.
func newRequestBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = requestRetryMaxElapsed
	return bo
}

// isRetryableError reports whether a request failure is transient
// (rate limit, server-side error, network blip) and worth retrying.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusTooManyRequests || apiErr.Status >= 500
	}
	errStr := strings.ToLower(err.Error())
	if strings.Contains(errStr, "connection refused") {
		return true
	}
	if strings.Contains(errStr, "connection reset") {
		return true
	}
	if strings.Contains(errStr, "broken pipe") {
		return true
	}
	if strings.Contains(errStr, "i/o timeout") {
		return true
	}
	return false
}
