package eleutheriossdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Eleutherios HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	ActorID     string // legacy X-Actor-Id fallback, dev deployments only
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Policy represents the API policy model (partial).
type Policy struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	ParentPolicyID *string  `json:"parent_policy_id,omitempty"`
	ParentForumID  *string  `json:"parent_forum_id,omitempty"`
	Stakeholders   []string `json:"stakeholders,omitempty"`
	Status         string   `json:"status"`
	CreatedAt      string   `json:"created_at"`
}

// Forum represents the API forum model (partial).
type Forum struct {
	ID                  string   `json:"id"`
	Name                string   `json:"name"`
	PolicyID            string   `json:"policy_id"`
	ConnectedPolicies   []string `json:"connected_policies,omitempty"`
	DynamicallyExpanded bool     `json:"dynamically_expanded"`
	Version             int64    `json:"version"`
}

// Message is a transcript entry. Seq is the forum-wide insertion
// order and doubles as the pagination/stream cursor.
type Message struct {
	Seq       int64  `json:"seq"`
	ID        string `json:"id"`
	ForumID   string `json:"forum_id"`
	SenderID  string `json:"sender_id"`
	Content   string `json:"content"`
	Type      string `json:"type"`
	CreatedAt string `json:"created_at"`
}

// Execution summarizes what a rule changed.
type Execution struct {
	Kind            string   `json:"kind"`
	RuleName        string   `json:"rule_name"`
	Fingerprint     string   `json:"fingerprint"`
	PolicyID        string   `json:"policy_id,omitempty"`
	ForumID         string   `json:"forum_id,omitempty"`
	NewStakeholders []string `json:"new_stakeholders,omitempty"`
	Summary         string   `json:"summary"`
}

// PostResult is the outcome of posting to a forum transcript.
type PostResult struct {
	Message     Message    `json:"message"`
	Execution   *Execution `json:"execution,omitempty"`
	ParseErrors []string   `json:"parse_errors,omitempty"`
}

// ExpansionEvent is one entry of a forum's expansion trail.
type ExpansionEvent struct {
	ID              int64    `json:"id"`
	ForumID         string   `json:"forum_id"`
	NewStakeholders []string `json:"new_stakeholders,omitempty"`
	NewServices     []string `json:"new_services,omitempty"`
	NewPolicies     []string `json:"new_policies,omitempty"`
	TriggeredBy     string   `json:"triggered_by"`
	RuleText        string   `json:"rule_text"`
	RuleFingerprint string   `json:"rule_fingerprint"`
	TS              string   `json:"ts"`
}

// Event is a log entry.
type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts"`
	Type    string `json:"type"`
	ForumID string `json:"forum_id,omitempty"`
	ActorID string `json:"actor_id"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// MessagePage wraps transcript listings with a cursor.
type MessagePage struct {
	Items      []Message `json:"items"`
	NextCursor string    `json:"next_cursor,omitempty"`
}

// CreatePolicy creates a root policy.
func (c *Client) CreatePolicy(ctx context.Context, name, description string, stakeholders []string) (Policy, error) {
	body := map[string]any{
		"name":         name,
		"description":  description,
		"stakeholders": stakeholders,
	}
	var resp Policy
	err := c.do(ctx, http.MethodPost, "v0/policies", body, &resp)
	return resp, err
}

// CreateForum creates a forum under a policy.
func (c *Client) CreateForum(ctx context.Context, name, policyID string, services []string) (Forum, error) {
	body := map[string]any{
		"name":      name,
		"policy_id": policyID,
		"services":  services,
	}
	var resp Forum
	err := c.do(ctx, http.MethodPost, "v0/forums", body, &resp)
	return resp, err
}

// GetForum fetches a forum by id.
func (c *Client) GetForum(ctx context.Context, forumID string) (Forum, error) {
	var resp Forum
	err := c.do(ctx, http.MethodGet, c.forumPath(forumID, ""), nil, &resp)
	return resp, err
}

// PostMessage posts to a forum transcript. EleuScript rule statements
// execute as part of the post; inspect PostResult.Execution.
func (c *Client) PostMessage(ctx context.Context, forumID, content string) (PostResult, error) {
	body := map[string]any{"content": content}
	var resp PostResult
	err := c.do(ctx, http.MethodPost, c.forumPath(forumID, "messages"), body, &resp)
	return resp, err
}

// ExecuteRule runs a rule against a forum without adding it to the transcript.
func (c *Client) ExecuteRule(ctx context.Context, forumID, rule string) (Execution, error) {
	body := map[string]any{"rule": rule}
	var resp Execution
	err := c.do(ctx, http.MethodPost, c.forumPath(forumID, "rules"), body, &resp)
	return resp, err
}

// Messages returns recent transcript entries.
func (c *Client) Messages(ctx context.Context, forumID string, limit int) ([]Message, error) {
	page, err := c.MessagesPage(ctx, forumID, limit, "")
	return page.Items, err
}

// MessagesPage returns a paginated transcript listing.
func (c *Client) MessagesPage(ctx context.Context, forumID string, limit int, cursor string) (MessagePage, error) {
	endpoint := c.forumPath(forumID, "messages")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp MessagePage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Expansion returns the forum's expansion trail, oldest first.
func (c *Client) Expansion(ctx context.Context, forumID string) ([]ExpansionEvent, error) {
	var resp []ExpansionEvent
	err := c.do(ctx, http.MethodGet, c.forumPath(forumID, "expansion"), nil, &resp)
	return resp, err
}

// Events returns recent events for a forum.
func (c *Client) Events(ctx context.Context, forumID string, limit int) ([]Event, error) {
	endpoint := c.forumPath(forumID, "events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) forumPath(forumID, p string) string {
	base := fmt.Sprintf("v0/forums/%s", url.PathEscape(forumID))
	if p == "" {
		return base
	}
	return base + "/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
