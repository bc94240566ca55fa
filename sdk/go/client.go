// Package drivelinesdk is a minimal Driveline HTTP API client.
package drivelinesdk

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

// Client talks to the Driveline API.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
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

// GoalDefinition describes one goal of a push submission.
type GoalDefinition struct {
	UniqueName          string       `json:"unique_name"`
	Environment         string       `json:"environment"`
	Name                string       `json:"name,omitempty"`
	Fulfillment         *Fulfillment `json:"fulfillment,omitempty"`
	PreConditions       []string     `json:"pre_conditions,omitempty"`
	Data                string       `json:"data,omitempty"`
	ExternalURLs        []string     `json:"external_urls,omitempty"`
	RetryFeasible       bool         `json:"retry_feasible,omitempty"`
	ApprovalRequired    bool         `json:"approval_required,omitempty"`
	PreApprovalRequired bool         `json:"pre_approval_required,omitempty"`
}

type Fulfillment struct {
	Method       string `json:"method,omitempty"`
	Name         string `json:"name,omitempty"`
	Registration string `json:"registration,omitempty"`
}

// Push identifies the source-control event behind a goal-set.
type Push struct {
	Provider string `json:"provider,omitempty"`
	Owner    string `json:"owner"`
	Repo     string `json:"repo"`
	Branch   string `json:"branch,omitempty"`
	SHA      string `json:"sha"`
}

// Goal is the API goal model (partial).
type Goal struct {
	GoalSetID   string `json:"goal_set_id"`
	Environment string `json:"environment"`
	UniqueName  string `json:"unique_name"`
	State       string `json:"state"`
	Description string `json:"description,omitempty"`
	Version     int64  `json:"version"`
	TS          string `json:"ts"`
}

// GoalSet is the API goal-set model.
type GoalSet struct {
	ID        string `json:"id"`
	Push      Push   `json:"push"`
	CreatedAt string `json:"created_at"`
}

// Event is one change-feed entry. Payload carries the raw JSON payload
// string as stored.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	GoalSetID  string `json:"goal_set_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json,omitempty"`
}

// EventsPage wraps the change feed with its cursor.
type EventsPage struct {
	Events []Event `json:"events"`
	Cursor int64   `json:"cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// SubmitPush plans a goal-set for a push and returns its id and goals.
func (c *Client) SubmitPush(ctx context.Context, push Push, goals []GoalDefinition) (string, []Goal, error) {
	body := map[string]any{
		"provider": push.Provider,
		"owner":    push.Owner,
		"repo":     push.Repo,
		"branch":   push.Branch,
		"sha":      push.SHA,
		"goals":    goals,
	}
	var resp struct {
		GoalSetID string `json:"goal_set_id"`
		Goals     []Goal `json:"goals"`
	}
	err := c.do(ctx, http.MethodPost, "v0/pushes", body, &resp)
	return resp.GoalSetID, resp.Goals, err
}

// GoalSet fetches a goal-set with the current state of its goals.
func (c *Client) GoalSet(ctx context.Context, id string) (GoalSet, []Goal, error) {
	var resp struct {
		GoalSet GoalSet `json:"goal_set"`
		Goals   []Goal  `json:"goals"`
	}
	endpoint := fmt.Sprintf("v0/goalsets/%s", url.PathEscape(id))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.GoalSet, resp.Goals, err
}

// Approve approves a gated goal.
func (c *Client) Approve(ctx context.Context, goalSetID, environment, uniqueName, channelID string) (Goal, error) {
	return c.goalAction(ctx, goalSetID, environment, uniqueName, "approve", channelID)
}

// Veto vetoes a gated goal.
func (c *Client) Veto(ctx context.Context, goalSetID, environment, uniqueName, channelID string) (Goal, error) {
	return c.goalAction(ctx, goalSetID, environment, uniqueName, "veto", channelID)
}

// Cancel cancels a non-terminal goal.
func (c *Client) Cancel(ctx context.Context, goalSetID, environment, uniqueName string) (Goal, error) {
	return c.goalAction(ctx, goalSetID, environment, uniqueName, "cancel", "")
}

func (c *Client) goalAction(ctx context.Context, goalSetID, environment, uniqueName, action, channelID string) (Goal, error) {
	body := map[string]any{}
	if channelID != "" {
		body["channel_id"] = channelID
	}
	var resp struct {
		Goal Goal `json:"goal"`
	}
	endpoint := fmt.Sprintf("v0/goalsets/%s/goals/%s/%s/%s",
		url.PathEscape(goalSetID), url.PathEscape(environment), url.PathEscape(uniqueName), action)
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp.Goal, err
}

// Events returns change-feed entries after the given cursor.
func (c *Client) Events(ctx context.Context, after int64, limit int) (EventsPage, error) {
	endpoint := fmt.Sprintf("v0/events?after=%d", after)
	if limit > 0 {
		endpoint = fmt.Sprintf("%s&limit=%d", endpoint, limit)
	}
	var resp EventsPage
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

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
