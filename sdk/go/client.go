package agorasdk

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

// Client is a minimal Agora HTTP API client.
type Client struct {
	BaseURL     string
	ProcessID   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, processID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProcessID: processID,
		Timeout:   10 * time.Second,
	}
}

// Instance represents the API instance model (partial).
type Instance struct {
	ID             string         `json:"id"`
	ProcessID      string         `json:"process_id"`
	Name           string         `json:"name"`
	Status         string         `json:"status"`
	CurrentStateID string         `json:"current_state_id"`
	FieldValues    map[string]any `json:"field_values,omitempty"`
	Version        int64          `json:"version"`
}

// Proposal represents a submission inside an instance.
type Proposal struct {
	ID          string         `json:"id"`
	InstanceID  string         `json:"instance_id"`
	Title       string         `json:"title"`
	Body        string         `json:"body,omitempty"`
	AuthorID    string         `json:"author_id"`
	Status      string         `json:"status"`
	FieldValues map[string]any `json:"field_values,omitempty"`
}

// Vote represents a weighted vote on a proposal.
type Vote struct {
	ID         string `json:"id"`
	InstanceID string `json:"instance_id"`
	ProposalID string `json:"proposal_id"`
	VoterID    string `json:"voter_id"`
	Weight     int    `json:"weight"`
}

// Review represents a rubric-backed review of a proposal.
type Review struct {
	ID         string         `json:"id"`
	InstanceID string         `json:"instance_id"`
	ProposalID string         `json:"proposal_id"`
	ReviewerID string         `json:"reviewer_id"`
	Verdict    string         `json:"verdict"`
	Values     map[string]any `json:"values,omitempty"`
}

// FailedRule names a transition condition that did not hold.
type FailedRule struct {
	RuleID       string `json:"rule_id"`
	ErrorMessage string `json:"error_message"`
}

// TransitionStatus reports evaluation of one outgoing transition.
type TransitionStatus struct {
	TransitionID   string       `json:"transition_id"`
	TransitionName string       `json:"transition_name"`
	ToStateID      string       `json:"to_state_id"`
	Automatic      bool         `json:"automatic"`
	CanExecute     bool         `json:"can_execute"`
	FailedRules    []FailedRule `json:"failed_rules,omitempty"`
}

// CheckReport wraps the transition evaluation for an instance.
type CheckReport struct {
	CanTransition        bool               `json:"can_transition"`
	AvailableTransitions []TransitionStatus `json:"available_transitions"`
}

// AdvanceResult reports the outcome of an advance call.
type AdvanceResult struct {
	Advanced        bool        `json:"advanced"`
	Instance        Instance    `json:"instance"`
	Check           CheckReport `json:"check"`
	PipelineApplied bool        `json:"pipeline_applied"`
	SelectedIDs     []string    `json:"selected_ids,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	ProcessID  string `json:"process_id"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateInstance creates a draft instance of the configured process.
func (c *Client) CreateInstance(ctx context.Context, name string, fieldValues map[string]any) (Instance, error) {
	body := map[string]any{"name": name}
	if len(fieldValues) > 0 {
		body["field_values"] = fieldValues
	}
	var resp Instance
	err := c.do(ctx, http.MethodPost, c.processPath("instances"), body, &resp)
	return resp, err
}

// LaunchInstance moves a draft into its first phase.
func (c *Client) LaunchInstance(ctx context.Context, instanceID string) (Instance, error) {
	var resp Instance
	endpoint := fmt.Sprintf("v0/instances/%s/launch", url.PathEscape(instanceID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Check evaluates the outgoing transitions of an instance.
func (c *Client) Check(ctx context.Context, instanceID, to string) (CheckReport, error) {
	endpoint := fmt.Sprintf("v0/instances/%s/check", url.PathEscape(instanceID))
	if to != "" {
		endpoint += "?to=" + url.QueryEscape(to)
	}
	var resp CheckReport
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Advance attempts a phase transition.
func (c *Client) Advance(ctx context.Context, instanceID, to string) (AdvanceResult, error) {
	var resp AdvanceResult
	endpoint := fmt.Sprintf("v0/instances/%s/advance", url.PathEscape(instanceID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"to": to}, &resp)
	return resp, err
}

// SubmitProposal submits a proposal to an instance.
func (c *Client) SubmitProposal(ctx context.Context, instanceID, title, bodyText string, fieldValues map[string]any) (Proposal, error) {
	body := map[string]any{"title": title}
	if bodyText != "" {
		body["body"] = bodyText
	}
	if len(fieldValues) > 0 {
		body["field_values"] = fieldValues
	}
	var resp Proposal
	endpoint := fmt.Sprintf("v0/instances/%s/proposals", url.PathEscape(instanceID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// ListProposals lists proposals of an instance, optionally filtered by status.
func (c *Client) ListProposals(ctx context.Context, instanceID, status string) ([]Proposal, error) {
	endpoint := fmt.Sprintf("v0/instances/%s/proposals", url.PathEscape(instanceID))
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []Proposal
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CastVote casts or replaces the caller's vote on a proposal.
func (c *Client) CastVote(ctx context.Context, proposalID string, weight int) (Vote, error) {
	var resp Vote
	endpoint := fmt.Sprintf("v0/proposals/%s/vote", url.PathEscape(proposalID))
	err := c.do(ctx, http.MethodPut, endpoint, map[string]any{"weight": weight}, &resp)
	return resp, err
}

// SubmitReview submits a rubric-backed review of a proposal.
func (c *Client) SubmitReview(ctx context.Context, proposalID, verdict string, values map[string]any) (Review, error) {
	body := map[string]any{"verdict": verdict}
	if len(values) > 0 {
		body["values"] = values
	}
	var resp Review
	endpoint := fmt.Sprintf("v0/proposals/%s/reviews", url.PathEscape(proposalID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := c.processPath("events")
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
	var resp PaginatedEvents
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

func (c *Client) processPath(p string) string {
	process := url.PathEscape(c.ProcessID)
	return fmt.Sprintf("v0/processes/%s/%s", process, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
