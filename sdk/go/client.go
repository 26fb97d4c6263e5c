package stitchflowsdk

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

// Client is a minimal Stitchflow HTTP API client.
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

// Workflow is the API workflow model.
type Workflow struct {
	ID              string  `json:"id"`
	SampleRequestID string  `json:"sample_request_id"`
	WorkflowName    string  `json:"workflow_name"`
	WorkflowStatus  string  `json:"workflow_status"`
	Priority        string  `json:"priority"`
	CreatedBy       string  `json:"created_by"`
	CreatedAt       string  `json:"created_at"`
	CompletedAt     *string `json:"completed_at,omitempty"`
	DueDate         *string `json:"due_date,omitempty"`
	Cards           []Card  `json:"cards,omitempty"`
}

// Card is the API stage card model.
type Card struct {
	ID            string  `json:"id"`
	WorkflowID    string  `json:"workflow_id"`
	StageName     string  `json:"stage_name"`
	StageOrder    int     `json:"stage_order"`
	CardTitle     string  `json:"card_title"`
	AssignedTo    *string `json:"assigned_to,omitempty"`
	CardStatus    string  `json:"card_status"`
	CompletedAt   *string `json:"completed_at,omitempty"`
	BlockedReason *string `json:"blocked_reason,omitempty"`
}

// HistoryEntry is one row of a card's status history.
type HistoryEntry struct {
	ID             int64   `json:"id"`
	CardID         string  `json:"card_id"`
	PreviousStatus string  `json:"previous_status"`
	NewStatus      string  `json:"new_status"`
	UpdatedBy      string  `json:"updated_by"`
	UpdateReason   *string `json:"update_reason,omitempty"`
	CreatedAt      string  `json:"created_at"`
}

// CreateWorkflowRequest holds the fields for CreateWorkflow.
type CreateWorkflowRequest struct {
	SampleRequestID string            `json:"sample_request_id"`
	WorkflowName    string            `json:"workflow_name"`
	WorkflowType    string            `json:"workflow_type,omitempty"`
	Priority        string            `json:"priority,omitempty"`
	DueDate         string            `json:"due_date,omitempty"`
	Assignments     map[string]string `json:"assignments,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedWorkflows wraps workflow listings with a cursor.
type PaginatedWorkflows struct {
	Items      []Workflow `json:"items"`
	NextCursor string     `json:"next_cursor"`
}

// CreateWorkflow creates a workflow with one card per active stage.
func (c *Client) CreateWorkflow(ctx context.Context, req CreateWorkflowRequest) (Workflow, error) {
	var resp Workflow
	err := c.do(ctx, http.MethodPost, "v0/workflows", req, &resp)
	return resp, err
}

// Workflows returns a paginated workflow listing.
func (c *Client) Workflows(ctx context.Context, status string, limit int, cursor string) (PaginatedWorkflows, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "v0/workflows"
	if enc := q.Encode(); enc != "" {
		endpoint += "?" + enc
	}
	var resp PaginatedWorkflows
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Workflow fetches a workflow with its cards.
func (c *Client) Workflow(ctx context.Context, id string) (Workflow, error) {
	var resp Workflow
	err := c.do(ctx, http.MethodGet, "v0/workflows/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// CancelWorkflow cancels a workflow.
func (c *Client) CancelWorkflow(ctx context.Context, id string) (Workflow, error) {
	var resp Workflow
	err := c.do(ctx, http.MethodPost, "v0/workflows/"+url.PathEscape(id)+"/cancel", nil, &resp)
	return resp, err
}

// UpdateCardStatus applies one status transition to a card.
func (c *Client) UpdateCardStatus(ctx context.Context, cardID, status, reason string, force bool) (Card, error) {
	body := map[string]any{"status": status}
	if reason != "" {
		body["reason"] = reason
	}
	if force {
		body["force"] = true
	}
	var resp Card
	err := c.do(ctx, http.MethodPatch, "v0/cards/"+url.PathEscape(cardID)+"/status", body, &resp)
	return resp, err
}

// CardHistory returns a card's status history, newest first.
func (c *Client) CardHistory(ctx context.Context, cardID string) ([]HistoryEntry, error) {
	var resp []HistoryEntry
	err := c.do(ctx, http.MethodGet, "v0/cards/"+url.PathEscape(cardID)+"/history", nil, &resp)
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
