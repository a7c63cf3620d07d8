// Package ledgerlinesdk is a minimal HTTP client for the Ledgerline API.
package ledgerlinesdk

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

// Client talks to a Ledgerline server. Set BearerToken for JWT auth, or
// ActorID against a dev-mode server.
type Client struct {
	BaseURL     string
	BearerToken string
	ActorID     string
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

// Run is the API run model (partial).
type Run struct {
	ID             string `json:"id"`
	RunType        string `json:"run_type"`
	Status         string `json:"status"`
	IdempotencyKey string `json:"idempotency_key"`
	Error          string `json:"error,omitempty"`
	CreatedAt      string `json:"created_at"`
}

// TriggerResult is the POST /runs response.
type TriggerResult struct {
	RunID          string `json:"run_id"`
	Status         string `json:"status"`
	IdempotencyKey string `json:"idempotency_key"`
	Reused         bool   `json:"reused"`
}

// Proposal is the API proposal model (partial).
type Proposal struct {
	ID                string         `json:"id"`
	CaseID            string         `json:"case_id"`
	ProposalType      string         `json:"proposal_type"`
	Tier              int            `json:"tier"`
	RiskLevel         string         `json:"risk_level"`
	Status            string         `json:"status"`
	ApprovalsRequired int            `json:"approvals_required"`
	ApprovalsApproved int            `json:"approvals_approved"`
	Details           map[string]any `json:"details,omitempty"`
}

// ApprovalOutcome is the approval endpoint response.
type ApprovalOutcome struct {
	ProposalID        string `json:"proposal_id"`
	ProposalStatus    string `json:"proposal_status"`
	ApprovalsApproved int    `json:"approvals_approved"`
	ApprovalsRequired int    `json:"approvals_required"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// TriggerRun triggers a run. idempotencyKey may be empty; the server then
// derives a stable key from the payload.
func (c *Client) TriggerRun(ctx context.Context, runType, idempotencyKey string, payload map[string]any) (TriggerResult, error) {
	body := map[string]any{
		"run_type": runType,
		"payload":  payload,
	}
	var resp TriggerResult
	err := c.do(ctx, http.MethodPost, "v0/runs", idempotencyKey, body, &resp)
	return resp, err
}

// GetRun fetches a run by id.
func (c *Client) GetRun(ctx context.Context, runID string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodGet, "v0/runs/"+url.PathEscape(runID), "", nil, &resp)
	return resp, err
}

// ListProposals lists proposals, optionally filtered by status.
func (c *Client) ListProposals(ctx context.Context, status string) ([]Proposal, error) {
	endpoint := "v0/contract/proposals"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []Proposal
	err := c.do(ctx, http.MethodGet, endpoint, "", nil, &resp)
	return resp, err
}

// SubmitApproval submits an approval decision. The approver identity comes
// from the client's credentials.
func (c *Client) SubmitApproval(ctx context.Context, proposalID, decision string, evidenceAck bool) (ApprovalOutcome, error) {
	body := map[string]any{
		"decision":     decision,
		"evidence_ack": evidenceAck,
	}
	var resp ApprovalOutcome
	endpoint := "v0/contract/proposals/" + url.PathEscape(proposalID) + "/approvals"
	err := c.do(ctx, http.MethodPost, endpoint, "", body, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint, idempotencyKey string, body, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	reqURL := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
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
