package server

import (
	"encoding/json"

	"ledgerline/internal/domain"
)

// Request payloads

type TriggerRunRequest struct {
	RunType     string         `json:"run_type" enum:"contract_obligation,document_ingest,anomaly_scan,cashflow_forecast"`
	TriggerType string         `json:"trigger_type,omitempty" enum:"manual,event,schedule"`
	Payload     map[string]any `json:"payload,omitempty"`
	CursorIn    string         `json:"cursor_in,omitempty"`
}

type ApprovalRequest struct {
	Decision    string `json:"decision" enum:"approve,reject"`
	EvidenceAck bool   `json:"evidence_ack"`
}

// Response payloads

type TriggerRunResponse struct {
	RunID          string `json:"run_id"`
	Status         string `json:"status" enum:"queued,running,success,failed"`
	IdempotencyKey string `json:"idempotency_key"`
	Reused         bool   `json:"reused"`
}

type RunResponse struct {
	domain.Run
	Stats map[string]any `json:"stats,omitempty"`
}

func toRunResponse(run domain.Run) RunResponse {
	out := RunResponse{Run: run}
	if run.StatsJSON != nil {
		_ = json.Unmarshal([]byte(*run.StatsJSON), &out.Stats)
	}
	out.StatsJSON = nil
	return out
}

type ProposalResponse struct {
	domain.Proposal
	Details   map[string]any    `json:"details,omitempty"`
	Approvals []domain.Approval `json:"approvals,omitempty"`
}

func toProposalResponse(p domain.Proposal, approvals []domain.Approval) ProposalResponse {
	out := ProposalResponse{Proposal: p, Approvals: approvals}
	if p.DetailsJSON != "" {
		_ = json.Unmarshal([]byte(p.DetailsJSON), &out.Details)
	}
	out.Proposal.DetailsJSON = ""
	return out
}

type ApprovalOutcomeResponse struct {
	ProposalID        string `json:"proposal_id"`
	ProposalStatus    string `json:"proposal_status" enum:"draft,pending_l2,approved,rejected"`
	ApprovalsApproved int    `json:"approvals_approved"`
	ApprovalsRequired int    `json:"approvals_required"`
}

type ObligationResponse struct {
	domain.Obligation
	Evidence []domain.Evidence `json:"evidence,omitempty"`
}

// Tasks and audit events serialize as stored.

type TaskView = domain.Task

type AuditEventView = domain.AuditEvent
