package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"ledgerline/internal/audit"
	"ledgerline/internal/domain"
	"ledgerline/internal/repo"
)

var (
	// ErrEvidenceAckRequired means the approver did not acknowledge the
	// evidence pack. Nothing is persisted in that case.
	ErrEvidenceAckRequired = errors.New("evidence acknowledgment required")
	// ErrSelfApproval means the approver created the proposal.
	ErrSelfApproval = errors.New("approver cannot approve own proposal")
	// ErrProposalTerminal means the proposal already reached approved or
	// rejected and accepts no further decisions.
	ErrProposalTerminal = errors.New("proposal is terminal")
	// ErrDuplicateApproval means the approver already decided differently.
	ErrDuplicateApproval = errors.New("approver already decided")
	// ErrInvalidDecision means the decision is outside {approve,reject}.
	ErrInvalidDecision = errors.New("invalid decision")
)

// ApprovalOptions are the parameters of one approval submission.
type ApprovalOptions struct {
	ProposalID  string
	ApproverID  string
	Decision    string
	EvidenceAck bool
}

// SubmitApproval runs the maker-checker state machine for one decision.
//
// Rules, checked in order: evidence_ack must be true; the approver must not
// be the proposal's creator; the proposal must not be terminal; a repeat of
// the approver's earlier identical decision is an idempotent no-op, while a
// contradicting repeat is rejected. A reject is immediately terminal. An
// approve counts once per approver; the proposal becomes approved exactly
// when the count reaches its quota, pending_l2 below it.
func (e Engine) SubmitApproval(ctx context.Context, opts ApprovalOptions) (domain.Proposal, error) {
	if opts.Decision != "approve" && opts.Decision != "reject" {
		return domain.Proposal{}, fmt.Errorf("%w: %s", ErrInvalidDecision, opts.Decision)
	}
	if opts.ApproverID == "" {
		return domain.Proposal{}, errors.New("approver required")
	}
	if !opts.EvidenceAck {
		return domain.Proposal{}, ErrEvidenceAckRequired
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Proposal{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProposalTx(ctx, tx, opts.ProposalID)
	if err != nil {
		return domain.Proposal{}, err
	}
	if p.Terminal() {
		return p, fmt.Errorf("%w: status %s", ErrProposalTerminal, p.Status)
	}
	if opts.ApproverID == p.CreatedBy {
		return p, ErrSelfApproval
	}

	prior, err := e.Repo.GetApprovalTx(ctx, tx, p.ID, opts.ApproverID)
	switch {
	case err == nil:
		if prior.Decision == opts.Decision {
			// Replay of the same decision changes nothing.
			return p, nil
		}
		return p, ErrDuplicateApproval
	case errors.Is(err, repo.ErrNotFound):
	default:
		return p, err
	}

	now := e.nowRFC3339()
	if err := e.Repo.InsertApprovalTx(ctx, tx, domain.Approval{
		ID:          uuid.New().String(),
		ProposalID:  p.ID,
		ApproverID:  opts.ApproverID,
		Decision:    opts.Decision,
		EvidenceAck: true,
		CreatedAt:   now,
	}); err != nil {
		return p, err
	}

	toStatus := "rejected"
	toApproved := p.ApprovalsApproved
	if opts.Decision == "approve" {
		toApproved = p.ApprovalsApproved + 1
		if toApproved >= p.ApprovalsRequired {
			toStatus = "approved"
		} else {
			toStatus = "pending_l2"
		}
	}
	won, err := e.Repo.AdvanceProposalTx(ctx, tx, p.ID, p.Status, p.ApprovalsApproved, toStatus, toApproved, now)
	if err != nil {
		return p, err
	}
	if !won {
		return p, errors.New("proposal state changed concurrently")
	}
	if err := e.audit().Append(ctx, tx, "proposal", p.ID, "proposal."+opts.Decision, opts.ApproverID, audit.Payload{
		"from_status":        p.Status,
		"to_status":          toStatus,
		"approvals_approved": toApproved,
		"approvals_required": p.ApprovalsRequired,
		"evidence_ack":       true,
	}); err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	p.Status = toStatus
	p.ApprovalsApproved = toApproved
	p.UpdatedAt = now
	return p, nil
}
