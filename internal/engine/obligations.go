package engine

import (
	"context"

	"github.com/google/uuid"

	"ledgerline/internal/audit"
	"ledgerline/internal/domain"
	"ledgerline/internal/extract"
	"ledgerline/internal/gating"
)

// PersistCandidates stores extracted obligations and their evidence,
// deduplicating on the obligation signature. Evidence is only written for
// newly created obligations; a re-extraction of the same document is a
// no-op. Returns the persisted obligations with their stored IDs.
func (e Engine) PersistCandidates(ctx context.Context, candidates []extract.Candidate, actorID string) ([]domain.Obligation, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := e.nowRFC3339()
	var out []domain.Obligation
	for _, c := range candidates {
		ob := c.Obligation
		ob.ID = uuid.New().String()
		ob.CreatedAt = now
		created, err := e.Repo.InsertObligationIfAbsent(ctx, tx, ob)
		if err != nil {
			return nil, err
		}
		if !created {
			existing, err := e.Repo.GetObligationBySignature(ctx, tx, ob.Signature)
			if err != nil {
				return nil, err
			}
			out = append(out, existing)
			continue
		}
		for _, ev := range c.Evidence {
			ev.ID = uuid.New().String()
			ev.ObligationID = ob.ID
			ev.CreatedAt = now
			if err := e.Repo.InsertEvidenceTx(ctx, tx, ev); err != nil {
				return nil, err
			}
		}
		if err := e.audit().Append(ctx, tx, "obligation", ob.ID, "obligation.extracted", actorID, audit.Payload{
			"case_id":   ob.CaseID,
			"type":      ob.Type,
			"signature": ob.Signature,
			"evidence":  len(c.Evidence),
		}); err != nil {
			return nil, err
		}
		out = append(out, ob)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

// ClassifyObligation runs the tier classifier over an obligation's stored
// evidence with the configured tolerances.
func (e Engine) ClassifyObligation(ctx context.Context, obligationID string) (gating.Result, error) {
	ob, err := e.Repo.GetObligation(ctx, obligationID)
	if err != nil {
		return gating.Result{}, err
	}
	evidence, err := e.Repo.ListEvidence(ctx, obligationID)
	if err != nil {
		return gating.Result{}, err
	}
	return gating.Classify(ob, evidence, e.tolerance()), nil
}

func (e Engine) tolerance() gating.Tolerance {
	if e.Config == nil {
		return gating.Tolerance{}
	}
	return gating.Tolerance{
		Amount:   e.Config.Classifier.AmountTolerance,
		DateDays: e.Config.Classifier.DateToleranceDays,
	}
}

// GenerateProposals classifies an obligation and persists the resulting
// proposal drafts, one audit event each. createdBy is the agent identity,
// which the maker-checker rule later holds against approvers.
func (e Engine) GenerateProposals(ctx context.Context, obligationID, createdBy, packURI string) ([]domain.Proposal, error) {
	ob, err := e.Repo.GetObligation(ctx, obligationID)
	if err != nil {
		return nil, err
	}
	evidence, err := e.Repo.ListEvidence(ctx, obligationID)
	if err != nil {
		return nil, err
	}
	res := gating.Classify(ob, evidence, e.tolerance())
	proposals := gating.BuildProposals(ob, res, e.Config.ApprovalsRequired(ob.RiskLevel), createdBy, packURI, e.nowRFC3339())

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	for _, p := range proposals {
		if err := e.Repo.InsertProposalTx(ctx, tx, p); err != nil {
			return nil, err
		}
		if err := e.audit().Append(ctx, tx, "proposal", p.ID, "proposal.drafted", createdBy, audit.Payload{
			"case_id":            p.CaseID,
			"obligation_id":      obligationID,
			"proposal_type":      p.ProposalType,
			"tier":               p.Tier,
			"risk_level":         p.RiskLevel,
			"approvals_required": p.ApprovalsRequired,
			"reason":             res.Reason,
		}); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return proposals, nil
}

// GetProposalWithApprovals loads the proposal view with its approvals for
// API responses.
func (e Engine) GetProposalWithApprovals(ctx context.Context, id string) (domain.Proposal, []domain.Approval, error) {
	p, err := e.Repo.GetProposal(ctx, id)
	if err != nil {
		return domain.Proposal{}, nil, err
	}
	approvals, err := e.Repo.ListApprovals(ctx, id)
	if err != nil {
		return domain.Proposal{}, nil, err
	}
	return p, approvals, nil
}
