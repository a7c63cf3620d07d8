package gating

import (
	"encoding/json"

	"github.com/google/uuid"

	"ledgerline/internal/domain"
)

// BuildProposals maps a classified obligation to its proposal drafts:
//
//	Tier 1: reminder, plus accrual_template only for milestone_payment
//	Tier 2: exactly one review_confirm
//	Tier 3: exactly one missing_data naming the missing fields
//
// All drafts start in status draft; approvals_required comes from the risk
// level quota. Missing values are never inferred.
func BuildProposals(ob domain.Obligation, res Result, approvalsRequired int, createdBy, packURI, now string) []domain.Proposal {
	base := domain.Proposal{
		CaseID:            ob.CaseID,
		Tier:              res.Tier,
		RiskLevel:         ob.RiskLevel,
		Status:            "draft",
		ApprovalsRequired: approvalsRequired,
		CreatedBy:         createdBy,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if ob.ID != "" {
		id := ob.ID
		base.ObligationID = &id
	}

	switch res.Tier {
	case 1:
		details := domain.ReminderDetails{
			Amount:          deref(ob.Amount),
			Currency:        ob.Currency,
			WithinDays:      ob.WithinDays,
			EvidencePackURI: packURI,
		}
		if ob.DueDate != nil {
			details.DueDate = *ob.DueDate
		}
		proposals := []domain.Proposal{newProposal(base, "reminder", details)}
		if ob.Type == "milestone_payment" {
			proposals = append(proposals, newProposal(base, "accrual_template", details))
		}
		return proposals
	case 2:
		details := domain.ConflictDetails{
			Conflicts:       res.Conflicts,
			WeakFields:      res.WeakFields,
			EvidencePackURI: packURI,
		}
		return []domain.Proposal{newProposal(base, "review_confirm", details)}
	default:
		details := domain.MissingDataDetails{MissingFields: res.MissingFields}
		return []domain.Proposal{newProposal(base, "missing_data", details)}
	}
}

func newProposal(base domain.Proposal, proposalType string, details any) domain.Proposal {
	p := base
	p.ID = uuid.New().String()
	p.ProposalType = proposalType
	if details != nil {
		b, err := json.Marshal(details)
		if err == nil {
			p.DetailsJSON = string(b)
		}
	}
	return p
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
