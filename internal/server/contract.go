package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"ledgerline/internal/engine"
	"ledgerline/internal/repo"
)

func registerObligations(api huma.API, e engine.Engine) {
	type listInput struct {
		CaseID string `query:"case_id" required:"false"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-obligations",
		Method:      http.MethodGet,
		Path:        "/contract/obligations",
		Summary:     "List extracted obligations",
	}, func(ctx context.Context, input *listInput) (*struct {
		Body []ObligationResponse `json:"body"`
	}, error) {
		obligations, err := e.Repo.ListObligations(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]ObligationResponse, 0, len(obligations))
		for _, ob := range obligations {
			out = append(out, ObligationResponse{Obligation: ob})
		}
		return &struct {
			Body []ObligationResponse `json:"body"`
		}{Body: out}, nil
	})

	type obligationPath struct {
		ObligationID string `path:"obligation_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-obligation",
		Method:      http.MethodGet,
		Path:        "/contract/obligations/{obligation_id}",
		Summary:     "Get an obligation with its evidence",
	}, func(ctx context.Context, input *obligationPath) (*struct {
		Body ObligationResponse `json:"body"`
	}, error) {
		ob, err := e.Repo.GetObligation(ctx, input.ObligationID)
		if err != nil {
			return nil, handleError(err)
		}
		evidence, err := e.Repo.ListEvidence(ctx, input.ObligationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ObligationResponse `json:"body"`
		}{Body: ObligationResponse{Obligation: ob, Evidence: evidence}}, nil
	})
}

func registerProposals(api huma.API, e engine.Engine) {
	type listInput struct {
		CaseID string `query:"case_id" required:"false"`
		Status string `query:"status" required:"false" enum:"draft,pending_l2,approved,rejected"`
		Tier   int    `query:"tier" required:"false"`
		Limit  int    `query:"limit" required:"false"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-proposals",
		Method:      http.MethodGet,
		Path:        "/contract/proposals",
		Summary:     "List proposals",
	}, func(ctx context.Context, input *listInput) (*struct {
		Body []ProposalResponse `json:"body"`
	}, error) {
		proposals, err := e.Repo.ListProposals(ctx, repo.ProposalFilters{
			CaseID: input.CaseID,
			Status: input.Status,
			Tier:   input.Tier,
			Limit:  input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]ProposalResponse, 0, len(proposals))
		for _, p := range proposals {
			out = append(out, toProposalResponse(p, nil))
		}
		return &struct {
			Body []ProposalResponse `json:"body"`
		}{Body: out}, nil
	})

	type proposalPath struct {
		ProposalID string `path:"proposal_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-proposal",
		Method:      http.MethodGet,
		Path:        "/contract/proposals/{proposal_id}",
		Summary:     "Get a proposal with its approvals",
	}, func(ctx context.Context, input *proposalPath) (*struct {
		Body ProposalResponse `json:"body"`
	}, error) {
		p, approvals, err := e.GetProposalWithApprovals(ctx, input.ProposalID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProposalResponse `json:"body"`
		}{Body: toProposalResponse(p, approvals)}, nil
	})

	type approvalInput struct {
		ProposalID string `path:"proposal_id"`
		Body       ApprovalRequest
	}
	huma.Register(api, huma.Operation{
		OperationID: "submit-approval",
		Method:      http.MethodPost,
		Path:        "/contract/proposals/{proposal_id}/approvals",
		Summary:     "Submit an approval decision",
		Description: "Maker-checker: the proposal creator cannot approve, high-risk proposals need two distinct approvers, and every decision requires evidence acknowledgment.",
	}, func(ctx context.Context, input *approvalInput) (*struct {
		Body ApprovalOutcomeResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.SubmitApproval(ctx, engine.ApprovalOptions{
			ProposalID:  input.ProposalID,
			ApproverID:  actorID,
			Decision:    input.Body.Decision,
			EvidenceAck: input.Body.EvidenceAck,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ApprovalOutcomeResponse `json:"body"`
		}{Body: ApprovalOutcomeResponse{
			ProposalID:        p.ID,
			ProposalStatus:    p.Status,
			ApprovalsApproved: p.ApprovalsApproved,
			ApprovalsRequired: p.ApprovalsRequired,
		}}, nil
	})
}
