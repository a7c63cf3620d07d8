package repo

import (
	"context"
	"database/sql"
	"strings"

	"ledgerline/internal/domain"
)

const obligationColumns = `id,case_id,type,amount,currency,due_date,within_days,trigger_condition,confidence,risk_level,signature,created_at`

// InsertObligationIfAbsent deduplicates on the obligation signature so that
// re-running extraction over the same case never doubles obligations.
func (r Repo) InsertObligationIfAbsent(ctx context.Context, tx *sql.Tx, ob domain.Obligation) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO obligations(`+obligationColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(signature) DO NOTHING`,
		ob.ID, ob.CaseID, ob.Type, nullableFloatPtr(ob.Amount), nullable(ob.Currency),
		nullableStringPtr(ob.DueDate), nullableIntPtr(ob.WithinDays), nullable(ob.TriggerCondition),
		ob.Confidence, ob.RiskLevel, ob.Signature, ob.CreatedAt)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func scanObligation(scan func(dest ...any) error) (domain.Obligation, error) {
	var ob domain.Obligation
	var amount sql.NullFloat64
	var currency, dueDate, trigger sql.NullString
	var withinDays sql.NullInt64
	err := scan(&ob.ID, &ob.CaseID, &ob.Type, &amount, &currency, &dueDate, &withinDays, &trigger,
		&ob.Confidence, &ob.RiskLevel, &ob.Signature, &ob.CreatedAt)
	if err == sql.ErrNoRows {
		return ob, ErrNotFound
	}
	if err != nil {
		return ob, err
	}
	if amount.Valid {
		ob.Amount = &amount.Float64
	}
	ob.Currency = currency.String
	if dueDate.Valid {
		ob.DueDate = &dueDate.String
	}
	if withinDays.Valid {
		d := int(withinDays.Int64)
		ob.WithinDays = &d
	}
	ob.TriggerCondition = trigger.String
	return ob, nil
}

func (r Repo) GetObligation(ctx context.Context, id string) (domain.Obligation, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+obligationColumns+` FROM obligations WHERE id=?`, id)
	return scanObligation(row.Scan)
}

func (r Repo) GetObligationBySignature(ctx context.Context, tx *sql.Tx, signature string) (domain.Obligation, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+obligationColumns+` FROM obligations WHERE signature=?`, signature)
	return scanObligation(row.Scan)
}

func (r Repo) ListObligations(ctx context.Context, caseID string) ([]domain.Obligation, error) {
	query := `SELECT ` + obligationColumns + ` FROM obligations`
	var args []any
	if caseID != "" {
		query += ` WHERE case_id=?`
		args = append(args, caseID)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Obligation
	for rows.Next() {
		ob, err := scanObligation(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, ob)
	}
	return res, rows.Err()
}

func (r Repo) InsertEvidenceTx(ctx context.Context, tx *sql.Tx, e domain.Evidence) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO evidence(id,obligation_id,field,value,source_kind,source_ref,page,line,message_id,created_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.ObligationID, e.Field, e.Value, e.SourceKind, e.SourceRef,
		nullableIntPtr(e.Page), nullableIntPtr(e.Line), nullable(e.MessageID), e.CreatedAt)
	return err
}

func (r Repo) ListEvidence(ctx context.Context, obligationID string) ([]domain.Evidence, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,obligation_id,field,value,source_kind,source_ref,page,line,message_id,created_at FROM evidence WHERE obligation_id=? ORDER BY created_at ASC, id ASC`, obligationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Evidence
	for rows.Next() {
		var e domain.Evidence
		var page, line sql.NullInt64
		var messageID sql.NullString
		if err := rows.Scan(&e.ID, &e.ObligationID, &e.Field, &e.Value, &e.SourceKind, &e.SourceRef, &page, &line, &messageID, &e.CreatedAt); err != nil {
			return nil, err
		}
		if page.Valid {
			p := int(page.Int64)
			e.Page = &p
		}
		if line.Valid {
			l := int(line.Int64)
			e.Line = &l
		}
		e.MessageID = messageID.String
		res = append(res, e)
	}
	return res, rows.Err()
}

const proposalColumns = `id,case_id,obligation_id,proposal_type,tier,risk_level,status,approvals_required,approvals_approved,created_by,details_json,created_at,updated_at`

func (r Repo) InsertProposalTx(ctx context.Context, tx *sql.Tx, p domain.Proposal) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO proposals(`+proposalColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.CaseID, nullableStringPtr(p.ObligationID), p.ProposalType, p.Tier, p.RiskLevel, p.Status,
		p.ApprovalsRequired, p.ApprovalsApproved, p.CreatedBy, nullable(p.DetailsJSON), p.CreatedAt, p.UpdatedAt)
	return err
}

func scanProposal(scan func(dest ...any) error) (domain.Proposal, error) {
	var p domain.Proposal
	var obligationID, details sql.NullString
	err := scan(&p.ID, &p.CaseID, &obligationID, &p.ProposalType, &p.Tier, &p.RiskLevel, &p.Status,
		&p.ApprovalsRequired, &p.ApprovalsApproved, &p.CreatedBy, &details, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if obligationID.Valid {
		p.ObligationID = &obligationID.String
	}
	p.DetailsJSON = details.String
	return p, nil
}

func (r Repo) GetProposal(ctx context.Context, id string) (domain.Proposal, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id=?`, id)
	return scanProposal(row.Scan)
}

func (r Repo) GetProposalTx(ctx context.Context, tx *sql.Tx, id string) (domain.Proposal, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id=?`, id)
	return scanProposal(row.Scan)
}

type ProposalFilters struct {
	CaseID string
	Status string
	Tier   int
	Limit  int
}

func (r Repo) ListProposals(ctx context.Context, f ProposalFilters) ([]domain.Proposal, error) {
	var clauses []string
	var args []any
	if f.CaseID != "" {
		clauses = append(clauses, "case_id=?")
		args = append(args, f.CaseID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Tier > 0 {
		clauses = append(clauses, "tier=?")
		args = append(args, f.Tier)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + proposalColumns + ` FROM proposals ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Proposal
	for rows.Next() {
		p, err := scanProposal(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// AdvanceProposalTx applies an approval-state transition conditioned on the
// proposal's current status and count, so racing workers cannot both win.
func (r Repo) AdvanceProposalTx(ctx context.Context, tx *sql.Tx, id, fromStatus string, fromApproved int, toStatus string, toApproved int, updatedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE proposals SET status=?, approvals_approved=?, updated_at=? WHERE id=? AND status=? AND approvals_approved=?`,
		toStatus, toApproved, updatedAt, id, fromStatus, fromApproved)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) InsertApprovalTx(ctx context.Context, tx *sql.Tx, a domain.Approval) error {
	ack := 0
	if a.EvidenceAck {
		ack = 1
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO approvals(id,proposal_id,approver_id,decision,evidence_ack,created_at) VALUES (?,?,?,?,?,?)`,
		a.ID, a.ProposalID, a.ApproverID, a.Decision, ack, a.CreatedAt)
	return err
}

func scanApproval(scan func(dest ...any) error) (domain.Approval, error) {
	var a domain.Approval
	var ack int
	err := scan(&a.ID, &a.ProposalID, &a.ApproverID, &a.Decision, &ack, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	a.EvidenceAck = ack == 1
	return a, err
}

func (r Repo) GetApprovalTx(ctx context.Context, tx *sql.Tx, proposalID, approverID string) (domain.Approval, error) {
	row := tx.QueryRowContext(ctx, `SELECT id,proposal_id,approver_id,decision,evidence_ack,created_at FROM approvals WHERE proposal_id=? AND approver_id=?`, proposalID, approverID)
	return scanApproval(row.Scan)
}

func (r Repo) ListApprovals(ctx context.Context, proposalID string) ([]domain.Approval, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,proposal_id,approver_id,decision,evidence_ack,created_at FROM approvals WHERE proposal_id=? ORDER BY created_at ASC, id ASC`, proposalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Approval
	for rows.Next() {
		a, err := scanApproval(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
