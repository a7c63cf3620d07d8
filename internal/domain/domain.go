package domain

// Run is one execution instance of a named workflow, uniquely identified
// by its idempotency key.
type Run struct {
	ID             string  `json:"id"`
	RunType        string  `json:"run_type"`
	TriggerType    string  `json:"trigger_type" enum:"manual,event,schedule"`
	IdempotencyKey string  `json:"idempotency_key"`
	PayloadHash    string  `json:"-"`
	PayloadJSON    string  `json:"-"`
	Status         string  `json:"status" enum:"queued,running,success,failed"`
	CursorIn       string  `json:"cursor_in,omitempty"`
	CursorOut      string  `json:"cursor_out,omitempty"`
	StatsJSON      *string `json:"stats_json,omitempty"`
	Error          string  `json:"error,omitempty"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	StartedAt      *string `json:"started_at,omitempty" format:"date-time"`
	FinishedAt     *string `json:"finished_at,omitempty" format:"date-time"`
}

// Task is one ordered step within a run's pipeline. Seq is significant and
// preserved for replay and inspection.
type Task struct {
	ID         string  `json:"id"`
	RunID      string  `json:"run_id"`
	Seq        int     `json:"seq"`
	Name       string  `json:"name"`
	Status     string  `json:"status" enum:"pending,running,success,failed,skipped"`
	InputRef   string  `json:"input_ref,omitempty"`
	OutputRef  string  `json:"output_ref,omitempty"`
	Error      string  `json:"error,omitempty"`
	StartedAt  *string `json:"started_at,omitempty" format:"date-time"`
	FinishedAt *string `json:"finished_at,omitempty" format:"date-time"`
}

// Obligation is a contractual duty extracted from source documents.
// Confidence is an evidence-strength score, not a model accuracy metric.
type Obligation struct {
	ID               string   `json:"id"`
	CaseID           string   `json:"case_id"`
	Type             string   `json:"type"`
	Amount           *float64 `json:"amount,omitempty"`
	Currency         string   `json:"currency,omitempty"`
	DueDate          *string  `json:"due_date,omitempty" format:"date"`
	WithinDays       *int     `json:"within_days,omitempty"`
	TriggerCondition string   `json:"trigger_condition,omitempty"`
	Confidence       float64  `json:"confidence"`
	RiskLevel        string   `json:"risk_level" enum:"low,medium,high"`
	Signature        string   `json:"signature"`
	CreatedAt        string   `json:"created_at" format:"date-time"`
}

// Evidence anchors one obligation field value to a source location.
// Documents anchor with page+line, email threads with message_id+line.
type Evidence struct {
	ID           string `json:"id"`
	ObligationID string `json:"obligation_id"`
	Field        string `json:"field"`
	Value        string `json:"value"`
	SourceKind   string `json:"source_kind" enum:"contract_pdf,email"`
	SourceRef    string `json:"source_ref"`
	Page         *int   `json:"page,omitempty"`
	Line         *int   `json:"line,omitempty"`
	MessageID    string `json:"message_id,omitempty"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

// Anchored reports whether the evidence carries a structured anchor.
func (e Evidence) Anchored() bool {
	switch e.SourceKind {
	case "contract_pdf":
		return e.Page != nil && e.Line != nil
	case "email":
		return e.MessageID != "" && e.Line != nil
	}
	return false
}

// Proposal is a governed output awaiting human decision. Mutated only by the
// approval state machine, never deleted.
type Proposal struct {
	ID                string  `json:"id"`
	CaseID            string  `json:"case_id"`
	ObligationID      *string `json:"obligation_id,omitempty"`
	ProposalType      string  `json:"proposal_type" enum:"reminder,accrual_template,review_confirm,missing_data"`
	Tier              int     `json:"tier"`
	RiskLevel         string  `json:"risk_level" enum:"low,medium,high"`
	Status            string  `json:"status" enum:"draft,pending_l2,approved,rejected"`
	ApprovalsRequired int     `json:"approvals_required"`
	ApprovalsApproved int     `json:"approvals_approved"`
	CreatedBy         string  `json:"created_by"`
	DetailsJSON       string  `json:"details_json,omitempty"`
	CreatedAt         string  `json:"created_at" format:"date-time"`
	UpdatedAt         string  `json:"updated_at" format:"date-time"`
}

// Terminal reports whether no further approval decisions are accepted.
func (p Proposal) Terminal() bool {
	return p.Status == "approved" || p.Status == "rejected"
}

// Approval is one append-only approval action on a proposal.
type Approval struct {
	ID          string `json:"id"`
	ProposalID  string `json:"proposal_id"`
	ApproverID  string `json:"approver_id"`
	Decision    string `json:"decision" enum:"approve,reject"`
	EvidenceAck bool   `json:"evidence_ack"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// AuditEvent is one immutable row in the audit trail. Immutability is
// enforced by storage-level triggers, not just application code.
type AuditEvent struct {
	ID         int64  `json:"id"`
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	Action     string `json:"action"`
	Actor      string `json:"actor"`
	Payload    string `json:"payload_json"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

// ReminderDetails is the details payload for reminder and accrual_template
// proposals.
type ReminderDetails struct {
	DueDate         string  `json:"due_date,omitempty"`
	WithinDays      *int    `json:"within_days,omitempty"`
	Amount          float64 `json:"amount"`
	Currency        string  `json:"currency,omitempty"`
	EvidencePackURI string  `json:"evidence_pack_uri,omitempty"`
}

// ConflictDetails is the details payload for review_confirm proposals.
type ConflictDetails struct {
	Conflicts       []FieldConflict `json:"conflicts,omitempty"`
	WeakFields      []string        `json:"weak_fields,omitempty"`
	EvidencePackURI string          `json:"evidence_pack_uri,omitempty"`
}

// MissingDataDetails is the details payload for missing_data proposals.
type MissingDataDetails struct {
	MissingFields []string `json:"missing_fields"`
}

// FieldConflict records two evidence sources disagreeing on one field.
type FieldConflict struct {
	Field   string `json:"field"`
	ValueA  string `json:"value_a"`
	SourceA string `json:"source_a"`
	ValueB  string `json:"value_b"`
	SourceB string `json:"source_b"`
}
