package gating

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"ledgerline/internal/domain"
)

func floatPtr(v float64) *float64 { return &v }
func strPtr(v string) *string     { return &v }
func intPtr(v int) *int           { return &v }

func anchoredPDF(field, value, ref string, page, line int) domain.Evidence {
	return domain.Evidence{
		Field:      field,
		Value:      value,
		SourceKind: "contract_pdf",
		SourceRef:  ref,
		Page:       &page,
		Line:       &line,
	}
}

func anchoredEmail(field, value, ref, messageID string, line int) domain.Evidence {
	return domain.Evidence{
		Field:      field,
		Value:      value,
		SourceKind: "email",
		SourceRef:  ref,
		MessageID:  messageID,
		Line:       &line,
	}
}

func TestClassifyTier1MilestonePayment(t *testing.T) {
	ob := domain.Obligation{
		CaseID:           "case-1",
		Type:             "milestone_payment",
		Amount:           floatPtr(150000000),
		Currency:         "KRW",
		DueDate:          strPtr("2026-03-15"),
		TriggerCondition: "delivery_phase_1",
		RiskLevel:        "high",
	}
	evidence := []domain.Evidence{
		anchoredPDF("amount", "150000000", "contract.pdf", 12, 4),
		anchoredPDF("due_date", "2026-03-15", "contract.pdf", 12, 6),
		anchoredPDF("trigger_condition", "delivery_phase_1", "contract.pdf", 12, 8),
	}
	res := Classify(ob, evidence, Tolerance{Amount: 0.01})
	assert.Equal(t, 1, res.Tier)
	assert.Empty(t, res.MissingFields)
	assert.Empty(t, res.Conflicts)
}

func TestClassifyTier3MissingTriggerCondition(t *testing.T) {
	ob := domain.Obligation{
		CaseID:  "case-2",
		Type:    "penalty",
		Amount:  floatPtr(5000),
		DueDate: strPtr("2026-01-31"),
	}
	res := Classify(ob, nil, Tolerance{})
	assert.Equal(t, 3, res.Tier)
	assert.Equal(t, []string{FieldTriggerCondition}, res.MissingFields)
}

func TestClassifyTier3MissingDueField(t *testing.T) {
	ob := domain.Obligation{
		CaseID:           "case-2",
		Type:             "notice",
		Amount:           floatPtr(100),
		TriggerCondition: "termination",
	}
	res := Classify(ob, nil, Tolerance{})
	assert.Equal(t, 3, res.Tier)
	assert.Contains(t, res.MissingFields, FieldDue)
}

func TestClassifyDegenerateCandidate(t *testing.T) {
	// A completely empty candidate must still classify, not error.
	res := Classify(domain.Obligation{}, nil, Tolerance{})
	assert.Equal(t, 3, res.Tier)
	assert.ElementsMatch(t, []string{FieldAmount, FieldDue, FieldTriggerCondition}, res.MissingFields)
}

func TestClassifyTier2AmountConflict(t *testing.T) {
	ob := domain.Obligation{
		CaseID:           "case-3",
		Type:             "milestone_payment",
		Amount:           floatPtr(150000000),
		DueDate:          strPtr("2026-03-15"),
		TriggerCondition: "delivery_phase_1",
	}
	evidence := []domain.Evidence{
		anchoredPDF("amount", "150000000", "contract.pdf", 12, 4),
		anchoredEmail("amount", "15000000", "thread-77", "msg-1@erp", 3),
		anchoredPDF("due_date", "2026-03-15", "contract.pdf", 12, 6),
		anchoredPDF("trigger_condition", "delivery_phase_1", "contract.pdf", 12, 8),
	}
	res := Classify(ob, evidence, Tolerance{Amount: 0.01})
	assert.Equal(t, 2, res.Tier)
	if assert.Len(t, res.Conflicts, 1) {
		c := res.Conflicts[0]
		assert.Equal(t, FieldAmount, c.Field)
		// Primary source ordered first.
		assert.Equal(t, "contract.pdf", c.SourceA)
		assert.Equal(t, "thread-77", c.SourceB)
	}
}

func TestClassifyAmountWithinToleranceNoConflict(t *testing.T) {
	ob := domain.Obligation{
		CaseID:           "case-3",
		Type:             "fee",
		Amount:           floatPtr(100.00),
		DueDate:          strPtr("2026-02-01"),
		TriggerCondition: "invoice_received",
	}
	evidence := []domain.Evidence{
		anchoredPDF("amount", "100.00", "contract.pdf", 1, 1),
		anchoredEmail("amount", "100.005", "thread-1", "msg-2@erp", 9),
		anchoredPDF("due_date", "2026-02-01", "contract.pdf", 1, 2),
		anchoredPDF("trigger_condition", "invoice_received", "contract.pdf", 1, 3),
	}
	res := Classify(ob, evidence, Tolerance{Amount: 0.01})
	assert.Equal(t, 1, res.Tier)
	assert.Empty(t, res.Conflicts)
}

func TestClassifyTier2UnanchoredEvidence(t *testing.T) {
	ob := domain.Obligation{
		CaseID:           "case-4",
		Type:             "notice",
		Amount:           floatPtr(100),
		WithinDays:       intPtr(30),
		TriggerCondition: "termination",
	}
	// Evidence exists but carries no structured anchor.
	evidence := []domain.Evidence{
		{Field: "amount", Value: "100", SourceKind: "email", SourceRef: "thread-9"},
	}
	res := Classify(ob, evidence, Tolerance{})
	assert.Equal(t, 2, res.Tier)
	assert.Contains(t, res.WeakFields, FieldAmount)
	assert.Contains(t, res.WeakFields, FieldTriggerCondition)
	assert.Contains(t, res.WeakFields, FieldWithinDays)
}

func TestClassifyTier3NoEvidence(t *testing.T) {
	// Complete fields but not a single evidence row. That is Tier 3, not a
	// weak Tier 2.
	ob := domain.Obligation{
		CaseID:           "case-4",
		Type:             "milestone_payment",
		Amount:           floatPtr(150000000),
		DueDate:          strPtr("2026-03-15"),
		TriggerCondition: "delivery_phase_1",
	}
	res := Classify(ob, nil, Tolerance{Amount: 0.01})
	assert.Equal(t, 3, res.Tier)
	assert.Equal(t, []string{FieldEvidence}, res.MissingFields)
	assert.Empty(t, res.WeakFields)
	assert.Equal(t, "no supporting evidence", res.Reason)
}

func TestClassifyDueDateConflictToleranceDays(t *testing.T) {
	ob := domain.Obligation{
		CaseID:           "case-5",
		Type:             "milestone_payment",
		Amount:           floatPtr(1000),
		DueDate:          strPtr("2026-03-15"),
		TriggerCondition: "delivery",
	}
	evidence := []domain.Evidence{
		anchoredPDF("amount", "1000", "contract.pdf", 2, 1),
		anchoredPDF("due_date", "2026-03-15", "contract.pdf", 2, 2),
		anchoredEmail("due_date", "2026-03-17", "thread-3", "msg-5@erp", 2),
		anchoredPDF("trigger_condition", "delivery", "contract.pdf", 2, 3),
	}

	res := Classify(ob, evidence, Tolerance{DateDays: 3})
	assert.Equal(t, 1, res.Tier, "two days apart is within tolerance")

	res = Classify(ob, evidence, Tolerance{DateDays: 1})
	assert.Equal(t, 2, res.Tier, "two days apart exceeds one-day tolerance")
	assert.Len(t, res.Conflicts, 1)
}

func TestClassifySameSourceNoConflict(t *testing.T) {
	ob := domain.Obligation{
		CaseID:           "case-6",
		Type:             "fee",
		Amount:           floatPtr(500),
		DueDate:          strPtr("2026-06-01"),
		TriggerCondition: "signing",
	}
	// Two rows from the same source cannot conflict with each other.
	evidence := []domain.Evidence{
		anchoredPDF("amount", "500", "contract.pdf", 3, 1),
		anchoredPDF("amount", "900", "contract.pdf", 7, 2),
		anchoredPDF("due_date", "2026-06-01", "contract.pdf", 3, 4),
		anchoredPDF("trigger_condition", "signing", "contract.pdf", 3, 5),
	}
	res := Classify(ob, evidence, Tolerance{})
	assert.Empty(t, res.Conflicts)
	assert.Equal(t, 1, res.Tier)
}
