package extract

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgerline/internal/domain"
	"ledgerline/internal/erp"
)

func TestJSONExtractorExtract(t *testing.T) {
	doc := Document{
		CaseID: "case-1",
		Kind:   "contract_pdf",
		URI:    "erp://contracts/1",
		Body: json.RawMessage(`{
			"obligations": [{
				"type": "milestone_payment",
				"amount": 150000000,
				"currency": "KRW",
				"due_date": "2026-03-15",
				"trigger_condition": "delivery_phase_1",
				"confidence": 0.95,
				"risk_level": "high",
				"evidence": [
					{"field": "amount", "value": "150000000", "source_kind": "contract_pdf", "source_ref": "contract.pdf", "page": 12, "line": 4}
				]
			}]
		}`),
	}
	candidates, err := JSONExtractor{}.Extract(context.Background(), doc)
	require.NoError(t, err)
	require.Len(t, candidates, 1)

	ob := candidates[0].Obligation
	assert.Equal(t, "case-1", ob.CaseID)
	assert.Equal(t, "milestone_payment", ob.Type)
	require.NotNil(t, ob.Amount)
	assert.Equal(t, float64(150000000), *ob.Amount)
	assert.Equal(t, "high", ob.RiskLevel)
	assert.NotEmpty(t, ob.Signature)

	require.Len(t, candidates[0].Evidence, 1)
	ev := candidates[0].Evidence[0]
	assert.True(t, ev.Anchored())
	assert.Equal(t, "contract.pdf", ev.SourceRef)
}

func TestJSONExtractorUnknownRiskDefaultsHigh(t *testing.T) {
	doc := Document{
		CaseID: "case-1",
		Body:   json.RawMessage(`{"obligations": [{"type": "fee", "risk_level": "critical"}]}`),
	}
	candidates, err := JSONExtractor{}.Extract(context.Background(), doc)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "high", candidates[0].Obligation.RiskLevel)
}

func TestJSONExtractorMalformedBodyIsPermanent(t *testing.T) {
	_, err := JSONExtractor{}.Extract(context.Background(), Document{Body: json.RawMessage(`{`)})
	require.Error(t, err)
	assert.False(t, erp.IsTransient(err), "bad input must not be retried")
}

func TestSignatureStableAcrossReextraction(t *testing.T) {
	amount := 150000000.0
	due := "2026-03-15"
	a := domain.Obligation{CaseID: "case-1", Type: "milestone_payment", Amount: &amount, DueDate: &due, TriggerCondition: "delivery_phase_1"}
	b := a
	b.Confidence = 0.5
	b.RiskLevel = "low"
	// Non-identity fields do not participate.
	assert.Equal(t, Signature(a), Signature(b))

	c := a
	c.CaseID = "case-2"
	assert.NotEqual(t, Signature(a), Signature(c))

	d := a
	d.TriggerCondition = "  delivery_phase_1  "
	assert.Equal(t, Signature(a), Signature(d), "trigger condition is trimmed")
}
