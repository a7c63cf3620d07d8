// Package extract turns source documents into obligation candidates with
// evidence anchors. The production OCR/LLM extractor sits behind the
// Extractor interface; this package ships the structured-JSON implementation
// used for pre-extracted documents and tests.
package extract

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"ledgerline/internal/domain"
	"ledgerline/internal/erp"
)

// Document is one fetched source document awaiting extraction.
type Document struct {
	CaseID string          `json:"case_id"`
	Kind   string          `json:"kind"`
	URI    string          `json:"uri"`
	Body   json.RawMessage `json:"body"`
}

// Candidate pairs an extracted obligation with the evidence supporting it.
// A candidate may be arbitrarily incomplete; gating decides what that means.
type Candidate struct {
	Obligation domain.Obligation
	Evidence   []domain.Evidence
}

// Extractor produces candidates from a document. Implementations must not
// invent field values without evidence.
type Extractor interface {
	Extract(ctx context.Context, doc Document) ([]Candidate, error)
}

// JSONExtractor reads documents whose body is already structured: an
// "obligations" array where each entry carries its fields and per-field
// evidence anchors.
type JSONExtractor struct{}

type rawEvidence struct {
	Field      string `json:"field"`
	Value      string `json:"value"`
	SourceKind string `json:"source_kind"`
	SourceRef  string `json:"source_ref"`
	Page       *int   `json:"page,omitempty"`
	Line       *int   `json:"line,omitempty"`
	MessageID  string `json:"message_id,omitempty"`
}

type rawObligation struct {
	Type             string        `json:"type"`
	Amount           *float64      `json:"amount,omitempty"`
	Currency         string        `json:"currency,omitempty"`
	DueDate          *string       `json:"due_date,omitempty"`
	WithinDays       *int          `json:"within_days,omitempty"`
	TriggerCondition string        `json:"trigger_condition,omitempty"`
	Confidence       float64       `json:"confidence"`
	RiskLevel        string        `json:"risk_level"`
	Evidence         []rawEvidence `json:"evidence"`
}

type rawDocument struct {
	Obligations []rawObligation `json:"obligations"`
}

func (JSONExtractor) Extract(ctx context.Context, doc Document) ([]Candidate, error) {
	var body rawDocument
	if err := json.Unmarshal(doc.Body, &body); err != nil {
		return nil, erp.Permanent(fmt.Errorf("extract %s: %w", doc.URI, err))
	}
	candidates := make([]Candidate, 0, len(body.Obligations))
	for _, raw := range body.Obligations {
		ob := domain.Obligation{
			CaseID:           doc.CaseID,
			Type:             raw.Type,
			Amount:           raw.Amount,
			Currency:         raw.Currency,
			DueDate:          raw.DueDate,
			WithinDays:       raw.WithinDays,
			TriggerCondition: raw.TriggerCondition,
			Confidence:       raw.Confidence,
			RiskLevel:        normalizeRisk(raw.RiskLevel),
		}
		ob.Signature = Signature(ob)
		evidence := make([]domain.Evidence, 0, len(raw.Evidence))
		for _, ev := range raw.Evidence {
			evidence = append(evidence, domain.Evidence{
				Field:      ev.Field,
				Value:      ev.Value,
				SourceKind: ev.SourceKind,
				SourceRef:  ev.SourceRef,
				Page:       ev.Page,
				Line:       ev.Line,
				MessageID:  ev.MessageID,
			})
		}
		candidates = append(candidates, Candidate{Obligation: ob, Evidence: evidence})
	}
	return candidates, nil
}

func normalizeRisk(level string) string {
	switch level {
	case "low", "medium", "high":
		return level
	}
	// Unknown levels are treated as high so unknown inputs never get the
	// lighter approval quota.
	return "high"
}

// Signature is a stable dedup key over the obligation's identity fields.
// Re-extracting the same document yields the same signature, so the second
// insert is a no-op.
func Signature(ob domain.Obligation) string {
	parts := []string{ob.CaseID, ob.Type}
	if ob.Amount != nil {
		parts = append(parts, strconv.FormatFloat(*ob.Amount, 'g', -1, 64))
	} else {
		parts = append(parts, "")
	}
	if ob.DueDate != nil {
		parts = append(parts, *ob.DueDate)
	} else {
		parts = append(parts, "")
	}
	if ob.WithinDays != nil {
		parts = append(parts, strconv.Itoa(*ob.WithinDays))
	} else {
		parts = append(parts, "")
	}
	parts = append(parts, strings.TrimSpace(ob.TriggerCondition))
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])
}
