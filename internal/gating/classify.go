// Package gating decides how much autonomy an extracted obligation earns:
// Tier 1 may auto-draft actionable proposals, Tier 2 requires a human
// confirmation, Tier 3 only reports what is missing. Classification is a
// total pure function; every candidate resolves to exactly one tier.
package gating

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"ledgerline/internal/domain"
)

const (
	FieldAmount           = "amount"
	FieldDueDate          = "due_date"
	FieldWithinDays       = "within_days"
	FieldTriggerCondition = "trigger_condition"

	// FieldDue names the disjunctive due requirement when neither
	// due_date nor within_days is present.
	FieldDue = "due_date_or_within_days"

	// FieldEvidence names the fully unevidenced state in a Tier 3 result.
	FieldEvidence = "evidence"
)

// Tolerance bounds how far two evidence sources may disagree before the
// disagreement counts as a conflict.
type Tolerance struct {
	Amount   float64
	DateDays int
}

// Result is the full classification outcome. Missing fields and conflicts
// are always carried through to the proposal layer, never dropped.
type Result struct {
	Tier          int
	MissingFields []string
	WeakFields    []string
	Conflicts     []domain.FieldConflict
	Reason        string
}

// Classify maps (required-field completeness, evidence strength, conflicts)
// to a tier. An obligation with no evidence rows at all is Tier 3, not
// merely unanchored.
func Classify(ob domain.Obligation, evidence []domain.Evidence, tol Tolerance) Result {
	missing := missingFields(ob)
	if len(missing) > 0 {
		return Result{
			Tier:          3,
			MissingFields: missing,
			Reason:        "missing required fields: " + strings.Join(missing, ", "),
		}
	}
	if len(evidence) == 0 {
		return Result{
			Tier:          3,
			MissingFields: []string{FieldEvidence},
			Reason:        "no supporting evidence",
		}
	}

	byField := map[string][]domain.Evidence{}
	for _, e := range evidence {
		byField[e.Field] = append(byField[e.Field], e)
	}

	var weak []string
	for _, f := range presentRequiredFields(ob) {
		if !hasAnchored(byField[f]) {
			weak = append(weak, f)
		}
	}

	conflicts := detectConflicts(byField, tol)

	switch {
	case len(conflicts) > 0:
		// Conflicting obligations are capped at Tier 2 regardless of
		// otherwise-sufficient evidence.
		return Result{
			Tier:       2,
			WeakFields: weak,
			Conflicts:  conflicts,
			Reason:     fmt.Sprintf("%d evidence conflict(s) detected", len(conflicts)),
		}
	case len(weak) > 0:
		return Result{
			Tier:       2,
			WeakFields: weak,
			Reason:     "unanchored evidence for: " + strings.Join(weak, ", "),
		}
	default:
		return Result{Tier: 1, Reason: "all required fields anchored, no conflicts"}
	}
}

func missingFields(ob domain.Obligation) []string {
	var missing []string
	if ob.Amount == nil {
		missing = append(missing, FieldAmount)
	}
	if ob.DueDate == nil && ob.WithinDays == nil {
		missing = append(missing, FieldDue)
	}
	if strings.TrimSpace(ob.TriggerCondition) == "" {
		missing = append(missing, FieldTriggerCondition)
	}
	return missing
}

func presentRequiredFields(ob domain.Obligation) []string {
	fields := []string{FieldAmount, FieldTriggerCondition}
	if ob.DueDate != nil {
		fields = append(fields, FieldDueDate)
	}
	if ob.WithinDays != nil {
		fields = append(fields, FieldWithinDays)
	}
	sort.Strings(fields)
	return fields
}

func hasAnchored(rows []domain.Evidence) bool {
	for _, e := range rows {
		if e.Anchored() {
			return true
		}
	}
	return false
}

// sourceWeight favors primary contract documents over secondary email
// sources. This is a tie-break rule for ordering conflicting values, not an
// accuracy metric.
func sourceWeight(kind string) int {
	if kind == "contract_pdf" {
		return 2
	}
	return 1
}

// detectConflicts compares evidence values pairwise per field. Only amount,
// due_date and within_days participate; other fields cannot conflict.
func detectConflicts(byField map[string][]domain.Evidence, tol Tolerance) []domain.FieldConflict {
	var conflicts []domain.FieldConflict
	for _, field := range []string{FieldAmount, FieldDueDate, FieldWithinDays} {
		rows := byField[field]
		for i := 0; i < len(rows); i++ {
			for j := i + 1; j < len(rows); j++ {
				a, b := rows[i], rows[j]
				if a.SourceRef == b.SourceRef {
					continue
				}
				if !valuesConflict(field, a.Value, b.Value, tol) {
					continue
				}
				// Primary source first in the record.
				if sourceWeight(b.SourceKind) > sourceWeight(a.SourceKind) {
					a, b = b, a
				}
				conflicts = append(conflicts, domain.FieldConflict{
					Field:   field,
					ValueA:  a.Value,
					SourceA: a.SourceRef,
					ValueB:  b.Value,
					SourceB: b.SourceRef,
				})
			}
		}
	}
	return conflicts
}

func valuesConflict(field, a, b string, tol Tolerance) bool {
	switch field {
	case FieldAmount:
		fa, errA := strconv.ParseFloat(a, 64)
		fb, errB := strconv.ParseFloat(b, 64)
		if errA != nil || errB != nil {
			return a != b
		}
		return math.Abs(fa-fb) > tol.Amount
	case FieldDueDate:
		ta, errA := time.Parse("2006-01-02", a)
		tb, errB := time.Parse("2006-01-02", b)
		if errA != nil || errB != nil {
			return a != b
		}
		days := math.Abs(ta.Sub(tb).Hours()) / 24
		return days > float64(tol.DateDays)
	case FieldWithinDays:
		ia, errA := strconv.Atoi(a)
		ib, errB := strconv.Atoi(b)
		if errA != nil || errB != nil {
			return a != b
		}
		diff := ia - ib
		if diff < 0 {
			diff = -diff
		}
		return diff > tol.DateDays
	}
	return false
}
