package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"ledgerline/internal/domain"
	"ledgerline/internal/erp"
	"ledgerline/internal/extract"
)

// sourceBundle is the fetch_source output stored in the pack: the fetched
// documents verbatim plus the case they belong to.
type sourceBundle struct {
	CaseID    string             `json:"case_id"`
	Documents []extract.Document `json:"documents"`
}

// obligationSet carries obligation IDs between steps.
type obligationSet struct {
	CaseID        string            `json:"case_id"`
	ObligationIDs []string          `json:"obligation_ids"`
	Tiers         map[string]int    `json:"tiers,omitempty"`
	Reasons       map[string]string `json:"reasons,omitempty"`
}

// fetchSource pulls the case's source documents from the read-only ERP and
// stores the bundle unmodified.
func (d *Dispatcher) fetchSource(ctx context.Context, rc *RunContext, _ string) (string, error) {
	caseID := rc.PayloadString("case_id")
	if caseID == "" {
		return "", erp.Permanent(fmt.Errorf("payload missing case_id"))
	}
	raw, err := d.ERP.Get(ctx, "/cases/"+caseID+"/documents", nil)
	if err != nil {
		return "", err
	}
	var docs []extract.Document
	if err := json.Unmarshal(raw, &docs); err != nil {
		return "", erp.Permanent(fmt.Errorf("case %s documents: %w", caseID, err))
	}
	for i := range docs {
		if docs[i].CaseID == "" {
			docs[i].CaseID = caseID
		}
	}
	bundle := sourceBundle{CaseID: caseID, Documents: docs}
	data, err := json.Marshal(bundle)
	if err != nil {
		return "", err
	}
	rc.Stats["documents"] = len(docs)
	return d.Pack.Put(ctx, "runs/"+rc.Run.ID+"/source.json", data)
}

// extractObligations turns the fetched documents into persisted obligation
// candidates with their evidence.
func (d *Dispatcher) extractObligations(ctx context.Context, rc *RunContext, in string) (string, error) {
	var bundle sourceBundle
	if err := d.loadJSON(ctx, in, &bundle); err != nil {
		return "", err
	}
	var candidates []extract.Candidate
	for _, doc := range bundle.Documents {
		cs, err := d.Extractor.Extract(ctx, doc)
		if err != nil {
			return "", err
		}
		candidates = append(candidates, cs...)
	}
	obligations, err := d.Engine.PersistCandidates(ctx, candidates, d.Engine.Config.Agent.ID)
	if err != nil {
		return "", err
	}
	set := obligationSet{CaseID: bundle.CaseID}
	for _, ob := range obligations {
		set.ObligationIDs = append(set.ObligationIDs, ob.ID)
	}
	rc.Stats["obligations"] = len(set.ObligationIDs)
	return d.putJSON(ctx, "runs/"+rc.Run.ID+"/obligations.json", set)
}

// classifyTiers records each obligation's tier before proposal generation.
func (d *Dispatcher) classifyTiers(ctx context.Context, rc *RunContext, in string) (string, error) {
	var set obligationSet
	if err := d.loadJSON(ctx, in, &set); err != nil {
		return "", err
	}
	set.Tiers = map[string]int{}
	set.Reasons = map[string]string{}
	for _, id := range set.ObligationIDs {
		res, err := d.Engine.ClassifyObligation(ctx, id)
		if err != nil {
			return "", err
		}
		set.Tiers[id] = res.Tier
		set.Reasons[id] = res.Reason
	}
	return d.putJSON(ctx, "runs/"+rc.Run.ID+"/tiers.json", set)
}

// generateProposals drafts the governed outputs. The evidence-pack URI is
// deterministic per run, so drafts can reference it before the publish step
// materializes the bundle.
func (d *Dispatcher) generateProposals(ctx context.Context, rc *RunContext, in string) (string, error) {
	var set obligationSet
	if err := d.loadJSON(ctx, in, &set); err != nil {
		return "", err
	}
	packURI := d.Pack.URI(evidencePackKey(rc.Run.ID))
	total := 0
	for _, id := range set.ObligationIDs {
		proposals, err := d.Engine.GenerateProposals(ctx, id, d.Engine.Config.Agent.ID, packURI)
		if err != nil {
			return "", err
		}
		total += len(proposals)
	}
	rc.Stats["proposals"] = total
	return in, nil
}

// publishEvidencePack bundles obligations, evidence and tier outcomes into
// one reviewable JSON document at the URI the proposals already reference.
func (d *Dispatcher) publishEvidencePack(ctx context.Context, rc *RunContext, in string) (string, error) {
	var set obligationSet
	if err := d.loadJSON(ctx, in, &set); err != nil {
		return "", err
	}
	type packEntry struct {
		Obligation domain.Obligation `json:"obligation"`
		Evidence   []domain.Evidence `json:"evidence"`
		Tier       int               `json:"tier"`
		Reason     string            `json:"reason"`
	}
	bundle := struct {
		RunID   string      `json:"run_id"`
		CaseID  string      `json:"case_id"`
		Entries []packEntry `json:"entries"`
	}{RunID: rc.Run.ID, CaseID: set.CaseID}
	for _, id := range set.ObligationIDs {
		ob, err := d.Engine.Repo.GetObligation(ctx, id)
		if err != nil {
			return "", err
		}
		evidence, err := d.Engine.Repo.ListEvidence(ctx, id)
		if err != nil {
			return "", err
		}
		bundle.Entries = append(bundle.Entries, packEntry{
			Obligation: ob,
			Evidence:   evidence,
			Tier:       set.Tiers[id],
			Reason:     set.Reasons[id],
		})
	}
	return d.putJSON(ctx, evidencePackKey(rc.Run.ID), bundle)
}

// storeDocument archives fetched documents under the case's document area.
func (d *Dispatcher) storeDocument(ctx context.Context, rc *RunContext, in string) (string, error) {
	var bundle sourceBundle
	if err := d.loadJSON(ctx, in, &bundle); err != nil {
		return "", err
	}
	rc.Stats["stored"] = len(bundle.Documents)
	return d.putJSON(ctx, "documents/"+bundle.CaseID+"/"+rc.Run.ID+".json", bundle)
}

// ledgerEntry is the read-only ERP's journal line shape.
type ledgerEntry struct {
	ID       string  `json:"id"`
	Account  string  `json:"account"`
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
	Date     string  `json:"date"`
	Memo     string  `json:"memo,omitempty"`
}

// fetchEntries pulls ledger entries after the incoming cursor and records
// the new cursor for the next scheduled run.
func (d *Dispatcher) fetchEntries(ctx context.Context, rc *RunContext, _ string) (string, error) {
	params := map[string]string{}
	if rc.Run.CursorIn != "" {
		params["after"] = rc.Run.CursorIn
	}
	if account := rc.PayloadString("account"); account != "" {
		params["account"] = account
	}
	raw, err := d.ERP.Get(ctx, "/ledger/entries", params)
	if err != nil {
		return "", err
	}
	var entries []ledgerEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return "", erp.Permanent(fmt.Errorf("ledger entries: %w", err))
	}
	rc.Stats["entries"] = len(entries)
	if len(entries) > 0 {
		rc.Stats["cursor_out"] = entries[len(entries)-1].ID
	}
	return d.putJSON(ctx, "runs/"+rc.Run.ID+"/entries.json", entries)
}

// flagAnomalies surfaces rule-based oddities: non-positive amounts and
// duplicate (account, amount, date) lines. Pattern judgement stays with the
// human reviewing the report.
func (d *Dispatcher) flagAnomalies(ctx context.Context, rc *RunContext, in string) (string, error) {
	var entries []ledgerEntry
	if err := d.loadJSON(ctx, in, &entries); err != nil {
		return "", err
	}
	type anomaly struct {
		EntryID string `json:"entry_id"`
		Rule    string `json:"rule"`
		Detail  string `json:"detail"`
	}
	var anomalies []anomaly
	seen := map[string]string{}
	for _, e := range entries {
		if e.Amount <= 0 {
			anomalies = append(anomalies, anomaly{
				EntryID: e.ID,
				Rule:    "non_positive_amount",
				Detail:  fmt.Sprintf("amount %v", e.Amount),
			})
		}
		key := fmt.Sprintf("%s|%v|%s", e.Account, e.Amount, e.Date)
		if first, dup := seen[key]; dup {
			anomalies = append(anomalies, anomaly{
				EntryID: e.ID,
				Rule:    "duplicate_entry",
				Detail:  "duplicates " + first,
			})
		} else {
			seen[key] = e.ID
		}
	}
	rc.Stats["anomalies"] = len(anomalies)
	return d.putJSON(ctx, "runs/"+rc.Run.ID+"/anomalies.json", anomalies)
}

// forecastCashflow aggregates entries by month and projects the trailing
// three-month average forward. A report, not advice; it never feeds back
// into the ledger.
func (d *Dispatcher) forecastCashflow(ctx context.Context, rc *RunContext, in string) (string, error) {
	var entries []ledgerEntry
	if err := d.loadJSON(ctx, in, &entries); err != nil {
		return "", err
	}
	byMonth := map[string]float64{}
	for _, e := range entries {
		t, err := time.Parse("2006-01-02", e.Date)
		if err != nil {
			continue
		}
		byMonth[t.Format("2006-01")] += e.Amount
	}
	months := make([]string, 0, len(byMonth))
	for m := range byMonth {
		months = append(months, m)
	}
	sort.Strings(months)

	window := months
	if len(window) > 3 {
		window = window[len(window)-3:]
	}
	var avg float64
	if len(window) > 0 {
		for _, m := range window {
			avg += byMonth[m]
		}
		avg /= float64(len(window))
	}
	type monthNet struct {
		Month string  `json:"month"`
		Net   float64 `json:"net"`
	}
	report := struct {
		History   []monthNet `json:"history"`
		Projected []monthNet `json:"projected"`
	}{}
	for _, m := range months {
		report.History = append(report.History, monthNet{Month: m, Net: byMonth[m]})
	}
	if len(months) > 0 {
		last, err := time.Parse("2006-01", months[len(months)-1])
		if err == nil {
			for i := 1; i <= 3; i++ {
				report.Projected = append(report.Projected, monthNet{
					Month: last.AddDate(0, i, 0).Format("2006-01"),
					Net:   avg,
				})
			}
		}
	}
	rc.Stats["months"] = len(months)
	return d.putJSON(ctx, "runs/"+rc.Run.ID+"/forecast.json", report)
}

func evidencePackKey(runID string) string {
	return "packs/" + runID + "/evidence.json"
}

func (d *Dispatcher) putJSON(ctx context.Context, key string, v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return d.Pack.Put(ctx, key, data)
}

func (d *Dispatcher) loadJSON(ctx context.Context, uri string, v any) error {
	if uri == "" {
		return erp.Permanent(fmt.Errorf("missing input ref"))
	}
	data, err := d.Pack.Get(ctx, uri)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return erp.Permanent(fmt.Errorf("decode %s: %w", uri, err))
	}
	return nil
}
