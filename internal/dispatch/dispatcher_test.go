package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgerline/internal/config"
	"ledgerline/internal/db"
	"ledgerline/internal/engine"
	"ledgerline/internal/erp"
	"ledgerline/internal/extract"
	"ledgerline/internal/migrate"
	"ledgerline/internal/pack"
	"ledgerline/internal/repo"
	"ledgerline/internal/retry"
)

// stubERP serves canned JSON per path and can fail a path transiently a
// fixed number of times before succeeding.
type stubERP struct {
	mu        sync.Mutex
	responses map[string]string
	transient map[string]int
	calls     map[string]int
}

func (s *stubERP) Get(_ context.Context, path string, _ map[string]string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = map[string]int{}
	}
	s.calls[path]++
	if s.transient[path] > 0 {
		s.transient[path]--
		return nil, erp.Transient(fmt.Errorf("erp %s: status 503", path))
	}
	body, ok := s.responses[path]
	if !ok {
		return nil, erp.Permanent(fmt.Errorf("erp %s: status 404", path))
	}
	return json.RawMessage(body), nil
}

type dispatchEnv struct {
	Dispatcher *Dispatcher
	Engine     engine.Engine
	Store      *pack.Store
	Ctx        context.Context
}

func newDispatchEnv(t *testing.T, client erp.Client) dispatchEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	store := pack.New("file://" + filepath.Join(dir, "packs"))
	policy := retry.New(4, time.Millisecond, 2*time.Millisecond, 10000)

	d, err := New(eng, client, store, extract.JSONExtractor{}, policy)
	require.NoError(t, err)
	return dispatchEnv{Dispatcher: d, Engine: eng, Store: store, Ctx: context.Background()}
}

func (env dispatchEnv) trigger(t *testing.T, runType string, payload map[string]any) string {
	t.Helper()
	run, created, err := env.Engine.CreateOrReuseRun(env.Ctx, engine.TriggerOptions{
		RunType:     runType,
		TriggerType: "manual",
		Payload:     payload,
		ActorID:     "tester",
	})
	require.NoError(t, err)
	require.True(t, created)
	return run.ID
}

const contractDoc = `{
  "obligations": [
    {
      "type": "milestone_payment",
      "amount": 150000000,
      "currency": "KRW",
      "due_date": "2026-03-15",
      "trigger_condition": "delivery_phase_1",
      "confidence": 0.95,
      "risk_level": "high",
      "evidence": [
        {"field": "amount", "value": "150000000", "source_kind": "contract_pdf", "source_ref": "contract.pdf", "page": 12, "line": 4},
        {"field": "due_date", "value": "2026-03-15", "source_kind": "contract_pdf", "source_ref": "contract.pdf", "page": 12, "line": 6},
        {"field": "trigger_condition", "value": "delivery_phase_1", "source_kind": "contract_pdf", "source_ref": "contract.pdf", "page": 12, "line": 8}
      ]
    },
    {
      "type": "penalty",
      "amount": 5000,
      "currency": "KRW",
      "due_date": "2026-04-01",
      "confidence": 0.4,
      "risk_level": "low",
      "evidence": []
    }
  ]
}`

func caseDocuments(caseID string) string {
	doc := map[string]any{
		"case_id": caseID,
		"kind":    "contract_pdf",
		"uri":     "erp://contracts/" + caseID,
		"body":    json.RawMessage(contractDoc),
	}
	out, _ := json.Marshal([]any{doc})
	return string(out)
}

func TestExecuteContractObligationRun(t *testing.T) {
	client := &stubERP{responses: map[string]string{
		"/cases/case-1/documents": caseDocuments("case-1"),
	}}
	env := newDispatchEnv(t, client)
	runID := env.trigger(t, "contract_obligation", map[string]any{"case_id": "case-1"})

	require.NoError(t, env.Dispatcher.Execute(env.Ctx, runID))

	run, err := env.Engine.Repo.GetRun(env.Ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, "success", run.Status)
	require.NotNil(t, run.StatsJSON)
	var stats map[string]any
	require.NoError(t, json.Unmarshal([]byte(*run.StatsJSON), &stats))
	assert.Equal(t, float64(5), stats["tasks"])
	assert.Equal(t, float64(1), stats["documents"])
	assert.Equal(t, float64(2), stats["obligations"])
	assert.Equal(t, float64(3), stats["proposals"])

	tasks, err := env.Engine.Repo.ListTasks(env.Ctx, runID)
	require.NoError(t, err)
	require.Len(t, tasks, 5)
	wantOrder := []string{"fetch_source", "extract_obligations", "classify_tiers", "generate_proposals", "publish_evidence_pack"}
	for i, task := range tasks {
		assert.Equal(t, wantOrder[i], task.Name)
		assert.Equal(t, "success", task.Status)
		assert.NotEmpty(t, task.OutputRef)
		if i > 0 {
			assert.Equal(t, tasks[i-1].OutputRef, task.InputRef, "task input chains from previous output")
		}
	}

	obligations, err := env.Engine.Repo.ListObligations(env.Ctx, "case-1")
	require.NoError(t, err)
	require.Len(t, obligations, 2)

	proposals, err := env.Engine.Repo.ListProposals(env.Ctx, repo.ProposalFilters{CaseID: "case-1"})
	require.NoError(t, err)
	require.Len(t, proposals, 3)
	byType := map[string]int{}
	for _, p := range proposals {
		byType[p.ProposalType]++
		assert.Equal(t, "draft", p.Status)
	}
	// Anchored milestone drafts both governed outputs; the incomplete penalty
	// gets a missing_data request instead of invented values.
	assert.Equal(t, 1, byType["reminder"])
	assert.Equal(t, 1, byType["accrual_template"])
	assert.Equal(t, 1, byType["missing_data"])
	for _, p := range proposals {
		if p.RiskLevel == "high" {
			assert.Equal(t, 2, p.ApprovalsRequired, "high risk is dual control")
		}
	}

	// The published pack lives at the URI the drafts reference.
	packData, err := env.Store.Get(env.Ctx, env.Store.URI(evidencePackKey(runID)))
	require.NoError(t, err)
	var bundle struct {
		RunID   string `json:"run_id"`
		CaseID  string `json:"case_id"`
		Entries []any  `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(packData, &bundle))
	assert.Equal(t, runID, bundle.RunID)
	assert.Len(t, bundle.Entries, 2)
}

func TestExecuteIsIdempotentPerRun(t *testing.T) {
	client := &stubERP{responses: map[string]string{
		"/cases/case-1/documents": caseDocuments("case-1"),
	}}
	env := newDispatchEnv(t, client)
	runID := env.trigger(t, "contract_obligation", map[string]any{"case_id": "case-1"})

	require.NoError(t, env.Dispatcher.Execute(env.Ctx, runID))
	// A second delivery loses the start race on the terminal run and is a
	// silent no-op.
	require.NoError(t, env.Dispatcher.Execute(env.Ctx, runID))
	assert.Equal(t, 1, client.calls["/cases/case-1/documents"])
}

func TestExecuteFailureSkipsRemainingTasks(t *testing.T) {
	client := &stubERP{responses: map[string]string{}}
	env := newDispatchEnv(t, client)
	runID := env.trigger(t, "contract_obligation", map[string]any{"case_id": "case-404"})

	err := env.Dispatcher.Execute(env.Ctx, runID)
	require.Error(t, err)

	run, err := env.Engine.Repo.GetRun(env.Ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, "failed", run.Status)
	assert.Contains(t, run.Error, "status 404")

	tasks, err := env.Engine.Repo.ListTasks(env.Ctx, runID)
	require.NoError(t, err)
	require.Len(t, tasks, 5)
	assert.Equal(t, "failed", tasks[0].Status)
	for _, task := range tasks[1:] {
		assert.Equal(t, "skipped", task.Status)
	}
}

func TestExecuteRetriesTransientERPFailures(t *testing.T) {
	client := &stubERP{
		responses: map[string]string{
			"/ledger/entries": `[
				{"id": "e1", "account": "4000", "amount": -50, "currency": "KRW", "date": "2026-01-05"},
				{"id": "e2", "account": "4000", "amount": 100, "currency": "KRW", "date": "2026-01-06"},
				{"id": "e3", "account": "4000", "amount": 100, "currency": "KRW", "date": "2026-01-06"}
			]`,
		},
		transient: map[string]int{"/ledger/entries": 2},
	}
	env := newDispatchEnv(t, client)
	runID := env.trigger(t, "anomaly_scan", map[string]any{"account": "4000"})

	require.NoError(t, env.Dispatcher.Execute(env.Ctx, runID))
	assert.Equal(t, 3, client.calls["/ledger/entries"])

	run, err := env.Engine.Repo.GetRun(env.Ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, "success", run.Status)
	assert.Equal(t, "e3", run.CursorOut)
	require.NotNil(t, run.StatsJSON)
	var stats map[string]any
	require.NoError(t, json.Unmarshal([]byte(*run.StatsJSON), &stats))
	// Negative amount plus one duplicate (account, amount, date) line.
	assert.Equal(t, float64(2), stats["anomalies"])
}

func TestExecuteCashflowForecast(t *testing.T) {
	client := &stubERP{
		responses: map[string]string{
			"/ledger/entries": `[
				{"id": "e1", "account": "4000", "amount": 300, "currency": "KRW", "date": "2025-10-10"},
				{"id": "e2", "account": "4000", "amount": 600, "currency": "KRW", "date": "2025-11-10"},
				{"id": "e3", "account": "4000", "amount": 900, "currency": "KRW", "date": "2025-12-10"}
			]`,
		},
	}
	env := newDispatchEnv(t, client)
	runID := env.trigger(t, "cashflow_forecast", nil)

	require.NoError(t, env.Dispatcher.Execute(env.Ctx, runID))

	tasks, err := env.Engine.Repo.ListTasks(env.Ctx, runID)
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	data, err := env.Store.Get(env.Ctx, tasks[1].OutputRef)
	require.NoError(t, err)
	var report struct {
		History []struct {
			Month string  `json:"month"`
			Net   float64 `json:"net"`
		} `json:"history"`
		Projected []struct {
			Month string  `json:"month"`
			Net   float64 `json:"net"`
		} `json:"projected"`
	}
	require.NoError(t, json.Unmarshal(data, &report))
	require.Len(t, report.History, 3)
	require.Len(t, report.Projected, 3)
	assert.Equal(t, "2026-01", report.Projected[0].Month)
	assert.Equal(t, float64(600), report.Projected[0].Net, "trailing three-month average")
}

func TestWorkerPoolDrainsQueue(t *testing.T) {
	client := &stubERP{responses: map[string]string{
		"/cases/case-1/documents": caseDocuments("case-1"),
		"/cases/case-2/documents": caseDocuments("case-2"),
	}}
	env := newDispatchEnv(t, client)
	run1 := env.trigger(t, "contract_obligation", map[string]any{"case_id": "case-1"})
	run2 := env.trigger(t, "contract_obligation", map[string]any{"case_id": "case-2"})

	ctx, cancel := context.WithCancel(env.Ctx)
	defer cancel()
	env.Dispatcher.Start(ctx)
	require.NoError(t, env.Dispatcher.Enqueue(ctx, run1))
	require.NoError(t, env.Dispatcher.Enqueue(ctx, run2))
	env.Dispatcher.Stop()

	for _, id := range []string{run1, run2} {
		run, err := env.Engine.Repo.GetRun(env.Ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "success", run.Status)
	}
}

func TestQueuePublishConsume(t *testing.T) {
	q := NewQueue[string](2)
	ctx := context.Background()
	require.NoError(t, q.Publish(ctx, "a"))
	require.NoError(t, q.Publish(ctx, "b"))
	assert.Equal(t, 2, q.Size())

	item, ok, err := q.Consume(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", item)

	q.Close()
	item, ok, err = q.Consume(ctx)
	require.NoError(t, err)
	require.True(t, ok, "close drains remaining items")
	assert.Equal(t, "b", item)

	_, ok, err = q.Consume(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestQueuePublishAfterClose(t *testing.T) {
	// A trigger racing shutdown must get an error, not a send on a closed
	// channel.
	q := NewQueue[string](1)
	q.Close()
	err := q.Publish(context.Background(), "late")
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestQueueConsumeHonorsContext(t *testing.T) {
	q := NewQueue[string](1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok, err := q.Consume(ctx)
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.Canceled)
}
