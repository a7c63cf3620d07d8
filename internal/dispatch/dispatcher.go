// Package dispatch executes queued runs. A worker pool consumes run IDs
// from an in-memory queue; each run's tasks execute strictly in order, the
// output ref of one step feeding the input of the next. The first task
// failure fails the run and skips the rest.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"ledgerline/internal/domain"
	"ledgerline/internal/engine"
	"ledgerline/internal/erp"
	"ledgerline/internal/extract"
	"ledgerline/internal/pack"
	"ledgerline/internal/retry"
	"ledgerline/internal/telemetry"
)

type Dispatcher struct {
	Engine    engine.Engine
	ERP       erp.Client
	Pack      *pack.Store
	Extractor extract.Extractor
	Retry     *retry.Policy
	Workers   int

	queue    *Queue[string]
	registry Registry
	wg       sync.WaitGroup
}

// New builds a dispatcher with the full step registry. Returns an error when
// the configured pipelines name a step with no implementation.
func New(eng engine.Engine, client erp.Client, store *pack.Store, extractor extract.Extractor, policy *retry.Policy) (*Dispatcher, error) {
	d := &Dispatcher{
		Engine:    eng,
		ERP:       client,
		Pack:      store,
		Extractor: extractor,
		Retry:     policy,
		Workers:   eng.Config.Dispatch.Workers,
		queue:     NewQueue[string](eng.Config.Dispatch.QueueBuffer),
	}
	d.registry = Registry{
		"fetch_source":          d.fetchSource,
		"extract_obligations":   d.extractObligations,
		"classify_tiers":        d.classifyTiers,
		"generate_proposals":    d.generateProposals,
		"publish_evidence_pack": d.publishEvidencePack,
		"store_document":        d.storeDocument,
		"fetch_entries":         d.fetchEntries,
		"flag_anomalies":        d.flagAnomalies,
		"forecast_cashflow":     d.forecastCashflow,
	}
	if err := d.registry.Validate(eng.Config); err != nil {
		return nil, err
	}
	return d, nil
}

// Start launches the worker pool. Workers exit when the context ends or the
// queue closes.
func (d *Dispatcher) Start(ctx context.Context) {
	workers := d.Workers
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go func(worker int) {
			defer d.wg.Done()
			for {
				runID, ok, err := d.queue.Consume(ctx)
				if err != nil || !ok {
					return
				}
				if err := d.Execute(ctx, runID); err != nil {
					log.Printf("dispatch worker %d: run %s: %v", worker, runID, err)
				}
			}
		}(i)
	}
}

// Stop closes the queue and waits for in-flight runs to finish.
func (d *Dispatcher) Stop() {
	d.queue.Close()
	d.wg.Wait()
}

// Enqueue hands a queued run to the worker pool.
func (d *Dispatcher) Enqueue(ctx context.Context, runID string) error {
	return d.queue.Publish(ctx, runID)
}

// Execute runs one run to a terminal status. Exported so the CLI can drive
// runs synchronously without a worker pool.
func (d *Dispatcher) Execute(ctx context.Context, runID string) error {
	run, err := d.Engine.StartRun(ctx, runID, d.Engine.Config.Agent.ID)
	if err != nil {
		if errors.Is(err, engine.ErrRunConflict) {
			// Lost the start race; another worker owns the run.
			return nil
		}
		return err
	}
	ctx, span := telemetry.StartSpan(ctx, "run.execute", map[string]string{
		"run_id":   run.ID,
		"run_type": run.RunType,
	})

	payload, err := decodePayload(run)
	if err != nil {
		d.failRun(ctx, run.ID, err)
		telemetry.EndSpan(span, err)
		return err
	}
	rc := &RunContext{Run: run, Payload: payload, Stats: map[string]any{}}

	tasks, err := d.Engine.Repo.ListTasks(ctx, run.ID)
	if err != nil {
		d.failRun(ctx, run.ID, err)
		telemetry.EndSpan(span, err)
		return err
	}

	in := ""
	var runErr error
	for _, t := range tasks {
		if runErr != nil {
			t.Status = "skipped"
			if err := d.Engine.MarkTask(ctx, t); err != nil {
				log.Printf("dispatch: mark task %s skipped: %v", t.ID, err)
			}
			continue
		}
		out, err := d.executeTask(ctx, rc, t, in)
		if err != nil {
			runErr = err
			continue
		}
		in = out
	}

	if runErr != nil {
		d.failRun(ctx, run.ID, runErr)
		telemetry.EndSpan(span, runErr)
		return runErr
	}
	rc.Stats["tasks"] = len(tasks)
	cursorOut, _ := rc.Stats["cursor_out"].(string)
	delete(rc.Stats, "cursor_out")
	if _, err := d.Engine.FinishRun(ctx, run.ID, "success", "", cursorOut, rc.Stats, d.Engine.Config.Agent.ID); err != nil {
		telemetry.EndSpan(span, err)
		return err
	}
	telemetry.EndSpan(span, nil)
	return nil
}

func (d *Dispatcher) executeTask(ctx context.Context, rc *RunContext, t domain.Task, in string) (string, error) {
	fn, ok := d.registry[t.Name]
	if !ok {
		return "", erp.Permanent(fmt.Errorf("no implementation for step %s", t.Name))
	}
	now := d.nowRFC3339()
	t.Status = "running"
	t.InputRef = in
	t.StartedAt = &now
	if err := d.Engine.MarkTask(ctx, t); err != nil {
		return "", err
	}

	ctx, span := telemetry.StartSpan(ctx, "task."+t.Name, map[string]string{
		"run_id": rc.Run.ID,
	})
	var out string
	err := d.Retry.Do(ctx, func(ctx context.Context) error {
		var ferr error
		out, ferr = fn(ctx, rc, in)
		return ferr
	})
	telemetry.EndSpan(span, err)

	done := d.nowRFC3339()
	t.FinishedAt = &done
	if err != nil {
		t.Status = "failed"
		t.Error = err.Error()
	} else {
		t.Status = "success"
		t.OutputRef = out
	}
	if merr := d.Engine.MarkTask(ctx, t); merr != nil {
		return "", merr
	}
	return out, err
}

func (d *Dispatcher) failRun(ctx context.Context, runID string, cause error) {
	if _, err := d.Engine.FinishRun(ctx, runID, "failed", cause.Error(), "", nil, d.Engine.Config.Agent.ID); err != nil {
		log.Printf("dispatch: fail run %s: %v", runID, err)
	}
}

func (d *Dispatcher) nowRFC3339() string {
	now := d.Engine.Now
	if now == nil {
		now = time.Now
	}
	return now().UTC().Format(time.RFC3339)
}
