// Package engine owns every state transition of the system: the run
// lifecycle, obligation persistence and the approval state machine. All
// mutations happen in a transaction together with their audit event.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ledgerline/internal/audit"
	"ledgerline/internal/config"
	"ledgerline/internal/domain"
	"ledgerline/internal/idem"
	"ledgerline/internal/repo"
)

var (
	// ErrIdempotencyConflict means the idempotency key was replayed with a
	// different payload.
	ErrIdempotencyConflict = errors.New("idempotency key reused with different payload")
	// ErrUnknownRunType means the run type has no configured pipeline.
	ErrUnknownRunType = errors.New("unknown run type")
	// ErrInvalidTrigger means the trigger type is outside the closed set.
	ErrInvalidTrigger = errors.New("invalid trigger type")
	// ErrRunConflict means a concurrent writer won a run transition race.
	ErrRunConflict = errors.New("run state changed concurrently")
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

// audit builds the writer on demand so trail timestamps follow the engine's
// clock, including a test clock assigned after New.
func (e Engine) audit() audit.Writer {
	return audit.Writer{DB: e.DB, Now: e.Now}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

// TriggerOptions are the parameters of a run trigger request.
type TriggerOptions struct {
	RunType     string
	TriggerType string
	ClientKey   string
	Payload     map[string]any
	CursorIn    string
	ActorID     string
}

// CreateOrReuseRun creates a run for the trigger or returns the existing one
// when the idempotency key is already taken. The run row, its expanded task
// rows and the audit event commit atomically; a reused run is returned
// unchanged and never re-dispatched. Any store failure fails the trigger.
func (e Engine) CreateOrReuseRun(ctx context.Context, opts TriggerOptions) (domain.Run, bool, error) {
	if e.Config == nil {
		return domain.Run{}, false, errors.New("config not loaded")
	}
	steps, ok := e.Config.Pipelines[opts.RunType]
	if !ok {
		return domain.Run{}, false, fmt.Errorf("%w: %s", ErrUnknownRunType, opts.RunType)
	}
	switch opts.TriggerType {
	case "manual", "event", "schedule":
	default:
		return domain.Run{}, false, fmt.Errorf("%w: %s", ErrInvalidTrigger, opts.TriggerType)
	}

	key := idem.Resolve(opts.ClientKey, opts.RunType, opts.Payload)
	hash := idem.PayloadHash(opts.Payload)
	payloadJSON, err := json.Marshal(opts.Payload)
	if err != nil {
		return domain.Run{}, false, err
	}
	now := e.nowRFC3339()
	run := domain.Run{
		ID:             uuid.New().String(),
		RunType:        opts.RunType,
		TriggerType:    opts.TriggerType,
		IdempotencyKey: key,
		PayloadHash:    hash,
		PayloadJSON:    string(payloadJSON),
		Status:         "queued",
		CursorIn:       opts.CursorIn,
		CreatedAt:      now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Run{}, false, err
	}
	defer tx.Rollback()

	created, err := e.Repo.InsertRunIfAbsent(ctx, tx, run)
	if err != nil {
		return domain.Run{}, false, err
	}
	if !created {
		_ = tx.Rollback()
		existing, err := e.Repo.GetRunByKey(ctx, key)
		if err != nil {
			return domain.Run{}, false, err
		}
		if existing.PayloadHash != hash {
			return domain.Run{}, false, fmt.Errorf("%w: key %s", ErrIdempotencyConflict, key)
		}
		return existing, false, nil
	}

	tasks := make([]domain.Task, 0, len(steps))
	for i, name := range steps {
		tasks = append(tasks, domain.Task{
			ID:     uuid.New().String(),
			RunID:  run.ID,
			Seq:    i + 1,
			Name:   name,
			Status: "pending",
		})
	}
	if err := e.Repo.InsertTasksTx(ctx, tx, tasks); err != nil {
		return domain.Run{}, false, err
	}
	if err := e.audit().Append(ctx, tx, "run", run.ID, "run.created", opts.ActorID, audit.Payload{
		"run_type":        run.RunType,
		"trigger_type":    run.TriggerType,
		"idempotency_key": run.IdempotencyKey,
		"tasks":           len(tasks),
	}); err != nil {
		return domain.Run{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Run{}, false, err
	}
	return run, true, nil
}

// StartRun moves a run from queued to running. Exactly one caller wins; the
// loser gets ErrRunConflict.
func (e Engine) StartRun(ctx context.Context, runID, actorID string) (domain.Run, error) {
	now := e.nowRFC3339()
	err := e.transitionRun(ctx, runID, "queued", "running", actorID, map[string]any{"started_at": now}, audit.Payload{})
	if err != nil {
		return domain.Run{}, err
	}
	return e.Repo.GetRun(ctx, runID)
}

// FinishRun moves a run from running to a terminal status. Stats and the
// outgoing cursor are recorded on success, the error string on failure.
func (e Engine) FinishRun(ctx context.Context, runID, status, errMsg, cursorOut string, stats map[string]any, actorID string) (domain.Run, error) {
	if status != "success" && status != "failed" {
		return domain.Run{}, fmt.Errorf("invalid terminal run status %s", status)
	}
	sets := map[string]any{"finished_at": e.nowRFC3339()}
	payload := audit.Payload{"status": status}
	if errMsg != "" {
		sets["error"] = errMsg
		payload["error"] = errMsg
	}
	if cursorOut != "" {
		sets["cursor_out"] = cursorOut
	}
	if len(stats) > 0 {
		b, err := json.Marshal(stats)
		if err != nil {
			return domain.Run{}, err
		}
		sets["stats_json"] = string(b)
	}
	if err := e.transitionRun(ctx, runID, "running", status, actorID, sets, payload); err != nil {
		return domain.Run{}, err
	}
	return e.Repo.GetRun(ctx, runID)
}

func (e Engine) transitionRun(ctx context.Context, runID, from, to, actorID string, sets map[string]any, payload audit.Payload) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	won, err := e.Repo.TransitionRun(ctx, tx, runID, from, to, sets)
	if err != nil {
		return err
	}
	if !won {
		if _, err := e.Repo.GetRunTx(ctx, tx, runID); errors.Is(err, repo.ErrNotFound) {
			return err
		}
		return fmt.Errorf("%w: %s -> %s", ErrRunConflict, from, to)
	}
	payload["from_status"] = from
	payload["to_status"] = to
	if err := e.audit().Append(ctx, tx, "run", runID, "run."+to, actorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

// MarkTask records a task status change with timestamps and refs. Task rows
// are single-writer (one worker owns a run), so no conditional update.
func (e Engine) MarkTask(ctx context.Context, t domain.Task) error {
	return e.Repo.UpdateTask(ctx, t)
}
