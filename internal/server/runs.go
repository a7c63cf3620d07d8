package server

import (
	"context"
	"log"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"

	"ledgerline/internal/engine"
	"ledgerline/internal/repo"
)

func registerRuns(api huma.API, e engine.Engine, dispatch Enqueuer) {
	type triggerInput struct {
		IdempotencyKey string `header:"Idempotency-Key" required:"false"`
		Body           TriggerRunRequest
	}
	huma.Register(api, huma.Operation{
		OperationID: "trigger-run",
		Method:      http.MethodPost,
		Path:        "/runs",
		Summary:     "Trigger a run",
		Description: "Creates a run or returns the existing one when the idempotency key is already taken.",
	}, func(ctx context.Context, input *triggerInput) (*struct {
		Body TriggerRunResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		triggerType := input.Body.TriggerType
		if triggerType == "" {
			triggerType = "manual"
		}
		run, created, err := e.CreateOrReuseRun(ctx, engine.TriggerOptions{
			RunType:     input.Body.RunType,
			TriggerType: triggerType,
			ClientKey:   input.IdempotencyKey,
			Payload:     input.Body.Payload,
			CursorIn:    input.Body.CursorIn,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		if created && dispatch != nil {
			if err := dispatch.Enqueue(ctx, run.ID); err != nil {
				log.Printf("server: enqueue run %s: %v", run.ID, err)
			}
		}
		return &struct {
			Body TriggerRunResponse `json:"body"`
		}{Body: TriggerRunResponse{
			RunID:          run.ID,
			Status:         run.Status,
			IdempotencyKey: run.IdempotencyKey,
			Reused:         !created,
		}}, nil
	})

	type listRunsInput struct {
		RunType string `query:"run_type" required:"false"`
		Status  string `query:"status" required:"false"`
		Limit   int    `query:"limit" required:"false"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "List runs",
	}, func(ctx context.Context, input *listRunsInput) (*struct {
		Body []RunResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 {
			limit = 50
		}
		runs, err := e.Repo.ListRuns(ctx, repo.RunFilters{
			RunType: input.RunType,
			Status:  input.Status,
			Limit:   limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]RunResponse, 0, len(runs))
		for _, run := range runs {
			out = append(out, toRunResponse(run))
		}
		return &struct {
			Body []RunResponse `json:"body"`
		}{Body: out}, nil
	})

	type runPath struct {
		RunID string `path:"run_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}",
		Summary:     "Get a run",
	}, func(ctx context.Context, input *runPath) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		run, err := e.Repo.GetRun(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: toRunResponse(run)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-run-tasks",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/tasks",
		Summary:     "List a run's tasks in pipeline order",
	}, func(ctx context.Context, input *runPath) (*struct {
		Body []TaskView `json:"body"`
	}, error) {
		if _, err := e.Repo.GetRun(ctx, input.RunID); err != nil {
			return nil, handleError(err)
		}
		tasks, err := e.Repo.ListTasks(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]TaskView, 0, len(tasks))
		for _, t := range tasks {
			out = append(out, TaskView(t))
		}
		return &struct {
			Body []TaskView `json:"body"`
		}{Body: out}, nil
	})
}

func registerLogs(api huma.API, e engine.Engine) {
	type logsInput struct {
		RunID      string `query:"run_id" required:"false"`
		EntityType string `query:"entity_type" required:"false"`
		EntityID   string `query:"entity_id" required:"false"`
		Action     string `query:"action" required:"false"`
		Limit      int    `query:"limit" required:"false"`
		Cursor     string `query:"cursor" required:"false"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-logs",
		Method:      http.MethodGet,
		Path:        "/logs",
		Summary:     "List audit events, newest first",
	}, func(ctx context.Context, input *logsInput) (*struct {
		Body []AuditEventView `json:"body"`
	}, error) {
		f := repo.AuditFilters{
			EntityType: input.EntityType,
			EntityID:   input.EntityID,
			Action:     input.Action,
			Limit:      input.Limit,
		}
		if input.RunID != "" {
			f.EntityType = "run"
			f.EntityID = input.RunID
		}
		if input.Cursor != "" {
			cursor, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", nil)
			}
			f.Cursor = cursor
		}
		events, err := e.Repo.ListAuditEvents(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]AuditEventView, 0, len(events))
		for _, ev := range events {
			out = append(out, AuditEventView(ev))
		}
		return &struct {
			Body []AuditEventView `json:"body"`
		}{Body: out}, nil
	})
}
