package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"ledgerline/internal/config"
	"ledgerline/internal/domain"
)

// RunContext is the per-run execution state shared by a run's tasks. Tasks
// communicate only through the input/output refs and the stats map; the
// dispatcher guarantees sequential execution, so no locking.
type RunContext struct {
	Run     domain.Run
	Payload map[string]any
	Stats   map[string]any
}

// PayloadString returns a string payload field, empty when absent.
func (rc *RunContext) PayloadString(key string) string {
	if v, ok := rc.Payload[key].(string); ok {
		return v
	}
	return ""
}

// TaskFunc executes one pipeline step. in is the output ref of the previous
// step (empty for the first); the returned ref becomes the next step's
// input. Errors carry the transient/permanent classification.
type TaskFunc func(ctx context.Context, rc *RunContext, in string) (string, error)

// Registry maps step names to their implementations. The set is closed at
// startup; configs naming unregistered steps are rejected before any run is
// accepted.
type Registry map[string]TaskFunc

// Validate checks every configured pipeline step has an implementation.
func (r Registry) Validate(cfg *config.Config) error {
	for runType, steps := range cfg.Pipelines {
		for _, step := range steps {
			if _, ok := r[step]; !ok {
				return fmt.Errorf("pipeline %s: no implementation for step %s", runType, step)
			}
		}
	}
	return nil
}

func decodePayload(run domain.Run) (map[string]any, error) {
	payload := map[string]any{}
	if run.PayloadJSON == "" {
		return payload, nil
	}
	if err := json.Unmarshal([]byte(run.PayloadJSON), &payload); err != nil {
		return nil, fmt.Errorf("run %s payload: %w", run.ID, err)
	}
	return payload, nil
}
