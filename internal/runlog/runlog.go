// Package runlog records attribution and maintenance job runs.
package runlog

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/attribution-cli/internal/model"
)

// Store persists run log entries.
type Store interface {
	StartRun(ctx context.Context, run model.Run) error
	CompleteRun(ctx context.Context, id string, at time.Time, summary map[string]any) error
	FailRun(ctx context.Context, id string, at time.Time, msg string) error
	ListRuns(ctx context.Context, filter model.RunFilter) ([]model.Run, error)
}

// Fielder is implemented by results that know how to flatten themselves
// for the log.
type Fielder interface {
	Fields() map[string]any
}

// Log writes run entries. Bookkeeping failures are logged, never returned:
// a run log outage must not fail the job it describes. A nil *Log is a
// no-op that still hands out run ids.
type Log struct {
	store Store
	now   func() time.Time
}

// New creates a Log backed by store.
func New(store Store) *Log {
	return &Log{store: store, now: time.Now}
}

// WithNow sets a fixed clock for testing.
func (l *Log) WithNow(now func() time.Time) *Log {
	l.now = now
	return l
}

// Start records a running entry and returns its id.
func (l *Log) Start(ctx context.Context, job, orgID string) string {
	id := uuid.NewString()
	if l == nil {
		return id
	}
	err := l.store.StartRun(ctx, model.Run{
		ID:        id,
		Job:       job,
		OrgID:     orgID,
		Status:    model.RunStatusRunning,
		StartedAt: l.now().UTC(),
	})
	if err != nil {
		zap.L().Warn("runlog: start failed", zap.String("job", job), zap.String("run_id", id), zap.Error(err))
	}
	return id
}

// Complete marks the run complete with summary fields.
func (l *Log) Complete(ctx context.Context, id string, summary map[string]any) {
	if l == nil {
		return
	}
	if err := l.store.CompleteRun(ctx, id, l.now().UTC(), summary); err != nil {
		zap.L().Warn("runlog: complete failed", zap.String("run_id", id), zap.Error(err))
	}
}

// Fail marks the run failed.
func (l *Log) Fail(ctx context.Context, id string, runErr error) {
	if l == nil || runErr == nil {
		return
	}
	if err := l.store.FailRun(ctx, id, l.now().UTC(), runErr.Error()); err != nil {
		zap.L().Warn("runlog: fail failed", zap.String("run_id", id), zap.Error(err))
	}
}

// List returns entries matching filter, newest first.
func (l *Log) List(ctx context.Context, filter model.RunFilter) ([]model.Run, error) {
	if l == nil {
		return nil, nil
	}
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	runs, err := l.store.ListRuns(ctx, filter)
	if err != nil {
		return nil, eris.Wrap(err, "runlog: list runs")
	}
	return runs, nil
}

// Track runs fn between Start and Complete/Fail and returns its result.
func Track[T any](ctx context.Context, l *Log, job, orgID string, fn func(ctx context.Context) (T, error)) (T, error) {
	id := l.Start(ctx, job, orgID)
	res, err := fn(ctx)
	if err != nil {
		l.Fail(ctx, id, err)
		return res, err
	}
	l.Complete(ctx, id, Fields(res))
	return res, nil
}

// Fields flattens v for storage: Fielder values describe themselves,
// anything else goes through its JSON encoding.
func Fields(v any) map[string]any {
	if f, ok := v.(Fielder); ok {
		return f.Fields()
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
