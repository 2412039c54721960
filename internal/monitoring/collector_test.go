package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/attribution-cli/internal/model"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var collectNow = time.Date(2026, 6, 30, 12, 0, 0, 0, time.UTC)

// mockRunLister returns canned runs filtered by StartedAfter.
type mockRunLister struct {
	runs    []model.Run
	err     error
	filters []model.RunFilter
}

func (m *mockRunLister) ListRuns(_ context.Context, filter model.RunFilter) ([]model.Run, error) {
	m.filters = append(m.filters, filter)
	if m.err != nil {
		return nil, m.err
	}
	var out []model.Run
	for _, r := range m.runs {
		if !filter.StartedAfter.IsZero() && r.StartedAt.Before(filter.StartedAfter) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func attributeRun(id string, hoursAgo int, summary map[string]any) model.Run {
	return model.Run{
		ID:        id,
		Job:       model.JobAttribute,
		OrgID:     "org-1",
		Status:    model.RunStatusComplete,
		StartedAt: collectNow.Add(-time.Duration(hoursAgo) * time.Hour),
		Summary:   summary,
	}
}

func TestCollector_EmptyRunLog(t *testing.T) {
	lister := &mockRunLister{}
	c := NewCollector(lister).WithNow(func() time.Time { return collectNow })

	snap, err := c.Collect(context.Background(), 24)
	require.NoError(t, err)

	assert.Equal(t, 0, snap.RunsTotal)
	assert.Equal(t, 0.0, snap.WriteErrorRate)
	assert.Equal(t, 0.0, snap.OrganicShare)
	assert.Equal(t, 24, snap.LookbackHours)
	assert.Equal(t, collectNow, snap.CollectedAt)

	require.Len(t, lister.filters, 1)
	assert.Equal(t, collectNow.Add(-24*time.Hour), lister.filters[0].StartedAfter)
	assert.Equal(t, maxCollectRuns, lister.filters[0].Limit)
}

func TestCollector_RunMetrics(t *testing.T) {
	lister := &mockRunLister{
		runs: []model.Run{
			attributeRun("r1", 1, map[string]any{
				"transactions_considered": float64(50),
				"created":                 float64(40),
				"errors":                  float64(10),
				"by_method":               map[string]any{"organic": float64(20), "refcode": float64(20)},
			}),
			attributeRun("r2", 2, map[string]any{
				"transactions_considered": 10,
				"created":                 10,
				"errors":                  0,
				"by_method":               map[string]any{"organic": json.Number("5")},
			}),
			{ID: "r3", Job: model.JobRefcodeRecon, Status: model.RunStatusComplete, StartedAt: collectNow.Add(-3 * time.Hour),
				Summary: map[string]any{"created": float64(999)}},
			{ID: "r4", Job: model.JobIdentityRebuild, OrgID: "org-2", Status: model.RunStatusFailed,
				StartedAt: collectNow.Add(-4 * time.Hour), Error: "connection refused"},
			{ID: "r5", Job: model.JobAttribute, Status: model.RunStatusRunning, StartedAt: collectNow.Add(-10 * time.Minute)},
			// Outside the window.
			{ID: "r6", Job: model.JobAttribute, Status: model.RunStatusFailed, StartedAt: collectNow.Add(-48 * time.Hour)},
		},
	}

	c := NewCollector(lister).WithNow(func() time.Time { return collectNow })
	snap, err := c.Collect(context.Background(), 24)
	require.NoError(t, err)

	assert.Equal(t, 5, snap.RunsTotal)
	assert.Equal(t, 3, snap.RunsComplete)
	assert.Equal(t, 1, snap.RunsFailed)
	assert.Equal(t, 1, snap.RunsRunning)
	require.Len(t, snap.Failures, 1)
	assert.Equal(t, RunFailure{ID: "r4", Job: model.JobIdentityRebuild, OrgID: "org-2", Error: "connection refused"}, snap.Failures[0])

	assert.Equal(t, 60, snap.TransactionsConsidered)
	assert.Equal(t, 50, snap.RecordsCreated)
	assert.Equal(t, 10, snap.WriteErrors)
	assert.InDelta(t, 10.0/60.0, snap.WriteErrorRate, 0.0001)
	assert.Equal(t, 25, snap.OrganicRecords)
	assert.InDelta(t, 0.5, snap.OrganicShare, 0.0001)
}

func TestCollector_ListError(t *testing.T) {
	lister := &mockRunLister{err: errors.New("db down")}
	c := NewCollector(lister)

	_, err := c.Collect(context.Background(), 24)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "monitoring: list runs")
}

func TestIntField(t *testing.T) {
	m := map[string]any{
		"int":    7,
		"int64":  int64(8),
		"float":  float64(9),
		"number": json.Number("10"),
		"string": "11",
	}
	assert.Equal(t, 7, intField(m, "int"))
	assert.Equal(t, 8, intField(m, "int64"))
	assert.Equal(t, 9, intField(m, "float"))
	assert.Equal(t, 10, intField(m, "number"))
	assert.Equal(t, 0, intField(m, "string"))
	assert.Equal(t, 0, intField(m, "missing"))
	assert.Equal(t, 0, intField(nil, "missing"))
}
