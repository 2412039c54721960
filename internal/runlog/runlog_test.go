package runlog

import (
	"context"
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

type memStore struct {
	runs     map[string]*model.Run
	startErr error
	filter   model.RunFilter
}

func newMemStore() *memStore { return &memStore{runs: map[string]*model.Run{}} }

func (m *memStore) StartRun(_ context.Context, run model.Run) error {
	if m.startErr != nil {
		return m.startErr
	}
	m.runs[run.ID] = &run
	return nil
}

func (m *memStore) CompleteRun(_ context.Context, id string, at time.Time, summary map[string]any) error {
	r, ok := m.runs[id]
	if !ok {
		return errors.New("no such run")
	}
	r.Status = model.RunStatusComplete
	r.CompletedAt = &at
	r.Summary = summary
	return nil
}

func (m *memStore) FailRun(_ context.Context, id string, at time.Time, msg string) error {
	r, ok := m.runs[id]
	if !ok {
		return errors.New("no such run")
	}
	r.Status = model.RunStatusFailed
	r.CompletedAt = &at
	r.Error = msg
	return nil
}

func (m *memStore) ListRuns(_ context.Context, f model.RunFilter) ([]model.Run, error) {
	m.filter = f
	var out []model.Run
	for _, r := range m.runs {
		out = append(out, *r)
	}
	return out, nil
}

type counts struct {
	Links int `json:"links"`
}

func TestTrack_Complete(t *testing.T) {
	st := newMemStore()
	l := New(st)

	res, err := Track(context.Background(), l, model.JobIdentityRebuild, "org-1", func(context.Context) (*counts, error) {
		return &counts{Links: 3}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Links)

	require.Len(t, st.runs, 1)
	for _, r := range st.runs {
		assert.Equal(t, model.RunStatusComplete, r.Status)
		assert.Equal(t, "org-1", r.OrgID)
		assert.Equal(t, model.JobIdentityRebuild, r.Job)
		assert.Equal(t, float64(3), r.Summary["links"])
		assert.NotNil(t, r.CompletedAt)
	}
}

func TestTrack_Fail(t *testing.T) {
	st := newMemStore()
	_, err := Track(context.Background(), New(st), model.JobRefcodeRecon, "org-1", func(context.Context) (*counts, error) {
		return nil, errors.New("boom")
	})
	require.Error(t, err)
	for _, r := range st.runs {
		assert.Equal(t, model.RunStatusFailed, r.Status)
		assert.Equal(t, "boom", r.Error)
	}
}

func TestStart_StoreFailureStillReturnsID(t *testing.T) {
	st := newMemStore()
	st.startErr = errors.New("down")
	id := New(st).Start(context.Background(), model.JobAttribute, "org-1")
	assert.NotEmpty(t, id)
	assert.Empty(t, st.runs)
}

func TestNilLog(t *testing.T) {
	var l *Log
	id := l.Start(context.Background(), model.JobAttribute, "org-1")
	assert.NotEmpty(t, id)
	l.Complete(context.Background(), id, nil)
	l.Fail(context.Background(), id, errors.New("x"))
	runs, err := l.List(context.Background(), model.RunFilter{})
	require.NoError(t, err)
	assert.Nil(t, runs)
}

func TestList_DefaultLimit(t *testing.T) {
	st := newMemStore()
	_, err := New(st).List(context.Background(), model.RunFilter{Job: model.JobAttribute})
	require.NoError(t, err)
	assert.Equal(t, 50, st.filter.Limit)
	assert.Equal(t, model.JobAttribute, st.filter.Job)
}

type fielder struct{}

func (fielder) Fields() map[string]any { return map[string]any{"custom": true} }

func TestFields(t *testing.T) {
	assert.Equal(t, map[string]any{"custom": true}, Fields(fielder{}))
	assert.Equal(t, map[string]any{"links": float64(2)}, Fields(counts{Links: 2}))
	assert.Nil(t, Fields(make(chan int)))
}
