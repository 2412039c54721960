// Package monitoring watches the run log and alerts when attribution runs
// fail, drop writes or stop finding touches.
package monitoring

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/attribution-cli/internal/model"
)

// maxCollectRuns bounds a single collection.
const maxCollectRuns = 10000

// RunFailure identifies one failed run.
type RunFailure struct {
	ID    string `json:"id"`
	Job   string `json:"job"`
	OrgID string `json:"organization_id,omitempty"`
	Error string `json:"error,omitempty"`
}

// MetricsSnapshot holds a point-in-time view of run health.
type MetricsSnapshot struct {
	// Every job in the window.
	RunsTotal    int          `json:"runs_total"`
	RunsComplete int          `json:"runs_complete"`
	RunsFailed   int          `json:"runs_failed"`
	RunsRunning  int          `json:"runs_running"`
	Failures     []RunFailure `json:"failures,omitempty"`

	// Completed attribution runs only.
	TransactionsConsidered int     `json:"transactions_considered"`
	RecordsCreated         int     `json:"records_created"`
	WriteErrors            int     `json:"write_errors"`
	WriteErrorRate         float64 `json:"write_error_rate"`
	OrganicRecords         int     `json:"organic_records"`
	OrganicShare           float64 `json:"organic_share"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// RunLister is the run log query the collector needs.
type RunLister interface {
	ListRuns(ctx context.Context, filter model.RunFilter) ([]model.Run, error)
}

// Collector gathers metrics from the run log.
type Collector struct {
	runs RunLister
	now  func() time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(runs RunLister) *Collector {
	return &Collector{runs: runs, now: time.Now}
}

// WithNow sets a fixed clock for testing.
func (c *Collector) WithNow(now func() time.Time) *Collector {
	c.now = now
	return c
}

// Collect gathers a snapshot of run health over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	runs, err := c.runs.ListRuns(ctx, model.RunFilter{
		StartedAfter: now.Add(-time.Duration(lookbackHours) * time.Hour),
		Limit:        maxCollectRuns,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	snap.RunsTotal = len(runs)
	for _, r := range runs {
		switch r.Status {
		case model.RunStatusComplete:
			snap.RunsComplete++
		case model.RunStatusFailed:
			snap.RunsFailed++
			snap.Failures = append(snap.Failures, RunFailure{ID: r.ID, Job: r.Job, OrgID: r.OrgID, Error: r.Error})
			continue
		case model.RunStatusRunning:
			snap.RunsRunning++
			continue
		}
		if r.Job != model.JobAttribute {
			continue
		}
		snap.TransactionsConsidered += intField(r.Summary, "transactions_considered")
		snap.RecordsCreated += intField(r.Summary, "created")
		snap.WriteErrors += intField(r.Summary, "errors")
		if byMethod, ok := r.Summary["by_method"].(map[string]any); ok {
			snap.OrganicRecords += intField(byMethod, string(model.MethodOrganic))
		}
	}

	if attempts := snap.RecordsCreated + snap.WriteErrors; attempts > 0 {
		snap.WriteErrorRate = float64(snap.WriteErrors) / float64(attempts)
	}
	if snap.RecordsCreated > 0 {
		snap.OrganicShare = float64(snap.OrganicRecords) / float64(snap.RecordsCreated)
	}
	return snap, nil
}

// intField reads a counter from a decoded run summary.
func intField(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	default:
		return 0
	}
}
