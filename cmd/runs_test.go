package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/attribution-cli/internal/model"
)

func TestFormatRunsList(t *testing.T) {
	now := time.Date(2026, 6, 15, 10, 30, 0, 0, time.UTC)
	done := now.Add(2 * time.Minute)
	runs := []model.Run{
		{
			ID:          "abc12345-6789-0000-0000-000000000000",
			Job:         model.JobAttribute,
			OrgID:       "org-1",
			Status:      model.RunStatusComplete,
			StartedAt:   now,
			CompletedAt: &done,
		},
		{
			ID:        "def12345-6789-0000-0000-000000000000",
			Job:       model.JobRefcodeRecon,
			Status:    model.RunStatusRunning,
			StartedAt: now.Add(-1 * time.Hour),
		},
	}

	var buf bytes.Buffer
	formatRunsList(&buf, runs)

	output := buf.String()
	assert.Contains(t, output, "JOB")
	assert.Contains(t, output, "attribute")
	assert.Contains(t, output, "org-1")
	assert.Contains(t, output, "complete")
	assert.Contains(t, output, "2m0s")
	assert.Contains(t, output, "refcode_reconcile")
	assert.Contains(t, output, "running")
	assert.Contains(t, output, "2026-06-15 10:30")
	assert.Contains(t, output, "abc12345")
	assert.NotContains(t, output, "abc12345-6789")
}

func TestFormatRunsList_FailedRunTruncatesError(t *testing.T) {
	now := time.Date(2026, 6, 15, 10, 30, 0, 0, time.UTC)
	runs := []model.Run{
		{
			ID:        "abc12345",
			Job:       model.JobIdentityRebuild,
			OrgID:     "org-2",
			Status:    model.RunStatusFailed,
			StartedAt: now,
			Error:     "identity: load contact pairs for org-2: connection refused by upstream",
		},
	}

	var buf bytes.Buffer
	formatRunsList(&buf, runs)

	output := buf.String()
	assert.Contains(t, output, "failed")
	assert.Contains(t, output, "identity: load contact pairs for org-...")
}

func TestComputeRunStats(t *testing.T) {
	now := time.Date(2026, 6, 15, 10, 0, 0, 0, time.UTC)
	after := func(d time.Duration) *time.Time {
		ts := now.Add(d)
		return &ts
	}

	runs := []model.Run{
		{Job: model.JobAttribute, Status: model.RunStatusComplete, StartedAt: now, CompletedAt: after(10 * time.Second),
			Summary: map[string]any{"created": float64(5)}},
		{Job: model.JobAttribute, Status: model.RunStatusComplete, StartedAt: now, CompletedAt: after(20 * time.Second),
			Summary: map[string]any{"created": float64(7)}},
		{Job: model.JobAttribute, Status: model.RunStatusFailed, StartedAt: now},
		{Job: model.JobClickIDBackfill, Status: model.RunStatusRunning, StartedAt: now},
	}

	stats := computeRunStats(runs)
	require.Len(t, stats, 2)

	assert.Equal(t, model.JobAttribute, stats[0].Job)
	assert.Equal(t, 3, stats[0].Total)
	assert.Equal(t, 2, stats[0].Complete)
	assert.Equal(t, 1, stats[0].Failed)
	assert.Equal(t, 12, stats[0].Created)
	assert.InDelta(t, 15.0, stats[0].AvgDurSecs, 0.001)

	assert.Equal(t, model.JobClickIDBackfill, stats[1].Job)
	assert.Equal(t, 1, stats[1].Running)
	assert.Zero(t, stats[1].AvgDurSecs)
}

func TestFormatRunStats(t *testing.T) {
	var buf bytes.Buffer
	formatRunStats(&buf, []jobStats{
		{Job: model.JobAttribute, Total: 3, Complete: 2, Failed: 1, Created: 12, AvgDurSecs: 15},
		{Job: model.JobClickIDBackfill, Total: 1, Running: 1},
	})

	output := buf.String()
	assert.Contains(t, output, "AVG_DURATION")
	assert.Contains(t, output, "15.0s")
	assert.Contains(t, output, "clickid_backfill")
}

func TestTruncateID(t *testing.T) {
	assert.Equal(t, "abc12345", truncateID("abc12345-6789"))
	assert.Equal(t, "short", truncateID("short"))
}
