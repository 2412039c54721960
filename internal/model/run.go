package model

import "time"

// RunStatus is the lifecycle state of a run log entry.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// Job names recorded in the run log.
const (
	JobAttribute       = "attribute"
	JobRecomputeTiming = "recompute_timing"
	JobIdentityRebuild = "identity_rebuild"
	JobRefcodeRecon    = "refcode_reconcile"
	JobClickIDBackfill = "clickid_backfill"
)

// Run is one entry in the run log.
type Run struct {
	ID          string         `json:"id"`
	Job         string         `json:"job"`
	OrgID       string         `json:"organization_id,omitempty"`
	Status      RunStatus      `json:"status"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Summary     map[string]any `json:"summary,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// RunFilter selects run log entries.
type RunFilter struct {
	Job          string    `json:"job,omitempty"`
	OrgID        string    `json:"organization_id,omitempty"`
	Status       RunStatus `json:"status,omitempty"`
	StartedAfter time.Time `json:"started_after,omitempty"`
	Limit        int       `json:"limit,omitempty"`
}
