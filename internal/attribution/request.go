// Package attribution links transactions to the touchpoints that most
// plausibly caused them and writes one weighted attribution record per
// transaction.
package attribution

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/attribution-cli/internal/model"
)

// Request bounds.
const (
	DefaultLookbackDays = 30
	MaxLookbackDays     = 365
	DefaultBatchSize    = 500
	MaxBatchSize        = 5000
)

// ErrInvalidRequest is returned (wrapped) for malformed run requests.
var ErrInvalidRequest = eris.New("attribution: invalid request")

// Request is one batch invocation.
type Request struct {
	OrganizationID   string `json:"organization_id"`
	AllOrganizations bool   `json:"all_organizations"`
	LookbackDays     int    `json:"days_back"`
	BatchSize        int    `json:"batch_size"`
	ForceRecompute   bool   `json:"force_recompute"`
}

// UnmarshalJSON accepts lookback_days as an alias of days_back.
func (r *Request) UnmarshalJSON(data []byte) error {
	type plain Request
	var aux struct {
		plain
		LookbackAlias *int `json:"lookback_days"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return eris.Wrap(ErrInvalidRequest, err.Error())
	}
	*r = Request(aux.plain)
	if aux.LookbackAlias != nil && r.LookbackDays == 0 {
		r.LookbackDays = *aux.LookbackAlias
	}
	return nil
}

// Normalize fills defaults and validates. The returned error wraps
// ErrInvalidRequest.
func (r Request) Normalize() (Request, error) {
	if r.OrganizationID == "" && !r.AllOrganizations {
		return r, eris.Wrap(ErrInvalidRequest, "organization_id is required")
	}
	if r.OrganizationID != "" && r.AllOrganizations {
		return r, eris.Wrap(ErrInvalidRequest, "organization_id and all_organizations are mutually exclusive")
	}
	if r.LookbackDays == 0 {
		r.LookbackDays = DefaultLookbackDays
	}
	if r.LookbackDays < 1 || r.LookbackDays > MaxLookbackDays {
		return r, eris.Wrapf(ErrInvalidRequest, "days_back must be between 1 and %d, got %d", MaxLookbackDays, r.LookbackDays)
	}
	if r.BatchSize == 0 {
		r.BatchSize = DefaultBatchSize
	}
	if r.BatchSize < 1 || r.BatchSize > MaxBatchSize {
		return r, eris.Wrapf(ErrInvalidRequest, "batch_size must be between 1 and %d, got %d", MaxBatchSize, r.BatchSize)
	}
	return r, nil
}

// Summary is the structured result of one organization's run. It is
// returned even when some records failed to write.
type Summary struct {
	RunID                  string               `json:"run_id"`
	OrganizationID         string               `json:"organization_id"`
	TransactionsConsidered int                  `json:"transactions_considered"`
	Created                int                  `json:"created"`
	Skipped                int                  `json:"skipped"`
	Errors                 int                  `json:"errors"`
	ByMethod               map[model.Method]int `json:"by_method"`
	StartedAt              time.Time            `json:"started_at"`
	DurationMS             int64                `json:"duration_ms"`
}

func newSummary(runID, orgID string, started time.Time) *Summary {
	s := &Summary{
		RunID:          runID,
		OrganizationID: orgID,
		ByMethod:       make(map[model.Method]int, len(model.AllMethods)),
		StartedAt:      started,
	}
	for _, m := range model.AllMethods {
		s.ByMethod[m] = 0
	}
	return s
}

// add folds o's counters into s.
func (s *Summary) add(o *Summary) {
	s.TransactionsConsidered += o.TransactionsConsidered
	s.Created += o.Created
	s.Skipped += o.Skipped
	s.Errors += o.Errors
	for m, n := range o.ByMethod {
		s.ByMethod[m] += n
	}
}

// Fields flattens the summary for the run log.
func (s *Summary) Fields() map[string]any {
	byMethod := make(map[string]any, len(s.ByMethod))
	for m, n := range s.ByMethod {
		byMethod[string(m)] = n
	}
	return map[string]any{
		"transactions_considered": s.TransactionsConsidered,
		"created":                 s.Created,
		"skipped":                 s.Skipped,
		"errors":                  s.Errors,
		"by_method":               byMethod,
		"duration_ms":             s.DurationMS,
	}
}

// SweepSummary is the result of an all-organizations run.
type SweepSummary struct {
	Organizations []*Summary        `json:"organizations"`
	Totals        *Summary          `json:"totals"`
	Failed        map[string]string `json:"failed,omitempty"`
}
