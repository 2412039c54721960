package refcode

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/attribution-cli/internal/model"
)

// DefaultActiveWindowDays is how recently an ad must have delivered for its
// history row to count as active.
const DefaultActiveWindowDays = 14

// ReconcileStore is the persistence the Reconciler needs.
type ReconcileStore interface {
	AdCreatives(ctx context.Context, orgID string) ([]model.AdCreative, error)
	AdDeliveries(ctx context.Context, orgID string) ([]model.AdDelivery, error)
	UpsertRefcodeMappings(ctx context.Context, mappings []model.RefcodeMapping) (int64, error)
	UpsertRefcodeHistory(ctx context.Context, rows []model.RefcodeHistory) (int64, error)
}

// ReconcileResult summarizes one reconciliation.
type ReconcileResult struct {
	Creatives       int       `json:"creatives"`
	Refcodes        int       `json:"refcodes"`
	HistoryRows     int       `json:"history_rows"`
	MappingsWritten int64     `json:"mappings_upserted"`
	HistoryWritten  int64     `json:"history_upserted"`
	ReferenceDate   time.Time `json:"reference_date"`
}

// Reconciler rebuilds the refcode registry from upstream creatives and
// their delivery dates.
type Reconciler struct {
	store      ReconcileStore
	windowDays int
	now        func() time.Time
}

// NewReconciler creates a Reconciler. A non-positive window falls back to
// DefaultActiveWindowDays.
func NewReconciler(store ReconcileStore, activeWindowDays int) *Reconciler {
	if activeWindowDays <= 0 {
		activeWindowDays = DefaultActiveWindowDays
	}
	return &Reconciler{store: store, windowDays: activeWindowDays, now: time.Now}
}

// WithNow sets a fixed clock for testing.
func (r *Reconciler) WithNow(now func() time.Time) *Reconciler {
	r.now = now
	return r
}

// Reconcile points every refcode at its newest ad and records one history
// row per (refcode, ad) that has delivered.
func (r *Reconciler) Reconcile(ctx context.Context, orgID string) (*ReconcileResult, error) {
	if orgID == "" {
		return nil, eris.New("refcode: organization id is required")
	}
	log := zap.L().With(zap.String("component", "refcode.reconciler"), zap.String("organization_id", orgID))

	creatives, err := r.store.AdCreatives(ctx, orgID)
	if err != nil {
		return nil, eris.Wrapf(err, "refcode: load creatives for %s", orgID)
	}
	deliveries, err := r.store.AdDeliveries(ctx, orgID)
	if err != nil {
		return nil, eris.Wrapf(err, "refcode: load deliveries for %s", orgID)
	}

	mappings, history, ref := r.plan(orgID, creatives, deliveries)
	result := &ReconcileResult{
		Creatives:     len(creatives),
		Refcodes:      len(mappings),
		HistoryRows:   len(history),
		ReferenceDate: ref,
	}

	if len(mappings) > 0 {
		n, err := r.store.UpsertRefcodeMappings(ctx, mappings)
		if err != nil {
			return result, eris.Wrap(err, "refcode: upsert mappings")
		}
		result.MappingsWritten = n
	}
	if len(history) > 0 {
		n, err := r.store.UpsertRefcodeHistory(ctx, history)
		if err != nil {
			return result, eris.Wrap(err, "refcode: upsert history")
		}
		result.HistoryWritten = n
	}

	log.Info("refcode reconciliation complete",
		zap.Int("creatives", result.Creatives),
		zap.Int("refcodes", result.Refcodes),
		zap.Int("history_rows", result.HistoryRows),
		zap.Time("reference_date", ref),
	)
	return result, nil
}

// plan computes the mapping and history rows without touching storage.
// The activity reference is the latest delivery date seen for the
// organization, so a stale metrics feed does not flip every ad inactive.
func (r *Reconciler) plan(orgID string, creatives []model.AdCreative, deliveries []model.AdDelivery) ([]model.RefcodeMapping, []model.RefcodeHistory, time.Time) {
	byAd := make(map[string]model.AdDelivery, len(deliveries))
	var ref time.Time
	for _, d := range deliveries {
		byAd[d.AdID] = d
		if d.LastDate.After(ref) {
			ref = d.LastDate
		}
	}
	cutoff := ref.AddDate(0, 0, -r.windowDays)
	now := r.now().UTC()

	best := make(map[string]model.RefcodeMapping)
	seenHistory := make(map[[2]string]bool)
	var history []model.RefcodeHistory

	for _, c := range creatives {
		code := NormalizeCode(c.Refcode)
		if code == "" || c.AdID == "" {
			continue
		}
		d, delivered := byAd[c.AdID]

		candidate := model.RefcodeMapping{
			OrgID:            orgID,
			Refcode:          code,
			Platform:         c.Platform,
			CampaignID:       c.CampaignID,
			CampaignName:     c.CampaignName,
			AdID:             c.AdID,
			AdName:           c.AdName,
			UTM:              c.UTM,
			LastDeliveryDate: d.LastDate,
			UpdatedAt:        now,
		}
		if cur, ok := best[code]; !ok || Newer(candidate, cur) {
			best[code] = candidate
		}

		hk := [2]string{code, c.AdID}
		if !delivered || seenHistory[hk] {
			continue
		}
		seenHistory[hk] = true
		first, last := d.FirstDate, d.LastDate
		if first.After(last) {
			first = last
		}
		history = append(history, model.RefcodeHistory{
			OrgID:      orgID,
			Refcode:    code,
			AdID:       c.AdID,
			CampaignID: c.CampaignID,
			Platform:   c.Platform,
			FirstSeen:  first,
			LastSeen:   last,
			IsActive:   !last.Before(cutoff),
		})
	}

	mappings := make([]model.RefcodeMapping, 0, len(best))
	for _, m := range best {
		mappings = append(mappings, m)
	}
	sort.Slice(mappings, func(i, j int) bool { return mappings[i].Refcode < mappings[j].Refcode })
	sort.Slice(history, func(i, j int) bool {
		if history[i].Refcode != history[j].Refcode {
			return history[i].Refcode < history[j].Refcode
		}
		return history[i].AdID < history[j].AdID
	})
	return mappings, history, ref
}
