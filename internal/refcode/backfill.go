package refcode

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/sells-group/attribution-cli/internal/model"
)

// minClickPrefix is the shortest transaction click id considered for prefix
// matching. Processors truncate click ids, but very short ones match noise.
const minClickPrefix = 8

// clickIDPaths are the touchpoint metadata fields that may carry a click id.
var clickIDPaths = []string{"click_id", "fbclid", "gclid", "ttclid", "params.click_id"}

// ExtractClickID returns the first click identifier found in touchpoint
// metadata, or "".
func ExtractClickID(metadata []byte) string {
	if len(metadata) == 0 || !gjson.ValidBytes(metadata) {
		return ""
	}
	for _, r := range gjson.GetManyBytes(metadata, clickIDPaths...) {
		if s := strings.TrimSpace(r.String()); s != "" && r.Type == gjson.String {
			return s
		}
	}
	return ""
}

// BackfillStore is the persistence the Backfiller needs.
type BackfillStore interface {
	RefcodeMappings(ctx context.Context, orgID string) ([]model.RefcodeMapping, error)
	ClickTransactions(ctx context.Context, orgID string, since time.Time) ([]model.Transaction, error)
	ClickTouchpoints(ctx context.Context, orgID string, since time.Time) ([]model.Touchpoint, error)
	UpsertRefcodeMappings(ctx context.Context, mappings []model.RefcodeMapping) (int64, error)
}

// BackfillResult summarizes one click-id backfill.
type BackfillResult struct {
	Candidates int   `json:"candidates"`
	Ambiguous  int   `json:"ambiguous"`
	Unmatched  int   `json:"unmatched"`
	Created    int   `json:"mappings_created"`
	Upserted   int64 `json:"upserted"`
}

// Backfiller recovers ad attribution for donations whose only ad signal is a
// (possibly truncated) click id, by matching it against click ids captured
// on ad touchpoints.
type Backfiller struct {
	store BackfillStore
	now   func() time.Time
}

// NewBackfiller creates a Backfiller.
func NewBackfiller(store BackfillStore) *Backfiller {
	return &Backfiller{store: store, now: time.Now}
}

// WithNow sets a fixed clock for testing.
func (b *Backfiller) WithNow(now func() time.Time) *Backfiller {
	b.now = now
	return b
}

type clickEntry struct {
	clickID string
	tp      model.Touchpoint
}

// Backfill creates "click:<id>" registry entries for unresolved click ids
// that prefix-match exactly one ad.
func (b *Backfiller) Backfill(ctx context.Context, orgID string, lookbackDays int) (*BackfillResult, error) {
	if orgID == "" {
		return nil, eris.New("refcode: organization id is required")
	}
	if lookbackDays <= 0 {
		return nil, eris.Errorf("refcode: lookback days must be positive, got %d", lookbackDays)
	}
	log := zap.L().With(zap.String("component", "refcode.backfill"), zap.String("organization_id", orgID))
	since := b.now().UTC().AddDate(0, 0, -lookbackDays)

	mappings, err := b.store.RefcodeMappings(ctx, orgID)
	if err != nil {
		return nil, eris.Wrapf(err, "refcode: load registry for %s", orgID)
	}
	reg := NewRegistry(mappings)

	txns, err := b.store.ClickTransactions(ctx, orgID, since)
	if err != nil {
		return nil, eris.Wrapf(err, "refcode: load click transactions for %s", orgID)
	}
	tps, err := b.store.ClickTouchpoints(ctx, orgID, since)
	if err != nil {
		return nil, eris.Wrapf(err, "refcode: load click touchpoints for %s", orgID)
	}
	entries := indexClicks(tps)

	result := &BackfillResult{}
	created := make(map[string]model.RefcodeMapping)
	for _, tx := range txns {
		click := strings.TrimSpace(tx.ClickID)
		code := ClickCode(click)
		if code == "" || resolved(reg, tx) {
			continue
		}
		if _, dup := created[code]; dup {
			continue
		}
		result.Candidates++

		tp, status := matchPrefix(entries, click)
		switch status {
		case matchNone:
			result.Unmatched++
			continue
		case matchAmbiguous:
			result.Ambiguous++
			continue
		}
		created[code] = model.RefcodeMapping{
			OrgID:            orgID,
			Refcode:          code,
			Platform:         tp.Platform,
			CampaignID:       tp.CampaignID,
			CampaignName:     tp.CampaignName,
			AdID:             tp.AdID,
			UTM:              tp.UTM,
			LastDeliveryDate: tp.OccurredAt,
			UpdatedAt:        b.now().UTC(),
		}
	}

	result.Created = len(created)
	if len(created) == 0 {
		log.Info("click id backfill found nothing to create", zap.Int("candidates", result.Candidates))
		return result, nil
	}

	out := make([]model.RefcodeMapping, 0, len(created))
	for _, m := range created {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Refcode < out[j].Refcode })

	n, err := b.store.UpsertRefcodeMappings(ctx, out)
	if err != nil {
		return result, eris.Wrap(err, "refcode: upsert click mappings")
	}
	result.Upserted = n

	log.Info("click id backfill complete",
		zap.Int("candidates", result.Candidates),
		zap.Int("created", result.Created),
		zap.Int("ambiguous", result.Ambiguous),
		zap.Int("unmatched", result.Unmatched),
	)
	return result, nil
}

// resolved reports whether any of the transaction's codes already maps.
func resolved(reg *Registry, tx model.Transaction) bool {
	for _, c := range []string{tx.Refcode, tx.Refcode2, tx.CustomRefcode, ClickCode(tx.ClickID)} {
		if _, ok := reg.Lookup(c); ok {
			return true
		}
	}
	return false
}

// indexClicks returns touchpoints carrying a click id, sorted by click id.
func indexClicks(tps []model.Touchpoint) []clickEntry {
	entries := make([]clickEntry, 0, len(tps))
	for _, tp := range tps {
		if id := ExtractClickID(tp.Metadata); id != "" {
			entries = append(entries, clickEntry{clickID: id, tp: tp})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].clickID < entries[j].clickID })
	return entries
}

type matchStatus int

const (
	matchNone matchStatus = iota
	matchUnique
	matchAmbiguous
)

// matchPrefix finds touchpoints whose click id starts with prefix. Several
// touchpoints for the same ad count as one match; the latest wins.
func matchPrefix(entries []clickEntry, prefix string) (model.Touchpoint, matchStatus) {
	if len(prefix) < minClickPrefix {
		return model.Touchpoint{}, matchNone
	}
	i := sort.Search(len(entries), func(i int) bool { return entries[i].clickID >= prefix })

	var best model.Touchpoint
	var ad string
	found := false
	for ; i < len(entries) && strings.HasPrefix(entries[i].clickID, prefix); i++ {
		tp := entries[i].tp
		key := adKey(tp)
		if found && key != ad {
			return model.Touchpoint{}, matchAmbiguous
		}
		if !found || tp.OccurredAt.After(best.OccurredAt) {
			best = tp
		}
		ad, found = key, true
	}
	if !found {
		return model.Touchpoint{}, matchNone
	}
	return best, matchUnique
}

func adKey(tp model.Touchpoint) string {
	return tp.Platform + "|" + tp.CampaignID + "|" + tp.AdID
}
