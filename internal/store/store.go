// Package store persists the attribution engine's inputs, outputs and run
// log in Postgres or SQLite.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/attribution-cli/internal/attribution"
	"github.com/sells-group/attribution-cli/internal/identity"
	"github.com/sells-group/attribution-cli/internal/model"
	"github.com/sells-group/attribution-cli/internal/refcode"
	"github.com/sells-group/attribution-cli/internal/runlog"
)

// Store is everything the engine, the maintenance jobs and the run log
// read and write.
type Store interface {
	attribution.Store
	refcode.ReconcileStore
	refcode.BackfillStore
	identity.LinkStore
	runlog.Store

	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)

// defaultRunLimit caps ListRuns when the filter sets no limit.
const defaultRunLimit = 100

// Column lists shared by both backends.
var (
	transactionColumns = []string{
		"organization_id", "transaction_id", "donor_email", "donor_phone", "amount", "net_amount",
		"transaction_date", "transaction_type", "refcode", "refcode2", "custom_refcode", "click_id", "source_campaign",
	}
	touchpointColumns = []string{
		"id", "organization_id", "donor_email", "donor_phone_hash", "touchpoint_type", "platform",
		"campaign_id", "campaign_name", "ad_id", "refcode", "utm", "occurred_at", "metadata",
	}
	recordColumns = []string{
		"transaction_id", "organization_id", "donor_email",
		"first_touch_channel", "first_touch_campaign", "first_touch_weight",
		"last_touch_channel", "last_touch_campaign", "last_touch_weight",
		"middle_touches", "total_touchpoints", "attribution_method", "confidence", "calculated_at",
	}
	mappingColumns = []string{
		"organization_id", "refcode", "platform", "campaign_id", "campaign_name",
		"ad_id", "ad_name", "utm", "last_delivery_date", "updated_at",
	}
	historyColumns = []string{
		"organization_id", "refcode", "ad_id", "campaign_id", "platform", "first_seen", "last_seen", "is_active",
	}
	linkColumns = []string{
		"organization_id", "email_hash", "phone_hash", "donor_email", "source", "confidence", "first_seen", "last_seen",
	}
)

// conditionalWhere guards an attribution upsert so it only replaces records
// whose method is onlyOver. Empty onlyOver means unconditional.
func conditionalWhere(onlyOver model.Method) (string, error) {
	if onlyOver == "" {
		return "", nil
	}
	if !onlyOver.Valid() {
		return "", eris.Errorf("store: unknown attribution method %q", onlyOver)
	}
	return fmt.Sprintf("t.attribution_method = '%s'", onlyOver), nil
}

// Registry pointer guards: a pointer never moves to an ad with an older last
// delivery, and on equal dates the higher ad id wins (numeric ids compare as
// numbers, others byte-wise), matching refcode.Newer.
const (
	pgMappingWhere = `t.last_delivery_date IS NULL OR t.last_delivery_date < EXCLUDED.last_delivery_date OR ` +
		`(t.last_delivery_date = EXCLUDED.last_delivery_date AND CASE ` +
		`WHEN t.ad_id ~ '^[0-9]+$' AND EXCLUDED.ad_id ~ '^[0-9]+$' THEN EXCLUDED.ad_id::numeric >= t.ad_id::numeric ` +
		`ELSE EXCLUDED.ad_id COLLATE "C" >= t.ad_id COLLATE "C" END)`

	sqliteMappingWhere = `t.last_delivery_date IS NULL OR t.last_delivery_date < EXCLUDED.last_delivery_date OR ` +
		`(t.last_delivery_date = EXCLUDED.last_delivery_date AND CASE ` +
		`WHEN t.ad_id <> '' AND t.ad_id NOT GLOB '*[^0-9]*' AND EXCLUDED.ad_id <> '' AND EXCLUDED.ad_id NOT GLOB '*[^0-9]*' ` +
		`THEN CAST(EXCLUDED.ad_id AS INTEGER) >= CAST(t.ad_id AS INTEGER) ` +
		`ELSE EXCLUDED.ad_id >= t.ad_id END)`
)

func recordRow(r model.AttributionRecord) ([]any, error) {
	middles := r.MiddleTouches
	if middles == nil {
		middles = []model.WeightedTouch{}
	}
	data, err := json.Marshal(middles)
	if err != nil {
		return nil, eris.Wrapf(err, "store: marshal middle touches for %s", r.TransactionID)
	}
	return []any{
		r.TransactionID, r.OrgID, r.DonorEmail,
		r.FirstTouchChannel, r.FirstTouchCampaign, r.FirstTouchWeight,
		r.LastTouchChannel, r.LastTouchCampaign, r.LastTouchWeight,
		data, r.TotalTouchpoints, string(r.Method), r.Confidence, r.CalculatedAt.UTC(),
	}, nil
}

func marshalUTM(u model.UTM) []byte {
	data, _ := json.Marshal(u) // a struct of strings always encodes
	return data
}

func unmarshalUTM(data []byte) (model.UTM, error) {
	var u model.UTM
	if len(data) == 0 {
		return u, nil
	}
	err := json.Unmarshal(data, &u)
	return u, eris.Wrap(err, "store: unmarshal utm")
}

func unmarshalSummary(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var out map[string]any
	err := json.Unmarshal(data, &out)
	return out, eris.Wrap(err, "store: unmarshal run summary")
}

// nullTime maps the zero time to SQL NULL.
func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}

func mappingRow(m model.RefcodeMapping) []any {
	updated := m.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	return []any{
		m.OrgID, m.Refcode, m.Platform, m.CampaignID, m.CampaignName,
		m.AdID, m.AdName, marshalUTM(m.UTM), nullTime(m.LastDeliveryDate), updated.UTC(),
	}
}

func marshalSummary(summary map[string]any) ([]byte, error) {
	if summary == nil {
		return nil, nil
	}
	data, err := json.Marshal(summary)
	return data, eris.Wrap(err, "store: marshal run summary")
}
