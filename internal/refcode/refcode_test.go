package refcode

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

func day(m time.Month, d int) time.Time {
	return time.Date(2026, m, d, 0, 0, 0, 0, time.UTC)
}

func TestClickCode(t *testing.T) {
	assert.Equal(t, "click:abc123", ClickCode(" abc123 "))
	assert.Equal(t, "", ClickCode("  "))
	assert.True(t, IsClickCode(ClickCode("x")))
	assert.False(t, IsClickCode("spring_match"))
}

func TestCompareAdIDs(t *testing.T) {
	assert.Equal(t, 1, CompareAdIDs("120", "99"))
	assert.Equal(t, -1, CompareAdIDs("99", "120"))
	assert.Equal(t, 0, CompareAdIDs("7", "7"))
	assert.Equal(t, 1, CompareAdIDs("b", "a"))
}

func TestRegistry_NewerAdWins(t *testing.T) {
	reg := NewRegistry([]model.RefcodeMapping{
		{Refcode: "spring", AdID: "1", LastDeliveryDate: day(3, 1)},
		{Refcode: "spring", AdID: "2", LastDeliveryDate: day(3, 9)},
		{Refcode: "spring", AdID: "3", LastDeliveryDate: day(3, 5)},
		{Refcode: " ", AdID: "4"},
	})
	assert.Equal(t, 1, reg.Len())

	m, ok := reg.Lookup(" spring ")
	require.True(t, ok)
	assert.Equal(t, "2", m.AdID)

	_, ok = reg.Lookup("Spring")
	assert.False(t, ok, "codes are case-sensitive")

	var nilReg *Registry
	_, ok = nilReg.Lookup("spring")
	assert.False(t, ok)
}

type fakeReconcileStore struct {
	creatives  []model.AdCreative
	deliveries []model.AdDelivery
	loadErr    error
	mappings   []model.RefcodeMapping
	history    []model.RefcodeHistory
}

func (f *fakeReconcileStore) AdCreatives(context.Context, string) ([]model.AdCreative, error) {
	return f.creatives, f.loadErr
}

func (f *fakeReconcileStore) AdDeliveries(context.Context, string) ([]model.AdDelivery, error) {
	return f.deliveries, nil
}

func (f *fakeReconcileStore) UpsertRefcodeMappings(_ context.Context, m []model.RefcodeMapping) (int64, error) {
	f.mappings = append(f.mappings, m...)
	return int64(len(m)), nil
}

func (f *fakeReconcileStore) UpsertRefcodeHistory(_ context.Context, h []model.RefcodeHistory) (int64, error) {
	f.history = append(f.history, h...)
	return int64(len(h)), nil
}

func TestReconcile_NewestAdWinsAndHistory(t *testing.T) {
	st := &fakeReconcileStore{
		creatives: []model.AdCreative{
			{Platform: "meta", AdID: "100", CampaignID: "c1", Refcode: "spring"},
			{Platform: "meta", AdID: "200", CampaignID: "c2", Refcode: "spring"},
			{Platform: "meta", AdID: "300", CampaignID: "c3", Refcode: "summer"},
			{Platform: "meta", AdID: "400", CampaignID: "c3", Refcode: "never"},
			{Platform: "meta", AdID: "500", Refcode: ""},
		},
		deliveries: []model.AdDelivery{
			{AdID: "100", FirstDate: day(1, 1), LastDate: day(1, 31)},
			{AdID: "200", FirstDate: day(2, 10), LastDate: day(3, 20)},
			{AdID: "300", FirstDate: day(3, 1), LastDate: day(3, 6)},
		},
	}

	res, err := NewReconciler(st, 14).Reconcile(context.Background(), "org-1")
	require.NoError(t, err)

	assert.Equal(t, 5, res.Creatives)
	assert.Equal(t, 3, res.Refcodes)
	assert.Equal(t, 3, res.HistoryRows)
	assert.Equal(t, day(3, 20), res.ReferenceDate)

	byCode := map[string]model.RefcodeMapping{}
	for _, m := range st.mappings {
		byCode[m.Refcode] = m
	}
	assert.Equal(t, "200", byCode["spring"].AdID)
	assert.Equal(t, "c2", byCode["spring"].CampaignID)
	assert.Equal(t, "300", byCode["summer"].AdID)
	assert.True(t, byCode["never"].LastDeliveryDate.IsZero())

	active := map[string]bool{}
	for _, h := range st.history {
		active[h.AdID] = h.IsActive
		assert.False(t, h.FirstSeen.After(h.LastSeen))
	}
	assert.False(t, active["100"], "stopped delivering well before the window")
	assert.True(t, active["200"])
	assert.True(t, active["300"], "last seen exactly at the window edge")
}

func TestReconcile_TieGoesToHigherAdID(t *testing.T) {
	st := &fakeReconcileStore{
		creatives: []model.AdCreative{
			{AdID: "9", Refcode: "rc"},
			{AdID: "10", Refcode: "rc"},
		},
		deliveries: []model.AdDelivery{
			{AdID: "9", FirstDate: day(1, 1), LastDate: day(1, 5)},
			{AdID: "10", FirstDate: day(1, 1), LastDate: day(1, 5)},
		},
	}
	_, err := NewReconciler(st, 0).Reconcile(context.Background(), "org-1")
	require.NoError(t, err)
	require.Len(t, st.mappings, 1)
	assert.Equal(t, "10", st.mappings[0].AdID)
}

func TestReconcile_Errors(t *testing.T) {
	_, err := NewReconciler(&fakeReconcileStore{}, 14).Reconcile(context.Background(), "")
	require.Error(t, err)

	st := &fakeReconcileStore{loadErr: errors.New("timeout")}
	_, err = NewReconciler(st, 14).Reconcile(context.Background(), "org-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load creatives")
}

func TestExtractClickID(t *testing.T) {
	tests := []struct {
		name string
		meta string
		want string
	}{
		{"click_id", `{"click_id":"ABCDEFGH123"}`, "ABCDEFGH123"},
		{"fbclid", `{"fbclid":"IwAR0xyz"}`, "IwAR0xyz"},
		{"nested", `{"params":{"click_id":"zz99"}}`, "zz99"},
		{"numeric ignored", `{"click_id":12345}`, ""},
		{"missing", `{"utm_source":"fb"}`, ""},
		{"invalid json", `{`, ""},
		{"empty", ``, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractClickID([]byte(tt.meta)))
		})
	}
}

type fakeBackfillStore struct {
	mappings []model.RefcodeMapping
	txns     []model.Transaction
	tps      []model.Touchpoint
	upserted []model.RefcodeMapping
}

func (f *fakeBackfillStore) RefcodeMappings(context.Context, string) ([]model.RefcodeMapping, error) {
	return f.mappings, nil
}

func (f *fakeBackfillStore) ClickTransactions(context.Context, string, time.Time) ([]model.Transaction, error) {
	return f.txns, nil
}

func (f *fakeBackfillStore) ClickTouchpoints(context.Context, string, time.Time) ([]model.Touchpoint, error) {
	return f.tps, nil
}

func (f *fakeBackfillStore) UpsertRefcodeMappings(_ context.Context, m []model.RefcodeMapping) (int64, error) {
	f.upserted = append(f.upserted, m...)
	return int64(len(m)), nil
}

func TestBackfill(t *testing.T) {
	now := day(4, 1)
	st := &fakeBackfillStore{
		mappings: []model.RefcodeMapping{{Refcode: "known", AdID: "1"}},
		txns: []model.Transaction{
			{TransactionID: "t1", ClickID: "IwAR0abcdef"},                 // unique match
			{TransactionID: "t2", ClickID: "IwAR0abcdef"},                 // duplicate click
			{TransactionID: "t3", ClickID: "IwAR0zz"},                     // too short
			{TransactionID: "t4", ClickID: "GCLID0001"},                   // two different ads
			{TransactionID: "t5", ClickID: "NOMATCH00", Refcode: "known"}, // already resolved
			{TransactionID: "t6", ClickID: "NOMATCH00"},                   // no touchpoint
		},
		tps: []model.Touchpoint{
			{Platform: "meta", CampaignID: "c1", AdID: "a1", OccurredAt: day(3, 1), Metadata: []byte(`{"fbclid":"IwAR0abcdefXYZ"}`)},
			{Platform: "meta", CampaignID: "c1", AdID: "a1", OccurredAt: day(3, 2), Metadata: []byte(`{"fbclid":"IwAR0abcdefQRS"}`)},
			{Platform: "google", CampaignID: "g1", AdID: "x1", Metadata: []byte(`{"gclid":"GCLID0001a"}`)},
			{Platform: "google", CampaignID: "g2", AdID: "x2", Metadata: []byte(`{"gclid":"GCLID0001b"}`)},
			{Platform: "meta", Metadata: []byte(`{}`)},
		},
	}

	res, err := NewBackfiller(st).WithNow(func() time.Time { return now }).Backfill(context.Background(), "org-1", 30)
	require.NoError(t, err)

	assert.Equal(t, 4, res.Candidates)
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, 1, res.Ambiguous)
	assert.Equal(t, 2, res.Unmatched)

	require.Len(t, st.upserted, 1)
	m := st.upserted[0]
	assert.Equal(t, "click:IwAR0abcdef", m.Refcode)
	assert.Equal(t, "a1", m.AdID)
	assert.Equal(t, "c1", m.CampaignID)
	assert.Equal(t, day(3, 2), m.LastDeliveryDate)
}

func TestBackfill_Validation(t *testing.T) {
	b := NewBackfiller(&fakeBackfillStore{})
	_, err := b.Backfill(context.Background(), "", 30)
	require.Error(t, err)
	_, err = b.Backfill(context.Background(), "org-1", 0)
	require.Error(t, err)
}
