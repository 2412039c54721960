package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/attribution-cli/internal/attribution"
	"github.com/sells-group/attribution-cli/internal/identity"
	"github.com/sells-group/attribution-cli/internal/model"
	"github.com/sells-group/attribution-cli/internal/refcode"
	"github.com/sells-group/attribution-cli/internal/resilience"
	"github.com/sells-group/attribution-cli/internal/runlog"
)

var testNow = time.Date(2026, 6, 30, 12, 0, 0, 0, time.UTC)

func june(day, hour int) time.Time {
	return time.Date(2026, 6, day, hour, 0, 0, 0, time.UTC)
}

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func (s *SQLiteStore) seedTransactions(t *testing.T, txns ...model.Transaction) {
	t.Helper()
	for _, tx := range txns {
		typ := tx.Type
		if typ == "" {
			typ = model.TransactionDonation
		}
		_, err := s.db.Exec(
			`INSERT INTO transactions (organization_id, transaction_id, donor_email, donor_phone, amount, net_amount,
			 transaction_date, transaction_type, refcode, refcode2, custom_refcode, click_id, source_campaign)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			tx.OrgID, tx.TransactionID, tx.DonorEmail, tx.DonorPhone, tx.Amount, tx.NetAmount,
			formatTime(tx.TransactionDate), string(typ), tx.Refcode, tx.Refcode2, tx.CustomRefcode, tx.ClickID, tx.SourceCampaign,
		)
		require.NoError(t, err)
	}
}

func (s *SQLiteStore) seedTouchpoints(t *testing.T, tps ...model.Touchpoint) {
	t.Helper()
	for _, tp := range tps {
		var metadata any
		if len(tp.Metadata) > 0 {
			metadata = string(tp.Metadata)
		}
		_, err := s.db.Exec(
			`INSERT INTO touchpoints (organization_id, donor_email, donor_phone_hash, touchpoint_type, platform,
			 campaign_id, campaign_name, ad_id, refcode, utm, occurred_at, metadata)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			tp.OrgID, tp.DonorEmail, tp.DonorPhoneHash, tp.TouchpointType, tp.Platform,
			tp.CampaignID, tp.CampaignName, tp.AdID, tp.Refcode, string(marshalUTM(tp.UTM)), formatTime(tp.OccurredAt), metadata,
		)
		require.NoError(t, err)
	}
}

func (s *SQLiteStore) seedCreative(t *testing.T, c model.AdCreative, deliveredFrom, deliveredTo time.Time) {
	t.Helper()
	_, err := s.db.Exec(
		`INSERT INTO ad_creatives (organization_id, platform, ad_id, ad_name, campaign_id, campaign_name, refcode, utm)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.OrgID, c.Platform, c.AdID, c.AdName, c.CampaignID, c.CampaignName, c.Refcode, string(marshalUTM(c.UTM)),
	)
	require.NoError(t, err)
	for d := deliveredFrom; !d.After(deliveredTo); d = d.AddDate(0, 0, 1) {
		_, err := s.db.Exec(
			`INSERT INTO ad_daily_metrics (organization_id, ad_id, metric_date, impressions, spend) VALUES (?, ?, ?, ?, ?)`,
			c.OrgID, c.AdID, formatDate(d), 1000, 12.5,
		)
		require.NoError(t, err)
	}
}

func (s *SQLiteStore) seedCampaign(t *testing.T, c model.Campaign) {
	t.Helper()
	_, err := s.db.Exec(
		`INSERT INTO campaigns (organization_id, platform, campaign_id, campaign_name, start_date, end_date, impressions)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.OrgID, c.Platform, c.CampaignID, c.CampaignName, formatDate(c.StartDate), formatDate(c.EndDate), c.Impressions,
	)
	require.NoError(t, err)
}

// attributionRecord reads one stored record back.
func (s *SQLiteStore) attributionRecord(t *testing.T, txID string) (model.AttributionRecord, bool) {
	t.Helper()
	var r model.AttributionRecord
	var middles, method, calculated string
	var conf sql.NullFloat64
	err := s.db.QueryRow(
		`SELECT transaction_id, organization_id, first_touch_channel, first_touch_campaign, first_touch_weight,
		        last_touch_channel, last_touch_campaign, last_touch_weight, middle_touches, total_touchpoints,
		        attribution_method, confidence, calculated_at
		 FROM attribution_records WHERE transaction_id = ?`, txID,
	).Scan(&r.TransactionID, &r.OrgID, &r.FirstTouchChannel, &r.FirstTouchCampaign, &r.FirstTouchWeight,
		&r.LastTouchChannel, &r.LastTouchCampaign, &r.LastTouchWeight, &middles, &r.TotalTouchpoints,
		&method, &conf, &calculated)
	if err == sql.ErrNoRows {
		return r, false
	}
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(middles), &r.MiddleTouches))
	r.Method = model.Method(method)
	if conf.Valid {
		r.Confidence = &conf.Float64
	}
	r.CalculatedAt, err = parseTime(calculated)
	require.NoError(t, err)
	return r, true
}

func (s *SQLiteStore) countRecords(t *testing.T) int {
	t.Helper()
	var n int
	require.NoError(t, s.db.QueryRow(`SELECT count(*) FROM attribution_records`).Scan(&n))
	return n
}

func newSQLiteEngine(st *SQLiteStore) *attribution.Engine {
	runs := runlog.New(st).WithNow(func() time.Time { return testNow })
	return attribution.NewEngine(st, runs, attribution.Options{
		Retry: resilience.RetryConfig{MaxAttempts: 1},
	}).WithNow(func() time.Time { return testNow })
}

// seedScenario loads a refcode donation, a donor with two touches, an
// organic donation, a refund and one transaction outside the window.
func seedScenario(t *testing.T, st *SQLiteStore) {
	t.Helper()
	st.seedCreative(t, model.AdCreative{
		OrgID: "org1", Platform: "meta", AdID: "a1", CampaignID: "c42", CampaignName: "spring-drive", Refcode: "promo42",
	}, june(1, 0), june(20, 0))
	st.seedTouchpoints(t,
		model.Touchpoint{OrgID: "org1", DonorEmail: "d@example.org", TouchpointType: "email", CampaignName: "welcome", OccurredAt: june(1, 9)},
		model.Touchpoint{OrgID: "org1", DonorEmail: "d@example.org", TouchpointType: "sms", CampaignName: "reminder", OccurredAt: june(5, 12)},
	)
	st.seedTransactions(t,
		model.Transaction{OrgID: "org1", TransactionID: "T1", Refcode: "promo42", Amount: 25, TransactionDate: june(2, 10)},
		model.Transaction{OrgID: "org1", TransactionID: "T2", DonorEmail: "D@example.org", Amount: 50, TransactionDate: june(6, 10)},
		model.Transaction{OrgID: "org1", TransactionID: "T3", Amount: 10, TransactionDate: june(10, 8)},
		model.Transaction{OrgID: "org1", TransactionID: "R1", Refcode: "promo42", Amount: -25, TransactionDate: june(11, 8), Type: model.TransactionRefund},
		model.Transaction{OrgID: "org1", TransactionID: "OLD", Refcode: "promo42", TransactionDate: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)},
	)
}

func TestSQLite_TimeRoundTrip(t *testing.T) {
	at := time.Date(2026, 6, 2, 10, 15, 30, 123456789, time.FixedZone("EDT", -4*3600))
	got, err := parseTime(formatTime(at))
	require.NoError(t, err)
	assert.True(t, at.Equal(got))
	assert.Equal(t, time.UTC, got.Location())
	assert.Less(t, formatTime(june(2, 9)), formatTime(june(10, 8)))
}

func TestSQLite_Migrate_Idempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	require.NoError(t, st.Migrate(context.Background()))
	require.NoError(t, st.Ping(context.Background()))
}

func TestSQLite_TransactionPage_Keyset(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	same := june(3, 12)
	st.seedTransactions(t,
		model.Transaction{OrgID: "org1", TransactionID: "b", TransactionDate: same},
		model.Transaction{OrgID: "org1", TransactionID: "a", TransactionDate: same},
		model.Transaction{OrgID: "org1", TransactionID: "c", TransactionDate: june(4, 0)},
		model.Transaction{OrgID: "org1", TransactionID: "r", TransactionDate: june(4, 1), Type: "REFUND"},
		model.Transaction{OrgID: "org2", TransactionID: "x", TransactionDate: same},
	)

	q := model.TransactionQuery{OrgID: "org1", Since: june(1, 0), Limit: 2}
	page, err := st.TransactionPage(ctx, q)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "a", page[0].TransactionID)
	assert.Equal(t, "b", page[1].TransactionID)
	assert.Equal(t, same, page[0].TransactionDate)

	page, err = st.TransactionPage(ctx, q.Next(page[1]))
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "c", page[0].TransactionID)

	orgs, err := st.Organizations(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"org1", "org2"}, orgs)
}

func TestSQLite_DonorTouchpoints(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	phone := identity.HashPhone("555-010-0000")
	st.seedTouchpoints(t,
		model.Touchpoint{OrgID: "org1", DonorEmail: " D@Example.org ", TouchpointType: "email", OccurredAt: june(2, 0),
			UTM: model.UTM{Source: "newsletter", Campaign: "june"}},
		model.Touchpoint{OrgID: "org1", DonorPhoneHash: phone, TouchpointType: "sms", OccurredAt: june(3, 0)},
		model.Touchpoint{OrgID: "org1", DonorEmail: "d@example.org", TouchpointType: "email", OccurredAt: june(20, 0)},
		model.Touchpoint{OrgID: "org2", DonorEmail: "d@example.org", TouchpointType: "email", OccurredAt: june(2, 0)},
	)

	tps, err := st.DonorTouchpoints(ctx, "org1", []string{"d@example.org"}, []string{phone}, june(1, 0), june(10, 0))
	require.NoError(t, err)
	require.Len(t, tps, 2)
	assert.Equal(t, "newsletter", tps[0].UTM.Source)
	assert.Equal(t, phone, tps[1].DonorPhoneHash)
	assert.NotZero(t, tps[0].ID)

	tps, err = st.DonorTouchpoints(ctx, "org1", nil, nil, june(1, 0), june(10, 0))
	require.NoError(t, err)
	assert.Empty(t, tps)
}

func TestSQLite_UpsertAttribution_Conditional(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	rec := model.AttributionRecord{
		TransactionID: "T1", OrgID: "org1", FirstTouchChannel: "organic", FirstTouchWeight: 1,
		Method: model.MethodOrganic, CalculatedAt: testNow,
	}

	n, err := st.UpsertAttributions(ctx, []model.AttributionRecord{rec}, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	conf := 0.3
	timing := rec
	timing.Method = model.MethodProbabilisticTiming
	timing.Confidence = &conf

	ok, err := st.UpsertAttribution(ctx, timing, model.MethodOrganic)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = st.UpsertAttribution(ctx, timing, model.MethodOrganic)
	require.NoError(t, err)
	assert.False(t, ok, "record is no longer organic")

	got, found := st.attributionRecord(t, "T1")
	require.True(t, found)
	assert.Equal(t, model.MethodProbabilisticTiming, got.Method)
	require.NotNil(t, got.Confidence)
	assert.InDelta(t, 0.3, *got.Confidence, 1e-9)
	assert.Empty(t, got.MiddleTouches)
	assert.Equal(t, 1, st.countRecords(t))
}

func TestSQLite_RunLog(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.StartRun(ctx, model.Run{ID: "r1", Job: model.JobAttribute, OrgID: "org1", Status: model.RunStatusRunning, StartedAt: june(1, 0)}))
	require.NoError(t, st.StartRun(ctx, model.Run{ID: "r2", Job: model.JobIdentityRebuild, OrgID: "org1", Status: model.RunStatusRunning, StartedAt: june(2, 0)}))
	require.NoError(t, st.CompleteRun(ctx, "r1", june(1, 1), map[string]any{"created": 3}))
	require.NoError(t, st.FailRun(ctx, "r2", june(2, 1), "boom"))

	err := st.FailRun(ctx, "missing", june(2, 1), "boom")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run not found")

	runs, err := st.ListRuns(ctx, model.RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "r2", runs[0].ID, "newest first")
	assert.Equal(t, model.RunStatusFailed, runs[0].Status)
	assert.Equal(t, "boom", runs[0].Error)

	runs, err = st.ListRuns(ctx, model.RunFilter{Job: model.JobAttribute, Status: model.RunStatusComplete})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.NotNil(t, runs[0].CompletedAt)
	assert.Equal(t, june(1, 1), *runs[0].CompletedAt)
	assert.EqualValues(t, 3, runs[0].Summary["created"])
}

func TestSQLite_Reconcile(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	st.seedCreative(t, model.AdCreative{OrgID: "org1", Platform: "meta", AdID: "a1", CampaignID: "c1", Refcode: "promo42"}, june(1, 0), june(5, 0))
	st.seedCreative(t, model.AdCreative{OrgID: "org1", Platform: "meta", AdID: "a2", CampaignID: "c2", Refcode: "promo42"}, june(3, 0), june(20, 0))

	res, err := refcode.NewReconciler(st, 14).WithNow(func() time.Time { return testNow }).Reconcile(ctx, "org1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Refcodes)
	assert.Equal(t, int64(2), res.HistoryWritten)

	mappings, err := st.RefcodeMappings(ctx, "org1")
	require.NoError(t, err)
	require.Len(t, mappings, 1)
	assert.Equal(t, "a2", mappings[0].AdID)
	assert.Equal(t, june(20, 0), mappings[0].LastDeliveryDate)

	// An older delivery never moves the pointer back.
	stale := mappings[0]
	stale.AdID = "a1"
	stale.LastDeliveryDate = june(5, 0)
	n, err := st.UpsertRefcodeMappings(ctx, []model.RefcodeMapping{stale})
	require.NoError(t, err)
	assert.Zero(t, n)

	mappings, err = st.RefcodeMappings(ctx, "org1")
	require.NoError(t, err)
	assert.Equal(t, "a2", mappings[0].AdID)
}

func TestSQLite_UpsertRefcodeMappings_SameDateTieBreak(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	day := june(10, 0)

	write := func(adID string) int64 {
		t.Helper()
		n, err := st.UpsertRefcodeMappings(ctx, []model.RefcodeMapping{
			{OrgID: "org1", Refcode: "promo42", Platform: "meta", AdID: adID, LastDeliveryDate: day, UpdatedAt: testNow},
		})
		require.NoError(t, err)
		return n
	}
	current := func() string {
		t.Helper()
		mappings, err := st.RefcodeMappings(ctx, "org1")
		require.NoError(t, err)
		require.Len(t, mappings, 1)
		return mappings[0].AdID
	}

	write("120")
	assert.Zero(t, write("99"), "lower numeric ad id on the same date")
	assert.Equal(t, "120", current())

	assert.Equal(t, int64(1), write("1000"))
	assert.Equal(t, "1000", current())

	assert.Equal(t, int64(1), write("1000"), "same ad refreshes")
	assert.True(t, refcode.Newer(
		model.RefcodeMapping{AdID: "1000", LastDeliveryDate: day},
		model.RefcodeMapping{AdID: "99", LastDeliveryDate: day},
	))
}

func TestSQLite_UpsertRefcodeMappings_SameDateLexicalIDs(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	day := june(10, 0)

	m := model.RefcodeMapping{OrgID: "org1", Refcode: "promo42", AdID: "ad-b", LastDeliveryDate: day, UpdatedAt: testNow}
	_, err := st.UpsertRefcodeMappings(ctx, []model.RefcodeMapping{m})
	require.NoError(t, err)

	m.AdID = "ad-a"
	n, err := st.UpsertRefcodeMappings(ctx, []model.RefcodeMapping{m})
	require.NoError(t, err)
	assert.Zero(t, n)

	m.AdID = "ad-c"
	n, err = st.UpsertRefcodeMappings(ctx, []model.RefcodeMapping{m})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	mappings, err := st.RefcodeMappings(ctx, "org1")
	require.NoError(t, err)
	require.Len(t, mappings, 1)
	assert.Equal(t, "ad-c", mappings[0].AdID)
}

func TestSQLite_EngineScenarios(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedScenario(t, st)

	_, err := refcode.NewReconciler(st, 14).WithNow(func() time.Time { return testNow }).Reconcile(ctx, "org1")
	require.NoError(t, err)

	eng := newSQLiteEngine(st)
	sum, err := eng.Run(ctx, attribution.Request{OrganizationID: "org1"})
	require.NoError(t, err)
	assert.Equal(t, 3, sum.TransactionsConsidered)
	assert.Equal(t, 3, sum.Created)
	assert.Zero(t, sum.Errors)

	t1, ok := st.attributionRecord(t, "T1")
	require.True(t, ok)
	assert.Equal(t, model.MethodRefcode, t1.Method)
	assert.Equal(t, "spring-drive", t1.LastTouchCampaign)
	assert.InDelta(t, 0.6, t1.LastTouchWeight, 1e-9)

	t2, ok := st.attributionRecord(t, "T2")
	require.True(t, ok)
	assert.Equal(t, model.MethodTouchpoint, t2.Method)
	assert.Equal(t, 2, t2.TotalTouchpoints)
	assert.InDelta(t, 0.8, t2.FirstTouchWeight+t2.LastTouchWeight, 1e-9)

	t3, ok := st.attributionRecord(t, "T3")
	require.True(t, ok)
	assert.Equal(t, model.MethodOrganic, t3.Method)
	assert.Nil(t, t3.Confidence)

	_, ok = st.attributionRecord(t, "R1")
	assert.False(t, ok, "refunds are never attributed")
	_, ok = st.attributionRecord(t, "OLD")
	assert.False(t, ok, "outside the lookback window")

	t.Run("idempotent", func(t *testing.T) {
		again, err := eng.Run(ctx, attribution.Request{OrganizationID: "org1"})
		require.NoError(t, err)
		assert.Equal(t, sum.Created, again.Skipped)
		assert.Zero(t, again.Created)
		assert.Equal(t, 3, st.countRecords(t))
	})

	t.Run("force", func(t *testing.T) {
		forced, err := eng.Run(ctx, attribution.Request{OrganizationID: "org1", ForceRecompute: true})
		require.NoError(t, err)
		assert.Equal(t, 3, forced.Created)
		assert.Equal(t, 3, st.countRecords(t))
	})

	t.Run("run log", func(t *testing.T) {
		runs, err := st.ListRuns(ctx, model.RunFilter{Job: model.JobAttribute, OrgID: "org1"})
		require.NoError(t, err)
		require.Len(t, runs, 3)
		for _, r := range runs {
			assert.Equal(t, model.RunStatusComplete, r.Status)
		}
	})
}

func TestSQLite_LinkedIdentity(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	phone := "555-010-0000"

	st.seedTransactions(t,
		model.Transaction{OrgID: "org1", TransactionID: "P1", DonorEmail: "p@example.org", DonorPhone: phone, Amount: 5, TransactionDate: june(3, 10)},
		model.Transaction{OrgID: "org1", TransactionID: "P2", DonorEmail: "p@example.org", Amount: 5, TransactionDate: june(12, 10)},
	)
	st.seedTouchpoints(t, model.Touchpoint{
		OrgID: "org1", DonorPhoneHash: identity.HashPhone(phone), TouchpointType: "sms", CampaignName: "match", OccurredAt: june(12, 9),
	})

	built, err := identity.NewBuilder(st, identity.DefaultLinkConfidence).Build(ctx, "org1")
	require.NoError(t, err)
	assert.Equal(t, 1, built.Links)

	links, err := st.IdentityLinks(ctx, "org1")
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, identity.HashPhone(phone), links[0].PhoneHash)
	assert.Equal(t, june(3, 10), links[0].FirstSeen)

	_, err = newSQLiteEngine(st).Run(ctx, attribution.Request{OrganizationID: "org1"})
	require.NoError(t, err)

	p2, ok := st.attributionRecord(t, "P2")
	require.True(t, ok)
	assert.Equal(t, model.MethodProbabilisticTouchpoint, p2.Method)
	assert.Equal(t, "match", p2.LastTouchCampaign)
	require.NotNil(t, p2.Confidence)
	assert.Less(t, *p2.Confidence, 0.8)
}

func TestSQLite_RecomputeTiming(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	st.seedTransactions(t,
		model.Transaction{OrgID: "org1", TransactionID: "O1", Amount: 5, TransactionDate: june(10, 8)},
		model.Transaction{OrgID: "org1", TransactionID: "O2", Amount: 5, TransactionDate: june(25, 8)},
	)
	st.seedCampaign(t, model.Campaign{
		OrgID: "org1", Platform: "google", CampaignID: "g1", CampaignName: "search-june",
		StartDate: june(1, 0), EndDate: june(15, 0), Impressions: 5000,
	})

	eng := newSQLiteEngine(st)
	_, err := eng.Run(ctx, attribution.Request{OrganizationID: "org1"})
	require.NoError(t, err)

	sum, err := eng.RecomputeTiming(ctx, attribution.Request{OrganizationID: "org1"})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.TransactionsConsidered)
	assert.Equal(t, 1, sum.Created)
	assert.Equal(t, 1, sum.Skipped)

	o1, ok := st.attributionRecord(t, "O1")
	require.True(t, ok)
	assert.Equal(t, model.MethodProbabilisticTiming, o1.Method)
	assert.Equal(t, "search-june", o1.LastTouchCampaign)

	o2, ok := st.attributionRecord(t, "O2")
	require.True(t, ok)
	assert.Equal(t, model.MethodOrganic, o2.Method)
}

func TestSQLite_ClickBackfill(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	st.seedTouchpoints(t, model.Touchpoint{
		OrgID: "org1", TouchpointType: "ad_click", Platform: "meta", CampaignID: "c7", AdID: "a7",
		OccurredAt: june(8, 0), Metadata: json.RawMessage(`{"fbclid":"IwAR0abcdefghijk"}`),
	})
	st.seedTransactions(t, model.Transaction{
		OrgID: "org1", TransactionID: "C1", ClickID: "IwAR0abcde", Amount: 20, TransactionDate: june(8, 2),
	})

	res, err := refcode.NewBackfiller(st).WithNow(func() time.Time { return testNow }).Backfill(ctx, "org1", 30)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)

	mappings, err := st.RefcodeMappings(ctx, "org1")
	require.NoError(t, err)
	require.Len(t, mappings, 1)
	assert.Equal(t, refcode.ClickCode("IwAR0abcde"), mappings[0].Refcode)
	assert.Equal(t, "a7", mappings[0].AdID)

	_, err = newSQLiteEngine(st).Run(ctx, attribution.Request{OrganizationID: "org1"})
	require.NoError(t, err)
	c1, ok := st.attributionRecord(t, "C1")
	require.True(t, ok)
	assert.Equal(t, model.MethodRefcode, c1.Method)
}
