package attribution

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/attribution-cli/internal/identity"
	"github.com/sells-group/attribution-cli/internal/model"
	"github.com/sells-group/attribution-cli/internal/resilience"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var errBadRecord = errors.New("bad record")

// fakeStore is an in-memory Store. Transactions are returned in keyset
// order, refunds included, so engine-side filtering is exercised.
type fakeStore struct {
	mu sync.Mutex

	orgs        []string
	mappings    []model.RefcodeMapping
	links       []model.IdentityLink
	txs         []model.Transaction
	touchpoints []model.Touchpoint
	campaigns   []model.Campaign
	records     map[string]model.AttributionRecord

	orgsErr     error
	mappingsErr error
	linksErr    error
	pageErr     error
	pageErrOrg  string
	touchErr    error
	bulkErr     error
	failIDs     map[string]bool
	singleErr   error // returned for failIDs by UpsertAttribution; defaults to errBadRecord

	bulkCalls   int
	singleCalls int
	pageCalls   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]model.AttributionRecord)}
}

func (f *fakeStore) Organizations(context.Context) ([]string, error) {
	return f.orgs, f.orgsErr
}

func (f *fakeStore) RefcodeMappings(_ context.Context, orgID string) ([]model.RefcodeMapping, error) {
	if f.mappingsErr != nil {
		return nil, f.mappingsErr
	}
	var out []model.RefcodeMapping
	for _, m := range f.mappings {
		if m.OrgID == orgID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeStore) IdentityLinks(_ context.Context, orgID string) ([]model.IdentityLink, error) {
	if f.linksErr != nil {
		return nil, f.linksErr
	}
	var out []model.IdentityLink
	for _, l := range f.links {
		if l.OrgID == orgID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeStore) AttributedTransactionIDs(_ context.Context, orgID string, since time.Time) (map[string]struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]struct{})
	for _, tx := range f.txs {
		if tx.OrgID != orgID || tx.TransactionDate.Before(since) {
			continue
		}
		if _, ok := f.records[tx.TransactionID]; ok {
			out[tx.TransactionID] = struct{}{}
		}
	}
	return out, nil
}

func (f *fakeStore) TransactionPage(_ context.Context, q model.TransactionQuery) ([]model.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pageCalls++
	if f.pageErr != nil && (f.pageErrOrg == "" || f.pageErrOrg == q.OrgID) {
		return nil, f.pageErr
	}

	var all []model.Transaction
	for _, tx := range f.txs {
		if tx.OrgID == q.OrgID && !tx.TransactionDate.Before(q.Since) {
			all = append(all, tx)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].TransactionDate.Equal(all[j].TransactionDate) {
			return all[i].TransactionDate.Before(all[j].TransactionDate)
		}
		return all[i].TransactionID < all[j].TransactionID
	})

	var out []model.Transaction
	for _, tx := range all {
		if !q.AfterDate.IsZero() {
			if tx.TransactionDate.Before(q.AfterDate) ||
				(tx.TransactionDate.Equal(q.AfterDate) && tx.TransactionID <= q.AfterID) {
				continue
			}
		}
		if q.Method != "" {
			rec, ok := f.records[tx.TransactionID]
			if !ok || rec.Method != q.Method {
				continue
			}
		}
		out = append(out, tx)
		if len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) DonorTouchpoints(_ context.Context, orgID string, emails, phoneHashes []string, from, to time.Time) ([]model.Touchpoint, error) {
	if f.touchErr != nil {
		return nil, f.touchErr
	}
	want := make(map[string]bool)
	for _, k := range emails {
		want[k] = true
	}
	for _, k := range phoneHashes {
		want[k] = true
	}
	var out []model.Touchpoint
	for _, tp := range f.touchpoints {
		if tp.OrgID != orgID || tp.OccurredAt.Before(from) || tp.OccurredAt.After(to) {
			continue
		}
		if want[identity.NormalizeEmail(tp.DonorEmail)] || want[tp.DonorPhoneHash] {
			out = append(out, tp)
		}
	}
	return out, nil
}

func (f *fakeStore) ActiveCampaigns(_ context.Context, orgID string, _, _ time.Time) ([]model.Campaign, error) {
	var out []model.Campaign
	for _, c := range f.campaigns {
		if c.OrgID == orgID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeStore) UpsertAttributions(_ context.Context, recs []model.AttributionRecord, onlyOver model.Method) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bulkCalls++
	if f.bulkErr != nil {
		return 0, f.bulkErr
	}
	for _, r := range recs {
		if f.failIDs[r.TransactionID] {
			return 0, errBadRecord
		}
	}
	var n int64
	for _, r := range recs {
		if f.put(r, onlyOver) {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) UpsertAttribution(_ context.Context, rec model.AttributionRecord, onlyOver model.Method) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.singleCalls++
	if f.failIDs[rec.TransactionID] {
		if f.singleErr != nil {
			return false, f.singleErr
		}
		return false, errBadRecord
	}
	return f.put(rec, onlyOver), nil
}

func (f *fakeStore) put(rec model.AttributionRecord, onlyOver model.Method) bool {
	if old, ok := f.records[rec.TransactionID]; ok && onlyOver != "" && old.Method != onlyOver {
		return false
	}
	f.records[rec.TransactionID] = rec
	return true
}

func (f *fakeStore) record(id string) (model.AttributionRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[id]
	return r, ok
}

var testNow = time.Date(2026, 6, 30, 12, 0, 0, 0, time.UTC)

func noRetry() resilience.RetryConfig {
	return resilience.RetryConfig{MaxAttempts: 1}
}

func newTestEngine(store *fakeStore) *Engine {
	return NewEngine(store, nil, Options{Retry: noRetry()}).WithNow(func() time.Time { return testNow })
}

func ptr(f float64) *float64 { return &f }
