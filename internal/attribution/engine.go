package attribution

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/attribution-cli/internal/identity"
	"github.com/sells-group/attribution-cli/internal/model"
	"github.com/sells-group/attribution-cli/internal/refcode"
	"github.com/sells-group/attribution-cli/internal/resilience"
	"github.com/sells-group/attribution-cli/internal/runlog"
)

const (
	defaultMatchConcurrency = 4
	sweepConcurrency        = 4
)

// Options configures an Engine. Zero values take defaults.
type Options struct {
	// LookbackDays and BatchSize fill requests that leave them unset.
	LookbackDays     int
	BatchSize        int
	MatchConcurrency int
	WritesPerSecond  float64
	Retry            resilience.RetryConfig
	Breaker          resilience.BreakerConfig
	Channels         *ChannelMap
}

// Engine runs attribution batches for one or many organizations.
type Engine struct {
	store  Store
	runs   *runlog.Log
	opts   Options
	writer *Writer
	now    func() time.Time
}

// NewEngine creates an Engine. runs may be nil.
func NewEngine(store Store, runs *runlog.Log, opts Options) *Engine {
	if opts.MatchConcurrency <= 0 {
		opts.MatchConcurrency = defaultMatchConcurrency
	}
	if opts.Channels == nil {
		opts.Channels = DefaultChannelMap()
	}
	return &Engine{
		store: store,
		runs:  runs,
		opts:  opts,
		writer: NewWriter(store, WriterOptions{
			WritesPerSecond: opts.WritesPerSecond,
			Retry:           opts.Retry,
			Breaker:         opts.Breaker,
		}),
		now: time.Now,
	}
}

// WithNow sets a fixed clock for testing.
func (e *Engine) WithNow(now func() time.Time) *Engine {
	e.now = now
	return e
}

func (e *Engine) normalize(req Request) (Request, error) {
	if req.LookbackDays == 0 {
		req.LookbackDays = e.opts.LookbackDays
	}
	if req.BatchSize == 0 {
		req.BatchSize = e.opts.BatchSize
	}
	return req.Normalize()
}

// Run attributes one organization's transactions inside the request window.
// Per-record write failures are counted in the summary; an error means the
// run could not proceed (bad request, unreadable transactions,
// cancellation) and no summary is returned.
func (e *Engine) Run(ctx context.Context, req Request) (*Summary, error) {
	req, err := e.normalize(req)
	if err != nil {
		return nil, err
	}
	if req.AllOrganizations {
		return nil, eris.Wrap(ErrInvalidRequest, "all_organizations requires a sweep")
	}

	runID := e.runs.Start(ctx, model.JobAttribute, req.OrganizationID)
	sum, err := e.run(ctx, runID, req)
	if err != nil {
		e.runs.Fail(ctx, runID, err)
		return nil, err
	}
	e.runs.Complete(ctx, runID, sum.Fields())
	return sum, nil
}

func (e *Engine) run(ctx context.Context, runID string, req Request) (*Summary, error) {
	orgID := req.OrganizationID
	log := zap.L().With(
		zap.String("component", "attribution.engine"),
		zap.String("organization_id", orgID),
		zap.String("run_id", runID),
	)
	started := e.now().UTC()
	since := started.AddDate(0, 0, -req.LookbackDays)
	sum := newSummary(runID, orgID, started)

	registry := e.loadRegistry(ctx, log, orgID)
	index := e.loadIndex(ctx, log, orgID)
	det := NewDeterministicMatcher(registry, e.opts.Channels)
	prob := NewProbabilisticMatcher(index, e.opts.Channels, req.LookbackDays)

	var existing map[string]struct{}
	if !req.ForceRecompute {
		ids, err := resilience.DoVal(ctx, e.opts.Retry, func(ctx context.Context) (map[string]struct{}, error) {
			return e.store.AttributedTransactionIDs(ctx, orgID, since)
		})
		if err != nil {
			return nil, eris.Wrapf(err, "attribution: load attributed ids for %s", orgID)
		}
		existing = ids
	}

	log.Info("attribution run started",
		zap.Time("since", since),
		zap.Int("batch_size", req.BatchSize),
		zap.Bool("force", req.ForceRecompute),
		zap.Int("refcodes", registry.Len()),
		zap.Int("identity_links", index.Len()),
		zap.Int("already_attributed", len(existing)),
	)

	q := model.TransactionQuery{OrgID: orgID, Since: since, Limit: req.BatchSize}
	err := e.eachPage(ctx, q, func(page []model.Transaction) {
		e.processPage(ctx, log, sum, page, existing, det, prob)
	})
	if err != nil {
		return nil, err
	}

	sum.DurationMS = e.now().UTC().Sub(started).Milliseconds()
	log.Info("attribution run complete",
		zap.Int("considered", sum.TransactionsConsidered),
		zap.Int("created", sum.Created),
		zap.Int("skipped", sum.Skipped),
		zap.Int("errors", sum.Errors),
		zap.Int64("duration_ms", sum.DurationMS),
	)
	return sum, nil
}

// eachPage walks the query's transactions in keyset order. Cancellation is
// checked between pages.
func (e *Engine) eachPage(ctx context.Context, q model.TransactionQuery, fn func([]model.Transaction)) error {
	for {
		if err := ctx.Err(); err != nil {
			return eris.Wrap(err, "attribution: run cancelled")
		}
		page, err := resilience.DoVal(ctx, e.opts.Retry, func(ctx context.Context) ([]model.Transaction, error) {
			return e.store.TransactionPage(ctx, q)
		})
		if err != nil {
			return eris.Wrapf(err, "attribution: read transactions for %s", q.OrgID)
		}
		if len(page) == 0 {
			return nil
		}
		fn(page)
		if len(page) < q.Limit {
			return nil
		}
		q = q.Next(page[len(page)-1])
	}
}

func (e *Engine) processPage(ctx context.Context, log *zap.Logger, sum *Summary, page []model.Transaction,
	existing map[string]struct{}, det *DeterministicMatcher, prob *ProbabilisticMatcher) {
	pending := make([]model.Transaction, 0, len(page))
	for _, tx := range page {
		if tx.IsRefund() {
			continue
		}
		sum.TransactionsConsidered++
		if _, ok := existing[tx.TransactionID]; ok {
			sum.Skipped++
			continue
		}
		pending = append(pending, tx)
	}
	if len(pending) == 0 {
		return
	}

	matches := make([]Match, len(pending))
	var unresolved []int
	for i, tx := range pending {
		if m, ok := det.Match(tx); ok {
			matches[i] = m
			continue
		}
		unresolved = append(unresolved, i)
	}

	if len(unresolved) > 0 {
		touches := e.loadTouches(ctx, log, pending, unresolved, prob)
		var g errgroup.Group
		g.SetLimit(e.opts.MatchConcurrency)
		for _, i := range unresolved {
			g.Go(func() error {
				matches[i] = prob.Match(pending[i], touches)
				return nil
			})
		}
		_ = g.Wait()
	}

	at := e.now().UTC()
	recs := make([]model.AttributionRecord, len(pending))
	for i, tx := range pending {
		recs[i] = BuildRecord(tx, matches[i], at)
	}

	res := e.writer.Write(ctx, recs, "")
	failed := make(map[string]struct{}, len(res.Failed))
	for _, id := range res.Failed {
		failed[id] = struct{}{}
	}
	for _, rec := range recs {
		if _, ok := failed[rec.TransactionID]; ok {
			continue
		}
		sum.ByMethod[rec.Method]++
	}
	sum.Created += res.Written
	sum.Errors += len(res.Failed)
}

// loadTouches fetches touchpoints for every unresolved transaction in one
// query. On failure the page falls through to the weaker tiers.
func (e *Engine) loadTouches(ctx context.Context, log *zap.Logger, txs []model.Transaction, idx []int, prob *ProbabilisticMatcher) *DonorTouches {
	emails := make(map[string]struct{})
	phones := make(map[string]struct{})
	var from, to time.Time
	for _, i := range idx {
		tx := txs[i]
		keys := prob.Keys(tx)
		for k := range keys.Emails {
			emails[k] = struct{}{}
		}
		for k := range keys.Phones {
			phones[k] = struct{}{}
		}
		if from.IsZero() || tx.TransactionDate.Before(from) {
			from = tx.TransactionDate
		}
		if tx.TransactionDate.After(to) {
			to = tx.TransactionDate
		}
	}
	if len(emails) == 0 && len(phones) == 0 {
		return nil
	}
	from = from.Add(-prob.lookback)

	orgID := txs[idx[0]].OrgID
	tps, err := resilience.DoVal(ctx, e.opts.Retry, func(ctx context.Context) ([]model.Touchpoint, error) {
		return e.store.DonorTouchpoints(ctx, orgID, setKeys(emails), setKeys(phones), from, to)
	})
	if err != nil {
		log.Warn("touchpoint lookup failed, page falls through to source campaign",
			zap.Int("transactions", len(idx)),
			zap.String("error_type", resilience.ClassifyError(err)),
			zap.Error(err),
		)
		return nil
	}
	return IndexTouchpoints(tps)
}

func (e *Engine) loadRegistry(ctx context.Context, log *zap.Logger, orgID string) *refcode.Registry {
	mappings, err := resilience.DoVal(ctx, e.opts.Retry, func(ctx context.Context) ([]model.RefcodeMapping, error) {
		return e.store.RefcodeMappings(ctx, orgID)
	})
	if err != nil {
		log.Warn("refcode registry unavailable, deterministic matching disabled", zap.Error(err))
		return nil
	}
	return refcode.NewRegistry(mappings)
}

func (e *Engine) loadIndex(ctx context.Context, log *zap.Logger, orgID string) *identity.Index {
	links, err := resilience.DoVal(ctx, e.opts.Retry, func(ctx context.Context) ([]model.IdentityLink, error) {
		return e.store.IdentityLinks(ctx, orgID)
	})
	if err != nil {
		log.Warn("identity index unavailable, linked touchpoints disabled", zap.Error(err))
		return nil
	}
	return identity.NewIndex(links)
}

// Sweep runs every organization that has transactions. One organization's
// failure is recorded in the result and does not stop the others.
func (e *Engine) Sweep(ctx context.Context, req Request) (*SweepSummary, error) {
	req, err := e.normalize(req)
	if err != nil {
		return nil, err
	}
	if !req.AllOrganizations {
		return nil, eris.Wrap(ErrInvalidRequest, "sweep requires all_organizations")
	}
	log := zap.L().With(zap.String("component", "attribution.engine"))
	started := e.now().UTC()

	orgs, err := resilience.DoVal(ctx, e.opts.Retry, e.store.Organizations)
	if err != nil {
		return nil, eris.Wrap(err, "attribution: list organizations")
	}

	results := make([]*Summary, len(orgs))
	failed := make(map[string]string)
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(sweepConcurrency)
	for i, org := range orgs {
		g.Go(func() error {
			r := req
			r.OrganizationID = org
			r.AllOrganizations = false
			sum, err := e.Run(ctx, r)
			if err != nil {
				log.Error("organization run failed", zap.String("organization_id", org), zap.Error(err))
				mu.Lock()
				failed[org] = err.Error()
				mu.Unlock()
				return nil
			}
			results[i] = sum
			return nil
		})
	}
	_ = g.Wait()

	out := &SweepSummary{Totals: newSummary("", "", started)}
	for _, s := range results {
		if s == nil {
			continue
		}
		out.Organizations = append(out.Organizations, s)
		out.Totals.add(s)
	}
	out.Totals.DurationMS = e.now().UTC().Sub(started).Milliseconds()
	if len(failed) > 0 {
		out.Failed = failed
	}

	log.Info("sweep complete",
		zap.Int("organizations", len(orgs)),
		zap.Int("failed", len(failed)),
		zap.Int("created", out.Totals.Created),
	)
	if len(orgs) > 0 && len(failed) == len(orgs) {
		return out, eris.Errorf("attribution: all %d organizations failed", len(orgs))
	}
	return out, nil
}

// RecomputeTiming revisits organic records in the window and replaces them
// with a timing match where a campaign was running. Records whose method
// changed since they were read are left alone.
func (e *Engine) RecomputeTiming(ctx context.Context, req Request) (*Summary, error) {
	req, err := e.normalize(req)
	if err != nil {
		return nil, err
	}
	if req.AllOrganizations {
		return nil, eris.Wrap(ErrInvalidRequest, "timing recomputation runs one organization at a time")
	}

	runID := e.runs.Start(ctx, model.JobRecomputeTiming, req.OrganizationID)
	sum, err := e.recomputeTiming(ctx, runID, req)
	if err != nil {
		e.runs.Fail(ctx, runID, err)
		return nil, err
	}
	e.runs.Complete(ctx, runID, sum.Fields())
	return sum, nil
}

func (e *Engine) recomputeTiming(ctx context.Context, runID string, req Request) (*Summary, error) {
	orgID := req.OrganizationID
	log := zap.L().With(
		zap.String("component", "attribution.timing"),
		zap.String("organization_id", orgID),
		zap.String("run_id", runID),
	)
	started := e.now().UTC()
	since := started.AddDate(0, 0, -req.LookbackDays)
	sum := newSummary(runID, orgID, started)

	campaigns, err := resilience.DoVal(ctx, e.opts.Retry, func(ctx context.Context) ([]model.Campaign, error) {
		return e.store.ActiveCampaigns(ctx, orgID, since, started)
	})
	if err != nil {
		return nil, eris.Wrapf(err, "attribution: load campaigns for %s", orgID)
	}
	timing := NewTimingMatcher(campaigns, e.opts.Channels)

	q := model.TransactionQuery{OrgID: orgID, Since: since, Limit: req.BatchSize, Method: model.MethodOrganic}
	err = e.eachPage(ctx, q, func(page []model.Transaction) {
		at := e.now().UTC()
		recs := make([]model.AttributionRecord, 0, len(page))
		for _, tx := range page {
			if tx.IsRefund() {
				continue
			}
			sum.TransactionsConsidered++
			m, ok := timing.Match(tx)
			if !ok {
				sum.Skipped++
				continue
			}
			recs = append(recs, BuildRecord(tx, m, at))
		}
		res := e.writer.Write(ctx, recs, model.MethodOrganic)
		sum.Created += res.Written
		sum.Skipped += res.Unchanged
		sum.Errors += len(res.Failed)
		sum.ByMethod[model.MethodProbabilisticTiming] += res.Written
	})
	if err != nil {
		return nil, err
	}

	sum.DurationMS = e.now().UTC().Sub(started).Milliseconds()
	log.Info("timing recomputation complete",
		zap.Int("campaigns", len(campaigns)),
		zap.Int("considered", sum.TransactionsConsidered),
		zap.Int("updated", sum.Created),
		zap.Int("skipped", sum.Skipped),
		zap.Int("errors", sum.Errors),
	)
	return sum, nil
}

func setKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
