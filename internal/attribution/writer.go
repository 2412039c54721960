package attribution

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/attribution-cli/internal/model"
	"github.com/sells-group/attribution-cli/internal/resilience"
)

// WriterOptions configures a Writer.
type WriterOptions struct {
	// WritesPerSecond throttles record writes; 0 means unlimited.
	WritesPerSecond float64
	Retry           resilience.RetryConfig
	// Breaker guards per-record writes. Unless ShouldTrip is set, only
	// transient store errors open it; a bad record fails alone.
	Breaker resilience.BreakerConfig
}

// WriteResult reports the outcome of one Write.
type WriteResult struct {
	Written   int
	Unchanged int      // conditional upserts that found a non-matching record
	Failed    []string // transaction ids
}

// Writer persists attribution records. A page is written with one bulk
// upsert; if that fails, each record is retried on its own so a single bad
// record never sinks the page.
type Writer struct {
	store   RecordStore
	limiter *rate.Limiter
	retry   resilience.RetryConfig
	breaker *resilience.Breaker
}

// NewWriter creates a Writer.
func NewWriter(store RecordStore, opts WriterOptions) *Writer {
	if opts.Breaker.ShouldTrip == nil {
		opts.Breaker.ShouldTrip = resilience.IsTransient
	}
	w := &Writer{
		store:   store,
		retry:   opts.Retry,
		breaker: resilience.NewBreaker(opts.Breaker),
	}
	if opts.WritesPerSecond > 0 {
		burst := int(opts.WritesPerSecond)
		if burst < 1 {
			burst = 1
		}
		w.limiter = rate.NewLimiter(rate.Limit(opts.WritesPerSecond), burst)
	}
	return w
}

// Write upserts recs. onlyOver is passed through to the store (see
// RecordStore).
func (w *Writer) Write(ctx context.Context, recs []model.AttributionRecord, onlyOver model.Method) WriteResult {
	if len(recs) == 0 {
		return WriteResult{}
	}
	log := zap.L().With(zap.String("component", "attribution.writer"))

	if err := w.wait(ctx, len(recs)); err != nil {
		return failAll(recs)
	}

	n, err := resilience.DoVal(ctx, w.retry, func(ctx context.Context) (int64, error) {
		return w.store.UpsertAttributions(ctx, recs, onlyOver)
	})
	if err == nil {
		written := len(recs)
		if onlyOver != "" {
			written = int(n)
		}
		return WriteResult{Written: written, Unchanged: len(recs) - written}
	}
	log.Warn("bulk write failed, falling back to per-record writes",
		zap.Int("records", len(recs)),
		zap.String("error_type", resilience.ClassifyError(err)),
		zap.Error(err),
	)
	return w.writeEach(ctx, recs, onlyOver, log)
}

func (w *Writer) writeEach(ctx context.Context, recs []model.AttributionRecord, onlyOver model.Method, log *zap.Logger) WriteResult {
	var res WriteResult
	for i, rec := range recs {
		if err := ctx.Err(); err != nil {
			rest := failAll(recs[i:])
			res.Failed = append(res.Failed, rest.Failed...)
			return res
		}
		if err := w.wait(ctx, 1); err != nil {
			res.Failed = append(res.Failed, rec.TransactionID)
			continue
		}

		var changed bool
		err := w.breaker.Execute(ctx, func(ctx context.Context) error {
			return resilience.Do(ctx, w.retry, func(ctx context.Context) error {
				var err error
				changed, err = w.store.UpsertAttribution(ctx, rec, onlyOver)
				return err
			})
		})
		switch {
		case err != nil:
			res.Failed = append(res.Failed, rec.TransactionID)
			log.Error("attribution write failed",
				zap.String("transaction_id", rec.TransactionID),
				zap.String("organization_id", rec.OrgID),
				zap.String("method", string(rec.Method)),
				zap.String("error_type", resilience.ClassifyError(err)),
				zap.Error(err),
			)
		case changed:
			res.Written++
		default:
			res.Unchanged++
		}
	}
	return res
}

// wait blocks until the limiter admits n writes.
func (w *Writer) wait(ctx context.Context, n int) error {
	if w.limiter == nil {
		return nil
	}
	burst := w.limiter.Burst()
	for n > 0 {
		step := min(n, burst)
		if err := w.limiter.WaitN(ctx, step); err != nil {
			return err
		}
		n -= step
	}
	return nil
}

func failAll(recs []model.AttributionRecord) WriteResult {
	res := WriteResult{Failed: make([]string, len(recs))}
	for i, r := range recs {
		res.Failed[i] = r.TransactionID
	}
	return res
}
