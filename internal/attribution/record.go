package attribution

import (
	"strings"
	"time"

	"github.com/sells-group/attribution-cli/internal/model"
)

// BuildRecord turns a match into the persisted record for tx.
func BuildRecord(tx model.Transaction, m Match, at time.Time) model.AttributionRecord {
	rec := model.AttributionRecord{
		TransactionID:    tx.TransactionID,
		OrgID:            tx.OrgID,
		DonorEmail:       strings.TrimSpace(tx.DonorEmail),
		MiddleTouches:    []model.WeightedTouch{},
		TotalTouchpoints: len(m.Chain),
		Method:           m.Method,
		Confidence:       m.Confidence,
		CalculatedAt:     at,
	}

	w := Weigh(m.Chain)
	switch n := len(m.Chain); n {
	case 0:
		rec.Method = model.MethodOrganic
		rec.Confidence = nil
		rec.FirstTouchChannel = ChannelOrganic
		rec.FirstTouchWeight = w.First
	default:
		first, last := m.Chain[0], m.Chain[n-1]
		rec.FirstTouchChannel = first.Channel
		rec.FirstTouchCampaign = first.Campaign()
		rec.FirstTouchWeight = w.First
		rec.LastTouchChannel = last.Channel
		rec.LastTouchCampaign = last.Campaign()
		rec.LastTouchWeight = w.Last
		for i, mw := range w.Middles {
			t := m.Chain[i+1]
			rec.MiddleTouches = append(rec.MiddleTouches, model.WeightedTouch{
				Channel:    t.Channel,
				Campaign:   t.Campaign(),
				Weight:     mw,
				OccurredAt: t.OccurredAt,
				Kind:       t.Kind,
			})
		}
	}
	return rec
}
