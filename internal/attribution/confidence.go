package attribution

import (
	"time"

	"github.com/sells-group/attribution-cli/internal/model"
)

// Fixed confidences for non-touchpoint methods.
const (
	RefcodeConfidence        = 1.0
	SourceCampaignConfidence = 0.4
	TimingConfidence         = 0.3
)

// Touchpoint confidence scoring.
const (
	baseTouchConfidence = 0.5
	maxTouchConfidence  = 0.95

	recencyHourBonus  = 0.3
	recencyDayBonus   = 0.2
	recency3DayBonus  = 0.1
	chainLengthBonus  = 0.1
	campaignIDBonus   = 0.05
	chainLengthTarget = 3
)

// TouchpointConfidence scores an observed chain against the transaction
// time: recency of the last touch, chain length and whether the last touch
// resolved to a campaign. The result is in [0.5, 0.95].
func TouchpointConfidence(chain []model.Touch, txTime time.Time) float64 {
	if len(chain) == 0 {
		return 0
	}
	c := baseTouchConfidence
	last := chain[len(chain)-1]

	gap := txTime.Sub(last.OccurredAt)
	if gap < 0 {
		gap = 0
	}
	switch {
	case gap <= time.Hour:
		c += recencyHourBonus
	case gap <= 24*time.Hour:
		c += recencyDayBonus
	case gap <= 72*time.Hour:
		c += recency3DayBonus
	}

	if len(chain) >= chainLengthTarget {
		c += chainLengthBonus
	}
	if last.CampaignID != "" {
		c += campaignIDBonus
	}
	if c > maxTouchConfidence {
		c = maxTouchConfidence
	}
	return c
}
