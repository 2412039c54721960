package attribution

import (
	"sort"

	"github.com/sells-group/attribution-cli/internal/model"
	"github.com/sells-group/attribution-cli/internal/refcode"
)

// TimingMatcher guesses the campaign behind an organic transaction from
// which campaigns were running on its date. It is the weakest signal and
// only ever replaces organic records.
type TimingMatcher struct {
	campaigns []model.Campaign
	channels  *ChannelMap
}

// NewTimingMatcher orders campaigns by impressions (desc), then campaign id
// (asc), so the first active campaign is the best guess.
func NewTimingMatcher(campaigns []model.Campaign, channels *ChannelMap) *TimingMatcher {
	sorted := make([]model.Campaign, len(campaigns))
	copy(sorted, campaigns)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Impressions != sorted[j].Impressions {
			return sorted[i].Impressions > sorted[j].Impressions
		}
		return refcode.CompareAdIDs(sorted[i].CampaignID, sorted[j].CampaignID) < 0
	})
	return &TimingMatcher{campaigns: sorted, channels: channels}
}

// Match returns a single synthetic touch for the highest-exposure campaign
// active on the transaction date.
func (m *TimingMatcher) Match(tx model.Transaction) (Match, bool) {
	for _, c := range m.campaigns {
		if !c.ActiveOn(tx.TransactionDate) {
			continue
		}
		touch := model.SyntheticTouch(model.MethodProbabilisticTiming, m.channels.Channel("", c.Platform, ""), tx.TransactionDate)
		touch.Platform = c.Platform
		touch.CampaignID = c.CampaignID
		touch.CampaignName = c.CampaignName
		return Match{
			Method:     model.MethodProbabilisticTiming,
			Chain:      []model.Touch{touch},
			Confidence: confidence(TimingConfidence),
		}, true
	}
	return Match{}, false
}
