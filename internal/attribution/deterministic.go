package attribution

import (
	"github.com/sells-group/attribution-cli/internal/model"
	"github.com/sells-group/attribution-cli/internal/refcode"
)

// ChannelRefcode labels refcode touches whose mapping has no platform.
const ChannelRefcode = "refcode"

// Match is a resolved touch chain with its method and confidence.
// Confidence is nil for organic matches.
type Match struct {
	Method     model.Method
	Chain      []model.Touch
	Confidence *float64
}

func organic() Match {
	return Match{Method: model.MethodOrganic}
}

func confidence(c float64) *float64 {
	return &c
}

// DeterministicMatcher resolves transactions by exact registry lookups of
// the codes they carry.
type DeterministicMatcher struct {
	registry *refcode.Registry
	channels *ChannelMap
}

// NewDeterministicMatcher creates a matcher over a loaded registry. A nil
// registry matches nothing.
func NewDeterministicMatcher(registry *refcode.Registry, channels *ChannelMap) *DeterministicMatcher {
	return &DeterministicMatcher{registry: registry, channels: channels}
}

// Candidates returns the codes tried for tx, in order: primary, secondary,
// custom, then the click-id backfill key.
func Candidates(tx model.Transaction) []string {
	return []string{tx.Refcode, tx.Refcode2, tx.CustomRefcode, refcode.ClickCode(tx.ClickID)}
}

// Match returns a single synthetic refcode touch for the first candidate
// found in the registry. Unknown codes are not errors.
func (m *DeterministicMatcher) Match(tx model.Transaction) (Match, bool) {
	for _, code := range Candidates(tx) {
		mapping, ok := m.registry.Lookup(code)
		if !ok {
			continue
		}
		ch := m.channels.Channel("", mapping.Platform, mapping.UTM.Medium)
		if ch == ChannelUnknown {
			ch = ChannelRefcode
		}
		touch := model.SyntheticTouch(model.MethodRefcode, ch, tx.TransactionDate)
		touch.Platform = mapping.Platform
		touch.CampaignID = mapping.CampaignID
		touch.CampaignName = mapping.CampaignName
		touch.AdID = mapping.AdID
		touch.Refcode = refcode.NormalizeCode(code)
		touch.UTM = mapping.UTM
		return Match{
			Method:     model.MethodRefcode,
			Chain:      []model.Touch{touch},
			Confidence: confidence(RefcodeConfidence),
		}, true
	}
	return Match{}, false
}
