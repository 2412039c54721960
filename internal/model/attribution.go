package model

import "time"

// Method records how a transaction's touchpoint chain was obtained.
type Method string

const (
	MethodRefcode                 Method = "refcode"
	MethodTouchpoint              Method = "touchpoint"
	MethodSourceCampaign          Method = "source_campaign"
	MethodProbabilisticTouchpoint Method = "probabilistic_touchpoint"
	MethodProbabilisticTiming     Method = "probabilistic_timing"
	MethodOrganic                 Method = "organic"
)

// AllMethods lists every method in reporting order.
var AllMethods = []Method{
	MethodRefcode,
	MethodTouchpoint,
	MethodSourceCampaign,
	MethodProbabilisticTouchpoint,
	MethodProbabilisticTiming,
	MethodOrganic,
}

// Valid reports whether m is a known method.
func (m Method) Valid() bool {
	for _, v := range AllMethods {
		if v == m {
			return true
		}
	}
	return false
}

// TouchKind separates touches that were observed from touches synthesized
// out of a resolved identity (refcode mapping, source campaign, timing).
type TouchKind string

const (
	TouchObserved  TouchKind = "observed"
	TouchSynthetic TouchKind = "synthetic"
)

// Touch is one position in an attribution chain.
type Touch struct {
	Kind         TouchKind `json:"kind"`
	Channel      string    `json:"channel"`
	Platform     string    `json:"platform,omitempty"`
	CampaignID   string    `json:"campaign_id,omitempty"`
	CampaignName string    `json:"campaign_name,omitempty"`
	AdID         string    `json:"ad_id,omitempty"`
	Refcode      string    `json:"refcode,omitempty"`
	UTM          UTM       `json:"utm"`
	OccurredAt   time.Time `json:"occurred_at"`

	// Set only for observed touches.
	TouchpointID int64 `json:"touchpoint_id,omitempty"`
	// Set only for synthetic touches.
	Origin Method `json:"origin,omitempty"`
}

// ObservedTouch wraps a stored touchpoint.
func ObservedTouch(tp Touchpoint, channel string) Touch {
	return Touch{
		Kind:         TouchObserved,
		Channel:      channel,
		Platform:     tp.Platform,
		CampaignID:   tp.CampaignID,
		CampaignName: tp.CampaignName,
		AdID:         tp.AdID,
		Refcode:      tp.Refcode,
		UTM:          tp.UTM,
		OccurredAt:   tp.OccurredAt,
		TouchpointID: tp.ID,
	}
}

// SyntheticTouch builds a touch that was never observed directly. The
// caller fills in the identity fields it resolved.
func SyntheticTouch(origin Method, channel string, at time.Time) Touch {
	return Touch{
		Kind:       TouchSynthetic,
		Channel:    channel,
		OccurredAt: at,
		Origin:     origin,
	}
}

// IsSynthetic reports whether the touch was synthesized.
func (t Touch) IsSynthetic() bool { return t.Kind == TouchSynthetic }

// Campaign returns the best display label for the touch's campaign.
func (t Touch) Campaign() string {
	switch {
	case t.CampaignName != "":
		return t.CampaignName
	case t.CampaignID != "":
		return t.CampaignID
	default:
		return t.UTM.Campaign
	}
}

// WeightedTouch is a touch summary with its credit weight, as persisted.
type WeightedTouch struct {
	Channel    string    `json:"channel"`
	Campaign   string    `json:"campaign,omitempty"`
	Weight     float64   `json:"weight"`
	OccurredAt time.Time `json:"occurred_at"`
	Kind       TouchKind `json:"kind"`
}

// AttributionRecord is the engine's output, unique per transaction id.
type AttributionRecord struct {
	TransactionID      string          `json:"transaction_id"`
	OrgID              string          `json:"organization_id"`
	DonorEmail         string          `json:"donor_email,omitempty"`
	FirstTouchChannel  string          `json:"first_touch_channel,omitempty"`
	FirstTouchCampaign string          `json:"first_touch_campaign,omitempty"`
	FirstTouchWeight   float64         `json:"first_touch_weight"`
	LastTouchChannel   string          `json:"last_touch_channel,omitempty"`
	LastTouchCampaign  string          `json:"last_touch_campaign,omitempty"`
	LastTouchWeight    float64         `json:"last_touch_weight"`
	MiddleTouches      []WeightedTouch `json:"middle_touches"`
	TotalTouchpoints   int             `json:"total_touchpoints"`
	Method             Method          `json:"attribution_method"`
	Confidence         *float64        `json:"confidence,omitempty"`
	CalculatedAt       time.Time       `json:"calculated_at"`
}

// TotalWeight sums first, last and middle weights.
func (r AttributionRecord) TotalWeight() float64 {
	total := r.FirstTouchWeight + r.LastTouchWeight
	for _, m := range r.MiddleTouches {
		total += m.Weight
	}
	return total
}
