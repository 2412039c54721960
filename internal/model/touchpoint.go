package model

import (
	"encoding/json"
	"time"
)

// UTM holds the tracking parameters attached to a link.
type UTM struct {
	Source   string `json:"utm_source,omitempty"`
	Medium   string `json:"utm_medium,omitempty"`
	Campaign string `json:"utm_campaign,omitempty"`
	Content  string `json:"utm_content,omitempty"`
	Term     string `json:"utm_term,omitempty"`
}

// Touchpoint is an observed marketing exposure produced by an upstream
// collector. Order by OccurredAt defines touch position.
type Touchpoint struct {
	ID             int64           `json:"id"`
	OrgID          string          `json:"organization_id"`
	DonorEmail     string          `json:"donor_email,omitempty"`
	DonorPhoneHash string          `json:"donor_phone_hash,omitempty"`
	TouchpointType string          `json:"touchpoint_type"`
	Platform       string          `json:"platform,omitempty"`
	CampaignID     string          `json:"campaign_id,omitempty"`
	CampaignName   string          `json:"campaign_name,omitempty"`
	AdID           string          `json:"ad_id,omitempty"`
	Refcode        string          `json:"refcode,omitempty"`
	UTM            UTM             `json:"utm"`
	OccurredAt     time.Time       `json:"occurred_at"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
}

// Campaign is an ad campaign with its flight dates and delivered exposure,
// used for timing correlation.
type Campaign struct {
	OrgID        string    `json:"organization_id"`
	Platform     string    `json:"platform"`
	CampaignID   string    `json:"campaign_id"`
	CampaignName string    `json:"campaign_name"`
	StartDate    time.Time `json:"start_date"`
	EndDate      time.Time `json:"end_date"`
	Impressions  int64     `json:"impressions"`
}

// ActiveOn reports whether day falls inside the campaign flight, inclusive
// on both ends at day granularity.
func (c Campaign) ActiveOn(day time.Time) bool {
	d := truncateDay(day)
	return !d.Before(truncateDay(c.StartDate)) && !d.After(truncateDay(c.EndDate))
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
