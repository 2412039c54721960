package model

import "time"

// RefcodeMapping points (org, refcode) at the most recent ad that used it.
type RefcodeMapping struct {
	OrgID            string    `json:"organization_id"`
	Refcode          string    `json:"refcode"`
	Platform         string    `json:"platform"`
	CampaignID       string    `json:"campaign_id,omitempty"`
	CampaignName     string    `json:"campaign_name,omitempty"`
	AdID             string    `json:"ad_id,omitempty"`
	AdName           string    `json:"ad_name,omitempty"`
	UTM              UTM       `json:"utm"`
	LastDeliveryDate time.Time `json:"last_delivery_date"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// RefcodeHistory records each ad that has ever owned a refcode.
type RefcodeHistory struct {
	OrgID      string    `json:"organization_id"`
	Refcode    string    `json:"refcode"`
	AdID       string    `json:"ad_id"`
	CampaignID string    `json:"campaign_id,omitempty"`
	Platform   string    `json:"platform,omitempty"`
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
	IsActive   bool      `json:"is_active"`
}

// AdCreative is an upstream ad creative row carrying the refcode embedded
// in its destination link.
type AdCreative struct {
	OrgID        string `json:"organization_id"`
	Platform     string `json:"platform"`
	AdID         string `json:"ad_id"`
	AdName       string `json:"ad_name,omitempty"`
	CampaignID   string `json:"campaign_id,omitempty"`
	CampaignName string `json:"campaign_name,omitempty"`
	Refcode      string `json:"refcode"`
	UTM          UTM    `json:"utm"`
}

// AdDelivery summarizes the delivery dates of one ad.
type AdDelivery struct {
	AdID      string    `json:"ad_id"`
	FirstDate time.Time `json:"first_date"`
	LastDate  time.Time `json:"last_date"`
}
