// Package model defines the records the attribution engine reads and writes.
package model

import (
	"strings"
	"time"
)

// TransactionType distinguishes donations from refunds.
type TransactionType string

const (
	TransactionDonation TransactionType = "donation"
	TransactionRefund   TransactionType = "refund"
)

// Transaction is a fundraising event written by upstream ingestion.
// The engine never mutates it.
type Transaction struct {
	OrgID           string          `json:"organization_id"`
	TransactionID   string          `json:"transaction_id"`
	DonorEmail      string          `json:"donor_email,omitempty"`
	DonorPhone      string          `json:"donor_phone,omitempty"`
	Amount          float64         `json:"amount"`
	NetAmount       float64         `json:"net_amount"`
	TransactionDate time.Time       `json:"transaction_date"`
	Type            TransactionType `json:"transaction_type"`
	Refcode         string          `json:"refcode,omitempty"`
	Refcode2        string          `json:"refcode2,omitempty"`
	CustomRefcode   string          `json:"custom_refcode,omitempty"`
	ClickID         string          `json:"click_id,omitempty"`
	SourceCampaign  string          `json:"source_campaign,omitempty"`
}

// IsRefund reports whether the transaction is a refund. Refunds are never
// attributed.
func (t Transaction) IsRefund() bool {
	return strings.EqualFold(string(t.Type), string(TransactionRefund))
}

// ContactPair is a distinct (email, phone) combination observed together on
// donations, with the date range it was seen in.
type ContactPair struct {
	DonorEmail string    `json:"donor_email"`
	DonorPhone string    `json:"donor_phone"`
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
}

// TransactionQuery pages an organization's non-refund transactions in
// (TransactionDate, TransactionID) order. AfterDate/AfterID form the keyset
// cursor; zero values start from the beginning.
type TransactionQuery struct {
	OrgID     string
	Since     time.Time
	AfterDate time.Time
	AfterID   string
	Limit     int
	// Method, when set, restricts the page to transactions whose stored
	// attribution has this method.
	Method Method
}

// Next returns the query for the page after last.
func (q TransactionQuery) Next(last Transaction) TransactionQuery {
	q.AfterDate = last.TransactionDate
	q.AfterID = last.TransactionID
	return q
}
