package model

import "time"

// IdentityLink cross-references a hashed email and a hashed phone known to
// belong to the same donor. DonorEmail is the only raw identifier kept and
// comes from a trusted join.
type IdentityLink struct {
	OrgID      string    `json:"organization_id"`
	EmailHash  string    `json:"email_hash"`
	PhoneHash  string    `json:"phone_hash"`
	DonorEmail string    `json:"donor_email,omitempty"`
	Source     string    `json:"source"`
	Confidence float64   `json:"confidence"`
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
}

// LinkSourceTransaction marks links derived from email and phone appearing
// together on one donation.
const LinkSourceTransaction = "transaction"
