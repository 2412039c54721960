package identity

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/attribution-cli/internal/model"
)

// DefaultLinkConfidence is the confidence assigned to links observed on a
// single donation.
const DefaultLinkConfidence = 0.9

// LinkStore is the persistence the Builder needs.
type LinkStore interface {
	DonorContactPairs(ctx context.Context, orgID string) ([]model.ContactPair, error)
	UpsertIdentityLinks(ctx context.Context, links []model.IdentityLink) (int64, error)
}

// BuildResult summarizes an identity rebuild.
type BuildResult struct {
	PairsScanned int   `json:"pairs_scanned"`
	Skipped      int   `json:"skipped"`
	Links        int   `json:"links"`
	Upserted     int64 `json:"links_upserted"`
}

// Builder rebuilds the identity cross-reference for an organization from
// donations that carry both an email and a phone.
type Builder struct {
	store      LinkStore
	confidence float64
}

// NewBuilder creates a Builder. A non-positive confidence falls back to
// DefaultLinkConfidence.
func NewBuilder(store LinkStore, confidence float64) *Builder {
	if confidence <= 0 || confidence > 1 {
		confidence = DefaultLinkConfidence
	}
	return &Builder{store: store, confidence: confidence}
}

// Build hashes every (email, phone) pair seen together and upserts one link
// per distinct hash pair.
func (b *Builder) Build(ctx context.Context, orgID string) (*BuildResult, error) {
	if orgID == "" {
		return nil, eris.New("identity: organization id is required")
	}
	log := zap.L().With(zap.String("component", "identity.builder"), zap.String("organization_id", orgID))

	pairs, err := b.store.DonorContactPairs(ctx, orgID)
	if err != nil {
		return nil, eris.Wrapf(err, "identity: load contact pairs for %s", orgID)
	}

	links, skipped := b.linksFromPairs(orgID, pairs)
	result := &BuildResult{
		PairsScanned: len(pairs),
		Skipped:      skipped,
		Links:        len(links),
	}
	if len(links) == 0 {
		log.Info("identity rebuild found no linkable pairs", zap.Int("pairs", len(pairs)))
		return result, nil
	}

	n, err := b.store.UpsertIdentityLinks(ctx, links)
	if err != nil {
		return result, eris.Wrapf(err, "identity: upsert links for %s", orgID)
	}
	result.Upserted = n

	log.Info("identity rebuild complete",
		zap.Int("pairs", result.PairsScanned),
		zap.Int("links", result.Links),
		zap.Int("skipped", result.Skipped),
	)
	return result, nil
}

// linksFromPairs hashes and merges pairs. Different raw spellings of the
// same email or phone collapse onto one link with the widest seen range.
func (b *Builder) linksFromPairs(orgID string, pairs []model.ContactPair) ([]model.IdentityLink, int) {
	type key struct{ email, phone string }
	merged := make(map[key]*model.IdentityLink)
	skipped := 0

	for _, p := range pairs {
		eh := HashEmail(p.DonorEmail)
		ph := HashPhone(p.DonorPhone)
		if eh == "" || ph == "" {
			skipped++
			continue
		}
		k := key{eh, ph}
		if existing, ok := merged[k]; ok {
			existing.FirstSeen = minTime(existing.FirstSeen, p.FirstSeen)
			existing.LastSeen = maxTime(existing.LastSeen, p.LastSeen)
			continue
		}
		merged[k] = &model.IdentityLink{
			OrgID:      orgID,
			EmailHash:  eh,
			PhoneHash:  ph,
			DonorEmail: NormalizeEmail(p.DonorEmail),
			Source:     model.LinkSourceTransaction,
			Confidence: b.confidence,
			FirstSeen:  p.FirstSeen,
			LastSeen:   p.LastSeen,
		}
	}

	links := make([]model.IdentityLink, 0, len(merged))
	for _, l := range merged {
		links = append(links, *l)
	}
	sort.Slice(links, func(i, j int) bool {
		if links[i].EmailHash != links[j].EmailHash {
			return links[i].EmailHash < links[j].EmailHash
		}
		return links[i].PhoneHash < links[j].PhoneHash
	})
	return links, skipped
}

func minTime(a, b time.Time) time.Time {
	if a.IsZero() || (!b.IsZero() && b.Before(a)) {
		return b
	}
	return a
}

func maxTime(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
