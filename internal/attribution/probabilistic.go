package attribution

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sells-group/attribution-cli/internal/identity"
	"github.com/sells-group/attribution-cli/internal/model"
)

// DonorKeys are the identifiers used to look up a donor's touchpoints.
// Direct keys come from the transaction itself; linked keys were reached
// through the identity index and carry the link confidence.
type DonorKeys struct {
	Emails       map[string]bool    // normalized email -> direct
	Phones       map[string]bool    // phone hash -> direct
	LinkStrength map[string]float64 // linked key -> best link confidence
}

func newDonorKeys() DonorKeys {
	return DonorKeys{
		Emails:       map[string]bool{},
		Phones:       map[string]bool{},
		LinkStrength: map[string]float64{},
	}
}

func (k DonorKeys) addDirect(set map[string]bool, key string) {
	set[key] = true
	delete(k.LinkStrength, key)
}

func (k DonorKeys) addLinked(set map[string]bool, key string, conf float64) {
	if set[key] {
		return
	}
	set[key] = false
	if conf > k.LinkStrength[key] {
		k.LinkStrength[key] = conf
	}
}

// Empty reports whether no key is known.
func (k DonorKeys) Empty() bool {
	return len(k.Emails) == 0 && len(k.Phones) == 0
}

// DonorTouches is a page's worth of touchpoints indexed by donor key.
type DonorTouches struct {
	byEmail map[string][]model.Touchpoint
	byPhone map[string][]model.Touchpoint
}

// IndexTouchpoints groups touchpoints by normalized email and phone hash.
func IndexTouchpoints(tps []model.Touchpoint) *DonorTouches {
	dt := &DonorTouches{
		byEmail: make(map[string][]model.Touchpoint),
		byPhone: make(map[string][]model.Touchpoint),
	}
	for _, tp := range tps {
		if e := identity.NormalizeEmail(tp.DonorEmail); e != "" {
			dt.byEmail[e] = append(dt.byEmail[e], tp)
		}
		if identity.IsPhoneHash(tp.DonorPhoneHash) {
			dt.byPhone[tp.DonorPhoneHash] = append(dt.byPhone[tp.DonorPhoneHash], tp)
		}
	}
	return dt
}

// ProbabilisticMatcher infers a chain for transactions without a usable
// code: the donor's own touchpoints, then touchpoints reached through an
// identity link, then the free-text source campaign.
type ProbabilisticMatcher struct {
	index    *identity.Index
	channels *ChannelMap
	lookback time.Duration
}

// NewProbabilisticMatcher creates a matcher. A nil index disables identity
// linking.
func NewProbabilisticMatcher(index *identity.Index, channels *ChannelMap, lookbackDays int) *ProbabilisticMatcher {
	if lookbackDays <= 0 {
		lookbackDays = DefaultLookbackDays
	}
	return &ProbabilisticMatcher{
		index:    index,
		channels: channels,
		lookback: time.Duration(lookbackDays) * 24 * time.Hour,
	}
}

// Keys returns tx's direct and linked donor keys.
func (m *ProbabilisticMatcher) Keys(tx model.Transaction) DonorKeys {
	keys := newDonorKeys()

	email := identity.NormalizeEmail(tx.DonorEmail)
	phone := identity.HashPhone(tx.DonorPhone)
	if email != "" {
		keys.addDirect(keys.Emails, email)
	}
	if phone != "" {
		keys.addDirect(keys.Phones, phone)
	}

	if email != "" {
		for _, l := range m.index.LinksForEmail(identity.HashEmail(email)) {
			keys.addLinked(keys.Phones, l.PhoneHash, l.Confidence)
		}
	}
	if phone != "" {
		for _, l := range m.index.LinksForPhone(phone) {
			if e := identity.NormalizeEmail(l.DonorEmail); e != "" {
				keys.addLinked(keys.Emails, e, l.Confidence)
			}
		}
	}
	return keys
}

// Match always returns a result; organic when nothing correlates.
func (m *ProbabilisticMatcher) Match(tx model.Transaction, touches *DonorTouches) Match {
	if touches != nil {
		if match, ok := m.matchTouchpoints(tx, touches); ok {
			return match
		}
	}
	if src := strings.TrimSpace(tx.SourceCampaign); src != "" {
		touch := model.SyntheticTouch(model.MethodSourceCampaign, ChannelSourceCampaign, tx.TransactionDate)
		touch.CampaignName = src
		return Match{
			Method:     model.MethodSourceCampaign,
			Chain:      []model.Touch{touch},
			Confidence: confidence(SourceCampaignConfidence),
		}
	}
	return organic()
}

type candidate struct {
	tp       model.Touchpoint
	direct   bool
	linkConf float64
}

func (m *ProbabilisticMatcher) matchTouchpoints(tx model.Transaction, touches *DonorTouches) (Match, bool) {
	keys := m.Keys(tx)
	if keys.Empty() {
		return Match{}, false
	}
	from := tx.TransactionDate.Add(-m.lookback)
	to := tx.TransactionDate

	seen := make(map[string]*candidate)
	var order []string
	collect := func(set map[string]bool, idx map[string][]model.Touchpoint) {
		for key, direct := range set {
			for _, tp := range idx[key] {
				if tp.OccurredAt.Before(from) || tp.OccurredAt.After(to) {
					continue
				}
				id := touchKey(tp)
				c, ok := seen[id]
				if !ok {
					c = &candidate{tp: tp}
					seen[id] = c
					order = append(order, id)
				}
				if direct {
					c.direct = true
				} else if s := keys.LinkStrength[key]; s > c.linkConf {
					c.linkConf = s
				}
			}
		}
	}
	collect(keys.Emails, touches.byEmail)
	collect(keys.Phones, touches.byPhone)
	if len(order) == 0 {
		return Match{}, false
	}

	cands := make([]*candidate, 0, len(order))
	for _, id := range order {
		cands = append(cands, seen[id])
	}
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i].tp, cands[j].tp
		if !a.OccurredAt.Equal(b.OccurredAt) {
			return a.OccurredAt.Before(b.OccurredAt)
		}
		if a.ID != b.ID {
			return a.ID < b.ID
		}
		return touchKey(a) < touchKey(b)
	})

	chain := make([]model.Touch, len(cands))
	linked := false
	linkConf := 0.0
	for i, c := range cands {
		chain[i] = model.ObservedTouch(c.tp, m.channels.Channel(c.tp.TouchpointType, c.tp.Platform, c.tp.UTM.Medium))
		if !c.direct {
			linked = true
			if c.linkConf > linkConf {
				linkConf = c.linkConf
			}
		}
	}

	conf := TouchpointConfidence(chain, tx.TransactionDate)
	method := model.MethodTouchpoint
	if linked {
		method = model.MethodProbabilisticTouchpoint
		conf *= linkConf
	}
	return Match{Method: method, Chain: chain, Confidence: confidence(conf)}, true
}

// touchKey identifies a touchpoint across key lookups. Stored touchpoints
// have ids; the fallback covers fixtures that do not.
func touchKey(tp model.Touchpoint) string {
	if tp.ID != 0 {
		return strconv.FormatInt(tp.ID, 10)
	}
	return tp.OccurredAt.Format(time.RFC3339Nano) + "|" + tp.Platform + "|" + tp.CampaignID + "|" + tp.AdID + "|" + tp.TouchpointType
}
