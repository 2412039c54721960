package identity

import (
	"sort"

	"github.com/sells-group/attribution-cli/internal/model"
)

// Index is an in-memory, read-only view of an organization's identity
// links. A nil *Index behaves as an empty index.
type Index struct {
	byEmail map[string][]model.IdentityLink
	byPhone map[string][]model.IdentityLink
	size    int
}

// NewIndex builds an Index from stored links. Links with an invalid hash on
// either side are ignored.
func NewIndex(links []model.IdentityLink) *Index {
	x := &Index{
		byEmail: make(map[string][]model.IdentityLink),
		byPhone: make(map[string][]model.IdentityLink),
	}
	for _, l := range links {
		if !IsEmailHash(l.EmailHash) || !IsPhoneHash(l.PhoneHash) {
			continue
		}
		x.byEmail[l.EmailHash] = append(x.byEmail[l.EmailHash], l)
		x.byPhone[l.PhoneHash] = append(x.byPhone[l.PhoneHash], l)
		x.size++
	}
	// Strongest links first so callers can take the head.
	for _, m := range []map[string][]model.IdentityLink{x.byEmail, x.byPhone} {
		for k := range m {
			sortLinks(m[k])
		}
	}
	return x
}

// Len returns the number of links held.
func (x *Index) Len() int {
	if x == nil {
		return 0
	}
	return x.size
}

// LinksForEmail returns links whose email side matches emailHash.
func (x *Index) LinksForEmail(emailHash string) []model.IdentityLink {
	if x == nil || emailHash == "" {
		return nil
	}
	return x.byEmail[emailHash]
}

// LinksForPhone returns links whose phone side matches phoneHash.
func (x *Index) LinksForPhone(phoneHash string) []model.IdentityLink {
	if x == nil || phoneHash == "" {
		return nil
	}
	return x.byPhone[phoneHash]
}

func sortLinks(links []model.IdentityLink) {
	sort.SliceStable(links, func(i, j int) bool {
		if links[i].Confidence != links[j].Confidence {
			return links[i].Confidence > links[j].Confidence
		}
		return links[i].LastSeen.After(links[j].LastSeen)
	})
}
