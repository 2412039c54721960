// Package refcode maintains and reads the referral-code registry: the
// canonical refcode → ad pointer plus the per-ad ownership history.
package refcode

import (
	"strconv"
	"strings"

	"github.com/sells-group/attribution-cli/internal/model"
)

// clickPrefix namespaces synthetic codes derived from click identifiers so
// they never collide with real refcodes.
const clickPrefix = "click:"

// NormalizeCode trims a refcode. Case is preserved: platforms treat codes
// as case-sensitive.
func NormalizeCode(code string) string {
	return strings.TrimSpace(code)
}

// ClickCode returns the synthetic registry key for a click identifier, or ""
// when the click id is blank.
func ClickCode(clickID string) string {
	clickID = strings.TrimSpace(clickID)
	if clickID == "" {
		return ""
	}
	return clickPrefix + clickID
}

// IsClickCode reports whether code was produced by ClickCode.
func IsClickCode(code string) bool {
	return strings.HasPrefix(code, clickPrefix)
}

// Registry is an in-memory, read-only lookup of an organization's refcode
// mappings. A nil *Registry finds nothing.
type Registry struct {
	byCode map[string]model.RefcodeMapping
}

// NewRegistry indexes mappings by normalized code. If the same code appears
// twice the newer ad wins.
func NewRegistry(mappings []model.RefcodeMapping) *Registry {
	r := &Registry{byCode: make(map[string]model.RefcodeMapping, len(mappings))}
	for _, m := range mappings {
		code := NormalizeCode(m.Refcode)
		if code == "" {
			continue
		}
		if cur, ok := r.byCode[code]; ok && !Newer(m, cur) {
			continue
		}
		r.byCode[code] = m
	}
	return r
}

// Lookup returns the mapping for code.
func (r *Registry) Lookup(code string) (model.RefcodeMapping, bool) {
	code = NormalizeCode(code)
	if r == nil || code == "" {
		return model.RefcodeMapping{}, false
	}
	m, ok := r.byCode[code]
	return m, ok
}

// Len returns the number of codes held.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.byCode)
}

// Newer reports whether a should replace b as the pointer for a refcode:
// later delivery wins, ties go to the higher ad id.
func Newer(a, b model.RefcodeMapping) bool {
	if !a.LastDeliveryDate.Equal(b.LastDeliveryDate) {
		return a.LastDeliveryDate.After(b.LastDeliveryDate)
	}
	return CompareAdIDs(a.AdID, b.AdID) > 0
}

// CompareAdIDs orders ad identifiers. Numeric ids compare numerically
// (platform ids grow over time); anything else compares lexically.
func CompareAdIDs(a, b string) int {
	ai, aErr := strconv.ParseUint(a, 10, 64)
	bi, bErr := strconv.ParseUint(b, 10, 64)
	if aErr == nil && bErr == nil {
		switch {
		case ai > bi:
			return 1
		case ai < bi:
			return -1
		default:
			return 0
		}
	}
	return strings.Compare(a, b)
}
