package attribution

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Channels for touches that do not come from a touchpoint.
const (
	ChannelOrganic        = "organic"
	ChannelSourceCampaign = "source_campaign"
	ChannelUnknown        = "unknown"
)

// ChannelMap maps touchpoint types, ad platforms and UTM mediums to the
// reporting channel. Lookups are case-insensitive. A nil *ChannelMap uses
// the built-in defaults.
type ChannelMap struct {
	TouchpointTypes map[string]string `yaml:"touchpoint_types"`
	Platforms       map[string]string `yaml:"platforms"`
	Mediums         map[string]string `yaml:"mediums"`
}

// DefaultChannelMap returns the built-in mapping.
func DefaultChannelMap() *ChannelMap {
	return &ChannelMap{
		TouchpointTypes: map[string]string{
			"email":    "email",
			"sms":      "sms",
			"mms":      "sms",
			"ad_click": "paid",
			"referral": "referral",
		},
		Platforms: map[string]string{
			"meta":        "paid_social",
			"facebook":    "paid_social",
			"instagram":   "paid_social",
			"tiktok":      "paid_social",
			"google":      "paid_search",
			"bing":        "paid_search",
			"switchboard": "sms",
		},
		Mediums: map[string]string{
			"cpc":    "paid_search",
			"paid":   "paid_social",
			"social": "paid_social",
			"email":  "email",
			"sms":    "sms",
		},
	}
}

// LoadChannelMap reads a YAML channel map and layers it over the defaults.
// An empty path returns the defaults.
func LoadChannelMap(path string) (*ChannelMap, error) {
	cm := DefaultChannelMap()
	if path == "" {
		return cm, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "attribution: read channel map %s", path)
	}
	var override ChannelMap
	if err := yaml.Unmarshal(data, &override); err != nil {
		return nil, eris.Wrapf(err, "attribution: parse channel map %s", path)
	}
	merge(cm.TouchpointTypes, override.TouchpointTypes)
	merge(cm.Platforms, override.Platforms)
	merge(cm.Mediums, override.Mediums)
	return cm, nil
}

func merge(dst, src map[string]string) {
	for k, v := range src {
		dst[strings.ToLower(strings.TrimSpace(k))] = v
	}
}

// Channel resolves the channel for a touch: touchpoint type first, then
// platform, then UTM medium. Unmapped values fall back to the raw type or
// platform, then ChannelUnknown.
func (c *ChannelMap) Channel(touchpointType, platform, medium string) string {
	if c == nil {
		c = DefaultChannelMap()
	}
	tt := strings.ToLower(strings.TrimSpace(touchpointType))
	pl := strings.ToLower(strings.TrimSpace(platform))
	md := strings.ToLower(strings.TrimSpace(medium))

	if ch, ok := c.TouchpointTypes[tt]; ok && tt != "" {
		return ch
	}
	if ch, ok := c.Platforms[pl]; ok && pl != "" {
		return ch
	}
	if ch, ok := c.Mediums[md]; ok && md != "" {
		return ch
	}
	switch {
	case tt != "":
		return tt
	case pl != "":
		return pl
	default:
		return ChannelUnknown
	}
}
