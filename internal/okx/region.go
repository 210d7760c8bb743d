package okx

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownRegion is returned when a region key is not one of the fixed
// OKX deployments.
var ErrUnknownRegion = errors.New("unknown okx region")

// Region selects the OKX deployment an account is registered with. It is
// chosen once at startup and never changes for a connector instance.
type Region string

const (
	RegionGlobal Region = "www"
	RegionUS     Region = "app"
	RegionEEA    Region = "my"

	DefaultRegion = RegionGlobal
)

// regionSubdomains maps the account site (www.okx.com, app.okx.com,
// my.okx.com) to the API subdomain serving it.
var regionSubdomains = map[Region]string{
	RegionGlobal: "www",
	RegionUS:     "us",
	RegionEEA:    "eea",
}

var regionOrder = []Region{RegionGlobal, RegionUS, RegionEEA}

// BaseURLSet holds the REST and WebSocket roots for one region.
type BaseURLSet struct {
	REST      string
	WSPublic  string
	WSPrivate string
}

// Regions returns the fixed set of supported regions.
func Regions() []Region {
	out := make([]Region, len(regionOrder))
	copy(out, regionOrder)
	return out
}

// Subdomain returns the API subdomain for r.
func (r Region) Subdomain() (string, error) {
	sub, ok := regionSubdomains[r]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownRegion, string(r))
	}
	return sub, nil
}

// ParseRegion normalises s into a Region. The API subdomain codes ("us",
// "eea") are accepted as aliases of the site keys they serve.
func ParseRegion(s string) (Region, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	if _, ok := regionSubdomains[Region(key)]; ok {
		return Region(key), nil
	}
	for r, sub := range regionSubdomains {
		if sub == key {
			return r, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRegion, s)
}

// ResolveBaseURLs derives the REST and WebSocket roots for region.
func ResolveBaseURLs(region Region) (BaseURLSet, error) {
	sub, err := region.Subdomain()
	if err != nil {
		return BaseURLSet{}, err
	}
	ws := wsURL(region, sub)
	return BaseURLSet{
		REST:      fmt.Sprintf("https://%s.okx.com/", sub),
		WSPublic:  ws + "/ws/v5/public",
		WSPrivate: ws + "/ws/v5/private",
	}, nil
}

// The primary region's WebSocket host carries no subdomain infix.
func wsURL(region Region, sub string) string {
	if region == RegionGlobal {
		return fmt.Sprintf("wss://ws.okx.com:%d", wsPort)
	}
	return fmt.Sprintf("wss://ws%s.okx.com:%d", sub, wsPort)
}
