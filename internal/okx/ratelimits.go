package okx

import (
	"time"

	"okxgate/internal/ratelimit"
)

const twoSeconds = 2 * time.Second

// RateRules is the static OKX quota table. Every REST path and every
// WebSocket frame also draws from the shared request budget; channel
// subscriptions additionally draw from the subscription budget.
func RateRules() []ratelimit.Rule {
	rest := func(path string, limit int) ratelimit.Rule {
		return ratelimit.Rule{
			ID:     path,
			Limit:  limit,
			Window: twoSeconds,
			Linked: []string{WSRequestLimitID},
		}
	}
	channel := func(name string) ratelimit.Rule {
		return ratelimit.Rule{
			ID:     name,
			Limit:  ratelimit.NoLimit,
			Linked: []string{WSSubscriptionLimitID, WSRequestLimitID},
		}
	}
	rules := []ratelimit.Rule{
		// Handshakes count on the exchange side even when they fail.
		{ID: WSConnectionLimitID, Limit: 3, Window: time.Second, Release: ratelimit.ReleaseNever},
		{ID: WSRequestLimitID, Limit: 100, Window: 10 * time.Second},
		{ID: WSSubscriptionLimitID, Limit: 240, Window: time.Hour},
		{ID: WSLoginLimitID, Limit: 1, Window: 15 * time.Second, Linked: []string{WSRequestLimitID}},

		rest(ServerTimePath, 10),
		rest(InstrumentsPath, 20),
		rest(TickerPath, 20),
		rest(TickersPath, 20),
		rest(OrderBookPath, 20),
		rest(PlaceOrderPath, 20),
		rest(OrderDetailsPath, 20),
		rest(CancelOrderPath, 20),
		rest(BatchCancelOrdersPath, 300),
		rest(BalancePath, 10),
		rest(TradeFillsPath, 60),
	}
	for _, name := range Channels() {
		rules = append(rules, channel(name))
	}
	return rules
}

// NewRegistry loads RateRules.
func NewRegistry() (*ratelimit.Registry, error) {
	return ratelimit.NewRegistry(RateRules())
}
