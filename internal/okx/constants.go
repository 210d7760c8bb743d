package okx

import (
	"slices"
	"time"
)

const (
	// ClientIDPrefix is prepended to every client order id so the exchange can
	// attribute orders to this connector.
	ClientIDPrefix = "93027a12dac34fBC"
	// MaxClientIDLen is the longest clOrdId OKX accepts.
	MaxClientIDLen = 32

	// MessageReceiveTimeout bounds how long a WebSocket may stay silent before
	// the connection is considered dead. OKX drops idle sockets after 30s.
	MessageReceiveTimeout = 30 * time.Second * 8 / 10

	wsPort = 8443
)

// REST API endpoints.
const (
	ServerTimePath  = "/api/v5/public/time"
	InstrumentsPath = "/api/v5/public/instruments"
	TickerPath      = "/api/v5/market/ticker"
	TickersPath     = "/api/v5/market/tickers"
	OrderBookPath   = "/api/v5/market/books"

	// Auth required
	PlaceOrderPath        = "/api/v5/trade/order"
	OrderDetailsPath      = "/api/v5/trade/order"
	CancelOrderPath       = "/api/v5/trade/cancel-order"
	BatchCancelOrdersPath = "/api/v5/trade/cancel-batch-orders"
	BalancePath           = "/api/v5/account/balance"
	TradeFillsPath        = "/api/v5/trade/fills"
)

// WebSocket channels.
const (
	AccountChannel = "account"
	OrdersChannel  = "orders"
	TradesChannel  = "trades"
	BooksChannel   = "books"
)

// Pseudo identifiers for quotas shared across endpoints.
const (
	WSConnectionLimitID   = "WSConnection"
	WSRequestLimitID      = "WSRequest"
	WSSubscriptionLimitID = "WSSubscription"
	WSLoginLimitID        = "WSLogin"
)

// Channels lists the WebSocket channels that have a rate rule.
func Channels() []string {
	return []string{AccountChannel, OrdersChannel, TradesChannel, BooksChannel}
}

// IsChannel reports whether channel can be subscribed to.
func IsChannel(channel string) bool {
	return slices.Contains(Channels(), channel)
}

var privateChannels = map[string]struct{}{
	AccountChannel: {},
	OrdersChannel:  {},
}

// IsPrivateChannel reports whether channel requires a logged-in private
// connection.
func IsPrivateChannel(channel string) bool {
	_, ok := privateChannels[channel]
	return ok
}
