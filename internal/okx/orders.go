package okx

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrUnknownOrderState = errors.New("unknown okx order state")
	ErrUnknownOrderType  = errors.New("unknown order type")
)

// OrderState is the connector-neutral order status.
type OrderState int

const (
	OrderStateUnknown OrderState = iota
	OrderStateOpen
	OrderStatePartiallyFilled
	OrderStateFilled
	OrderStateCanceled
)

func (s OrderState) String() string {
	switch s {
	case OrderStateOpen:
		return "OPEN"
	case OrderStatePartiallyFilled:
		return "PARTIALLY_FILLED"
	case OrderStateFilled:
		return "FILLED"
	case OrderStateCanceled:
		return "CANCELED"
	default:
		return "UNKNOWN"
	}
}

var orderStates = map[string]OrderState{
	"live":             OrderStateOpen,
	"filled":           OrderStateFilled,
	"partially_filled": OrderStatePartiallyFilled,
	"canceled":         OrderStateCanceled,
}

// ParseOrderState maps an OKX order "state" field onto OrderState.
func ParseOrderState(s string) (OrderState, error) {
	if st, ok := orderStates[s]; ok {
		return st, nil
	}
	return OrderStateUnknown, fmt.Errorf("%w: %q", ErrUnknownOrderState, s)
}

// OrderType is the connector-neutral order type.
type OrderType int

const (
	OrderTypeLimit OrderType = iota + 1
	OrderTypeMarket
	OrderTypeLimitMaker
)

func (t OrderType) String() string {
	switch t {
	case OrderTypeLimit:
		return "LIMIT"
	case OrderTypeMarket:
		return "MARKET"
	case OrderTypeLimitMaker:
		return "LIMIT_MAKER"
	default:
		return "UNKNOWN"
	}
}

var orderTypes = map[OrderType]string{
	OrderTypeLimit:      "limit",
	OrderTypeMarket:     "market",
	OrderTypeLimitMaker: "post_only",
}

// ExchangeType returns the OKX "ordType" value for t.
func (t OrderType) ExchangeType() (string, error) {
	if s, ok := orderTypes[t]; ok {
		return s, nil
	}
	return "", fmt.Errorf("%w: %d", ErrUnknownOrderType, int(t))
}

// NewClientOrderID returns a fresh clOrdId carrying ClientIDPrefix. OKX only
// accepts alphanumerics, so the uuid dashes are dropped.
func NewClientOrderID() string {
	id := ClientIDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
	if len(id) > MaxClientIDLen {
		id = id[:MaxClientIDLen]
	}
	return id
}
