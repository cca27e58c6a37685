package types

import (
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderStatus represents the lifecycle state of an order
type OrderStatus string

const (
	// Local
	OrderInitialized  OrderStatus = "INITIALIZED"
	OrderFailed       OrderStatus = "FAILED"
	OrderCancelFailed OrderStatus = "CANCEL_FAILED"

	// In flight
	OrderPending   OrderStatus = "PENDING"
	OrderCanceling OrderStatus = "CANCELING"

	// Open at the venue
	OrderAccepted        OrderStatus = "ACCEPTED"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"

	// Closed
	OrderFilled   OrderStatus = "FILLED"
	OrderCanceled OrderStatus = "CANCELED"
	OrderExpired  OrderStatus = "EXPIRED"
)

// AllOrderStatuses lists every status, terminal ones last
func AllOrderStatuses() []OrderStatus {
	return []OrderStatus{
		OrderInitialized, OrderPending, OrderCanceling, OrderAccepted,
		OrderPartiallyFilled, OrderCancelFailed,
		OrderFilled, OrderCanceled, OrderExpired, OrderFailed,
	}
}

// IsClosed reports whether no further fills can arrive
func (s OrderStatus) IsClosed() bool {
	switch s {
	case OrderFilled, OrderCanceled, OrderExpired, OrderFailed:
		return true
	default:
		return false
	}
}

func (s OrderStatus) String() string { return string(s) }

type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

func (s OrderSide) IsBuy() bool  { return s == SideBuy }
func (s OrderSide) IsSell() bool { return s == SideSell }

type OrderType string

const (
	OrderTypeMarket           OrderType = "MARKET"
	OrderTypeLimit            OrderType = "LIMIT"
	OrderTypeTakeProfitMarket OrderType = "TAKE_PROFIT_MARKET"
	OrderTypeTakeProfitLimit  OrderType = "TAKE_PROFIT_LIMIT"
	OrderTypeStopLossMarket   OrderType = "STOP_LOSS_MARKET"
	OrderTypeStopLossLimit    OrderType = "STOP_LOSS_LIMIT"
)

// IsMarket reports whether the order executes at the book rather than at a limit price
func (t OrderType) IsMarket() bool {
	return t == OrderTypeMarket || t == OrderTypeTakeProfitMarket || t == OrderTypeStopLossMarket
}

type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceIOC TimeInForce = "IOC"
	TimeInForceFOK TimeInForce = "FOK"
)

// Order is the cache's view of a plain exchange order
type Order struct {
	UUID        string          `json:"uuid"`
	Exchange    ExchangeType    `json:"exchange"`
	Symbol      string          `json:"symbol"`
	Side        OrderSide       `json:"side"`
	Type        OrderType       `json:"type"`
	TimeInForce TimeInForce     `json:"time_in_force,omitempty"`
	Amount      decimal.Decimal `json:"amount"`  // requested quantity
	Price       decimal.Decimal `json:"price"`   // zero for market orders
	Average     decimal.Decimal `json:"average"` // average fill price
	Filled      decimal.Decimal `json:"filled"`
	Remaining   decimal.Decimal `json:"remaining"`
	Status      OrderStatus     `json:"status"`
	Timestamp   int64           `json:"timestamp"` // Unix milliseconds of the last update
	ReduceOnly  bool            `json:"reduce_only,omitempty"`
}

// IsClosed reports whether the order reached a terminal status
func (o Order) IsClosed() bool { return o.Status.IsClosed() }

// IsOpened is the complement of IsClosed
func (o Order) IsOpened() bool { return !o.Status.IsClosed() }

// PriceOrAverage returns the average fill price for market orders and the limit price otherwise.
// An order without a price falls back to its average.
func (o Order) PriceOrAverage() decimal.Decimal {
	if o.Type.IsMarket() || o.Price.IsZero() {
		return o.Average
	}
	return o.Price
}

// AlgoOrderPrefix marks identifiers of algo orders
const AlgoOrderPrefix = "ALGO-"

// IsAlgoOrderID reports whether id was minted by NewAlgoOrderID
func IsAlgoOrderID(id string) bool { return strings.HasPrefix(id, AlgoOrderPrefix) }

// NewAlgoOrderID returns a fresh identifier carrying AlgoOrderPrefix
func NewAlgoOrderID() string { return AlgoOrderPrefix + uuid.NewString() }
