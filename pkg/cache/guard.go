package cache

import (
	"github.com/uhyunpark/statecache/pkg/anomaly"
	"github.com/uhyunpark/statecache/pkg/types"
	"github.com/uhyunpark/statecache/pkg/util"
)

// transitions lists, for each status, the statuses an order may move to next.
// Terminal statuses map to nothing.
var transitions = map[types.OrderStatus][]types.OrderStatus{
	types.OrderInitialized: {
		types.OrderPending, types.OrderAccepted, types.OrderPartiallyFilled,
		types.OrderFilled, types.OrderCanceled, types.OrderExpired, types.OrderFailed,
	},
	types.OrderPending: {
		types.OrderCanceled, types.OrderCanceling, types.OrderAccepted,
		types.OrderPartiallyFilled, types.OrderFilled, types.OrderCancelFailed,
	},
	types.OrderCanceling: {
		types.OrderCanceled, types.OrderPartiallyFilled, types.OrderFilled,
	},
	types.OrderAccepted: {
		types.OrderPartiallyFilled, types.OrderFilled, types.OrderCanceling,
		types.OrderCanceled, types.OrderExpired, types.OrderCancelFailed,
	},
	types.OrderPartiallyFilled: {
		types.OrderPartiallyFilled, types.OrderFilled, types.OrderCanceling,
		types.OrderCanceled, types.OrderExpired, types.OrderCancelFailed,
	},
	types.OrderCancelFailed: {
		types.OrderCanceling, types.OrderPartiallyFilled, types.OrderFilled,
		types.OrderCanceled, types.OrderExpired,
	},
	types.OrderFilled:   nil,
	types.OrderCanceled: nil,
	types.OrderExpired:  nil,
	types.OrderFailed:   nil,
}

// TransitionGuard decides whether an order status change may be applied
type TransitionGuard struct {
	reporter anomaly.Reporter
	clock    util.Clock
}

// NewTransitionGuard creates a guard that reports rejected transitions to reporter
func NewTransitionGuard(reporter anomaly.Reporter, clock util.Clock) *TransitionGuard {
	if reporter == nil {
		reporter = anomaly.Nop
	}
	if clock == nil {
		clock = util.RealClock{}
	}
	return &TransitionGuard{reporter: reporter, clock: clock}
}

// Allowed reports whether next is a legal successor of previous
func Allowed(previous, next types.OrderStatus) bool {
	for _, s := range transitions[previous] {
		if s == next {
			return true
		}
	}
	return false
}

// permits accepts a first write unconditionally, otherwise only a transition in the table.
// It never reports; the caller calls reject after releasing its lock.
func (g *TransitionGuard) permits(previous types.OrderStatus, hasPrevious bool, next types.OrderStatus) bool {
	return !hasPrevious || Allowed(previous, next)
}

func (g *TransitionGuard) reject(orderID string, previous, next types.OrderStatus) {
	g.reporter.Report(anomaly.Anomaly{
		Kind:      anomaly.InvalidTransition,
		Time:      g.clock.Now(),
		OrderID:   orderID,
		Previous:  previous,
		Attempted: next,
	})
}
