package cache

import (
	"time"

	"github.com/uhyunpark/statecache/pkg/anomaly"
	"github.com/uhyunpark/statecache/pkg/types"
	"github.com/uhyunpark/statecache/pkg/util"
	"go.uber.org/zap"
)

// DefaultExpiredTime is how long an order may go without an update before it is evicted
const DefaultExpiredTime = time.Hour

// Reaper evicts orders and algo orders whose last update is older than the staleness window
type Reaper struct {
	store    *EntityStore
	window   time.Duration
	clock    util.Clock
	reporter anomaly.Reporter
	log      *zap.SugaredLogger
	metrics  *Metrics

	// OnOrderEvicted, when set, is called for every evicted plain order
	OnOrderEvicted func(types.Order)
}

func NewReaper(store *EntityStore, window time.Duration, clock util.Clock, reporter anomaly.Reporter, log *zap.SugaredLogger) *Reaper {
	if window <= 0 {
		window = DefaultExpiredTime
	}
	if clock == nil {
		clock = util.RealClock{}
	}
	if reporter == nil {
		reporter = anomaly.Nop
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Reaper{store: store, window: window, clock: clock, reporter: reporter, log: log}
}

// ReapResult counts what one pass removed
type ReapResult struct {
	Orders     int
	OpenOrders int // subset of Orders that were not closed
	AlgoOrders int
}

// Reap runs one eviction pass
func (r *Reaper) Reap() ReapResult {
	now := r.clock.Now()
	cutoff := now.Add(-r.window).UnixMilli()

	var res ReapResult
	evicted := r.store.EvictOrdersBefore(cutoff)
	res.Orders = len(evicted)
	for _, o := range evicted {
		if !o.IsClosed() {
			res.OpenOrders++
			r.log.Warnw("open_order_evicted",
				"order_id", o.UUID,
				"symbol", o.Symbol,
				"status", o.Status,
				"last_update", o.Timestamp,
			)
			r.reporter.Report(anomaly.Anomaly{
				Kind:     anomaly.OpenOrderEvicted,
				Time:     now,
				OrderID:  o.UUID,
				Previous: o.Status,
			})
		}
		if r.OnOrderEvicted != nil {
			r.OnOrderEvicted(o)
		}
	}
	res.AlgoOrders = r.store.EvictAlgoOrdersBefore(cutoff)

	if res.Orders > 0 || res.AlgoOrders > 0 {
		r.log.Debugw("expired_data_cleaned",
			"orders", res.Orders,
			"open_orders", res.OpenOrders,
			"algo_orders", res.AlgoOrders,
		)
	}
	r.metrics.observeEviction(res.Orders, res.AlgoOrders)
	return res
}
