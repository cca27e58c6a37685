// Package cache is the in-process state of one running strategy: orders, algo orders,
// positions, balances and the latest market data. Memory is authoritative; a Scheduler
// writes it behind to a storage.Backend and the backend is read through on a miss.
package cache

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/uhyunpark/statecache/pkg/anomaly"
	"github.com/uhyunpark/statecache/pkg/bus"
	"github.com/uhyunpark/statecache/pkg/storage"
	"github.com/uhyunpark/statecache/pkg/types"
	"github.com/uhyunpark/statecache/pkg/util"
	"go.uber.org/zap"
)

// ErrUnknownCollection is returned by Sync for a collection name it does not know
var ErrUnknownCollection = errors.New("unknown collection")

// Collection names accepted by Sync
const (
	CollectionAll        = "all"
	CollectionOrders     = "orders"
	CollectionAlgoOrders = "algo_orders"
	CollectionPositions  = "positions"
	CollectionOpenOrders = "open_orders"
	CollectionBalances   = "balances"
)

// Options configures a Cache. Backend is required.
type Options struct {
	StrategyID string
	UserID     string

	Backend storage.Backend
	Bus     *bus.Bus // market data source; nil leaves the market snapshot empty

	Reporter anomaly.Reporter
	Logger   *zap.SugaredLogger
	Clock    util.Clock
	Metrics  *Metrics

	SyncInterval time.Duration // DefaultSyncInterval when zero
	ExpiredTime  time.Duration // DefaultExpiredTime when zero

	// OnOrderEvicted lets the order registry forget orders the reaper removed
	OnOrderEvicted func(types.Order)
}

// Cache wires the entity store, market snapshot, scheduler and reaper around one backend
type Cache struct {
	strategyID string
	userID     string

	store     *EntityStore
	market    *MarketSnapshot
	backend   storage.Backend
	scheduler *Scheduler
	reaper    *Reaper
	reporter  anomaly.Reporter
	clock     util.Clock
	log       *zap.SugaredLogger
}

func New(opts Options) (*Cache, error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.Clock == nil {
		opts.Clock = util.RealClock{}
	}
	reporter := anomaly.Tee(anomaly.LogReporter{Log: opts.Logger}, opts.Reporter, opts.Metrics.Reporter())

	guard := NewTransitionGuard(reporter, opts.Clock)
	store := NewEntityStore(guard)
	market := NewMarketSnapshot()
	if opts.Bus != nil {
		market.Subscribe(opts.Bus)
	}

	reaper := NewReaper(store, opts.ExpiredTime, opts.Clock, reporter, opts.Logger)
	reaper.OnOrderEvicted = opts.OnOrderEvicted
	reaper.metrics = opts.Metrics

	scheduler := NewScheduler(SchedulerConfig{
		Store:    store,
		Backend:  opts.Backend,
		Reaper:   reaper,
		Interval: opts.SyncInterval,
		Clock:    opts.Clock,
		Reporter: reporter,
		Logger:   opts.Logger,
		Metrics:  opts.Metrics,
	})

	return &Cache{
		strategyID: opts.StrategyID,
		userID:     opts.UserID,
		store:      store,
		market:     market,
		backend:    opts.Backend,
		scheduler:  scheduler,
		reaper:     reaper,
		reporter:   reporter,
		clock:      opts.Clock,
		log:        opts.Logger,
	}, nil
}

// Start restores persisted positions, balances and open orders into memory and starts the sync loop
func (c *Cache) Start(ctx context.Context) error {
	if err := c.warmStart(ctx); err != nil {
		return err
	}
	c.scheduler.Start(ctx)
	return nil
}

func (c *Cache) warmStart(ctx context.Context) error {
	positions := 0
	for _, ex := range types.AllExchanges() {
		stored, err := c.backend.GetPositionsByExchange(ctx, ex)
		if err != nil {
			return fmt.Errorf("failed to restore positions: %w", err)
		}
		for _, p := range stored {
			c.store.ApplyPosition(p)
			positions++
		}
	}

	balances, err := c.backend.GetAllBalances(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore balances: %w", err)
	}
	for at, list := range balances {
		c.store.SetBalances(at, list)
	}

	orders := 0
	for _, ex := range types.AllExchanges() {
		ids, err := c.backend.GetOpenOrderIDs(ctx, ex)
		if err != nil {
			return fmt.Errorf("failed to restore open orders: %w", err)
		}
		for _, id := range ids {
			o, ok, err := c.backend.GetOrder(ctx, id)
			if err != nil {
				return fmt.Errorf("failed to restore order %s: %w", id, err)
			}
			if ok && c.store.RestoreOrder(o) {
				orders++
			}
		}
	}

	c.log.Infow("warm_start_completed",
		"strategy_id", c.strategyID,
		"user_id", c.userID,
		"positions", positions,
		"accounts", len(balances),
		"open_orders", orders,
	)
	return nil
}

// Close stops the sync loop, flushes memory to the backend and closes it
func (c *Cache) Close(ctx context.Context) error {
	return c.scheduler.Close(ctx)
}

// ============================================================================
// Inbound events
// ============================================================================

// OrderInitialized records a newly created order. Returns false if a held order
// with the same id cannot move to its status.
func (c *Cache) OrderInitialized(o types.Order) bool {
	return c.store.UpsertOrder(o)
}

// OrderStatusUpdated applies a status change. A rejected change leaves the held order untouched.
func (c *Cache) OrderStatusUpdated(o types.Order) bool {
	return c.store.ApplyStatusUpdate(o)
}

func (c *Cache) AlgoOrderInitialized(o types.AlgoOrder) {
	c.store.UpsertAlgoOrder(o)
}

func (c *Cache) AlgoOrderStatusUpdated(o types.AlgoOrder) {
	c.store.UpsertAlgoOrder(o)
}

func (c *Cache) PositionUpdated(p types.Position) {
	c.store.ApplyPosition(p)
}

func (c *Cache) BalanceUpdated(accountType types.AccountType, deltas []types.Balance) {
	c.store.ApplyBalance(accountType, deltas)
}

// ============================================================================
// Reads
// ============================================================================

func (c *Cache) Kline(symbol string, interval types.KlineInterval) (types.Kline, bool) {
	return c.market.Kline(symbol, interval)
}

func (c *Cache) BookL1(symbol string) (types.BookL1, bool) {
	return c.market.BookL1(symbol)
}

func (c *Cache) Trade(symbol string) (types.Trade, bool) {
	return c.market.Trade(symbol)
}

// GetOrder returns the order from memory, falling back to the backend.
// A backend hit is copied into memory.
func (c *Cache) GetOrder(ctx context.Context, id string) (types.Order, bool, error) {
	if o, ok := c.store.Order(id); ok {
		return o, true, nil
	}
	o, ok, err := c.backend.GetOrder(ctx, id)
	if err != nil {
		c.readFailed("get_order", err)
		return types.Order{}, false, err
	}
	if !ok {
		return types.Order{}, false, nil
	}
	c.store.RestoreOrder(o)
	// another writer may have won the race; memory is authoritative
	if held, ok := c.store.Order(id); ok {
		return held, true, nil
	}
	return o, true, nil
}

// GetAlgoOrder returns the algo order from memory, falling back to the backend
func (c *Cache) GetAlgoOrder(ctx context.Context, id string) (types.AlgoOrder, bool, error) {
	if o, ok := c.store.AlgoOrder(id); ok {
		return o, true, nil
	}
	o, ok, err := c.backend.GetAlgoOrder(ctx, id)
	if err != nil {
		c.readFailed("get_algo_order", err)
		return types.AlgoOrder{}, false, err
	}
	if !ok {
		return types.AlgoOrder{}, false, nil
	}
	c.store.RestoreAlgoOrder(o)
	if held, ok := c.store.AlgoOrder(id); ok {
		return held, true, nil
	}
	return o, true, nil
}

func (c *Cache) GetPosition(symbol string) (types.Position, bool) {
	return c.store.Position(symbol)
}

// GetAllPositions returns open positions on exchange, or everywhere when exchange is empty
func (c *Cache) GetAllPositions(exchange types.ExchangeType) map[string]types.Position {
	return c.store.AllPositions(exchange)
}

func (c *Cache) GetBalance(accountType types.AccountType) (types.AccountBalance, bool) {
	return c.store.Balance(accountType)
}

// GetOpenOrders returns open order ids for exactly one of q.Symbol or q.Exchange
func (c *Cache) GetOpenOrders(q OpenOrdersQuery) ([]string, error) {
	return c.store.OpenOrders(q)
}

// GetSymbolOrders returns the ids of every order held for symbol. With includePersisted,
// ids known only to the backend are added.
func (c *Cache) GetSymbolOrders(ctx context.Context, symbol string, includePersisted bool) ([]string, error) {
	ids := c.store.SymbolOrders(symbol)
	if !includePersisted {
		return ids, nil
	}
	stored, err := c.backend.GetSymbolOrderIDs(ctx, symbol)
	if err != nil {
		c.readFailed("get_symbol_orders", err)
		return nil, err
	}
	ids = append(ids, stored...)
	slices.Sort(ids)
	return slices.Compact(ids), nil
}

// readFailed reports a read-through that could not reach the backend
func (c *Cache) readFailed(op string, err error) {
	c.reporter.Report(anomaly.Anomaly{
		Kind: anomaly.BackendUnavailable,
		Time: c.clock.Now(),
		Op:   op,
		Err:  err.Error(),
	})
}

// Stats counts what memory holds
func (c *Cache) Stats() Stats {
	return c.store.Stats()
}

// ============================================================================
// Persistence
// ============================================================================

// Sync writes one collection, or all of them, to the backend now
func (c *Cache) Sync(ctx context.Context, collection string) error {
	switch collection {
	case CollectionAll:
		return c.scheduler.SyncAll(ctx)
	case CollectionOrders:
		return c.scheduler.SyncOrders(ctx)
	case CollectionAlgoOrders:
		return c.scheduler.SyncAlgoOrders(ctx)
	case CollectionPositions:
		return c.scheduler.SyncPositions(ctx)
	case CollectionOpenOrders:
		return c.scheduler.SyncOpenOrders(ctx)
	case CollectionBalances:
		return c.scheduler.SyncBalances(ctx)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCollection, collection)
	}
}

// RecordPnL appends a point to the persisted pnl history
func (c *Cache) RecordPnL(ctx context.Context, pnl types.PnL) error {
	return c.scheduler.SyncPnL(ctx, pnl)
}
