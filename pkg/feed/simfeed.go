// Package feed drives the cache with simulated venue traffic for local runs:
// market data onto the bus and order, position and balance events into an EventSink.
package feed

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/uhyunpark/statecache/pkg/bus"
	"github.com/uhyunpark/statecache/pkg/types"
	"go.uber.org/zap"
)

// EventSink receives the simulated private events. *cache.Cache satisfies it.
type EventSink interface {
	OrderInitialized(o types.Order) bool
	OrderStatusUpdated(o types.Order) bool
	PositionUpdated(p types.Position)
	BalanceUpdated(accountType types.AccountType, deltas []types.Balance)
}

// FeederConfig controls the simulated traffic
type FeederConfig struct {
	Interval      time.Duration // how often a tick is generated
	Symbols       []string      // instrument ids, e.g. "BTCUSDT-PERP.BINANCE"
	OrdersPerTick int           // new orders created per tick
	AccountType   types.AccountType
	Seed          int64 // 0 seeds from the clock
}

// DefaultFeederConfig returns reasonable defaults for local runs
func DefaultFeederConfig() FeederConfig {
	return FeederConfig{
		Interval:      250 * time.Millisecond,
		Symbols:       []string{"BTCUSDT-PERP.BINANCE", "ETHUSDT-PERP.BINANCE"},
		OrdersPerTick: 1,
		AccountType:   "BINANCE_USD_M_FUTURE",
	}
}

// HighLoadFeederConfig drives more symbols and order flow for soak runs
func HighLoadFeederConfig() FeederConfig {
	cfg := DefaultFeederConfig()
	cfg.Interval = 20 * time.Millisecond
	cfg.Symbols = append(cfg.Symbols, "SOLUSDT-PERP.BINANCE", "BTCUSDT-PERP.OKX", "ETHUSDT-PERP.BYBIT")
	cfg.OrdersPerTick = 10
	return cfg
}

type instrument struct {
	id       types.InstrumentID
	mid      float64
	book     types.BookL1 // last top of book, sizes omitted
	candle   types.Kline
	position decimal.Decimal // signed
}

// takerPrice is what a market order on side pays at the current top of book
func (inst *instrument) takerPrice(side types.OrderSide) float64 {
	if side.IsBuy() {
		return inst.book.Ask
	}
	return inst.book.Bid
}

// Generator produces one tick of traffic at a time. Not safe for concurrent use.
type Generator struct {
	cfg         FeederConfig
	rng         *rand.Rand
	instruments []*instrument
	open        []types.Order

	Stats GeneratorStats
}

// GeneratorStats counts what a generator has emitted
type GeneratorStats struct {
	Ticks    int
	Orders   int
	Updates  int
	Rejected int // updates the sink refused
	Fills    int
}

func NewGenerator(cfg FeederConfig) *Generator {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if cfg.AccountType == "" {
		cfg.AccountType = DefaultFeederConfig().AccountType
	}
	g := &Generator{cfg: cfg, rng: rand.New(rand.NewSource(seed))}
	for _, symbol := range cfg.Symbols {
		id, ok := types.ParseInstrumentID(symbol)
		if !ok {
			id = types.InstrumentID{Symbol: symbol, Base: symbol, Exchange: types.ExchangeBinance}
		}
		g.instruments = append(g.instruments, &instrument{
			id:       id,
			mid:      100 + g.rng.Float64()*50000,
			position: decimal.Zero,
		})
	}
	return g
}

// Tick advances every instrument one step, publishing market data to b and
// order traffic to sink. now stamps every event.
func (g *Generator) Tick(now time.Time, b *bus.Bus, sink EventSink) {
	g.Stats.Ticks++
	ts := now.UnixMilli()
	for _, inst := range g.instruments {
		g.stepMarket(inst, ts, b)
	}
	if sink == nil || len(g.instruments) == 0 {
		return
	}
	g.advanceOrders(ts, sink)
	for i := 0; i < g.cfg.OrdersPerTick; i++ {
		g.newOrder(ts, sink)
	}
}

func (g *Generator) stepMarket(inst *instrument, ts int64, b *bus.Bus) {
	// geometric random walk, about 5bp per step
	inst.mid *= math.Exp(g.rng.NormFloat64() * 0.0005)
	half := inst.mid * 0.0001
	symbol := inst.id.Symbol
	ex := inst.id.Exchange
	inst.book = types.BookL1{
		Exchange:  ex,
		Symbol:    symbol,
		Bid:       inst.mid - half,
		Ask:       inst.mid + half,
		Timestamp: ts,
	}

	if b == nil {
		return
	}
	book := inst.book
	book.BidSize = 1 + g.rng.Float64()*10
	book.AskSize = 1 + g.rng.Float64()*10
	b.BookL1.Publish(book)

	side := types.SideBuy
	if g.rng.Intn(2) == 1 {
		side = types.SideSell
	}
	price := inst.takerPrice(side)
	size := g.rng.Float64()
	b.Trade.Publish(types.Trade{Exchange: ex, Symbol: symbol, Price: price, Size: size, Side: side, Timestamp: ts})

	start := ts - ts%time.Minute.Milliseconds()
	if inst.candle.Start != start {
		if inst.candle.Start != 0 {
			inst.candle.Confirm = true
			b.Kline.Publish(inst.candle)
		}
		inst.candle = types.Kline{
			Exchange: ex, Symbol: symbol, Interval: types.KlineInterval1m,
			Open: price, High: price, Low: price, Start: start,
		}
	}
	inst.candle.High = math.Max(inst.candle.High, price)
	inst.candle.Low = math.Min(inst.candle.Low, price)
	inst.candle.Close = price
	inst.candle.Volume += size
	inst.candle.Timestamp = ts
	inst.candle.Confirm = false
	b.Kline.Publish(inst.candle)
}

func (g *Generator) newOrder(ts int64, sink EventSink) {
	inst := g.instruments[g.rng.Intn(len(g.instruments))]
	side := types.SideBuy
	if g.rng.Intn(2) == 1 {
		side = types.SideSell
	}
	amount := decimal.NewFromInt(int64(1 + g.rng.Intn(10))).Div(decimal.NewFromInt(100))
	o := types.Order{
		UUID:        uuid.NewString(),
		Exchange:    inst.id.Exchange,
		Symbol:      inst.id.Symbol,
		Side:        side,
		Type:        types.OrderTypeLimit,
		TimeInForce: types.TimeInForceGTC,
		Amount:      amount,
		Price:       decimal.NewFromFloat(inst.mid).Round(2),
		Filled:      decimal.Zero,
		Remaining:   amount,
		Status:      types.OrderPending,
		Timestamp:   ts,
	}
	// one order in five crosses the book
	if g.rng.Intn(5) == 0 {
		o.Type = types.OrderTypeMarket
		o.TimeInForce = types.TimeInForceIOC
		o.Price = decimal.Zero
	}
	if sink.OrderInitialized(o) {
		g.Stats.Orders++
		g.open = append(g.open, o)
	}
}

// advanceOrders moves every open order one random step along its lifecycle.
// About one update in fifty is a stale replay that the sink should reject.
func (g *Generator) advanceOrders(ts int64, sink EventSink) {
	still := g.open[:0]
	for _, o := range g.open {
		next := o
		next.Timestamp = ts
		if g.rng.Intn(50) == 0 {
			next.Status = types.OrderPending
		} else {
			next.Status = g.nextStatus(o.Status)
		}
		if next.Status == types.OrderFilled || next.Status == types.OrderPartiallyFilled {
			g.fill(&next, g.instrument(next.Symbol))
		}

		g.Stats.Updates++
		if !sink.OrderStatusUpdated(next) {
			g.Stats.Rejected++
			still = append(still, o)
			continue
		}
		if next.Filled.GreaterThan(o.Filled) {
			g.settle(o, next, sink)
		}
		if next.IsOpened() {
			still = append(still, next)
		}
	}
	g.open = still
}

func (g *Generator) nextStatus(s types.OrderStatus) types.OrderStatus {
	r := g.rng.Intn(100)
	switch s {
	case types.OrderPending:
		if r < 90 {
			return types.OrderAccepted
		}
		return types.OrderCanceled
	case types.OrderAccepted, types.OrderPartiallyFilled:
		switch {
		case r < 40:
			return types.OrderPartiallyFilled
		case r < 70:
			return types.OrderFilled
		case r < 90:
			return types.OrderCanceling
		default:
			return types.OrderCanceled
		}
	case types.OrderCanceling:
		if r < 80 {
			return types.OrderCanceled
		}
		return types.OrderFilled
	default:
		return s
	}
}

// fill applies a fill to o: everything left on FILLED, half of it on PARTIALLY_FILLED.
// Market orders fill at the taker side of inst's book.
func (g *Generator) fill(o *types.Order, inst *instrument) {
	qty := o.Remaining
	if o.Status == types.OrderPartiallyFilled {
		qty = o.Remaining.Div(decimal.NewFromInt(2)).Round(4)
		if qty.IsZero() {
			qty = o.Remaining
		}
	}
	o.Filled = o.Filled.Add(qty)
	o.Remaining = o.Amount.Sub(o.Filled)
	o.Average = o.Price
	if o.Type.IsMarket() && inst != nil {
		o.Average = decimal.NewFromFloat(inst.takerPrice(o.Side)).Round(2)
	}
	if o.Remaining.IsZero() {
		o.Status = types.OrderFilled
	}
}

// settle pushes the position and balance effects of the quantity filled between prev and next
func (g *Generator) settle(prev, next types.Order, sink EventSink) {
	g.Stats.Fills++
	qty := next.Filled.Sub(prev.Filled)
	signed := qty
	if next.Side.IsSell() {
		signed = qty.Neg()
	}

	inst := g.instrument(next.Symbol)
	if inst == nil {
		return
	}
	inst.position = inst.position.Add(signed)

	p := types.Position{
		Symbol:     next.Symbol,
		Exchange:   next.Exchange,
		Side:       types.PositionFlat,
		Amount:     inst.position.Abs(),
		EntryPrice: next.PriceOrAverage(),
		Timestamp:  next.Timestamp,
	}
	switch inst.position.Sign() {
	case 1:
		p.Side = types.PositionLong
	case -1:
		p.Side = types.PositionShort
	}
	sink.PositionUpdated(p)

	// quote balance moves against the trade direction
	sink.BalanceUpdated(g.cfg.AccountType, []types.Balance{{
		Asset: "USDT",
		Free:  signed.Mul(next.PriceOrAverage()).Neg(),
	}})
}

func (g *Generator) instrument(symbol string) *instrument {
	for _, inst := range g.instruments {
		if inst.id.Symbol == symbol {
			return inst
		}
	}
	return nil
}

// StartFeeder runs a Generator on a ticker until ctx is done or the returned cancel is called
func StartFeeder(ctx context.Context, b *bus.Bus, sink EventSink, cfg FeederConfig, log *zap.SugaredLogger) context.CancelFunc {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultFeederConfig().Interval
	}
	if len(cfg.Symbols) == 0 {
		cfg.Symbols = DefaultFeederConfig().Symbols
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	gen := NewGenerator(cfg)
	feedCtx, cancel := context.WithCancel(ctx)

	go func() {
		ticker := time.NewTicker(cfg.Interval)
		defer ticker.Stop()
		startTime := time.Now()

		log.Infow("simfeed_started", "interval", cfg.Interval, "symbols", cfg.Symbols)
		for {
			select {
			case <-feedCtx.Done():
				log.Infow("simfeed_stopped",
					"elapsed", time.Since(startTime).Round(time.Second),
					"ticks", gen.Stats.Ticks,
					"orders", gen.Stats.Orders,
					"fills", gen.Stats.Fills,
					"rejected", gen.Stats.Rejected,
				)
				return
			case now := <-ticker.C:
				gen.Tick(now, b, sink)
			}
		}
	}()

	return cancel
}
