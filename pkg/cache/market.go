package cache

import (
	"sync"

	"github.com/uhyunpark/statecache/pkg/bus"
	"github.com/uhyunpark/statecache/pkg/types"
)

type klineKey struct {
	symbol   string
	interval types.KlineInterval
}

// MarketSnapshot keeps the latest kline, top of book and trade per symbol.
// Nothing expires and nothing is persisted.
type MarketSnapshot struct {
	klineMu sync.RWMutex
	klines  map[klineKey]types.Kline

	bookMu sync.RWMutex
	books  map[string]types.BookL1

	tradeMu sync.RWMutex
	trades  map[string]types.Trade
}

func NewMarketSnapshot() *MarketSnapshot {
	return &MarketSnapshot{
		klines: make(map[klineKey]types.Kline),
		books:  make(map[string]types.BookL1),
		trades: make(map[string]types.Trade),
	}
}

// Subscribe feeds the snapshot from the bus topics
func (m *MarketSnapshot) Subscribe(b *bus.Bus) {
	b.Kline.Subscribe(m.OnKline)
	b.BookL1.Subscribe(m.OnBookL1)
	b.Trade.Subscribe(m.OnTrade)
}

func (m *MarketSnapshot) OnKline(k types.Kline) {
	m.klineMu.Lock()
	m.klines[klineKey{k.Symbol, k.Interval}] = k
	m.klineMu.Unlock()
}

func (m *MarketSnapshot) OnBookL1(b types.BookL1) {
	m.bookMu.Lock()
	m.books[b.Symbol] = b
	m.bookMu.Unlock()
}

func (m *MarketSnapshot) OnTrade(t types.Trade) {
	m.tradeMu.Lock()
	m.trades[t.Symbol] = t
	m.tradeMu.Unlock()
}

func (m *MarketSnapshot) Kline(symbol string, interval types.KlineInterval) (types.Kline, bool) {
	m.klineMu.RLock()
	defer m.klineMu.RUnlock()
	k, ok := m.klines[klineKey{symbol, interval}]
	return k, ok
}

func (m *MarketSnapshot) BookL1(symbol string) (types.BookL1, bool) {
	m.bookMu.RLock()
	defer m.bookMu.RUnlock()
	b, ok := m.books[symbol]
	return b, ok
}

func (m *MarketSnapshot) Trade(symbol string) (types.Trade, bool) {
	m.tradeMu.RLock()
	defer m.tradeMu.RUnlock()
	t, ok := m.trades[symbol]
	return t, ok
}
