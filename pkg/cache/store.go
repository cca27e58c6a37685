package cache

import (
	"errors"
	"slices"
	"sync"

	"github.com/uhyunpark/statecache/pkg/storage"
	"github.com/uhyunpark/statecache/pkg/types"
)

// ErrInvalidQuery is returned when an open-order query names both or neither of symbol and exchange
var ErrInvalidQuery = errors.New("exactly one of symbol or exchange must be set")

// OpenOrdersQuery selects open orders by symbol or by exchange, never both
type OpenOrdersQuery struct {
	Symbol   string
	Exchange types.ExchangeType
}

type idSet map[string]struct{}

func (s idSet) add(id string)    { s[id] = struct{}{} }
func (s idSet) remove(id string) { delete(s, id) }

func (s idSet) sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// EntityStore holds orders, algo orders, positions and balances in memory.
// Each collection has its own lock. An order record and its index memberships
// always change together under the orders lock.
type EntityStore struct {
	guard *TransitionGuard

	ordersMu       sync.RWMutex
	orders         map[string]types.Order
	openByExchange map[types.ExchangeType]idSet
	openBySymbol   map[string]idSet
	bySymbol       map[string]idSet
	symbolExchange map[string]types.ExchangeType

	algoMu     sync.RWMutex
	algoOrders map[string]types.AlgoOrder

	positionsMu sync.RWMutex
	positions   map[string]types.Position // symbol -> open position

	balancesMu sync.RWMutex
	balances   map[types.AccountType]types.AccountBalance
}

// NewEntityStore creates an empty store gated by guard
func NewEntityStore(guard *TransitionGuard) *EntityStore {
	if guard == nil {
		guard = NewTransitionGuard(nil, nil)
	}
	return &EntityStore{
		guard:          guard,
		orders:         make(map[string]types.Order),
		openByExchange: make(map[types.ExchangeType]idSet),
		openBySymbol:   make(map[string]idSet),
		bySymbol:       make(map[string]idSet),
		symbolExchange: make(map[string]types.ExchangeType),
		algoOrders:     make(map[string]types.AlgoOrder),
		positions:      make(map[string]types.Position),
		balances:       make(map[types.AccountType]types.AccountBalance),
	}
}

// ============================================================================
// Orders
// ============================================================================

// UpsertOrder inserts or replaces an order. Replacing is subject to the transition guard.
func (s *EntityStore) UpsertOrder(o types.Order) bool {
	return s.applyOrder(o)
}

// ApplyStatusUpdate replaces the stored order if its status may move to o.Status.
// An id that is not in memory is treated as a first write.
func (s *EntityStore) ApplyStatusUpdate(o types.Order) bool {
	return s.applyOrder(o)
}

func (s *EntityStore) applyOrder(o types.Order) bool {
	s.ordersMu.Lock()
	prev, has := s.orders[o.UUID]
	ok := s.guard.permits(prev.Status, has, o.Status)
	if ok {
		s.orders[o.UUID] = o
		s.index(o, prev, has)
	}
	s.ordersMu.Unlock()

	if !ok {
		s.guard.reject(o.UUID, prev.Status, o.Status)
	}
	return ok
}

// RestoreOrder inserts o only if no order with its id is held.
// Used to populate memory from the backend; it never replaces newer in-memory state.
func (s *EntityStore) RestoreOrder(o types.Order) bool {
	s.ordersMu.Lock()
	defer s.ordersMu.Unlock()
	if _, has := s.orders[o.UUID]; has {
		return false
	}
	s.orders[o.UUID] = o
	s.index(o, types.Order{}, false)
	return true
}

// index updates index memberships for o. Caller holds ordersMu.
func (s *EntityStore) index(o types.Order, prev types.Order, hasPrev bool) {
	if hasPrev && (prev.Symbol != o.Symbol || prev.Exchange != o.Exchange) {
		s.unindex(prev)
	}

	addTo(s.bySymbol, o.Symbol, o.UUID)
	if o.Exchange != "" {
		s.symbolExchange[o.Symbol] = o.Exchange
	}

	if o.IsOpened() {
		addTo(s.openByExchange, o.Exchange, o.UUID)
		addTo(s.openBySymbol, o.Symbol, o.UUID)
		return
	}
	removeFrom(s.openByExchange, o.Exchange, o.UUID)
	removeFrom(s.openBySymbol, o.Symbol, o.UUID)
}

// unindex drops o from every index. Caller holds ordersMu.
func (s *EntityStore) unindex(o types.Order) {
	removeFrom(s.openByExchange, o.Exchange, o.UUID)
	removeFrom(s.openBySymbol, o.Symbol, o.UUID)
	removeFrom(s.bySymbol, o.Symbol, o.UUID)
	if _, ok := s.bySymbol[o.Symbol]; !ok {
		delete(s.symbolExchange, o.Symbol)
	}
}

func addTo[K comparable](m map[K]idSet, key K, id string) {
	set, ok := m[key]
	if !ok {
		set = make(idSet)
		m[key] = set
	}
	set.add(id)
}

func removeFrom[K comparable](m map[K]idSet, key K, id string) {
	set, ok := m[key]
	if !ok {
		return
	}
	set.remove(id)
	if len(set) == 0 {
		delete(m, key)
	}
}

// Order returns the order with id
func (s *EntityStore) Order(id string) (types.Order, bool) {
	s.ordersMu.RLock()
	defer s.ordersMu.RUnlock()
	o, ok := s.orders[id]
	return o, ok
}

// OpenOrders returns the ids of open orders for one symbol or one exchange
func (s *EntityStore) OpenOrders(q OpenOrdersQuery) ([]string, error) {
	if (q.Symbol == "") == (q.Exchange == "") {
		return nil, ErrInvalidQuery
	}
	s.ordersMu.RLock()
	defer s.ordersMu.RUnlock()
	if q.Symbol != "" {
		return s.openBySymbol[q.Symbol].sorted(), nil
	}
	return s.openByExchange[q.Exchange].sorted(), nil
}

// SymbolOrders returns the ids of every order, open or closed, held for symbol
func (s *EntityStore) SymbolOrders(symbol string) []string {
	s.ordersMu.RLock()
	defer s.ordersMu.RUnlock()
	return s.bySymbol[symbol].sorted()
}

// EvictOrdersBefore removes orders last updated before cutoff (Unix ms) and returns them
func (s *EntityStore) EvictOrdersBefore(cutoff int64) []types.Order {
	s.ordersMu.Lock()
	defer s.ordersMu.Unlock()
	var evicted []types.Order
	for id, o := range s.orders {
		if o.Timestamp >= cutoff {
			continue
		}
		delete(s.orders, id)
		s.unindex(o)
		evicted = append(evicted, o)
	}
	return evicted
}

// ============================================================================
// Algo orders
// ============================================================================

// UpsertAlgoOrder inserts or replaces an algo order. Algo orders have no transition table.
func (s *EntityStore) UpsertAlgoOrder(o types.AlgoOrder) {
	s.algoMu.Lock()
	s.algoOrders[o.UUID] = o
	s.algoMu.Unlock()
}

// RestoreAlgoOrder inserts o only if no algo order with its id is held
func (s *EntityStore) RestoreAlgoOrder(o types.AlgoOrder) bool {
	s.algoMu.Lock()
	defer s.algoMu.Unlock()
	if _, has := s.algoOrders[o.UUID]; has {
		return false
	}
	s.algoOrders[o.UUID] = o
	return true
}

func (s *EntityStore) AlgoOrder(id string) (types.AlgoOrder, bool) {
	s.algoMu.RLock()
	defer s.algoMu.RUnlock()
	o, ok := s.algoOrders[id]
	return o, ok
}

// EvictAlgoOrdersBefore removes algo orders last updated before cutoff and returns how many
func (s *EntityStore) EvictAlgoOrdersBefore(cutoff int64) int {
	s.algoMu.Lock()
	defer s.algoMu.Unlock()
	n := 0
	for id, o := range s.algoOrders {
		if o.Timestamp < cutoff {
			delete(s.algoOrders, id)
			n++
		}
	}
	return n
}

// ============================================================================
// Positions
// ============================================================================

// ApplyPosition stores an open position and drops a closed one
func (s *EntityStore) ApplyPosition(p types.Position) {
	s.positionsMu.Lock()
	defer s.positionsMu.Unlock()
	if p.IsOpened() {
		s.positions[p.Symbol] = p
		return
	}
	delete(s.positions, p.Symbol)
}

func (s *EntityStore) Position(symbol string) (types.Position, bool) {
	s.positionsMu.RLock()
	defer s.positionsMu.RUnlock()
	p, ok := s.positions[symbol]
	return p, ok
}

// AllPositions returns open positions on exchange, or on every exchange when it is empty
func (s *EntityStore) AllPositions(exchange types.ExchangeType) map[string]types.Position {
	s.positionsMu.RLock()
	defer s.positionsMu.RUnlock()
	out := make(map[string]types.Position, len(s.positions))
	for symbol, p := range s.positions {
		if exchange == "" || p.Exchange == exchange {
			out[symbol] = p
		}
	}
	return out
}

// ============================================================================
// Balances
// ============================================================================

// ApplyBalance adds each delta to the account's asset balances
func (s *EntityStore) ApplyBalance(accountType types.AccountType, deltas []types.Balance) {
	s.balancesMu.Lock()
	defer s.balancesMu.Unlock()
	ab := s.balances[accountType]
	ab.Apply(deltas)
	s.balances[accountType] = ab
}

// SetBalances replaces the account's balances
func (s *EntityStore) SetBalances(accountType types.AccountType, balances []types.Balance) {
	ab := types.NewAccountBalance()
	for _, b := range balances {
		ab.Balances[b.Asset] = b
	}
	s.balancesMu.Lock()
	s.balances[accountType] = ab
	s.balancesMu.Unlock()
}

// Balance returns a copy of the account's balances
func (s *EntityStore) Balance(accountType types.AccountType) (types.AccountBalance, bool) {
	s.balancesMu.RLock()
	defer s.balancesMu.RUnlock()
	ab, ok := s.balances[accountType]
	if !ok {
		return types.AccountBalance{}, false
	}
	return ab.Clone(), true
}

// ============================================================================
// Snapshot
// ============================================================================

// Snapshot copies every collection. Each collection is copied under its own read lock,
// so the result is consistent per collection.
func (s *EntityStore) Snapshot() *storage.Snapshot {
	orders, idx := s.snapshotOrders()
	return &storage.Snapshot{
		Orders:     orders,
		AlgoOrders: s.snapshotAlgoOrders(),
		Positions:  s.snapshotPositions(),
		Balances:   s.snapshotBalances(),
		Index:      idx,
	}
}

// snapshotOrders copies the order records together with their index
func (s *EntityStore) snapshotOrders() (map[string]types.Order, storage.OrderIndex) {
	s.ordersMu.RLock()
	defer s.ordersMu.RUnlock()
	orders := make(map[string]types.Order, len(s.orders))
	for id, o := range s.orders {
		orders[id] = o
	}
	idx := storage.OrderIndex{
		OpenByExchange: make(map[types.ExchangeType][]string, len(s.openByExchange)),
		OpenBySymbol:   make(map[string][]string, len(s.openBySymbol)),
		BySymbol:       make(map[string][]string, len(s.bySymbol)),
		SymbolExchange: make(map[string]types.ExchangeType, len(s.symbolExchange)),
	}
	for ex, set := range s.openByExchange {
		idx.OpenByExchange[ex] = set.sorted()
	}
	for symbol, set := range s.openBySymbol {
		idx.OpenBySymbol[symbol] = set.sorted()
	}
	for symbol, set := range s.bySymbol {
		idx.BySymbol[symbol] = set.sorted()
	}
	for symbol, ex := range s.symbolExchange {
		idx.SymbolExchange[symbol] = ex
	}
	return orders, idx
}

func (s *EntityStore) snapshotAlgoOrders() map[string]types.AlgoOrder {
	s.algoMu.RLock()
	defer s.algoMu.RUnlock()
	out := make(map[string]types.AlgoOrder, len(s.algoOrders))
	for id, o := range s.algoOrders {
		out[id] = o
	}
	return out
}

func (s *EntityStore) snapshotPositions() map[string]types.Position {
	s.positionsMu.RLock()
	defer s.positionsMu.RUnlock()
	out := make(map[string]types.Position, len(s.positions))
	for symbol, p := range s.positions {
		out[symbol] = p
	}
	return out
}

func (s *EntityStore) snapshotBalances() map[types.AccountType]types.AccountBalance {
	s.balancesMu.RLock()
	defer s.balancesMu.RUnlock()
	out := make(map[types.AccountType]types.AccountBalance, len(s.balances))
	for at, ab := range s.balances {
		out[at] = ab.Clone()
	}
	return out
}

// Stats is a count of held entities
type Stats struct {
	Orders     int
	OpenOrders int
	AlgoOrders int
	Positions  int
	Accounts   int
}

func (s *EntityStore) Stats() Stats {
	var st Stats
	s.ordersMu.RLock()
	st.Orders = len(s.orders)
	for _, set := range s.openByExchange {
		st.OpenOrders += len(set)
	}
	s.ordersMu.RUnlock()

	s.algoMu.RLock()
	st.AlgoOrders = len(s.algoOrders)
	s.algoMu.RUnlock()

	s.positionsMu.RLock()
	st.Positions = len(s.positions)
	s.positionsMu.RUnlock()

	s.balancesMu.RLock()
	st.Accounts = len(s.balances)
	s.balancesMu.RUnlock()
	return st
}
