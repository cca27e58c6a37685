package cache

import (
	"context"
	"sync"

	"github.com/uhyunpark/statecache/pkg/storage"
	"github.com/uhyunpark/statecache/pkg/types"
)

// fakeBackend records sync calls and fails them when err is set. Reads fail when readErr is set.
type fakeBackend struct {
	mu       sync.Mutex
	err      error
	readErr  error
	syncAll  int
	lastSnap *storage.Snapshot
	pnl      []types.PnL
	closed   bool
	synced   chan struct{}
}

var _ storage.Backend = (*fakeBackend)(nil)

func newFakeBackend() *fakeBackend {
	return &fakeBackend{synced: make(chan struct{}, 16)}
}

func (f *fakeBackend) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeBackend) setReadErr(err error) {
	f.mu.Lock()
	f.readErr = err
	f.mu.Unlock()
}

func (f *fakeBackend) readFailure() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readErr
}

func (f *fakeBackend) SyncAll(_ context.Context, snap *storage.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.syncAll++
	f.lastSnap = snap
	select {
	case f.synced <- struct{}{}:
	default:
	}
	return nil
}

func (f *fakeBackend) SyncAllCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.syncAll
}

func (f *fakeBackend) simple() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeBackend) SyncOrders(context.Context, map[string]types.Order) error { return f.simple() }
func (f *fakeBackend) SyncAlgoOrders(context.Context, map[string]types.AlgoOrder) error {
	return f.simple()
}
func (f *fakeBackend) SyncPositions(context.Context, map[string]types.Position) error {
	return f.simple()
}
func (f *fakeBackend) SyncOpenOrders(context.Context, storage.OrderIndex) error { return f.simple() }
func (f *fakeBackend) SyncBalances(context.Context, map[types.AccountType]types.AccountBalance) error {
	return f.simple()
}

func (f *fakeBackend) SyncPnL(_ context.Context, pnl types.PnL) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.pnl = append(f.pnl, pnl)
	return nil
}

func (f *fakeBackend) GetOrder(context.Context, string) (types.Order, bool, error) {
	return types.Order{}, false, f.readFailure()
}

func (f *fakeBackend) GetAlgoOrder(context.Context, string) (types.AlgoOrder, bool, error) {
	return types.AlgoOrder{}, false, f.readFailure()
}

func (f *fakeBackend) GetPositionsByExchange(context.Context, types.ExchangeType) (map[string]types.Position, error) {
	return nil, nil
}

func (f *fakeBackend) GetBalancesByAccount(context.Context, types.AccountType) ([]types.Balance, error) {
	return nil, nil
}

func (f *fakeBackend) GetAllBalances(context.Context) (map[types.AccountType][]types.Balance, error) {
	return nil, nil
}

func (f *fakeBackend) GetSymbolOrderIDs(context.Context, string) ([]string, error) {
	return nil, f.readFailure()
}

func (f *fakeBackend) GetOpenOrderIDs(context.Context, types.ExchangeType) ([]string, error) {
	return nil, nil
}

func (f *fakeBackend) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}
