package storage

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/cockroachdb/pebble"
	"github.com/uhyunpark/statecache/pkg/anomaly"
	"github.com/uhyunpark/statecache/pkg/types"
	"go.uber.org/zap"
)

// KVStore is the key-value backend on pebble.
// A sync builds one batch and commits it, so a reader never sees a half-replaced set.
type KVStore struct {
	db       *pebble.DB
	keys     keyspace
	reporter anomaly.Reporter
	log      *zap.SugaredLogger
}

var _ Backend = (*KVStore)(nil)

// OpenKVStore opens (or creates) the pebble database at cfg.PebblePath
func OpenKVStore(cfg Config) (*KVStore, error) {
	if cfg.PebblePath == "" {
		return nil, fmt.Errorf("pebble path is required")
	}
	opts := &pebble.Options{
		Cache:        pebble.NewCache(64 << 20), // 64MB cache
		MemTableSize: 32 << 20,                  // 32MB memtable
		MaxOpenFiles: 1000,
		BytesPerSync: 512 << 10, // 512KB
	}
	db, err := pebble.Open(cfg.PebblePath, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", cfg.PebblePath, err)
	}
	return &KVStore{
		db:       db,
		keys:     newKeyspace(cfg.StrategyID, cfg.UserID),
		reporter: reporterOrNop(cfg.Reporter),
		log:      loggerOrNop(cfg.Logger),
	}, nil
}

// Close closes the database
func (s *KVStore) Close() error {
	return s.db.Close()
}

// ============================================================================
// Sync
// ============================================================================

func (s *KVStore) SyncAll(ctx context.Context, snap *Snapshot) error {
	return s.commit(ctx, "sync_all", func(b *pebble.Batch) error {
		if err := s.putOrders(b, snap.Orders); err != nil {
			return err
		}
		if err := s.putAlgoOrders(b, snap.AlgoOrders); err != nil {
			return err
		}
		if err := s.putPositions(b, snap.Positions); err != nil {
			return err
		}
		if err := s.putOrderIndex(b, snap.Index); err != nil {
			return err
		}
		return s.putBalances(b, snap.Balances)
	})
}

func (s *KVStore) SyncOrders(ctx context.Context, orders map[string]types.Order) error {
	return s.commit(ctx, "sync_orders", func(b *pebble.Batch) error {
		return s.putOrders(b, orders)
	})
}

func (s *KVStore) SyncAlgoOrders(ctx context.Context, orders map[string]types.AlgoOrder) error {
	return s.commit(ctx, "sync_algo_orders", func(b *pebble.Batch) error {
		return s.putAlgoOrders(b, orders)
	})
}

func (s *KVStore) SyncPositions(ctx context.Context, positions map[string]types.Position) error {
	return s.commit(ctx, "sync_positions", func(b *pebble.Batch) error {
		return s.putPositions(b, positions)
	})
}

func (s *KVStore) SyncOpenOrders(ctx context.Context, idx OrderIndex) error {
	return s.commit(ctx, "sync_open_orders", func(b *pebble.Batch) error {
		return s.putOrderIndex(b, idx)
	})
}

func (s *KVStore) SyncBalances(ctx context.Context, balances map[types.AccountType]types.AccountBalance) error {
	return s.commit(ctx, "sync_balances", func(b *pebble.Batch) error {
		return s.putBalances(b, balances)
	})
}

func (s *KVStore) SyncPnL(ctx context.Context, pnl types.PnL) error {
	data, err := encode(pnl)
	if err != nil {
		return err
	}
	key := member(s.keys.pnl(), fmt.Sprintf("%020d", pnl.Timestamp))
	if err := s.db.Set(key, data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save pnl: %w", err)
	}
	return nil
}

func (s *KVStore) commit(ctx context.Context, op string, fill func(b *pebble.Batch) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := fill(b); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("%s: commit: %w", op, err)
	}
	return nil
}

func (s *KVStore) putOrders(b *pebble.Batch, orders map[string]types.Order) error {
	for id, o := range orders {
		data, err := encode(o)
		if err != nil {
			return err
		}
		if err := b.Set(member(s.keys.orders(), id), data, nil); err != nil {
			return err
		}
	}
	return nil
}

func (s *KVStore) putAlgoOrders(b *pebble.Batch, orders map[string]types.AlgoOrder) error {
	for id, o := range orders {
		data, err := encode(o)
		if err != nil {
			return err
		}
		if err := b.Set(member(s.keys.algoOrders(), id), data, nil); err != nil {
			return err
		}
	}
	return nil
}

// putPositions overwrites live positions and deletes stored ones that are no longer in memory
func (s *KVStore) putPositions(b *pebble.Batch, positions map[string]types.Position) error {
	exchanges, err := s.storedExchanges()
	if err != nil {
		return err
	}
	stale := 0
	for _, ex := range exchanges {
		coll := s.keys.positions(ex)
		err := s.scan(prefixOf(coll), func(key, _ []byte) error {
			symbol := memberOf(coll, key)
			if p, ok := positions[symbol]; ok && p.Exchange == ex {
				return nil
			}
			stale++
			return b.Delete(slices.Clone(key), nil)
		})
		if err != nil {
			return err
		}
	}
	if stale > 0 {
		s.log.Debugw("stale_positions_deleted", "count", stale)
	}

	for symbol, p := range positions {
		data, err := encode(p)
		if err != nil {
			return err
		}
		if err := b.Set([]byte(s.keys.position(p.Exchange, symbol)), data, nil); err != nil {
			return err
		}
	}
	return nil
}

// putOrderIndex replaces every index set with the ones in idx
func (s *KVStore) putOrderIndex(b *pebble.Batch, idx OrderIndex) error {
	exchanges, err := s.storedExchanges()
	if err != nil {
		return err
	}
	for _, ex := range exchanges {
		if err := deletePrefix(b, prefixOf(s.keys.openOrders(ex))); err != nil {
			return err
		}
		if err := deletePrefix(b, prefixOf(s.keys.symbolOrdersAll(ex))); err != nil {
			return err
		}
	}
	if err := deletePrefix(b, prefixOf(s.keys.symbolOpenOrdersAll())); err != nil {
		return err
	}

	for ex, ids := range idx.OpenByExchange {
		if err := addMembers(b, s.keys.openOrders(ex), ids); err != nil {
			return err
		}
	}
	for symbol, ids := range idx.OpenBySymbol {
		if err := addMembers(b, s.keys.symbolOpenOrders(symbol), ids); err != nil {
			return err
		}
	}
	for symbol, ids := range idx.BySymbol {
		ex, ok := resolveExchange(symbol, idx.SymbolExchange)
		if !ok {
			s.log.Warnw("symbol_orders_skipped", "symbol", symbol, "reason", "unknown exchange")
			continue
		}
		if err := addMembers(b, s.keys.symbolOrders(ex, symbol), ids); err != nil {
			return err
		}
	}
	return nil
}

func (s *KVStore) putBalances(b *pebble.Batch, balances map[types.AccountType]types.AccountBalance) error {
	for at, ab := range balances {
		for asset, bal := range ab.Balances {
			data, err := encode(bal)
			if err != nil {
				return err
			}
			if err := b.Set([]byte(s.keys.balance(at, asset)), data, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// storedExchanges lists the known venues plus every venue segment already present under
// the exchange keyspace, so sets written for an unlisted venue are still replaced.
func (s *KVStore) storedExchanges() ([]types.ExchangeType, error) {
	exchanges := types.AllExchanges()
	seen := make(map[types.ExchangeType]bool, len(exchanges))
	for _, ex := range exchanges {
		seen[ex] = true
	}

	prefix := []byte(s.keys.base + ":exchange:")
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	for valid := iter.First(); valid; {
		rest := string(iter.Key()[len(prefix):])
		name, _, found := strings.Cut(rest, ":")
		if !found {
			valid = iter.Next()
			continue
		}
		ex := types.ExchangeType(name)
		if !seen[ex] {
			seen[ex] = true
			exchanges = append(exchanges, ex)
		}
		// skip the rest of this venue's keys
		valid = iter.SeekGE(keyUpperBound(prefixOf(s.keys.exchange(ex))))
	}
	return exchanges, iter.Error()
}

func deletePrefix(b *pebble.Batch, prefix []byte) error {
	return b.DeleteRange(prefix, keyUpperBound(prefix), nil)
}

func addMembers(b *pebble.Batch, collection string, ids []string) error {
	for _, id := range ids {
		if err := b.Set(member(collection, id), nil, nil); err != nil {
			return err
		}
	}
	return nil
}

func resolveExchange(symbol string, known map[string]types.ExchangeType) (types.ExchangeType, bool) {
	if ex, ok := known[symbol]; ok && ex != "" {
		return ex, true
	}
	if id, ok := types.ParseInstrumentID(symbol); ok {
		return id.Exchange, true
	}
	return "", false
}

// ============================================================================
// Reads
// ============================================================================

func (s *KVStore) GetOrder(_ context.Context, id string) (types.Order, bool, error) {
	var o types.Order
	ok, err := s.getValue(member(s.keys.orders(), id), &o)
	return o, ok, err
}

func (s *KVStore) GetAlgoOrder(_ context.Context, id string) (types.AlgoOrder, bool, error) {
	var o types.AlgoOrder
	ok, err := s.getValue(member(s.keys.algoOrders(), id), &o)
	return o, ok, err
}

func (s *KVStore) GetPositionsByExchange(_ context.Context, exchange types.ExchangeType) (map[string]types.Position, error) {
	positions := make(map[string]types.Position)
	err := s.scan(prefixOf(s.keys.positions(exchange)), func(key, value []byte) error {
		var p types.Position
		if err := decode(value, &p); err != nil {
			s.reportCorrupt(key, err)
			return nil // Skip invalid entries
		}
		if p.IsOpened() {
			positions[p.Symbol] = p
		}
		return nil
	})
	return positions, err
}

func (s *KVStore) GetBalancesByAccount(_ context.Context, accountType types.AccountType) ([]types.Balance, error) {
	var balances []types.Balance
	err := s.scan(prefixOf(s.keys.balances(accountType)), func(key, value []byte) error {
		var b types.Balance
		if err := decode(value, &b); err != nil {
			s.reportCorrupt(key, err)
			return nil
		}
		balances = append(balances, b)
		return nil
	})
	return balances, err
}

func (s *KVStore) GetAllBalances(_ context.Context) (map[types.AccountType][]types.Balance, error) {
	out := make(map[types.AccountType][]types.Balance)
	coll := s.keys.accountTypes()
	err := s.scan(prefixOf(coll), func(key, value []byte) error {
		// {at}:asset_balance:{asset}
		rest := memberOf(coll, key)
		at, _, found := strings.Cut(rest, ":asset_balance:")
		if !found {
			return nil
		}
		var b types.Balance
		if err := decode(value, &b); err != nil {
			s.reportCorrupt(key, err)
			return nil
		}
		out[types.AccountType(at)] = append(out[types.AccountType(at)], b)
		return nil
	})
	return out, err
}

func (s *KVStore) GetSymbolOrderIDs(_ context.Context, symbol string) ([]string, error) {
	var exchanges []types.ExchangeType
	if id, ok := types.ParseInstrumentID(symbol); ok {
		exchanges = []types.ExchangeType{id.Exchange}
	} else {
		var err error
		if exchanges, err = s.storedExchanges(); err != nil {
			return nil, err
		}
	}
	var ids []string
	for _, ex := range exchanges {
		coll := s.keys.symbolOrders(ex, symbol)
		err := s.scan(prefixOf(coll), func(key, _ []byte) error {
			ids = append(ids, memberOf(coll, key))
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return ids, nil
}

func (s *KVStore) GetOpenOrderIDs(_ context.Context, exchange types.ExchangeType) ([]string, error) {
	var ids []string
	coll := s.keys.openOrders(exchange)
	err := s.scan(prefixOf(coll), func(key, _ []byte) error {
		ids = append(ids, memberOf(coll, key))
		return nil
	})
	return ids, err
}

// getValue decodes the value at key into v. A missing key and an undecodable value both
// return false; the latter is reported as an anomaly.
func (s *KVStore) getValue(key []byte, v any) (bool, error) {
	data, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	defer closer.Close()
	if err := decode(data, v); err != nil {
		s.reportCorrupt(key, err)
		return false, nil
	}
	return true, nil
}

// scan visits every key under prefix in order. key and value are only valid during fn.
func (s *KVStore) scan(prefix []byte, fn func(key, value []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (s *KVStore) reportCorrupt(key []byte, err error) {
	s.log.Warnw("decode_failed", "key", string(key), "err", err)
	s.reporter.Report(anomaly.Anomaly{
		Kind: anomaly.DecodeFailure,
		Time: timeNow(),
		Key:  string(key),
		Err:  err.Error(),
	})
}
