package storage

import (
	"context"
	"path/filepath"
	"slices"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uhyunpark/statecache/pkg/anomaly"
	"github.com/uhyunpark/statecache/pkg/types"
)

const (
	testStrategy = "momentum"
	testUser     = "user-1"
)

// eachBackend runs fn against a fresh pebble store and a fresh sqlite store
func eachBackend(t *testing.T, fn func(t *testing.T, b Backend, rec *anomaly.Recorder)) {
	t.Helper()
	open := map[string]func(dir string, rec *anomaly.Recorder) (Backend, error){
		"pebble": func(dir string, rec *anomaly.Recorder) (Backend, error) {
			return Open(Config{
				Kind: KindPebble, StrategyID: testStrategy, UserID: testUser,
				PebblePath: filepath.Join(dir, "kv"), Reporter: rec,
			})
		},
		"sqlite": func(dir string, rec *anomaly.Recorder) (Backend, error) {
			return Open(Config{
				Kind: KindSQL, StrategyID: testStrategy, UserID: testUser,
				SQLDriver: "sqlite", SQLDSN: filepath.Join(dir, "cache.db"), Reporter: rec,
			})
		},
	}
	for _, name := range []string{"pebble", "sqlite"} {
		t.Run(name, func(t *testing.T) {
			rec := anomaly.NewRecorder(16)
			b, err := open[name](t.TempDir(), rec)
			require.NoError(t, err)
			t.Cleanup(func() { b.Close() })
			fn(t, b, rec)
		})
	}
}

func testOrder(id, symbol string, status types.OrderStatus) types.Order {
	return types.Order{
		UUID:        id,
		Exchange:    types.ExchangeBinance,
		Symbol:      symbol,
		Side:        types.SideBuy,
		Type:        types.OrderTypeLimit,
		Amount:      decimal.RequireFromString("0.5"),
		Price:       decimal.RequireFromString("65000.1"),
		Average:     decimal.RequireFromString("64999.9"),
		Filled:      decimal.RequireFromString("0.2"),
		Remaining:   decimal.RequireFromString("0.3"),
		Status:      status,
		TimeInForce: types.TimeInForceGTC,
		ReduceOnly:  true,
		Timestamp:   1700000000000,
	}
}

func testPosition(symbol string, amount string) types.Position {
	return types.Position{
		Symbol:        symbol,
		Exchange:      types.ExchangeBinance,
		Side:          types.PositionLong,
		Amount:        decimal.RequireFromString(amount),
		EntryPrice:    decimal.RequireFromString("100"),
		UnrealizedPnl: decimal.RequireFromString("-1.25"),
		RealizedPnl:   decimal.RequireFromString("3.5"),
		Timestamp:     1700000000000,
	}
}

func assertOrderEqual(t *testing.T, want, got types.Order) {
	t.Helper()
	assert.Equal(t, want.UUID, got.UUID)
	assert.Equal(t, want.Exchange, got.Exchange)
	assert.Equal(t, want.Symbol, got.Symbol)
	assert.Equal(t, want.Side, got.Side)
	assert.Equal(t, want.Type, got.Type)
	assert.Equal(t, want.Status, got.Status)
	assert.Equal(t, want.TimeInForce, got.TimeInForce)
	assert.Equal(t, want.ReduceOnly, got.ReduceOnly)
	assert.Equal(t, want.Timestamp, got.Timestamp)
	assert.True(t, want.Amount.Equal(got.Amount), "amount %s != %s", want.Amount, got.Amount)
	assert.True(t, want.Price.Equal(got.Price), "price %s != %s", want.Price, got.Price)
	assert.True(t, want.Average.Equal(got.Average), "average %s != %s", want.Average, got.Average)
	assert.True(t, want.Filled.Equal(got.Filled), "filled %s != %s", want.Filled, got.Filled)
	assert.True(t, want.Remaining.Equal(got.Remaining), "remaining %s != %s", want.Remaining, got.Remaining)
}

func assertPositionEqual(t *testing.T, want, got types.Position) {
	t.Helper()
	assert.Equal(t, want.Symbol, got.Symbol)
	assert.Equal(t, want.Exchange, got.Exchange)
	assert.Equal(t, want.Side, got.Side)
	assert.Equal(t, want.Timestamp, got.Timestamp)
	assert.True(t, want.Amount.Equal(got.Amount), "amount %s != %s", want.Amount, got.Amount)
	assert.True(t, want.EntryPrice.Equal(got.EntryPrice), "entry %s != %s", want.EntryPrice, got.EntryPrice)
	assert.True(t, want.UnrealizedPnl.Equal(got.UnrealizedPnl), "upnl %s != %s", want.UnrealizedPnl, got.UnrealizedPnl)
	assert.True(t, want.RealizedPnl.Equal(got.RealizedPnl), "rpnl %s != %s", want.RealizedPnl, got.RealizedPnl)
}

func TestBackend_OrderRoundTrip(t *testing.T) {
	eachBackend(t, func(t *testing.T, b Backend, _ *anomaly.Recorder) {
		ctx := context.Background()
		o := testOrder("o-1", "BTCUSDT-PERP.BINANCE", types.OrderAccepted)
		require.NoError(t, b.SyncOrders(ctx, map[string]types.Order{o.UUID: o}))

		got, ok, err := b.GetOrder(ctx, "o-1")
		require.NoError(t, err)
		require.True(t, ok)
		assertOrderEqual(t, o, got)

		_, ok, err = b.GetOrder(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, ok)

		// upsert replaces the stored record
		o.Status = types.OrderFilled
		o.Filled = o.Amount
		o.Remaining = decimal.Zero
		require.NoError(t, b.SyncOrders(ctx, map[string]types.Order{o.UUID: o}))
		got, ok, err = b.GetOrder(ctx, "o-1")
		require.NoError(t, err)
		require.True(t, ok)
		assertOrderEqual(t, o, got)
	})
}

func TestBackend_AlgoOrderRoundTrip(t *testing.T) {
	eachBackend(t, func(t *testing.T, b Backend, _ *anomaly.Recorder) {
		ctx := context.Background()
		a := types.AlgoOrder{
			UUID:      types.NewAlgoOrderID(),
			Exchange:  types.ExchangeOKX,
			Symbol:    "ETHUSDT-PERP.OKX",
			Status:    types.AlgoOrderRunning,
			Timestamp: 1700000000000,
			Payload:   []byte(`{"slices":4}`),
		}
		require.NoError(t, b.SyncAlgoOrders(ctx, map[string]types.AlgoOrder{a.UUID: a}))

		got, ok, err := b.GetAlgoOrder(ctx, a.UUID)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, a.UUID, got.UUID)
		assert.Equal(t, a.Exchange, got.Exchange)
		assert.Equal(t, a.Symbol, got.Symbol)
		assert.Equal(t, a.Status, got.Status)
		assert.Equal(t, a.Timestamp, got.Timestamp)
		assert.JSONEq(t, `{"slices":4}`, string(got.Payload))
	})
}

func TestBackend_PositionsDiffDelete(t *testing.T) {
	eachBackend(t, func(t *testing.T, b Backend, _ *anomaly.Recorder) {
		ctx := context.Background()
		btc := testPosition("BTCUSDT-PERP.BINANCE", "1")
		eth := testPosition("ETHUSDT-PERP.BINANCE", "2")
		require.NoError(t, b.SyncPositions(ctx, map[string]types.Position{btc.Symbol: btc, eth.Symbol: eth}))

		got, err := b.GetPositionsByExchange(ctx, types.ExchangeBinance)
		require.NoError(t, err)
		assert.Len(t, got, 2)

		// ETH was closed in memory
		require.NoError(t, b.SyncPositions(ctx, map[string]types.Position{btc.Symbol: btc}))
		got, err = b.GetPositionsByExchange(ctx, types.ExchangeBinance)
		require.NoError(t, err)
		assert.Len(t, got, 1)
		require.Contains(t, got, btc.Symbol)
		assertPositionEqual(t, btc, got[btc.Symbol])

		other, err := b.GetPositionsByExchange(ctx, types.ExchangeOKX)
		require.NoError(t, err)
		assert.Empty(t, other)
	})
}

func TestBackend_OpenOrderSetReplaced(t *testing.T) {
	eachBackend(t, func(t *testing.T, b Backend, _ *anomaly.Recorder) {
		ctx := context.Background()
		const sym = "BTCUSDT-PERP.BINANCE"
		first := OrderIndex{
			OpenByExchange: map[types.ExchangeType][]string{types.ExchangeBinance: {"a", "b"}},
			OpenBySymbol:   map[string][]string{sym: {"a", "b"}},
			BySymbol:       map[string][]string{sym: {"a", "b"}},
		}
		require.NoError(t, b.SyncOpenOrders(ctx, first))

		ids, err := b.GetOpenOrderIDs(ctx, types.ExchangeBinance)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"a", "b"}, ids)

		// "a" filled: the stored set must not keep it
		second := OrderIndex{
			OpenByExchange: map[types.ExchangeType][]string{types.ExchangeBinance: {"b"}},
			OpenBySymbol:   map[string][]string{sym: {"b"}},
			BySymbol:       map[string][]string{sym: {"a", "b"}},
		}
		require.NoError(t, b.SyncOpenOrders(ctx, second))
		ids, err = b.GetOpenOrderIDs(ctx, types.ExchangeBinance)
		require.NoError(t, err)
		assert.Equal(t, []string{"b"}, ids)

		require.NoError(t, b.SyncOpenOrders(ctx, OrderIndex{}))
		ids, err = b.GetOpenOrderIDs(ctx, types.ExchangeBinance)
		require.NoError(t, err)
		assert.Empty(t, ids)
	})
}

func TestKVStore_SymbolOrderSetReplaced(t *testing.T) {
	s, err := OpenKVStore(Config{
		StrategyID: testStrategy, UserID: testUser,
		PebblePath: filepath.Join(t.TempDir(), "kv"),
	})
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	const sym = "BTCUSDT-PERP.BINANCE"
	require.NoError(t, s.SyncOpenOrders(ctx, OrderIndex{
		BySymbol: map[string][]string{sym: {"a", "b"}},
	}))
	ids, err := s.GetSymbolOrderIDs(ctx, sym)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, ids)

	// "a" was evicted from memory
	require.NoError(t, s.SyncOpenOrders(ctx, OrderIndex{
		BySymbol: map[string][]string{sym: {"b"}},
	}))
	ids, err = s.GetSymbolOrderIDs(ctx, sym)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids)

	require.NoError(t, s.SyncOpenOrders(ctx, OrderIndex{}))
	ids, err = s.GetSymbolOrderIDs(ctx, sym)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestKVStore_UnlistedVenueReplaced(t *testing.T) {
	s, err := OpenKVStore(Config{
		StrategyID: testStrategy, UserID: testUser,
		PebblePath: filepath.Join(t.TempDir(), "kv"),
	})
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	const kraken = types.ExchangeType("kraken")
	const sym = "XBTUSD"
	pos := testPosition(sym, "1")
	pos.Exchange = kraken

	require.NoError(t, s.SyncAll(ctx, &Snapshot{
		Positions: map[string]types.Position{sym: pos},
		Index: OrderIndex{
			OpenByExchange: map[types.ExchangeType][]string{kraken: {"k-1"}},
			BySymbol:       map[string][]string{sym: {"k-1"}},
			SymbolExchange: map[string]types.ExchangeType{sym: kraken},
		},
	}))

	exchanges, err := s.storedExchanges()
	require.NoError(t, err)
	assert.Contains(t, exchanges, kraken)

	positions, err := s.GetPositionsByExchange(ctx, kraken)
	require.NoError(t, err)
	assert.Contains(t, positions, sym)
	ids, err := s.GetOpenOrderIDs(ctx, kraken)
	require.NoError(t, err)
	assert.Equal(t, []string{"k-1"}, ids)
	ids, err = s.GetSymbolOrderIDs(ctx, sym)
	require.NoError(t, err)
	assert.Equal(t, []string{"k-1"}, ids)

	// position closed and order gone from memory
	require.NoError(t, s.SyncAll(ctx, &Snapshot{}))

	positions, err = s.GetPositionsByExchange(ctx, kraken)
	require.NoError(t, err)
	assert.Empty(t, positions)
	ids, err = s.GetOpenOrderIDs(ctx, kraken)
	require.NoError(t, err)
	assert.Empty(t, ids)
	ids, err = s.GetSymbolOrderIDs(ctx, sym)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestBackend_BalancesRoundTrip(t *testing.T) {
	eachBackend(t, func(t *testing.T, b Backend, _ *anomaly.Recorder) {
		ctx := context.Background()
		spot := types.NewAccountBalance()
		spot.Apply([]types.Balance{
			{Asset: "USDT", Free: decimal.RequireFromString("1000.25"), Locked: decimal.RequireFromString("10")},
			{Asset: "BTC", Free: decimal.RequireFromString("0.1")},
		})
		futures := types.NewAccountBalance()
		futures.Apply([]types.Balance{{Asset: "USDT", Free: decimal.NewFromInt(500)}})

		require.NoError(t, b.SyncBalances(ctx, map[types.AccountType]types.AccountBalance{
			"BINANCE_SPOT":         spot,
			"BINANCE_USD_M_FUTURE": futures,
		}))

		got, err := b.GetBalancesByAccount(ctx, "BINANCE_SPOT")
		require.NoError(t, err)
		require.Len(t, got, 2)
		byAsset := map[string]types.Balance{}
		for _, bal := range got {
			byAsset[bal.Asset] = bal
		}
		assert.True(t, byAsset["USDT"].Free.Equal(decimal.RequireFromString("1000.25")))
		assert.True(t, byAsset["USDT"].Locked.Equal(decimal.NewFromInt(10)))

		all, err := b.GetAllBalances(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 2)
		assert.Len(t, all["BINANCE_USD_M_FUTURE"], 1)
	})
}

func TestBackend_SyncAll(t *testing.T) {
	eachBackend(t, func(t *testing.T, b Backend, _ *anomaly.Recorder) {
		ctx := context.Background()
		const sym = "SOLUSDT-PERP.BYBIT"
		open := testOrder("open-1", sym, types.OrderAccepted)
		open.Exchange = types.ExchangeBybit
		done := testOrder("done-1", sym, types.OrderFilled)
		done.Exchange = types.ExchangeBybit
		pos := testPosition(sym, "3")
		pos.Exchange = types.ExchangeBybit

		snap := &Snapshot{
			Orders:    map[string]types.Order{open.UUID: open, done.UUID: done},
			Positions: map[string]types.Position{sym: pos},
			Balances: map[types.AccountType]types.AccountBalance{
				"BYBIT_UNIFIED": {Balances: map[string]types.Balance{"USDT": {Asset: "USDT", Free: decimal.NewFromInt(7)}}},
			},
			Index: OrderIndex{
				OpenByExchange: map[types.ExchangeType][]string{types.ExchangeBybit: {open.UUID}},
				OpenBySymbol:   map[string][]string{sym: {open.UUID}},
				BySymbol:       map[string][]string{sym: {open.UUID, done.UUID}},
				SymbolExchange: map[string]types.ExchangeType{sym: types.ExchangeBybit},
			},
		}
		require.NoError(t, b.SyncAll(ctx, snap))

		ids, err := b.GetOpenOrderIDs(ctx, types.ExchangeBybit)
		require.NoError(t, err)
		assert.Equal(t, []string{open.UUID}, ids)

		symIDs, err := b.GetSymbolOrderIDs(ctx, sym)
		require.NoError(t, err)
		slices.Sort(symIDs)
		assert.Equal(t, []string{done.UUID, open.UUID}, symIDs)

		positions, err := b.GetPositionsByExchange(ctx, types.ExchangeBybit)
		require.NoError(t, err)
		assert.Contains(t, positions, sym)

		bals, err := b.GetBalancesByAccount(ctx, "BYBIT_UNIFIED")
		require.NoError(t, err)
		assert.Len(t, bals, 1)

	})
}

func TestBackend_PnL(t *testing.T) {
	eachBackend(t, func(t *testing.T, b Backend, _ *anomaly.Recorder) {
		ctx := context.Background()
		require.NoError(t, b.SyncPnL(ctx, types.PnL{Timestamp: 1, PnL: 10.5, UnrealizedPnL: -2}))
		// same timestamp overwrites
		require.NoError(t, b.SyncPnL(ctx, types.PnL{Timestamp: 1, PnL: 11, UnrealizedPnL: -1}))
	})
}

func TestKVStore_DecodeFailureReported(t *testing.T) {
	rec := anomaly.NewRecorder(8)
	s, err := OpenKVStore(Config{
		StrategyID: testStrategy, UserID: testUser,
		PebblePath: filepath.Join(t.TempDir(), "kv"), Reporter: rec,
	})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.db.Set(member(s.keys.orders(), "bad"), []byte("{not json"), nil))

	_, ok, err := s.GetOrder(context.Background(), "bad")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, uint64(1), rec.Count(anomaly.DecodeFailure))

	got := rec.Recent()
	require.Len(t, got, 1)
	assert.Equal(t, "strategy:momentum:user_id:user-1:orders:bad", got[0].Key)
}

func TestKVStore_CorruptPositionSkipped(t *testing.T) {
	rec := anomaly.NewRecorder(8)
	s, err := OpenKVStore(Config{
		StrategyID: testStrategy, UserID: testUser,
		PebblePath: filepath.Join(t.TempDir(), "kv"), Reporter: rec,
	})
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	good := testPosition("BTCUSDT-PERP.BINANCE", "1")
	require.NoError(t, s.SyncPositions(ctx, map[string]types.Position{good.Symbol: good}))
	require.NoError(t, s.db.Set([]byte(s.keys.position(types.ExchangeBinance, "XRPUSDT-PERP.BINANCE")), []byte("??"), nil))

	got, err := s.GetPositionsByExchange(ctx, types.ExchangeBinance)
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, uint64(1), rec.Count(anomaly.DecodeFailure))
}

func TestSQLStore_DecodeFailureReported(t *testing.T) {
	rec := anomaly.NewRecorder(8)
	s, err := OpenSQLStore(Config{
		StrategyID: testStrategy, UserID: testUser,
		SQLDriver: "sqlite", SQLDSN: filepath.Join(t.TempDir(), "cache.db"), Reporter: rec,
	})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.db.Exec(
		"INSERT INTO "+s.tables.orders+` ("uuid", "symbol", "data") VALUES (?, ?, ?)`,
		"bad", "BTCUSDT-PERP.BINANCE", []byte("{not json"),
	).Error)

	_, ok, err := s.GetOrder(context.Background(), "bad")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, uint64(1), rec.Count(anomaly.DecodeFailure))
}

func TestSQLStore_TablePrefix(t *testing.T) {
	names := newTableNames("mean-rev.v2", "User 1")
	assert.Equal(t, "mean_rev_v2_user_1_orders", names.orders)
	assert.Equal(t, "mean_rev_v2_user_1_open_orders", names.openOrders)
}

func TestSafeTableName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"strategy_user", "strategy_user"},
		{"Strat-1.user@x", "strat_1_user_x"},
		{"a b;drop", "a_b_drop"},
	}
	for _, tt := range tests {
		if got := SafeTableName(tt.in); got != tt.want {
			t.Errorf("SafeTableName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestOpen_Validation(t *testing.T) {
	_, err := Open(Config{Kind: KindPebble, PebblePath: t.TempDir()})
	assert.Error(t, err)

	_, err = Open(Config{Kind: "redis", StrategyID: "s", UserID: "u"})
	assert.Error(t, err)

	_, err = OpenSQLStore(Config{StrategyID: "s", UserID: "u", SQLDriver: "mysql", SQLDSN: "x"})
	assert.Error(t, err)
}
