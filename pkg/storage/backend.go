// Package storage persists the cache's entity collections.
// Two backends implement Backend: KVStore on pebble and SQLStore on gorm.
package storage

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/uhyunpark/statecache/pkg/anomaly"
	"github.com/uhyunpark/statecache/pkg/types"
	"go.uber.org/zap"
)

// OrderIndex is a copy of the store's order index sets
type OrderIndex struct {
	OpenByExchange map[types.ExchangeType][]string // exchange -> open order ids
	OpenBySymbol   map[string][]string             // symbol -> open order ids
	BySymbol       map[string][]string             // symbol -> every order id
	SymbolExchange map[string]types.ExchangeType   // symbol -> venue it trades on
}

// Snapshot is a point-in-time copy of every collection, taken before any I/O
type Snapshot struct {
	Orders     map[string]types.Order
	AlgoOrders map[string]types.AlgoOrder
	Positions  map[string]types.Position
	Balances   map[types.AccountType]types.AccountBalance
	Index      OrderIndex
}

// Backend is the one persistence interface the cache talks to.
// Sync methods write memory state out; Get methods are only used on cache miss and warm start.
type Backend interface {
	// SyncAll writes the whole snapshot as one unit
	SyncAll(ctx context.Context, snap *Snapshot) error

	SyncOrders(ctx context.Context, orders map[string]types.Order) error
	SyncAlgoOrders(ctx context.Context, orders map[string]types.AlgoOrder) error
	// SyncPositions also deletes stored positions that are absent from positions
	SyncPositions(ctx context.Context, positions map[string]types.Position) error
	// SyncOpenOrders fully replaces the stored index sets
	SyncOpenOrders(ctx context.Context, idx OrderIndex) error
	SyncBalances(ctx context.Context, balances map[types.AccountType]types.AccountBalance) error
	SyncPnL(ctx context.Context, pnl types.PnL) error

	GetOrder(ctx context.Context, id string) (types.Order, bool, error)
	GetAlgoOrder(ctx context.Context, id string) (types.AlgoOrder, bool, error)
	GetPositionsByExchange(ctx context.Context, exchange types.ExchangeType) (map[string]types.Position, error)
	GetBalancesByAccount(ctx context.Context, accountType types.AccountType) ([]types.Balance, error)
	GetAllBalances(ctx context.Context) (map[types.AccountType][]types.Balance, error)
	GetSymbolOrderIDs(ctx context.Context, symbol string) ([]string, error)
	GetOpenOrderIDs(ctx context.Context, exchange types.ExchangeType) ([]string, error)

	Close() error
}

// Kind selects a backend implementation
type Kind string

const (
	KindPebble Kind = "pebble"
	KindSQL    Kind = "sql"
)

// Config describes which backend to open and where
type Config struct {
	Kind       Kind
	StrategyID string
	UserID     string

	PebblePath string // KindPebble

	SQLDriver string // KindSQL: "sqlite" or "postgres"
	SQLDSN    string // KindSQL: file path for sqlite, connection string for postgres

	Reporter anomaly.Reporter
	Logger   *zap.SugaredLogger
}

// Open constructs the backend named by cfg.Kind
func Open(cfg Config) (Backend, error) {
	if cfg.StrategyID == "" || cfg.UserID == "" {
		return nil, fmt.Errorf("strategy id and user id are required")
	}
	switch cfg.Kind {
	case KindPebble:
		return OpenKVStore(cfg)
	case KindSQL:
		return OpenSQLStore(cfg)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Kind)
	}
}

// timeNow stamps anomalies raised by backends
var timeNow = time.Now

var unsafeIdent = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// SafeTableName turns an arbitrary string into a lowercase SQL identifier
func SafeTableName(name string) string {
	return strings.ToLower(unsafeIdent.ReplaceAllString(name, "_"))
}

func reporterOrNop(r anomaly.Reporter) anomaly.Reporter {
	if r == nil {
		return anomaly.Nop
	}
	return r
}

func loggerOrNop(l *zap.SugaredLogger) *zap.SugaredLogger {
	if l == nil {
		return zap.NewNop().Sugar()
	}
	return l
}
