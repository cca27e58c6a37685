package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/uhyunpark/statecache/pkg/anomaly"
	"github.com/uhyunpark/statecache/pkg/types"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

const upsertBatchSize = 500

// SQLStore is the relational backend. One table per collection, prefixed by the
// sanitized strategy and user ids; each entity keeps queryable columns plus its encoded blob.
type SQLStore struct {
	db       *gorm.DB
	tables   tableNames
	reporter anomaly.Reporter
	log      *zap.SugaredLogger
}

var _ Backend = (*SQLStore)(nil)

type tableNames struct {
	orders, algoOrders, positions, openOrders, balances, pnl string
}

func newTableNames(strategyID, userID string) tableNames {
	prefix := SafeTableName(strategyID + "_" + userID)
	return tableNames{
		orders:     prefix + "_orders",
		algoOrders: prefix + "_algo_orders",
		positions:  prefix + "_positions",
		openOrders: prefix + "_open_orders",
		balances:   prefix + "_balances",
		pnl:        prefix + "_pnl",
	}
}

// OpenSQLStore connects with the driver named by cfg.SQLDriver and creates missing tables
func OpenSQLStore(cfg Config) (*SQLStore, error) {
	gcfg := &gorm.Config{Logger: gormlogger.Discard}

	var (
		db  *gorm.DB
		err error
	)
	switch cfg.SQLDriver {
	case "sqlite", "":
		if cfg.SQLDSN == "" {
			return nil, fmt.Errorf("sqlite path is required")
		}
		if dir := filepath.Dir(cfg.SQLDSN); dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create sqlite dir: %w", err)
			}
		}
		db, err = gorm.Open(sqlite.Open(cfg.SQLDSN), gcfg)
	case "postgres":
		db, err = gorm.Open(postgres.Open(cfg.SQLDSN), gcfg)
	default:
		return nil, fmt.Errorf("unknown sql driver %q", cfg.SQLDriver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", cfg.SQLDriver, err)
	}

	s := &SQLStore{
		db:       db,
		tables:   newTableNames(cfg.StrategyID, cfg.UserID),
		reporter: reporterOrNop(cfg.Reporter),
		log:      loggerOrNop(cfg.Logger),
	}
	if db.Dialector.Name() == "sqlite" {
		// sqlite allows one writer; a single connection keeps sync transactions from
		// tripping over read-through queries
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
		for _, pragma := range []string{"PRAGMA journal_mode=WAL;", "PRAGMA synchronous=NORMAL;"} {
			if err := db.Exec(pragma).Error; err != nil {
				return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
			}
		}
	}
	if err := s.createTables(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) createTables() error {
	blob, bigint := "BLOB", "INTEGER"
	if s.db.Dialector.Name() == "postgres" {
		blob, bigint = "BYTEA", "BIGINT"
	}
	t := s.tables
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			"timestamp" %s,
			"uuid" TEXT PRIMARY KEY,
			"symbol" TEXT,
			"side" TEXT,
			"type" TEXT,
			"amount" TEXT,
			"price" DOUBLE PRECISION,
			"status" TEXT,
			"data" %s
		)`, t.orders, bigint, blob),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_symbol ON %s ("symbol")`, t.orders, t.orders),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			"timestamp" %s,
			"uuid" TEXT PRIMARY KEY,
			"symbol" TEXT,
			"data" %s
		)`, t.algoOrders, bigint, blob),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_symbol ON %s ("symbol")`, t.algoOrders, t.algoOrders),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			"symbol" TEXT PRIMARY KEY,
			"exchange" TEXT,
			"side" TEXT,
			"amount" TEXT,
			"data" %s
		)`, t.positions, blob),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			"uuid" TEXT PRIMARY KEY,
			"exchange" TEXT,
			"symbol" TEXT
		)`, t.openOrders),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			"asset" TEXT,
			"account_type" TEXT,
			"free" TEXT,
			"locked" TEXT,
			PRIMARY KEY ("asset", "account_type")
		)`, t.balances),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			"timestamp" %s PRIMARY KEY,
			"pnl" DOUBLE PRECISION,
			"unrealized_pnl" DOUBLE PRECISION
		)`, t.pnl, bigint),
	}
	for _, stmt := range stmts {
		if err := s.db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("failed to create tables: %w", err)
		}
	}
	return nil
}

// Close closes the underlying connection pool
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ============================================================================
// Rows
// ============================================================================

type orderRow struct {
	Timestamp int64   `gorm:"column:timestamp"`
	UUID      string  `gorm:"column:uuid;primaryKey"`
	Symbol    string  `gorm:"column:symbol"`
	Side      string  `gorm:"column:side"`
	Type      string  `gorm:"column:type"`
	Amount    string  `gorm:"column:amount"`
	Price     float64 `gorm:"column:price"`
	Status    string  `gorm:"column:status"`
	Data      []byte  `gorm:"column:data"`
}

type algoOrderRow struct {
	Timestamp int64  `gorm:"column:timestamp"`
	UUID      string `gorm:"column:uuid;primaryKey"`
	Symbol    string `gorm:"column:symbol"`
	Data      []byte `gorm:"column:data"`
}

type positionRow struct {
	Symbol   string `gorm:"column:symbol;primaryKey"`
	Exchange string `gorm:"column:exchange"`
	Side     string `gorm:"column:side"`
	Amount   string `gorm:"column:amount"`
	Data     []byte `gorm:"column:data"`
}

type openOrderRow struct {
	UUID     string `gorm:"column:uuid;primaryKey"`
	Exchange string `gorm:"column:exchange"`
	Symbol   string `gorm:"column:symbol"`
}

type balanceRow struct {
	Asset       string `gorm:"column:asset;primaryKey"`
	AccountType string `gorm:"column:account_type;primaryKey"`
	Free        string `gorm:"column:free"`
	Locked      string `gorm:"column:locked"`
}

type pnlRow struct {
	Timestamp     int64   `gorm:"column:timestamp;primaryKey;autoIncrement:false"`
	PnL           float64 `gorm:"column:pnl"`
	UnrealizedPnL float64 `gorm:"column:unrealized_pnl"`
}

// ============================================================================
// Sync
// ============================================================================

func (s *SQLStore) SyncAll(ctx context.Context, snap *Snapshot) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.syncOrders(tx, snap.Orders); err != nil {
			return err
		}
		if err := s.syncAlgoOrders(tx, snap.AlgoOrders); err != nil {
			return err
		}
		if err := s.syncPositions(tx, snap.Positions); err != nil {
			return err
		}
		if err := s.syncOpenOrders(tx, snap.Index, snap.Orders); err != nil {
			return err
		}
		return s.syncBalances(tx, snap.Balances)
	})
}

func (s *SQLStore) SyncOrders(ctx context.Context, orders map[string]types.Order) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.syncOrders(tx, orders)
	})
}

func (s *SQLStore) SyncAlgoOrders(ctx context.Context, orders map[string]types.AlgoOrder) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.syncAlgoOrders(tx, orders)
	})
}

func (s *SQLStore) SyncPositions(ctx context.Context, positions map[string]types.Position) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.syncPositions(tx, positions)
	})
}

func (s *SQLStore) SyncOpenOrders(ctx context.Context, idx OrderIndex) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.syncOpenOrders(tx, idx, nil)
	})
}

func (s *SQLStore) SyncBalances(ctx context.Context, balances map[types.AccountType]types.AccountBalance) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.syncBalances(tx, balances)
	})
}

func (s *SQLStore) SyncPnL(ctx context.Context, pnl types.PnL) error {
	row := pnlRow{Timestamp: pnl.Timestamp, PnL: pnl.PnL, UnrealizedPnL: pnl.UnrealizedPnL}
	err := s.db.WithContext(ctx).Table(s.tables.pnl).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("sync_pnl: %w", err)
	}
	return nil
}

func (s *SQLStore) syncOrders(tx *gorm.DB, orders map[string]types.Order) error {
	if len(orders) == 0 {
		return nil
	}
	rows := make([]orderRow, 0, len(orders))
	for id, o := range orders {
		data, err := encode(o)
		if err != nil {
			return err
		}
		rows = append(rows, orderRow{
			Timestamp: o.Timestamp,
			UUID:      id,
			Symbol:    o.Symbol,
			Side:      string(o.Side),
			Type:      string(o.Type),
			Amount:    o.Amount.String(), // kept as text, no lossy float
			Price:     o.PriceOrAverage().InexactFloat64(),
			Status:    string(o.Status),
			Data:      data,
		})
	}
	return s.upsert(tx, s.tables.orders, &rows)
}

func (s *SQLStore) syncAlgoOrders(tx *gorm.DB, orders map[string]types.AlgoOrder) error {
	if len(orders) == 0 {
		return nil
	}
	rows := make([]algoOrderRow, 0, len(orders))
	for id, o := range orders {
		data, err := encode(o)
		if err != nil {
			return err
		}
		rows = append(rows, algoOrderRow{Timestamp: o.Timestamp, UUID: id, Symbol: o.Symbol, Data: data})
	}
	return s.upsert(tx, s.tables.algoOrders, &rows)
}

// syncPositions deletes rows for symbols no longer held, then upserts the live positions.
// The table is a snapshot of open positions, not a history.
func (s *SQLStore) syncPositions(tx *gorm.DB, positions map[string]types.Position) error {
	var stored []string
	if err := tx.Table(s.tables.positions).Pluck("symbol", &stored).Error; err != nil {
		return fmt.Errorf("failed to list positions: %w", err)
	}
	var stale []string
	for _, symbol := range stored {
		if _, ok := positions[symbol]; !ok {
			stale = append(stale, symbol)
		}
	}
	if len(stale) > 0 {
		if err := tx.Table(s.tables.positions).Where("symbol IN ?", stale).Delete(&positionRow{}).Error; err != nil {
			return fmt.Errorf("failed to delete stale positions: %w", err)
		}
		s.log.Debugw("stale_positions_deleted", "count", len(stale))
	}

	if len(positions) == 0 {
		return nil
	}
	rows := make([]positionRow, 0, len(positions))
	for symbol, p := range positions {
		data, err := encode(p)
		if err != nil {
			return err
		}
		side := string(p.Side)
		if side == "" {
			side = string(types.PositionFlat)
		}
		rows = append(rows, positionRow{
			Symbol:   symbol,
			Exchange: string(p.Exchange),
			Side:     side,
			Amount:   p.Amount.String(),
			Data:     data,
		})
	}
	return s.upsert(tx, s.tables.positions, &rows)
}

// syncOpenOrders replaces the open_orders table. orders, when given, supplies symbols for ids
// that are missing from the per-symbol index.
func (s *SQLStore) syncOpenOrders(tx *gorm.DB, idx OrderIndex, orders map[string]types.Order) error {
	if err := tx.Exec("DELETE FROM " + s.tables.openOrders).Error; err != nil {
		return fmt.Errorf("failed to clear open orders: %w", err)
	}

	symbolOf := make(map[string]string)
	for symbol, ids := range idx.OpenBySymbol {
		for _, id := range ids {
			symbolOf[id] = symbol
		}
	}
	var rows []openOrderRow
	for ex, ids := range idx.OpenByExchange {
		for _, id := range ids {
			symbol, ok := symbolOf[id]
			if !ok {
				o, found := orders[id]
				if !found {
					continue
				}
				symbol = o.Symbol
			}
			rows = append(rows, openOrderRow{UUID: id, Exchange: string(ex), Symbol: symbol})
		}
	}
	if len(rows) == 0 {
		return nil
	}
	if err := tx.Table(s.tables.openOrders).CreateInBatches(&rows, upsertBatchSize).Error; err != nil {
		return fmt.Errorf("failed to insert open orders: %w", err)
	}
	return nil
}

func (s *SQLStore) syncBalances(tx *gorm.DB, balances map[types.AccountType]types.AccountBalance) error {
	var rows []balanceRow
	for at, ab := range balances {
		for asset, b := range ab.Balances {
			rows = append(rows, balanceRow{
				Asset:       asset,
				AccountType: string(at),
				Free:        b.Free.String(),
				Locked:      b.Locked.String(),
			})
		}
	}
	if len(rows) == 0 {
		return nil
	}
	return s.upsert(tx, s.tables.balances, &rows)
}

// upsert inserts rows, replacing every non-key column on primary key conflict
func (s *SQLStore) upsert(tx *gorm.DB, table string, rows any) error {
	err := tx.Table(table).
		Clauses(clause.OnConflict{UpdateAll: true}).
		CreateInBatches(rows, upsertBatchSize).Error
	if err != nil {
		return fmt.Errorf("failed to upsert %s: %w", table, err)
	}
	return nil
}

// ============================================================================
// Reads
// ============================================================================

func (s *SQLStore) GetOrder(ctx context.Context, id string) (types.Order, bool, error) {
	var rows []orderRow
	err := s.db.WithContext(ctx).Table(s.tables.orders).Where("uuid = ?", id).Limit(1).Find(&rows).Error
	if err != nil {
		return types.Order{}, false, fmt.Errorf("failed to get order %s: %w", id, err)
	}
	if len(rows) == 0 {
		return types.Order{}, false, nil
	}
	var o types.Order
	if err := decode(rows[0].Data, &o); err != nil {
		s.reportCorrupt(s.tables.orders, id, err)
		return types.Order{}, false, nil
	}
	return o, true, nil
}

func (s *SQLStore) GetAlgoOrder(ctx context.Context, id string) (types.AlgoOrder, bool, error) {
	var rows []algoOrderRow
	err := s.db.WithContext(ctx).Table(s.tables.algoOrders).Where("uuid = ?", id).Limit(1).Find(&rows).Error
	if err != nil {
		return types.AlgoOrder{}, false, fmt.Errorf("failed to get algo order %s: %w", id, err)
	}
	if len(rows) == 0 {
		return types.AlgoOrder{}, false, nil
	}
	var o types.AlgoOrder
	if err := decode(rows[0].Data, &o); err != nil {
		s.reportCorrupt(s.tables.algoOrders, id, err)
		return types.AlgoOrder{}, false, nil
	}
	return o, true, nil
}

func (s *SQLStore) GetPositionsByExchange(ctx context.Context, exchange types.ExchangeType) (map[string]types.Position, error) {
	var rows []positionRow
	err := s.db.WithContext(ctx).Table(s.tables.positions).Where("exchange = ?", string(exchange)).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get positions: %w", err)
	}
	positions := make(map[string]types.Position, len(rows))
	for _, row := range rows {
		var p types.Position
		if err := decode(row.Data, &p); err != nil {
			s.reportCorrupt(s.tables.positions, row.Symbol, err)
			continue
		}
		if p.IsOpened() {
			positions[p.Symbol] = p
		}
	}
	return positions, nil
}

func (s *SQLStore) GetBalancesByAccount(ctx context.Context, accountType types.AccountType) ([]types.Balance, error) {
	var rows []balanceRow
	err := s.db.WithContext(ctx).Table(s.tables.balances).Where("account_type = ?", string(accountType)).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get balances: %w", err)
	}
	balances := make([]types.Balance, 0, len(rows))
	for _, row := range rows {
		if b, ok := s.balanceFromRow(row); ok {
			balances = append(balances, b)
		}
	}
	return balances, nil
}

func (s *SQLStore) GetAllBalances(ctx context.Context) (map[types.AccountType][]types.Balance, error) {
	var rows []balanceRow
	if err := s.db.WithContext(ctx).Table(s.tables.balances).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to get balances: %w", err)
	}
	out := make(map[types.AccountType][]types.Balance)
	for _, row := range rows {
		if b, ok := s.balanceFromRow(row); ok {
			at := types.AccountType(row.AccountType)
			out[at] = append(out[at], b)
		}
	}
	return out, nil
}

func (s *SQLStore) balanceFromRow(row balanceRow) (types.Balance, bool) {
	free, err := decimal.NewFromString(row.Free)
	if err != nil {
		s.reportCorrupt(s.tables.balances, row.AccountType+":"+row.Asset, err)
		return types.Balance{}, false
	}
	locked, err := decimal.NewFromString(row.Locked)
	if err != nil {
		s.reportCorrupt(s.tables.balances, row.AccountType+":"+row.Asset, err)
		return types.Balance{}, false
	}
	return types.Balance{Asset: row.Asset, Free: free, Locked: locked}, true
}

func (s *SQLStore) GetSymbolOrderIDs(ctx context.Context, symbol string) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Table(s.tables.orders).Where("symbol = ?", symbol).Pluck("uuid", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get symbol orders: %w", err)
	}
	return ids, nil
}

func (s *SQLStore) GetOpenOrderIDs(ctx context.Context, exchange types.ExchangeType) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Table(s.tables.openOrders).Where("exchange = ?", string(exchange)).Pluck("uuid", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get open orders: %w", err)
	}
	return ids, nil
}

func (s *SQLStore) reportCorrupt(table, key string, err error) {
	s.log.Warnw("decode_failed", "table", table, "key", key, "err", err)
	s.reporter.Report(anomaly.Anomaly{
		Kind: anomaly.DecodeFailure,
		Time: timeNow(),
		Key:  table + ":" + key,
		Err:  err.Error(),
	})
}
