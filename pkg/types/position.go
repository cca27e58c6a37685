package types

import "github.com/shopspring/decimal"

type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
	PositionFlat  PositionSide = "FLAT"
)

// Position is the net exposure in one symbol
type Position struct {
	Symbol        string          `json:"symbol"`
	Exchange      ExchangeType    `json:"exchange"`
	Side          PositionSide    `json:"side"`
	Amount        decimal.Decimal `json:"amount"` // always non-negative; direction lives in Side
	EntryPrice    decimal.Decimal `json:"entry_price"`
	UnrealizedPnl decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnl   decimal.Decimal `json:"realized_pnl"`
	Timestamp     int64           `json:"timestamp"`
}

// IsOpened returns true if there is exposure left
func (p Position) IsOpened() bool {
	return p.Side != PositionFlat && p.Side != "" && !p.Amount.IsZero()
}

// IsClosed returns true once the position is flat or empty
func (p Position) IsClosed() bool { return !p.IsOpened() }

// SignedAmount is positive for longs and negative for shorts
func (p Position) SignedAmount() decimal.Decimal {
	if p.Side == PositionShort {
		return p.Amount.Neg()
	}
	if p.Side == PositionLong {
		return p.Amount
	}
	return decimal.Zero
}
