package types

import (
	"fmt"
	"strings"
)

// ExchangeType identifies a trading venue
type ExchangeType string

const (
	ExchangeBinance     ExchangeType = "binance"
	ExchangeOKX         ExchangeType = "okx"
	ExchangeBybit       ExchangeType = "bybit"
	ExchangeHyperliquid ExchangeType = "hyperliquid"
)

// AllExchanges returns every supported venue in a stable order
func AllExchanges() []ExchangeType {
	return []ExchangeType{ExchangeBinance, ExchangeOKX, ExchangeBybit, ExchangeHyperliquid}
}

// ParseExchange accepts any letter case ("BINANCE", "binance")
func ParseExchange(s string) (ExchangeType, error) {
	ex := ExchangeType(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllExchanges() {
		if ex == known {
			return ex, nil
		}
	}
	return "", fmt.Errorf("unknown exchange %q", s)
}

func (e ExchangeType) String() string { return string(e) }

// AccountType identifies one balance ledger at a venue (e.g. "BINANCE_SPOT", "OKX_UNIFIED").
// Venue adapters own the naming; the cache treats it as an opaque key.
type AccountType string

func (a AccountType) String() string { return string(a) }

// InstrumentID is a symbol qualified by its venue.
// Format: "{symbol}.{EXCHANGE}", e.g. "BTCUSDT-PERP.BINANCE"
type InstrumentID struct {
	Symbol   string // full instrument string, as used for cache keys
	Base     string // part before the venue suffix, e.g. "BTCUSDT-PERP"
	Exchange ExchangeType
}

// ParseInstrumentID splits the venue suffix off a symbol.
// Returns false for bare symbols such as "BTCUSDT" that carry no venue.
func ParseInstrumentID(symbol string) (InstrumentID, bool) {
	i := strings.LastIndexByte(symbol, '.')
	if i <= 0 || i == len(symbol)-1 {
		return InstrumentID{}, false
	}
	ex, err := ParseExchange(symbol[i+1:])
	if err != nil {
		return InstrumentID{}, false
	}
	return InstrumentID{Symbol: symbol, Base: symbol[:i], Exchange: ex}, true
}
