package types

type KlineInterval string

const (
	KlineInterval1s  KlineInterval = "1s"
	KlineInterval1m  KlineInterval = "1m"
	KlineInterval3m  KlineInterval = "3m"
	KlineInterval5m  KlineInterval = "5m"
	KlineInterval15m KlineInterval = "15m"
	KlineInterval30m KlineInterval = "30m"
	KlineInterval1h  KlineInterval = "1h"
	KlineInterval2h  KlineInterval = "2h"
	KlineInterval4h  KlineInterval = "4h"
	KlineInterval6h  KlineInterval = "6h"
	KlineInterval8h  KlineInterval = "8h"
	KlineInterval12h KlineInterval = "12h"
	KlineInterval1d  KlineInterval = "1d"
	KlineInterval3d  KlineInterval = "3d"
	KlineInterval1w  KlineInterval = "1w"
	KlineInterval1M  KlineInterval = "1M"
)

// Kline is one candle; Confirm is false while the candle is still forming
type Kline struct {
	Exchange  ExchangeType  `json:"exchange"`
	Symbol    string        `json:"symbol"`
	Interval  KlineInterval `json:"interval"`
	Open      float64       `json:"open"`
	High      float64       `json:"high"`
	Low       float64       `json:"low"`
	Close     float64       `json:"close"`
	Volume    float64       `json:"volume"`
	Start     int64         `json:"start"`
	Timestamp int64         `json:"timestamp"`
	Confirm   bool          `json:"confirm"`
}

// BookL1 is the top of book
type BookL1 struct {
	Exchange  ExchangeType `json:"exchange"`
	Symbol    string       `json:"symbol"`
	Bid       float64      `json:"bid"`
	BidSize   float64      `json:"bid_size"`
	Ask       float64      `json:"ask"`
	AskSize   float64      `json:"ask_size"`
	Timestamp int64        `json:"timestamp"`
}

func (b BookL1) Mid() float64 { return (b.Bid + b.Ask) / 2 }

// Trade is a public print
type Trade struct {
	Exchange  ExchangeType `json:"exchange"`
	Symbol    string       `json:"symbol"`
	Price     float64      `json:"price"`
	Size      float64      `json:"size"`
	Side      OrderSide    `json:"side"`
	Timestamp int64        `json:"timestamp"`
}
