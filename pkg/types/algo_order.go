package types

import "encoding/json"

// AlgoOrderStatus is informational only; the cache enforces no table for it
type AlgoOrderStatus string

const (
	AlgoOrderRunning   AlgoOrderStatus = "RUNNING"
	AlgoOrderCanceling AlgoOrderStatus = "CANCELING"
	AlgoOrderFinished  AlgoOrderStatus = "FINISHED"
	AlgoOrderCanceled  AlgoOrderStatus = "CANCELED"
	AlgoOrderFailed    AlgoOrderStatus = "FAILED"
)

// AlgoOrder is a scheduled or derived order (TWAP, VWAP, ...) tracked apart from exchange orders.
// Payload belongs to the algorithm that owns the order.
type AlgoOrder struct {
	UUID      string          `json:"uuid"`
	Exchange  ExchangeType    `json:"exchange"`
	Symbol    string          `json:"symbol"`
	Status    AlgoOrderStatus `json:"status"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}
