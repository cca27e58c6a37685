package api

import (
	"github.com/uhyunpark/statecache/pkg/anomaly"
	"github.com/uhyunpark/statecache/pkg/types"
)

// API response types for REST endpoints and WebSocket messages

// ==============================
// REST Response Types
// ==============================

// OrderIDsResponse lists order ids, sorted
type OrderIDsResponse struct {
	Symbol   string   `json:"symbol,omitempty"`
	Exchange string   `json:"exchange,omitempty"`
	IDs      []string `json:"ids"`
}

// PositionsResponse lists open positions keyed by symbol
type PositionsResponse struct {
	Exchange  string                    `json:"exchange,omitempty"` // empty = every exchange
	Positions map[string]types.Position `json:"positions"`
}

// BalanceResponse is one account type's balances
type BalanceResponse struct {
	AccountType string                   `json:"accountType"`
	Balances    map[string]types.Balance `json:"balances"` // asset -> balance
}

// AnomaliesResponse is the recent anomaly window, oldest first
type AnomaliesResponse struct {
	Anomalies []anomaly.Anomaly `json:"anomalies"`
	Counts    map[string]uint64 `json:"counts"` // kind -> total since start
}

// SyncResponse acknowledges an on-demand sync
type SyncResponse struct {
	Collection string `json:"collection"`
	Status     string `json:"status"` // "synced"
}

// HealthResponse reports liveness plus what memory holds
type HealthResponse struct {
	Status     string `json:"status"`
	Orders     int    `json:"orders"`
	OpenOrders int    `json:"openOrders"`
	AlgoOrders int    `json:"algoOrders"`
	Positions  int    `json:"positions"`
	Accounts   int    `json:"accounts"`
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WS channels a client may subscribe to
const (
	ChannelAnomalies = "anomalies"
	ChannelBookL1    = "bookl1"
	ChannelTrade     = "trade"
	ChannelKline     = "kline"
)

// WSMessage is the envelope of every pushed message
type WSMessage struct {
	Channel string      `json:"channel"` // one of the Channel* constants
	Data    interface{} `json:"data"`
}

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g. ["anomalies", "bookl1"]
}
