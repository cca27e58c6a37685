package storage

import (
	"fmt"
	"strings"

	"github.com/uhyunpark/statecache/pkg/types"
)

// Key schema for the KV backend. Every key is scoped by strategy and user:
//
//	strategy:{sid}:user_id:{uid}:orders:{id}                                 -> Order
//	strategy:{sid}:user_id:{uid}:algo_orders:{id}                            -> AlgoOrder
//	strategy:{sid}:user_id:{uid}:exchange:{ex}:open_orders:{id}              -> set member
//	strategy:{sid}:user_id:{uid}:exchange:{ex}:symbol_orders:{symbol}:{id}   -> set member
//	strategy:{sid}:user_id:{uid}:symbol_open_orders:{symbol}:{id}            -> set member
//	strategy:{sid}:user_id:{uid}:exchange:{ex}:symbol_positions:{symbol}     -> Position
//	strategy:{sid}:user_id:{uid}:account_type:{at}:asset_balance:{asset}     -> Balance
//	strategy:{sid}:user_id:{uid}:pnl:{ts}                                    -> PnL
//
// A hash field or set member is stored as its own key under the collection key plus ":".
// Replacing a set is a range delete over that prefix followed by member writes.
type keyspace struct {
	base string
}

func newKeyspace(strategyID, userID string) keyspace {
	return keyspace{base: fmt.Sprintf("strategy:%s:user_id:%s", strategyID, userID)}
}

func (k keyspace) orders() string     { return k.base + ":orders" }
func (k keyspace) algoOrders() string { return k.base + ":algo_orders" }
func (k keyspace) pnl() string        { return k.base + ":pnl" }

func (k keyspace) exchange(ex types.ExchangeType) string {
	return k.base + ":exchange:" + string(ex)
}

func (k keyspace) openOrders(ex types.ExchangeType) string {
	return k.exchange(ex) + ":open_orders"
}

func (k keyspace) symbolOrders(ex types.ExchangeType, symbol string) string {
	return k.exchange(ex) + ":symbol_orders:" + symbol
}

func (k keyspace) symbolOrdersAll(ex types.ExchangeType) string {
	return k.exchange(ex) + ":symbol_orders"
}

func (k keyspace) symbolOpenOrders(symbol string) string {
	return k.base + ":symbol_open_orders:" + symbol
}

func (k keyspace) symbolOpenOrdersAll() string {
	return k.base + ":symbol_open_orders"
}

func (k keyspace) position(ex types.ExchangeType, symbol string) string {
	return k.positions(ex) + ":" + symbol
}

func (k keyspace) positions(ex types.ExchangeType) string {
	return k.exchange(ex) + ":symbol_positions"
}

func (k keyspace) balance(at types.AccountType, asset string) string {
	return k.balances(at) + ":" + asset
}

func (k keyspace) balances(at types.AccountType) string {
	return k.base + ":account_type:" + string(at) + ":asset_balance"
}

func (k keyspace) accountTypes() string {
	return k.base + ":account_type"
}

// member returns the key of one element of a hash or set collection
func member(collection, id string) []byte {
	return []byte(collection + ":" + id)
}

// prefixOf is the scan prefix of a collection
func prefixOf(collection string) []byte {
	return []byte(collection + ":")
}

// memberOf strips the collection prefix from a member key
func memberOf(collection string, key []byte) string {
	return strings.TrimPrefix(string(key), collection+":")
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
