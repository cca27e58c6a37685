package types

import "github.com/shopspring/decimal"

// Balance is the free/locked pair of one asset
type Balance struct {
	Asset  string          `json:"asset"`
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
}

// Total returns free + locked
func (b Balance) Total() decimal.Decimal { return b.Free.Add(b.Locked) }

// AccountBalance holds every asset balance of one account type
type AccountBalance struct {
	Balances map[string]Balance `json:"balances"` // asset -> balance
}

// NewAccountBalance creates an empty account balance
func NewAccountBalance() AccountBalance {
	return AccountBalance{Balances: make(map[string]Balance)}
}

// Apply merges balance deltas: each delta's free and locked are added to the asset's pair.
// Assets seen for the first time start from zero.
func (a *AccountBalance) Apply(deltas []Balance) {
	if a.Balances == nil {
		a.Balances = make(map[string]Balance, len(deltas))
	}
	for _, d := range deltas {
		cur, ok := a.Balances[d.Asset]
		if !ok {
			cur = Balance{Asset: d.Asset, Free: decimal.Zero, Locked: decimal.Zero}
		}
		cur.Free = cur.Free.Add(d.Free)
		cur.Locked = cur.Locked.Add(d.Locked)
		a.Balances[d.Asset] = cur
	}
}

// Get returns the balance of one asset
func (a AccountBalance) Get(asset string) (Balance, bool) {
	b, ok := a.Balances[asset]
	return b, ok
}

// Clone returns a copy that shares nothing with a
func (a AccountBalance) Clone() AccountBalance {
	out := AccountBalance{Balances: make(map[string]Balance, len(a.Balances))}
	for k, v := range a.Balances {
		out.Balances[k] = v
	}
	return out
}

// PnL is one point of the strategy's profit curve
type PnL struct {
	Timestamp     int64   `json:"timestamp"`
	PnL           float64 `json:"pnl"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
}
