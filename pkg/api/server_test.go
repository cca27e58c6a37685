package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uhyunpark/statecache/pkg/anomaly"
	"github.com/uhyunpark/statecache/pkg/bus"
	"github.com/uhyunpark/statecache/pkg/cache"
	"github.com/uhyunpark/statecache/pkg/storage"
	"github.com/uhyunpark/statecache/pkg/types"
)

const btc = "BTCUSDT-PERP.BINANCE"

type fixture struct {
	cache    *cache.Cache
	recorder *anomaly.Recorder
	bus      *bus.Bus
	hub      *Hub
	srv      *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	backend, err := storage.Open(storage.Config{
		Kind: storage.KindPebble, StrategyID: "s1", UserID: "u1",
		PebblePath: filepath.Join(t.TempDir(), "kv"),
	})
	require.NoError(t, err)

	rec := anomaly.NewRecorder(16)
	hub := NewHub(nil)
	b := bus.New()
	reg := prometheus.NewRegistry()
	c, err := cache.New(cache.Options{
		StrategyID: "s1", UserID: "u1",
		Backend:  backend,
		Bus:      b,
		Reporter: anomaly.Tee(rec, hub),
		Metrics:  cache.NewMetrics(reg),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	s := NewServer(c, rec, hub, nil, Config{Gatherer: reg})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		cancel()
		c.Close(context.Background())
	})
	return &fixture{cache: c, recorder: rec, bus: b, hub: hub, srv: srv}
}

func (f *fixture) get(t *testing.T, path string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (f *fixture) post(t *testing.T, path string) int {
	t.Helper()
	resp, err := http.Post(f.srv.URL+path, "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func testOrder(id string, status types.OrderStatus) types.Order {
	return types.Order{
		UUID:      id,
		Exchange:  types.ExchangeBinance,
		Symbol:    btc,
		Side:      types.SideSell,
		Type:      types.OrderTypeLimit,
		Amount:    decimal.NewFromInt(2),
		Price:     decimal.NewFromInt(64000),
		Status:    status,
		Timestamp: time.Now().UnixMilli(),
	}
}

func TestServer_Orders(t *testing.T) {
	f := newFixture(t)
	f.cache.OrderInitialized(testOrder("o-1", types.OrderAccepted))
	f.cache.OrderInitialized(testOrder("o-2", types.OrderFilled))

	var o types.Order
	require.Equal(t, http.StatusOK, f.get(t, "/api/v1/orders/o-1", &o))
	assert.Equal(t, types.OrderAccepted, o.Status)
	assert.True(t, o.Amount.Equal(decimal.NewFromInt(2)))

	var e ErrorResponse
	assert.Equal(t, http.StatusNotFound, f.get(t, "/api/v1/orders/missing", &e))
	assert.Equal(t, "order not found", e.Error)

	var ids OrderIDsResponse
	require.Equal(t, http.StatusOK, f.get(t, "/api/v1/open-orders?exchange=BINANCE", &ids))
	assert.Equal(t, []string{"o-1"}, ids.IDs)

	require.Equal(t, http.StatusOK, f.get(t, "/api/v1/symbols/"+btc+"/orders", &ids))
	assert.Equal(t, []string{"o-1", "o-2"}, ids.IDs)
}

func TestServer_OpenOrdersQueryValidation(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name  string
		query string
		want  int
	}{
		{"neither", "", http.StatusBadRequest},
		{"both", "?symbol=" + btc + "&exchange=binance", http.StatusBadRequest},
		{"bad exchange", "?exchange=ftx", http.StatusBadRequest},
		{"symbol", "?symbol=" + btc, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := f.get(t, "/api/v1/open-orders"+tt.query, nil); got != tt.want {
				t.Errorf("status = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestServer_PositionsAndBalances(t *testing.T) {
	f := newFixture(t)
	f.cache.PositionUpdated(types.Position{
		Symbol: btc, Exchange: types.ExchangeBinance, Side: types.PositionLong, Amount: decimal.NewFromInt(1),
	})
	f.cache.BalanceUpdated("BINANCE_SPOT", []types.Balance{{Asset: "USDT", Free: decimal.NewFromInt(250)}})

	var ps PositionsResponse
	require.Equal(t, http.StatusOK, f.get(t, "/api/v1/positions", &ps))
	assert.Contains(t, ps.Positions, btc)
	require.Equal(t, http.StatusOK, f.get(t, "/api/v1/positions?exchange=okx", &ps))
	assert.Empty(t, ps.Positions)

	var p types.Position
	require.Equal(t, http.StatusOK, f.get(t, "/api/v1/positions/"+btc, &p))
	assert.Equal(t, types.PositionLong, p.Side)
	assert.Equal(t, http.StatusNotFound, f.get(t, "/api/v1/positions/ETHUSDT.OKX", nil))

	var bal BalanceResponse
	require.Equal(t, http.StatusOK, f.get(t, "/api/v1/balances/BINANCE_SPOT", &bal))
	assert.True(t, bal.Balances["USDT"].Free.Equal(decimal.NewFromInt(250)))
	assert.Equal(t, http.StatusNotFound, f.get(t, "/api/v1/balances/OKX_UNIFIED", nil))
}

func TestServer_Market(t *testing.T) {
	f := newFixture(t)
	f.bus.BookL1.Publish(types.BookL1{Symbol: btc, Bid: 10, Ask: 12})
	f.bus.Kline.Publish(types.Kline{Symbol: btc, Interval: types.KlineInterval5m, Close: 11})

	var b types.BookL1
	require.Equal(t, http.StatusOK, f.get(t, "/api/v1/market/"+btc+"/bookl1", &b))
	assert.Equal(t, 12.0, b.Ask)

	var k types.Kline
	require.Equal(t, http.StatusOK, f.get(t, "/api/v1/market/"+btc+"/kline?interval=5m", &k))
	assert.Equal(t, 11.0, k.Close)
	assert.Equal(t, http.StatusNotFound, f.get(t, "/api/v1/market/"+btc+"/kline", nil))
	assert.Equal(t, http.StatusNotFound, f.get(t, "/api/v1/market/"+btc+"/trade", nil))
}

func TestServer_AnomaliesAndSync(t *testing.T) {
	f := newFixture(t)
	f.cache.OrderInitialized(testOrder("o-1", types.OrderFilled))
	f.cache.OrderStatusUpdated(testOrder("o-1", types.OrderCanceled))

	var resp AnomaliesResponse
	require.Equal(t, http.StatusOK, f.get(t, "/api/v1/anomalies", &resp))
	require.Len(t, resp.Anomalies, 1)
	assert.Equal(t, anomaly.InvalidTransition, resp.Anomalies[0].Kind)
	assert.Equal(t, uint64(1), resp.Counts[string(anomaly.InvalidTransition)])

	assert.Equal(t, http.StatusOK, f.post(t, "/api/v1/sync/all"))
	assert.Equal(t, http.StatusOK, f.post(t, "/api/v1/sync/open_orders"))
	assert.Equal(t, http.StatusBadRequest, f.post(t, "/api/v1/sync/trades"))
}

func TestServer_HealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	f.cache.OrderInitialized(testOrder("o-1", types.OrderAccepted))

	var h HealthResponse
	require.Equal(t, http.StatusOK, f.get(t, "/health", &h))
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, 1, h.OpenOrders)

	f.cache.OrderStatusUpdated(testOrder("o-1", types.OrderPending))
	resp, err := http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	buf := new(bytes.Buffer)
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `statecache_anomalies_total{kind="invalid_transition"} 1`)
}

func TestServer_WebSocketAnomalyStream(t *testing.T) {
	f := newFixture(t)
	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(WSSubscribeRequest{Op: "subscribe", Channels: []string{ChannelAnomalies}}))
	require.Eventually(t, func() bool {
		f.hub.mu.RLock()
		defer f.hub.mu.RUnlock()
		for c := range f.hub.clients {
			if c.IsSubscribed(ChannelAnomalies) {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	f.cache.OrderInitialized(testOrder("o-1", types.OrderFilled))
	f.cache.OrderStatusUpdated(testOrder("o-1", types.OrderExpired))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg struct {
		Channel string          `json:"channel"`
		Data    anomaly.Anomaly `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, ChannelAnomalies, msg.Channel)
	assert.Equal(t, "o-1", msg.Data.OrderID)
	assert.Equal(t, types.OrderExpired, msg.Data.Attempted)
}
