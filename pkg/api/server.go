package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/uhyunpark/statecache/pkg/anomaly"
	"github.com/uhyunpark/statecache/pkg/cache"
	"github.com/uhyunpark/statecache/pkg/types"
	"go.uber.org/zap"
)

// Config holds optional server settings
type Config struct {
	AllowedOrigins []string            // CORS origins; localhost dev ports when empty
	Gatherer       prometheus.Gatherer // served at /metrics; prometheus.DefaultGatherer when nil
}

// Server exposes the cache's read API over HTTP and streams anomalies over WebSocket
type Server struct {
	cache    *cache.Cache
	recorder *anomaly.Recorder
	router   *mux.Router
	hub      *Hub
	log      *zap.SugaredLogger
	cfg      Config

	httpSrv *http.Server
}

// NewServer creates a new API server. recorder may be nil, in which case
// /api/v1/anomalies returns an empty list.
func NewServer(c *cache.Cache, recorder *anomaly.Recorder, hub *Hub, log *zap.SugaredLogger, cfg Config) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if hub == nil {
		hub = NewHub(log)
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"http://localhost:3000", "http://localhost:3001"}
	}
	s := &Server{
		cache:    c,
		recorder: recorder,
		router:   mux.NewRouter(),
		hub:      hub,
		log:      log,
		cfg:      cfg,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Orders
	api.HandleFunc("/orders/{id}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/algo-orders/{id}", s.handleGetAlgoOrder).Methods("GET")
	api.HandleFunc("/open-orders", s.handleGetOpenOrders).Methods("GET")
	api.HandleFunc("/symbols/{symbol}/orders", s.handleGetSymbolOrders).Methods("GET")

	// Positions and balances
	api.HandleFunc("/positions", s.handleGetPositions).Methods("GET")
	api.HandleFunc("/positions/{symbol}", s.handleGetPosition).Methods("GET")
	api.HandleFunc("/balances/{accountType}", s.handleGetBalance).Methods("GET")

	// Market snapshot
	api.HandleFunc("/market/{symbol}/bookl1", s.handleGetBookL1).Methods("GET")
	api.HandleFunc("/market/{symbol}/trade", s.handleGetTrade).Methods("GET")
	api.HandleFunc("/market/{symbol}/kline", s.handleGetKline).Methods("GET")

	// Operations
	api.HandleFunc("/anomalies", s.handleGetAnomalies).Methods("GET")
	api.HandleFunc("/sync/{collection}", s.handleSync).Methods("POST")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{})).Methods("GET")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the router wrapped with CORS
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Start runs the hub and serves on addr until Shutdown. The hub stops when ctx is done.
func (s *Server) Start(ctx context.Context, addr string) error {
	go s.hub.Run(ctx)

	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.log.Infow("api_server_starting", "addr", addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	o, ok, err := s.cache.GetOrder(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "backend unavailable", err.Error())
		return
	}
	if !ok {
		respondError(w, http.StatusNotFound, "order not found", id)
		return
	}
	respondJSON(w, o)
}

func (s *Server) handleGetAlgoOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	o, ok, err := s.cache.GetAlgoOrder(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "backend unavailable", err.Error())
		return
	}
	if !ok {
		respondError(w, http.StatusNotFound, "algo order not found", id)
		return
	}
	respondJSON(w, o)
}

func (s *Server) handleGetOpenOrders(w http.ResponseWriter, r *http.Request) {
	q := cache.OpenOrdersQuery{Symbol: r.URL.Query().Get("symbol")}
	if raw := r.URL.Query().Get("exchange"); raw != "" {
		ex, err := types.ParseExchange(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid exchange", err.Error())
			return
		}
		q.Exchange = ex
	}

	ids, err := s.cache.GetOpenOrders(q)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid query", err.Error())
		return
	}
	respondJSON(w, OrderIDsResponse{Symbol: q.Symbol, Exchange: string(q.Exchange), IDs: ids})
}

func (s *Server) handleGetSymbolOrders(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	persisted := false
	if raw := r.URL.Query().Get("persisted"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid persisted flag", err.Error())
			return
		}
		persisted = v
	}

	ids, err := s.cache.GetSymbolOrders(r.Context(), symbol, persisted)
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "backend unavailable", err.Error())
		return
	}
	respondJSON(w, OrderIDsResponse{Symbol: symbol, IDs: ids})
}

func (s *Server) handleGetPositions(w http.ResponseWriter, r *http.Request) {
	var ex types.ExchangeType
	if raw := r.URL.Query().Get("exchange"); raw != "" {
		parsed, err := types.ParseExchange(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid exchange", err.Error())
			return
		}
		ex = parsed
	}
	respondJSON(w, PositionsResponse{Exchange: string(ex), Positions: s.cache.GetAllPositions(ex)})
}

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	p, ok := s.cache.GetPosition(symbol)
	if !ok {
		respondError(w, http.StatusNotFound, "position not found", symbol)
		return
	}
	respondJSON(w, p)
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	at := types.AccountType(mux.Vars(r)["accountType"])
	ab, ok := s.cache.GetBalance(at)
	if !ok {
		respondError(w, http.StatusNotFound, "account not found", string(at))
		return
	}
	respondJSON(w, BalanceResponse{AccountType: string(at), Balances: ab.Balances})
}

func (s *Server) handleGetBookL1(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	b, ok := s.cache.BookL1(symbol)
	if !ok {
		respondError(w, http.StatusNotFound, "no book for symbol", symbol)
		return
	}
	respondJSON(w, b)
}

func (s *Server) handleGetTrade(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	t, ok := s.cache.Trade(symbol)
	if !ok {
		respondError(w, http.StatusNotFound, "no trade for symbol", symbol)
		return
	}
	respondJSON(w, t)
}

func (s *Server) handleGetKline(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	interval := types.KlineInterval(r.URL.Query().Get("interval"))
	if interval == "" {
		interval = types.KlineInterval1m
	}
	k, ok := s.cache.Kline(symbol, interval)
	if !ok {
		respondError(w, http.StatusNotFound, "no kline for symbol", symbol+" "+string(interval))
		return
	}
	respondJSON(w, k)
}

func (s *Server) handleGetAnomalies(w http.ResponseWriter, r *http.Request) {
	resp := AnomaliesResponse{Anomalies: []anomaly.Anomaly{}, Counts: map[string]uint64{}}
	if s.recorder != nil {
		resp.Anomalies = s.recorder.Recent()
		for _, kind := range []anomaly.Kind{
			anomaly.InvalidTransition, anomaly.OpenOrderEvicted, anomaly.BackendUnavailable,
			anomaly.DecodeFailure, anomaly.ShutdownFlushFailed,
		} {
			resp.Counts[string(kind)] = s.recorder.Count(kind)
		}
	}
	respondJSON(w, resp)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	collection := mux.Vars(r)["collection"]
	err := s.cache.Sync(r.Context(), collection)
	switch {
	case errors.Is(err, cache.ErrUnknownCollection):
		respondError(w, http.StatusBadRequest, "unknown collection", collection)
		return
	case err != nil:
		respondError(w, http.StatusServiceUnavailable, "sync failed", err.Error())
		return
	}
	s.log.Infow("manual_sync_completed", "collection", collection)
	respondJSON(w, SyncResponse{Collection: collection, Status: "synced"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.cache.Stats()
	respondJSON(w, HealthResponse{
		Status:     "ok",
		Orders:     st.Orders,
		OpenOrders: st.OpenOrders,
		AlgoOrders: st.AlgoOrders,
		Positions:  st.Positions,
		Accounts:   st.Accounts,
	})
}

// ==============================
// Helper Functions
// ==============================

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	sonic.ConfigStd.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	sonic.ConfigStd.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}
