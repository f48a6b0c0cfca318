package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/wagerbook/pkg/app/core"
	"github.com/uhyunpark/wagerbook/pkg/app/core/transaction"
	"github.com/uhyunpark/wagerbook/pkg/app/core/wallet"
	"github.com/uhyunpark/wagerbook/pkg/app/wager"
	"github.com/uhyunpark/wagerbook/pkg/events"
)

const (
	maxBodyBytes = 1 << 20
	maxBatchSize = 256
)

type Config struct {
	CORSOrigins []string
	Faucet      bool // serve the unsigned test-funds deposit; devnets only
	ChainID     int64
}

// Server handles REST API and WebSocket connections
type Server struct {
	app    *wager.App
	wallet *wallet.Manager // nil when funds are not custodial
	cfg    Config
	router *mux.Router
	hub    *Hub
	logger *zap.Logger

	books   chan string // time controls whose depth changed
	httpSrv *http.Server
	wg      sync.WaitGroup
}

// NewServer wires the routes and subscribes the WebSocket hub to the app's
// event bus. Call Start to serve, Shutdown to stop.
func NewServer(app *wager.App, w *wallet.Manager, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		app:    app,
		wallet: w,
		cfg:    cfg,
		router: mux.NewRouter(),
		hub:    NewHub(logger),
		logger: logger,
		books:  make(chan string, 256),
	}

	app.Bus().SubscribeAll(s.hub.HandleEvent)
	app.Bus().SubscribeAll(s.noteBookChange)

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Book endpoints
	api.HandleFunc("/timecontrols", s.handleGetTimeControls).Methods("GET")
	api.HandleFunc("/levels/{tc}", s.handleGetLevels).Methods("GET")
	api.HandleFunc("/orders/{id:[0-9]+}", s.handleGetOrder).Methods("GET")

	// Game endpoints
	api.HandleFunc("/games", s.handleGetGames).Methods("GET")
	api.HandleFunc("/games/{id:[0-9]+}", s.handleGetGame).Methods("GET")
	api.HandleFunc("/games/{id:[0-9]+}/pool", s.handleGetPool).Methods("GET")

	// Account endpoints
	api.HandleFunc("/accounts/{address}", s.handleGetAccount).Methods("GET")
	api.HandleFunc("/accounts/{address}/orders", s.handleGetOrders).Methods("GET")
	api.HandleFunc("/accounts/{address}/games", s.handleGetAccountGames).Methods("GET")

	// System endpoints
	api.HandleFunc("/params", s.handleGetParams).Methods("GET")
	api.HandleFunc("/status", s.handleGetStatus).Methods("GET")

	// Signed actions
	api.HandleFunc("/actions", s.handleSubmitAction).Methods("POST")
	api.HandleFunc("/actions/batch", s.handleSubmitBatch).Methods("POST")

	if s.cfg.Faucet && s.wallet != nil {
		api.HandleFunc("/faucet/deposit", s.handleFaucetDeposit).Methods("POST")
	}

	s.router.Handle("/metrics", s.app.Metrics().Handler()).Methods("GET")
	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the router wrapped with the CORS policy
func (s *Server) Handler() http.Handler {
	origins := s.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Start runs the hub and serves until Shutdown. It returns
// http.ErrServerClosed after a clean shutdown.
func (s *Server) Start(addr string) error {
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.hub.Run()
	}()
	go func() {
		defer s.wg.Done()
		s.pushBooks()
	}()

	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info("api_server_starting", zap.String("addr", addr))
	return s.httpSrv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.httpSrv != nil {
		err = s.httpSrv.Shutdown(ctx)
	}
	s.hub.Close()
	s.wg.Wait()
	return err
}

// ==============================
// Book depth push
// ==============================

// noteBookChange queues a depth refresh. It runs under the app lock, so the
// snapshot itself is taken later by pushBooks.
func (s *Server) noteBookChange(e events.Event) error {
	switch e.Type {
	case events.OrderPlaced, events.OrderFilled, events.OrderCancelled:
	default:
		return nil
	}
	if e.TimeControl == "" {
		return nil
	}
	select {
	case s.books <- e.TimeControl:
	default:
		s.logger.Debug("book_push_dropped", zap.String("tc", e.TimeControl))
	}
	return nil
}

func (s *Server) pushBooks() {
	for {
		select {
		case <-s.hub.done:
			return
		case tc := <-s.books:
			depth := s.app.Levels(core.TimeControl(tc))
			s.hub.BroadcastToChannel("orderbook:"+tc, "orderbook", OrderbookUpdate{
				TimeControl: tc,
				SideA:       depth.SideA,
				SideB:       depth.SideB,
				Seq:         s.app.Stats().Sequence,
			})
		}
	}
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleGetTimeControls(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.app.TimeControls())
}

func (s *Server) handleGetLevels(w http.ResponseWriter, r *http.Request) {
	tc := core.TimeControl(mux.Vars(r)["tc"])
	if err := tc.Validate(); err != nil {
		s.respondErr(w, "levels", err)
		return
	}
	respondJSON(w, s.app.Levels(tc))
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	order, err := s.app.Order(core.OrderID(id))
	if err != nil {
		s.respondErr(w, "order", err)
		return
	}
	respondJSON(w, order)
}

func (s *Server) handleGetGames(w http.ResponseWriter, r *http.Request) {
	var player *common.Address
	if raw := r.URL.Query().Get("player"); raw != "" {
		addr, ok := parseAddress(w, raw)
		if !ok {
			return
		}
		player = &addr
	}
	respondJSON(w, s.app.Games(player))
}

func (s *Server) handleGetGame(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	g, err := s.app.Game(core.GameID(id))
	if err != nil {
		s.respondErr(w, "game", err)
		return
	}
	respondJSON(w, g)
}

func (s *Server) handleGetPool(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	pool, err := s.app.Pool(core.GameID(id))
	if err != nil {
		s.respondErr(w, "pool", err)
		return
	}
	respondJSON(w, pool)
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(w, mux.Vars(r)["address"])
	if !ok {
		return
	}
	info := AccountInfo{
		Address:    addr.Hex(),
		Pending:    s.app.Pending(addr),
		Nonce:      s.app.Nonce(addr),
		OpenOrders: len(s.app.OpenOrders(addr)),
	}
	if s.wallet != nil {
		info.Balance = s.wallet.Balance(addr)
	}
	respondJSON(w, info)
}

func (s *Server) handleGetOrders(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(w, mux.Vars(r)["address"])
	if !ok {
		return
	}
	respondJSON(w, s.app.OpenOrders(addr))
}

func (s *Server) handleGetAccountGames(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(w, mux.Vars(r)["address"])
	if !ok {
		return
	}
	respondJSON(w, s.app.Games(&addr))
}

func (s *Server) handleGetParams(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.app.Params())
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	hash := s.app.StateHash()
	respondJSON(w, StatusInfo{
		Stats:     s.app.Stats(),
		StateHash: "0x" + hex.EncodeToString(hash[:]),
		Authority: s.app.Authority().Hex(),
		ChainID:   s.cfg.ChainID,
	})
}

func (s *Server) handleSubmitAction(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read body", err.Error())
		return
	}
	tx, err := transaction.Parse(body)
	if err != nil {
		s.respondErr(w, "parse", err)
		return
	}

	res, err := s.app.Execute(r.Context(), tx)
	if err != nil {
		s.respondErr(w, string(tx.Payload.Action), err)
		return
	}
	s.logger.Debug("action_executed",
		zap.String("action", string(tx.Payload.Action)),
		zap.String("owner", tx.Payload.Owner),
		zap.String("nonce", tx.Payload.Nonce))

	respondJSON(w, ActionResponse{
		Status: "executed",
		Action: string(tx.Payload.Action),
		Result: res,
	})
}

func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if len(req.Actions) == 0 || len(req.Actions) > maxBatchSize {
		respondError(w, http.StatusBadRequest, "invalid batch size",
			"batch must hold 1 to "+strconv.Itoa(maxBatchSize)+" actions")
		return
	}
	for i, tx := range req.Actions {
		if tx == nil {
			respondError(w, http.StatusBadRequest, "invalid action", "action "+strconv.Itoa(i)+" is null")
			return
		}
		if err := tx.Validate(); err != nil {
			s.respondErr(w, "parse", errors.Wrapf(err, "action %d", i))
			return
		}
	}

	respondJSON(w, BatchResponse{Results: s.app.ExecuteBatch(r.Context(), req.Actions)})
}

// handleFaucetDeposit mints test funds. Withdrawals are never served here;
// they are the signed "withdraw" action.
func (s *Server) handleFaucetDeposit(w http.ResponseWriter, r *http.Request) {
	var req FaucetRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	addr, ok := parseAddress(w, req.Address)
	if !ok {
		return
	}
	if err := s.wallet.Deposit(addr, req.Amount); err != nil {
		respondError(w, http.StatusBadRequest, "deposit failed", err.Error())
		return
	}
	s.logger.Info("faucet_deposit", zap.String("address", addr.Hex()), zap.Int64("amount", req.Amount))
	respondJSON(w, AccountInfo{
		Address: addr.Hex(),
		Balance: s.wallet.Balance(addr),
		Pending: s.app.Pending(addr),
		Nonce:   s.app.Nonce(addr),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Helper Functions
// ==============================

// statusFor maps a wager error class to an HTTP status
func statusFor(err error) int {
	switch core.Class(err) {
	case "rejected_input":
		return http.StatusBadRequest
	case "invalid_transition":
		return http.StatusConflict
	case "unauthorized":
		return http.StatusForbidden
	case "not_found":
		return http.StatusNotFound
	case "transfer_failure":
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondErr(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request_failed", zap.String("op", op), zap.Error(err))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   op + " failed",
		Message: err.Error(),
		Class:   core.Class(err),
	})
}

func respondJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}

func pathID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil || id == 0 {
		respondError(w, http.StatusBadRequest, "invalid id", mux.Vars(r)["id"])
		return 0, false
	}
	return id, true
}

func parseAddress(w http.ResponseWriter, raw string) (common.Address, bool) {
	if !common.IsHexAddress(raw) {
		respondError(w, http.StatusBadRequest, "invalid address", raw)
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}
