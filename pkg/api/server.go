// Package api exposes the node's REST and websocket surface: book
// snapshots, order placement/cancellation, lock status, and subscription
// fan-out of book updates. The core never performs network I/O itself; this
// package subscribes to the store like any other notifier.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/openclob/meshbook/pkg/auction"
	"github.com/openclob/meshbook/pkg/book"
	"github.com/openclob/meshbook/pkg/decimal"
	"github.com/openclob/meshbook/pkg/ledger"
)

// Server handles REST and websocket connections.
type Server struct {
	store  *book.Store
	locks  *auction.Locks
	client ledger.Client
	router *mux.Router
	hub    *Hub
	log    *zap.SugaredLogger

	origins []string
}

func NewServer(store *book.Store, locks *auction.Locks, client ledger.Client, origins []string, log *zap.SugaredLogger) *Server {
	s := &Server{
		store:   store,
		locks:   locks,
		client:  client,
		router:  mux.NewRouter(),
		hub:     NewHub(log),
		log:     log,
		origins: origins,
	}
	store.Subscribe(s.hub)
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/contracts", s.handleContracts).Methods("GET")
	api.HandleFunc("/contracts/{contract}/market", s.handleMarket).Methods("GET")
	api.HandleFunc("/contracts/{contract}/nostro", s.handleNostro).Methods("GET")
	api.HandleFunc("/contracts/{contract}/lock", s.handleLock).Methods("GET")

	api.HandleFunc("/orders", s.handleAddOrder).Methods("POST")
	api.HandleFunc("/orders/cancel", s.handleCancelOrder).Methods("POST")

	api.HandleFunc("/status", s.handleStatus).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Start blocks serving HTTP until the listener fails.
func (s *Server) Start(addr string) error {
	go s.hub.Run()

	c := cors.New(cors.Options{
		AllowedOrigins:   s.origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: true,
	})

	s.log.Infow("api_listening", "addr", addr)
	return http.ListenAndServe(addr, c.Handler(s.router))
}

func (s *Server) handleContracts(w http.ResponseWriter, r *http.Request) {
	contracts := s.store.Contracts()
	out := make([]string, len(contracts))
	for i, c := range contracts {
		out[i] = string(c)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleMarket(w http.ResponseWriter, r *http.Request) {
	c := book.Contract(mux.Vars(r)["contract"])
	view, err := s.store.Market(c)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := BookResponse{Contract: string(c), Channel: "market"}
	for _, lvl := range view.Buy {
		resp.Buy = append(resp.Buy, BookEntry{Price: lvl.Price.String(), Amount: lvl.Amount.String()})
	}
	for _, lvl := range view.Sell {
		resp.Sell = append(resp.Sell, BookEntry{Price: lvl.Price.String(), Amount: lvl.Amount.String()})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleNostro(w http.ResponseWriter, r *http.Request) {
	c := book.Contract(mux.Vars(r)["contract"])
	view, err := s.store.Nostro(c)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := BookResponse{Contract: string(c), Channel: "nostro"}
	for _, e := range view.Buy {
		resp.Buy = append(resp.Buy, BookEntry{ID: e.ID, Price: e.Price.String(), Amount: e.Amount.String()})
	}
	for _, e := range view.Sell {
		resp.Sell = append(resp.Sell, BookEntry{ID: e.ID, Price: e.Price.String(), Amount: e.Amount.String()})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request) {
	c := book.Contract(mux.Vars(r)["contract"])
	if _, err := s.store.Market(c); err != nil {
		writeError(w, err)
		return
	}
	lock := s.locks.Status(c)
	writeJSON(w, http.StatusOK, LockResponse{
		Contract: string(c),
		State:    string(lock.State),
		Height:   lock.Height,
	})
}

func (s *Server) handleAddOrder(w http.ResponseWriter, r *http.Request) {
	req, price, amount, ok := s.decodeOrder(w, r)
	if !ok {
		return
	}
	err := s.store.AddLocalOrder(r.Context(), book.Contract(req.Contract), book.Side(req.Side), req.ID, price, amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "ok"})
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	req, price, amount, ok := s.decodeOrder(w, r)
	if !ok {
		return
	}
	err := s.store.DeleteLocalOrder(r.Context(), book.Contract(req.Contract), book.Side(req.Side), req.ID, price, amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "ok"})
}

func (s *Server) decodeOrder(w http.ResponseWriter, r *http.Request) (OrderRequest, decimal.D, decimal.D, bool) {
	var req OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return req, decimal.Zero, decimal.Zero, false
	}
	price, err := decimal.Parse(req.Price)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return req, decimal.Zero, decimal.Zero, false
	}
	amount, err := decimal.Parse(req.Amount)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return req, decimal.Zero, decimal.Zero, false
	}
	return req, price, amount, true
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	height, err := s.client.Height(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}
	contracts := s.store.Contracts()
	out := make([]string, len(contracts))
	for i, c := range contracts {
		out[i] = string(c)
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		Identity:  s.store.Self().Hex(),
		Height:    height,
		Contracts: out,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, book.ErrInvalidContract):
		status = http.StatusBadRequest
	case errors.Is(err, ledger.ErrUnavailable):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
