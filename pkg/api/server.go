package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/xchange/pkg/app/core"
	"github.com/uhyunpark/xchange/pkg/app/exchange"
)

const (
	maxBodyBytes = 1 << 20
	ChannelFills = "fills"
)

// Exchange is what the API serves
type Exchange interface {
	Submit(ctx context.Context, raw []byte) (bool, error)
	ReceivingAddress(network string) (string, error)
	OrderBook(ctx context.Context) ([]*core.Order, error)
	Settlements(ctx context.Context) ([]*core.Settlement, error)
	Rejections(ctx context.Context) ([]*core.RejectedSubmission, error)
	CancelOrder(ctx context.Context, req *core.CancelRequest) (*core.Order, error)
	OnFill(func(exchange.Fill))
}

// Server handles REST API and WebSocket connections
type Server struct {
	ex     Exchange
	router *mux.Router
	hub    *Hub
	logger *zap.SugaredLogger
}

// NewServer creates a new API server and subscribes the websocket feed to
// fills
func NewServer(ex Exchange, logger *zap.SugaredLogger) *Server {
	s := &Server{
		ex:     ex,
		router: mux.NewRouter(),
		hub:    NewHub(logger),
		logger: logger,
	}
	s.setupRoutes()
	ex.OnFill(s.broadcastFill)
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/trade", s.handleTrade).Methods("POST")
	s.router.HandleFunc("/address", s.handleAddress).Methods("POST")
	s.router.HandleFunc("/order_book", s.handleOrderBook).Methods("GET")
	s.router.HandleFunc("/cancel", s.handleCancel).Methods("POST")

	s.router.HandleFunc("/settlements", s.handleSettlements).Methods("GET")
	s.router.HandleFunc("/rejections", s.handleRejections).Methods("GET")

	// WebSocket endpoint
	s.router.HandleFunc("/ws", s.handleWebSocket)

	// Health check
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the router wrapped with CORS
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	})
	return c.Handler(s.router)
}

// Start serves on addr until ctx is cancelled
func (s *Server) Start(ctx context.Context, addr string) error {
	go s.hub.Run(ctx)

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.logger.Infow("api_server_starting", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleTrade(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid body", err.Error())
		return
	}
	ok, err := s.ex.Submit(r.Context(), body)
	if err != nil {
		s.logger.Errorw("trade_failed", "err", err)
		respondError(w, http.StatusInternalServerError, "order not recorded", "resubmit later")
		return
	}
	respondJSON(w, ok)
}

func (s *Server) handleAddress(w http.ResponseWriter, r *http.Request) {
	var req AddressRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	addr, err := s.ex.ReceivingAddress(req.Platform)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid platform", err.Error())
		return
	}
	respondJSON(w, addr)
}

func (s *Server) handleOrderBook(w http.ResponseWriter, r *http.Request) {
	orders, err := s.ex.OrderBook(r.Context())
	if err != nil {
		s.internalError(w, "order_book_failed", err)
		return
	}
	if orders == nil {
		orders = []*core.Order{}
	}
	respondJSON(w, DataResponse{Data: orders})
}

func (s *Server) handleSettlements(w http.ResponseWriter, r *http.Request) {
	sts, err := s.ex.Settlements(r.Context())
	if err != nil {
		s.internalError(w, "settlements_failed", err)
		return
	}
	if sts == nil {
		sts = []*core.Settlement{}
	}
	respondJSON(w, DataResponse{Data: sts})
}

func (s *Server) handleRejections(w http.ResponseWriter, r *http.Request) {
	rs, err := s.ex.Rejections(r.Context())
	if err != nil {
		s.internalError(w, "rejections_failed", err)
		return
	}
	if rs == nil {
		rs = []*core.RejectedSubmission{}
	}
	respondJSON(w, DataResponse{Data: rs})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req core.CancelRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	o, err := s.ex.CancelOrder(r.Context(), &req)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			s.internalError(w, "cancel_failed", err)
			return
		}
		respondError(w, status, "cancel rejected", err.Error())
		return
	}
	respondJSON(w, o)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Broadcast Methods
// ==============================

func (s *Server) broadcastFill(f exchange.Fill) {
	s.hub.BroadcastToChannel(ChannelFills, FillUpdate{
		Type:      "fill",
		Fill:      f,
		Timestamp: time.Now().UnixMilli(),
	})
}

// ==============================
// Helper Functions
// ==============================

// statusFor maps an error kind to an HTTP status
func statusFor(err error) int {
	switch core.KindOf(err) {
	case core.KindValidation:
		return http.StatusBadRequest
	case core.KindAuthentication:
		return http.StatusUnauthorized
	}
	return http.StatusInternalServerError
}

func (s *Server) internalError(w http.ResponseWriter, event string, err error) {
	s.logger.Errorw(event, "err", err)
	respondError(w, http.StatusInternalServerError, "internal error", "")
}

func respondJSON(w http.ResponseWriter, data interface{}) {
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
