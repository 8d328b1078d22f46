package rpc

import (
	"crypto/subtle"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"escrowd/core"
	"escrowd/observability/metrics"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB

	rateLimitPerSecond = 20
	rateLimitBurst     = 40
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeUnauthorized   = -32001
	codeServerError    = -32000
	codeRateLimited    = -32020

	codeEscrowInvalidParams = -32021
	codeEscrowNotFound      = -32022
	codeEscrowForbidden     = -32023
	codeEscrowConflict      = -32024
	codeEscrowSettlement    = -32025
)

// Server exposes the escrow registry as a JSON-RPC 2.0 endpoint with a
// websocket event stream, health and metrics routes.
type Server struct {
	node      *core.Node
	authToken string

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewServer builds a server for the node. The bearer token guarding mutating
// methods is read from ESCROWD_RPC_TOKEN; when unset, mutating methods are
// open (dev deployments only).
func NewServer(node *core.Node) *Server {
	token := strings.TrimSpace(os.Getenv("ESCROWD_RPC_TOKEN"))
	return &Server{
		node:      node,
		authToken: token,
		limiters:  make(map[string]*rate.Limiter),
	}
}

// Handler returns the HTTP routing surface.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws/events", s.handleEventsWS)
	r.Post("/", s.handle)
	return r
}

// Start serves the handler, wrapped for trace propagation, on addr.
func (s *Server) Start(addr string) error {
	return http.ListenAndServe(addr, otelhttp.NewHandler(s.Handler(), "rpc"))
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      int               `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	clientIP := clientAddr(r)
	if !s.allow(clientIP) {
		writeError(w, http.StatusTooManyRequests, nil, codeRateLimited, "rate_limited", nil)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	var req RPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "parse_error", err.Error())
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "invalid_request", "method required")
		return
	}

	outcome := "ok"
	defer func() { metrics.OperationObserved(req.Method, outcome) }()

	switch req.Method {
	case "escrow_create":
		outcome = s.handleEscrowCreate(w, r, &req)
	case "escrow_deposit":
		outcome = s.handleEscrowDeposit(w, r, &req)
	case "escrow_confirmDelivery":
		outcome = s.handleEscrowConfirmDelivery(w, r, &req)
	case "escrow_raiseDispute":
		outcome = s.handleEscrowRaiseDispute(w, r, &req)
	case "escrow_resolveDispute":
		outcome = s.handleEscrowResolveDispute(w, r, &req)
	case "escrow_get":
		outcome = s.handleEscrowGet(w, r, &req)
	case "escrow_count":
		outcome = s.handleEscrowCount(w, r, &req)
	case "escrow_listByParticipant":
		outcome = s.handleEscrowListByParticipant(w, r, &req)
	case "escrow_vaultBalance":
		outcome = s.handleEscrowVaultBalance(w, r, &req)
	case "fees_setRate":
		outcome = s.handleFeesSetRate(w, r, &req)
	case "fees_getRate":
		outcome = s.handleFeesGetRate(w, r, &req)
	case "bank_balance":
		outcome = s.handleBankBalance(w, r, &req)
	case "bank_mint":
		outcome = s.handleBankMint(w, r, &req)
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, "method_not_found", req.Method)
		outcome = "error"
	}
}

type authError struct {
	Code    int
	Message string
	Data    interface{}
}

// requireAuth enforces the bearer token on mutating methods when a token is
// configured.
func (s *Server) requireAuth(r *http.Request) *authError {
	if s.authToken == "" {
		return nil
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return &authError{Code: codeUnauthorized, Message: "unauthorized", Data: "missing bearer token"}
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
		return &authError{Code: codeUnauthorized, Message: "unauthorized", Data: "invalid bearer token"}
	}
	return nil
}

func (s *Server) allow(clientIP string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	limiter, ok := s.limiters[clientIP]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(rateLimitPerSecond), rateLimitBurst)
		s.limiters[clientIP] = limiter
	}
	return limiter.Allow()
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
