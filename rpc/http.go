package rpc

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wheval/Vaultix/core/events"
	"github.com/wheval/Vaultix/core/state"
	"github.com/wheval/Vaultix/native/escrow"
	"github.com/wheval/Vaultix/observability"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000

	codeEscrowNotFound      = -32030
	codeEscrowExists        = -32031
	codeEscrowUnauthorized  = -32032
	codeEscrowNotActive     = -32033
	codeMilestoneNotFound   = -32034
	codeMilestoneReleased   = -32035
	codeInvalidAmount       = -32036
	codeTooManyMilestones   = -32037
	codeSelfDealing         = -32038
	codeInsufficientBalance = -32039
)

// Server exposes the escrow engine over JSON-RPC 2.0.
type Server struct {
	engine      *escrow.Engine
	state       *state.Manager
	emitter     *events.MemoryEmitter
	authToken   string
	networkName string
	metrics     *observability.RPCMetrics
	logger      *slog.Logger
}

// ServerOptions carries the optional knobs for NewServer.
type ServerOptions struct {
	// AuthToken, when non-empty, is required as a bearer token on every
	// mutating method.
	AuthToken string
	// NetworkName is mixed into signature digests so signed requests cannot
	// be replayed across deployments.
	NetworkName string
	Logger      *slog.Logger
}

// NewServer wires the RPC surface to the engine and its collaborators.
func NewServer(engine *escrow.Engine, st *state.Manager, emitter *events.MemoryEmitter, opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	networkName := strings.TrimSpace(opts.NetworkName)
	if networkName == "" {
		networkName = "vaultix-local"
	}
	return &Server{
		engine:      engine,
		state:       st,
		emitter:     emitter,
		authToken:   strings.TrimSpace(opts.AuthToken),
		networkName: networkName,
		metrics:     observability.Metrics(),
		logger:      logger,
	}
}

// Handler returns the HTTP mux serving the RPC endpoint alongside health and
// metrics probes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Start blocks serving the RPC endpoint on the supplied address.
func (s *Server) Start(addr string) error {
	s.logger.Info("starting JSON-RPC server", slog.String("addr", addr))
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return server.ListenAndServe()
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      interface{}       `json:"id"`
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

func errInvalidParams(data interface{}) *RPCError {
	return &RPCError{Code: codeInvalidParams, Message: "invalid_params", Data: data}
}

func writeError(w http.ResponseWriter, status int, id interface{}, rpcErr *RPCError) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: rpcErr}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

type rpcHandler func(req *RPCRequest) (interface{}, *RPCError)

func (s *Server) dispatch(method string) (rpcHandler, bool, bool) {
	switch method {
	case "escrow_create":
		return s.handleEscrowCreate, true, true
	case "escrow_release":
		return s.handleEscrowRelease, true, true
	case "escrow_confirm":
		return s.handleEscrowConfirm, true, true
	case "escrow_cancel":
		return s.handleEscrowCancel, true, true
	case "escrow_complete":
		return s.handleEscrowComplete, true, true
	case "escrow_get":
		return s.handleEscrowGet, false, true
	case "escrow_listEvents":
		return s.handleEscrowListEvents, false, true
	case "bank_getBalance":
		return s.handleGetBalance, false, true
	default:
		return nil, false, false
	}
}

func (s *Server) requireAuth(r *http.Request) *RPCError {
	if s.authToken == "" {
		return nil
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return &RPCError{Code: codeUnauthorized, Message: "unauthorized", Data: "missing bearer token"}
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
		return &RPCError{Code: codeUnauthorized, Message: "unauthorized", Data: "invalid bearer token"}
	}
	return nil
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, nil, &RPCError{Code: codeInvalidRequest, Message: "POST required"})
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, nil, &RPCError{Code: codeParseError, Message: "failed to read request body"})
		return
	}
	if len(body) > maxRequestBytes {
		writeError(w, http.StatusRequestEntityTooLarge, nil, &RPCError{Code: codeInvalidRequest, Message: "request body too large"})
		return
	}
	var req RPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, nil, &RPCError{Code: codeParseError, Message: "invalid JSON"})
		return
	}
	handler, mutating, ok := s.dispatch(req.Method)
	if !ok {
		writeError(w, http.StatusNotFound, req.ID, &RPCError{Code: codeMethodNotFound, Message: fmt.Sprintf("method %q not found", req.Method)})
		return
	}
	if mutating {
		if authErr := s.requireAuth(r); authErr != nil {
			writeError(w, http.StatusUnauthorized, req.ID, authErr)
			return
		}
	}
	start := time.Now()
	result, rpcErr := handler(&req)
	if rpcErr != nil {
		s.metrics.ObserveError(req.Method, fmt.Sprintf("%d", rpcErr.Code), start)
		s.logger.Warn("rpc call failed",
			slog.String("method", req.Method),
			slog.Int("code", rpcErr.Code),
			slog.String("message", rpcErr.Message),
		)
		writeError(w, httpStatusFor(rpcErr.Code), req.ID, rpcErr)
		return
	}
	s.metrics.ObserveSuccess(req.Method, start)
	writeResult(w, req.ID, result)
}

func httpStatusFor(code int) int {
	switch code {
	case codeUnauthorized, codeEscrowUnauthorized:
		return http.StatusUnauthorized
	case codeEscrowNotFound, codeMilestoneNotFound:
		return http.StatusNotFound
	case codeServerError:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}
