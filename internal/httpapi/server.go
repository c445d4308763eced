// Package httpapi exposes the bridge over HTTP: burn-proof issuance for the
// game client, balance and request status queries, a webhook for chain
// events, health and metrics.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/bridgekeeper/internal/bridge"
	"github.com/roach88/bridgekeeper/internal/bridgeerr"
	"github.com/roach88/bridgekeeper/internal/chain"
	"github.com/roach88/bridgekeeper/internal/ledger"
	"github.com/roach88/bridgekeeper/internal/metrics"
	"github.com/roach88/bridgekeeper/internal/store"
)

// DefaultRequestTimeout bounds each handler when no timeout is configured.
const DefaultRequestTimeout = 10 * time.Second

// maxBodyBytes caps request bodies.
const maxBodyBytes = 64 << 10

// Server routes HTTP requests to the authority, ledger and consumer.
type Server struct {
	authority *bridge.Authority
	store     *store.Store
	events    chain.Sink
	identity  func() (string, error)
	gatherer  prometheus.Gatherer
	now       func() time.Time
	timeout   time.Duration
	logger    *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithEventSink accepts chain events on POST /api/chain/events. Without it
// the route answers 503.
func WithEventSink(sink chain.Sink) Option {
	return func(s *Server) {
		s.events = sink
	}
}

// WithIdentity reports the authority address on /health.
func WithIdentity(identity func() (string, error)) Option {
	return func(s *Server) {
		s.identity = identity
	}
}

// WithGatherer serves g on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// WithClock overrides the clock used for /health timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// WithRequestTimeout overrides DefaultRequestTimeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithLogger overrides slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// New creates a Server.
func New(authority *bridge.Authority, st *store.Store, opts ...Option) *Server {
	s := &Server{
		authority: authority,
		store:     st,
		now:       time.Now,
		timeout:   DefaultRequestTimeout,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.health)
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(s.gatherer))
	}

	r.Route("/api", func(api chi.Router) {
		api.Use(middleware.Timeout(s.timeout))
		api.Post("/burn-proof", s.burnProof)
		api.Get("/burn-proof/{request_id}", s.burnProofStatus)
		api.Get("/player-balance", s.playerBalance)
		api.Post("/chain/events", s.chainEvent)
		api.Post("/chain/logs", s.chainLogs)
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(started),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":    "ok",
		"timestamp": s.now().UTC().Format(time.RFC3339Nano),
	}
	if s.identity != nil {
		if addr, err := s.identity(); err == nil {
			resp["burn_proof_authority"] = addr
		} else {
			resp["status"] = "degraded"
			resp["burn_proof_authority"] = nil
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type burnProofRequest struct {
	PlayerWallet string `json:"player_wallet"`
	ElementID    string `json:"element_id"`
	Amount       int64  `json:"amount"`
	RequestID    string `json:"request_id,omitempty"`
}

type burnProofResponse struct {
	Signature []int  `json:"signature"`
	Timestamp int64  `json:"timestamp"`
	RequestID string `json:"request_id"`
	Replayed  bool   `json:"replayed"`
	Success   bool   `json:"success"`
	Message   string `json:"message"`
}

func (s *Server) burnProof(w http.ResponseWriter, r *http.Request) {
	var req burnProofRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_JSON", err.Error())
		return
	}
	if req.PlayerWallet == "" || req.ElementID == "" || req.Amount == 0 {
		writeError(w, http.StatusBadRequest, "MISSING_FIELDS",
			"Missing required fields: player_wallet, element_id, amount")
		return
	}

	res, err := s.authority.RequestBridgeOut(r.Context(), bridge.Request{
		Holder:    req.PlayerWallet,
		Asset:     req.ElementID,
		Amount:    req.Amount,
		RequestID: req.RequestID,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, burnProofResponse{
		Signature: byteValues(res.Signature),
		Timestamp: res.Timestamp,
		RequestID: res.RequestID,
		Replayed:  res.Replayed,
		Success:   true,
		Message:   fmt.Sprintf("Burn proof generated for %d %s", req.Amount, req.ElementID),
	})
}

type requestStatusResponse struct {
	RequestID    string `json:"request_id"`
	PlayerWallet string `json:"player_wallet"`
	ElementID    string `json:"element_id"`
	Amount       int64  `json:"amount"`
	Status       string `json:"status"`
	Signature    []int  `json:"signature,omitempty"`
	Timestamp    int64  `json:"timestamp,omitempty"`
}

func (s *Server) burnProofStatus(w http.ResponseWriter, r *http.Request) {
	req, err := s.authority.RequestStatus(r.Context(), chi.URLParam(r, "request_id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, requestStatusResponse{
		RequestID:    req.ID,
		PlayerWallet: req.Holder,
		ElementID:    req.Asset,
		Amount:       req.Amount,
		Status:       string(req.Status),
		Signature:    byteValues(req.Signature),
		Timestamp:    req.IssuedAt,
	})
}

func (s *Server) playerBalance(w http.ResponseWriter, r *http.Request) {
	playerID := strings.TrimSpace(r.URL.Query().Get("player_id"))
	if playerID == "" {
		writeError(w, http.StatusBadRequest, "MISSING_FIELDS", "Missing required parameter: player_id")
		return
	}

	balances, err := ledger.New(s.store.DB()).Balances(r.Context(), playerID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	out := make(map[string]int64, len(balances))
	for _, b := range balances {
		out[b.Asset] = b.Amount
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"player_id": playerID,
		"balances":  out,
	})
}

func (s *Server) chainEvent(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusServiceUnavailable, "LISTENER_DISABLED", "event listener is not running")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_JSON", err.Error())
		return
	}
	n, err := chain.DecodeNotification(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_NOTIFICATION", err.Error())
		return
	}
	if !s.events(n) {
		writeError(w, http.StatusServiceUnavailable, "LISTENER_STOPPED", "event listener is shutting down")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"accepted":  true,
		"reference": n.Reference,
	})
}

type chainLogsRequest struct {
	Signature string   `json:"signature"`
	Slot      uint64   `json:"slot"`
	Logs      []string `json:"logs"`
}

// chainLogs accepts a confirmed transaction's program logs and enqueues
// every BridgedToIngame event found in them.
func (s *Server) chainLogs(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusServiceUnavailable, "LISTENER_DISABLED", "event listener is not running")
		return
	}

	var req chainLogsRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_JSON", err.Error())
		return
	}
	if req.Signature == "" {
		writeError(w, http.StatusBadRequest, "MISSING_FIELDS", "Missing required field: signature")
		return
	}
	events, err := chain.ParseProgramLogs(req.Signature, req.Slot, req.Logs)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_NOTIFICATION", err.Error())
		return
	}

	refs := make([]string, 0, len(events))
	for _, n := range events {
		if !s.events(n) {
			writeError(w, http.StatusServiceUnavailable, "LISTENER_STOPPED", "event listener is shutting down")
			return
		}
		refs = append(refs, n.Reference)
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"accepted":   len(refs),
		"references": refs,
	})
}

func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusOf(err)
	code := string(bridgeerr.CodeOf(err))
	if code == "" {
		code = "INTERNAL"
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err,
		)
	}
	writeError(w, status, code, err.Error())
}

// StatusOf maps a domain error onto an HTTP status.
func StatusOf(err error) int {
	switch bridgeerr.CodeOf(err) {
	case bridgeerr.CodeInvalidAmount, bridgeerr.CodeEncodingError:
		return http.StatusBadRequest
	case bridgeerr.CodeNotFound:
		return http.StatusNotFound
	case bridgeerr.CodeInsufficientBalance, bridgeerr.CodeRequestMismatch, bridgeerr.CodeRequestInFlight:
		return http.StatusConflict
	case bridgeerr.CodeStorageUnavailable, bridgeerr.CodeNotInitialized:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("unexpected data after JSON body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error":   message,
		"code":    code,
		"success": false,
	})
}

func byteValues(b []byte) []int {
	if b == nil {
		return nil
	}
	out := make([]int, len(b))
	for i, v := range b {
		out[i] = int(v)
	}
	return out
}
