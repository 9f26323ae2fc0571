package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/mgamer/indexer-v3-sub004/internal/chain"
	"github.com/mgamer/indexer-v3-sub004/internal/domain/event"
	"github.com/mgamer/indexer-v3-sub004/internal/domain/model"
	"github.com/mgamer/indexer-v3-sub004/internal/reconciliation"
)

const maxRequestBodyBytes = 1 << 20 // 1 MB

// maxBackfillSpan bounds one backfill request so a typo cannot enqueue the
// whole chain.
const maxBackfillSpan = 1_000_000

// knownSubKinds is the set of sub-kinds a backfill may be restricted to.
var knownSubKinds = map[event.SubKind]bool{
	event.SubKindERC721Transfer:            true,
	event.SubKindERC721ConsecutiveTransfer: true,
	event.SubKindERC1155TransferSingle:     true,
	event.SubKindERC1155TransferBatch:      true,
	event.SubKindApprovalForAll:            true,
	event.SubKindSeaportOrderCancelled:     true,
	event.SubKindSeaportCounterIncremented: true,
	event.SubKindSudoswapNewERC721Pair:     true,
	event.SubKindSudoswapNFTDeposit:        true,
	event.SubKindSudoswapSwapNFTInPair:     true,
	event.SubKindSudoswapSwapNFTOutPair:    true,
	event.SubKindSudoswapSpotPriceUpdate:   true,
	event.SubKindSudoswapDeltaUpdate:       true,
	event.SubKindSudoswapFeeUpdate:         true,
	event.SubKindSudoswapTokenDeposit:      true,
	event.SubKindSudoswapTokenWithdrawal:   true,
	event.SubKindSudoswapNFTWithdrawal:     true,
}

// Backfiller schedules historical block ranges. Satisfied by
// *pipeline.Pipeline.
type Backfiller interface {
	Backfill(ctx context.Context, from, to int64, opts event.SyncOptions) (int, error)
}

// HealthProvider returns the pipeline health snapshot as JSON-encodable data.
type HealthProvider interface {
	HealthSnapshot() any
}

// ReorgTrigger requests an out-of-schedule reorg scan.
type ReorgTrigger interface {
	CheckNow()
}

// OrderReader loads a stored order by id.
type OrderReader interface {
	Get(ctx context.Context, id string) (*model.Order, error)
}

// BalanceReader loads one ledger balance.
type BalanceReader interface {
	GetBalance(ctx context.Context, key model.BalanceKey) (*model.NFTBalance, error)
}

// Reconciler compares ledger balances with chain state. Satisfied by
// *reconciliation.Service.
type Reconciler interface {
	Reconcile(ctx context.Context, checks []reconciliation.Check, block int64) (*reconciliation.RunResult, error)
}

// Server provides an HTTP-based admin API for operational management.
type Server struct {
	backfiller     Backfiller
	healthProvider HealthProvider
	reorg          ReorgTrigger
	orders         OrderReader
	balances       BalanceReader
	reconciler     Reconciler
	logger         *slog.Logger
}

// NewServer creates an admin API server. Endpoints whose dependency was not
// supplied answer 501.
func NewServer(backfiller Backfiller, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		backfiller: backfiller,
		logger:     logger.With("component", "admin"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServerOption configures optional dependencies for the admin server.
type ServerOption func(*Server)

// WithHealthProvider sets the health provider on the admin server.
func WithHealthProvider(hp HealthProvider) ServerOption {
	return func(s *Server) { s.healthProvider = hp }
}

// WithReorgTrigger sets the reorg detector on the admin server.
func WithReorgTrigger(rt ReorgTrigger) ServerOption {
	return func(s *Server) { s.reorg = rt }
}

// WithOrderReader sets the order repository on the admin server.
func WithOrderReader(r OrderReader) ServerOption {
	return func(s *Server) { s.orders = r }
}

// WithBalanceReader sets the balance repository on the admin server.
func WithBalanceReader(r BalanceReader) ServerOption {
	return func(s *Server) { s.balances = r }
}

// WithReconciler sets the reconciliation service on the admin server.
func WithReconciler(r Reconciler) ServerOption {
	return func(s *Server) { s.reconciler = r }
}

// Handler returns the HTTP handler for the admin API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /admin/v1/health", s.handleHealth)
	mux.HandleFunc("POST /admin/v1/backfill", s.handleBackfill)
	mux.HandleFunc("POST /admin/v1/reorg-check", s.handleReorgCheck)
	mux.HandleFunc("GET /admin/v1/orders/{id}", s.handleGetOrder)
	mux.HandleFunc("GET /admin/v1/balances", s.handleGetBalance)
	mux.HandleFunc("POST /admin/v1/reconcile", s.handleReconcile)
	return mux
}

// writeJSON writes v as JSON with the given HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// decodeJSONBody reads and decodes a JSON request body into v.
// Returns false (and writes an error response) if decoding fails.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, `{"error":"invalid JSON body"}`, http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.healthProvider == nil {
		http.Error(w, `{"error":"health not configured"}`, http.StatusNotImplemented)
		return
	}
	writeJSON(w, http.StatusOK, s.healthProvider.HealthSnapshot())
}

type backfillRequest struct {
	FromBlock  int64    `json:"from_block"`
	ToBlock    int64    `json:"to_block"`
	SubKinds   []string `json:"sub_kinds,omitempty"`
	Address    string   `json:"address,omitempty"`
	SkipOrders bool     `json:"skip_orders,omitempty"`
}

type backfillResponse struct {
	FromBlock int64 `json:"from_block"`
	ToBlock   int64 `json:"to_block"`
	Jobs      int   `json:"jobs"`
}

func (s *Server) handleBackfill(w http.ResponseWriter, r *http.Request) {
	if s.backfiller == nil {
		http.Error(w, `{"error":"backfill not configured"}`, http.StatusNotImplemented)
		return
	}
	var req backfillRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.FromBlock < 0 || req.ToBlock < req.FromBlock {
		http.Error(w, `{"error":"from_block must be >= 0 and <= to_block"}`, http.StatusBadRequest)
		return
	}
	if req.ToBlock-req.FromBlock >= maxBackfillSpan {
		http.Error(w, `{"error":"range too large"}`, http.StatusBadRequest)
		return
	}

	opts := event.SyncOptions{
		Address:    model.NormalizeAddress(req.Address),
		SkipOrders: req.SkipOrders,
	}
	for _, raw := range req.SubKinds {
		sk := event.SubKind(strings.TrimSpace(raw))
		if !knownSubKinds[sk] {
			http.Error(w, `{"error":"unknown sub kind"}`, http.StatusBadRequest)
			return
		}
		opts.SubKinds = append(opts.SubKinds, sk)
	}

	jobs, err := s.backfiller.Backfill(r.Context(), req.FromBlock, req.ToBlock, opts)
	if err != nil {
		s.logger.Error("schedule backfill failed", "from", req.FromBlock, "to", req.ToBlock, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	s.logger.Info("backfill scheduled", "from", req.FromBlock, "to", req.ToBlock, "jobs", jobs)
	writeJSON(w, http.StatusAccepted, backfillResponse{FromBlock: req.FromBlock, ToBlock: req.ToBlock, Jobs: jobs})
}

func (s *Server) handleReorgCheck(w http.ResponseWriter, _ *http.Request) {
	if s.reorg == nil {
		http.Error(w, `{"error":"reorg detector not configured"}`, http.StatusNotImplemented)
		return
	}
	s.reorg.CheckNow()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	if s.orders == nil {
		http.Error(w, `{"error":"orders not configured"}`, http.StatusNotImplemented)
		return
	}
	id := strings.ToLower(strings.TrimSpace(r.PathValue("id")))
	if id == "" {
		http.Error(w, `{"error":"order id required"}`, http.StatusBadRequest)
		return
	}
	order, err := s.orders.Get(r.Context(), id)
	if err != nil {
		s.logger.Error("get order failed", "id", id, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if order == nil {
		http.Error(w, `{"error":"order not found"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

type balanceResponse struct {
	Contract string `json:"contract"`
	TokenID  string `json:"token_id"`
	Owner    string `json:"owner"`
	Amount   string `json:"amount"`
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	if s.balances == nil {
		http.Error(w, `{"error":"balances not configured"}`, http.StatusNotImplemented)
		return
	}
	q := r.URL.Query()
	key := model.BalanceKey{
		Contract: model.NormalizeAddress(q.Get("contract")),
		TokenID:  strings.TrimSpace(q.Get("token_id")),
		Owner:    model.NormalizeAddress(q.Get("owner")),
	}
	if key.Contract == "" || key.TokenID == "" || key.Owner == "" {
		http.Error(w, `{"error":"contract, token_id and owner query params required"}`, http.StatusBadRequest)
		return
	}
	bal, err := s.balances.GetBalance(r.Context(), key)
	if err != nil {
		s.logger.Error("get balance failed", "contract", key.Contract, "token_id", key.TokenID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	resp := balanceResponse{Contract: key.Contract, TokenID: key.TokenID, Owner: key.Owner, Amount: "0"}
	if bal != nil {
		resp.Amount = bal.Amount
	}
	writeJSON(w, http.StatusOK, resp)
}

type reconcileRequest struct {
	// Block pins the contract calls; omitted or -1 reads the head.
	Block  *int64                 `json:"block,omitempty"`
	Checks []reconciliation.Check `json:"checks"`
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if s.reconciler == nil {
		http.Error(w, `{"error":"reconciliation not configured"}`, http.StatusNotImplemented)
		return
	}
	var req reconcileRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if len(req.Checks) == 0 {
		http.Error(w, `{"error":"checks required"}`, http.StatusBadRequest)
		return
	}
	block := chain.BlockLatest
	if req.Block != nil {
		if *req.Block < chain.BlockLatest {
			http.Error(w, `{"error":"block must be >= -1"}`, http.StatusBadRequest)
			return
		}
		block = *req.Block
	}

	run, err := s.reconciler.Reconcile(r.Context(), req.Checks, block)
	switch {
	case errors.Is(err, reconciliation.ErrTooManyChecks), errors.Is(err, reconciliation.ErrInvalidCheck):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	case err != nil:
		s.logger.Error("reconciliation failed", "checks", len(req.Checks), "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, run)
}
