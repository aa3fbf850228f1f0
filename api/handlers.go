/*
handlers.go - HTTP handlers for the broker endpoints

PURPOSE:
  Implements the REST surface. Handlers follow a consistent pattern:
  1. Pull credentials from headers
  2. Parse and validate the body
  3. Call the domain service
  4. Map the result or error onto the wire

ERROR HANDLING:
  Domain errors map onto status codes:
  - 400: missing/malformed header or body field
  - 401: unknown credential
  - 402: insufficient balance (the only business-failure status)
  - 403: admin key mismatch, or challenging someone else's purchase
  - 404: unknown seller / unknown settlement
  - 500: store or configuration failure (always retry-safe)

  Failed verifications are NOT errors: they return 200 with
  valid:false and a specific code, so a retried redemption of an
  already-settled token stays on the happy transport path.

SEE ALSO:
  - dto.go: Request/response shapes
  - server.go: Router and middleware
  - broker: The services these handlers delegate to
*/
package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/nexus/bridge/broker"
)

// Version identifies the broker build on the health endpoint.
const Version = "bridge_v2"

// Request headers.
const (
	headerAPIKey         = "x-api-key"
	headerIdempotencyKey = "x-idempotency-key"
	headerSellerAPIKey   = "x-seller-api-key"
	headerAdminKey       = "x-admin-key"
)

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Mint      *broker.MintService
	Settle    *broker.SettleService
	Sweeper   *broker.Sweeper
	Challenge *broker.ChallengeService
	Store     broker.Store

	AdminKey string // empty disables all admin endpoints with a 500

	log zerolog.Logger
}

// NewHandler wires the handler with all broker services sharing the
// given store, resolver, and clock.
func NewHandler(store broker.Store, clock broker.Clock, cfg broker.SettleConfig, adminKey string, log zerolog.Logger) *Handler {
	resolver := broker.NewResolver(store)
	return &Handler{
		Mint:      broker.NewMintService(store, resolver, clock, log),
		Settle:    broker.NewSettleService(store, resolver, clock, cfg, log),
		Sweeper:   broker.NewSweeper(store, clock, log),
		Challenge: broker.NewChallengeService(store, resolver, clock, log),
		Store:     store,
		AdminKey:  adminKey,
		log:       log,
	}
}

// =============================================================================
// PUBLIC ENDPOINTS
// =============================================================================

// Status reports liveness.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		Status:  "online",
		Message: "Nexus Bridge is active",
		Version: Version,
	})
}

// RequestAccess mints a single-use access token for the buyer.
func (h *Handler) RequestAccess(w http.ResponseWriter, r *http.Request) {
	apiKey := r.Header.Get(headerAPIKey)
	if apiKey == "" {
		h.writeError(w, r, http.StatusBadRequest, "Missing x-api-key header")
		return
	}
	idemKey := r.Header.Get(headerIdempotencyKey)
	if idemKey == "" {
		h.writeError(w, r, http.StatusBadRequest, "Missing x-idempotency-key header")
		return
	}

	var req RequestAccessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.SellerID == "" {
		h.writeError(w, r, http.StatusBadRequest, "seller_id is required")
		return
	}

	resp, err := h.Mint.RequestAccess(r.Context(), broker.MintRequest{
		APIKey:         apiKey,
		SellerID:       broker.PrincipalID(req.SellerID),
		IdempotencyKey: idemKey,
		TTL:            time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, RequestAccessResponse{AuthToken: string(resp.TokenID)})
}

// Verify settles a token for the claimant seller.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	sellerKey := r.Header.Get(headerSellerAPIKey)
	if sellerKey == "" {
		h.writeError(w, r, http.StatusBadRequest, "Missing x-seller-api-key header")
		return
	}
	tokenID := chi.URLParam(r, "token")

	resp, err := h.Settle.Verify(r.Context(), broker.VerifyRequest{
		SellerAPIKey: sellerKey,
		TokenID:      broker.TokenID(tokenID),
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	if resp.Valid {
		writeJSON(w, http.StatusOK, VerifyResponse{Valid: true, BuyerID: string(resp.BuyerID)})
		return
	}
	writeJSON(w, http.StatusOK, VerifyResponse{Valid: false, Error: string(resp.Code)})
}

// OpenChallenge files a buyer dispute against a settled transaction.
func (h *Handler) OpenChallenge(w http.ResponseWriter, r *http.Request) {
	apiKey := r.Header.Get(headerAPIKey)
	if apiKey == "" {
		h.writeError(w, r, http.StatusBadRequest, "Missing x-api-key header")
		return
	}

	var req ChallengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Token == "" {
		h.writeError(w, r, http.StatusBadRequest, "token is required")
		return
	}

	stake, err := h.Challenge.Open(r.Context(), broker.ChallengeOpenRequest{
		APIKey:  apiKey,
		TokenID: broker.TokenID(req.Token),
		Reason:  req.Reason,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, ChallengeResponse{Status: "challenge_opened", Stake: int64(stake)})
}

// =============================================================================
// ADMIN ENDPOINTS
// =============================================================================

// SweepExpired reclaims expired unredeemed tokens.
func (h *Handler) SweepExpired(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}

	var req SweepRequest
	if r.Body != nil {
		// Body is optional; a decode failure just means defaults.
		json.NewDecoder(r.Body).Decode(&req) //nolint:errcheck
	}
	if req.TriggeredBy == "" {
		req.TriggeredBy = "api"
	}

	swept, err := h.Sweeper.SweepExpired(r.Context(), req.Limit, req.TriggeredBy)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, SweepResponse{Status: "ok", Swept: swept})
}

// ResolveChallenge rules on a pending challenge.
func (h *Handler) ResolveChallenge(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}

	var req ResolveChallengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Token == "" {
		h.writeError(w, r, http.StatusBadRequest, "token is required")
		return
	}

	err := h.Challenge.Resolve(r.Context(), broker.ChallengeResolveRequest{
		TokenID: broker.TokenID(req.Token),
		Outcome: broker.ChallengeOutcome(req.Outcome),
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, ResolveChallengeResponse{Status: "resolved", Outcome: req.Outcome})
}

// Invariants reports consistent per-principal snapshots.
func (h *Handler) Invariants(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}

	var resp InvariantsResponse
	if buyerID := r.URL.Query().Get("buyer_id"); buyerID != "" {
		snap, err := h.Store.Snapshot(r.Context(), broker.PrincipalID(buyerID))
		if err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		resp.Buyer = snapshotDTO(snap)
	}
	if sellerID := r.URL.Query().Get("seller_id"); sellerID != "" {
		snap, err := h.Store.Snapshot(r.Context(), broker.PrincipalID(sellerID))
		if err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		resp.Seller = snapshotDTO(snap)
	}

	writeJSON(w, http.StatusOK, resp)
}

// requireAdmin authenticates the admin header in constant time.
func (h *Handler) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	presented := r.Header.Get(headerAdminKey)
	if presented == "" {
		h.writeError(w, r, http.StatusBadRequest, "Missing x-admin-key header")
		return false
	}
	if h.AdminKey == "" {
		h.log.Error().Str("path", r.URL.Path).Msg("ADMIN_KEY not configured")
		h.writeError(w, r, http.StatusInternalServerError, "ADMIN_KEY not set on server")
		return false
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(h.AdminKey)) != 1 {
		h.writeError(w, r, http.StatusForbidden, "Forbidden")
		return false
	}
	return true
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg, RequestID: middleware.GetReqID(r.Context())})
}

// writeDomainError maps broker errors onto status codes. Store
// failures are logged with the correlation id and summarized to the
// caller; everything else is reported verbatim.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, broker.ErrUnauthenticated):
		h.writeError(w, r, http.StatusUnauthorized, "Invalid API Key")
	case errors.Is(err, broker.ErrMissingIdempotencyKey):
		h.writeError(w, r, http.StatusBadRequest, "Missing idempotency key")
	case errors.Is(err, broker.ErrInsufficientFunds):
		h.writeError(w, r, http.StatusPaymentRequired, "Insufficient Balance")
	case errors.Is(err, broker.ErrForbidden):
		h.writeError(w, r, http.StatusForbidden, "Forbidden")
	case errors.Is(err, broker.ErrPrincipalNotFound):
		h.writeError(w, r, http.StatusNotFound, "Unknown principal")
	case errors.Is(err, broker.ErrLedgerEntryNotFound):
		h.writeError(w, r, http.StatusNotFound, "Transaction not found")
	case errors.Is(err, broker.ErrChallengeState):
		h.writeError(w, r, http.StatusBadRequest, err.Error())
	default:
		reqID := middleware.GetReqID(r.Context())
		h.log.Error().Err(err).Str("request_id", reqID).Str("path", r.URL.Path).Msg("store failure")
		h.writeError(w, r, http.StatusInternalServerError, "Internal error")
	}
}

func snapshotDTO(s broker.PrincipalSnapshot) *PrincipalSnapshotDTO {
	return &PrincipalSnapshotDTO{
		ID:           string(s.ID),
		Balance:      int64(s.Balance),
		Escrow:       int64(s.Escrow),
		TotalEarned:  int64(s.TotalEarned),
		Reputation:   s.Reputation,
		LiveTokens:   s.LiveTokens,
		LiveEscrowed: int64(s.LiveEscrowed),
		SettledOut:   int64(s.SettledOut),
		SettledIn:    int64(s.SettledIn),
	}
}
