package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/cryptiq/backend/internal/chain"
	"github.com/cryptiq/backend/internal/claims"
	"github.com/cryptiq/backend/internal/middleware"
	"github.com/cryptiq/backend/internal/models"
	"github.com/cryptiq/backend/internal/services"
)

// retryAfter is sent with 503 responses for retryable failures.
const retryAfter = 5 * time.Second

// Claimer runs claim requests. Implemented by services.ClaimService.
type Claimer interface {
	Claim(ctx context.Context, userID uuid.UUID, ref models.AchievementRef, recipient string) (*services.ClaimOutcome, error)
	ClaimPending(ctx context.Context, userID uuid.UUID, recipient string) (*services.BulkOutcome, error)
}

// ClaimReader is the read side of the claim ledger.
type ClaimReader interface {
	GetByKey(ctx context.Context, userID uuid.UUID, ref models.AchievementRef) (*models.ClaimRecord, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.ClaimRecord, error)
}

// ClaimHandler serves /v1/claims endpoints.
type ClaimHandler struct {
	Claims   Claimer
	Reader   ClaimReader
	Decimals int32
	Logger   *slog.Logger
}

// --- POST /v1/claims ---

type claimRequest struct {
	AchievementKind  string `json:"achievement_kind"`
	AchievementID    int64  `json:"achievement_id"`
	RecipientAddress string `json:"recipient_address"`
}

type claimResponse struct {
	Status              services.ClaimStatus   `json:"status"`
	AchievementKind     models.AchievementKind `json:"achievement_kind"`
	AchievementID       int64                  `json:"achievement_id"`
	ClaimID             string                 `json:"claim_id,omitempty"`
	Amount              string                 `json:"amount,omitempty"`
	AmountBaseUnits     string                 `json:"amount_base_units,omitempty"`
	SettlementReference string                 `json:"settlement_reference,omitempty"`
	Reason              string                 `json:"reason,omitempty"`
}

// Claim handles POST /v1/claims.
// Auth -> Validate (via middleware) -> Evaluate -> Begin + Enqueue -> 202.
// The amount is never read from the request.
func (h *ClaimHandler) Claim(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	if userID == uuid.Nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	ref := models.AchievementRef{Kind: models.AchievementKind(req.AchievementKind), ID: req.AchievementID}
	if !ref.Kind.Valid() || ref.ID <= 0 {
		http.Error(w, `{"error":"invalid achievement"}`, http.StatusBadRequest)
		return
	}

	out, err := h.Claims.Claim(r.Context(), userID, ref, req.RecipientAddress)
	if err != nil {
		h.writeClaimError(w, err, "claim", "user_id", userID, "achievement", ref.String())
		return
	}
	writeJSON(w, outcomeHTTPStatus(out.Status), h.claimResponse(out))
}

// --- POST /v1/claims/pending ---

type claimPendingRequest struct {
	RecipientAddress string `json:"recipient_address"`
}

type claimPendingResponse struct {
	Results               []claimResponse `json:"results"`
	StartedTotal          string          `json:"started_total"`
	StartedTotalBaseUnits string          `json:"started_total_base_units"`
}

// ClaimPending handles POST /v1/claims/pending: claim every completed
// achievement. Each item keeps its own gate and settlement.
func (h *ClaimHandler) ClaimPending(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	if userID == uuid.Nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req claimPendingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}

	out, err := h.Claims.ClaimPending(r.Context(), userID, req.RecipientAddress)
	if err != nil {
		h.writeClaimError(w, err, "claim pending", "user_id", userID)
		return
	}

	resp := claimPendingResponse{
		Results:               make([]claimResponse, 0, len(out.Results)),
		StartedTotal:          services.FormatAmount(out.StartedTotal, h.Decimals),
		StartedTotalBaseUnits: strconv.FormatInt(out.StartedTotal, 10),
	}
	for _, o := range out.Results {
		resp.Results = append(resp.Results, h.claimResponse(o))
	}
	status := http.StatusOK
	if out.StartedTotal > 0 {
		status = http.StatusAccepted
	}
	writeJSON(w, status, resp)
}

// --- GET /v1/claims ---

type claimView struct {
	ClaimID             string                 `json:"claim_id"`
	AchievementKind     models.AchievementKind `json:"achievement_kind"`
	AchievementID       int64                  `json:"achievement_id"`
	State               models.ClaimState      `json:"state"`
	Amount              string                 `json:"amount"`
	AmountBaseUnits     string                 `json:"amount_base_units"`
	RecipientAddress    string                 `json:"recipient_address"`
	Attempts            int                    `json:"attempts"`
	SettlementReference string                 `json:"settlement_reference,omitempty"`
	LastError           string                 `json:"last_error,omitempty"`
	SettledAt           *time.Time             `json:"settled_at,omitempty"`
	UpdatedAt           time.Time              `json:"updated_at"`
}

// ListClaims handles GET /v1/claims.
func (h *ClaimHandler) ListClaims(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	if userID == uuid.Nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	list, err := h.Reader.ListByUser(r.Context(), userID)
	if err != nil {
		h.Logger.Error("list claims", "user_id", userID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	views := make([]claimView, 0, len(list))
	for _, c := range list {
		views = append(views, h.claimView(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"claims": views})
}

// --- GET /v1/claims/{kind}/{id} ---

// GetClaim handles GET /v1/claims/{kind}/{id}, used to poll a claim after 202.
func (h *ClaimHandler) GetClaim(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	if userID == uuid.Nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	ref, err := models.NewAchievementRef(r.PathValue("kind"), r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	c, err := h.Reader.GetByKey(r.Context(), userID, ref)
	if errors.Is(err, claims.ErrNotFound) {
		http.Error(w, `{"error":"claim not found"}`, http.StatusNotFound)
		return
	}
	if err != nil {
		h.Logger.Error("get claim", "user_id", userID, "achievement", ref.String(), "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, h.claimView(c))
}

func (h *ClaimHandler) claimResponse(o *services.ClaimOutcome) claimResponse {
	resp := claimResponse{
		Status:          o.Status,
		AchievementKind: o.Achievement.Kind,
		AchievementID:   o.Achievement.ID,
		Reason:          o.Reason,
	}
	if c := o.Claim; c != nil {
		resp.ClaimID = c.ID.String()
		resp.Amount = services.FormatAmount(c.Amount, h.Decimals)
		resp.AmountBaseUnits = strconv.FormatInt(c.Amount, 10)
		resp.SettlementReference = c.SettlementReference
	}
	return resp
}

func (h *ClaimHandler) claimView(c *models.ClaimRecord) claimView {
	return claimView{
		ClaimID:             c.ID.String(),
		AchievementKind:     c.Achievement.Kind,
		AchievementID:       c.Achievement.ID,
		State:               c.State,
		Amount:              services.FormatAmount(c.Amount, h.Decimals),
		AmountBaseUnits:     strconv.FormatInt(c.Amount, 10),
		RecipientAddress:    c.RecipientAddress,
		Attempts:            c.Attempts,
		SettlementReference: c.SettlementReference,
		LastError:           c.LastError,
		SettledAt:           c.SettledAt,
		UpdatedAt:           c.UpdatedAt,
	}
}

func outcomeHTTPStatus(s services.ClaimStatus) int {
	switch s {
	case services.ClaimEligible, services.ClaimAlreadyPending:
		return http.StatusAccepted
	case services.ClaimAlreadySettled:
		return http.StatusConflict
	case services.ClaimIneligible, services.ClaimNotCompleted:
		return http.StatusBadRequest
	default:
		return http.StatusServiceUnavailable
	}
}

// writeClaimError maps claim-path errors to responses. Raw store and
// ledger errors are logged, never returned.
func (h *ClaimHandler) writeClaimError(w http.ResponseWriter, err error, op string, attrs ...any) {
	switch {
	case errors.Is(err, services.ErrUnknownAchievement):
		http.Error(w, `{"error":"unknown achievement"}`, http.StatusNotFound)
	case isRetryable(err):
		h.Logger.Warn(op+" unavailable", append(attrs, "error", err)...)
		writeUnavailable(w)
	default:
		h.Logger.Error(op, append(attrs, "error", err)...)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
	}
}

func isRetryable(err error) bool {
	return errors.Is(err, services.ErrLookupFailed) || errors.Is(err, chain.ErrTransient)
}

func writeUnavailable(w http.ResponseWriter) {
	w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "temporarily unavailable, retry later"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
