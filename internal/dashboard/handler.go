package dashboard

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/cryptiq/backend/internal/claims"
	"github.com/cryptiq/backend/internal/middleware"
	"github.com/cryptiq/backend/internal/models"
	"github.com/cryptiq/backend/internal/services"
)

const (
	defaultLeaderboardLimit = 10
	maxLeaderboardLimit     = 100
)

// RewardReader is the aggregate side of the claim ledger.
type RewardReader interface {
	Summary(ctx context.Context, userID uuid.UUID) (*claims.Summary, error)
	Leaderboard(ctx context.Context, limit int) ([]*claims.LeaderboardEntry, error)
}

type Handler struct {
	rewards  RewardReader
	symbol   string
	decimals int32
	log      *slog.Logger
}

func NewHandler(rewards RewardReader, symbol string, decimals int32, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{rewards: rewards, symbol: symbol, decimals: decimals, log: log}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type summaryResponse struct {
	UserID                string                    `json:"user_id"`
	Symbol                string                    `json:"symbol"`
	SettledTotal          string                    `json:"settled_total"`
	SettledTotalBaseUnits string                    `json:"settled_total_base_units"`
	Counts                map[models.ClaimState]int `json:"counts"`
}

// GET /v1/rewards/summary
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	if userID == uuid.Nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	s, err := h.rewards.Summary(r.Context(), userID)
	if err != nil {
		h.log.Error("reward summary", "user_id", userID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	counts := s.Counts
	if counts == nil {
		counts = map[models.ClaimState]int{}
	}
	writeJSON(w, http.StatusOK, summaryResponse{
		UserID:                userID.String(),
		Symbol:                h.symbol,
		SettledTotal:          services.FormatAmount(s.SettledTotal, h.decimals),
		SettledTotalBaseUnits: strconv.FormatInt(s.SettledTotal, 10),
		Counts:                counts,
	})
}

type leaderboardRow struct {
	Rank                  int    `json:"rank"`
	UserID                string `json:"user_id"`
	SettledTotal          string `json:"settled_total"`
	SettledTotalBaseUnits string `json:"settled_total_base_units"`
	ClaimCount            int    `json:"claim_count"`
}

// GET /v1/leaderboard?limit=N
func (h *Handler) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit := defaultLeaderboardLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxLeaderboardLimit)
	}

	entries, err := h.rewards.Leaderboard(r.Context(), limit)
	if err != nil {
		h.log.Error("leaderboard", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	rows := make([]leaderboardRow, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, leaderboardRow{
			Rank:                  e.Rank,
			UserID:                e.UserID.String(),
			SettledTotal:          services.FormatAmount(e.SettledTotal, h.decimals),
			SettledTotalBaseUnits: strconv.FormatInt(e.SettledTotal, 10),
			ClaimCount:            e.ClaimCount,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"symbol": h.symbol, "entries": rows})
}
