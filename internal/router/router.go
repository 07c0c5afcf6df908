package router

import (
	"context"
	"net/http"
	"time"

	"github.com/cryptiq/backend/internal/dashboard"
	"github.com/cryptiq/backend/internal/handlers"
	"github.com/cryptiq/backend/internal/middleware"
	"github.com/cryptiq/backend/internal/services"
)

// Pinger reports database reachability for /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps carries everything the router mounts.
type Deps struct {
	Verifier  middleware.TokenVerifier
	Validator middleware.BodyValidator
	Claims    *handlers.ClaimHandler
	Labs      *handlers.LabHandler
	Dashboard *dashboard.Handler
	DB        Pinger
}

// New returns the API handler. Middleware chain:
// BearerAuth -> (ValidateBody on POST routes) -> handler.
// The leaderboard and /healthz are public.
func New(d Deps) http.Handler {
	mux := http.NewServeMux()
	auth := middleware.BearerAuth(d.Verifier)
	validated := func(schema string, h http.HandlerFunc) http.Handler {
		return auth(middleware.ValidateBody(d.Validator, schema)(h))
	}

	mux.Handle("POST /v1/claims", validated(services.SchemaClaimRequest, d.Claims.Claim))
	mux.Handle("POST /v1/claims/pending", validated(services.SchemaClaimPendingRequest, d.Claims.ClaimPending))
	mux.Handle("GET /v1/claims", auth(http.HandlerFunc(d.Claims.ListClaims)))
	mux.Handle("GET /v1/claims/{kind}/{id}", auth(http.HandlerFunc(d.Claims.GetClaim)))

	mux.Handle("POST /v1/labs/tasks/{id}/flag", validated(services.SchemaLabFlagRequest, d.Labs.CheckFlag))

	mux.Handle("GET /v1/rewards/summary", auth(http.HandlerFunc(d.Dashboard.GetSummary)))
	mux.HandleFunc("GET /v1/leaderboard", d.Dashboard.GetLeaderboard)

	mux.HandleFunc("GET /healthz", healthz(d.DB))
	return mux
}

func healthz(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		w.Header().Set("Content-Type", "application/json")
		if err := db.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unavailable"}`))
			return
		}
		w.Write([]byte(`{"status":"ok"}`))
	}
}
