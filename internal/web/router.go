// Package web provides the HTTP router and handlers for the fleet
// operations API.
package web

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/accfleet/fleetd/internal/account"
	"github.com/accfleet/fleetd/internal/manager"
	"github.com/accfleet/fleetd/internal/validator"
)

// Config holds dependencies for the web layer.
type Config struct {
	Accounts  *account.Store
	Handles   *manager.Manager
	Validator *validator.Service
	State     *validator.StateDB
}

// NewRouter creates the Chi router with all routes.
func NewRouter(cfg Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth())

	r.Get("/api/accounts", handleListAccounts(cfg.Accounts))
	r.Post("/api/accounts", handleCreateAccount(cfg.Accounts))
	r.Get("/api/accounts/{id}", handleGetAccount(cfg.Accounts))

	r.Post("/api/accounts/{id}/refresh", handleRefresh(cfg.Handles))
	r.Post("/api/accounts/{id}/probe", handleProbe(cfg.Handles))

	r.Post("/api/sweep", handleSweepTrigger(cfg.Validator))
	r.Get("/api/sweep/last", handleSweepLast(cfg.State))

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
