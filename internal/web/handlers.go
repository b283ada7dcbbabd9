package web

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"

	"github.com/accfleet/fleetd/internal/account"
	"github.com/accfleet/fleetd/internal/client"
	"github.com/accfleet/fleetd/internal/login"
	"github.com/accfleet/fleetd/internal/manager"
	"github.com/accfleet/fleetd/internal/model"
	"github.com/accfleet/fleetd/internal/validator"
)

func handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func handleListAccounts(accounts *account.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := accounts.List()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if list == nil {
			list = []model.Account{}
		}
		writeJSON(w, http.StatusOK, list)
	}
}

func handleCreateAccount(accounts *account.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var acct model.Account
		if err := json.NewDecoder(r.Body).Decode(&acct); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if acct.Username == "" {
			writeError(w, http.StatusBadRequest, "username is required")
			return
		}

		created, err := accounts.Create(acct)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, created)
	}
}

func handleGetAccount(accounts *account.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acct, err := accounts.Get(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, acct)
	}
}

func handleRefresh(handles *manager.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID := chi.URLParam(r, "id")
		if _, err := handles.ForceRefresh(r.Context(), accountID); err != nil {
			_, msg := login.Classify(err, false)
			writeError(w, loginStatusCode(err), msg)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "active"})
	}
}

func handleProbe(handles *manager.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID := chi.URLParam(r, "id")
		err := handles.Probe(r.Context(), accountID)
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, map[string]string{"status": "live"})
		case eris.Is(err, manager.ErrNoHandle):
			writeJSON(w, http.StatusOK, map[string]string{"status": "no_handle"})
		default:
			writeJSON(w, http.StatusOK, map[string]string{"status": "dead"})
		}
	}
}

func handleSweepTrigger(sweeps *validator.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if sweeps.Running() {
			writeError(w, http.StatusConflict, "sweep already running")
			return
		}
		go func() {
			if _, err := sweeps.RunSweep(context.Background()); err != nil {
				log.Printf("WARN: manual sweep: %v", err)
			}
		}()
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
	}
}

func handleSweepLast(state *validator.StateDB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := state.LastJob()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if job == nil {
			writeError(w, http.StatusNotFound, "no sweep has run yet")
			return
		}

		checks, err := state.ChecksForJob(job.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"job":    job,
			"checks": checks,
		})
	}
}

// loginStatusCode maps login failures onto HTTP statuses for the ops API.
func loginStatusCode(err error) int {
	switch {
	case eris.Is(err, login.ErrLockBusy):
		return http.StatusConflict
	case eris.Is(err, login.ErrDeactivated):
		return http.StatusForbidden
	case eris.Is(err, client.ErrBadCredentials), eris.Is(err, client.ErrChallengeUnsolved):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}
