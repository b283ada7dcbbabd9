package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/accfleet/fleetd/internal/account"
	"github.com/accfleet/fleetd/internal/client"
	"github.com/accfleet/fleetd/internal/login"
	"github.com/accfleet/fleetd/internal/manager"
	"github.com/accfleet/fleetd/internal/model"
	"github.com/accfleet/fleetd/internal/proxy"
	"github.com/accfleet/fleetd/internal/session"
	"github.com/accfleet/fleetd/internal/storage"
	"github.com/accfleet/fleetd/internal/validator"
)

type webEnv struct {
	handler  http.Handler
	accounts *account.Store
	sim      *client.Simulator
	sweeps   *validator.Service
}

func newWebEnv(t *testing.T) *webEnv {
	t.Helper()
	dir := t.TempDir()

	accounts := account.NewStore(dir)
	sessions, err := session.NewStore(storage.NewFSBlobStore(dir), nil)
	if err != nil {
		t.Fatal(err)
	}
	sim := client.NewSimulator()

	auth := login.NewAuthenticator(
		login.Config{LoginTimeout: 2 * time.Second},
		accounts, sessions, login.NewLockRegistry(), proxy.Binder{}, sim.NewClient,
	)
	handles := manager.New(auth)
	t.Cleanup(handles.Close)

	state, err := validator.OpenStateDB(dir)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { state.Close() })

	sweeps := validator.NewService(validator.Config{
		MinPause: time.Millisecond,
		MaxPause: 2 * time.Millisecond,
	}, accounts, handles, state)

	return &webEnv{
		handler:  NewRouter(Config{Accounts: accounts, Handles: handles, Validator: sweeps, State: state}),
		accounts: accounts,
		sim:      sim,
		sweeps:   sweeps,
	}
}

func (e *webEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	e := newWebEnv(t)
	w := e.do(t, "GET", "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestAccountCRUD(t *testing.T) {
	e := newWebEnv(t)

	w := e.do(t, "POST", "/api/accounts", `{"username":"alice"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", w.Code, w.Body)
	}
	var created model.Account
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	if created.ID == "" || created.Status != model.StatusLoginRequired {
		t.Fatalf("created = %+v", created)
	}

	w = e.do(t, "GET", "/api/accounts", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	var list []model.Account
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Username != "alice" {
		t.Fatalf("list = %+v", list)
	}

	w = e.do(t, "GET", "/api/accounts/"+created.ID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	w = e.do(t, "GET", "/api/accounts/nope", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("get missing status = %d", w.Code)
	}
}

func TestCreateAccountValidation(t *testing.T) {
	e := newWebEnv(t)

	if w := e.do(t, "POST", "/api/accounts", `{`); w.Code != http.StatusBadRequest {
		t.Fatalf("malformed body: status = %d", w.Code)
	}
	if w := e.do(t, "POST", "/api/accounts", `{}`); w.Code != http.StatusBadRequest {
		t.Fatalf("missing username: status = %d", w.Code)
	}
}

func TestAccountJSONHidesSecrets(t *testing.T) {
	e := newWebEnv(t)
	if _, err := e.accounts.Create(model.Account{Username: "alice", Password: "topsecret"}); err != nil {
		t.Fatal(err)
	}

	w := e.do(t, "GET", "/api/accounts", "")
	if strings.Contains(w.Body.String(), "topsecret") {
		t.Fatalf("response leaks a password: %s", w.Body)
	}
}

func TestRefreshAndProbe(t *testing.T) {
	e := newWebEnv(t)
	acct, err := e.accounts.Create(model.Account{Username: "alice", Password: "pw"})
	if err != nil {
		t.Fatal(err)
	}
	e.sim.Register(&client.SimAccount{Username: "alice", Password: "pw"})

	w := e.do(t, "POST", "/api/accounts/"+acct.ID+"/probe", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "no_handle") {
		t.Fatalf("probe before login: %d %s", w.Code, w.Body)
	}

	w = e.do(t, "POST", "/api/accounts/"+acct.ID+"/refresh", "")
	if w.Code != http.StatusOK {
		t.Fatalf("refresh: %d %s", w.Code, w.Body)
	}

	w = e.do(t, "POST", "/api/accounts/"+acct.ID+"/probe", "")
	if !strings.Contains(w.Body.String(), "live") {
		t.Fatalf("probe after refresh: %s", w.Body)
	}

	got, err := e.accounts.Get(acct.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.StatusActive {
		t.Fatalf("status = %s, want active", got.Status)
	}
}

func TestRefreshBadCredentials(t *testing.T) {
	e := newWebEnv(t)
	acct, err := e.accounts.Create(model.Account{Username: "alice", Password: "wrong"})
	if err != nil {
		t.Fatal(err)
	}
	e.sim.Register(&client.SimAccount{Username: "alice", Password: "pw"})

	w := e.do(t, "POST", "/api/accounts/"+acct.ID+"/refresh", "")
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("refresh: %d %s", w.Code, w.Body)
	}
	if strings.Contains(w.Body.String(), "wrong") {
		t.Fatalf("response leaks a password: %s", w.Body)
	}
}

func TestSweepTriggerAndLast(t *testing.T) {
	e := newWebEnv(t)

	if w := e.do(t, "GET", "/api/sweep/last", ""); w.Code != http.StatusNotFound {
		t.Fatalf("sweep/last before any sweep: %d", w.Code)
	}

	w := e.do(t, "POST", "/api/sweep", "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("trigger: %d %s", w.Code, w.Body)
	}

	deadline := time.Now().Add(5 * time.Second)
	for e.sweeps.Running() {
		if time.Now().After(deadline) {
			t.Fatal("sweep did not finish")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// The sweep finishes quickly over an empty fleet, but the job row may
	// land a moment after Running flips back.
	var last *httptest.ResponseRecorder
	for time.Now().Before(deadline) {
		last = e.do(t, "GET", "/api/sweep/last", "")
		if last.Code == http.StatusOK {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if last == nil || last.Code != http.StatusOK {
		t.Fatalf("sweep/last after sweep: %v", last)
	}
}
