package validator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"

	"github.com/accfleet/fleetd/internal/client"
	"github.com/accfleet/fleetd/internal/login"
	"github.com/accfleet/fleetd/internal/manager"
	"github.com/accfleet/fleetd/internal/model"
)

type fakeFleet struct {
	mu       sync.Mutex
	accounts []model.Account
	statuses map[string]model.Status
	errors   map[string]string
}

func (f *fakeFleet) List() ([]model.Account, error) {
	return f.accounts, nil
}

func (f *fakeFleet) UpdateStatus(id string, status model.Status, lastErr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statuses == nil {
		f.statuses = make(map[string]model.Status)
		f.errors = make(map[string]string)
	}
	f.statuses[id] = status
	f.errors[id] = lastErr
	return nil
}

func (f *fakeFleet) Touch(id string, checkedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.accounts {
		if f.accounts[i].ID == id {
			at := checkedAt
			f.accounts[i].LastCheck = &at
		}
	}
	return nil
}

func (f *fakeFleet) lastCheck(id string) *time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.accounts {
		if f.accounts[i].ID == id {
			return f.accounts[i].LastCheck
		}
	}
	return nil
}

type fakeProber struct {
	mu         sync.Mutex
	probeErr   map[string]error
	refreshErr map[string]error
	probes     map[string]int
	refreshes  map[string]int
}

func newFakeProber() *fakeProber {
	return &fakeProber{
		probeErr:   make(map[string]error),
		refreshErr: make(map[string]error),
		probes:     make(map[string]int),
		refreshes:  make(map[string]int),
	}
}

func (p *fakeProber) Probe(ctx context.Context, accountID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probes[accountID]++
	return p.probeErr[accountID]
}

func (p *fakeProber) ForceRefresh(ctx context.Context, accountID string) (client.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshes[accountID]++
	if err := p.refreshErr[accountID]; err != nil {
		return nil, err
	}
	return nil, nil
}

func testConfig() Config {
	return Config{
		Interval:            time.Minute,
		MinPause:            time.Millisecond,
		MaxPause:            2 * time.Millisecond,
		CheckFloor:          time.Nanosecond,
		ProblematicCooldown: time.Nanosecond,
		BackoffMin:          time.Millisecond,
		BackoffMax:          2 * time.Millisecond,
	}
}

func activeAccount(id string) model.Account {
	past := time.Now().Add(-24 * time.Hour)
	return model.Account{
		ID: id, Username: id, Status: model.StatusActive, LastCheck: &past,
		MailboxAddr: id + "@example.com", MailboxPassword: "mailpw",
	}
}

func newTestService(t *testing.T, fleet *fakeFleet, prober *fakeProber, cfg Config) (*Service, *StateDB) {
	t.Helper()
	state, err := OpenStateDB(t.TempDir())
	if err != nil {
		t.Fatalf("open state db: %v", err)
	}
	t.Cleanup(func() { state.Close() })
	return NewService(cfg, fleet, prober, state), state
}

func TestSweepAllValid(t *testing.T) {
	fleet := &fakeFleet{accounts: []model.Account{activeAccount("a1"), activeAccount("a2")}}
	prober := newFakeProber()
	svc, state := newTestService(t, fleet, prober, testConfig())

	sum, err := svc.RunSweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if sum.Checked != 2 || sum.Valid != 2 || sum.Invalid != 0 {
		t.Fatalf("summary = %+v", sum)
	}

	job, err := state.LastJob()
	if err != nil || job == nil {
		t.Fatalf("last job: %v %v", job, err)
	}
	if job.FinishedAt == nil || job.Checked != 2 || job.Valid != 2 {
		t.Fatalf("job = %+v", job)
	}
	checks, err := state.ChecksForJob(job.ID)
	if err != nil || len(checks) != 2 {
		t.Fatalf("checks = %v %v", checks, err)
	}
	for _, c := range checks {
		if c.Outcome != OutcomeValid {
			t.Fatalf("check %s outcome = %s", c.AccountID, c.Outcome)
		}
	}
}

func TestSweepValidAccountNotRecheckedWithinFloor(t *testing.T) {
	fleet := &fakeFleet{accounts: []model.Account{activeAccount("a1")}}
	prober := newFakeProber()

	cfg := testConfig()
	cfg.CheckFloor = time.Hour
	svc, _ := newTestService(t, fleet, prober, cfg)

	if _, err := svc.RunSweep(context.Background()); err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	if prober.probes["a1"] != 1 {
		t.Fatalf("probes = %d, want 1", prober.probes["a1"])
	}
	lc := fleet.lastCheck("a1")
	if lc == nil || time.Since(*lc) > time.Minute {
		t.Fatal("a valid probe must advance last_check")
	}

	if _, err := svc.RunSweep(context.Background()); err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if prober.probes["a1"] != 1 {
		t.Fatalf("probes after back-to-back sweeps = %d, want 1 (re-check floor)", prober.probes["a1"])
	}
}

func TestSweepRepairsDeadSession(t *testing.T) {
	fleet := &fakeFleet{accounts: []model.Account{activeAccount("a1")}}
	prober := newFakeProber()
	prober.probeErr["a1"] = client.ErrSessionInvalid
	svc, _ := newTestService(t, fleet, prober, testConfig())

	sum, err := svc.RunSweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if sum.Invalid != 1 || sum.Repaired != 1 || sum.FailedRepair != 0 {
		t.Fatalf("summary = %+v", sum)
	}
	if prober.refreshes["a1"] != 1 {
		t.Fatalf("refreshes = %d, want 1", prober.refreshes["a1"])
	}
}

func TestSweepRestoresWithoutCachedHandle(t *testing.T) {
	fleet := &fakeFleet{accounts: []model.Account{activeAccount("a1")}}
	prober := newFakeProber()
	prober.probeErr["a1"] = manager.ErrNoHandle
	svc, state := newTestService(t, fleet, prober, testConfig())

	sum, err := svc.RunSweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	// Restoring a stored session is not a repair; the session was fine.
	if sum.Valid != 1 || sum.Invalid != 0 {
		t.Fatalf("summary = %+v", sum)
	}

	rec, err := state.LastCheck("a1")
	if err != nil || rec == nil {
		t.Fatalf("last check: %v %v", rec, err)
	}
	if rec.Outcome != OutcomeValid || rec.Detail != "session restored" {
		t.Fatalf("record = %+v", rec)
	}
}

func TestSweepFailedRepair(t *testing.T) {
	fleet := &fakeFleet{accounts: []model.Account{activeAccount("a1")}}
	prober := newFakeProber()
	prober.probeErr["a1"] = client.ErrSessionInvalid
	prober.refreshErr["a1"] = client.ErrBadCredentials
	svc, state := newTestService(t, fleet, prober, testConfig())

	sum, err := svc.RunSweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if sum.Invalid != 1 || sum.FailedRepair != 1 || sum.Repaired != 0 {
		t.Fatalf("summary = %+v", sum)
	}

	rec, err := state.LastCheck("a1")
	if err != nil || rec == nil {
		t.Fatalf("last check: %v %v", rec, err)
	}
	if rec.Outcome != OutcomeFailedRepair || rec.Detail != "bad credentials" {
		t.Fatalf("record = %+v", rec)
	}
}

func TestSweepNoMailboxSkipsRepair(t *testing.T) {
	past := time.Now().Add(-24 * time.Hour)
	fleet := &fakeFleet{accounts: []model.Account{{
		ID: "a1", Username: "a1", Status: model.StatusActive, LastCheck: &past,
	}}}
	prober := newFakeProber()
	prober.probeErr["a1"] = client.ErrSessionInvalid
	svc, _ := newTestService(t, fleet, prober, testConfig())

	sum, err := svc.RunSweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if sum.Invalid != 1 || sum.FailedRepair != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	if prober.refreshes["a1"] != 0 {
		t.Fatal("repair must not be attempted without mailbox credentials")
	}
	if fleet.statuses["a1"] != model.StatusLoginRequired {
		t.Fatalf("status = %s, want login_required", fleet.statuses["a1"])
	}
}

func TestSweepSkipRules(t *testing.T) {
	now := time.Now()
	fleet := &fakeFleet{accounts: []model.Account{
		{ID: "off", Status: model.StatusDeactivated},
		{ID: "cooling", Status: model.StatusProblematic, LastCheck: &now},
		{ID: "fresh", Status: model.StatusActive, LastCheck: &now},
	}}
	prober := newFakeProber()

	cfg := testConfig()
	cfg.CheckFloor = time.Hour
	cfg.ProblematicCooldown = time.Hour
	svc, _ := newTestService(t, fleet, prober, cfg)

	sum, err := svc.RunSweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if sum.Checked != 0 {
		t.Fatalf("summary = %+v, want everything skipped", sum)
	}
	if len(prober.probes) != 0 || len(prober.refreshes) != 0 {
		t.Fatal("skipped accounts must not be probed")
	}
}

func TestSweepSkipsAccountBeingLoggedIn(t *testing.T) {
	fleet := &fakeFleet{accounts: []model.Account{activeAccount("a1")}}
	prober := newFakeProber()
	prober.probeErr["a1"] = client.ErrSessionInvalid
	prober.refreshErr["a1"] = login.ErrLockBusy
	svc, state := newTestService(t, fleet, prober, testConfig())

	sum, err := svc.RunSweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if sum.Checked != 0 {
		t.Fatalf("summary = %+v, want skipped", sum)
	}
	rec, _ := state.LastCheck("a1")
	if rec == nil || rec.Outcome != OutcomeSkipped {
		t.Fatalf("record = %+v", rec)
	}
}

type blockingProber struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (p *blockingProber) Probe(ctx context.Context, accountID string) error {
	p.once.Do(func() { close(p.started) })
	<-p.release
	return nil
}

func (p *blockingProber) ForceRefresh(ctx context.Context, accountID string) (client.Client, error) {
	return nil, nil
}

func TestSweepSingleInstance(t *testing.T) {
	fleet := &fakeFleet{accounts: []model.Account{activeAccount("a1")}}
	prober := &blockingProber{started: make(chan struct{}), release: make(chan struct{})}

	state, err := OpenStateDB(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer state.Close()
	svc := NewService(testConfig(), fleet, prober, state)

	done := make(chan struct{})
	go func() {
		defer close(done)
		svc.RunSweep(context.Background())
	}()
	<-prober.started

	if _, err := svc.RunSweep(context.Background()); !eris.Is(err, ErrSweepRunning) {
		t.Fatalf("got %v, want ErrSweepRunning", err)
	}

	close(prober.release)
	<-done

	// With the first sweep finished, a new one may start.
	if _, err := svc.RunSweep(context.Background()); err != nil {
		t.Fatalf("sweep after release: %v", err)
	}
}

func TestSweepCancelledMidway(t *testing.T) {
	fleet := &fakeFleet{accounts: []model.Account{activeAccount("a1"), activeAccount("a2")}}
	prober := newFakeProber()

	cfg := testConfig()
	cfg.MinPause = time.Hour
	cfg.MaxPause = 2 * time.Hour
	svc, state := newTestService(t, fleet, prober, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := svc.RunSweep(ctx)
	if !eris.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want deadline exceeded", err)
	}

	job, _ := state.LastJob()
	if job == nil || job.FinishedAt == nil || job.Error == "" {
		t.Fatalf("cancelled sweep must still close its job: %+v", job)
	}
}
