// Package manager keeps at most one live authenticated handle per account
// and hands it out to callers, logging in on demand.
package manager

import (
	"context"
	"log"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/accfleet/fleetd/internal/client"
	"github.com/accfleet/fleetd/internal/login"
)

// ErrNoHandle: the account has no cached handle to operate on.
var ErrNoHandle = eris.New("no live handle")

// Runner performs a full login attempt. Implemented by
// login.Authenticator.
type Runner interface {
	Run(ctx context.Context, accountID string) (client.Client, error)
}

// Manager is the process-wide handle cache. Safe for concurrent use.
// Handles stay cached until a probe fails, a refresh replaces them, or
// the manager shuts down.
type Manager struct {
	runner Runner

	mu      sync.Mutex
	handles map[string]client.Client
	entry   map[string]*sync.Mutex
}

// New creates a manager on top of a login runner.
func New(runner Runner) *Manager {
	return &Manager{
		runner:  runner,
		handles: make(map[string]client.Client),
		entry:   make(map[string]*sync.Mutex),
	}
}

// GetHandle returns the cached live handle for an account, logging in
// first when there is none. A cached handle is probed before being handed
// out; a dead one is evicted and replaced by a full login. Callers share
// the returned handle; they must not Close it.
func (m *Manager) GetHandle(ctx context.Context, accountID string) (client.Client, error) {
	if h := m.probed(ctx, accountID); h != nil {
		return h, nil
	}

	mu := m.entryLock(accountID)
	mu.Lock()
	defer mu.Unlock()

	if h := m.probed(ctx, accountID); h != nil {
		return h, nil
	}

	h, err := m.runner.Run(ctx, accountID)
	if err != nil {
		if eris.Is(err, login.ErrLockBusy) {
			// The account lock is held outside this manager (e.g.
			// the validation sweep); its owner may have repaired
			// the session in the meantime.
			if h := m.probed(ctx, accountID); h != nil {
				return h, nil
			}
		}
		return nil, err
	}
	m.store(accountID, h)
	return h, nil
}

// ForceRefresh discards any cached handle and performs a fresh login.
func (m *Manager) ForceRefresh(ctx context.Context, accountID string) (client.Client, error) {
	mu := m.entryLock(accountID)
	mu.Lock()
	defer mu.Unlock()

	m.Drop(accountID)
	h, err := m.runner.Run(ctx, accountID)
	if err != nil {
		return nil, err
	}
	m.store(accountID, h)
	return h, nil
}

// Probe pings the cached handle. A failed probe evicts the handle so the
// next GetHandle performs a full login. Without a cached handle it
// returns ErrNoHandle.
func (m *Manager) Probe(ctx context.Context, accountID string) error {
	h := m.cached(accountID)
	if h == nil {
		return ErrNoHandle
	}
	if err := h.Ping(ctx); err != nil {
		log.Printf("INFO: handle %s failed probe, evicting: %v", accountID, err)
		m.evict(accountID, h)
		return err
	}
	return nil
}

// Drop closes and evicts the cached handle, if any.
func (m *Manager) Drop(accountID string) {
	m.mu.Lock()
	h := m.handles[accountID]
	delete(m.handles, accountID)
	m.mu.Unlock()
	if h != nil {
		h.Close()
	}
}

// Cached returns the account IDs that currently hold a live handle.
func (m *Manager) Cached() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.handles))
	for id := range m.handles {
		ids = append(ids, id)
	}
	return ids
}

// Close evicts and closes every cached handle.
func (m *Manager) Close() {
	m.mu.Lock()
	handles := m.handles
	m.handles = make(map[string]client.Client)
	m.mu.Unlock()
	for _, h := range handles {
		h.Close()
	}
}

// probed returns the cached handle if it is still live, evicting it
// otherwise.
func (m *Manager) probed(ctx context.Context, accountID string) client.Client {
	h := m.cached(accountID)
	if h == nil {
		return nil
	}
	if err := h.Ping(ctx); err != nil {
		log.Printf("INFO: handle %s dead on checkout, evicting: %v", accountID, err)
		m.evict(accountID, h)
		return nil
	}
	return h
}

// evict closes and removes h only while it is still the cached handle.
// The ping that condemned it ran outside the entry lock, so a concurrent
// login may already have stored a replacement; a stale verdict must not
// take that one down.
func (m *Manager) evict(accountID string, h client.Client) {
	m.mu.Lock()
	if m.handles[accountID] != h {
		m.mu.Unlock()
		return
	}
	delete(m.handles, accountID)
	m.mu.Unlock()
	h.Close()
}

func (m *Manager) cached(accountID string) client.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handles[accountID]
}

func (m *Manager) store(accountID string, h client.Client) {
	m.mu.Lock()
	old := m.handles[accountID]
	m.handles[accountID] = h
	m.mu.Unlock()
	if old != nil && old != h {
		old.Close()
	}
}

func (m *Manager) entryLock(accountID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	mu := m.entry[accountID]
	if mu == nil {
		mu = &sync.Mutex{}
		m.entry[accountID] = mu
	}
	return mu
}
