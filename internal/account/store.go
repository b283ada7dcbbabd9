// Package account manages the fleet of remote-service accounts and their
// proxy assignments, backed by a single fleet.yml file.
package account

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/accfleet/fleetd/internal/model"
)

const fleetFileName = "fleet.yml"

// Store is the source of truth for account identity, secrets, status, and
// proxy assignment. The rest of the system only mutates accounts through
// UpdateStatus and Touch; secrets are read here and never cached elsewhere
// beyond a single login attempt.
type Store struct {
	mu   sync.RWMutex
	path string
}

// NewStore creates an account store over dataDir/fleet.yml.
func NewStore(dataDir string) *Store {
	return &Store{path: filepath.Join(dataDir, fleetFileName)}
}

// NewStoreFile creates an account store over an explicit file path.
func NewStoreFile(path string) *Store {
	return &Store{path: path}
}

// List returns all accounts in the fleet.
func (s *Store) List() ([]model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	file, err := s.load()
	if err != nil {
		return nil, err
	}
	return file.Accounts, nil
}

// Get returns a single account by ID.
func (s *Store) Get(id string) (*model.Account, error) {
	accounts, err := s.List()
	if err != nil {
		return nil, err
	}
	for _, a := range accounts {
		if a.ID == id {
			return &a, nil
		}
	}
	return nil, fmt.Errorf("account %s not found", id)
}

// GetByUsername returns a single account by remote-service username.
func (s *Store) GetByUsername(username string) (*model.Account, error) {
	accounts, err := s.List()
	if err != nil {
		return nil, err
	}
	for _, a := range accounts {
		if a.Username == username {
			return &a, nil
		}
	}
	return nil, fmt.Errorf("account %q not found", username)
}

// Create adds a new account to the fleet.
func (s *Store) Create(acct model.Account) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.load()
	if err != nil {
		return nil, err
	}

	if acct.ID == "" {
		acct.ID = model.NewID()
	}
	if acct.Status == "" {
		acct.Status = model.StatusLoginRequired
	}
	now := time.Now()
	acct.CreatedAt = now
	acct.UpdatedAt = now

	file.Accounts = append(file.Accounts, acct)
	if err := s.save(file); err != nil {
		return nil, err
	}
	return &acct, nil
}

// UpdateStatus sets an account's status and last error.
func (s *Store) UpdateStatus(id string, status model.Status, lastErr string) error {
	return s.mutate(id, func(a *model.Account) {
		a.Status = status
		a.LastError = lastErr
	})
}

// Touch records the time of the last liveness check.
func (s *Store) Touch(id string, checkedAt time.Time) error {
	return s.mutate(id, func(a *model.Account) {
		t := checkedAt
		a.LastCheck = &t
	})
}

// ProxyFor returns the proxy assigned to an account, or nil when none is
// assigned.
func (s *Store) ProxyFor(accountID string) (*model.Proxy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	file, err := s.load()
	if err != nil {
		return nil, err
	}

	var proxyID string
	for _, a := range file.Accounts {
		if a.ID == accountID {
			proxyID = a.ProxyID
			break
		}
	}
	if proxyID == "" {
		return nil, nil
	}
	for _, p := range file.Proxies {
		if p.ID == proxyID {
			return &p, nil
		}
	}
	return nil, fmt.Errorf("proxy %s assigned to account %s not found", proxyID, accountID)
}

func (s *Store) mutate(id string, fn func(*model.Account)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.load()
	if err != nil {
		return err
	}

	for i := range file.Accounts {
		if file.Accounts[i].ID == id {
			fn(&file.Accounts[i])
			file.Accounts[i].UpdatedAt = time.Now()
			return s.save(file)
		}
	}
	return fmt.Errorf("account %s not found", id)
}

func (s *Store) load() (*model.FleetFile, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &model.FleetFile{}, nil
		}
		return nil, err
	}

	var file model.FleetFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.path, err)
	}
	return &file, nil
}

func (s *Store) save(file *model.FleetFile) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}

	data, err := yaml.Marshal(file)
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o600)
}
