// Package model defines core data types shared across the application.
package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// NewID generates a UUIDv7 (time-ordered) identifier.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// Fallback to v4 if v7 fails (should never happen).
		return uuid.New().String()
	}
	return id.String()
}

// Status is the lifecycle state of a managed account.
type Status string

const (
	StatusActive            Status = "active"
	StatusLoginRequired     Status = "login_required"
	StatusChallengeRequired Status = "challenge_required"
	StatusProblematic       Status = "problematic"
	StatusDeactivated       Status = "manually_deactivated"
)

// Account is one managed identity on the remote service.
// Password and mailbox password are read by the login path only and are
// never exposed via JSON or written to logs.
type Account struct {
	ID       string `json:"id" yaml:"id"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"-" yaml:"password,omitempty"`

	// Mailbox that receives one-time verification codes. Optional; an
	// account without mailbox credentials cannot solve challenges.
	MailboxAddr     string `json:"mailbox_addr,omitempty" yaml:"mailbox_addr,omitempty"`
	MailboxPassword string `json:"-" yaml:"mailbox_password,omitempty"`
	MailboxHost     string `json:"mailbox_host,omitempty" yaml:"mailbox_host,omitempty"`
	MailboxPort     int    `json:"mailbox_port,omitempty" yaml:"mailbox_port,omitempty"`
	MailboxSSL      bool   `json:"mailbox_ssl,omitempty" yaml:"mailbox_ssl,omitempty"`

	ProxyID string `json:"proxy_id,omitempty" yaml:"proxy_id,omitempty"`

	Status    Status     `json:"status" yaml:"status"`
	LastError string     `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	LastCheck *time.Time `json:"last_check,omitempty" yaml:"last_check,omitempty"`

	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// HasMailbox reports whether the account can receive verification codes.
func (a *Account) HasMailbox() bool {
	return a.MailboxAddr != "" && a.MailboxPassword != ""
}

// Proxy is an egress proxy assignment. Shared by many accounts and
// immutable from this subsystem's point of view.
type Proxy struct {
	ID       string `json:"id" yaml:"id"`
	Protocol string `json:"protocol" yaml:"protocol"` // "http", "socks5"
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username,omitempty" yaml:"username,omitempty"`
	Password string `json:"-" yaml:"password,omitempty"`
}

// FleetFile is the fleet.yml structure holding accounts and proxies.
type FleetFile struct {
	Accounts []Account `yaml:"accounts"`
	Proxies  []Proxy   `yaml:"proxies,omitempty"`
}

// StoredSession is the persisted authentication state for one account:
// a stable device fingerprint plus the opaque auth blob produced by the
// remote client library. It round-trips byte-for-byte through the
// session store.
type StoredSession struct {
	Username  string          `json:"username"`
	AccountID string          `json:"account_id"`
	LastLogin time.Time       `json:"last_login"`
	Settings  json.RawMessage `json:"settings,omitempty"`
	AuthState json.RawMessage `json:"auth_state,omitempty"`
}

// SweepJob is one run of the background validator, tracked in SQLite.
type SweepJob struct {
	ID           string     `json:"id"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	Checked      int        `json:"checked"`
	Valid        int        `json:"valid"`
	Invalid      int        `json:"invalid"`
	Repaired     int        `json:"repaired"`
	FailedRepair int        `json:"failed_repair"`
	Error        string     `json:"error,omitempty"`
}

// CheckRecord is one per-account probe result within a sweep.
type CheckRecord struct {
	JobID     string    `json:"job_id"`
	AccountID string    `json:"account_id"`
	CheckedAt time.Time `json:"checked_at"`
	Outcome   string    `json:"outcome"` // "valid", "repaired", "failed_repair", "skipped"
	Detail    string    `json:"detail,omitempty"`
}

// SweepSummary is the aggregate result of one validation sweep.
type SweepSummary struct {
	Checked      int `json:"checked"`
	Valid        int `json:"valid"`
	Invalid      int `json:"invalid"`
	Repaired     int `json:"repaired"`
	FailedRepair int `json:"failed_repair"`
}
