// Package login drives authentication attempts against the remote service:
// per-account locking, session restore, proxy binding, challenge
// resolution, and a hard wall-clock budget on the authentication call.
package login

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/accfleet/fleetd/internal/client"
	"github.com/accfleet/fleetd/internal/mailbox"
	"github.com/accfleet/fleetd/internal/model"
	"github.com/accfleet/fleetd/internal/proxy"
	"github.com/accfleet/fleetd/internal/session"
)

// AccountStore is the slice of the account repository the login path needs.
// Implemented by account.Store.
type AccountStore interface {
	Get(id string) (*model.Account, error)
	ProxyFor(id string) (*model.Proxy, error)
	UpdateStatus(id string, status model.Status, lastErr string) error
	Touch(id string, checkedAt time.Time) error
}

// CodeFetcher obtains one-time verification codes. Implemented by
// mailbox.Fetcher.
type CodeFetcher interface {
	FetchCode(ctx context.Context, maxAttempts int, delay time.Duration) (string, error)
}

// Config bounds one authentication attempt.
type Config struct {
	// LockTimeout bounds the wait for the account lock.
	LockTimeout time.Duration
	// LoginTimeout is the wall-clock budget for the authentication
	// call itself.
	LoginTimeout time.Duration
	// MailboxRounds is how many mailbox polls one code cycle performs.
	MailboxRounds int
	// MaxCodeCycles bounds how many fresh codes are fetched when the
	// service keeps rejecting submissions.
	MaxCodeCycles int
	// ChallengePauses are the waits before successive mailbox polls
	// within a cycle; the last entry repeats.
	ChallengePauses []time.Duration
}

func (c Config) withDefaults() Config {
	if c.LockTimeout == 0 {
		c.LockTimeout = 30 * time.Second
	}
	if c.LoginTimeout == 0 {
		c.LoginTimeout = 120 * time.Second
	}
	if c.MailboxRounds == 0 {
		c.MailboxRounds = 5
	}
	if c.MaxCodeCycles == 0 {
		c.MaxCodeCycles = 3
	}
	if len(c.ChallengePauses) == 0 {
		c.ChallengePauses = []time.Duration{
			30 * time.Second, 45 * time.Second, 60 * time.Second,
			75 * time.Second, 90 * time.Second,
		}
	}
	return c
}

// Authenticator runs login attempts. Safe for concurrent use; the lock
// registry guarantees at most one attempt per account is inside the
// critical section.
type Authenticator struct {
	cfg      Config
	accounts AccountStore
	sessions *session.Store
	locks    *LockRegistry
	binder   proxy.Binder
	factory  client.Factory

	// NewFetcher builds the code fetcher for an account. Replaced in
	// tests; defaults to the POP3 poller.
	NewFetcher func(model.Account) CodeFetcher

	mu            sync.Mutex
	unknownStreak map[string]int
	proxyStreak   map[string]int
}

// proxyFlagThreshold is how many consecutive proxy-classified failures a
// single proxy accumulates, across all accounts assigned to it, before it
// is flagged as the likely fault.
const proxyFlagThreshold = 3

// NewAuthenticator wires a login authenticator.
func NewAuthenticator(cfg Config, accounts AccountStore, sessions *session.Store, locks *LockRegistry, binder proxy.Binder, factory client.Factory) *Authenticator {
	return &Authenticator{
		cfg:      cfg.withDefaults(),
		accounts: accounts,
		sessions: sessions,
		locks:    locks,
		binder:   binder,
		factory:  factory,
		NewFetcher: func(acct model.Account) CodeFetcher {
			return mailbox.NewFetcher(acct)
		},
		unknownStreak: make(map[string]int),
		proxyStreak:   make(map[string]int),
	}
}

// Run performs one full authentication attempt for an account and returns
// a live handle on success. Every terminal outcome updates the account's
// status and last error; ErrLockBusy is the one exception (the account is
// merely temporarily unavailable, not broken). The account lock is
// released on every path, including panics in the stores or the client
// binding.
func (a *Authenticator) Run(ctx context.Context, accountID string) (client.Client, error) {
	token, err := a.locks.Acquire(accountID, a.cfg.LockTimeout)
	if err != nil {
		log.Printf("INFO: login %s: lock busy", accountID)
		return nil, err
	}
	defer token.Release()

	h, err := a.attempt(ctx, accountID)
	now := time.Now()
	if err != nil {
		repeated := a.noteFailure(accountID, err)
		status, msg := Classify(err, repeated)
		if eris.Is(err, client.ErrProxyUnreachable) {
			if id, n := a.noteProxyFailure(accountID); n >= proxyFlagThreshold {
				log.Printf("WARN: proxy %s: %d consecutive login failures, suspect proxy fault", id, n)
				msg = "proxy " + id + " flagged: " + msg
			}
		} else {
			a.clearProxyFailures(accountID)
		}
		log.Printf("WARN: login %s failed: %s (status=%s)", accountID, msg, status)
		if uerr := a.accounts.UpdateStatus(accountID, status, msg); uerr != nil {
			log.Printf("WARN: update status %s: %v", accountID, uerr)
		}
		if terr := a.accounts.Touch(accountID, now); terr != nil {
			log.Printf("WARN: touch %s: %v", accountID, terr)
		}
		return nil, err
	}

	a.clearFailures(accountID)
	a.clearProxyFailures(accountID)
	if uerr := a.accounts.UpdateStatus(accountID, model.StatusActive, ""); uerr != nil {
		log.Printf("WARN: update status %s: %v", accountID, uerr)
	}
	if terr := a.accounts.Touch(accountID, now); terr != nil {
		log.Printf("WARN: touch %s: %v", accountID, terr)
	}
	log.Printf("INFO: login %s: authenticated", accountID)
	return h, nil
}

// attempt is the body of the critical section. Panics are converted to
// errors so callers only ever see a status string, never a crash.
func (a *Authenticator) attempt(ctx context.Context, accountID string) (h client.Client, err error) {
	defer func() {
		if r := recover(); r != nil {
			h = nil
			err = eris.Errorf("unexpected panic during login: %v", r)
		}
	}()

	acct, err := a.accounts.Get(accountID)
	if err != nil {
		return nil, eris.Wrap(err, "load account")
	}
	if acct.Status == model.StatusDeactivated {
		return nil, ErrDeactivated
	}

	p, err := a.accounts.ProxyFor(acct.ID)
	if err != nil {
		return nil, eris.Wrap(client.ErrProxyUnreachable, err.Error())
	}
	// Bind before any traffic: the session must be established over the
	// same egress it will be used from.
	proxyURL, err := a.binder.BindURL(acct.ID, p, time.Now())
	if err != nil {
		return nil, eris.Wrap(client.ErrProxyUnreachable, err.Error())
	}

	if stored, lerr := a.sessions.Load(ctx, acct.ID); lerr != nil {
		log.Printf("WARN: load session %s: %v", acct.ID, lerr)
	} else if stored != nil {
		if h, rerr := a.restore(ctx, acct, stored, proxyURL); rerr == nil {
			log.Printf("INFO: login %s: restored stored session", acct.ID)
			return h, nil
		} else {
			log.Printf("INFO: login %s: stored session unusable (%v), falling back to fresh login", acct.ID, rerr)
			if ierr := a.sessions.Invalidate(ctx, acct.ID); ierr != nil {
				log.Printf("WARN: invalidate session %s: %v", acct.ID, ierr)
			}
		}
	}

	return a.freshLogin(ctx, acct, proxyURL)
}

// restore applies a stored session to a fresh handle and probes it.
func (a *Authenticator) restore(ctx context.Context, acct *model.Account, stored *model.StoredSession, proxyURL string) (client.Client, error) {
	c := a.factory()
	ok := false
	defer func() {
		if !ok {
			c.Close()
		}
	}()

	if err := c.SetProxy(proxyURL); err != nil {
		return nil, eris.Wrap(err, "bind proxy")
	}
	if len(stored.Settings) > 0 {
		if err := c.SetSettings(stored.Settings); err != nil {
			return nil, eris.Wrap(err, "apply device settings")
		}
	}
	if len(stored.AuthState) == 0 {
		return nil, eris.Wrap(client.ErrSessionInvalid, "empty auth state")
	}
	if err := c.SetAuthState(stored.AuthState); err != nil {
		return nil, eris.Wrap(err, "apply auth state")
	}
	if err := c.Ping(ctx); err != nil {
		return nil, eris.Wrap(err, "liveness probe")
	}
	ok = true
	return c, nil
}

// freshLogin performs a clean authentication with challenge support and a
// hard timeout on the call itself.
func (a *Authenticator) freshLogin(ctx context.Context, acct *model.Account, proxyURL string) (client.Client, error) {
	c := a.factory()

	if err := c.SetProxy(proxyURL); err != nil {
		c.Close()
		return nil, eris.Wrap(err, "bind proxy")
	}

	// The device fingerprint is generated once per account and reused
	// forever so the service sees a consistent device identity.
	device, derr := a.sessions.LoadDevice(ctx, acct.ID)
	if derr != nil {
		log.Printf("WARN: load device %s: %v", acct.ID, derr)
	}
	if len(device) > 0 {
		if err := c.SetSettings(device); err != nil {
			c.Close()
			return nil, eris.Wrap(err, "apply device settings")
		}
	} else {
		generated, gerr := c.GetSettings()
		if gerr != nil {
			c.Close()
			return nil, eris.Wrap(gerr, "generate device settings")
		}
		if serr := a.sessions.SaveDevice(ctx, acct.ID, generated); serr != nil {
			log.Printf("WARN: persist device %s: %v", acct.ID, serr)
		}
	}

	c.SetChallengeResolver(a.challengeResolver(*acct))

	// Authentication runs on its own worker raced against the wall
	// clock. On timeout the worker is abandoned; nothing it does after
	// that point is trusted, which is why session persistence happens
	// below, only after the orchestrator observed success.
	loginCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- c.Login(loginCtx, acct.Username, acct.Password)
	}()

	timer := time.NewTimer(a.cfg.LoginTimeout)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			c.Close()
			return nil, eris.Wrap(err, "authenticate")
		}
	case <-timer.C:
		go func() { <-done; c.Close() }()
		return nil, ErrLoginTimeout
	case <-ctx.Done():
		go func() { <-done; c.Close() }()
		return nil, ctx.Err()
	}

	settings, err := c.GetSettings()
	if err != nil {
		log.Printf("WARN: export settings %s: %v", acct.ID, err)
		settings = device
	}
	authState, err := c.GetAuthState()
	if err != nil {
		c.Close()
		return nil, eris.Wrap(err, "export auth state")
	}
	sess := &model.StoredSession{
		Username:  acct.Username,
		AccountID: acct.ID,
		LastLogin: time.Now(),
		Settings:  settings,
		AuthState: authState,
	}
	if err := a.sessions.Save(ctx, acct.ID, sess); err != nil {
		// The handle is good; losing the blob only costs the next
		// restart a fresh login.
		log.Printf("WARN: persist session %s: %v", acct.ID, err)
	}
	return c, nil
}

// challengeResolver builds the hook the client calls when the service
// demands a verification code. Each invocation is one code cycle: it polls
// the mailbox with growing pauses and returns a code the service has not
// seen before. Without mailbox credentials the challenge is unsolvable and
// the resolver answers absent immediately.
func (a *Authenticator) challengeResolver(acct model.Account) client.ChallengeResolver {
	if !acct.HasMailbox() {
		return func(ctx context.Context) (string, error) {
			return "", nil
		}
	}

	fetcher := a.NewFetcher(acct)
	cycles := 0
	return func(ctx context.Context) (string, error) {
		if cycles >= a.cfg.MaxCodeCycles {
			log.Printf("WARN: challenge %s: code cycle budget exhausted", acct.ID)
			return "", nil
		}
		cycles++

		for round := 0; round < a.cfg.MailboxRounds; round++ {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(a.pause(round)):
			}
			code, err := fetcher.FetchCode(ctx, 1, 0)
			if err != nil {
				return "", err
			}
			if code != "" {
				return code, nil
			}
		}
		return "", nil
	}
}

func (a *Authenticator) pause(round int) time.Duration {
	if round >= len(a.cfg.ChallengePauses) {
		return a.cfg.ChallengePauses[len(a.cfg.ChallengePauses)-1]
	}
	return a.cfg.ChallengePauses[round]
}

// noteFailure tracks consecutive unclassified failures per account and
// reports whether this one is a repeat (which escalates to problematic).
func (a *Authenticator) noteFailure(accountID string, err error) bool {
	if isClassified(err) {
		a.clearFailures(accountID)
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.unknownStreak[accountID]++
	return a.unknownStreak[accountID] >= 2
}

func (a *Authenticator) clearFailures(accountID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.unknownStreak, accountID)
}

// noteProxyFailure counts consecutive proxy-classified failures against
// the account's assigned proxy, shared across every account behind it. A
// proxy failing login after login is suspect itself; the accounts are
// merely downstream of it.
func (a *Authenticator) noteProxyFailure(accountID string) (string, int) {
	p, err := a.accounts.ProxyFor(accountID)
	if err != nil || p == nil {
		return "", 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.proxyStreak[p.ID]++
	return p.ID, a.proxyStreak[p.ID]
}

// clearProxyFailures resets the streak of the account's assigned proxy:
// any outcome other than a proxy failure means the proxy carried traffic.
func (a *Authenticator) clearProxyFailures(accountID string) {
	p, err := a.accounts.ProxyFor(accountID)
	if err != nil || p == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.proxyStreak, p.ID)
}

func isClassified(err error) bool {
	return eris.Is(err, ErrLockBusy) ||
		eris.Is(err, ErrDeactivated) ||
		eris.Is(err, ErrLoginTimeout) ||
		eris.Is(err, client.ErrBadCredentials) ||
		eris.Is(err, client.ErrChallengeUnsolved) ||
		eris.Is(err, client.ErrProxyUnreachable) ||
		eris.Is(err, context.Canceled) ||
		eris.Is(err, context.DeadlineExceeded)
}
