package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Simulator is an in-memory stand-in for the remote service, used by tests
// and by `fleetd serve` in simulation mode. Accounts are registered with
// scripted behavior; NewClient is a Factory.
type Simulator struct {
	mu       sync.Mutex
	accounts map[string]*SimAccount
	sessions map[string]string // auth token -> username
	seq      atomic.Int64
}

// SimAccount scripts the simulated service's behavior for one username.
type SimAccount struct {
	Username string
	Password string

	// RequireChallenge makes Login demand a verification code.
	RequireChallenge bool
	// ChallengeCode is the code the service accepts. With
	// RejectFirstCodes > 0, that many submitted codes are rejected
	// before any code equal to ChallengeCode is accepted.
	ChallengeCode    string
	RejectFirstCodes int

	// HangLogin makes Login block until the context is cancelled,
	// simulating a wedged upstream.
	HangLogin bool

	// RefuseProxy makes SetProxy fail for any non-empty URL.
	RefuseProxy bool

	// LoginCalls counts underlying authentication attempts.
	LoginCalls int

	rejected int
}

// NewSimulator creates an empty simulated service.
func NewSimulator() *Simulator {
	return &Simulator{
		accounts: make(map[string]*SimAccount),
		sessions: make(map[string]string),
	}
}

// Register adds or replaces a scripted account.
func (s *Simulator) Register(acct *SimAccount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[acct.Username] = acct
}

// Account returns the scripted account for inspection in tests.
func (s *Simulator) Account(username string) *SimAccount {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accounts[username]
}

// RevokeAll invalidates every session of a username, so existing handles
// fail their next Ping.
func (s *Simulator) RevokeAll(username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for token, user := range s.sessions {
		if user == username {
			delete(s.sessions, token)
		}
	}
}

// NewClient creates a fresh unauthenticated handle. Assignable to Factory.
func (s *Simulator) NewClient() Client {
	return &simClient{sim: s}
}

type simClient struct {
	sim      *Simulator
	mu       sync.Mutex
	closed   bool
	proxyURL string
	settings json.RawMessage
	token    string
	username string
	resolver ChallengeResolver
}

type simAuthState struct {
	Token    string `json:"token"`
	Username string `json:"username"`
}

func (c *simClient) SetProxy(proxyURL string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.proxyURL = proxyURL
	return nil
}

func (c *simClient) SetSettings(settings json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.settings = append(json.RawMessage(nil), settings...)
	return nil
}

func (c *simClient) GetSettings() (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.settings == nil {
		c.settings = json.RawMessage(fmt.Sprintf(`{"device_id":"sim-%s"}`, uuid.NewString()))
	}
	return c.settings, nil
}

func (c *simClient) SetAuthState(state json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	var auth simAuthState
	if err := json.Unmarshal(state, &auth); err != nil {
		return fmt.Errorf("%w: %v", ErrSessionInvalid, err)
	}
	c.token = auth.Token
	c.username = auth.Username
	return nil
}

func (c *simClient) GetAuthState() (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.token == "" {
		return nil, fmt.Errorf("%w: not authenticated", ErrSessionInvalid)
	}
	return json.Marshal(simAuthState{Token: c.token, Username: c.username})
}

func (c *simClient) SetChallengeResolver(resolver ChallengeResolver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resolver = resolver
}

func (c *simClient) Login(ctx context.Context, username, password string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	resolver := c.resolver
	proxyURL := c.proxyURL
	c.mu.Unlock()

	c.sim.mu.Lock()
	acct := c.sim.accounts[username]
	if acct != nil {
		acct.LoginCalls++
	}
	c.sim.mu.Unlock()

	if acct == nil || acct.Password != password {
		return fmt.Errorf("%w: user %s", ErrBadCredentials, username)
	}
	if acct.RefuseProxy && proxyURL != "" {
		return fmt.Errorf("%w: %s", ErrProxyUnreachable, proxyURL)
	}
	if acct.HangLogin {
		<-ctx.Done()
		return ctx.Err()
	}

	if acct.RequireChallenge {
		if err := c.solveChallenge(ctx, acct, resolver); err != nil {
			return err
		}
	}

	token := fmt.Sprintf("sim-%d", c.sim.seq.Add(1))
	c.sim.mu.Lock()
	c.sim.sessions[token] = username
	c.sim.mu.Unlock()

	c.mu.Lock()
	c.token = token
	c.username = username
	c.mu.Unlock()
	return nil
}

// solveChallenge plays the service side of the code dance: ask the
// resolver, reject the first RejectFirstCodes submissions, accept a
// matching code after that.
func (c *simClient) solveChallenge(ctx context.Context, acct *SimAccount, resolver ChallengeResolver) error {
	if resolver == nil {
		return fmt.Errorf("%w: no resolver installed", ErrChallengeUnsolved)
	}
	// The service gives up after a handful of wrong codes.
	for try := 0; try < 5; try++ {
		code, err := resolver(ctx)
		if err != nil {
			return fmt.Errorf("%w: resolver: %v", ErrChallengeUnsolved, err)
		}
		if code == "" {
			return fmt.Errorf("%w: no code available", ErrChallengeUnsolved)
		}

		c.sim.mu.Lock()
		reject := acct.rejected < acct.RejectFirstCodes
		if reject {
			acct.rejected++
		}
		c.sim.mu.Unlock()

		if !reject && code == acct.ChallengeCode {
			return nil
		}
	}
	return fmt.Errorf("%w: too many wrong codes", ErrChallengeUnsolved)
}

func (c *simClient) Ping(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	token := c.token
	c.mu.Unlock()

	if token == "" {
		return fmt.Errorf("%w: not authenticated", ErrSessionInvalid)
	}
	c.sim.mu.Lock()
	_, ok := c.sim.sessions[token]
	c.sim.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: session revoked", ErrSessionInvalid)
	}
	return nil
}

func (c *simClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
