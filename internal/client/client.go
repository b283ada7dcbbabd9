// Package client defines the behavioral contract of the remote service's
// client library. The wire protocol lives in an external binding supplied
// by the embedding application; everything in this repository depends only
// on this interface.
package client

import (
	"context"
	"encoding/json"
)

// ChallengeResolver produces a one-time verification code when the remote
// service demands one during login. Returning an empty code means the
// challenge cannot be solved. The client may invoke the resolver again if
// the service rejects a submitted code; each invocation must produce a
// fresh code.
type ChallengeResolver func(ctx context.Context) (string, error)

// Client is one connection-scoped handle onto the remote service for a
// single account. Implementations are not required to be safe for
// concurrent use; the manager serializes access per account.
type Client interface {
	// SetProxy routes all subsequent traffic through the proxy URL.
	// Must be called before Login; an empty URL means direct egress.
	SetProxy(proxyURL string) error

	// SetSettings applies a previously exported device fingerprint so
	// the service sees a consistent device identity across logins.
	SetSettings(settings json.RawMessage) error

	// GetSettings exports the current device fingerprint.
	GetSettings() (json.RawMessage, error)

	// SetAuthState restores exported authentication material (cookies,
	// tokens) from an earlier session.
	SetAuthState(state json.RawMessage) error

	// GetAuthState exports the current authentication material for
	// persistence. Only meaningful after a successful Login or
	// SetAuthState.
	GetAuthState() (json.RawMessage, error)

	// SetChallengeResolver installs the hook used to answer one-time
	// code challenges. Must be installed before Login.
	SetChallengeResolver(resolver ChallengeResolver)

	// Login authenticates with the given credentials.
	Login(ctx context.Context, username, password string) error

	// Ping is a cheap authenticated call confirming the session is
	// still usable.
	Ping(ctx context.Context) error

	// Close releases the handle. A closed client must not be reused.
	Close() error
}

// Factory creates fresh, unauthenticated client handles.
type Factory func() Client
