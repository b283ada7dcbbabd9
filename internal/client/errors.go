package client

import "errors"

// Canonical errors a binding must wrap so login outcomes can be
// classified without knowledge of the underlying protocol.
var (
	// ErrBadCredentials: the service rejected the password. Permanent.
	ErrBadCredentials = errors.New("bad credentials")

	// ErrChallengeUnsolved: the service demanded a verification code
	// and none could be obtained or accepted.
	ErrChallengeUnsolved = errors.New("challenge unsolved")

	// ErrProxyUnreachable: traffic could not be routed through the
	// bound proxy.
	ErrProxyUnreachable = errors.New("proxy unreachable")

	// ErrSessionInvalid: restored authentication state was rejected.
	ErrSessionInvalid = errors.New("session invalid")

	// ErrClosed: the handle was closed and must not be reused.
	ErrClosed = errors.New("client closed")
)
