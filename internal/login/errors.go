package login

import (
	"context"
	"regexp"

	"github.com/rotisserie/eris"

	"github.com/accfleet/fleetd/internal/client"
	"github.com/accfleet/fleetd/internal/model"
)

var (
	// ErrLockBusy: another login for the same account is in flight.
	ErrLockBusy = eris.New("account lock busy")

	// ErrLoginTimeout: the authentication worker did not finish within
	// the wall-clock budget and was abandoned.
	ErrLoginTimeout = eris.New("login timed out")

	// ErrDeactivated: the account was manually taken out of rotation
	// and must not be logged in automatically.
	ErrDeactivated = eris.New("account manually deactivated")
)

// Classify maps a login failure to the account status and the short
// human-readable message recorded on the account. repeatedUnknown marks an
// unclassified error that has now occurred on consecutive attempts, which
// escalates the account to problematic.
func Classify(err error, repeatedUnknown bool) (model.Status, string) {
	switch {
	case eris.Is(err, ErrDeactivated):
		return model.StatusDeactivated, "manually deactivated"
	case eris.Is(err, client.ErrBadCredentials):
		// Permanent: retrying cannot help until the operator fixes
		// the password.
		return model.StatusProblematic, "bad credentials"
	case eris.Is(err, client.ErrChallengeUnsolved):
		return model.StatusChallengeRequired, "verification challenge unsolved"
	case eris.Is(err, ErrLoginTimeout):
		return model.StatusLoginRequired, "login timed out"
	case eris.Is(err, client.ErrProxyUnreachable):
		// Transient, and likely the proxy's fault rather than the
		// account's.
		return model.StatusLoginRequired, "proxy error: " + short(err)
	case eris.Is(err, context.Canceled), eris.Is(err, context.DeadlineExceeded):
		return model.StatusLoginRequired, "login cancelled"
	case repeatedUnknown:
		return model.StatusProblematic, "repeated failure: " + short(err)
	default:
		return model.StatusLoginRequired, short(err)
	}
}

// urlCreds matches the userinfo part of URLs embedded in error messages.
var urlCreds = regexp.MustCompile(`//[^/@\s]+@`)

// short keeps last_error readable on dashboards and strips any
// credentials a wrapped error may carry in a URL.
func short(err error) string {
	msg := urlCreds.ReplaceAllString(err.Error(), "//")
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
