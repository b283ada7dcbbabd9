// Package proxy resolves a proxy assignment into a connection URL.
// Rotating-credential proxies get a per-account session token so that
// repeated logins within the same time bucket keep the same egress IP.
package proxy

import (
	"crypto/sha256"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/accfleet/fleetd/internal/model"
)

// DefaultBucket is how long a rotating proxy keeps the same egress IP for
// a given account.
const DefaultBucket = 10 * time.Minute

// Rotating-credential providers encode rotation in the username.
var rotatingMarkers = []string{"session-", "sessid-", "-rotate"}

// Binder builds connection URLs for assigned proxies.
type Binder struct {
	// Bucket is the rotation window. Zero means DefaultBucket.
	Bucket time.Duration
}

// IsRotating reports whether the proxy uses rotating credentials.
func IsRotating(p *model.Proxy) bool {
	u := strings.ToLower(p.Username)
	for _, m := range rotatingMarkers {
		if strings.Contains(u, m) {
			return true
		}
	}
	return false
}

// BindURL produces the connection URL for an account's proxy. The caller
// must apply it to the remote client before starting authentication, so
// the session is established over the same network path it will be used
// from.
func (b Binder) BindURL(accountID string, p *model.Proxy, now time.Time) (string, error) {
	if p == nil {
		return "", nil
	}
	if p.Host == "" || p.Port == 0 {
		return "", fmt.Errorf("proxy %s: host and port required", p.ID)
	}

	scheme := p.Protocol
	if scheme == "" {
		scheme = "http"
	}

	username := p.Username
	if IsRotating(p) {
		token := sessionToken(accountID, now, b.bucket())
		if strings.HasSuffix(username, "-") {
			username += token
		} else {
			username += "-" + token
		}
	}

	u := url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(p.Host, fmt.Sprintf("%d", p.Port)),
	}
	if strings.TrimSpace(username) != "" {
		if p.Password != "" {
			u.User = url.UserPassword(username, p.Password)
		} else {
			u.User = url.User(username)
		}
	}
	return u.String(), nil
}

func (b Binder) bucket() time.Duration {
	if b.Bucket > 0 {
		return b.Bucket
	}
	return DefaultBucket
}

// sessionToken derives a stable 8-hex-char token from (account, time bucket).
// Same bucket, same token, same egress IP; the token changes when the
// bucket rolls over.
func sessionToken(accountID string, now time.Time, bucket time.Duration) string {
	slot := now.Unix() / int64(bucket.Seconds())
	h := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", accountID, slot)))
	return fmt.Sprintf("%x", h[:4])
}
