package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"
)

// Identity headers set by the TLS-terminating front proxy after client
// certificate verification. The service trusts them; it must never be
// reachable except through that proxy.
const (
	headerUser       = "X-Rolegate-User"
	headerGroups     = "X-Rolegate-Groups"
	headerCertIssued = "X-Rolegate-Cert-Issued"
	headerApp        = "X-Rolegate-App"
	headerTenant     = "X-Rolegate-Tenant"
)

const defaultTenant = "default"

var errUnauthenticated = errors.New("no verified identity on request")

// caller is the authenticated requester, from either a verified client
// certificate (headers) or a challenge session cookie (CLI).
type caller struct {
	Identity      string
	Groups        []string
	CertAge       time.Duration
	IsApplication bool
	FromSession   bool
}

// callerFromRequest resolves the requester identity. Certificate headers
// win over the session cookie; application identities carry no groups
// and no certificate age check.
func (a *API) callerFromRequest(r *http.Request) (caller, error) {
	if app := strings.TrimSpace(r.Header.Get(headerApp)); app != "" {
		return caller{Identity: app, IsApplication: true}, nil
	}

	if user := strings.TrimSpace(r.Header.Get(headerUser)); user != "" {
		c := caller{Identity: user, Groups: splitGroups(r.Header.Get(headerGroups))}
		if issued := strings.TrimSpace(r.Header.Get(headerCertIssued)); issued != "" {
			ts, err := time.Parse(time.RFC3339, issued)
			if err != nil {
				return caller{}, errors.New("malformed " + headerCertIssued + " header")
			}
			c.CertAge = time.Since(ts)
		}
		return c, nil
	}

	if a.challenges != nil {
		if cookie, err := r.Cookie(a.cookieName); err == nil {
			claims, err := a.challenges.VerifySession(cookie.Value)
			if err != nil {
				return caller{}, errUnauthenticated
			}
			c := caller{Identity: claims.Subject, Groups: claims.Groups, FromSession: true}
			if claims.IssuedAt != nil {
				c.CertAge = time.Since(claims.IssuedAt.Time)
			}
			return c, nil
		}
	}

	return caller{}, errUnauthenticated
}

func tenantFromRequest(r *http.Request) string {
	if t := strings.TrimSpace(r.Header.Get(headerTenant)); t != "" {
		return t
	}
	return defaultTenant
}

func splitGroups(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	groups := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			groups = append(groups, p)
		}
	}
	return groups
}
