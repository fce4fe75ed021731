package challenge

import (
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const sessionIssuer = "rolegate"

// SessionClaims are the claims of the CLI session credential minted on
// challenge consumption.
type SessionClaims struct {
	Groups []string `json:"groups,omitempty"`
	jwt.RegisteredClaims
}

// mintSession signs the session credential bound to the approved user and
// groups.
func (m *Manager) mintSession(tok Token) (*Credential, error) {
	now := m.now().UTC()
	exp := now.Add(m.sessionTTL)
	claims := SessionClaims{
		Groups: tok.Groups,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    sessionIssuer,
			Subject:   tok.User,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.signKey)
	if err != nil {
		return nil, err
	}
	return &Credential{
		Status:     StatusSuccess,
		CookieName: m.cookieName,
		Expiration: exp,
		Encoded:    signed,
		User:       tok.User,
	}, nil
}

// VerifySession validates a session credential and returns its claims.
// Used by the HTTP layer to authenticate CLI callers that came through
// the challenge handshake.
func (m *Manager) VerifySession(token string) (*SessionClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("challenge: empty session token")
	}
	parsed, err := jwt.ParseWithClaims(token, &SessionClaims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("challenge: unexpected signing method")
		}
		return m.signKey, nil
	}, jwt.WithIssuer(sessionIssuer), jwt.WithTimeFunc(m.now))
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*SessionClaims)
	if !ok || !parsed.Valid {
		return nil, errors.New("challenge: invalid session token")
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, errors.New("challenge: session token missing subject")
	}
	return claims, nil
}
