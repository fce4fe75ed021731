// Package challenge implements the browser-mediated authentication
// handshake for CLI clients that cannot present a client certificate: a
// short-lived token the CLI polls while a human approves it in an
// authenticated browser session.
package challenge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"rolegate.org/internal/config"
	"rolegate.org/internal/obs"
	"rolegate.org/internal/store"
)

// KeyPrefix namespaces challenge tokens in the store.
const KeyPrefix = "challenge/"

// Token statuses. "visited" and terminal outcomes are derived, not stored.
const (
	StatusPending = "pending"
	StatusSuccess = "success"
)

var (
	// ErrUnknown means the token does not exist (never created, already
	// consumed, or garbage-collected).
	ErrUnknown = errors.New("challenge: unknown token")
	// ErrExpired means the token's TTL elapsed.
	ErrExpired = errors.New("challenge: token expired")
	// ErrAlreadyVisited enforces the single-view URL.
	ErrAlreadyVisited = errors.New("challenge: URL already visited")
	// ErrIPMismatch means the browser or poller IP does not match the
	// creator IP.
	ErrIPMismatch = errors.New("challenge: IP mismatch")
	// ErrBadNonce means the posted nonce does not match the stored one.
	ErrBadNonce = errors.New("challenge: nonce mismatch")
)

// Token is one challenge through its lifecycle. Mutated in place via
// read-modify-write on its single store key.
type Token struct {
	Token   string   `json:"token"`
	TTL     int64    `json:"ttl"`
	IP      string   `json:"ip"`
	User    string   `json:"user,omitempty"`
	Status  string   `json:"status"`
	Visited bool     `json:"visited"`
	Nonce   string   `json:"nonce,omitempty"`
	Groups  []string `json:"groups,omitempty"`
}

// Credential is the payload the CLI receives exactly once per token.
type Credential struct {
	Status     string    `json:"status"`
	CookieName string    `json:"cookie_name"`
	Expiration time.Time `json:"expiration"`
	Encoded    string    `json:"encoded_credential"`
	User       string    `json:"user"`
}

// PollResult is the answer to one poll call. Credential is non-nil only
// on the single successful consumption.
type PollResult struct {
	Status     string
	Credential *Credential
}

// Manager drives the state machine on top of the store adapter.
type Manager struct {
	store      *store.Adapter
	tenant     func(string) config.Tenant
	signKey    []byte
	cookieName string
	sessionTTL time.Duration
	now        func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithSessionTTL sets the lifetime of the minted session credential.
func WithSessionTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.sessionTTL = ttl
		}
	}
}

// WithClock overrides the time source (tests).
func WithClock(fn func() time.Time) Option {
	return func(m *Manager) {
		if fn != nil {
			m.now = fn
		}
	}
}

// NewManager wires the state machine. signKey signs the session
// credential minted on successful consumption.
func NewManager(adapter *store.Adapter, tenantFn func(string) config.Tenant, signKey []byte, cookieName string, opts ...Option) (*Manager, error) {
	if len(signKey) == 0 {
		return nil, errors.New("challenge: signing key is required")
	}
	m := &Manager{
		store:      adapter,
		tenant:     tenantFn,
		signKey:    signKey,
		cookieName: cookieName,
		sessionTTL: 12 * time.Hour,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Create issues a new pending token bound to the creator IP.
func (m *Manager) Create(ctx context.Context, tenant, ip string) (Token, error) {
	settings := m.tenant(tenant)
	tok := Token{
		Token:  uuid.NewString(),
		TTL:    m.now().Add(settings.ChallengeWindow).Unix(),
		IP:     ip,
		Status: StatusPending,
	}
	if err := m.put(ctx, tenant, tok); err != nil {
		obs.ChallengeTransitions.WithLabelValues("create", "error").Inc()
		return Token{}, err
	}
	obs.ChallengeTransitions.WithLabelValues("create", "ok").Inc()
	return tok, nil
}

// ValidateGet is the browser's first visit: single-view, IP-checked, and
// on success marks the token visited and mints the nonce the approval
// form must echo back.
func (m *Manager) ValidateGet(ctx context.Context, tenant, token, browserIP string) (string, error) {
	tok, err := m.load(ctx, tenant, token)
	m.collectExpired(ctx, tenant)
	if err != nil {
		obs.ChallengeTransitions.WithLabelValues("validate_get", "unknown").Inc()
		return "", err
	}
	if m.expired(tok) {
		obs.ChallengeTransitions.WithLabelValues("validate_get", "expired").Inc()
		return "", ErrExpired
	}
	if tok.Visited {
		obs.ChallengeTransitions.WithLabelValues("validate_get", "revisit").Inc()
		return "", ErrAlreadyVisited
	}
	if err := m.checkIP(tenant, tok, browserIP); err != nil {
		// Refuse without mutating: a wrong-network visit must not burn
		// the single view.
		obs.ChallengeTransitions.WithLabelValues("validate_get", "ip_mismatch").Inc()
		return "", err
	}

	tok.Visited = true
	tok.Nonce = uuid.NewString()
	if err := m.put(ctx, tenant, tok); err != nil {
		return "", err
	}
	obs.ChallengeTransitions.WithLabelValues("validate_get", "ok").Inc()
	return tok.Nonce, nil
}

// ValidatePost is the browser's approval action: nonce must match
// exactly, IP is re-checked, and the browser-authenticated user and
// groups are bound onto the token.
func (m *Manager) ValidatePost(ctx context.Context, tenant, token, nonce, browserIP, user string, groups []string) error {
	tok, err := m.load(ctx, tenant, token)
	if err != nil {
		obs.ChallengeTransitions.WithLabelValues("validate_post", "unknown").Inc()
		return err
	}
	if m.expired(tok) {
		obs.ChallengeTransitions.WithLabelValues("validate_post", "expired").Inc()
		return ErrExpired
	}
	if tok.Nonce == "" || tok.Nonce != nonce {
		obs.ChallengeTransitions.WithLabelValues("validate_post", "bad_nonce").Inc()
		return ErrBadNonce
	}
	if err := m.checkIP(tenant, tok, browserIP); err != nil {
		obs.ChallengeTransitions.WithLabelValues("validate_post", "ip_mismatch").Inc()
		return err
	}

	tok.Status = StatusSuccess
	tok.User = user
	tok.Groups = append([]string(nil), groups...)
	if err := m.put(ctx, tenant, tok); err != nil {
		return err
	}
	obs.ChallengeTransitions.WithLabelValues("validate_post", "ok").Inc()
	return nil
}

// Poll answers immediately with the token's current state. On success it
// mints the session credential, deletes the token and returns the payload;
// the delete happens only after the payload is built, so a crash between
// the two loses the credential rather than double-issuing it.
func (m *Manager) Poll(ctx context.Context, tenant, token, pollerIP string) (PollResult, error) {
	// Load before the sweep so a just-expired token still reports
	// "expired" rather than "unknown".
	tok, err := m.load(ctx, tenant, token)
	m.collectExpired(ctx, tenant)
	if err != nil {
		return PollResult{Status: "unknown"}, nil
	}
	if m.expired(tok) {
		// Removal is a side effect of observing expiry.
		_ = m.store.Delete(ctx, tenant, KeyPrefix+tok.Token)
		obs.ChallengeTransitions.WithLabelValues("poll", "expired").Inc()
		return PollResult{Status: "expired"}, nil
	}
	if err := m.checkIP(tenant, tok, pollerIP); err != nil {
		obs.ChallengeTransitions.WithLabelValues("poll", "ip_mismatch").Inc()
		return PollResult{Status: "unauthorized"}, nil
	}
	if tok.Status != StatusSuccess {
		return PollResult{Status: "pending"}, nil
	}

	cred, err := m.mintSession(tok)
	if err != nil {
		return PollResult{}, err
	}
	if err := m.store.Delete(ctx, tenant, KeyPrefix+tok.Token); err != nil {
		return PollResult{}, fmt.Errorf("challenge: consume token: %w", err)
	}
	obs.ChallengeTransitions.WithLabelValues("poll", "consumed").Inc()
	return PollResult{Status: StatusSuccess, Credential: cred}, nil
}

// collectExpired lazily deletes every expired token in the tenant's
// namespace. Best effort; the per-token TTL checks stay authoritative.
func (m *Manager) collectExpired(ctx context.Context, tenant string) {
	keys, err := m.store.Keys(ctx, tenant, KeyPrefix)
	if err != nil {
		return
	}
	for _, key := range keys {
		raw, ok := m.store.Get(ctx, tenant, key, 0)
		if !ok {
			continue
		}
		var tok Token
		if err := json.Unmarshal(raw, &tok); err != nil {
			_ = m.store.Delete(ctx, tenant, key)
			continue
		}
		if m.expired(tok) {
			_ = m.store.Delete(ctx, tenant, key)
		}
	}
}

func (m *Manager) load(ctx context.Context, tenant, token string) (Token, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Token{}, ErrUnknown
	}
	raw, ok := m.store.Get(ctx, tenant, KeyPrefix+token, 0)
	if !ok {
		return Token{}, ErrUnknown
	}
	var tok Token
	if err := json.Unmarshal(raw, &tok); err != nil {
		return Token{}, ErrUnknown
	}
	return tok, nil
}

func (m *Manager) put(ctx context.Context, tenant string, tok Token) error {
	raw, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	return m.store.Put(ctx, tenant, KeyPrefix+tok.Token, raw)
}

func (m *Manager) expired(tok Token) bool {
	return m.now().Unix() > tok.TTL
}

func (m *Manager) checkIP(tenant string, tok Token, ip string) error {
	if !m.tenant(tenant).ChallengeIPExact {
		return nil
	}
	if tok.IP != ip {
		return ErrIPMismatch
	}
	return nil
}
