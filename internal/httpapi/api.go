// Package httpapi is the HTTP boundary: authentication of callers,
// request decoding, and translation of typed domain errors into the
// numbered wire contract.
package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"rolegate.org/internal/challenge"
	"rolegate.org/internal/gate"
	"rolegate.org/internal/mapping"
	"rolegate.org/internal/obs"
	"rolegate.org/internal/resolve"
)

// ReadyProbe is a simple readiness check (for example a DB ping).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string

	engine     *mapping.Engine
	gate       *gate.Gate
	challenges *challenge.Manager
	accounts   resolve.AccountIndex
	appRoles   resolve.AppRoleLookup

	cookieName string
	readMaxAge func(tenant string) time.Duration

	rateBurst    int
	ratePerSec   int
	maxBodyBytes int64
}

// defaultReadMaxAge caps how stale an authorization-mapping snapshot may
// be before the read paths treat it as absent.
const defaultReadMaxAge = 5 * time.Minute

// Deps bundles the domain collaborators the API serves.
type Deps struct {
	Engine     *mapping.Engine
	Gate       *gate.Gate
	Challenges *challenge.Manager
	Accounts   resolve.AccountIndex
	AppRoles   resolve.AppRoleLookup
	CookieName string

	// ReadMaxAge resolves the per-tenant mapping freshness bound. Nil
	// falls back to defaultReadMaxAge for every tenant.
	ReadMaxAge func(tenant string) time.Duration
}

func New(rp ReadyProbe, version string, deps Deps) *API {
	a := &API{
		mux:          http.NewServeMux(),
		readyProbe:   rp,
		version:      version,
		engine:       deps.Engine,
		gate:         deps.Gate,
		challenges:   deps.Challenges,
		accounts:     deps.Accounts,
		appRoles:     deps.AppRoles,
		cookieName:   deps.CookieName,
		readMaxAge:   deps.ReadMaxAge,
		rateBurst:    20,
		ratePerSec:   10,
		maxBodyBytes: 1 << 20,
	}
	if a.readMaxAge == nil {
		a.readMaxAge = func(string) time.Duration { return defaultReadMaxAge }
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// credential issuance
	a.mux.HandleFunc("/v1/credentials", a.handleCredentials)
	a.mux.HandleFunc("/v1/roles", a.handleRoles)

	// CLI challenge handshake
	a.mux.HandleFunc("/v1/challenge", a.handleChallengeCreate)
	a.mux.HandleFunc("/v1/challenge/validate", a.handleChallengeValidate)
	a.mux.HandleFunc("/v1/challenge/poll", a.handleChallengePoll)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// SetRateLimit overrides the default per-IP rate limit.
func (a *API) SetRateLimit(burst, perSec int) {
	if burst > 0 {
		a.rateBurst = burst
	}
	if perSec > 0 {
		a.ratePerSec = perSec
	}
}

// SetMaxBodyBytes overrides the request body cap.
func (a *API) SetMaxBodyBytes(n int64) {
	if n > 0 {
		a.maxBodyBytes = n
	}
}

// Handler returns the fully wrapped http.Handler for the server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = MaxBodyBytes(h, a.maxBodyBytes)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = LoggingJSON(h)
	h = SecurityHeaders(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "rolegate-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "rolegate-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}
