package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"rolegate.org/internal/audit"
	"rolegate.org/internal/challenge"
	"rolegate.org/internal/gate"
	"rolegate.org/internal/resolve"
)

type credentialsRequest struct {
	Role        string `json:"role,omitempty"`
	Account     string `json:"account,omitempty"`
	UserRole    bool   `json:"user_role,omitempty"`
	App         string `json:"app,omitempty"`
	AccountHint string `json:"account_hint,omitempty"`

	ReadOnly             bool     `json:"read_only,omitempty"`
	NoIPRestriction      bool     `json:"no_ip_restriction,omitempty"`
	CustomIPRestrictions []string `json:"custom_ip_restrictions,omitempty"`
}

type credentialsResponse struct {
	Role        string           `json:"role"`
	AccountID   string           `json:"account_id"`
	Credentials gate.Credentials `json:"credentials"`
}

func (a *API) handleCredentials(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	c, err := a.callerFromRequest(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	var req credentialsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	ctx := audit.WithIdentity(r.Context(), c.Identity)
	tenant := tenantFromRequest(r)

	authorized := a.engine.AuthorizedRoles(ctx, tenant, c.Identity, c.Groups, c.FromSession, a.readMaxAge(tenant))

	resolved, err := resolve.Resolve(ctx, resolve.Request{
		Role:        req.Role,
		Account:     req.Account,
		UserRole:    req.UserRole,
		App:         req.App,
		AccountHint: req.AccountHint,
	}, resolve.Inputs{
		Identity:        c.Identity,
		AuthorizedRoles: authorized,
		IsApplication:   c.IsApplication,
		Accounts:        a.accounts,
		AppRoles:        a.appRoles,
	})
	if err != nil {
		gerr := gate.FromResolveError(err)
		_ = audit.LogEvent(ctx, "credentials.denied", map[string]any{
			"tenant": tenant,
			"stage":  gerr.Stage,
			"code":   strconv.Itoa(int(gerr.Code)),
		})
		writeGateError(w, r, gerr)
		return
	}

	creds, err := a.gate.Issue(ctx, gate.IssueRequest{
		Identity:             c.Identity,
		Role:                 resolved,
		CertAge:              c.CertAge,
		RequestIPBypass:      req.NoIPRestriction,
		ReadOnly:             req.ReadOnly,
		CustomIPRestrictions: req.CustomIPRestrictions,
		RequesterIP:          clientIP(r),
	})
	if err != nil {
		var gerr *gate.Error
		if errors.As(err, &gerr) {
			_ = audit.LogEvent(ctx, "credentials.denied", map[string]any{
				"tenant": tenant,
				"role":   resolved.ARN,
				"stage":  gerr.Stage,
				"code":   strconv.Itoa(int(gerr.Code)),
			})
			writeGateError(w, r, gerr)
			return
		}
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	_ = audit.LogEvent(ctx, "credentials.issued", map[string]any{
		"tenant":    tenant,
		"role":      resolved.ARN,
		"account":   resolved.AccountID,
		"user_role": strconv.FormatBool(resolved.IsUserRole),
		"read_only": strconv.FormatBool(req.ReadOnly),
	})

	writeJSON(w, http.StatusOK, credentialsResponse{
		Role:        resolved.ARN,
		AccountID:   resolved.AccountID,
		Credentials: creds,
	})
}

func (a *API) handleRoles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	c, err := a.callerFromRequest(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	tenant := tenantFromRequest(r)

	includeCLI := c.FromSession
	if v := r.URL.Query().Get("cli"); v != "" {
		includeCLI, _ = strconv.ParseBool(v)
	}

	roles := a.engine.AuthorizedRoles(r.Context(), tenant, c.Identity, c.Groups, includeCLI, a.readMaxAge(tenant))
	writeJSON(w, http.StatusOK, map[string]any{
		"identity": c.Identity,
		"roles":    roles,
	})
}

// --- challenge handshake ---

type challengeCreateResponse struct {
	Token       string `json:"token"`
	ExpiresAt   int64  `json:"expires_at"`
	ValidateURL string `json:"validate_url"`
	PollURL     string `json:"poll_url"`
}

// handleChallengeCreate is deliberately unauthenticated: the CLI calling
// it has no credential yet. The token is bound to the caller IP.
func (a *API) handleChallengeCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	tenant := tenantFromRequest(r)

	tok, err := a.challenges.Create(r.Context(), tenant, clientIP(r))
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	_ = audit.LogEvent(r.Context(), "challenge.created", map[string]any{
		"tenant": tenant,
		"token":  tok.Token,
	})
	writeJSON(w, http.StatusCreated, challengeCreateResponse{
		Token:       tok.Token,
		ExpiresAt:   tok.TTL,
		ValidateURL: "/v1/challenge/validate?token=" + tok.Token,
		PollURL:     "/v1/challenge/poll?token=" + tok.Token,
	})
}

type challengeApproveRequest struct {
	Token string `json:"token"`
	Nonce string `json:"nonce"`
}

// handleChallengeValidate serves the browser side: GET marks the single
// view and hands out the nonce, POST approves with it. Both require a
// certificate-authenticated caller.
func (a *API) handleChallengeValidate(w http.ResponseWriter, r *http.Request) {
	c, err := a.callerFromRequest(r)
	if err != nil || c.FromSession || c.IsApplication {
		writeError(w, r, http.StatusUnauthorized, "certificate authentication required")
		return
	}
	ctx := audit.WithIdentity(r.Context(), c.Identity)
	tenant := tenantFromRequest(r)

	switch r.Method {
	case http.MethodGet:
		token := strings.TrimSpace(r.URL.Query().Get("token"))
		nonce, err := a.challenges.ValidateGet(ctx, tenant, token, clientIP(r))
		if err != nil {
			writeChallengeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"token": token,
			"nonce": nonce,
		})

	case http.MethodPost:
		var req challengeApproveRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if err := a.challenges.ValidatePost(ctx, tenant, req.Token, req.Nonce, clientIP(r), c.Identity, c.Groups); err != nil {
			writeChallengeError(w, r, err)
			return
		}
		_ = audit.LogEvent(ctx, "challenge.approved", map[string]any{
			"tenant": tenant,
			"token":  req.Token,
		})
		writeJSON(w, http.StatusOK, map[string]any{"status": "success"})

	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

// handleChallengePoll is the CLI side. On success the flat session
// credential is the body and is also set as a cookie; the token is
// consumed.
func (a *API) handleChallengePoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	tenant := tenantFromRequest(r)
	token := strings.TrimSpace(r.URL.Query().Get("token"))

	res, err := a.challenges.Poll(r.Context(), tenant, token, clientIP(r))
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	if res.Credential != nil {
		http.SetCookie(w, &http.Cookie{
			Name:     res.Credential.CookieName,
			Value:    res.Credential.Encoded,
			Expires:  res.Credential.Expiration,
			Path:     "/",
			HttpOnly: true,
			Secure:   true,
			SameSite: http.SameSiteStrictMode,
		})
		_ = audit.LogEvent(r.Context(), "challenge.consumed", map[string]any{
			"tenant": tenant,
			"token":  token,
			"user":   res.Credential.User,
		})
		writeJSON(w, http.StatusOK, res.Credential)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": res.Status})
}

func writeChallengeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, challenge.ErrUnknown):
		writeError(w, r, http.StatusNotFound, "unknown challenge token")
	case errors.Is(err, challenge.ErrExpired):
		writeError(w, r, http.StatusGone, "challenge token expired")
	case errors.Is(err, challenge.ErrAlreadyVisited):
		writeError(w, r, http.StatusConflict, "challenge URL already visited")
	case errors.Is(err, challenge.ErrIPMismatch):
		writeError(w, r, http.StatusForbidden, "request origin does not match")
	case errors.Is(err, challenge.ErrBadNonce):
		writeError(w, r, http.StatusForbidden, "nonce mismatch")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
