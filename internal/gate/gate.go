// Package gate sequences the security checks in front of credential
// vending: certificate freshness, optional MFA step-up, and source-IP
// restriction. Stages run in fixed order and short-circuit on failure.
package gate

import (
	"context"
	"time"

	"rolegate.org/internal/obs"
	"rolegate.org/internal/resolve"
)

// CertAgePolicy looks up the per-role maximum certificate age. External
// collaborator; a lookup failure falls back to the configured default
// rather than blocking issuance outright.
type CertAgePolicy interface {
	MaxAge(ctx context.Context, roleARN string) (time.Duration, error)
}

// Notifier delivers a push-style MFA challenge and blocks until the user
// answers or ctx expires. approved=false with a nil error is an explicit
// denial.
type Notifier interface {
	Push(ctx context.Context, user, message string) (approved bool, err error)
}

// VendRequest is the call into the external credential vendor.
type VendRequest struct {
	Identity             string
	RoleARN              string
	AccountID            string
	EnforceIPRestriction bool
	UserRole             bool
	CustomIPRestrictions []string
	ReadOnly             bool
	RequesterIP          string
}

// Bundle is the raw vendor response, metadata included.
type Bundle struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Expiration      time.Time

	// Vendor metadata stripped before the bundle reaches the caller.
	AssumedRoleARN   string
	AssumedRoleID    string
	PackedPolicySize int
	RequestID        string
}

// Vendor performs the actual credential issuance. External collaborator.
type Vendor interface {
	Vend(ctx context.Context, req VendRequest) (Bundle, error)
}

// Credentials is the cleaned bundle returned to callers.
type Credentials struct {
	AccessKeyID     string    `json:"access_key_id"`
	SecretAccessKey string    `json:"secret_access_key"`
	SessionToken    string    `json:"session_token"`
	Expiration      time.Time `json:"expiration"`
}

// RoleFlags reports per-role policy tags the gate honors. External
// collaborator (typically the same inventory the role-tag generator
// scans).
type RoleFlags interface {
	BypassesIPRestriction(ctx context.Context, roleARN string) bool
}

// Gate is the fixed-order issuance pipeline.
type Gate struct {
	policy   CertAgePolicy
	notifier Notifier
	vendor   Vendor
	flags    RoleFlags

	defaultMaxCertAge time.Duration
	mfaTimeout        time.Duration
}

// New wires the pipeline. defaultMaxCertAge guards against policy-lookup
// failures; mfaTimeout bounds the step-up wait.
func New(policy CertAgePolicy, notifier Notifier, vendor Vendor, flags RoleFlags, defaultMaxCertAge, mfaTimeout time.Duration) *Gate {
	return &Gate{
		policy:            policy,
		notifier:          notifier,
		vendor:            vendor,
		flags:             flags,
		defaultMaxCertAge: defaultMaxCertAge,
		mfaTimeout:        mfaTimeout,
	}
}

// IssueRequest is one pass through the gate.
type IssueRequest struct {
	Identity string
	Role     resolve.ResolvedRole

	// CertAge is the age of the client certificate, supplied by the
	// transport layer.
	CertAge time.Duration

	// RequestIPBypass is the caller explicitly asking to bypass the IP
	// restriction; granting it requires MFA step-up.
	RequestIPBypass bool

	ReadOnly             bool
	CustomIPRestrictions []string
	RequesterIP          string
}

// Issue runs the pipeline. Each stage failure is logged exactly once here
// with the acting identity, the requested role and the stage name;
// upstream callers only count.
func (g *Gate) Issue(ctx context.Context, req IssueRequest) (Credentials, error) {
	if err := g.checkCertAge(ctx, req); err != nil {
		return Credentials{}, err
	}

	enforceIP := true
	if req.RequestIPBypass {
		relaxed, err := g.stepUp(ctx, req)
		if err != nil {
			return Credentials{}, err
		}
		// Relaxation applies to this single issuance only.
		enforceIP = !relaxed
	}
	if enforceIP && g.flags != nil && g.flags.BypassesIPRestriction(ctx, req.Role.ARN) {
		enforceIP = false
	}

	bundle, err := g.vendor.Vend(ctx, VendRequest{
		Identity:             req.Identity,
		RoleARN:              req.Role.ARN,
		AccountID:            req.Role.AccountID,
		EnforceIPRestriction: enforceIP,
		UserRole:             req.Role.IsUserRole,
		CustomIPRestrictions: req.CustomIPRestrictions,
		ReadOnly:             req.ReadOnly,
		RequesterIP:          req.RequesterIP,
	})
	if err != nil {
		g.deny("vend", req, err)
		return Credentials{}, &Error{Code: CodeVendorError, Stage: "vend", Message: "credential vendor failed", cause: err}
	}

	// Strip vendor metadata before the bundle leaves the gate.
	return Credentials{
		AccessKeyID:     bundle.AccessKeyID,
		SecretAccessKey: bundle.SecretAccessKey,
		SessionToken:    bundle.SessionToken,
		Expiration:      bundle.Expiration,
	}, nil
}

func (g *Gate) checkCertAge(ctx context.Context, req IssueRequest) error {
	maxAge := g.defaultMaxCertAge
	if g.policy != nil {
		if age, err := g.policy.MaxAge(ctx, req.Role.ARN); err == nil && age > 0 {
			maxAge = age
		} else if err != nil {
			obs.Warn("cert-age policy lookup failed, using default", map[string]any{
				"role":  req.Role.ARN,
				"error": err.Error(),
			})
		}
	}
	if req.CertAge > maxAge {
		err := &Error{Code: CodeCertificateTooOld, Stage: "certage", Message: "client certificate too old"}
		g.deny("certage", req, err)
		return err
	}
	return nil
}

// stepUp blocks on the MFA push with a bounded, cancellable wait. Denial
// and timeout read the same to the caller.
func (g *Gate) stepUp(ctx context.Context, req IssueRequest) (bool, error) {
	pushCtx, cancel := context.WithTimeout(ctx, g.mfaTimeout)
	defer cancel()

	approved, err := g.notifier.Push(pushCtx, req.Identity, "Approve credential issuance for "+req.Role.ARN+" without IP restriction")
	if err != nil || !approved {
		gerr := &Error{Code: CodeMFADenied, Stage: "mfa", Message: "MFA denied or timed out", cause: err}
		g.deny("mfa", req, gerr)
		return false, gerr
	}
	return true, nil
}

func (g *Gate) deny(stage string, req IssueRequest, err error) {
	obs.IssuanceDenials.WithLabelValues(stage).Inc()
	obs.Warn("issuance denied", map[string]any{
		"stage":    stage,
		"identity": req.Identity,
		"role":     req.Role.ARN,
		"error":    err.Error(),
	})
}
