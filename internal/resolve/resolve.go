// Package resolve turns a credential request into exactly one role ARN or
// a precise, typed resolution error. It is state-free: every external fact
// arrives through Inputs.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrInvalidRoleSpec marks a malformed request or role ARN.
	ErrInvalidRoleSpec = errors.New("invalid role specification")
	// ErrUnknownAccount marks an account token that matched neither an id
	// nor a friendly name.
	ErrUnknownAccount = errors.New("unknown account")
	// ErrNoMatchingRole marks a request that narrowed to zero roles.
	ErrNoMatchingRole = errors.New("no matching role")
)

// AmbiguousRoleError reports a request that narrowed to more than one
// role. Candidates are returned so the caller can ask the user to
// disambiguate.
type AmbiguousRoleError struct {
	Candidates []string
}

func (e *AmbiguousRoleError) Error() string {
	return fmt.Sprintf("ambiguous role: %d candidates", len(e.Candidates))
}

// Request is one credential request. Exactly one shape may be populated:
// an explicit role ARN or short name, an account token with user-role
// semantics, or an application name with an optional account hint.
type Request struct {
	Role        string `json:"role,omitempty"`
	Account     string `json:"account,omitempty"`
	UserRole    bool   `json:"user_role,omitempty"`
	App         string `json:"app,omitempty"`
	AccountHint string `json:"account_hint,omitempty"`
}

// Validate rejects requests mixing fields from more than one shape.
func (r Request) Validate() error {
	shapes := 0
	if strings.TrimSpace(r.Role) != "" {
		shapes++
	}
	if strings.TrimSpace(r.Account) != "" || r.UserRole {
		shapes++
	}
	if strings.TrimSpace(r.App) != "" {
		shapes++
	}
	if shapes != 1 {
		return fmt.Errorf("%w: request must use exactly one shape", ErrInvalidRoleSpec)
	}
	return nil
}

// ResolvedRole is the single role the resolver settled on. AccountID is
// derived from the ARN or the account index, never caller-supplied.
type ResolvedRole struct {
	ARN        string
	IsUserRole bool
	AccountID  string
}

// AccountIndex maps between account ids and friendly names. External
// collaborator.
type AccountIndex interface {
	IDToName(ctx context.Context) (map[string]string, error)
	NameToID(ctx context.Context) (map[string]string, error)
}

// AppRole is one candidate role registered for an application.
type AppRole struct {
	ARN       string
	AccountID string
}

// AppRoleLookup resolves the candidate roles of an application name.
// External collaborator.
type AppRoleLookup func(ctx context.Context, app string) ([]AppRole, error)

// Inputs carries the caller-specific facts the resolver needs.
type Inputs struct {
	// Identity is the caller's identity name; the user-role name derives
	// from it.
	Identity string
	// AuthorizedRoles is the caller's precomputed authorized role set.
	AuthorizedRoles []string
	// IsApplication marks non-user requesters; their explicit ARNs pass
	// through unresolved because the issuance gate applies its own
	// coarser authorization for that shape.
	IsApplication bool
	Accounts      AccountIndex
	AppRoles      AppRoleLookup
}

// Resolve narrows the request to exactly one role or fails with
// ErrInvalidRoleSpec, ErrUnknownAccount, ErrNoMatchingRole or
// *AmbiguousRoleError. It never guesses.
func Resolve(ctx context.Context, req Request, in Inputs) (ResolvedRole, error) {
	if err := req.Validate(); err != nil {
		return ResolvedRole{}, err
	}

	switch {
	case strings.TrimSpace(req.Role) != "":
		role := strings.TrimSpace(req.Role)
		if in.IsApplication {
			return passthroughARN(role)
		}
		return matchAuthorized(role, in.AuthorizedRoles)

	case strings.TrimSpace(req.Account) != "" || req.UserRole:
		return resolveUserRole(ctx, req, in)

	default:
		return resolveApp(ctx, req, in)
	}
}

// passthroughARN validates shape only. Six colon-delimited segments and
// the IAM role prefix; anything else is InvalidRoleSpec.
func passthroughARN(arn string) (ResolvedRole, error) {
	parts := strings.Split(arn, ":")
	if len(parts) != 6 || parts[0] != "arn" || parts[1] != "aws" || parts[2] != "iam" || parts[3] != "" {
		return ResolvedRole{}, fmt.Errorf("%w: malformed role ARN %q", ErrInvalidRoleSpec, arn)
	}
	if parts[4] == "" || !strings.HasPrefix(parts[5], "role/") || len(parts[5]) <= len("role/") {
		return ResolvedRole{}, fmt.Errorf("%w: malformed role ARN %q", ErrInvalidRoleSpec, arn)
	}
	return ResolvedRole{ARN: arn, AccountID: parts[4]}, nil
}

func resolveUserRole(ctx context.Context, req Request, in Inputs) (ResolvedRole, error) {
	accountID, err := resolveAccountToken(ctx, req.Account, in.Accounts)
	if err != nil {
		return ResolvedRole{}, err
	}
	name := userRoleName(in.Identity)
	if name == "" {
		return ResolvedRole{}, fmt.Errorf("%w: cannot derive user-role name", ErrInvalidRoleSpec)
	}
	return ResolvedRole{
		ARN:        fmt.Sprintf("arn:aws:iam::%s:role/%s", accountID, name),
		IsUserRole: true,
		AccountID:  accountID,
	}, nil
}

func resolveApp(ctx context.Context, req Request, in Inputs) (ResolvedRole, error) {
	if in.AppRoles == nil {
		return ResolvedRole{}, ErrNoMatchingRole
	}
	candidates, err := in.AppRoles(ctx, strings.TrimSpace(req.App))
	if err != nil {
		return ResolvedRole{}, fmt.Errorf("%w: %v", ErrNoMatchingRole, err)
	}
	if len(candidates) == 0 {
		return ResolvedRole{}, ErrNoMatchingRole
	}

	if strings.TrimSpace(req.AccountHint) != "" {
		accountID, err := resolveAccountToken(ctx, req.AccountHint, in.Accounts)
		if err != nil {
			return ResolvedRole{}, err
		}
		var filtered []AppRole
		for _, c := range candidates {
			if c.AccountID == accountID {
				filtered = append(filtered, c)
			}
		}
		candidates = filtered
	}

	switch len(candidates) {
	case 0:
		return ResolvedRole{}, ErrNoMatchingRole
	case 1:
		return ResolvedRole{ARN: candidates[0].ARN, AccountID: candidates[0].AccountID}, nil
	default:
		arns := make([]string, len(candidates))
		for i, c := range candidates {
			arns[i] = c.ARN
		}
		sort.Strings(arns)
		return ResolvedRole{}, &AmbiguousRoleError{Candidates: arns}
	}
}

// matchAuthorized implements the console/CLI user path: case-insensitive
// exact match first, then substring match with the full candidate list on
// a tie.
func matchAuthorized(target string, authorized []string) (ResolvedRole, error) {
	lower := strings.ToLower(target)

	for _, role := range authorized {
		if strings.ToLower(role) == lower {
			return fromARN(role), nil
		}
	}

	var candidates []string
	for _, role := range authorized {
		if strings.Contains(strings.ToLower(role), lower) {
			candidates = append(candidates, role)
		}
	}
	switch len(candidates) {
	case 0:
		return ResolvedRole{}, ErrNoMatchingRole
	case 1:
		return fromARN(candidates[0]), nil
	default:
		sort.Strings(candidates)
		return ResolvedRole{}, &AmbiguousRoleError{Candidates: candidates}
	}
}

func resolveAccountToken(ctx context.Context, token string, index AccountIndex) (string, error) {
	if index == nil {
		return "", ErrUnknownAccount
	}
	token = strings.TrimSpace(token)

	idToName, err := index.IDToName(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnknownAccount, err)
	}
	if _, ok := idToName[token]; ok {
		return token, nil
	}

	nameToID, err := index.NameToID(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnknownAccount, err)
	}
	if id, ok := nameToID[token]; ok {
		return id, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAccount, token)
}

// userRoleName derives the per-user role name from the identity, never
// from caller input: the local part of the email, lowercased.
func userRoleName(identity string) string {
	identity = strings.TrimSpace(strings.ToLower(identity))
	if identity == "" {
		return ""
	}
	if at := strings.IndexByte(identity, '@'); at > 0 {
		identity = identity[:at]
	}
	return identity
}

func fromARN(arn string) ResolvedRole {
	parts := strings.Split(arn, ":")
	accountID := ""
	if len(parts) == 6 {
		accountID = parts[4]
	}
	return ResolvedRole{ARN: arn, AccountID: accountID}
}
