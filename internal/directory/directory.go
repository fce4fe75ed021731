// Package directory serves operator-managed reference data out of the
// durable store: account names, application role registrations, per-role
// certificate-age policy and IP-exemption flags. Each dataset is a hash
// key edited through the configuration surface.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"rolegate.org/internal/mapping"
	"rolegate.org/internal/resolve"
	"rolegate.org/internal/store"
)

// Durable hash keys. Fields and value formats are part of the operator
// contract.
const (
	AccountsKey = "config/accounts"  // field = account id, value = friendly name
	AppsKey     = "config/apps"      // field = app name, value = JSON [{arn, account_id}]
	CertAgeKey  = "config/cert_age"  // field = role ARN, value = Go duration string
	IPExemptKey = "config/ip_exempt" // field = role ARN, value = "true"
	CatalogKey  = "config/catalog"   // field = role ARN, value = JSON {tags}
)

// Directory reads reference data for a single tenant.
type Directory struct {
	store  *store.Adapter
	tenant string
}

func New(adapter *store.Adapter, tenant string) *Directory {
	return &Directory{store: adapter, tenant: tenant}
}

var _ resolve.AccountIndex = (*Directory)(nil)

// IDToName returns the account id to friendly name index.
func (d *Directory) IDToName(ctx context.Context) (map[string]string, error) {
	fields, err := d.store.Fields(ctx, d.tenant, AccountsKey)
	if err != nil {
		return nil, fmt.Errorf("directory: accounts: %w", err)
	}
	out := make(map[string]string, len(fields))
	for id, name := range fields {
		out[id] = string(name)
	}
	return out, nil
}

// NameToID inverts the account index. Duplicate names keep the
// lexically-last id; operators own uniqueness.
func (d *Directory) NameToID(ctx context.Context) (map[string]string, error) {
	idToName, err := d.IDToName(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(idToName))
	for id, name := range idToName {
		out[name] = id
	}
	return out, nil
}

type appEntry struct {
	ARN       string `json:"arn"`
	AccountID string `json:"account_id"`
}

// AppRoles resolves the candidate roles registered for an application.
// Absent registrations (and failed reads, which the adapter reports the
// same way) yield no candidates.
func (d *Directory) AppRoles(ctx context.Context, app string) ([]resolve.AppRole, error) {
	raw, ok := d.store.GetField(ctx, d.tenant, AppsKey, app)
	if !ok {
		return nil, nil
	}
	var entries []appEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("directory: app %q: %w", app, err)
	}
	roles := make([]resolve.AppRole, len(entries))
	for i, e := range entries {
		roles[i] = resolve.AppRole{ARN: e.ARN, AccountID: e.AccountID}
	}
	return roles, nil
}

// MaxAge returns the per-role certificate age cap, or zero when none is
// configured so the caller falls back to its default.
func (d *Directory) MaxAge(ctx context.Context, roleARN string) (time.Duration, error) {
	raw, ok := d.store.GetField(ctx, d.tenant, CertAgeKey, roleARN)
	if !ok {
		return 0, nil
	}
	age, err := time.ParseDuration(string(raw))
	if err != nil {
		return 0, fmt.Errorf("directory: cert age for %s: %w", roleARN, err)
	}
	return age, nil
}

// BypassesIPRestriction reports whether the role is flagged exempt from
// source-IP pinning. Read failures mean not exempt.
func (d *Directory) BypassesIPRestriction(ctx context.Context, roleARN string) bool {
	raw, ok := d.store.GetField(ctx, d.tenant, IPExemptKey, roleARN)
	return ok && string(raw) == "true"
}

type catalogEntry struct {
	Tags map[string]string `json:"tags"`
}

// Roles lists the tenant's role inventory with tags, feeding the role-tag
// mapping generator. The inventory is synced into the store out-of-band.
func (d *Directory) Roles(ctx context.Context, tenant string) ([]mapping.CatalogRole, error) {
	fields, err := d.store.Fields(ctx, tenant, CatalogKey)
	if err != nil {
		return nil, fmt.Errorf("directory: catalog: %w", err)
	}
	out := make([]mapping.CatalogRole, 0, len(fields))
	for arn, raw := range fields {
		var entry catalogEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, fmt.Errorf("directory: catalog entry %s: %w", arn, err)
		}
		out = append(out, mapping.CatalogRole{ARN: arn, Tags: entry.Tags})
	}
	return out, nil
}
