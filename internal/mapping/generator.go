package mapping

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Generator produces a partial identity → roles mapping from one external
// source. Generators run in the tenant's configured order; each receives
// the accumulator from the previous one and returns the merged result.
type Generator interface {
	Name() string
	Generate(ctx context.Context, tenant string, acc ForwardMapping) (ForwardMapping, error)
}

// CatalogRole is one cloud role as seen by the role-tag scanner.
type CatalogRole struct {
	ARN  string
	Tags map[string]string
}

// RoleCatalog lists the roles of a tenant's cloud accounts, including
// their tags. External collaborator; typically backed by an IAM inventory.
type RoleCatalog interface {
	Roles(ctx context.Context, tenant string) ([]CatalogRole, error)
}

// Role tag keys the scanner understands. Values are comma-separated
// identity names (user emails or group names).
const (
	TagAuthorized    = "rolegate-authorized"
	TagAuthorizedCLI = "rolegate-authorized-cli"
)

// RoleTagGenerator grants a role to every identity named in its
// authorization tags.
type RoleTagGenerator struct {
	Catalog RoleCatalog
}

func (g *RoleTagGenerator) Name() string { return "roletag" }

func (g *RoleTagGenerator) Generate(ctx context.Context, tenant string, acc ForwardMapping) (ForwardMapping, error) {
	roles, err := g.Catalog.Roles(ctx, tenant)
	if err != nil {
		return nil, fmt.Errorf("roletag: list roles: %w", err)
	}
	out := acc.Clone()
	for _, role := range roles {
		for _, identity := range splitTag(role.Tags[TagAuthorized]) {
			out.Add(identity, AuthorizedRoleSet{ConsoleRoles: []string{role.ARN}})
		}
		for _, identity := range splitTag(role.Tags[TagAuthorizedCLI]) {
			out.Add(identity, AuthorizedRoleSet{CLIOnlyRoles: []string{role.ARN}})
		}
	}
	return out, nil
}

// FieldReader reads the hash fields of one durable key. Satisfied by the
// store adapter.
type FieldReader interface {
	Fields(ctx context.Context, tenant, key string) (map[string][]byte, error)
}

// DynamicConfigKey is the durable hash key holding operator-managed
// per-identity grants: field = identity, value = dynamicEntry JSON.
const DynamicConfigKey = "config/mappings"

type dynamicEntry struct {
	ConsoleRoles []string `json:"console_roles"`
	CLIOnlyRoles []string `json:"cli_only_roles"`
}

// DynamicConfigGenerator merges grants edited at runtime through the
// configuration surface, stored as hash fields in the durable tier.
type DynamicConfigGenerator struct {
	Fields FieldReader
}

func (g *DynamicConfigGenerator) Name() string { return "dynamic" }

func (g *DynamicConfigGenerator) Generate(ctx context.Context, tenant string, acc ForwardMapping) (ForwardMapping, error) {
	fields, err := g.Fields.Fields(ctx, tenant, DynamicConfigKey)
	if err != nil {
		return nil, fmt.Errorf("dynamic: read config fields: %w", err)
	}
	out := acc.Clone()
	for identity, raw := range fields {
		var entry dynamicEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, fmt.Errorf("dynamic: entry for %q: %w", identity, err)
		}
		out.Add(identity, AuthorizedRoleSet{
			ConsoleRoles: entry.ConsoleRoles,
			CLIOnlyRoles: entry.CLIOnlyRoles,
		})
	}
	return out, nil
}

// FuncGenerator adapts a plain function, for internal plugins and tests.
type FuncGenerator struct {
	GeneratorName string
	Fn            func(ctx context.Context, tenant string, acc ForwardMapping) (ForwardMapping, error)
}

func (g *FuncGenerator) Name() string { return g.GeneratorName }

func (g *FuncGenerator) Generate(ctx context.Context, tenant string, acc ForwardMapping) (ForwardMapping, error) {
	return g.Fn(ctx, tenant, acc)
}

func splitTag(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
