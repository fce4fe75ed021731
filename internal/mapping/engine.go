package mapping

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"rolegate.org/internal/config"
	"rolegate.org/internal/obs"
	"rolegate.org/internal/store"
)

// SnapshotKey is the durable key holding the latest committed mapping
// snapshot for a tenant.
const SnapshotKey = "mapping/snapshot"

// Engine orchestrates the generators and serves cached mapping reads.
// Regenerate is the only write path and runs out-of-band; the read paths
// never trigger it.
type Engine struct {
	store    *store.Adapter
	tenant   func(name string) config.Tenant
	registry map[string]Generator
	now      func() time.Time
}

// NewEngine wires the engine. tenantFn resolves per-tenant settings;
// generators are registered by name and selected per tenant.
func NewEngine(adapter *store.Adapter, tenantFn func(string) config.Tenant, generators ...Generator) *Engine {
	reg := make(map[string]Generator, len(generators))
	for _, g := range generators {
		reg[g.Name()] = g
	}
	return &Engine{
		store:    adapter,
		tenant:   tenantFn,
		registry: reg,
		now:      time.Now,
	}
}

// SetClock overrides the time source (tests).
func (e *Engine) SetClock(fn func() time.Time) {
	if fn != nil {
		e.now = fn
	}
}

// Regenerate runs the tenant's enabled generators in order, derives the
// reverse index from the merged result and commits both as one snapshot.
// A generator failure is logged and skipped unless the tenant opted into
// aborting the whole pass.
func (e *Engine) Regenerate(ctx context.Context, tenant string) (ForwardMapping, ReverseMapping, error) {
	settings := e.tenant(tenant)
	acc := ForwardMapping{}

	for _, name := range settings.Generators {
		gen, ok := e.registry[name]
		if !ok {
			obs.Warn("unknown mapping generator", map[string]any{"tenant": tenant, "generator": name})
			continue
		}
		next, err := gen.Generate(ctx, tenant, acc)
		if err != nil {
			obs.GeneratorFailures.WithLabelValues(tenant, name).Inc()
			obs.Error("mapping generator failed", map[string]any{
				"tenant":    tenant,
				"generator": name,
				"error":     err.Error(),
			})
			if settings.GeneratorFailureAborts {
				obs.MappingRegenerations.WithLabelValues(tenant, "aborted").Inc()
				return nil, nil, fmt.Errorf("mapping: generator %s: %w", name, err)
			}
			continue
		}
		acc = next
	}

	if settings.FoldCase {
		acc = acc.FoldCase()
	}
	reverse := acc.Invert()

	snap := Snapshot{Forward: acc, Reverse: reverse, GeneratedAt: e.now().UTC()}
	raw, err := snap.MarshalStable()
	if err != nil {
		obs.MappingRegenerations.WithLabelValues(tenant, "error").Inc()
		return nil, nil, fmt.Errorf("mapping: encode snapshot: %w", err)
	}
	if err := e.store.Put(ctx, tenant, SnapshotKey, raw); err != nil {
		obs.MappingRegenerations.WithLabelValues(tenant, "error").Inc()
		return nil, nil, fmt.Errorf("mapping: commit snapshot: %w", err)
	}

	obs.MappingRegenerations.WithLabelValues(tenant, "ok").Inc()
	obs.Info("mapping regenerated", map[string]any{
		"tenant":     tenant,
		"identities": len(acc),
		"roles":      len(reverse),
	})
	return acc, reverse, nil
}

// Forward returns the latest committed forward mapping no older than
// maxAge. A total miss yields an empty mapping: regeneration is always
// out-of-band, never inline with a request.
func (e *Engine) Forward(ctx context.Context, tenant string, maxAge time.Duration) ForwardMapping {
	snap, ok := e.snapshot(ctx, tenant, maxAge)
	if !ok {
		return ForwardMapping{}
	}
	return snap.Forward
}

// AuthorizedRoles unions the identity's own entry with every listed group
// entry. CLI-only roles are included only when includeCLI is set. Lookups
// are case-folded consistently with how the mapping was written.
func (e *Engine) AuthorizedRoles(ctx context.Context, tenant, identity string, groups []string, includeCLI bool, maxAge time.Duration) []string {
	forward := e.Forward(ctx, tenant, maxAge)
	fold := e.tenant(tenant).FoldCase

	keys := make([]string, 0, len(groups)+1)
	keys = append(keys, identity)
	keys = append(keys, groups...)

	var roles []string
	for _, key := range keys {
		if fold {
			key = strings.ToLower(key)
		}
		if set, ok := forward[key]; ok {
			roles = append(roles, set.Roles(includeCLI)...)
		}
	}
	return dedupeSorted(roles)
}

// IdentitiesForRole answers the reverse lookup. Audit only; authorization
// decisions must never consult it.
func (e *Engine) IdentitiesForRole(ctx context.Context, tenant, role string, maxAge time.Duration) []string {
	snap, ok := e.snapshot(ctx, tenant, maxAge)
	if !ok {
		return nil
	}
	out := append([]string(nil), snap.Reverse[role]...)
	sort.Strings(out)
	return out
}

func (e *Engine) snapshot(ctx context.Context, tenant string, maxAge time.Duration) (Snapshot, bool) {
	raw, ok := e.store.Get(ctx, tenant, SnapshotKey, maxAge)
	if !ok {
		return Snapshot{}, false
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		obs.Error("mapping snapshot decode failed", map[string]any{"tenant": tenant, "error": err.Error()})
		return Snapshot{}, false
	}
	if snap.Forward == nil {
		snap.Forward = ForwardMapping{}
	}
	if snap.Reverse == nil {
		snap.Reverse = ReverseMapping{}
	}
	return snap, true
}
