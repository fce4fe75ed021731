package store

import (
	"context"
	"sync"
	"time"

	"rolegate.org/internal/obs"
)

// Adapter chains the cache tiers in front of the durable backend.
//
// Reads walk local → shared → durable and repopulate the faster tiers
// opportunistically. Writes commit to the durable backend first; cache
// population failures never fail the write. A durable read failure is
// reported as absent so callers fail closed.
type Adapter struct {
	shared  Backend // optional
	durable Backend
	now     func() time.Time

	mu    sync.RWMutex
	local map[string]Entry
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithSharedCache attaches the shared cache tier.
func WithSharedCache(b Backend) Option {
	return func(a *Adapter) { a.shared = b }
}

// WithClock overrides the time source (tests).
func WithClock(fn func() time.Time) Option {
	return func(a *Adapter) {
		if fn != nil {
			a.now = fn
		}
	}
}

// NewAdapter builds the tier chain on top of the durable backend.
func NewAdapter(durable Backend, opts ...Option) *Adapter {
	a := &Adapter{
		durable: durable,
		now:     time.Now,
		local:   make(map[string]Entry),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func localKey(tenant, key string) string { return tenant + "\x00" + key }

// Get returns the value for key if any tier holds a copy no older than
// maxAge. maxAge <= 0 disables the staleness check. The boolean result is
// false both for a true miss and for an exhausted-tier failure; the caller
// must treat either as "no data known".
func (a *Adapter) Get(ctx context.Context, tenant, key string, maxAge time.Duration) ([]byte, bool) {
	now := a.now()

	a.mu.RLock()
	entry, ok := a.local[localKey(tenant, key)]
	a.mu.RUnlock()
	if ok && fresh(entry, now, maxAge) {
		return entry.Value, true
	}

	if a.shared != nil {
		raw, err := a.shared.Get(ctx, tenant, key)
		switch {
		case err == nil:
			if entry, derr := decodeEntry(raw); derr == nil && fresh(entry, now, maxAge) {
				a.setLocal(tenant, key, entry)
				return entry.Value, true
			}
		case err != ErrNotFound:
			obs.Warn("shared cache read failed", map[string]any{"tenant": tenant, "key": key, "error": err.Error()})
		}
	}

	raw, err := a.durable.Get(ctx, tenant, key)
	if err == ErrNotFound {
		return nil, false
	}
	if err != nil {
		obs.Error("durable store read failed", map[string]any{"tenant": tenant, "key": key, "error": err.Error()})
		return nil, false
	}
	entry, err = decodeEntry(raw)
	if err != nil || !fresh(entry, now, maxAge) {
		return nil, false
	}
	a.setLocal(tenant, key, entry)
	a.populateShared(ctx, tenant, key, raw)
	return entry.Value, true
}

// Put commits the value to the durable backend, then best-effort to the
// cache tiers. Only the durable write can fail the call.
func (a *Adapter) Put(ctx context.Context, tenant, key string, value []byte) error {
	now := a.now()
	raw, err := encodeEntry(value, now)
	if err != nil {
		return err
	}
	if err := a.durable.Put(ctx, tenant, key, raw); err != nil {
		return err
	}
	a.setLocal(tenant, key, Entry{SchemaVersion: SchemaVersion, LastUpdate: now.Unix(), Value: value})
	a.populateShared(ctx, tenant, key, raw)
	return nil
}

// GetField reads a single hash field, durable-first with shared fallback
// skipped: partial updates bypass the envelope and the local tier.
func (a *Adapter) GetField(ctx context.Context, tenant, key, field string) ([]byte, bool) {
	raw, err := a.durable.GetField(ctx, tenant, key, field)
	if err == ErrNotFound {
		return nil, false
	}
	if err != nil {
		obs.Error("durable store field read failed", map[string]any{"tenant": tenant, "key": key, "field": field, "error": err.Error()})
		return nil, false
	}
	return raw, true
}

// PutField writes a single hash field to the durable backend.
func (a *Adapter) PutField(ctx context.Context, tenant, key, field string, value []byte) error {
	return a.durable.PutField(ctx, tenant, key, field, value)
}

// Fields returns all hash fields under key from the durable backend.
func (a *Adapter) Fields(ctx context.Context, tenant, key string) (map[string][]byte, error) {
	return a.durable.Fields(ctx, tenant, key)
}

// Delete removes key from every tier. The durable delete is authoritative.
func (a *Adapter) Delete(ctx context.Context, tenant, key string) error {
	a.mu.Lock()
	delete(a.local, localKey(tenant, key))
	a.mu.Unlock()
	if a.shared != nil {
		if err := a.shared.Delete(ctx, tenant, key); err != nil && err != ErrNotFound {
			obs.Warn("shared cache delete failed", map[string]any{"tenant": tenant, "key": key, "error": err.Error()})
		}
	}
	err := a.durable.Delete(ctx, tenant, key)
	if err == ErrNotFound {
		return nil
	}
	return err
}

// Keys lists durable keys under the prefix.
func (a *Adapter) Keys(ctx context.Context, tenant, prefix string) ([]string, error) {
	return a.durable.Keys(ctx, tenant, prefix)
}

func (a *Adapter) setLocal(tenant, key string, entry Entry) {
	a.mu.Lock()
	a.local[localKey(tenant, key)] = entry
	a.mu.Unlock()
}

func (a *Adapter) populateShared(ctx context.Context, tenant, key string, raw []byte) {
	if a.shared == nil {
		return
	}
	if err := a.shared.Put(ctx, tenant, key, raw); err != nil {
		obs.Warn("shared cache populate failed", map[string]any{"tenant": tenant, "key": key, "error": err.Error()})
	}
}

func fresh(e Entry, now time.Time, maxAge time.Duration) bool {
	if maxAge <= 0 {
		return true
	}
	return e.Age(now) <= maxAge
}
