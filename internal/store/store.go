// Package store provides the tiered persistence chain used by the
// authorization mapping and challenge subsystems: an in-process cache, an
// optional shared cache, and a durable backend that is the system of record.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned by a Backend when a key or field is absent.
var ErrNotFound = errors.New("store: not found")

// SchemaVersion is stamped into every envelope so readers can reject
// payloads written by an incompatible build.
const SchemaVersion = 1

// Backend is a single persistence tier. Implementations must treat
// (tenant, key) as the unit of atomicity; fields are partial updates
// within one key.
type Backend interface {
	Get(ctx context.Context, tenant, key string) ([]byte, error)
	Put(ctx context.Context, tenant, key string, value []byte) error
	GetField(ctx context.Context, tenant, key, field string) ([]byte, error)
	PutField(ctx context.Context, tenant, key, field string, value []byte) error
	Fields(ctx context.Context, tenant, key string) (map[string][]byte, error)
	Delete(ctx context.Context, tenant, key string) error
	Keys(ctx context.Context, tenant, prefix string) ([]string, error)
}

// Entry wraps a stored value with its write timestamp so age checks
// survive the trip through every tier.
type Entry struct {
	SchemaVersion int             `json:"schema_version"`
	LastUpdate    int64           `json:"last_update"`
	Value         json.RawMessage `json:"value"`
}

// Age reports how old the entry is relative to now.
func (e Entry) Age(now time.Time) time.Duration {
	return now.Sub(time.Unix(e.LastUpdate, 0))
}

func encodeEntry(value []byte, now time.Time) ([]byte, error) {
	return json.Marshal(Entry{
		SchemaVersion: SchemaVersion,
		LastUpdate:    now.Unix(),
		Value:         value,
	})
}

func decodeEntry(raw []byte) (Entry, error) {
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, err
	}
	if e.SchemaVersion != SchemaVersion {
		return Entry{}, errors.New("store: unsupported schema version")
	}
	return e, nil
}
