package directory

import (
	"context"
	"testing"
	"time"

	"rolegate.org/internal/store"
)

func newDirectory(t *testing.T) (*Directory, *store.Adapter) {
	t.Helper()
	adapter := store.NewAdapter(store.NewMemory(0))
	return New(adapter, "default"), adapter
}

func TestAccountIndexBothDirections(t *testing.T) {
	d, adapter := newDirectory(t)
	ctx := context.Background()

	if err := adapter.PutField(ctx, "default", AccountsKey, "111111111111", []byte("prod")); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := adapter.PutField(ctx, "default", AccountsKey, "222222222222", []byte("staging")); err != nil {
		t.Fatalf("seed: %v", err)
	}

	idToName, err := d.IDToName(ctx)
	if err != nil {
		t.Fatalf("IDToName: %v", err)
	}
	if idToName["111111111111"] != "prod" {
		t.Fatalf("unexpected index: %v", idToName)
	}

	nameToID, err := d.NameToID(ctx)
	if err != nil {
		t.Fatalf("NameToID: %v", err)
	}
	if nameToID["staging"] != "222222222222" {
		t.Fatalf("unexpected inverse: %v", nameToID)
	}
}

func TestAppRolesUnknownAppIsEmpty(t *testing.T) {
	d, adapter := newDirectory(t)
	ctx := context.Background()

	entry := []byte(`[{"arn":"arn:aws:iam::111111111111:role/billing","account_id":"111111111111"}]`)
	if err := adapter.PutField(ctx, "default", AppsKey, "billing", entry); err != nil {
		t.Fatalf("seed: %v", err)
	}

	roles, err := d.AppRoles(ctx, "billing")
	if err != nil || len(roles) != 1 || roles[0].AccountID != "111111111111" {
		t.Fatalf("AppRoles: %v %v", roles, err)
	}

	roles, err = d.AppRoles(ctx, "nonexistent")
	if err != nil || roles != nil {
		t.Fatalf("unknown app should be empty, got %v %v", roles, err)
	}
}

func TestMaxAgeParsesDuration(t *testing.T) {
	d, adapter := newDirectory(t)
	ctx := context.Background()
	const arn = "arn:aws:iam::111111111111:role/ops"

	age, err := d.MaxAge(ctx, arn)
	if err != nil || age != 0 {
		t.Fatalf("unconfigured role should yield zero, got %v %v", age, err)
	}

	if err := adapter.PutField(ctx, "default", CertAgeKey, arn, []byte("6h")); err != nil {
		t.Fatalf("seed: %v", err)
	}
	age, err = d.MaxAge(ctx, arn)
	if err != nil || age != 6*time.Hour {
		t.Fatalf("MaxAge: %v %v", age, err)
	}

	if err := adapter.PutField(ctx, "default", CertAgeKey, arn, []byte("not-a-duration")); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err = d.MaxAge(ctx, arn); err == nil {
		t.Fatalf("malformed duration should error")
	}
}

func TestIPExemptFlag(t *testing.T) {
	d, adapter := newDirectory(t)
	ctx := context.Background()
	const arn = "arn:aws:iam::111111111111:role/scanner"

	if d.BypassesIPRestriction(ctx, arn) {
		t.Fatalf("unflagged role must not be exempt")
	}
	if err := adapter.PutField(ctx, "default", IPExemptKey, arn, []byte("true")); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if !d.BypassesIPRestriction(ctx, arn) {
		t.Fatalf("flagged role should be exempt")
	}
}

func TestCatalogFeedsRoleTags(t *testing.T) {
	d, adapter := newDirectory(t)
	ctx := context.Background()
	const arn = "arn:aws:iam::111111111111:role/ops"

	entry := []byte(`{"tags":{"rolegate-authorized":"alice@example.com"}}`)
	if err := adapter.PutField(ctx, "default", CatalogKey, arn, entry); err != nil {
		t.Fatalf("seed: %v", err)
	}

	roles, err := d.Roles(ctx, "default")
	if err != nil || len(roles) != 1 {
		t.Fatalf("Roles: %v %v", roles, err)
	}
	if roles[0].ARN != arn || roles[0].Tags["rolegate-authorized"] != "alice@example.com" {
		t.Fatalf("unexpected catalog role: %+v", roles[0])
	}
}
