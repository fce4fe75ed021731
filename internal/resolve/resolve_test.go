package resolve

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

type staticAccounts struct {
	idToName map[string]string
	nameToID map[string]string
}

func (a *staticAccounts) IDToName(context.Context) (map[string]string, error) {
	return a.idToName, nil
}

func (a *staticAccounts) NameToID(context.Context) (map[string]string, error) {
	return a.nameToID, nil
}

var testAccounts = &staticAccounts{
	idToName: map[string]string{"111111111111": "prod"},
	nameToID: map[string]string{"prod": "111111111111"},
}

func TestValidateRejectsMixedShapes(t *testing.T) {
	cases := []Request{
		{},
		{Role: "arn:aws:iam::111111111111:role/ops", Account: "prod"},
		{Role: "ops", App: "billing"},
		{Account: "prod", UserRole: true, App: "billing"},
	}
	for i, req := range cases {
		if err := req.Validate(); !errors.Is(err, ErrInvalidRoleSpec) {
			t.Fatalf("case %d: expected ErrInvalidRoleSpec, got %v", i, err)
		}
	}
}

func TestExplicitARNPassthroughForApplications(t *testing.T) {
	in := Inputs{IsApplication: true}
	got, err := Resolve(context.Background(), Request{Role: "arn:aws:iam::111111111111:role/ops"}, in)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.ARN != "arn:aws:iam::111111111111:role/ops" || got.AccountID != "111111111111" {
		t.Fatalf("unexpected resolution: %+v", got)
	}
}

func TestExplicitARNMalformed(t *testing.T) {
	in := Inputs{IsApplication: true}
	bad := []struct {
		arn  string
		flaw string
	}{
		{"arn:aws:iam:111111111111:role/ops", "five segments"},
		{"arn:aws:s3::111111111111:role/ops", "wrong service"},
		{"arn:aws:iam::111111111111:ops", "missing role/ prefix"},
		{"arn:aws:iam::111111111111:role/", "empty role name"},
		{"arn:aws:iam:::role/ops", "empty account"},
		{"arn:aws:iam::111111111111:role/ops:extra", "seven segments"},
	}
	for _, tc := range bad {
		if _, err := Resolve(context.Background(), Request{Role: tc.arn}, in); !errors.Is(err, ErrInvalidRoleSpec) {
			t.Fatalf("%s (%s): expected ErrInvalidRoleSpec, got %v", tc.arn, tc.flaw, err)
		}
	}
}

func TestUserPathCaseInsensitiveMatch(t *testing.T) {
	in := Inputs{AuthorizedRoles: []string{"arn:aws:iam::111111111111:role/X"}}
	got, err := Resolve(context.Background(), Request{Role: "x"}, in)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.ARN != "arn:aws:iam::111111111111:role/X" {
		t.Fatalf("unexpected role: %s", got.ARN)
	}
}

func TestUserPathAmbiguousSubstring(t *testing.T) {
	in := Inputs{AuthorizedRoles: []string{
		"arn:aws:iam::111111111111:role/Xa",
		"arn:aws:iam::111111111111:role/Xb",
	}}
	_, err := Resolve(context.Background(), Request{Role: "x"}, in)
	var ambiguous *AmbiguousRoleError
	if !errors.As(err, &ambiguous) {
		t.Fatalf("expected AmbiguousRoleError, got %v", err)
	}
	want := []string{
		"arn:aws:iam::111111111111:role/Xa",
		"arn:aws:iam::111111111111:role/Xb",
	}
	if !reflect.DeepEqual(ambiguous.Candidates, want) {
		t.Fatalf("candidates = %v", ambiguous.Candidates)
	}
}

func TestUserPathExactBeatsSubstring(t *testing.T) {
	in := Inputs{AuthorizedRoles: []string{
		"arn:aws:iam::111111111111:role/ops",
		"arn:aws:iam::111111111111:role/ops-admin",
	}}
	got, err := Resolve(context.Background(), Request{Role: "ARN:AWS:IAM::111111111111:ROLE/OPS"}, in)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.ARN != "arn:aws:iam::111111111111:role/ops" {
		t.Fatalf("exact match not preferred: %s", got.ARN)
	}
}

func TestUserPathNoMatch(t *testing.T) {
	in := Inputs{AuthorizedRoles: []string{"arn:aws:iam::111111111111:role/ops"}}
	if _, err := Resolve(context.Background(), Request{Role: "billing"}, in); !errors.Is(err, ErrNoMatchingRole) {
		t.Fatalf("expected ErrNoMatchingRole, got %v", err)
	}
}

func TestUserRoleShape(t *testing.T) {
	in := Inputs{Identity: "Alice@Example.com", Accounts: testAccounts}

	got, err := Resolve(context.Background(), Request{Account: "prod", UserRole: true}, in)
	if err != nil {
		t.Fatalf("Resolve by name: %v", err)
	}
	if got.ARN != "arn:aws:iam::111111111111:role/alice" || !got.IsUserRole || got.AccountID != "111111111111" {
		t.Fatalf("unexpected resolution: %+v", got)
	}

	// Exact account id wins before friendly-name lookup.
	got, err = Resolve(context.Background(), Request{Account: "111111111111", UserRole: true}, in)
	if err != nil {
		t.Fatalf("Resolve by id: %v", err)
	}
	if got.AccountID != "111111111111" {
		t.Fatalf("unexpected account: %+v", got)
	}
}

func TestUserRoleUnknownAccount(t *testing.T) {
	in := Inputs{Identity: "alice@example.com", Accounts: testAccounts}
	if _, err := Resolve(context.Background(), Request{Account: "staging", UserRole: true}, in); !errors.Is(err, ErrUnknownAccount) {
		t.Fatalf("expected ErrUnknownAccount, got %v", err)
	}
}

func TestAppShape(t *testing.T) {
	lookup := func(_ context.Context, app string) ([]AppRole, error) {
		if app != "billing" {
			return nil, nil
		}
		return []AppRole{
			{ARN: "arn:aws:iam::111111111111:role/billing", AccountID: "111111111111"},
			{ARN: "arn:aws:iam::222222222222:role/billing", AccountID: "222222222222"},
		}, nil
	}
	in := Inputs{Accounts: testAccounts, AppRoles: lookup}

	// Two candidates without a hint: ambiguous, never guess.
	_, err := Resolve(context.Background(), Request{App: "billing"}, in)
	var ambiguous *AmbiguousRoleError
	if !errors.As(err, &ambiguous) || len(ambiguous.Candidates) != 2 {
		t.Fatalf("expected two-candidate AmbiguousRoleError, got %v", err)
	}

	// Account hint narrows to exactly one.
	got, err := Resolve(context.Background(), Request{App: "billing", AccountHint: "prod"}, in)
	if err != nil {
		t.Fatalf("Resolve with hint: %v", err)
	}
	if got.ARN != "arn:aws:iam::111111111111:role/billing" {
		t.Fatalf("unexpected role: %s", got.ARN)
	}

	// Hint that excludes every candidate: zero results.
	in2 := Inputs{
		Accounts: &staticAccounts{
			idToName: map[string]string{"333333333333": "dev"},
			nameToID: map[string]string{"dev": "333333333333"},
		},
		AppRoles: lookup,
	}
	if _, err := Resolve(context.Background(), Request{App: "billing", AccountHint: "dev"}, in2); !errors.Is(err, ErrNoMatchingRole) {
		t.Fatalf("expected ErrNoMatchingRole, got %v", err)
	}

	// Unknown application.
	if _, err := Resolve(context.Background(), Request{App: "ghost"}, in); !errors.Is(err, ErrNoMatchingRole) {
		t.Fatalf("expected ErrNoMatchingRole for unknown app, got %v", err)
	}
}
