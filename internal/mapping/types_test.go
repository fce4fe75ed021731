package mapping

import (
	"reflect"
	"testing"
)

func TestReplaceLeavesCallerSlicesIntact(t *testing.T) {
	console := []string{opsARN, readonlyARN, opsARN}
	cli := []string{readonlyARN, opsARN}

	m := ForwardMapping{}
	m.Replace("alice@example.com", AuthorizedRoleSet{
		ConsoleRoles: console,
		CLIOnlyRoles: cli,
	})

	if !reflect.DeepEqual(console, []string{opsARN, readonlyARN, opsARN}) {
		t.Fatalf("caller console slice mutated: %v", console)
	}
	if !reflect.DeepEqual(cli, []string{readonlyARN, opsARN}) {
		t.Fatalf("caller cli slice mutated: %v", cli)
	}

	got := m["alice@example.com"]
	if !reflect.DeepEqual(got.ConsoleRoles, []string{opsARN, readonlyARN}) {
		t.Fatalf("console roles = %v", got.ConsoleRoles)
	}
	if !reflect.DeepEqual(got.CLIOnlyRoles, []string{opsARN, readonlyARN}) {
		t.Fatalf("cli roles = %v", got.CLIOnlyRoles)
	}
}

func TestReplaceBeatsEarlierAdd(t *testing.T) {
	m := ForwardMapping{}
	m.Add("alice@example.com", AuthorizedRoleSet{ConsoleRoles: []string{opsARN}})
	m.Replace("alice@example.com", AuthorizedRoleSet{ConsoleRoles: []string{readonlyARN}})

	if got := m["alice@example.com"].ConsoleRoles; !reflect.DeepEqual(got, []string{readonlyARN}) {
		t.Fatalf("replace did not win: %v", got)
	}
}
