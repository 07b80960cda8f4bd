package group

import (
	"path/filepath"
	"sort"
	"testing"
)

type fakeDirectory struct{ ids []string }

func (f fakeDirectory) AllIDs() []string { return f.ids }

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := New(filepath.Join(t.TempDir(), "groups.json"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func TestCreateAndMembers(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)
	if err := r.Create("ops", []string{"agent-1", "agent-2"}); err != nil {
		t.Fatal(err)
	}
	got := r.Members("ops")
	if len(got) != 2 || got[0] != "agent-1" || got[1] != "agent-2" {
		t.Fatalf("Members = %v", got)
	}
}

func TestCreateDuplicateNameFails(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)
	if err := r.Create("ops", nil); err != nil {
		t.Fatal(err)
	}
	if err := r.Create("ops", nil); err != ErrExists {
		t.Fatalf("Create duplicate = %v, want ErrExists", err)
	}
}

func TestDeleteUnknownGroupIsNoop(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)
	if err := r.Delete("no-such-group"); err != nil {
		t.Fatalf("Delete unknown group = %v, want nil", err)
	}
}

func TestMembersUnknownGroupIsNil(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)
	if got := r.Members("no-such-group"); got != nil {
		t.Fatalf("Members(unknown) = %v, want nil", got)
	}
}

func TestRemoveMemberTouchesOnlyMatchingGroups(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)
	if err := r.Create("ops", []string{"agent-1", "agent-2"}); err != nil {
		t.Fatal(err)
	}
	if err := r.Create("dev", []string{"agent-2"}); err != nil {
		t.Fatal(err)
	}
	if err := r.Create("empty", nil); err != nil {
		t.Fatal(err)
	}

	touched := r.RemoveMember("agent-2")
	sort.Strings(touched)
	if len(touched) != 2 || touched[0] != "dev" || touched[1] != "ops" {
		t.Fatalf("RemoveMember touched = %v, want [dev ops]", touched)
	}
	if got := r.Members("ops"); len(got) != 1 || got[0] != "agent-1" {
		t.Fatalf("ops members after removal = %v", got)
	}
	if got := r.Members("dev"); len(got) != 0 {
		t.Fatalf("dev members after removal = %v", got)
	}
}

func TestExpandAll(t *testing.T) {
	t.Parallel()
	dir := fakeDirectory{ids: []string{"agent-1", "agent-2"}}
	got := Expand("all", dir, newTestRegistry(t))
	sort.Strings(got)
	if len(got) != 2 || got[0] != "agent-1" || got[1] != "agent-2" {
		t.Fatalf("Expand(all) = %v", got)
	}
}

func TestExpandGroupPrefix(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)
	if err := r.Create("ops", []string{"agent-1"}); err != nil {
		t.Fatal(err)
	}
	got := Expand("group:ops", fakeDirectory{}, r)
	if len(got) != 1 || got[0] != "agent-1" {
		t.Fatalf("Expand(group:ops) = %v", got)
	}
}

func TestExpandUnknownGroupIsEmpty(t *testing.T) {
	t.Parallel()
	got := Expand("group:ghost", fakeDirectory{}, newTestRegistry(t))
	if len(got) != 0 {
		t.Fatalf("Expand(group:ghost) = %v, want empty", got)
	}
}

func TestExpandBareID(t *testing.T) {
	t.Parallel()
	got := Expand("agent-9", fakeDirectory{}, newTestRegistry(t))
	if len(got) != 1 || got[0] != "agent-9" {
		t.Fatalf("Expand(bare id) = %v", got)
	}
}
