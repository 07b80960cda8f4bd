package directory

import (
	"path/filepath"
	"testing"
)

func newTestDirectory(t *testing.T) *Directory {
	t.Helper()
	dir := t.TempDir()
	d, err := New(filepath.Join(dir, "users.json"), filepath.Join(dir, "history"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d
}

func TestRegisterCreatesAliasAndMarksOn(t *testing.T) {
	t.Parallel()
	d := newTestDirectory(t)

	alias, err := d.Register("Алексей")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if alias != "Aleksey" {
		t.Fatalf("alias = %q, want %q", alias, "Aleksey")
	}
	if !d.Exists("Алексей") {
		t.Fatal("Exists = false after Register")
	}

	users := d.All()
	if len(users) != 1 || users[0].Status != StatusOn {
		t.Fatalf("users = %+v, want one ON user", users)
	}
}

func TestRegisterIsIdempotent(t *testing.T) {
	t.Parallel()
	d := newTestDirectory(t)

	first, err := d.Register("agent-1")
	if err != nil {
		t.Fatal(err)
	}
	second, err := d.Register("agent-1")
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Fatalf("alias changed across re-registration: %q != %q", first, second)
	}
	if len(d.All()) != 1 {
		t.Fatalf("re-registration created a duplicate user: %+v", d.All())
	}
}

func TestLogoutMarksOff(t *testing.T) {
	t.Parallel()
	d := newTestDirectory(t)
	if _, err := d.Register("agent-1"); err != nil {
		t.Fatal(err)
	}
	if err := d.Logout("agent-1"); err != nil {
		t.Fatal(err)
	}

	users := d.All()
	if len(users) != 1 || users[0].Status != StatusOff {
		t.Fatalf("users = %+v, want OFF", users)
	}
}

func TestByAliasIsCaseInsensitive(t *testing.T) {
	t.Parallel()
	d := newTestDirectory(t)
	alias, err := d.Register("agent-1")
	if err != nil {
		t.Fatal(err)
	}

	id, ok := d.ByAlias(alias)
	if !ok || id != "agent-1" {
		t.Fatalf("ByAlias(%q) = (%q, %v)", alias, id, ok)
	}

	if _, ok := d.ByAlias("no-such-alias"); ok {
		t.Fatal("ByAlias matched an unregistered alias")
	}
}

func TestDirectoryPersistsAcrossReload(t *testing.T) {
	t.Parallel()
	tmp := t.TempDir()
	usersPath := filepath.Join(tmp, "users.json")
	historyDir := filepath.Join(tmp, "history")

	d1, err := New(usersPath, historyDir)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d1.Register("agent-1"); err != nil {
		t.Fatal(err)
	}

	d2, err := New(usersPath, historyDir)
	if err != nil {
		t.Fatal(err)
	}
	if !d2.Exists("agent-1") {
		t.Fatal("reloaded directory lost a registered user")
	}
}
