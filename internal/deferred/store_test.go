package deferred

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/relaymesh/fleetfabric/internal/group"
)

type fakeDirectory struct{ ids []string }

func (f fakeDirectory) AllIDs() []string { return f.ids }

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(filepath.Join(dir, "deferred.json"), filepath.Join(dir, "results"), 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestAddExpandsTargetAtCallTime(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	dir := fakeDirectory{ids: []string{"agent-1", "agent-2"}}
	groups, err := group.New(filepath.Join(t.TempDir(), "groups.json"))
	if err != nil {
		t.Fatal(err)
	}

	rec, err := s.Add("all", KindCMD, "whoami", "", "", dir, groups)
	if err != nil {
		t.Fatal(err)
	}
	if len(rec.ExpectedUsers) != 2 {
		t.Fatalf("ExpectedUsers = %v, want 2 entries", rec.ExpectedUsers)
	}

	// Expanding "all" again after the fact must not retroactively change the
	// already-created record.
	dir.ids = append(dir.ids, "agent-3")
	active := s.Active()
	if len(active[0].ExpectedUsers) != 2 {
		t.Fatalf("ExpectedUsers mutated after Add: %v", active[0].ExpectedUsers)
	}
}

func TestForUserOnlyReturnsExpectingRecords(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	groups, err := group.New(filepath.Join(t.TempDir(), "groups.json"))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.Add("agent-1", KindCMD, "whoami", "", "", fakeDirectory{}, groups); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Add("agent-2", KindCMD, "whoami", "", "", fakeDirectory{}, groups); err != nil {
		t.Fatal(err)
	}

	pending := s.ForUser("agent-1")
	if len(pending) != 1 {
		t.Fatalf("ForUser(agent-1) = %d records, want 1", len(pending))
	}
	if pending[0].Record.Target != "agent-1" {
		t.Fatalf("ForUser(agent-1) returned record for %q", pending[0].Record.Target)
	}
}

func TestMarkCompletedMigratesWhenExpectedEmpties(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	groups, err := group.New(filepath.Join(t.TempDir(), "groups.json"))
	if err != nil {
		t.Fatal(err)
	}
	dir := fakeDirectory{ids: []string{"agent-1", "agent-2"}}

	if _, err := s.Add("all", KindCMD, "whoami", "", "", dir, groups); err != nil {
		t.Fatal(err)
	}

	if err := s.MarkCompleted(0, "agent-1", "output-1"); err != nil {
		t.Fatal(err)
	}
	if len(s.Active()) != 1 {
		t.Fatalf("record migrated early: active = %v", s.Active())
	}

	if err := s.MarkCompleted(0, "agent-2", "output-2"); err != nil {
		t.Fatal(err)
	}
	if len(s.Active()) != 0 {
		t.Fatalf("Active() = %v, want empty after last recipient completes", s.Active())
	}
	completed := s.Completed()
	if len(completed) != 1 || completed[0].CompletedAt == "" {
		t.Fatalf("Completed() = %+v, want one stamped record", completed)
	}
}

func TestRemoveUserFromExpectedMigratesEmptiedRecord(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	groups, err := group.New(filepath.Join(t.TempDir(), "groups.json"))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.Add("agent-1", KindCMD, "whoami", "", "", fakeDirectory{}, groups); err != nil {
		t.Fatal(err)
	}

	if err := s.RemoveUserFromExpected("agent-1"); err != nil {
		t.Fatal(err)
	}
	if len(s.Active()) != 0 {
		t.Fatalf("Active() = %v, want empty", s.Active())
	}
	if len(s.Completed()) != 1 {
		t.Fatalf("Completed() = %v, want one migrated record", s.Completed())
	}
}

func TestSubstituteIsIndependentPerCall(t *testing.T) {
	t.Parallel()
	template := "echo {user} from {user}"
	got1 := Substitute(template, "agent-1")
	got2 := Substitute(template, "agent-2")
	if got1 != "echo agent-1 from agent-1" {
		t.Fatalf("Substitute(agent-1) = %q", got1)
	}
	if got2 != "echo agent-2 from agent-2" {
		t.Fatalf("Substitute(agent-2) = %q", got2)
	}
}

func TestRemoveActiveDeletesWithoutCrediting(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	groups, err := group.New(filepath.Join(t.TempDir(), "groups.json"))
	if err != nil {
		t.Fatal(err)
	}
	dir := fakeDirectory{ids: []string{"agent-1", "agent-2"}}

	if _, err := s.Add("all", KindCMD, "whoami", "", "", dir, groups); err != nil {
		t.Fatal(err)
	}
	if err := s.RemoveActive(0); err != nil {
		t.Fatal(err)
	}
	if len(s.Active()) != 0 {
		t.Fatalf("Active() = %v, want empty after RemoveActive", s.Active())
	}
	if len(s.Completed()) != 0 {
		t.Fatalf("Completed() = %v, want empty: RemoveActive must not credit recipients", s.Completed())
	}
}

func TestRemoveActiveOutOfRangeErrors(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	if err := s.RemoveActive(0); err == nil {
		t.Fatal("RemoveActive on empty store: want error, got nil")
	}
}

func TestWriteResultAppendsPerTargetFile(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	groups, err := group.New(filepath.Join(t.TempDir(), "groups.json"))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.Add("agent-1", KindCMD, "whoami", "", "", fakeDirectory{}, groups); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkCompleted(0, "agent-1", "hello-output"); err != nil {
		t.Fatal(err)
	}

	b, err := os.ReadFile(filepath.Join(s.resultsDir, "agent-1.txt"))
	if err != nil {
		t.Fatalf("reading result file: %v", err)
	}
	if string(b) == "" {
		t.Fatal("result file is empty")
	}
}
