package monitor

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestMonitor(t *testing.T) (*Monitor, string) {
	t.Helper()
	dir := t.TempDir()
	m := New(dir, func(id string) string { return "alias-" + id }, 0)
	return m, dir
}

func TestRegisterGetUnregister(t *testing.T) {
	t.Parallel()
	m, _ := newTestMonitor(t)
	m.Register("agent-1", "whoami", "CMD", 1)

	rec, ok := m.Get("agent-1")
	if !ok || rec.Command != "whoami" {
		t.Fatalf("Get after Register = %+v, %v", rec, ok)
	}

	m.Unregister("agent-1")
	if _, ok := m.Get("agent-1"); ok {
		t.Fatal("Get after Unregister found a record")
	}
}

func TestRegisterPanicsOnDoubleRegistration(t *testing.T) {
	t.Parallel()
	m, _ := newTestMonitor(t)
	m.Register("agent-1", "whoami", "CMD", 1)

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("Register on an already in-flight agent did not panic")
		}
	}()
	m.Register("agent-1", "uptime", "CMD", 1)
}

func TestAddResultAggregatesUntilTotalReached(t *testing.T) {
	t.Parallel()
	m, _ := newTestMonitor(t)
	m.Register("agent-1", "simpl (2 commands)", "FILETRU", 2)

	combined, done := m.AddResult("agent-1", "first")
	if done {
		t.Fatalf("AddResult done too early: combined=%q", combined)
	}
	combined, done = m.AddResult("agent-1", "second")
	if !done {
		t.Fatal("AddResult did not signal done after reaching total")
	}
	if combined != "first\n\nsecond" {
		t.Fatalf("combined = %q", combined)
	}
}

func TestAddResultUnknownAgentIsNotDone(t *testing.T) {
	t.Parallel()
	m, _ := newTestMonitor(t)
	combined, done := m.AddResult("ghost", "anything")
	if done || combined != "" {
		t.Fatalf("AddResult(unregistered) = (%q, %v), want (\"\", false)", combined, done)
	}
}

func TestSaveOutputAppendsToPerAliasFile(t *testing.T) {
	t.Parallel()
	m, dir := newTestMonitor(t)
	if err := m.SaveOutput("agent-1", "whoami", "root", "CMD"); err != nil {
		t.Fatal(err)
	}
	if err := m.SaveOutput("agent-1", "uptime", "up 3 days", "CMD"); err != nil {
		t.Fatal(err)
	}

	b, err := os.ReadFile(filepath.Join(dir, "output_command_alias-agent-1.txt"))
	if err != nil {
		t.Fatalf("reading output archive: %v", err)
	}
	if len(b) == 0 {
		t.Fatal("output archive is empty")
	}
}

type recordingSender struct {
	mu       sync.Mutex
	lines    []string
	timeouts []string
}

func (r *recordingSender) SendLine(id, line string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, id+": "+line)
	return nil
}

func (r *recordingSender) RecordCommandTimeout(kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timeouts = append(r.timeouts, kind)
}

func (r *recordingSender) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.lines...)
}

func TestTickCancelsExpiredCommand(t *testing.T) {
	t.Parallel()
	m, _ := newTestMonitor(t)
	m.Register("agent-1", "sleep 1000", "CMD", 1)
	// Force the record's start time far enough into the past to be past
	// HardTimeout without sleeping in the test.
	m.mu.Lock()
	m.records["agent-1"].Start = time.Now().Add(-HardTimeout - time.Second)
	m.mu.Unlock()

	sender := &recordingSender{}
	m.tick(sender)

	if _, ok := m.Get("agent-1"); ok {
		t.Fatal("expired command was not canceled")
	}
	lines := sender.snapshot()
	if len(lines) != 1 || lines[0] != "agent-1: CMD:CANCEL_TIMEOUT" {
		t.Fatalf("tick sent = %v, want one CANCEL_TIMEOUT line", lines)
	}
	if len(sender.timeouts) != 1 || sender.timeouts[0] != "CMD" {
		t.Fatalf("recorded timeouts = %v, want one CMD timeout", sender.timeouts)
	}
}

func TestTickWarnsOncePastWarnThreshold(t *testing.T) {
	t.Parallel()
	m, _ := newTestMonitor(t)
	m.Register("agent-1", "sleep 100", "CMD", 1)
	m.mu.Lock()
	m.records["agent-1"].Start = time.Now().Add(-WarnThreshold - time.Second)
	m.mu.Unlock()

	sender := &recordingSender{}
	m.tick(sender)
	m.tick(sender)

	lines := sender.snapshot()
	if len(lines) != 1 {
		t.Fatalf("tick sent %d warnings across two ticks, want exactly 1: %v", len(lines), lines)
	}
	if _, ok := m.Get("agent-1"); !ok {
		t.Fatal("warned command should still be in flight, not canceled")
	}
}
