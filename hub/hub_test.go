package hub

import (
	"context"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/relaymesh/fleetfabric/internal/config"
	"github.com/relaymesh/fleetfabric/internal/deferred"
	"github.com/relaymesh/fleetfabric/internal/wire"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultHub()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.FileUsers = filepath.Join(dir, "users.json")
	cfg.DirHistory = filepath.Join(dir, "history")
	cfg.FileGroups = filepath.Join(dir, "groups.json")
	cfg.FileScheduled = filepath.Join(dir, "scheduled.json")
	cfg.DirResults = filepath.Join(dir, "results")
	cfg.DirFiles = filepath.Join(dir, "files")
	cfg.DirOutputArchive = filepath.Join(dir, "trash")
	cfg.FileState = filepath.Join(dir, "state.json")
	cfg.FileSimplScript = filepath.Join(dir, "code.txt")
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.SnapshotPeriod = time.Hour
	cfg.ArchiveRotateSize = 0

	h, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h
}

// fakeAgent dials the hub, completes the handshake, and exposes a wire.Conn
// for the test to drive the agent side of the protocol by hand.
type fakeAgent struct {
	conn *wire.Conn
}

func dialFakeAgent(t *testing.T, addr, id string) *fakeAgent {
	t.Helper()
	raw, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { raw.Close() })
	c := wire.New(raw, 0, 0)
	if err := c.WriteLine(id); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	return &fakeAgent{conn: c}
}

func serveInBackground(t *testing.T, h *Hub) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.Serve(ln)
	}()
	stop = func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.Shutdown(ctx)
		<-done
	}
	return ln.Addr().String(), stop
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestHandleConnRegistersAndLogsOutAgent(t *testing.T) {
	t.Parallel()
	h := newTestHub(t)
	addr, stop := serveInBackground(t, h)
	defer stop()

	fa := dialFakeAgent(t, addr, "agent-1")
	waitFor(t, time.Second, func() bool {
		return len(h.ConnectedIDs()) == 1
	})

	if ids := h.ConnectedIDs(); len(ids) != 1 || ids[0] != "agent-1" {
		t.Fatalf("ConnectedIDs = %v, want [agent-1]", ids)
	}

	fa.conn.Close()
	waitFor(t, time.Second, func() bool {
		return len(h.ConnectedIDs()) == 0
	})
}

func TestDispatchCMDRoundTripFinalizesAndCachesOutput(t *testing.T) {
	t.Parallel()
	h := newTestHub(t)
	addr, stop := serveInBackground(t, h)
	defer stop()

	fa := dialFakeAgent(t, addr, "agent-1")
	waitFor(t, time.Second, func() bool { return len(h.ConnectedIDs()) == 1 })

	sent, err := h.DispatchCMD("agent-1", "whoami")
	if err != nil {
		t.Fatalf("DispatchCMD: %v", err)
	}
	if sent != 1 {
		t.Fatalf("DispatchCMD sent = %d, want 1", sent)
	}

	line, err := fa.conn.ReadLine()
	if err != nil {
		t.Fatalf("reading dispatched CMD: %v", err)
	}
	if line != "CMD:whoami" {
		t.Fatalf("dispatched line = %q, want CMD:whoami", line)
	}

	if err := fa.conn.WriteLine("OUTPUT:START:1"); err != nil {
		t.Fatal(err)
	}
	if err := fa.conn.WriteLine("OUTPUT:CHUNK:root"); err != nil {
		t.Fatal(err)
	}
	if err := fa.conn.WriteLine("OUTPUT:END"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, time.Second, func() bool {
		_, text, _, ok := h.LastOutput("agent-1")
		return ok && text == "root"
	})

	if _, ok := h.Monitor.Get("agent-1"); ok {
		t.Fatal("monitor record still present after command finalized")
	}
}

func TestDispatchCMDUnknownAgentErrors(t *testing.T) {
	t.Parallel()
	h := newTestHub(t)
	_, stop := serveInBackground(t, h)
	defer stop()

	if _, err := h.DispatchCMD("ghost", "whoami"); err == nil {
		t.Fatal("DispatchCMD to an unconnected agent: want error, got nil")
	}
}

func TestKickDisconnectsAgent(t *testing.T) {
	t.Parallel()
	h := newTestHub(t)
	addr, stop := serveInBackground(t, h)
	defer stop()

	fa := dialFakeAgent(t, addr, "agent-1")
	waitFor(t, time.Second, func() bool { return len(h.ConnectedIDs()) == 1 })

	n := h.Kick("agent-1", "test kick")
	if n != 1 {
		t.Fatalf("Kick returned %d, want 1", n)
	}

	line, err := fa.conn.ReadLine()
	if err != nil {
		t.Fatalf("reading KICK frame: %v", err)
	}
	if !strings.HasPrefix(line, "KICK:") {
		t.Fatalf("line = %q, want a KICK: frame", line)
	}

	waitFor(t, time.Second, func() bool { return len(h.ConnectedIDs()) == 0 })
}

func TestDeferredCMDReplaysOnConnect(t *testing.T) {
	t.Parallel()
	h := newTestHub(t)
	addr, stop := serveInBackground(t, h)
	defer stop()

	if _, err := h.DeferCMD("agent-1", deferred.KindCMD, "uptime", "", ""); err != nil {
		t.Fatalf("DeferCMD: %v", err)
	}

	fa := dialFakeAgent(t, addr, "agent-1")
	line, err := fa.conn.ReadLine()
	if err != nil {
		t.Fatalf("reading replayed CMD: %v", err)
	}
	if line != "CMD:uptime" {
		t.Fatalf("replayed line = %q, want CMD:uptime", line)
	}
}

func TestDeferredQueueReplaysEachRecordInTurn(t *testing.T) {
	t.Parallel()
	h := newTestHub(t)
	addr, stop := serveInBackground(t, h)
	defer stop()

	if _, err := h.DeferCMD("agent-1", deferred.KindCMD, "uptime", "", ""); err != nil {
		t.Fatalf("DeferCMD 1: %v", err)
	}
	if _, err := h.DeferCMD("agent-1", deferred.KindCMD, "whoami", "", ""); err != nil {
		t.Fatalf("DeferCMD 2: %v", err)
	}

	fa := dialFakeAgent(t, addr, "agent-1")

	line, err := fa.conn.ReadLine()
	if err != nil {
		t.Fatalf("reading first replayed CMD: %v", err)
	}
	if line != "CMD:uptime" {
		t.Fatalf("first replayed line = %q, want CMD:uptime", line)
	}

	if err := fa.conn.WriteLine("OUTPUT:START:1"); err != nil {
		t.Fatal(err)
	}
	if err := fa.conn.WriteLine("OUTPUT:CHUNK:ok"); err != nil {
		t.Fatal(err)
	}
	if err := fa.conn.WriteLine("OUTPUT:END"); err != nil {
		t.Fatal(err)
	}

	line, err = fa.conn.ReadLine()
	if err != nil {
		t.Fatalf("reading second replayed CMD: %v", err)
	}
	if line != "CMD:whoami" {
		t.Fatalf("second replayed line = %q, want CMD:whoami — the second deferred record was dropped instead of queued", line)
	}
}
