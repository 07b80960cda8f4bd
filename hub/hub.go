// Package hub implements the hub orchestrator (C8) and the per-agent
// connection handler (C7): the TCP listener, the operator console, the
// command-monitor and snapshot background tasks, and the state each
// connected agent session shares under lock.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/relaymesh/fleetfabric/internal/config"
	"github.com/relaymesh/fleetfabric/internal/deferred"
	"github.com/relaymesh/fleetfabric/internal/directory"
	"github.com/relaymesh/fleetfabric/internal/group"
	"github.com/relaymesh/fleetfabric/internal/metrics"
	"github.com/relaymesh/fleetfabric/internal/monitor"
	"github.com/relaymesh/fleetfabric/internal/ratelimit"
	"github.com/relaymesh/fleetfabric/internal/wire"
)

// ErrHubClosed is returned by Serve/ListenAndServe after a graceful Shutdown.
var ErrHubClosed = errors.New("hub: closed")

// Hub is the central coordinator: it accepts agent connections, hosts the
// operator console, and owns the shared directory/group/deferred/monitor
// state every session reads and mutates under lock.
type Hub struct {
	cfg    config.Hub
	logger *slog.Logger

	Directory *directory.Directory
	Groups    *group.Registry
	Deferred  *deferred.Store
	Monitor   *monitor.Monitor
	Metrics   *metrics.Collector

	bandwidthGlobal *ratelimit.Limiter

	mu       sync.Mutex
	sessions map[string]*session // keyed by agent id, only while connected
	perIP    map[string]int

	listener net.Listener
	closing  atomic.Bool
	wg       sync.WaitGroup
	stopBg   chan struct{}
	cron     *cron.Cron

	lastOutput   map[string]lastOutput
	lastOutputMu sync.Mutex
}

type lastOutput struct {
	Kind string
	Text string
	At   time.Time
}

// New wires up every C1-C9 subsystem from cfg.
func New(cfg config.Hub, logger *slog.Logger) (*Hub, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dir, err := directory.New(cfg.FileUsers, cfg.DirHistory)
	if err != nil {
		return nil, fmt.Errorf("hub: opening user directory: %w", err)
	}
	groups, err := group.New(cfg.FileGroups)
	if err != nil {
		return nil, fmt.Errorf("hub: opening group registry: %w", err)
	}
	if err := os.MkdirAll(cfg.DirResults, 0o755); err != nil {
		return nil, err
	}
	deferredStore, err := deferred.New(cfg.FileScheduled, cfg.DirResults, cfg.ArchiveRotateSize)
	if err != nil {
		return nil, fmt.Errorf("hub: opening deferred store: %w", err)
	}
	if err := os.MkdirAll(cfg.DirOutputArchive, 0o755); err != nil {
		return nil, err
	}

	h := &Hub{
		cfg:        cfg,
		logger:     logger,
		Directory:  dir,
		Groups:     groups,
		Deferred:   deferredStore,
		Metrics:    metrics.NewCollector(),
		sessions:   map[string]*session{},
		perIP:      map[string]int{},
		stopBg:     make(chan struct{}),
		lastOutput: map[string]lastOutput{},
	}
	h.Monitor = monitor.New(cfg.DirOutputArchive, dir.Alias, cfg.ArchiveRotateSize)

	if cfg.BandwidthGlobal > 0 {
		h.bandwidthGlobal = ratelimit.New(cfg.BandwidthGlobal)
	}

	h.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	every := fmt.Sprintf("@every %s", cfg.SnapshotPeriod)
	if _, err := h.cron.AddFunc(every, func() {
		if err := h.snapshot(); err != nil {
			h.logger.Error("state snapshot failed", "error", err)
		}
	}); err != nil {
		return nil, fmt.Errorf("hub: scheduling snapshot job: %w", err)
	}

	return h, nil
}

// ListenAndServe binds cfg.ListenAddr and serves until Shutdown.
func (h *Hub) ListenAndServe() error {
	ln, err := net.Listen("tcp", h.cfg.ListenAddr)
	if err != nil {
		return err
	}
	return h.Serve(ln)
}

// Serve accepts connections on ln, spawning one session goroutine per
// connection, and runs the monitor/snapshot background tasks until Shutdown
// closes ln.
func (h *Hub) Serve(ln net.Listener) error {
	h.listener = ln

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.Monitor.Run(h.stopBg, h)
	}()

	h.cron.Start()

	if h.cfg.MetricsAddr != "" {
		go func() {
			if err := h.Metrics.Serve(h.cfg.MetricsAddr); err != nil {
				h.logger.Warn("metrics endpoint stopped", "error", err)
			}
		}()
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			if h.closing.Load() {
				h.wg.Wait()
				return ErrHubClosed
			}
			return err
		}
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.handleConn(conn)
		}()
	}
}

// Shutdown marks every connected agent OFF, snapshots state, and stops the
// listener and background tasks. It blocks until in-flight sessions exit or
// ctx is done.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.closing.Store(true)
	close(h.stopBg)
	cronDone := h.cron.Stop()
	if h.listener != nil {
		_ = h.listener.Close()
	}

	h.mu.Lock()
	for id, s := range h.sessions {
		_ = h.Directory.Logout(id)
		s.close()
	}
	h.mu.Unlock()

	select {
	case <-cronDone.Done():
	case <-ctx.Done():
	}
	_ = h.snapshot()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) handleConn(conn net.Conn) {
	defer conn.Close()

	ip := remoteIP(conn)
	if !h.admit(ip) {
		h.logger.Warn("rejecting connection: limit reached", "remote_ip", ip)
		_, _ = conn.Write([]byte("KICK:too_many_connections\n"))
		return
	}
	defer h.release(ip)

	line, leftover, err := wire.ReadHandshakeLine(conn, h.cfg.HandshakeTimeout)
	if err != nil || strings.TrimSpace(line) == "" {
		h.logger.Warn("handshake failed", "remote_ip", ip, "error", err)
		return
	}
	id := strings.TrimSpace(line)

	wc := wire.New(conn, 0, 0)
	wc.Prime(leftover)

	alias, err := h.Directory.Register(id)
	if err != nil {
		h.logger.Error("registering agent", "agent_id", id, "error", err)
	}

	sess := newSession(h, id, alias, wc)

	h.mu.Lock()
	h.sessions[id] = sess
	h.mu.Unlock()

	h.logger.Info("agent connected", "agent_id", id, "alias", alias, "remote_ip", ip)
	h.Metrics.ConnectedAgents.Inc()

	sess.replayDeferred()
	sess.serve()

	h.mu.Lock()
	delete(h.sessions, id)
	h.mu.Unlock()
	h.Metrics.ConnectedAgents.Dec()

	h.Monitor.Unregister(id)
	_ = h.Directory.Logout(id)
	h.logger.Info("agent disconnected", "agent_id", id)
}

func (h *Hub) admit(ip string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	total := len(h.sessions)
	if h.cfg.MaxConnections > 0 && total >= h.cfg.MaxConnections {
		return false
	}
	if h.cfg.MaxConnectionsPerIP > 0 && h.perIP[ip] >= h.cfg.MaxConnectionsPerIP {
		return false
	}
	h.perIP[ip]++
	return true
}

func (h *Hub) release(ip string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.perIP[ip] > 0 {
		h.perIP[ip]--
	}
}

func remoteIP(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}

// SendLine implements monitor.Sender: it writes line to the named agent's
// connection if still connected, a no-op otherwise.
func (h *Hub) SendLine(id, line string) error {
	h.mu.Lock()
	sess, ok := h.sessions[id]
	h.mu.Unlock()
	if !ok {
		return nil
	}
	return sess.conn.WriteLine(line)
}

// RecordCommandTimeout implements monitor.Sender: it forwards a timed-out
// command's kind to the metrics collector.
func (h *Hub) RecordCommandTimeout(kind string) {
	h.Metrics.RecordCommandTimeout(kind)
}

// tryRegister registers a new in-flight command for id, refusing (rather
// than panicking, which Monitor.Register reserves for a genuine programming
// error) when id already has one in flight.
func (h *Hub) tryRegister(id, command, kind string, total int) error {
	if _, ok := h.Monitor.Get(id); ok {
		return fmt.Errorf("agent %q already has a command in flight", id)
	}
	h.Monitor.Register(id, command, kind, total)
	return nil
}

// Broadcast sends a "Server: <text>" frame to every connected agent.
func (h *Hub) Broadcast(text string) {
	h.mu.Lock()
	targets := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		targets = append(targets, s)
	}
	h.mu.Unlock()
	for _, s := range targets {
		_ = s.conn.WriteLine("Server: " + text)
	}
}

// ConnectedIDs returns the ids of every currently connected agent.
func (h *Hub) ConnectedIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		out = append(out, id)
	}
	return out
}

func (h *Hub) sessionFor(id string) (*session, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[id]
	return s, ok
}

func (h *Hub) setLastOutput(id, kind, text string) {
	h.lastOutputMu.Lock()
	defer h.lastOutputMu.Unlock()
	h.lastOutput[id] = lastOutput{Kind: kind, Text: text, At: time.Now()}
}

// LastOutput returns the most recently finalized output cached for id.
func (h *Hub) LastOutput(id string) (kind, text string, at time.Time, ok bool) {
	h.lastOutputMu.Lock()
	defer h.lastOutputMu.Unlock()
	v, found := h.lastOutput[id]
	return v.Kind, v.Text, v.At, found
}

// simplLines reads the operator's scripted-commands file, returning every
// non-empty, trimmed line. A missing file yields no commands rather than an
// error, since "simpl" is only ever dispatched after an operator has
// populated it.
func (h *Hub) simplLines() []string {
	b, err := os.ReadFile(h.cfg.FileSimplScript)
	if err != nil {
		return nil
	}
	var out []string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

// DumpState renders a plain-text summary of every connected agent and every
// in-flight command, for a crash-log dump or an operator diagnostic.
func (h *Hub) DumpState() string {
	var b strings.Builder
	fmt.Fprintln(&b, "connected clients:")
	ids := h.ConnectedIDs()
	if len(ids) == 0 {
		fmt.Fprintln(&b, "  (none)")
	}
	for _, id := range ids {
		fmt.Fprintf(&b, "  %s (%s)\n", id, h.Directory.Alias(id))
	}
	fmt.Fprintln(&b, "in-flight commands:")
	records := h.Monitor.All()
	if len(records) == 0 {
		fmt.Fprintln(&b, "  (none)")
	}
	for id, rec := range records {
		fmt.Fprintf(&b, "  %s: %s %q started %s (%d/%d subcommands)\n",
			id, rec.Kind, rec.Command, rec.Start.Format(time.RFC3339), rec.ReceivedSubcommands, rec.TotalSubcommands)
	}
	return b.String()
}

// outputBufferSnapshot reports an in-progress OUTPUT/FILETRU buffer for the
// §6 server_state.json output_buffers field.
type outputBufferSnapshot struct {
	AgentID string `json:"agent_id"`
	Type    string `json:"type"`
	Chunks  int    `json:"chunks"`
	Total   int    `json:"total"`
}

func (h *Hub) snapshot() error {
	h.mu.Lock()
	connected := make([]string, 0, len(h.sessions))
	buffers := make([]outputBufferSnapshot, 0)
	for id, sess := range h.sessions {
		connected = append(connected, id)
		if kind, chunks, total, ok := sess.bufferSnapshot(); ok {
			buffers = append(buffers, outputBufferSnapshot{AgentID: id, Type: kind, Chunks: chunks, Total: total})
		}
	}
	h.mu.Unlock()

	h.Metrics.DeferredDepth.Set(float64(len(h.Deferred.Active())))

	snap := struct {
		Timestamp        string                 `json:"timestamp"`
		ConnectedClients []string               `json:"connected_clients"`
		ActiveCommands   int                    `json:"active_commands"`
		OutputBuffers    []outputBufferSnapshot `json:"output_buffers"`
	}{
		Timestamp:        time.Now().Format("2006-01-02 15:04:05"),
		ConnectedClients: connected,
		ActiveCommands:   len(h.Monitor.All()),
		OutputBuffers:    buffers,
	}
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(h.cfg.FileState); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(h.cfg.FileState, b, 0o644)
}
