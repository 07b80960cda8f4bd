package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/relaymesh/fleetfabric/internal/deferred"
	"github.com/relaymesh/fleetfabric/internal/ratelimit"
	"github.com/relaymesh/fleetfabric/internal/transfer"
	"github.com/relaymesh/fleetfabric/internal/wire"
)

// maxConsecutiveErrors bounds how many malformed/failed frames a session
// tolerates in a row before the connection is dropped.
const maxConsecutiveErrors = 5

// session is the per-connection agent session (C7): handshake-time deferred
// replay, then the main frame-dispatch loop until the socket closes.
type session struct {
	h     *Hub
	id    string
	alias string
	conn  *wire.Conn

	tracking      []int                  // FIFO of deferred.Store indices awaiting credit on completion
	deferredQueue []deferred.PendingIndex // records from ForUser not yet dispatched this connection

	outMu sync.Mutex // guards out: serve's goroutine owns it, snapshot() reads it from the cron goroutine
	out   *outputBuffer

	limiter *ratelimit.Limiter // per-agent throttle, falls back to the hub-wide one when unset
}

type outputBuffer struct {
	kind  string // "OUTPUT" or "FILETRU"
	lines []string
	total int
}

func newSession(h *Hub, id, alias string, conn *wire.Conn) *session {
	limiter := ratelimit.New(h.cfg.BandwidthPerAgent)
	if limiter == nil {
		limiter = h.bandwidthGlobal
	}
	return &session{h: h, id: id, alias: alias, conn: conn, limiter: limiter}
}

// bufferSnapshot reports the shape of this session's in-progress OUTPUT/
// FILETRU buffer for the periodic state snapshot, or ok=false if none is
// open right now.
func (s *session) bufferSnapshot() (kind string, chunks, total int, ok bool) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	if s.out == nil {
		return "", 0, 0, false
	}
	return s.out.kind, len(s.out.lines), s.out.total, true
}

func (s *session) close() {
	_ = s.conn.Close()
}

func (s *session) pushTracking(idx int) {
	s.tracking = append(s.tracking, idx)
}

func (s *session) popTracking() (int, bool) {
	if len(s.tracking) == 0 {
		return 0, false
	}
	idx := s.tracking[0]
	s.tracking = s.tracking[1:]
	return idx, true
}

// replayDeferred loads every deferred record still expecting this agent and
// starts working through them one at a time via advanceDeferredQueue: the
// monitor only ever tracks one in-flight command per agent, so dispatching
// them all up front would let tryRegister silently drop every record but the
// first. IMPORT credits synchronously and never blocks the queue; CMD, SIMPL,
// and EXPORT push an index onto the tracking FIFO and the queue waits for
// their result frame (finalizeResult / handleExportStart) to call
// advanceDeferredQueue again before moving to the next record.
func (s *session) replayDeferred() {
	s.deferredQueue = s.h.Deferred.ForUser(s.id)
	s.advanceDeferredQueue()
}

// advanceDeferredQueue dispatches queued deferred records in order, stopping
// as soon as one is left awaiting a result (CMD/SIMPL/EXPORT). A record that
// fails to dispatch (tryRegister contention, a write error) is dropped and
// the next one is tried immediately, same as the single-shot replay used to
// do for its one record.
func (s *session) advanceDeferredQueue() {
	for len(s.deferredQueue) > 0 {
		pi := s.deferredQueue[0]
		s.deferredQueue = s.deferredQueue[1:]

		var waiting bool
		switch pi.Record.Kind {
		case deferred.KindCMD:
			waiting = s.replayCMD(pi)
		case deferred.KindSIMPL:
			waiting = s.replaySIMPL(pi)
		case deferred.KindIMPORT:
			s.replayIMPORT(pi)
			waiting = false
		case deferred.KindEXPORT:
			waiting = s.replayEXPORT(pi)
		}
		if waiting {
			return
		}
	}
}

func (s *session) replayCMD(pi deferred.PendingIndex) bool {
	cmd := deferred.Substitute(pi.Record.Command, s.id)
	if err := s.h.tryRegister(s.id, cmd, "CMD", 1); err != nil {
		s.h.logger.Warn("deferred CMD replay skipped", "agent_id", s.id, "error", err)
		return false
	}
	if err := s.conn.WriteLine("CMD:" + cmd); err != nil {
		s.h.Monitor.Unregister(s.id)
		s.h.logger.Warn("deferred CMD replay failed", "agent_id", s.id, "error", err)
		return false
	}
	s.pushTracking(pi.Index)
	return true
}

func (s *session) replaySIMPL(pi deferred.PendingIndex) bool {
	lines := s.h.simplLines()
	if len(lines) == 0 {
		return false
	}
	if err := s.h.tryRegister(s.id, fmt.Sprintf("simpl (%d commands)", len(lines)), "FILETRU", len(lines)); err != nil {
		s.h.logger.Warn("deferred SIMPL replay skipped", "agent_id", s.id, "error", err)
		return false
	}
	for _, line := range lines {
		cmd := deferred.Substitute(line, s.id)
		if err := s.conn.WriteLine("FILETRU:" + cmd); err != nil {
			s.h.Monitor.Unregister(s.id)
			s.h.logger.Warn("deferred SIMPL replay failed", "agent_id", s.id, "error", err)
			return false
		}
	}
	s.pushTracking(pi.Index)
	return true
}

func (s *session) replayIMPORT(pi deferred.PendingIndex) {
	src := deferred.Substitute(pi.Record.SourcePath, s.id)
	dst := deferred.Substitute(pi.Record.DestPath, s.id)
	if err := s.h.tryRegister(s.id, fmt.Sprintf("IMPORT %s -> %s", src, dst), "IMPORT", 1); err != nil {
		s.h.logger.Warn("deferred IMPORT replay skipped", "agent_id", s.id, "error", err)
		return
	}

	err := s.pushImport(src, dst)
	s.h.Monitor.Unregister(s.id)

	outcome := fmt.Sprintf("IMPORT: %s -> %s [OK]", src, dst)
	if err != nil {
		outcome = fmt.Sprintf("IMPORT: %s -> %s [ERROR: %v]", src, dst, err)
	}
	// Credited synchronously at dispatch, not on IMPORT:COMPLETE — an
	// IMPORT push has no multi-recipient result to aggregate.
	_ = s.h.Deferred.MarkCompleted(pi.Index, s.id, outcome)
}

func (s *session) replayEXPORT(pi deferred.PendingIndex) bool {
	src := deferred.Substitute(pi.Record.SourcePath, s.id)
	dst := deferred.Substitute(pi.Record.DestPath, s.id)
	if err := s.h.tryRegister(s.id, fmt.Sprintf("EXPORT %s -> %s", src, dst), "EXPORT", 1); err != nil {
		s.h.logger.Warn("deferred EXPORT replay skipped", "agent_id", s.id, "error", err)
		return false
	}
	if err := s.conn.WriteLine(fmt.Sprintf("EXPORT;%s;%s", src, dst)); err != nil {
		s.h.Monitor.Unregister(s.id)
		s.h.logger.Warn("deferred EXPORT replay failed", "agent_id", s.id, "error", err)
		return false
	}
	s.pushTracking(pi.Index)
	return true
}

// pushImport walks src on the hub's filesystem and streams it to the agent
// as an IMPORT:START/file-batch/(await reply) exchange.
func (s *session) pushImport(src, dst string) error {
	files, err := transfer.Walk(src)
	if err != nil {
		return err
	}
	start := transfer.BatchStart{Count: len(files), DestDir: dst, Source: src}
	b, err := json.Marshal(start)
	if err != nil {
		return err
	}
	if err := s.conn.WriteLine("IMPORT:START:" + string(b)); err != nil {
		return err
	}
	n, err := transfer.Send(s.conn, files, s.limiter)
	s.h.Metrics.RecordTransfer("out", n)
	return err
}

// serve runs the main frame-dispatch loop until the connection closes or the
// consecutive-error budget is exhausted. A read that idles past
// InactivityTimeout is logged and retried rather than treated as an error:
// per §5 the inactivity timeout is a non-fatal warning, not a disconnect.
func (s *session) serve() {
	errStreak := 0
	for {
		line, err := s.readLineWarnIdle()
		if err != nil {
			return
		}
		if err := s.dispatch(line); err != nil {
			errStreak++
			s.h.logger.Warn("session frame error", "agent_id", s.id, "error", err)
			if errStreak >= maxConsecutiveErrors {
				s.h.logger.Error("dropping session: too many consecutive errors", "agent_id", s.id)
				return
			}
			continue
		}
		errStreak = 0
	}
}

// readLineWarnIdle reads one line off the connection, applying
// InactivityTimeout as a per-read deadline. A deadline expiry logs a warning
// and retries the read instead of returning an error, so a quiet agent is
// never disconnected for it; any other error (including a closed socket)
// propagates to the caller. The deadline is always cleared before returning
// so it never leaks into a later blocking read, such as transfer.ReceiveBatch.
func (s *session) readLineWarnIdle() (string, error) {
	timeout := s.h.cfg.InactivityTimeout
	for {
		if timeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(timeout))
		}
		line, err := s.conn.ReadLine()
		if timeout > 0 {
			_ = s.conn.SetReadDeadline(time.Time{})
		}
		if err == nil {
			return line, nil
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			s.h.logger.Warn("session idle", "agent_id", s.id, "timeout", timeout)
			continue
		}
		return "", err
	}
}

func (s *session) dispatch(line string) error {
	switch {
	case strings.HasPrefix(line, "EXPORT:START:"):
		return s.handleExportStart(line)

	case line == "IMPORT:COMPLETE":
		s.h.Monitor.Unregister(s.id)
		return nil

	case strings.HasPrefix(line, "IMPORT:ERROR:"):
		msg := line[len("IMPORT:ERROR:"):]
		s.h.logger.Warn("agent rejected IMPORT push", "agent_id", s.id, "error", msg)
		s.h.Monitor.Unregister(s.id)
		return nil

	case strings.HasPrefix(line, "OUTPUT:START:"):
		s.openBuffer("OUTPUT", parseTrailingInt(line))
		return nil
	case strings.HasPrefix(line, "OUTPUT:CHUNK:"):
		return s.appendChunk(line[len("OUTPUT:CHUNK:"):])
	case line == "OUTPUT:END":
		return s.finalizeResult("OUTPUT")

	case strings.HasPrefix(line, "FILETRU:START:"):
		s.openBuffer("FILETRU", parseTrailingInt(line))
		return nil
	case strings.HasPrefix(line, "FILETRU:CHUNK:"):
		return s.appendChunk(line[len("FILETRU:CHUNK:"):])
	case line == "FILETRU:END":
		return s.finalizeResult("FILETRU")

	default:
		s.h.logger.Warn("unrecognized frame", "agent_id", s.id, "line", truncate(line, 50))
		return nil
	}
}

// openBuffer starts a fresh OUTPUT/FILETRU buffer, replacing any prior one.
func (s *session) openBuffer(kind string, total int) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	s.out = &outputBuffer{kind: kind, total: total}
}

func (s *session) appendChunk(data string) error {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	if s.out == nil {
		return fmt.Errorf("session: chunk received with no open buffer")
	}
	restored := strings.ReplaceAll(data, "<<<NL>>>", "\n")
	s.out.lines = append(s.out.lines, restored)
	return nil
}

// finalizeResult joins the buffered chunks, feeds them to the monitor's
// multi-result aggregator, and — once every expected subcommand has
// reported — persists the combined output and credits the tracking FIFO.
// Both OUTPUT and FILETRU results flow through the same aggregation, since a
// replayed SIMPL batch's results come back over whichever framing the agent
// used for that subcommand.
func (s *session) finalizeResult(kind string) error {
	s.outMu.Lock()
	if s.out == nil {
		s.outMu.Unlock()
		return fmt.Errorf("session: %s:END received with no open buffer", kind)
	}
	full := strings.Join(s.out.lines, "\n")
	s.out = nil
	s.outMu.Unlock()

	s.h.setLastOutput(s.id, kind, full)

	combined, done := s.h.Monitor.AddResult(s.id, full)
	if !done {
		return nil
	}

	rec, _ := s.h.Monitor.Get(s.id)
	_ = s.h.Monitor.SaveOutput(s.id, rec.Command, combined, kind)
	s.h.Metrics.RecordCommand(rec.Kind, true)
	s.h.logger.Debug("command completed", "agent_id", s.id, "correlation_id", rec.CorrelationID, "kind", rec.Kind)

	if idx, ok := s.popTracking(); ok {
		_ = s.h.Deferred.MarkCompleted(idx, s.id, combined)
	}
	s.h.Monitor.Unregister(s.id)
	s.advanceDeferredQueue()
	return nil
}

type exportStartMeta struct {
	Count   int    `json:"count"`
	DestDir string `json:"dest_dir"`
}

// handleExportStart receives a file batch the agent is pushing up (either
// operator-issued or agent-initiated), resolving the save directory under
// DirFiles/<alias>/<dest_dir>, then awaits the agent's own completion frame.
func (s *session) handleExportStart(line string) error {
	const prefix = "EXPORT:START:"
	var meta exportStartMeta
	if err := json.Unmarshal([]byte(line[len(prefix):]), &meta); err != nil {
		return fmt.Errorf("bad EXPORT:START payload: %w", err)
	}

	alias := s.h.Directory.Alias(s.id)
	saveDir := s.h.cfg.DirFiles + "/" + alias + "/" + meta.DestDir

	n, err := transfer.ReceiveBatch(s.conn, saveDir, meta.Count, s.limiter, s.h.cfg.ExportMetaTimeout)
	s.h.Metrics.RecordTransfer("in", n)
	if err != nil {
		_ = s.conn.WriteLine("EXPORT:ABORT")
		s.h.Monitor.Unregister(s.id)
		s.advanceDeferredQueue()
		return fmt.Errorf("receiving EXPORT batch: %w", err)
	}

	if timeout := s.h.cfg.ImportConfirmTimeout; timeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(timeout))
	}
	confirm, err := s.conn.ReadLine()
	if s.h.cfg.ImportConfirmTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Time{})
	}
	if err != nil {
		s.h.Monitor.Unregister(s.id)
		s.advanceDeferredQueue()
		return fmt.Errorf("reading EXPORT confirmation: %w", err)
	}
	if confirm == "EXPORT:COMPLETE" {
		if idx, ok := s.popTracking(); ok {
			outcome := fmt.Sprintf("EXPORT: %d file(s) -> %s [OK]", meta.Count, saveDir)
			_ = s.h.Deferred.MarkCompleted(idx, s.id, outcome)
		}
	}
	s.h.Monitor.Unregister(s.id)
	s.advanceDeferredQueue()
	return nil
}

func parseTrailingInt(line string) int {
	idx := strings.LastIndex(line, ":")
	if idx < 0 {
		return 0
	}
	var n int
	_, err := fmt.Sscanf(line[idx+1:], "%d", &n)
	if err != nil {
		return 0
	}
	return n
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
