package hub

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/relaymesh/fleetfabric/internal/deferred"
)

// resolveID maps an alias to its stable id, falling back to target itself
// when it isn't a known alias — this mirrors every console handler's
// "treat it as an alias, then as a raw id" lookup.
func (h *Hub) resolveID(target string) string {
	if id, ok := h.Directory.ByAlias(target); ok {
		return id
	}
	return target
}

// DispatchCMD sends a shell command to one agent, or every connected agent
// when target == "all". The {user} placeholder is substituted independently
// for each recipient.
func (h *Hub) DispatchCMD(target, command string) (sent int, err error) {
	if target == "all" {
		for _, id := range h.ConnectedIDs() {
			cmd := deferred.Substitute(command, id)
			if regErr := h.tryRegister(id, cmd, "CMD", 1); regErr != nil {
				continue
			}
			if err := h.SendLine(id, "CMD:"+cmd); err != nil {
				h.Monitor.Unregister(id)
				continue
			}
			sent++
		}
		return sent, nil
	}

	id := h.resolveID(target)
	if _, ok := h.sessionFor(id); !ok {
		return 0, fmt.Errorf("agent %q is not connected", target)
	}
	cmd := deferred.Substitute(command, id)
	if err := h.tryRegister(id, cmd, "CMD", 1); err != nil {
		return 0, err
	}
	if rec, ok := h.Monitor.Get(id); ok {
		h.logger.Debug("command dispatched", "agent_id", id, "correlation_id", rec.CorrelationID, "command", cmd)
	}
	if err := h.SendLine(id, "CMD:"+cmd); err != nil {
		h.Monitor.Unregister(id)
		return 0, err
	}
	return 1, nil
}

// DispatchSIMPL sends every non-empty line of the operator's scripted
// commands file to target (or every connected agent for "all"), as a
// single FILETRU-tracked multi-result command.
func (h *Hub) DispatchSIMPL(target string) (sent int, err error) {
	lines := h.simplLines()
	if len(lines) == 0 {
		return 0, fmt.Errorf("no commands in %s", h.cfg.FileSimplScript)
	}

	targets := []string{h.resolveID(target)}
	if target == "all" {
		targets = h.ConnectedIDs()
	}

	for _, id := range targets {
		if _, ok := h.sessionFor(id); !ok {
			continue
		}
		label := fmt.Sprintf("simpl (%d commands)", len(lines))
		if err := h.tryRegister(id, label, "FILETRU", len(lines)); err != nil {
			continue
		}
		ok := true
		for _, line := range lines {
			cmd := deferred.Substitute(line, id)
			if err := h.SendLine(id, "FILETRU:"+cmd); err != nil {
				ok = false
				break
			}
		}
		if !ok {
			h.Monitor.Unregister(id)
			continue
		}
		sent++
	}
	if sent == 0 {
		return 0, fmt.Errorf("agent %q is not connected", target)
	}
	return sent, nil
}

// DispatchEXPORT asks target to send the files under sourcePath, to be
// saved under DirFiles/<alias>/<destDir> once the agent streams them back.
func (h *Hub) DispatchEXPORT(target, sourcePath, destDir string) error {
	id := h.resolveID(target)
	if _, ok := h.sessionFor(id); !ok {
		return fmt.Errorf("agent %q is not connected", target)
	}
	if destDir == "" {
		destDir = "received"
	}
	src := deferred.Substitute(sourcePath, id)
	if err := h.tryRegister(id, "export "+src, "EXPORT", 1); err != nil {
		return err
	}
	if err := h.SendLine(id, fmt.Sprintf("EXPORT;%s;%s", src, destDir)); err != nil {
		h.Monitor.Unregister(id)
		return err
	}
	return nil
}

// DispatchIMPORT pushes the files under sourcePath (read from the hub's own
// filesystem) to target, or to every connected agent for "all". Unlike
// DispatchEXPORT, this blocks on the transfer itself since it drives the
// send loop directly rather than just posting a frame.
func (h *Hub) DispatchIMPORT(target, sourcePath, destDir string) (sent int, err error) {
	if destDir == "" {
		destDir = "received"
	}

	targets := []string{h.resolveID(target)}
	if target == "all" {
		targets = h.ConnectedIDs()
	}

	for _, id := range targets {
		sess, ok := h.sessionFor(id)
		if !ok {
			continue
		}
		dst := deferred.Substitute(destDir, id)
		if err := h.tryRegister(id, "import "+sourcePath, "IMPORT", 1); err != nil {
			continue
		}
		if err := sess.pushImport(sourcePath, dst); err != nil {
			h.logger.Warn("console IMPORT failed", "agent_id", id, "error", err)
		}
		h.Monitor.Unregister(id)
		sent++
	}
	if sent == 0 {
		return 0, fmt.Errorf("agent %q is not connected", target)
	}
	return sent, nil
}

// Cancel drops the in-flight command tracked for target, telling the agent
// to abandon it if still connected.
func (h *Hub) Cancel(target string) error {
	id := h.resolveID(target)
	if _, ok := h.Monitor.Get(id); !ok {
		return fmt.Errorf("agent %q has no command in flight", target)
	}
	_ = h.SendLine(id, "CMD:CANCEL_MANUAL")
	h.Monitor.Unregister(id)
	return nil
}

// Kick disconnects target (or every connected agent for "all"), sending a
// KICK frame and closing the session.
func (h *Hub) Kick(target, reason string) (kicked int) {
	targets := []string{h.resolveID(target)}
	if target == "all" {
		targets = h.ConnectedIDs()
	}
	for _, id := range targets {
		sess, ok := h.sessionFor(id)
		if !ok {
			continue
		}
		_ = sess.conn.WriteLine("KICK:" + reason)
		sess.close()
		kicked++
	}
	return kicked
}

// Save writes the most recently finalized output cached for target to
// DirResults/<filename>.txt, matching the console's save command.
func (h *Hub) Save(target, filename string) (string, error) {
	id := h.resolveID(target)
	if _, ok := h.sessionFor(id); !ok {
		return "", fmt.Errorf("agent %q is not connected", target)
	}
	kind, text, at, ok := h.LastOutput(id)
	if !ok || text == "" {
		return "", fmt.Errorf("no output cached for %q", target)
	}

	path := filepath.Join(h.cfg.DirResults, filename+".txt")
	body := fmt.Sprintf("Agent: %s\nTime: %s\nKind: %s\n%s\n%s\n",
		id, at.Format("2006-01-02 15:04:05"), kind, repeat80(), text)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// DeferCMD enqueues a deferred CMD/SIMPL/IMPORT/EXPORT record, mirroring the
// console's chart_new handler. A bare single-user target is resolved through
// resolveID first, same as every other dispatcher, so ExpectedUsers freezes
// on the stable id rather than an alias that replayDeferred's ForUser(id)
// lookup would never match.
func (h *Hub) DeferCMD(target string, kind deferred.Kind, command, sourcePath, destPath string) (*deferred.Record, error) {
	resolved := target
	if target != "all" && !strings.HasPrefix(target, "group:") {
		resolved = h.resolveID(target)
	}
	return h.Deferred.Add(resolved, kind, command, sourcePath, destPath, h.Directory, h.Groups)
}

func repeat80() string {
	b := make([]byte, 80)
	for i := range b {
		b[i] = '='
	}
	return string(b)
}
