package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/relaymesh/fleetfabric/internal/transfer"
	"github.com/relaymesh/fleetfabric/internal/wire"
)

// chunkLines is the number of result lines batched per OUTPUT/FILETRU chunk
// frame, matching the reference client's send_in_chunks default.
const chunkLines = 100

type agentSession struct {
	a    *Agent
	conn *wire.Conn
}

func newAgentSession(a *Agent, conn *wire.Conn) *agentSession {
	return &agentSession{a: a, conn: conn}
}

// serve reads frames until the connection breaks or the hub sends KICK,
// returning true only in the KICK case (the caller should not reconnect).
func (s *agentSession) serve(ctx context.Context) (kicked bool) {
	for {
		line, err := s.conn.ReadLine()
		if err != nil {
			return false
		}
		if ctx.Err() != nil {
			return false
		}

		switch {
		case strings.HasPrefix(line, "CMD:"):
			s.runAndReply("OUTPUT", line[len("CMD:"):])
		case strings.HasPrefix(line, "FILETRU:"):
			s.runAndReply("FILETRU", line[len("FILETRU:"):])
		case strings.HasPrefix(line, "EXPORT;"):
			s.handleExport(line[len("EXPORT;"):])
		case strings.HasPrefix(line, "IMPORT:START:"):
			s.handleImport(line)
		case strings.HasPrefix(line, "KICK:"):
			reason := strings.TrimPrefix(line, "KICK:")
			s.a.logger.Info("kicked by hub", "reason", reason)
			return true
		case line == "SERVER_SHUTDOWN":
			s.a.logger.Info("hub is shutting down")
			return false
		default:
			s.a.logger.Info("message from hub", "text", line)
		}
	}
}

// runAndReply executes cmd and streams the result back chunked under
// prefix ("OUTPUT" for CMD, "FILETRU" for a simpl line).
func (s *agentSession) runAndReply(prefix, cmd string) {
	cmd = strings.TrimSpace(cmd)
	result := s.execute(cmd)
	if err := s.sendChunked(prefix, result); err != nil {
		s.a.logger.Warn("failed to send command result", "error", err)
	}
}

func (s *agentSession) execute(cmd string) string {
	switch cmd {
	case "CANCEL_TIMEOUT":
		return "command canceled: exceeded the 120s timeout"
	case "CANCEL_MANUAL":
		return "command canceled by operator"
	}

	budget := s.a.cfg.CommandBudget
	if budget <= 0 {
		budget = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	shell, arg := "/bin/sh", "-c"
	if runtime.GOOS == "windows" {
		shell, arg = "cmd", "/C"
	}

	proc := exec.CommandContext(ctx, shell, arg, cmd)
	var stdout, stderr bytes.Buffer
	proc.Stdout = &stdout
	proc.Stderr = &stderr
	err := proc.Run()

	if ctx.Err() == context.DeadlineExceeded {
		return "error: command exceeded its execution budget"
	}

	var out strings.Builder
	out.Write(stdout.Bytes())
	if stderr.Len() > 0 {
		out.WriteString("\n[STDERR]:\n")
		out.Write(stderr.Bytes())
	}
	if out.Len() == 0 {
		code := 0
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		}
		return fmt.Sprintf("command completed. return code: %d", code)
	}
	return out.String()
}

// sendChunked writes text as prefix:START:<n>, a sequence of prefix:CHUNK:
// frames (chunkLines lines each, newlines escaped as "<<<NL>>>"), and a
// final prefix:END.
func (s *agentSession) sendChunked(prefix, text string) error {
	lines := strings.Split(text, "\n")
	if err := s.conn.WriteLine(fmt.Sprintf("%s:START:%d", prefix, len(lines))); err != nil {
		return err
	}
	for i := 0; i < len(lines); i += chunkLines {
		end := i + chunkLines
		if end > len(lines) {
			end = len(lines)
		}
		chunk := strings.Join(lines[i:end], "\n")
		escaped := strings.ReplaceAll(chunk, "\n", "<<<NL>>>")
		if err := s.conn.WriteLine(prefix + ":CHUNK:" + escaped); err != nil {
			return err
		}
	}
	return s.conn.WriteLine(prefix + ":END")
}

// handleExport walks sourcePath locally and streams it to the hub as an
// EXPORT:START/file-batch/EXPORT:COMPLETE exchange. raw is "src;dest".
func (s *agentSession) handleExport(raw string) {
	parts := strings.SplitN(raw, ";", 2)
	if len(parts) < 2 {
		_ = s.conn.WriteLine("EXPORT:ERROR:malformed EXPORT frame")
		return
	}
	source := strings.TrimSpace(parts[0])
	destDir := strings.TrimSpace(parts[1])
	if destDir == "" {
		destDir = "received"
	}

	files, err := transfer.Walk(source)
	if err != nil || len(files) == 0 {
		_ = s.conn.WriteLine(fmt.Sprintf("EXPORT:ERROR:path does not exist or is empty: %s", source))
		return
	}

	meta := transfer.BatchStart{Count: len(files), DestDir: destDir, Source: filepath.Base(source)}
	b, err := json.Marshal(meta)
	if err != nil {
		_ = s.conn.WriteLine("EXPORT:ERROR:" + err.Error())
		return
	}
	if err := s.conn.WriteLine("EXPORT:START:" + string(b)); err != nil {
		return
	}

	if _, err := transfer.Send(s.conn, files, nil); err != nil {
		_ = s.conn.WriteLine("EXPORT:ABORT")
		return
	}
	_ = s.conn.WriteLine("EXPORT:COMPLETE")
}

type importMeta struct {
	Count   int    `json:"count"`
	DestDir string `json:"dest_dir"`
	Source  string `json:"source"`
}

// handleImport receives a file batch the hub is pushing down, replying
// IMPORT:COMPLETE or IMPORT:ERROR:<msg>.
func (s *agentSession) handleImport(line string) {
	const prefix = "IMPORT:START:"
	var meta importMeta
	if err := json.Unmarshal([]byte(line[len(prefix):]), &meta); err != nil {
		_ = s.conn.WriteLine("IMPORT:ERROR:" + err.Error())
		return
	}

	destDir := meta.DestDir
	if destDir == "" {
		destDir = s.a.cfg.DownloadDir
	}
	if destDir == "" {
		destDir = "received"
	}

	if _, err := transfer.ReceiveBatch(s.conn, destDir, meta.Count, nil, 0); err != nil {
		_ = s.conn.WriteLine("IMPORT:ERROR:" + err.Error())
		return
	}
	_ = s.conn.WriteLine("IMPORT:COMPLETE")
}
