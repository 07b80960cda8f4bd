// Package monitor implements the command monitor (C6): at most one in-flight
// command record per connected agent, a ticking loop that warns then cancels
// commands that run too long, and aggregation of multi-result (SIMPL)
// commands into a single persisted output block.
package monitor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaymesh/fleetfabric/internal/archive"
)

const (
	// WarnThreshold is how long a command may run before the agent is sent
	// a warning line.
	WarnThreshold = 90 * time.Second
	// HardTimeout is how long a command may run before it is canceled.
	HardTimeout = 120 * time.Second
	// TickInterval is how often the monitor loop re-checks every record.
	TickInterval = 5 * time.Second
)

// Record is the in-flight command state for one agent.
type Record struct {
	// CorrelationID ties this in-flight record's log lines together from
	// Register through its eventual OUTPUT:END/FILETRU:END, independent of
	// scheduled_commands.json's plain array indices.
	CorrelationID       string
	Kind                string
	Command             string
	Start               time.Time
	TotalSubcommands    int
	ReceivedSubcommands int
	Accumulated         []string
	Warned              bool
}

// Sender is the subset of the agent session interface the monitor needs to
// push warning/cancel frames without importing the hub package (which would
// create an import cycle — the hub package owns Monitor's lifetime).
type Sender interface {
	SendLine(id string, line string) error
	RecordCommandTimeout(kind string)
}

// Monitor tracks at most one Record per agent id.
type Monitor struct {
	mu         sync.Mutex
	records    map[string]*Record
	outputDir  string // directory for per-alias output_command_<alias>.txt
	aliasOf    func(id string) string
	rotateSize int64
}

// New creates a monitor that writes per-alias output archives under
// outputDir, resolving aliases through aliasOf. rotateSize is the byte
// threshold past which an archive is gzip-rolled; zero disables rotation.
func New(outputDir string, aliasOf func(id string) string, rotateSize int64) *Monitor {
	return &Monitor{
		records:    map[string]*Record{},
		outputDir:  outputDir,
		aliasOf:    aliasOf,
		rotateSize: rotateSize,
	}
}

// Register starts tracking a new in-flight command for id. Calling
// Register while a record already exists for id is a programming error —
// callers must Unregister (or let aggregation complete) first.
func (m *Monitor) Register(id, command, kind string, total int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[id]; exists {
		panic(fmt.Sprintf("monitor: Register called for %q with a command already in flight", id))
	}
	m.records[id] = &Record{
		CorrelationID:    uuid.NewString(),
		Kind:             kind,
		Command:          command,
		Start:            time.Now(),
		TotalSubcommands: total,
	}
}

// Unregister drops the in-flight record for id, if any.
func (m *Monitor) Unregister(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
}

// Get returns a copy of the in-flight record for id, if any.
func (m *Monitor) Get(id string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// AddResult appends one finished result stream to id's accumulated output.
// It returns the joined output and true once ReceivedSubcommands reaches
// TotalSubcommands — the caller is then responsible for persisting via
// SaveOutput and calling Unregister.
func (m *Monitor) AddResult(id, output string) (combined string, done bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return "", false
	}
	r.Accumulated = append(r.Accumulated, output)
	r.ReceivedSubcommands++
	if r.ReceivedSubcommands >= r.TotalSubcommands {
		return strings.Join(r.Accumulated, "\n\n"), true
	}
	return "", false
}

// All returns a copy of every in-flight record keyed by agent id, for
// diagnostic dumps (the operator "status" command, a crash-log snapshot).
func (m *Monitor) All() map[string]Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Record, len(m.records))
	for id, r := range m.records {
		out[id] = *r
	}
	return out
}

// SaveOutput appends a formatted block to the per-alias command-output
// archive, rotating it to a timestamped .gz sibling first if it has grown
// past rotateSize.
func (m *Monitor) SaveOutput(id, command, output, kind string) error {
	alias := m.aliasOf(id)
	path := filepath.Join(m.outputDir, "output_command_"+alias+".txt")
	if err := archive.RotateIfOversize(path, m.rotateSize); err != nil {
		return err
	}
	fh, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer fh.Close()

	sep := strings.Repeat("=", 80)
	_, err = fmt.Fprintf(fh, "Executed at: %s\nCommand: %s\nKind: %s\n%s\nOutput:\n%s\n%s\n%s\n",
		time.Now().Format("2006-01-02 15:04:05"), command, kind, sep, sep, output, sep)
	return err
}

// Run drives the timeout loop until stop is closed. sender is used to push
// warning text and CMD:CANCEL_TIMEOUT frames to still-connected agents.
func (m *Monitor) Run(stop <-chan struct{}, sender Sender) {
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.tick(sender)
		}
	}
}

func (m *Monitor) tick(sender Sender) {
	type expired struct {
		id      string
		command string
		kind    string
	}
	var warn, cancel []expired

	m.mu.Lock()
	now := time.Now()
	for id, r := range m.records {
		elapsed := now.Sub(r.Start)
		if elapsed > HardTimeout {
			cancel = append(cancel, expired{id, r.Command, r.Kind})
			continue
		}
		if elapsed > WarnThreshold && !r.Warned {
			r.Warned = true
			warn = append(warn, expired{id, r.Command, r.Kind})
		}
	}
	for _, e := range cancel {
		delete(m.records, e.id)
	}
	m.mu.Unlock()

	for _, e := range warn {
		remaining := HardTimeout - WarnThreshold
		_ = sender.SendLine(e.id, fmt.Sprintf("Server: command running %.0fs, %.0fs remaining before timeout", WarnThreshold.Seconds(), remaining.Seconds()))
	}
	for _, e := range cancel {
		_ = sender.SendLine(e.id, "CMD:CANCEL_TIMEOUT")
		sender.RecordCommandTimeout(e.kind)
	}
}
