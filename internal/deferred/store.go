// Package deferred implements the deferred-command store (C5): a persistent
// queue of commands pending against a target expression, tracked per user
// until each expected recipient has run (or been credited for) one.
package deferred

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/relaymesh/fleetfabric/internal/archive"
	"github.com/relaymesh/fleetfabric/internal/group"
)

const timeLayout = "2006-01-02 15:04:05"

// Kind names the four deferred-command shapes.
type Kind string

const (
	KindCMD    Kind = "CMD"
	KindSIMPL  Kind = "SIMPL"
	KindIMPORT Kind = "IMPORT"
	KindEXPORT Kind = "EXPORT"
)

// Record is one deferred command. It is immutable apart from ExpectedUsers,
// CompletedUsers, and CompletedAt.
type Record struct {
	Target         string   `json:"target"`
	Kind           Kind     `json:"command_type"`
	CreatedAt      string   `json:"created_at"`
	ExpectedUsers  []string `json:"expected_users"`
	CompletedUsers []string `json:"completed_users"`
	CompletedAt    string   `json:"completed_at,omitempty"`

	Command    string `json:"command,omitempty"`     // CMD
	SourcePath string `json:"source_path,omitempty"`  // IMPORT/EXPORT
	DestPath   string `json:"dest_path,omitempty"`    // IMPORT/EXPORT
}

type file struct {
	Commands  []*Record `json:"commands"`
	Completed []*Record `json:"completed"`
}

// Store is the hub-wide deferred-command table.
type Store struct {
	mu         sync.Mutex
	data       file
	path       string
	resultsDir string
	rotateSize int64
	now        func() time.Time
}

// New loads (or initializes) a store backed by path, writing per-target
// result logs under resultsDir. rotateSize is the byte threshold past which
// a result log is gzip-rolled; zero disables rotation.
func New(path, resultsDir string, rotateSize int64) (*Store, error) {
	s := &Store{path: path, resultsDir: resultsDir, rotateSize: rotateSize, now: time.Now}
	if err := os.MkdirAll(resultsDir, 0o755); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(b, &s.data); err != nil {
		return s, nil // corrupt snapshot: start empty
	}
	return s, nil
}

func (s *Store) saveLocked() error {
	b, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(s.path, b, 0o644)
}

// Add expands target at call time (freezing its ExpectedUsers) and
// appends it to the active list.
func (s *Store) Add(target string, kind Kind, command, sourcePath, destPath string, dir group.Directory, groups *group.Registry) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := &Record{
		Target:         target,
		Kind:           kind,
		CreatedAt:      s.now().Format(timeLayout),
		ExpectedUsers:  group.Expand(target, dir, groups),
		CompletedUsers: []string{},
		Command:        command,
		SourcePath:     sourcePath,
		DestPath:       destPath,
	}
	s.data.Commands = append(s.data.Commands, rec)
	return rec, s.saveLocked()
}

// PendingIndex pairs an active record with its current slice index, which
// is what mark_completed / chart_del address.
type PendingIndex struct {
	Index  int
	Record *Record
}

// ForUser returns every active record that still expects id, with its
// current index in the active list.
func (s *Store) ForUser(id string) []PendingIndex {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []PendingIndex
	for i, rec := range s.data.Commands {
		if containsStr(rec.ExpectedUsers, id) {
			out = append(out, PendingIndex{Index: i, Record: cloneRecord(rec)})
		}
	}
	return out
}

// MarkCompleted moves id from expected to completed for the record at
// index, appends the result block to the target's result file, and — if
// that empties ExpectedUsers — migrates the record to the completed list.
func (s *Store) MarkCompleted(index int, id, output string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 0 || index >= len(s.data.Commands) {
		return fmt.Errorf("deferred: index %d out of range", index)
	}
	rec := s.data.Commands[index]

	rec.ExpectedUsers = removeStr(rec.ExpectedUsers, id)
	rec.CompletedUsers = append(rec.CompletedUsers, id)

	if err := s.writeResult(rec.Target, id, output); err != nil {
		return err
	}

	if len(rec.ExpectedUsers) == 0 {
		rec.CompletedAt = s.now().Format(timeLayout)
		s.data.Completed = append(s.data.Completed, rec)
		s.data.Commands = append(s.data.Commands[:index], s.data.Commands[index+1:]...)
	}
	return s.saveLocked()
}

// RemoveUserFromExpected drops id from every active record's ExpectedUsers
// (used when id is removed from a group that is targeting a record),
// migrating any record this empties to completed.
func (s *Store) RemoveUserFromExpected(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	modified := false
	remaining := s.data.Commands[:0:0]
	for _, rec := range s.data.Commands {
		if containsStr(rec.ExpectedUsers, id) {
			rec.ExpectedUsers = removeStr(rec.ExpectedUsers, id)
			modified = true
			if len(rec.ExpectedUsers) == 0 {
				rec.CompletedAt = s.now().Format(timeLayout)
				s.data.Completed = append(s.data.Completed, rec)
				continue
			}
		}
		remaining = append(remaining, rec)
	}
	s.data.Commands = remaining
	if !modified {
		return nil
	}
	return s.saveLocked()
}

// RemoveActive deletes the active record at index outright, without
// crediting any of its still-expecting recipients or writing a result
// block. Used by the operator console to cancel a queued deferred command
// before any recipient has run it.
func (s *Store) RemoveActive(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.data.Commands) {
		return fmt.Errorf("deferred: index %d out of range", index)
	}
	s.data.Commands = append(s.data.Commands[:index], s.data.Commands[index+1:]...)
	return s.saveLocked()
}

func (s *Store) writeResult(target, id, output string) error {
	var filename string
	switch {
	case target == "all":
		filename = "ALL.txt"
	case strings.HasPrefix(target, "group:"):
		filename = "group_" + target[len("group:"):] + ".txt"
	default:
		filename = target + ".txt"
	}
	path := filepath.Join(s.resultsDir, filename)
	if err := archive.RotateIfOversize(path, s.rotateSize); err != nil {
		return err
	}
	fh, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer fh.Close()
	_, err = fmt.Fprintf(fh, "%s\n%s\n\n\n", id, output)
	return err
}

// Active returns a snapshot of the active records, in store order.
func (s *Store) Active() []*Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Record, len(s.data.Commands))
	for i, r := range s.data.Commands {
		out[i] = cloneRecord(r)
	}
	return out
}

// Completed returns a snapshot of the completed records.
func (s *Store) Completed() []*Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Record, len(s.data.Completed))
	for i, r := range s.data.Completed {
		out[i] = cloneRecord(r)
	}
	return out
}

// Substitute replaces every "{user}" occurrence in template with id. It is
// computed fresh from template on every call, so substituting for one
// recipient can never leak into another recipient's copy.
func Substitute(template, id string) string {
	return strings.ReplaceAll(template, "{user}", id)
}

func containsStr(ss []string, v string) bool {
	for _, s := range ss {
		if s == v {
			return true
		}
	}
	return false
}

func removeStr(ss []string, v string) []string {
	out := ss[:0:0]
	for _, s := range ss {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}

func cloneRecord(r *Record) *Record {
	c := *r
	c.ExpectedUsers = append([]string{}, r.ExpectedUsers...)
	c.CompletedUsers = append([]string{}, r.CompletedUsers...)
	return &c
}
