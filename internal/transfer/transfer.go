// Package transfer implements the chunked file-transfer engine shared by the
// hub and the agent: walking a local path into a batch of files, streaming
// each one as a FILE:META/body/FILE:END triple, and reconstructing the batch
// on the receiving side.
package transfer

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/karrick/godirwalk"

	"github.com/relaymesh/fleetfabric/internal/ratelimit"
	"github.com/relaymesh/fleetfabric/internal/wire"
)

// ChunkSize is the maximum number of bytes written per body write call.
const ChunkSize = 64 * 1024

// FileMeta announces one file body about to cross the wire.
type FileMeta struct {
	RelPath string `json:"rel_path"`
	Size    int64  `json:"size"`
}

// BatchStart announces the shape of a multi-file transfer before the first
// FileMeta/body/FILE:END triple.
type BatchStart struct {
	Count   int    `json:"count"`
	DestDir string `json:"dest_dir"`
	Source  string `json:"source"`
}

// File is one file discovered by Walk, with the path relative to the root
// that was passed in.
type File struct {
	Abs string
	Rel string
}

// Walk discovers the files under root. If root is a regular file, the batch
// is that one file with Rel equal to its base name. If root is a directory,
// every regular file under it is included with Rel relative to root. Order
// is stable within one call but not otherwise specified.
func Walk(root string) ([]File, error) {
	info, err := os.Lstat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []File{{Abs: root, Rel: filepath.Base(root)}}, nil
	}

	var out []File
	err = godirwalk.Walk(root, &godirwalk.Options{
		Unsorted: false,
		Callback: func(path string, de *godirwalk.Dirent) error {
			if de.IsDir() {
				return nil
			}
			if !de.IsRegular() {
				return nil
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			out = append(out, File{Abs: path, Rel: filepath.ToSlash(rel)})
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Send transmits the given files to conn as a sequence of FILE:META/body/
// FILE:END triples. The BatchStart announcement itself is the caller's
// responsibility, since its shape differs between EXPORT and IMPORT framing.
// limiter may be nil for unthrottled sends.
func Send(conn *wire.Conn, files []File, limiter *ratelimit.Limiter) (int64, error) {
	var total int64
	for _, f := range files {
		n, err := sendOne(conn, f, limiter)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func sendOne(conn *wire.Conn, f File, limiter *ratelimit.Limiter) (int64, error) {
	fh, err := os.Open(f.Abs)
	if err != nil {
		return 0, err
	}
	defer fh.Close()

	st, err := fh.Stat()
	if err != nil {
		return 0, err
	}

	meta := FileMeta{RelPath: f.Rel, Size: st.Size()}
	b, err := json.Marshal(meta)
	if err != nil {
		return 0, err
	}
	if err := conn.WriteLine("FILE:META:" + string(b)); err != nil {
		return 0, err
	}

	var r io.Reader = fh
	if limiter != nil {
		r = ratelimit.NewReader(fh, limiter)
	}
	buf := make([]byte, ChunkSize)
	var sent int64
	for sent < st.Size() {
		n, err := r.Read(buf)
		if n > 0 {
			if werr := conn.WriteExact(buf[:n]); werr != nil {
				return sent, werr
			}
			sent += int64(n)
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return sent, err
		}
	}
	return sent, conn.WriteLine("FILE:END")
}

// ReceiveBatch reads count FILE:META/body/FILE:END triples off conn and
// writes each into destDir, honoring the single-file-with-extension
// destination-resolution rule: when count == 1 and destDir itself names a
// file (has a non-empty extension), the body is written to destDir exactly,
// not destDir/relpath. It returns the total number of body bytes written.
// limiter may be nil for unthrottled writes. metaTimeout bounds only the wait
// for each file's announcing FILE:META line (a stalled agent between files);
// zero disables the deadline.
func ReceiveBatch(conn *wire.Conn, destDir string, count int, limiter *ratelimit.Limiter, metaTimeout time.Duration) (int64, error) {
	var total int64
	for i := 0; i < count; i++ {
		n, err := receiveOne(conn, destDir, count, limiter, metaTimeout)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func receiveOne(conn *wire.Conn, destDir string, batchCount int, limiter *ratelimit.Limiter, metaTimeout time.Duration) (int64, error) {
	if metaTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(metaTimeout))
	}
	line, err := conn.ReadLine()
	if metaTimeout > 0 {
		_ = conn.SetReadDeadline(time.Time{})
	}
	if err != nil {
		return 0, err
	}
	const prefix = "FILE:META:"
	if !strings.HasPrefix(line, prefix) {
		return 0, fmt.Errorf("transfer: expected FILE:META, got %q", line)
	}
	var meta FileMeta
	if err := json.Unmarshal([]byte(line[len(prefix):]), &meta); err != nil {
		return 0, fmt.Errorf("transfer: bad FILE:META json: %w", err)
	}

	dest := ResolveDest(destDir, meta.RelPath, batchCount)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, err
	}
	fh, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, err
	}
	defer fh.Close()

	var w io.Writer = fh
	if limiter != nil {
		w = ratelimit.NewWriter(fh, limiter)
	}

	remaining := meta.Size
	for remaining > 0 {
		n := int64(ChunkSize)
		if remaining < n {
			n = remaining
		}
		chunk, err := conn.ReadExact(int(n))
		if err != nil {
			return meta.Size - remaining, err
		}
		if _, err := w.Write(chunk); err != nil {
			return meta.Size - remaining, err
		}
		remaining -= n
	}

	end, err := conn.ReadLine()
	if err != nil {
		return meta.Size, err
	}
	if !strings.HasPrefix(end, "FILE:END") {
		return meta.Size, fmt.Errorf("transfer: expected FILE:END, got %q", end)
	}
	return meta.Size, nil
}

// ResolveDest implements the destination-resolution rule from §4.2: a
// single-file batch whose announced dest_dir carries a file extension is
// written to that exact path; every other case joins destDir with the
// file's relative path.
func ResolveDest(destDir, relPath string, batchCount int) string {
	if batchCount == 1 && filepath.Ext(destDir) != "" {
		return destDir
	}
	return filepath.Join(destDir, filepath.FromSlash(relPath))
}
