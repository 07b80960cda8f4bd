// Package archive rolls an append-only text log over to a gzip-compressed
// sibling once it crosses a size threshold, so the hub's per-alias command
// archives and per-target deferred-result logs don't grow unbounded on disk.
package archive

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/klauspost/compress/gzip"
)

// RotateIfOversize compresses path into path.<timestamp>.gz and truncates it
// when its size exceeds maxBytes. maxBytes <= 0 disables rotation. A missing
// path is not an error — there's nothing to rotate yet.
func RotateIfOversize(path string, maxBytes int64) error {
	if maxBytes <= 0 {
		return nil
	}
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Size() <= maxBytes {
		return nil
	}

	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()

	gzPath := fmt.Sprintf("%s.%s.gz", path, time.Now().Format("20060102-150405"))
	out, err := os.Create(gzPath)
	if err != nil {
		return err
	}
	defer out.Close()

	zw := gzip.NewWriter(out)
	if _, err := io.Copy(zw, in); err != nil {
		zw.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}

	return os.Truncate(path, 0)
}
