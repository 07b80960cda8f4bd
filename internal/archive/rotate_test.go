package archive

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRotateIfOversizeSkipsUnderThreshold(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "log.txt")
	if err := os.WriteFile(path, []byte("small"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := RotateIfOversize(path, 1024); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "small" {
		t.Fatalf("file was rotated despite being under threshold: %q", b)
	}
}

func TestRotateIfOversizeMissingFileIsNoop(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "missing.txt")
	if err := RotateIfOversize(path, 1); err != nil {
		t.Fatalf("RotateIfOversize on a missing file = %v, want nil", err)
	}
}

func TestRotateIfOversizeTruncatesAndCompresses(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "log.txt")
	body := make([]byte, 2048)
	for i := range body {
		body[i] = 'x'
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatal(err)
	}

	if err := RotateIfOversize(path, 1024); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != 0 {
		t.Fatalf("live file size = %d, want truncated to 0", info.Size())
	}

	matches, err := filepath.Glob(path + ".*.gz")
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 {
		t.Fatalf("gz siblings = %v, want exactly one", matches)
	}
}

func TestRotateIfOversizeDisabledByZeroThreshold(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "log.txt")
	if err := os.WriteFile(path, make([]byte, 4096), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := RotateIfOversize(path, 0); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != 4096 {
		t.Fatalf("file was rotated despite maxBytes=0: size=%d", info.Size())
	}
}
