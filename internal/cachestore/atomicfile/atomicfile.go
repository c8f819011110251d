// Package atomicfile writes a blob so that it either appears at its final
// path in full or not at all: write to a temp file beside the target,
// fsync, then rename. Rename is same-directory so it stays atomic across
// filesystems that don't support cross-directory atomic rename.
package atomicfile

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/lumenvale/shuttercore/internal/ports"
)

// Write stores data at dst via a same-directory temp file, fsync, and
// rename. The temp file name carries a random suffix so concurrent writers
// targeting the same dst never collide before rename.
func Write(fs ports.Fs, dst string, data []byte) error {
	tmp := fmt.Sprintf("%s.%s.partial", dst, uuid.NewString())
	return WriteVia(fs, tmp, dst, data)
}

// WriteVia is Write with an explicit temp path, for layouts (like the
// cache store's) that keep in-flight writes under a dedicated tmp/
// directory rather than beside the final name. tmp and dst must live on
// the same filesystem for the final rename to be atomic.
func WriteVia(fs ports.Fs, tmp, dst string, data []byte) error {
	if err := fs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("atomicfile: mkdir %s: %w", filepath.Dir(dst), err)
	}
	if err := fs.MkdirAll(filepath.Dir(tmp), 0o755); err != nil {
		return fmt.Errorf("atomicfile: mkdir %s: %w", filepath.Dir(tmp), err)
	}

	out, err := fs.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("atomicfile: open temp %s: %w", tmp, err)
	}

	_, writeErr := out.Write(data)
	syncErr := out.Sync()
	closeErr := out.Close()

	if writeErr != nil {
		_ = fs.Remove(tmp)
		return fmt.Errorf("atomicfile: write %s: %w", tmp, writeErr)
	}
	if syncErr != nil {
		_ = fs.Remove(tmp)
		return fmt.Errorf("atomicfile: sync %s: %w", tmp, syncErr)
	}
	if closeErr != nil {
		_ = fs.Remove(tmp)
		return fmt.Errorf("atomicfile: close %s: %w", tmp, closeErr)
	}

	if err := fs.Rename(tmp, dst); err != nil {
		_ = fs.Remove(tmp)
		return fmt.Errorf("atomicfile: rename %s->%s: %w", tmp, dst, err)
	}
	return nil
}

// TempPrefixOf reports whether name looks like an orphaned temp file left
// by an interrupted Write (its ".partial" extension), for startup reaping.
func TempPrefixOf(name string) bool {
	return filepath.Ext(name) == ".partial"
}
