// Package fsops is the real-filesystem implementation of ports.Fs, the only
// implementation the production binaries wire in. Tests use in-memory fakes
// instead (see internal/hashing's and internal/cachestore/atomicfile's test
// files).
package fsops

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/lumenvale/shuttercore/internal/ports"
)

// OS is a ports.Fs backed directly by the os package and, for FreeBytes, by
// statfs(2) via golang.org/x/sys/unix.
type OS struct{}

var _ ports.Fs = OS{}

func (OS) Open(name string) (ports.File, error) {
	return os.Open(name)
}

func (OS) OpenFile(name string, flag int, perm os.FileMode) (ports.File, error) {
	return os.OpenFile(name, flag, perm)
}

func (OS) Rename(oldpath, newpath string) error {
	return os.Rename(oldpath, newpath)
}

func (OS) Remove(name string) error {
	return os.Remove(name)
}

func (OS) RemoveAll(path string) error {
	return os.RemoveAll(path)
}

func (OS) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (OS) Stat(name string) (os.FileInfo, error) {
	return os.Stat(name)
}

func (OS) ReadDir(name string) ([]os.DirEntry, error) {
	return os.ReadDir(name)
}

func (OS) ReadFile(name string) ([]byte, error) {
	return os.ReadFile(name)
}

func (OS) FreeBytes(path string) (uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, err
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}
