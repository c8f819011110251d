package atomicfile

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lumenvale/shuttercore/internal/ports"
)

type memFile struct {
	buf      *bytes.Buffer
	failSync bool
}

func (m *memFile) Read(p []byte) (int, error)  { return m.buf.Read(p) }
func (m *memFile) Write(p []byte) (int, error) { return m.buf.Write(p) }
func (m *memFile) Close() error                { return nil }
func (m *memFile) Sync() error {
	if m.failSync {
		return errors.New("simulated fsync failure")
	}
	return nil
}

type memFs struct {
	files    map[string][]byte
	dirs     map[string]bool
	failSync bool
}

func newMemFs() *memFs {
	return &memFs{files: map[string][]byte{}, dirs: map[string]bool{}}
}

func (f *memFs) Open(name string) (ports.File, error) {
	data, ok := f.files[name]
	if !ok {
		return nil, os.ErrNotExist
	}
	return &memFile{buf: bytes.NewBuffer(append([]byte(nil), data...))}, nil
}

func (f *memFs) OpenFile(name string, flag int, perm os.FileMode) (ports.File, error) {
	mf := &memFile{buf: &bytes.Buffer{}, failSync: f.failSync}
	f.files[name] = nil // reserve; real bytes committed on Close via wrapper below
	return &trackingFile{memFile: mf, fs: f, name: name}, nil
}

type trackingFile struct {
	*memFile
	fs   *memFs
	name string
}

func (t *trackingFile) Close() error {
	t.fs.files[t.name] = t.memFile.buf.Bytes()
	return nil
}

func (f *memFs) Rename(oldpath, newpath string) error {
	data, ok := f.files[oldpath]
	if !ok {
		return os.ErrNotExist
	}
	delete(f.files, oldpath)
	f.files[newpath] = data
	return nil
}

func (f *memFs) Remove(name string) error {
	delete(f.files, name)
	return nil
}

func (f *memFs) RemoveAll(path string) error {
	for name := range f.files {
		if strings.HasPrefix(name, path) {
			delete(f.files, name)
		}
	}
	return nil
}

func (f *memFs) MkdirAll(path string, perm os.FileMode) error {
	f.dirs[path] = true
	return nil
}

func (f *memFs) Stat(name string) (os.FileInfo, error) { return nil, os.ErrNotExist }
func (f *memFs) ReadDir(name string) ([]os.DirEntry, error) {
	return nil, nil
}
func (f *memFs) ReadFile(name string) ([]byte, error) {
	data, ok := f.files[name]
	if !ok {
		return nil, os.ErrNotExist
	}
	return data, nil
}
func (f *memFs) FreeBytes(path string) (uint64, error) { return 1 << 30, nil }

func TestWriteAppearsAtDestination(t *testing.T) {
	fs := newMemFs()
	dst := filepath.Join("root", "blobs", "ab", "abcdef.preview.jpg")

	if err := Write(fs, dst, []byte("hello")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := fs.ReadFile(dst)
	if err != nil {
		t.Fatalf("expected final file to exist: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("unexpected content: %q", got)
	}
}

func TestWriteLeavesNoTempOnSyncFailure(t *testing.T) {
	fs := newMemFs()
	fs.failSync = true
	dst := filepath.Join("root", "blobs", "ab", "abcdef.preview.jpg")

	err := Write(fs, dst, []byte("hello"))
	if err == nil {
		t.Fatal("expected sync failure to propagate")
	}
	if _, ok := fs.files[dst]; ok {
		t.Fatal("destination must not exist after a failed write")
	}
	for name := range fs.files {
		if TempPrefixOf(name) {
			t.Fatalf("expected temp file to be cleaned up, found %s", name)
		}
	}
}

func TestWriteViaUsesDedicatedTempDir(t *testing.T) {
	fs := newMemFs()
	tmp := filepath.Join("root", "tmp", "abcdef.some-uuid.partial")
	dst := filepath.Join("root", "blobs", "ab", "abcdef.preview.jpg")

	if err := WriteVia(fs, tmp, dst, []byte("data")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := fs.files[tmp]; ok {
		t.Fatal("temp file should have been renamed away")
	}
	got, err := fs.ReadFile(dst)
	if err != nil || string(got) != "data" {
		t.Fatalf("expected dst to hold written data, got %q err=%v", got, err)
	}
}
