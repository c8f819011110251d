package rawdecode

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-dcraw.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("writing fake decoder script: %v", err)
	}
	return path
}

func TestDecodeReturnsStdoutOnSuccess(t *testing.T) {
	script := writeScript(t, `printf 'decoded-bytes'`)
	d := &Decoder{Binary: script}

	out, err := d.Decode(context.Background(), "/some/path.nef")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(out) != "decoded-bytes" {
		t.Errorf("expected decoded-bytes, got %q", out)
	}
}

func TestDecodeNonZeroExitIsError(t *testing.T) {
	script := writeScript(t, `echo "bad raw file" 1>&2; exit 1`)
	d := &Decoder{Binary: script}

	_, err := d.Decode(context.Background(), "/some/path.nef")
	if err == nil {
		t.Fatal("expected error for non-zero exit")
	}
}

func TestDecodeMissingBinaryIsUnavailable(t *testing.T) {
	d := &Decoder{Binary: filepath.Join(t.TempDir(), "does-not-exist")}

	_, err := d.Decode(context.Background(), "/some/path.nef")
	if !errors.Is(err, ErrDecoderUnavailable) {
		t.Errorf("expected ErrDecoderUnavailable, got %v", err)
	}
}
