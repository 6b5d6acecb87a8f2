package partialfile

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestWriteAtAndReadBack(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin")

	pf, err := Open(path, 16, 2)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer pf.Close()

	if err := pf.WriteAt(0, []byte("01234567")); err != nil {
		t.Fatalf("WriteAt chunk 0 failed: %v", err)
	}
	if err := pf.WriteAt(8, []byte("89abcdef")); err != nil {
		t.Fatalf("WriteAt chunk 1 failed: %v", err)
	}
	if err := pf.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	pf.MarkDone(0)
	if !pf.IsDone(0) {
		t.Fatalf("expected chunk 0 marked done")
	}
	if pf.IsDone(1) {
		t.Fatalf("expected chunk 1 not done")
	}
	if got := pf.CompletedCount(); got != 1 {
		t.Fatalf("expected completed count 1, got %d", got)
	}
}

func TestWriteAtOutOfBoundsFails(t *testing.T) {
	dir := t.TempDir()
	pf, err := Open(filepath.Join(dir, "out.bin"), 4, 1)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer pf.Close()

	if err := pf.WriteAt(2, []byte("abc")); err == nil {
		t.Fatalf("expected out-of-bounds write to fail")
	}
}

func TestBitmapRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin")

	pf, err := Open(path, 32, 10)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	pf.MarkDone(0)
	pf.MarkDone(3)
	pf.MarkDone(9)
	saved := pf.Bitmap()
	pf.Close()

	pf2, err := Open(path, 32, 10)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer pf2.Close()
	if err := pf2.LoadBitmap(saved); err != nil {
		t.Fatalf("LoadBitmap failed: %v", err)
	}
	if !pf2.IsDone(0) || !pf2.IsDone(3) || !pf2.IsDone(9) {
		t.Fatalf("expected restored bits to be set")
	}
	if pf2.IsDone(1) {
		t.Fatalf("expected bit 1 unset")
	}
	if !bytes.Equal(pf2.Bitmap(), saved) {
		t.Fatalf("bitmap mismatch after round trip")
	}
}
