package fileio

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestOpenCreatesFile(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "sub", "test.idx")

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer f.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("file was not created")
	}
}

func TestWriteAtAndReadAt(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "test.dat")

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer f.Close()

	data := []byte("hello, block")
	if err := f.WriteAt(16, data); err != nil {
		t.Fatalf("WriteAt failed: %v", err)
	}

	got, err := f.ReadAt(16, len(data))
	if err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("expected %q, got %q", data, got)
	}
}

func TestAppendReturnsGrowingOffsets(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "test.dat")

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer f.Close()

	off1, err := f.Append([]byte("aaaa"))
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	off2, err := f.Append([]byte("bbbb"))
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if off1 != 0 {
		t.Errorf("expected first append at offset 0, got %d", off1)
	}
	if off2 != 4 {
		t.Errorf("expected second append at offset 4, got %d", off2)
	}
}

func TestReopenPreservesContent(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "test.dat")

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := f.WriteAt(0, []byte("persisted")); err != nil {
		t.Fatalf("WriteAt failed: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	f2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer f2.Close()

	got, err := f2.ReadAt(0, len("persisted"))
	if err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if !bytes.Equal(got, []byte("persisted")) {
		t.Errorf("expected persisted content, got %q", got)
	}
}
