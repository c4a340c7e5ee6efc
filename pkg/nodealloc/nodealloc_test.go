package nodealloc

import (
	"path/filepath"
	"testing"

	"diskbtreekv/pkg/fileio"
	"diskbtreekv/pkg/layout"
)

func newAllocator(t *testing.T) *Allocator {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.idx")
	f, err := fileio.Open(path)
	if err != nil {
		t.Fatalf("fileio.Open failed: %v", err)
	}
	t.Cleanup(func() { f.Close() })

	a, err := New(f)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return a
}

func samplePayload(tag uint8) []byte {
	n := &layout.Node{Type: layout.NodeLeaf, Size: tag}
	n.Keys[0] = uint64(tag)
	return n.Encode()
}

func TestAllocFromFreshFile(t *testing.T) {
	a := newAllocator(t)

	off, err := a.Alloc(samplePayload(1))
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	if off != layout.IndexHeaderSize+layout.BlockHeaderSize {
		t.Errorf("expected first slot right after header, got %d", off)
	}
	if a.Header.NodeCount != 1 {
		t.Errorf("expected node_count 1, got %d", a.Header.NodeCount)
	}
}

func TestAllocFromFrontierAdvancesFreeHead(t *testing.T) {
	a := newAllocator(t)

	off1, _ := a.Alloc(samplePayload(1))
	off2, _ := a.Alloc(samplePayload(2))

	if off2 <= off1 {
		t.Errorf("expected monotonically increasing offsets, got %d then %d", off1, off2)
	}
	if off2-off1 != layout.NodeSlotSize {
		t.Errorf("expected consecutive slots to be NodeSlotSize apart, got delta %d", off2-off1)
	}
}

func TestFreeAndReuseExactSlot(t *testing.T) {
	a := newAllocator(t)

	off1, _ := a.Alloc(samplePayload(1))
	off2, _ := a.Alloc(samplePayload(2))
	_ = off2

	if err := a.Free(off1); err != nil {
		t.Fatalf("Free failed: %v", err)
	}
	if a.Header.NodeCount != 1 {
		t.Errorf("expected node_count 1 after free, got %d", a.Header.NodeCount)
	}

	reused, err := a.Alloc(samplePayload(3))
	if err != nil {
		t.Fatalf("Alloc after free failed: %v", err)
	}
	if reused != off1 {
		t.Errorf("expected freed slot to be reused at %d, got %d", off1, reused)
	}
}

func TestFreeNonAllocatedOffsetFails(t *testing.T) {
	a := newAllocator(t)
	off, _ := a.Alloc(samplePayload(1))

	if err := a.Free(off); err != nil {
		t.Fatalf("first Free failed: %v", err)
	}
	if err := a.Free(off); err == nil {
		t.Error("expected double-free to be rejected")
	}
}

func TestReadWritePayloadRoundTrip(t *testing.T) {
	a := newAllocator(t)
	off, _ := a.Alloc(samplePayload(5))

	raw, err := a.ReadPayload(off)
	if err != nil {
		t.Fatalf("ReadPayload failed: %v", err)
	}
	n := layout.DecodeNode(raw)
	if n.Size != 5 || n.Keys[0] != 5 {
		t.Errorf("unexpected decoded node: %+v", n)
	}

	updated := samplePayload(9)
	if err := a.WritePayload(off, updated); err != nil {
		t.Fatalf("WritePayload failed: %v", err)
	}
	raw2, _ := a.ReadPayload(off)
	if layout.DecodeNode(raw2).Size != 9 {
		t.Error("expected WritePayload to overwrite in place")
	}
}

func TestPersistsHeaderAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.idx")
	f, err := fileio.Open(path)
	if err != nil {
		t.Fatalf("fileio.Open failed: %v", err)
	}
	a, err := New(f)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	a.Alloc(samplePayload(1))
	a.Alloc(samplePayload(2))
	f.Close()

	f2, err := fileio.Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer f2.Close()
	a2, err := New(f2)
	if err != nil {
		t.Fatalf("New on reopen failed: %v", err)
	}
	if a2.Header.NodeCount != 2 {
		t.Errorf("expected node_count 2 after reopen, got %d", a2.Header.NodeCount)
	}
}
