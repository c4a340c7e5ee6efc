// Package nodealloc implements the index-file slot allocator: fixed-size
// slots carved out of a monotonic frontier, with a singly linked free
// list threaded through released slots and a sentinel tail block
// standing in for "unclaimed space to end of file". It is the Go
// counterpart of alloc_node/free_node in the original bptree.c, grounded
// in the same inline-free-list idea cznic/lldb's falloc.go uses for its
// own (much larger) block allocator.
package nodealloc

import (
	"github.com/pkg/errors"

	"diskbtreekv/pkg/fileio"
	"diskbtreekv/pkg/layout"
)

// ErrDoubleFree is returned by Free when the slot's block header does
// not carry the allocated-block magic tag: either the offset was never
// allocated, or it has already been freed.
var ErrDoubleFree = errors.New("nodealloc: double free or corrupt slot")

// Allocator manages fixed NodePayloadSize slots in an index file.
type Allocator struct {
	file   *fileio.File
	Header layout.IndexHeader
}

// New opens file as an index file, initializing a fresh header and
// sentinel tail block if the file is empty, otherwise loading the
// existing header.
func New(file *fileio.File) (*Allocator, error) {
	size, err := file.Size()
	if err != nil {
		return nil, err
	}

	a := &Allocator{file: file}
	if size == 0 {
		a.Header = layout.IndexHeader{
			FreeHead:  layout.IndexHeaderSize,
			Root:      0,
			Height:    0,
			NodeCount: 0,
		}
		if err := file.WriteAt(0, a.Header.Encode()); err != nil {
			return nil, err
		}
		tail := layout.BlockHeader{Size: layout.NotFound, Next: 0}
		if err := file.WriteAt(layout.IndexHeaderSize, tail.Encode()); err != nil {
			return nil, err
		}
		return a, nil
	}

	raw, err := file.ReadAt(0, layout.IndexHeaderSize)
	if err != nil {
		return nil, err
	}
	a.Header = layout.DecodeIndexHeader(raw)
	return a, nil
}

// FlushHeader persists the in-memory IndexHeader.
func (a *Allocator) FlushHeader() error {
	return a.file.WriteAt(0, a.Header.Encode())
}

// Alloc implements alloc_node: it returns the payload offset of a slot
// sized to hold exactly one node, writing payload into it.
func (a *Allocator) Alloc(payload []byte) (uint64, error) {
	if len(payload) != layout.NodePayloadSize {
		return 0, errors.Errorf("nodealloc: payload must be %d bytes, got %d", layout.NodePayloadSize, len(payload))
	}

	raw, err := a.file.ReadAt(int64(a.Header.FreeHead), layout.BlockHeaderSize)
	if err != nil {
		return 0, err
	}
	header := layout.DecodeBlockHeader(raw)

	slotOffset := a.Header.FreeHead
	if header.Size == layout.NodePayloadSize {
		// Exact freed slot: consume it in place.
		nextFree := header.Next
		header.Next = layout.Magic
		if err := a.file.WriteAt(int64(slotOffset), header.Encode()); err != nil {
			return 0, err
		}
		a.Header.FreeHead = nextFree
	} else {
		// header is the sentinel tail (or a block larger than one slot);
		// split: shrink the tail by one slot and carve the new slot off
		// the front.
		if err := a.file.WriteAt(int64(slotOffset+layout.NodeSlotSize), header.Encode()); err != nil {
			return 0, err
		}
		carved := layout.BlockHeader{Size: layout.NodePayloadSize, Next: layout.Magic}
		if err := a.file.WriteAt(int64(slotOffset), carved.Encode()); err != nil {
			return 0, err
		}
		a.Header.FreeHead = slotOffset + layout.NodeSlotSize
	}

	payloadOffset := slotOffset + layout.BlockHeaderSize
	if err := a.file.WriteAt(int64(payloadOffset), payload); err != nil {
		return 0, err
	}

	a.Header.NodeCount++
	if err := a.FlushHeader(); err != nil {
		return 0, err
	}
	return payloadOffset, nil
}

// Free implements free_node: it relinks the slot at offset onto the
// free list, requiring the slot to currently carry the allocated magic
// tag.
func (a *Allocator) Free(offset uint64) error {
	slotOffset := offset - layout.BlockHeaderSize
	raw, err := a.file.ReadAt(int64(slotOffset), layout.BlockHeaderSize)
	if err != nil {
		return err
	}
	header := layout.DecodeBlockHeader(raw)
	if !layout.IsMagic(header.Next) {
		return ErrDoubleFree
	}

	header.Next = a.Header.FreeHead
	if err := a.file.WriteAt(int64(slotOffset), header.Encode()); err != nil {
		return err
	}

	a.Header.FreeHead = slotOffset
	a.Header.NodeCount--
	return a.FlushHeader()
}

// ReadPayload reads the node payload bytes at a previously allocated
// payload offset.
func (a *Allocator) ReadPayload(offset uint64) ([]byte, error) {
	return a.file.ReadAt(int64(offset), layout.NodePayloadSize)
}

// WritePayload overwrites the node payload bytes at a previously
// allocated payload offset.
func (a *Allocator) WritePayload(offset uint64, payload []byte) error {
	if len(payload) != layout.NodePayloadSize {
		return errors.Errorf("nodealloc: payload must be %d bytes, got %d", layout.NodePayloadSize, len(payload))
	}
	return a.file.WriteAt(int64(offset), payload)
}
