// Package dataalloc implements the data-file allocator: a best-fit
// search over a singly linked free list of variable-size blocks, with
// boundary coalescing on free. It is the direct Go translation of
// alloc_data/free_data in the original bptree.c, and is designed the way
// cznic/lldb's falloc.go manages its own (considerably larger) free
// space: block headers live inline in the managed file, not in a
// separate index.
package dataalloc

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"diskbtreekv/pkg/fileio"
	"diskbtreekv/pkg/layout"
)

// ErrOutOfSpace is returned by Alloc when no free block is large enough.
var ErrOutOfSpace = errors.New("dataalloc: no free block large enough")

// ErrDoubleFree is returned by Free when the block does not carry the
// allocated-block magic tag.
var ErrDoubleFree = errors.New("dataalloc: double free or corrupt block")

// ErrCorrupt is returned by Read when a block fails a consistency check:
// a missing allocation tag, or a stored length exceeding its block's
// capacity.
var ErrCorrupt = errors.New("dataalloc: corrupt block")

const lengthPrefixSize = 8

// Allocator manages variable-size value blocks in a data file.
type Allocator struct {
	file   *fileio.File
	Header layout.DataHeader
}

// New opens file as a data file, initializing a fresh header and
// sentinel tail block if the file is empty, otherwise loading the
// existing header.
func New(file *fileio.File) (*Allocator, error) {
	size, err := file.Size()
	if err != nil {
		return nil, err
	}

	a := &Allocator{file: file}
	if size == 0 {
		a.Header = layout.DataHeader{FreeHead: layout.DataHeaderSize, LiveCount: 0}
		if err := file.WriteAt(0, a.Header.Encode()); err != nil {
			return nil, err
		}
		tail := layout.BlockHeader{Size: layout.NotFound, Next: 0}
		if err := file.WriteAt(layout.DataHeaderSize, tail.Encode()); err != nil {
			return nil, err
		}
		return a, nil
	}

	raw, err := file.ReadAt(0, layout.DataHeaderSize)
	if err != nil {
		return nil, err
	}
	a.Header = layout.DecodeDataHeader(raw)
	return a, nil
}

// FlushHeader persists the in-memory DataHeader.
func (a *Allocator) FlushHeader() error {
	return a.file.WriteAt(0, a.Header.Encode())
}

func round16(n uint64) uint64 {
	return (n + 15) &^ 15
}

// need returns the block payload size required to hold s value bytes,
// including the 8-byte length prefix, rounded up to a multiple of 16.
func need(s uint64) uint64 {
	return round16(s + lengthPrefixSize)
}

func (a *Allocator) readHeader(off uint64) (layout.BlockHeader, error) {
	raw, err := a.file.ReadAt(int64(off), layout.BlockHeaderSize)
	if err != nil {
		return layout.BlockHeader{}, err
	}
	return layout.DecodeBlockHeader(raw), nil
}

func (a *Allocator) writeHeader(off uint64, h layout.BlockHeader) error {
	return a.file.WriteAt(int64(off), h.Encode())
}

// Alloc implements alloc_data: it best-fit searches the free list, takes
// the whole block if the residual would fall below MinBlockSize,
// otherwise splits the block in place, then writes the length-prefixed
// value and returns the payload offset.
func (a *Allocator) Alloc(value []byte) (uint64, error) {
	wantSize := need(uint64(len(value)))

	var (
		prevOfBest uint64 // link cell that currently points at the best block (0 means header.FreeHead)
		bestOff    uint64
		bestSize   uint64
		found      bool
	)

	prevLink := uint64(0) // 0 sentinel meaning "the header's free_head field"
	cur := a.Header.FreeHead
	for cur != 0 {
		h, err := a.readHeader(cur)
		if err != nil {
			return 0, err
		}
		if h.Size >= wantSize && (!found || h.Size < bestSize) {
			found = true
			bestOff = cur
			bestSize = h.Size
			prevOfBest = prevLink
		}
		prevLink = cur
		cur = h.Next
	}

	if !found {
		return 0, ErrOutOfSpace
	}

	best, err := a.readHeader(bestOff)
	if err != nil {
		return 0, err
	}

	if best.Size-wantSize < layout.MinBlockSize {
		// Take the whole block: unlink it from wherever it sits.
		if err := a.setLink(prevOfBest, best.Next); err != nil {
			return 0, err
		}
		best.Next = layout.Magic
		if err := a.writeHeader(bestOff, best); err != nil {
			return 0, err
		}
	} else {
		// Split: shrink in place, relink the residual at its new offset.
		residualOff := bestOff + layout.BlockHeaderSize + wantSize
		residual := layout.BlockHeader{Size: best.Size - layout.BlockHeaderSize - wantSize, Next: best.Next}
		if err := a.writeHeader(residualOff, residual); err != nil {
			return 0, err
		}
		allocated := layout.BlockHeader{Size: wantSize, Next: layout.Magic}
		if err := a.writeHeader(bestOff, allocated); err != nil {
			return 0, err
		}
		if err := a.setLink(prevOfBest, residualOff); err != nil {
			return 0, err
		}
	}

	payloadOff := bestOff + layout.BlockHeaderSize
	lenBuf := make([]byte, lengthPrefixSize)
	binary.LittleEndian.PutUint64(lenBuf, uint64(len(value)))
	if err := a.file.WriteAt(int64(payloadOff), lenBuf); err != nil {
		return 0, err
	}
	if err := a.file.WriteAt(int64(payloadOff+lengthPrefixSize), value); err != nil {
		return 0, err
	}

	a.Header.LiveCount++
	if err := a.FlushHeader(); err != nil {
		return 0, err
	}
	return payloadOff, nil
}

// setLink writes next into the free-list link cell identified by
// linkSite: 0 means the data header's FreeHead field, otherwise the
// offset of a free block whose Next field should be updated.
func (a *Allocator) setLink(linkSite, next uint64) error {
	if linkSite == 0 {
		a.Header.FreeHead = next
		return a.FlushHeader()
	}
	h, err := a.readHeader(linkSite)
	if err != nil {
		return err
	}
	h.Next = next
	return a.writeHeader(linkSite, h)
}

// Read implements the inverse of alloc_data: it validates the block is
// allocated, then reads the length-prefixed value.
func (a *Allocator) Read(offset uint64) ([]byte, error) {
	blockOff := offset - layout.BlockHeaderSize
	h, err := a.readHeader(blockOff)
	if err != nil {
		return nil, err
	}
	if !layout.IsMagic(h.Next) {
		return nil, ErrCorrupt
	}

	lenBuf, err := a.file.ReadAt(int64(offset), lengthPrefixSize)
	if err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint64(lenBuf)
	if n > h.Size {
		return nil, ErrCorrupt
	}
	return a.file.ReadAt(int64(offset+lengthPrefixSize), int(n))
}

// Free implements free_data: it walks the free list to find the
// insertion point by ascending offset, links the freed block in, then
// coalesces forward and backward with adjacent free blocks.
func (a *Allocator) Free(offset uint64) error {
	blockOff := offset - layout.BlockHeaderSize
	h, err := a.readHeader(blockOff)
	if err != nil {
		return err
	}
	if !layout.IsMagic(h.Next) {
		return ErrDoubleFree
	}

	// Find prevLink (0 meaning the header) and succ, the first free
	// block whose offset exceeds blockOff.
	prevLink := uint64(0)
	succ := a.Header.FreeHead
	for succ != 0 && succ < blockOff {
		sh, err := a.readHeader(succ)
		if err != nil {
			return err
		}
		prevLink = succ
		succ = sh.Next
	}

	h.Next = succ
	if err := a.writeHeader(blockOff, h); err != nil {
		return err
	}

	// Forward coalesce: absorb succ if it is immediately adjacent.
	if succ != 0 && blockOff+layout.BlockHeaderSize+h.Size == succ {
		sh, err := a.readHeader(succ)
		if err != nil {
			return err
		}
		h.Size += layout.BlockHeaderSize + sh.Size
		h.Next = sh.Next
		if err := a.writeHeader(blockOff, h); err != nil {
			return err
		}
	}

	// Backward coalesce: extend the predecessor if adjacent, else link
	// it (or the header) to blockOff.
	if prevLink != 0 {
		ph, err := a.readHeader(prevLink)
		if err != nil {
			return err
		}
		if prevLink+layout.BlockHeaderSize+ph.Size == blockOff {
			ph.Size += layout.BlockHeaderSize + h.Size
			ph.Next = h.Next
			if err := a.writeHeader(prevLink, ph); err != nil {
				return err
			}
		} else {
			ph.Next = blockOff
			if err := a.writeHeader(prevLink, ph); err != nil {
				return err
			}
		}
	} else {
		a.Header.FreeHead = blockOff
		if err := a.FlushHeader(); err != nil {
			return err
		}
	}

	a.Header.LiveCount--
	return a.FlushHeader()
}
