// Package layout defines the on-disk wire formats shared by the node and
// data allocators and the B+tree: block headers, file headers, and the
// fixed-size node payload. Nothing here touches an *os.File; it only
// encodes and decodes byte slices, the way the teacher's btree.BNode
// type keeps page layout separate from the storage layer that reads and
// writes pages.
package layout

import "encoding/binary"

// Order is the B+tree branching factor. Non-root nodes carry between
// Order/2 and Order keys; the root may carry as few as one.
const Order = 254

// Node type tags.
const (
	NodeBranch uint8 = 0x01
	NodeLeaf   uint8 = 0x02
)

// Magic marks an allocated block's Next field, distinguishing it from a
// free-list link. The source constant is 32 bits; it is compared here
// against the low 32 bits of the 64-bit Next field.
const Magic uint64 = 0x01234567
const magicMask uint64 = 0xFFFFFFFF

// IsMagic reports whether next carries the Magic tag in its low 32 bits.
func IsMagic(next uint64) bool {
	return next&magicMask == Magic&magicMask
}

// MinBlockSize is the smallest residual a data-allocator split leaves
// behind; a smaller residual means the whole block is handed out instead.
const MinBlockSize = 32

// NotFound is the reserved "absent" sentinel value for an offset. It
// must never be a real data or node offset; callers outside pkg/bptree
// never observe it directly, since Find/Insert/Erase/Update report
// presence through a bool return instead.
const NotFound = ^uint64(0)

// BlockHeader prefixes every slot in the index file and every block in
// the data file.
//
//	Size: payload capacity (free block) or payload length (allocated slot/block)
//	Next: MAGIC if allocated, else the offset of the next free entry (0 terminates)
type BlockHeader struct {
	Size uint64
	Next uint64
}

// BlockHeaderSize is the encoded size of a BlockHeader.
const BlockHeaderSize = 16

// Encode writes h in little-endian form.
func (h BlockHeader) Encode() []byte {
	buf := make([]byte, BlockHeaderSize)
	binary.LittleEndian.PutUint64(buf[0:8], h.Size)
	binary.LittleEndian.PutUint64(buf[8:16], h.Next)
	return buf
}

// DecodeBlockHeader reads a BlockHeader from its little-endian encoding.
func DecodeBlockHeader(b []byte) BlockHeader {
	return BlockHeader{
		Size: binary.LittleEndian.Uint64(b[0:8]),
		Next: binary.LittleEndian.Uint64(b[8:16]),
	}
}

// IndexHeader is the fixed header at the start of the index file.
type IndexHeader struct {
	FreeHead  uint64
	Root      uint64
	Height    uint64
	NodeCount uint64
}

// IndexHeaderSize is the encoded size of an IndexHeader.
const IndexHeaderSize = 32

// Encode writes h in little-endian form.
func (h IndexHeader) Encode() []byte {
	buf := make([]byte, IndexHeaderSize)
	binary.LittleEndian.PutUint64(buf[0:8], h.FreeHead)
	binary.LittleEndian.PutUint64(buf[8:16], h.Root)
	binary.LittleEndian.PutUint64(buf[16:24], h.Height)
	binary.LittleEndian.PutUint64(buf[24:32], h.NodeCount)
	return buf
}

// DecodeIndexHeader reads an IndexHeader from its little-endian encoding.
func DecodeIndexHeader(b []byte) IndexHeader {
	return IndexHeader{
		FreeHead:  binary.LittleEndian.Uint64(b[0:8]),
		Root:      binary.LittleEndian.Uint64(b[8:16]),
		Height:    binary.LittleEndian.Uint64(b[16:24]),
		NodeCount: binary.LittleEndian.Uint64(b[24:32]),
	}
}

// DataHeader is the fixed header at the start of the data file.
type DataHeader struct {
	FreeHead  uint64
	LiveCount uint64
}

// DataHeaderSize is the encoded size of a DataHeader.
const DataHeaderSize = 16

// Encode writes h in little-endian form.
func (h DataHeader) Encode() []byte {
	buf := make([]byte, DataHeaderSize)
	binary.LittleEndian.PutUint64(buf[0:8], h.FreeHead)
	binary.LittleEndian.PutUint64(buf[8:16], h.LiveCount)
	return buf
}

// DecodeDataHeader reads a DataHeader from its little-endian encoding.
func DecodeDataHeader(b []byte) DataHeader {
	return DataHeader{
		FreeHead:  binary.LittleEndian.Uint64(b[0:8]),
		LiveCount: binary.LittleEndian.Uint64(b[8:16]),
	}
}

// Node is the in-memory form of a bpnode payload: a branch or leaf page
// of the B+tree. Only the first Size entries of Keys/Children are
// meaningful.
type Node struct {
	Type     uint8
	Size     uint8
	Keys     [Order]uint64
	Children [Order]uint64
	Next     uint64 // leaves only; 0 for the rightmost leaf
}

const (
	nodeHeaderSize = 2 // type + size
	nodeKeysSize   = Order * 8
	nodeChildSize  = Order * 8
	nodeNextSize   = 8
)

// NodePayloadSize is the fixed encoded size of a Node, independent of
// how many of its keys are in use. It is what the node allocator carves
// slots to fit.
const NodePayloadSize = nodeHeaderSize + nodeKeysSize + nodeChildSize + nodeNextSize

// NodeSlotSize is a whole slot: one block header plus one node payload.
const NodeSlotSize = BlockHeaderSize + NodePayloadSize

// IsLeaf reports whether n is a leaf node.
func (n *Node) IsLeaf() bool { return n.Type == NodeLeaf }

// Encode serializes n to its fixed-size on-disk form.
func (n *Node) Encode() []byte {
	buf := make([]byte, NodePayloadSize)
	buf[0] = n.Type
	buf[1] = n.Size
	off := nodeHeaderSize
	for i := 0; i < Order; i++ {
		binary.LittleEndian.PutUint64(buf[off+i*8:], n.Keys[i])
	}
	off += nodeKeysSize
	for i := 0; i < Order; i++ {
		binary.LittleEndian.PutUint64(buf[off+i*8:], n.Children[i])
	}
	off += nodeChildSize
	binary.LittleEndian.PutUint64(buf[off:], n.Next)
	return buf
}

// DecodeNode deserializes a Node from its fixed-size on-disk form.
func DecodeNode(b []byte) *Node {
	n := &Node{
		Type: b[0],
		Size: b[1],
	}
	off := nodeHeaderSize
	for i := 0; i < Order; i++ {
		n.Keys[i] = binary.LittleEndian.Uint64(b[off+i*8:])
	}
	off += nodeKeysSize
	for i := 0; i < Order; i++ {
		n.Children[i] = binary.LittleEndian.Uint64(b[off+i*8:])
	}
	off += nodeChildSize
	n.Next = binary.LittleEndian.Uint64(b[off:])
	return n
}
