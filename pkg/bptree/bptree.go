// Package bptree implements the order-254 B+tree described in the
// original bptree.c: u64 keys, leaf-chain ordered traversal, branch
// separators equal to the max key of their subtree. It operates purely
// through the NodeStore/DataStore interfaces below, so it never opens a
// file itself — pkg/nodealloc and pkg/dataalloc satisfy them directly.
package bptree

import "diskbtreekv/pkg/layout"

// Order is the tree's branching factor, re-exported from pkg/layout for
// callers that only import pkg/bptree.
const Order = layout.Order

// NodeStore is the slot-level interface the tree needs from the index
// file's allocator.
type NodeStore interface {
	Alloc(payload []byte) (uint64, error)
	Free(offset uint64) error
	ReadPayload(offset uint64) ([]byte, error)
	WritePayload(offset uint64, payload []byte) error
	FlushHeader() error
}

// DataStore is the value-level interface the tree needs from the data
// file's allocator.
type DataStore interface {
	Alloc(value []byte) (uint64, error)
	Free(offset uint64) error
	Read(offset uint64) ([]byte, error)
}

// Tree is a B+tree over a NodeStore/DataStore pair. Root and Height
// point at the fields of the caller's IndexHeader so that the tree and
// the node allocator mutate (and the allocator later flushes) the same
// in-memory header.
type Tree struct {
	Nodes  NodeStore
	Data   DataStore
	Root   *uint64
	Height *uint64
}

func (t *Tree) readNode(offset uint64) (*layout.Node, error) {
	raw, err := t.Nodes.ReadPayload(offset)
	if err != nil {
		return nil, err
	}
	return layout.DecodeNode(raw), nil
}

func (t *Tree) writeNode(offset uint64, n *layout.Node) error {
	return t.Nodes.WritePayload(offset, n.Encode())
}

func (t *Tree) allocNode(n *layout.Node) (uint64, error) {
	return t.Nodes.Alloc(n.Encode())
}

// Find descends from the root and returns the value stored for key, if
// present.
func (t *Tree) Find(key uint64) ([]byte, bool, error) {
	if *t.Height == 0 {
		return nil, false, nil
	}
	offset, err := t.findRecursive(key, *t.Root)
	if err != nil {
		return nil, false, err
	}
	if offset == layout.NotFound {
		return nil, false, nil
	}
	val, err := t.Data.Read(offset)
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (t *Tree) findRecursive(key, offset uint64) (uint64, error) {
	node, err := t.readNode(offset)
	if err != nil {
		return 0, err
	}
	if node.Type == layout.NodeBranch {
		i := 0
		for i < int(node.Size) && key > node.Keys[i] {
			i++
		}
		if i == int(node.Size) {
			return layout.NotFound, nil
		}
		return t.findRecursive(key, node.Children[i])
	}

	i := 0
	for i < int(node.Size) && key != node.Keys[i] {
		i++
	}
	if i < int(node.Size) {
		return node.Children[i], nil
	}
	return layout.NotFound, nil
}

// Insert adds key/value to the tree. It returns false without error if
// key is already present.
func (t *Tree) Insert(key uint64, value []byte) (bool, error) {
	if *t.Root == 0 {
		dataOff, err := t.Data.Alloc(value)
		if err != nil {
			return false, err
		}
		root := &layout.Node{Type: layout.NodeLeaf, Size: 1}
		root.Keys[0] = key
		root.Children[0] = dataOff
		off, err := t.allocNode(root)
		if err != nil {
			return false, err
		}
		*t.Root = off
		*t.Height = 1
		if err := t.Nodes.FlushHeader(); err != nil {
			return false, err
		}
		return true, nil
	}

	root, err := t.readNode(*t.Root)
	if err != nil {
		return false, err
	}
	if int(root.Size) == Order {
		parent := &layout.Node{Type: layout.NodeBranch, Size: 1}
		parent.Keys[0] = root.Keys[Order-1]
		parent.Children[0] = *t.Root
		parentOff, err := t.allocNode(parent)
		if err != nil {
			return false, err
		}
		*t.Root = parentOff
		if err := t.splitIthChild(parentOff, 0); err != nil {
			return false, err
		}
		*t.Height++
		if err := t.Nodes.FlushHeader(); err != nil {
			return false, err
		}
	}
	return t.insertNonfull(*t.Root, key, value)
}

// splitIthChild splits parent.Children[i] at Order/2, promoting the
// left half's last key into parent at position i. Children are written
// before the parent that references them.
func (t *Tree) splitIthChild(parentOff uint64, i int) error {
	parent, err := t.readNode(parentOff)
	if err != nil {
		return err
	}
	leftOff := parent.Children[i]
	left, err := t.readNode(leftOff)
	if err != nil {
		return err
	}

	half := Order / 2
	right := &layout.Node{Type: left.Type, Size: uint8(half)}
	for j := 0; j < half; j++ {
		right.Keys[j] = left.Keys[j+half]
		right.Children[j] = left.Children[j+half]
	}
	if left.IsLeaf() {
		right.Next = left.Next
	}
	left.Size = uint8(half)

	rightOff, err := t.allocNode(right)
	if err != nil {
		return err
	}
	if left.IsLeaf() {
		left.Next = rightOff
	}

	for j := int(parent.Size) - 1; j > i; j-- {
		parent.Children[j+1] = parent.Children[j]
	}
	parent.Children[i+1] = rightOff
	for j := int(parent.Size) - 1; j >= i; j-- {
		parent.Keys[j+1] = parent.Keys[j]
	}
	parent.Keys[i] = left.Keys[half-1]
	parent.Size++

	if err := t.writeNode(leftOff, left); err != nil {
		return err
	}
	if err := t.writeNode(rightOff, right); err != nil {
		return err
	}
	return t.writeNode(parentOff, parent)
}

func (t *Tree) insertNonfull(offset, key uint64, value []byte) (bool, error) {
	node, err := t.readNode(offset)
	if err != nil {
		return false, err
	}

	if node.IsLeaf() {
		for i := 0; i < int(node.Size); i++ {
			if node.Keys[i] == key {
				return false, nil
			}
		}
		i := int(node.Size) - 1
		for i >= 0 && key < node.Keys[i] {
			node.Keys[i+1] = node.Keys[i]
			node.Children[i+1] = node.Children[i]
			i--
		}
		dataOff, err := t.Data.Alloc(value)
		if err != nil {
			return false, err
		}
		node.Keys[i+1] = key
		node.Children[i+1] = dataOff
		node.Size++
		if err := t.writeNode(offset, node); err != nil {
			return false, err
		}
		return true, nil
	}

	i := 0
	for i < int(node.Size) && key > node.Keys[i] {
		i++
	}
	if i == int(node.Size) {
		i--
		node.Keys[i] = key
		if err := t.writeNode(offset, node); err != nil {
			return false, err
		}
	}

	child, err := t.readNode(node.Children[i])
	if err != nil {
		return false, err
	}
	if int(child.Size) == Order {
		if err := t.splitIthChild(offset, i); err != nil {
			return false, err
		}
		node, err = t.readNode(offset)
		if err != nil {
			return false, err
		}
		if key > node.Keys[i] {
			i++
		}
	}
	return t.insertNonfull(node.Children[i], key, value)
}

func findIdx(node *layout.Node, key uint64) int {
	i := 0
	for i < int(node.Size) && node.Keys[i] < key {
		i++
	}
	return i
}

// Erase removes key from the tree. It returns false without error if
// key is absent.
func (t *Tree) Erase(key uint64) (bool, error) {
	if *t.Root == 0 {
		return false, nil
	}
	res, err := t.eraseNonunderflow(*t.Root, key)
	if err != nil {
		return false, err
	}

	root, err := t.readNode(*t.Root)
	if err != nil {
		return false, err
	}
	if root.Size == 0 {
		if err := t.Nodes.Free(*t.Root); err != nil {
			return false, err
		}
		*t.Root = 0
		*t.Height = 0
		if err := t.Nodes.FlushHeader(); err != nil {
			return false, err
		}
		return res, nil
	}

	for root.Size == 1 && root.Type == layout.NodeBranch {
		oldRoot := *t.Root
		*t.Root = root.Children[0]
		*t.Height--
		if err := t.Nodes.Free(oldRoot); err != nil {
			return false, err
		}
		if err := t.Nodes.FlushHeader(); err != nil {
			return false, err
		}
		root, err = t.readNode(*t.Root)
		if err != nil {
			return false, err
		}
	}
	return res, nil
}

// eraseNonunderflow restores any child about to be descended into that
// sits at exactly Order/2 keys before recursing, so a leaf deletion
// never leaves a non-root node below the minimum.
func (t *Tree) eraseNonunderflow(offset, key uint64) (bool, error) {
	node, err := t.readNode(offset)
	if err != nil {
		return false, err
	}
	i := findIdx(node, key)
	if i >= int(node.Size) {
		return false, nil
	}

	if node.IsLeaf() {
		if node.Keys[i] != key {
			return false, nil
		}
		if err := t.Data.Free(node.Children[i]); err != nil {
			return false, err
		}
		node.Size--
		for j := i; j < int(node.Size); j++ {
			node.Keys[j] = node.Keys[j+1]
			node.Children[j] = node.Children[j+1]
		}
		if err := t.writeNode(offset, node); err != nil {
			return false, err
		}
		return true, nil
	}

	half := Order / 2
	child, err := t.readNode(node.Children[i])
	if err != nil {
		return false, err
	}

	if int(child.Size) == half {
		underflow := true

		if i > 0 {
			left, err := t.readNode(node.Children[i-1])
			if err != nil {
				return false, err
			}
			if int(left.Size) != half {
				for j := half; j > 0; j-- {
					child.Keys[j] = child.Keys[j-1]
					child.Children[j] = child.Children[j-1]
				}
				child.Keys[0] = left.Keys[left.Size-1]
				child.Children[0] = left.Children[left.Size-1]
				child.Size++
				if err := t.writeNode(node.Children[i], child); err != nil {
					return false, err
				}
				left.Size--
				if err := t.writeNode(node.Children[i-1], left); err != nil {
					return false, err
				}
				node.Keys[i-1] = left.Keys[left.Size-1]
				if err := t.writeNode(offset, node); err != nil {
					return false, err
				}
				underflow = false
			}
		}

		if underflow && i < int(node.Size)-1 {
			right, err := t.readNode(node.Children[i+1])
			if err != nil {
				return false, err
			}
			if int(right.Size) != half {
				child.Keys[child.Size] = right.Keys[0]
				child.Children[child.Size] = right.Children[0]
				child.Size++
				if err := t.writeNode(node.Children[i], child); err != nil {
					return false, err
				}
				right.Size--
				for j := 0; j < int(right.Size); j++ {
					right.Keys[j] = right.Keys[j+1]
					right.Children[j] = right.Children[j+1]
				}
				if err := t.writeNode(node.Children[i+1], right); err != nil {
					return false, err
				}
				node.Keys[i] = child.Keys[child.Size-1]
				if err := t.writeNode(offset, node); err != nil {
					return false, err
				}
				underflow = false
			}
		}

		if underflow {
			if i < int(node.Size)-1 {
				if err := t.mergeChild(offset, i); err != nil {
					return false, err
				}
			} else {
				if err := t.mergeChild(offset, i-1); err != nil {
					return false, err
				}
				i--
			}
			// re-read node; the merge target at index i kept its own
			// offset (only entries past it shifted), so recursion below
			// still targets the right child.
			node, err = t.readNode(offset)
			if err != nil {
				return false, err
			}
		}
	}

	childOff := node.Children[i]
	res, err := t.eraseNonunderflow(childOff, key)
	if err != nil {
		return false, err
	}

	node, err = t.readNode(offset)
	if err != nil {
		return false, err
	}
	descended, err := t.readNode(node.Children[i])
	if err != nil {
		return false, err
	}
	if node.Keys[i] != descended.Keys[descended.Size-1] {
		node.Keys[i] = descended.Keys[descended.Size-1]
		if err := t.writeNode(offset, node); err != nil {
			return false, err
		}
	}
	return res, nil
}

// mergeChild absorbs node.Children[i+1] into node.Children[i], frees the
// absorbed sibling, and compacts the separator out of node.
func (t *Tree) mergeChild(offset uint64, i int) error {
	node, err := t.readNode(offset)
	if err != nil {
		return err
	}
	left, err := t.readNode(node.Children[i])
	if err != nil {
		return err
	}
	right, err := t.readNode(node.Children[i+1])
	if err != nil {
		return err
	}

	half := Order / 2
	for j := 0; j < half; j++ {
		left.Keys[j+half] = right.Keys[j]
		left.Children[j+half] = right.Children[j]
	}
	left.Size = Order
	if left.IsLeaf() {
		left.Next = right.Next
	}
	if err := t.writeNode(node.Children[i], left); err != nil {
		return err
	}
	if err := t.Nodes.Free(node.Children[i+1]); err != nil {
		return err
	}

	node.Size--
	for j := i; j < int(node.Size); j++ {
		node.Keys[j] = node.Keys[j+1]
	}
	for j := i + 1; j < int(node.Size); j++ {
		node.Children[j] = node.Children[j+1]
	}
	return t.writeNode(offset, node)
}

// Update replaces the value stored for key. It is equivalent to an
// Erase followed by an Insert: the data allocator does not track a
// block's capacity separately from its logical size, so overwriting a
// value in place is unsafe in general.
func (t *Tree) Update(key uint64, value []byte) (bool, error) {
	if *t.Root == 0 {
		return false, nil
	}
	offset, err := t.findRecursive(key, *t.Root)
	if err != nil {
		return false, err
	}
	if offset == layout.NotFound {
		return false, nil
	}
	if _, err := t.Erase(key); err != nil {
		return false, err
	}
	if _, err := t.Insert(key, value); err != nil {
		return false, err
	}
	return true, nil
}

// Leaves walks the leaf chain from the leftmost leaf, calling visit for
// every key in ascending order with its data-file offset. visit
// returning false stops the walk early.
func (t *Tree) Leaves(visit func(key, dataOffset uint64) bool) error {
	if *t.Root == 0 {
		return nil
	}
	node, err := t.readNode(*t.Root)
	if err != nil {
		return err
	}
	for node.Type == layout.NodeBranch {
		node, err = t.readNode(node.Children[0])
		if err != nil {
			return err
		}
	}
	for {
		for i := 0; i < int(node.Size); i++ {
			if !visit(node.Keys[i], node.Children[i]) {
				return nil
			}
		}
		if node.Next == 0 {
			return nil
		}
		node, err = t.readNode(node.Next)
		if err != nil {
			return err
		}
	}
}

// Range walks the leaf chain starting from the leaf that would contain
// left, calling visit for every key in [left, right) in ascending
// order. This implements the commented-out find_range sketch from the
// original source; it is additive and does not change find/insert/erase
// semantics.
func (t *Tree) Range(left, right uint64, visit func(key, dataOffset uint64) bool) error {
	if *t.Root == 0 {
		return nil
	}
	node, err := t.readNode(*t.Root)
	if err != nil {
		return err
	}
	for node.Type == layout.NodeBranch {
		i := 0
		for i < int(node.Size) && left > node.Keys[i] {
			i++
		}
		if i == int(node.Size) {
			return nil
		}
		node, err = t.readNode(node.Children[i])
		if err != nil {
			return err
		}
	}
	for {
		for i := 0; i < int(node.Size); i++ {
			k := node.Keys[i]
			if k >= right {
				return nil
			}
			if k >= left {
				if !visit(k, node.Children[i]) {
					return nil
				}
			}
		}
		if node.Next == 0 {
			return nil
		}
		node, err = t.readNode(node.Next)
		if err != nil {
			return err
		}
	}
}
