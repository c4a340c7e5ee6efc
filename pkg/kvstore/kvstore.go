// Package kvstore is the public handle for the disk-backed ordered
// key-value store: a pair of files (an index file and a data file)
// sharing one basename, opened together and addressed by a single
// *Store. It owns structured logging and the error taxonomy; the
// allocators and the tree underneath stay framework-free, the way the
// teacher repo's pkg/btree never imported pkg/storage's concerns.
package kvstore

import (
	log "github.com/sirupsen/logrus"

	"diskbtreekv/pkg/bptree"
	"diskbtreekv/pkg/dataalloc"
	"diskbtreekv/pkg/fileio"
	"diskbtreekv/pkg/nodealloc"
)

// Kind classifies the error taxonomy from spec.md §7. NotFound and
// Duplicate are deliberately absent: those are reported as a bool
// return, never as an error.
type Kind int

const (
	// IoError wraps a failure reading or writing one of the two files.
	IoError Kind = iota
	// OutOfSpace means the data allocator found no free block large
	// enough to satisfy the request.
	OutOfSpace
	// Corrupt means an on-disk structure failed a consistency check:
	// a missing allocation tag, a stored length exceeding its block,
	// or similar.
	Corrupt
	// NotInitialised means a method was called on a Store after Close.
	NotInitialised
)

func (k Kind) String() string {
	switch k {
	case IoError:
		return "IoError"
	case OutOfSpace:
		return "OutOfSpace"
	case Corrupt:
		return "Corrupt"
	case NotInitialised:
		return "NotInitialised"
	default:
		return "Unknown"
	}
}

// Error is the taxonomy-tagged error type every Store method returns.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func classify(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Store is an open key-value store backed by basename+".idx" and
// basename+".dat". It is not safe for concurrent use, matching spec.md
// §5's single-threaded, single-process model.
type Store struct {
	basename string
	idxFile  *fileio.File
	datFile  *fileio.File
	nodes    *nodealloc.Allocator
	data     *dataalloc.Allocator
	tree     *bptree.Tree
	closed   bool
	log      *log.Entry
}

// Open is the equivalent of the original's init(basename): it opens (or
// creates) basename+".idx" and basename+".dat" and returns a ready
// handle.
func Open(basename string) (*Store, error) {
	entry := log.WithField("basename", basename)

	idxFile, err := fileio.Open(basename + ".idx")
	if err != nil {
		return nil, classify(IoError, err)
	}
	datFile, err := fileio.Open(basename + ".dat")
	if err != nil {
		idxFile.Close()
		return nil, classify(IoError, err)
	}

	nodes, err := nodealloc.New(idxFile)
	if err != nil {
		idxFile.Close()
		datFile.Close()
		return nil, classify(IoError, err)
	}
	data, err := dataalloc.New(datFile)
	if err != nil {
		idxFile.Close()
		datFile.Close()
		return nil, classify(IoError, err)
	}

	s := &Store{
		basename: basename,
		idxFile:  idxFile,
		datFile:  datFile,
		nodes:    nodes,
		data:     data,
		tree: &bptree.Tree{
			Nodes:  nodes,
			Data:   data,
			Root:   &nodes.Header.Root,
			Height: &nodes.Header.Height,
		},
		log: entry,
	}
	entry.WithFields(log.Fields{
		"node_count": nodes.Header.NodeCount,
		"live_count": data.Header.LiveCount,
	}).Info("store opened")
	return s, nil
}

func (s *Store) checkOpen() error {
	if s.closed {
		return &Error{Kind: NotInitialised, Err: nil}
	}
	return nil
}

// Insert adds key/value, returning false without error if key is
// already present.
func (s *Store) Insert(key uint64, value []byte) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	ok, err := s.tree.Insert(key, value)
	if err != nil {
		s.log.WithField("key", key).Errorf("insert failed: %v", err)
		return false, classify(s.errKind(err), err)
	}
	s.log.WithField("key", key).Debugf("insert ok=%v", ok)
	return ok, nil
}

// Find returns the value stored for key, if present.
func (s *Store) Find(key uint64) ([]byte, bool, error) {
	if err := s.checkOpen(); err != nil {
		return nil, false, err
	}
	val, ok, err := s.tree.Find(key)
	if err != nil {
		s.log.WithField("key", key).Errorf("find failed: %v", err)
		return nil, false, classify(s.errKind(err), err)
	}
	return val, ok, nil
}

// Erase removes key, returning false without error if it was absent.
func (s *Store) Erase(key uint64) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	ok, err := s.tree.Erase(key)
	if err != nil {
		s.log.WithField("key", key).Errorf("erase failed: %v", err)
		return false, classify(s.errKind(err), err)
	}
	s.log.WithField("key", key).Debugf("erase ok=%v", ok)
	return ok, nil
}

// Update replaces the value stored for key, returning false without
// error if key is absent. It is implemented as an erase followed by an
// insert (see pkg/bptree.Tree.Update).
func (s *Store) Update(key uint64, value []byte) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	ok, err := s.tree.Update(key, value)
	if err != nil {
		s.log.WithField("key", key).Errorf("update failed: %v", err)
		return false, classify(s.errKind(err), err)
	}
	return ok, nil
}

// Walk visits every key in ascending order with its value. visit
// returning false stops the walk early. This is additive: spec.md only
// requires point operations.
func (s *Store) Walk(visit func(key uint64, value []byte) bool) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	var walkErr error
	err := s.tree.Leaves(func(key, dataOffset uint64) bool {
		val, rerr := s.data.Read(dataOffset)
		if rerr != nil {
			walkErr = rerr
			return false
		}
		return visit(key, val)
	})
	if err != nil {
		return classify(s.errKind(err), err)
	}
	if walkErr != nil {
		return classify(s.errKind(walkErr), walkErr)
	}
	return nil
}

// Range visits every key in [left, right) in ascending order with its
// value. It is the kvstore-level counterpart of bptree.Tree.Range.
func (s *Store) Range(left, right uint64, visit func(key uint64, value []byte) bool) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	var walkErr error
	err := s.tree.Range(left, right, func(key, dataOffset uint64) bool {
		val, rerr := s.data.Read(dataOffset)
		if rerr != nil {
			walkErr = rerr
			return false
		}
		return visit(key, val)
	})
	if err != nil {
		return classify(s.errKind(err), err)
	}
	if walkErr != nil {
		return classify(s.errKind(walkErr), walkErr)
	}
	return nil
}

// errKind classifies an error surfaced from the lower packages by
// matching against their sentinel errors; anything unrecognized falls
// back to IoError, since every other failure mode at that layer is
// plain file I/O.
func (s *Store) errKind(err error) Kind {
	switch err {
	case dataalloc.ErrOutOfSpace:
		return OutOfSpace
	case dataalloc.ErrDoubleFree, nodealloc.ErrDoubleFree, dataalloc.ErrCorrupt:
		return Corrupt
	default:
		return IoError
	}
}

// Close is the equivalent of the original's destroy(): it flushes both
// headers and closes both files. Every Store method after Close returns
// a NotInitialised error.
func (s *Store) Close() error {
	if s.closed {
		return &Error{Kind: NotInitialised, Err: nil}
	}
	s.closed = true

	var firstErr error
	if err := s.nodes.FlushHeader(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.data.FlushHeader(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.idxFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.datFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	s.log.Info("store closed")
	if firstErr != nil {
		return classify(IoError, firstErr)
	}
	return nil
}
