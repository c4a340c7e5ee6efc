package kvstore

import (
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func basenameFor(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "store")
}

func TestInsertFindErase(t *testing.T) {
	s, err := Open(basenameFor(t))
	require.NoError(t, err)
	defer s.Close()

	ok, err := s.Insert(0, []byte("zero"))
	require.NoError(t, err)
	require.True(t, ok)

	val, found, err := s.Find(0)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("zero"), val)

	ok, err = s.Erase(0)
	require.NoError(t, err)
	require.True(t, ok)

	_, found, err = s.Find(0)
	require.NoError(t, err)
	require.False(t, found)
}

func TestInsertDuplicateReturnsFalse(t *testing.T) {
	s, err := Open(basenameFor(t))
	require.NoError(t, err)
	defer s.Close()

	ok, err := s.Insert(5, []byte("a"))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Insert(5, []byte("b"))
	require.NoError(t, err)
	require.False(t, ok)

	val, _, err := s.Find(5)
	require.NoError(t, err)
	require.Equal(t, []byte("a"), val)
}

func TestEraseAbsentKeyReturnsFalse(t *testing.T) {
	s, err := Open(basenameFor(t))
	require.NoError(t, err)
	defer s.Close()

	ok, err := s.Erase(42)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestUpdateReplacesValue(t *testing.T) {
	s, err := Open(basenameFor(t))
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Insert(7, []byte("old"))
	require.NoError(t, err)

	ok, err := s.Update(7, []byte("a much longer replacement value"))
	require.NoError(t, err)
	require.True(t, ok)

	val, found, err := s.Find(7)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("a much longer replacement value"), val)
}

func TestUpdateAbsentKeyReturnsFalse(t *testing.T) {
	s, err := Open(basenameFor(t))
	require.NoError(t, err)
	defer s.Close()

	ok, err := s.Update(1, []byte("x"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestClosedStoreReturnsNotInitialised(t *testing.T) {
	s, err := Open(basenameFor(t))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, _, err = s.Find(0)
	require.Error(t, err)
	var kerr *Error
	require.ErrorAs(t, err, &kerr)
	require.Equal(t, NotInitialised, kerr.Kind)

	err = s.Close()
	require.Error(t, err)
	require.ErrorAs(t, err, &kerr)
	require.Equal(t, NotInitialised, kerr.Kind)
}

func TestReopenPreservesData(t *testing.T) {
	base := basenameFor(t)

	s, err := Open(base)
	require.NoError(t, err)
	for i := uint64(0); i < 50; i++ {
		_, err := s.Insert(i, []byte(fmt.Sprintf("value-%d", i)))
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())

	s2, err := Open(base)
	require.NoError(t, err)
	defer s2.Close()

	for i := uint64(0); i < 50; i++ {
		val, found, err := s2.Find(i)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, []byte(fmt.Sprintf("value-%d", i)), val)
	}
}

func TestWalkVisitsKeysInAscendingOrder(t *testing.T) {
	s, err := Open(basenameFor(t))
	require.NoError(t, err)
	defer s.Close()

	keys := rand.New(rand.NewSource(1)).Perm(1000)
	for _, k := range keys {
		_, err := s.Insert(uint64(k), []byte(fmt.Sprintf("v%d", k)))
		require.NoError(t, err)
	}

	var seen []uint64
	err = s.Walk(func(key uint64, value []byte) bool {
		seen = append(seen, key)
		require.Equal(t, fmt.Sprintf("v%d", key), string(value))
		return true
	})
	require.NoError(t, err)
	require.Len(t, seen, 1000)
	for i := 1; i < len(seen); i++ {
		require.Less(t, seen[i-1], seen[i])
	}
}

func TestRangeVisitsHalfOpenInterval(t *testing.T) {
	s, err := Open(basenameFor(t))
	require.NoError(t, err)
	defer s.Close()

	for i := uint64(0); i < 20; i++ {
		_, err := s.Insert(i, []byte(fmt.Sprintf("v%d", i)))
		require.NoError(t, err)
	}

	var seen []uint64
	err = s.Range(5, 10, func(key uint64, value []byte) bool {
		seen = append(seen, key)
		return true
	})
	require.NoError(t, err)
	require.Equal(t, []uint64{5, 6, 7, 8, 9}, seen)
}

func TestManyInsertEraseKeepsTreeConsistent(t *testing.T) {
	s, err := Open(basenameFor(t))
	require.NoError(t, err)
	defer s.Close()

	for i := uint64(0); i < 1000; i++ {
		_, err := s.Insert(i, []byte(fmt.Sprintf("v%d", i)))
		require.NoError(t, err)
	}
	for i := uint64(0); i < 1000; i += 2 {
		ok, err := s.Erase(i)
		require.NoError(t, err)
		require.True(t, ok)
	}

	var seen []uint64
	err = s.Walk(func(key uint64, value []byte) bool {
		seen = append(seen, key)
		return true
	})
	require.NoError(t, err)
	require.Len(t, seen, 500)
	for _, k := range seen {
		require.Equal(t, uint64(1), k%2)
	}
}
