package vstore

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

var uint64Codec = Codec[uint64]{
	Encode: func(v uint64) []byte {
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, v)
		return b
	},
	Decode: func(b []byte) (uint64, error) {
		return binary.BigEndian.Uint64(b), nil
	},
}

var stringCodec = Codec[string]{
	Encode: func(v string) []byte { return []byte(v) },
	Decode: func(b []byte) (string, error) { return string(b), nil },
}

func TestOrderedMapInsertGetIter(t *testing.T) {
	s := NewStore(nil)
	require.NoError(t, s.BranchCreate("main"))
	require.NoError(t, s.VersionCreateOn("main", Version{Height: 1}))

	m := NewOrderedMap[uint64, string](s, []byte("acct/"), uint64Codec, stringCodec)
	require.NoError(t, m.Insert("main", 2, "bob"))
	require.NoError(t, m.Insert("main", 1, "alice"))

	v, ok, err := m.Get("main", 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "alice", v)

	keys, vals, err := m.Iter("main")
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 2}, keys)
	require.Equal(t, []string{"alice", "bob"}, vals)
}

func TestScalarGetSet(t *testing.T) {
	s := NewStore(nil)
	require.NoError(t, s.BranchCreate("main"))
	require.NoError(t, s.VersionCreateOn("main", Version{Height: 1}))

	sc := NewScalar[uint64](s, []byte("height"), uint64Codec)
	_, ok, err := sc.Get("main")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, sc.Set("main", 42))
	v, ok, err := sc.Get("main")
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 42, v)
}

func TestSequencePushOrderAndLen(t *testing.T) {
	s := NewStore(nil)
	require.NoError(t, s.BranchCreate("main"))
	require.NoError(t, s.VersionCreateOn("main", Version{Height: 1}))

	seq := NewSequence[string](s, []byte("txs/"), stringCodec)
	require.NoError(t, seq.Push("main", "t0"))
	require.NoError(t, seq.Push("main", "t1"))
	require.NoError(t, seq.Push("main", "t2"))

	n, err := seq.Len("main")
	require.NoError(t, err)
	require.EqualValues(t, 3, n)

	all, err := seq.All("main")
	require.NoError(t, err)
	require.Equal(t, []string{"t0", "t1", "t2"}, all)
}
