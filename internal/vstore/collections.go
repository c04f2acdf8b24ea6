package vstore

// Codec converts between a typed value and its stored byte representation.
// Collections are parameterized over Codecs rather than hard-coding
// encoding/json so hot paths (accounts, storage cells) can use compact
// fixed-width encodings.
type Codec[T any] struct {
	Encode func(T) []byte
	Decode func([]byte) (T, error)
}

// OrderedMap is a versioned, branch-aware map keyed by bytes and namespaced
// under a prefix, mirroring vsdb's MapxOrd collection. The ledger uses it for
// its block and block-hash indexes; accounts and storage cells are stored
// under raw keys by internal/evmadapter instead.
type OrderedMap[K any, V any] struct {
	store     *Store
	prefix    []byte
	keyCodec  Codec[K]
	valCodec  Codec[V]
}

func NewOrderedMap[K any, V any](store *Store, prefix []byte, keyCodec Codec[K], valCodec Codec[V]) *OrderedMap[K, V] {
	return &OrderedMap[K, V]{store: store, prefix: prefix, keyCodec: keyCodec, valCodec: valCodec}
}

func (m *OrderedMap[K, V]) storeKey(k K) []byte {
	out := make([]byte, 0, len(m.prefix)+32)
	out = append(out, m.prefix...)
	out = append(out, m.keyCodec.Encode(k)...)
	return out
}

func (m *OrderedMap[K, V]) Get(branch BranchName, k K) (V, bool, error) {
	var zero V
	raw, ok, err := m.store.Get(branch, m.storeKey(k))
	if err != nil || !ok {
		return zero, ok, err
	}
	v, err := m.valCodec.Decode(raw)
	if err != nil {
		return zero, false, err
	}
	return v, true, nil
}

func (m *OrderedMap[K, V]) GetAt(branch BranchName, at Version, k K) (V, bool, error) {
	var zero V
	raw, ok, err := m.store.GetAt(branch, at, m.storeKey(k))
	if err != nil || !ok {
		return zero, ok, err
	}
	v, err := m.valCodec.Decode(raw)
	if err != nil {
		return zero, false, err
	}
	return v, true, nil
}

func (m *OrderedMap[K, V]) Insert(branch BranchName, k K, v V) error {
	return m.store.Put(branch, m.storeKey(k), m.valCodec.Encode(v))
}

func (m *OrderedMap[K, V]) Remove(branch BranchName, k K) error {
	return m.store.Delete(branch, m.storeKey(k))
}

// Iter returns every live (key, value) pair under this map's namespace, in
// ascending key-byte order.
func (m *OrderedMap[K, V]) Iter(branch BranchName) ([]K, []V, error) {
	pairs, err := m.store.IterPrefix(branch, m.prefix)
	if err != nil {
		return nil, nil, err
	}
	keys := make([]K, 0, len(pairs))
	vals := make([]V, 0, len(pairs))
	for _, p := range pairs {
		k, err := m.keyCodec.Decode(p[0][len(m.prefix):])
		if err != nil {
			return nil, nil, err
		}
		v, err := m.valCodec.Decode(p[1])
		if err != nil {
			return nil, nil, err
		}
		keys = append(keys, k)
		vals = append(vals, v)
	}
	return keys, vals, nil
}

// Last returns the entry with the greatest key under this map's namespace,
// mirroring vsdb's MapxOrd::last used by ledger::StateBranch::last_block.
func (m *OrderedMap[K, V]) Last(branch BranchName) (K, V, bool, error) {
	var zeroK K
	var zeroV V
	keys, vals, err := m.Iter(branch)
	if err != nil {
		return zeroK, zeroV, false, err
	}
	if len(keys) == 0 {
		return zeroK, zeroV, false, nil
	}
	return keys[len(keys)-1], vals[len(vals)-1], true, nil
}

// Scalar is a single versioned value (e.g. the chain's last-block pointer).
type Scalar[V any] struct {
	store  *Store
	key    []byte
	codec  Codec[V]
}

func NewScalar[V any](store *Store, key []byte, codec Codec[V]) *Scalar[V] {
	return &Scalar[V]{store: store, key: key, codec: codec}
}

func (s *Scalar[V]) Get(branch BranchName) (V, bool, error) {
	var zero V
	raw, ok, err := s.store.Get(branch, s.key)
	if err != nil || !ok {
		return zero, ok, err
	}
	v, err := s.codec.Decode(raw)
	if err != nil {
		return zero, false, err
	}
	return v, true, nil
}

func (s *Scalar[V]) Set(branch BranchName, v V) error {
	return s.store.Put(branch, s.key, s.codec.Encode(v))
}

// Sequence is an append-only versioned list (e.g. per-block transaction
// hashes), addressed by a monotonically increasing index encoded into the
// key so that OrderedMap-style prefix iteration yields insertion order.
type Sequence[V any] struct {
	inner *OrderedMap[uint64, V]
	len   *Scalar[uint64]
}

func NewSequence[V any](store *Store, prefix []byte, valCodec Codec[V]) *Sequence[V] {
	idxCodec := Codec[uint64]{
		Encode: func(i uint64) []byte {
			b := make([]byte, 8)
			for j := 0; j < 8; j++ {
				b[j] = byte(i >> (56 - 8*j))
			}
			return b
		},
		Decode: func(b []byte) (uint64, error) {
			var i uint64
			for j := 0; j < 8; j++ {
				i = i<<8 | uint64(b[j])
			}
			return i, nil
		},
	}
	lenKey := append(append([]byte{}, prefix...), []byte("$len")...)
	return &Sequence[V]{
		inner: NewOrderedMap[uint64, V](store, prefix, idxCodec, valCodec),
		len:   NewScalar[uint64](store, lenKey, Codec[uint64]{Encode: idxCodec.Encode, Decode: idxCodec.Decode}),
	}
}

func (s *Sequence[V]) Len(branch BranchName) (uint64, error) {
	n, ok, err := s.len.Get(branch)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return n, nil
}

func (s *Sequence[V]) Push(branch BranchName, v V) error {
	n, err := s.Len(branch)
	if err != nil {
		return err
	}
	if err := s.inner.Insert(branch, n, v); err != nil {
		return err
	}
	return s.len.Set(branch, n+1)
}

func (s *Sequence[V]) Get(branch BranchName, idx uint64) (V, bool, error) {
	return s.inner.Get(branch, idx)
}

func (s *Sequence[V]) All(branch BranchName) ([]V, error) {
	_, vals, err := s.inner.Iter(branch)
	return vals, err
}
