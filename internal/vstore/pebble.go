package vstore

import (
	"github.com/cockroachdb/pebble"
)

// PebbleBacking durably persists Main's committed diffs, grounded on the
// teacher's use of cockroachdb/pebble as go-ethereum's modern key-value
// engine. It satisfies the Backing interface consumed by Store.
type PebbleBacking struct {
	db *pebble.DB
}

// OpenPebbleBacking opens (creating if absent) a pebble database at dir.
func OpenPebbleBacking(dir string) (*PebbleBacking, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &PebbleBacking{db: db}, nil
}

func (p *PebbleBacking) Put(key, value []byte) error {
	return p.db.Set(key, value, pebble.Sync)
}

func (p *PebbleBacking) Delete(key []byte) error {
	return p.db.Delete(key, pebble.Sync)
}

func (p *PebbleBacking) Get(key []byte) ([]byte, bool, error) {
	val, closer, err := p.db.Get(key)
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	out := append([]byte(nil), val...)
	_ = closer.Close()
	return out, true, nil
}

func (p *PebbleBacking) Close() error {
	return p.db.Close()
}
