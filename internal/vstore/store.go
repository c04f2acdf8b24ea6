package vstore

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/log"
)

// BranchName identifies a branch within a Store. The ledger coordinator
// uses the three well-known names "main", "deliver-tx" and "check-tx"; the
// historical rewind component mints additional ephemeral names.
type BranchName string

var (
	ErrBranchExists   = errors.New("vstore: branch already exists")
	ErrNoSuchBranch   = errors.New("vstore: no such branch")
	ErrNoSuchVersion  = errors.New("vstore: no such version")
	ErrVersionExists  = errors.New("vstore: version already exists")
	ErrNoOpenVersion  = errors.New("vstore: branch has no open version")
	ErrHasNoParent    = errors.New("vstore: branch has no parent to merge into")
	ErrMergeIntoOther = errors.New("vstore: cannot merge a branch that forked elsewhere")
)

type entry struct {
	deleted bool
	value   []byte
}

// diffEntry is the set of writes recorded under a single version on a branch.
type diffEntry struct {
	version Version
	writes  map[string]entry
}

type branch struct {
	name BranchName

	parent       *branch
	forkVersion  Version // version of parent as of which this branch was created
	hasParent    bool

	// versions is kept sorted ascending by Version.
	versions []*diffEntry
	openIdx  int // index into versions of the currently-open (writable) version, -1 if none
}

func (b *branch) latestVersion() (Version, bool) {
	if len(b.versions) == 0 {
		return Version{}, false
	}
	return b.versions[len(b.versions)-1].version, true
}

func (b *branch) findIndex(v Version) (int, bool) {
	i := sort.Search(len(b.versions), func(i int) bool {
		return !b.versions[i].version.Less(v)
	})
	if i < len(b.versions) && b.versions[i].version == v {
		return i, true
	}
	return i, false
}

// floorIndex returns the index of the latest version <= v, or -1.
func (b *branch) floorIndex(v Version) int {
	i := sort.Search(len(b.versions), func(i int) bool {
		return v.Less(b.versions[i].version)
	})
	return i - 1
}

// Store is the root of a branch forest.
type Store struct {
	mu       sync.RWMutex
	branches map[BranchName]*branch
	backing  Backing // optional durable flush target for the "main" branch
	log      log.Logger
}

// Backing is the durable persistence layer a Store flushes committed Main
// diffs into (see internal/vstore/pebble.go).
type Backing interface {
	Put(key, value []byte) error
	Delete(key []byte) error
	Get(key []byte) ([]byte, bool, error)
}

// NewStore creates an empty store. backing may be nil (pure in-memory, as
// the tests use it).
func NewStore(backing Backing) *Store {
	return &Store{
		branches: make(map[BranchName]*branch),
		backing:  backing,
		log:      log.New("module", "vstore"),
	}
}

// BranchCreate creates a new root branch with no parent, e.g. "main" at
// chain genesis.
func (s *Store) BranchCreate(name BranchName) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.branches[name]; ok {
		return fmt.Errorf("%w: %s", ErrBranchExists, name)
	}
	s.branches[name] = &branch{name: name, openIdx: -1}
	return nil
}

// BranchCreateFrom forks a new branch from parentName as of atVersion (the
// fork point). The child reads the parent's versions up to and including
// atVersion, so writes the parent makes in later versions are never visible
// to it, and writes to the child never touch the parent. atVersion is not
// checked against the parent's existing versions.
func (s *Store) BranchCreateFrom(name, parentName BranchName, atVersion Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.branches[name]; ok {
		return fmt.Errorf("%w: %s", ErrBranchExists, name)
	}
	parent, ok := s.branches[parentName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchBranch, parentName)
	}
	s.branches[name] = &branch{
		name:        name,
		parent:      parent,
		forkVersion: atVersion,
		hasParent:   true,
		openIdx:     -1,
	}
	return nil
}

// BranchRemove deletes a branch by name. vstore does not track children, so
// removing a branch that others have forked from succeeds and those children
// keep reading through it; the ledger only ever removes leaves, mirroring
// the original ledger's branch lifetime discipline.
func (s *Store) BranchRemove(name BranchName) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.branches[name]; !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchBranch, name)
	}
	delete(s.branches, name)
	return nil
}

// BranchMergeToParent folds every version's diff of name into its parent as
// a single new version, mergeVersion, appended after the parent's existing
// versions and made its open version (mergeVersion is not checked against
// them); when the parent is "main" and a backing store is set, the merged
// writes also go to the backing store. It then removes name. Used at block
// commit to fold DeliverTx into Main.
func (s *Store) BranchMergeToParent(name BranchName, mergeVersion Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.branches[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchBranch, name)
	}
	if !b.hasParent {
		return fmt.Errorf("%w: %s", ErrHasNoParent, name)
	}
	parent := b.parent

	merged := map[string]entry{}
	for _, d := range b.versions {
		for k, v := range d.writes {
			merged[k] = v
		}
	}
	de := &diffEntry{version: mergeVersion, writes: merged}
	parent.versions = append(parent.versions, de)
	parent.openIdx = len(parent.versions) - 1

	if s.backing != nil && parent.name == "main" {
		for k, v := range merged {
			if v.deleted {
				if err := s.backing.Delete([]byte(k)); err != nil {
					return err
				}
				continue
			}
			if err := s.backing.Put([]byte(k), v.value); err != nil {
				return err
			}
		}
	}

	delete(s.branches, name)
	return nil
}

// VersionCreateOn opens a new, empty, writable version on a branch. Writes
// made after this call and before the next VersionCreateOn/merge land in v.
func (s *Store) VersionCreateOn(name BranchName, v Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.branches[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchBranch, name)
	}
	if _, exists := b.findIndex(v); exists {
		return fmt.Errorf("%w: %s@%s", ErrVersionExists, name, v)
	}
	b.versions = append(b.versions, &diffEntry{version: v, writes: map[string]entry{}})
	b.openIdx = len(b.versions) - 1
	return nil
}

// VersionPopOn discards the most recently opened version on a branch. Used
// to roll back a transaction whose execution failed after some state was
// already written (the Go analogue of state.RevertToSnapshot).
func (s *Store) VersionPopOn(name BranchName) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.branches[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchBranch, name)
	}
	if len(b.versions) == 0 {
		return ErrNoOpenVersion
	}
	b.versions = b.versions[:len(b.versions)-1]
	b.openIdx = len(b.versions) - 1
	return nil
}

// RemoveBranchesWithPrefix deletes every branch whose name starts with
// prefix and reports how many were removed, used by internal/rewind's
// best-effort sweep of ephemeral branches leaked by a crash mid-query.
func (s *Store) RemoveBranchesWithPrefix(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int
	for name := range s.branches {
		if len(string(name)) >= len(prefix) && string(name)[:len(prefix)] == prefix {
			delete(s.branches, name)
			removed++
		}
	}
	return removed
}

// BranchExists reports whether a branch with the given name is currently
// open on the store.
func (s *Store) BranchExists(name BranchName) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.branches[name]
	return ok
}

// HasVersions reports whether a branch currently holds at least one version
// (popped versions do not count), used by StateBranch.ApplyTx to decide whether a failed first transaction
// in a block needs a placeholder version created in its place.
func (s *Store) HasVersions(name BranchName) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.branches[name]
	if !ok {
		return false
	}
	return len(b.versions) > 0
}

// VersionExistsOn reports whether v has been created (and not popped) on
// the named branch.
func (s *Store) VersionExistsOn(name BranchName, v Version) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.branches[name]
	if !ok {
		return false
	}
	_, exists := b.findIndex(v)
	return exists
}

// LatestVersion returns the most recent open version on a branch.
func (s *Store) LatestVersion(name BranchName) (Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.branches[name]
	if !ok {
		return Version{}, fmt.Errorf("%w: %s", ErrNoSuchBranch, name)
	}
	v, ok := b.latestVersion()
	if !ok {
		return Version{}, ErrNoOpenVersion
	}
	return v, nil
}

// Put writes key=value into the currently open version of name.
func (s *Store) Put(name BranchName, key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.branches[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchBranch, name)
	}
	if b.openIdx < 0 {
		return ErrNoOpenVersion
	}
	b.versions[b.openIdx].writes[string(key)] = entry{value: append([]byte(nil), value...)}
	return nil
}

// Delete marks key as removed in the currently open version of name.
func (s *Store) Delete(name BranchName, key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.branches[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchBranch, name)
	}
	if b.openIdx < 0 {
		return ErrNoOpenVersion
	}
	b.versions[b.openIdx].writes[string(key)] = entry{deleted: true}
	return nil
}

// Get reads key as of the latest version of name.
func (s *Store) Get(name BranchName, key []byte) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.branches[name]
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", ErrNoSuchBranch, name)
	}
	v, found := b.latestVersion()
	if !found {
		return s.getAtLocked(b, Version{}, key, false)
	}
	return s.getAtLocked(b, v, key, true)
}

// GetAt reads key as of a specific version on name (used for historical
// queries through ephemeral branches).
func (s *Store) GetAt(name BranchName, at Version, key []byte) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.branches[name]
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", ErrNoSuchBranch, name)
	}
	return s.getAtLocked(b, at, key, true)
}

func (s *Store) getAtLocked(b *branch, at Version, key []byte, haveVersion bool) ([]byte, bool, error) {
	cur := b
	upper := at
	haveUpper := haveVersion
	for {
		if haveUpper {
			idx := cur.floorIndex(upper)
			for i := idx; i >= 0; i-- {
				if e, ok := cur.versions[i].writes[string(key)]; ok {
					if e.deleted {
						return nil, false, nil
					}
					return e.value, true, nil
				}
			}
		}
		if !cur.hasParent {
			break
		}
		upper = cur.forkVersion
		haveUpper = true
		cur = cur.parent
	}
	if s.backing != nil {
		val, ok, err := s.backing.Get(key)
		if err != nil {
			return nil, false, err
		}
		return val, ok, nil
	}
	return nil, false, nil
}

// IterPrefix returns all live keys with the given prefix as of the latest
// version of name, sorted ascending. Used by OrderedMap iteration.
func (s *Store) IterPrefix(name BranchName, prefix []byte) ([][2][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.branches[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchBranch, name)
	}
	v, found := b.latestVersion()
	merged := map[string][]byte{}
	deleted := map[string]bool{}
	cur := b
	upper := v
	haveUpper := found
	for {
		if haveUpper {
			idx := cur.floorIndex(upper)
			for i := idx; i >= 0; i-- {
				for k, e := range cur.versions[i].writes {
					if len(k) < len(prefix) || k[:len(prefix)] != string(prefix) {
						continue
					}
					if _, already := merged[k]; already {
						continue
					}
					if _, already := deleted[k]; already {
						continue
					}
					if e.deleted {
						deleted[k] = true
						continue
					}
					merged[k] = e.value
				}
			}
		}
		if !cur.hasParent {
			break
		}
		upper = cur.forkVersion
		haveUpper = true
		cur = cur.parent
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([][2][]byte, 0, len(keys))
	for _, k := range keys {
		out = append(out, [2][]byte{[]byte(k), merged[k]})
	}
	return out, nil
}
