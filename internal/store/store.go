// Package store defines Store, the authoritative keyed record collection
// together with its record id counter and global data version.
//
// A Store is not safe for concurrent use. The engine owns it and serializes
// every access behind its pass lock; methods documented "lock must be held"
// assume the caller does the same.
package store

import (
	"fmt"
	"sort"

	"github.com/steveyegge/rowsync/internal/schema"
)

// InitialVersion is the data version of a freshly created store.
const InitialVersion int64 = 1

// Record is the stored payload for a key plus the id assigned when it was
// created.
type Record struct {
	ID      int64          `json:"id"`
	Key     string         `json:"key"`
	Payload schema.Payload `json:"data"`
}

// Clone returns a copy of the record with a deep-copied payload.
func (r Record) Clone() Record {
	return Record{ID: r.ID, Key: r.Key, Payload: r.Payload.Clone()}
}

// Store maps keys to records.
type Store struct {
	records map[string]Record
	version int64
	nextID  int64
}

// New creates a store holding the given seeds. Record ids 1..N are assigned in
// seed order and the data version starts at InitialVersion. A later seed with
// the same key replaces the earlier one and still consumes an id.
func New(seeds []schema.Seed) *Store {
	s := &Store{
		records: make(map[string]Record, len(seeds)),
		version: InitialVersion,
		nextID:  1,
	}
	for _, seed := range seeds {
		s.Put(seed.Key, seed.Payload)
	}
	return s
}

// Restore rebuilds a store from previously persisted state.
//
// version must be at least InitialVersion and nextID must exceed every record
// id; duplicate keys or ids are rejected.
func Restore(records []Record, version, nextID int64) (*Store, error) {
	if version < InitialVersion {
		return nil, fmt.Errorf("invalid data version %d", version)
	}
	s := &Store{
		records: make(map[string]Record, len(records)),
		version: version,
		nextID:  nextID,
	}
	ids := make(map[int64]string, len(records))
	for _, r := range records {
		if r.Key == "" {
			return nil, fmt.Errorf("record %d has an empty key", r.ID)
		}
		if _, dup := s.records[r.Key]; dup {
			return nil, fmt.Errorf("duplicate key %q", r.Key)
		}
		if other, dup := ids[r.ID]; dup {
			return nil, fmt.Errorf("record id %d used by both %q and %q", r.ID, other, r.Key)
		}
		if r.ID < 1 || r.ID >= nextID {
			return nil, fmt.Errorf("record %q has id %d outside [1, %d)", r.Key, r.ID, nextID)
		}
		ids[r.ID] = r.Key
		s.records[r.Key] = r.Clone()
	}
	return s, nil
}

// Version returns the current data version. Lock must be held.
func (s *Store) Version() int64 {
	return s.version
}

// NextID returns the id the next created record will receive. Lock must be
// held.
func (s *Store) NextID() int64 {
	return s.nextID
}

// BumpVersion advances the data version by exactly one and returns the new
// value. Lock must be held.
func (s *Store) BumpVersion() int64 {
	s.version++
	return s.version
}

// Len returns the number of records. Lock must be held.
func (s *Store) Len() int {
	return len(s.records)
}

// Get returns the record stored at key. Lock must be held.
func (s *Store) Get(key string) (Record, bool) {
	r, ok := s.records[key]
	return r, ok
}

// Put stores a deep copy of payload at key under a freshly assigned record id,
// replacing any existing record, and returns the new record. Lock must be
// held.
func (s *Store) Put(key string, payload schema.Payload) Record {
	r := Record{ID: s.nextID, Key: key, Payload: payload.Clone()}
	if r.Payload == nil {
		r.Payload = schema.Payload{}
	}
	s.nextID++
	s.records[key] = r
	return r
}

// Replace swaps the payload of an existing record, keeping its id. The caller
// hands over ownership of payload. Lock must be held.
func (s *Store) Replace(key string, payload schema.Payload) (Record, error) {
	r, ok := s.records[key]
	if !ok {
		return Record{}, fmt.Errorf("no record at key %q", key)
	}
	r.Payload = payload
	s.records[key] = r
	return r, nil
}

// Remove deletes the record at key. It reports whether a record was present;
// removing an absent key is a no-op. Lock must be held.
func (s *Store) Remove(key string) bool {
	if _, ok := s.records[key]; !ok {
		return false
	}
	delete(s.records, key)
	return true
}

// Snapshot returns a deep copy of the key to payload mapping. Lock must be
// held.
func (s *Store) Snapshot() map[string]schema.Payload {
	out := make(map[string]schema.Payload, len(s.records))
	for k, r := range s.records {
		out[k] = r.Payload.Clone()
	}
	return out
}

// Records returns deep copies of all records ordered by record id. Lock must
// be held.
func (s *Store) Records() []Record {
	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}
