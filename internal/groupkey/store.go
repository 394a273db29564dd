// Package groupkey stores the symmetric group keys a client knows, keyed by
// (streamId, clientId), with a current/next cursor pair for rotation
// handoff.
package groupkey

import (
	"fmt"
	"sync"
)

// GroupKey is an immutable symmetric key identified by ID.
type GroupKey struct {
	ID    string
	Bytes []byte
}

// streamClientKey is the store's top-level key: (streamId, clientId).
type streamClientKey struct {
	streamID string
	clientID string
}

// bucket holds all known keys for one (streamId, clientId) plus the
// current/next rotation cursor.
type bucket struct {
	mu      sync.Mutex
	keys    map[string]GroupKey
	current string // id of the current key, "" if none
	next    string // id of the next key awaiting rotation-in, "" if none
}

// Store is shared between the Publisher and Subscriber of the same client;
// access is serialised per (streamId, clientId).
type Store struct {
	mu      sync.RWMutex
	buckets map[streamClientKey]*bucket
}

// NewStore constructs an empty GroupKeyStore.
func NewStore() *Store {
	return &Store{buckets: make(map[streamClientKey]*bucket)}
}

func (s *Store) bucketFor(streamID, clientID string) *bucket {
	key := streamClientKey{streamID: streamID, clientID: clientID}

	s.mu.RLock()
	b, ok := s.buckets[key]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok = s.buckets[key]; ok {
		return b
	}
	b = &bucket{keys: make(map[string]GroupKey)}
	s.buckets[key] = b
	return b
}

// Get returns the key with the given id for (streamID, clientID), if known.
func (s *Store) Get(streamID, clientID, keyID string) (GroupKey, bool) {
	b := s.bucketFor(streamID, clientID)
	b.mu.Lock()
	defer b.mu.Unlock()
	k, ok := b.keys[keyID]
	return k, ok
}

// Set stores key, making it retrievable by Get. It does not change which
// key is "current".
func (s *Store) Set(streamID, clientID string, key GroupKey) {
	b := s.bucketFor(streamID, clientID)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.keys[key.ID] = key
}

// Current returns the key currently in active use for publishing/decrypting,
// if one has been set.
func (s *Store) Current(streamID, clientID string) (GroupKey, bool) {
	b := s.bucketFor(streamID, clientID)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == "" {
		return GroupKey{}, false
	}
	k, ok := b.keys[b.current]
	return k, ok
}

// Next returns the key staged to become current on the next rotation, if any.
func (s *Store) Next(streamID, clientID string) (GroupKey, bool) {
	b := s.bucketFor(streamID, clientID)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.next == "" {
		return GroupKey{}, false
	}
	k, ok := b.keys[b.next]
	return k, ok
}

// SetCurrent stores key and marks it current, e.g. on first publish to an
// encrypted stream or immediately after construction of the store by the
// application.
func (s *Store) SetCurrent(streamID, clientID string, key GroupKey) {
	b := s.bucketFor(streamID, clientID)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.keys[key.ID] = key
	b.current = key.ID
}

// SetNext stores key and marks it as the staged successor. The publisher
// rotates it in (promoting it to current) on the next publish.
func (s *Store) SetNext(streamID, clientID string, key GroupKey) {
	b := s.bucketFor(streamID, clientID)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.keys[key.ID] = key
	b.next = key.ID
}

// RotateNext promotes the staged next key to current, clearing next. It is
// an error to call this when no next key is staged.
func (s *Store) RotateNext(streamID, clientID string) (GroupKey, error) {
	b := s.bucketFor(streamID, clientID)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.next == "" {
		return GroupKey{}, fmt.Errorf("groupkey: no next key staged for stream %q client %q", streamID, clientID)
	}
	k := b.keys[b.next]
	b.current = b.next
	b.next = ""
	return k, nil
}
