package state

import (
	"sync"
	"sync/atomic"
	"time"
)

// MemoryStore implements StateStore using in-memory storage.
// Useful for testing and single-process deployments.
type MemoryStore struct {
	mu       sync.RWMutex
	data     map[string]*entry
	locks    map[string]*memoryLock
	revision uint64
	closed   atomic.Bool
}

type entry struct {
	value    []byte
	revision uint64
	created  time.Time
	modified time.Time
}

// NewMemoryStore creates a new in-memory state store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:  make(map[string]*entry),
		locks: make(map[string]*memoryLock),
	}
}

// Get retrieves a value by key.
func (s *MemoryStore) Get(key string) ([]byte, error) {
	kv, err := s.GetKeyValue(key)
	if err != nil {
		return nil, err
	}
	return kv.Value, nil
}

// GetKeyValue retrieves the entry together with its revision.
func (s *MemoryStore) GetKeyValue(key string) (*KeyValue, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}

	// Return a copy to prevent mutation
	val := make([]byte, len(e.value))
	copy(val, e.value)

	return &KeyValue{
		Key:      key,
		Value:    val,
		Revision: e.revision,
		Created:  e.created,
		Modified: e.modified,
	}, nil
}

// Put stores a value unconditionally.
func (s *MemoryStore) Put(key string, value []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.write(key, value)
	return nil
}

// PutIfRevision stores a value only if the key is still at revision rev.
func (s *MemoryStore) PutIfRevision(key string, value []byte, rev uint64) (uint64, error) {
	if err := ValidateKey(key); err != nil {
		return 0, err
	}
	if s.closed.Load() {
		return 0, ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.data[key]
	switch {
	case rev == 0 && exists:
		return 0, ErrRevisionMismatch
	case rev != 0 && (!exists || existing.revision != rev):
		return 0, ErrRevisionMismatch
	}

	return s.write(key, value), nil
}

// write stores value under key. Must be called with lock held.
func (s *MemoryStore) write(key string, value []byte) uint64 {
	now := time.Now()
	s.revision++

	val := make([]byte, len(value))
	copy(val, value)

	created := now
	if existing, ok := s.data[key]; ok {
		created = existing.created
	}

	s.data[key] = &entry{
		value:    val,
		revision: s.revision,
		created:  created,
		modified: now,
	}
	return s.revision
}

// Delete removes a key.
func (s *MemoryStore) Delete(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, key)
	return nil
}

// Keys returns all keys matching a pattern.
func (s *MemoryStore) Keys(pattern string) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string
	for key := range s.data {
		if MatchPattern(pattern, key) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Lock acquires an exclusive lock on key.
func (s *MemoryStore) Lock(key string, ttl time.Duration) (Lock, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if err := ValidateTTL(ttl); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	lk := lockKey(key)
	if existing, ok := s.locks[lk]; ok {
		if !existing.released.Load() && time.Now().Before(existing.expires) {
			return nil, ErrLockHeld
		}
		existing.released.Store(true)
	}

	lock := &memoryLock{
		store:   s,
		key:     lk,
		ttl:     ttl,
		expires: time.Now().Add(ttl),
	}
	s.locks[lk] = lock

	return lock, nil
}

// Close shuts down the store.
func (s *MemoryStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, lock := range s.locks {
		lock.released.Store(true)
	}
	s.data = nil
	s.locks = nil

	return nil
}

// memoryLock implements Lock for MemoryStore.
type memoryLock struct {
	store    *MemoryStore
	key      string
	ttl      time.Duration
	expires  time.Time
	released atomic.Bool
}

// Unlock releases the lock.
func (l *memoryLock) Unlock() error {
	if l.released.Swap(true) {
		return ErrLockNotHeld
	}

	l.store.mu.Lock()
	defer l.store.mu.Unlock()

	// A newer holder may own the slot after expiry; leave it alone.
	if current, ok := l.store.locks[l.key]; ok && current == l {
		delete(l.store.locks, l.key)
	}
	return nil
}

// Refresh extends the lock TTL.
func (l *memoryLock) Refresh() error {
	if l.released.Load() {
		return ErrLockNotHeld
	}

	l.store.mu.Lock()
	defer l.store.mu.Unlock()

	if time.Now().After(l.expires) {
		l.released.Store(true)
		if current, ok := l.store.locks[l.key]; ok && current == l {
			delete(l.store.locks, l.key)
		}
		return ErrLockExpired
	}

	l.expires = time.Now().Add(l.ttl)
	return nil
}

// Key returns the lock key.
func (l *memoryLock) Key() string {
	return l.key
}
