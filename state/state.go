package state

import (
	"errors"
	"time"
)

// Common errors.
var (
	ErrNotFound         = errors.New("key not found")
	ErrClosed           = errors.New("store closed")
	ErrLockHeld         = errors.New("lock already held")
	ErrLockNotHeld      = errors.New("lock not held")
	ErrLockExpired      = errors.New("lock expired")
	ErrInvalidKey       = errors.New("invalid key")
	ErrInvalidTTL       = errors.New("invalid TTL")
	ErrRevisionMismatch = errors.New("revision mismatch")
)

// KeyValue is a stored entry with its revision.
type KeyValue struct {
	Key   string
	Value []byte

	// Revision increases on every write to the store.
	Revision uint64

	Created  time.Time
	Modified time.Time
}

// StateStore is a key-value store with optimistic concurrency and locks.
type StateStore interface {
	// Get retrieves a value by key.
	// Returns ErrNotFound if the key does not exist.
	Get(key string) ([]byte, error)

	// GetKeyValue retrieves the entry together with its revision.
	GetKeyValue(key string) (*KeyValue, error)

	// Put stores a value unconditionally.
	Put(key string, value []byte) error

	// PutIfRevision stores a value only if the key is still at revision rev.
	// rev 0 means the key must not exist yet.
	// Returns the new revision or ErrRevisionMismatch.
	PutIfRevision(key string, value []byte, rev uint64) (uint64, error)

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(key string) error

	// Keys returns all keys matching a pattern.
	// Pattern supports * wildcard at the end (e.g., "ledger.task.*").
	Keys(pattern string) ([]string, error)

	// Lock acquires an exclusive lock that expires after ttl.
	// Returns ErrLockHeld without blocking if another holder has it.
	Lock(key string, ttl time.Duration) (Lock, error)

	// Close shuts down the store and releases resources.
	Close() error
}

// Lock is an exclusive, expiring lock.
type Lock interface {
	// Unlock releases the lock.
	// Returns ErrLockNotHeld if already released.
	Unlock() error

	// Refresh extends the lock TTL.
	// Returns ErrLockExpired if the lock has expired.
	Refresh() error

	// Key returns the lock key.
	Key() string
}

// lockKey returns the key under which a lock on key is stored.
func lockKey(key string) string {
	return "_lock." + key
}

// ValidateKey checks that a key is usable on every backend.
// Keys are dot-separated tokens of letters, digits, '-', '_' and '='.
func ValidateKey(key string) error {
	if key == "" || len(key) > 1024 {
		return ErrInvalidKey
	}
	if key[0] == '.' || key[len(key)-1] == '.' {
		return ErrInvalidKey
	}
	prevDot := false
	for _, r := range key {
		switch {
		case r == '.':
			if prevDot {
				return ErrInvalidKey
			}
			prevDot = true
			continue
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '=':
		default:
			return ErrInvalidKey
		}
		prevDot = false
	}
	return nil
}

// ValidateTTL checks that a lock TTL is positive.
func ValidateTTL(ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	return nil
}

// MatchPattern checks if a key matches a pattern.
// Supports * wildcard at the end (e.g., "ledger.*" matches "ledger.task.1").
func MatchPattern(pattern, key string) bool {
	if pattern == "*" {
		return true
	}
	if n := len(pattern); n > 0 && pattern[n-1] == '*' {
		prefix := pattern[:n-1]
		return len(key) >= len(prefix) && key[:len(prefix)] == prefix
	}
	return pattern == key
}
