package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSStore implements StateStore using NATS JetStream KV.
// Revision checks map onto KV Create/Update, so several processes can share
// one bucket safely.
type NATSStore struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	kv     jetstream.KeyValue
	config NATSStoreConfig
	closed atomic.Bool

	lockMu sync.Mutex
	locks  map[string]*natsLock
}

// NATSStoreConfig holds NATS KV store configuration.
type NATSStoreConfig struct {
	// Conn is the NATS connection to use.
	Conn *nats.Conn

	// Bucket is the KV bucket name.
	Bucket string

	// History is the number of revisions to keep per key.
	// Default: 1
	History int

	// MaxValueSize is the maximum value size in bytes.
	// Default: 1MB
	MaxValueSize int32

	// OpTimeout bounds every KV round trip.
	// Default: 5s
	OpTimeout time.Duration
}

// DefaultNATSStoreConfig returns configuration with sensible defaults.
func DefaultNATSStoreConfig() NATSStoreConfig {
	return NATSStoreConfig{
		Bucket:       "escrowkit-ledger",
		History:      1,
		MaxValueSize: 1024 * 1024,
		OpTimeout:    5 * time.Second,
	}
}

// NewNATSStore creates a new NATS JetStream KV store.
func NewNATSStore(cfg NATSStoreConfig) (*NATSStore, error) {
	if cfg.Conn == nil {
		return nil, fmt.Errorf("nats connection required")
	}
	defaults := DefaultNATSStoreConfig()
	if cfg.Bucket == "" {
		cfg.Bucket = defaults.Bucket
	}
	if cfg.History <= 0 {
		cfg.History = defaults.History
	}
	if cfg.MaxValueSize <= 0 {
		cfg.MaxValueSize = defaults.MaxValueSize
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = defaults.OpTimeout
	}

	js, err := jetstream.New(cfg.Conn)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:       cfg.Bucket,
		History:      uint8(cfg.History),
		MaxValueSize: cfg.MaxValueSize,
	})
	if err != nil {
		return nil, fmt.Errorf("create kv bucket: %w", err)
	}

	return &NATSStore{
		conn:   cfg.Conn,
		js:     js,
		kv:     kv,
		config: cfg,
		locks:  make(map[string]*natsLock),
	}, nil
}

func (s *NATSStore) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.config.OpTimeout)
}

// Get retrieves a value by key.
func (s *NATSStore) Get(key string) ([]byte, error) {
	kv, err := s.GetKeyValue(key)
	if err != nil {
		return nil, err
	}
	return kv.Value, nil
}

// GetKeyValue retrieves the entry together with its revision.
func (s *NATSStore) GetKeyValue(key string) (*KeyValue, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	ctx, cancel := s.opContext()
	defer cancel()

	e, err := s.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("kv get: %w", err)
	}

	return &KeyValue{
		Key:      e.Key(),
		Value:    e.Value(),
		Revision: e.Revision(),
		Created:  e.Created(),
		Modified: e.Created(), // NATS KV stamps each revision with Created
	}, nil
}

// Put stores a value unconditionally.
func (s *NATSStore) Put(key string, value []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	ctx, cancel := s.opContext()
	defer cancel()

	if _, err := s.kv.Put(ctx, key, value); err != nil {
		return fmt.Errorf("kv put: %w", err)
	}
	return nil
}

// PutIfRevision stores a value only if the key is still at revision rev.
func (s *NATSStore) PutIfRevision(key string, value []byte, rev uint64) (uint64, error) {
	if err := ValidateKey(key); err != nil {
		return 0, err
	}
	if s.closed.Load() {
		return 0, ErrClosed
	}

	ctx, cancel := s.opContext()
	defer cancel()

	var (
		newRev uint64
		err    error
	)
	if rev == 0 {
		newRev, err = s.kv.Create(ctx, key, value)
	} else {
		newRev, err = s.kv.Update(ctx, key, value, rev)
	}
	if err != nil {
		if isRevisionConflict(err) {
			return 0, ErrRevisionMismatch
		}
		return 0, fmt.Errorf("kv conditional put: %w", err)
	}
	return newRev, nil
}

// isRevisionConflict reports whether a KV write lost its revision check.
func isRevisionConflict(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
	}
	return false
}

// Delete removes a key.
func (s *NATSStore) Delete(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	ctx, cancel := s.opContext()
	defer cancel()

	if err := s.kv.Delete(ctx, key); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("kv delete: %w", err)
	}
	return nil
}

// Keys returns all keys matching a pattern.
func (s *NATSStore) Keys(pattern string) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*s.config.OpTimeout)
	defer cancel()

	lister, err := s.kv.ListKeys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("kv list keys: %w", err)
	}
	defer lister.Stop()

	var keys []string
	for key := range lister.Keys() {
		if MatchPattern(pattern, key) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Lock acquires an exclusive lock on key.
// The lock record stores its TTL; an expired record may be taken over with a
// revision-checked update so two takers cannot both win.
func (s *NATSStore) Lock(key string, ttl time.Duration) (Lock, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if err := ValidateTTL(ttl); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	lk := lockKey(key)
	value := []byte(ttl.String())

	ctx, cancel := s.opContext()
	defer cancel()

	rev, err := s.kv.Create(ctx, lk, value)
	if err != nil {
		if !isRevisionConflict(err) {
			return nil, fmt.Errorf("acquire lock: %w", err)
		}

		current, getErr := s.kv.Get(ctx, lk)
		if getErr != nil {
			if errors.Is(getErr, jetstream.ErrKeyNotFound) {
				return nil, ErrLockHeld // released between calls; caller retries
			}
			return nil, fmt.Errorf("check lock: %w", getErr)
		}
		storedTTL, _ := time.ParseDuration(string(current.Value()))
		if time.Since(current.Created()) < storedTTL {
			return nil, ErrLockHeld
		}

		rev, err = s.kv.Update(ctx, lk, value, current.Revision())
		if err != nil {
			if isRevisionConflict(err) {
				return nil, ErrLockHeld
			}
			return nil, fmt.Errorf("take over lock: %w", err)
		}
	}

	lock := &natsLock{
		store:    s,
		key:      lk,
		ttl:      ttl,
		revision: rev,
		acquired: time.Now(),
	}

	s.lockMu.Lock()
	s.locks[lk] = lock
	s.lockMu.Unlock()

	return lock, nil
}

// Close shuts down the store. The connection belongs to the caller.
func (s *NATSStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	s.lockMu.Lock()
	defer s.lockMu.Unlock()

	for _, lock := range s.locks {
		lock.released.Store(true)
	}
	s.locks = nil

	return nil
}

// natsLock implements Lock for NATSStore.
type natsLock struct {
	store    *NATSStore
	key      string
	ttl      time.Duration
	revision uint64
	acquired time.Time
	released atomic.Bool
}

// Unlock releases the lock.
func (l *natsLock) Unlock() error {
	if l.released.Swap(true) {
		return ErrLockNotHeld
	}

	l.store.lockMu.Lock()
	delete(l.store.locks, l.key)
	l.store.lockMu.Unlock()

	ctx, cancel := l.store.opContext()
	defer cancel()

	// Only delete our own revision; a taker after expiry keeps theirs.
	err := l.store.kv.Delete(ctx, l.key, jetstream.LastRevision(l.revision))
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) && !isRevisionConflict(err) {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// Refresh extends the lock TTL.
func (l *natsLock) Refresh() error {
	if l.released.Load() {
		return ErrLockNotHeld
	}
	if time.Since(l.acquired) > l.ttl {
		l.released.Store(true)
		return ErrLockExpired
	}

	ctx, cancel := l.store.opContext()
	defer cancel()

	rev, err := l.store.kv.Update(ctx, l.key, []byte(l.ttl.String()), l.revision)
	if err != nil {
		if isRevisionConflict(err) {
			l.released.Store(true)
			return ErrLockExpired
		}
		return fmt.Errorf("refresh lock: %w", err)
	}

	l.revision = rev
	l.acquired = time.Now()
	return nil
}

// Key returns the lock key.
func (l *natsLock) Key() string {
	return l.key
}
