// Package state provides the key-value backend underneath the ledger.
//
// The StateStore interface offers revision-checked writes and TTL locks so
// that a record can be read, validated and rewritten without a concurrent
// writer slipping in between. Two backends are provided:
//
//   - MemoryStore: single-process, used by tests and the demo CLI
//   - NATSStore: NATS JetStream KV, shared by every process on the bucket
//
// # Usage
//
//	store := state.NewMemoryStore()
//
//	kv, err := store.GetKeyValue("ledger.task.t-1")
//	// ... decode, mutate, re-encode ...
//	_, err = store.PutIfRevision("ledger.task.t-1", data, kv.Revision)
//	if errors.Is(err, state.ErrRevisionMismatch) {
//	    // someone else wrote first; reload and re-validate
//	}
//
//	lock, err := store.Lock("ledger.task.t-1", 10*time.Second)
//	defer lock.Unlock()
package state
