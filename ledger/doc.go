// Package ledger is the durable record of tasks, offers, escrows, disputes
// and notifications.
//
// All mutation of a task goes through Store.Update, which loads the task's
// Snapshot under a per-task exclusivity boundary, hands it to a callback, and
// commits every change the callback made in one atomic write. A callback that
// returns an error leaves the ledger untouched.
//
// Two backends are provided:
//
//   - KVStore keeps one aggregate document per task in a state.StateStore
//     (memory or NATS JetStream KV) and commits with a revision-checked write.
//   - PostgresStore keeps one table per record type and commits inside a
//     transaction holding a row lock on the task.
//
// Reads outside Update are lock-free and may observe slightly stale state.
package ledger
