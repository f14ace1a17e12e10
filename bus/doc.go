// Package bus fans committed workflow events and notifications out to
// whoever listens: notification relays, audit writers, schedulers.
//
// # Available Implementations
//
//   - NATSBus: NATS core pub/sub, for multi-process deployments
//   - MemoryBus: in-process channels, for tests and single binaries
//
// # Subjects
//
// Subjects are dot-separated tokens. Subscriptions may use NATS wildcards:
// "*" matches one token and ">" matches one or more trailing tokens. Use
// Subjects to build the names the workflow publishes on:
//
//	subjects := bus.NewSubjects("escrowkit")
//	sub, _ := b.Subscribe(subjects.AllEvents())  // escrowkit.events.>
//	for msg := range sub.Messages() {
//	    // msg.Subject is e.g. escrowkit.events.offer.accepted
//	}
//
// # Queue Groups
//
// Queue subscriptions load balance: each message goes to one member of the
// group. Run several notification relays in one group so each notification
// is delivered once.
//
// Delivery is at-most-once. A subscriber whose buffer is full loses
// messages; the ledger remains the record of what happened.
package bus
