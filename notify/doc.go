// Package notify turns committed workflow events into user notifications
// and delivers them.
//
// The Projector is a pure function of an event: it decides who hears about
// a transition and what they are told. The workflow engine stores its output
// in the same commit as the transition, so the inbox never disagrees with the
// ledger.
//
// The Relay is the delivery side. It listens on the bus for committed
// notifications and hands each one to every configured Channel. Email or
// push delivery plugs in as another Channel:
//
//	relay := notify.NewRelay(b, bus.NewSubjects(""),
//	    notify.WithChannels(notify.NewLogChannel(logger)),
//	    notify.WithQueue("notify-relays"),
//	)
//	go relay.Run(ctx)
package notify
