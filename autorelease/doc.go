// Package autorelease finds held escrows whose scheduled release date has
// passed.
//
// A Sweeper wakes every interval, lists held escrows and reports the due
// ones: a release_due log line, an escrow.release_due event on the bus and
// an audit record. Paying out is a separate decision. Only when
// AutoRelease is set does the sweeper call ReleaseOnTimeout, which repeats
// every check under the task lock, so a dispute raised between the listing
// and the release wins.
//
//	sweeper, _ := autorelease.NewSweeper(autorelease.Config{
//	    Store:       store,
//	    Releaser:    engine,
//	    Bus:         b,
//	    Subjects:    bus.NewSubjects("escrowkit"),
//	    Interval:    time.Minute,
//	    AutoRelease: true,
//	})
//	go sweeper.Run(ctx)
package autorelease
