// Package ports defines interfaces for external dependencies (Ports and Adapters pattern).
package ports

import "time"

// Clock abstracts time so idle detection and timeouts can be driven by tests.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time after duration d.
	After(d time.Duration) <-chan time.Time

	// NewTicker returns a Ticker that fires every d.
	NewTicker(d time.Duration) Ticker
}

// Ticker wraps time.Ticker for testing.
type Ticker interface {
	// C returns the channel on which ticks are delivered.
	C() <-chan time.Time

	// Stop turns off the ticker.
	Stop()
}
