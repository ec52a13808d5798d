package ledger

import "time"

// Clock is the sole source of wall-clock time for domain logic. Every
// timestamp consumed by guards, the meaning builder, engines, the intent
// builder, or the journal writer must come from an injected Clock — never
// from a direct time.Now() call — so that a replay driven by the same
// recorded inputs reproduces the same decision journal.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock, backed by time.Now.
type SystemClock struct{}

// Now returns the current wall-clock time.
func (SystemClock) Now() time.Time { return time.Now() }

// FixedClock is a deterministic Clock for tests and replay, always
// returning the same instant.
type FixedClock struct {
	At time.Time
}

// Now returns the fixed instant.
func (f FixedClock) Now() time.Time { return f.At }
