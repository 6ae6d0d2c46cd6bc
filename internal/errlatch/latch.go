// Package errlatch centralizes the "first error wins" rule spec.md §9
// calls for: the coordinator and the mover (and, above them, the
// frame-facing callbacks) can all observe a failure independently and
// concurrently, but only the first one recorded may determine the
// transfer's outcome. A later success can never clear it, and a later
// error is silently dropped.
package errlatch

import "sync"

// Latch holds at most one error, the first ever given to Fail.
type Latch struct {
	mu  sync.Mutex
	err error
}

// Fail records err as the latched result if nothing has latched yet.
// Passing nil is a no-op: a latch is never cleared once set, and a
// successful callback cannot override one already latched.
func (l *Latch) Fail(err error) {
	if err == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err == nil {
		l.err = err
	}
}

// Err returns the latched error, or nil if nothing has failed yet.
func (l *Latch) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}
