// Package guard provides named-operation mutual exclusion and throttling.
// Session managers consult it before any create/join/leave attempt so that a
// reactive UI firing the same intent repeatedly (double click, remount,
// parallel handlers) cannot start overlapping operations or hammer the
// signaling transport, which performs no server-side deduplication.
package guard

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrInProgress is returned while a reservation for the same operation
	// name is still held.
	ErrInProgress = errors.New("operation already in progress")

	// ErrAttemptLimit is returned once an operation has failed maxAttempts
	// times in a row. Reset clears the counter.
	ErrAttemptLimit = errors.New("operation attempt limit reached")
)

// ThrottledError reports how long the caller must wait before retrying.
type ThrottledError struct {
	Wait time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("operation throttled: retry in %s", e.Wait.Round(time.Millisecond))
}

// cooldownCap bounds the escalating cool-down at this multiple of the
// operation's minimum interval.
const cooldownCap = 10

type opState struct {
	inFlight      bool
	attempts      int
	cooldownUntil time.Time
}

// Guard tracks in-flight and recently attempted named operations.
// The zero value is not usable; call New.
type Guard struct {
	mu  sync.Mutex
	ops map[string]*opState
	now func() time.Time
}

// New creates an operation guard
func New() *Guard {
	return &Guard{
		ops: make(map[string]*opState),
		now: time.Now,
	}
}

// Reservation represents exclusive permission to run one named operation.
// Release must be called exactly once when the operation finishes.
type Reservation struct {
	g           *Guard
	name        string
	minInterval time.Duration
	released    bool
}

// TryAcquire reserves the named operation or reports why it cannot run now:
// ErrInProgress while a previous reservation is held, *ThrottledError during
// the cool-down after a failed attempt, ErrAttemptLimit once maxAttempts
// consecutive failures have accumulated.
func (g *Guard) TryAcquire(name string, minInterval time.Duration, maxAttempts int) (*Reservation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	st, ok := g.ops[name]
	if !ok {
		st = &opState{}
		g.ops[name] = st
	}

	if st.inFlight {
		return nil, ErrInProgress
	}
	if maxAttempts > 0 && st.attempts >= maxAttempts {
		return nil, ErrAttemptLimit
	}
	if wait := st.cooldownUntil.Sub(g.now()); wait > 0 {
		return nil, &ThrottledError{Wait: wait}
	}

	st.inFlight = true
	st.attempts++
	return &Reservation{g: g, name: name, minInterval: minInterval}, nil
}

// Release ends the reservation. On success the attempt counter resets and
// the plain minimum interval applies before the operation may run again; on
// failure the cool-down escalates with the attempt count so repeated
// failures back off progressively.
func (r *Reservation) Release(success bool) {
	r.g.mu.Lock()
	defer r.g.mu.Unlock()

	if r.released {
		return
	}
	r.released = true

	st := r.g.ops[r.name]
	if st == nil {
		// State was cleared by Reset/ResetAll mid-operation; nothing to update.
		return
	}
	st.inFlight = false

	if success {
		st.attempts = 0
		st.cooldownUntil = r.g.now().Add(r.minInterval)
		return
	}

	factor := st.attempts
	if factor > cooldownCap {
		factor = cooldownCap
	}
	st.cooldownUntil = r.g.now().Add(r.minInterval * time.Duration(factor))
}

// Reset clears all throttle and attempt state for the named operation.
// Used by emergency reset so a recovered client can act immediately.
func (g *Guard) Reset(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.ops, name)
}

// ResetAll clears every operation's state
func (g *Guard) ResetAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ops = make(map[string]*opState)
}

// Attempts returns the consecutive failed-attempt count for an operation
func (g *Guard) Attempts(name string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if st, ok := g.ops[name]; ok {
		return st.attempts
	}
	return 0
}
