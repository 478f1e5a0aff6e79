// Package interrupt provides cooperative cancellation for long-running
// database work.
//
// A Handle belongs to one connection; every operation on that
// connection runs inside a Scope. Interrupt flags the handle and
// cancels the active scope's context, which the sqlite3 driver turns
// into sqlite3_interrupt for any in-flight statement. Pure-Go
// stretches observe cancellation by calling ErrIfInterrupted at the
// top of each loop iteration.
package interrupt

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrInterrupted is returned once a scope observes an Interrupt call.
// Always recoverable: the operation rolled back and may be retried.
var ErrInterrupted = errors.New("operation interrupted")

// Handle is the thread-safe side given to other threads. Interrupt is
// idempotent and never blocks on the connection mutex.
type Handle struct {
	gen     atomic.Int64
	pending atomic.Bool

	mu     sync.Mutex
	active *Scope // nil between operations
}

func NewHandle() *Handle { return &Handle{} }

// Interrupt flags the handle and interrupts any statement currently
// running under a scope of this handle. Committed work is unaffected.
func (h *Handle) Interrupt() {
	h.gen.Add(1)
	h.pending.Store(true)
	h.mu.Lock()
	if h.active != nil {
		h.active.cancel()
	}
	h.mu.Unlock()
}

// BeginScope starts a scope for one operation. Fails with
// ErrInterrupted if an interrupt is pending; the pending flag is
// consumed so the next operation can proceed.
func (h *Handle) BeginScope(ctx context.Context) (*Scope, error) {
	if h.pending.Swap(false) {
		return nil, ErrInterrupted
	}
	sctx, cancel := context.WithCancel(ctx)
	s := &Scope{h: h, ctx: sctx, cancel: cancel, start: h.gen.Load()}
	h.mu.Lock()
	h.active = s
	h.mu.Unlock()
	return s, nil
}

// Scope covers a single operation on the handle's connection.
type Scope struct {
	h      *Handle
	ctx    context.Context
	cancel context.CancelFunc
	start  int64
}

// Context is passed to ExecContext/QueryContext so the driver aborts
// in-flight SQL when the scope is interrupted.
func (s *Scope) Context() context.Context { return s.ctx }

// ErrIfInterrupted fails if the handle was flagged since the scope
// began. Long loops call this once per iteration.
func (s *Scope) ErrIfInterrupted() error {
	if s.h.gen.Load() != s.start {
		return ErrInterrupted
	}
	if err := s.ctx.Err(); err != nil {
		return ErrInterrupted
	}
	return nil
}

// End releases the scope. Must be called when the operation finishes;
// a later Interrupt must not cancel an unrelated context.
func (s *Scope) End() {
	s.h.mu.Lock()
	if s.h.active == s {
		s.h.active = nil
	}
	s.h.mu.Unlock()
	s.cancel()
	// An interrupt that raced with completion stays pending and fails
	// the next BeginScope, matching the happens-before contract.
}
