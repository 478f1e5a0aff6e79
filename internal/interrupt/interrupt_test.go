package interrupt

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestScopeObservesInterrupt(t *testing.T) {
	h := NewHandle()
	s, err := h.BeginScope(context.Background())
	require.NoError(t, err)
	defer s.End()

	require.NoError(t, s.ErrIfInterrupted())
	h.Interrupt()
	require.ErrorIs(t, s.ErrIfInterrupted(), ErrInterrupted)
}

func TestPendingInterruptFailsNextScope(t *testing.T) {
	h := NewHandle()
	h.Interrupt()

	_, err := h.BeginScope(context.Background())
	require.ErrorIs(t, err, ErrInterrupted)

	// Pending flag was consumed; the handle is usable again.
	s, err := h.BeginScope(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.ErrIfInterrupted())
	s.End()
}

func TestInterruptCancelsScopeContext(t *testing.T) {
	h := NewHandle()
	s, err := h.BeginScope(context.Background())
	require.NoError(t, err)
	defer s.End()

	done := make(chan struct{})
	go func() {
		<-s.Context().Done()
		close(done)
	}()
	h.Interrupt()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scope context not cancelled")
	}
}

func TestInterruptFromAnotherGoroutine(t *testing.T) {
	h := NewHandle()
	s, err := h.BeginScope(context.Background())
	require.NoError(t, err)
	defer s.End()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.Interrupt()
	}()
	wg.Wait()

	// One loop iteration after the interrupt lands, the check fails.
	require.ErrorIs(t, s.ErrIfInterrupted(), ErrInterrupted)
}

func TestEndThenInterruptDoesNotLeak(t *testing.T) {
	h := NewHandle()
	s, err := h.BeginScope(context.Background())
	require.NoError(t, err)
	s.End()
	h.Interrupt() // no active scope; must not panic

	_, err = h.BeginScope(context.Background())
	require.ErrorIs(t, err, ErrInterrupted)
}
