package manager

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bridgesync/bsync/internal/interrupt"
	"github.com/bridgesync/bsync/internal/storage"
)

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:", nil)
	require.NoError(t, err)
	return s
}

func TestRegisterAndGet(t *testing.T) {
	m := New()
	s := openStore(t)
	defer m.CloseAll()

	require.NoError(t, m.Register("passwords", s))
	got, ok := m.Get("passwords")
	assert.True(t, ok)
	assert.Same(t, s, got)

	_, ok = m.Get("tabs")
	assert.False(t, ok)
}

func TestDuplicateRegistrationFails(t *testing.T) {
	m := New()
	s := openStore(t)
	defer m.CloseAll()

	require.NoError(t, m.Register("passwords", s))
	err := m.Register("passwords", openStore(t))
	require.ErrorIs(t, err, ErrAlreadyRegistered)
}

func TestCloseDeregisters(t *testing.T) {
	m := New()
	require.NoError(t, m.Register("passwords", openStore(t)))

	require.NoError(t, m.Close("passwords"))
	_, ok := m.Get("passwords")
	assert.False(t, ok)

	// A second close is a no-op, and the name is free again.
	require.NoError(t, m.Close("passwords"))
	require.NoError(t, m.Register("passwords", openStore(t)))
	require.NoError(t, m.CloseAll())
}

func TestInterruptAllFlagsEveryStore(t *testing.T) {
	m := New()
	s1, s2 := openStore(t), openStore(t)
	require.NoError(t, m.Register("passwords", s1))
	require.NoError(t, m.Register("tabs", s2))
	defer m.CloseAll()

	m.InterruptAll()

	for _, s := range []*storage.Store{s1, s2} {
		err := s.Write(context.Background(), func(dao *storage.WriteDao) error { return nil })
		require.ErrorIs(t, err, interrupt.ErrInterrupted)
		// The pending flag is consumed; the store works again.
		require.NoError(t, s.Write(context.Background(), func(dao *storage.WriteDao) error { return nil }))
	}
}

func TestNamesSorted(t *testing.T) {
	m := New()
	require.NoError(t, m.Register("tabs", openStore(t)))
	require.NoError(t, m.Register("passwords", openStore(t)))
	defer m.CloseAll()

	assert.Equal(t, []string{"passwords", "tabs"}, m.Names())
}
