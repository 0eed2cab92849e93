package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/raskyld/particula/pkg/particle"
	"github.com/stretchr/testify/require"
)

func TestMemory(t *testing.T) {
	ctx := context.Background()
	now := time.UnixMilli(10_000)
	m, err := NewMemory(2)
	require.NoError(t, err)
	m.now = func() time.Time { return now }

	a := particle.Key{Origin: "origin", ID: "a"}
	b := particle.Key{Origin: "origin", ID: "b"}
	c := particle.Key{Origin: "origin", ID: "c"}

	require.NoError(t, m.Record(ctx, a, particle.StateRouting, now.Add(time.Second)))
	st, ok, err := m.Lookup(ctx, a)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, particle.StateRouting, st)

	require.NoError(t, m.Record(ctx, a, particle.StateDone, now.Add(time.Second)))
	st, _, err = m.Lookup(ctx, a)
	require.NoError(t, err)
	require.Equal(t, particle.StateDone, st, "latest state wins")

	t.Run("past deadline is not stored", func(t *testing.T) {
		require.NoError(t, m.Record(ctx, b, particle.StateDone, now))
		_, found, err := m.Lookup(ctx, b)
		require.NoError(t, err)
		require.False(t, found)
	})

	t.Run("entries expire with the deadline", func(t *testing.T) {
		now = now.Add(time.Second)
		_, found, err := m.Lookup(ctx, a)
		require.NoError(t, err)
		require.False(t, found)
	})

	t.Run("bounded", func(t *testing.T) {
		for _, k := range []particle.Key{a, b, c} {
			require.NoError(t, m.Record(ctx, k, particle.StateDone, now.Add(time.Minute)))
		}
		require.Equal(t, 2, m.Len())
		_, found, err := m.Lookup(ctx, a)
		require.NoError(t, err)
		require.False(t, found, "least recently used entry is evicted")
	})
}
