package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/raskyld/particula/pkg/ledger"
	"github.com/raskyld/particula/pkg/particle"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedis_Record(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := backend.NewClient(&backend.Options{
		Addr: mr.Addr(),
	})
	l := ledger.NewRedis(client, "test:ledger:")
	defer l.Close()

	ctx := context.Background()
	key := particle.Key{Origin: "origin", ID: "p1"}

	require.NoError(t, l.Record(ctx, key, particle.StateRouting, time.Now().Add(time.Minute)))
	assert.True(t, mr.Exists("test:ledger:"+key.String()), "entry should be stored under the prefix")

	require.NoError(t, l.Record(ctx, key, particle.StateDone, time.Now().Add(time.Minute)))
	st, ok, err := l.Lookup(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, particle.StateDone, st)

	mr.FastForward(2 * time.Minute)
	_, ok, err = l.Lookup(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok, "entry should expire with the particle deadline")

	t.Run("past deadline is not stored", func(t *testing.T) {
		other := particle.Key{Origin: "origin", ID: "late"}
		require.NoError(t, l.Record(ctx, other, particle.StateDone, time.Now().Add(-time.Second)))
		assert.False(t, mr.Exists("test:ledger:"+other.String()))
	})
}

func TestRedis_SharedBetweenNodes(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	node1 := ledger.NewRedis(backend.NewClient(&backend.Options{Addr: mr.Addr()}), "")
	node2 := ledger.NewRedis(backend.NewClient(&backend.Options{Addr: mr.Addr()}), "")
	defer node1.Close()
	defer node2.Close()

	ctx := context.Background()
	key := particle.Key{Origin: "origin", ID: "shared"}

	require.NoError(t, node1.Record(ctx, key, particle.StateFailed, time.Now().Add(time.Minute)))

	st, ok, err := node2.Lookup(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok, "a replica must see the record of another one")
	assert.Equal(t, particle.StateFailed, st)
}

func TestRedis_Unavailable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	l := ledger.NewRedis(backend.NewClient(&backend.Options{Addr: mr.Addr()}), "")
	mr.Close()

	err = l.Record(context.Background(), particle.Key{Origin: "o", ID: "x"}, particle.StateDone, time.Now().Add(time.Minute))
	require.Error(t, err)
}
