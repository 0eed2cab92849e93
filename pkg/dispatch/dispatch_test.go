package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/raskyld/particula/pkg/identity"
	"github.com/raskyld/particula/pkg/particle"
	"github.com/stretchr/testify/require"
)

func counterSum(sink *metrics.InmemSink, prefix string) float64 {
	var sum float64
	for _, interval := range sink.Data() {
		for k, v := range interval.Counters {
			if strings.HasPrefix(k, prefix) {
				sum += v.Sum
			}
		}
	}
	return sum
}

type recordingRemote struct {
	mu   sync.Mutex
	reqs []particle.CallRequest
	err  error
}

func (r *recordingRemote) CallRemote(_ context.Context, req particle.CallRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, req)
	return r.err
}

func newTestDispatcher(t *testing.T, registry *Registry, remote RemoteCaller, timeout time.Duration) (*Dispatcher, peer.ID, *metrics.InmemSink) {
	t.Helper()
	kp, err := identity.Generate()
	require.NoError(t, err)
	sink := metrics.NewInmemSink(time.Second, 5*time.Minute)
	d, err := New(&Config{
		LocalPeer:   kp.PeerID(),
		Registry:    registry,
		Remote:      remote,
		CallTimeout: timeout,
		MetricSink:  sink,
	})
	require.NoError(t, err)
	return d, kp.PeerID(), sink
}

func TestDispatcher_Local(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister("greeter", "hello", func(_ context.Context, req particle.CallRequest) (any, error) {
		name, err := argString(req.Args, 0)
		if err != nil {
			return nil, err
		}
		return "hello " + name, nil
	})
	reg.MustRegister("greeter", "fail", func(context.Context, particle.CallRequest) (any, error) {
		return nil, errors.New("refused")
	})
	reg.MustRegister("greeter", "panic", func(context.Context, particle.CallRequest) (any, error) {
		panic("at the disco")
	})
	reg.MustRegister("greeter", "sleep", func(ctx context.Context, _ particle.CallRequest) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	d, local, sink := newTestDispatcher(t, reg, nil, 100*time.Millisecond)
	base := particle.CallRequest{ParticleID: "p", Origin: local, Generation: 1, Target: local, Service: "greeter"}

	t.Run("success", func(t *testing.T) {
		req := base
		req.Function = "hello"
		req.Args = []any{"world"}
		res, pending := d.Dispatch(context.Background(), req)
		require.False(t, pending)
		require.False(t, res.Outcome.Failed, res.Outcome.Reason)
		require.Equal(t, "hello world", res.Outcome.Value)
		require.Equal(t, local, res.From)
		require.Equal(t, uint64(1), res.Generation)
	})

	t.Run("handler error", func(t *testing.T) {
		req := base
		req.Function = "fail"
		res, _ := d.Dispatch(context.Background(), req)
		require.True(t, res.Outcome.Failed)
		require.Contains(t, res.Outcome.Reason, "refused")
	})

	t.Run("panic is contained", func(t *testing.T) {
		req := base
		req.Function = "panic"
		res, _ := d.Dispatch(context.Background(), req)
		require.True(t, res.Outcome.Failed)
		require.Contains(t, res.Outcome.Reason, ErrCallPanicked.Error())
	})

	t.Run("timeout", func(t *testing.T) {
		req := base
		req.Function = "sleep"
		start := time.Now()
		res, _ := d.Dispatch(context.Background(), req)
		require.True(t, res.Outcome.Failed)
		require.Contains(t, res.Outcome.Reason, ErrCallTimeout.Error())
		require.Less(t, time.Since(start), time.Second)
	})

	t.Run("deadline shorter than the timeout", func(t *testing.T) {
		req := base
		req.Function = "sleep"
		req.Deadline = time.Now().Add(-time.Millisecond)
		res, _ := d.Dispatch(context.Background(), req)
		require.True(t, res.Outcome.Failed)
		require.Contains(t, res.Outcome.Reason, particle.ErrExpired.Error())
	})

	t.Run("unknown function", func(t *testing.T) {
		req := base
		req.Function = "nope"
		res, _ := d.Dispatch(context.Background(), req)
		require.True(t, res.Outcome.Failed)
		require.Contains(t, res.Outcome.Reason, ErrServiceNotFound.Error())
	})

	t.Run("empty target is local", func(t *testing.T) {
		req := base
		req.Target = ""
		req.Function = "hello"
		req.Args = []any{"you"}
		res, pending := d.Dispatch(context.Background(), req)
		require.False(t, pending)
		require.Equal(t, "hello you", res.Outcome.Value)
	})

	require.Equal(t, float64(7), counterSum(sink, "particula.dispatch.call.count"))
}

func TestDispatcher_Invoker(t *testing.T) {
	kp, err := identity.Generate()
	require.NoError(t, err)
	d, err := New(&Config{
		LocalPeer: kp.PeerID(),
		Registry:  Builtins(Env{LocalPeer: kp.PeerID()}),
		Invoker: InvokerFunc(func(_ context.Context, req particle.CallRequest) particle.Outcome {
			return particle.Success("invoked " + req.Service)
		}),
	})
	require.NoError(t, err)

	res := d.Execute(context.Background(), particle.CallRequest{Service: "external", Function: "fn"})
	require.Equal(t, "invoked external", res.Outcome.Value)

	res = d.Execute(context.Background(), particle.CallRequest{Service: "op", Function: "identity", Args: []any{"x"}})
	require.Equal(t, "x", res.Outcome.Value, "capability table takes precedence")
}

func TestDispatcher_Remote(t *testing.T) {
	other, err := identity.Generate()
	require.NoError(t, err)

	t.Run("pending", func(t *testing.T) {
		remote := &recordingRemote{}
		d, local, sink := newTestDispatcher(t, nil, remote, 0)
		req := particle.CallRequest{ParticleID: "p", Origin: local, Target: other.PeerID(), Service: "s", Function: "f"}
		_, pending := d.Dispatch(context.Background(), req)
		require.True(t, pending)
		require.Len(t, remote.reqs, 1)
		require.Equal(t, req, remote.reqs[0])
		require.Equal(t, float64(1), counterSum(sink, "particula.dispatch.remote.count"))
	})

	t.Run("forwarding fails", func(t *testing.T) {
		remote := &recordingRemote{err: errors.New("queue overflow")}
		d, local, _ := newTestDispatcher(t, nil, remote, 0)
		req := particle.CallRequest{ParticleID: "p", Origin: local, CallIndex: 4, Target: other.PeerID(), Service: "s", Function: "f"}
		res, pending := d.Dispatch(context.Background(), req)
		require.False(t, pending)
		require.True(t, res.Outcome.Failed)
		require.Equal(t, uint32(4), res.CallIndex)
		require.Contains(t, res.Outcome.Reason, "queue overflow")
	})

	t.Run("no remote caller", func(t *testing.T) {
		d, local, _ := newTestDispatcher(t, nil, nil, 0)
		req := particle.CallRequest{ParticleID: "p", Origin: local, Target: other.PeerID()}
		res, pending := d.Dispatch(context.Background(), req)
		require.False(t, pending)
		require.True(t, res.Outcome.Failed)
	})
}

func TestDispatcher_RequiresLocalPeer(t *testing.T) {
	_, err := New(&Config{})
	require.ErrorIs(t, err, ErrNoLocalPeer)
}

func TestRegistry(t *testing.T) {
	noop := func(context.Context, particle.CallRequest) (any, error) { return nil, nil }

	r := NewRegistry()
	require.NoError(t, r.Register("b", "two", noop))
	require.NoError(t, r.Register("b", "one", noop))
	require.NoError(t, r.Register("a", "one", noop))
	require.ErrorIs(t, r.Register("a", "one", noop), ErrDuplicateFunction)
	require.Error(t, r.Register("a.b", "c", noop))

	require.Equal(t, []string{"a", "b"}, r.Services())
	require.Equal(t, []string{"one", "two"}, r.Functions("b"))
	require.Equal(t, 3, r.Len())

	_, ok := r.Lookup("b", "one")
	require.True(t, ok)
	_, ok = r.Lookup("b", "three")
	require.False(t, ok)

	t.Run("dispatcher snapshots the table", func(t *testing.T) {
		kp, err := identity.Generate()
		require.NoError(t, err)
		d, err := New(&Config{LocalPeer: kp.PeerID(), Registry: r})
		require.NoError(t, err)

		require.NoError(t, r.Register("c", "late", noop))
		res := d.Execute(context.Background(), particle.CallRequest{Service: "c", Function: "late"})
		require.True(t, res.Outcome.Failed)
	})

	t.Run("merge conflicts", func(t *testing.T) {
		other := NewRegistry()
		other.MustRegister("a", "one", noop)
		require.ErrorIs(t, r.Merge(other), ErrDuplicateFunction)

		fresh := NewRegistry()
		require.NoError(t, fresh.Merge(r))
		require.Equal(t, r.Len(), fresh.Len())
	})
}
