package particula

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/raskyld/particula/pkg/identity"
	"github.com/raskyld/particula/pkg/particle"
	"github.com/raskyld/particula/pkg/pipeline"
	"github.com/raskyld/particula/pkg/pool"
	"github.com/raskyld/particula/pkg/seqvm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogHandler(emitter string) slog.Handler {
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}).WithAttrs([]slog.Attr{
		{Key: "emitter", Value: slog.StringValue(emitter)},
	})
}

// terminals collects the terminal states reported by a node.
type terminals struct {
	lk     sync.Mutex
	states map[particle.Key]particle.State
}

func newTerminals() *terminals {
	return &terminals{states: make(map[particle.Key]particle.State)}
}

func (tr *terminals) hook(key particle.Key, state particle.State) {
	tr.lk.Lock()
	defer tr.lk.Unlock()
	tr.states[key] = state
}

func (tr *terminals) get(key particle.Key) (particle.State, bool) {
	tr.lk.Lock()
	defer tr.lk.Unlock()
	state, ok := tr.states[key]
	return state, ok
}

// resultsRecorder wraps the sequential interpreter and keeps the results
// it was handed.
type resultsRecorder struct {
	vm *seqvm.VM

	lk      sync.Mutex
	results []particle.CallResult
}

func (rr *resultsRecorder) Interpret(ctx context.Context, in pipeline.Input) (pipeline.Output, error) {
	rr.lk.Lock()
	rr.results = append(rr.results, in.Results...)
	rr.lk.Unlock()
	return rr.vm.Interpret(ctx, in)
}

func (rr *resultsRecorder) get() []particle.CallResult {
	rr.lk.Lock()
	defer rr.lk.Unlock()
	return append([]particle.CallResult(nil), rr.results...)
}

type testNode struct {
	*Node
	terminals *terminals
	sink      *metrics.InmemSink
}

func startNode(t *testing.T, name string, port int, opts ...Option) *testNode {
	t.Helper()
	kp, err := identity.Generate()
	require.NoError(t, err)

	tn := &testNode{
		terminals: newTerminals(),
		sink:      metrics.NewInmemSink(time.Second, 5*time.Minute),
	}
	base := []Option{
		WithIdentity(kp),
		WithListenOn("127.0.0.1", port),
		WithLog(testLogHandler(name)),
		WithMetricSink(tn.sink),
		WithGracePeriod(100 * time.Millisecond),
		OnTerminal(tn.terminals.hook),
	}
	node, err := Create(append(base, opts...)...)
	require.NoError(t, err)
	tn.Node = node
	t.Cleanup(func() {
		assert.NoError(t, node.Shutdown())
	})
	return tn
}

func introduce(a, b *testNode) {
	a.AddPeer(b.PeerID(), b.Multiaddrs()...)
	b.AddPeer(a.PeerID(), a.Multiaddrs()...)
}

func submitScript(t *testing.T, n *testNode, steps ...seqvm.Step) particle.Key {
	t.Helper()
	script, err := seqvm.Script(steps...)
	require.NoError(t, err)
	p, err := n.NewParticle(script, nil, 10*time.Second)
	require.NoError(t, err)
	require.NoError(t, n.Submit(context.Background(), p))
	return p.Key()
}

func awaitTerminal(t *testing.T, n *testNode, key particle.Key, want particle.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		state, ok := n.terminals.get(key)
		return ok && state == want
	}, 5*time.Second, 20*time.Millisecond)
}

func TestNodeParticleRoundTrip(t *testing.T) {
	a := startNode(t, "node-a", 6031)
	b := startNode(t, "node-b", 6032)
	introduce(a, b)

	key := submitScript(t, a,
		seqvm.Step{Peer: b.PeerID().String(), Service: "peer", Function: "identify"},
		seqvm.Step{Peer: a.PeerID().String()},
	)
	awaitTerminal(t, a, key, particle.StateDone)

	require.Eventually(t, func() bool {
		snap, ok := b.Inspect(context.Background(), key)
		return ok && snap.State == particle.StateRouting
	}, 2*time.Second, 20*time.Millisecond, "b should remember it routed the particle")

	status, ok := a.PeerStatus(b.PeerID())
	require.True(t, ok)
	assert.NotEqual(t, pool.StatusClosed, status)
}

func TestNodeRemoteCall(t *testing.T) {
	recorder := &resultsRecorder{vm: seqvm.New()}
	a := startNode(t, "node-a", 6033, WithInterpreter(recorder))
	b := startNode(t, "node-b", 6034)
	introduce(a, b)

	key := submitScript(t, a, seqvm.Step{
		Peer:     b.PeerID().String(),
		Mode:     seqvm.ModeCall,
		Service:  "peer",
		Function: "identify",
	})
	awaitTerminal(t, a, key, particle.StateDone)

	results := recorder.get()
	require.Len(t, results, 1)
	res := results[0]
	assert.Equal(t, b.PeerID(), res.From)
	require.False(t, res.Outcome.Failed, res.Outcome.Reason)
	info, ok := res.Outcome.Value.(map[string]any)
	require.True(t, ok, "unexpected value %#v", res.Outcome.Value)
	assert.Equal(t, b.PeerID().String(), info["peer_id"])

	_, ok = b.Inspect(context.Background(), key)
	assert.False(t, ok, "the particle never visited b")
}

func TestNodeRemoteCallToUnreachablePeer(t *testing.T) {
	recorder := &resultsRecorder{vm: seqvm.New()}
	a := startNode(t, "node-a", 6035,
		WithInterpreter(recorder),
		WithDialTimeout(200*time.Millisecond),
		WithLimits(Limits{
			MaxReconnectAttempts: 1,
			BackoffBase:          10 * time.Millisecond,
			BackoffMax:           10 * time.Millisecond,
		}),
	)

	ghost, err := identity.Generate()
	require.NoError(t, err)
	// nobody listens there.
	addr, err := quicMultiaddr("127.0.0.1", 6036)
	require.NoError(t, err)
	a.AddPeer(ghost.PeerID(), addr)

	key := submitScript(t, a, seqvm.Step{
		Peer:     ghost.PeerID().String(),
		Mode:     seqvm.ModeCall,
		Service:  "peer",
		Function: "identify",
	})
	awaitTerminal(t, a, key, particle.StateDone)

	results := recorder.get()
	require.Len(t, results, 1)
	assert.True(t, results[0].Outcome.Failed)
	assert.Contains(t, results[0].Outcome.Reason, "unreachable")
}

func TestNodeTrapReport(t *testing.T) {
	var (
		lk      sync.Mutex
		reports []pipeline.TrapReport
		from    []peer.ID
	)
	a := startNode(t, "node-a", 6037, OnTrapReport(func(reporter peer.ID, report pipeline.TrapReport) {
		lk.Lock()
		defer lk.Unlock()
		reports = append(reports, report)
		from = append(from, reporter)
	}))
	b := startNode(t, "node-b", 6038, WithTrapReports(5*time.Second))
	introduce(a, b)

	// the second step cannot be parsed once on b.
	key := submitScript(t, a,
		seqvm.Step{Peer: b.PeerID().String()},
		seqvm.Step{Peer: "definitely-not-a-peer"},
	)
	awaitTerminal(t, b, key, particle.StateFailed)

	require.Eventually(t, func() bool {
		lk.Lock()
		defer lk.Unlock()
		return len(reports) == 1
	}, 5*time.Second, 20*time.Millisecond)

	lk.Lock()
	defer lk.Unlock()
	assert.Equal(t, key.ID, reports[0].ParticleID)
	assert.Equal(t, b.PeerID().String(), reports[0].Peer)
	assert.Contains(t, reports[0].Error, "malformed script")
	assert.Equal(t, b.PeerID(), from[0])
}

func TestNodeGossip(t *testing.T) {
	a := startNode(t, "node-a", 6039, WithGossip(nil))
	b := startNode(t, "node-b", 6040, WithGossip([]string{"127.0.0.1:6039"}))
	require.NoError(t, b.JoinCluster())

	require.Eventually(t, func() bool {
		return len(a.Members()) >= 2 && len(b.Members()) >= 2
	}, 10*time.Second, 50*time.Millisecond)

	addrs := a.Addrs(b.PeerID())
	require.Len(t, addrs, 1)
	assert.True(t, addrs[0].Equal(b.Multiaddrs()[0]), "unexpected address %s", addrs[0])
	addrs = b.Addrs(a.PeerID())
	require.Len(t, addrs, 1)
	assert.True(t, addrs[0].Equal(a.Multiaddrs()[0]), "unexpected address %s", addrs[0])

	// peers found through the gossip are routable.
	key := submitScript(t, b,
		seqvm.Step{Peer: a.PeerID().String(), Service: "op", Function: "noop"},
		seqvm.Step{Peer: b.PeerID().String()},
	)
	awaitTerminal(t, b, key, particle.StateDone)
}

func TestNodeSubmitEncodedParticle(t *testing.T) {
	a := startNode(t, "node-a", 6041)

	p, err := a.NewParticle("identity", []byte("payload"), 10*time.Second)
	require.NoError(t, err)
	payload, err := a.EncodeParticle(p)
	require.NoError(t, err)

	require.NoError(t, a.SubmitParticle(context.Background(), payload))
	awaitTerminal(t, a, p.Key(), particle.StateDone)

	// duplicates are dropped silently.
	require.NoError(t, a.SubmitParticle(context.Background(), payload))
	snap, ok := a.Inspect(context.Background(), p.Key())
	require.True(t, ok)
	assert.Equal(t, particle.StateDone, snap.State)

	err = a.SubmitParticle(context.Background(), []byte{0xff, 0xff})
	require.Error(t, err)
}

func TestNodeShutdown(t *testing.T) {
	kp, err := identity.Generate()
	require.NoError(t, err)
	node, err := Create(
		WithIdentity(kp),
		WithListenOn("127.0.0.1", 6042),
		WithLog(testLogHandler("node")),
		WithGracePeriod(10*time.Millisecond),
	)
	require.NoError(t, err)
	require.NoError(t, node.Shutdown())
	require.NoError(t, node.Shutdown(), "shutdown is idempotent")

	p, err := node.NewParticle("identity", nil, time.Second)
	require.NoError(t, err)
	require.ErrorIs(t, node.Submit(context.Background(), p), ErrNodeClosed)
	require.ErrorIs(t, node.JoinCluster(), ErrNodeClosed)
}

func TestNodeInvalidOptions(t *testing.T) {
	_, err := Create(WithLimits(Limits{MinTTL: time.Hour, MaxTTL: time.Minute}))
	require.ErrorIs(t, err, ErrInvalidCfg)

	_, err = Create(WithListenOn("127.0.0.1", -1))
	require.True(t, errors.Is(err, ErrInvalidCfg))
}
