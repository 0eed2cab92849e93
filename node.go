package particula

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/raskyld/particula/pkg/codec"
	"github.com/raskyld/particula/pkg/dispatch"
	"github.com/raskyld/particula/pkg/identity"
	"github.com/raskyld/particula/pkg/particle"
	"github.com/raskyld/particula/pkg/pipeline"
	"github.com/raskyld/particula/pkg/pool"
	"github.com/raskyld/particula/pkg/seqvm"
	"github.com/raskyld/particula/pkg/telemetry"
	"golang.org/x/sync/semaphore"
)

// ingressTimeout bounds the ledger round trip of an inbound particle.
const ingressTimeout = 5 * time.Second

// Node wires the transport, the membership, the connection pool, the
// dispatcher and the pipeline of one peer.
type Node struct {
	config config
	logger *slog.Logger
	msink  metrics.MetricSink

	id    *identity.KeyPair
	codec *codec.Codec
	addrs []ma.Multiaddr

	tr         *Transport
	mb         *membership
	ml         *memberlist.Memberlist
	pool       *pool.Pool
	dispatcher *dispatch.Dispatcher
	pl         *pipeline.Pipeline

	// inbound remote calls are bounded like particles.
	callSem *semaphore.Weighted

	// ready is closed once every component is wired, inbound traffic
	// waits for it.
	ready  chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	lk       sync.Mutex
	shutdown bool
}

var (
	_ dispatch.RemoteCaller = (*Node)(nil)
	_ pool.AddressBook      = (*Node)(nil)
)

func Create(opts ...Option) (n *Node, err error) {
	n = &Node{
		ready: make(chan struct{}),
	}
	n.ctx, n.cancel = context.WithCancel(context.Background())

	// Fine-tune memberlist config.
	n.config.mlCfg = memberlist.DefaultLANConfig()
	n.config.mlCfg.ProbeTimeout = 2 * time.Second
	// The advertised port is the one of the QUIC endpoint.
	n.config.mlCfg.AdvertisePort = 0
	// Gossip packets are carried by QUIC datagrams.
	n.config.mlCfg.UDPBufferSize = 1100
	n.config.mlCfg.LogOutput = nil
	n.config.trCfg.GracePeriod = 2 * time.Second
	n.config.limits = DefaultLimits()

	// Run options now that we have a non-nil memberlist config.
	for _, opt := range opts {
		if err := opt(&n.config); err != nil {
			n.cancel()
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	defer func() {
		if err != nil {
			n.release()
		}
	}()

	n.logger = telemetry.Logger(n.config.logHandler)
	n.config.mlCfg.Logger = slog.NewLogLogger(n.logger.Handler(), slog.LevelDebug)
	n.msink = telemetry.Sink(n.config.msink)
	n.config.trCfg.MetricSink = n.msink

	if n.config.identity == nil {
		kp, err := identity.Generate()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
		n.config.identity = kp
	}
	n.id = n.config.identity
	n.logger = n.logger.With(telemetry.LabelPeer.L(n.id.PeerID()))

	if n.config.trCfg.TlsConfig == nil {
		tlsConf, err := n.id.TLSConfig()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
		n.config.trCfg.TlsConfig = tlsConf
	}

	limits := n.config.limits
	n.codec = codec.New(limits.MaxFrameSize)
	n.callSem = semaphore.NewWeighted(limits.MaxConcurrentParticles)

	// Initiate the transport layer.
	n.config.trCfg.Codec = n.codec
	n.config.trCfg.FrameHandler = n.receive
	n.config.trCfg.ConnectHandler = n.peerConnected
	tr, err := NewTransport(&n.config.trCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	n.tr = tr

	if addr, err := tr.Multiaddr(); err == nil {
		n.addrs = []ma.Multiaddr{addr}
	} else {
		n.logger.Warn("no advertised address, peers will only reach us through our connections",
			telemetry.LabelError.L(err))
	}

	n.mb = newMembership(n.id.PeerID(), n.addrs, n.logger, n.msink, n.config.metricLabels)
	n.mb.onLeave = n.peerLeft

	n.pool, err = pool.New(&pool.Config{
		Dialer:               tr,
		AddressBook:          n,
		Codec:                n.codec,
		Handler:              n.handleFrame,
		MaxQueueLen:          limits.MaxQueueLenPerPeer,
		MaxReconnectAttempts: limits.MaxReconnectAttempts,
		BackoffBase:          limits.BackoffBase,
		BackoffMax:           limits.BackoffMax,
		IdleTimeout:          limits.IdleTimeout,
		DialTimeout:          n.config.trCfg.DialTimeout,
		OnUnreachable:        n.unreachable,
		LogHandler:           n.logger.Handler(),
		MetricSink:           n.msink,
		MetricLabels:         n.config.metricLabels,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}

	registry := dispatch.Builtins(dispatch.Env{
		LocalPeer:    n.id.PeerID(),
		Signer:       n.id,
		Verifier:     identity.Verifier{},
		Router:       n.mb,
		Connectivity: n.pool,
	})
	if n.config.services != nil {
		if err := registry.Merge(n.config.services); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	n.dispatcher, err = dispatch.New(&dispatch.Config{
		LocalPeer:    n.id.PeerID(),
		Registry:     registry,
		Invoker:      n.config.invoker,
		Remote:       n,
		CallTimeout:  limits.CallTimeout,
		LogHandler:   n.logger.Handler(),
		MetricSink:   n.msink,
		MetricLabels: n.config.metricLabels,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}

	interpreter := n.config.interpreter
	if interpreter == nil {
		interpreter = seqvm.New()
	}
	trapPolicy := n.config.trapPolicy
	if n.config.trapReportTTL > 0 {
		trapPolicy = pipeline.ReportToOrigin{Signer: n.id, TTL: n.config.trapReportTTL}
	}

	n.pl, err = pipeline.New(&pipeline.Config{
		LocalPeer:              n.id.PeerID(),
		Verifier:               identity.Verifier{},
		Interpreter:            interpreter,
		Dispatcher:             n.dispatcher,
		Outbound:               n.pool,
		Codec:                  n.codec,
		Ledger:                 n.config.ledger,
		TrapPolicy:             trapPolicy,
		MaxParticleDataSize:    limits.MaxParticleDataSize,
		MaxTTL:                 limits.MaxTTL,
		MinTTL:                 limits.MinTTL,
		MaxConcurrentParticles: limits.MaxConcurrentParticles,
		OnTerminal:             n.config.onTerminal,
		LogHandler:             n.logger.Handler(),
		MetricSink:             n.msink,
		MetricLabels:           n.config.metricLabels,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}

	if n.config.gossip {
		n.config.mlCfg.Name = n.id.PeerID().String()
		n.config.mlCfg.Transport = tr
		n.config.mlCfg.Delegate = n.mb
		n.config.mlCfg.Events = n.mb
		ml, err := memberlist.Create(n.config.mlCfg)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
		n.ml = ml
	}

	close(n.ready)
	n.logger.Info("node started", slog.Any("addrs", n.addrs))
	return n, nil
}

// release frees what a failed `Create` allocated.
func (n *Node) release() {
	n.cancel()
	if n.pl != nil {
		n.pl.Close()
	}
	if n.pool != nil {
		n.pool.Close()
	}
	if n.tr != nil {
		n.tr.Shutdown()
	}
}

func (n *Node) PeerID() peer.ID {
	return n.id.PeerID()
}

// Multiaddrs we advertise.
func (n *Node) Multiaddrs() []ma.Multiaddr {
	return append([]ma.Multiaddr(nil), n.addrs...)
}

// AddPeer teaches the node the addresses of a peer, which is how peers are
// found when the gossip is disabled.
func (n *Node) AddPeer(id peer.ID, addrs ...ma.Multiaddr) {
	n.mb.learn(id, addrs)
}

// Addrs implements `pool.AddressBook`: gossip or static addresses first,
// then the address a peer connected to us from.
func (n *Node) Addrs(id peer.ID) []ma.Multiaddr {
	if addrs := n.mb.Addrs(id); len(addrs) > 0 {
		return addrs
	}
	for _, p := range n.tr.Peers() {
		if p.ID == id {
			if addr, err := p.Multiaddr(); err == nil {
				return []ma.Multiaddr{addr}
			}
		}
	}
	return nil
}

// Members returns the peers known through the gossip.
func (n *Node) Members() []peer.ID {
	return n.mb.Members()
}

func (n *Node) JoinCluster() error {
	n.lk.Lock()
	defer n.lk.Unlock()
	if n.shutdown {
		return ErrNodeClosed
	}
	if n.ml == nil || len(n.config.neighbours) == 0 {
		return nil
	}
	joined, err := n.ml.Join(n.config.neighbours)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrJoinCluster, err)
	}
	n.logger.Info("cluster joined")
	if len(n.config.neighbours) != joined {
		n.logger.Warn(
			"not all neighbours are reachable",
			"joined", joined,
			"expected", len(n.config.neighbours),
		)
	}
	return nil
}

// NewParticle creates a particle signed by this node.
func (n *Node) NewParticle(script string, data []byte, ttl time.Duration) (*particle.Particle, error) {
	return particle.New(n.id, script, data, ttl)
}

// Submit hands a particle to the pipeline, it is the ingress of local
// schedulers.
func (n *Node) Submit(ctx context.Context, p *particle.Particle) error {
	if n.closed() {
		return ErrNodeClosed
	}
	return n.pl.Submit(ctx, p)
}

// SubmitParticle decodes an encoded particle and submits it.
func (n *Node) SubmitParticle(ctx context.Context, payload []byte) error {
	p, err := n.codec.DecodeParticle(payload)
	if err != nil {
		return err
	}
	return n.Submit(ctx, p)
}

// EncodeParticle encodes `p` the way `SubmitParticle` expects it.
func (n *Node) EncodeParticle(p *particle.Particle) ([]byte, error) {
	return n.codec.EncodeParticle(p)
}

// Inspect returns what this node knows of a particle.
func (n *Node) Inspect(ctx context.Context, key particle.Key) (pipeline.Snapshot, bool) {
	return n.pl.Inspect(ctx, key)
}

// PeerStatus returns the state of our connection to `id`.
func (n *Node) PeerStatus(id peer.ID) (pool.Status, bool) {
	return n.pool.Status(id)
}

// CallRemote implements `dispatch.RemoteCaller`: the request travels as a
// frame to its target which answers with a `CallResult` frame.
func (n *Node) CallRemote(_ context.Context, req particle.CallRequest) error {
	payload, err := n.codec.EncodeFrame(&codec.Frame{CallRequest: &req})
	if err != nil {
		return err
	}
	err = n.pool.Send(req.Target, pool.Message{
		Payload: payload,
		Tag:     req.Key().String(),
		Expires: req.Deadline,
	})
	if err != nil {
		return err
	}
	n.msink.IncrCounterWithLabels(MetricNodeRemoteCallCount, 1.0,
		telemetry.With(n.config.metricLabels, telemetry.LabelPeer.M(req.Target.String())))
	return nil
}

func (n *Node) closed() bool {
	n.lk.Lock()
	defer n.lk.Unlock()
	return n.shutdown
}

func (n *Node) awaitReady() bool {
	select {
	case <-n.ready:
		return true
	case <-n.ctx.Done():
		return false
	}
}

// receive is the frame handler of the transport.
func (n *Node) receive(from peer.ID, payload []byte) {
	if !n.awaitReady() {
		return
	}
	// malformed frames are logged and counted by the pool.
	_ = n.pool.OnReceive(from, payload)
}

func (n *Node) peerConnected(id peer.ID) {
	if !n.awaitReady() {
		return
	}
	n.pool.OnConnect(id, nil)
}

func (n *Node) peerLeft(id peer.ID) {
	n.pool.OnDisconnect(id)
}

func (n *Node) handleFrame(from peer.ID, frame *codec.Frame) {
	switch {
	case frame.Particle != nil:
		n.onParticle(from, frame.Particle)
	case frame.CallRequest != nil:
		n.onCallRequest(from, *frame.CallRequest)
	case frame.CallResult != nil:
		res := *frame.CallResult
		res.From = from
		n.pl.OnCallResult(res)
	}
}

func (n *Node) onParticle(from peer.ID, p *particle.Particle) {
	if p.Script == pipeline.TrapReportScript {
		n.onTrapReport(from, p)
		return
	}

	ctx, cancel := context.WithTimeout(n.ctx, ingressTimeout)
	defer cancel()
	if err := n.pl.Submit(ctx, p); err != nil {
		n.logger.Debug("inbound particle rejected",
			telemetry.LabelPeer.L(from),
			telemetry.LabelParticleID.L(p.ID),
			telemetry.LabelError.L(err),
		)
	}
}

func (n *Node) onTrapReport(from peer.ID, p *particle.Particle) {
	logger := n.logger.With(telemetry.LabelPeer.L(from), telemetry.LabelParticleID.L(p.ID))
	if err := p.Verify(identity.Verifier{}); err != nil {
		logger.Warn("dropping trap report with invalid signature", telemetry.LabelError.L(err))
		return
	}
	report, err := pipeline.DecodeTrapReport(p)
	if err != nil {
		logger.Warn("dropping malformed trap report", telemetry.LabelError.L(err))
		return
	}

	n.msink.IncrCounterWithLabels(MetricNodeTrapReportInCount, 1.0, n.config.metricLabels)
	logger.Warn("particle failed on a remote peer",
		slog.String("failed_particle", report.ParticleID),
		slog.String("reporter", report.Peer),
		slog.String("trap", report.Error),
	)
	if n.config.onTrapReport != nil {
		n.config.onTrapReport(p.Origin, report)
	}
}

// onCallRequest executes a call for a remote particle and replies to the
// requester. Calls are never forwarded further.
func (n *Node) onCallRequest(from peer.ID, req particle.CallRequest) {
	if req.Target != n.PeerID() {
		n.reply(from, req, req.Result(n.PeerID(), particle.Failure("call for %s misrouted to %s", req.Target, n.PeerID())))
		return
	}
	if !n.callSem.TryAcquire(1) {
		n.reply(from, req, req.Result(n.PeerID(), particle.Failure("peer %s is busy", n.PeerID())))
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer n.callSem.Release(1)
		n.reply(from, req, n.dispatcher.Execute(n.ctx, req))
	}()
}

func (n *Node) reply(to peer.ID, req particle.CallRequest, res particle.CallResult) {
	payload, err := n.codec.EncodeFrame(&codec.Frame{CallResult: &res})
	if err != nil {
		n.logger.Error("cannot encode call result", slog.Any("call", req), telemetry.LabelError.L(err))
		return
	}
	err = n.pool.Send(to, pool.Message{
		Payload: payload,
		Tag:     res.Key().String(),
		Expires: req.Deadline,
	})
	if err != nil {
		n.logger.Warn("cannot reply to remote call",
			slog.Any("call", req),
			telemetry.LabelError.L(err),
		)
	}
}

// unreachable fails the remote calls which could not be delivered so their
// particles do not wait for their deadline.
func (n *Node) unreachable(to peer.ID, dropped []pool.Message) {
	failed := 0
	for _, msg := range dropped {
		frame, err := n.codec.DecodeFrame(msg.Payload)
		if err != nil || frame.CallRequest == nil {
			continue
		}
		req := frame.CallRequest
		res := req.Result(to, particle.Failure("%s: %s", pool.ErrUnreachable, to))
		if n.pl.OnCallResult(res) {
			failed++
		}
	}
	if failed > 0 {
		n.msink.IncrCounterWithLabels(MetricNodeUnreachableResults, float32(failed),
			telemetry.With(n.config.metricLabels, telemetry.LabelPeer.M(to.String())))
	}
}

// Shutdown leaves the cluster, stops the particles and closes every
// connection.
func (n *Node) Shutdown() error {
	// Phase 1: Shutdown notify.
	n.lk.Lock()
	if n.shutdown {
		n.lk.Unlock()
		return nil
	}
	n.shutdown = true
	n.lk.Unlock()

	start := time.Now()
	n.logger.Info("shutting down...")

	var errs []error
	if n.ml != nil {
		n.logger.Info("shutdown: leave cluster")
		// best effort, the other members eventually detect we are gone.
		if err := n.ml.Leave(n.config.trCfg.GracePeriod); err != nil {
			n.logger.Warn("shutdown: leave was not acknowledged", telemetry.LabelError.L(err))
		}
	}

	n.logger.Info("shutdown: stop particles")
	errs = append(errs, n.pl.Close())

	// Phase 2: Drop all resources.
	n.cancel()
	n.logger.Info("shutdown: wait for remote calls to finish")
	n.wg.Wait()

	n.logger.Info("shutdown: release connections")
	errs = append(errs, n.pool.Close())
	if n.ml != nil {
		errs = append(errs, n.ml.Shutdown())
	}
	errs = append(errs, n.tr.Shutdown())

	n.logger.Info("shutdown: completed", slog.Duration("duration", time.Since(start)))
	return errors.Join(errs...)
}
