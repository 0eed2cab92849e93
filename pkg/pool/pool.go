// Package pool owns the connections to remote peers.
//
// Every peer gets a bounded outbound queue drained by a dedicated writer
// goroutine. The writer dials on demand and redials with a capped
// exponential backoff, up to a bounded number of attempts after which the
// peer is closed and its queue fails with `ErrUnreachable`.
//
// The pool is the only owner of peer state: other components go through
// `Send`, `OnConnect`, `OnDisconnect` and `OnReceive`.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/raskyld/particula/pkg/codec"
	"github.com/raskyld/particula/pkg/telemetry"
)

var (
	// ErrQueueOverflow is returned by Send when the peer queue holds
	// `MaxQueueLen` messages already.
	ErrQueueOverflow = errors.New("pool: peer queue is full")
	// ErrUnreachable is returned for a peer which exhausted its reconnect
	// attempts.
	ErrUnreachable = errors.New("pool: peer is unreachable")
	// ErrPoolClosed is returned by Send after Close.
	ErrPoolClosed = errors.New("pool: closed")
	// ErrNoDialer is returned by New without a Dialer.
	ErrNoDialer = errors.New("pool: Dialer is required")
)

const (
	DefaultMaxQueueLen          = 128
	DefaultMaxReconnectAttempts = 5
	DefaultBackoffBase          = 100 * time.Millisecond
	DefaultBackoffMax           = 10 * time.Second
	DefaultIdleTimeout          = 5 * time.Minute
	DefaultDialTimeout          = 10 * time.Second
)

// Conn is an established connection able to carry framed messages.
type Conn interface {
	Send(ctx context.Context, payload []byte) error
	Close() error

	// Done is closed once the connection is no longer usable.
	Done() <-chan struct{}
}

// Dialer establishes connections to peers.
type Dialer interface {
	Dial(ctx context.Context, to peer.ID, addrs []ma.Multiaddr) (Conn, error)
}

// AddressBook knows the addresses of peers.
type AddressBook interface {
	Addrs(peer.ID) []ma.Multiaddr
}

// FrameHandler receives the frames decoded by `OnReceive`.
type FrameHandler func(from peer.ID, frame *codec.Frame)

// Message is one outbound payload.
type Message struct {
	Payload []byte

	// Tag groups messages so they can be cancelled together, usually the
	// key of the particle they belong to.
	Tag string

	// Expires is optional, an expired message is dropped instead of sent.
	Expires time.Time

	seq uint64
}

func (m *Message) expired(now time.Time) bool {
	return !m.Expires.IsZero() && !now.Before(m.Expires)
}

// Status of the connection to a peer.
type Status uint8

const (
	StatusDialing Status = iota
	StatusConnected
	StatusBackoff
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusDialing:
		return "dialing"
	case StatusConnected:
		return "connected"
	case StatusBackoff:
		return "backoff"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config of a Pool. Zero values are replaced with the defaults above.
type Config struct {
	// Dialer is mandatory.
	Dialer Dialer
	// AddressBook is consulted before every dial, its addresses win over
	// the ones the pool was given.
	AddressBook AddressBook
	Codec       *codec.Codec
	// Handler receives the frames read by `OnReceive`.
	Handler FrameHandler

	// MaxQueueLen bounds the messages waiting for each peer.
	MaxQueueLen int
	// MaxReconnectAttempts is how many failed dials in a row make a peer
	// unreachable.
	MaxReconnectAttempts int
	// BackoffBase is doubled after every failed dial, up to BackoffMax.
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// IdleTimeout closes peers without traffic for that long.
	IdleTimeout time.Duration
	DialTimeout time.Duration

	// OnUnreachable is invoked, outside of any lock, with the messages
	// dropped when a peer exhausts its reconnect attempts.
	OnUnreachable func(to peer.ID, dropped []Message)

	LogHandler   slog.Handler
	MetricSink   metrics.MetricSink
	MetricLabels []metrics.Label
}

type peerState struct {
	id       peer.ID
	addrs    []ma.Multiaddr
	queue    []Message
	status   Status
	attempts int
	conn     Conn

	// writing is set while a writer goroutine owns the peer.
	writing bool
	kick    chan struct{}

	lastActive time.Time
}

type Pool struct {
	cfg    Config
	logger *slog.Logger
	msink  metrics.MetricSink

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	peers  map[peer.ID]*peerState
	seq    uint64
	closed bool
}

func New(cfg *Config) (*Pool, error) {
	if cfg.Dialer == nil {
		return nil, ErrNoDialer
	}

	p := &Pool{
		cfg:    *cfg,
		logger: telemetry.Logger(cfg.LogHandler),
		msink:  telemetry.Sink(cfg.MetricSink),
		peers:  make(map[peer.ID]*peerState),
	}
	if p.cfg.MaxQueueLen <= 0 {
		p.cfg.MaxQueueLen = DefaultMaxQueueLen
	}
	if p.cfg.MaxReconnectAttempts <= 0 {
		p.cfg.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if p.cfg.BackoffBase <= 0 {
		p.cfg.BackoffBase = DefaultBackoffBase
	}
	if p.cfg.BackoffMax < p.cfg.BackoffBase {
		p.cfg.BackoffMax = max(DefaultBackoffMax, p.cfg.BackoffBase)
	}
	if p.cfg.IdleTimeout <= 0 {
		p.cfg.IdleTimeout = DefaultIdleTimeout
	}
	if p.cfg.DialTimeout <= 0 {
		p.cfg.DialTimeout = DefaultDialTimeout
	}
	if p.cfg.Codec == nil {
		p.cfg.Codec = codec.New(0)
	}

	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.wg.Add(1)
	go p.garbageCollector()
	return p, nil
}

// must be called with the lock held.
func (p *Pool) getOrCreate(id peer.ID) *peerState {
	ps, ok := p.peers[id]
	if !ok {
		ps = &peerState{
			id:         id,
			status:     StatusDialing,
			kick:       make(chan struct{}, 1),
			lastActive: time.Now(),
		}
		p.peers[id] = ps
	}
	return ps
}

// Send enqueues `msg` for `to`. It never blocks: a full queue is rejected
// with `ErrQueueOverflow` and a closed peer with `ErrUnreachable`.
func (p *Pool) Send(to peer.ID, msg Message) error {
	mLabels := telemetry.With(p.cfg.MetricLabels, telemetry.LabelPeer.M(to.String()))

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}

	ps := p.getOrCreate(to)
	if ps.status == StatusClosed {
		p.mu.Unlock()
		p.msink.IncrCounterWithLabels(MetricPoolSendRejectedCount, 1.0,
			telemetry.With(mLabels, telemetry.LabelReason.M("unreachable")))
		return fmt.Errorf("%w: %s", ErrUnreachable, to)
	}
	if len(ps.queue) >= p.cfg.MaxQueueLen {
		p.mu.Unlock()
		p.msink.IncrCounterWithLabels(MetricPoolSendRejectedCount, 1.0,
			telemetry.With(mLabels, telemetry.LabelReason.M("overflow")))
		return fmt.Errorf("%w: %s", ErrQueueOverflow, to)
	}

	p.seq++
	msg.seq = p.seq
	ps.queue = append(ps.queue, msg)
	ps.lastActive = time.Now()
	p.startWriter(ps)
	queued := len(ps.queue)
	p.mu.Unlock()

	p.msink.SetGaugeWithLabels(MetricPoolQueueLen, float32(queued), mLabels)
	return nil
}

// must be called with the lock held.
func (p *Pool) startWriter(ps *peerState) {
	if ps.writing {
		return
	}
	ps.writing = true
	p.wg.Add(1)
	go p.writer(ps)
}

// OnConnect marks `id` as reachable again. When `conn` is not nil, it is
// adopted for outbound traffic.
func (p *Pool) OnConnect(id peer.ID, conn Conn) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}

	ps := p.getOrCreate(id)
	ps.attempts = 0
	ps.lastActive = time.Now()
	if conn != nil && ps.conn != conn {
		ps.conn = conn
		ps.status = StatusConnected
		p.wg.Add(1)
		go p.watch(ps, conn)
	} else if ps.conn == nil {
		ps.status = StatusDialing
	}
	if ps.writing {
		// cut short a pending backoff.
		select {
		case ps.kick <- struct{}{}:
		default:
		}
	} else if len(ps.queue) > 0 {
		p.startWriter(ps)
	}
	p.mu.Unlock()

	p.logger.Debug("peer connected", telemetry.LabelPeer.L(id))
}

// OnDisconnect drops the current connection to `id`. Queued messages are
// kept and the writer redials with backoff.
func (p *Pool) OnDisconnect(id peer.ID) {
	p.mu.Lock()
	ps, ok := p.peers[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	conn := ps.conn
	ps.conn = nil
	if ps.status != StatusClosed {
		ps.status = StatusBackoff
	}
	if len(ps.queue) > 0 && ps.status != StatusClosed {
		p.startWriter(ps)
	}
	p.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	p.logger.Debug("peer disconnected", telemetry.LabelPeer.L(id))
}

// OnReceive decodes a frame received from `from` and hands it to the
// handler. Malformed frames are rejected here and never reach it.
func (p *Pool) OnReceive(from peer.ID, payload []byte) error {
	mLabels := telemetry.With(p.cfg.MetricLabels, telemetry.LabelPeer.M(from.String()))
	frame, err := p.cfg.Codec.DecodeFrame(payload)
	if err != nil {
		p.msink.IncrCounterWithLabels(MetricPoolReceiveErrorCount, 1.0, mLabels)
		p.logger.Warn("dropping malformed frame",
			telemetry.LabelPeer.L(from),
			telemetry.LabelError.L(err),
		)
		return err
	}

	p.mu.Lock()
	if ps, ok := p.peers[from]; ok {
		ps.lastActive = time.Now()
	}
	p.mu.Unlock()

	p.msink.IncrCounterWithLabels(MetricPoolReceiveBytes, float32(len(payload)),
		telemetry.With(mLabels, telemetry.LabelFrame.M(frame.Kind())))
	if p.cfg.Handler != nil {
		p.cfg.Handler(from, frame)
	}
	return nil
}

// Cancel removes every queued message carrying `tag`.
func (p *Pool) Cancel(tag string) int {
	if tag == "" {
		return 0
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	removed := 0
	for _, ps := range p.peers {
		kept := ps.queue[:0]
		for _, msg := range ps.queue {
			if msg.Tag == tag {
				removed++
				continue
			}
			kept = append(kept, msg)
		}
		clear(ps.queue[len(kept):])
		ps.queue = kept
	}
	return removed
}

// Status returns the connection status of `id`, if the pool knows it.
func (p *Pool) Status(id peer.ID) (Status, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ps, ok := p.peers[id]
	if !ok {
		return StatusClosed, false
	}
	return ps.status, true
}

func (p *Pool) QueueLen(id peer.ID) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ps, ok := p.peers[id]; ok {
		return len(ps.queue)
	}
	return 0
}

// IsConnected implements the connectivity query of the builtins.
func (p *Pool) IsConnected(id peer.ID) bool {
	st, ok := p.Status(id)
	return ok && st == StatusConnected
}

// Close stops every writer and closes all connections. Queued messages are
// discarded.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	var conns []Conn
	for _, ps := range p.peers {
		if ps.conn != nil {
			conns = append(conns, ps.conn)
			ps.conn = nil
		}
		ps.status = StatusClosed
		ps.queue = nil
	}
	p.mu.Unlock()

	p.cancel()
	var errs []error
	for _, c := range conns {
		errs = append(errs, c.Close())
	}
	p.wg.Wait()
	return errors.Join(errs...)
}
