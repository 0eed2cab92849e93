// Package pipeline schedules particle execution.
//
// Every accepted particle is owned by an actor in a flat table keyed by
// `(origin, id)`. The actor drives the interpreter one generation at a
// time: calls emitted during generation `g` are dispatched, their results
// are buffered until the whole batch resolved, then the interpreter is
// re-invoked with generation `g+1` and the batch ordered by call index.
// Interpreter invocations of a given particle never overlap, different
// particles run concurrently up to a configured bound.
//
// An actor ends in one of the terminal states: Routing, Done, Expired or
// Failed. Expiry wins over any other transition. Terminal particles are
// recorded in a ledger so re-deliveries are no-ops until their deadline.
//
// The deadline of a particle is computed from its signed timestamp and ttl,
// capped at `MaxTTL` after the timestamp. Every hop derives the same value,
// so no hop can extend it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/libp2p/go-libp2p/core/peer"
	mh "github.com/multiformats/go-multihash"
	"github.com/raskyld/particula/pkg/codec"
	"github.com/raskyld/particula/pkg/ledger"
	"github.com/raskyld/particula/pkg/particle"
	"github.com/raskyld/particula/pkg/pool"
	"github.com/raskyld/particula/pkg/telemetry"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrInterpreterTrap wraps any error returned by the interpreter, the
	// particle is Failed.
	ErrInterpreterTrap = errors.New("pipeline: interpreter trap")
	// ErrDataTooLarge is returned when submitted or produced data exceeds
	// `MaxParticleDataSize`.
	ErrDataTooLarge = errors.New("pipeline: particle data exceeds size limit")
	// ErrTTLTooShort is returned when a particle ttl is below `MinTTL`.
	ErrTTLTooShort = errors.New("pipeline: particle ttl below minimum")
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("pipeline: closed")
	// ErrInvalidConfig is returned by New when a mandatory field is missing.
	ErrInvalidConfig = errors.New("pipeline: invalid config")
)

const (
	DefaultMaxParticleDataSize    = 512 << 10
	DefaultMaxConcurrentParticles = 64
	DefaultSendRetries            = 3
	DefaultSendRetryDelay         = 50 * time.Millisecond
	DefaultLedgerRetention        = 30 * time.Second

	ledgerTimeout = 5 * time.Second
)

// Interpreter is the deterministic function driving particle scripts.
type Interpreter interface {
	Interpret(ctx context.Context, in Input) (Output, error)
}

type InterpreterFunc func(ctx context.Context, in Input) (Output, error)

func (f InterpreterFunc) Interpret(ctx context.Context, in Input) (Output, error) {
	return f(ctx, in)
}

type Input struct {
	// Particle carries the current data.
	Particle    *particle.Particle
	CurrentPeer peer.ID
	Generation  uint64

	// Results of the previous generation calls, ordered by call index.
	Results []particle.CallResult
}

// Call requested by the interpreter. An empty `Peer` means the local one.
type Call struct {
	Peer     peer.ID
	Service  string
	Function string
	Args     []any
}

type Output struct {
	Data      []byte
	Calls     []Call
	NextPeers []peer.ID
}

type Dispatcher interface {
	Dispatch(ctx context.Context, req particle.CallRequest) (particle.CallResult, bool)
}

// Outbound is the egress toward the connection pool.
type Outbound interface {
	Send(to peer.ID, msg pool.Message) error
	Cancel(tag string) int
}

// Config of a Pipeline. The first five fields are mandatory.
type Config struct {
	// LocalPeer is the peer id particles are executed as.
	LocalPeer peer.ID
	// Verifier checks particle signatures at ingress.
	Verifier    particle.Verifier
	Interpreter Interpreter
	// Dispatcher resolves the calls emitted by the interpreter.
	Dispatcher Dispatcher
	Outbound   Outbound

	// Codec encodes outbound particles, defaults to `codec.New(0)`.
	Codec *codec.Codec

	// Ledger defaults to an in-memory one.
	Ledger ledger.Ledger

	// TrapPolicy defaults to `NoReport`.
	TrapPolicy TrapPolicy

	// MaxParticleDataSize bounds the data of submitted and produced
	// particles, defaults to `DefaultMaxParticleDataSize`.
	MaxParticleDataSize int
	// MaxTTL caps the deadline at this duration after the particle
	// timestamp. Zero disables the cap.
	MaxTTL time.Duration
	// MinTTL rejects particles with a shorter ttl. Zero disables the check.
	MinTTL time.Duration
	// MaxConcurrentParticles bounds the interpreter invocations running at
	// once, defaults to `DefaultMaxConcurrentParticles`.
	MaxConcurrentParticles int64

	// LedgerRetention is how long a terminal particle stays in the ledger
	// past its deadline, defaults to `DefaultLedgerRetention`.
	LedgerRetention time.Duration

	// SendRetries bounds how many times a send rejected with
	// `pool.ErrQueueOverflow` is retried before the hop is dropped.
	SendRetries    int
	SendRetryDelay time.Duration

	// OnTerminal is invoked once per particle reaching a terminal state.
	OnTerminal func(key particle.Key, state particle.State)

	LogHandler   slog.Handler
	MetricSink   metrics.MetricSink
	MetricLabels []metrics.Label
}

// Snapshot is the observable state of a particle.
type Snapshot struct {
	State      particle.State
	Generation uint64
	Deadline   time.Time

	// History lists the peers the particle was sent to from here, in order.
	History []peer.ID
}

type Pipeline struct {
	cfg    Config
	logger *slog.Logger
	msink  metrics.MetricSink
	sem    *semaphore.Weighted
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	actors map[particle.Key]*actor
	closed bool
}

func New(cfg *Config) (*Pipeline, error) {
	switch {
	case cfg.LocalPeer == "":
		return nil, fmt.Errorf("%w: LocalPeer is required", ErrInvalidConfig)
	case cfg.Verifier == nil:
		return nil, fmt.Errorf("%w: Verifier is required", ErrInvalidConfig)
	case cfg.Interpreter == nil:
		return nil, fmt.Errorf("%w: Interpreter is required", ErrInvalidConfig)
	case cfg.Dispatcher == nil:
		return nil, fmt.Errorf("%w: Dispatcher is required", ErrInvalidConfig)
	case cfg.Outbound == nil:
		return nil, fmt.Errorf("%w: Outbound is required", ErrInvalidConfig)
	}

	pl := &Pipeline{
		cfg:    *cfg,
		logger: telemetry.Logger(cfg.LogHandler),
		msink:  telemetry.Sink(cfg.MetricSink),
		now:    time.Now,
		actors: make(map[particle.Key]*actor),
	}
	if pl.cfg.Codec == nil {
		pl.cfg.Codec = codec.New(0)
	}
	if pl.cfg.Ledger == nil {
		mem, err := ledger.NewMemory(0)
		if err != nil {
			return nil, err
		}
		pl.cfg.Ledger = mem
	}
	if pl.cfg.TrapPolicy == nil {
		pl.cfg.TrapPolicy = NoReport{}
	}
	if pl.cfg.MaxParticleDataSize <= 0 {
		pl.cfg.MaxParticleDataSize = DefaultMaxParticleDataSize
	}
	if pl.cfg.MaxConcurrentParticles <= 0 {
		pl.cfg.MaxConcurrentParticles = DefaultMaxConcurrentParticles
	}
	if pl.cfg.SendRetries < 0 {
		pl.cfg.SendRetries = 0
	} else if pl.cfg.SendRetries == 0 {
		pl.cfg.SendRetries = DefaultSendRetries
	}
	if pl.cfg.SendRetryDelay <= 0 {
		pl.cfg.SendRetryDelay = DefaultSendRetryDelay
	}
	if pl.cfg.LedgerRetention <= 0 {
		pl.cfg.LedgerRetention = DefaultLedgerRetention
	}

	pl.sem = semaphore.NewWeighted(pl.cfg.MaxConcurrentParticles)
	pl.ctx, pl.cancel = context.WithCancel(context.Background())
	return pl, nil
}

// Submit validates `p` and schedules its execution.
//
// A nil error means Accepted. Submitting a particle which is active, which
// completed, or whose identical copy was already routed from here, is
// accepted without executing it again.
func (pl *Pipeline) Submit(ctx context.Context, p *particle.Particle) error {
	now := pl.now()
	key := p.Key()

	if err := p.Verify(pl.cfg.Verifier); err != nil {
		pl.rejected("signature", p, err)
		return err
	}
	deadline := pl.deadline(p)
	if p.TTL == 0 || !now.Before(deadline) {
		pl.rejected("expired", p, particle.ErrExpired)
		pl.expiredOnArrival(ctx, p, deadline)
		return fmt.Errorf("%w: %s", particle.ErrExpired, key)
	}
	if pl.cfg.MinTTL > 0 && time.Duration(p.TTL)*time.Millisecond < pl.cfg.MinTTL {
		err := fmt.Errorf("%w: %dms < %s", ErrTTLTooShort, p.TTL, pl.cfg.MinTTL)
		pl.rejected("ttl", p, err)
		return err
	}
	if len(p.Data) > pl.cfg.MaxParticleDataSize {
		err := fmt.Errorf("%w: %d > %d bytes", ErrDataTooLarge, len(p.Data), pl.cfg.MaxParticleDataSize)
		pl.rejected("data_size", p, err)
		return err
	}

	pl.mu.Lock()
	if pl.closed {
		pl.mu.Unlock()
		return ErrClosed
	}
	if _, known := pl.actors[key]; known {
		pl.mu.Unlock()
		pl.duplicate(p)
		return nil
	}
	// the placeholder makes concurrent submits of the same particle no-ops
	// while the ledger is consulted.
	a := newActor(pl.ctx, p, deadline)
	pl.actors[key] = a
	pl.mu.Unlock()

	seen, err := pl.delivered(ctx, p, a.fingerprint)
	if err != nil {
		pl.logger.Warn("ledger lookup failed, accepting particle",
			telemetry.LabelParticleID.L(p.ID),
			telemetry.LabelError.L(err),
		)
	}
	if seen {
		pl.mu.Lock()
		delete(pl.actors, key)
		pl.mu.Unlock()
		a.cancel()
		pl.duplicate(p)
		return nil
	}

	pl.mu.Lock()
	if pl.closed {
		delete(pl.actors, key)
		pl.mu.Unlock()
		a.cancel()
		return ErrClosed
	}
	a.runnable = true
	a.stopExpiry = context.AfterFunc(a.ctx, func() { pl.expire(a) })
	active := len(pl.actors)
	pl.mu.Unlock()

	pl.msink.IncrCounterWithLabels(MetricPipelineSubmitCount, 1.0,
		telemetry.With(pl.cfg.MetricLabels, telemetry.LabelReason.M("accepted")))
	pl.msink.SetGaugeWithLabels(MetricPipelineActive, float32(active), pl.cfg.MetricLabels)
	pl.logger.Debug("particle accepted", slog.Any("particle", p))

	pl.spawn(a)
	return nil
}

// deadline returns the deadline of `p` on this node.
func (pl *Pipeline) deadline(p *particle.Particle) time.Time {
	deadline := p.Deadline()
	if pl.cfg.MaxTTL > 0 {
		capped := time.UnixMilli(int64(p.Timestamp)).Add(pl.cfg.MaxTTL)
		if capped.Before(deadline) {
			deadline = capped
		}
	}
	return deadline
}

// retainUntil is when the ledger may forget a particle whose deadline is
// `deadline`.
func (pl *Pipeline) retainUntil(deadline time.Time) time.Time {
	return deadline.Add(pl.cfg.LedgerRetention)
}

// expiredOnArrival reports `p` as Expired the first time it is submitted
// past its deadline. Later re-deliveries are silent.
func (pl *Pipeline) expiredOnArrival(ctx context.Context, p *particle.Particle, deadline time.Time) {
	key := p.Key()
	pl.mu.Lock()
	_, active := pl.actors[key]
	pl.mu.Unlock()
	if active {
		// its own expiry reports it.
		return
	}

	_, seen, err := pl.cfg.Ledger.Lookup(ctx, key)
	if err != nil {
		pl.logger.Warn("ledger lookup failed",
			telemetry.LabelParticleID.L(p.ID),
			telemetry.LabelError.L(err),
		)
	}
	if seen {
		return
	}
	err = pl.cfg.Ledger.Record(ctx, key, particle.StateExpired, pl.retainUntil(deadline))
	if err != nil {
		pl.logger.Warn("could not record terminal particle",
			telemetry.LabelParticleID.L(p.ID),
			telemetry.LabelError.L(err),
		)
	}

	pl.msink.IncrCounterWithLabels(MetricPipelineTerminalCount, 1.0,
		telemetry.With(pl.cfg.MetricLabels, telemetry.LabelState.M(particle.StateExpired.String())))
	if pl.cfg.OnTerminal != nil {
		pl.cfg.OnTerminal(key, particle.StateExpired)
	}
}

// fingerprint identifies one delivery of a particle: its key and the data
// it carried.
func fingerprint(p *particle.Particle) particle.Key {
	sum, err := mh.Sum(p.Data, mh.SHA2_256, -1)
	if err != nil {
		panic(fmt.Sprintf("unexpected multihash failure: %s", err))
	}
	return particle.Key{Origin: p.Origin, ID: p.ID + "@" + sum.B58String()}
}

// delivered reports whether `p` must not run again. A particle which
// completed here never does, a particle which was only routed from here
// runs again unless it carries the very same data.
func (pl *Pipeline) delivered(ctx context.Context, p *particle.Particle, fp particle.Key) (bool, error) {
	state, seen, err := pl.cfg.Ledger.Lookup(ctx, p.Key())
	if err != nil || !seen {
		return false, err
	}
	if state != particle.StateRouting {
		return true, nil
	}
	_, seen, err = pl.cfg.Ledger.Lookup(ctx, fp)
	return seen, err
}

func (pl *Pipeline) rejected(reason string, p *particle.Particle, err error) {
	pl.msink.IncrCounterWithLabels(MetricPipelineSubmitCount, 1.0,
		telemetry.With(pl.cfg.MetricLabels, telemetry.LabelReason.M(reason)))
	pl.logger.Debug("particle rejected",
		telemetry.LabelParticleID.L(p.ID),
		telemetry.LabelOrigin.L(p.Origin),
		telemetry.LabelError.L(err),
	)
}

func (pl *Pipeline) duplicate(p *particle.Particle) {
	pl.msink.IncrCounterWithLabels(MetricPipelineSubmitCount, 1.0,
		telemetry.With(pl.cfg.MetricLabels, telemetry.LabelReason.M("duplicate")))
	pl.logger.Debug("duplicate particle ignored",
		telemetry.LabelParticleID.L(p.ID),
		telemetry.LabelOrigin.L(p.Origin),
	)
}

// OnCallResult feeds the result of a pending remote call back to its
// particle. It returns false if the result was discarded: unknown particle,
// stale generation, duplicate slot or unexpected sender.
func (pl *Pipeline) OnCallResult(res particle.CallResult) bool {
	pl.mu.Lock()
	a, ok := pl.actors[res.Key()]
	pl.mu.Unlock()
	if !ok {
		pl.dropResult("unknown", res)
		return false
	}

	accepted, runnable := pl.deliver(a, res, true)
	if runnable {
		pl.spawn(a)
	}
	return accepted
}

// Step schedules an interpreter invocation for `key` if it has pending
// input. It returns false when there is nothing to do, in particular when
// an invocation is already in progress.
func (pl *Pipeline) Step(key particle.Key) bool {
	pl.mu.Lock()
	a, ok := pl.actors[key]
	ready := ok && a.runnable && !a.running && !a.state.Terminal()
	pl.mu.Unlock()
	if ready {
		pl.spawn(a)
	}
	return ready
}

// Inspect returns the state of an active particle, or the terminal state
// recorded in the ledger.
func (pl *Pipeline) Inspect(ctx context.Context, key particle.Key) (Snapshot, bool) {
	pl.mu.Lock()
	if a, ok := pl.actors[key]; ok {
		snap := Snapshot{
			State:      a.state,
			Generation: a.generation,
			Deadline:   a.deadline,
			History:    append([]peer.ID(nil), a.history...),
		}
		pl.mu.Unlock()
		return snap, true
	}
	pl.mu.Unlock()

	state, seen, err := pl.cfg.Ledger.Lookup(ctx, key)
	if err != nil || !seen {
		return Snapshot{}, false
	}
	return Snapshot{State: state}, true
}

// Len returns the number of active particles.
func (pl *Pipeline) Len() int {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return len(pl.actors)
}

// Close cancels every active particle and waits for in-flight
// interpreter invocations to return.
func (pl *Pipeline) Close() error {
	pl.mu.Lock()
	if pl.closed {
		pl.mu.Unlock()
		return nil
	}
	pl.closed = true
	pl.mu.Unlock()

	pl.cancel()
	pl.wg.Wait()
	return nil
}
