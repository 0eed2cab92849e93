package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/raskyld/particula/pkg/codec"
	"github.com/raskyld/particula/pkg/particle"
	"github.com/raskyld/particula/pkg/pool"
	"github.com/raskyld/particula/pkg/telemetry"
)

// actor is the per-particle execution state, guarded by `Pipeline.mu`.
type actor struct {
	key particle.Key
	p   *particle.Particle
	// fingerprint of the delivery which created the actor.
	fingerprint particle.Key
	state       particle.State
	deadline    time.Time

	generation uint64

	// calls and slots of the current generation, slots are indexed by
	// call index and filled as results arrive.
	calls       []particle.CallRequest
	slots       []*particle.CallResult
	outstanding int

	// results is the complete batch handed to the next invocation.
	results []particle.CallResult

	runnable bool
	running  bool

	history []peer.ID

	ctx        context.Context
	cancel     context.CancelFunc
	stopExpiry func() bool
}

func newActor(parent context.Context, p *particle.Particle, deadline time.Time) *actor {
	ctx, cancel := context.WithDeadline(parent, deadline)
	return &actor{
		key:         p.Key(),
		p:           p,
		fingerprint: fingerprint(p),
		state:       particle.StateQueued,
		deadline:    deadline,
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (pl *Pipeline) spawn(a *actor) {
	pl.mu.Lock()
	if pl.closed {
		pl.mu.Unlock()
		return
	}
	pl.wg.Add(1)
	pl.mu.Unlock()
	go pl.run(a)
}

func (pl *Pipeline) run(a *actor) {
	defer pl.wg.Done()
	if err := pl.sem.Acquire(a.ctx, 1); err != nil {
		return
	}
	defer pl.sem.Release(1)

	for pl.step(a) {
	}
}

// step performs one interpreter invocation and applies its effects. It
// returns true when the actor may be runnable again right away.
func (pl *Pipeline) step(a *actor) bool {
	pl.mu.Lock()
	if a.state.Terminal() || !a.runnable || a.running {
		pl.mu.Unlock()
		return false
	}
	a.running = true
	a.runnable = false
	a.state = particle.StateExecuting
	in := Input{
		Particle:    a.p,
		CurrentPeer: pl.cfg.LocalPeer,
		Generation:  a.generation,
		Results:     a.results,
	}
	a.results = nil
	pl.mu.Unlock()

	start := time.Now()
	out, err := pl.interpret(a.ctx, in)
	pl.msink.AddSampleWithLabels(MetricPipelineStepDuration,
		float32(time.Since(start).Milliseconds()), pl.cfg.MetricLabels)

	if err == nil && len(out.Data) > pl.cfg.MaxParticleDataSize {
		err = fmt.Errorf("%w: produced %d bytes", ErrDataTooLarge, len(out.Data))
	}

	pl.mu.Lock()
	a.running = false
	if a.state.Terminal() {
		pl.mu.Unlock()
		return false
	}
	if err != nil {
		pl.mu.Unlock()
		if !errors.Is(err, ErrInterpreterTrap) {
			err = fmt.Errorf("%w: %w", ErrInterpreterTrap, err)
		}
		pl.finalize(a, particle.StateFailed, err)
		return false
	}

	a.p = a.p.WithData(out.Data)
	hops, localHop := pl.splitHops(out.NextPeers)
	reqs := pl.requests(a, out.Calls)
	if len(reqs) > 0 {
		a.calls = reqs
		a.slots = make([]*particle.CallResult, len(reqs))
		a.outstanding = len(reqs)
		a.state = particle.StateAwaitingCalls
	}
	a.history = append(a.history, hops...)
	current := a.p
	pl.mu.Unlock()

	pl.route(a, current, hops)

	switch {
	case len(reqs) > 0:
		for _, req := range reqs {
			res, pending := pl.cfg.Dispatcher.Dispatch(a.ctx, req)
			if !pending {
				pl.deliver(a, res, false)
			}
		}
		return true
	case localHop:
		pl.mu.Lock()
		if !a.state.Terminal() {
			a.generation++
			a.runnable = true
			a.state = particle.StateQueued
		}
		pl.mu.Unlock()
		return true
	case len(hops) > 0:
		pl.finalize(a, particle.StateRouting, nil)
	default:
		pl.finalize(a, particle.StateDone, nil)
	}
	return false
}

func (pl *Pipeline) interpret(ctx context.Context, in Input) (out Output, err error) {
	defer func() {
		if r := recover(); r != nil {
			pl.logger.Error("interpreter panicked",
				telemetry.LabelParticleID.L(in.Particle.ID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("%w: panic: %v", ErrInterpreterTrap, r)
		}
	}()
	return pl.cfg.Interpreter.Interpret(ctx, in)
}

// splitHops removes duplicates and separates the local peer from the
// remote ones.
func (pl *Pipeline) splitHops(next []peer.ID) (remote []peer.ID, local bool) {
	seen := make(map[peer.ID]struct{}, len(next))
	for _, id := range next {
		if id == pl.cfg.LocalPeer {
			local = true
			continue
		}
		if _, dup := seen[id]; dup || id == "" {
			continue
		}
		seen[id] = struct{}{}
		remote = append(remote, id)
	}
	return remote, local
}

// must be called with the lock held.
func (pl *Pipeline) requests(a *actor, calls []Call) []particle.CallRequest {
	if len(calls) == 0 {
		return nil
	}
	reqs := make([]particle.CallRequest, len(calls))
	for i, c := range calls {
		target := c.Peer
		if target == "" {
			target = pl.cfg.LocalPeer
		}
		reqs[i] = particle.CallRequest{
			ParticleID: a.p.ID,
			Origin:     a.p.Origin,
			Generation: a.generation,
			CallIndex:  uint32(i),
			Target:     target,
			Service:    c.Service,
			Function:   c.Function,
			Args:       c.Args,
			Deadline:   a.deadline,
		}
	}
	return reqs
}

// deliver fills the slot of `res`. Once the batch is complete, the actor
// moves to the next generation and `runnable` is true if no invocation is
// in progress.
func (pl *Pipeline) deliver(a *actor, res particle.CallResult, remote bool) (accepted, runnable bool) {
	pl.mu.Lock()
	var reason string
	switch {
	case a.state.Terminal():
		reason = "terminal"
	case a.slots == nil || res.Generation != a.generation:
		reason = "stale"
	case int(res.CallIndex) >= len(a.slots):
		reason = "out_of_range"
	case a.slots[res.CallIndex] != nil:
		reason = "duplicate"
	case remote && res.From != a.calls[res.CallIndex].Target:
		reason = "unexpected_sender"
	}
	if reason != "" {
		pl.mu.Unlock()
		pl.dropResult(reason, res)
		return false, false
	}

	a.slots[res.CallIndex] = &res
	a.outstanding--
	if a.outstanding > 0 {
		pl.mu.Unlock()
		return true, false
	}

	a.results = make([]particle.CallResult, len(a.slots))
	for i, slot := range a.slots {
		a.results[i] = *slot
	}
	a.calls, a.slots = nil, nil
	a.generation++
	a.runnable = true
	a.state = particle.StateQueued
	runnable = !a.running
	pl.mu.Unlock()
	return true, runnable
}

func (pl *Pipeline) dropResult(reason string, res particle.CallResult) {
	pl.msink.IncrCounterWithLabels(MetricPipelineResultDroppedCount, 1.0,
		telemetry.With(pl.cfg.MetricLabels, telemetry.LabelReason.M(reason)))
	pl.logger.Debug("call result discarded",
		telemetry.LabelParticleID.L(res.ParticleID),
		telemetry.LabelReason.L(reason),
		slog.Uint64("generation", res.Generation),
		slog.Uint64("call_index", uint64(res.CallIndex)),
	)
}

// route hands `p` to the outbound pool for every hop.
func (pl *Pipeline) route(a *actor, p *particle.Particle, hops []peer.ID) {
	if len(hops) == 0 {
		return
	}
	payload, err := pl.cfg.Codec.EncodeFrame(&codec.Frame{Particle: p})
	if err != nil {
		pl.logger.Error("cannot encode particle",
			telemetry.LabelParticleID.L(p.ID),
			telemetry.LabelError.L(err),
		)
		pl.msink.IncrCounterWithLabels(MetricPipelineRouteErrorCount, float32(len(hops)),
			telemetry.With(pl.cfg.MetricLabels, telemetry.LabelReason.M("encode")))
		return
	}

	msg := pool.Message{Payload: payload, Tag: a.key.String(), Expires: a.deadline}
	for _, to := range hops {
		pl.send(a.ctx, to, msg)
	}
}

// send retries a bounded number of times on backpressure and drops the
// message otherwise, the interpreter owns any higher level retry.
func (pl *Pipeline) send(ctx context.Context, to peer.ID, msg pool.Message) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = pl.cfg.Outbound.Send(to, msg)
		if err == nil {
			pl.msink.IncrCounterWithLabels(MetricPipelineRouteCount, 1.0, pl.cfg.MetricLabels)
			return nil
		}
		if !errors.Is(err, pool.ErrQueueOverflow) || attempt >= pl.cfg.SendRetries {
			break
		}

		timer := time.NewTimer(pl.cfg.SendRetryDelay)
		select {
		case <-timer.C:
			continue
		case <-ctx.Done():
			timer.Stop()
			err = fmt.Errorf("%w: %w", err, ctx.Err())
		}
		break
	}

	reason := "unreachable"
	if errors.Is(err, pool.ErrQueueOverflow) {
		reason = "overflow"
	}
	pl.msink.IncrCounterWithLabels(MetricPipelineRouteErrorCount, 1.0,
		telemetry.With(pl.cfg.MetricLabels, telemetry.LabelReason.M(reason)))
	pl.logger.Warn("dropping outbound particle",
		telemetry.LabelPeer.L(to),
		slog.String("tag", msg.Tag),
		telemetry.LabelError.L(err),
	)
	return err
}

// finalize moves `a` to a terminal state. Only the first call has an
// effect.
func (pl *Pipeline) finalize(a *actor, state particle.State, cause error) {
	pl.mu.Lock()
	if a.state.Terminal() {
		pl.mu.Unlock()
		return
	}
	a.state = state
	a.runnable = false
	a.calls, a.slots, a.results = nil, nil, nil
	p, generation, stopExpiry := a.p, a.generation, a.stopExpiry
	pl.mu.Unlock()

	if stopExpiry != nil {
		stopExpiry()
	}
	a.cancel()
	if state == particle.StateExpired {
		pl.cfg.Outbound.Cancel(a.key.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), ledgerTimeout)
	for _, key := range []particle.Key{a.key, a.fingerprint} {
		if err := pl.cfg.Ledger.Record(ctx, key, state, pl.retainUntil(a.deadline)); err != nil {
			pl.logger.Warn("could not record terminal particle",
				telemetry.LabelParticleID.L(a.key.ID),
				telemetry.LabelError.L(err),
			)
			break
		}
	}
	cancel()

	pl.mu.Lock()
	if pl.actors[a.key] == a {
		delete(pl.actors, a.key)
	}
	active := len(pl.actors)
	pl.mu.Unlock()

	pl.msink.IncrCounterWithLabels(MetricPipelineTerminalCount, 1.0,
		telemetry.With(pl.cfg.MetricLabels, telemetry.LabelState.M(state.String())))
	pl.msink.SetGaugeWithLabels(MetricPipelineActive, float32(active), pl.cfg.MetricLabels)

	logger := pl.logger.With(
		telemetry.LabelParticleID.L(a.key.ID),
		telemetry.LabelOrigin.L(a.key.Origin),
		telemetry.LabelState.L(state.String()),
		slog.Uint64("generation", generation),
	)
	if cause != nil {
		logger.Warn("particle failed", telemetry.LabelError.L(cause))
		pl.reportTrap(p, cause)
	} else {
		logger.Debug("particle reached terminal state")
	}

	if pl.cfg.OnTerminal != nil {
		pl.cfg.OnTerminal(a.key, state)
	}
}

// expire runs when the actor context is done. Pipeline shutdown is not an
// expiry.
func (pl *Pipeline) expire(a *actor) {
	pl.mu.Lock()
	closed := pl.closed
	pl.mu.Unlock()
	if closed || !errors.Is(a.ctx.Err(), context.DeadlineExceeded) {
		return
	}
	pl.finalize(a, particle.StateExpired, nil)
}
