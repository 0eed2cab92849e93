package pool

import (
	"context"
	"log/slog"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/raskyld/particula/pkg/telemetry"
)

// writer drains the queue of `ps`, dialing when needed. It exits once the
// queue is empty, the peer is closed or the pool shuts down.
func (p *Pool) writer(ps *peerState) {
	defer p.wg.Done()
	mLabels := telemetry.With(p.cfg.MetricLabels, telemetry.LabelPeer.M(ps.id.String()))

	for {
		p.mu.Lock()
		if expired := p.dropExpired(ps, time.Now()); expired > 0 {
			p.msink.IncrCounterWithLabels(MetricPoolExpiredCount, float32(expired), mLabels)
		}
		if p.closed || ps.status == StatusClosed || len(ps.queue) == 0 {
			ps.writing = false
			p.mu.Unlock()
			return
		}

		conn := ps.conn
		if conn == nil {
			ps.status = StatusDialing
			p.mu.Unlock()
			if !p.connect(ps) {
				return
			}
			continue
		}

		msg := ps.queue[0]
		p.mu.Unlock()

		err := conn.Send(p.ctx, msg.Payload)
		if err != nil {
			p.msink.IncrCounterWithLabels(MetricPoolSendErrorCount, 1.0, mLabels)
			p.logger.Debug("send failed, reconnecting",
				telemetry.LabelPeer.L(ps.id),
				telemetry.LabelError.L(err),
			)
			p.mu.Lock()
			if ps.conn == conn {
				ps.conn = nil
			}
			p.mu.Unlock()
			conn.Close()
			if !p.backoff(ps, err) {
				return
			}
			continue
		}

		p.mu.Lock()
		if len(ps.queue) > 0 && ps.queue[0].seq == msg.seq {
			ps.queue[0] = Message{}
			ps.queue = ps.queue[1:]
		}
		ps.attempts = 0
		ps.lastActive = time.Now()
		queued := len(ps.queue)
		p.mu.Unlock()

		p.msink.IncrCounterWithLabels(MetricPoolSentBytes, float32(len(msg.Payload)), mLabels)
		p.msink.SetGaugeWithLabels(MetricPoolQueueLen, float32(queued), mLabels)
	}
}

// connect dials `ps` once. It returns false when the writer must exit.
func (p *Pool) connect(ps *peerState) bool {
	addrs := p.addrsOf(ps)
	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.DialTimeout)
	conn, err := p.cfg.Dialer.Dial(ctx, ps.id, addrs)
	cancel()
	if err != nil {
		p.msink.IncrCounterWithLabels(MetricPoolDialErrorCount, 1.0,
			telemetry.With(p.cfg.MetricLabels, telemetry.LabelPeer.M(ps.id.String())))
		p.logger.Debug("dial failed",
			telemetry.LabelPeer.L(ps.id),
			telemetry.LabelError.L(err),
		)
		return p.backoff(ps, err)
	}

	p.mu.Lock()
	if p.closed {
		ps.writing = false
		p.mu.Unlock()
		conn.Close()
		return false
	}
	if ps.conn != nil {
		// a connection was adopted while we were dialing.
		p.mu.Unlock()
		conn.Close()
		return true
	}
	ps.conn = conn
	ps.status = StatusConnected
	p.wg.Add(1)
	go p.watch(ps, conn)
	p.mu.Unlock()

	p.msink.IncrCounterWithLabels(MetricPoolDialCount, 1.0,
		telemetry.With(p.cfg.MetricLabels, telemetry.LabelPeer.M(ps.id.String())))
	return true
}

func (p *Pool) addrsOf(ps *peerState) []ma.Multiaddr {
	if p.cfg.AddressBook != nil {
		if addrs := p.cfg.AddressBook.Addrs(ps.id); len(addrs) > 0 {
			p.mu.Lock()
			ps.addrs = addrs
			p.mu.Unlock()
			return addrs
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return ps.addrs
}

// backoff accounts for a failed attempt and waits before the next one.
// Once the attempts are exhausted the peer is closed, its queue is failed
// and false is returned.
func (p *Pool) backoff(ps *peerState, cause error) bool {
	p.mu.Lock()
	if p.closed {
		ps.writing = false
		p.mu.Unlock()
		return false
	}
	ps.attempts++
	if ps.attempts >= p.cfg.MaxReconnectAttempts {
		ps.status = StatusClosed
		ps.writing = false
		dropped := ps.queue
		ps.queue = nil
		attempts := ps.attempts
		p.mu.Unlock()

		p.logger.Warn("peer unreachable, dropping its queue",
			telemetry.LabelPeer.L(ps.id),
			slog.Int("attempts", attempts),
			slog.Int("dropped", len(dropped)),
			telemetry.LabelError.L(cause),
		)
		mLabels := telemetry.With(p.cfg.MetricLabels, telemetry.LabelPeer.M(ps.id.String()))
		p.msink.IncrCounterWithLabels(MetricPoolUnreachableCount, 1.0, mLabels)
		p.msink.IncrCounterWithLabels(MetricPoolDroppedCount, float32(len(dropped)), mLabels)
		p.msink.SetGaugeWithLabels(MetricPoolQueueLen, 0, mLabels)
		if p.cfg.OnUnreachable != nil && len(dropped) > 0 {
			p.cfg.OnUnreachable(ps.id, dropped)
		}
		return false
	}
	ps.status = StatusBackoff
	delay := p.backoffDelay(ps.attempts)
	p.mu.Unlock()

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ps.kick:
	case <-p.ctx.Done():
		p.mu.Lock()
		ps.writing = false
		p.mu.Unlock()
		return false
	}
	return true
}

// backoffDelay is `BackoffBase * 2^(attempt-1)` capped to `BackoffMax`.
func (p *Pool) backoffDelay(attempt int) time.Duration {
	delay := p.cfg.BackoffBase
	for i := 1; i < attempt && delay < p.cfg.BackoffMax; i++ {
		delay *= 2
	}
	return min(delay, p.cfg.BackoffMax)
}

// must be called with the lock held.
func (p *Pool) dropExpired(ps *peerState, now time.Time) int {
	kept := ps.queue[:0]
	for _, msg := range ps.queue {
		if !msg.expired(now) {
			kept = append(kept, msg)
		}
	}
	dropped := len(ps.queue) - len(kept)
	clear(ps.queue[len(kept):])
	ps.queue = kept
	return dropped
}

// watch moves the peer to backoff once `conn` dies.
func (p *Pool) watch(ps *peerState, conn Conn) {
	defer p.wg.Done()
	select {
	case <-conn.Done():
	case <-p.ctx.Done():
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if ps.conn != conn {
		return
	}
	ps.conn = nil
	if ps.status == StatusClosed {
		return
	}
	ps.status = StatusBackoff
	if len(ps.queue) > 0 && !p.closed {
		p.startWriter(ps)
	}
}

func (p *Pool) garbageCollector() {
	defer p.wg.Done()
	ticker := time.NewTicker(max(p.cfg.IdleTimeout/2, time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case now := <-ticker.C:
			p.collectIdle(now)
		}
	}
}

func (p *Pool) collectIdle(now time.Time) {
	var conns []Conn
	collected := 0
	p.mu.Lock()
	for id, ps := range p.peers {
		if ps.writing || len(ps.queue) > 0 {
			continue
		}
		if now.Sub(ps.lastActive) < p.cfg.IdleTimeout {
			continue
		}
		if ps.conn != nil {
			conns = append(conns, ps.conn)
			ps.conn = nil
		}
		delete(p.peers, id)
		collected++
	}
	p.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	if collected > 0 {
		p.logger.Debug("collected idle peers", slog.Int("count", collected))
	}
}
