package particula

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/raskyld/particula/pkg/pool"
	"github.com/raskyld/particula/pkg/telemetry"
)

// streamWrapper exposes a bidirectional QUIC stream as a `net.Conn` for the
// gossip layer.
type streamWrapper struct {
	localAddr  net.Addr
	remoteAddr net.Addr

	// NB: the quic-go stream uses a mutex to sync Write/Close/Read, we don't
	// need to make it thread-safe ourselves.
	*quic.Stream
}

func (gs *streamWrapper) LocalAddr() net.Addr {
	return gs.localAddr
}

func (gs *streamWrapper) RemoteAddr() net.Addr {
	return gs.remoteAddr
}

func (gs *streamWrapper) garbageCollector(closer <-chan struct{}) {
	select {
	case <-gs.Context().Done():
		// already closed, can't clean-up.
	case <-closer:
		// graceful termination requested.
		gs.Close()
	}
}

// frameConn implements `pool.Conn` on top of a QUIC connection. Messages
// are written, length-prefixed, on a unidirectional stream opened on the
// first send.
type frameConn struct {
	t   *Transport
	hcx hostCx

	lk     sync.Mutex
	stream *quic.SendStream
}

var _ pool.Conn = (*frameConn)(nil)

func newFrameConn(t *Transport, hcx hostCx) *frameConn {
	return &frameConn{t: t, hcx: hcx}
}

func (fc *frameConn) Send(ctx context.Context, payload []byte) error {
	fc.lk.Lock()
	defer fc.lk.Unlock()

	mLabels := telemetry.With(fc.t.cfg.MetricLabels, telemetry.LabelPeer.M(fc.hcx.peer.String()))
	if fc.stream == nil {
		stream, err := fc.hcx.OpenUniStreamSync(ctx)
		if err != nil {
			fc.t.msink.IncrCounterWithLabels(
				MetricTransportStreamEstOutErrorCount,
				1.0,
				telemetry.With(mLabels, telemetry.LabelError.M("cannot_open_stream")),
			)
			return err
		}
		fc.t.msink.IncrCounterWithLabels(MetricTransportStreamEstOutCount, 1.0, mLabels)
		fc.stream = stream
		go fc.garbageCollector(stream)
	}

	if dl, ok := ctx.Deadline(); ok {
		fc.stream.SetWriteDeadline(dl)
		defer fc.stream.SetWriteDeadline(time.Time{})
	}
	if err := fc.t.cfg.Codec.WriteFrame(fc.stream, payload); err != nil {
		fc.stream.CancelWrite(QErrStreamShutdown)
		fc.stream = nil
		return err
	}
	fc.t.msink.IncrCounterWithLabels(MetricTransportFrameOutBytes, float32(len(payload)), mLabels)
	return nil
}

// Close ends the particle stream, the connection itself stays up for
// gossip and other streams.
func (fc *frameConn) Close() error {
	fc.lk.Lock()
	defer fc.lk.Unlock()
	if fc.stream == nil {
		return nil
	}
	err := fc.stream.Close()
	fc.stream = nil
	return err
}

func (fc *frameConn) Done() <-chan struct{} {
	return fc.hcx.Context().Done()
}

func (fc *frameConn) garbageCollector(stream *quic.SendStream) {
	select {
	case <-stream.Context().Done():
	case <-fc.hcx.closeCh:
		fc.lk.Lock()
		if fc.stream == stream {
			fc.stream = nil
		}
		fc.lk.Unlock()
		stream.Close()
	}
}
