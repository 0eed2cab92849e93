package particula

import (
	"context"
	"log/slog"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/raskyld/particula/pkg/identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type frameRecorder struct {
	lk     sync.Mutex
	frames []string
	from   []peer.ID
}

func (fr *frameRecorder) handle(from peer.ID, payload []byte) {
	fr.lk.Lock()
	defer fr.lk.Unlock()
	fr.frames = append(fr.frames, string(payload))
	fr.from = append(fr.from, from)
}

func (fr *frameRecorder) get() ([]string, []peer.ID) {
	fr.lk.Lock()
	defer fr.lk.Unlock()
	return append([]string(nil), fr.frames...), append([]peer.ID(nil), fr.from...)
}

func newTestTransport(t *testing.T, emitter string, port int, frames *frameRecorder, connected chan<- peer.ID) (*Transport, *identity.KeyPair) {
	t.Helper()
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:     slog.LevelDebug,
		AddSource: true,
	}).WithAttrs([]slog.Attr{
		{Key: "emitter", Value: slog.StringValue(emitter)},
	})

	kp, err := identity.Generate()
	require.NoError(t, err)
	tlsConf, err := kp.TLSConfig()
	require.NoError(t, err)

	ts, err := NewTransport(&TransportConfig{
		TlsConfig:    tlsConf,
		BindAddr:     "127.0.0.1",
		BindPort:     port,
		MetricSink:   metrics.NewInmemSink(time.Second, 5*time.Minute),
		LogHandler:   handler,
		FrameHandler: frames.handle,
		ConnectHandler: func(from peer.ID) {
			select {
			case connected <- from:
			default:
			}
		},
		DialTimeout: 5 * time.Second,
		GracePeriod: 50 * time.Millisecond,
	})
	require.NoError(t, err, "failed to start %s", emitter)
	return ts, kp
}

func TestNewTransport(t *testing.T) {
	n1Frames, n2Frames := &frameRecorder{}, &frameRecorder{}
	n1Connected := make(chan peer.ID, 8)
	n2Connected := make(chan peer.ID, 8)

	ts1, kp1 := newTestTransport(t, "node1", 6021, n1Frames, n1Connected)
	ts2, kp2 := newTestTransport(t, "node2", 6022, n2Frames, n2Connected)

	t.Run("advertised address", func(t *testing.T) {
		addr, err := ts1.Multiaddr()
		require.NoError(t, err)
		assert.Equal(t, "/ip4/127.0.0.1/udp/6021/quic-v1", addr.String())
	})

	t.Run("write datagram from n1 to n2", func(t *testing.T) {
		_, err := ts1.WriteTo([]byte("hello"), "localhost:6022")
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		select {
		case packet := <-ts2.PacketCh():
			t.Logf("received %s from peer %s", packet.Buf, packet.From)
			require.Equal(t, "hello", string(packet.Buf), "unexpected packet data")
		case <-ctx.Done():
			t.Fatalf("timed out")
		}

		select {
		case id := <-n2Connected:
			require.Equal(t, kp1.PeerID(), id, "n2 should know who connected")
		case <-ctx.Done():
			t.Fatalf("connect handler not invoked")
		}
	})

	t.Run("open stream from n2 to n1", func(t *testing.T) {
		ts := time.Now()
		conn, err := ts2.DialTimeout("localhost:6021", 1*time.Minute)
		require.NoError(t, err)
		t.Logf("dialing took %s", time.Since(ts).String())

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		select {
		case stream := <-ts1.StreamCh():
			conn.Write([]byte("a"))
			conn.Write([]byte("b"))
			conn.Write([]byte("c"))

			var n int
			var hasAppended bool
			buf := make([]byte, 1500)
			require.Eventually(t, func() bool {
				m, err := readStreamSkipEmpty(t, ctx, stream, buf[n:])
				n = m + n
				if !hasAppended {
					conn.Write([]byte("d"))
					hasAppended = true
				}
				current := string(buf[:n])
				t.Logf("currently the buffer contains: %s", current)
				return err == nil && current == "abcd"
			}, 2*time.Second, 100*time.Millisecond)
		case <-ctx.Done():
			t.Fatalf("timed out")
		}
	})

	t.Run("frames from n1 to n2", func(t *testing.T) {
		addr, err := ts2.Multiaddr()
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		conn, err := ts1.Dial(ctx, kp2.PeerID(), []ma.Multiaddr{addr})
		require.NoError(t, err)

		sent := []string{"first", "second", "third"}
		for _, frame := range sent {
			require.NoError(t, conn.Send(ctx, []byte(frame)))
		}

		require.Eventually(t, func() bool {
			frames, _ := n2Frames.get()
			return len(frames) == len(sent)
		}, 5*time.Second, 20*time.Millisecond)
		frames, from := n2Frames.get()
		assert.Equal(t, sent, frames)
		for _, id := range from {
			assert.Equal(t, kp1.PeerID(), id)
		}

		// the particle stream is re-opened after a close.
		require.NoError(t, conn.Close())
		require.NoError(t, conn.Send(ctx, []byte("fourth")))
		require.Eventually(t, func() bool {
			frames, _ := n2Frames.get()
			return len(frames) == len(sent)+1
		}, 5*time.Second, 20*time.Millisecond)
	})

	t.Run("dial reuses the active connection", func(t *testing.T) {
		conn, err := ts2.Dial(context.Background(), kp1.PeerID(), nil)
		require.NoError(t, err)
		require.NoError(t, conn.Send(context.Background(), []byte("pong")))
		require.Eventually(t, func() bool {
			frames, _ := n1Frames.get()
			return len(frames) == 1 && frames[0] == "pong"
		}, 5*time.Second, 20*time.Millisecond)
	})

	t.Run("dial checks the peer id", func(t *testing.T) {
		addr, err := ts2.Multiaddr()
		require.NoError(t, err)
		stranger, err := identity.Generate()
		require.NoError(t, err)

		_, err = ts1.Dial(context.Background(), stranger.PeerID(), []ma.Multiaddr{addr})
		require.ErrorIs(t, err, ErrPeerMismatch)

		_, err = ts1.Dial(context.Background(), stranger.PeerID(), nil)
		require.ErrorIs(t, err, ErrNoAddr)
	})

	t.Run("peers", func(t *testing.T) {
		var ids []peer.ID
		for _, p := range ts1.Peers() {
			ids = append(ids, p.ID)
		}
		assert.Contains(t, ids, kp2.PeerID())
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		ts1.Shutdown()
		wg.Done()
	}()
	go func() {
		ts2.Shutdown()
		wg.Done()
	}()
	wg.Wait()

	_, err := ts1.Dial(context.Background(), kp2.PeerID(), nil)
	require.ErrorIs(t, err, ErrShutdown)
}

func TestTransportRequiresTLS(t *testing.T) {
	_, err := NewTransport(&TransportConfig{BindAddr: "127.0.0.1", BindPort: 6023})
	require.ErrorIs(t, err, ErrNoTLSConfig)
}

func TestTransportListenerFailure(t *testing.T) {
	ts, _ := newTestTransport(t, "node1", 6024, &frameRecorder{}, nil)
	defer ts.Shutdown()

	kp, err := identity.Generate()
	require.NoError(t, err)
	tlsConf, err := kp.TLSConfig()
	require.NoError(t, err)

	for name, port := range map[string]int{"port in use": 6024, "invalid port": -1} {
		t.Run(name, func(t *testing.T) {
			var other *Transport
			require.NotPanics(t, func() {
				other, err = NewTransport(&TransportConfig{
					TlsConfig: tlsConf,
					BindAddr:  "127.0.0.1",
					BindPort:  port,
				})
			})
			require.Error(t, err)
			require.Nil(t, other)
		})
	}
}

func readStreamSkipEmpty(t *testing.T, ctx context.Context, stream net.Conn, buf []byte) (int, error) {
	var n int
	var err error
	dl, ok := ctx.Deadline()
	if ok {
		stream.SetReadDeadline(dl)
	}

	for {
		n, err = stream.Read(buf)
		if err != nil {
			return 0, err
		}

		if ctx.Err() != nil {
			return 0, ctx.Err()
		}

		if n > 0 {
			return n, nil
		} else {
			t.Log("received an empty frame from the stream")
		}
	}
}
