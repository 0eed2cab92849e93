package particula

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/quic-go/quic-go"
	"github.com/raskyld/particula/pkg/codec"
	"github.com/raskyld/particula/pkg/pool"
	"github.com/raskyld/particula/pkg/telemetry"
)

const (
	defaultUDPBufferSize int = 1 << 21
	defaultPort              = 6174
)

// TransportConfig represents configuration for the QUIC transport.
type TransportConfig struct {
	// BufferSize of the requested UDP kernel buffer.
	BufferSize int

	// EnforceBufferSize fails if the kernel doesn't allocate what we asked.
	// If that's false, we retry and divide by 2 the requested
	// `TransportConfig.BufferSize` until it fits or fails.
	EnforceBufferSize bool

	// TlsConfig MUST enable mutual authentication, see
	// `identity.KeyPair.TLSConfig`.
	TlsConfig *tls.Config

	// BindAddr and BindPort are where we want the transport to listen.
	BindAddr string
	BindPort int

	// AdvertiseAddr is the IP announced to other peers, required when
	// listening on an unspecified address.
	AdvertiseAddr string

	// HintMaxStreams gives an indication of how much concurrent streams a
	// peer may open with us.
	HintMaxStreams int64

	// PeerResolver to resolve peer ids from peer certificates.
	PeerResolver PeerResolver

	// Codec frames the messages carried by particle streams.
	Codec *codec.Codec

	// FrameHandler receives every message read from inbound particle
	// streams. It is called from the stream reader goroutine.
	FrameHandler func(from peer.ID, payload []byte)

	// ConnectHandler is invoked when a peer connected to us.
	ConnectHandler func(from peer.ID)

	// MetricsLabels to add to every metrics emitted by the transport.
	MetricLabels []metrics.Label

	// MetricSink to use for emitting metrics.
	MetricSink metrics.MetricSink

	// DialTimeout controls how much time we wait for stream establishment.
	DialTimeout time.Duration

	// GracePeriod is how long Shutdown waits for streams to flush before
	// closing the connections.
	GracePeriod time.Duration

	// LogHandler to use for emitting structured logs.
	LogHandler slog.Handler
}

// Transport multiplexes the gossip protocol and the particle streams over
// QUIC connections authenticated by peer id.
//
// Gossip packets are sent as datagrams and gossip streams as bidirectional
// streams, so `Transport` implements `memberlist.NodeAwareTransport`.
// Particle frames travel on unidirectional streams.
type Transport struct {
	cfg    *TransportConfig
	logger *slog.Logger
	msink  metrics.MetricSink

	// graceful termination asked, do not spam of connection error in logs
	gracefulTerm atomic.Bool
	dropCh       chan struct{}

	addrToPeer map[string]peer.ID
	peersInfo  map[peer.ID]Peer
	peersCxs   map[peer.ID][]hostCx
	peersLock  sync.RWMutex

	// Memberlist Protocol
	packetCh chan *memberlist.Packet
	streamCh chan net.Conn

	// QUIC layer
	tr *quic.Transport
	ln *quic.Listener

	// UDP layer
	udpLn *net.UDPConn
}

type hostCx struct {
	// closeCh is closed to wake-up stream garbage collectors.
	closeCh chan struct{}
	peer    peer.ID
	*quic.Conn
}

func NewTransport(cfg *TransportConfig) (*Transport, error) {
	if cfg.TlsConfig == nil {
		return nil, ErrNoTLSConfig
	}

	t := &Transport{
		cfg:        cfg,
		logger:     telemetry.Logger(cfg.LogHandler),
		msink:      telemetry.Sink(cfg.MetricSink),
		dropCh:     make(chan struct{}),
		addrToPeer: make(map[string]peer.ID),
		peersInfo:  make(map[peer.ID]Peer),
		peersCxs:   make(map[peer.ID][]hostCx),
		packetCh:   make(chan *memberlist.Packet, 64),
		streamCh:   make(chan net.Conn),
	}
	if cfg.Codec == nil {
		cfg.Codec = codec.New(0)
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}

	// release whatever was allocated before the failure.
	fail := func(err error) (*Transport, error) {
		t.Shutdown()
		return nil, err
	}

	port := cfg.BindPort
	if port == 0 {
		port = defaultPort
	}

	addr := net.ParseIP(cfg.BindAddr)
	if addr == nil {
		addr = net.IPv4zero
	}

	udpAddr := &net.UDPAddr{IP: addr, Port: port}
	udpLn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fail(fmt.Errorf("transport: failed to allocate UDP listener: %w", err))
	}
	t.udpLn = udpLn

	requested := cfg.BufferSize
	if requested == 0 {
		requested = defaultUDPBufferSize
	}

	if err := t.negociateBufferSize(requested); err != nil {
		return fail(err)
	}

	t.tr = &quic.Transport{
		Conn: udpLn,
	}

	if cfg.HintMaxStreams == 0 {
		cfg.HintMaxStreams = 1000
	}

	ln, err := t.tr.Listen(t.cfg.TlsConfig, t.quicConfig())
	if err != nil {
		return fail(fmt.Errorf("transport: failed to allocate QUIC listener: %w", err))
	}
	t.ln = ln

	go t.acceptCx()
	return t, nil
}

func (t *Transport) quicConfig() *quic.Config {
	return &quic.Config{
		Versions:              []quic.Version{quic.Version2, quic.Version1},
		EnableDatagrams:       true,
		Allow0RTT:             false,
		MaxIncomingStreams:    t.cfg.HintMaxStreams,
		MaxIncomingUniStreams: t.cfg.HintMaxStreams,
		MaxIdleTimeout:        1 * time.Minute,
		KeepAlivePeriod:       15 * time.Second,
	}
}

// LocalAddr is the UDP address the transport listens on.
func (t *Transport) LocalAddr() *net.UDPAddr {
	return t.udpLn.LocalAddr().(*net.UDPAddr)
}

// Multiaddr returns the advertised QUIC address of the transport.
func (t *Transport) Multiaddr() (ma.Multiaddr, error) {
	ip, port, err := t.FinalAdvertiseAddr(t.cfg.AdvertiseAddr, 0)
	if err != nil {
		return nil, err
	}
	return quicMultiaddr(ip.String(), port)
}

func (t *Transport) FinalAdvertiseAddr(ip string, port int) (net.IP, int, error) {
	if t.udpLn == nil {
		return nil, 0, ErrUdpNotAvailable
	}

	local := t.LocalAddr()
	advertiseAddr := local.IP
	if ip != "" {
		advertiseAddr = net.ParseIP(ip)
		if advertiseAddr == nil {
			return nil, 0, fmt.Errorf("%w: %s", ErrInvalidAddr, ip)
		}
	} else if t.cfg.AdvertiseAddr != "" {
		advertiseAddr = net.ParseIP(t.cfg.AdvertiseAddr)
		if advertiseAddr == nil {
			return nil, 0, fmt.Errorf("%w: %s", ErrInvalidAddr, t.cfg.AdvertiseAddr)
		}
	}
	if advertiseAddr.IsUnspecified() {
		return nil, 0, fmt.Errorf("%w: an advertise address is required when listening on %s", ErrInvalidAddr, local.IP)
	}
	if ip4 := advertiseAddr.To4(); ip4 != nil {
		advertiseAddr = ip4
	}

	if port == 0 {
		port = local.Port
	}
	return advertiseAddr, port, nil
}

func (t *Transport) WriteTo(b []byte, addr string) (time.Time, error) {
	return t.WriteToAddress(b, memberlist.Address{
		Addr: addr,
	})
}

func (t *Transport) WriteToAddress(b []byte, addr memberlist.Address) (time.Time, error) {
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.DialTimeout)
	defer cancel()
	hcx, err := t.getActiveCx(ctx, addr)
	if err != nil {
		return time.Time{}, err
	}

	mLabels := labelsForAddr(t.cfg.MetricLabels, hcx.RemoteAddr())
	ts := time.Now()
	err = hcx.SendDatagram(b)
	if err == nil {
		t.msink.IncrCounterWithLabels(MetricTransportDatagramOutBytes, float32(len(b)), mLabels)
	} else {
		t.msink.IncrCounterWithLabels(MetricTransportDatagramOutErrorCount, 1.0, mLabels)
	}
	return ts, err
}

func (t *Transport) PacketCh() <-chan *memberlist.Packet {
	return t.packetCh
}

func (t *Transport) DialTimeout(addr string, timeout time.Duration) (net.Conn, error) {
	return t.DialAddressTimeout(memberlist.Address{
		Addr: addr,
	}, timeout)
}

func (t *Transport) DialAddressTimeout(addr memberlist.Address, timeout time.Duration) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	hcx, err := t.getActiveCx(ctx, addr)
	if err != nil {
		t.msink.IncrCounterWithLabels(
			MetricTransportStreamEstOutErrorCount,
			1.0,
			telemetry.With(t.cfg.MetricLabels, telemetry.LabelError.M("no_conn_to_host")),
		)
		return nil, err
	}

	mLabels := labelsForAddr(t.cfg.MetricLabels, hcx.RemoteAddr())
	stream, err := hcx.OpenStreamSync(ctx)
	if err != nil {
		t.msink.IncrCounterWithLabels(
			MetricTransportStreamEstOutErrorCount,
			1.0,
			telemetry.With(mLabels, telemetry.LabelError.M("cannot_open_stream")),
		)
		return nil, err
	}

	swrap := &streamWrapper{
		localAddr:  hcx.LocalAddr(),
		remoteAddr: hcx.RemoteAddr(),
		Stream:     stream,
	}
	go swrap.garbageCollector(hcx.closeCh)

	t.msink.IncrCounterWithLabels(MetricTransportStreamEstOutCount, 1.0, mLabels)
	return swrap, nil
}

func (t *Transport) StreamCh() <-chan net.Conn {
	return t.streamCh
}

// Dial implements `pool.Dialer`: it reuses the active connection with `to`
// or dials its addresses in order until one answers as `to`.
func (t *Transport) Dial(ctx context.Context, to peer.ID, addrs []ma.Multiaddr) (pool.Conn, error) {
	if t.gracefulTerm.Load() {
		return nil, ErrShutdown
	}

	t.peersLock.RLock()
	hcx, ok := t.firstActiveCx(to)
	t.peersLock.RUnlock()
	if ok {
		return newFrameConn(t, hcx), nil
	}

	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoAddr, to)
	}

	var errs []error
	for _, addr := range addrs {
		udpAddr, err := udpAddrOf(addr)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		hcx, err := t.dial(ctx, udpAddr)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if hcx.peer != to {
			errs = append(errs, fmt.Errorf("%w: %s answered as %s", ErrPeerMismatch, addr, hcx.peer))
			continue
		}
		return newFrameConn(t, hcx), nil
	}
	return nil, errors.Join(errs...)
}

// Shutdown closes every connection after a grace period letting streams
// flush their buffers.
func (t *Transport) Shutdown() error {
	if !t.gracefulTerm.CompareAndSwap(false, true) {
		// no-op because it was already shutdown
		return nil
	}
	close(t.dropCh)

	t.peersLock.Lock()
	hadCxs := len(t.peersCxs) > 0
	for _, cxs := range t.peersCxs {
		for _, cx := range cxs {
			close(cx.closeCh)
		}
	}
	t.peersLock.Unlock()

	// dumb SO_LINGER like behaviour until it is implemented
	// in quic-go
	if hadCxs {
		time.Sleep(t.cfg.GracePeriod)
	}

	t.peersLock.Lock()
	for _, cxs := range t.peersCxs {
		for _, cx := range cxs {
			QErrShutdown.Close(cx.Conn, "we are shutting down! bye!")
		}
	}
	t.peersCxs = make(map[peer.ID][]hostCx)
	t.peersLock.Unlock()

	if t.ln != nil {
		t.ln.Close()
	}

	if t.tr != nil {
		t.tr.Close()
	}

	if t.udpLn != nil {
		t.udpLn.Close()
	}
	return nil
}

// Peers returns the peers we hold an active connection with.
func (t *Transport) Peers() []Peer {
	t.peersLock.RLock()
	defer t.peersLock.RUnlock()
	peers := make([]Peer, 0, len(t.peersCxs))
	for id := range t.peersCxs {
		if _, ok := t.firstActiveCx(id); ok {
			peers = append(peers, t.peersInfo[id])
		}
	}
	return peers
}

func (t *Transport) negociateBufferSize(requested int) error {
	size := requested
	for size > 0 {
		if err := t.udpLn.SetReadBuffer(size); err != nil {
			if t.cfg.EnforceBufferSize {
				return ErrBufferSize
			}
			size = size >> 1
			continue
		}
		if size != requested {
			t.logger.Warn("using smaller than expected UDP buffer", "bytes", size)
		}
		t.msink.SetGaugeWithLabels(
			MetricTransportUDPBufferSizeBytes,
			float32(size),
			t.cfg.MetricLabels,
		)
		return nil
	}
	return ErrBufferSize
}

func (t *Transport) acceptCx() {
	for {
		conn, err := t.ln.Accept(context.Background())
		if err != nil {
			if !t.gracefulTerm.Load() {
				// NB: the implementation only returns errors once the
				// listener is closed.
				t.logger.Warn("unexpected QUIC listener closure", telemetry.LabelError.L(err))
			}
			return
		}

		hcx, err := t.handleConn(conn)
		if err != nil {
			continue
		}
		if t.cfg.ConnectHandler != nil {
			t.cfg.ConnectHandler(hcx.peer)
		}
	}
}

func (t *Transport) waitForDatagrams(hcx hostCx) {
	remoteAddr := hcx.RemoteAddr()
	ctx := hcx.Context()
	logger := t.logger.With(telemetry.LabelPeer.L(hcx.peer))
	mLabels := labelsForAddr(t.cfg.MetricLabels, remoteAddr)

	for {
		buf, err := hcx.ReceiveDatagram(ctx)
		ts := time.Now()
		if t.gracefulTerm.Load() {
			logger.Debug("datagram listener gracefully shutting down")
			return
		}

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.msink.IncrCounterWithLabels(
				MetricTransportDatagramInErrorCount,
				1.0,
				telemetry.With(mLabels, telemetry.LabelError.M("unknown")),
			)
			logger.Error("error reading datagram", telemetry.LabelError.L(err))
			continue
		}

		n := len(buf)
		if n < 1 {
			t.msink.IncrCounterWithLabels(
				MetricTransportDatagramInErrorCount,
				1.0,
				telemetry.With(mLabels, telemetry.LabelError.M("too_small")),
			)
			logger.Error("received a too short datagram", "length", n)
			continue
		}

		t.msink.IncrCounterWithLabels(MetricTransportDatagramInBytes, float32(n), mLabels)
		select {
		case t.packetCh <- &memberlist.Packet{
			Buf:       buf,
			From:      remoteAddr,
			Timestamp: ts,
		}:
		case <-ctx.Done():
			return
		case <-t.dropCh:
			return
		}
	}
}

// handleStreams hands bidirectional streams to the gossip layer.
func (t *Transport) handleStreams(hcx hostCx) {
	ctx := hcx.Context()
	logger := t.logger.With(telemetry.LabelPeer.L(hcx.peer))
	mLabels := labelsForAddr(t.cfg.MetricLabels, hcx.RemoteAddr())

	for {
		stream, err := hcx.AcceptStream(ctx)
		if t.gracefulTerm.Load() {
			logger.Debug("stream listener gracefully shutting down")
			return
		}

		if err != nil {
			if ctx.Err() != nil {
				logger.Debug("connection was closed", telemetry.LabelError.L(context.Cause(ctx)))
				return
			}
			logger.Warn("error accepting stream", telemetry.LabelError.L(err))
			t.msink.IncrCounterWithLabels(
				MetricTransportStreamEstInErrorCount,
				1.0,
				telemetry.With(mLabels, telemetry.LabelError.M("unknown")),
			)
			continue
		}

		swrap := &streamWrapper{
			localAddr:  hcx.LocalAddr(),
			remoteAddr: hcx.RemoteAddr(),
			Stream:     stream,
		}

		// When a connection should be closed, it will first
		// close its `closeCh` channel and wait for its streams
		// to finish draining their buffers.
		go swrap.garbageCollector(hcx.closeCh)

		t.msink.IncrCounterWithLabels(MetricTransportStreamEstInCount, 1.0, mLabels)
		select {
		case t.streamCh <- swrap:
		case <-t.dropCh:
			stream.CancelRead(QErrStreamShutdown)
			stream.CancelWrite(QErrStreamShutdown)
			return
		}
	}
}

// handleUniStreams reads particle frames from unidirectional streams.
func (t *Transport) handleUniStreams(hcx hostCx) {
	ctx := hcx.Context()
	logger := t.logger.With(telemetry.LabelPeer.L(hcx.peer))

	for {
		stream, err := hcx.AcceptUniStream(ctx)
		if t.gracefulTerm.Load() {
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("error accepting particle stream", telemetry.LabelError.L(err))
			continue
		}
		go t.readFrames(hcx, stream)
	}
}

func (t *Transport) readFrames(hcx hostCx, stream *quic.ReceiveStream) {
	logger := t.logger.With(
		telemetry.LabelPeer.L(hcx.peer),
		telemetry.LabelStreamID.L(int64(stream.StreamID())),
	)
	mLabels := telemetry.With(t.cfg.MetricLabels, telemetry.LabelPeer.M(hcx.peer.String()))
	r := bufio.NewReader(stream)

	for {
		payload, err := t.cfg.Codec.ReadFrame(r)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF), t.gracefulTerm.Load(), hcx.Context().Err() != nil:
			case errors.Is(err, codec.ErrOversized), errors.Is(err, codec.ErrParse):
				logger.Warn("protocol violation on particle stream", telemetry.LabelError.L(err))
				stream.CancelRead(QErrStreamProtocolViolation)
				t.msink.IncrCounterWithLabels(
					MetricTransportStreamEstInErrorCount,
					1.0,
					telemetry.With(mLabels, telemetry.LabelError.M("protocol_violation")),
				)
			default:
				logger.Debug("particle stream broken", telemetry.LabelError.L(err))
			}
			return
		}

		t.msink.IncrCounterWithLabels(MetricTransportFrameInBytes, float32(len(payload)), mLabels)
		if t.cfg.FrameHandler != nil {
			t.cfg.FrameHandler(hcx.peer, payload)
		}
	}
}

func (t *Transport) getActiveCx(
	ctx context.Context,
	target memberlist.Address,
) (hostCx, error) {
	t.peersLock.RLock()
	var dest peer.ID
	if target.Name != "" {
		id, err := peer.Decode(target.Name)
		if err != nil {
			t.peersLock.RUnlock()
			return hostCx{}, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
		}
		dest = id
	} else {
		resolved, ok := t.addrToPeer[target.Addr]
		if !ok {
			t.peersLock.RUnlock()
			return t.dialAddr(ctx, target.Addr)
		}
		dest = resolved
	}

	cx, hasCx := t.firstActiveCx(dest)
	t.peersLock.RUnlock()
	if hasCx {
		return cx, nil
	}
	return t.dialAddr(ctx, target.Addr)
}

func (t *Transport) dialAddr(ctx context.Context, target string) (hostCx, error) {
	addr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return hostCx{}, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}
	return t.dial(ctx, addr)
}

func (t *Transport) dial(ctx context.Context, addr *net.UDPAddr) (hostCx, error) {
	cx, err := t.tr.Dial(ctx, addr, t.cfg.TlsConfig, t.quicConfig())
	if t.gracefulTerm.Load() {
		if cx != nil {
			QErrShutdown.Close(cx, "we are shutting down")
		}
		return hostCx{}, ErrShutdown
	}
	if err != nil {
		t.msink.IncrCounterWithLabels(
			MetricTransportConnErrorCount,
			1.0,
			telemetry.With(labelsForAddr(t.cfg.MetricLabels, addr), telemetry.LabelError.M("dial")),
		)
		return hostCx{}, err
	}

	return t.handleConn(cx)
}

// not thread safe!
// must be called by an holder of Write lock
func (t *Transport) garbageCollectCxs(dest peer.ID) []hostCx {
	cxs, hasCxs := t.peersCxs[dest]
	if !hasCxs {
		return nil
	}

	cleanedUpList := make([]hostCx, 0, len(cxs))
	for _, cx := range cxs {
		if cx.Context().Err() == nil {
			cleanedUpList = append(cleanedUpList, cx)
		}
	}

	if len(cleanedUpList) == 0 {
		delete(t.peersCxs, dest)
		return nil
	}
	t.peersCxs[dest] = cleanedUpList
	return cleanedUpList
}

// not thread safe!
// must be called by an holder of Read lock
func (t *Transport) firstActiveCx(dest peer.ID) (hostCx, bool) {
	for _, cx := range t.peersCxs[dest] {
		if cx.Context().Err() == nil {
			return cx, true
		}
	}
	return hostCx{}, false
}

func (t *Transport) handleConn(conn *quic.Conn) (hostCx, error) {
	remote := conn.RemoteAddr().String()
	peerAddr, peerPortStr, err := net.SplitHostPort(remote)
	if err != nil {
		panic(fmt.Sprintf("unreachable: unexpected address format %s", remote))
	}
	peerPort, err := strconv.Atoi(peerPortStr)
	if err != nil {
		panic(err)
	}

	logger := t.logger.With("addr", peerAddr, "port", peerPort)
	resolver := t.cfg.PeerResolver
	if resolver == nil {
		resolver = CommonNameResolver
	}

	mLabels := labelsForAddr(t.cfg.MetricLabels, conn.RemoteAddr())

	id, uerr, err := resolver(conn.ConnectionState().TLS.PeerCertificates)
	if err != nil {
		logger.Error("failed to resolve peer id", telemetry.LabelError.L(err))
		t.msink.IncrCounterWithLabels(
			MetricTransportConnErrorCount,
			1.0,
			telemetry.With(mLabels, telemetry.LabelError.M("peer_resolution")),
		)
		if uerr == "" {
			QErrInternal.Close(conn, "unexpected error during peer resolution")
		} else {
			QErrPeerID.Close(conn, fmt.Sprintf("error during resolution: %s", uerr))
		}
		return hostCx{}, fmt.Errorf("%w: %w", ErrPeerResolve, err)
	}

	mLabels = telemetry.With(mLabels, telemetry.LabelPeer.M(id.String()))

	hcx := hostCx{
		closeCh: make(chan struct{}),
		peer:    id,
		Conn:    conn,
	}

	t.peersLock.Lock()
	if t.gracefulTerm.Load() {
		t.peersLock.Unlock()
		QErrShutdown.Close(conn, "we are shutting down")
		return hostCx{}, ErrShutdown
	}
	if current, ok := t.addrToPeer[remote]; ok && current != id {
		logger.Warn("a new peer is using a known address",
			slog.String("old", current.String()),
			slog.String("new", id.String()),
		)
	} else if !ok {
		logger.Info("new peer discovered", telemetry.LabelPeer.L(id))
	}
	t.addrToPeer[remote] = id
	t.peersInfo[id] = Peer{ID: id, Addr: peerAddr, Port: peerPort}

	// Then, we actually perform the connection update
	// after a pass of garbage collection.
	alive := t.garbageCollectCxs(id)
	t.peersCxs[id] = append(alive, hcx)
	t.peersLock.Unlock()

	t.msink.IncrCounterWithLabels(MetricTransportConnEstCount, 1.0, mLabels)

	// NB: it's ok to pass by value, the struct is just cheap pointers.
	go t.waitForDatagrams(hcx)
	go t.handleStreams(hcx)
	go t.handleUniStreams(hcx)
	return hcx, nil
}

func quicMultiaddr(ip string, port int) (ma.Multiaddr, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAddr, ip)
	}
	family := "ip6"
	if parsed.To4() != nil {
		family = "ip4"
	}
	return ma.NewMultiaddr(fmt.Sprintf("/%s/%s/udp/%d/quic-v1", family, parsed, port))
}

func udpAddrOf(addr ma.Multiaddr) (*net.UDPAddr, error) {
	ip, err := addr.ValueForProtocol(ma.P_IP4)
	if err != nil {
		ip, err = addr.ValueForProtocol(ma.P_IP6)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAddr, addr)
	}
	port, err := addr.ValueForProtocol(ma.P_UDP)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAddr, addr)
	}
	return net.ResolveUDPAddr("udp", net.JoinHostPort(ip, port))
}
