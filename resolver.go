package particula

import (
	"crypto/x509"
	"log/slog"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

// PeerResolver can resolve a peer id from a list of `x509.Certificate`,
// those certificates are the one received from a remote peer.
//
// The contract of this function is:
//
// *Implementations* MUST NOT be blocking, since they are invoked on
// the connection establishment critical path.
//
// If the resolution is successful, *Implementations* MUST return a peer id
// and a nil error.
//
// Otherwise, *Implementations* MUST return a human-friendly error string
// as a second argument, which will be sent to the remote peer, so they can
// debug the error.
//
// If they return a non-nil error but an empty string, a `QErrInternal` is
// returned to the remote instead.
type PeerResolver func(certs []*x509.Certificate) (peer.ID, string, error)

// CommonNameResolver is the default resolver, it decodes the peer id from
// the x509 Subject Common Name of the peer certificate. The TLS handshake
// already checked the certificate is signed by the key of that peer.
func CommonNameResolver(certs []*x509.Certificate) (peer.ID, string, error) {
	if len(certs) == 0 {
		return "", "it seems like you haven't provided client certificate", ErrPeerResolve
	}

	id, err := peer.Decode(certs[0].Subject.CommonName)
	if err != nil {
		return "", "common name is not a peer id", err
	}
	return id, "", nil
}

// Peer is what the transport knows about a remote peer.
type Peer struct {
	ID   peer.ID
	Addr string
	Port int
}

// Multiaddr of the QUIC endpoint of the peer.
func (p *Peer) Multiaddr() (ma.Multiaddr, error) {
	return quicMultiaddr(p.Addr, p.Port)
}

func (p *Peer) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", p.ID.String()),
		slog.String("addr", p.Addr),
		slog.Int("port", p.Port),
	)
}
