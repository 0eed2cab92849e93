package particula

import (
	"errors"
	"fmt"

	"github.com/quic-go/quic-go"
)

var (
	ErrInvalidCfg  = errors.New("node: invalid options")
	ErrNodeClosed  = errors.New("node: closed")
	ErrJoinCluster = errors.New("node: could not join cluster")
	ErrNoIdentity  = errors.New("node: an identity is required")
	ErrBadMeta     = errors.New("membership: malformed node meta")

	ErrBufferSize      = errors.New("transport: could not allocate udp buffer")
	ErrPeerResolve     = errors.New("transport: could not resolve peer from certificate")
	ErrPeerMismatch    = errors.New("transport: dialed peer is not the expected one")
	ErrInvalidAddr     = errors.New("transport: the address you provided is invalid")
	ErrNoAddr          = errors.New("transport: no address to dial")
	ErrUdpNotAvailable = errors.New("transport: UDP listener not available")
	ErrShutdown        = errors.New("transport: shutting down")
	ErrNoTLSConfig     = errors.New("transport: TlsConfig is required")
)

var (
	QErrStreamProtocolViolation = quic.StreamErrorCode(0xFF)
	QErrStreamShutdown          = quic.StreamErrorCode(0xFE)
)

var (
	QErrInternal = QuicApplicationError{
		Code:   0x1,
		Prefix: "internal",
	}
	QErrPeerID = QuicApplicationError{
		Code:   0x2,
		Prefix: "peer id",
	}
	QErrShutdown = QuicApplicationError{
		Code:   0x3,
		Prefix: "shutdown",
	}
)

type QuicApplicationError struct {
	Code   uint64
	Prefix string
}

func (qerr *QuicApplicationError) Close(conn *quic.Conn, msg string) error {
	if conn != nil {
		return conn.CloseWithError(
			quic.ApplicationErrorCode(qerr.Code),
			fmt.Sprintf("%s: %s", qerr.Prefix, msg),
		)
	}
	return nil
}
