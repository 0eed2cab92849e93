package codec

import (
	"encoding/binary"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// ByteReader is what `ReadFrame` needs from a stream, a `bufio.Reader`
// wrapping a QUIC stream satisfies it.
type ByteReader interface {
	io.Reader
	io.ByteReader
}

// WriteFrame writes `msg` prefixed by its varint encoded length.
func (c *Codec) WriteFrame(w io.Writer, msg []byte) error {
	if err := c.checkSize(len(msg)); err != nil {
		return err
	}

	prefixedBuf := protowire.AppendVarint(make([]byte, 0, binary.MaxVarintLen64+len(msg)), uint64(len(msg)))
	prefixedBuf = append(prefixedBuf, msg...)
	_, err := w.Write(prefixedBuf)
	return err
}

// ReadFrame reads one length-prefixed message. The length is checked
// against the size limit before any payload allocation.
func (c *Codec) ReadFrame(r ByteReader) ([]byte, error) {
	buf := make([]byte, 0, binary.MaxVarintLen64)
	for {
		b, err := r.ReadByte()
		if err != nil {
			if len(buf) > 0 && err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
		buf = append(buf, b)
		if b < 0x80 {
			break
		}
		if len(buf) == binary.MaxVarintLen64 {
			return nil, fmt.Errorf("%w: length prefix overflow", ErrParse)
		}
	}

	prefix, prefixSize := protowire.ConsumeVarint(buf)
	if prefixSize < 0 {
		return nil, fmt.Errorf("%w: %w", ErrParse, protowire.ParseError(prefixSize))
	}
	if prefix > uint64(c.limit()) {
		return nil, fmt.Errorf("%w: announced %d > %d bytes", ErrOversized, prefix, c.limit())
	}

	msg := make([]byte, prefix)
	if _, err := io.ReadFull(r, msg); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return msg, nil
}
