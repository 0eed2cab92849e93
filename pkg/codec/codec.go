package codec

import (
	"bytes"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/raskyld/particula/pkg/particle"
	"google.golang.org/protobuf/encoding/protowire"
)

// DefaultMaxSize bounds encoded messages when no limit is configured.
const DefaultMaxSize = 1 << 20

var (
	ErrParse        = errors.New("codec: malformed message")
	ErrOversized    = errors.New("codec: message exceeds size limit")
	ErrInvalidFrame = errors.New("codec: frame must carry exactly one message")
	ErrUnencodable  = errors.New("codec: value cannot be encoded")
)

// Particle envelope field numbers.
const (
	fieldParticleID        protowire.Number = 1
	fieldParticleOrigin    protowire.Number = 2
	fieldParticleTimestamp protowire.Number = 3
	fieldParticleTTL       protowire.Number = 4
	fieldParticleScript    protowire.Number = 5
	fieldParticleSignature protowire.Number = 6
	fieldParticleData      protowire.Number = 7
)

// Codec translates particles and frames to and from their wire envelope.
//
// The zero value is usable and enforces `DefaultMaxSize`.
type Codec struct {
	MaxSize int
}

func New(maxSize int) *Codec {
	return &Codec{MaxSize: maxSize}
}

func (c *Codec) limit() int {
	if c == nil || c.MaxSize <= 0 {
		return DefaultMaxSize
	}
	return c.MaxSize
}

func (c *Codec) checkSize(n int) error {
	if n > c.limit() {
		return fmt.Errorf("%w: %d > %d bytes", ErrOversized, n, c.limit())
	}
	return nil
}

func (c *Codec) EncodeParticle(p *particle.Particle) ([]byte, error) {
	buf := appendParticle(nil, p)
	if err := c.checkSize(len(buf)); err != nil {
		return nil, err
	}
	return buf, nil
}

func (c *Codec) DecodeParticle(buf []byte) (*particle.Particle, error) {
	if err := c.checkSize(len(buf)); err != nil {
		return nil, err
	}
	return consumeParticle(buf)
}

func appendParticle(b []byte, p *particle.Particle) []byte {
	b = appendString(b, fieldParticleID, p.ID)
	b = appendString(b, fieldParticleOrigin, p.Origin.String())
	b = appendVarint(b, fieldParticleTimestamp, p.Timestamp)
	b = appendVarint(b, fieldParticleTTL, p.TTL)
	b = appendString(b, fieldParticleScript, p.Script)
	b = appendBytes(b, fieldParticleSignature, p.Signature)
	b = appendBytes(b, fieldParticleData, p.Data)
	return b
}

func consumeParticle(buf []byte) (*particle.Particle, error) {
	p := &particle.Particle{}
	var origin string
	err := walk(buf, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldParticleID:
			return consumeString(typ, b, &p.ID)
		case fieldParticleOrigin:
			return consumeString(typ, b, &origin)
		case fieldParticleTimestamp:
			return consumeVarint(typ, b, &p.Timestamp)
		case fieldParticleTTL:
			return consumeVarint(typ, b, &p.TTL)
		case fieldParticleScript:
			return consumeString(typ, b, &p.Script)
		case fieldParticleSignature:
			return consumeBytes(typ, b, &p.Signature)
		case fieldParticleData:
			return consumeBytes(typ, b, &p.Data)
		}
		return skip(num, typ, b)
	})
	if err != nil {
		return nil, err
	}

	if p.ID == "" {
		return nil, fmt.Errorf("%w: particle id is missing", ErrParse)
	}
	if !utf8.ValidString(p.Script) {
		return nil, fmt.Errorf("%w: script is not valid utf-8", ErrParse)
	}
	p.Origin, err = decodePeer(origin)
	if err != nil {
		return nil, fmt.Errorf("%w: origin: %w", ErrParse, err)
	}
	return p, nil
}

func decodePeer(s string) (peer.ID, error) {
	if s == "" {
		return "", errors.New("missing peer id")
	}
	return peer.Decode(s)
}

// walk iterates over every field of a message, `fn` must return how many
// bytes of `b` the field value used.
func walk(buf []byte, fn func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return fmt.Errorf("%w: %w", ErrParse, protowire.ParseError(n))
		}
		buf = buf[n:]

		m, err := fn(num, typ, buf)
		if err != nil {
			return err
		}
		buf = buf[m:]
	}
	return nil
}

func skip(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	n := protowire.ConsumeFieldValue(num, typ, b)
	if n < 0 {
		return 0, fmt.Errorf("%w: %w", ErrParse, protowire.ParseError(n))
	}
	return n, nil
}

func wrongType(want, got protowire.Type) error {
	return fmt.Errorf("%w: wire type %d, expected %d", ErrParse, got, want)
}

func consumeString(typ protowire.Type, b []byte, dst *string) (int, error) {
	if typ != protowire.BytesType {
		return 0, wrongType(protowire.BytesType, typ)
	}
	v, n := protowire.ConsumeString(b)
	if n < 0 {
		return 0, fmt.Errorf("%w: %w", ErrParse, protowire.ParseError(n))
	}
	*dst = v
	return n, nil
}

func consumeBytes(typ protowire.Type, b []byte, dst *[]byte) (int, error) {
	if typ != protowire.BytesType {
		return 0, wrongType(protowire.BytesType, typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return 0, fmt.Errorf("%w: %w", ErrParse, protowire.ParseError(n))
	}
	// decoded values must not alias the receive buffer.
	*dst = bytes.Clone(v)
	return n, nil
}

func consumeVarint(typ protowire.Type, b []byte, dst *uint64) (int, error) {
	if typ != protowire.VarintType {
		return 0, wrongType(protowire.VarintType, typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, fmt.Errorf("%w: %w", ErrParse, protowire.ParseError(n))
	}
	*dst = v
	return n, nil
}

// Empty fields are skipped, like proto3 does for scalar defaults.

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}
