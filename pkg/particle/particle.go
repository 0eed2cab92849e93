package particle

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/peer"
)

var (
	ErrSignatureInvalid = errors.New("particle: signature is invalid")
	ErrExpired          = errors.New("particle: ttl expired")
	ErrNoSigner         = errors.New("particle: no signer")
)

// Particle is a signed unit of mobile computation.
//
// Everything but `Data` is immutable once the particle is signed, `Data`
// is only ever replaced by interpreter output.
type Particle struct {
	ID        string
	Origin    peer.ID
	Timestamp uint64 // ms since epoch
	TTL       uint64 // ms
	Script    string
	Signature []byte
	Data      []byte
}

// Key uniquely identifies a particle on a node.
type Key struct {
	Origin peer.ID
	ID     string
}

func (k Key) String() string {
	return k.Origin.String() + "/" + k.ID
}

// Signer produces signatures for the local peer.
type Signer interface {
	PeerID() peer.ID
	Sign([]byte) ([]byte, error)
}

// Verifier checks a signature was produced by `origin`.
type Verifier interface {
	Verify(origin peer.ID, payload, sig []byte) error
}

// New creates and signs a particle originating from the signer.
func New(signer Signer, script string, data []byte, ttl time.Duration) (*Particle, error) {
	if signer == nil {
		return nil, ErrNoSigner
	}
	p := &Particle{
		ID:        uuid.NewString(),
		Origin:    signer.PeerID(),
		Timestamp: uint64(time.Now().UnixMilli()),
		TTL:       uint64(ttl.Milliseconds()),
		Script:    script,
		Data:      data,
	}
	if err := p.Sign(signer); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Particle) Key() Key {
	return Key{Origin: p.Origin, ID: p.ID}
}

// Deadline is the absolute expiry of the particle.
func (p *Particle) Deadline() time.Time {
	return time.UnixMilli(int64(p.Timestamp + p.TTL))
}

// Expired reports whether the deadline is reached at `now`.
func (p *Particle) Expired(now time.Time) bool {
	return !now.Before(p.Deadline())
}

// SigningPayload returns the bytes covered by the signature.
//
// `Data` is not covered: it changes on every hop and the signature is
// verified at each ingress. Timestamp and TTL are, so that no hop can extend
// the deadline.
func (p *Particle) SigningPayload() []byte {
	var buf bytes.Buffer
	writeField(&buf, []byte(p.ID))
	writeField(&buf, []byte(p.Origin))
	var num [16]byte
	binary.BigEndian.PutUint64(num[:8], p.Timestamp)
	binary.BigEndian.PutUint64(num[8:], p.TTL)
	buf.Write(num[:])
	writeField(&buf, []byte(p.Script))
	return buf.Bytes()
}

func writeField(buf *bytes.Buffer, field []byte) {
	var size [4]byte
	binary.BigEndian.PutUint32(size[:], uint32(len(field)))
	buf.Write(size[:])
	buf.Write(field)
}

func (p *Particle) Sign(signer Signer) error {
	if signer.PeerID() != p.Origin {
		return fmt.Errorf("particle: cannot sign for %s as %s", p.Origin, signer.PeerID())
	}
	sig, err := signer.Sign(p.SigningPayload())
	if err != nil {
		return err
	}
	p.Signature = sig
	return nil
}

func (p *Particle) Verify(v Verifier) error {
	if len(p.Signature) == 0 {
		return ErrSignatureInvalid
	}
	if err := v.Verify(p.Origin, p.SigningPayload(), p.Signature); err != nil {
		return fmt.Errorf("%w: %w", ErrSignatureInvalid, err)
	}
	return nil
}

// WithData returns a shallow copy carrying new execution state.
func (p *Particle) WithData(data []byte) *Particle {
	cp := *p
	cp.Data = data
	return &cp
}

func (p *Particle) Equal(other *Particle) bool {
	if p == nil || other == nil {
		return p == other
	}
	return p.ID == other.ID &&
		p.Origin == other.Origin &&
		p.Timestamp == other.Timestamp &&
		p.TTL == other.TTL &&
		p.Script == other.Script &&
		bytes.Equal(p.Signature, other.Signature) &&
		bytes.Equal(p.Data, other.Data)
}

func (p *Particle) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", p.ID),
		slog.String("origin", p.Origin.String()),
		slog.Time("deadline", p.Deadline()),
		slog.Int("data_bytes", len(p.Data)),
	)
}
