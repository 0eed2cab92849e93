// Package identity binds a libp2p key pair to the signing and verification
// needs of the node, and to the certificate presented on QUIC connections.
package identity

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

var (
	ErrNoPublicKey    = errors.New("identity: public key cannot be extracted from peer id")
	ErrBadSignature   = errors.New("identity: signature does not match")
	ErrUnsupportedKey = errors.New("identity: only ed25519 keys are supported")
)

// KeyPair is the identity of the local peer.
type KeyPair struct {
	priv crypto.PrivKey
	id   peer.ID
}

// Generate creates a fresh ed25519 identity.
func Generate() (*KeyPair, error) {
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, err
	}
	return FromPrivKey(priv)
}

func FromPrivKey(priv crypto.PrivKey) (*KeyPair, error) {
	if priv.Type() != crypto.Ed25519 {
		return nil, ErrUnsupportedKey
	}
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	return &KeyPair{priv: priv, id: id}, nil
}

// Unmarshal reads a key serialized with `KeyPair.Marshal`.
func Unmarshal(buf []byte) (*KeyPair, error) {
	priv, err := crypto.UnmarshalPrivateKey(buf)
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}
	return FromPrivKey(priv)
}

// LoadOrGenerate reads the key at `path`, generating and persisting a new
// one if the file does not exist.
func LoadOrGenerate(path string) (*KeyPair, error) {
	buf, err := os.ReadFile(path)
	if err == nil {
		return Unmarshal(buf)
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	kp, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := kp.WriteFile(path); err != nil {
		return nil, err
	}
	return kp, nil
}

func (kp *KeyPair) Marshal() ([]byte, error) {
	return crypto.MarshalPrivateKey(kp.priv)
}

func (kp *KeyPair) WriteFile(path string) error {
	buf, err := kp.Marshal()
	if err != nil {
		return err
	}
	return os.WriteFile(path, buf, 0o600)
}

func (kp *KeyPair) PeerID() peer.ID {
	return kp.id
}

func (kp *KeyPair) PrivKey() crypto.PrivKey {
	return kp.priv
}

func (kp *KeyPair) Sign(payload []byte) ([]byte, error) {
	return kp.priv.Sign(payload)
}

// Verify checks `sig` against the public key embedded in `origin`.
func (kp *KeyPair) Verify(origin peer.ID, payload, sig []byte) error {
	return Verify(origin, payload, sig)
}

// Verifier verifies signatures of any peer whose public key is inlined in
// its id, which is always the case for ed25519 identities.
type Verifier struct{}

func (Verifier) Verify(origin peer.ID, payload, sig []byte) error {
	return Verify(origin, payload, sig)
}

func Verify(origin peer.ID, payload, sig []byte) error {
	pub, err := origin.ExtractPublicKey()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNoPublicKey, err)
	}
	ok, err := pub.Verify(payload, sig)
	if err != nil {
		return err
	}
	if !ok {
		return ErrBadSignature
	}
	return nil
}
