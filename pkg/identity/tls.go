package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// ALPN negotiated on every connection.
const ALPN = "particula/1"

var ErrCertBinding = errors.New("identity: certificate is not bound to the peer id it claims")

// Certificate returns a self-signed certificate whose subject common name is
// the peer id and whose key is the peer identity key.
func (kp *KeyPair) Certificate(validity time.Duration) (tls.Certificate, error) {
	raw, err := kp.priv.Raw()
	if err != nil {
		return tls.Certificate{}, err
	}
	key := ed25519.PrivateKey(raw)

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, err
	}
	tmpl := x509.Certificate{
		Subject: pkix.Name{
			CommonName: kp.id.String(),
		},
		SerialNumber:          serialNumber,
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(validity),
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, key.Public(), key)
	if err != nil {
		return tls.Certificate{}, err
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{
		Certificate: [][]byte{der},
		Leaf:        leaf,
		PrivateKey:  key,
	}, nil
}

// TLSConfig builds a mutual TLS configuration without certificate
// authority: each side checks the peer certificate is signed by the key
// its common name designates.
func (kp *KeyPair) TLSConfig() (*tls.Config, error) {
	cert, err := kp.Certificate(365 * 24 * time.Hour)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates:          []tls.Certificate{cert},
		ClientAuth:            tls.RequireAnyClientCert,
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: VerifyPeerBinding,
		NextProtos:            []string{ALPN},
		MinVersion:            tls.VersionTLS13,
	}, nil
}

// VerifyPeerBinding implements `tls.Config.VerifyPeerCertificate`.
func VerifyPeerBinding(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(rawCerts) == 0 {
		return fmt.Errorf("%w: no certificate", ErrCertBinding)
	}
	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return err
	}
	if err := cert.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature); err != nil {
		return fmt.Errorf("%w: %w", ErrCertBinding, err)
	}
	now := time.Now()
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return fmt.Errorf("%w: certificate is not valid now", ErrCertBinding)
	}

	claimed, err := peer.Decode(cert.Subject.CommonName)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCertBinding, err)
	}
	stdPub, ok := cert.PublicKey.(ed25519.PublicKey)
	if !ok {
		return fmt.Errorf("%w: key is not ed25519", ErrCertBinding)
	}
	pub, err := crypto.UnmarshalEd25519PublicKey(stdPub)
	if err != nil {
		return err
	}
	if !claimed.MatchesPublicKey(pub) {
		return fmt.Errorf("%w: %s", ErrCertBinding, claimed)
	}
	return nil
}
