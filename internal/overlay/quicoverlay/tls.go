package quicoverlay

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"
)

// selfSignedCert generates a short-lived, self-signed Ed25519 TLS
// certificate for one QUIC endpoint. There is no CA here and none is
// expected: the certificate only carries TLS's per-connection forward
// secrecy, and peer authentication happens one layer up, in the
// ed25519-signed ECDH handshake this package runs over stream 0.
func selfSignedCert() (tls.Certificate, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("quicoverlay: generate cert key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("quicoverlay: generate serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "swarmdrop-quicoverlay"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, pub, priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("quicoverlay: create certificate: %w", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}, nil
}

// serverTLSConfig returns a TLS config for accepting inbound QUIC
// connections, using a freshly minted self-signed certificate.
func serverTLSConfig() (*tls.Config, error) {
	cert, err := selfSignedCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"swarmdrop-quicoverlay"},
	}, nil
}

// clientTLSConfig returns a TLS config for dialing out. Certificate
// verification is intentionally skipped: this reference overlay has no PKI,
// and real peer authentication is the ed25519-signed handshake layered on
// top, not the TLS handshake underneath it.
func clientTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{"swarmdrop-quicoverlay"},
	}
}
