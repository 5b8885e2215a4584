package identity

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

// certValidity срок действия самоподписанного сертификата
const certValidity = 10 * 365 * 24 * time.Hour

// Certificate builds a self-signed TLS certificate carrying the node's
// ed25519 public key. Peers do not trust the certificate chain; they extract
// the public key from the leaf and pin it against the expected NodeID.
func (i *Identity) Certificate() (tls.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("identity: certificate serial: %w", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: i.id.String()},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(certValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{i.id.String()},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, i.private.Public(), i.private)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("identity: create certificate: %w", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  i.private,
	}, nil
}

// NodeIDFromCert extracts the node id from a peer leaf certificate.
func NodeIDFromCert(cert *x509.Certificate) (NodeID, error) {
	pub, ok := cert.PublicKey.(ed25519.PublicKey)
	if !ok {
		return NodeID{}, fmt.Errorf("identity: peer certificate key is %T, expected ed25519", cert.PublicKey)
	}
	return NodeIDFromPublicKey(pub)
}
