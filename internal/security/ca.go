// Package security implements the cluster's self-signed Certificate
// Authority and per-node mTLS certificate issuance, grounded on the
// teacher's pkg/security/ca.go and certs.go. Trust in the "trusted
// node mesh" spec.md assumes is established cryptographically here,
// not merely by network reachability.
package security

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"sync"
	"time"
)

// CertAuthority issues and tracks node certificates signed by a single
// cluster CA key pair.
type CertAuthority struct {
	mu sync.RWMutex

	caCert *x509.Certificate
	caKey  *ecdsa.PrivateKey

	nodeCert tls.Certificate
	pool     *x509.CertPool
}

// NewSelfSigned generates a brand-new CA key pair and self-signed
// certificate, used when bootstrapping the very first node of a
// cluster.
func NewSelfSigned(clusterName string) (*CertAuthority, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("security: generate CA key: %w", err)
	}
	serial, err := randSerial()
	if err != nil {
		return nil, err
	}
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: fmt.Sprintf("%s-ca", clusterName)},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("security: self-sign CA: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)

	ca := &CertAuthority{caCert: cert, caKey: key, pool: pool}
	if err := ca.issueLocal("bootstrap"); err != nil {
		return nil, err
	}
	return ca, nil
}

// LoadFromPEM reconstructs a CertAuthority from a previously persisted
// CA certificate and key (PEM-encoded), as done on rejoining an
// existing cluster after a restart.
func LoadFromPEM(certPEM, keyPEM []byte) (*CertAuthority, error) {
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, fmt.Errorf("security: invalid CA certificate PEM")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("security: parse CA certificate: %w", err)
	}
	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("security: invalid CA key PEM")
	}
	key, err := x509.ParseECPrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("security: parse CA key: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)

	ca := &CertAuthority{caCert: cert, caKey: key, pool: pool}
	if err := ca.issueLocal("node"); err != nil {
		return nil, err
	}
	return ca, nil
}

// CACertPEM returns the CA's own certificate, PEM-encoded, for
// distribution to joining nodes.
func (ca *CertAuthority) CACertPEM() []byte {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.caCert.Raw})
}

// CAKeyPEM returns the CA's private key, PEM-encoded, for persistence.
func (ca *CertAuthority) CAKeyPEM() ([]byte, error) {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	der, err := x509.MarshalECPrivateKey(ca.caKey)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}), nil
}

// Pool returns the trust pool containing the cluster CA certificate.
func (ca *CertAuthority) Pool() *x509.CertPool {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	return ca.pool
}

// NodeCertificate returns this process's own leaf certificate, used as
// both server and client credential for mTLS connections.
func (ca *CertAuthority) NodeCertificate() (tls.Certificate, error) {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	return ca.nodeCert, nil
}

// IssueCertificate signs a new leaf certificate for nodeID, returned
// PEM-encoded, for distribution to a joining node.
func (ca *CertAuthority) IssueCertificate(nodeID string) (certPEM, keyPEM []byte, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("security: generate node key: %w", err)
	}
	serial, err := randSerial()
	if err != nil {
		return nil, nil, err
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: nodeID},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(1, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}

	ca.mu.RLock()
	der, err := x509.CreateCertificate(rand.Reader, template, ca.caCert, &key.PublicKey, ca.caKey)
	ca.mu.RUnlock()
	if err != nil {
		return nil, nil, fmt.Errorf("security: sign node certificate: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, err
	}
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, nil
}

func (ca *CertAuthority) issueLocal(nodeID string) error {
	certPEM, keyPEM, err := ca.IssueCertificate(nodeID)
	if err != nil {
		return err
	}
	nodeCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return fmt.Errorf("security: build node tls certificate: %w", err)
	}
	ca.mu.Lock()
	ca.nodeCert = nodeCert
	ca.mu.Unlock()
	return nil
}

func randSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	return rand.Int(rand.Reader, limit)
}
