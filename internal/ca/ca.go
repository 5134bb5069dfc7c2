// Package ca is the built-in certificate authority for agent mTLS. It
// mints the server certificate and per-host client certificates, and
// validates client certificates presented on agent connections.
package ca

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	caValidity   = 10 * 365 * 24 * time.Hour
	leafValidity = 365 * 24 * time.Hour
	rsaKeyBits   = 2048
)

// Authority holds the CA key pair and the issued server certificate.
// Issuance is serialized; validation is read-only and lock-free.
type Authority struct {
	dir    string
	caCert *x509.Certificate
	caKey  *rsa.PrivateKey

	mu         sync.Mutex // serializes issuance and server cert state
	serverCert *x509.Certificate
	serverTLS  tls.Certificate
}

// EnsureCA loads the CA pair from dir, generating and persisting a fresh
// one on first run. The CA certificate is self-signed with a 10-year
// validity, leaf-only path length, and cert-signing key usage. Files:
// ca.crt (0644) and ca.key (PKCS#8, 0600). Idempotent.
func EnsureCA(dir string) (*Authority, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating certificate directory: %w", err)
	}

	certPath := filepath.Join(dir, "ca.crt")
	keyPath := filepath.Join(dir, "ca.key")

	if fileExists(certPath) && fileExists(keyPath) {
		a, err := loadCA(dir, certPath, keyPath)
		if err == nil {
			return a, nil
		}
		// Broken files are regenerated below.
	}

	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generating CA key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, fmt.Errorf("generating CA serial: %w", err)
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   "SysManage CA",
			Organization: []string{"SysManage"},
		},
		NotBefore: now.Add(-1 * time.Hour), // clock skew allowance
		NotAfter:  now.Add(caValidity),

		IsCA:                  true,
		BasicConstraintsValid: true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,

		KeyUsage: x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("creating CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("parsing CA certificate: %w", err)
	}

	if err := writeCertPEM(certPath, certDER, 0o644); err != nil {
		return nil, err
	}
	if err := writeKeyPEM(keyPath, key); err != nil {
		return nil, err
	}

	return &Authority{dir: dir, caCert: cert, caKey: key}, nil
}

// EnsureServerCert loads or issues the server certificate bound to
// hostname, with SANs for localhost and the loopback addresses and
// serverAuth extended key usage. Validity 1 year. Idempotent: an existing
// pair that still covers hostname and has not expired is reused.
func (a *Authority) EnsureServerCert(hostname string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	certPath := filepath.Join(a.dir, "server.crt")
	keyPath := filepath.Join(a.dir, "server.key")

	if fileExists(certPath) && fileExists(keyPath) {
		if err := a.loadServerCert(certPath, keyPath, hostname); err == nil {
			return nil
		}
		// Missing hostname, expiry, or parse failure: reissue.
	}

	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return fmt.Errorf("generating server key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return fmt.Errorf("generating server serial: %w", err)
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: hostname},
		NotBefore:    now.Add(-1 * time.Hour),
		NotAfter:     now.Add(leafValidity),

		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,

		DNSNames:    []string{hostname, "localhost"},
		IPAddresses: []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, tmpl, a.caCert, &key.PublicKey, a.caKey)
	if err != nil {
		return fmt.Errorf("signing server certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return fmt.Errorf("parsing server certificate: %w", err)
	}

	if err := writeCertPEM(certPath, certDER, 0o644); err != nil {
		return err
	}
	if err := writeKeyPEM(keyPath, key); err != nil {
		return err
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshalling server key: %w", err)
	}
	tlsCert, err := tls.X509KeyPair(
		pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}),
		pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}),
	)
	if err != nil {
		return fmt.Errorf("assembling server key pair: %w", err)
	}

	a.serverCert = cert
	a.serverTLS = tlsCert
	return nil
}

// MintClientCert issues a 1-year client certificate for an approved host.
// The Common Name carries the fqdn and the Organizational Unit the host id,
// so ValidateClientCert can recover both without a store lookup. Returns
// the certificate PEM, the key PEM, and the serial recorded on the host row
// for revocation checks.
func (a *Authority) MintClientCert(fqdn, hostID string) (certPEM, keyPEM []byte, serial string, err error) {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, nil, "", fmt.Errorf("generating client key: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	serialNum, err := randomSerial()
	if err != nil {
		return nil, nil, "", fmt.Errorf("generating client serial: %w", err)
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serialNum,
		Subject: pkix.Name{
			CommonName:         fqdn,
			OrganizationalUnit: []string{hostID},
		},
		NotBefore: now.Add(-1 * time.Hour),
		NotAfter:  now.Add(leafValidity),

		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,

		DNSNames: []string{fqdn},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, tmpl, a.caCert, &key.PublicKey, a.caKey)
	if err != nil {
		return nil, nil, "", fmt.Errorf("signing client certificate: %w", err)
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, nil, "", fmt.Errorf("marshalling client key: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, fmt.Sprintf("%x", serialNum), nil
}

// ValidateClientCert checks a presented client certificate against this CA
// and recovers the identity it was minted with. Any cryptographic or
// temporal failure yields ok=false; only well-formed, unexpired
// certificates signed by this CA pass. Revocation is an authorization-layer
// decision made against the host row, not here.
func (a *Authority) ValidateClientCert(certPEM []byte) (fqdn, hostID string, ok bool) {
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return "", "", false
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return "", "", false
	}
	return a.validateParsed(cert)
}

// ValidateClientCertDER is the TLS-handshake variant taking the leaf
// certificate already parsed from the connection state.
func (a *Authority) ValidateClientCertDER(cert *x509.Certificate) (fqdn, hostID string, ok bool) {
	return a.validateParsed(cert)
}

func (a *Authority) validateParsed(cert *x509.Certificate) (string, string, bool) {
	// A single self-signed CA: issuer equality plus a direct signature
	// check stands in for path validation.
	if cert.Issuer.String() != a.caCert.Subject.String() {
		return "", "", false
	}
	if err := cert.CheckSignatureFrom(a.caCert); err != nil {
		return "", "", false
	}
	now := time.Now()
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return "", "", false
	}
	if cert.Subject.CommonName == "" || len(cert.Subject.OrganizationalUnit) == 0 {
		return "", "", false
	}
	return cert.Subject.CommonName, cert.Subject.OrganizationalUnit[0], true
}

// ServerFingerprint returns the uppercase hex SHA-256 of the DER-encoded
// server certificate, the value agents pin against.
func (a *Authority) ServerFingerprint() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.serverCert == nil {
		return "", fmt.Errorf("server certificate not issued")
	}
	sum := sha256.Sum256(a.serverCert.Raw)
	return strings.ToUpper(fmt.Sprintf("%x", sum)), nil
}

// ServerTLSCertificate returns the server key pair for the TLS listener.
func (a *Authority) ServerTLSCertificate() (tls.Certificate, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.serverCert == nil {
		return tls.Certificate{}, fmt.Errorf("server certificate not issued")
	}
	return a.serverTLS, nil
}

// CACertPEM returns the CA certificate PEM distributed to agents for
// bootstrap.
func (a *Authority) CACertPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: a.caCert.Raw})
}

// Expiries reports the NotAfter instants of the CA and server
// certificates. A zero server time means no server certificate has been
// issued yet.
func (a *Authority) Expiries() (caNotAfter, serverNotAfter time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.serverCert != nil {
		serverNotAfter = a.serverCert.NotAfter
	}
	return a.caCert.NotAfter, serverNotAfter
}

// CACertPool returns a pool holding only this CA, for tls.Config.ClientCAs.
func (a *Authority) CACertPool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(a.caCert)
	return pool
}

func loadCA(dir, certPath, keyPath string) (*Authority, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("reading CA certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading CA key: %w", err)
	}

	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in CA certificate")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing CA certificate: %w", err)
	}

	block, _ = pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in CA key")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing CA key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("CA key is %T, want RSA", parsed)
	}

	return &Authority{dir: dir, caCert: cert, caKey: key}, nil
}

func (a *Authority) loadServerCert(certPath, keyPath, hostname string) error {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return err
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return err
	}
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return fmt.Errorf("no PEM block in server certificate")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return err
	}
	if err := cert.VerifyHostname(hostname); err != nil {
		return err
	}
	if time.Now().After(cert.NotAfter) {
		return fmt.Errorf("server certificate expired")
	}
	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return err
	}
	a.serverCert = cert
	a.serverTLS = tlsCert
	return nil
}

// randomSerial generates a 128-bit random serial.
func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	return rand.Int(rand.Reader, limit)
}

func writeCertPEM(path string, certDER []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("writing certificate %s: %w", path, err)
	}
	defer f.Close()
	if err := pem.Encode(f, &pem.Block{Type: "CERTIFICATE", Bytes: certDER}); err != nil {
		return fmt.Errorf("encoding certificate PEM: %w", err)
	}
	return nil
}

func writeKeyPEM(path string, key *rsa.PrivateKey) error {
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshalling key: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("writing key %s: %w", path, err)
	}
	defer f.Close()
	if err := pem.Encode(f, &pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}); err != nil {
		return fmt.Errorf("encoding key PEM: %w", err)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
