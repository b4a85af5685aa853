// Package ca maintains a persistent root certificate authority and mints
// per-host leaf certificates for TLS man-in-the-middle interception.
//
// A CA owns its root key/cert and its leaf cache for the lifetime of the
// process. A MITM session holds a shared, non-owning reference; it never
// mutates root material.
package ca

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrCAInitFailed is returned by LoadOrCreate when the storage directory is
// unwritable or existing certificate material is corrupt. It is fatal at
// startup: the embedder must refuse to start the proxy.
var ErrCAInitFailed = errors.New("ca: init failed")

// ErrLeafIssueFailed is returned by CertFor when a leaf cannot be minted. It
// is fatal only for the connection requesting the leaf.
var ErrLeafIssueFailed = errors.New("ca: leaf issue failed")

const (
	rootKeyFile  = "rootCA.key.pem"
	rootCertFile = "rootCA.cert.pem"

	rootValidity = 10 * 365 * 24 * time.Hour
	leafValidity = 825 * 24 * time.Hour
)

// CA holds a persistent root key pair and certificate, plus a cache of
// per-host leaf certificates minted from it.
type CA struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey

	mu    sync.Mutex
	cache map[string]*tls.Certificate
}

// LoadOrCreate loads a root CA from storageDir, generating one on first run.
// Fails with a wrapped ErrCAInitFailed if the directory is unwritable or
// existing files are corrupt.
func LoadOrCreate(storageDir string) (*CA, error) {
	keyPath := filepath.Join(storageDir, rootKeyFile)
	certPath := filepath.Join(storageDir, rootCertFile)

	ca, err := loadCA(keyPath, certPath)
	if err == nil {
		return ca, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: loading existing CA: %v", ErrCAInitFailed, err)
	}

	ca, err = generateCA(storageDir, keyPath, certPath)
	if err != nil {
		return nil, fmt.Errorf("%w: generating CA: %v", ErrCAInitFailed, err)
	}
	return ca, nil
}

func loadCA(keyPath, certPath string) (*CA, error) {
	keyPEM, err := os.ReadFile(keyPath) //nolint:gosec // controlled path under storageDir
	if err != nil {
		return nil, err
	}
	certPEM, err := os.ReadFile(certPath) //nolint:gosec // controlled path under storageDir
	if err != nil {
		return nil, err
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("ca: no PEM block in %s", keyPath)
	}
	keyAny, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("ca: parsing private key: %w", err)
	}
	key, ok := keyAny.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("ca: root key is not ECDSA")
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, fmt.Errorf("ca: no PEM block in %s", certPath)
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("ca: parsing certificate: %w", err)
	}

	return &CA{cert: cert, key: key, cache: make(map[string]*tls.Certificate)}, nil
}

func generateCA(storageDir, keyPath, certPath string) (*CA, error) {
	if err := os.MkdirAll(storageDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating storage dir: %w", err)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating root key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   "mockpod Root CA",
			Organization: []string{"mockpod"},
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(rootValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("creating root certificate: %w", err)
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshaling root key: %w", err)
	}

	if err := writePEMAtomic(keyPath, "PRIVATE KEY", keyDER, 0o600); err != nil {
		return nil, err
	}
	if err := writePEMAtomic(certPath, "CERTIFICATE", der, 0o600); err != nil {
		return nil, err
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parsing generated certificate: %w", err)
	}

	return &CA{cert: cert, key: key, cache: make(map[string]*tls.Certificate)}, nil
}

// writePEMAtomic writes a PEM-encoded block to a temp file in the same
// directory, then renames it into place, so a crash mid-write never leaves
// a partial root CA file on disk.
func writePEMAtomic(path, blockType string, der []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".mockpod-ca-*")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := pem.Encode(tmp, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, fmt.Errorf("generating serial: %w", err)
	}
	return serial, nil
}

// CertFor returns the leaf certificate for host, minting and caching it on
// first call. Subsequent calls for the same host return the cached leaf
// without re-issuing, per the CA's "never re-issue for a cached host"
// contract.
func (c *CA) CertFor(host string) (*tls.Certificate, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cert, ok := c.cache[host]; ok {
		return cert, nil
	}

	cert, err := c.issueLeaf(host)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLeafIssueFailed, err)
	}
	c.cache[host] = cert
	return cert, nil
}

// CacheSize reports how many leaf certificates are currently cached.
func (c *CA) CacheSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cache)
}

func (c *CA) issueLeaf(host string) (*tls.Certificate, error) {
	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating leaf key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	notBefore := time.Now().Add(-time.Hour)
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: host},
		NotBefore:    notBefore,
		NotAfter:     notBefore.Add(leafValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, c.cert, &leafKey.PublicKey, c.key)
	if err != nil {
		return nil, fmt.Errorf("signing leaf certificate: %w", err)
	}

	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parsing leaf certificate: %w", err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{der, c.cert.Raw},
		PrivateKey:  leafKey,
		Leaf:        leaf,
	}, nil
}

// LeafTLSServerConfig returns a TLS server configuration whose certificate
// chain is [leaf(host), root] and whose private key is the leaf's.
func (c *CA) LeafTLSServerConfig(host string) (*tls.Config, error) {
	leaf, err := c.CertFor(host)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{*leaf},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// RootCADER returns the root CA certificate as raw DER bytes, for export to
// client devices (§6, §4.8).
func (c *CA) RootCADER() []byte {
	return c.cert.Raw
}

// RootCAPEM returns the root CA certificate PEM-encoded.
func (c *CA) RootCAPEM() string {
	block := &pem.Block{Type: "CERTIFICATE", Bytes: c.cert.Raw}
	return string(pem.EncodeToMemory(block))
}
