// Package localca issues TLS certificates for the local document API from a
// firm-local certificate authority.
//
// The CA is created on first start and kept in the data directory. Clients
// inside the firm trust the CA certificate once; leaf certificates are
// minted on demand for whatever name the client dials (SNI), including bare
// IP addresses.
package localca

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
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/net/http2"

	"legal-pii-handshake/internal/logger"
)

const (
	maxLeafCache = 1024
	caValidity   = 5 * 365 * 24 * time.Hour
	leafValidity = 7 * 24 * time.Hour
	// leaves closer than this to expiry are reissued
	renewBefore = time.Hour
)

// CA holds the authority key material and a cache of issued leaves.
type CA struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
	log  *logger.Logger

	mu     sync.RWMutex
	leaves map[string]*tls.Certificate
}

// LoadOrCreate loads the CA from PEM files, creating both files when the
// certificate does not exist yet. Existing but unreadable material is an
// error; it is never silently replaced.
func LoadOrCreate(certFile, keyFile string, log *logger.Logger) (*CA, error) {
	if log == nil {
		log = logger.Discard()
	}
	ca, err := Load(certFile, keyFile)
	if err == nil {
		ca.log = log
		log.Infof("load", "using local CA %s", certFile)
		return ca, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load local CA: %w", err)
	}

	if err := Create(certFile, keyFile); err != nil {
		return nil, fmt.Errorf("create local CA: %w", err)
	}
	ca, err = Load(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load created CA: %w", err)
	}
	ca.log = log
	log.Infof("create", "created local CA %s", certFile)
	log.Infof("create", "distribute %s to clients that call the document API over TLS", certFile)
	return ca, nil
}

// Load reads a CA certificate and its private key. The key may be SEC 1 or
// PKCS #8 encoded.
func Load(certFile, keyFile string) (*CA, error) {
	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return nil, err
	}
	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", certFile)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse CA cert: %w", err)
	}
	if !cert.IsCA {
		return nil, fmt.Errorf("%s is not a CA certificate", certFile)
	}

	block, _ = pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", keyFile)
	}
	key, err := parseKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	if !key.PublicKey.Equal(cert.PublicKey) {
		return nil, errors.New("CA key does not match certificate")
	}

	return &CA{
		cert:   cert,
		key:    key,
		log:    logger.Discard(),
		leaves: make(map[string]*tls.Certificate),
	}, nil
}

func parseKey(der []byte) (*ecdsa.PrivateKey, error) {
	if k, err := x509.ParseECPrivateKey(der); err == nil {
		return k, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse CA key: %w", err)
	}
	k, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, errors.New("CA key is not ECDSA")
	}
	return k, nil
}

// Create writes a new self-signed CA certificate and key. Both files are
// written with mode 0600 and their directory is created if needed.
func Create(certFile, keyFile string) error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	serial, err := newSerial()
	if err != nil {
		return err
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   "Legal PII Handshake Local CA",
			Organization: []string{"Legal PII Handshake"},
		},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("create CA cert: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal CA key: %w", err)
	}

	if err := writePEM(certFile, "CERTIFICATE", der); err != nil {
		return err
	}
	return writePEM(keyFile, "EC PRIVATE KEY", keyDER)
}

func writePEM(path, typ string, der []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := pem.Encode(f, &pem.Block{Type: typ, Bytes: der}); err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

func newSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}
	return serial, nil
}

// Certificate returns the CA certificate.
func (ca *CA) Certificate() *x509.Certificate { return ca.cert }

// Pool returns a pool holding only the CA, for clients of the local API.
func (ca *CA) Pool() *x509.CertPool {
	p := x509.NewCertPool()
	p.AddCert(ca.cert)
	return p
}

// LeafFor returns a serving certificate for host, issuing and caching one
// when none is cached or the cached one is about to expire. host may be a
// DNS name or an IP literal.
func (ca *CA) LeafFor(host string) (*tls.Certificate, error) {
	ca.mu.RLock()
	c, ok := ca.leaves[host]
	ca.mu.RUnlock()
	if ok && time.Until(c.Leaf.NotAfter) > renewBefore {
		return c, nil
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate leaf key: %w", err)
	}
	serial, err := newSerial()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: host},
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(leafValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(host); ip != nil {
		tmpl.IPAddresses = []net.IP{ip}
	} else {
		tmpl.DNSNames = []string{host}
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, &key.PublicKey, ca.key)
	if err != nil {
		return nil, fmt.Errorf("sign leaf for %s: %w", host, err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	c = &tls.Certificate{
		Certificate: [][]byte{der, ca.cert.Raw},
		PrivateKey:  key,
		Leaf:        leaf,
	}

	ca.mu.Lock()
	if len(ca.leaves) >= maxLeafCache {
		clear(ca.leaves)
	}
	ca.leaves[host] = c
	ca.mu.Unlock()

	ca.log.With("host", host).Debugf("issue", "leaf valid until %s", leaf.NotAfter.Format(time.RFC3339))
	return c, nil
}

// ServerConfig returns a TLS config that presents a leaf for the name the
// client asked for. Clients that send no SNI (typically those dialing an IP)
// get a leaf for fallbackHost.
func (ca *CA) ServerConfig(fallbackHost string) *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			host := hello.ServerName
			if host == "" {
				host = fallbackHost
			}
			return ca.LeafFor(host)
		},
		NextProtos: []string{"h2", "http/1.1"},
	}
}

// Configure enables TLS with HTTP/2 on srv. Start it with
// ListenAndServeTLS("", "").
func (ca *CA) Configure(srv *http.Server, fallbackHost string) error {
	srv.TLSConfig = ca.ServerConfig(fallbackHost)
	return http2.ConfigureServer(srv, &http2.Server{
		MaxConcurrentStreams: 250,
		MaxReadFrameSize:     1 << 20,
		IdleTimeout:          90 * time.Second,
	})
}
