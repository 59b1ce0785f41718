package mitm

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"netcapture/internal/domain"
)

const (
	ProductName = "NetCapture"

	caValidity   = 10 * 365 * 24 * time.Hour
	leafValidity = 365 * 24 * time.Hour
)

// CaManager owns the local root CA and signs per-domain leaf certificates.
// The parsed certificate and signer are immutable after New and safe for concurrent use.
type CaManager struct {
	certPath string
	keyPath  string
	certPEM  []byte
	keyPEM   []byte
	caCert   *x509.Certificate
	caKey    crypto.Signer
}

// New loads <storageDir>/certificates/ca.{crt,key}, generating and persisting a
// fresh root when the pair does not exist yet.
func New(storageDir string) (*CaManager, error) {
	dir := filepath.Join(storageDir, "certificates")
	certPath := filepath.Join(dir, "ca.crt")
	keyPath := filepath.Join(dir, "ca.key")

	if fileExists(certPath) && fileExists(keyPath) {
		return LoadFiles(certPath, keyPath)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: create %s: %w", domain.ErrCertificate, dir, err)
	}
	certPEM, keyPEM, err := GenerateRootCA(ProductName+" Local CA", ProductName)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return nil, fmt.Errorf("%w: write %s: %w", domain.ErrCertificate, keyPath, err)
	}
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return nil, fmt.Errorf("%w: write %s: %w", domain.ErrCertificate, certPath, err)
	}
	ca, err := FromPEM(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	ca.certPath, ca.keyPath = certPath, keyPath
	return ca, nil
}

// LoadFiles loads an existing CA pair, e.g. one provided through configuration.
func LoadFiles(certPath, keyPath string) (*CaManager, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", domain.ErrCertificate, certPath, err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", domain.ErrCertificate, keyPath, err)
	}
	ca, err := FromPEM(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	ca.certPath, ca.keyPath = certPath, keyPath
	return ca, nil
}

// FromPEM parses a CA certificate and its private key (PKCS#1, SEC1 or PKCS#8).
func FromPEM(certPEM, keyPEM []byte) (*CaManager, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("%w: invalid CA certificate PEM", domain.ErrCertificate)
	}
	caCert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: parse CA certificate: %w", domain.ErrCertificate, err)
	}
	key, err := parsePrivateKey(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrCertificate, err)
	}
	return &CaManager{certPEM: certPEM, keyPEM: keyPEM, caCert: caCert, caKey: key}, nil
}

func parsePrivateKey(keyPEM []byte) (crypto.Signer, error) {
	kblk, _ := pem.Decode(keyPEM)
	if kblk == nil {
		return nil, errors.New("invalid CA key PEM")
	}
	switch kblk.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(kblk.Bytes)
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(kblk.Bytes)
	case "PRIVATE KEY":
		pk, err := x509.ParsePKCS8PrivateKey(kblk.Bytes)
		if err != nil {
			return nil, err
		}
		signer, ok := pk.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("unsupported CA key type %T", pk)
		}
		return signer, nil
	default:
		return nil, fmt.Errorf("unknown CA key PEM block type %q", kblk.Type)
	}
}

// GenerateRootCA creates a self-signed root valid for ten years.
func GenerateRootCA(commonName, organization string) (certPEM, keyPEM []byte, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: generate CA key: %w", domain.ErrCertificate, err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, nil, err
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName, Organization: []string{organization}},
		NotBefore:             now,
		NotAfter:              now.Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            -1,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: self-sign CA: %w", domain.ErrCertificate, err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: encode CA key: %w", domain.ErrCertificate, err)
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, nil
}

// SignCertForDomain signs a fresh one-year leaf whose only SAN is domain.
// Every call uses a new key pair; nothing is cached.
func (ca *CaManager) SignCertForDomain(host string) (certPEM, keyPEM []byte, err error) {
	if err := validateDomain(host); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", domain.ErrCertificate, err)
	}
	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: generate leaf key: %w", domain.ErrCertificate, err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, nil, err
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: host},
		NotBefore:             now,
		NotAfter:              now.Add(leafValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	if ip := net.ParseIP(host); ip != nil {
		tmpl.IPAddresses = []net.IP{ip}
	} else {
		tmpl.DNSNames = []string{host}
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.caCert, &leafKey.PublicKey, ca.caKey)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: sign leaf for %s: %w", domain.ErrCertificate, host, err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(leafKey)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: encode leaf key: %w", domain.ErrCertificate, err)
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, nil
}

func (ca *CaManager) CertPEM() []byte { return ca.certPEM }
func (ca *CaManager) KeyPEM() []byte  { return ca.keyPEM }
func (ca *CaManager) CertPath() string { return ca.certPath }

// Certificate returns the parsed root.
func (ca *CaManager) Certificate() *x509.Certificate { return ca.caCert }

func (ca *CaManager) Info() domain.CaInfo {
	return domain.CaInfo{Exists: true, Path: ca.certPath, PEM: string(ca.certPEM)}
}

// TrustedBySystem reports whether the root verifies against the OS trust store.
func (ca *CaManager) TrustedBySystem() bool {
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		return false
	}
	_, err = ca.caCert.Verify(x509.VerifyOptions{Roots: pool, KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny}})
	return err == nil
}

func validateDomain(host string) error {
	if host == "" {
		return errors.New("empty domain")
	}
	if net.ParseIP(host) != nil {
		return nil
	}
	if len(host) > 253 {
		return fmt.Errorf("domain too long: %d bytes", len(host))
	}
	for _, label := range strings.Split(strings.TrimSuffix(host, "."), ".") {
		if label == "" || len(label) > 63 {
			return fmt.Errorf("invalid domain %q", host)
		}
		for _, c := range label {
			switch {
			case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == '*':
			default:
				return fmt.Errorf("invalid character %q in domain %q", c, host)
			}
		}
	}
	return nil
}

func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("%w: serial: %w", domain.ErrCertificate, err)
	}
	return serial, nil
}

func fileExists(p string) bool {
	st, err := os.Stat(p)
	return err == nil && !st.IsDir()
}
