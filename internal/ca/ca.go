package ca

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/acmegate/acmegate/internal/config"
	"github.com/acmegate/acmegate/internal/storage"
)

const (
	caKeySize         = 4096
	defaultSerialBits = 128
)

var logger *zap.Logger

func init() {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		panic(fmt.Sprintf("failed to initialize zap logger: %v", err))
	}
	logger = l.With(zap.String("package", "ca"))
}

// ErrCANotInitialized indicates the issuer keypair could not be loaded or generated.
var ErrCANotInitialized = errors.New("ca: CA certificate or private key is not initialized")

// Issuer signs end-entity certificates for domains routed to local issuance.
type Issuer interface {
	SignCSR(ctx context.Context, csr *x509.CertificateRequest, lifetime time.Duration) (*x509.Certificate, error)
	CACertificate() *x509.Certificate
	ID() string
}

// Signer is one internally managed CA, loaded from or generated into storage
// under its issuer ID.
type Signer struct {
	issuerID string
	cfg      *config.Config
	caCert   *x509.Certificate
	caKey    crypto.Signer
}

var _ Issuer = (*Signer)(nil)

// Pool lazily constructs Signers by issuer ID. Multiple internal CAs can
// coexist; each domain policy names the one allowed to issue for it.
type Pool struct {
	cfg   *config.Config
	store storage.Storage

	mu      sync.Mutex
	signers map[string]*Signer
}

// NewPool creates a Pool over the given storage.
func NewPool(cfg *config.Config, store storage.Storage) *Pool {
	return &Pool{cfg: cfg, store: store, signers: make(map[string]*Signer)}
}

// Get returns the Signer for issuerID, loading its key material from storage
// or generating a fresh self-signed CA on first use.
func (p *Pool) Get(ctx context.Context, issuerID string) (*Signer, error) {
	if issuerID == "" {
		return nil, errors.New("ca: issuer ID must not be empty")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if signer, ok := p.signers[issuerID]; ok {
		return signer, nil
	}

	signer, err := newSigner(ctx, p.cfg, p.store, issuerID)
	if err != nil {
		return nil, err
	}
	p.signers[issuerID] = signer
	return signer, nil
}

func newSigner(ctx context.Context, cfg *config.Config, store storage.Storage, issuerID string) (*Signer, error) {
	s := &Signer{issuerID: issuerID, cfg: cfg}

	pemKeyBytes, pemCertBytes, err := store.GetCAKeyPair(ctx, issuerID)
	if err != nil {
		return nil, fmt.Errorf("ca: load key pair for issuer %s: %w", issuerID, err)
	}

	if pemKeyBytes == nil || pemCertBytes == nil {
		logger.Info("Issuer key material not found in storage, generating",
			zap.String("issuer_id", issuerID))
		newKey, newCert, err := generateCAKeyAndCert(cfg, issuerID)
		if err != nil {
			return nil, fmt.Errorf("ca: generate key pair for issuer %s: %w", issuerID, err)
		}
		s.caKey = newKey
		s.caCert = newCert

		pemKeyBytes, err = encodePrivateKey(newKey)
		if err != nil {
			return nil, fmt.Errorf("ca: encode generated key for issuer %s: %w", issuerID, err)
		}
		if err := store.SaveCAKeyPair(ctx, issuerID, pemKeyBytes, EncodeCertificate(newCert)); err != nil {
			return nil, fmt.Errorf("ca: persist key pair for issuer %s: %w", issuerID, err)
		}
		logger.Info("Generated and saved issuer key pair", zap.String("issuer_id", issuerID))
		return s, nil
	}

	s.caKey, err = parsePrivateKey(pemKeyBytes)
	if err != nil {
		return nil, fmt.Errorf("ca: parse stored key for issuer %s: %w", issuerID, err)
	}
	s.caCert, err = parseCertificate(pemCertBytes)
	if err != nil {
		return nil, fmt.Errorf("ca: parse stored certificate for issuer %s: %w", issuerID, err)
	}
	logger.Info("Loaded issuer key pair from storage", zap.String("issuer_id", issuerID))
	return s, nil
}

// ID returns the issuer ID.
func (s *Signer) ID() string { return s.issuerID }

// CACertificate returns the issuing CA certificate.
func (s *Signer) CACertificate() *x509.Certificate { return s.caCert }

// ChainPEM returns the PEM-encoded CA certificate, appended to issued leaf
// certificates when the full chain is served.
func (s *Signer) ChainPEM() []byte { return EncodeCertificate(s.caCert) }

// SignCSR signs a CSR with the issuer key. Lifetime is clamped to the
// configured default and to the CA certificate's own validity.
func (s *Signer) SignCSR(ctx context.Context, csr *x509.CertificateRequest, lifetime time.Duration) (*x509.Certificate, error) {
	if s.caKey == nil || s.caCert == nil {
		return nil, ErrCANotInitialized
	}
	l := logger.With(zap.Strings("dns_names", csr.DNSNames), zap.String("issuer_id", s.issuerID))
	l.Info("Received CSR for signing")

	if err := csr.CheckSignature(); err != nil {
		l.Warn("CSR signature validation failed", zap.Error(err))
		return nil, fmt.Errorf("ca: invalid CSR signature: %w", err)
	}

	switch csr.PublicKey.(type) {
	case *rsa.PublicKey, *ecdsa.PublicKey:
	default:
		return nil, errors.New("ca: unsupported public key type in CSR")
	}
	if len(csr.DNSNames) == 0 {
		return nil, errors.New("ca: CSR must contain at least one DNS name SAN")
	}

	maxLifetime := time.Duration(s.cfg.DefaultCertValidityDays) * 24 * time.Hour
	if lifetime <= 0 || lifetime > maxLifetime {
		lifetime = maxLifetime
	}
	notBefore := time.Now().Add(-2 * time.Minute)
	notAfter := notBefore.Add(lifetime)
	if notAfter.After(s.caCert.NotAfter) {
		l.Warn("Certificate lifetime exceeds CA validity, clamping",
			zap.Time("requested_not_after", notAfter),
			zap.Time("ca_not_after", s.caCert.NotAfter))
		notAfter = s.caCert.NotAfter
	}

	serialNumber, err := generateSerialNumber()
	if err != nil {
		return nil, err
	}
	ski, err := computeSubjectKeyID(csr.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("ca: compute subject key identifier: %w", err)
	}

	subject := pkix.Name{Organization: []string{s.cfg.Organization}}
	if len(csr.DNSNames) > 0 {
		subject.CommonName = csr.DNSNames[0]
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject:      subject,
		DNSNames:     csr.DNSNames,

		NotBefore: notBefore,
		NotAfter:  notAfter,

		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  false,

		SubjectKeyId:   ski,
		AuthorityKeyId: s.caCert.SubjectKeyId,
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, s.caCert, csr.PublicKey, s.caKey)
	if err != nil {
		l.Error("Failed to create certificate", zap.Error(err))
		return nil, fmt.Errorf("ca: create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(derBytes)
	if err != nil {
		return nil, fmt.Errorf("ca: parse created certificate: %w", err)
	}

	l.Info("Signed certificate",
		zap.String("serial", cert.SerialNumber.Text(16)),
		zap.Time("expiry", cert.NotAfter))
	return cert, nil
}

// computeSubjectKeyID calculates the SKI per RFC 5280 section 4.2.1.2
// method (1): SHA-1 of the SubjectPublicKey BIT STRING.
func computeSubjectKeyID(pub crypto.PublicKey) ([]byte, error) {
	derBytes, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	var spki struct {
		Algorithm        pkix.AlgorithmIdentifier
		SubjectPublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(derBytes, &spki); err != nil {
		return nil, fmt.Errorf("failed to unmarshal SubjectPublicKeyInfo: %w", err)
	}
	hash := sha1.Sum(spki.SubjectPublicKey.Bytes)
	return hash[:], nil
}

// --- Helper Functions ---

func generateSerialNumber() (*big.Int, error) {
	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), defaultSerialBits)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return nil, fmt.Errorf("ca: generate serial number: %w", err)
	}
	if serialNumber.Sign() != 1 {
		return nil, errors.New("ca: generated non-positive serial number")
	}
	return serialNumber, nil
}

func generateCAKeyAndCert(cfg *config.Config, issuerID string) (crypto.Signer, *x509.Certificate, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, caKeySize)
	if err != nil {
		return nil, nil, fmt.Errorf("generate CA private key: %w", err)
	}

	serialNumber, err := generateSerialNumber()
	if err != nil {
		return nil, nil, err
	}

	subject := pkix.Name{
		Organization: []string{cfg.Organization},
		Country:      []string{cfg.Country},
		Province:     []string{cfg.Province},
		Locality:     []string{cfg.Locality},
		CommonName:   fmt.Sprintf("%s (%s)", cfg.CommonName, issuerID),
	}

	notBefore := time.Now().Add(-5 * time.Minute)
	notAfter := notBefore.AddDate(cfg.CACertValidityYears, 0, 0)

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject:      subject,
		NotBefore:    notBefore,
		NotAfter:     notAfter,

		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("create self-signed CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(derBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parse generated CA certificate: %w", err)
	}
	return privateKey, cert, nil
}

func encodePrivateKey(key crypto.Signer) ([]byte, error) {
	var pemType string
	var keyBytes []byte
	var err error

	switch k := key.(type) {
	case *rsa.PrivateKey:
		pemType = "RSA PRIVATE KEY"
		keyBytes = x509.MarshalPKCS1PrivateKey(k)
	case *ecdsa.PrivateKey:
		pemType = "EC PRIVATE KEY"
		keyBytes, err = x509.MarshalECPrivateKey(k)
		if err != nil {
			return nil, fmt.Errorf("unable to marshal ECDSA private key: %w", err)
		}
	default:
		return nil, errors.New("unsupported private key type")
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemType, Bytes: keyBytes}), nil
}

func parsePrivateKey(pemBytes []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("failed to decode PEM block containing private key")
	}

	var privKey crypto.Signer
	var err error
	switch block.Type {
	case "RSA PRIVATE KEY":
		privKey, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		privKey, err = x509.ParseECPrivateKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unsupported private key type: %s", block.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return privKey, nil
}

// EncodeCertificate encodes an x509 certificate into PEM format.
func EncodeCertificate(cert *x509.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
}

func parseCertificate(pemBytes []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("failed to decode PEM block containing certificate")
	}
	if block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("unexpected PEM block type: %s", block.Type)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return cert, nil
}
