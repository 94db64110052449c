package ca

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/acmegate/acmegate/internal/config"
)

const (
	httpsKeySize      = 2048
	httpsCertLifetime = 365 * 24 * time.Hour
)

// EnsureHTTPSCertificates returns paths to the HTTPS keypair for the ACME
// and management listener, generating a self-signed pair if none exists.
// This bootstraps the very first start; operators typically replace it with
// a certificate issued through the engine itself.
func EnsureHTTPSCertificates(cfg *config.Config) (string, string, error) {
	certFile := cfg.HTTPSCertFile
	keyFile := cfg.HTTPSKeyFile

	dataDir := filepath.Dir(certFile)
	if _, err := os.Stat(dataDir); os.IsNotExist(err) {
		logger.Info("Data directory for HTTPS certs not found, creating", zap.String("dir", dataDir))
		if err = os.MkdirAll(dataDir, 0750); err != nil {
			return "", "", fmt.Errorf("ca: create data directory %s: %w", dataDir, err)
		}
	}

	if _, err := os.Stat(certFile); err == nil {
		if _, err := os.Stat(keyFile); err == nil {
			logger.Info("Using existing HTTPS certificate and key files",
				zap.String("cert", certFile), zap.String("key", keyFile))
			return certFile, keyFile, nil
		}
		logger.Warn("HTTPS certificate exists but key is missing, generating new pair",
			zap.String("cert", certFile), zap.String("key", keyFile))
	} else if !os.IsNotExist(err) {
		return "", "", fmt.Errorf("ca: check HTTPS certificate file %s: %w", certFile, err)
	}

	logger.Info("Generating self-signed HTTPS certificate and key",
		zap.String("cert", certFile), zap.String("key", keyFile))

	privKey, err := rsa.GenerateKey(rand.Reader, httpsKeySize)
	if err != nil {
		return "", "", fmt.Errorf("ca: generate HTTPS private key: %w", err)
	}
	serialNumber, err := generateSerialNumber()
	if err != nil {
		return "", "", err
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{cfg.Organization},
			CommonName:   "localhost",
		},
		DNSNames:    []string{"localhost"},
		IPAddresses: []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
		NotBefore:   time.Now().Add(-1 * time.Minute),
		NotAfter:    time.Now().Add(httpsCertLifetime),

		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &privKey.PublicKey, privKey)
	if err != nil {
		return "", "", fmt.Errorf("ca: create self-signed HTTPS certificate: %w", err)
	}

	certOut, err := os.Create(certFile)
	if err != nil {
		return "", "", fmt.Errorf("ca: open cert file %s: %w", certFile, err)
	}
	if err := pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: derBytes}); err != nil {
		certOut.Close()
		return "", "", fmt.Errorf("ca: write cert file %s: %w", certFile, err)
	}
	if err := certOut.Close(); err != nil {
		return "", "", fmt.Errorf("ca: close cert file %s: %w", certFile, err)
	}

	keyOut, err := os.OpenFile(keyFile, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return "", "", fmt.Errorf("ca: open key file %s: %w", keyFile, err)
	}
	privBytes := x509.MarshalPKCS1PrivateKey(privKey)
	if err := pem.Encode(keyOut, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: privBytes}); err != nil {
		keyOut.Close()
		return "", "", fmt.Errorf("ca: write key file %s: %w", keyFile, err)
	}
	if err := keyOut.Close(); err != nil {
		return "", "", fmt.Errorf("ca: close key file %s: %w", keyFile, err)
	}

	logger.Info("HTTPS certificate and key generated",
		zap.String("cert", certFile), zap.String("key", keyFile))
	return certFile, keyFile, nil
}
