package ca

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acmegate/acmegate/internal/config"
	"github.com/acmegate/acmegate/internal/storage"
)

func testCAConfig() *config.Config {
	return &config.Config{
		Organization:            "Test Org",
		Country:                 "US",
		Province:                "CA",
		Locality:                "Testville",
		CommonName:              "Test Root",
		CACertValidityYears:     10,
		DefaultCertValidityDays: 90,
	}
}

func makeCSR(t *testing.T, dnsNames []string) *x509.CertificateRequest {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: "ignored"},
		DNSNames: dnsNames,
	}, key)
	require.NoError(t, err)
	csr, err := x509.ParseCertificateRequest(der)
	require.NoError(t, err)
	return csr
}

func TestPool_GeneratesAndReloadsIssuer(t *testing.T) {
	store := storage.NewMemoryStorage()
	cfg := testCAConfig()
	ctx := context.Background()

	pool := NewPool(cfg, store)
	signer, err := pool.Get(ctx, "corp")
	require.NoError(t, err)
	require.NotNil(t, signer.CACertificate())
	assert.True(t, signer.CACertificate().IsCA)
	assert.Contains(t, signer.CACertificate().Subject.CommonName, "corp")

	// Same pool returns the cached signer.
	again, err := pool.Get(ctx, "corp")
	require.NoError(t, err)
	assert.Same(t, signer, again)

	// A fresh pool over the same storage loads the persisted key material
	// instead of generating a new CA.
	reloaded, err := NewPool(cfg, store).Get(ctx, "corp")
	require.NoError(t, err)
	assert.Equal(t, signer.CACertificate().SerialNumber, reloaded.CACertificate().SerialNumber)

	_, err = pool.Get(ctx, "")
	assert.Error(t, err)
}

func TestSignCSR_IssuesLeafCertificate(t *testing.T) {
	store := storage.NewMemoryStorage()
	cfg := testCAConfig()
	ctx := context.Background()

	signer, err := NewPool(cfg, store).Get(ctx, "corp")
	require.NoError(t, err)

	csr := makeCSR(t, []string{"app.internal.example.com", "alt.internal.example.com"})
	cert, err := signer.SignCSR(ctx, csr, 30*24*time.Hour)
	require.NoError(t, err)

	assert.ElementsMatch(t, csr.DNSNames, cert.DNSNames)
	assert.Equal(t, "app.internal.example.com", cert.Subject.CommonName)
	assert.False(t, cert.IsCA)
	assert.Equal(t, signer.CACertificate().SubjectKeyId, cert.AuthorityKeyId)
	assert.WithinDuration(t, time.Now().Add(30*24*time.Hour), cert.NotAfter, 5*time.Minute)

	// The leaf verifies against the issuing CA.
	roots := x509.NewCertPool()
	roots.AddCert(signer.CACertificate())
	_, err = cert.Verify(x509.VerifyOptions{
		Roots:     roots,
		DNSName:   "app.internal.example.com",
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	})
	assert.NoError(t, err)
}

func TestSignCSR_ClampsLifetime(t *testing.T) {
	store := storage.NewMemoryStorage()
	cfg := testCAConfig()
	ctx := context.Background()

	signer, err := NewPool(cfg, store).Get(ctx, "corp")
	require.NoError(t, err)

	// Requests beyond the configured maximum fall back to it.
	cert, err := signer.SignCSR(ctx, makeCSR(t, []string{"a.example.com"}), 10*365*24*time.Hour)
	require.NoError(t, err)
	maxNotAfter := time.Now().Add(time.Duration(cfg.DefaultCertValidityDays) * 24 * time.Hour)
	assert.WithinDuration(t, maxNotAfter, cert.NotAfter, 5*time.Minute)

	// Zero means "use the default".
	cert, err = signer.SignCSR(ctx, makeCSR(t, []string{"a.example.com"}), 0)
	require.NoError(t, err)
	assert.WithinDuration(t, maxNotAfter, cert.NotAfter, 5*time.Minute)
}

func TestSignCSR_RejectsBadRequests(t *testing.T) {
	store := storage.NewMemoryStorage()
	ctx := context.Background()

	signer, err := NewPool(testCAConfig(), store).Get(ctx, "corp")
	require.NoError(t, err)

	_, err = signer.SignCSR(ctx, makeCSR(t, nil), 0)
	require.Error(t, err, "a CSR without DNS name SANs must be refused")

	// A tampered CSR fails signature validation.
	csr := makeCSR(t, []string{"a.example.com"})
	csr.RawTBSCertificateRequest[len(csr.RawTBSCertificateRequest)-1] ^= 0xff
	_, err = signer.SignCSR(ctx, csr, 0)
	require.Error(t, err)
}
