package engine_test

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acmegate/acmegate/internal/engine"
	"github.com/acmegate/acmegate/internal/model"
	"github.com/acmegate/acmegate/internal/storage"
)

func seedLocalIssuancePolicy(t *testing.T, store storage.Storage, autoApprove bool) {
	t.Helper()
	require.NoError(t, store.SaveDomainPolicy(context.Background(), &model.DomainPolicy{
		Domain:          "internal.example.com",
		Upstream:        false,
		IssuerID:        "corp",
		AutoApprove:     autoApprove,
		WildcardAllowed: true,
	}))
}

func parseCSR(t *testing.T, csrPEM string) *x509.CertificateRequest {
	t.Helper()
	block, _ := pem.Decode([]byte(csrPEM))
	require.NotNil(t, block)
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	require.NoError(t, err)
	return csr
}

func TestProcessOrder_LocalHappyPath(t *testing.T) {
	const domain = "app.internal.example.com"
	upstream := newFakeUpstream(domain, nil)
	eng, store, sink := newTestEngine(t, upstream, &fakeSolver{})
	seedLocalIssuancePolicy(t, store, true)
	ctx := context.Background()

	order, err := eng.CreateOrder(ctx, engine.CreateOrderRequest{
		Domains: []string{domain},
		CSRPEM:  makeCSRPEM(t, []string{domain}),
	})
	require.NoError(t, err)
	assert.Equal(t, model.ModeLocal, order.Mode)
	assert.Equal(t, "corp", order.IssuerID)

	require.NoError(t, eng.ProcessOrder(ctx, order.ID))

	// Local issuance walks the same exact state path as the upstream path.
	assert.Equal(t, []string{
		model.StatusCreated,
		model.StatusPending,
		model.StatusProcessing,
		model.StatusReady,
		model.StatusValid,
	}, sink.path())
	assert.Equal(t, 0, upstream.newOrderCalls, "local orders never go upstream")

	certData, err := store.GetCertificateByOrderID(ctx, order.ID)
	require.NoError(t, err)
	block, _ := pem.Decode([]byte(certData.CertificatePEM))
	require.NotNil(t, block)
	leaf, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	assert.Contains(t, leaf.DNSNames, domain)
}

func TestProcessOrder_LocalHeldUntilApproved(t *testing.T) {
	const domain = "app.internal.example.com"
	upstream := newFakeUpstream(domain, nil)
	eng, store, sink := newTestEngine(t, upstream, &fakeSolver{})
	seedLocalIssuancePolicy(t, store, false)
	ctx := context.Background()

	order, err := eng.CreateOrder(ctx, engine.CreateOrderRequest{
		Domains: []string{domain},
		CSRPEM:  makeCSRPEM(t, []string{domain}),
	})
	require.NoError(t, err)

	// Without auto-approve the drive parks the order at ready: no failure,
	// no certificate.
	require.NoError(t, eng.ProcessOrder(ctx, order.ID))
	stored, err := store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusReady, stored.Status)
	assert.Nil(t, stored.Error)
	_, err = store.GetCertificateByOrderID(ctx, order.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Re-driving a held order is harmless and does not repeat states.
	require.NoError(t, eng.ProcessOrder(ctx, order.ID))

	// Operator approval signs the parked CSR.
	require.NoError(t, eng.ApproveOrder(ctx, order.ID))
	stored, err = store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusValid, stored.Status)
	_, err = store.GetCertificateByOrderID(ctx, order.ID)
	require.NoError(t, err)

	assert.Equal(t, []string{
		model.StatusCreated,
		model.StatusPending,
		model.StatusProcessing,
		model.StatusReady,
		model.StatusValid,
	}, sink.path())
}

func TestFinalizeLocalOrder_HeldWithoutAutoApprove(t *testing.T) {
	const domain = "app.internal.example.com"
	const thumbprint = "client-key-thumbprint"
	upstream := newFakeUpstream(domain, nil)
	eng, store, _ := newTestEngine(t, upstream, &fakeSolver{})
	seedLocalIssuancePolicy(t, store, false)
	ctx := context.Background()

	order, _, err := eng.CreateLocalServerOrder(ctx, []string{domain}, thumbprint, model.EnvProduction)
	require.NoError(t, err)

	// Stand in for completed challenge validation.
	stored, err := store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	stored.Status = model.StatusReady
	require.NoError(t, store.SaveOrder(ctx, stored))

	// Finalize with the owning key must not sign: the order stays ready with
	// the CSR parked for operator action.
	csr := parseCSR(t, makeCSRPEM(t, []string{domain}))
	held, err := eng.FinalizeLocalOrder(ctx, order.ID, csr, thumbprint)
	require.NoError(t, err)
	assert.Equal(t, model.StatusReady, held.Status)
	_, err = store.GetCertificateByOrderID(ctx, order.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	stored, err = store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusReady, stored.Status)
	assert.NotEmpty(t, stored.CSRPEM, "the CSR is parked for approval")

	// Approval signs the parked CSR.
	require.NoError(t, eng.ApproveOrder(ctx, order.ID))
	stored, err = store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusValid, stored.Status)
	certData, err := store.GetCertificateByOrderID(ctx, order.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, certData.CertificatePEM)
}

func TestFinalizeLocalOrder_AutoApproveSignsImmediately(t *testing.T) {
	const domain = "app.internal.example.com"
	const thumbprint = "client-key-thumbprint"
	upstream := newFakeUpstream(domain, nil)
	eng, store, _ := newTestEngine(t, upstream, &fakeSolver{})
	seedLocalIssuancePolicy(t, store, true)
	ctx := context.Background()

	order, _, err := eng.CreateLocalServerOrder(ctx, []string{domain}, thumbprint, model.EnvProduction)
	require.NoError(t, err)

	stored, err := store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	stored.Status = model.StatusReady
	require.NoError(t, store.SaveOrder(ctx, stored))

	csr := parseCSR(t, makeCSRPEM(t, []string{domain}))
	signed, err := eng.FinalizeLocalOrder(ctx, order.ID, csr, thumbprint)
	require.NoError(t, err)
	assert.Equal(t, model.StatusValid, signed.Status)
	_, err = store.GetCertificateByOrderID(ctx, order.ID)
	require.NoError(t, err)
}