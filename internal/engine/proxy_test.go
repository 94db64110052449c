package engine_test

import (
	"context"
	"encoding/pem"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acmegate/acmegate/internal/engine"
	"github.com/acmegate/acmegate/internal/model"
)

const proxyClientThumbprint = "client-key-thumbprint"

func createProxyOrder(t *testing.T, eng *engine.Engine) *model.Order {
	t.Helper()
	order, err := eng.CreateProxyOrder(context.Background(),
		[]string{"site.example.com"}, proxyClientThumbprint, model.EnvProduction)
	require.NoError(t, err)
	return order
}

func TestCreateProxyOrder_PersistsCorrelationSet(t *testing.T) {
	upstream := newFakeUpstream("site.example.com", nil)
	eng, store, _ := newTestEngine(t, upstream, &fakeSolver{})
	seedUpstreamPolicy(t, store, "example.com")

	order := createProxyOrder(t, eng)

	// Authorization URL set, local-to-upstream map, and the owning client key
	// are all recorded by the write that created the order.
	stored, err := store.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ModeProxy, stored.Mode)
	assert.Equal(t, model.StatusPending, stored.Status)
	assert.Equal(t, []string{"https://up.example/authz/1"}, stored.AuthzURLs)
	assert.Equal(t, proxyClientThumbprint, stored.ClientThumbprint)
	assert.False(t, stored.AutoRenew, "proxied orders are renewed by their owning client")
	require.Len(t, stored.AuthzMap, 1)
	for _, upstreamURL := range stored.AuthzMap {
		assert.Equal(t, "https://up.example/authz/1", upstreamURL)
	}
}

func TestCreateProxyOrder_LocalPolicyRefused(t *testing.T) {
	upstream := newFakeUpstream("site.example.com", nil)
	eng, store, _ := newTestEngine(t, upstream, &fakeSolver{})
	require.NoError(t, store.SaveDomainPolicy(context.Background(), &model.DomainPolicy{
		Domain: "example.com", Upstream: false, IssuerID: "corp", AutoApprove: true, WildcardAllowed: true,
	}))

	_, err := eng.CreateProxyOrder(context.Background(),
		[]string{"site.example.com"}, proxyClientThumbprint, model.EnvProduction)
	var policyErr *engine.PolicyDeniedError
	require.ErrorAs(t, err, &policyErr)
	assert.Equal(t, 0, upstream.newOrderCalls)
}

func TestAuthorizeProxyAccess_FailsClosed(t *testing.T) {
	upstream := newFakeUpstream("site.example.com", nil)
	eng, store, _ := newTestEngine(t, upstream, &fakeSolver{})
	seedUpstreamPolicy(t, store, "example.com")
	ctx := context.Background()

	order := createProxyOrder(t, eng)
	var localAuthzID string
	for id := range order.AuthzMap {
		localAuthzID = id
	}

	// Wrong client key.
	_, err := eng.AuthorizeProxyAccess(ctx, order, localAuthzID, "someone-else")
	var policyErr *engine.PolicyDeniedError
	require.ErrorAs(t, err, &policyErr)

	// Unknown local authorization ID.
	_, err = eng.AuthorizeProxyAccess(ctx, order, "no-such-authz", proxyClientThumbprint)
	var corrErr *engine.CorrelationError
	require.ErrorAs(t, err, &corrErr)

	// A second order recording the same upstream URL poisons the correlation
	// for both: exact match means exactly one.
	other := &model.Order{
		ID: "imposter", Mode: model.ModeProxy, Status: model.StatusPending,
		Domains:   []string{"other.example.com"},
		AuthzURLs: []string{"https://up.example/authz/1"},
		ExpiresAt: time.Now().Add(time.Hour),
	}
	require.NoError(t, store.SaveOrder(ctx, other))
	_, err = eng.AuthorizeProxyAccess(ctx, order, localAuthzID, proxyClientThumbprint)
	require.ErrorAs(t, err, &corrErr)
	assert.Equal(t, 2, corrErr.Matches)
}

func TestAuthorizeProxyAccess_HappyPath(t *testing.T) {
	upstream := newFakeUpstream("site.example.com", nil)
	eng, store, _ := newTestEngine(t, upstream, &fakeSolver{})
	seedUpstreamPolicy(t, store, "example.com")

	order := createProxyOrder(t, eng)
	for localAuthzID, want := range order.AuthzMap {
		got, err := eng.AuthorizeProxyAccess(context.Background(), order, localAuthzID, proxyClientThumbprint)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestProxyCompleteChallenge_SolvesAndMarksReady(t *testing.T) {
	const domain = "site.example.com"
	upstream := newFakeUpstream(domain, nil)
	solver := &fakeSolver{}
	eng, store, _ := newTestEngine(t, upstream, solver)
	seedUpstreamPolicy(t, store, "example.com")
	ctx := context.Background()

	order := createProxyOrder(t, eng)
	require.NoError(t, eng.ProxyCompleteChallenge(ctx, order.ID, "https://up.example/authz/1"))

	// The TXT value came from this system's upstream account key, not the
	// external client's.
	require.Len(t, solver.keyAuths, 1)
	assert.Equal(t, "tok-abc.fake-thumbprint", solver.keyAuths[0])
	assert.Equal(t, []string{"https://up.example/chal/1"}, upstream.accepted)

	stored, err := store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusReady, stored.Status)
}

func TestProxyFinalize_ForwardsCSRAndStoresCertificate(t *testing.T) {
	const domain = "site.example.com"
	certPEM := makeCertPEM(t, []string{domain}, time.Now().Add(30*24*time.Hour))
	upstream := newFakeUpstream(domain, certPEM)
	eng, store, _ := newTestEngine(t, upstream, &fakeSolver{})
	seedUpstreamPolicy(t, store, "example.com")
	ctx := context.Background()

	order := createProxyOrder(t, eng)
	require.NoError(t, eng.ProxyCompleteChallenge(ctx, order.ID, "https://up.example/authz/1"))

	csrPEM := makeCSRPEM(t, []string{domain})
	block, _ := pem.Decode([]byte(csrPEM))
	require.NotNil(t, block)
	require.NoError(t, eng.ProxyFinalize(ctx, order.ID, block.Bytes))

	stored, err := store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusValid, stored.Status)

	certData, err := store.GetCertificateByOrderID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, string(certPEM), certData.CertificatePEM)
}
