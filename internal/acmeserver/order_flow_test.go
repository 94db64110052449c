package acmeserver_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acmegate/acmegate/internal/model"
	"github.com/acmegate/acmegate/internal/storage"
	"github.com/acmegate/acmegate/internal/testutils"
)

const testDomain = "app.internal.example.com"

func seedLocalPolicy(t *testing.T, store storage.Storage) {
	t.Helper()
	require.NoError(t, store.SaveDomainPolicy(context.Background(), &model.DomainPolicy{
		Domain:          "internal.example.com",
		Upstream:        false,
		IssuerID:        "corp",
		AutoApprove:     true,
		WildcardAllowed: true,
	}))
}

func TestLocalOrderFlow_IssuesCertificate(t *testing.T) {
	serverInstance, store, _ := testutils.SetupTestServer(t)
	testServer := httptest.NewServer(serverInstance)
	defer testServer.Close()
	seedLocalPolicy(t, store)
	ctx := context.Background()

	client := newTestACMEClient(t, testServer)
	client.register()

	// Create the order.
	resp := client.post("/acme/new-order", map[string]interface{}{
		"identifiers": []map[string]string{{"type": "dns", "value": testDomain}},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	orderURL := resp.Header.Get("Location")
	require.NotEmpty(t, orderURL)
	orderID := orderURL[strings.LastIndex(orderURL, "/")+1:]

	orderDoc := decodeJSON(t, resp)
	assert.Equal(t, model.StatusPending, orderDoc["status"])
	authzURLs, ok := orderDoc["authorizations"].([]interface{})
	require.True(t, ok)
	require.Len(t, authzURLs, 1)

	// POST-as-GET the authorization; both challenge types are offered for a
	// non-wildcard domain.
	authzResp := client.post(client.localPath(authzURLs[0].(string)), nil)
	require.Equal(t, http.StatusOK, authzResp.StatusCode)
	authzDoc := decodeJSON(t, authzResp)
	assert.Equal(t, model.StatusPending, authzDoc["status"])
	chals := authzDoc["challenges"].([]interface{})
	types := make([]string, 0, len(chals))
	for _, raw := range chals {
		types = append(types, raw.(map[string]interface{})["type"].(string))
	}
	assert.ElementsMatch(t, []string{model.ChallengeDNS01, model.ChallengeHTTP01}, types)

	// Finalizing a pending order is refused.
	certKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	csrDER, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		DNSNames: []string{testDomain},
	}, certKey)
	require.NoError(t, err)
	csrB64 := base64.RawURLEncoding.EncodeToString(csrDER)

	early := client.post("/acme/finalize/"+orderID, map[string]interface{}{"csr": csrB64})
	assert.Equal(t, http.StatusForbidden, early.StatusCode)
	earlyDoc := decodeJSON(t, early)
	assert.Equal(t, "urn:ietf:params:acme:error:orderNotReady", earlyDoc["type"])

	// Mark every authorization valid and the order ready, standing in for
	// challenge validation.
	authzs, err := store.GetAuthorizationsByOrderID(ctx, orderID)
	require.NoError(t, err)
	for _, authz := range authzs {
		authz.Status = model.StatusValid
		require.NoError(t, store.SaveAuthorization(ctx, authz))
	}
	order, err := store.GetOrder(ctx, orderID)
	require.NoError(t, err)
	order.Status = model.StatusReady
	require.NoError(t, store.SaveOrder(ctx, order))

	// Finalize signs the CSR against the policy's issuer.
	finalResp := client.post("/acme/finalize/"+orderID, map[string]interface{}{"csr": csrB64})
	require.Equal(t, http.StatusOK, finalResp.StatusCode)
	finalDoc := decodeJSON(t, finalResp)
	require.Equal(t, model.StatusValid, finalDoc["status"])
	certURL, ok := finalDoc["certificate"].(string)
	require.True(t, ok, "valid order must carry a certificate URL")

	// Download and check the chain.
	certResp := client.post(client.localPath(certURL), nil)
	require.Equal(t, http.StatusOK, certResp.StatusCode)
	assert.Contains(t, certResp.Header.Get("Content-Type"), "application/pem-certificate-chain")
	pemBytes, err := io.ReadAll(certResp.Body)
	certResp.Body.Close()
	require.NoError(t, err)

	block, _ := pem.Decode(pemBytes)
	require.NotNil(t, block, "response must be PEM")
	leaf, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	assert.Contains(t, leaf.DNSNames, testDomain)
}

func TestLocalOrderFlow_RejectsForeignAccountKey(t *testing.T) {
	serverInstance, store, _ := testutils.SetupTestServer(t)
	testServer := httptest.NewServer(serverInstance)
	defer testServer.Close()
	seedLocalPolicy(t, store)

	owner := newTestACMEClient(t, testServer)
	owner.register()
	resp := owner.post("/acme/new-order", map[string]interface{}{
		"identifiers": []map[string]string{{"type": "dns", "value": testDomain}},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	orderURL := resp.Header.Get("Location")
	resp.Body.Close()

	intruder := newTestACMEClient(t, testServer)
	intruder.register()
	stolen := intruder.post(owner.localPath(orderURL), nil)
	assert.Equal(t, http.StatusUnauthorized, stolen.StatusCode)
	stolen.Body.Close()
}

func TestHandleNewOrder_PolicyDenialWritesNothing(t *testing.T) {
	serverInstance, store, _ := testutils.SetupTestServer(t)
	testServer := httptest.NewServer(serverInstance)
	defer testServer.Close()
	seedLocalPolicy(t, store)

	client := newTestACMEClient(t, testServer)
	client.register()

	// A policy entry without wildcard coverage governs only its exact domain.
	require.NoError(t, store.SaveDomainPolicy(context.Background(), &model.DomainPolicy{
		Domain:      "flat.example.com",
		Upstream:    false,
		IssuerID:    "corp",
		AutoApprove: true,
	}))

	resp := client.post("/acme/new-order", map[string]interface{}{
		"identifiers": []map[string]string{{"type": "dns", "value": "uncovered.example.org"}},
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	doc := decodeJSON(t, resp)
	assert.Equal(t, "urn:ietf:params:acme:error:rejectedIdentifier", doc["type"])

	// Wildcard on a policy without wildcard_allowed is refused.
	resp = client.post("/acme/new-order", map[string]interface{}{
		"identifiers": []map[string]string{{"type": "dns", "value": "*.flat.example.com"}},
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	// So is a subdomain beneath it: suffix coverage needs the flag too.
	resp = client.post("/acme/new-order", map[string]interface{}{
		"identifiers": []map[string]string{{"type": "dns", "value": "sub.flat.example.com"}},
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()
}
