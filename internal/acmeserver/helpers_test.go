package acmeserver_test

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/require"

	"github.com/acmegate/acmegate/internal/testutils"
)

// testACMEClient drives the local ACME server the way a real client library
// would: it harvests nonces, signs JOSE requests, and tracks its account URL.
type testACMEClient struct {
	t      *testing.T
	server *httptest.Server
	key    *ecdsa.PrivateKey
	kid    string
}

func newTestACMEClient(t *testing.T, server *httptest.Server) *testACMEClient {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return &testACMEClient{t: t, server: server, key: key}
}

func (c *testACMEClient) thumbprint() string {
	jwk := jose.JSONWebKey{Key: c.key.Public()}
	sum, err := jwk.Thumbprint(crypto.SHA256)
	require.NoError(c.t, err)
	return base64.RawURLEncoding.EncodeToString(sum)
}

func (c *testACMEClient) fetchNonce() string {
	c.t.Helper()
	resp, err := c.server.Client().Head(c.server.URL + "/acme/new-nonce")
	require.NoError(c.t, err)
	defer resp.Body.Close()
	nonce := resp.Header.Get("Replay-Nonce")
	require.NotEmpty(c.t, nonce)
	return nonce
}

// post signs payload for the external URL at path and POSTs it to the test
// server. An empty kid embeds the JWK (newAccount); otherwise the kid header
// names the account.
func (c *testACMEClient) post(path string, payload interface{}) *http.Response {
	c.t.Helper()
	return c.postWithNonce(path, payload, c.fetchNonce())
}

func (c *testACMEClient) postWithNonce(path string, payload interface{}, nonce string) *http.Response {
	c.t.Helper()

	// POST-as-GET uses an empty payload; it must be non-nil so go-jose emits
	// "payload":"" instead of dropping the field from the serialized JWS.
	body := []byte{}
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		require.NoError(c.t, err)
	}

	externalURL := testutils.TestExternalURL + path
	opts := &jose.SignerOptions{
		NonceSource: staticNonce(nonce),
		ExtraHeaders: map[jose.HeaderKey]interface{}{
			jose.HeaderKey("url"): externalURL,
		},
	}
	signingKey := jose.SigningKey{Algorithm: jose.ES256, Key: c.key}
	if c.kid == "" {
		opts.EmbedJWK = true
	} else {
		signingKey.Key = jose.JSONWebKey{Key: c.key, KeyID: c.kid}
	}
	signer, err := jose.NewSigner(signingKey, opts)
	require.NoError(c.t, err)
	jws, err := signer.Sign(body)
	require.NoError(c.t, err)

	req, err := http.NewRequest(http.MethodPost, c.server.URL+path, bytes.NewReader([]byte(jws.FullSerialize())))
	require.NoError(c.t, err)
	req.Header.Set("Content-Type", "application/jose+json")
	resp, err := c.server.Client().Do(req)
	require.NoError(c.t, err)
	return resp
}

// register creates the client's account and records the kid for follow-up
// requests.
func (c *testACMEClient) register() {
	c.t.Helper()
	resp := c.post("/acme/new-account", map[string]interface{}{
		"termsOfServiceAgreed": true,
		"contact":              []string{"mailto:test@example.com"},
	})
	defer resp.Body.Close()
	require.Contains(c.t, []int{http.StatusCreated, http.StatusOK}, resp.StatusCode)
	c.kid = resp.Header.Get("Location")
	require.NotEmpty(c.t, c.kid)
}

// localPath strips the configured external URL from a resource URL so the
// request can be replayed against the httptest listener.
func (c *testACMEClient) localPath(resourceURL string) string {
	require.True(c.t, strings.HasPrefix(resourceURL, testutils.TestExternalURL))
	return strings.TrimPrefix(resourceURL, testutils.TestExternalURL)
}

func decodeJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	var doc map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	return doc
}

type staticNonce string

func (n staticNonce) Nonce() (string, error) { return string(n), nil }
