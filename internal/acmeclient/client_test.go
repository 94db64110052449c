package acmeclient

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key
}

// fakeCA is a minimal upstream directory: it hands out nonces and lets tests
// script the responses of one resource endpoint.
type fakeCA struct {
	mu      sync.Mutex
	server  *httptest.Server
	nonceN  int
	handler func(w http.ResponseWriter, r *http.Request, attempt int)
	posts   int
}

func newFakeCA(t *testing.T) *fakeCA {
	t.Helper()
	ca := &fakeCA{}
	mux := http.NewServeMux()
	mux.HandleFunc("/directory", func(w http.ResponseWriter, r *http.Request) {
		base := ca.server.URL
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"newNonce":"%s/new-nonce","newAccount":"%s/new-account","newOrder":"%s/new-order"}`,
			base, base, base)
	})
	mux.HandleFunc("/new-nonce", func(w http.ResponseWriter, r *http.Request) {
		ca.mu.Lock()
		ca.nonceN++
		n := ca.nonceN
		ca.mu.Unlock()
		w.Header().Set("Replay-Nonce", fmt.Sprintf("nonce-%d", n))
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/resource", func(w http.ResponseWriter, r *http.Request) {
		ca.mu.Lock()
		ca.posts++
		attempt := ca.posts
		handler := ca.handler
		ca.mu.Unlock()
		w.Header().Set("Replay-Nonce", fmt.Sprintf("resp-nonce-%d", attempt))
		handler(w, r, attempt)
	})
	ca.server = httptest.NewServer(mux)
	t.Cleanup(ca.server.Close)
	return ca
}

func (ca *fakeCA) postCount() int {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	return ca.posts
}

// jwsNonce extracts the protected nonce header from a posted JWS body.
func jwsNonce(t *testing.T, r *http.Request) string {
	t.Helper()
	var envelope struct {
		Protected string `json:"protected"`
	}
	require.NoError(t, json.NewDecoder(r.Body).Decode(&envelope))
	raw, err := base64.RawURLEncoding.DecodeString(envelope.Protected)
	require.NoError(t, err)
	var header struct {
		Nonce string `json:"nonce"`
	}
	require.NoError(t, json.Unmarshal(raw, &header))
	return header.Nonce
}

func TestSignedPost_RetriesBadNonceOnce(t *testing.T) {
	ca := newFakeCA(t)
	var noncesMu sync.Mutex
	var nonces []string
	ca.handler = func(w http.ResponseWriter, r *http.Request, attempt int) {
		nonce := jwsNonce(t, r)
		noncesMu.Lock()
		nonces = append(nonces, nonce)
		noncesMu.Unlock()
		if attempt == 1 {
			w.Header().Set("Content-Type", "application/problem+json")
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"type":"urn:ietf:params:acme:error:badNonce","detail":"stale"}`)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"ok":true}`)
	}

	client := NewClient(ca.server.URL+"/directory", testKey(t), "https://ca.example/acct/1", nil)
	resp, err := client.signedPost(context.Background(), ca.server.URL+"/resource", []byte("{}"), false)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.statusCode)
	assert.Equal(t, 2, ca.postCount())
	require.Len(t, nonces, 2)
	assert.NotEqual(t, nonces[0], nonces[1], "retry must be signed with a fresh nonce")
}

func TestSignedPost_BadNonceNotRetriedTwice(t *testing.T) {
	ca := newFakeCA(t)
	ca.handler = func(w http.ResponseWriter, r *http.Request, attempt int) {
		w.Header().Set("Content-Type", "application/problem+json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"type":"urn:ietf:params:acme:error:badNonce","detail":"still stale"}`)
	}

	client := NewClient(ca.server.URL+"/directory", testKey(t), "https://ca.example/acct/1", nil)
	_, err := client.signedPost(context.Background(), ca.server.URL+"/resource", []byte("{}"), false)
	var probErr *ProblemError
	require.ErrorAs(t, err, &probErr)
	assert.True(t, probErr.IsBadNonce())
	assert.Equal(t, 2, ca.postCount())
}

func TestSignedPost_RateLimitCarriesRetryAfter(t *testing.T) {
	ca := newFakeCA(t)
	ca.handler = func(w http.ResponseWriter, r *http.Request, attempt int) {
		w.Header().Set("Content-Type", "application/problem+json")
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"type":"urn:ietf:params:acme:error:rateLimited","detail":"slow down"}`)
	}

	client := NewClient(ca.server.URL+"/directory", testKey(t), "https://ca.example/acct/1", nil)
	_, err := client.signedPost(context.Background(), ca.server.URL+"/resource", []byte("{}"), false)
	var probErr *ProblemError
	require.ErrorAs(t, err, &probErr)
	assert.True(t, probErr.IsRateLimited())
	assert.Equal(t, 2*time.Minute, probErr.RetryAfter)
	assert.Equal(t, 1, ca.postCount(), "rate limits are not retried inline")
}

func TestSign_KidRequiresRegistration(t *testing.T) {
	client := NewClient("https://ca.example/directory", testKey(t), "", nil)
	_, err := client.sign("https://ca.example/resource", "n", []byte("{}"), false)
	require.Error(t, err)
}

func TestSign_EmbedsJWKForNewAccount(t *testing.T) {
	client := NewClient("https://ca.example/directory", testKey(t), "", nil)
	signed, err := client.sign("https://ca.example/new-account", "n", []byte("{}"), true)
	require.NoError(t, err)

	jws, err := jose.ParseSigned(signed, []jose.SignatureAlgorithm{jose.ES256})
	require.NoError(t, err)
	require.Len(t, jws.Signatures, 1)
	assert.NotNil(t, jws.Signatures[0].Header.JSONWebKey)
	assert.Empty(t, jws.Signatures[0].Header.KeyID)
}

func TestNoncePool_LIFOAndBounded(t *testing.T) {
	var pool noncePool
	pool.Put("")
	pool.Put("first")
	pool.Put("second")

	assert.Equal(t, "second", pool.take())
	assert.Equal(t, "first", pool.take())
	assert.Equal(t, "", pool.take(), "empty strings are never pooled")

	for i := 0; i < 40; i++ {
		pool.Put(fmt.Sprintf("n-%d", i))
	}
	count := 0
	for pool.take() != "" {
		count++
	}
	assert.Equal(t, 32, count, "pool is bounded")
}

func TestNoncePool_ConcurrentTakesAreDistinct(t *testing.T) {
	var pool noncePool
	const n = 16
	for i := 0; i < n; i++ {
		pool.Put(fmt.Sprintf("n-%d", i))
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[string]int)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			nonce := pool.take()
			mu.Lock()
			seen[nonce]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, n)
	for nonce, uses := range seen {
		assert.Equal(t, 1, uses, "nonce %s handed out more than once", nonce)
	}
}

func TestNoncePool_FetchesWhenEmpty(t *testing.T) {
	ca := newFakeCA(t)
	var pool noncePool

	nonce, err := pool.Take(context.Background(), ca.server.Client(), ca.server.URL+"/new-nonce")
	require.NoError(t, err)
	assert.Equal(t, "nonce-1", nonce)

	// Pooled nonces are preferred over a network round trip.
	pool.Put("pooled")
	nonce, err = pool.Take(context.Background(), ca.server.Client(), ca.server.URL+"/new-nonce")
	require.NoError(t, err)
	assert.Equal(t, "pooled", nonce)
}

// RFC 7638 section 3.1 test vector.
func TestThumbprint_RFC7638Vector(t *testing.T) {
	nB64 := "0vx7agoebGcQSuuPiLJXZptN9nndrQmbXEps2aiAFbWhM78LhWx4cbbfAAtVT86zwu1RK7aPFFxuhDR1L6tSoc_BJECPebWKRXjBZCiFV4n3oknjhMstn64tZ_2W-5JsGY4Hc5n9yBXArwl93lqt7_RN5w6Cf0h4QyQ5v-65YGjQR0_FDW2QvzqY368QQMicAtaSqzs8KJZgnYb9c7d0zgdAZHzu6qMQvRL5hajrn1n91CbOpbISD08qNLyrdkt-bFTWhAI4vMQFh6WeZu0fM4lFd2NcRwr3XPksINHaQ-G_xBniIqbw0Ls1jF44-csFCur-kEgU8awapJzKnqDKgw"
	nBytes, err := base64.RawURLEncoding.DecodeString(nB64)
	require.NoError(t, err)
	pub := &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: 65537,
	}
	tp, err := Thumbprint(pub)
	require.NoError(t, err)
	assert.Equal(t, "NzbLsXh8uDCcd-6MNwXF4W_7noWXFZAfHkxZsRGC9Xs", tp)
}
