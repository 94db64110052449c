package acmeserver

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/acmegate/acmegate/internal/acmeclient"
	"github.com/acmegate/acmegate/internal/model"
	"github.com/acmegate/acmegate/internal/storage"
)

const nonceLifetime = time.Hour

// allowedJWSAlgorithms is the closed set of signature algorithms accepted
// from clients.
var allowedJWSAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.ES256, jose.ES384, jose.EdDSA,
}

// parsedRequest is a verified inbound ACME request.
type parsedRequest struct {
	Payload    []byte
	Key        *jose.JSONWebKey
	Thumbprint string
	KeyID      string // kid header, empty when the JWK was embedded
	URL        string
}

// IsPostAsGET reports whether the request carried the empty payload.
func (r *parsedRequest) IsPostAsGET() bool { return len(r.Payload) == 0 }

// verifyJWS parses and verifies a JOSE request body. The anti-replay nonce
// is consumed atomically; the url header must match the resource the client
// hit. For newAccount the key is the embedded JWK; for everything else it is
// loaded from the account named by kid.
func verifyJWS(ctx context.Context, store storage.Storage, body []byte, expectedURL string) (*parsedRequest, *problem) {
	jws, err := jose.ParseSigned(string(body), allowedJWSAlgorithms)
	if err != nil {
		return nil, badRequestProblem("malformed", fmt.Sprintf("could not parse JWS: %v", err))
	}
	if len(jws.Signatures) != 1 {
		return nil, badRequestProblem("malformed", "JWS must have exactly one signature")
	}
	header := jws.Signatures[0].Protected

	if header.Nonce == "" {
		return nil, badRequestProblem("badNonce", "JWS missing nonce")
	}
	if _, err := store.ConsumeNonce(ctx, header.Nonce); err != nil {
		if errors.Is(err, storage.ErrNonceConsumed) {
			return nil, badRequestProblem("badNonce", "nonce is invalid, expired, or already used")
		}
		return nil, internalProblem(fmt.Sprintf("nonce check failed: %v", err))
	}

	urlHeader, _ := header.ExtraHeaders[jose.HeaderKey("url")].(string)
	if urlHeader != expectedURL {
		return nil, unauthorizedProblem(fmt.Sprintf("JWS url header %q does not match request URL %q", urlHeader, expectedURL))
	}

	var key *jose.JSONWebKey
	switch {
	case header.JSONWebKey != nil && header.KeyID != "":
		return nil, badRequestProblem("malformed", "JWS must not carry both jwk and kid")
	case header.JSONWebKey != nil:
		key = header.JSONWebKey
	case header.KeyID != "":
		loaded, prob := loadAccountKey(ctx, store, header.KeyID)
		if prob != nil {
			return nil, prob
		}
		key = loaded
	default:
		return nil, badRequestProblem("malformed", "JWS carries neither jwk nor kid")
	}

	payload, err := jws.Verify(key)
	if err != nil {
		return nil, unauthorizedProblem("JWS signature verification failed")
	}

	thumbprint, err := keyThumbprint(key)
	if err != nil {
		return nil, internalProblem(fmt.Sprintf("compute key thumbprint: %v", err))
	}

	return &parsedRequest{
		Payload:    payload,
		Key:        key,
		Thumbprint: thumbprint,
		KeyID:      header.KeyID,
		URL:        urlHeader,
	}, nil
}

// loadAccountKey resolves a kid URL to the stored client account key. The
// account ID is the key thumbprint, carried as the final path segment.
func loadAccountKey(ctx context.Context, store storage.Storage, kid string) (*jose.JSONWebKey, *problem) {
	accountID := lastPathSegment(kid)
	if accountID == "" {
		return nil, badRequestProblem("malformed", "kid is not an account URL")
	}
	acct, err := store.GetAccount(ctx, accountID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, &problem{Status: 400, Type: problemType("accountDoesNotExist"), Detail: "no account registered for this key"}
	}
	if err != nil {
		return nil, internalProblem(fmt.Sprintf("load account: %v", err))
	}
	key := &jose.JSONWebKey{}
	if err := json.Unmarshal([]byte(acct.KeyPEM), key); err != nil {
		return nil, internalProblem(fmt.Sprintf("parse stored account key: %v", err))
	}
	return key, nil
}

func keyThumbprint(key *jose.JSONWebKey) (string, error) {
	return acmeclient.Thumbprint(key.Key)
}

// registerClientAccount persists an external client's public key. Client
// accounts live in the same table as upstream accounts, keyed by thumbprint
// with the reserved directory name "local".
func registerClientAccount(ctx context.Context, store storage.Storage, key *jose.JSONWebKey, thumbprint string, contact []string) (*model.Account, error) {
	keyJSON, err := json.Marshal(key)
	if err != nil {
		return nil, fmt.Errorf("acmeserver: marshal client key: %w", err)
	}
	acct := &model.Account{
		ID:           thumbprint,
		DirectoryURL: "local",
		Environment:  "client:" + thumbprint,
		KeyPEM:       string(keyJSON),
		Contact:      contact,
		TermsAgreed:  true,
	}
	if err := store.SaveAccount(ctx, acct); err != nil {
		return nil, fmt.Errorf("acmeserver: persist client account: %w", err)
	}
	return acct, nil
}

// issueNonce mints, persists, and returns a fresh anti-replay nonce.
func issueNonce(ctx context.Context, store storage.Storage) (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("acmeserver: generate nonce: %w", err)
	}
	value := base64.RawURLEncoding.EncodeToString(buf)
	now := time.Now()
	if err := store.SaveNonce(ctx, &model.Nonce{
		Value:     value,
		IssuedAt:  now,
		ExpiresAt: now.Add(nonceLifetime),
	}); err != nil {
		return "", fmt.Errorf("acmeserver: persist nonce: %w", err)
	}
	return value, nil
}

func lastPathSegment(url string) string {
	for i := len(url) - 1; i >= 0; i-- {
		if url[i] == '/' {
			return url[i+1:]
		}
	}
	return ""
}
