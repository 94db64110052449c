package acmeclient

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/acmegate/acmegate/internal/model"
)

var logger *zap.Logger

func init() {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		panic(fmt.Sprintf("failed to initialize zap logger: %v", err))
	}
	logger = l.With(zap.String("package", "acmeclient"))
}

const (
	contentTypeJOSE   = "application/jose+json"
	userAgent         = "acmegate/1.0"
	directoryCacheTTL = time.Hour
	maxResponseBytes  = 1 << 20
)

// Client speaks RFC 8555 to one upstream directory on behalf of one account.
// It is safe for concurrent use; the nonce pool hands each signing attempt
// its own nonce.
type Client struct {
	directoryURL string
	httpClient   *http.Client
	nonces       noncePool

	key        *ecdsa.PrivateKey
	accountURL string

	dirMu        sync.Mutex
	dir          *Directory
	dirFetchedAt time.Time
}

// NewClient builds a client for the given directory. The key signs every
// request; accountURL may be empty until Register has been called.
func NewClient(directoryURL string, key *ecdsa.PrivateKey, accountURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		directoryURL: directoryURL,
		httpClient:   httpClient,
		key:          key,
		accountURL:   accountURL,
	}
}

// AccountURL returns the upstream account URL, or "" before registration.
func (c *Client) AccountURL() string { return c.accountURL }

// Thumbprint returns the base64url SHA-256 JWK thumbprint of the account key
// (RFC 7638), as used in key authorizations.
func (c *Client) Thumbprint() (string, error) {
	return Thumbprint(c.key.Public())
}

// Thumbprint computes the RFC 7638 JWK thumbprint for any public key.
func Thumbprint(pub crypto.PublicKey) (string, error) {
	jwk := jose.JSONWebKey{Key: pub}
	tp, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("acmeclient: compute key thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(tp), nil
}

// Directory returns the upstream directory, fetching and caching it.
func (c *Client) Directory(ctx context.Context) (*Directory, error) {
	c.dirMu.Lock()
	defer c.dirMu.Unlock()
	if c.dir != nil && time.Since(c.dirFetchedAt) < directoryCacheTTL {
		return c.dir, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.directoryURL, nil)
	if err != nil {
		return nil, fmt.Errorf("acmeclient: build directory request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("acmeclient: fetch directory %s: %w", c.directoryURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("acmeclient: directory %s returned status %d", c.directoryURL, resp.StatusCode)
	}

	var dir Directory
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&dir); err != nil {
		return nil, fmt.Errorf("acmeclient: decode directory: %w", err)
	}
	if dir.NewNonce == "" || dir.NewOrder == "" || dir.NewAccount == "" {
		return nil, fmt.Errorf("acmeclient: directory %s missing required endpoints", c.directoryURL)
	}
	c.dir = &dir
	c.dirFetchedAt = time.Now()
	return c.dir, nil
}

// Register creates (or re-attaches to) the upstream account and records the
// returned account URL on the client.
func (c *Client) Register(ctx context.Context, contact []string) error {
	dir, err := c.Directory(ctx)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(newAccountPayload{Contact: contact, TermsOfServiceAgreed: true})
	if err != nil {
		return fmt.Errorf("acmeclient: marshal newAccount payload: %w", err)
	}
	// newAccount is the one request signed with an embedded JWK; everything
	// after uses the account URL as kid.
	resp, err := c.signedPost(ctx, dir.NewAccount, payload, true)
	if err != nil {
		return err
	}
	location := resp.header.Get("Location")
	if location == "" {
		return fmt.Errorf("acmeclient: newAccount response missing Location header")
	}
	c.accountURL = location
	logger.Info("Registered upstream ACME account",
		zap.String("directory", c.directoryURL),
		zap.String("account_url", location))
	return nil
}

// NewOrder submits a newOrder request for the given domains.
func (c *Client) NewOrder(ctx context.Context, domains []string) (*OrderResponse, error) {
	dir, err := c.Directory(ctx)
	if err != nil {
		return nil, err
	}
	payload := newOrderPayload{}
	for _, d := range domains {
		payload.Identifiers = append(payload.Identifiers, model.Identifier{Type: "dns", Value: d})
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("acmeclient: marshal newOrder payload: %w", err)
	}
	resp, err := c.signedPost(ctx, dir.NewOrder, body, false)
	if err != nil {
		return nil, err
	}
	var order OrderResponse
	if err := json.Unmarshal(resp.body, &order); err != nil {
		return nil, fmt.Errorf("acmeclient: decode newOrder response: %w", err)
	}
	order.URL = resp.header.Get("Location")
	if order.URL == "" {
		return nil, fmt.Errorf("acmeclient: newOrder response missing Location header")
	}
	return &order, nil
}

// GetOrder fetches an order by URL (POST-as-GET).
func (c *Client) GetOrder(ctx context.Context, orderURL string) (*OrderResponse, error) {
	resp, err := c.signedPost(ctx, orderURL, nil, false)
	if err != nil {
		return nil, err
	}
	var order OrderResponse
	if err := json.Unmarshal(resp.body, &order); err != nil {
		return nil, fmt.Errorf("acmeclient: decode order response: %w", err)
	}
	order.URL = orderURL
	return &order, nil
}

// GetAuthorization fetches an authorization by URL (POST-as-GET).
func (c *Client) GetAuthorization(ctx context.Context, authzURL string) (*AuthorizationResponse, error) {
	resp, err := c.signedPost(ctx, authzURL, nil, false)
	if err != nil {
		return nil, err
	}
	var authz AuthorizationResponse
	if err := json.Unmarshal(resp.body, &authz); err != nil {
		return nil, fmt.Errorf("acmeclient: decode authorization response: %w", err)
	}
	authz.URL = authzURL
	return &authz, nil
}

// AcceptChallenge tells the CA the challenge is ready for validation by
// POSTing the empty JSON object to the challenge URL.
func (c *Client) AcceptChallenge(ctx context.Context, challengeURL string) (*ChallengeResponse, error) {
	resp, err := c.signedPost(ctx, challengeURL, []byte("{}"), false)
	if err != nil {
		return nil, err
	}
	var chal ChallengeResponse
	if err := json.Unmarshal(resp.body, &chal); err != nil {
		return nil, fmt.Errorf("acmeclient: decode challenge response: %w", err)
	}
	return &chal, nil
}

// Finalize submits the DER-encoded CSR to the order's finalize URL.
func (c *Client) Finalize(ctx context.Context, finalizeURL string, csrDER []byte) (*OrderResponse, error) {
	body, err := json.Marshal(finalizePayload{CSR: base64.RawURLEncoding.EncodeToString(csrDER)})
	if err != nil {
		return nil, fmt.Errorf("acmeclient: marshal finalize payload: %w", err)
	}
	resp, err := c.signedPost(ctx, finalizeURL, body, false)
	if err != nil {
		return nil, err
	}
	var order OrderResponse
	if err := json.Unmarshal(resp.body, &order); err != nil {
		return nil, fmt.Errorf("acmeclient: decode finalize response: %w", err)
	}
	if loc := resp.header.Get("Location"); loc != "" {
		order.URL = loc
	}
	return &order, nil
}

// FetchCertificate downloads the issued certificate chain (PEM).
func (c *Client) FetchCertificate(ctx context.Context, certURL string) ([]byte, error) {
	resp, err := c.signedPost(ctx, certURL, nil, false)
	if err != nil {
		return nil, err
	}
	if len(resp.body) == 0 {
		return nil, fmt.Errorf("acmeclient: certificate endpoint %s returned empty body", certURL)
	}
	return resp.body, nil
}

// DeactivateAuthorization marks an authorization deactivated upstream so a
// canceled order cannot leave usable authorizations behind.
func (c *Client) DeactivateAuthorization(ctx context.Context, authzURL string) error {
	body := []byte(`{"status":"deactivated"}`)
	if _, err := c.signedPost(ctx, authzURL, body, false); err != nil {
		return err
	}
	return nil
}

type signedResponse struct {
	statusCode int
	header     http.Header
	body       []byte
}

// signedPost signs payload as a JWS and POSTs it. A nil payload sends the
// empty string body (POST-as-GET). A badNonce rejection is re-signed and
// retried exactly once with a fresh nonce.
func (c *Client) signedPost(ctx context.Context, url string, payload []byte, useJWK bool) (*signedResponse, error) {
	dir, err := c.Directory(ctx)
	if err != nil {
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		nonce, err := c.nonces.Take(ctx, c.httpClient, dir.NewNonce)
		if err != nil {
			return nil, err
		}

		signed, err := c.sign(url, nonce, payload, useJWK)
		if err != nil {
			return nil, err
		}

		resp, err := c.doJOSE(ctx, url, signed)
		if err != nil {
			return nil, err
		}
		if resp.statusCode < 400 {
			return resp, nil
		}

		probErr := problemFromResponse(resp)
		if probErr.IsBadNonce() && attempt == 0 {
			logger.Debug("Upstream rejected nonce, retrying once with a fresh one", zap.String("url", url))
			continue
		}
		return nil, probErr
	}
}

func (c *Client) sign(url, nonce string, payload []byte, useJWK bool) (string, error) {
	signerOpts := jose.SignerOptions{}
	signerOpts.WithHeader("nonce", nonce)
	signerOpts.WithHeader("url", url)
	if useJWK {
		signerOpts.EmbedJWK = true
	} else {
		if c.accountURL == "" {
			return "", fmt.Errorf("acmeclient: account not registered, cannot sign with kid")
		}
		signerOpts.WithHeader("kid", c.accountURL)
	}

	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.ES256, Key: c.key}, &signerOpts)
	if err != nil {
		return "", fmt.Errorf("acmeclient: build signer: %w", err)
	}
	jws, err := signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("acmeclient: sign request for %s: %w", url, err)
	}
	return jws.FullSerialize(), nil
}

func (c *Client) doJOSE(ctx context.Context, url, signedBody string) (*signedResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(signedBody))
	if err != nil {
		return nil, fmt.Errorf("acmeclient: build request for %s: %w", url, err)
	}
	req.Header.Set("Content-Type", contentTypeJOSE)
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("acmeclient: POST %s: %w", url, err)
	}
	defer resp.Body.Close()

	c.nonces.Put(resp.Header.Get("Replay-Nonce"))

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("acmeclient: read response from %s: %w", url, err)
	}
	return &signedResponse{statusCode: resp.StatusCode, header: resp.Header, body: body}, nil
}

func problemFromResponse(resp *signedResponse) *ProblemError {
	probErr := &ProblemError{
		StatusCode: resp.statusCode,
		RetryAfter: parseRetryAfter(resp.header.Get("Retry-After")),
	}
	if err := json.Unmarshal(resp.body, &probErr.Problem); err != nil || probErr.Problem.Type == "" {
		probErr.Problem.Type = "urn:ietf:params:acme:error:serverInternal"
		probErr.Problem.Detail = fmt.Sprintf("unparseable error response (status %d)", resp.statusCode)
	}
	return probErr
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
