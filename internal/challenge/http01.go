package challenge

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// HTTP01TokenStore holds key authorizations for tokens this process must
// answer on /.well-known/acme-challenge/ while an upstream CA validates an
// http-01 challenge.
type HTTP01TokenStore struct {
	mu     sync.RWMutex
	tokens map[string]string // token -> key authorization
}

// NewHTTP01TokenStore creates an empty store.
func NewHTTP01TokenStore() *HTTP01TokenStore {
	return &HTTP01TokenStore{tokens: make(map[string]string)}
}

// Put registers a token. Remove must be called when the challenge settles.
func (s *HTTP01TokenStore) Put(token, keyAuth string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token] = keyAuth
}

// Remove drops a token.
func (s *HTTP01TokenStore) Remove(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, token)
}

// Get returns the key authorization for a token.
func (s *HTTP01TokenStore) Get(token string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keyAuth, ok := s.tokens[token]
	return keyAuth, ok
}

// WellKnownHandler serves /.well-known/acme-challenge/:token.
func (s *HTTP01TokenStore) WellKnownHandler(c echo.Context) error {
	token := c.Param("token")
	keyAuth, ok := s.Get(token)
	if !ok {
		return c.NoContent(http.StatusNotFound)
	}
	logger.Debug("Served http-01 challenge response", zap.String("token", token))
	return c.String(http.StatusOK, keyAuth)
}

// VerifyHTTP01 fetches http://domain/.well-known/acme-challenge/token and
// checks the body against the expected key authorization. The local ACME
// server uses this to validate http-01 challenges it issued.
func VerifyHTTP01(ctx context.Context, httpClient *http.Client, domain, token, keyAuth string) error {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	url := fmt.Sprintf("http://%s/.well-known/acme-challenge/%s", domain, token)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("challenge: build http-01 verification request: %w", err)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("challenge: fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("challenge: %s returned status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("challenge: read http-01 response from %s: %w", url, err)
	}
	if got := strings.TrimSpace(string(body)); got != keyAuth {
		return fmt.Errorf("challenge: http-01 response mismatch for %s", domain)
	}
	return nil
}

// VerifyDNS01 looks up the _acme-challenge TXT record for domain and checks
// it contains the digest of the expected key authorization.
func VerifyDNS01(ctx context.Context, checker *PropagationChecker, domain, keyAuth string) error {
	fqdn := DNS01RecordName(domain)
	values, err := checker.LookupTXT(ctx, fqdn)
	if err != nil {
		return err
	}
	want := DNS01TXTValue(keyAuth)
	if !contains(values, want) {
		return fmt.Errorf("challenge: TXT record %s does not contain expected value", fqdn)
	}
	return nil
}
