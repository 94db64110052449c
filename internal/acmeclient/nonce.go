package acmeclient

import (
	"context"
	"fmt"
	"net/http"
	"sync"
)

// noncePool holds anti-replay nonces harvested from upstream Replay-Nonce
// headers. Take removes a nonce atomically so concurrent signers never share
// one; when the pool is dry it fetches a fresh nonce from newNonce.
type noncePool struct {
	mu     sync.Mutex
	nonces []string
}

// Put stores a nonce for later use. Empty values are ignored.
func (p *noncePool) Put(nonce string) {
	if nonce == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	// Bound the pool; nonces go stale quickly and a handful is plenty.
	if len(p.nonces) >= 32 {
		return
	}
	p.nonces = append(p.nonces, nonce)
}

// take pops a pooled nonce, or returns "" when the pool is empty.
func (p *noncePool) take() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.nonces) == 0 {
		return ""
	}
	nonce := p.nonces[len(p.nonces)-1]
	p.nonces = p.nonces[:len(p.nonces)-1]
	return nonce
}

// Take returns a nonce, fetching one from the newNonce endpoint if the pool
// is empty.
func (p *noncePool) Take(ctx context.Context, httpClient *http.Client, newNonceURL string) (string, error) {
	if nonce := p.take(); nonce != "" {
		return nonce, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, newNonceURL, nil)
	if err != nil {
		return "", fmt.Errorf("acmeclient: build newNonce request: %w", err)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("acmeclient: fetch nonce: %w", err)
	}
	defer resp.Body.Close()

	nonce := resp.Header.Get("Replay-Nonce")
	if nonce == "" {
		return "", fmt.Errorf("acmeclient: newNonce response missing Replay-Nonce header (status %d)", resp.StatusCode)
	}
	return nonce, nil
}
