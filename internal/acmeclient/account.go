package acmeclient

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acmegate/acmegate/internal/model"
	"github.com/acmegate/acmegate/internal/storage"
)

// AccountManager owns one upstream account per (directory URL, environment)
// pair. Account keys are generated once, persisted, and reloaded on restart;
// losing the key would orphan every order placed under it.
type AccountManager struct {
	store      storage.Storage
	contact    []string
	httpClient *http.Client

	mu      sync.Mutex
	clients map[string]*Client // keyed by directoryURL + "|" + environment
}

// NewAccountManager creates an AccountManager backed by the given store.
func NewAccountManager(store storage.Storage, contact []string, httpClient *http.Client) *AccountManager {
	return &AccountManager{
		store:      store,
		contact:    contact,
		httpClient: httpClient,
		clients:    make(map[string]*Client),
	}
}

// ClientFor returns a registered client for the directory and environment,
// creating and registering the account on first use.
func (m *AccountManager) ClientFor(ctx context.Context, directoryURL, environment string) (*Client, error) {
	key := directoryURL + "|" + environment

	m.mu.Lock()
	if client, ok := m.clients[key]; ok {
		m.mu.Unlock()
		return client, nil
	}
	m.mu.Unlock()

	acct, err := m.store.GetAccountByDirectory(ctx, directoryURL, environment)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		acct, err = m.createAccount(ctx, directoryURL, environment)
		if err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("acmeclient: load account for %s (%s): %w", directoryURL, environment, err)
	}

	privKey, err := ParseAccountKey(acct.KeyPEM)
	if err != nil {
		return nil, err
	}

	client := NewClient(directoryURL, privKey, acct.AccountURL, m.httpClient)
	if !acct.Registered() {
		if err := client.Register(ctx, acct.Contact); err != nil {
			return nil, fmt.Errorf("acmeclient: register account for %s (%s): %w", directoryURL, environment, err)
		}
		acct.AccountURL = client.AccountURL()
		acct.TermsAgreed = true
		if err := m.store.SaveAccount(ctx, acct); err != nil {
			return nil, fmt.Errorf("acmeclient: persist account URL for %s: %w", acct.ID, err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Another goroutine may have raced us here; keep whichever client landed
	// first so the whole process shares one nonce pool per account.
	if existing, ok := m.clients[key]; ok {
		return existing, nil
	}
	m.clients[key] = client
	return client, nil
}

// Rotate replaces the account key for a directory/environment pair: a fresh
// key is generated, registered upstream, and persisted over the old row. The
// cached client is dropped so subsequent calls sign with the new key. Orders
// already placed under the old account URL remain pollable because the CA
// attaches them to the account, not the key material we discard.
func (m *AccountManager) Rotate(ctx context.Context, directoryURL, environment string) error {
	acct, err := m.store.GetAccountByDirectory(ctx, directoryURL, environment)
	if err != nil {
		return fmt.Errorf("acmeclient: load account for rotation %s (%s): %w", directoryURL, environment, err)
	}

	privKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("acmeclient: generate replacement account key: %w", err)
	}
	keyPEM, err := EncodeAccountKey(privKey)
	if err != nil {
		return err
	}

	client := NewClient(directoryURL, privKey, "", m.httpClient)
	if err := client.Register(ctx, acct.Contact); err != nil {
		return fmt.Errorf("acmeclient: register rotated account for %s (%s): %w", directoryURL, environment, err)
	}

	acct.KeyPEM = keyPEM
	acct.AccountURL = client.AccountURL()
	acct.TermsAgreed = true
	if err := m.store.SaveAccount(ctx, acct); err != nil {
		return fmt.Errorf("acmeclient: persist rotated account %s: %w", acct.ID, err)
	}

	m.mu.Lock()
	m.clients[directoryURL+"|"+environment] = client
	m.mu.Unlock()
	logger.Info("Rotated upstream account key",
		zap.String("directory", directoryURL),
		zap.String("environment", environment),
		zap.String("account_url", acct.AccountURL))
	return nil
}

func (m *AccountManager) createAccount(ctx context.Context, directoryURL, environment string) (*model.Account, error) {
	privKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("acmeclient: generate account key: %w", err)
	}
	keyPEM, err := EncodeAccountKey(privKey)
	if err != nil {
		return nil, err
	}

	acct := &model.Account{
		ID:           uuid.New().String(),
		DirectoryURL: directoryURL,
		Environment:  environment,
		KeyPEM:       keyPEM,
		Contact:      m.contact,
	}
	// The key is persisted before registration so a crash between the two
	// steps never loses a key the CA already knows about.
	if err := m.store.SaveAccount(ctx, acct); err != nil {
		return nil, fmt.Errorf("acmeclient: persist new account for %s: %w", directoryURL, err)
	}
	logger.Info("Created upstream account key",
		zap.String("directory", directoryURL),
		zap.String("environment", environment),
		zap.String("account_id", acct.ID))
	return acct, nil
}

// EncodeAccountKey serializes an ECDSA private key to PEM.
func EncodeAccountKey(key *ecdsa.PrivateKey) (string, error) {
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return "", fmt.Errorf("acmeclient: marshal account key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})), nil
}

// ParseAccountKey parses a PEM-encoded ECDSA private key.
func ParseAccountKey(keyPEM string) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(keyPEM))
	if block == nil {
		return nil, fmt.Errorf("acmeclient: account key is not valid PEM")
	}
	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("acmeclient: parse account key: %w", err)
	}
	return key, nil
}
