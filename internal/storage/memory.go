package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/acmegate/acmegate/internal/model"
)

// MemoryStorage is an in-memory Storage for development and tests. All maps
// are guarded by a single RWMutex; values are copied on the way in and out so
// callers can never mutate stored state through a shared pointer.
type MemoryStorage struct {
	mu sync.RWMutex

	issuerKeys   map[string]keyPair
	accounts     map[string]*model.Account
	orders       map[string]*model.Order
	authzs       map[string]*model.Authorization
	challenges   map[string]*model.Challenge
	nonces       map[string]*model.Nonce
	certificates map[string]*model.CertificateData
	policies     map[string]*model.DomainPolicy
	bindings     map[string]*model.ProviderBinding
}

type keyPair struct {
	keyPEM  []byte
	certPEM []byte
}

var _ Storage = (*MemoryStorage)(nil)

// NewMemoryStorage creates an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		issuerKeys:   make(map[string]keyPair),
		accounts:     make(map[string]*model.Account),
		orders:       make(map[string]*model.Order),
		authzs:       make(map[string]*model.Authorization),
		challenges:   make(map[string]*model.Challenge),
		nonces:       make(map[string]*model.Nonce),
		certificates: make(map[string]*model.CertificateData),
		policies:     make(map[string]*model.DomainPolicy),
		bindings:     make(map[string]*model.ProviderBinding),
	}
}

func (s *MemoryStorage) Close() error { return nil }

// WithinTransaction runs fn against the store itself. The memory backend has
// no rollback; it exists for development and tests, not crash safety.
func (s *MemoryStorage) WithinTransaction(ctx context.Context, fn func(ctx context.Context, txStorage Storage) error) error {
	return fn(ctx, s)
}

// --- Issuer key material ---

func (s *MemoryStorage) SaveCAKeyPair(_ context.Context, issuerID string, keyPEM, certPEM []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.issuerKeys[issuerID] = keyPair{
		keyPEM:  append([]byte(nil), keyPEM...),
		certPEM: append([]byte(nil), certPEM...),
	}
	return nil
}

func (s *MemoryStorage) GetCAKeyPair(_ context.Context, issuerID string) ([]byte, []byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	kp, ok := s.issuerKeys[issuerID]
	if !ok {
		return nil, nil, nil
	}
	return append([]byte(nil), kp.keyPEM...), append([]byte(nil), kp.certPEM...), nil
}

func (s *MemoryStorage) ListIssuerIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.issuerKeys))
	for id := range s.issuerKeys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// --- Upstream accounts ---

func copyAccount(a *model.Account) *model.Account {
	cp := *a
	cp.Contact = append([]string(nil), a.Contact...)
	return &cp
}

func (s *MemoryStorage) SaveAccount(_ context.Context, acct *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if acct.CreatedAt.IsZero() {
		acct.CreatedAt = now
	}
	acct.LastModifiedAt = now
	s.accounts[acct.ID] = copyAccount(acct)
	return nil
}

func (s *MemoryStorage) GetAccount(_ context.Context, id string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acct, ok := s.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyAccount(acct), nil
}

func (s *MemoryStorage) GetAccountByDirectory(_ context.Context, directoryURL, environment string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, acct := range s.accounts {
		if acct.DirectoryURL == directoryURL && acct.Environment == environment {
			return copyAccount(acct), nil
		}
	}
	return nil, ErrNotFound
}

// --- Orders ---

func copyOrder(o *model.Order) *model.Order {
	cp := *o
	cp.Domains = append([]string(nil), o.Domains...)
	cp.AuthzURLs = append([]string(nil), o.AuthzURLs...)
	if o.AuthzMap != nil {
		cp.AuthzMap = make(map[string]string, len(o.AuthzMap))
		for k, v := range o.AuthzMap {
			cp.AuthzMap[k] = v
		}
	}
	if o.Error != nil {
		e := *o.Error
		cp.Error = &e
	}
	return &cp
}

func (s *MemoryStorage) SaveOrder(_ context.Context, order *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.LastModifiedAt = now
	s.orders[order.ID] = copyOrder(order)
	return nil
}

func (s *MemoryStorage) GetOrder(_ context.Context, id string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	order, ok := s.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyOrder(order), nil
}

func (s *MemoryStorage) ListOrdersByAuthzURL(_ context.Context, authzURL string) ([]*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*model.Order
	for _, order := range s.orders {
		if order.OwnsAuthzURL(authzURL) {
			result = append(result, copyOrder(order))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *MemoryStorage) ListRenewableOrders(_ context.Context, cutoff time.Time) ([]*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*model.Order
	for _, order := range s.orders {
		if !order.AutoRenew || order.ExpiresAt.After(cutoff) {
			continue
		}
		switch order.Status {
		case model.StatusValid, model.StatusInvalid, model.StatusReady:
			result = append(result, copyOrder(order))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ExpiresAt.Before(result[j].ExpiresAt) })
	return result, nil
}

// --- Authorizations ---

func copyAuthorization(a *model.Authorization) *model.Authorization {
	cp := *a
	cp.Challenges = nil
	return &cp
}

func (s *MemoryStorage) SaveAuthorization(_ context.Context, authz *model.Authorization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if authz.CreatedAt.IsZero() {
		authz.CreatedAt = time.Now()
	}
	s.authzs[authz.ID] = copyAuthorization(authz)
	return nil
}

func (s *MemoryStorage) GetAuthorization(_ context.Context, id string) (*model.Authorization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	authz, ok := s.authzs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyAuthorization(authz), nil
}

func (s *MemoryStorage) GetAuthorizationsByOrderID(_ context.Context, orderID string) ([]*model.Authorization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*model.Authorization
	for _, authz := range s.authzs {
		if authz.OrderID == orderID {
			result = append(result, copyAuthorization(authz))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// --- Challenges ---

func copyChallenge(c *model.Challenge) *model.Challenge {
	cp := *c
	if c.Error != nil {
		e := *c.Error
		cp.Error = &e
	}
	return &cp
}

func (s *MemoryStorage) SaveChallenge(_ context.Context, chal *model.Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if chal.CreatedAt.IsZero() {
		chal.CreatedAt = time.Now()
	}
	s.challenges[chal.ID] = copyChallenge(chal)
	return nil
}

func (s *MemoryStorage) GetChallenge(_ context.Context, id string) (*model.Challenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chal, ok := s.challenges[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyChallenge(chal), nil
}

func (s *MemoryStorage) GetChallengeByToken(_ context.Context, token string) (*model.Challenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, chal := range s.challenges {
		if chal.Token == token {
			return copyChallenge(chal), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStorage) GetChallengesByAuthorizationID(_ context.Context, authzID string) ([]*model.Challenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*model.Challenge
	for _, chal := range s.challenges {
		if chal.AuthorizationID == authzID {
			result = append(result, copyChallenge(chal))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// --- Nonces ---

func (s *MemoryStorage) SaveNonce(_ context.Context, nonce *model.Nonce) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *nonce
	s.nonces[nonce.Value] = &cp
	return nil
}

func (s *MemoryStorage) ConsumeNonce(_ context.Context, nonceValue string) (*model.Nonce, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nonce, ok := s.nonces[nonceValue]
	if !ok || time.Now().After(nonce.ExpiresAt) {
		delete(s.nonces, nonceValue)
		return nil, ErrNonceConsumed
	}
	delete(s.nonces, nonceValue)
	cp := *nonce
	return &cp, nil
}

func (s *MemoryStorage) DeleteExpiredNonces(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var n int64
	for value, nonce := range s.nonces {
		if now.After(nonce.ExpiresAt) {
			delete(s.nonces, value)
			n++
		}
	}
	return n, nil
}

// --- Certificates ---

func (s *MemoryStorage) SaveCertificateData(_ context.Context, certData *model.CertificateData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *certData
	s.certificates[certData.SerialNumber] = &cp
	return nil
}

func (s *MemoryStorage) GetCertificateData(_ context.Context, serialNumber string) (*model.CertificateData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cert, ok := s.certificates[serialNumber]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *cert
	return &cp, nil
}

func (s *MemoryStorage) GetCertificateByOrderID(_ context.Context, orderID string) (*model.CertificateData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *model.CertificateData
	for _, cert := range s.certificates {
		if cert.OrderID != orderID {
			continue
		}
		if latest == nil || cert.IssuedAt.After(latest.IssuedAt) {
			latest = cert
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

// --- Domain policies ---

func (s *MemoryStorage) SaveDomainPolicy(_ context.Context, policy *model.DomainPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *policy
	cp.Domain = normalizeDomain(policy.Domain)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.policies[cp.Domain] = &cp
	return nil
}

func (s *MemoryStorage) GetDomainPolicy(_ context.Context, domain string) (*model.DomainPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	policy, ok := s.policies[normalizeDomain(domain)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *policy
	return &cp, nil
}

func (s *MemoryStorage) ListDomainPolicies(_ context.Context) ([]*model.DomainPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*model.DomainPolicy, 0, len(s.policies))
	for _, policy := range s.policies {
		cp := *policy
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Domain < result[j].Domain })
	return result, nil
}

func (s *MemoryStorage) DeleteDomainPolicy(_ context.Context, domain string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.policies, normalizeDomain(domain))
	return nil
}

// --- Provider bindings ---

func copyBinding(b *model.ProviderBinding) *model.ProviderBinding {
	cp := *b
	if b.Credentials != nil {
		cp.Credentials = make(map[string]string, len(b.Credentials))
		for k, v := range b.Credentials {
			cp.Credentials[k] = v
		}
	}
	return &cp
}

func (s *MemoryStorage) SaveProviderBinding(_ context.Context, binding *model.ProviderBinding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := copyBinding(binding)
	cp.Suffix = normalizeDomain(binding.Suffix)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.bindings[cp.Suffix] = cp
	return nil
}

func (s *MemoryStorage) ListProviderBindings(_ context.Context) ([]*model.ProviderBinding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*model.ProviderBinding, 0, len(s.bindings))
	for _, binding := range s.bindings {
		result = append(result, copyBinding(binding))
	}
	sort.Slice(result, func(i, j int) bool {
		// Longest suffix first so callers can match most-specific bindings
		// without re-sorting.
		if len(result[i].Suffix) != len(result[j].Suffix) {
			return len(result[i].Suffix) > len(result[j].Suffix)
		}
		return result[i].Suffix < result[j].Suffix
	})
	return result, nil
}

func (s *MemoryStorage) DeleteProviderBinding(_ context.Context, suffix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bindings, normalizeDomain(suffix))
	return nil
}
