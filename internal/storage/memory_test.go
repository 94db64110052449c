package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acmegate/acmegate/internal/model"
)

func TestMemoryStorage_OrderRoundTrip(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()

	_, err := s.GetOrder(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	order := &model.Order{
		ID:            "ord-1",
		Mode:          model.ModeProxy,
		Status:        model.StatusPending,
		Domains:       []string{"a.example.com"},
		ChallengeType: model.ChallengeDNS01,
		AuthzURLs:     []string{"https://up.example/authz/1"},
		AuthzMap:      map[string]string{"la-1": "https://up.example/authz/1"},
		ExpiresAt:     time.Now().Add(time.Hour),
	}
	require.NoError(t, s.SaveOrder(ctx, order))
	assert.False(t, order.CreatedAt.IsZero(), "save stamps created_at")

	got, err := s.GetOrder(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, order.Domains, got.Domains)
	assert.Equal(t, order.AuthzMap, got.AuthzMap)

	// Mutating the returned copy must not bleed into the store.
	got.Status = model.StatusInvalid
	got.AuthzMap["la-1"] = "tampered"
	again, err := s.GetOrder(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, again.Status)
	assert.Equal(t, "https://up.example/authz/1", again.AuthzMap["la-1"])
}

func TestMemoryStorage_ListOrdersByAuthzURL(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()
	const shared = "https://up.example/authz/shared"

	for _, id := range []string{"b-order", "a-order"} {
		require.NoError(t, s.SaveOrder(ctx, &model.Order{
			ID: id, Mode: model.ModeProxy, Status: model.StatusPending,
			AuthzURLs: []string{shared},
			ExpiresAt: time.Now().Add(time.Hour),
		}))
	}
	require.NoError(t, s.SaveOrder(ctx, &model.Order{
		ID: "unrelated", Mode: model.ModeProxy, Status: model.StatusPending,
		AuthzURLs: []string{"https://up.example/authz/other"},
		ExpiresAt: time.Now().Add(time.Hour),
	}))

	// Every match comes back; correlation decisions belong to the caller.
	orders, err := s.ListOrdersByAuthzURL(ctx, shared)
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, "a-order", orders[0].ID)
	assert.Equal(t, "b-order", orders[1].ID)

	orders, err = s.ListOrdersByAuthzURL(ctx, "https://up.example/authz/unknown")
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestMemoryStorage_ListRenewableOrders(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()
	cutoff := time.Now().Add(30 * 24 * time.Hour)

	save := func(id, status string, autoRenew bool, expires time.Time) {
		require.NoError(t, s.SaveOrder(ctx, &model.Order{
			ID: id, Mode: model.ModeClient, Status: status,
			AutoRenew: autoRenew, ExpiresAt: expires,
		}))
	}
	save("due-valid", model.StatusValid, true, time.Now().Add(24*time.Hour))
	save("due-invalid", model.StatusInvalid, true, time.Now().Add(48*time.Hour))
	save("due-ready", model.StatusReady, true, time.Now().Add(12*time.Hour))
	save("manual", model.StatusValid, false, time.Now().Add(24*time.Hour))
	save("not-due", model.StatusValid, true, time.Now().Add(90*24*time.Hour))
	save("in-flight", model.StatusProcessing, true, time.Now().Add(24*time.Hour))

	orders, err := s.ListRenewableOrders(ctx, cutoff)
	require.NoError(t, err)
	ids := make([]string, len(orders))
	for i, o := range orders {
		ids[i] = o.ID
	}
	// Sorted soonest-expiring first.
	assert.Equal(t, []string{"due-ready", "due-valid", "due-invalid"}, ids)
}

func TestMemoryStorage_AuthorizationsAndChallenges(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()

	authz := &model.Authorization{
		ID:         "az-1",
		OrderID:    "ord-1",
		Identifier: model.Identifier{Type: "dns", Value: "a.example.com"},
		Status:     model.StatusPending,
		Expires:    time.Now().Add(time.Hour),
		CreatedAt:  time.Now().Add(-2 * time.Second),
	}
	require.NoError(t, s.SaveAuthorization(ctx, authz))
	require.NoError(t, s.SaveAuthorization(ctx, &model.Authorization{
		ID: "az-2", OrderID: "ord-1",
		Identifier: model.Identifier{Type: "dns", Value: "b.example.com"},
		Status:     model.StatusPending,
		CreatedAt:  time.Now().Add(-1 * time.Second),
	}))

	got, err := s.GetAuthorization(ctx, "az-1")
	require.NoError(t, err)
	assert.Equal(t, "a.example.com", got.Identifier.Value)

	byOrder, err := s.GetAuthorizationsByOrderID(ctx, "ord-1")
	require.NoError(t, err)
	require.Len(t, byOrder, 2)
	assert.Equal(t, "az-1", byOrder[0].ID, "sorted by creation time")

	chal := &model.Challenge{
		ID:              "ch-1",
		AuthorizationID: "az-1",
		Type:            model.ChallengeDNS01,
		Status:          model.StatusPending,
		Token:           "tok-1",
	}
	require.NoError(t, s.SaveChallenge(ctx, chal))

	byToken, err := s.GetChallengeByToken(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "ch-1", byToken.ID)

	byAuthz, err := s.GetChallengesByAuthorizationID(ctx, "az-1")
	require.NoError(t, err)
	require.Len(t, byAuthz, 1)

	_, err = s.GetChallengeByToken(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStorage_ConsumeNonceIsSingleUse(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()

	require.NoError(t, s.SaveNonce(ctx, &model.Nonce{
		Value:     "nonce-1",
		IssuedAt:  time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}))

	_, err := s.ConsumeNonce(ctx, "nonce-1")
	require.NoError(t, err)
	_, err = s.ConsumeNonce(ctx, "nonce-1")
	assert.ErrorIs(t, err, ErrNonceConsumed)

	// Expired nonces are rejected even on first use.
	require.NoError(t, s.SaveNonce(ctx, &model.Nonce{
		Value:     "stale",
		IssuedAt:  time.Now().Add(-2 * time.Hour),
		ExpiresAt: time.Now().Add(-time.Hour),
	}))
	_, err = s.ConsumeNonce(ctx, "stale")
	assert.ErrorIs(t, err, ErrNonceConsumed)
}

func TestMemoryStorage_ConsumeNonceConcurrent(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()
	require.NoError(t, s.SaveNonce(ctx, &model.Nonce{
		Value:     "contested",
		IssuedAt:  time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}))

	const goroutines = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ConsumeNonce(ctx, "contested"); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, successes, "a nonce must be consumable exactly once")
}

func TestMemoryStorage_DeleteExpiredNonces(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()

	require.NoError(t, s.SaveNonce(ctx, &model.Nonce{Value: "live", ExpiresAt: time.Now().Add(time.Hour)}))
	require.NoError(t, s.SaveNonce(ctx, &model.Nonce{Value: "dead-1", ExpiresAt: time.Now().Add(-time.Minute)}))
	require.NoError(t, s.SaveNonce(ctx, &model.Nonce{Value: "dead-2", ExpiresAt: time.Now().Add(-time.Hour)}))

	n, err := s.DeleteExpiredNonces(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	_, err = s.ConsumeNonce(ctx, "live")
	assert.NoError(t, err)
}

func TestMemoryStorage_CertificateLookups(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()

	older := &model.CertificateData{
		SerialNumber:   "01",
		CertificatePEM: "older",
		OrderID:        "ord-1",
		IssuedAt:       time.Now().Add(-time.Hour),
		ExpiresAt:      time.Now().Add(30 * 24 * time.Hour),
	}
	newer := &model.CertificateData{
		SerialNumber:   "02",
		CertificatePEM: "newer",
		OrderID:        "ord-1",
		IssuedAt:       time.Now(),
		ExpiresAt:      time.Now().Add(90 * 24 * time.Hour),
	}
	require.NoError(t, s.SaveCertificateData(ctx, older))
	require.NoError(t, s.SaveCertificateData(ctx, newer))

	bySerial, err := s.GetCertificateData(ctx, "01")
	require.NoError(t, err)
	assert.Equal(t, "older", bySerial.CertificatePEM)

	// A renewal leaves two rows for the order; the latest wins.
	byOrder, err := s.GetCertificateByOrderID(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, "02", byOrder.SerialNumber)

	_, err = s.GetCertificateByOrderID(ctx, "no-such-order")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStorage_DomainPolicies(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()

	require.NoError(t, s.SaveDomainPolicy(ctx, &model.DomainPolicy{
		Domain: " Example.COM. ", Upstream: true, AutoApprove: true,
	}))

	// Lookup normalizes case, whitespace, and the trailing dot.
	policy, err := s.GetDomainPolicy(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, "example.com", policy.Domain)
	assert.True(t, policy.Upstream)

	policies, err := s.ListDomainPolicies(ctx)
	require.NoError(t, err)
	require.Len(t, policies, 1)

	require.NoError(t, s.DeleteDomainPolicy(ctx, "EXAMPLE.com"))
	_, err = s.GetDomainPolicy(ctx, "example.com")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStorage_ProviderBindings(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()

	binding := &model.ProviderBinding{
		Suffix:      "Internal.Example.com",
		Type:        "route53",
		Zone:        "Z123",
		Credentials: map[string]string{"access_key_id": "AKIA..."},
	}
	require.NoError(t, s.SaveProviderBinding(ctx, binding))
	require.NoError(t, s.SaveProviderBinding(ctx, &model.ProviderBinding{
		Suffix: "example.com", Type: "manual",
	}))

	bindings, err := s.ListProviderBindings(ctx)
	require.NoError(t, err)
	require.Len(t, bindings, 2)
	// Longest suffix first.
	assert.Equal(t, "internal.example.com", bindings[0].Suffix)
	assert.Equal(t, "route53", bindings[0].Type)
	assert.Equal(t, "AKIA...", bindings[0].Credentials["access_key_id"])

	// Returned credentials are copies.
	bindings[0].Credentials["access_key_id"] = "tampered"
	again, err := s.ListProviderBindings(ctx)
	require.NoError(t, err)
	assert.Equal(t, "AKIA...", again[0].Credentials["access_key_id"])

	require.NoError(t, s.DeleteProviderBinding(ctx, "internal.example.com"))
	bindings, err = s.ListProviderBindings(ctx)
	require.NoError(t, err)
	require.Len(t, bindings, 1)
	assert.Equal(t, "example.com", bindings[0].Suffix)
}

func TestMemoryStorage_AccountLookupByDirectory(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()

	acct := &model.Account{
		ID:           "acct-1",
		DirectoryURL: "https://acme.example/directory",
		Environment:  "production",
		KeyPEM:       "{}",
		AccountURL:   "https://acme.example/acct/9",
	}
	require.NoError(t, s.SaveAccount(ctx, acct))

	got, err := s.GetAccountByDirectory(ctx, "https://acme.example/directory", "production")
	require.NoError(t, err)
	assert.Equal(t, "acct-1", got.ID)
	assert.True(t, got.Registered())

	_, err = s.GetAccountByDirectory(ctx, "https://acme.example/directory", "staging")
	assert.ErrorIs(t, err, ErrNotFound)
}
