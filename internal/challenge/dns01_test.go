package challenge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acmegate/acmegate/internal/dnsprovider"
	"github.com/acmegate/acmegate/internal/model"
)

type fakeDNSProvider struct {
	mu        sync.Mutex
	createErr error
	failTimes int

	created []dnsprovider.Record
	deleted []dnsprovider.Record
}

func (p *fakeDNSProvider) Name() string { return "fake" }

func (p *fakeDNSProvider) CreateRecord(ctx context.Context, fqdn, value string) (dnsprovider.Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failTimes > 0 {
		p.failTimes--
		return dnsprovider.Record{}, errors.New("transient backend error")
	}
	if p.createErr != nil {
		return dnsprovider.Record{}, p.createErr
	}
	rec := dnsprovider.Record{ID: "rec-1", FQDN: fqdn, Value: value}
	p.created = append(p.created, rec)
	return rec, nil
}

func (p *fakeDNSProvider) DeleteRecord(ctx context.Context, rec dnsprovider.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deleted = append(p.deleted, rec)
	return nil
}

// fastChecker polls an unreachable resolver with tiny intervals so Await
// lapses almost immediately instead of sitting in the 10s settle delay.
func fastChecker() *PropagationChecker {
	c := NewPropagationChecker([]string{"127.0.0.1:1"})
	c.PollInterval = 5 * time.Millisecond
	c.Timeout = 20 * time.Millisecond
	return c
}

func newSolverWithProvider(provider dnsprovider.Provider) *DNS01Solver {
	registry := dnsprovider.NewRegistry()
	registry.BindProvider(provider, &model.ProviderBinding{Suffix: "example.com", Type: "fake"})
	return NewDNS01Solver(registry, fastChecker())
}

func TestSolve_PublishesAcceptsAndCleansUp(t *testing.T) {
	provider := &fakeDNSProvider{}
	solver := newSolverWithProvider(provider)

	accepted := false
	err := solver.Solve(context.Background(), "www.example.com", "tok.thumb", func(ctx context.Context) error {
		accepted = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, accepted)

	require.Len(t, provider.created, 1)
	assert.Equal(t, "_acme-challenge.www.example.com", provider.created[0].FQDN)
	assert.Equal(t, DNS01TXTValue("tok.thumb"), provider.created[0].Value)
	// The record is removed after acceptance.
	assert.Equal(t, provider.created, provider.deleted)
}

func TestSolve_DeletesRecordWhenAcceptFails(t *testing.T) {
	provider := &fakeDNSProvider{}
	solver := newSolverWithProvider(provider)

	acceptErr := errors.New("CA rejected the challenge")
	err := solver.Solve(context.Background(), "www.example.com", "tok.thumb", func(ctx context.Context) error {
		return acceptErr
	})
	require.ErrorIs(t, err, acceptErr)
	require.Len(t, provider.deleted, 1, "TXT record must be removed even when acceptance fails")
}

func TestSolve_RetriesTransientCreateFailures(t *testing.T) {
	provider := &fakeDNSProvider{failTimes: providerAttempts - 1}
	solver := newSolverWithProvider(provider)

	err := solver.Solve(context.Background(), "www.example.com", "tok.thumb", func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err)
	require.Len(t, provider.created, 1)
}

func TestSolve_GivesUpAfterRepeatedCreateFailures(t *testing.T) {
	provider := &fakeDNSProvider{failTimes: providerAttempts}
	solver := newSolverWithProvider(provider)

	err := solver.Solve(context.Background(), "www.example.com", "tok.thumb", func(ctx context.Context) error {
		t.Fatal("accept must not run when the record was never published")
		return nil
	})
	require.Error(t, err)
	assert.Empty(t, provider.created)
	assert.Empty(t, provider.deleted)
}

func TestSolve_NoBindingForDomain(t *testing.T) {
	solver := NewDNS01Solver(dnsprovider.NewRegistry(), fastChecker())
	err := solver.Solve(context.Background(), "www.example.com", "tok.thumb", func(ctx context.Context) error {
		t.Fatal("accept must not run without a provider binding")
		return nil
	})
	require.Error(t, err)
}
