package challenge

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/acmegate/acmegate/internal/dnsprovider"
)

// providerAttempts bounds retries of a failing DNS backend call.
const providerAttempts = 3

// DNS01Solver completes dns-01 challenges: it publishes the TXT record,
// waits for it to become visible, runs the acceptance step, and always
// removes the record afterwards.
type DNS01Solver struct {
	registry *dnsprovider.Registry
	checker  *PropagationChecker
}

// NewDNS01Solver builds a solver over the provider registry.
func NewDNS01Solver(registry *dnsprovider.Registry, checker *PropagationChecker) *DNS01Solver {
	return &DNS01Solver{registry: registry, checker: checker}
}

// Solve publishes the TXT record for domain, waits for propagation, then
// calls accept (which tells the CA to validate). The record is deleted on
// every exit path, including acceptance failure; a leftover TXT record is a
// standing proof of control.
func (s *DNS01Solver) Solve(ctx context.Context, domain, keyAuth string, accept func(ctx context.Context) error) error {
	provider, binding, err := s.registry.ForDomain(domain)
	if err != nil {
		return err
	}

	fqdn := DNS01RecordName(domain)
	value := DNS01TXTValue(keyAuth)

	var rec dnsprovider.Record
	createOp := func() error {
		var opErr error
		rec, opErr = provider.CreateRecord(ctx, fqdn, value)
		return opErr
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), providerAttempts-1), ctx)
	if err := backoff.Retry(createOp, bo); err != nil {
		return fmt.Errorf("challenge: publish TXT record for %s via %s: %w", domain, provider.Name(), err)
	}
	logger.Info("Published dns-01 TXT record",
		zap.String("domain", domain),
		zap.String("fqdn", fqdn),
		zap.String("provider", provider.Name()),
		zap.String("suffix", binding.Suffix))

	defer func() {
		// Cleanup runs on its own context; the solve context may already be
		// canceled or expired.
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := provider.DeleteRecord(cleanupCtx, rec); err != nil {
			logger.Error("Failed to delete dns-01 TXT record",
				zap.String("fqdn", fqdn),
				zap.String("provider", provider.Name()),
				zap.Error(err))
		}
	}()

	if err := s.checker.Await(ctx, fqdn, value); err != nil {
		return fmt.Errorf("challenge: await propagation of %s: %w", fqdn, err)
	}

	return accept(ctx)
}
