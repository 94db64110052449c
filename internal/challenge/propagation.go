package challenge

import (
	"context"
	"fmt"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"
)

const (
	propagationPollInterval = 5 * time.Second
	propagationTimeout      = 2 * time.Minute
	fallbackSettleDelay     = 10 * time.Second
)

// PropagationChecker confirms a TXT record is visible before a challenge is
// handed to the CA for validation. With no resolvers configured it falls
// back to a fixed settle delay.
type PropagationChecker struct {
	// Resolvers are "host:port" addresses queried for the record.
	Resolvers []string
	// PollInterval and Timeout bound the polling loop; zero values use the
	// package defaults.
	PollInterval time.Duration
	Timeout      time.Duration

	client *dns.Client
}

// NewPropagationChecker builds a checker polling the given resolvers.
func NewPropagationChecker(resolvers []string) *PropagationChecker {
	return &PropagationChecker{
		Resolvers: resolvers,
		client:    &dns.Client{Timeout: 5 * time.Second},
	}
}

// Await blocks until the TXT record at fqdn contains value on every
// configured resolver, the timeout lapses, or ctx is canceled. A lapsed
// timeout is not an error; the CA performs the authoritative check either
// way.
func (c *PropagationChecker) Await(ctx context.Context, fqdn, value string) error {
	if len(c.Resolvers) == 0 {
		logger.Debug("No resolvers configured, using fixed settle delay",
			zap.String("fqdn", fqdn),
			zap.Duration("delay", fallbackSettleDelay))
		select {
		case <-time.After(fallbackSettleDelay):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	interval := c.PollInterval
	if interval <= 0 {
		interval = propagationPollInterval
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = propagationTimeout
	}

	deadline := time.Now().Add(timeout)
	for {
		if c.visibleEverywhere(ctx, fqdn, value) {
			logger.Debug("TXT record visible on all resolvers", zap.String("fqdn", fqdn))
			return nil
		}
		if time.Now().After(deadline) {
			logger.Warn("TXT record not confirmed before timeout, proceeding anyway",
				zap.String("fqdn", fqdn),
				zap.Duration("timeout", timeout))
			return nil
		}
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *PropagationChecker) visibleEverywhere(ctx context.Context, fqdn, value string) bool {
	for _, resolver := range c.Resolvers {
		values, err := c.queryTXT(ctx, resolver, fqdn)
		if err != nil {
			logger.Debug("TXT query failed",
				zap.String("resolver", resolver),
				zap.String("fqdn", fqdn),
				zap.Error(err))
			return false
		}
		if !contains(values, value) {
			return false
		}
	}
	return true
}

func (c *PropagationChecker) queryTXT(ctx context.Context, resolver, fqdn string) ([]string, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(fqdn), dns.TypeTXT)
	msg.RecursionDesired = true

	resp, _, err := c.client.ExchangeContext(ctx, msg, resolver)
	if err != nil {
		return nil, fmt.Errorf("challenge: query TXT %s at %s: %w", fqdn, resolver, err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("challenge: query TXT %s at %s: rcode %s", fqdn, resolver, dns.RcodeToString[resp.Rcode])
	}

	var values []string
	for _, rr := range resp.Answer {
		if txt, ok := rr.(*dns.TXT); ok {
			for _, s := range txt.Txt {
				values = append(values, s)
			}
		}
	}
	return values, nil
}

// LookupTXT queries the first configured resolver for all TXT values at
// fqdn. The local ACME server uses this to validate dns-01 challenges.
func (c *PropagationChecker) LookupTXT(ctx context.Context, fqdn string) ([]string, error) {
	if len(c.Resolvers) == 0 {
		return nil, fmt.Errorf("challenge: no resolvers configured for TXT lookup")
	}
	return c.queryTXT(ctx, c.Resolvers[0], fqdn)
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
