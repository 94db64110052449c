// Package dnsprovider automates DNS TXT record management for dns-01
// challenges across a closed set of backends.
package dnsprovider

import (
	"context"
	"fmt"
	"strings"
	"sync"

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
	logger = l.With(zap.String("package", "dnsprovider"))
}

// Record identifies a TXT record a Provider created, carrying whatever the
// backend needs to delete it again (Route 53 deletes by name and value,
// Alibaba Cloud DNS by record ID).
type Record struct {
	ID    string
	FQDN  string
	Value string
}

// Provider manages TXT records in one DNS backend.
type Provider interface {
	// Name returns the backend type (route53, alidns, manual).
	Name() string
	// CreateRecord publishes a TXT record at fqdn with the given value.
	CreateRecord(ctx context.Context, fqdn, value string) (Record, error)
	// DeleteRecord removes a record previously returned by CreateRecord.
	DeleteRecord(ctx context.Context, rec Record) error
}

// Error wraps a backend failure so callers can distinguish DNS automation
// problems from protocol errors.
type Error struct {
	Provider string
	Op       string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("dns provider %s: %s: %v", e.Provider, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Registry resolves domains to Providers via suffix bindings. The most
// specific (longest) matching suffix wins.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider              // keyed by binding suffix
	bindings  map[string]*model.ProviderBinding
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		bindings:  make(map[string]*model.ProviderBinding),
	}
}

// Bind attaches a provider built from the binding. An existing binding for
// the same suffix is replaced.
func (r *Registry) Bind(ctx context.Context, binding *model.ProviderBinding) error {
	provider, err := buildProvider(ctx, binding)
	if err != nil {
		return err
	}
	r.BindProvider(provider, binding)
	logger.Info("Bound DNS provider",
		zap.String("suffix", binding.Suffix),
		zap.String("type", binding.Type))
	return nil
}

// BindProvider attaches an already constructed provider, replacing any
// binding for the same suffix.
func (r *Registry) BindProvider(provider Provider, binding *model.ProviderBinding) {
	suffix := normalizeSuffix(binding.Suffix)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[suffix] = provider
	r.bindings[suffix] = binding
}

// Unbind removes the binding for a suffix.
func (r *Registry) Unbind(suffix string) {
	suffix = normalizeSuffix(suffix)
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.providers, suffix)
	delete(r.bindings, suffix)
}

// ForDomain returns the provider bound to the longest suffix matching domain.
// A wildcard prefix is stripped before matching.
func (r *Registry) ForDomain(domain string) (Provider, *model.ProviderBinding, error) {
	domain = normalizeSuffix(strings.TrimPrefix(domain, "*."))

	r.mu.RLock()
	defer r.mu.RUnlock()
	var bestSuffix string
	for suffix := range r.providers {
		if !matchesSuffix(domain, suffix) {
			continue
		}
		if len(suffix) > len(bestSuffix) {
			bestSuffix = suffix
		}
	}
	if bestSuffix == "" {
		return nil, nil, fmt.Errorf("dnsprovider: no DNS provider bound for domain %s", domain)
	}
	return r.providers[bestSuffix], r.bindings[bestSuffix], nil
}

func matchesSuffix(domain, suffix string) bool {
	return domain == suffix || strings.HasSuffix(domain, "."+suffix)
}

func normalizeSuffix(s string) string {
	return strings.ToLower(strings.TrimSuffix(strings.TrimSpace(s), "."))
}

// buildProvider constructs the backend named by the binding's type. The set
// of types is closed; an unknown type is a configuration error.
func buildProvider(ctx context.Context, binding *model.ProviderBinding) (Provider, error) {
	switch strings.ToLower(binding.Type) {
	case "route53":
		return NewRoute53Provider(ctx, binding)
	case "alidns":
		return NewAlidnsProvider(binding)
	case "manual":
		return NewManualProvider(), nil
	default:
		return nil, fmt.Errorf("dnsprovider: unknown provider type %q for suffix %s", binding.Type, binding.Suffix)
	}
}
