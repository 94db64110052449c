package dnsprovider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acmegate/acmegate/internal/model"
)

type stubProvider struct{ name string }

func (p *stubProvider) Name() string { return p.name }
func (p *stubProvider) CreateRecord(ctx context.Context, fqdn, value string) (Record, error) {
	return Record{FQDN: fqdn, Value: value}, nil
}
func (p *stubProvider) DeleteRecord(ctx context.Context, rec Record) error { return nil }

func bindStub(r *Registry, suffix, name string) {
	r.BindProvider(&stubProvider{name: name}, &model.ProviderBinding{Suffix: suffix, Type: name})
}

func TestRegistry_LongestSuffixWins(t *testing.T) {
	r := NewRegistry()
	bindStub(r, "example.com", "broad")
	bindStub(r, "internal.example.com", "narrow")

	provider, binding, err := r.ForDomain("app.internal.example.com")
	require.NoError(t, err)
	assert.Equal(t, "narrow", provider.Name())
	assert.Equal(t, "internal.example.com", binding.Suffix)

	provider, _, err = r.ForDomain("www.example.com")
	require.NoError(t, err)
	assert.Equal(t, "broad", provider.Name())

	// The suffix itself matches.
	provider, _, err = r.ForDomain("example.com")
	require.NoError(t, err)
	assert.Equal(t, "broad", provider.Name())

	// "notexample.com" is not under "example.com": suffix matching is
	// label-aligned.
	_, _, err = r.ForDomain("notexample.com")
	assert.Error(t, err)
}

func TestRegistry_WildcardStripped(t *testing.T) {
	r := NewRegistry()
	bindStub(r, "example.com", "broad")

	provider, _, err := r.ForDomain("*.example.com")
	require.NoError(t, err)
	assert.Equal(t, "broad", provider.Name())
}

func TestRegistry_Unbind(t *testing.T) {
	r := NewRegistry()
	bindStub(r, "example.com", "broad")
	r.Unbind("example.com")

	_, _, err := r.ForDomain("www.example.com")
	assert.Error(t, err)
}

func TestBind_UnknownTypeRejected(t *testing.T) {
	r := NewRegistry()
	err := r.Bind(context.Background(), &model.ProviderBinding{Suffix: "example.com", Type: "dyndns"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown provider type")
}

func TestBind_ManualProvider(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Bind(context.Background(), &model.ProviderBinding{Suffix: "example.com", Type: "manual"}))

	provider, _, err := r.ForDomain("www.example.com")
	require.NoError(t, err)
	assert.Equal(t, "manual", provider.Name())
}
