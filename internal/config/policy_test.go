package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePolicyFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadPolicyFile_Success(t *testing.T) {
	path := writePolicyFile(t, `
dns_providers:
  - suffix: example.com
    type: route53
    zone: Z123
    credentials:
      access_key_id: AKIA...
      secret_access_key: secret
  - suffix: cn.example.com
    type: alidns
    zone: example.com

domain_policies:
  - domain: example.com
    upstream: true
    directory_url: https://acme-v02.api.letsencrypt.org/directory
    auto_approve: true
    wildcard_allowed: true
    auto_renew: true
  - domain: internal.example.com
    issuer_id: corp
    auto_approve: true
`)

	contents, err := LoadPolicyFile(path)
	require.NoError(t, err)
	require.Len(t, contents.DNSProviders, 2)
	assert.Equal(t, "route53", contents.DNSProviders[0].Type)
	assert.Equal(t, "secret", contents.DNSProviders[0].Credentials["secret_access_key"])

	require.Len(t, contents.DomainPolicies, 2)
	assert.True(t, contents.DomainPolicies[0].Upstream)
	assert.True(t, contents.DomainPolicies[0].WildcardAllowed)
	assert.Equal(t, "corp", contents.DomainPolicies[1].IssuerID)
}

func TestLoadPolicyFile_ValidationErrors(t *testing.T) {
	cases := []struct {
		name     string
		yaml     string
		errMatch string
	}{
		{
			name:     "provider missing type",
			yaml:     "dns_providers:\n  - suffix: example.com\n",
			errMatch: "requires suffix and type",
		},
		{
			name:     "provider missing suffix",
			yaml:     "dns_providers:\n  - type: route53\n",
			errMatch: "requires suffix and type",
		},
		{
			name:     "policy missing domain",
			yaml:     "domain_policies:\n  - upstream: true\n",
			errMatch: "requires domain",
		},
		{
			name:     "local policy without issuer",
			yaml:     "domain_policies:\n  - domain: internal.example.com\n",
			errMatch: "requires issuer_id",
		},
		{
			name:     "unknown field rejected",
			yaml:     "dns_provders:\n  - suffix: example.com\n    type: manual\n",
			errMatch: "failed to parse",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadPolicyFile(writePolicyFile(t, tc.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errMatch)
		})
	}
}

func TestLoadPolicyFile_MissingFile(t *testing.T) {
	_, err := LoadPolicyFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
