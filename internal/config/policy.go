package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PolicyFileContents is the YAML shape of the optional policy seed file. It
// carries the read-mostly configuration the engine consults on every order:
// which DNS backend automates a zone, and which issuing path a domain may use.
type PolicyFileContents struct {
	DNSProviders   []DNSProviderEntry  `yaml:"dns_providers"`
	DomainPolicies []DomainPolicyEntry `yaml:"domain_policies"`
}

// DNSProviderEntry binds a domain suffix to a DNS backend.
type DNSProviderEntry struct {
	Suffix      string            `yaml:"suffix"`
	Type        string            `yaml:"type"` // route53, alidns, manual
	Zone        string            `yaml:"zone"` // hosted zone ID (route53) or registered domain (alidns)
	Credentials map[string]string `yaml:"credentials"`
}

// DomainPolicyEntry routes a domain to an issuing path.
type DomainPolicyEntry struct {
	Domain          string `yaml:"domain"`
	Upstream        bool   `yaml:"upstream"`
	DirectoryURL    string `yaml:"directory_url"`
	IssuerID        string `yaml:"issuer_id"`
	AutoApprove     bool   `yaml:"auto_approve"`
	WildcardAllowed bool   `yaml:"wildcard_allowed"`
	AutoRenew       bool   `yaml:"auto_renew"`
}

// LoadPolicyFile parses the YAML policy seed file at path.
func LoadPolicyFile(path string) (*PolicyFileContents, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to open policy file %s: %w", path, err)
	}
	defer f.Close()

	var contents PolicyFileContents
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&contents); err != nil {
		return nil, fmt.Errorf("config: failed to parse policy file %s: %w", path, err)
	}

	for i, p := range contents.DNSProviders {
		if p.Suffix == "" || p.Type == "" {
			return nil, fmt.Errorf("config: dns_providers[%d] requires suffix and type", i)
		}
	}
	for i, d := range contents.DomainPolicies {
		if d.Domain == "" {
			return nil, fmt.Errorf("config: domain_policies[%d] requires domain", i)
		}
		if !d.Upstream && d.IssuerID == "" {
			return nil, fmt.Errorf("config: domain_policies[%d] (%s) requires issuer_id for local issuance", i, d.Domain)
		}
	}
	return &contents, nil
}
