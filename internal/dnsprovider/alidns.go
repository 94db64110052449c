package dnsprovider

import (
	"context"
	"fmt"
	"strings"

	alidns "github.com/alibabacloud-go/alidns-20150109/v4/client"
	openapi "github.com/alibabacloud-go/darabonba-openapi/v2/client"
	"github.com/alibabacloud-go/tea/tea"

	"github.com/acmegate/acmegate/internal/model"
)

// AlidnsProvider manages TXT records in Alibaba Cloud DNS. The binding's
// zone is the registered domain; record names are split into the RR part
// relative to it.
type AlidnsProvider struct {
	client     *alidns.Client
	mainDomain string
}

var _ Provider = (*AlidnsProvider)(nil)

// NewAlidnsProvider builds a provider from the binding. Credentials require
// access_key_id and access_key_secret; region defaults to cn-hangzhou.
func NewAlidnsProvider(binding *model.ProviderBinding) (*AlidnsProvider, error) {
	if binding.Zone == "" {
		return nil, fmt.Errorf("dnsprovider: alidns binding for %s requires the registered domain as zone", binding.Suffix)
	}
	keyID := binding.Credentials["access_key_id"]
	keySecret := binding.Credentials["access_key_secret"]
	if keyID == "" || keySecret == "" {
		return nil, fmt.Errorf("dnsprovider: alidns binding for %s requires access_key_id and access_key_secret", binding.Suffix)
	}

	endpoint := "alidns.cn-hangzhou.aliyuncs.com"
	if region := binding.Credentials["region"]; region != "" {
		endpoint = fmt.Sprintf("alidns.%s.aliyuncs.com", region)
	}

	client, err := alidns.NewClient(&openapi.Config{
		AccessKeyId:     tea.String(keyID),
		AccessKeySecret: tea.String(keySecret),
		Endpoint:        tea.String(endpoint),
	})
	if err != nil {
		return nil, fmt.Errorf("dnsprovider: build alidns client: %w", err)
	}
	return &AlidnsProvider{client: client, mainDomain: normalizeSuffix(binding.Zone)}, nil
}

func (p *AlidnsProvider) Name() string { return "alidns" }

// CreateRecord adds the TXT record and returns its backend record ID, which
// DeleteRecord needs.
func (p *AlidnsProvider) CreateRecord(_ context.Context, fqdn, value string) (Record, error) {
	rr := p.relativeName(fqdn)
	resp, err := p.client.AddDomainRecord(&alidns.AddDomainRecordRequest{
		DomainName: tea.String(p.mainDomain),
		RR:         tea.String(rr),
		Type:       tea.String("TXT"),
		Value:      tea.String(value),
	})
	if err != nil {
		return Record{}, &Error{Provider: p.Name(), Op: "create " + fqdn, Err: err}
	}
	if resp.Body == nil || resp.Body.RecordId == nil {
		return Record{}, &Error{Provider: p.Name(), Op: "create " + fqdn, Err: fmt.Errorf("response missing record ID")}
	}
	return Record{ID: tea.StringValue(resp.Body.RecordId), FQDN: fqdn, Value: value}, nil
}

// DeleteRecord removes the record by its backend ID.
func (p *AlidnsProvider) DeleteRecord(_ context.Context, rec Record) error {
	_, err := p.client.DeleteDomainRecord(&alidns.DeleteDomainRecordRequest{
		RecordId: tea.String(rec.ID),
	})
	if err != nil {
		return &Error{Provider: p.Name(), Op: "delete " + rec.FQDN, Err: err}
	}
	return nil
}

// relativeName strips the registered domain, yielding the RR field.
func (p *AlidnsProvider) relativeName(fqdn string) string {
	name := normalizeSuffix(fqdn)
	if name == p.mainDomain {
		return "@"
	}
	return strings.TrimSuffix(name, "."+p.mainDomain)
}
