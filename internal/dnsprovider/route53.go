package dnsprovider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	"github.com/aws/aws-sdk-go-v2/service/route53/types"
	"go.uber.org/zap"

	"github.com/acmegate/acmegate/internal/model"
)

const route53TTL = 60

// Route53Provider manages TXT records in one AWS Route 53 hosted zone.
// Changes are serialized with a mutex so bursts of challenges don't trip
// Route 53's API rate limits.
type Route53Provider struct {
	client       *route53.Client
	hostedZoneID string
	mu           sync.Mutex
}

var _ Provider = (*Route53Provider)(nil)

// NewRoute53Provider builds a provider from the binding. Credentials come
// from the default AWS chain (environment, shared config, instance role);
// the binding may override the region.
func NewRoute53Provider(ctx context.Context, binding *model.ProviderBinding) (*Route53Provider, error) {
	if binding.Zone == "" {
		return nil, fmt.Errorf("dnsprovider: route53 binding for %s requires a hosted zone ID", binding.Suffix)
	}

	var opts []func(*awsconfig.LoadOptions) error
	if region := binding.Credentials["region"]; region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("dnsprovider: load AWS config: %w", err)
	}

	return &Route53Provider{
		client:       route53.NewFromConfig(awsCfg),
		hostedZoneID: binding.Zone,
	}, nil
}

func (p *Route53Provider) Name() string { return "route53" }

// CreateRecord upserts the TXT record and waits for the change batch to
// reach INSYNC, so the record is live on all authoritative servers before
// the challenge is accepted.
func (p *Route53Provider) CreateRecord(ctx context.Context, fqdn, value string) (Record, error) {
	fqdn = dotTerminate(fqdn)

	p.mu.Lock()
	defer p.mu.Unlock()

	result, err := p.client.ChangeResourceRecordSets(ctx, p.changeInput(types.ChangeActionUpsert, fqdn, value))
	if err != nil {
		return Record{}, &Error{Provider: p.Name(), Op: "create " + fqdn, Err: err}
	}
	if result == nil || result.ChangeInfo == nil || result.ChangeInfo.Id == nil {
		return Record{}, &Error{Provider: p.Name(), Op: "create " + fqdn, Err: errors.New("response missing ChangeInfo")}
	}

	waiter := route53.NewResourceRecordSetsChangedWaiter(p.client)
	if err := waiter.Wait(ctx, &route53.GetChangeInput{Id: result.ChangeInfo.Id}, 5*time.Minute); err != nil {
		logger.Error("Route 53 change did not reach INSYNC",
			zap.String("fqdn", fqdn),
			zap.String("change_id", aws.ToString(result.ChangeInfo.Id)),
			zap.Error(err))
		return Record{}, &Error{Provider: p.Name(), Op: "await propagation of " + fqdn, Err: err}
	}
	return Record{FQDN: fqdn, Value: value}, nil
}

// DeleteRecord removes the TXT record. Route 53 deletes by exact name and
// value, so the Record must carry both.
func (p *Route53Provider) DeleteRecord(ctx context.Context, rec Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, err := p.client.ChangeResourceRecordSets(ctx, p.changeInput(types.ChangeActionDelete, rec.FQDN, rec.Value))
	if err != nil {
		return &Error{Provider: p.Name(), Op: "delete " + rec.FQDN, Err: err}
	}
	return nil
}

func (p *Route53Provider) changeInput(action types.ChangeAction, fqdn, value string) *route53.ChangeResourceRecordSetsInput {
	return &route53.ChangeResourceRecordSetsInput{
		HostedZoneId: aws.String(p.hostedZoneID),
		ChangeBatch: &types.ChangeBatch{
			Changes: []types.Change{
				{
					Action: action,
					ResourceRecordSet: &types.ResourceRecordSet{
						Name: aws.String(fqdn),
						Type: types.RRTypeTxt,
						TTL:  aws.Int64(route53TTL),
						ResourceRecords: []types.ResourceRecord{
							{Value: aws.String(`"` + value + `"`)},
						},
					},
				},
			},
		},
	}
}

func dotTerminate(name string) string {
	if strings.HasSuffix(name, ".") {
		return name
	}
	return name + "."
}
