package dnsprovider

import (
	"context"

	"go.uber.org/zap"
)

// ManualProvider covers zones with no API automation. It logs the record an
// operator must create out of band; propagation polling then blocks until
// the record actually appears, so the challenge is not accepted early.
type ManualProvider struct{}

var _ Provider = (*ManualProvider)(nil)

// NewManualProvider creates a ManualProvider.
func NewManualProvider() *ManualProvider { return &ManualProvider{} }

func (p *ManualProvider) Name() string { return "manual" }

func (p *ManualProvider) CreateRecord(_ context.Context, fqdn, value string) (Record, error) {
	logger.Warn("Manual DNS action required: create TXT record",
		zap.String("fqdn", fqdn),
		zap.String("value", value))
	return Record{FQDN: fqdn, Value: value}, nil
}

func (p *ManualProvider) DeleteRecord(_ context.Context, rec Record) error {
	logger.Warn("Manual DNS action required: delete TXT record",
		zap.String("fqdn", rec.FQDN),
		zap.String("value", rec.Value))
	return nil
}
