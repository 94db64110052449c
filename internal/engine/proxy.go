package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acmegate/acmegate/internal/acmeclient"
	"github.com/acmegate/acmegate/internal/challenge"
	"github.com/acmegate/acmegate/internal/model"
)

// CreateProxyOrder relays an external client's newOrder upstream and records
// the resulting order locally. The upstream authorization URL set and the
// client's key thumbprint are persisted in the same write that creates the
// order, so the correlation set exists before any challenge can arrive.
func (e *Engine) CreateProxyOrder(ctx context.Context, domains []string, clientThumbprint, environment string) (*model.Order, error) {
	policy, err := e.ResolvePolicy(ctx, domains)
	if err != nil {
		return nil, err
	}
	if !policy.Upstream {
		return nil, &PolicyDeniedError{Domain: domains[0], Reason: "policy routes this domain to local issuance, not the proxy"}
	}

	order := &model.Order{
		ID:               uuid.New().String(),
		Mode:             model.ModeProxy,
		Status:           model.StatusPending,
		Domains:          normalizeDomains(domains),
		ChallengeType:    model.ChallengeDNS01,
		Environment:      environment,
		ClientThumbprint: clientThumbprint,
		AutoRenew:        false, // the owning client renews proxied orders
	}

	client, err := e.clientForOrder(ctx, order)
	if err != nil {
		return nil, err
	}
	upstream, err := client.NewOrder(ctx, order.Domains)
	if err != nil {
		return nil, classifyProxyError(err)
	}

	order.UpstreamOrderURL = upstream.URL
	order.UpstreamFinalizeURL = upstream.Finalize
	order.AuthzURLs = upstream.Authorizations
	order.ExpiresAt = upstream.Expires
	if order.ExpiresAt.IsZero() {
		order.ExpiresAt = time.Now().Add(7 * 24 * time.Hour)
	}
	order.AuthzMap = make(map[string]string, len(upstream.Authorizations))
	for _, authzURL := range upstream.Authorizations {
		order.AuthzMap[uuid.New().String()] = authzURL
	}

	if err := e.store.SaveOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("engine: persist proxy order: %w", err)
	}
	e.sink.Emit(Event{OrderID: order.ID, From: "", To: model.StatusPending, Detail: "proxied order created"})
	return order, nil
}

// AuthorizeProxyAccess checks that the caller's key matches the key that
// created the proxied order, and that the mapped upstream authorization URL
// still correlates to exactly this order. Any mismatch fails closed.
func (e *Engine) AuthorizeProxyAccess(ctx context.Context, order *model.Order, localAuthzID, clientThumbprint string) (string, error) {
	if order.ClientThumbprint != clientThumbprint {
		return "", &PolicyDeniedError{Domain: firstDomain(order), Reason: "order belongs to a different account key"}
	}
	upstreamURL, ok := order.AuthzMap[localAuthzID]
	if !ok {
		return "", &CorrelationError{AuthzURL: localAuthzID, Matches: 0}
	}
	correlated, err := e.CorrelateAuthz(ctx, upstreamURL)
	if err != nil {
		return "", err
	}
	if correlated.ID != order.ID {
		return "", &CorrelationError{AuthzURL: upstreamURL, Matches: 2}
	}
	return upstreamURL, nil
}

// ProxyAuthorization relays an upstream authorization for a proxied order.
func (e *Engine) ProxyAuthorization(ctx context.Context, order *model.Order, upstreamAuthzURL string) (*acmeclient.AuthorizationResponse, error) {
	client, err := e.clientForOrder(ctx, order)
	if err != nil {
		return nil, err
	}
	authz, err := client.GetAuthorization(ctx, upstreamAuthzURL)
	if err != nil {
		return nil, classifyProxyError(err)
	}
	return authz, nil
}

// ProxyCompleteChallenge transparently satisfies the upstream dns-01
// challenge for one authorization of a proxied order. The TXT record is
// derived from this system's upstream account key, not the client's; the
// client never has to touch DNS.
func (e *Engine) ProxyCompleteChallenge(ctx context.Context, orderID, upstreamAuthzURL string) error {
	if !e.locks.TryAcquire(orderID) {
		return &OrderBusyError{OrderID: orderID}
	}
	defer e.locks.Release(orderID)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.locks.SetCancel(orderID, cancel)

	order, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return fmt.Errorf("engine: load proxied order %s: %w", orderID, err)
	}
	client, err := e.clientForOrder(ctx, order)
	if err != nil {
		return err
	}

	authz, err := client.GetAuthorization(ctx, upstreamAuthzURL)
	if err != nil {
		return e.handleDriveError(ctx, order, err)
	}
	if authz.Status == model.StatusValid {
		return e.maybeMarkProxyReady(ctx, client, order)
	}
	if authz.Status != model.StatusPending {
		return e.handleDriveError(ctx, order, &ChallengeValidationError{
			Domain: authz.Identifier.Value,
			Detail: fmt.Sprintf("upstream authorization in state %q", authz.Status),
		})
	}

	chal, ok := authz.DNS01Challenge()
	if !ok {
		return e.handleDriveError(ctx, order, &ChallengeValidationError{
			Domain: authz.Identifier.Value,
			Detail: "upstream authorization offers no dns-01 challenge",
		})
	}
	thumbprint, err := client.Thumbprint()
	if err != nil {
		return e.handleDriveError(ctx, order, &UpstreamProtocolError{Detail: "compute account thumbprint", Err: err})
	}

	keyAuth := challenge.KeyAuthorization(chal.Token, thumbprint)
	err = e.solver.Solve(ctx, authz.Identifier.Value, keyAuth, func(ctx context.Context) error {
		return e.acceptAndAwait(ctx, client, upstreamAuthzURL, chal.URL, authz.Identifier.Value)
	})
	if err != nil {
		return e.handleDriveError(ctx, order, err)
	}

	logger.Info("Completed upstream dns-01 challenge for proxied order",
		zap.String("order_id", order.ID),
		zap.String("domain", authz.Identifier.Value))
	return e.maybeMarkProxyReady(ctx, client, order)
}

// maybeMarkProxyReady moves the proxied order to ready once every upstream
// authorization is valid.
func (e *Engine) maybeMarkProxyReady(ctx context.Context, client UpstreamClient, order *model.Order) error {
	for _, authzURL := range order.AuthzURLs {
		authz, err := client.GetAuthorization(ctx, authzURL)
		if err != nil {
			return e.handleDriveError(ctx, order, err)
		}
		if authz.Status != model.StatusValid {
			return nil
		}
	}
	if order.Status != model.StatusReady {
		return e.transition(ctx, order, model.StatusReady, "all upstream authorizations valid")
	}
	return nil
}

// ProxyFinalize forwards the client's CSR to the upstream finalize endpoint
// and downloads the certificate once issued.
func (e *Engine) ProxyFinalize(ctx context.Context, orderID string, csrDER []byte) error {
	if !e.locks.TryAcquire(orderID) {
		return &OrderBusyError{OrderID: orderID}
	}
	defer e.locks.Release(orderID)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.locks.SetCancel(orderID, cancel)

	order, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return fmt.Errorf("engine: load proxied order %s: %w", orderID, err)
	}
	client, err := e.clientForOrder(ctx, order)
	if err != nil {
		return err
	}

	if order.UpstreamCertificateURL == "" {
		resp, err := client.Finalize(ctx, order.UpstreamFinalizeURL, csrDER)
		if err != nil {
			return e.handleDriveError(ctx, order, err)
		}
		if err := e.transition(ctx, order, model.StatusProcessing, "finalize forwarded upstream"); err != nil {
			return err
		}
		if resp.Status == model.StatusValid && resp.Certificate != "" {
			order.UpstreamCertificateURL = resp.Certificate
		}
	}

	if order.UpstreamCertificateURL == "" {
		err := pollUntil(ctx, func() (bool, error) {
			resp, err := client.GetOrder(ctx, order.UpstreamOrderURL)
			if err != nil {
				return false, backoff.Permanent(err)
			}
			switch resp.Status {
			case model.StatusValid:
				order.UpstreamCertificateURL = resp.Certificate
				return resp.Certificate != "", nil
			case model.StatusInvalid:
				detail := "upstream order failed during finalization"
				if resp.Error != nil {
					detail = resp.Error.Detail
				}
				return false, backoff.Permanent(&UpstreamProtocolError{Detail: detail})
			default:
				return false, nil
			}
		})
		if err != nil {
			return e.handleDriveError(ctx, order, err)
		}
	}

	certPEM, err := client.FetchCertificate(ctx, order.UpstreamCertificateURL)
	if err != nil {
		return e.handleDriveError(ctx, order, err)
	}
	return e.storeCertificate(ctx, order, certPEM)
}

func classifyProxyError(err error) error {
	var probErr *acmeclient.ProblemError
	if errors.As(err, &probErr) {
		if probErr.IsRateLimited() {
			return &RateLimitedError{RetryAfter: probErr.RetryAfter, Detail: probErr.Problem.Detail}
		}
		return &UpstreamProtocolError{Detail: probErr.Problem.Detail, Err: err}
	}
	return err
}

func firstDomain(order *model.Order) string {
	if len(order.Domains) > 0 {
		return order.Domains[0]
	}
	return ""
}
