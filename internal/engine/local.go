package engine

import (
	"context"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acmegate/acmegate/internal/ca"
	"github.com/acmegate/acmegate/internal/challenge"
	"github.com/acmegate/acmegate/internal/model"
)

const (
	localAuthzLifetime = 24 * time.Hour
	challengeTokenLen  = 32
)

// CreateLocalServerOrder creates an order served entirely by the internal
// CA: authorizations and challenges are minted locally and the external
// client proves control to us directly.
func (e *Engine) CreateLocalServerOrder(ctx context.Context, domains []string, clientThumbprint, environment string) (*model.Order, []*model.Authorization, error) {
	policy, err := e.ResolvePolicy(ctx, domains)
	if err != nil {
		return nil, nil, err
	}
	if policy.Upstream {
		return nil, nil, &PolicyDeniedError{Domain: domains[0], Reason: "policy routes this domain upstream, not to local issuance"}
	}

	order := &model.Order{
		ID:               uuid.New().String(),
		Mode:             model.ModeLocal,
		Status:           model.StatusPending,
		Domains:          normalizeDomains(domains),
		ChallengeType:    model.ChallengeDNS01,
		Environment:      environment,
		IssuerID:         policy.IssuerID,
		ClientThumbprint: clientThumbprint,
		ExpiresAt:        time.Now().Add(localAuthzLifetime),
	}
	if err := e.store.SaveOrder(ctx, order); err != nil {
		return nil, nil, fmt.Errorf("engine: persist local order: %w", err)
	}

	authzs := make([]*model.Authorization, 0, len(order.Domains))
	for _, domain := range order.Domains {
		authz := &model.Authorization{
			ID:         uuid.New().String(),
			OrderID:    order.ID,
			Identifier: model.Identifier{Type: "dns", Value: strings.TrimPrefix(domain, "*.")},
			Status:     model.StatusPending,
			Expires:    order.ExpiresAt,
			Wildcard:   strings.HasPrefix(domain, "*."),
		}
		if err := e.store.SaveAuthorization(ctx, authz); err != nil {
			return nil, nil, fmt.Errorf("engine: persist authorization for %s: %w", domain, err)
		}

		types := []string{model.ChallengeDNS01}
		if !authz.Wildcard {
			types = append(types, model.ChallengeHTTP01)
		}
		for _, chalType := range types {
			token, err := newChallengeToken()
			if err != nil {
				return nil, nil, err
			}
			chal := &model.Challenge{
				ID:              uuid.New().String(),
				AuthorizationID: authz.ID,
				Type:            chalType,
				Status:          model.StatusPending,
				Token:           token,
			}
			if err := e.store.SaveChallenge(ctx, chal); err != nil {
				return nil, nil, fmt.Errorf("engine: persist challenge for %s: %w", domain, err)
			}
			authz.Challenges = append(authz.Challenges, chal)
		}
		authzs = append(authzs, authz)
	}

	e.sink.Emit(Event{OrderID: order.ID, From: "", To: model.StatusPending, Detail: "local order created"})
	return order, authzs, nil
}

// ValidateLocalChallenge checks the client's published proof for one locally
// minted challenge, then rolls the result up through the authorization and
// the order.
func (e *Engine) ValidateLocalChallenge(ctx context.Context, orderID, challengeID, clientThumbprint string) (*model.Challenge, error) {
	if !e.locks.TryAcquire(orderID) {
		return nil, &OrderBusyError{OrderID: orderID}
	}
	defer e.locks.Release(orderID)

	order, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("engine: load order %s: %w", orderID, err)
	}
	if order.ClientThumbprint != clientThumbprint {
		return nil, &PolicyDeniedError{Domain: firstDomain(order), Reason: "order belongs to a different account key"}
	}

	chal, err := e.store.GetChallenge(ctx, challengeID)
	if err != nil {
		return nil, fmt.Errorf("engine: load challenge %s: %w", challengeID, err)
	}
	if chal.Status == model.StatusValid {
		return chal, nil
	}
	authz, err := e.store.GetAuthorization(ctx, chal.AuthorizationID)
	if err != nil {
		return nil, fmt.Errorf("engine: load authorization %s: %w", chal.AuthorizationID, err)
	}
	if authz.OrderID != order.ID {
		return nil, &CorrelationError{AuthzURL: authz.ID, Matches: 0}
	}

	if order.Status == model.StatusPending {
		if err := e.transition(ctx, order, model.StatusProcessing, "challenge validation started"); err != nil {
			return nil, err
		}
	}

	keyAuth := challenge.KeyAuthorization(chal.Token, clientThumbprint)
	domain := authz.Identifier.Value

	var verifyErr error
	switch chal.Type {
	case model.ChallengeDNS01:
		verifyErr = challenge.VerifyDNS01(ctx, e.checker, domain, keyAuth)
	case model.ChallengeHTTP01:
		verifyErr = challenge.VerifyHTTP01(ctx, nil, domain, chal.Token, keyAuth)
	default:
		verifyErr = fmt.Errorf("unsupported challenge type %q", chal.Type)
	}

	if verifyErr != nil {
		chal.Status = model.StatusInvalid
		chal.Error = &model.ProblemDetails{
			Type:   "urn:ietf:params:acme:error:incorrectResponse",
			Detail: verifyErr.Error(),
		}
		authz.Status = model.StatusInvalid
		if err := e.store.SaveChallenge(ctx, chal); err != nil {
			return nil, fmt.Errorf("engine: persist failed challenge %s: %w", chal.ID, err)
		}
		if err := e.store.SaveAuthorization(ctx, authz); err != nil {
			return nil, fmt.Errorf("engine: persist failed authorization %s: %w", authz.ID, err)
		}
		if err := e.failOrder(ctx, order, chal.Error); err != nil {
			return nil, err
		}
		logger.Warn("Local challenge validation failed",
			zap.String("order_id", order.ID),
			zap.String("domain", domain),
			zap.Error(verifyErr))
		return chal, nil
	}

	chal.Status = model.StatusValid
	chal.Validated = time.Now()
	authz.Status = model.StatusValid
	if err := e.store.SaveChallenge(ctx, chal); err != nil {
		return nil, fmt.Errorf("engine: persist challenge %s: %w", chal.ID, err)
	}
	if err := e.store.SaveAuthorization(ctx, authz); err != nil {
		return nil, fmt.Errorf("engine: persist authorization %s: %w", authz.ID, err)
	}
	logger.Info("Local challenge validated",
		zap.String("order_id", order.ID),
		zap.String("domain", domain),
		zap.String("type", chal.Type))

	// Order becomes ready once every authorization is valid.
	allValid := true
	authzs, err := e.store.GetAuthorizationsByOrderID(ctx, order.ID)
	if err != nil {
		return nil, fmt.Errorf("engine: list authorizations for order %s: %w", order.ID, err)
	}
	for _, a := range authzs {
		if a.Status != model.StatusValid {
			allValid = false
			break
		}
	}
	if allValid && order.Status == model.StatusProcessing {
		if err := e.transition(ctx, order, model.StatusReady, "all authorizations valid"); err != nil {
			return nil, err
		}
	}
	return chal, nil
}

// FinalizeLocalOrder signs the client's CSR once the order is ready. CSR
// names must be a subset of the order's domains. When the matched policy
// does not auto-approve, the CSR is parked on the order and the order stays
// ready until an operator approves it.
func (e *Engine) FinalizeLocalOrder(ctx context.Context, orderID string, csr *x509.CertificateRequest, clientThumbprint string) (*model.Order, error) {
	if !e.locks.TryAcquire(orderID) {
		return nil, &OrderBusyError{OrderID: orderID}
	}
	defer e.locks.Release(orderID)

	order, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("engine: load order %s: %w", orderID, err)
	}
	if order.ClientThumbprint != clientThumbprint {
		return nil, &PolicyDeniedError{Domain: firstDomain(order), Reason: "order belongs to a different account key"}
	}
	if order.Status != model.StatusReady {
		return nil, &OrderNotReadyError{OrderID: order.ID, Status: order.Status}
	}

	ordered := make(map[string]bool, len(order.Domains))
	for _, d := range order.Domains {
		ordered[d] = true
	}
	for _, name := range csr.DNSNames {
		if !ordered[strings.ToLower(name)] {
			return nil, &PolicyDeniedError{Domain: name, Reason: "CSR names a domain not on the order"}
		}
	}

	policy, err := e.ResolvePolicy(ctx, order.Domains)
	if err != nil {
		return nil, err
	}
	if !policy.AutoApprove {
		order.CSRPEM = string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: csr.Raw}))
		if err := e.store.SaveOrder(ctx, order); err != nil {
			return nil, fmt.Errorf("engine: park CSR on order %s: %w", order.ID, err)
		}
		logger.Info("Order held at ready for operator approval",
			zap.String("order_id", order.ID),
			zap.Strings("domains", order.Domains))
		return order, nil
	}

	signer, err := e.pool.Get(ctx, order.IssuerID)
	if err != nil {
		return nil, err
	}
	cert, err := signer.SignCSR(ctx, csr, time.Duration(e.cfg.DefaultCertValidityDays)*24*time.Hour)
	if err != nil {
		if failErr := e.failOrder(ctx, order, &model.ProblemDetails{
			Type:   "urn:ietf:params:acme:error:badCSR",
			Detail: err.Error(),
		}); failErr != nil {
			return nil, failErr
		}
		return order, nil
	}

	chain := append(ca.EncodeCertificate(cert), signer.ChainPEM()...)
	if err := e.storeCertificate(ctx, order, chain); err != nil {
		return nil, err
	}
	return order, nil
}

// ApproveOrder signs a local order an operator has approved. Only orders
// parked at ready with a CSR on file are eligible; auto-approved orders
// never need this step.
func (e *Engine) ApproveOrder(ctx context.Context, orderID string) error {
	if !e.locks.TryAcquire(orderID) {
		return &OrderBusyError{OrderID: orderID}
	}
	defer e.locks.Release(orderID)

	order, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return fmt.Errorf("engine: load order %s: %w", orderID, err)
	}
	if order.Mode != model.ModeLocal {
		return fmt.Errorf("engine: order %s is not locally issued", orderID)
	}
	if order.Status != model.StatusReady {
		return &OrderNotReadyError{OrderID: order.ID, Status: order.Status}
	}
	if order.CSRPEM == "" {
		return &OrderNotReadyError{OrderID: order.ID, Status: "ready without a CSR to sign"}
	}
	csr, err := parseCSRPEM(order.CSRPEM)
	if err != nil {
		return err
	}
	logger.Info("Operator approved order", zap.String("order_id", order.ID))
	return e.signLocalOrder(ctx, order, csr)
}

// CertificateForOrder fetches the issued chain for a completed order.
func (e *Engine) CertificateForOrder(ctx context.Context, orderID string) (*model.CertificateData, error) {
	return e.store.GetCertificateByOrderID(ctx, orderID)
}

// LoadAuthorizationWithChallenges assembles an authorization and its
// challenge list for rendering.
func (e *Engine) LoadAuthorizationWithChallenges(ctx context.Context, authzID string) (*model.Authorization, error) {
	authz, err := e.store.GetAuthorization(ctx, authzID)
	if err != nil {
		return nil, err
	}
	chals, err := e.store.GetChallengesByAuthorizationID(ctx, authzID)
	if err != nil {
		return nil, err
	}
	authz.Challenges = chals
	return authz, nil
}

func newChallengeToken() (string, error) {
	buf := make([]byte, challengeTokenLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("engine: generate challenge token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
