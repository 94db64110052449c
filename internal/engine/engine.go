// Package engine owns the order state machine: policy checks, upstream
// submission, challenge resolution, finalization, and renewal.
package engine

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/acmegate/acmegate/internal/acmeclient"
	"github.com/acmegate/acmegate/internal/ca"
	"github.com/acmegate/acmegate/internal/challenge"
	"github.com/acmegate/acmegate/internal/config"
	"github.com/acmegate/acmegate/internal/model"
	"github.com/acmegate/acmegate/internal/storage"
)

var logger *zap.Logger

func init() {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		panic(fmt.Sprintf("failed to initialize zap logger: %v", err))
	}
	logger = l.With(zap.String("package", "engine"))
}

// Polling bounds for upstream order and authorization state.
const (
	pollInitialInterval = 1 * time.Second
	pollMaxInterval     = 30 * time.Second
	pollMaxElapsed      = 5 * time.Minute
)

// UpstreamClient is the subset of the ACME client the engine drives. It is
// an interface so tests can run the state machine against a fake CA.
type UpstreamClient interface {
	NewOrder(ctx context.Context, domains []string) (*acmeclient.OrderResponse, error)
	GetOrder(ctx context.Context, orderURL string) (*acmeclient.OrderResponse, error)
	GetAuthorization(ctx context.Context, authzURL string) (*acmeclient.AuthorizationResponse, error)
	AcceptChallenge(ctx context.Context, challengeURL string) (*acmeclient.ChallengeResponse, error)
	Finalize(ctx context.Context, finalizeURL string, csrDER []byte) (*acmeclient.OrderResponse, error)
	FetchCertificate(ctx context.Context, certURL string) ([]byte, error)
	DeactivateAuthorization(ctx context.Context, authzURL string) error
	Thumbprint() (string, error)
}

// ClientProvider hands out a registered UpstreamClient per directory and
// environment.
type ClientProvider interface {
	ClientFor(ctx context.Context, directoryURL, environment string) (UpstreamClient, error)
}

// AccountManagerProvider adapts acmeclient.AccountManager to ClientProvider.
type AccountManagerProvider struct {
	Manager *acmeclient.AccountManager
}

func (p *AccountManagerProvider) ClientFor(ctx context.Context, directoryURL, environment string) (UpstreamClient, error) {
	return p.Manager.ClientFor(ctx, directoryURL, environment)
}

// Solver completes a dns-01 challenge for one domain.
type Solver interface {
	Solve(ctx context.Context, domain, keyAuth string, accept func(ctx context.Context) error) error
}

// Engine drives orders from creation to a terminal state.
type Engine struct {
	cfg     *config.Config
	store   storage.Storage
	clients ClientProvider
	solver  Solver
	checker *challenge.PropagationChecker
	tokens  *challenge.HTTP01TokenStore
	pool    *ca.Pool
	locks   *orderLocks
	sink    Sink
}

// New assembles an Engine. A nil sink logs transitions.
func New(cfg *config.Config, store storage.Storage, clients ClientProvider, solver Solver, checker *challenge.PropagationChecker, tokens *challenge.HTTP01TokenStore, pool *ca.Pool, sink Sink) *Engine {
	if sink == nil {
		sink = NewLoggingSink()
	}
	return &Engine{
		cfg:     cfg,
		store:   store,
		clients: clients,
		solver:  solver,
		checker: checker,
		tokens:  tokens,
		pool:    pool,
		locks:   newOrderLocks(),
		sink:    sink,
	}
}

// Store exposes the underlying storage for read-side handlers.
func (e *Engine) Store() storage.Storage { return e.store }

// CAPool exposes the issuer pool.
func (e *Engine) CAPool() *ca.Pool { return e.pool }

// TokenStore exposes the http-01 token store.
func (e *Engine) TokenStore() *challenge.HTTP01TokenStore { return e.tokens }

// ResolvePolicy finds the domain policy governing all requested domains.
// Every domain must match the same policy entry; a wildcard request needs
// WildcardAllowed on that entry. Policy denial is a typed error and happens
// before anything is persisted.
func (e *Engine) ResolvePolicy(ctx context.Context, domains []string) (*model.DomainPolicy, error) {
	if len(domains) == 0 {
		return nil, &PolicyDeniedError{Reason: "order names no domains"}
	}
	policies, err := e.store.ListDomainPolicies(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine: list domain policies: %w", err)
	}

	var matched *model.DomainPolicy
	for _, domain := range domains {
		p := matchPolicy(policies, domain)
		if p == nil {
			return nil, &PolicyDeniedError{Domain: domain, Reason: "no policy covers this domain"}
		}
		if strings.HasPrefix(domain, "*.") && !p.WildcardAllowed {
			return nil, &PolicyDeniedError{Domain: domain, Reason: "wildcard not allowed by policy"}
		}
		if matched == nil {
			matched = p
		} else if matched.Domain != p.Domain {
			return nil, &PolicyDeniedError{Domain: domain, Reason: "domains span multiple policies"}
		}
	}
	return matched, nil
}

// matchPolicy resolves the policy entry governing a domain. An exact match
// always wins; a policy covers subdomains under it only when its
// WildcardAllowed flag is set, and then the longest such suffix wins.
func matchPolicy(policies []*model.DomainPolicy, domain string) *model.DomainPolicy {
	name := strings.ToLower(strings.TrimPrefix(domain, "*."))
	var best *model.DomainPolicy
	for _, p := range policies {
		if name == p.Domain {
			return p
		}
		if !p.WildcardAllowed || !strings.HasSuffix(name, "."+p.Domain) {
			continue
		}
		if best == nil || len(p.Domain) > len(best.Domain) {
			best = p
		}
	}
	return best
}

// CreateOrderRequest describes a new engine-driven order.
type CreateOrderRequest struct {
	Domains       []string
	ChallengeType string
	Environment   string
	CSRPEM        string
	AutoRenew     *bool // nil inherits the policy default
}

// CreateOrder validates the request against policy and persists a new order
// in state created. Nothing is written when policy denies the request.
func (e *Engine) CreateOrder(ctx context.Context, req CreateOrderRequest) (*model.Order, error) {
	policy, err := e.ResolvePolicy(ctx, req.Domains)
	if err != nil {
		return nil, err
	}

	challengeType := req.ChallengeType
	if challengeType == "" {
		challengeType = model.ChallengeDNS01
	}
	if challengeType != model.ChallengeDNS01 && challengeType != model.ChallengeHTTP01 {
		return nil, &PolicyDeniedError{Domain: req.Domains[0], Reason: fmt.Sprintf("unsupported challenge type %q", challengeType)}
	}
	for _, d := range req.Domains {
		if strings.HasPrefix(d, "*.") && challengeType != model.ChallengeDNS01 {
			return nil, &PolicyDeniedError{Domain: d, Reason: "wildcard domains require dns-01"}
		}
	}
	if req.CSRPEM != "" {
		if _, err := parseCSRPEM(req.CSRPEM); err != nil {
			return nil, err
		}
	}

	environment := req.Environment
	if environment == "" {
		environment = model.EnvProduction
	}

	autoRenew := policy.AutoRenew
	if req.AutoRenew != nil {
		autoRenew = *req.AutoRenew
	}

	order := &model.Order{
		ID:            uuid.New().String(),
		Mode:          model.ModeLocal,
		Status:        model.StatusCreated,
		Domains:       normalizeDomains(req.Domains),
		ChallengeType: challengeType,
		Environment:   environment,
		CSRPEM:        req.CSRPEM,
		AutoRenew:     autoRenew,
		ExpiresAt:     time.Now().Add(7 * 24 * time.Hour),
	}
	if policy.Upstream {
		order.Mode = model.ModeClient
	} else {
		order.IssuerID = policy.IssuerID
	}

	if err := e.store.SaveOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("engine: persist new order: %w", err)
	}
	e.sink.Emit(Event{OrderID: order.ID, From: "", To: model.StatusCreated, Detail: strings.Join(order.Domains, ",")})
	return order, nil
}

// GetOrderStatus returns the current order state.
func (e *Engine) GetOrderStatus(ctx context.Context, orderID string) (*model.Order, error) {
	return e.store.GetOrder(ctx, orderID)
}

// ProcessOrder drives the order toward a terminal state. At most one
// goroutine may process a given order at a time; concurrent callers get
// OrderBusyError rather than blocking. The drive's context is registered
// with the lock table so CancelOrder can interrupt it mid-flight.
func (e *Engine) ProcessOrder(ctx context.Context, orderID string) error {
	if !e.locks.TryAcquire(orderID) {
		return &OrderBusyError{OrderID: orderID}
	}
	defer e.locks.Release(orderID)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.locks.SetCancel(orderID, cancel)

	order, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return fmt.Errorf("engine: load order %s: %w", orderID, err)
	}
	if order.Terminal() {
		return nil
	}

	switch order.Mode {
	case model.ModeClient:
		return e.processClientOrder(ctx, order)
	case model.ModeLocal:
		return e.processLocalOrder(ctx, order)
	case model.ModeProxy:
		return fmt.Errorf("engine: proxied order %s is driven by its owning ACME client", orderID)
	default:
		return fmt.Errorf("engine: order %s has unknown mode %q", orderID, order.Mode)
	}
}

// CancelOrder moves a non-terminal order to invalid and deactivates any
// outstanding upstream authorizations so no usable proof of control is left
// behind. If a drive currently holds the order's lock, its context is
// canceled and CancelOrder waits for it to unwind before proceeding.
func (e *Engine) CancelOrder(ctx context.Context, orderID string) error {
	for !e.locks.TryAcquire(orderID) {
		released := e.locks.Interrupt(orderID)
		if released == nil {
			continue
		}
		logger.Info("Interrupting active drive to cancel order", zap.String("order_id", orderID))
		select {
		case <-released:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	defer e.locks.Release(orderID)

	order, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return fmt.Errorf("engine: load order %s: %w", orderID, err)
	}
	if order.Terminal() {
		return nil
	}

	if order.Mode == model.ModeClient && len(order.AuthzURLs) > 0 {
		client, err := e.clientForOrder(ctx, order)
		if err == nil {
			for _, authzURL := range order.AuthzURLs {
				if err := client.DeactivateAuthorization(ctx, authzURL); err != nil {
					logger.Warn("Failed to deactivate upstream authorization during cancel",
						zap.String("order_id", order.ID),
						zap.String("authz_url", authzURL),
						zap.Error(err))
				}
			}
		}
	}

	return e.failOrder(ctx, order, &model.ProblemDetails{
		Type:   "urn:ietf:params:acme:error:userActionRequired",
		Detail: "order canceled by operator",
	})
}

// CorrelateAuthz resolves an upstream authorization URL to the one local
// order whose recorded set contains it. Zero matches and multiple matches
// both fail closed with CorrelationError.
func (e *Engine) CorrelateAuthz(ctx context.Context, authzURL string) (*model.Order, error) {
	orders, err := e.store.ListOrdersByAuthzURL(ctx, authzURL)
	if err != nil {
		return nil, fmt.Errorf("engine: look up orders by authorization URL: %w", err)
	}
	if len(orders) != 1 {
		return nil, &CorrelationError{AuthzURL: authzURL, Matches: len(orders)}
	}
	return orders[0], nil
}

// --- client-mode state machine ---

func (e *Engine) processClientOrder(ctx context.Context, order *model.Order) error {
	client, err := e.clientForOrder(ctx, order)
	if err != nil {
		return err
	}

	if order.Status == model.StatusCreated {
		if err := e.submitUpstream(ctx, client, order); err != nil {
			return e.handleDriveError(ctx, order, err)
		}
	}

	if order.Status == model.StatusPending {
		if err := e.transition(ctx, order, model.StatusProcessing, "challenges submitted for validation"); err != nil {
			return err
		}
	}

	if order.Status == model.StatusProcessing {
		if err := e.solveAuthorizations(ctx, client, order); err != nil {
			return e.handleDriveError(ctx, order, err)
		}
	}

	if order.Status == model.StatusReady {
		if err := e.finalizeUpstream(ctx, client, order); err != nil {
			return e.handleDriveError(ctx, order, err)
		}
	}

	return nil
}

func (e *Engine) clientForOrder(ctx context.Context, order *model.Order) (UpstreamClient, error) {
	directoryURL := e.cfg.DirectoryForEnvironment(order.Environment)
	client, err := e.clients.ClientFor(ctx, directoryURL, order.Environment)
	if err != nil {
		return nil, fmt.Errorf("engine: obtain upstream client for order %s: %w", order.ID, err)
	}
	return client, nil
}

// submitUpstream creates the upstream order and records its URLs. The authz
// URL set is persisted in the same write as the status transition, so the
// correlation set exists before any challenge work begins.
func (e *Engine) submitUpstream(ctx context.Context, client UpstreamClient, order *model.Order) error {
	upstream, err := client.NewOrder(ctx, order.Domains)
	if err != nil {
		return err
	}

	order.UpstreamOrderURL = upstream.URL
	order.UpstreamFinalizeURL = upstream.Finalize
	order.AuthzURLs = upstream.Authorizations
	if !upstream.Expires.IsZero() {
		order.ExpiresAt = upstream.Expires
	}
	return e.transition(ctx, order, model.StatusPending, "upstream order created")
}

func (e *Engine) solveAuthorizations(ctx context.Context, client UpstreamClient, order *model.Order) error {
	thumbprint, err := client.Thumbprint()
	if err != nil {
		return &UpstreamProtocolError{Detail: "compute account thumbprint", Err: err}
	}

	for _, authzURL := range order.AuthzURLs {
		authz, err := client.GetAuthorization(ctx, authzURL)
		if err != nil {
			return err
		}
		switch authz.Status {
		case model.StatusValid:
			continue
		case model.StatusPending:
			if err := e.solveOne(ctx, client, order, authz, thumbprint); err != nil {
				return err
			}
		default:
			return &ChallengeValidationError{
				Domain: authz.Identifier.Value,
				Detail: fmt.Sprintf("authorization in unexpected state %q", authz.Status),
			}
		}
	}

	if err := e.transition(ctx, order, model.StatusReady, "all authorizations valid"); err != nil {
		return err
	}
	return nil
}

func (e *Engine) solveOne(ctx context.Context, client UpstreamClient, order *model.Order, authz *acmeclient.AuthorizationResponse, thumbprint string) error {
	domain := authz.Identifier.Value

	switch order.ChallengeType {
	case model.ChallengeDNS01:
		chal, ok := authz.DNS01Challenge()
		if !ok {
			return &ChallengeValidationError{Domain: domain, Detail: "authorization offers no dns-01 challenge"}
		}
		keyAuth := challenge.KeyAuthorization(chal.Token, thumbprint)
		return e.solver.Solve(ctx, domain, keyAuth, func(ctx context.Context) error {
			return e.acceptAndAwait(ctx, client, authz.URL, chal.URL, domain)
		})

	case model.ChallengeHTTP01:
		var chal *acmeclient.ChallengeResponse
		for i := range authz.Challenges {
			if authz.Challenges[i].Type == "http-01" {
				chal = &authz.Challenges[i]
				break
			}
		}
		if chal == nil {
			return &ChallengeValidationError{Domain: domain, Detail: "authorization offers no http-01 challenge"}
		}
		keyAuth := challenge.KeyAuthorization(chal.Token, thumbprint)
		e.tokens.Put(chal.Token, keyAuth)
		defer e.tokens.Remove(chal.Token)
		return e.acceptAndAwait(ctx, client, authz.URL, chal.URL, domain)

	default:
		return &ChallengeValidationError{Domain: domain, Detail: fmt.Sprintf("unsupported challenge type %q", order.ChallengeType)}
	}
}

// acceptAndAwait tells the CA to validate and polls the authorization until
// it settles.
func (e *Engine) acceptAndAwait(ctx context.Context, client UpstreamClient, authzURL, challengeURL, domain string) error {
	if _, err := client.AcceptChallenge(ctx, challengeURL); err != nil {
		return err
	}

	return pollUntil(ctx, func() (bool, error) {
		authz, err := client.GetAuthorization(ctx, authzURL)
		if err != nil {
			return false, backoff.Permanent(err)
		}
		switch authz.Status {
		case model.StatusValid:
			return true, nil
		case model.StatusInvalid:
			detail := "CA rejected the challenge"
			for _, ch := range authz.Challenges {
				if ch.Error != nil {
					detail = ch.Error.Detail
					break
				}
			}
			return false, backoff.Permanent(&ChallengeValidationError{Domain: domain, Detail: detail})
		default:
			return false, nil
		}
	})
}

func (e *Engine) finalizeUpstream(ctx context.Context, client UpstreamClient, order *model.Order) error {
	if order.CSRPEM == "" {
		return &UpstreamProtocolError{Detail: fmt.Sprintf("order %s has no CSR to finalize with", order.ID)}
	}
	csr, err := parseCSRPEM(order.CSRPEM)
	if err != nil {
		return err
	}

	// A crash after finalize but before the certificate download leaves a
	// ready order with a certificate URL already recorded; skip re-finalizing
	// in that case. The order stays ready until the chain is downloaded, so a
	// rate-limited finalize can be retried without burning new challenges.
	if order.UpstreamCertificateURL == "" {
		resp, err := client.Finalize(ctx, order.UpstreamFinalizeURL, csr.Raw)
		if err != nil {
			return err
		}
		if resp.Status == model.StatusValid && resp.Certificate != "" {
			order.UpstreamCertificateURL = resp.Certificate
			if err := e.store.SaveOrder(ctx, order); err != nil {
				return fmt.Errorf("engine: record certificate URL for order %s: %w", order.ID, err)
			}
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
			return err
		}
	}

	certPEM, err := client.FetchCertificate(ctx, order.UpstreamCertificateURL)
	if err != nil {
		return err
	}
	return e.storeCertificate(ctx, order, certPEM)
}

// storeCertificate persists the chain and completes the order. The upsert is
// keyed by serial, so replaying this step after a crash is harmless.
func (e *Engine) storeCertificate(ctx context.Context, order *model.Order, chainPEM []byte) error {
	leaf, err := parseLeafCertificate(chainPEM)
	if err != nil {
		return &UpstreamProtocolError{Detail: "parse issued certificate", Err: err}
	}

	certData := &model.CertificateData{
		SerialNumber:   leaf.SerialNumber.Text(16),
		CertificatePEM: string(chainPEM),
		IssuedAt:       leaf.NotBefore,
		ExpiresAt:      leaf.NotAfter,
		OrderID:        order.ID,
	}
	if err := e.store.SaveCertificateData(ctx, certData); err != nil {
		return fmt.Errorf("engine: persist certificate for order %s: %w", order.ID, err)
	}

	order.CertificateSerial = certData.SerialNumber
	order.ExpiresAt = leaf.NotAfter
	order.Error = nil
	order.RenewalFailures = 0
	order.LastRenewalAt = time.Now()
	return e.transition(ctx, order, model.StatusValid, "certificate issued")
}

// --- local-mode issuance ---

// processLocalOrder drives an engine-created order against the internal
// issuer. Policy was checked at creation; the auto-approve gate is rechecked
// here because policies can change between creation and processing. Without
// auto-approve the order parks at ready until an operator approves it.
func (e *Engine) processLocalOrder(ctx context.Context, order *model.Order) error {
	policy, err := e.ResolvePolicy(ctx, order.Domains)
	if err != nil {
		return e.handleDriveError(ctx, order, err)
	}
	if order.CSRPEM == "" {
		return e.handleDriveError(ctx, order, &UpstreamProtocolError{Detail: fmt.Sprintf("order %s has no CSR", order.ID)})
	}
	csr, err := parseCSRPEM(order.CSRPEM)
	if err != nil {
		return e.handleDriveError(ctx, order, err)
	}

	if order.Status == model.StatusCreated {
		if err := e.transition(ctx, order, model.StatusPending, "accepted for local issuance"); err != nil {
			return err
		}
	}
	if order.Status == model.StatusPending {
		if err := e.transition(ctx, order, model.StatusProcessing, "validating against policy"); err != nil {
			return err
		}
	}
	if order.Status == model.StatusProcessing {
		if err := e.transition(ctx, order, model.StatusReady, "awaiting finalization"); err != nil {
			return err
		}
	}
	if order.Status != model.StatusReady {
		return nil
	}

	if !policy.AutoApprove {
		logger.Info("Order held at ready for operator approval",
			zap.String("order_id", order.ID),
			zap.Strings("domains", order.Domains))
		return nil
	}
	return e.signLocalOrder(ctx, order, csr)
}

// signLocalOrder signs a ready local order's CSR and completes it.
func (e *Engine) signLocalOrder(ctx context.Context, order *model.Order, csr *x509.CertificateRequest) error {
	signer, err := e.pool.Get(ctx, order.IssuerID)
	if err != nil {
		return e.handleDriveError(ctx, order, err)
	}
	cert, err := signer.SignCSR(ctx, csr, time.Duration(e.cfg.DefaultCertValidityDays)*24*time.Hour)
	if err != nil {
		return e.handleDriveError(ctx, order, &ChallengeValidationError{Domain: order.Domains[0], Detail: err.Error()})
	}
	chain := append(ca.EncodeCertificate(cert), signer.ChainPEM()...)
	return e.storeCertificate(ctx, order, chain)
}

// --- shared plumbing ---

// transition persists a status change and emits an event. Transitions are
// written immediately so a crash can never lose a step.
func (e *Engine) transition(ctx context.Context, order *model.Order, to, detail string) error {
	from := order.Status
	order.Status = to
	if err := e.store.SaveOrder(ctx, order); err != nil {
		order.Status = from
		return fmt.Errorf("engine: persist transition of order %s to %s: %w", order.ID, to, err)
	}
	e.sink.Emit(Event{OrderID: order.ID, From: from, To: to, Detail: detail})
	return nil
}

func (e *Engine) failOrder(ctx context.Context, order *model.Order, problem *model.ProblemDetails) error {
	order.Error = problem
	order.LastErrorAt = time.Now()
	return e.transition(ctx, order, model.StatusInvalid, problem.Detail)
}

// handleDriveError classifies an error from a state-machine step. Rate
// limits are transient: the order keeps its current state (a rate-limited
// finalize stays ready) and the typed error propagates so callers can
// reschedule. Everything else is terminal.
func (e *Engine) handleDriveError(ctx context.Context, order *model.Order, err error) error {
	var probErr *acmeclient.ProblemError
	if errors.As(err, &probErr) {
		if probErr.IsRateLimited() {
			order.LastErrorAt = time.Now()
			if saveErr := e.store.SaveOrder(ctx, order); saveErr != nil {
				logger.Error("Failed to record rate-limit timestamp", zap.String("order_id", order.ID), zap.Error(saveErr))
			}
			logger.Warn("Upstream rate limited, order state preserved",
				zap.String("order_id", order.ID),
				zap.String("status", order.Status),
				zap.Duration("retry_after", probErr.RetryAfter))
			return &RateLimitedError{RetryAfter: probErr.RetryAfter, Detail: probErr.Problem.Detail}
		}
		problem := probErr.Problem
		if failErr := e.failOrder(ctx, order, &problem); failErr != nil {
			return failErr
		}
		return &UpstreamProtocolError{Detail: problem.Detail, Err: err}
	}

	var chalErr *ChallengeValidationError
	if errors.As(err, &chalErr) {
		if failErr := e.failOrder(ctx, order, &model.ProblemDetails{
			Type:   "urn:ietf:params:acme:error:incorrectResponse",
			Detail: chalErr.Error(),
		}); failErr != nil {
			return failErr
		}
		return err
	}

	var policyErr *PolicyDeniedError
	if errors.As(err, &policyErr) {
		if failErr := e.failOrder(ctx, order, &model.ProblemDetails{
			Type:   "urn:ietf:params:acme:error:rejectedIdentifier",
			Detail: policyErr.Error(),
		}); failErr != nil {
			return failErr
		}
		return err
	}

	if ctx.Err() != nil {
		// Interrupted, not failed; leave the order where it is for a retry.
		return err
	}

	if failErr := e.failOrder(ctx, order, &model.ProblemDetails{
		Type:   "urn:ietf:params:acme:error:serverInternal",
		Detail: err.Error(),
	}); failErr != nil {
		return failErr
	}
	return err
}

var errNotSettled = errors.New("not settled yet")

// pollUntil runs step under the engine's standard backoff schedule until it
// reports done, returns a permanent error, or the schedule is exhausted.
func pollUntil(ctx context.Context, step func() (bool, error)) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = pollInitialInterval
	bo.MaxInterval = pollMaxInterval
	bo.MaxElapsedTime = pollMaxElapsed
	bo.RandomizationFactor = 0.1

	op := func() error {
		done, err := step()
		if err != nil {
			return err
		}
		if !done {
			return errNotSettled
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return perm.Err
		}
		if errors.Is(err, errNotSettled) {
			return &UpstreamProtocolError{Detail: "polling deadline exceeded before upstream settled"}
		}
		return err
	}
	return nil
}

func normalizeDomains(domains []string) []string {
	out := make([]string, 0, len(domains))
	for _, d := range domains {
		out = append(out, strings.ToLower(strings.TrimSuffix(strings.TrimSpace(d), ".")))
	}
	return out
}

func parseCSRPEM(csrPEM string) (*x509.CertificateRequest, error) {
	block, _ := pem.Decode([]byte(csrPEM))
	if block == nil || block.Type != "CERTIFICATE REQUEST" {
		return nil, &UpstreamProtocolError{Detail: "CSR is not a PEM CERTIFICATE REQUEST block"}
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, &UpstreamProtocolError{Detail: "parse CSR", Err: err}
	}
	return csr, nil
}

func parseLeafCertificate(chainPEM []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(chainPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("chain contains no PEM certificate")
	}
	return x509.ParseCertificate(block.Bytes)
}
