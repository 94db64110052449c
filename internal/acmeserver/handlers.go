package acmeserver

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/acmegate/acmegate/internal/config"
	"github.com/acmegate/acmegate/internal/engine"
	"github.com/acmegate/acmegate/internal/model"
	"github.com/acmegate/acmegate/internal/storage"
)

// Context keys populated by server.ApplyCommonMiddleware.
func engineFrom(c echo.Context) *engine.Engine   { return c.Get("engine").(*engine.Engine) }
func cfgFrom(c echo.Context) *config.Config      { return c.Get("cfg").(*config.Config) }
func storeFrom(c echo.Context) storage.Storage   { return c.Get("store").(storage.Storage) }
func loggerFrom(c echo.Context) *zap.Logger {
	if l, ok := c.Get("logger").(*zap.Logger); ok {
		return l
	}
	return logger
}

// --- URL construction ---

type urls struct{ base string }

func urlsFrom(c echo.Context) urls { return urls{base: cfgFrom(c).ExternalURL} }

func (u urls) directory() string             { return u.base + "/acme/directory" }
func (u urls) newNonce() string              { return u.base + "/acme/new-nonce" }
func (u urls) newAccount() string            { return u.base + "/acme/new-account" }
func (u urls) newOrder() string              { return u.base + "/acme/new-order" }
func (u urls) account(id string) string      { return u.base + "/acme/account/" + id }
func (u urls) order(id string) string        { return u.base + "/acme/order/" + id }
func (u urls) finalize(id string) string     { return u.base + "/acme/finalize/" + id }
func (u urls) certificate(id string) string  { return u.base + "/acme/cert/" + id }
func (u urls) authz(orderID, authzID string) string {
	return u.base + "/acme/authz/" + orderID + "/" + authzID
}
func (u urls) challengeURL(orderID, challID string) string {
	return u.base + "/acme/chall/" + orderID + "/" + challID
}

// attachNonce issues a fresh nonce and sets the standard ACME response
// headers. Nonce issuance failure is logged, never fatal to the response.
func attachNonce(c echo.Context) {
	store := storeFrom(c)
	u := urlsFrom(c)
	nonce, err := issueNonce(c.Request().Context(), store)
	if err != nil {
		loggerFrom(c).Error("Failed to issue nonce", zap.Error(err))
		return
	}
	h := c.Response().Header()
	h.Set("Replay-Nonce", nonce)
	h.Set("Cache-Control", "no-store")
	h.Set("Link", fmt.Sprintf("<%s>;rel=\"index\"", u.directory()))
}

// --- Directory and nonce ---

// HandleDirectory serves the ACME directory object.
func HandleDirectory(c echo.Context) error {
	u := urlsFrom(c)
	c.Response().Header().Set("Link", fmt.Sprintf("<%s>;rel=\"index\"", u.directory()))
	return c.JSON(http.StatusOK, map[string]interface{}{
		"newNonce":   u.newNonce(),
		"newAccount": u.newAccount(),
		"newOrder":   u.newOrder(),
		"revokeCert": u.base + "/acme/revoke-cert",
		"keyChange":  u.base + "/acme/key-change",
		"meta": map[string]interface{}{
			"website": u.base,
		},
	})
}

// HandleNewNonce issues a nonce. HEAD returns 204, GET 200, both with an
// empty body.
func HandleNewNonce(c echo.Context) error {
	attachNonce(c)
	if c.Request().Method == http.MethodHead {
		return c.NoContent(http.StatusNoContent)
	}
	return c.NoContent(http.StatusOK)
}

// --- Accounts ---

type newAccountPayload struct {
	Contact              []string `json:"contact,omitempty"`
	TermsOfServiceAgreed bool     `json:"termsOfServiceAgreed"`
	OnlyReturnExisting   bool     `json:"onlyReturnExisting"`
}

// HandleNewAccount registers an external client's account key, or returns
// the existing account for that key.
func HandleNewAccount(c echo.Context) error {
	store := storeFrom(c)
	u := urlsFrom(c)
	ctx := c.Request().Context()

	body, prob := readBody(c)
	if prob != nil {
		return respondProblem(c, prob)
	}
	req, prob := verifyJWS(ctx, store, body, u.newAccount())
	if prob != nil {
		return respondProblem(c, prob)
	}
	if req.KeyID != "" {
		return respondProblem(c, badRequestProblem("malformed", "newAccount must be signed with an embedded JWK"))
	}

	var payload newAccountPayload
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &payload); err != nil {
			return respondProblem(c, badRequestProblem("malformed", "could not parse newAccount payload"))
		}
	}

	existing, err := store.GetAccount(ctx, req.Thumbprint)
	status := http.StatusOK
	switch {
	case errors.Is(err, storage.ErrNotFound):
		if payload.OnlyReturnExisting {
			return respondProblem(c, &problem{Status: http.StatusBadRequest, Type: problemType("accountDoesNotExist"), Detail: "no account registered for this key"})
		}
		existing, err = registerClientAccount(ctx, store, req.Key, req.Thumbprint, payload.Contact)
		if err != nil {
			return respondProblem(c, internalProblem(err.Error()))
		}
		status = http.StatusCreated
		loggerFrom(c).Info("Registered client account", zap.String("account_id", existing.ID))
	case err != nil:
		return respondProblem(c, internalProblem(err.Error()))
	}

	attachNonce(c)
	c.Response().Header().Set("Location", u.account(existing.ID))
	return c.JSON(status, map[string]interface{}{
		"status":  "valid",
		"contact": existing.Contact,
		"orders":  u.account(existing.ID) + "/orders",
	})
}

// HandleAccount serves POST-as-GET on an account resource.
func HandleAccount(c echo.Context) error {
	store := storeFrom(c)
	u := urlsFrom(c)
	ctx := c.Request().Context()
	accountID := c.Param("accountID")

	body, prob := readBody(c)
	if prob != nil {
		return respondProblem(c, prob)
	}
	req, prob := verifyJWS(ctx, store, body, u.account(accountID))
	if prob != nil {
		return respondProblem(c, prob)
	}
	if req.Thumbprint != accountID {
		return respondProblem(c, unauthorizedProblem("account key mismatch"))
	}

	acct, err := store.GetAccount(ctx, accountID)
	if errors.Is(err, storage.ErrNotFound) {
		return respondProblem(c, notFoundProblem("unknown account"))
	}
	if err != nil {
		return respondProblem(c, internalProblem(err.Error()))
	}
	attachNonce(c)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":  "valid",
		"contact": acct.Contact,
	})
}

// --- Orders ---

type newOrderPayload struct {
	Identifiers []model.Identifier `json:"identifiers"`
}

// HandleNewOrder creates an order. The matched domain policy routes it to
// the proxy (relayed upstream) or to local issuance; policy denial writes
// nothing.
func HandleNewOrder(c echo.Context) error {
	eng := engineFrom(c)
	store := storeFrom(c)
	u := urlsFrom(c)
	ctx := c.Request().Context()

	body, prob := readBody(c)
	if prob != nil {
		return respondProblem(c, prob)
	}
	req, prob := verifyJWS(ctx, store, body, u.newOrder())
	if prob != nil {
		return respondProblem(c, prob)
	}
	if req.KeyID == "" {
		return respondProblem(c, badRequestProblem("malformed", "newOrder must be signed with kid"))
	}

	var payload newOrderPayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return respondProblem(c, badRequestProblem("malformed", "could not parse newOrder payload"))
	}
	domains := make([]string, 0, len(payload.Identifiers))
	for _, ident := range payload.Identifiers {
		if ident.Type != "dns" {
			return respondProblem(c, rejectedProblem(fmt.Sprintf("unsupported identifier type %q", ident.Type)))
		}
		domains = append(domains, ident.Value)
	}

	policy, err := eng.ResolvePolicy(ctx, domains)
	if err != nil {
		return respondEngineError(c, err)
	}

	var order *model.Order
	if policy.Upstream {
		order, err = eng.CreateProxyOrder(ctx, domains, req.Thumbprint, model.EnvProduction)
	} else {
		order, _, err = eng.CreateLocalServerOrder(ctx, domains, req.Thumbprint, model.EnvProduction)
	}
	if err != nil {
		return respondEngineError(c, err)
	}

	doc, prob := renderOrder(ctx, c, order)
	if prob != nil {
		return respondProblem(c, prob)
	}
	attachNonce(c)
	c.Response().Header().Set("Location", u.order(order.ID))
	return c.JSON(http.StatusCreated, doc)
}

// HandleGetOrder serves POST-as-GET on an order.
func HandleGetOrder(c echo.Context) error {
	store := storeFrom(c)
	u := urlsFrom(c)
	ctx := c.Request().Context()
	orderID := c.Param("orderID")

	body, prob := readBody(c)
	if prob != nil {
		return respondProblem(c, prob)
	}
	req, prob := verifyJWS(ctx, store, body, u.order(orderID))
	if prob != nil {
		return respondProblem(c, prob)
	}
	order, prob := loadOwnedOrder(ctx, store, orderID, req.Thumbprint)
	if prob != nil {
		return respondProblem(c, prob)
	}

	doc, prob := renderOrder(ctx, c, order)
	if prob != nil {
		return respondProblem(c, prob)
	}
	attachNonce(c)
	return c.JSON(http.StatusOK, doc)
}

// HandleAuthorization serves POST-as-GET on an authorization. For proxied
// orders the upstream authorization is relayed with challenge URLs rewritten
// to this server.
func HandleAuthorization(c echo.Context) error {
	eng := engineFrom(c)
	store := storeFrom(c)
	u := urlsFrom(c)
	ctx := c.Request().Context()
	orderID := c.Param("orderID")
	authzID := c.Param("authzID")

	body, prob := readBody(c)
	if prob != nil {
		return respondProblem(c, prob)
	}
	req, prob := verifyJWS(ctx, store, body, u.authz(orderID, authzID))
	if prob != nil {
		return respondProblem(c, prob)
	}
	order, prob := loadOwnedOrder(ctx, store, orderID, req.Thumbprint)
	if prob != nil {
		return respondProblem(c, prob)
	}

	var doc map[string]interface{}
	if order.Mode == model.ModeProxy {
		upstreamURL, err := eng.AuthorizeProxyAccess(ctx, order, authzID, req.Thumbprint)
		if err != nil {
			return respondEngineError(c, err)
		}
		authz, err := eng.ProxyAuthorization(ctx, order, upstreamURL)
		if err != nil {
			return respondEngineError(c, err)
		}
		// Only the dns-01 challenge is exposed for a proxied authorization;
		// this server satisfies the real upstream one when the client
		// accepts it.
		chalDoc := map[string]interface{}{
			"type":   model.ChallengeDNS01,
			"url":    u.challengeURL(orderID, authzID),
			"status": model.StatusPending,
		}
		if chal, ok := authz.DNS01Challenge(); ok {
			chalDoc["status"] = chal.Status
			chalDoc["token"] = chal.Token
			if chal.Error != nil {
				chalDoc["error"] = chal.Error
			}
		}
		doc = map[string]interface{}{
			"identifier": authz.Identifier,
			"status":     authz.Status,
			"wildcard":   authz.Wildcard,
			"challenges": []map[string]interface{}{chalDoc},
		}
		if !authz.Expires.IsZero() {
			doc["expires"] = authz.Expires.Format(time.RFC3339)
		}
	} else {
		authz, err := eng.LoadAuthorizationWithChallenges(ctx, authzID)
		if errors.Is(err, storage.ErrNotFound) {
			return respondProblem(c, notFoundProblem("unknown authorization"))
		}
		if err != nil {
			return respondProblem(c, internalProblem(err.Error()))
		}
		if authz.OrderID != order.ID {
			return respondProblem(c, unauthorizedProblem("authorization does not belong to this order"))
		}
		chals := make([]map[string]interface{}, 0, len(authz.Challenges))
		for _, chal := range authz.Challenges {
			entry := map[string]interface{}{
				"type":   chal.Type,
				"url":    u.challengeURL(orderID, chal.ID),
				"status": chal.Status,
				"token":  chal.Token,
			}
			if chal.Error != nil {
				entry["error"] = chal.Error
			}
			chals = append(chals, entry)
		}
		doc = map[string]interface{}{
			"identifier": authz.Identifier,
			"status":     authz.Status,
			"expires":    authz.Expires.Format(time.RFC3339),
			"wildcard":   authz.Wildcard,
			"challenges": chals,
		}
	}

	attachNonce(c)
	return c.JSON(http.StatusOK, doc)
}

// HandleChallenge accepts a challenge. Local challenges are validated
// synchronously; proxied challenges start the upstream dns-01 completion in
// the background and report processing until the upstream authorization
// settles.
func HandleChallenge(c echo.Context) error {
	eng := engineFrom(c)
	store := storeFrom(c)
	u := urlsFrom(c)
	ctx := c.Request().Context()
	orderID := c.Param("orderID")
	challID := c.Param("challID")

	body, prob := readBody(c)
	if prob != nil {
		return respondProblem(c, prob)
	}
	req, prob := verifyJWS(ctx, store, body, u.challengeURL(orderID, challID))
	if prob != nil {
		return respondProblem(c, prob)
	}
	order, prob := loadOwnedOrder(ctx, store, orderID, req.Thumbprint)
	if prob != nil {
		return respondProblem(c, prob)
	}

	if order.Mode == model.ModeProxy {
		upstreamURL, err := eng.AuthorizeProxyAccess(ctx, order, challID, req.Thumbprint)
		if err != nil {
			return respondEngineError(c, err)
		}
		go func() {
			// Publishing the TXT record and waiting for the CA can take
			// minutes; the client polls the authorization meanwhile.
			bgCtx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
			defer cancel()
			if err := eng.ProxyCompleteChallenge(bgCtx, order.ID, upstreamURL); err != nil {
				logger.Error("Proxied challenge completion failed",
					zap.String("order_id", order.ID),
					zap.Error(err))
			}
		}()
		attachNonce(c)
		return c.JSON(http.StatusOK, map[string]interface{}{
			"type":   model.ChallengeDNS01,
			"url":    u.challengeURL(orderID, challID),
			"status": model.StatusProcessing,
		})
	}

	chal, err := eng.ValidateLocalChallenge(ctx, order.ID, challID, req.Thumbprint)
	if err != nil {
		return respondEngineError(c, err)
	}
	attachNonce(c)
	doc := map[string]interface{}{
		"type":   chal.Type,
		"url":    u.challengeURL(orderID, chal.ID),
		"status": chal.Status,
		"token":  chal.Token,
	}
	if chal.Error != nil {
		doc["error"] = chal.Error
	}
	if !chal.Validated.IsZero() {
		doc["validated"] = chal.Validated.Format(time.RFC3339)
	}
	return c.JSON(http.StatusOK, doc)
}

type finalizePayload struct {
	CSR string `json:"csr"`
}

// HandleFinalize accepts the client's CSR. Local orders are signed
// synchronously; proxied CSRs are forwarded upstream in the background.
func HandleFinalize(c echo.Context) error {
	eng := engineFrom(c)
	store := storeFrom(c)
	u := urlsFrom(c)
	ctx := c.Request().Context()
	orderID := c.Param("orderID")

	body, prob := readBody(c)
	if prob != nil {
		return respondProblem(c, prob)
	}
	req, prob := verifyJWS(ctx, store, body, u.finalize(orderID))
	if prob != nil {
		return respondProblem(c, prob)
	}
	order, prob := loadOwnedOrder(ctx, store, orderID, req.Thumbprint)
	if prob != nil {
		return respondProblem(c, prob)
	}

	var payload finalizePayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return respondProblem(c, badRequestProblem("malformed", "could not parse finalize payload"))
	}
	csrDER, err := base64.RawURLEncoding.DecodeString(payload.CSR)
	if err != nil {
		return respondProblem(c, badRequestProblem("badCSR", "csr is not base64url"))
	}

	if order.Mode == model.ModeProxy {
		go func() {
			bgCtx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
			defer cancel()
			if err := eng.ProxyFinalize(bgCtx, order.ID, csrDER); err != nil {
				logger.Error("Proxied finalize failed",
					zap.String("order_id", order.ID),
					zap.Error(err))
			}
		}()
		order.Status = model.StatusProcessing
	} else {
		csr, err := x509.ParseCertificateRequest(csrDER)
		if err != nil {
			return respondProblem(c, badRequestProblem("badCSR", "could not parse CSR"))
		}
		order, err = eng.FinalizeLocalOrder(ctx, order.ID, csr, req.Thumbprint)
		if err != nil {
			return respondEngineError(c, err)
		}
	}

	doc, prob := renderOrder(ctx, c, order)
	if prob != nil {
		return respondProblem(c, prob)
	}
	attachNonce(c)
	c.Response().Header().Set("Location", u.order(order.ID))
	return c.JSON(http.StatusOK, doc)
}

// HandleCertificate serves the issued certificate chain.
func HandleCertificate(c echo.Context) error {
	eng := engineFrom(c)
	store := storeFrom(c)
	u := urlsFrom(c)
	ctx := c.Request().Context()
	orderID := c.Param("orderID")

	body, prob := readBody(c)
	if prob != nil {
		return respondProblem(c, prob)
	}
	req, prob := verifyJWS(ctx, store, body, u.certificate(orderID))
	if prob != nil {
		return respondProblem(c, prob)
	}
	order, prob := loadOwnedOrder(ctx, store, orderID, req.Thumbprint)
	if prob != nil {
		return respondProblem(c, prob)
	}
	if order.Status != model.StatusValid {
		return respondProblem(c, &problem{
			Status: http.StatusForbidden,
			Type:   problemType("orderNotReady"),
			Detail: fmt.Sprintf("order is %s, certificate not available", order.Status),
		})
	}

	certData, err := eng.CertificateForOrder(ctx, order.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return respondProblem(c, notFoundProblem("no certificate stored for this order"))
	}
	if err != nil {
		return respondProblem(c, internalProblem(err.Error()))
	}
	attachNonce(c)
	return c.Blob(http.StatusOK, "application/pem-certificate-chain", []byte(certData.CertificatePEM))
}

// --- shared helpers ---

func readBody(c echo.Context) ([]byte, *problem) {
	body, err := io.ReadAll(http.MaxBytesReader(nil, c.Request().Body, 1<<20))
	if err != nil {
		return nil, badRequestProblem("malformed", "could not read request body")
	}
	return body, nil
}

func loadOwnedOrder(ctx context.Context, store storage.Storage, orderID, thumbprint string) (*model.Order, *problem) {
	order, err := store.GetOrder(ctx, orderID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, notFoundProblem("unknown order")
	}
	if err != nil {
		return nil, internalProblem(err.Error())
	}
	// Orders created through the management API have no owning client key
	// and are not served over ACME.
	if order.ClientThumbprint == "" || order.ClientThumbprint != thumbprint {
		return nil, unauthorizedProblem("order belongs to a different account key")
	}
	return order, nil
}

// renderOrder builds the RFC 8555 order object. The internal created state
// renders as pending.
func renderOrder(ctx context.Context, c echo.Context, order *model.Order) (map[string]interface{}, *problem) {
	u := urlsFrom(c)
	store := storeFrom(c)

	status := order.Status
	if status == model.StatusCreated {
		status = model.StatusPending
	}

	identifiers := make([]model.Identifier, 0, len(order.Domains))
	for _, d := range order.Domains {
		identifiers = append(identifiers, model.Identifier{Type: "dns", Value: d})
	}

	var authzURLs []string
	if order.Mode == model.ModeProxy {
		ids := make([]string, 0, len(order.AuthzMap))
		for id := range order.AuthzMap {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			authzURLs = append(authzURLs, u.authz(order.ID, id))
		}
	} else {
		authzs, err := store.GetAuthorizationsByOrderID(ctx, order.ID)
		if err != nil {
			return nil, internalProblem(err.Error())
		}
		for _, authz := range authzs {
			authzURLs = append(authzURLs, u.authz(order.ID, authz.ID))
		}
	}

	doc := map[string]interface{}{
		"status":         status,
		"expires":        order.ExpiresAt.Format(time.RFC3339),
		"identifiers":    identifiers,
		"authorizations": authzURLs,
		"finalize":       u.finalize(order.ID),
	}
	if order.Error != nil {
		doc["error"] = order.Error
	}
	if order.Status == model.StatusValid {
		doc["certificate"] = u.certificate(order.ID)
	}
	return doc, nil
}

// respondEngineError maps typed engine errors onto problem documents.
func respondEngineError(c echo.Context, err error) error {
	var policyErr *engine.PolicyDeniedError
	if errors.As(err, &policyErr) {
		return respondProblem(c, rejectedProblem(policyErr.Error()))
	}
	var rateErr *engine.RateLimitedError
	if errors.As(err, &rateErr) {
		if rateErr.RetryAfter > 0 {
			c.Response().Header().Set("Retry-After", strconv.Itoa(int(rateErr.RetryAfter.Seconds())))
		}
		return respondProblem(c, &problem{
			Status: http.StatusTooManyRequests,
			Type:   problemType("rateLimited"),
			Detail: rateErr.Detail,
		})
	}
	var corrErr *engine.CorrelationError
	if errors.As(err, &corrErr) {
		logger.Error("Authorization correlation failed closed", zap.Error(corrErr))
		return respondProblem(c, unauthorizedProblem("authorization cannot be attributed to this order"))
	}
	var notReadyErr *engine.OrderNotReadyError
	if errors.As(err, &notReadyErr) {
		return respondProblem(c, &problem{
			Status: http.StatusForbidden,
			Type:   problemType("orderNotReady"),
			Detail: notReadyErr.Error(),
		})
	}
	var busyErr *engine.OrderBusyError
	if errors.As(err, &busyErr) {
		c.Response().Header().Set("Retry-After", "5")
		return respondProblem(c, &problem{
			Status: http.StatusConflict,
			Type:   problemType("orderNotReady"),
			Detail: busyErr.Error(),
		})
	}
	var chalErr *engine.ChallengeValidationError
	if errors.As(err, &chalErr) {
		return respondProblem(c, &problem{
			Status: http.StatusForbidden,
			Type:   problemType("incorrectResponse"),
			Detail: chalErr.Error(),
		})
	}
	var upErr *engine.UpstreamProtocolError
	if errors.As(err, &upErr) {
		return respondProblem(c, &problem{
			Status: http.StatusBadGateway,
			Type:   problemType("serverInternal"),
			Detail: upErr.Error(),
		})
	}
	return respondProblem(c, internalProblem(err.Error()))
}

