package management

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/acmegate/acmegate/internal/dnsprovider"
	"github.com/acmegate/acmegate/internal/model"
	"github.com/acmegate/acmegate/internal/storage"
)

var logger *zap.Logger

func init() {
	logger = zap.L().Named("management")
}

// --- Domain Policy Management ---

// addPolicyRequest defines the expected JSON body for creating or replacing
// a domain policy.
type addPolicyRequest struct {
	Domain          string `json:"domain"`
	Upstream        bool   `json:"upstream"`
	DirectoryURL    string `json:"directoryUrl,omitempty"`
	IssuerID        string `json:"issuerId,omitempty"`
	AutoApprove     bool   `json:"autoApprove"`
	WildcardAllowed bool   `json:"wildcardAllowed"`
	AutoRenew       bool   `json:"autoRenew"`
}

// HandleAddPolicy handles POST requests to create or replace a domain policy.
func HandleAddPolicy(c echo.Context) error {
	store := c.Get("store").(storage.Storage)
	reqLogger := c.Get("logger").(*zap.Logger).With(zap.String("handler", "HandleAddPolicy"))
	ctx := c.Request().Context()

	var req addPolicyRequest
	if err := c.Bind(&req); err != nil {
		reqLogger.Warn("Failed to bind request body", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
	}

	domain := strings.ToLower(strings.TrimSpace(req.Domain))
	if domain == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Domain cannot be empty")
	}
	if !req.Upstream && req.IssuerID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Local-issuance policies must name an issuerId")
	}

	policy := &model.DomainPolicy{
		Domain:          domain,
		Upstream:        req.Upstream,
		DirectoryURL:    req.DirectoryURL,
		IssuerID:        req.IssuerID,
		AutoApprove:     req.AutoApprove,
		WildcardAllowed: req.WildcardAllowed,
		AutoRenew:       req.AutoRenew,
	}
	if err := store.SaveDomainPolicy(ctx, policy); err != nil {
		reqLogger.Error("Failed to save domain policy", zap.String("domain", domain), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to save policy")
	}

	reqLogger.Info("Saved domain policy", zap.String("domain", domain), zap.Bool("upstream", req.Upstream))
	return c.JSON(http.StatusCreated, policy)
}

// HandleListPolicies handles GET requests to list all domain policies.
func HandleListPolicies(c echo.Context) error {
	store := c.Get("store").(storage.Storage)
	reqLogger := c.Get("logger").(*zap.Logger).With(zap.String("handler", "HandleListPolicies"))
	ctx := c.Request().Context()

	policies, err := store.ListDomainPolicies(ctx)
	if err != nil {
		reqLogger.Error("Failed to list domain policies", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to retrieve policies")
	}
	return c.JSON(http.StatusOK, policies)
}

// HandleDeletePolicy handles DELETE requests to remove a domain policy.
func HandleDeletePolicy(c echo.Context) error {
	store := c.Get("store").(storage.Storage)
	reqLogger := c.Get("logger").(*zap.Logger).With(zap.String("handler", "HandleDeletePolicy"))
	ctx := c.Request().Context()

	domainParam := c.Param("domain")
	domain, err := url.PathUnescape(domainParam)
	if err != nil {
		reqLogger.Warn("Failed to unescape domain parameter", zap.String("param", domainParam), zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid domain parameter encoding: %v", err))
	}
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Domain parameter cannot be empty")
	}

	if err := store.DeleteDomainPolicy(ctx, domain); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "No policy for that domain")
		}
		reqLogger.Error("Failed to delete domain policy", zap.String("domain", domain), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to delete policy")
	}

	reqLogger.Info("Deleted domain policy", zap.String("domain", domain))
	return c.NoContent(http.StatusNoContent)
}

// --- DNS Provider Binding Management ---

// addBindingRequest defines the expected JSON body for binding a DNS zone
// suffix to a provider backend.
type addBindingRequest struct {
	Suffix      string            `json:"suffix"`
	Type        string            `json:"type"`
	Zone        string            `json:"zone"`
	Credentials map[string]string `json:"credentials,omitempty"`
}

// HandleAddBinding handles POST requests to bind a suffix to a DNS provider.
// The live registry is rebound in the same request so the change takes
// effect without a restart.
func HandleAddBinding(c echo.Context) error {
	store := c.Get("store").(storage.Storage)
	registry := c.Get("registry").(*dnsprovider.Registry)
	reqLogger := c.Get("logger").(*zap.Logger).With(zap.String("handler", "HandleAddBinding"))
	ctx := c.Request().Context()

	var req addBindingRequest
	if err := c.Bind(&req); err != nil {
		reqLogger.Warn("Failed to bind request body", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
	}

	suffix := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(req.Suffix, ".")))
	if suffix == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Suffix cannot be empty")
	}

	binding := &model.ProviderBinding{
		Suffix:      suffix,
		Type:        req.Type,
		Zone:        req.Zone,
		Credentials: req.Credentials,
	}
	// Bind first: a binding the registry cannot construct (unknown type,
	// bad credentials) is rejected before anything is persisted.
	if err := registry.Bind(ctx, binding); err != nil {
		reqLogger.Warn("Rejected provider binding", zap.String("suffix", suffix), zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Cannot bind provider: %v", err))
	}
	if err := store.SaveProviderBinding(ctx, binding); err != nil {
		registry.Unbind(suffix)
		reqLogger.Error("Failed to save provider binding", zap.String("suffix", suffix), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to save binding")
	}

	reqLogger.Info("Bound DNS provider", zap.String("suffix", suffix), zap.String("type", req.Type))
	return c.NoContent(http.StatusCreated)
}

// HandleListBindings handles GET requests to list provider bindings.
// Credentials are never returned.
func HandleListBindings(c echo.Context) error {
	store := c.Get("store").(storage.Storage)
	reqLogger := c.Get("logger").(*zap.Logger).With(zap.String("handler", "HandleListBindings"))
	ctx := c.Request().Context()

	bindings, err := store.ListProviderBindings(ctx)
	if err != nil {
		reqLogger.Error("Failed to list provider bindings", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to retrieve bindings")
	}
	return c.JSON(http.StatusOK, bindings)
}

// HandleDeleteBinding handles DELETE requests to remove a provider binding.
func HandleDeleteBinding(c echo.Context) error {
	store := c.Get("store").(storage.Storage)
	registry := c.Get("registry").(*dnsprovider.Registry)
	reqLogger := c.Get("logger").(*zap.Logger).With(zap.String("handler", "HandleDeleteBinding"))
	ctx := c.Request().Context()

	suffixParam := c.Param("suffix")
	suffix, err := url.PathUnescape(suffixParam)
	if err != nil {
		reqLogger.Warn("Failed to unescape suffix parameter", zap.String("param", suffixParam), zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid suffix parameter encoding: %v", err))
	}
	suffix = strings.ToLower(strings.TrimSpace(suffix))
	if suffix == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Suffix parameter cannot be empty")
	}

	if err := store.DeleteProviderBinding(ctx, suffix); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "No binding for that suffix")
		}
		reqLogger.Error("Failed to delete provider binding", zap.String("suffix", suffix), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to delete binding")
	}
	registry.Unbind(suffix)

	reqLogger.Info("Unbound DNS provider", zap.String("suffix", suffix))
	return c.NoContent(http.StatusNoContent)
}
