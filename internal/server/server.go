package server

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/acmegate/acmegate/internal/acmeserver"
	"github.com/acmegate/acmegate/internal/auth"
	"github.com/acmegate/acmegate/internal/config"
	"github.com/acmegate/acmegate/internal/dnsprovider"
	"github.com/acmegate/acmegate/internal/engine"
	"github.com/acmegate/acmegate/internal/management"
	"github.com/acmegate/acmegate/internal/storage"
)

// ApplyCommonMiddleware applies essential middleware to an Echo instance.
// It injects dependencies into the context.
func ApplyCommonMiddleware(e *echo.Echo, eng *engine.Engine, store storage.Storage, cfg *config.Config, registry *dnsprovider.Registry, baseLogger *zap.Logger) {
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: func() string { return uuid.NewString() },
	}))

	// Middleware to set context values
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			reqID := c.Response().Header().Get(echo.HeaderXRequestID)
			reqLogger := baseLogger.With(zap.String("request_id", reqID))

			c.Set("engine", eng)
			c.Set("cfg", cfg)
			c.Set("store", store)
			c.Set("registry", registry)
			c.Set("logger", reqLogger)
			return next(c)
		}
	})
}

// SetupRouter defines all HTTP and HTTPS routes for the application.
func SetupRouter(httpInstance, httpsInstance *echo.Echo, eng *engine.Engine, cfg *config.Config) {
	// --- Define HTTP Routes ---
	httpInstance.GET("/", func(c echo.Context) error {
		return c.String(http.StatusOK, "ACME Gate is running (HTTP - Unprotected Root)")
	})
	// http-01 responses MUST be served on plain HTTP port 80. The same
	// token store answers for local-server challenges and for tokens this
	// process publishes while solving upstream http-01 challenges.
	httpInstance.GET("/.well-known/acme-challenge/:token", eng.TokenStore().WellKnownHandler)

	// --- Define HTTPS Routes ---
	httpsInstance.GET("/", func(c echo.Context) error {
		return c.String(http.StatusOK, "ACME Gate is running (HTTPS - Unprotected Root)")
	})

	// ACME protocol endpoints MUST be on HTTPS instance
	acmeGroup := httpsInstance.Group("/acme")
	acmeGroup.GET("/directory", acmeserver.HandleDirectory)
	acmeGroup.HEAD("/new-nonce", acmeserver.HandleNewNonce)
	acmeGroup.GET("/new-nonce", acmeserver.HandleNewNonce)
	acmeGroup.POST("/new-account", acmeserver.HandleNewAccount)
	acmeGroup.POST("/account/:accountID", acmeserver.HandleAccount)
	acmeGroup.POST("/new-order", acmeserver.HandleNewOrder)
	acmeGroup.POST("/order/:orderID", acmeserver.HandleGetOrder)
	acmeGroup.POST("/authz/:orderID/:authzID", acmeserver.HandleAuthorization)
	acmeGroup.POST("/chall/:orderID/:challID", acmeserver.HandleChallenge)
	acmeGroup.POST("/finalize/:orderID", acmeserver.HandleFinalize)
	acmeGroup.POST("/cert/:orderID", acmeserver.HandleCertificate)

	// Management API Endpoints (on httpsInstance)
	apiGroup := httpsInstance.Group("/api/v1")
	const adminRole = "admin"
	adminOnlyMiddleware := auth.APIKeyAuthMiddleware(cfg.APIKeys, adminRole)

	policyGroup := apiGroup.Group("/policy")
	policyGroup.Use(adminOnlyMiddleware)
	policyGroup.POST("/domains", management.HandleAddPolicy)
	policyGroup.GET("/domains", management.HandleListPolicies)
	policyGroup.DELETE("/domains/:domain", management.HandleDeletePolicy)
	policyGroup.POST("/providers", management.HandleAddBinding)
	policyGroup.GET("/providers", management.HandleListBindings)
	policyGroup.DELETE("/providers/:suffix", management.HandleDeleteBinding)

	orderGroup := apiGroup.Group("/orders")
	orderGroup.Use(adminOnlyMiddleware)
	orderGroup.POST("", management.HandleCreateOrder)
	orderGroup.GET("/:orderID", management.HandleGetOrder)
	orderGroup.POST("/:orderID/process", management.HandleProcessOrder)
	orderGroup.POST("/:orderID/renew", management.HandleRenewOrder)
	orderGroup.POST("/:orderID/approve", management.HandleApproveOrder)
	orderGroup.DELETE("/:orderID", management.HandleCancelOrder)
	orderGroup.GET("/:orderID/certificate", management.HandleGetOrderCertificate)
}
