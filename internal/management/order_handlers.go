package management

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/acmegate/acmegate/internal/engine"
	"github.com/acmegate/acmegate/internal/storage"
)

// processTimeout bounds one background drive of an order, which can wait out
// DNS propagation and upstream polling.
const processTimeout = 15 * time.Minute

// createOrderRequest defines the expected JSON body for an operator-created
// order.
type createOrderRequest struct {
	Domains       []string `json:"domains"`
	ChallengeType string   `json:"challengeType,omitempty"`
	Environment   string   `json:"environment,omitempty"`
	CSRPEM        string   `json:"csrPem,omitempty"`
	AutoRenew     *bool    `json:"autoRenew,omitempty"`
	Process       bool     `json:"process,omitempty"` // start driving immediately
}

// HandleCreateOrder handles POST requests to create an engine-driven order.
// With process=true the order is driven toward completion in the background;
// the caller polls GET /orders/:orderID for progress.
func HandleCreateOrder(c echo.Context) error {
	eng := c.Get("engine").(*engine.Engine)
	reqLogger := c.Get("logger").(*zap.Logger).With(zap.String("handler", "HandleCreateOrder"))
	ctx := c.Request().Context()

	var req createOrderRequest
	if err := c.Bind(&req); err != nil {
		reqLogger.Warn("Failed to bind request body", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
	}
	if len(req.Domains) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "Order must name at least one domain")
	}

	order, err := eng.CreateOrder(ctx, engine.CreateOrderRequest{
		Domains:       req.Domains,
		ChallengeType: req.ChallengeType,
		Environment:   req.Environment,
		CSRPEM:        req.CSRPEM,
		AutoRenew:     req.AutoRenew,
	})
	if err != nil {
		return respondOrderError(c, reqLogger, err)
	}
	reqLogger.Info("Created order",
		zap.String("order_id", order.ID),
		zap.Strings("domains", order.Domains),
		zap.String("mode", order.Mode))

	if req.Process {
		go driveOrder(eng, order.ID)
	}
	return c.JSON(http.StatusCreated, order)
}

// HandleGetOrder handles GET requests for an order's current state.
func HandleGetOrder(c echo.Context) error {
	eng := c.Get("engine").(*engine.Engine)
	ctx := c.Request().Context()

	order, err := eng.GetOrderStatus(ctx, c.Param("orderID"))
	if errors.Is(err, storage.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "Unknown order")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to load order")
	}
	return c.JSON(http.StatusOK, order)
}

// HandleProcessOrder handles POST requests to (re)start driving an order.
func HandleProcessOrder(c echo.Context) error {
	eng := c.Get("engine").(*engine.Engine)
	reqLogger := c.Get("logger").(*zap.Logger).With(zap.String("handler", "HandleProcessOrder"))
	ctx := c.Request().Context()
	orderID := c.Param("orderID")

	order, err := eng.GetOrderStatus(ctx, orderID)
	if errors.Is(err, storage.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "Unknown order")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to load order")
	}
	if order.Terminal() {
		return echo.NewHTTPError(http.StatusConflict, fmt.Sprintf("Order is already %s", order.Status))
	}

	reqLogger.Info("Driving order", zap.String("order_id", orderID))
	go driveOrder(eng, orderID)
	return c.JSON(http.StatusAccepted, order)
}

// HandleCancelOrder handles DELETE requests to cancel a non-terminal order.
func HandleCancelOrder(c echo.Context) error {
	eng := c.Get("engine").(*engine.Engine)
	reqLogger := c.Get("logger").(*zap.Logger).With(zap.String("handler", "HandleCancelOrder"))
	ctx := c.Request().Context()
	orderID := c.Param("orderID")

	if err := eng.CancelOrder(ctx, orderID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "Unknown order")
		}
		return respondOrderError(c, reqLogger, err)
	}
	reqLogger.Info("Canceled order", zap.String("order_id", orderID))
	return c.NoContent(http.StatusNoContent)
}

// HandleRenewOrder handles POST requests to renew an order immediately,
// outside the scheduler's window.
func HandleRenewOrder(c echo.Context) error {
	eng := c.Get("engine").(*engine.Engine)
	reqLogger := c.Get("logger").(*zap.Logger).With(zap.String("handler", "HandleRenewOrder"))
	orderID := c.Param("orderID")

	reqLogger.Info("Renewing order", zap.String("order_id", orderID))
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), processTimeout)
		defer cancel()
		if _, err := eng.RenewOrder(ctx, orderID); err != nil {
			logger.Error("Renewal failed", zap.String("order_id", orderID), zap.Error(err))
		}
	}()
	return c.NoContent(http.StatusAccepted)
}

// HandleApproveOrder handles POST requests approving a local order held at
// ready because its policy does not auto-approve. Approval signs the parked
// CSR immediately.
func HandleApproveOrder(c echo.Context) error {
	eng := c.Get("engine").(*engine.Engine)
	reqLogger := c.Get("logger").(*zap.Logger).With(zap.String("handler", "HandleApproveOrder"))
	ctx := c.Request().Context()
	orderID := c.Param("orderID")

	if err := eng.ApproveOrder(ctx, orderID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "Unknown order")
		}
		var notReadyErr *engine.OrderNotReadyError
		if errors.As(err, &notReadyErr) {
			return echo.NewHTTPError(http.StatusConflict, notReadyErr.Error())
		}
		return respondOrderError(c, reqLogger, err)
	}
	reqLogger.Info("Approved order", zap.String("order_id", orderID))

	order, err := eng.GetOrderStatus(ctx, orderID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to load order")
	}
	return c.JSON(http.StatusOK, order)
}

// HandleGetOrderCertificate handles GET requests for an order's issued
// certificate chain.
func HandleGetOrderCertificate(c echo.Context) error {
	eng := c.Get("engine").(*engine.Engine)
	ctx := c.Request().Context()

	certData, err := eng.CertificateForOrder(ctx, c.Param("orderID"))
	if errors.Is(err, storage.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "No certificate stored for this order")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to load certificate")
	}
	return c.Blob(http.StatusOK, "application/pem-certificate-chain", []byte(certData.CertificatePEM))
}

func driveOrder(eng *engine.Engine, orderID string) {
	ctx, cancel := context.WithTimeout(context.Background(), processTimeout)
	defer cancel()
	if err := eng.ProcessOrder(ctx, orderID); err != nil {
		logger.Error("Order processing failed", zap.String("order_id", orderID), zap.Error(err))
	}
}

// respondOrderError maps typed engine errors onto HTTP errors for the
// management API.
func respondOrderError(c echo.Context, reqLogger *zap.Logger, err error) error {
	var policyErr *engine.PolicyDeniedError
	if errors.As(err, &policyErr) {
		return echo.NewHTTPError(http.StatusForbidden, policyErr.Error())
	}
	var busyErr *engine.OrderBusyError
	if errors.As(err, &busyErr) {
		return echo.NewHTTPError(http.StatusConflict, busyErr.Error())
	}
	var rateErr *engine.RateLimitedError
	if errors.As(err, &rateErr) {
		c.Response().Header().Set("Retry-After", fmt.Sprintf("%d", int(rateErr.RetryAfter.Seconds())))
		return echo.NewHTTPError(http.StatusTooManyRequests, rateErr.Error())
	}
	reqLogger.Error("Order operation failed", zap.Error(err))
	return echo.NewHTTPError(http.StatusInternalServerError, "Order operation failed")
}
