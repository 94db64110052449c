package acmeserver

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logger *zap.Logger

func init() {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		panic(fmt.Sprintf("failed to initialize zap logger: %v", err))
	}
	logger = l.With(zap.String("package", "acmeserver"))
}

const problemContentType = "application/problem+json"

// problem is an RFC 7807 error response (RFC 8555 section 6.7).
type problem struct {
	Type   string `json:"type"`
	Detail string `json:"detail"`
	Status int    `json:"status,omitempty"`
}

func problemType(name string) string {
	return "urn:ietf:params:acme:error:" + name
}

func badRequestProblem(name, detail string) *problem {
	return &problem{Type: problemType(name), Detail: detail, Status: http.StatusBadRequest}
}

func unauthorizedProblem(detail string) *problem {
	return &problem{Type: problemType("unauthorized"), Detail: detail, Status: http.StatusUnauthorized}
}

func notFoundProblem(detail string) *problem {
	return &problem{Type: problemType("malformed"), Detail: detail, Status: http.StatusNotFound}
}

func internalProblem(detail string) *problem {
	return &problem{Type: problemType("serverInternal"), Detail: detail, Status: http.StatusInternalServerError}
}

func rejectedProblem(detail string) *problem {
	return &problem{Type: problemType("rejectedIdentifier"), Detail: detail, Status: http.StatusForbidden}
}

// respondProblem writes the problem document with a fresh nonce attached.
func respondProblem(c echo.Context, prob *problem) error {
	attachNonce(c)
	status := prob.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	c.Response().Header().Set(echo.HeaderContentType, problemContentType)
	return c.JSON(status, prob)
}
