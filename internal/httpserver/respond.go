package httpserver

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"ellio/internal/ledger"
	"ellio/internal/payment"
	"ellio/internal/repo"
)

// Error codes returned in the failure envelope.
const (
	codeInsufficientBalance = "insufficient_balance"
	codeNotFound            = "not_found"
	codeSuspended           = "suspended"
	codeInvalidResult       = "invalid_result"
	codeAlreadyFinalized    = "already_finalized"
	codeValidation          = "validation_error"
	codeConflict            = "conflict"
	codeConnection          = "connection_issue"
	codeRateLimited         = "rate_limited"
	codeInternal            = "internal_error"
)

// errorStatus maps a service error onto an HTTP status and envelope code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, repo.ErrInsufficientBalance):
		return http.StatusConflict, codeInsufficientBalance
	case errors.Is(err, repo.ErrNotFound):
		return http.StatusNotFound, codeNotFound
	case errors.Is(err, ledger.ErrSuspended):
		return http.StatusForbidden, codeSuspended
	case errors.Is(err, ledger.ErrInvalidResult):
		return http.StatusUnprocessableEntity, codeInvalidResult
	case errors.Is(err, repo.ErrAlreadyFinalized):
		return http.StatusConflict, codeAlreadyFinalized
	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidType),
		errors.Is(err, payment.ErrValidation):
		return http.StatusBadRequest, codeValidation
	case errors.Is(err, repo.ErrConflict):
		return http.StatusConflict, codeConflict
	case errors.Is(err, ledger.ErrTransient),
		errors.Is(err, payment.ErrTransient),
		repo.IsTransient(err):
		return http.StatusServiceUnavailable, codeConnection
	default:
		return http.StatusInternalServerError, codeInternal
	}
}

func (a *api) fail(c *gin.Context, err error) {
	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError {
		a.metrics.Errors.WithLabelValues("http").Inc()
		a.logger.Error("request failed", "route", c.FullPath(), "error", err)
	}
	c.AbortWithStatusJSON(status, failure(code))
}

func failure(code string) gin.H {
	return gin.H{"success": false, "error": code}
}

func badRequest(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusBadRequest, failure(codeValidation))
}

func ok(c *gin.Context, body gin.H) {
	if body == nil {
		body = gin.H{}
	}
	body["success"] = true
	c.JSON(http.StatusOK, body)
}
