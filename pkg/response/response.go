package response

import (
	"errors"
	"net/http"

	"coursepay/internal/apperr"

	"github.com/gin-gonic/gin"
)

const (
	CodeSuccess      = 0
	CodeParamError   = 400
	CodeUnauthorized = 401
	CodeForbidden    = 403
	CodeNotFound     = 404
	CodeServerError  = 500
)

const (
	CodeOrderNotFound      = 1001
	CodeOrderStatusInvalid = 1002
	CodeBalanceNotEnough   = 1003
	CodeLockHeld           = 1004
	CodeGatewayUnavailable = 1006
	CodeInvalidSignature   = 1008
	CodeAlreadyEnrolled    = 1009
)

type Response struct {
	Code      int         `json:"code"`
	Kind      apperr.Kind `json:"kind,omitempty"`
	Retryable bool        `json:"retryable"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Response{
		Code:    CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

func Error(c *gin.Context, status, code int, message string) {
	c.JSON(status, Response{
		Code:    code,
		Message: message,
	})
}

func ParamError(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, Response{
		Code:    CodeParamError,
		Kind:    apperr.KindValidation,
		Message: message,
	})
}

func Unauthorized(c *gin.Context, message string) {
	Error(c, http.StatusUnauthorized, CodeUnauthorized, message)
}

// Fail writes err with the status of its kind. data, when non-nil, is sent
// alongside the error, e.g. the order an unpaid checkout left behind.
// Internal errors are reported without their detail.
func Fail(c *gin.Context, err error, data interface{}) {
	kind := apperr.KindOf(err)
	msg := "internal server error"
	var e *apperr.Error
	if errors.As(err, &e) && kind != apperr.KindInternal {
		msg = e.Error()
		if e.Err != nil && e.Field == "" {
			msg = e.Message
		}
	}
	c.JSON(kind.HTTPStatus(), Response{
		Code:      codeFor(kind),
		Kind:      kind,
		Retryable: kind.Retryable(),
		Message:   msg,
		Data:      data,
	})
}

func codeFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return CodeParamError
	case apperr.KindNotFound:
		return CodeOrderNotFound
	case apperr.KindInvalidState:
		return CodeOrderStatusInvalid
	case apperr.KindInsufficientFunds:
		return CodeBalanceNotEnough
	case apperr.KindLockHeld:
		return CodeLockHeld
	case apperr.KindGatewayUnavailable:
		return CodeGatewayUnavailable
	case apperr.KindInvalidSignature:
		return CodeInvalidSignature
	case apperr.KindAlreadyEnrolled:
		return CodeAlreadyEnrolled
	case apperr.KindForbidden:
		return CodeForbidden
	}
	return CodeServerError
}
