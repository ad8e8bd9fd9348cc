package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fanvault/pointpay/pkg/payerr"
	"github.com/fanvault/pointpay/pkg/response"
)

func codeFor(err error) response.APIResponseCode {
	switch {
	case errors.Is(err, payerr.ErrValidation):
		return response.APIResponseCodeBadRequest
	case errors.Is(err, payerr.ErrNotFound):
		return response.APIResponseCodeNotFound
	case errors.Is(err, payerr.ErrInsufficientBalance):
		return response.APIResponseCodeInsufficientBalance
	case errors.Is(err, payerr.ErrAlreadyPurchased), errors.Is(err, payerr.ErrDuplicateSubscription):
		return response.APIResponseCodeAlreadyPurchased
	case errors.Is(err, payerr.ErrConflict):
		return response.APIResponseCodeConflict
	case errors.Is(err, payerr.ErrResourceFree), errors.Is(err, payerr.ErrAdultRestriction):
		return response.APIResponseCodeBadRequest
	case errors.Is(err, payerr.ErrForbidden):
		return response.APIResponseCodeForbidden
	default:
		return response.APIResponseCodeError
	}
}

// respondErr writes the envelope for a service error. Transport stays 200;
// the business code carries the failure class.
func respondErr(c *gin.Context, err error) {
	c.JSON(http.StatusOK, response.ErrorT[any](codeFor(err), err.Error()))
}
