package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	mw "github.com/fanvault/pointpay/internal/app/api/middleware"
	"github.com/fanvault/pointpay/internal/app/service/checkout"
	"github.com/fanvault/pointpay/pkg/response"
)

// @Summary      Pay with points
// @Description  Settles a purchase, tip, or subscription fully with points in one transaction.
// @Tags         Checkout
// @Accept       json
// @Produce      json
// @Param        request body checkout.PayWithPointsRequest true "Points payment request"
// @Success      200  {object}  handlers.RespPayWithPoints
// @Router       /api/v1/checkout/points [post]
func ApiPayWithPoints(svc *checkout.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req checkout.PayWithPointsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		req.UserID = mw.UserID(c)

		res, err := svc.PayWithPoints(c.Request.Context(), &req)
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, response.OKT(res))
	}
}

// @Summary      Create hybrid checkout
// @Description  Opens a card checkout session for the non-points remainder of a price; points are debited on confirmation.
// @Tags         Checkout
// @Accept       json
// @Produce      json
// @Param        request body checkout.HybridCheckoutRequest true "Hybrid checkout request"
// @Success      200  {object}  handlers.RespCheckout
// @Router       /api/v1/checkout/hybrid [post]
func ApiCreateHybridCheckout(svc *checkout.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req checkout.HybridCheckoutRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		req.UserID = mw.UserID(c)

		res, err := svc.CreateHybridCheckout(c.Request.Context(), &req)
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, response.OKT(res))
	}
}

func RegisterCheckoutRoutes(r gin.IRouter, svc *checkout.Service) {
	r.POST("/points", ApiPayWithPoints(svc))
	r.POST("/hybrid", ApiCreateHybridCheckout(svc))
}
