package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	mw "github.com/fanvault/pointpay/internal/app/api/middleware"
	"github.com/fanvault/pointpay/internal/app/service/checkout"
	"github.com/fanvault/pointpay/internal/app/service/ledger"
	"github.com/fanvault/pointpay/internal/models"
	"github.com/fanvault/pointpay/pkg/response"
)

type balanceResp struct {
	UserID         string `json:"user_id"`
	Balance        int64  `json:"balance"`
	TotalPurchased int64  `json:"total_purchased"`
	TotalSpent     int64  `json:"total_spent"`
}

// @Summary      Get point balance
// @Description  Returns the caller's current point balance and lifetime totals.
// @Tags         Points
// @Produce      json
// @Success      200  {object}  handlers.RespBalance
// @Router       /api/v1/points/balance [get]
func ApiGetBalance(svc *ledger.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		bal, err := svc.GetBalance(c.Request.Context(), mw.UserID(c))
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, response.OKT(&balanceResp{
			UserID:         bal.UserID,
			Balance:        bal.Balance,
			TotalPurchased: bal.TotalPurchased,
			TotalSpent:     bal.TotalSpent,
		}))
	}
}

type listTransactionsResp struct {
	Items []*models.PointTransaction `json:"items"`
}

// @Summary      List point transactions
// @Description  Returns the caller's point transaction history, newest first.
// @Tags         Points
// @Produce      json
// @Param        limit   query  int  false  "page size"
// @Param        offset  query  int  false  "page offset"
// @Success      200  {object}  handlers.RespTransactions
// @Router       /api/v1/points/transactions [get]
func ApiListTransactions(svc *ledger.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
		offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

		items, err := svc.ListTransactions(c.Request.Context(), mw.UserID(c), limit, offset)
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, response.OKT(&listTransactionsResp{Items: items}))
	}
}

// @Summary      Buy a point package
// @Description  Opens a checkout session for a point package; points are credited on webhook confirmation.
// @Tags         Points
// @Accept       json
// @Produce      json
// @Param        request body checkout.PointPurchaseRequest true "Point purchase request"
// @Success      200  {object}  handlers.RespCheckout
// @Router       /api/v1/points/purchase_session [post]
func ApiCreatePointPurchaseSession(svc *checkout.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req checkout.PointPurchaseRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		req.UserID = mw.UserID(c)

		res, err := svc.CreatePointPurchaseSession(c.Request.Context(), &req)
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, response.OKT(res))
	}
}

func RegisterPointsRoutes(r gin.IRouter, ledgerSvc *ledger.Service, checkoutSvc *checkout.Service) {
	r.GET("/balance", ApiGetBalance(ledgerSvc))
	r.GET("/transactions", ApiListTransactions(ledgerSvc))
	r.POST("/purchase_session", ApiCreatePointPurchaseSession(checkoutSvc))
}
