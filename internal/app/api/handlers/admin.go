package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	mw "github.com/fanvault/pointpay/internal/app/api/middleware"
	adminsvc "github.com/fanvault/pointpay/internal/app/service/admin"
	"github.com/fanvault/pointpay/internal/app/service/auditlog"
	"github.com/fanvault/pointpay/internal/models"
	"github.com/fanvault/pointpay/pkg/response"
	"github.com/fanvault/pointpay/pkg/types"
)

type listAuditLogsRequest struct {
	Filters   []*types.CommonFilter `json:"filters"`
	From      int                   `json:"from"`
	Size      int                   `json:"size"`
	SortBy    string                `json:"sort_by"`
	SortOrder string                `json:"sort_order"`
}

// @Summary      List audit logs (Admin)
// @Description  Paginated, filterable scan over the payment audit log.
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Param        request body listAuditLogsRequest true "Scan request with filters, pagination, and sorting"
// @Success      200  {object}  handlers.RespAuditLogs
// @Router       /api/v1/admin/audit_logs/scan [post]
func ApiListAuditLogs(svc *adminsvc.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req listAuditLogsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		res, err := svc.ListAuditLogs(c.Request.Context(), &auditlog.ScanRequest{
			Filters: req.Filters, From: req.From, Size: req.Size,
			SortBy: req.SortBy, SortOrder: req.SortOrder,
		})
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, response.OKT(res))
	}
}

// @Summary      Get audit log (Admin)
// @Tags         Admin
// @Produce      json
// @Param        id path string true "audit log id"
// @Success      200  {object}  handlers.RespAuditLog
// @Router       /api/v1/admin/audit_logs/{id} [get]
func ApiGetAuditLog(svc *adminsvc.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		entry, err := svc.GetAuditLog(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, response.OKT(entry))
	}
}

type recoveryQueueResp struct {
	Items []*models.PaymentAuditLog `json:"items"`
}

// @Summary      List recovery queue (Admin)
// @Description  Audit logs flagged requires_recovery, oldest first.
// @Tags         Admin
// @Produce      json
// @Param        limit   query  int  false  "page size"
// @Param        offset  query  int  false  "page offset"
// @Success      200  {object}  handlers.RespAuditLogs
// @Router       /api/v1/admin/recovery_queue [get]
func ApiListRecoveryQueue(svc *adminsvc.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

		items, err := svc.ListRecoveryQueue(c.Request.Context(), limit, offset)
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, response.OKT(&recoveryQueueResp{Items: items}))
	}
}

type recoverRequest struct {
	Note string `json:"note"`
}

// @Summary      Resolve recovery entry (Admin)
// @Description  Marks a flagged audit log recovered after out-of-band compensation. Requires a note.
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Param        id path string true "audit log id"
// @Param        request body recoverRequest true "Resolution note"
// @Success      200  {object}  handlers.RespOK
// @Router       /api/v1/admin/audit_logs/{id}/recover [post]
func ApiRecoverAuditLog(svc *adminsvc.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req recoverRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		if err := svc.Resolve(c.Request.Context(), c.Param("id"), mw.UserID(c), req.Note); err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, response.OKT[any](nil))
	}
}

type refundRequest struct {
	Note string `json:"note"`
}

// @Summary      Refund audit log (Admin)
// @Description  Marks the log refunded and credits any debited points back to the user.
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Param        id path string true "audit log id"
// @Param        request body refundRequest true "Refund note"
// @Success      200  {object}  handlers.RespOK
// @Router       /api/v1/admin/audit_logs/{id}/refund [post]
func ApiRefundAuditLog(svc *adminsvc.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req refundRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		if err := svc.Refund(c.Request.Context(), c.Param("id"), mw.UserID(c), req.Note); err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, response.OKT[any](nil))
	}
}

type grantPointsRequest struct {
	UserID string `json:"user_id"`
	Amount int64  `json:"amount"`
	Note   string `json:"note"`
}

// @Summary      Grant points (Admin)
// @Description  Credits points to a user outside any payment, attributed to the operator.
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Param        request body grantPointsRequest true "Grant request"
// @Success      200  {object}  handlers.RespOK
// @Router       /api/v1/admin/points/grant [post]
func ApiGrantPoints(svc *adminsvc.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req grantPointsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		txn, err := svc.GrantPoints(c.Request.Context(), req.UserID, req.Amount, mw.UserID(c), req.Note)
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, response.OKT(txn))
	}
}

func RegisterAdminRoutes(r gin.IRouter, svc *adminsvc.Service) {
	r.POST("/audit_logs/scan", ApiListAuditLogs(svc))
	r.GET("/audit_logs/:id", ApiGetAuditLog(svc))
	r.GET("/recovery_queue", ApiListRecoveryQueue(svc))
	r.POST("/audit_logs/:id/recover", ApiRecoverAuditLog(svc))
	r.POST("/audit_logs/:id/refund", ApiRefundAuditLog(svc))
	r.POST("/points/grant", ApiGrantPoints(svc))
}
