package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fanvault/pointpay/internal/app/service/reconciler"
	"github.com/fanvault/pointpay/internal/platform/gateway"
	"github.com/fanvault/pointpay/pkg/payerr"
)

// @Summary      Stripe webhook
// @Description  Receives checkout confirmations. 200 acks the event (including no-ops); non-2xx asks Stripe to redeliver.
// @Tags         Webhook
// @Accept       json
// @Produce      json
// @Success      200  {object}  map[string]string
// @Router       /api/v2/payment/webhook/stripe [post]
func ApiStripeWebhook(gw gateway.Gateway, rec *reconciler.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		payload, err := c.GetRawData()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable payload"})
			return
		}

		conf, err := gw.VerifyWebhook(payload, c.GetHeader("Stripe-Signature"))
		if err != nil {
			if errors.Is(err, gateway.ErrIgnoredEvent) {
				c.JSON(http.StatusOK, gin.H{"status": "ignored"})
				return
			}
			if errors.Is(err, payerr.ErrForbidden) {
				c.JSON(http.StatusBadRequest, gin.H{"error": "signature verification failed"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if err := rec.ProcessConfirmation(c.Request.Context(), conf); err != nil {
			// Transient: lock busy, DB down. Stripe retries with backoff.
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func RegisterWebhookRoutes(r gin.IRouter, gw gateway.Gateway, rec *reconciler.Service) {
	r.POST("/webhook/stripe", ApiStripeWebhook(gw, rec))
}
