package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/shopcart/internal/logging"
	"github.com/MarcoPoloResearchLab/shopcart/internal/orders"
)

const stripeSignatureHeader = "Stripe-Signature"

func (h *httpHandler) handleListOrders(c *gin.Context) {
	list, err := h.orders.ListForUser(c.Request.Context(), currentUserID(c), c.Query("status"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": list})
}

func (h *httpHandler) handleCreateOrder(c *gin.Context) {
	var input orders.CreateInput
	if err := c.ShouldBindJSON(&input); err != nil {
		respondInvalidRequest(c, err)
		return
	}
	order, err := h.orders.Create(c.Request.Context(), currentUserID(c), input)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, order)
}

func (h *httpHandler) handleGetOrder(c *gin.Context) {
	order, err := h.orders.Get(c.Request.Context(), currentUserID(c), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

type cancelOrderRequest struct {
	Reason string `json:"reason" binding:"max=500"`
}

func (h *httpHandler) handleCancelOrder(c *gin.Context) {
	var request cancelOrderRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			respondInvalidRequest(c, err)
			return
		}
	}
	order, err := h.orders.Cancel(c.Request.Context(), currentUserID(c), c.Param("id"), request.Reason)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

type checkoutRequest struct {
	OrderID string `json:"orderId" binding:"required"`
}

func (h *httpHandler) handleCreateCheckout(c *gin.Context) {
	var request checkoutRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		respondInvalidRequest(c, err)
		return
	}
	session, err := h.checkout.CreateSession(c.Request.Context(), currentUserID(c), request.OrderID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (h *httpHandler) handleStripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload_too_large"})
			return
		}
		respondInvalidRequest(c, nil)
		return
	}

	result, err := h.checkout.HandleWebhook(c.Request.Context(), payload, c.GetHeader(stripeSignatureHeader))
	if err != nil {
		h.respondError(c, err)
		return
	}
	logging.FromContext(c, h.logger).Info("stripe webhook handled",
		zap.String("event_id", result.EventID),
		zap.String("event_type", result.Type),
		zap.String("order_id", result.OrderID),
		zap.String("outcome", result.Outcome),
		zap.Bool("duplicate", result.Duplicate),
	)
	c.JSON(http.StatusOK, gin.H{"received": true, "outcome": result.Outcome, "duplicate": result.Duplicate})
}
