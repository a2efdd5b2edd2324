package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/shopcart/internal/logging"
	"github.com/MarcoPoloResearchLab/shopcart/internal/notifications"
	"github.com/MarcoPoloResearchLab/shopcart/internal/orders"
)

func (h *httpHandler) handleAdminStats(c *gin.Context) {
	stats, err := h.admin.Stats(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *httpHandler) handlePendingAccounts(c *gin.Context) {
	accounts, err := h.admin.ListPendingAccounts(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": accounts})
}

type accountDecisionRequest struct {
	UserID      string `json:"userId" binding:"required"`
	AccountType string `json:"accountType" binding:"required,oneof=business premium"`
	Reason      string `json:"reason" binding:"max=500"`
}

func (h *httpHandler) handleApproveAccount(c *gin.Context) {
	var request accountDecisionRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		respondInvalidRequest(c, err)
		return
	}
	decision, err := h.admin.ApproveAccount(c.Request.Context(), currentUserID(c), request.UserID, request.AccountType)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, decision)
}

func (h *httpHandler) handleRejectAccount(c *gin.Context) {
	var request accountDecisionRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		respondInvalidRequest(c, err)
		return
	}
	decision, err := h.admin.RejectAccount(c.Request.Context(), currentUserID(c), request.UserID, request.AccountType, request.Reason)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, decision)
}

type adminOrdersQuery struct {
	Status        string `form:"status" binding:"omitempty,orderstatus"`
	PaymentStatus string `form:"paymentStatus" binding:"omitempty,paymentstatus"`
	Search        string `form:"q" binding:"max=100"`
	Offset        int    `form:"offset" binding:"min=0"`
	Limit         int    `form:"limit" binding:"min=0"`
}

func (h *httpHandler) handleAdminOrders(c *gin.Context) {
	var query adminOrdersQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		respondInvalidRequest(c, err)
		return
	}
	page, err := h.orders.AdminList(c.Request.Context(), orders.AdminFilter{
		Status:        query.Status,
		PaymentStatus: query.PaymentStatus,
		Search:        query.Search,
		Offset:        query.Offset,
		Limit:         query.Limit,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

type orderStatusRequest struct {
	Status string `json:"status" binding:"required,orderstatus"`
}

func (h *httpHandler) handleAdminOrderStatus(c *gin.Context) {
	var request orderStatusRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		respondInvalidRequest(c, err)
		return
	}
	order, err := h.orders.AdminUpdateStatus(c.Request.Context(), currentUserID(c), c.Param("id"), request.Status)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

type adminSubscribersQuery struct {
	Status string `form:"status" binding:"omitempty,oneof=active unsubscribed"`
	Offset int    `form:"offset" binding:"min=0"`
	Limit  int    `form:"limit" binding:"min=0"`
}

func (h *httpHandler) handleAdminSubscribers(c *gin.Context) {
	var query adminSubscribersQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		respondInvalidRequest(c, err)
		return
	}
	page, err := h.subscriptions.AdminList(c.Request.Context(), query.Status, query.Offset, query.Limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

type sendNotificationRequest struct {
	Title        string   `json:"title" binding:"required,max=120"`
	Message      string   `json:"message" binding:"required,max=2000"`
	Kind         string   `json:"kind"`
	Link         string   `json:"link" binding:"omitempty,max=500"`
	RecipientIDs []string `json:"recipientIds" binding:"required_without=Broadcast"`
	Broadcast    bool     `json:"broadcast"`
}

func (h *httpHandler) handleAdminSendNotification(c *gin.Context) {
	var request sendNotificationRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		respondInvalidRequest(c, err)
		return
	}
	result, err := h.notifications.Send(c.Request.Context(), notifications.Message{
		Title:        request.Title,
		Message:      request.Message,
		Kind:         notifications.Kind(request.Kind),
		Link:         request.Link,
		RecipientIDs: request.RecipientIDs,
		Broadcast:    request.Broadcast,
		SentBy:       currentUserID(c),
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (h *httpHandler) handlePendingReviews(c *gin.Context) {
	reviews, err := h.catalog.PendingReviews(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reviews": reviews})
}

type moderateReviewRequest struct {
	Approve *bool `json:"approve" binding:"required"`
}

func (h *httpHandler) handleModerateReview(c *gin.Context) {
	var request moderateReviewRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		respondInvalidRequest(c, err)
		return
	}
	review, err := h.catalog.AdminModerateReview(c.Request.Context(), currentUserID(c), c.Param("id"), *request.Approve)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, review)
}

func (h *httpHandler) handleInvalidateCatalog(c *gin.Context) {
	if err := h.catalog.InvalidateCatalog(c.Request.Context()); err != nil {
		logging.FromContext(c, h.logger).Error("catalog cache invalidation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "invalidation_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}
