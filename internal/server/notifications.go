package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/shopcart/internal/logging"
)

const (
	streamEventConnected = "connected"
	streamEventHeartbeat = "heartbeat"
)

type listNotificationsQuery struct {
	Unread bool `form:"unread"`
	Limit  int  `form:"limit" binding:"omitempty,min=1,max=200"`
}

func (h *httpHandler) handleListNotifications(c *gin.Context) {
	var query listNotificationsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		respondInvalidRequest(c, err)
		return
	}
	list, err := h.notifications.List(c.Request.Context(), currentUserID(c), query.Unread, query.Limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": list})
}

type markReadRequest struct {
	IDs []string `json:"ids" binding:"required_without=All,max=200"`
	All bool     `json:"all"`
}

func (h *httpHandler) handleMarkNotificationsRead(c *gin.Context) {
	var request markReadRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		respondInvalidRequest(c, err)
		return
	}
	var (
		updated int
		err     error
	)
	if request.All {
		updated, err = h.notifications.MarkAllRead(c.Request.Context(), currentUserID(c))
	} else {
		updated, err = h.notifications.MarkRead(c.Request.Context(), currentUserID(c), request.IDs)
	}
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": updated})
}

func (h *httpHandler) handleDeleteNotification(c *gin.Context) {
	if err := h.notifications.Delete(c.Request.Context(), currentUserID(c), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleNotificationStream pushes notification events over server-sent events
// until the client disconnects.
func (h *httpHandler) handleNotificationStream(c *gin.Context) {
	userID := currentUserID(c)
	logger := logging.FromContext(c, h.logger).With(zap.String("user_id", userID))
	ctx := c.Request.Context()

	events, cleanup := h.notifications.Dispatcher().Subscribe(ctx, userID)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	c.SSEvent(streamEventConnected, gin.H{"timestamp": time.Now().UTC()})
	c.Writer.Flush()
	logger.Debug("notification stream opened")

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("notification stream closed")
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			c.SSEvent(event.Type, event)
			c.Writer.Flush()
		case tick := <-ticker.C:
			c.SSEvent(streamEventHeartbeat, gin.H{"timestamp": tick.UTC()})
			c.Writer.Flush()
		}
	}
}
