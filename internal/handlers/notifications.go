package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/dangson92/licensegate/internal/middleware"
	"github.com/dangson92/licensegate/internal/realtime"
	"github.com/dangson92/licensegate/internal/services"
	"github.com/dangson92/licensegate/pkg/errors"
	"github.com/dangson92/licensegate/pkg/response"
)

// NotificationHandler exposes HTTP endpoints for admin notifications.
type NotificationHandler struct {
	service *services.NotificationService
}

// NewNotificationHandler constructs a notification handler.
func NewNotificationHandler(db *gorm.DB, hub *realtime.Hub) (*NotificationHandler, error) {
	service, err := services.NewNotificationService(db, hub)
	if err != nil {
		return nil, err
	}
	return &NotificationHandler{service: service}, nil
}

// List returns notifications for the current user.
func (h *NotificationHandler) List(c *gin.Context) {
	userID := c.GetString(middleware.CtxUserIDKey)
	if userID == "" {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	items, err := h.service.ListForUser(c.Request.Context(), services.ListNotificationsInput{
		UserID: userID,
		Limit:  parseIntQuery(c, "limit", 25),
		Offset: parseIntQuery(c, "offset", 0),
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, items)
}

// MarkRead toggles a notification to read.
func (h *NotificationHandler) MarkRead(c *gin.Context) {
	userID := c.GetString(middleware.CtxUserIDKey)
	if userID == "" {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	dto, err := h.service.MarkRead(c.Request.Context(), userID, strings.TrimSpace(c.Param("id")))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, dto)
}
