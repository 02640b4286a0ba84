package handlers

import (
	"strings"

	"github.com/gin-gonic/gin"

	iauth "github.com/dangson92/licensegate/internal/auth"
	"github.com/dangson92/licensegate/internal/realtime"
	"github.com/dangson92/licensegate/pkg/errors"
	"github.com/dangson92/licensegate/pkg/response"
)

// RealtimeHandler upgrades HTTP connections into authenticated WebSocket streams.
type RealtimeHandler struct {
	hub *realtime.Hub
	jwt *iauth.JWTService
}

// NewRealtimeHandler constructs a realtime handler.
func NewRealtimeHandler(hub *realtime.Hub, jwt *iauth.JWTService) *RealtimeHandler {
	return &RealtimeHandler{hub: hub, jwt: jwt}
}

// Stream validates the caller and upgrades the request to the realtime hub.
// Browsers cannot set headers on WebSocket dials, so the token is also
// accepted as a query parameter.
func (h *RealtimeHandler) Stream(c *gin.Context) {
	if h.jwt == nil || h.hub == nil {
		response.Error(c, errors.ErrNotFound)
		return
	}

	token := strings.TrimSpace(c.Query("token"))
	if token == "" {
		authz := c.GetHeader("Authorization")
		if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			token = strings.TrimSpace(authz[7:])
		}
	}
	if token == "" {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	claims, err := h.jwt.ValidateAccessToken(token)
	if err != nil {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	streams := gatherStreams(c)
	if len(streams) == 0 {
		streams = []string{realtime.StreamNotifications}
	}

	h.hub.Serve(claims.UserID, streams, c.Writer, c.Request)
}

func gatherStreams(c *gin.Context) []string {
	var streams []string

	raw := c.Query("streams")
	for _, part := range strings.Split(raw, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		switch part {
		case realtime.StreamNotifications, realtime.StreamLicenses:
			streams = append(streams, part)
		}
	}

	return streams
}
