package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	iauth "github.com/dangson92/licensegate/internal/auth"
	"github.com/dangson92/licensegate/internal/middleware"
	"github.com/dangson92/licensegate/internal/services"
	"github.com/dangson92/licensegate/pkg/errors"
	"github.com/dangson92/licensegate/pkg/response"
)

// AuthHandler exposes the administrator login surface.
type AuthHandler struct {
	service *services.AuthService
}

// NewAuthHandler constructs an auth handler.
func NewAuthHandler(db *gorm.DB, jwt *iauth.JWTService) (*AuthHandler, error) {
	service, err := services.NewAuthService(db, jwt)
	if err != nil {
		return nil, err
	}
	return &AuthHandler{service: service}, nil
}

type loginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// Login validates credentials and returns an admin session token.
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, errors.NewBadRequest("email and password are required"))
		return
	}

	result, err := h.service.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, result)
}

// Me returns the authenticated administrator profile.
func (h *AuthHandler) Me(c *gin.Context) {
	userID := c.GetString(middleware.CtxUserIDKey)
	if userID == "" {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	user, err := h.service.GetUser(c.Request.Context(), userID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, user)
}
