package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/dangson92/licensegate/internal/services"
	"github.com/dangson92/licensegate/pkg/errors"
	"github.com/dangson92/licensegate/pkg/response"
)

// AppHandler exposes the application registry endpoints.
type AppHandler struct {
	service *services.AppService
}

// NewAppHandler constructs an app handler.
func NewAppHandler(db *gorm.DB) (*AppHandler, error) {
	service, err := services.NewAppService(db)
	if err != nil {
		return nil, err
	}
	registerBindingRules()
	return &AppHandler{service: service}, nil
}

type createAppRequest struct {
	Code string `json:"code" binding:"required,app_code"`
	Name string `json:"name" binding:"required"`
}

// Create registers a new application.
func (h *AppHandler) Create(c *gin.Context) {
	var req createAppRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, errors.NewBadRequest("code and name are required; codes are lowercase letters, digits, dashes"))
		return
	}

	app, err := h.service.Create(c.Request.Context(), services.CreateAppInput{
		Code: req.Code,
		Name: req.Name,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusCreated, app)
}

// List returns all registered applications.
func (h *AppHandler) List(c *gin.Context) {
	apps, err := h.service.List(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, apps)
}
