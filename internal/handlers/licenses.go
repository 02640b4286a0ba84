package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/dangson92/licensegate/internal/services"
	"github.com/dangson92/licensegate/pkg/errors"
	"github.com/dangson92/licensegate/pkg/response"
)

// LicenseHandler exposes the administrator license management endpoints.
type LicenseHandler struct {
	service *services.LicenseService
}

// NewLicenseHandler constructs a license handler.
func NewLicenseHandler(db *gorm.DB) (*LicenseHandler, error) {
	service, err := services.NewLicenseService(db)
	if err != nil {
		return nil, err
	}
	return &LicenseHandler{service: service}, nil
}

type issueLicenseRequest struct {
	AppID      string     `json:"app_id" binding:"required"`
	OwnerEmail string     `json:"owner_email" binding:"required,email"`
	OwnerName  string     `json:"owner_name"`
	MaxDevices int        `json:"max_devices" binding:"required,gt=0"`
	ExpiresAt  *time.Time `json:"expires_at"`
}

// Issue creates a new license with a generated key.
func (h *LicenseHandler) Issue(c *gin.Context) {
	var req issueLicenseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, errors.NewBadRequest("app_id, owner_email and a positive max_devices are required"))
		return
	}

	dto, err := h.service.Issue(c.Request.Context(), services.IssueLicenseInput{
		AppID:      req.AppID,
		OwnerEmail: req.OwnerEmail,
		OwnerName:  req.OwnerName,
		MaxDevices: req.MaxDevices,
		ExpiresAt:  req.ExpiresAt,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusCreated, dto)
}

// List returns one page of licenses, optionally filtered by app.
func (h *LicenseHandler) List(c *gin.Context) {
	limit := parseIntQuery(c, "limit", 25)
	if limit <= 0 || limit > 100 {
		limit = 25
	}
	offset := parseIntQuery(c, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	items, total, err := h.service.List(c.Request.Context(), services.ListLicensesInput{
		AppID:  strings.TrimSpace(c.Query("app_id")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.SuccessWithMeta(c, http.StatusOK, items, response.NewMeta(limit, offset, total))
}

// Get returns a single license.
func (h *LicenseHandler) Get(c *gin.Context) {
	dto, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, dto)
}

// Revoke permanently disables a license.
func (h *LicenseHandler) Revoke(c *gin.Context) {
	dto, err := h.service.Revoke(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, dto)
}

type extendLicenseRequest struct {
	ExpiresAt *time.Time `json:"expires_at"`
}

// Extend moves the license expiry, or clears it when expires_at is null.
func (h *LicenseHandler) Extend(c *gin.Context) {
	var req extendLicenseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, errors.NewBadRequest("expires_at must be an RFC 3339 timestamp or null"))
		return
	}

	dto, err := h.service.Extend(c.Request.Context(), c.Param("id"), req.ExpiresAt)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, dto)
}

// Delete removes a license and all of its activations.
func (h *LicenseHandler) Delete(c *gin.Context) {
	if err := h.service.Delete(c.Request.Context(), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"deleted": true})
}

// ListActivations returns the device bindings for a license.
func (h *LicenseHandler) ListActivations(c *gin.Context) {
	items, err := h.service.ListActivations(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, items)
}

// RemoveActivation deletes one device binding, freeing its slot.
func (h *LicenseHandler) RemoveActivation(c *gin.Context) {
	if err := h.service.RemoveActivation(c.Request.Context(), c.Param("id"), c.Param("activationId")); err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"removed": true})
}
