package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/dangson92/licensegate/internal/licensing"
	"github.com/dangson92/licensegate/internal/services"
	"github.com/dangson92/licensegate/internal/token"
	"github.com/dangson92/licensegate/pkg/errors"
	"github.com/dangson92/licensegate/pkg/response"
)

// ActivationHandler exposes the client-facing activation and check-in endpoints.
type ActivationHandler struct {
	service *services.ActivationService
}

// NewActivationHandler constructs an activation handler.
func NewActivationHandler(db *gorm.DB, tokens *token.Service, hasher *licensing.Hasher) (*ActivationHandler, error) {
	service, err := services.NewActivationService(db, tokens, hasher)
	if err != nil {
		return nil, err
	}
	return &ActivationHandler{service: service}, nil
}

type activateRequest struct {
	LicenseKey string `json:"license_key" binding:"required"`
	AppCode    string `json:"app_code" binding:"required"`
	DeviceID   string `json:"device_id" binding:"required"`
	AppVersion string `json:"app_version"`
}

// Activate admits a device onto a license and returns a signed bearer token.
func (h *ActivationHandler) Activate(c *gin.Context) {
	var req activateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, errors.ErrInvalidInput)
		return
	}

	result, err := h.service.Activate(c.Request.Context(), services.ActivateInput{
		LicenseKey:        req.LicenseKey,
		AppCode:           req.AppCode,
		DeviceFingerprint: req.DeviceID,
		AppVersion:        req.AppVersion,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, result)
}

type checkInRequest struct {
	Token      string `json:"token" binding:"required"`
	AppCode    string `json:"app_code" binding:"required"`
	DeviceID   string `json:"device_id" binding:"required"`
	AppVersion string `json:"app_version"`
}

// checkInHTTPStatus maps check-in outcomes onto HTTP codes. Every outcome is
// still a structured body; the code is advisory for clients that only look at
// status lines.
var checkInHTTPStatus = map[string]int{
	services.CheckInStatusActive:          http.StatusOK,
	services.CheckInStatusInvalidToken:    http.StatusUnauthorized,
	services.CheckInStatusAppCodeMismatch: http.StatusBadRequest,
	services.CheckInStatusDeviceMismatch:  http.StatusForbidden,
	services.CheckInStatusDeviceRemoved:   http.StatusNotFound,
	services.CheckInStatusDeviceInactive:  http.StatusForbidden,
	services.CheckInStatusLicenseInactive: http.StatusForbidden,
	services.CheckInStatusLicenseExpired:  http.StatusForbidden,
}

// CheckIn re-validates a device binding and rotates its token.
func (h *ActivationHandler) CheckIn(c *gin.Context) {
	var req checkInRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, errors.ErrInvalidInput)
		return
	}

	result, err := h.service.CheckIn(c.Request.Context(), services.CheckInInput{
		Token:             req.Token,
		AppCode:           req.AppCode,
		DeviceFingerprint: req.DeviceID,
		AppVersion:        req.AppVersion,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	status, ok := checkInHTTPStatus[result.Status]
	if !ok {
		status = http.StatusOK
	}
	response.Success(c, status, result)
}
