package response

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/dangson92/licensegate/pkg/errors"
)

// Response is the envelope every JSON endpoint writes. Data and Error are
// mutually exclusive; Meta accompanies paginated listings.
type Response struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *ErrorInfo `json:"error,omitempty"`
	Meta    *Meta      `json:"meta,omitempty"`
}

// ErrorInfo is the client-visible part of a failure.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Meta describes the page a listing endpoint returned.
type Meta struct {
	Page       int `json:"page"`
	PerPage    int `json:"per_page"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

// NewMeta derives pagination metadata from the requested window and the
// total number of matching rows.
func NewMeta(limit, offset int, total int64) *Meta {
	if limit <= 0 {
		limit = 1
	}
	if offset < 0 {
		offset = 0
	}
	return &Meta{
		Page:       offset/limit + 1,
		PerPage:    limit,
		Total:      int(total),
		TotalPages: int((total + int64(limit) - 1) / int64(limit)),
	}
}

// Success writes a success envelope around data.
func Success(c *gin.Context, statusCode int, data any) {
	c.JSON(statusCode, Response{Success: true, Data: data})
}

// SuccessWithMeta writes a success envelope around one page of a listing.
func SuccessWithMeta(c *gin.Context, statusCode int, data any, meta *Meta) {
	c.JSON(statusCode, Response{Success: true, Data: data, Meta: meta})
}

// Error writes a failure envelope. Anything that is not an AppError renders
// as an internal server error so internals never leak to clients.
func Error(c *gin.Context, err error) {
	if err == nil {
		err = apperrors.ErrInternalServer
	}

	appErr := apperrors.FromError(err)
	status := appErr.StatusCode
	if status == 0 {
		status = http.StatusInternalServerError
	}

	c.JSON(status, Response{
		Success: false,
		Error:   &ErrorInfo{Code: appErr.Code, Message: appErr.Message},
	})
}
