package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dangson92/licensegate/internal/monitoring"
	"github.com/dangson92/licensegate/pkg/response"
)

// Health evaluates every registered probe and reports the aggregate status.
// Anything short of fully healthy answers 503 so load balancers stop routing.
func Health(registry *monitoring.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		report := registry.Evaluate(c.Request.Context())

		code := http.StatusOK
		if !report.Healthy {
			code = http.StatusServiceUnavailable
		}
		response.Success(c, code, report)
	}
}
