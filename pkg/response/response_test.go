package response

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/dangson92/licensegate/pkg/errors"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func record(t *testing.T, write func(c *gin.Context)) (*httptest.ResponseRecorder, Response) {
	t.Helper()

	rec := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(rec)
	write(ctx)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec, resp
}

func TestSuccessEnvelope(t *testing.T) {
	rec, resp := record(t, func(c *gin.Context) {
		Success(c, http.StatusCreated, gin.H{"id": "abc"})
	})

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.True(t, resp.Success)
	assert.Nil(t, resp.Error)
	assert.Nil(t, resp.Meta)
}

func TestSuccessWithMetaEnvelope(t *testing.T) {
	_, resp := record(t, func(c *gin.Context) {
		SuccessWithMeta(c, http.StatusOK, []string{"a", "b"}, NewMeta(10, 0, 12))
	})

	require.NotNil(t, resp.Meta)
	assert.Equal(t, 12, resp.Meta.Total)
	assert.Equal(t, 2, resp.Meta.TotalPages)
}

func TestNewMeta(t *testing.T) {
	meta := NewMeta(25, 50, 120)
	assert.Equal(t, 3, meta.Page)
	assert.Equal(t, 25, meta.PerPage)
	assert.Equal(t, 120, meta.Total)
	assert.Equal(t, 5, meta.TotalPages)

	empty := NewMeta(25, 0, 0)
	assert.Equal(t, 1, empty.Page)
	assert.Equal(t, 0, empty.TotalPages)

	// A degenerate window never divides by zero.
	degenerate := NewMeta(0, -5, 3)
	assert.Equal(t, 1, degenerate.Page)
	assert.Equal(t, 3, degenerate.TotalPages)
}

func TestErrorRendersAppError(t *testing.T) {
	rec, resp := record(t, func(c *gin.Context) {
		Error(c, apperrors.ErrForbidden)
	})

	assert.Equal(t, apperrors.ErrForbidden.StatusCode, rec.Code)
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, apperrors.ErrForbidden.Code, resp.Error.Code)
}

func TestErrorMasksUnknownError(t *testing.T) {
	rec, resp := record(t, func(c *gin.Context) {
		Error(c, errors.New("database exploded"))
	})

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NotNil(t, resp.Error)
	assert.NotContains(t, resp.Error.Message, "exploded")
}
