package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func TestRateLimitEnforcesWindow(t *testing.T) {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.Use(RateLimit(NewMemoryRateStore(), 2, time.Minute))
	r.POST("/activate", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/activate", nil)
		r.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/activate", nil)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	require.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
}

func TestRateLimitDisabledWithoutStore(t *testing.T) {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.Use(RateLimit(nil, 1, time.Minute))
	r.POST("/activate", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/activate", nil)
		r.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)
	}
}

func TestMemoryRateStoreWindowReset(t *testing.T) {
	store := &memoryRateStore{
		data:  make(map[string]*memoryCounter),
		clock: time.Now,
	}

	count, _ := store.Increment("key", 10*time.Millisecond)
	require.Equal(t, 1, count)
	count, _ = store.Increment("key", 10*time.Millisecond)
	require.Equal(t, 2, count)

	time.Sleep(20 * time.Millisecond)

	count, _ = store.Increment("key", 10*time.Millisecond)
	require.Equal(t, 1, count)
}
