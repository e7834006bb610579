package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

func newRateLimitRouter(t *testing.T, r rate.Limit, b int, pre ...gin.HandlerFunc) *gin.Engine {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	eng := gin.New()
	eng.Use(pre...)
	eng.Use(RateLimit(ctx, r, b))
	eng.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })
	return eng
}

func hit(r *gin.Engine, ip string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Real-IP", ip)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimit_Burst(t *testing.T) {
	r := newRateLimitRouter(t, 0.5, 3)
	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, hit(r, "10.0.1.1").Code, "request %d should be allowed", i+1)
	}
	w := hit(r, "10.0.1.1")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "2", w.Header().Get("Retry-After"))
}

func TestRateLimit_PerIP(t *testing.T) {
	r := newRateLimitRouter(t, 0.001, 1)
	for _, ip := range []string{"10.1.1.1", "10.1.1.2"} {
		assert.Equal(t, http.StatusOK, hit(r, ip).Code, "first request from %s should be OK", ip)
	}
	assert.Equal(t, http.StatusTooManyRequests, hit(r, "10.1.1.1").Code)
}

func TestRateLimit_KeyedByUser(t *testing.T) {
	// Same user from two addresses shares one bucket.
	asUser := func(c *gin.Context) {
		c.Set(UserIDKey, int64(42))
		c.Next()
	}
	r := newRateLimitRouter(t, 0.001, 1, asUser)
	assert.Equal(t, http.StatusOK, hit(r, "10.2.0.1").Code)
	assert.Equal(t, http.StatusTooManyRequests, hit(r, "10.2.0.2").Code)
}

func TestLimiterSet_Sweep(t *testing.T) {
	s := &limiterSet{r: 1, b: 1, items: make(map[string]*clientLimiter)}
	now := time.Now()
	s.get("old", now.Add(-time.Hour))
	s.get("fresh", now)
	s.sweep(now.Add(-limiterIdle))
	assert.Len(t, s.items, 1)
	assert.Contains(t, s.items, "fresh")
}
