package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/railgate/internal/ratelimit"
)

type tokenBucketRequest struct {
	Key        string  `json:"key" binding:"required"`
	MaxTokens  int     `json:"max_tokens" binding:"required,gte=1"`
	RefillRate float64 `json:"refill_rate" binding:"required,gt=0"`
}

type fixedWindowRequest struct {
	Key           string `json:"key" binding:"required"`
	Limit         int    `json:"limit" binding:"required,gte=1"`
	WindowSeconds int    `json:"window_seconds" binding:"required,gte=1"`
}

func (s *Server) CheckTokenBucket(c *gin.Context) {
	var req tokenBucketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, bindingError(err))
		return
	}

	ctx := ratelimit.WithScope(c.Request.Context(), "api")
	res, err := s.limiter.CheckRateLimit(ctx, req.Key, req.MaxTokens, req.RefillRate)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondRateLimit(c, res)
}

func (s *Server) CheckFixedWindow(c *gin.Context) {
	var req fixedWindowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, bindingError(err))
		return
	}

	ctx := ratelimit.WithScope(c.Request.Context(), "api")
	res, err := s.limiter.CheckFixedWindow(ctx, req.Key, req.Limit, req.WindowSeconds)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondRateLimit(c, res)
}

func respondRateLimit(c *gin.Context, res ratelimit.Result) {
	writeRateLimitHeaders(c, res)
	status := http.StatusOK
	if !res.Allowed {
		status = http.StatusTooManyRequests
	}
	c.JSON(status, res)
}
