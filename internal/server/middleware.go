package server

import (
	"math"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/railgate/internal/observability/context"
	"github.com/smallbiznis/railgate/internal/observability/logger"
	"github.com/smallbiznis/railgate/internal/ratelimit"
	"go.uber.org/zap"
)

const (
	HeaderActorID   = "X-Actor-Id"
	HeaderActorRole = "X-Actor-Role"

	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
	HeaderRetryAfter         = "Retry-After"
)

// ActorContext copies the actor identity asserted by the upstream session
// layer into the request context. Missing headers leave the request
// anonymous; routes that need an actor reject it later.
func (s *Server) ActorContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(HeaderActorID))
		role := strings.ToLower(strings.TrimSpace(c.GetHeader(HeaderActorRole)))
		if id != "" && role != "" {
			ctx := obscontext.WithActor(c.Request.Context(), role, id)
			c.Request = c.Request.WithContext(ctx)
		}
		c.Next()
	}
}

func (s *Server) RequirePermission(object, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.authzSvc.Authorize(c.Request.Context(), object, action); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}

// ClientRateLimit applies one token bucket per client in front of every API
// route. The limiter fails open, so a counter store outage never blocks.
func (s *Server) ClientRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		cfg := s.cfg.RateLimit
		if s.limiter == nil || !cfg.Enabled {
			c.Next()
			return
		}

		ctx := ratelimit.WithScope(c.Request.Context(), "global")
		res, err := s.limiter.CheckRateLimit(ctx, clientKey(c), cfg.Burst, cfg.RequestsPerSecond)
		if err != nil {
			logger.FromContext(ctx).Warn("client rate limit misconfigured", zap.Error(err))
			c.Next()
			return
		}

		writeRateLimitHeaders(c, res)
		if !res.Allowed {
			logger.FromContext(ctx).Debug("client rate limited",
				zap.String("route", normalizeRateLimitEndpoint(c)),
			)
			AbortWithError(c, ErrRateLimited)
			return
		}
		c.Next()
	}
}

func clientKey(c *gin.Context) string {
	if _, id := obscontext.ActorFromContext(c.Request.Context()); id != "" {
		return "actor:" + id
	}
	return "ip:" + c.ClientIP()
}

func writeRateLimitHeaders(c *gin.Context, res ratelimit.Result) {
	c.Header(HeaderRateLimitLimit, strconv.Itoa(res.Limit))
	c.Header(HeaderRateLimitRemaining, strconv.Itoa(res.Remaining))
	if !res.ResetAt.IsZero() {
		c.Header(HeaderRateLimitReset, strconv.FormatInt(res.ResetAt.Unix(), 10))
	}
	if !res.Allowed {
		secs := int(math.Ceil(res.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		c.Header(HeaderRetryAfter, strconv.Itoa(secs))
	}
}

func normalizeRateLimitEndpoint(c *gin.Context) string {
	if c == nil {
		return "unknown"
	}
	endpoint := strings.TrimSpace(c.FullPath())
	if endpoint == "" {
		endpoint = strings.TrimSpace(c.Request.URL.Path)
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	return endpoint
}
