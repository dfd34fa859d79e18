package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	usagedomain "github.com/smallbiznis/railgate/internal/usage/domain"
)

// TrackUsage records a completed call. A rejected track surfaces as the
// entitlement reason (QUOTA_EXCEEDED is 429), never as a generic 500.
func (s *Server) TrackUsage(c *gin.Context) {
	var req usagedomain.TrackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, bindingError(err))
		return
	}
	if strings.TrimSpace(req.IPAddress) == "" {
		req.IPAddress = c.ClientIP()
	}
	if strings.TrimSpace(req.UserAgent) == "" {
		req.UserAgent = c.Request.UserAgent()
	}

	res, err := s.usageSvc.Track(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) ListUsage(c *gin.Context) {
	var req usagedomain.ListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		AbortWithError(c, bindingError(err))
		return
	}

	res, err := s.usageSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) ReconcileUsage(c *gin.Context) {
	res, err := s.usageSvc.Reconcile(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
