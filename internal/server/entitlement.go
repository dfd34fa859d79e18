package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	entitlementdomain "github.com/smallbiznis/railgate/internal/entitlement/domain"
	"github.com/smallbiznis/railgate/internal/observability/logger"
)

type subjectRequest struct {
	UserID    string `json:"user_id" form:"user_id" binding:"required"`
	ServiceID string `json:"service_id" form:"service_id" binding:"required"`
}

// VerifyEntitlement answers with the decision's own status code so callers
// can forward it: 200 allowed, 429 quota exhausted, 403 otherwise.
func (s *Server) VerifyEntitlement(c *gin.Context) {
	var req subjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, bindingError(err))
		return
	}

	res, err := s.entitlementSvc.Verify(c.Request.Context(), req.UserID, req.ServiceID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.Set(logger.ContextKeyDecision, string(res.Reason))
	c.JSON(res.StatusCode, res)
}

func (s *Server) DiagnoseEntitlement(c *gin.Context) {
	var req subjectRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		AbortWithError(c, bindingError(err))
		return
	}

	diag, err := s.entitlementSvc.Diagnose(c.Request.Context(), req.UserID, req.ServiceID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, diag)
}

func (s *Server) GrantEntitlement(c *gin.Context) {
	var req entitlementdomain.GrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, bindingError(err))
		return
	}

	res, err := s.entitlementSvc.Grant(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	c.JSON(status, res)
}

func (s *Server) GetEntitlement(c *gin.Context) {
	e, err := s.entitlementSvc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

func (s *Server) ListUserEntitlements(c *gin.Context) {
	var req entitlementdomain.ListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		AbortWithError(c, bindingError(err))
		return
	}
	req.UserID = strings.TrimSpace(c.Param("user_id"))

	res, err := s.entitlementSvc.ListByUser(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) CancelEntitlement(c *gin.Context) {
	e, err := s.entitlementSvc.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

func (s *Server) AdjustQuota(c *gin.Context) {
	var req entitlementdomain.AdjustQuotaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, bindingError(err))
		return
	}
	req.EntitlementID = c.Param("id")

	res, err := s.entitlementSvc.AdjustQuota(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
