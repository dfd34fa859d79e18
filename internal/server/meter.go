package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	meterdomain "github.com/smallbiznis/railgate/internal/meter/domain"
)

type setTierRequest struct {
	Tier string `json:"tier" binding:"required"`
}

type tierResponse struct {
	UserID string `json:"user_id"`
	Tier   string `json:"tier"`
}

func (s *Server) RecordMeterUsage(c *gin.Context) {
	var req meterdomain.RecordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, bindingError(err))
		return
	}

	res, err := s.meterSvc.RecordUsage(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) CheckMeterQuota(c *gin.Context) {
	var req meterdomain.QuotaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, bindingError(err))
		return
	}

	res, err := s.meterSvc.CheckQuota(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) EnforceMeterQuota(c *gin.Context) {
	var req meterdomain.RecordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, bindingError(err))
		return
	}

	res, err := s.meterSvc.EnforceQuota(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	status := http.StatusOK
	if !res.Allowed {
		status = http.StatusTooManyRequests
	}
	c.JSON(status, res)
}

func (s *Server) MeterHistory(c *gin.Context) {
	var req meterdomain.HistoryRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		AbortWithError(c, bindingError(err))
		return
	}

	res, err := s.meterSvc.History(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) SetMeterTier(c *gin.Context) {
	var req setTierRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, bindingError(err))
		return
	}

	userID := c.Param("user_id")
	if err := s.meterSvc.SetTier(c.Request.Context(), userID, req.Tier); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, tierResponse{UserID: userID, Tier: strings.ToLower(strings.TrimSpace(req.Tier))})
}

func (s *Server) GetMeterTier(c *gin.Context) {
	userID := c.Param("user_id")
	tier, err := s.meterSvc.Tier(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, tierResponse{UserID: userID, Tier: tier})
}
