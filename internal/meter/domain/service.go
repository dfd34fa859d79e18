package domain

import (
	"context"
	"errors"
	"time"
)

type Status string

const (
	StatusOK       Status = "ok"
	StatusWarning  Status = "warning"
	StatusExceeded Status = "exceeded"
)

const DefaultTier = "free"

type Service interface {
	RecordUsage(ctx context.Context, req RecordRequest) (UsageMetrics, error)
	CheckQuota(ctx context.Context, req QuotaRequest) (UsageMetrics, error)
	// EnforceQuota records the units unless the feature is already at or
	// over its limit, in which case nothing is written.
	EnforceQuota(ctx context.Context, req RecordRequest) (EnforceResult, error)
	History(ctx context.Context, req HistoryRequest) (HistoryResult, error)
	SetTier(ctx context.Context, userID, tier string) error
	Tier(ctx context.Context, userID string) (string, error)
}

type RecordRequest struct {
	UserID     string             `json:"user_id" binding:"required"`
	Feature    string             `json:"feature" binding:"required"`
	Units      float64            `json:"units" binding:"required,gt=0"`
	TierLimits map[string]float64 `json:"tier_limits,omitempty"`
}

type QuotaRequest struct {
	UserID     string             `json:"user_id" binding:"required"`
	Feature    string             `json:"feature" binding:"required"`
	TierLimits map[string]float64 `json:"tier_limits,omitempty"`
}

type HistoryRequest struct {
	UserID  string `form:"user_id" binding:"required"`
	Feature string `form:"feature" binding:"required"`
	Days    int    `form:"days,default=30" binding:"gte=1,lte=365"`
}

type UsageMetrics struct {
	UserID     string    `json:"user_id"`
	Feature    string    `json:"feature"`
	Tier       string    `json:"tier"`
	Usage      float64   `json:"usage"`
	Limit      float64   `json:"limit"`
	Percentage float64   `json:"percentage"`
	ResetDate  time.Time `json:"reset_date"`
	Status     Status    `json:"status"`
}

type EnforceResult struct {
	Allowed bool         `json:"allowed"`
	Metrics UsageMetrics `json:"metrics"`
}

type HistoryEntry struct {
	Units     float64   `json:"units"`
	Timestamp time.Time `json:"ts"`
}

type HistoryResult struct {
	UserID  string         `json:"user_id"`
	Feature string         `json:"feature"`
	Days    int            `json:"days"`
	Total   float64        `json:"total"`
	Entries []HistoryEntry `json:"entries"`
}

var (
	ErrInvalidUserID  = errors.New("invalid_user_id")
	ErrInvalidFeature = errors.New("invalid_feature")
	ErrInvalidUnits   = errors.New("invalid_units")
	ErrInvalidTier    = errors.New("invalid_tier")
	ErrInvalidDays    = errors.New("invalid_days")
)
