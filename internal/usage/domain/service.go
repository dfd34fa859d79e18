package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	entitlementdomain "github.com/smallbiznis/railgate/internal/entitlement/domain"
	"github.com/smallbiznis/railgate/pkg/db/option"
	"github.com/smallbiznis/railgate/pkg/db/pagination"
	"gorm.io/gorm"
)

const MaxRequestsPerCall = 10000

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, log *UsageLog) error
	List(ctx context.Context, db *gorm.DB, filter UsageLog, opts ...option.QueryOption) ([]*UsageLog, error)
	SumRequests(ctx context.Context, db *gorm.DB, entitlementID snowflake.ID) (int64, error)
	// IncrementQuota adds n to quota_used only while the entitlement is
	// active, inside its window and n still fits under the limit.
	IncrementQuota(ctx context.Context, db *gorm.DB, req IncrementQuota) (int64, error)
}

type IncrementQuota struct {
	EntitlementID snowflake.ID
	UserID        string
	ServiceID     string
	Requests      int64
	Now           time.Time
}

type Service interface {
	// Track atomically consumes quota and appends the ledger entry. Either
	// both happen or neither does.
	Track(ctx context.Context, req TrackRequest) (TrackResult, error)
	List(ctx context.Context, req ListRequest) (ListResponse, error)
	Reconcile(ctx context.Context, entitlementID string) (Reconciliation, error)
}

type TrackRequest struct {
	EntitlementID string `json:"entitlement_id" binding:"required"`
	UserID        string `json:"user_id" binding:"required"`
	ServiceID     string `json:"service_id" binding:"required"`
	Endpoint      string `json:"endpoint" binding:"required"`
	RequestsCount int64  `json:"requests_count" binding:"omitempty,gte=1,lte=10000"`
	IPAddress     string `json:"ip_address,omitempty"`
	UserAgent     string `json:"user_agent,omitempty"`
}

type TrackResult struct {
	Entry          *UsageLog `json:"entry"`
	QuotaUsed      int64     `json:"quota_used"`
	QuotaLimit     int64     `json:"quota_limit"`
	QuotaRemaining int64     `json:"quota_remaining"`
	PercentageUsed float64   `json:"percentage_used"`
	Warning        string    `json:"warning,omitempty"`
}

type ListRequest struct {
	EntitlementID string `form:"entitlement_id"`
	UserID        string `form:"user_id"`
	ServiceID     string `form:"service_id"`
	pagination.Pagination
}

type ListResponse struct {
	UsageLogs []*UsageLog          `json:"usage_logs"`
	PageInfo  pagination.PageInfo `json:"page_info"`
}

type Reconciliation struct {
	EntitlementID snowflake.ID `json:"entitlement_id"`
	QuotaUsed     int64        `json:"quota_used"`
	QuotaLimit    int64        `json:"quota_limit"`
	LedgerTotal   int64        `json:"ledger_total"`
	Drift         int64        `json:"drift"`
	Consistent    bool         `json:"consistent"`
}

var (
	ErrInvalidEntitlementID = errors.New("invalid_entitlement_id")
	ErrInvalidUserID        = errors.New("invalid_user_id")
	ErrInvalidServiceID     = errors.New("invalid_service_id")
	ErrInvalidEndpoint      = errors.New("invalid_endpoint")
	ErrInvalidRequestsCount = errors.New("invalid_requests_count")
	ErrMissingFilter        = errors.New("missing_filter")

	// Entitlement-state failures are shared with the entitlement domain so
	// callers map them the same way regardless of which path produced them.
	ErrQuotaExceeded       = entitlementdomain.ErrQuotaExceeded
	ErrNotFound            = entitlementdomain.ErrNotFound
	ErrEntitlementInactive = entitlementdomain.ErrEntitlementInactive
	ErrEntitlementExpired  = entitlementdomain.ErrEntitlementExpired
	ErrNotStarted          = entitlementdomain.ErrNotStarted
	ErrEntitlementMismatch = entitlementdomain.ErrEntitlementMismatch
)
