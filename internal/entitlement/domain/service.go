package domain

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/railgate/pkg/db/pagination"
)

type ReasonCode string

const (
	ReasonAllowed               ReasonCode = "ALLOWED"
	ReasonNoEntitlement         ReasonCode = "NO_ENTITLEMENT"
	ReasonEntitlementInactive   ReasonCode = "ENTITLEMENT_INACTIVE"
	ReasonEntitlementExpired    ReasonCode = "ENTITLEMENT_EXPIRED"
	ReasonEntitlementNotStarted ReasonCode = "ENTITLEMENT_NOT_STARTED"
	ReasonQuotaExceeded         ReasonCode = "QUOTA_EXCEEDED"
)

// StatusCode is the HTTP status a caller should surface for the reason.
// Quota exhaustion is retryable, every other denial is not.
func (r ReasonCode) StatusCode() int {
	switch r {
	case ReasonAllowed:
		return http.StatusOK
	case ReasonQuotaExceeded:
		return http.StatusTooManyRequests
	default:
		return http.StatusForbidden
	}
}

func (r ReasonCode) Message() string {
	switch r {
	case ReasonAllowed:
		return "access granted"
	case ReasonNoEntitlement:
		return "no entitlement for this service"
	case ReasonEntitlementInactive:
		return "entitlement has been cancelled"
	case ReasonEntitlementExpired:
		return "entitlement has expired"
	case ReasonEntitlementNotStarted:
		return "entitlement is not active yet"
	case ReasonQuotaExceeded:
		return "quota exhausted"
	default:
		return string(r)
	}
}

type AdjustmentReason string

const (
	AdjustmentGoodwill   AdjustmentReason = "goodwill"
	AdjustmentCorrection AdjustmentReason = "correction"
	AdjustmentUpgrade    AdjustmentReason = "upgrade"
	AdjustmentDowngrade  AdjustmentReason = "downgrade"
	AdjustmentAbuse      AdjustmentReason = "abuse"
)

func (r AdjustmentReason) Valid() bool {
	switch r {
	case AdjustmentGoodwill, AdjustmentCorrection, AdjustmentUpgrade, AdjustmentDowngrade, AdjustmentAbuse:
		return true
	default:
		return false
	}
}

const (
	MaxNotesLength  = 500
	DefaultValidity = 30 * 24 * time.Hour
)

type Service interface {
	// Verify decides whether userID may call serviceID. It may write: an
	// active row found past its window is deactivated before any quota
	// check. Denials are results; only persistence failures are errors.
	Verify(ctx context.Context, userID, serviceID string) (VerificationResult, error)
	// Diagnose explains the state of the most recent entitlement without
	// writing anything.
	Diagnose(ctx context.Context, userID, serviceID string) (Diagnosis, error)
	Grant(ctx context.Context, req GrantRequest) (GrantResult, error)
	Get(ctx context.Context, id string) (*Entitlement, error)
	ListByUser(ctx context.Context, req ListRequest) (ListResponse, error)
	Cancel(ctx context.Context, id string) (*Entitlement, error)
	AdjustQuota(ctx context.Context, req AdjustQuotaRequest) (AdjustQuotaResult, error)
	SweepExpired(ctx context.Context) (int, error)
}

type VerificationResult struct {
	Allowed        bool          `json:"allowed"`
	EntitlementID  *snowflake.ID `json:"entitlement_id,omitempty"`
	QuotaRemaining *int64        `json:"quota_remaining,omitempty"`
	Reason         ReasonCode    `json:"reason"`
	Message        string        `json:"message"`
	StatusCode     int           `json:"status_code"`
}

type Diagnosis struct {
	Reason      ReasonCode   `json:"reason"`
	Message     string       `json:"message"`
	Entitlement *Entitlement `json:"entitlement,omitempty"`
}

type GrantRequest struct {
	UserID      string      `json:"user_id" binding:"required"`
	ServiceID   string      `json:"service_id" binding:"required"`
	PaymentID   string      `json:"payment_id" binding:"required"`
	PricingTier PricingTier `json:"pricing_tier" binding:"required"`
	QuotaLimit  int64       `json:"quota_limit" binding:"gte=0"`
	ValidFrom   *time.Time  `json:"valid_from,omitempty"`
	ValidUntil  *time.Time  `json:"valid_until,omitempty"`
	TokenType   string      `json:"token_type,omitempty"`
	AmountPaid  string      `json:"amount_paid,omitempty"`
	TxDigest    string      `json:"tx_digest,omitempty"`
}

type GrantResult struct {
	Entitlement *Entitlement `json:"entitlement"`
	Created     bool         `json:"created"`
}

type ListRequest struct {
	UserID     string `form:"-"`
	ServiceID  string `form:"service_id"`
	ActiveOnly bool   `form:"active"`
	pagination.Pagination
}

type ListResponse struct {
	Entitlements []*Entitlement       `json:"entitlements"`
	PageInfo     pagination.PageInfo `json:"page_info"`
}

type AdjustQuotaRequest struct {
	EntitlementID string           `json:"-"`
	Delta         int64            `json:"delta" binding:"required"`
	Reason        AdjustmentReason `json:"reason" binding:"required"`
	Notes         string           `json:"notes,omitempty" binding:"max=500"`
}

type AdjustQuotaResult struct {
	Entitlement *Entitlement     `json:"entitlement"`
	Adjustment  *QuotaAdjustment `json:"adjustment"`
}

var (
	ErrNotFound           = errors.New("not_found")
	ErrInvalidID          = errors.New("invalid_id")
	ErrInvalidUserID      = errors.New("invalid_user_id")
	ErrInvalidServiceID   = errors.New("invalid_service_id")
	ErrInvalidPaymentID   = errors.New("invalid_payment_id")
	ErrInvalidPricingTier = errors.New("invalid_pricing_tier")
	ErrInvalidQuotaLimit  = errors.New("invalid_quota_limit")
	ErrInvalidWindow      = errors.New("invalid_validity_window")
	ErrPaymentConflict    = errors.New("payment_already_bound")
	ErrAlreadyInactive    = errors.New("entitlement_already_inactive")
	ErrInvalidDelta       = errors.New("invalid_delta")
	ErrInvalidReason      = errors.New("invalid_adjustment_reason")
	ErrNotesTooLong       = errors.New("notes_too_long")
	ErrNegativeQuota      = errors.New("quota_limit_negative")
	ErrQuotaBelowUsage    = errors.New("quota_limit_below_usage")
	ErrMissingActor       = errors.New("missing_actor")

	ErrQuotaExceeded       = errors.New("quota_exceeded")
	ErrEntitlementInactive = errors.New("entitlement_inactive")
	ErrEntitlementExpired  = errors.New("entitlement_expired")
	ErrNotStarted          = errors.New("entitlement_not_started")
	ErrEntitlementMismatch = errors.New("entitlement_mismatch")
)
