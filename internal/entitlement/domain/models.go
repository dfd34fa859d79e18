package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type PricingTier string

const (
	TierFree       PricingTier = "free"
	TierBasic      PricingTier = "basic"
	TierPro        PricingTier = "pro"
	TierEnterprise PricingTier = "enterprise"
)

func (t PricingTier) Valid() bool {
	switch t {
	case TierFree, TierBasic, TierPro, TierEnterprise:
		return true
	default:
		return false
	}
}

type DeactivationReason string

const (
	ReasonNone      DeactivationReason = ""
	ReasonCancelled DeactivationReason = "cancelled"
	ReasonExpired   DeactivationReason = "expired"
)

// Entitlement is one user's purchased access to one service. QuotaUsed is
// authoritative; the usage ledger is derived from it, never the reverse.
type Entitlement struct {
	ID                 snowflake.ID       `json:"id" gorm:"primaryKey"`
	UserID             string             `json:"user_id" gorm:"column:user_id;type:text;not null;index:idx_entitlements_user_service,priority:1"`
	ServiceID          string             `json:"service_id" gorm:"column:service_id;type:text;not null;index:idx_entitlements_user_service,priority:2"`
	PaymentID          string             `json:"payment_id" gorm:"column:payment_id;type:text;not null;uniqueIndex:ux_entitlements_payment_id"`
	PricingTier        PricingTier        `json:"pricing_tier" gorm:"column:pricing_tier;type:text;not null"`
	QuotaLimit         int64              `json:"quota_limit" gorm:"column:quota_limit;not null"`
	QuotaUsed          int64              `json:"quota_used" gorm:"column:quota_used;not null;default:0"`
	ValidFrom          time.Time          `json:"valid_from" gorm:"column:valid_from;not null"`
	ValidUntil         time.Time          `json:"valid_until" gorm:"column:valid_until;not null;index:idx_entitlements_active_until,priority:2"`
	IsActive           bool               `json:"is_active" gorm:"column:is_active;not null;default:true;index:idx_entitlements_active_until,priority:1"`
	DeactivationReason DeactivationReason `json:"deactivation_reason,omitempty" gorm:"column:deactivation_reason;type:text;not null;default:''"`
	TokenType          string             `json:"token_type,omitempty" gorm:"column:token_type;type:text"`
	AmountPaid         string             `json:"amount_paid,omitempty" gorm:"column:amount_paid;type:text"`
	TxDigest           string             `json:"tx_digest,omitempty" gorm:"column:tx_digest;type:text"`
	CreatedAt          time.Time          `json:"created_at" gorm:"not null"`
	UpdatedAt          time.Time          `json:"updated_at" gorm:"not null"`
}

func (Entitlement) TableName() string { return "entitlements" }

func (e *Entitlement) Remaining() int64 {
	if e.QuotaUsed >= e.QuotaLimit {
		return 0
	}
	return e.QuotaLimit - e.QuotaUsed
}

// ExpiredAt reports whether t is at or past the end of the validity window.
func (e *Entitlement) ExpiredAt(t time.Time) bool {
	return !t.Before(e.ValidUntil)
}

func (e *Entitlement) StartedAt(t time.Time) bool {
	return !t.Before(e.ValidFrom)
}

// QuotaAdjustment is the audit record of a quota limit change.
type QuotaAdjustment struct {
	ID            snowflake.ID      `json:"id" gorm:"primaryKey"`
	EntitlementID snowflake.ID      `json:"entitlement_id" gorm:"column:entitlement_id;not null;index"`
	Delta         int64             `json:"delta" gorm:"not null"`
	PreviousLimit int64             `json:"previous_limit" gorm:"column:previous_limit;not null"`
	NewLimit      int64             `json:"new_limit" gorm:"column:new_limit;not null"`
	Reason        AdjustmentReason  `json:"reason" gorm:"type:text;not null"`
	Notes         string            `json:"notes,omitempty" gorm:"type:text"`
	ActorRole     string            `json:"actor_role" gorm:"column:actor_role;type:text;not null"`
	ActorID       string            `json:"actor_id" gorm:"column:actor_id;type:text;not null"`
	Metadata      datatypes.JSONMap `json:"metadata,omitempty" gorm:"type:json"`
	CreatedAt     time.Time         `json:"created_at" gorm:"not null"`
}

func (QuotaAdjustment) TableName() string { return "quota_adjustments" }
