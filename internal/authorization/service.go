package authorization

import (
	"context"
	"errors"
)

const (
	RoleAdmin    = "admin"
	RoleProvider = "provider"
	RoleSystem   = "system"
)

const (
	ObjectEntitlement = "entitlement"
	ObjectQuota       = "quota"
	ObjectUsage       = "usage"
	ObjectMeterTier   = "meter_tier"
)

const (
	ActionEntitlementGrant  = "entitlement.grant"
	ActionEntitlementView   = "entitlement.view"
	ActionEntitlementCancel = "entitlement.cancel"

	ActionQuotaAdjust = "quota.adjust"

	ActionUsageView      = "usage.view"
	ActionUsageReconcile = "usage.reconcile"

	ActionMeterTierView = "meter_tier.view"
	ActionMeterTierSet  = "meter_tier.set"
)

type Service interface {
	// Authorize checks the actor carried by ctx against the policy table.
	Authorize(ctx context.Context, object string, action string) error
}

var (
	ErrInvalidActor  = errors.New("invalid_actor")
	ErrInvalidObject = errors.New("invalid_object")
	ErrInvalidAction = errors.New("invalid_action")
	ErrForbidden     = errors.New("forbidden")
)
