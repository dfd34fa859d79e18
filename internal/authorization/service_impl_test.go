package authorization

import (
	"context"
	"testing"

	"github.com/smallbiznis/railgate/internal/migration/migrationtest"
	obscontext "github.com/smallbiznis/railgate/internal/observability/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestService(t *testing.T) Service {
	t.Helper()
	enforcer, err := NewEnforcer(migrationtest.Open(t))
	require.NoError(t, err)
	return NewService(Params{Log: zap.NewNop(), Enforcer: enforcer})
}

func as(role, id string) context.Context {
	return obscontext.WithActor(context.Background(), role, id)
}

func TestAuthorizeRoles(t *testing.T) {
	svc := newTestService(t)

	cases := []struct {
		role   string
		object string
		action string
		allow  bool
	}{
		{RoleAdmin, ObjectEntitlement, ActionEntitlementGrant, true},
		{RoleAdmin, ObjectMeterTier, ActionMeterTierSet, true},
		{RoleProvider, ObjectQuota, ActionQuotaAdjust, true},
		{RoleProvider, ObjectEntitlement, ActionEntitlementCancel, true},
		{RoleProvider, ObjectEntitlement, ActionEntitlementGrant, false},
		{RoleProvider, ObjectMeterTier, ActionMeterTierSet, false},
		{RoleSystem, ObjectEntitlement, ActionEntitlementGrant, true},
		{RoleSystem, ObjectQuota, ActionQuotaAdjust, false},
		{"guest", ObjectEntitlement, ActionEntitlementView, false},
	}
	for _, tc := range cases {
		t.Run(tc.role+"/"+tc.action, func(t *testing.T) {
			err := svc.Authorize(as(tc.role, "actor-1"), tc.object, tc.action)
			if tc.allow {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrForbidden)
			}
		})
	}
}

func TestAuthorizeRoleChangeDropsOldLink(t *testing.T) {
	svc := newTestService(t)
	require.NoError(t, svc.Authorize(as(RoleAdmin, "same"), ObjectEntitlement, ActionEntitlementGrant))
	assert.ErrorIs(t, svc.Authorize(as(RoleProvider, "same"), ObjectEntitlement, ActionEntitlementGrant), ErrForbidden)
}

func TestAuthorizeRequiresActor(t *testing.T) {
	svc := newTestService(t)
	assert.ErrorIs(t, svc.Authorize(context.Background(), ObjectEntitlement, ActionEntitlementView), ErrInvalidActor)
	assert.ErrorIs(t, svc.Authorize(as(RoleAdmin, "a"), "", ActionEntitlementView), ErrInvalidObject)
	assert.ErrorIs(t, svc.Authorize(as(RoleAdmin, "a"), ObjectEntitlement, " "), ErrInvalidAction)
}
