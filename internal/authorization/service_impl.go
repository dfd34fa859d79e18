package authorization

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	obscontext "github.com/smallbiznis/railgate/internal/observability/context"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

type Params struct {
	fx.In

	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
}

type ServiceImpl struct {
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
}

func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	enforcer.BuildRoleLinks()
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
	}
}

func (s *ServiceImpl) Authorize(ctx context.Context, object string, action string) error {
	role, actorID := obscontext.ActorFromContext(ctx)
	role = strings.ToLower(strings.TrimSpace(role))
	actorID = strings.TrimSpace(actorID)
	if role == "" || actorID == "" {
		return ErrInvalidActor
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	subject := fmt.Sprintf("actor:%s", actorID)
	if err := s.ensureGrouping(subject, "role:"+role); err != nil {
		return err
	}

	allowed, err := s.enforcer.Enforce(subject, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.log.Warn("authorization denied",
			zap.String("actor_role", role),
			zap.String("actor_id", actorID),
			zap.String("object", object),
			zap.String("action", action),
			zap.String("request_id", obscontext.RequestIDFromContext(ctx)),
		)
		return ErrForbidden
	}
	if shouldAuditGrant(action) {
		s.log.Info("authorization granted",
			zap.String("actor_role", role),
			zap.String("actor_id", actorID),
			zap.String("object", object),
			zap.String("action", action),
		)
	}
	return nil
}

// ensureGrouping keeps exactly one role link per subject. An actor whose
// role header changed loses the old link.
func (s *ServiceImpl) ensureGrouping(subject string, roleName string) error {
	existing, err := s.enforcer.GetFilteredGroupingPolicy(0, subject)
	if err != nil {
		return err
	}
	for _, rule := range existing {
		if len(rule) < 2 {
			continue
		}
		if rule[1] != roleName {
			params := make([]interface{}, 0, len(rule))
			for _, value := range rule {
				params = append(params, value)
			}
			_, _ = s.enforcer.RemoveGroupingPolicy(params...)
		}
	}

	has, err := s.enforcer.HasGroupingPolicy(subject, roleName)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	_, err = s.enforcer.AddGroupingPolicy(subject, roleName)
	return err
}

func shouldAuditGrant(action string) bool {
	switch action {
	case ActionQuotaAdjust, ActionEntitlementCancel:
		return true
	default:
		return false
	}
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		{"role:" + RoleAdmin, "*", "*"},

		{"role:" + RoleProvider, ObjectEntitlement, ActionEntitlementView},
		{"role:" + RoleProvider, ObjectEntitlement, ActionEntitlementCancel},
		{"role:" + RoleProvider, ObjectQuota, ActionQuotaAdjust},
		{"role:" + RoleProvider, ObjectUsage, ActionUsageView},
		{"role:" + RoleProvider, ObjectUsage, ActionUsageReconcile},

		// Automated callers: payment verification and plan management.
		{"role:" + RoleSystem, ObjectEntitlement, ActionEntitlementGrant},
		{"role:" + RoleSystem, ObjectEntitlement, ActionEntitlementView},
		{"role:" + RoleSystem, ObjectMeterTier, ActionMeterTierSet},
		{"role:" + RoleSystem, ObjectMeterTier, ActionMeterTierView},
	}

	for _, policy := range policies {
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}
	return nil
}
