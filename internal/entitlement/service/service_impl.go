package service

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/railgate/internal/clock"
	"github.com/smallbiznis/railgate/internal/config"
	entitlementdomain "github.com/smallbiznis/railgate/internal/entitlement/domain"
	"github.com/smallbiznis/railgate/internal/events"
	obscontext "github.com/smallbiznis/railgate/internal/observability/context"
	"github.com/smallbiznis/railgate/internal/observability/metrics"
	"github.com/smallbiznis/railgate/pkg/db"
	"github.com/smallbiznis/railgate/pkg/db/option"
	"github.com/smallbiznis/railgate/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Cfg       config.Config
	Repo      entitlementdomain.Repository
	Publisher events.Publisher `optional:"true"`
	Metrics   *metrics.Metrics `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	repo      entitlementdomain.Repository
	publisher events.Publisher
	metrics   *metrics.Metrics

	allowLimitBelowUsage bool
	sweepBatch           int
}

func NewService(p ServiceParam) entitlementdomain.Service {
	publisher := p.Publisher
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	batch := p.Cfg.Entitlement.SweepBatch
	if batch <= 0 {
		batch = 500
	}
	return &Service{
		db:                   p.DB,
		log:                  p.Log.Named("entitlement.service"),
		genID:                p.GenID,
		clock:                p.Clock,
		repo:                 p.Repo,
		publisher:            publisher,
		metrics:              p.Metrics,
		allowLimitBelowUsage: p.Cfg.Entitlement.AllowLimitBelowUsage,
		sweepBatch:           batch,
	}
}

func (s *Service) Verify(ctx context.Context, userID, serviceID string) (entitlementdomain.VerificationResult, error) {
	userID, serviceID, err := normalizeSubject(userID, serviceID)
	if err != nil {
		return entitlementdomain.VerificationResult{}, err
	}

	now := s.clock.Now()
	rows, err := s.repo.ListActive(ctx, s.db, userID, serviceID)
	if err != nil {
		return entitlementdomain.VerificationResult{}, err
	}

	// Expired rows are deactivated here, on the read path, before any quota
	// is considered. Otherwise a stale row could still look usable.
	var (
		healed     *entitlementdomain.Entitlement
		inWindow   []*entitlementdomain.Entitlement
		notStarted *entitlementdomain.Entitlement
	)
	for i := range rows {
		row := &rows[i]
		switch {
		case row.ExpiredAt(now):
			if err := s.expire(ctx, row, now, "verify"); err != nil {
				return entitlementdomain.VerificationResult{}, err
			}
			healed = row
		case !row.StartedAt(now):
			if notStarted == nil {
				notStarted = row
			}
		default:
			inWindow = append(inWindow, row)
		}
	}

	var result entitlementdomain.VerificationResult
	switch {
	case len(inWindow) > 0:
		chosen := inWindow[0]
		for _, row := range inWindow {
			if row.Remaining() > 0 {
				chosen = row
				break
			}
		}
		if chosen.Remaining() > 0 {
			result = allow(chosen)
		} else {
			result = deny(entitlementdomain.ReasonQuotaExceeded, chosen)
		}
	case notStarted != nil:
		result = deny(entitlementdomain.ReasonEntitlementNotStarted, notStarted)
	case healed != nil:
		result = deny(entitlementdomain.ReasonEntitlementExpired, healed)
	default:
		diag, err := s.Diagnose(ctx, userID, serviceID)
		if err != nil {
			return entitlementdomain.VerificationResult{}, err
		}
		result = deny(diag.Reason, diag.Entitlement)
		if diag.Reason == entitlementdomain.ReasonAllowed {
			// The row was deactivated between the two reads.
			result = deny(entitlementdomain.ReasonEntitlementInactive, diag.Entitlement)
		}
	}

	s.metrics.RecordVerify(ctx, string(result.Reason))
	return result, nil
}

func (s *Service) Diagnose(ctx context.Context, userID, serviceID string) (entitlementdomain.Diagnosis, error) {
	userID, serviceID, err := normalizeSubject(userID, serviceID)
	if err != nil {
		return entitlementdomain.Diagnosis{}, err
	}

	latest, err := s.repo.FindLatest(ctx, s.db, userID, serviceID)
	if err != nil {
		return entitlementdomain.Diagnosis{}, err
	}
	reason := classify(latest, s.clock.Now())
	return entitlementdomain.Diagnosis{
		Reason:      reason,
		Message:     reason.Message(),
		Entitlement: latest,
	}, nil
}

func (s *Service) Grant(ctx context.Context, req entitlementdomain.GrantRequest) (entitlementdomain.GrantResult, error) {
	now := s.clock.Now()
	e, err := s.buildEntitlement(req, now)
	if err != nil {
		return entitlementdomain.GrantResult{}, err
	}

	existing, err := s.repo.FindByPaymentID(ctx, s.db, e.PaymentID)
	if err != nil {
		return entitlementdomain.GrantResult{}, err
	}
	if existing != nil {
		return replayGrant(existing, e)
	}

	if err := s.repo.Insert(ctx, s.db, e); err != nil {
		if !db.IsDuplicateKeyErr(err) {
			return entitlementdomain.GrantResult{}, err
		}
		// Lost a race with a concurrent grant for the same payment.
		existing, findErr := s.repo.FindByPaymentID(ctx, s.db, e.PaymentID)
		if findErr != nil {
			return entitlementdomain.GrantResult{}, findErr
		}
		if existing == nil {
			return entitlementdomain.GrantResult{}, err
		}
		return replayGrant(existing, e)
	}

	s.log.Info("entitlement granted",
		zap.String("entitlement_id", e.ID.String()),
		zap.String("user_id", e.UserID),
		zap.String("service_id", e.ServiceID),
		zap.Int64("quota_limit", e.QuotaLimit),
	)
	s.publish(events.TypeEntitlementGranted, e, map[string]any{
		"payment_id":   e.PaymentID,
		"pricing_tier": string(e.PricingTier),
		"quota_limit":  e.QuotaLimit,
		"valid_from":   e.ValidFrom,
		"valid_until":  e.ValidUntil,
	})
	return entitlementdomain.GrantResult{Entitlement: e, Created: true}, nil
}

func (s *Service) Get(ctx context.Context, id string) (*entitlementdomain.Entitlement, error) {
	entID, err := parseID(id)
	if err != nil {
		return nil, err
	}
	e, err := s.repo.FindByID(ctx, s.db, entID)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, entitlementdomain.ErrNotFound
	}
	return e, nil
}

func (s *Service) ListByUser(ctx context.Context, req entitlementdomain.ListRequest) (entitlementdomain.ListResponse, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return entitlementdomain.ListResponse{}, entitlementdomain.ErrInvalidUserID
	}

	filter := entitlementdomain.Entitlement{
		UserID:    userID,
		ServiceID: strings.TrimSpace(req.ServiceID),
		IsActive:  req.ActiveOnly,
	}
	items, err := s.repo.ListByUser(ctx, s.db, filter, option.ApplyPagination(req.Pagination))
	if err != nil {
		return entitlementdomain.ListResponse{}, err
	}

	page, info, err := pagination.BuildCursorPageInfo(items, req.Pagination.Size(), func(e *entitlementdomain.Entitlement) pagination.Cursor {
		return pagination.Cursor{ID: e.ID.String()}
	})
	if err != nil {
		return entitlementdomain.ListResponse{}, err
	}
	return entitlementdomain.ListResponse{Entitlements: page, PageInfo: info}, nil
}

func (s *Service) Cancel(ctx context.Context, id string) (*entitlementdomain.Entitlement, error) {
	entID, err := parseID(id)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	var cancelled *entitlementdomain.Entitlement
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		n, err := s.repo.Cancel(ctx, tx, entID, now)
		if err != nil {
			return err
		}
		current, err := s.repo.FindByID(ctx, tx, entID)
		if err != nil {
			return err
		}
		if current == nil {
			return entitlementdomain.ErrNotFound
		}
		if n == 0 {
			return entitlementdomain.ErrAlreadyInactive
		}
		cancelled = current
		return nil
	})
	if err != nil {
		return nil, err
	}

	role, actorID := obscontext.ActorFromContext(ctx)
	s.log.Info("entitlement cancelled",
		zap.String("entitlement_id", cancelled.ID.String()),
		zap.String("actor_role", role),
		zap.String("actor_id", actorID),
	)
	s.publish(events.TypeEntitlementCancelled, cancelled, map[string]any{
		"actor_role": role,
		"actor_id":   actorID,
	})
	return cancelled, nil
}

func (s *Service) AdjustQuota(ctx context.Context, req entitlementdomain.AdjustQuotaRequest) (entitlementdomain.AdjustQuotaResult, error) {
	entID, err := parseID(req.EntitlementID)
	if err != nil {
		return entitlementdomain.AdjustQuotaResult{}, err
	}
	if req.Delta == 0 {
		return entitlementdomain.AdjustQuotaResult{}, entitlementdomain.ErrInvalidDelta
	}
	if !req.Reason.Valid() {
		return entitlementdomain.AdjustQuotaResult{}, entitlementdomain.ErrInvalidReason
	}
	notes := strings.TrimSpace(req.Notes)
	if len(notes) > entitlementdomain.MaxNotesLength {
		return entitlementdomain.AdjustQuotaResult{}, entitlementdomain.ErrNotesTooLong
	}
	role, actorID := obscontext.ActorFromContext(ctx)
	if role == "" || actorID == "" {
		return entitlementdomain.AdjustQuotaResult{}, entitlementdomain.ErrMissingActor
	}

	now := s.clock.Now()
	var result entitlementdomain.AdjustQuotaResult
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		n, err := s.repo.AdjustLimit(ctx, tx, entID, req.Delta, !s.allowLimitBelowUsage, now)
		if err != nil {
			return err
		}
		current, err := s.repo.FindByID(ctx, tx, entID)
		if err != nil {
			return err
		}
		if current == nil {
			return entitlementdomain.ErrNotFound
		}
		if n == 0 {
			return classifyAdjustFailure(current, req.Delta)
		}

		adj := &entitlementdomain.QuotaAdjustment{
			ID:            s.genID.Generate(),
			EntitlementID: current.ID,
			Delta:         req.Delta,
			PreviousLimit: current.QuotaLimit - req.Delta,
			NewLimit:      current.QuotaLimit,
			Reason:        req.Reason,
			Notes:         notes,
			ActorRole:     role,
			ActorID:       actorID,
			Metadata: datatypes.JSONMap{
				"quota_used_at_adjustment": current.QuotaUsed,
				"request_id":               obscontext.RequestIDFromContext(ctx),
			},
			CreatedAt: now,
		}
		if err := s.repo.InsertAdjustment(ctx, tx, adj); err != nil {
			return err
		}
		result = entitlementdomain.AdjustQuotaResult{Entitlement: current, Adjustment: adj}
		return nil
	})
	if err != nil {
		return entitlementdomain.AdjustQuotaResult{}, err
	}

	s.log.Info("quota adjusted",
		zap.String("entitlement_id", result.Entitlement.ID.String()),
		zap.Int64("delta", req.Delta),
		zap.Int64("new_limit", result.Adjustment.NewLimit),
		zap.String("reason", string(req.Reason)),
		zap.String("actor_role", role),
		zap.String("actor_id", actorID),
	)
	s.publish(events.TypeQuotaAdjusted, result.Entitlement, map[string]any{
		"delta":          req.Delta,
		"previous_limit": result.Adjustment.PreviousLimit,
		"new_limit":      result.Adjustment.NewLimit,
		"reason":         string(req.Reason),
	})
	return result, nil
}

// SweepExpired deactivates up to one batch of expired rows. The verify path
// heals rows lazily; the sweep covers entitlements nobody is calling.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	now := s.clock.Now()
	ids, err := s.repo.ListExpired(ctx, s.db, now, s.sweepBatch)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, id := range ids {
		n, err := s.repo.ExpireByID(ctx, s.db, id, now)
		if err != nil {
			return swept, err
		}
		if n == 0 {
			continue
		}
		swept++
		s.publishExpired(id, now, "sweep")
	}
	s.metrics.RecordExpired(ctx, "sweep", int64(swept))
	return swept, nil
}

func (s *Service) expire(ctx context.Context, row *entitlementdomain.Entitlement, now time.Time, source string) error {
	n, err := s.repo.ExpireByID(ctx, s.db, row.ID, now)
	if err != nil {
		return err
	}
	row.IsActive = false
	row.DeactivationReason = entitlementdomain.ReasonExpired
	if n == 0 {
		// Another caller already flipped it.
		return nil
	}
	row.UpdatedAt = now
	s.metrics.RecordExpired(ctx, source, 1)
	s.log.Info("entitlement expired",
		zap.String("entitlement_id", row.ID.String()),
		zap.String("source", source),
	)
	s.publishExpired(row.ID, now, source)
	return nil
}

func (s *Service) publishExpired(id snowflake.ID, now time.Time, source string) {
	events.PublishAsync(s.publisher, s.log, events.Event{
		Type:       events.TypeEntitlementExpired,
		Key:        id.String(),
		OccurredAt: now,
		Data:       map[string]any{"entitlement_id": id.String(), "source": source},
	})
}

func (s *Service) publish(eventType string, e *entitlementdomain.Entitlement, data map[string]any) {
	data["entitlement_id"] = e.ID.String()
	data["user_id"] = e.UserID
	data["service_id"] = e.ServiceID
	events.PublishAsync(s.publisher, s.log, events.Event{
		Type:       eventType,
		Key:        e.ID.String(),
		OccurredAt: s.clock.Now(),
		Data:       data,
	})
}

func (s *Service) buildEntitlement(req entitlementdomain.GrantRequest, now time.Time) (*entitlementdomain.Entitlement, error) {
	userID, serviceID, err := normalizeSubject(req.UserID, req.ServiceID)
	if err != nil {
		return nil, err
	}
	paymentID := strings.TrimSpace(req.PaymentID)
	if paymentID == "" {
		return nil, entitlementdomain.ErrInvalidPaymentID
	}
	tier := entitlementdomain.PricingTier(strings.ToLower(strings.TrimSpace(string(req.PricingTier))))
	if !tier.Valid() {
		return nil, entitlementdomain.ErrInvalidPricingTier
	}
	if req.QuotaLimit < 0 {
		return nil, entitlementdomain.ErrInvalidQuotaLimit
	}

	validFrom := now
	if req.ValidFrom != nil {
		validFrom = req.ValidFrom.UTC()
	}
	validUntil := validFrom.Add(entitlementdomain.DefaultValidity)
	if req.ValidUntil != nil {
		validUntil = req.ValidUntil.UTC()
	}
	if !validFrom.Before(validUntil) {
		return nil, entitlementdomain.ErrInvalidWindow
	}

	return &entitlementdomain.Entitlement{
		ID:          s.genID.Generate(),
		UserID:      userID,
		ServiceID:   serviceID,
		PaymentID:   paymentID,
		PricingTier: tier,
		QuotaLimit:  req.QuotaLimit,
		QuotaUsed:   0,
		ValidFrom:   validFrom,
		ValidUntil:  validUntil,
		IsActive:    true,
		TokenType:   strings.TrimSpace(req.TokenType),
		AmountPaid:  strings.TrimSpace(req.AmountPaid),
		TxDigest:    strings.TrimSpace(req.TxDigest),
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func replayGrant(existing, requested *entitlementdomain.Entitlement) (entitlementdomain.GrantResult, error) {
	if existing.UserID != requested.UserID || existing.ServiceID != requested.ServiceID {
		return entitlementdomain.GrantResult{}, entitlementdomain.ErrPaymentConflict
	}
	return entitlementdomain.GrantResult{Entitlement: existing, Created: false}, nil
}

// classify maps the state of a single row to a verification reason without
// writing anything.
func classify(e *entitlementdomain.Entitlement, now time.Time) entitlementdomain.ReasonCode {
	switch {
	case e == nil:
		return entitlementdomain.ReasonNoEntitlement
	case !e.IsActive && e.DeactivationReason == entitlementdomain.ReasonExpired:
		return entitlementdomain.ReasonEntitlementExpired
	case !e.IsActive:
		return entitlementdomain.ReasonEntitlementInactive
	case e.ExpiredAt(now):
		return entitlementdomain.ReasonEntitlementExpired
	case !e.StartedAt(now):
		return entitlementdomain.ReasonEntitlementNotStarted
	case e.Remaining() == 0:
		return entitlementdomain.ReasonQuotaExceeded
	default:
		return entitlementdomain.ReasonAllowed
	}
}

func classifyAdjustFailure(e *entitlementdomain.Entitlement, delta int64) error {
	switch {
	case !e.IsActive:
		return entitlementdomain.ErrEntitlementInactive
	case e.QuotaLimit+delta < 0:
		return entitlementdomain.ErrNegativeQuota
	default:
		return entitlementdomain.ErrQuotaBelowUsage
	}
}

func allow(e *entitlementdomain.Entitlement) entitlementdomain.VerificationResult {
	id := e.ID
	remaining := e.Remaining()
	return entitlementdomain.VerificationResult{
		Allowed:        true,
		EntitlementID:  &id,
		QuotaRemaining: &remaining,
		Reason:         entitlementdomain.ReasonAllowed,
		Message:        entitlementdomain.ReasonAllowed.Message(),
		StatusCode:     entitlementdomain.ReasonAllowed.StatusCode(),
	}
}

func deny(reason entitlementdomain.ReasonCode, e *entitlementdomain.Entitlement) entitlementdomain.VerificationResult {
	res := entitlementdomain.VerificationResult{
		Allowed:    false,
		Reason:     reason,
		Message:    reason.Message(),
		StatusCode: reason.StatusCode(),
	}
	if e != nil {
		id := e.ID
		res.EntitlementID = &id
		if reason == entitlementdomain.ReasonQuotaExceeded {
			zero := int64(0)
			res.QuotaRemaining = &zero
		}
	}
	return res
}

func normalizeSubject(userID, serviceID string) (string, string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", "", entitlementdomain.ErrInvalidUserID
	}
	serviceID = strings.TrimSpace(serviceID)
	if serviceID == "" {
		return "", "", entitlementdomain.ErrInvalidServiceID
	}
	return userID, serviceID, nil
}

func parseID(raw string) (snowflake.ID, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, entitlementdomain.ErrInvalidID
	}
	return snowflake.ID(id), nil
}
