package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/railgate/internal/clock"
	"github.com/smallbiznis/railgate/internal/config"
	entitlementdomain "github.com/smallbiznis/railgate/internal/entitlement/domain"
	"github.com/smallbiznis/railgate/internal/events"
	"github.com/smallbiznis/railgate/internal/observability/metrics"
	usagedomain "github.com/smallbiznis/railgate/internal/usage/domain"
	"github.com/smallbiznis/railgate/pkg/db/option"
	"github.com/smallbiznis/railgate/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB              *gorm.DB
	Log             *zap.Logger
	GenID           *snowflake.Node
	Clock           clock.Clock
	Cfg             config.Config
	Repo            usagedomain.Repository
	EntitlementRepo entitlementdomain.Repository
	Publisher       events.Publisher `optional:"true"`
	Metrics         *metrics.Metrics `optional:"true"`
}

type Service struct {
	db              *gorm.DB
	log             *zap.Logger
	genID           *snowflake.Node
	clock           clock.Clock
	repo            usagedomain.Repository
	entitlementRepo entitlementdomain.Repository
	publisher       events.Publisher
	metrics         *metrics.Metrics

	warningThreshold float64
}

func NewService(p ServiceParam) usagedomain.Service {
	publisher := p.Publisher
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	threshold := p.Cfg.Entitlement.WarningThreshold
	if threshold <= 0 || threshold > 1 {
		threshold = 0.8
	}
	return &Service{
		db:               p.DB,
		log:              p.Log.Named("usage.service"),
		genID:            p.GenID,
		clock:            p.Clock,
		repo:             p.Repo,
		entitlementRepo:  p.EntitlementRepo,
		publisher:        publisher,
		metrics:          p.Metrics,
		warningThreshold: threshold,
	}
}

func (s *Service) Track(ctx context.Context, req usagedomain.TrackRequest) (usagedomain.TrackResult, error) {
	entID, entry, err := s.validateTrack(req)
	if err != nil {
		s.metrics.RecordTrack(ctx, "invalid", 0)
		return usagedomain.TrackResult{}, err
	}

	now := s.clock.Now()
	entry.Timestamp = now
	entry.CreatedAt = now

	var current *entitlementdomain.Entitlement
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		n, err := s.repo.IncrementQuota(ctx, tx, usagedomain.IncrementQuota{
			EntitlementID: entID,
			UserID:        entry.UserID,
			ServiceID:     entry.ServiceID,
			Requests:      entry.RequestsCount,
			Now:           now,
		})
		if err != nil {
			return err
		}

		row, err := s.entitlementRepo.FindByID(ctx, tx, entID)
		if err != nil {
			return err
		}
		if n == 0 {
			return classifyRejection(row, entry, now)
		}
		if err := s.repo.Insert(ctx, tx, entry); err != nil {
			return err
		}
		current = row
		return nil
	})
	if err != nil {
		s.metrics.RecordTrack(ctx, outcome(err), 0)
		return usagedomain.TrackResult{}, err
	}

	result := usagedomain.TrackResult{
		Entry:          entry,
		QuotaUsed:      current.QuotaUsed,
		QuotaLimit:     current.QuotaLimit,
		QuotaRemaining: current.Remaining(),
	}
	if current.QuotaLimit > 0 {
		result.PercentageUsed = float64(current.QuotaUsed) / float64(current.QuotaLimit) * 100
	}
	if current.QuotaLimit > 0 && float64(current.QuotaUsed)/float64(current.QuotaLimit) > s.warningThreshold {
		result.Warning = fmt.Sprintf("quota above %d%% used: %d of %d requests remaining",
			int(s.warningThreshold*100), current.Remaining(), current.QuotaLimit)
	}

	s.metrics.RecordTrack(ctx, "success", entry.RequestsCount)
	s.log.Debug("usage tracked",
		zap.String("entitlement_id", entID.String()),
		zap.Int64("requests", entry.RequestsCount),
		zap.Int64("quota_used", current.QuotaUsed),
		zap.Int64("quota_limit", current.QuotaLimit),
	)
	events.PublishAsync(s.publisher, s.log, events.Event{
		Type:       events.TypeUsageTracked,
		Key:        entID.String(),
		OccurredAt: now,
		Data: map[string]any{
			"entitlement_id": entID.String(),
			"user_id":        entry.UserID,
			"service_id":     entry.ServiceID,
			"endpoint":       entry.Endpoint,
			"requests_count": entry.RequestsCount,
			"quota_used":     current.QuotaUsed,
			"quota_limit":    current.QuotaLimit,
		},
	})
	return result, nil
}

func (s *Service) List(ctx context.Context, req usagedomain.ListRequest) (usagedomain.ListResponse, error) {
	filter := usagedomain.UsageLog{
		UserID:    strings.TrimSpace(req.UserID),
		ServiceID: strings.TrimSpace(req.ServiceID),
	}
	if raw := strings.TrimSpace(req.EntitlementID); raw != "" {
		id, err := parseID(raw)
		if err != nil {
			return usagedomain.ListResponse{}, err
		}
		filter.EntitlementID = id
	}
	if filter.EntitlementID == 0 && filter.UserID == "" {
		return usagedomain.ListResponse{}, usagedomain.ErrMissingFilter
	}

	items, err := s.repo.List(ctx, s.db, filter, option.ApplyPagination(req.Pagination))
	if err != nil {
		return usagedomain.ListResponse{}, err
	}
	page, info, err := pagination.BuildCursorPageInfo(items, req.Pagination.Size(), func(l *usagedomain.UsageLog) pagination.Cursor {
		return pagination.Cursor{ID: l.ID.String()}
	})
	if err != nil {
		return usagedomain.ListResponse{}, err
	}
	return usagedomain.ListResponse{UsageLogs: page, PageInfo: info}, nil
}

// Reconcile compares the authoritative quota_used with the ledger total.
// It only reports; drift is never corrected automatically.
func (s *Service) Reconcile(ctx context.Context, entitlementID string) (usagedomain.Reconciliation, error) {
	id, err := parseID(entitlementID)
	if err != nil {
		return usagedomain.Reconciliation{}, err
	}
	e, err := s.entitlementRepo.FindByID(ctx, s.db, id)
	if err != nil {
		return usagedomain.Reconciliation{}, err
	}
	if e == nil {
		return usagedomain.Reconciliation{}, usagedomain.ErrNotFound
	}
	total, err := s.repo.SumRequests(ctx, s.db, id)
	if err != nil {
		return usagedomain.Reconciliation{}, err
	}

	rec := usagedomain.Reconciliation{
		EntitlementID: id,
		QuotaUsed:     e.QuotaUsed,
		QuotaLimit:    e.QuotaLimit,
		LedgerTotal:   total,
		Drift:         e.QuotaUsed - total,
	}
	rec.Consistent = rec.Drift == 0
	if !rec.Consistent {
		s.log.Warn("usage ledger drift",
			zap.String("entitlement_id", id.String()),
			zap.Int64("quota_used", e.QuotaUsed),
			zap.Int64("ledger_total", total),
		)
	}
	return rec, nil
}

func (s *Service) validateTrack(req usagedomain.TrackRequest) (snowflake.ID, *usagedomain.UsageLog, error) {
	entID, err := parseID(req.EntitlementID)
	if err != nil {
		return 0, nil, err
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return 0, nil, usagedomain.ErrInvalidUserID
	}
	serviceID := strings.TrimSpace(req.ServiceID)
	if serviceID == "" {
		return 0, nil, usagedomain.ErrInvalidServiceID
	}
	endpoint := strings.TrimSpace(req.Endpoint)
	if endpoint == "" {
		return 0, nil, usagedomain.ErrInvalidEndpoint
	}
	count := req.RequestsCount
	if count == 0 {
		count = 1
	}
	if count < 1 || count > usagedomain.MaxRequestsPerCall {
		return 0, nil, usagedomain.ErrInvalidRequestsCount
	}

	return entID, &usagedomain.UsageLog{
		ID:            s.genID.Generate(),
		EntitlementID: entID,
		UserID:        userID,
		ServiceID:     serviceID,
		RequestsCount: count,
		Endpoint:      endpoint,
		IPAddress:     strings.TrimSpace(req.IPAddress),
		UserAgent:     strings.TrimSpace(req.UserAgent),
	}, nil
}

// classifyRejection explains why the conditional increment matched no row.
// The row was read inside the same transaction.
func classifyRejection(e *entitlementdomain.Entitlement, entry *usagedomain.UsageLog, now time.Time) error {
	switch {
	case e == nil:
		return usagedomain.ErrNotFound
	case e.UserID != entry.UserID || e.ServiceID != entry.ServiceID:
		return usagedomain.ErrEntitlementMismatch
	case !e.IsActive && e.DeactivationReason == entitlementdomain.ReasonExpired:
		return usagedomain.ErrEntitlementExpired
	case !e.IsActive:
		return usagedomain.ErrEntitlementInactive
	case e.ExpiredAt(now):
		return usagedomain.ErrEntitlementExpired
	case !e.StartedAt(now):
		return usagedomain.ErrNotStarted
	default:
		return usagedomain.ErrQuotaExceeded
	}
}

func outcome(err error) string {
	switch {
	case errors.Is(err, usagedomain.ErrQuotaExceeded):
		return "quota_exceeded"
	case errors.Is(err, usagedomain.ErrNotFound),
		errors.Is(err, usagedomain.ErrEntitlementMismatch),
		errors.Is(err, usagedomain.ErrEntitlementInactive),
		errors.Is(err, usagedomain.ErrEntitlementExpired),
		errors.Is(err, usagedomain.ErrNotStarted):
		return "rejected"
	default:
		return "error"
	}
}

func parseID(raw string) (snowflake.ID, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, usagedomain.ErrInvalidEntitlementID
	}
	return snowflake.ID(id), nil
}
