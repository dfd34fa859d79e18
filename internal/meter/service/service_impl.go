package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/smallbiznis/railgate/internal/clock"
	"github.com/smallbiznis/railgate/internal/config"
	"github.com/smallbiznis/railgate/internal/counter"
	meterdomain "github.com/smallbiznis/railgate/internal/meter/domain"
	"github.com/smallbiznis/railgate/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	keyUsage   = "meter:usage:"
	keyHistory = "meter:history:"
	keyTier    = "meter:tier:"

	// Counters outlive their month briefly so late reads of the previous
	// period still resolve.
	usageGrace = 7 * 24 * time.Hour
	historyTTL = 90 * 24 * time.Hour
)

type Params struct {
	fx.In

	Store   counter.Store
	Clock   clock.Clock
	Cfg     config.Config
	Tiers   *config.TierLimitsHolder
	Log     *zap.Logger
	Metrics *metrics.Metrics `optional:"true"`
}

type Service struct {
	store          counter.Store
	clock          clock.Clock
	tiers          *config.TierLimitsHolder
	log            *zap.Logger
	metrics        *metrics.Metrics
	historySize    int
	warningPercent float64
}

func New(p Params) meterdomain.Service {
	historySize := p.Cfg.Meter.HistorySize
	if historySize <= 0 {
		historySize = 1000
	}
	warning := p.Cfg.Meter.WarningPercent
	if warning <= 0 {
		warning = 80
	}
	tiers := p.Tiers
	if tiers == nil {
		tiers = config.NewStaticTierLimits(config.DefaultTierLimits())
	}
	return &Service{
		store:          p.Store,
		clock:          p.Clock,
		tiers:          tiers,
		log:            p.Log.Named("meter.service"),
		metrics:        p.Metrics,
		historySize:    historySize,
		warningPercent: warning,
	}
}

func (s *Service) RecordUsage(ctx context.Context, req meterdomain.RecordRequest) (meterdomain.UsageMetrics, error) {
	userID, feature, err := normalize(req.UserID, req.Feature)
	if err != nil {
		return meterdomain.UsageMetrics{}, err
	}
	if req.Units <= 0 {
		return meterdomain.UsageMetrics{}, meterdomain.ErrInvalidUnits
	}

	now := s.clock.Now()
	tier, limit, err := s.resolveLimit(ctx, userID, req.TierLimits)
	if err != nil {
		return meterdomain.UsageMetrics{}, err
	}

	usage, err := s.store.IncrFloat(ctx, usageKey(userID, feature, now), req.Units, usageTTL(now))
	if err != nil {
		return meterdomain.UsageMetrics{}, err
	}
	s.appendHistory(ctx, userID, feature, req.Units, now)

	return s.metricsFor(userID, feature, tier, usage, limit, now), nil
}

func (s *Service) CheckQuota(ctx context.Context, req meterdomain.QuotaRequest) (meterdomain.UsageMetrics, error) {
	userID, feature, err := normalize(req.UserID, req.Feature)
	if err != nil {
		return meterdomain.UsageMetrics{}, err
	}

	now := s.clock.Now()
	tier, limit, err := s.resolveLimit(ctx, userID, req.TierLimits)
	if err != nil {
		return meterdomain.UsageMetrics{}, err
	}
	usage, err := s.store.GetFloat(ctx, usageKey(userID, feature, now))
	if err != nil {
		return meterdomain.UsageMetrics{}, err
	}
	return s.metricsFor(userID, feature, tier, usage, limit, now), nil
}

func (s *Service) EnforceQuota(ctx context.Context, req meterdomain.RecordRequest) (meterdomain.EnforceResult, error) {
	userID, feature, err := normalize(req.UserID, req.Feature)
	if err != nil {
		return meterdomain.EnforceResult{}, err
	}
	if req.Units <= 0 {
		return meterdomain.EnforceResult{}, meterdomain.ErrInvalidUnits
	}

	now := s.clock.Now()
	tier, limit, err := s.resolveLimit(ctx, userID, req.TierLimits)
	if err != nil {
		return meterdomain.EnforceResult{}, err
	}

	usage, applied, err := s.store.IncrFloatBelow(ctx, usageKey(userID, feature, now), req.Units, limit, usageTTL(now))
	if err != nil {
		return meterdomain.EnforceResult{}, err
	}
	if applied {
		s.appendHistory(ctx, userID, feature, req.Units, now)
	}

	m := s.metricsFor(userID, feature, tier, usage, limit, now)
	status := string(m.Status)
	if !applied {
		status = "denied"
	}
	s.metrics.RecordMeterEnforce(ctx, feature, status)

	return meterdomain.EnforceResult{Allowed: applied, Metrics: m}, nil
}

func (s *Service) History(ctx context.Context, req meterdomain.HistoryRequest) (meterdomain.HistoryResult, error) {
	userID, feature, err := normalize(req.UserID, req.Feature)
	if err != nil {
		return meterdomain.HistoryResult{}, err
	}
	if req.Days <= 0 || req.Days > 365 {
		return meterdomain.HistoryResult{}, meterdomain.ErrInvalidDays
	}

	raw, err := s.store.History(ctx, historyKey(userID, feature))
	if err != nil {
		return meterdomain.HistoryResult{}, err
	}

	since := s.clock.Now().Add(-time.Duration(req.Days) * 24 * time.Hour)
	result := meterdomain.HistoryResult{
		UserID:  userID,
		Feature: feature,
		Days:    req.Days,
		Entries: make([]meterdomain.HistoryEntry, 0, len(raw)),
	}
	for _, item := range raw {
		var entry meterdomain.HistoryEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			s.log.Warn("skipping malformed history entry", zap.String("user_id", userID), zap.Error(err))
			continue
		}
		if entry.Timestamp.Before(since) {
			continue
		}
		result.Entries = append(result.Entries, entry)
		result.Total += entry.Units
	}
	return result, nil
}

func (s *Service) SetTier(ctx context.Context, userID, tier string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return meterdomain.ErrInvalidUserID
	}
	tier = strings.ToLower(strings.TrimSpace(tier))
	if _, ok := s.tiers.Get()[tier]; !ok {
		return meterdomain.ErrInvalidTier
	}
	return s.store.SetString(ctx, keyTier+userID, tier, 0)
}

func (s *Service) Tier(ctx context.Context, userID string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", meterdomain.ErrInvalidUserID
	}
	tier, ok, err := s.store.GetString(ctx, keyTier+userID)
	if err != nil {
		return "", err
	}
	if !ok || tier == "" {
		return meterdomain.DefaultTier, nil
	}
	return tier, nil
}

// resolveLimit uses the caller's tier table when given, else the configured
// one. Unknown tiers fall back to the free limit.
func (s *Service) resolveLimit(ctx context.Context, userID string, override map[string]float64) (string, float64, error) {
	tier, err := s.Tier(ctx, userID)
	if err != nil {
		return "", 0, err
	}

	limits := override
	if len(limits) == 0 {
		limits = s.tiers.Get()
	}
	if limit, ok := limits[tier]; ok {
		return tier, limit, nil
	}
	if limit, ok := limits[meterdomain.DefaultTier]; ok {
		return tier, limit, nil
	}
	return tier, config.DefaultTierLimits()[meterdomain.DefaultTier], nil
}

func (s *Service) appendHistory(ctx context.Context, userID, feature string, units float64, now time.Time) {
	b, err := json.Marshal(meterdomain.HistoryEntry{Units: units, Timestamp: now})
	if err != nil {
		return
	}
	// The running counter is authoritative; a lost history entry only
	// affects the derived view.
	if err := s.store.PushHistory(ctx, historyKey(userID, feature), string(b), s.historySize, historyTTL); err != nil {
		s.log.Warn("append usage history failed",
			zap.String("user_id", userID),
			zap.String("feature", feature),
			zap.Error(err),
		)
	}
}

func (s *Service) metricsFor(userID, feature, tier string, usage, limit float64, now time.Time) meterdomain.UsageMetrics {
	pct, status := meterdomain.Classify(usage, limit, s.warningPercent)
	return meterdomain.UsageMetrics{
		UserID:     userID,
		Feature:    feature,
		Tier:       tier,
		Usage:      usage,
		Limit:      limit,
		Percentage: pct,
		ResetDate:  meterdomain.NextReset(now),
		Status:     status,
	}
}

func normalize(userID, feature string) (string, string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", "", meterdomain.ErrInvalidUserID
	}
	feature = strings.TrimSpace(feature)
	if feature == "" || strings.Contains(feature, ":") {
		return "", "", meterdomain.ErrInvalidFeature
	}
	return userID, feature, nil
}

func usageKey(userID, feature string, now time.Time) string {
	return keyUsage + userID + ":" + feature + ":" + meterdomain.Period(now)
}

func historyKey(userID, feature string) string {
	return keyHistory + userID + ":" + feature
}

func usageTTL(now time.Time) time.Duration {
	return meterdomain.NextReset(now).Sub(now) + usageGrace
}
