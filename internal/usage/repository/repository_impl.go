package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	usagedomain "github.com/smallbiznis/railgate/internal/usage/domain"
	"github.com/smallbiznis/railgate/pkg/db/option"
	"github.com/smallbiznis/railgate/pkg/repository"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() usagedomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, log *usagedomain.UsageLog) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO usage_logs (id, entitlement_id, user_id, service_id, timestamp, requests_count, endpoint, ip_address, user_agent, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		log.ID,
		log.EntitlementID,
		log.UserID,
		log.ServiceID,
		log.Timestamp,
		log.RequestsCount,
		log.Endpoint,
		log.IPAddress,
		log.UserAgent,
		log.CreatedAt,
	).Error
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter usagedomain.UsageLog, opts ...option.QueryOption) ([]*usagedomain.UsageLog, error) {
	return repository.ProvideStore[usagedomain.UsageLog](db).Find(ctx, &filter, opts...)
}

func (r *repo) SumRequests(ctx context.Context, db *gorm.DB, entitlementID snowflake.ID) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(requests_count), 0) FROM usage_logs WHERE entitlement_id = ?`,
		entitlementID,
	).Scan(&total).Error
	if err != nil {
		return 0, err
	}
	return total, nil
}

// IncrementQuota is the only write path for quota_used. The predicate
// carries the whole admission check so concurrent callers cannot both pass.
func (r *repo) IncrementQuota(ctx context.Context, db *gorm.DB, req usagedomain.IncrementQuota) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE entitlements SET quota_used = quota_used + ?, updated_at = ?
		 WHERE id = ? AND user_id = ? AND service_id = ? AND is_active = ?
		   AND valid_from <= ? AND valid_until > ?
		   AND quota_used + ? <= quota_limit`,
		req.Requests,
		req.Now,
		req.EntitlementID,
		req.UserID,
		req.ServiceID,
		true,
		req.Now,
		req.Now,
		req.Requests,
	)
	return res.RowsAffected, res.Error
}
