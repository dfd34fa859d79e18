package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	entitlementdomain "github.com/smallbiznis/railgate/internal/entitlement/domain"
	"github.com/smallbiznis/railgate/pkg/db/option"
	"github.com/smallbiznis/railgate/pkg/repository"
	"gorm.io/gorm"
)

const selectColumns = `SELECT id, user_id, service_id, payment_id, pricing_tier, quota_limit, quota_used,
	valid_from, valid_until, is_active, deactivation_reason, token_type, amount_paid, tx_digest, created_at, updated_at
	FROM entitlements`

type repo struct{}

func Provide() entitlementdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, e *entitlementdomain.Entitlement) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO entitlements (id, user_id, service_id, payment_id, pricing_tier, quota_limit, quota_used,
		 valid_from, valid_until, is_active, deactivation_reason, token_type, amount_paid, tx_digest, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID,
		e.UserID,
		e.ServiceID,
		e.PaymentID,
		e.PricingTier,
		e.QuotaLimit,
		e.QuotaUsed,
		e.ValidFrom,
		e.ValidUntil,
		e.IsActive,
		e.DeactivationReason,
		e.TokenType,
		e.AmountPaid,
		e.TxDigest,
		e.CreatedAt,
		e.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*entitlementdomain.Entitlement, error) {
	return r.findOne(ctx, db, selectColumns+` WHERE id = ?`, id)
}

func (r *repo) FindByPaymentID(ctx context.Context, db *gorm.DB, paymentID string) (*entitlementdomain.Entitlement, error) {
	return r.findOne(ctx, db, selectColumns+` WHERE payment_id = ?`, paymentID)
}

// ListActive includes rows that are flagged active but already past their
// window; the caller is responsible for deactivating them.
func (r *repo) ListActive(ctx context.Context, db *gorm.DB, userID, serviceID string) ([]entitlementdomain.Entitlement, error) {
	var items []entitlementdomain.Entitlement
	err := db.WithContext(ctx).Raw(
		selectColumns+` WHERE user_id = ? AND service_id = ? AND is_active = ? ORDER BY valid_from ASC, id ASC`,
		userID,
		serviceID,
		true,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) FindLatest(ctx context.Context, db *gorm.DB, userID, serviceID string) (*entitlementdomain.Entitlement, error) {
	return r.findOne(ctx, db,
		selectColumns+` WHERE user_id = ? AND service_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`,
		userID,
		serviceID,
	)
}

func (r *repo) ListByUser(ctx context.Context, db *gorm.DB, filter entitlementdomain.Entitlement, opts ...option.QueryOption) ([]*entitlementdomain.Entitlement, error) {
	return repository.ProvideStore[entitlementdomain.Entitlement](db).Find(ctx, &filter, opts...)
}

// ExpireByID is idempotent: concurrent callers race on the same predicate
// and exactly one of them sees an affected row.
func (r *repo) ExpireByID(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE entitlements SET is_active = ?, deactivation_reason = ?, updated_at = ?
		 WHERE id = ? AND is_active = ? AND valid_until <= ?`,
		false,
		entitlementdomain.ReasonExpired,
		now,
		id,
		true,
		now,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) ListExpired(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := db.WithContext(ctx).Raw(
		`SELECT id FROM entitlements WHERE is_active = ? AND valid_until <= ? ORDER BY valid_until ASC, id ASC LIMIT ?`,
		true,
		now,
		limit,
	).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *repo) Cancel(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE entitlements SET is_active = ?, deactivation_reason = ?, updated_at = ?
		 WHERE id = ? AND is_active = ?`,
		false,
		entitlementdomain.ReasonCancelled,
		now,
		id,
		true,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) AdjustLimit(ctx context.Context, db *gorm.DB, id snowflake.ID, delta int64, floorAtUsage bool, now time.Time) (int64, error) {
	query := `UPDATE entitlements SET quota_limit = quota_limit + ?, updated_at = ?
		 WHERE id = ? AND is_active = ? AND quota_limit + ? >= 0`
	args := []any{delta, now, id, true, delta}
	if floorAtUsage {
		query += ` AND quota_limit + ? >= quota_used`
		args = append(args, delta)
	}
	res := db.WithContext(ctx).Exec(query, args...)
	return res.RowsAffected, res.Error
}

func (r *repo) InsertAdjustment(ctx context.Context, db *gorm.DB, adj *entitlementdomain.QuotaAdjustment) error {
	return db.WithContext(ctx).Create(adj).Error
}

func (r *repo) ListAdjustments(ctx context.Context, db *gorm.DB, entitlementID snowflake.ID) ([]entitlementdomain.QuotaAdjustment, error) {
	var items []entitlementdomain.QuotaAdjustment
	err := db.WithContext(ctx).
		Where("entitlement_id = ?", entitlementID).
		Order("created_at ASC, id ASC").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, query string, args ...any) (*entitlementdomain.Entitlement, error) {
	var e entitlementdomain.Entitlement
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&e).Error; err != nil {
		return nil, err
	}
	if e.ID == 0 {
		return nil, nil
	}
	return &e, nil
}
