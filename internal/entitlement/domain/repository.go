package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/railgate/pkg/db/option"
	"gorm.io/gorm"
)

// Repository methods that mutate an entitlement are single conditional
// UPDATE statements and report the affected row count.
type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, e *Entitlement) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Entitlement, error)
	FindByPaymentID(ctx context.Context, db *gorm.DB, paymentID string) (*Entitlement, error)
	ListActive(ctx context.Context, db *gorm.DB, userID, serviceID string) ([]Entitlement, error)
	FindLatest(ctx context.Context, db *gorm.DB, userID, serviceID string) (*Entitlement, error)
	ListByUser(ctx context.Context, db *gorm.DB, filter Entitlement, opts ...option.QueryOption) ([]*Entitlement, error)
	ExpireByID(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (int64, error)
	ListExpired(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]snowflake.ID, error)
	Cancel(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (int64, error)
	AdjustLimit(ctx context.Context, db *gorm.DB, id snowflake.ID, delta int64, floorAtUsage bool, now time.Time) (int64, error)
	InsertAdjustment(ctx context.Context, db *gorm.DB, adj *QuotaAdjustment) error
	ListAdjustments(ctx context.Context, db *gorm.DB, entitlementID snowflake.ID) ([]QuotaAdjustment, error)
}
