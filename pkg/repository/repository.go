package repository

import (
	"context"

	"github.com/smallbiznis/railgate/pkg/db/option"
	"gorm.io/gorm"
)

// Repository is a typed gorm store for append-style tables.
type Repository[T any] interface {
	WithTrx(tx *gorm.DB) Repository[T]
	Find(ctx context.Context, query *T, opts ...option.QueryOption) ([]*T, error)
	FindOne(ctx context.Context, query *T, opts ...option.QueryOption) (*T, error)
	Create(ctx context.Context, resource *T) error
	Count(ctx context.Context, query *T) (int64, error)
}
