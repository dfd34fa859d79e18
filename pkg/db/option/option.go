package option

import (
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/railgate/pkg/db/pagination"
	"gorm.io/gorm"
)

var ErrInvalidPageToken = errors.New("invalid_page_token")

// QueryOption mutates a query before it is executed.
type QueryOption interface {
	Apply(*gorm.DB) *gorm.DB
}

type queryOptionFunc func(*gorm.DB) *gorm.DB

func (f queryOptionFunc) Apply(db *gorm.DB) *gorm.DB { return f(db) }

// ApplyPagination pages by descending snowflake id and fetches one extra row
// so the caller can tell whether another page exists. A malformed token
// produces a query error of ErrInvalidPageToken.
func ApplyPagination(p pagination.Pagination) QueryOption {
	return queryOptionFunc(func(db *gorm.DB) *gorm.DB {
		if token := strings.TrimSpace(p.PageToken); token != "" {
			cursor, err := pagination.DecodeCursor(token)
			if err != nil {
				_ = db.AddError(ErrInvalidPageToken)
				return db
			}
			id, err := snowflake.ParseString(cursor.ID)
			if err != nil || id == 0 {
				_ = db.AddError(ErrInvalidPageToken)
				return db
			}
			db = db.Where("id < ?", id)
		}
		return db.Order("id DESC").Limit(p.Size() + 1)
	})
}
