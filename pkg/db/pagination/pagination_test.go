package pagination

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type row struct{ id int }

func TestBuildCursorPageInfoTrimsLookahead(t *testing.T) {
	rows := []*row{{5}, {4}, {3}}
	page, info, err := BuildCursorPageInfo(rows, 2, func(r *row) Cursor {
		return Cursor{ID: strconv.Itoa(r.id)}
	})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.True(t, info.HasMore)

	cursor, err := DecodeCursor(info.NextPageToken)
	require.NoError(t, err)
	assert.Equal(t, "4", cursor.ID)
}

func TestBuildCursorPageInfoLastPage(t *testing.T) {
	rows := []*row{{2}, {1}}
	page, info, err := BuildCursorPageInfo(rows, 2, func(r *row) Cursor { return Cursor{} })
	require.NoError(t, err)
	assert.Len(t, page, 2)
	assert.False(t, info.HasMore)
	assert.Empty(t, info.NextPageToken)
}

func TestSizeClamps(t *testing.T) {
	assert.Equal(t, DefaultPageSize, Pagination{}.Size())
	assert.Equal(t, MaxPageSize, Pagination{PageSize: 1000}.Size())
	assert.Equal(t, 7, Pagination{PageSize: 7}.Size())
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	_, err := DecodeCursor("%%%")
	assert.Error(t, err)
}
