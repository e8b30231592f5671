package pagination

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPaginationSize(t *testing.T) {
	assert.Equal(t, DefaultPageSize, Pagination{}.Size())
	assert.Equal(t, 20, Pagination{PageSize: 20}.Size())
	assert.Equal(t, MaxPageSize, Pagination{PageSize: 5000}.Size())
}

func TestCursorRoundTrip(t *testing.T) {
	token, err := EncodeCursor(Cursor{ID: "42", CreatedAt: "2024-01-01T00:00:00Z"})
	require.NoError(t, err)

	cursor, err := DecodeCursor(token)
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.Equal(t, "42", cursor.ID)

	_, err = DecodeCursor("%%%")
	assert.ErrorIs(t, err, ErrInvalidPageToken)

	empty, err := DecodeCursor("  ")
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestPageTrimsExtraRow(t *testing.T) {
	rows := []int{1, 2, 3, 4}
	page, info := Page(rows, 3, func(v int) Cursor { return Cursor{ID: strconv.Itoa(v)} })

	assert.Equal(t, []int{1, 2, 3}, page)
	assert.True(t, info.HasMore)

	cursor, err := DecodeCursor(info.NextPageToken)
	require.NoError(t, err)
	assert.Equal(t, "3", cursor.ID)

	page, info = Page(rows[:2], 3, func(v int) Cursor { return Cursor{ID: strconv.Itoa(v)} })
	assert.Len(t, page, 2)
	assert.False(t, info.HasMore)
	assert.Empty(t, info.NextPageToken)
}
