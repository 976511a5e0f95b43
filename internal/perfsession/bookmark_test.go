package perfsession

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSortBookmarksStableOnTies(t *testing.T) {
	marks := []bookmark{
		{timestamp: 100, bufferIdx: 0, offset: 0},
		{timestamp: 50, bufferIdx: 1, offset: 8},
		{timestamp: 100, bufferIdx: 0, offset: 16}, // same timestamp as first, inserted after
		{timestamp: 75, bufferIdx: 2, offset: 24},
	}
	sortBookmarks(marks)

	var got []uint64
	for _, m := range marks {
		got = append(got, m.timestamp)
	}
	require.Equal(t, []uint64{50, 75, 100, 100}, got)

	// The two timestamp-100 entries keep their relative order (offsets
	// 0 then 16), proving the sort is stable.
	require.Equal(t, uint32(0), marks[2].offset)
	require.Equal(t, uint32(16), marks[3].offset)
}

func TestBookmarkSizeIs16Bytes(t *testing.T) {
	require.EqualValues(t, 16, sizeofBookmark())
}
