package perfsession

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCountCPUListRanges(t *testing.T) {
	n, err := countCPUList("0-3,5,7-8")
	require.NoError(t, err)
	require.Equal(t, 7, n)
}

func TestCountCPUListSingleRange(t *testing.T) {
	n, err := countCPUList("0-7")
	require.NoError(t, err)
	require.Equal(t, 8, n)
}

func TestCountCPUListSingleCPU(t *testing.T) {
	n, err := countCPUList("0")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestCountCPUListRejectsEmpty(t *testing.T) {
	_, err := countCPUList("")
	require.Error(t, err)
}

func TestCountCPUListRejectsGarbage(t *testing.T) {
	_, err := countCPUList("0-x")
	require.Error(t, err)
}

func TestCountCPUListRejectsInvertedRange(t *testing.T) {
	_, err := countCPUList("5-2")
	require.Error(t, err)
}
