package sandbox

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDirModeString(t *testing.T) {
	require.Equal(t, "hidden", Hidden.String())
	require.Equal(t, "read-only", ReadOnly.String())
	require.Equal(t, "overlay", Overlay.String())
	require.Equal(t, "full", Full.String())
	require.Equal(t, "unknown", DirMode(99).String())
}

func TestSortedPathsOrdersShortestFirst(t *testing.T) {
	policy := DirModePolicy{
		"/":            ReadOnly,
		"/tmp":         Overlay,
		"/tmp/nested":  Hidden,
		"/usr/lib":     ReadOnly,
	}
	got := policy.SortedPaths()
	require.Len(t, got, 4)

	lengths := make([]int, len(got))
	for i, p := range got {
		lengths[i] = len(p)
	}
	for i := 1; i < len(lengths); i++ {
		require.LessOrEqual(t, lengths[i-1], lengths[i], "paths must be non-decreasing in length: %v", got)
	}
	require.Equal(t, "/", got[0])
}
