// SPDX-License-Identifier: GPL-3.0-or-later

package execgraph

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIteratorAdvancesAndExhausts(t *testing.T) {
	it := NewIterator("sizes", []string{"1k", "10k", "100k"})
	require.Equal(t, 3, it.Len())
	require.False(t, it.Exhausted())
	require.Equal(t, "1k", it.Argument())

	require.True(t, it.IncrementOne())
	require.Equal(t, "10k", it.Argument())

	require.True(t, it.IncrementOne())
	require.Equal(t, "100k", it.Argument())

	require.False(t, it.IncrementOne())
	require.True(t, it.Exhausted())
}

func TestIteratorEmptyArgumentIsEmptyString(t *testing.T) {
	it := NewIterator("empty", nil)
	require.True(t, it.Exhausted())
	require.Equal(t, "", it.Argument())
}

func TestIteratorResetRewindsCursor(t *testing.T) {
	it := NewIterator("r", []string{"a", "b"})
	it.IncrementOne()
	require.Equal(t, 1, it.Run())
	it.reset()
	require.Equal(t, 0, it.Run())
	require.Equal(t, "a", it.Argument())
}
