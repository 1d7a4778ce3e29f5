// SPDX-License-Identifier: GPL-3.0-or-later

package execgraph

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestResourceReserveAndReleaseGatesCapacity(t *testing.T) {
	r := NewResource("slot", 1, 50*time.Millisecond)
	require.True(t, r.Reserve(context.Background()))
	require.Equal(t, 1, r.InUse())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.False(t, r.Reserve(ctx), "second reservation should time out while the first is held")

	r.Release()
	require.Equal(t, 0, r.InUse())
	require.True(t, r.Reserve(context.Background()))
}

func TestResourceNegativeCapacityIsUnbounded(t *testing.T) {
	r := NewResource("unbounded", -1, time.Second)
	for i := 0; i < 5; i++ {
		require.True(t, r.Reserve(context.Background()))
	}
	require.Equal(t, 0, r.InUse())
}

func TestResourceReleaseWakesWaiter(t *testing.T) {
	r := NewResource("slot", 1, time.Second)
	require.True(t, r.Reserve(context.Background()))

	done := make(chan bool, 1)
	go func() {
		done <- r.Reserve(context.Background())
	}()

	time.Sleep(20 * time.Millisecond)
	r.Release()

	select {
	case ok := <-done:
		require.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by Release")
	}
}

func TestAcquireResourcesReleasesAllOnPartialFailure(t *testing.T) {
	a := NewResource("a", 1, 10*time.Millisecond)
	b := NewResource("b", 1, 10*time.Millisecond)
	require.True(t, b.Reserve(context.Background())) // b is already held elsewhere

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	ok := acquireResources(ctx, []*Resource{a, b}, 3)
	require.False(t, ok)
	require.Equal(t, 0, a.InUse(), "a must be released after b's reservation fails")
}

func TestAcquireResourcesSucceedsOnceContendedResourceFrees(t *testing.T) {
	a := NewResource("a", 1, 20*time.Millisecond)
	b := NewResource("b", 1, 20*time.Millisecond)
	require.True(t, b.Reserve(context.Background()))

	go func() {
		time.Sleep(30 * time.Millisecond)
		b.Release()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ok := acquireResources(ctx, []*Resource{a, b}, defaultMaxAcquireAttempts)
	require.True(t, ok)
	require.Equal(t, 1, a.InUse())
	require.Equal(t, 1, b.InUse())
}
