// SPDX-License-Identifier: GPL-3.0-or-later

package execgraph

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewDependencyRejectsBadRequiredState(t *testing.T) {
	p := NewJob("p", UndefCommand)
	c := NewJob("c", UndefCommand)
	_, err := NewDependency(p, c, StateRunning)
	require.ErrorIs(t, err, ErrBadDependencyState)
}

func TestNewDependencyRejectsSelfDependency(t *testing.T) {
	j := NewJob("j", UndefCommand)
	_, err := NewDependency(j, j, StateSuccessful)
	require.ErrorIs(t, err, ErrSelfDependency)
}

func TestDependencyWaitReturnsOnceParentReachesRequiredState(t *testing.T) {
	p := NewJob("p", UndefCommand)
	c := NewJob("c", UndefCommand)
	d, err := NewDependency(p, c, StateSuccessful)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	waitErr := make(chan error, 1)
	go func() { waitErr <- d.Wait(ctx) }()

	p.setState(StateRunning)
	p.setState(StateSuccessful)

	require.NoError(t, <-waitErr)
}

func TestDependencyWaitReturnsContextErrorOnTimeout(t *testing.T) {
	p := NewJob("p", "/bin/true")
	c := NewJob("c", UndefCommand)
	d, err := NewDependency(p, c, StateSuccessful)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, d.Wait(ctx), context.DeadlineExceeded)
}
