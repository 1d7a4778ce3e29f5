// SPDX-License-Identifier: GPL-3.0-or-later

package execgraph

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// scriptRunner is a deterministic Runner for tests: it returns a fixed exit
// code and error after an optional delay, without shelling out.
type scriptRunner struct {
	delay    time.Duration
	exitCode int
	err      error
	calls    chan []string
}

func newScriptRunner(exitCode int) *scriptRunner {
	return &scriptRunner{exitCode: exitCode, calls: make(chan []string, 16)}
}

func (r *scriptRunner) Run(ctx context.Context, argv []string, cwd string, stdout io.Writer) (int, error) {
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return -1, ctx.Err()
		}
	}
	r.calls <- argv
	return r.exitCode, r.err
}

func waitForState(t *testing.T, j *Job, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		if j.State() == want {
			return
		}
		select {
		case <-j.StateChanged():
		case <-deadline:
			t.Fatalf("job %s did not reach state %s within %s (currently %s)", j.Name, want, timeout, j.State())
		}
	}
}

func TestJobUndefShortCircuitsToSuccessful(t *testing.T) {
	j := NewJob("noop", UndefCommand)
	require.Equal(t, StateUndef, j.State())
	j.Start(context.Background())
	waitForState(t, j, StateSuccessful, time.Second)
}

func TestJobRunsCommandAndRecordsSuccess(t *testing.T) {
	r := newScriptRunner(0)
	j := NewJob("work", "./script.sh")
	j.Runner = r
	j.Start(context.Background())
	waitForState(t, j, StateSuccessful, time.Second)
	require.Equal(t, 1, j.ExecCount())
	require.Equal(t, 0, j.FailCount())
	select {
	case argv := <-r.calls:
		require.Equal(t, []string{"./script.sh"}, argv)
	default:
		t.Fatal("runner was never invoked")
	}
}

func TestJobNonZeroExitFails(t *testing.T) {
	r := newScriptRunner(1)
	j := NewJob("work", "./script.sh")
	j.Runner = r
	j.Start(context.Background())
	waitForState(t, j, StateFailed, time.Second)
	require.Equal(t, 1, j.FailCount())
}

func TestJobSetCommandPathRejectedAfterStart(t *testing.T) {
	r := newScriptRunner(0)
	r.delay = 200 * time.Millisecond
	j := NewJob("work", "./script.sh")
	j.Runner = r
	j.Start(context.Background())
	waitForState(t, j, StateRunning, time.Second)
	require.ErrorIs(t, j.SetCommandPath("./other.sh"), ErrImmutableCommandPath)
}

func TestJobCancelRefusesRunningJob(t *testing.T) {
	r := newScriptRunner(0)
	r.delay = 200 * time.Millisecond
	j := NewJob("work", "./script.sh")
	j.Runner = r
	j.Start(context.Background())
	waitForState(t, j, StateRunning, time.Second)
	require.False(t, j.Cancel())
	waitForState(t, j, StateSuccessful, time.Second)
}

func TestJobCancelIdleJobSucceeds(t *testing.T) {
	j := NewJob("idle", "./script.sh")
	require.True(t, j.Cancel())
	require.Equal(t, StateCancelled, j.State())
}

func TestJobRunningProcessIsNotPreemptedByOuterContextCancel(t *testing.T) {
	r := newScriptRunner(0)
	r.delay = 150 * time.Millisecond
	j := NewJob("slow", "./script.sh")
	j.Runner = r

	ctx, cancel := context.WithCancel(context.Background())
	j.Start(ctx)
	waitForState(t, j, StateRunning, time.Second)
	cancel()

	// A RUNNING job is advisory-only for cancellation: once started, it
	// runs to completion regardless of the context it was started with.
	waitForState(t, j, StateSuccessful, time.Second)
}

func TestJobResetAllowsRerun(t *testing.T) {
	r := newScriptRunner(0)
	j := NewJob("work", "./script.sh")
	j.Runner = r
	j.Start(context.Background())
	waitForState(t, j, StateSuccessful, time.Second)

	j.Reset()
	require.Equal(t, StateReset, j.State())
	j.Start(context.Background())
	waitForState(t, j, StateSuccessful, time.Second)
	require.Equal(t, 2, j.ExecCount())
}
