// SPDX-License-Identifier: GPL-3.0-or-later

package execgraph

import (
	"context"
	"io"
)

// Runner is the interface a Job's external command invocation is isolated
// behind, so that both direct command execution and sub-tree delegation
// share the same call site (a Job either calls a Runner directly or
// delegates to its sub-tree's Tree.IterRun, which in turn runs each of the
// sub-tree's jobs through their own Runners).
//
// Implementations should honor ctx cancellation, terminating the underlying
// process as soon as reasonably possible.
type Runner interface {
	// Run executes argv[0] with the remaining elements of argv as its
	// arguments, in the given working directory (empty means inherit the
	// caller's), writing combined stdout/stderr to stdout if non-nil. It
	// returns the process's exit code, or a non-nil error if the command
	// itself could not be started.
	Run(ctx context.Context, argv []string, cwd string, stdout io.Writer) (exitCode int, err error)
}
