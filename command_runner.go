// SPDX-License-Identifier: GPL-3.0-or-later

package execgraph

import (
	"context"
	"errors"
	"io"
	"os/exec"

	shellquote "github.com/kballard/go-shellquote"
)

// CommandRunner is the default Runner: it executes argv as an external
// process using os/exec, with context-aware cancellation and combined
// stdout/stderr capture to a single sink.
type CommandRunner struct{}

// DefaultCommandRunner is the Runner used by a Job when none is explicitly
// set.
var DefaultCommandRunner Runner = CommandRunner{}

// Run implements Runner.
func (CommandRunner) Run(ctx context.Context, argv []string, cwd string, stdout io.Writer) (exitCode int, err error) {
	if len(argv) == 0 {
		return 0, errEmptyArgv
	}
	c := exec.CommandContext(ctx, argv[0], argv[1:]...)
	c.Dir = cwd
	if stdout != nil {
		c.Stdout = stdout
		c.Stderr = stdout
	}
	err = c.Run()
	if err == nil {
		return 0, nil
	}
	if ee, ok := err.(*exec.ExitError); ok {
		return ee.ExitCode(), nil
	}
	return -1, err
}

var errEmptyArgv = errors.New("execgraph: empty argv")

// SplitCommandLine splits a single shell-style command-line string into an
// argv slice, honoring quoting the way a shell would (e.g.
// "./check.sh --flag 'two words'"), for callers that accept a job's command
// as one string rather than a pre-split argv list.
func SplitCommandLine(cmdline string) ([]string, error) {
	return shellquote.Split(cmdline)
}
