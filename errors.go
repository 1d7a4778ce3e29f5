// SPDX-License-Identifier: GPL-3.0-or-later

package execgraph

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel and structural errors. These are returned from constructors and
// setters and are fatal: a malformed Job, Dependency or Tree is rejected
// rather than constructed in an invalid state.
var (
	// ErrMultipleRunners is returned by Job.SetCommandPath when a command
	// path is set on a Job that delegates to a sub-tree.
	ErrMultipleRunners = errors.New("execgraph: job must have exactly one of command-path or subtree-reference")

	// ErrUnknownState is the value a Job panics with when it is moved to a
	// State outside the defined set.
	ErrUnknownState = errors.New("execgraph: unknown job state")

	// ErrBadDependencyState is returned when a Dependency is constructed
	// with a required state other than SUCCESSFUL or FAILED.
	ErrBadDependencyState = errors.New("execgraph: dependency required state must be SUCCESSFUL or FAILED")

	// ErrSelfDependency is returned when a Dependency's parent and child
	// are the same Job.
	ErrSelfDependency = errors.New("execgraph: a job cannot depend on itself")

	// ErrJobAlreadyOwned is returned when a Job that already belongs to a
	// tree is added to another.
	ErrJobAlreadyOwned = errors.New("execgraph: job already belongs to a tree")

	// ErrImmutableCommandPath is returned from Job.SetCommandPath when the
	// job is not in a PRESTART state.
	ErrImmutableCommandPath = errors.New("execgraph: command-path cannot be changed after the job has started")

	// ErrJobNotFound is returned by Tree.AddDep when a referenced job is
	// not a member of the tree.
	ErrJobNotFound = errors.New("execgraph: job is not part of this tree")

	// ErrDuplicateJobName is returned by Tree.AddJob when a job with the
	// same name already exists in the tree.
	ErrDuplicateJobName = errors.New("execgraph: job with this name already belongs to the tree")
)

// ValidationError collects the human-readable problems found by
// Tree.Validate. A nil *ValidationError (or one with no Problems) means the
// tree is valid. Validate accumulates every problem it finds rather than
// returning on the first one.
type ValidationError struct {
	Problems []string
}

// Error implements error.
func (v *ValidationError) Error() string {
	return fmt.Sprintf("execgraph: tree is invalid: %s", strings.Join(v.Problems, "; "))
}

// Empty returns true if there are no validation problems.
func (v *ValidationError) Empty() bool {
	return v == nil || len(v.Problems) == 0
}

// ResourceExhaustedError describes a job whose deadlock-avoidance resource
// acquisition retry loop exhausted its attempt budget without cancellation.
// Job.acquireResources records one on Job.LastError (and logs it, if the
// owning tree has a Logger) before the job is marked FAILED; it is not
// returned from Tree.Run directly.
type ResourceExhaustedError struct {
	JobName string
	Attempts int
}

// Error implements error.
func (r *ResourceExhaustedError) Error() string {
	return fmt.Sprintf("execgraph: job %q failed to acquire its resources after %d attempts", r.JobName, r.Attempts)
}
