// SPDX-License-Identifier: GPL-3.0-or-later

package execgraph

import "context"

// Dependency is an immutable directed edge from a parent Job to a child Job,
// qualified by the parent terminal state that satisfies it.
type Dependency struct {
	Parent        *Job
	Child         *Job
	RequiredState State
}

// NewDependency returns a new Dependency. RequiredState must be
// StateSuccessful or StateFailed, and parent and child must be different
// jobs.
func NewDependency(parent, child *Job, requiredState State) (*Dependency, error) {
	if !requiredState.dependencySatisfying() {
		return nil, ErrBadDependencyState
	}
	if parent == child {
		return nil, ErrSelfDependency
	}
	return &Dependency{Parent: parent, Child: child, RequiredState: requiredState}, nil
}

// Wait blocks until the parent job reaches RequiredState, or until ctx is
// canceled. It returns ctx.Err() in the latter case.
//
// If the parent never reaches RequiredState (for example, it is CANCELLED
// while RequiredState is SUCCESSFUL), this call blocks until ctx is
// canceled. Job.run passes a ctx that is canceled when the child job itself
// becomes CANCELLED (as Tree.Cancel does to every job not yet running), and
// after parentWait returns it checks the child's own state to decide
// whether to go on.
func (d *Dependency) Wait(ctx context.Context) error {
	select {
	case <-d.Parent.eventFor(d.RequiredState).Wait():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
