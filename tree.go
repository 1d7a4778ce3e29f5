// SPDX-License-Identifier: GPL-3.0-or-later

// Package execgraph runs trees of jobs connected by state-gated
// dependencies, with counting-semaphore resources, advisory cancellation,
// and iterator-driven sub-tree re-runs.
package execgraph

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Tree is a container of jobs, dependencies, resources and an optional
// iterator; it owns the run loop and the tree's done-signal.
type Tree struct {
	ID          uuid.UUID
	Name        string
	Href        string
	Cwd         string
	WaitSuccess bool

	// Logger, if set, receives lifecycle log lines for this tree's jobs.
	Logger *Logger

	// Legend is arbitrary passthrough key/value metadata.
	Legend map[string]string

	mu        sync.Mutex
	jobs      []*Job
	deps      []*Dependency
	resources []*Resource
	subtrees  []*Tree
	iterator  *Iterator

	doneEvent *oneShot
	cancelled bool
	started   bool

	// parent is set when this tree is owned by a job in an enclosing tree,
	// used only so sub-tree Argument() propagation and diagnostics can walk
	// upward if ever needed; it is not required by the core algorithms.
	parent *Job
}

// NewTree returns a new, empty Tree rooted at the given working directory.
func NewTree(name, cwd string) *Tree {
	return &Tree{
		ID:        uuid.New(),
		Name:      name,
		Cwd:       cwd,
		Legend:    map[string]string{},
		doneEvent: newOneShot(),
	}
}

// Jobs returns a copy of the tree's job list.
func (t *Tree) Jobs() []*Job {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Job(nil), t.jobs...)
}

// Deps returns a copy of the tree's dependency list.
func (t *Tree) Deps() []*Dependency {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Dependency(nil), t.deps...)
}

// Resources returns a copy of the tree's resource list.
func (t *Tree) Resources() []*Resource {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Resource(nil), t.resources...)
}

// Subtrees returns a copy of the tree's directly-owned sub-tree list.
func (t *Tree) Subtrees() []*Tree {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Tree(nil), t.subtrees...)
}

// Iterator returns the tree's iterator, or nil if it has none.
func (t *Tree) Iterator() *Iterator {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.iterator
}

// SetIterator sets the tree's iterator, used to drive repeated runs via
// IterRun.
func (t *Tree) SetIterator(it *Iterator) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.iterator = it
}

// Argument returns the tree's current iterator argument, or "" if the tree
// has no iterator.
func (t *Tree) Argument() string {
	t.mu.Lock()
	it := t.iterator
	t.mu.Unlock()
	if it == nil {
		return ""
	}
	return it.Argument()
}

// AddResource adds a resource to the tree.
func (t *Tree) AddResource(r *Resource) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resources = append(t.resources, r)
}

// FindResource finds a resource by UUID string or name.
func (t *Tree) FindResource(needle string) (*Resource, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range t.resources {
		if r.ID.String() == needle || r.Name == needle {
			return r, true
		}
	}
	return nil, false
}

// AddJob adds a job to the tree. If the job delegates to a sub-tree not
// already owned by this tree, that sub-tree is adopted as well. It is an
// error to add two jobs with the same name.
func (t *Tree) AddJob(j *Job) error {
	t.mu.Lock()
	for _, ex := range t.jobs {
		if ex.Name == j.Name {
			t.mu.Unlock()
			return ErrDuplicateJobName
		}
	}
	t.mu.Unlock()
	if err := j.setTree(t); err != nil {
		return err
	}
	t.mu.Lock()
	if st := j.Subtree(); st != nil {
		owned := false
		for _, s := range t.subtrees {
			if s == st {
				owned = true
				break
			}
		}
		if !owned {
			st.parent = j
			t.subtrees = append(t.subtrees, st)
		}
	}
	t.jobs = append(t.jobs, j)
	t.mu.Unlock()
	t.invalidateAncestryCaches()
	return nil
}

// FindJob finds a job in this tree (not recursing into sub-trees) by name
// or UUID string.
func (t *Tree) FindJob(needle string) (*Job, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, j := range t.jobs {
		if j.Name == needle || j.ID.String() == needle {
			return j, true
		}
	}
	return nil, false
}

// FindJobDeep finds a job by name or UUID string, looking through this tree
// and all of its sub-trees.
func (t *Tree) FindJobDeep(needle string) (*Job, bool) {
	for _, tr := range t.trees() {
		if j, ok := tr.FindJob(needle); ok {
			return j, true
		}
	}
	return nil, false
}

// trees returns this tree followed by all of its sub-trees, recursively.
func (t *Tree) trees() []*Tree {
	out := []*Tree{t}
	for _, s := range t.Subtrees() {
		out = append(out, s.trees()...)
	}
	return out
}

// AddDep adds a dependency between two jobs already added to the tree.
func (t *Tree) AddDep(parent, child *Job, requiredState State) (*Dependency, error) {
	t.mu.Lock()
	pOK, cOK := false, false
	for _, j := range t.jobs {
		if j == parent {
			pOK = true
		}
		if j == child {
			cOK = true
		}
	}
	t.mu.Unlock()
	if !pOK || !cOK {
		return nil, ErrJobNotFound
	}
	for _, p := range child.Parents() {
		if p == parent {
			return nil, nil // duplicate dependency, silently ignored
		}
	}
	d, err := NewDependency(parent, child, requiredState)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.deps = append(t.deps, d)
	t.mu.Unlock()
	t.invalidateAncestryCaches()
	return d, nil
}

// invalidateAncestryCaches clears every job's memoized hasDefinedAncestors
// result; called whenever the dependency graph or job set changes.
func (t *Tree) invalidateAncestryCaches() {
	for _, j := range t.Jobs() {
		j.invalidateAncestryCache()
	}
}

// depsWhereChild returns the dependencies in which j is the child.
func (t *Tree) depsWhereChild(j *Job) (dd []*Dependency) {
	for _, d := range t.Deps() {
		if d.Child == j {
			dd = append(dd, d)
		}
	}
	return
}

// depsWhereParent returns the dependencies in which j is the parent.
func (t *Tree) depsWhereParent(j *Job) (dd []*Dependency) {
	for _, d := range t.Deps() {
		if d.Parent == j {
			dd = append(dd, d)
		}
	}
	return
}

// Stems returns the defined jobs with no defined ancestor: the roots of the
// execution DAG.
func (t *Tree) Stems() []*Job {
	var out []*Job
	for _, j := range t.Jobs() {
		if j.IsDefined() && !j.hasDefinedAncestors() {
			out = append(out, j)
		}
	}
	return out
}

// Leaves returns the jobs that have outgoing dependencies (some other job
// depends on them), using graph-rendering-oriented terminology.
func (t *Tree) Leaves() []*Job {
	var out []*Job
	for _, j := range t.Jobs() {
		if len(j.ChildDeps()) > 0 {
			out = append(out, j)
		}
	}
	return out
}

// FailedJobs returns the jobs currently in the FAILED state.
func (t *Tree) FailedJobs() []*Job {
	var out []*Job
	for _, j := range t.Jobs() {
		if j.IsFailed() {
			out = append(out, j)
		}
	}
	return out
}

// AllJobs returns every job in this tree and, recursively, every sub-tree.
func (t *Tree) AllJobs() []*Job {
	var out []*Job
	for _, tr := range t.trees() {
		out = append(out, tr.Jobs()...)
	}
	return out
}

//
// validation
//

// Validate checks that the tree is a connected, acyclic graph with exactly
// one stem, and that every job and the iterator (if any) are individually
// well-formed. The returned *ValidationError has an empty Problems list
// (Empty() is true) when the tree is valid.
func (t *Tree) Validate() *ValidationError {
	ve := &ValidationError{}
	stems := t.Stems()
	switch {
	case len(stems) == 0:
		ve.Problems = append(ve.Problems, fmt.Sprintf("tree %s is empty, has 0 stems", t.Name))
	case len(stems) > 1:
		names := make([]string, len(stems))
		for i, s := range stems {
			names[i] = s.Name
		}
		ve.Problems = append(ve.Problems, fmt.Sprintf("tree %s has multiple stems (%v)", t.Name, names))
	}
	for _, stem := range stems {
		visited := map[*Job]bool{}
		if !t.validateNoCycles(stem, visited, map[*Job]bool{}) {
			ve.Problems = append(ve.Problems, fmt.Sprintf("tree %s has cycles", t.Name))
		}
		var unconnected []string
		for _, j := range t.Jobs() {
			if j.IsDefined() && !visited[j] {
				unconnected = append(unconnected, j.Name)
			}
		}
		if len(unconnected) > 0 {
			ve.Problems = append(ve.Problems, fmt.Sprintf("the jobs %v are not connected to %s", unconnected, stem.Name))
		}
	}
	for _, j := range t.Jobs() {
		ve.Problems = append(ve.Problems, j.validate()...)
	}
	if it := t.Iterator(); it != nil && it.Len() < 1 {
		ve.Problems = append(ve.Problems, fmt.Sprintf("iterator for tree %s needs at least one argument to run", t.Name))
	}
	return ve
}

// problems returns the ValidationError's Problems list, or nil if ve is nil.
func (ve *ValidationError) problems() []string {
	if ve == nil {
		return nil
	}
	return ve.Problems
}

// validateNoCycles performs a DFS from job, returning false the moment a
// back-edge (a child already on the current DFS path) is found.
func (t *Tree) validateNoCycles(job *Job, visited, onPath map[*Job]bool) bool {
	if onPath[job] {
		return false
	}
	onPath[job] = true
	visited[job] = true
	for _, child := range job.Children() {
		if !t.validateNoCycles(child, visited, onPath) {
			return false
		}
	}
	onPath[job] = false
	return true
}

//
// run loop
//

// Run schedules every job in the tree for execution. If blocking is true,
// Run waits for the tree to finish (or for timeout to elapse, if positive),
// canceling the tree on timeout. If the tree is already cancelled, Run
// returns immediately without starting anything.
func (t *Tree) Run(ctx context.Context, blocking bool, timeout time.Duration) {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	for _, j := range t.Jobs() {
		j.Start(runCtx)
	}
	t.mu.Lock()
	t.started = true
	t.mu.Unlock()

	if !blocking {
		return
	}
	select {
	case <-t.doneEvent.Wait():
	case <-runCtx.Done():
		t.Cancel()
	}
}

// onJobStateChange is called by a Job (via Tree) whenever its state
// changes; it's the Go analog of attaching a listener to each of a job's
// per-state events that re-evaluates tree-done on fire.
func (t *Tree) onJobStateChange() {
	t.IsDone()
}

// IsDone returns true once every must-complete job in the tree has reached
// a terminal state (or, if WaitSuccess is set and the tree hasn't been
// cancelled, a SUCCESS state). The first time this becomes true, it sets
// the tree's done-flag and cancels the tree to quiesce any non-must-complete
// stragglers.
func (t *Tree) IsDone() bool {
	t.mu.Lock()
	waitSuccess := t.WaitSuccess
	cancelled := t.cancelled
	jobs := append([]*Job(nil), t.jobs...)
	t.mu.Unlock()

	for _, j := range jobs {
		if !j.MustComplete {
			continue
		}
		if !cancelled && waitSuccess && !j.IsSuccess() {
			return false
		}
		if !j.IsDone() {
			return false
		}
	}
	t.doneEvent.Set()
	t.Cancel()
	return true
}

// Done returns a channel that's closed once the tree has finished.
func (t *Tree) Done() <-chan struct{} {
	return t.doneEvent.Wait()
}

// IsSuccess returns true if every job in the tree is in a SUCCESS state.
func (t *Tree) IsSuccess() bool {
	for _, j := range t.Jobs() {
		if !j.IsSuccess() {
			return false
		}
	}
	return true
}

// Cancel aborts tree execution: it prevents new jobs from starting and
// marks every not-yet-running job CANCELLED. Running jobs finish naturally.
// Cancel is idempotent: calling it more than once after the first has no
// further effect.
func (t *Tree) Cancel() {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		return
	}
	t.cancelled = true
	jobs := append([]*Job(nil), t.jobs...)
	subtrees := append([]*Tree(nil), t.subtrees...)
	t.mu.Unlock()

	for _, j := range jobs {
		j.Cancel()
	}
	for _, s := range subtrees {
		s.Cancel()
	}
	t.IsDone()
}

// Cancelled returns whether Cancel has been called on this tree.
func (t *Tree) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// Started returns whether Run has been called on this tree.
func (t *Tree) Started() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started
}

//
// sub-tree iteration
//

// IterRun runs the tree, repeating the run for every element of its
// iterator (if any). It returns false if the iterator was already
// exhausted when called, stops iterating and returns false the moment an
// iteration doesn't succeed fully, and returns true once every iteration
// has succeeded.
func (t *Tree) IterRun(ctx context.Context) (bool, error) {
	it := t.Iterator()
	if it == nil {
		t.Run(ctx, true, 0)
		return t.IsSuccess(), nil
	}
	if it.Exhausted() {
		return false, nil
	}
	for {
		t.Run(ctx, true, 0)
		if !t.IsSuccess() {
			return false, nil
		}
		t.advance()
		if it.Exhausted() {
			return true, nil
		}
	}
}

// advance clears the tree's done-flag and cancellation, advances the
// iterator's cursor, and resets every job so the next iteration starts
// clean.
func (t *Tree) advance() {
	t.mu.Lock()
	t.doneEvent.Clear()
	t.cancelled = false
	it := t.iterator
	jobs := append([]*Job(nil), t.jobs...)
	t.mu.Unlock()
	if it != nil {
		it.IncrementOne()
	}
	for _, j := range jobs {
		j.Reset()
	}
}

// ExtendArgs appends args to every job's argument list in this tree and,
// recursively, in every sub-tree. IterRun does not call it: the current
// iterator argument reaches a job's argv because Job.invoke appends its own
// tree's Argument when it runs the command.
func (t *Tree) ExtendArgs(args ...string) {
	for _, j := range t.Jobs() {
		j.AppendArguments(args...)
	}
	for _, s := range t.Subtrees() {
		s.ExtendArgs(args...)
	}
}

//
// status
//

// JobStatus is the JSON-serializable status of a single job.
type JobStatus struct {
	Status    string `json:"status"`
	Progress  int    `json:"progress"`
	Iteration string `json:"iteration,omitempty"`
}

// JSONStatus returns a map from job name to JobStatus, for every job in
// this tree and its sub-trees.
func (t *Tree) JSONStatus() map[string]JobStatus {
	out := map[string]JobStatus{}
	t.collectStatus(out)
	return out
}

func (t *Tree) collectStatus(out map[string]JobStatus) {
	for _, j := range t.Jobs() {
		js := JobStatus{Status: j.State().String(), Progress: j.Progress()}
		if st := j.Subtree(); st != nil {
			if it := st.Iterator(); it != nil {
				js.Iteration = fmt.Sprintf("%d/%d", it.Run(), it.Len())
			}
			st.collectStatus(out)
		}
		out[j.Name] = js
	}
}

// SpawnStatusUpdater starts a goroutine that calls update with the tree's
// JSONStatus every interval, until ctx is canceled or the tree is done.
func (t *Tree) SpawnStatusUpdater(ctx context.Context, interval time.Duration, update func(map[string]JobStatus)) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				update(t.JSONStatus())
			case <-t.Done():
				update(t.JSONStatus())
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}
