// SPDX-License-Identifier: GPL-3.0-or-later

package execgraph

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
)

// UndefCommand is the distinguished command-path value that marks a job as
// a no-op ("undefined"): it is treated as trivially successful for
// downstream dependency waits, but is distinguished from SUCCESSFUL for
// "is defined?" graph queries used by validation.
const UndefCommand = "-"

// Job is a unit of work with a state machine; it either wraps an external
// command or delegates to a sub-tree.
type Job struct {
	ID   uuid.UUID
	Name string

	// Href and TColor are inert passthrough metadata for diagram rendering
	// tooling, out of scope for this engine but round-tripped by the codec.
	Href   string
	TColor string

	// MustComplete, if false, means tree completion does not wait on this
	// job reaching a terminal state.
	MustComplete bool

	// LogPath, if set, is where the job's combined stdout/stderr is
	// appended during Run.
	LogPath string

	// Runner is the implementation used to execute this job when it has a
	// CommandPath set. If nil, a CommandRunner is used.
	Runner Runner

	// LastError records the reason the job last failed outside of a
	// non-zero exit code, e.g. a ResourceExhaustedError from a resource
	// acquisition that ran out of attempts. It is nil otherwise.
	LastError error

	mu          sync.Mutex
	tree        *Tree
	commandPath string
	arguments   []string
	resources   []*Resource
	subtree     *Tree

	state State
	events [StateBlocked + 1]*oneShot
	stateChanged *broadcaster

	execCount int
	failCount int
	progress  int

	ancestryMu     sync.Mutex
	ancestryCached bool
	ancestryValue  bool
}

// NewJob returns a new Job with the given name and command path. Pass
// UndefCommand for a no-op job. Use NewSubtreeJob instead for a job that
// delegates to a sub-tree.
func NewJob(name, commandPath string, arguments ...string) *Job {
	j := newBareJob(name)
	j.commandPath = commandPath
	j.arguments = append([]string(nil), arguments...)
	if commandPath == UndefCommand {
		j.state = StateUndef
		j.events[StateUndef].Set()
	}
	return j
}

// NewSubtreeJob returns a new Job that delegates to the given sub-tree. The
// sub-tree is not yet owned by any tree; Tree.AddJob takes ownership of it
// when this job is added.
func NewSubtreeJob(name string, subtree *Tree) *Job {
	j := newBareJob(name)
	j.subtree = subtree
	return j
}

// newBareJob allocates a Job with its state machine initialized to IDLE.
func newBareJob(name string) *Job {
	j := &Job{
		ID:           uuid.New(),
		Name:         name,
		MustComplete: true,
		state:        StateIdle,
		stateChanged: newBroadcaster(),
		progress:     -1,
	}
	for s := range j.events {
		j.events[s] = newOneShot()
	}
	j.events[StateIdle].Set()
	return j
}

// eventFor returns the one-shot event for the given state.
func (j *Job) eventFor(s State) *oneShot {
	return j.events[s]
}

// StateChanged returns a channel that's closed the next time the job's
// state changes; unlike the per-state events, it fires on every transition
// and is then re-armed.
func (j *Job) StateChanged() <-chan struct{} {
	return j.stateChanged.Wait()
}

// State returns the job's current state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Tree returns the tree this job belongs to, or nil if it hasn't been added
// to one yet.
func (j *Job) Tree() *Tree {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.tree
}

// setTree assigns the job's owning tree. It is write-once: calling it a
// second time returns ErrJobAlreadyOwned.
func (j *Job) setTree(t *Tree) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.tree != nil {
		return ErrJobAlreadyOwned
	}
	j.tree = t
	return nil
}

// CommandPath returns the job's command path, or "" if it delegates to a
// sub-tree.
func (j *Job) CommandPath() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.commandPath
}

// SetCommandPath sets the job's command path. It is only permitted while
// the job is in a PRESTART state (IDLE, UNDEF or BLOCKED); setting it to
// UndefCommand while IDLE transitions the job to UNDEF.
func (j *Job) SetCommandPath(path string) error {
	j.mu.Lock()
	if j.subtree != nil && path != "" {
		j.mu.Unlock()
		return ErrMultipleRunners
	}
	if !j.state.prestart() {
		j.mu.Unlock()
		return ErrImmutableCommandPath
	}
	j.commandPath = path
	var changed bool
	if path == UndefCommand && j.state == StateIdle {
		changed = j.setStateLocked(StateUndef)
	}
	t := j.tree
	j.mu.Unlock()
	if changed && t != nil {
		t.onJobStateChange()
	}
	return nil
}

// Subtree returns the sub-tree this job delegates to, or nil.
func (j *Job) Subtree() *Tree {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.subtree
}

// Arguments returns a copy of the job's argument list.
func (j *Job) Arguments() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.arguments...)
}

// AppendArguments appends to the job's argument list; Tree.ExtendArgs calls
// it for every job of a tree and its sub-trees.
func (j *Job) AppendArguments(args ...string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.arguments = append(j.arguments, args...)
}

// Resources returns the job's declared resource list, in declared order.
func (j *Job) Resources() []*Resource {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]*Resource(nil), j.resources...)
}

// SetResources sets the job's resource list, in acquisition order.
func (j *Job) SetResources(resources ...*Resource) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.resources = append([]*Resource(nil), resources...)
}

// ExecCount returns the number of times the job has completed execution
// (across iterations).
func (j *Job) ExecCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.execCount
}

// FailCount returns the number of times the job has failed (across
// iterations).
func (j *Job) FailCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.failCount
}

// Progress returns the job's progress in [0,100], or -1 if unknown.
func (j *Job) Progress() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.progress
}

// SetProgress sets the job's progress to a value in [0,100]; out-of-range
// values are ignored.
func (j *Job) SetProgress(p int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if p >= 0 && p <= 100 {
		j.progress = p
	}
}

// IsDefined returns true if the job's state is not UNDEF, i.e. it performs
// real work.
func (j *Job) IsDefined() bool {
	return j.State() != StateUndef
}

// IsDone returns true if the job's state is one of the DONE states.
func (j *Job) IsDone() bool {
	return j.State().done()
}

// IsSuccess returns true if the job's state is one of the SUCCESS states.
func (j *Job) IsSuccess() bool {
	return j.State().success()
}

// IsFailed returns true if the job's state is FAILED.
func (j *Job) IsFailed() bool {
	return j.State() == StateFailed
}

// IsCancelled returns true if the job's state is CANCELLED.
func (j *Job) IsCancelled() bool {
	return j.State() == StateCancelled
}

// Orphan returns true if the job has no parents.
func (j *Job) Orphan() bool {
	return len(j.ParentDeps()) == 0
}

// ParentDeps returns the dependencies for which this job is the child.
func (j *Job) ParentDeps() []*Dependency {
	t := j.Tree()
	if t == nil {
		return nil
	}
	return t.depsWhereChild(j)
}

// ChildDeps returns the dependencies for which this job is the parent.
func (j *Job) ChildDeps() []*Dependency {
	t := j.Tree()
	if t == nil {
		return nil
	}
	return t.depsWhereParent(j)
}

// Parents returns the jobs this job directly depends on.
func (j *Job) Parents() []*Job {
	dd := j.ParentDeps()
	jj := make([]*Job, len(dd))
	for i, d := range dd {
		jj[i] = d.Parent
	}
	return jj
}

// Children returns the jobs that directly depend on this job.
func (j *Job) Children() []*Job {
	dd := j.ChildDeps()
	jj := make([]*Job, len(dd))
	for i, d := range dd {
		jj[i] = d.Child
	}
	return jj
}

// hasDefinedAncestors returns true if any ancestor of this job (reachable by
// walking parent edges transitively) is defined. The result is memoized on
// the job since the dependency graph is fixed once a tree starts running;
// Tree.AddDep and Tree.AddJob invalidate the cache for the whole tree, since
// either can change the ancestry of any job.
func (j *Job) hasDefinedAncestors() bool {
	j.ancestryMu.Lock()
	if j.ancestryCached {
		v := j.ancestryValue
		j.ancestryMu.Unlock()
		return v
	}
	j.ancestryMu.Unlock()
	// Walk the ancestors breadth-first with a visited set, so that a cycle
	// among undefined jobs terminates instead of recursing forever.
	v := false
	seen := map[*Job]bool{}
	queue := j.Parents()
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		if seen[p] {
			continue
		}
		seen[p] = true
		if p.IsDefined() {
			v = true
			break
		}
		queue = append(queue, p.Parents()...)
	}
	j.ancestryMu.Lock()
	j.ancestryCached = true
	j.ancestryValue = v
	j.ancestryMu.Unlock()
	return v
}

// invalidateAncestryCache clears the memoized hasDefinedAncestors result.
func (j *Job) invalidateAncestryCache() {
	j.ancestryMu.Lock()
	j.ancestryCached = false
	j.ancestryMu.Unlock()
}

// setState transitions the job to s, firing the destination state's one-shot
// event and the state-changed broadcast, then notifies the owning tree so it
// can re-evaluate completion. It is a no-op if s equals the current state.
//
// The tree notification happens after j.mu is released: Tree.onJobStateChange
// walks every job in the tree (including this one) and reads their state,
// which would deadlock against j.mu if called while still held.
func (j *Job) setState(s State) {
	j.mu.Lock()
	changed := j.setStateLocked(s)
	t := j.tree
	j.mu.Unlock()
	if changed && t != nil {
		if t.Logger != nil {
			t.Logger.Log(j.Name, "state", "%s", s)
		}
		t.onJobStateChange()
	}
}

// setStateLocked transitions the job to s; j.mu must be held by the caller.
// It returns whether a transition actually occurred. Callers are
// responsible for notifying the owning tree after releasing j.mu.
func (j *Job) setStateLocked(s State) bool {
	if !s.valid() {
		panic(ErrUnknownState)
	}
	if j.state == s {
		return false
	}
	j.state = s
	j.stateChanged.Signal()
	j.events[s].Set()
	return true
}

// validate checks that the job can perform what's required of it: exactly
// one runner selector is set, the command file exists and is executable (or
// is the UndefCommand sentinel), or the sub-tree validates recursively.
func (j *Job) validate() (errs []string) {
	j.mu.Lock()
	cp, st := j.commandPath, j.subtree
	j.mu.Unlock()
	switch {
	case cp != "" && st != nil:
		errs = append(errs, fmt.Sprintf("job %s has both a command-path and a subtree-reference set", j.Name))
	case cp != "":
		if cp == UndefCommand {
			return
		}
		info, err := os.Stat(cp)
		if err != nil {
			errs = append(errs, fmt.Sprintf("file %s needed by job %s does not exist", cp, j.Name))
			return
		}
		if info.Mode()&0o111 == 0 {
			errs = append(errs, fmt.Sprintf("file %s needed by job %s is not executable", cp, j.Name))
		}
	case st != nil:
		errs = append(errs, st.Validate().problems()...)
	default:
		errs = append(errs, fmt.Sprintf("job %s must have a command-path or subtree-reference set", j.Name))
	}
	return
}

// Start puts the job in its waiting queue: it runs in a new goroutine once
// its dependencies are satisfied and its resources are available. An
// orphaned UNDEF job short-circuits immediately rather than waiting on
// nothing in a goroutine.
func (j *Job) Start(ctx context.Context) {
	j.mu.Lock()
	state := j.state
	orphan := len(j.parentDepsLocked()) == 0
	j.mu.Unlock()
	if state == StateUndef && orphan {
		j.setState(StateRunning)
		j.setState(StateSuccessful)
		return
	}
	if state == StateSuccessful {
		return
	}
	go j.run(ctx)
}

// parentDepsLocked returns parent dependencies without re-acquiring j.mu;
// callers must hold j.mu. It avoids a lock-order issue with Tree lookups by
// reading the tree reference directly.
func (j *Job) parentDepsLocked() []*Dependency {
	t := j.tree
	if t == nil {
		return nil
	}
	return t.depsWhereChild(j)
}

// run is the body of the goroutine spawned by Start for jobs that are not
// short-circuited. It waits on dependencies, acquires resources, invokes the
// runner, and records the outcome.
func (j *Job) run(ctx context.Context) {
	rctx, rcancel := context.WithCancel(ctx)
	defer rcancel()
	go func() {
		select {
		case <-j.events[StateCancelled].Wait():
			rcancel()
		case <-rctx.Done():
		}
	}()

	j.parentWait(rctx)

	if j.State() == StateUndef {
		j.setState(StateRunning)
		j.setState(StateSuccessful)
		return
	}
	if j.State().done() {
		return
	}

	resources := j.Resources()
	if !j.acquireResources(rctx, resources) {
		if !j.State().done() {
			j.setState(StateFailed)
		}
		return
	}

	j.setState(StateRunning)
	rcode, err := j.invoke(ctx)
	j.releaseResources(resources)

	j.mu.Lock()
	j.execCount++
	j.mu.Unlock()

	if err == nil && rcode == 0 {
		j.setState(StateSuccessful)
		return
	}
	j.mu.Lock()
	j.failCount++
	j.mu.Unlock()
	j.setState(StateFailed)
}

// parentWait blocks sequentially on each inbound dependency. Ordering among
// dependencies doesn't matter: each wait is independent and the underlying
// events are monotonic. If ctx is canceled (including via this job's own
// CANCELLED event, wired up by run), parentWait returns as soon as the
// current dependency's Wait call does.
func (j *Job) parentWait(ctx context.Context) {
	for _, d := range j.ParentDeps() {
		if d.Wait(ctx) != nil {
			return
		}
	}
}

// acquireResources implements the job's multi-resource acquisition protocol,
// transitioning the job to BLOCKED while it retries and back to IDLE on
// success (the caller then transitions it to RUNNING).
func (j *Job) acquireResources(ctx context.Context, resources []*Resource) bool {
	if len(resources) == 0 {
		return true
	}
	j.setState(StateBlocked)
	ok := acquireResources(ctx, resources, defaultMaxAcquireAttempts)
	if ok {
		j.setState(StateIdle)
		return true
	}
	if ctx.Err() == nil {
		err := &ResourceExhaustedError{JobName: j.Name, Attempts: defaultMaxAcquireAttempts}
		j.mu.Lock()
		j.LastError = err
		tree := j.tree
		j.mu.Unlock()
		if tree != nil && tree.Logger != nil {
			tree.Logger.Log(j.Name, "resource", "%s", err)
		}
	}
	return false
}

// releaseResources releases every resource the job holds.
func (j *Job) releaseResources(resources []*Resource) {
	for _, r := range resources {
		r.Release()
	}
}

// invoke runs the job's runner: either the external command or the
// sub-tree's iterated run. It returns the exit code (0 for success), or a
// non-nil error if the runner itself could not be invoked.
func (j *Job) invoke(ctx context.Context) (rcode int, err error) {
	j.mu.Lock()
	cp := j.commandPath
	args := append([]string(nil), j.arguments...)
	st := j.subtree
	logPath := j.LogPath
	tree := j.tree
	runner := j.Runner
	j.mu.Unlock()

	switch {
	case cp != "":
		if runner == nil {
			runner = DefaultCommandRunner
		}
		argv := append([]string{cp}, args...)
		if tree != nil {
			if a := tree.Argument(); a != "" {
				argv = append(argv, a)
			}
		}
		cwd := ""
		if tree != nil {
			cwd = tree.Cwd
		}
		var w *bufio.Writer
		var f *os.File
		if logPath != "" {
			if f, err = os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644); err != nil {
				return
			}
			defer f.Close()
			w = bufio.NewWriter(f)
			defer w.Flush()
		}
		// A job that has started running is not preempted by the tree being
		// cancelled or timing out: cancellation only withholds not-yet-started
		// jobs. WithoutCancel keeps any request-scoped values but detaches the
		// runner from the caller's cancellation and deadline.
		runCtx := context.WithoutCancel(ctx)
		if w != nil {
			rcode, err = runner.Run(runCtx, argv, cwd, w)
		} else {
			rcode, err = runner.Run(runCtx, argv, cwd, nil)
		}
		return
	case st != nil:
		ok, ierr := st.IterRun(ctx)
		if ierr != nil {
			return 0, ierr
		}
		if !ok {
			rcode = 1
		}
		return
	default:
		return 0, fmt.Errorf("execgraph: job %s has no runner configured", j.Name)
	}
}

// Cancel marks the job as cancelled. Jobs can only be cancelled if they are
// not running; cancelling a job already in a DONE state is a harmless no-op
// that reports success. It returns false only if the job is RUNNING.
func (j *Job) Cancel() bool {
	j.mu.Lock()
	if j.state == StateRunning {
		j.mu.Unlock()
		return false
	}
	if j.state.done() {
		j.mu.Unlock()
		return true
	}
	changed := j.setStateLocked(StateCancelled)
	t := j.tree
	j.mu.Unlock()
	if changed && t != nil {
		t.onJobStateChange()
	}
	return true
}

// Reset prepares the job to be executed again: it clears all per-state
// events, clamps a positive progress back to zero, and transitions to
// RESET. It is a no-op for UNDEF jobs, which remain short-circuited
// successes forever.
func (j *Job) Reset() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state == StateUndef {
		return
	}
	for _, e := range j.events {
		e.Clear()
	}
	if j.progress > 0 {
		j.progress = 0
	}
	j.setStateLocked(StateReset)
}

// ReadLog reads up to maxBytes from the tail of the job's log file. It
// returns an empty string if the job has no log file, and an error only if
// the file exists but could not be read.
func (j *Job) ReadLog(maxBytes int64) (string, error) {
	j.mu.Lock()
	path := j.LogPath
	j.mu.Unlock()
	if path == "" {
		return "", nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	size := info.Size()
	start := size - maxBytes
	if start < 0 {
		start = 0
	}
	if _, err = f.Seek(start, 0); err != nil {
		return "", err
	}
	buf := make([]byte, size-start)
	if _, err = f.Read(buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
