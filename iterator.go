// SPDX-License-Identifier: GPL-3.0-or-later

package execgraph

import "sync"

// Iterator is an ordered list of argument strings plus a cursor, used to
// drive repeated execution of a sub-tree. It is safe for concurrent use:
// every method holds the iterator's mutex.
type Iterator struct {
	// Name is an optional label for the iterator, for diagnostics.
	Name string

	mu   sync.Mutex
	args []string
	run  int
}

// NewIterator returns an Iterator over the given argument list.
func NewIterator(name string, args []string) *Iterator {
	cp := make([]string, len(args))
	copy(cp, args)
	return &Iterator{Name: name, args: cp}
}

// Args returns a copy of the iterator's argument list.
func (it *Iterator) Args() []string {
	it.mu.Lock()
	defer it.mu.Unlock()
	cp := make([]string, len(it.args))
	copy(cp, it.args)
	return cp
}

// Run returns the current cursor position.
func (it *Iterator) Run() int {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.run
}

// Len returns the number of elements in the iterator.
func (it *Iterator) Len() int {
	it.mu.Lock()
	defer it.mu.Unlock()
	return len(it.args)
}

// Exhausted returns true when there is nothing left to run.
func (it *Iterator) Exhausted() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.run >= len(it.args)
}

// Argument returns the current argument, or "" if the iterator is empty.
func (it *Iterator) Argument() string {
	it.mu.Lock()
	defer it.mu.Unlock()
	if len(it.args) == 0 {
		return ""
	}
	i := it.run
	if i >= len(it.args) {
		i = len(it.args) - 1
	}
	return it.args[i]
}

// Increment advances the cursor by inc (default 1 via IncrementOne) and
// returns whether the iterator still has elements left to run.
func (it *Iterator) Increment(inc int) bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.run += inc
	return it.run < len(it.args)
}

// IncrementOne advances the cursor by one.
func (it *Iterator) IncrementOne() bool {
	return it.Increment(1)
}

// reset rewinds the cursor to the start. No Tree method calls it: IterRun
// and advance only move the cursor forward.
func (it *Iterator) reset() {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.run = 0
}
