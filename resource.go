// SPDX-License-Identifier: GPL-3.0-or-later

package execgraph

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat/distuv"
)

// Resource is a counting semaphore with a bounded capacity and a reservation
// timeout, shared across jobs in one tree. A negative Capacity means
// unbounded: reserve always succeeds immediately.
type Resource struct {
	ID   uuid.UUID
	Name string

	// Capacity is the number of concurrent reservations allowed. Negative
	// means unbounded.
	Capacity int

	// ReserveTimeout bounds how long a single Reserve call will block
	// before giving up.
	ReserveTimeout time.Duration

	mu     sync.Mutex
	inUse  int
	signal *broadcaster
}

// NewResource returns a new Resource with the given name, capacity and
// reservation timeout.
func NewResource(name string, capacity int, reserveTimeout time.Duration) *Resource {
	return &Resource{
		ID:             uuid.New(),
		Name:           name,
		Capacity:       capacity,
		ReserveTimeout: reserveTimeout,
		signal:         newBroadcaster(),
	}
}

// InUse returns the current number of outstanding reservations.
func (r *Resource) InUse() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inUse
}

// Reserve blocks, up to r.ReserveTimeout, until a slot is available, then
// reserves it. It returns false if the timeout elapses first. A Capacity
// less than zero always grants the reservation immediately.
func (r *Resource) Reserve(ctx context.Context) bool {
	if r.Capacity < 0 {
		return true
	}
	deadline, cancel := context.WithTimeout(ctx, r.ReserveTimeout)
	defer cancel()
	for {
		r.mu.Lock()
		if r.inUse < r.Capacity {
			r.inUse++
			r.mu.Unlock()
			return true
		}
		wait := r.signal.Wait()
		r.mu.Unlock()
		select {
		case <-wait:
			// re-check under lock at the top of the loop
		case <-deadline.Done():
			return false
		}
	}
}

// Release returns a previously acquired reservation, clamped at zero, and
// wakes any waiters so they can re-check availability.
func (r *Resource) Release() {
	if r.Capacity < 0 {
		return
	}
	r.mu.Lock()
	if r.inUse > 0 {
		r.inUse--
	}
	r.mu.Unlock()
	r.signal.Signal()
}

// defaultMaxAcquireAttempts is the default cap on retries in
// acquireResources.
const defaultMaxAcquireAttempts = 1000

// acquireResources implements the deadlock-avoidance multi-resource
// acquisition protocol: resources are reserved in the job's declared order;
// on partial failure everything reserved so far is released and the job
// backs off for a randomized interval before
// retrying. Releasing everything on a partial failure, rather than holding
// what was reserved while waiting for the rest, is what avoids circular
// hold-and-wait between jobs whose declared orders differ; the randomized
// backoff is what keeps two symmetric contenders from livelocking in
// perfect lockstep.
func acquireResources(ctx context.Context, resources []*Resource, maxAttempts int) bool {
	if len(resources) == 0 {
		return true
	}
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAcquireAttempts
	}
	minTimeout := resources[0].ReserveTimeout
	for _, r := range resources[1:] {
		if r.ReserveTimeout < minTimeout {
			minTimeout = r.ReserveTimeout
		}
	}
	backoff := time.Duration(len(resources)) * minTimeout
	jitter := distuv.Uniform{Min: 0, Max: float64(minTimeout)}
	reserved := make([]*Resource, 0, len(resources))
	for attempt := 0; attempt < maxAttempts; attempt++ {
		reserved = reserved[:0]
		ok := true
		for _, r := range resources {
			if r.Reserve(ctx) {
				reserved = append(reserved, r)
			} else {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
		for _, r := range reserved {
			r.Release()
		}
		sleep := backoff + time.Duration(jitter.Rand())
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return false
		}
	}
	return false
}
