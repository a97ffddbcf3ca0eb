// Package health reports the readiness of the coordination engine's
// dependencies. An escrow record that cannot be persisted or pushed to
// subscribers is an outage even while the HTTP listener is up, so the
// server registers one checker per subsystem (record store, realtime
// hub) and the health endpoint aggregates them.
package health

import (
	"context"
	"fmt"
	"sync"
)

// Status is the outcome of probing a single subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// OK builds a passing status for the named subsystem.
func OK(name string) Status {
	return Status{Name: name, Healthy: true}
}

// Fail builds a failing status with a human-readable cause.
func Fail(name, detail string) Status {
	return Status{Name: name, Healthy: false, Detail: detail}
}

// Checker probes one subsystem. Checkers must honor ctx: the health
// endpoint runs them under a short deadline.
type Checker func(ctx context.Context) Status

// Registry holds named checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates an empty registry. A registry with no checkers
// reports healthy.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a named checker. Statuses come back from CheckAll in
// registration order.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll probes every registered subsystem concurrently, so one slow
// dependency cannot starve the rest of the endpoint's deadline. A
// checker that panics is reported as unhealthy instead of taking the
// handler down with it.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	statuses = make([]Status, len(checkers))

	var wg sync.WaitGroup
	for i, nc := range checkers {
		wg.Add(1)
		go func(i int, nc namedChecker) {
			defer wg.Done()
			defer func() {
				if v := recover(); v != nil {
					statuses[i] = Fail(nc.name, fmt.Sprintf("checker panicked: %v", v))
				}
			}()
			statuses[i] = nc.check(ctx)
		}(i, nc)
	}
	wg.Wait()

	healthy = true
	for _, st := range statuses {
		if !st.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}
