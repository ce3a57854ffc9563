// Package health tracks named checks over engine state and serves their
// status as JSON.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/distribution/raster/internal/dcontext"
)

// Checker is the interface for a health checker.
type Checker interface {
	// Check returns nil if the service is okay.
	Check(ctx context.Context) error
}

// CheckFunc is a convenience type to create functions that implement
// the Checker interface.
type CheckFunc func(context.Context) error

// Check implements the Checker interface.
func (cf CheckFunc) Check(ctx context.Context) error {
	return cf(ctx)
}

// Updater implements a health check that is explicitly set.
type Updater interface {
	Checker

	// Update updates the current status of the health check.
	Update(status error)
}

// thresholdUpdater only reports a failure once it has been seen threshold
// times in a row.
type thresholdUpdater struct {
	mu        sync.Mutex
	status    error
	threshold int
	count     int
}

func (tu *thresholdUpdater) Check(context.Context) error {
	tu.mu.Lock()
	defer tu.mu.Unlock()

	if tu.count >= tu.threshold {
		return tu.status
	}
	return nil
}

func (tu *thresholdUpdater) Update(status error) {
	tu.mu.Lock()
	defer tu.mu.Unlock()

	if status == nil {
		tu.count = 0
	} else if tu.count < tu.threshold {
		tu.count++
	}
	tu.status = status
}

// NewThresholdStatusUpdater returns an updater tolerating threshold-1
// consecutive failures. A threshold of 1 reports every failure.
func NewThresholdStatusUpdater(threshold int) Updater {
	if threshold < 1 {
		threshold = 1
	}
	return &thresholdUpdater{threshold: threshold}
}

// PeriodicThresholdChecker runs check every period until ctx is done and
// reports its status through a threshold updater.
func PeriodicThresholdChecker(ctx context.Context, check Checker, period time.Duration, threshold int) Checker {
	tu := NewThresholdStatusUpdater(threshold)
	go func() {
		t := time.NewTicker(period)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				tu.Update(check.Check(ctx))
			}
		}
	}()
	return tu
}

// Registry is a set of named checks.
type Registry struct {
	mu     sync.RWMutex
	checks map[string]Checker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{checks: make(map[string]Checker)}
}

// Register associates the checker with the provided name. Registering a
// name twice panics.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.checks[name]; ok {
		panic("health check already exists: " + name)
	}
	r.checks[name] = check
}

// RegisterFunc registers a plain function as a check.
func (r *Registry) RegisterFunc(name string, check func(context.Context) error) {
	r.Register(name, CheckFunc(check))
}

// CheckStatus returns the errors of all failing checks keyed by name.
func (r *Registry) CheckStatus(ctx context.Context) map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	status := make(map[string]string)
	for name, check := range r.checks {
		if err := check.Check(ctx); err != nil {
			status[name] = err.Error()
		}
	}
	return status
}

// Names lists the registered checks in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.checks))
	for name := range r.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StatusHandler writes the failing checks as JSON, with a 503 status
// when any check fails.
func (r *Registry) StatusHandler(w http.ResponseWriter, req *http.Request) {
	status := r.CheckStatus(req.Context())
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if len(status) != 0 {
		dcontext.GetLogger(req.Context()).Warnf("health checks failing: %v", status)
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(status); err != nil {
		dcontext.GetLogger(req.Context()).WithError(err).Error("error encoding health status")
	}
}
