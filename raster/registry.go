package raster

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/distribution/raster/internal/dcontext"
)

// registryKey identifies a shared dataset. Datasets are only shared
// between calls made on behalf of the same owner.
type registryKey struct {
	description string
	options     string
	flags       OpenFlags
	owner       dcontext.Owner
}

func newRegistryKey(ctx context.Context, description string, flags OpenFlags, options []string) registryKey {
	return registryKey{
		description: description,
		options:     strings.Join(options, "\x00"),
		flags:       flags &^ OpenShared,
		owner:       dcontext.GetResponsibleOwner(ctx),
	}
}

// registry indexes the shared datasets of an engine. Its mutex is never
// held across driver calls.
type registry struct {
	mu      sync.Mutex
	entries map[registryKey]*Dataset
}

func newRegistry() *registry {
	return &registry{entries: make(map[registryKey]*Dataset)}
}

// lookup returns a new reference to a matching shared dataset. A read-only
// request is also served by a dataset opened for update.
func (r *registry) lookup(ctx context.Context, description string, flags OpenFlags, options []string) *Dataset {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := newRegistryKey(ctx, description, flags, options)
	if ds, ok := r.entries[key]; ok && ds.reference() {
		return ds
	}
	if flags&OpenUpdate == 0 {
		key.flags |= OpenUpdate
		if ds, ok := r.entries[key]; ok && ds.reference() {
			return ds
		}
	}
	return nil
}

func (r *registry) register(ctx context.Context, ds *Dataset) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := newRegistryKey(ctx, ds.description, ds.flags, ds.options)
	if other, exists := r.entries[key]; exists && other != ds {
		dcontext.GetLoggerWithFields(ctx, map[any]any{"dataset": ds.description, "owner": key.owner}).
			Error("shared dataset registered twice")
		return fmt.Errorf("%w: shared dataset %s already registered", ErrInvariantViolation, ds.description)
	}
	r.entries[key] = ds

	ds.mu.Lock()
	ds.shared = true
	ds.key = key
	ds.mu.Unlock()
	return nil
}

// unregisterLocked removes ds if it is registered. Called with r.mu held.
func (r *registry) unregisterLocked(ds *Dataset) {
	ds.mu.Lock()
	shared, key := ds.shared, ds.key
	ds.shared = false
	ds.mu.Unlock()
	if shared && r.entries[key] == ds {
		delete(r.entries, key)
	}
}

// SharedDataset describes one registered shared dataset.
type SharedDataset struct {
	Description string
	Driver      string
	Access      string
	Owner       string
	References  int
}

func (r *registry) snapshot() []SharedDataset {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]SharedDataset, 0, len(r.entries))
	for key, ds := range r.entries {
		out = append(out, SharedDataset{
			Description: ds.description,
			Driver:      ds.driverName,
			Access:      ds.access.String(),
			Owner:       string(key.owner),
			References:  ds.ReferenceCount(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Description != out[j].Description {
			return out[i].Description < out[j].Description
		}
		return out[i].Owner < out[j].Owner
	})
	return out
}
