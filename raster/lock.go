package raster

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/distribution/raster/configuration"
	"github.com/distribution/raster/internal/dcontext"
	"github.com/distribution/raster/raster/driver"
)

// LockMode is the intent of a lock entry.
type LockMode int

const (
	// LockRead is taken by operations that only read pixels.
	LockRead LockMode = iota
	// LockWrite is taken by operations that may modify pixels.
	LockWrite
)

type lockState int

const (
	lockUnknown lockState = iota
	lockAllowed
	lockDisabled
)

// ResourceLock is the recursive lock serializing access to one dataset and
// every overview derived from it. Holds are counted per owner; an owner
// that already holds the lock re-enters it without blocking.
//
// The lock only engages for datasets opened for update. Whether it engages
// at all is decided on first entry from the locking policy, or earlier by
// Disable, and never changes afterwards.
type ResourceLock struct {
	name     string
	access   driver.Access
	confined bool
	policy   configuration.LockPolicy
	wait     time.Duration

	// sem is the mutex itself. It is a channel so acquisition can wait in
	// bounded slices.
	sem chan struct{}

	mu     sync.Mutex
	state  lockState
	holder dcontext.Owner
	depths map[dcontext.Owner]int

	// tasks counts block work other owners are doing on this dataset, such
	// as flushing an evicted dirty block or prefetching.
	tasks     int
	tasksDone *sync.Cond
}

func newResourceLock(name string, access driver.Access, confined bool, policy Policy) *ResourceLock {
	l := &ResourceLock{
		name:     name,
		access:   access,
		confined: confined,
		policy:   policy.Locking,
		wait:     policy.LockWaitTimeout,
		sem:      make(chan struct{}, 1),
		depths:   make(map[dcontext.Owner]int),
	}
	l.tasksDone = sync.NewCond(&l.mu)
	return l
}

func (l *ResourceLock) bypassed() bool {
	return l == nil || l.access != driver.Update || l.confined
}

// decide resolves the lock state on the first write-mode entry. Read
// entries before that follow the configured policy without fixing the
// state. Called with l.mu held.
func (l *ResourceLock) decide() {
	if l.state != lockUnknown {
		return
	}
	if l.policy == configuration.LockNo {
		l.state = lockDisabled
	} else {
		l.state = lockAllowed
	}
}

// disabled tells whether entries are no-ops. Called with l.mu held.
func (l *ResourceLock) disabled() bool {
	if l.state == lockUnknown {
		return l.policy == configuration.LockNo
	}
	return l.state == lockDisabled
}

// Enter takes the lock for the owner carried by ctx. It reports whether a
// hold was taken, in which case the caller must Leave.
//
// The first hold of an owner taken in read mode is released again while
// other owners finish pending block work on this dataset, so a flush that
// needs this lock cannot deadlock against the reader.
func (l *ResourceLock) Enter(ctx context.Context, mode LockMode) (bool, error) {
	if l.bypassed() {
		return false, nil
	}
	owner := dcontext.GetOwner(ctx)
	if owner == "" {
		return false, fmt.Errorf("%w: lock entered without an owner", ErrInvariantViolation)
	}

	l.mu.Lock()
	if mode == LockWrite {
		l.decide()
	}
	if l.disabled() {
		l.mu.Unlock()
		return false, nil
	}
	if l.holder == owner {
		l.depths[owner]++
		l.mu.Unlock()
		return true, nil
	}
	l.mu.Unlock()

	l.acquire(ctx, owner, 1)
	if mode == LockRead {
		l.mu.Lock()
		pending := l.tasks > 0
		l.mu.Unlock()
		if pending {
			l.releaseAll(owner)
			l.waitTasks()
			l.acquire(ctx, owner, 1)
		}
	}
	return true, nil
}

// Leave releases one hold of the owner carried by ctx.
func (l *ResourceLock) Leave(ctx context.Context) error {
	if l.bypassed() {
		return nil
	}
	owner := dcontext.GetOwner(ctx)

	l.mu.Lock()
	depth := l.depths[owner]
	if l.holder != owner || depth <= 0 {
		disabled := l.disabled()
		l.mu.Unlock()
		if disabled {
			return nil
		}
		dcontext.GetLoggerWithField(ctx, "dataset", l.name).Error("dataset lock released more often than taken")
		return fmt.Errorf("%w: lock of %s released without a matching hold", ErrInvariantViolation, l.name)
	}
	if depth > 1 {
		l.depths[owner] = depth - 1
		l.mu.Unlock()
		return nil
	}
	delete(l.depths, owner)
	l.holder = ""
	l.mu.Unlock()
	<-l.sem
	return nil
}

// Depth returns the number of holds the owner carried by ctx has.
func (l *ResourceLock) Depth(ctx context.Context) int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.depths[dcontext.GetOwner(ctx)]
}

// Disable opts the dataset, and every dataset sharing the lock, out of
// locking. Holds already taken are still released by Leave.
func (l *ResourceLock) Disable() {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = lockDisabled
}

// DroppedLock remembers holds released by TemporarilyDrop.
type DroppedLock struct {
	l     *ResourceLock
	ctx   context.Context
	owner dcontext.Owner
	depth int
}

// TemporarilyDrop releases every hold of the owner carried by ctx. It is
// the one sanctioned way to call into another dataset while this one is
// held; Reacquire restores exactly the dropped holds.
func (l *ResourceLock) TemporarilyDrop(ctx context.Context) *DroppedLock {
	if l.bypassed() {
		return &DroppedLock{}
	}
	owner := dcontext.GetOwner(ctx)
	l.mu.Lock()
	depth := l.depths[owner]
	if l.holder != owner || depth == 0 {
		l.mu.Unlock()
		return &DroppedLock{}
	}
	l.mu.Unlock()
	l.releaseAll(owner)
	return &DroppedLock{l: l, ctx: ctx, owner: owner, depth: depth}
}

// Reacquire takes back the dropped holds. Calling it again is a no-op.
func (d *DroppedLock) Reacquire() {
	if d == nil || d.l == nil || d.depth == 0 {
		return
	}
	d.l.acquire(d.ctx, d.owner, d.depth)
	d.depth = 0
}

// acquire blocks until the lock is free and records depth holds for owner.
func (l *ResourceLock) acquire(ctx context.Context, owner dcontext.Owner, depth int) {
	select {
	case l.sem <- struct{}{}:
	default:
		timer := time.NewTimer(l.wait)
		defer timer.Stop()
		for acquired := false; !acquired; {
			select {
			case l.sem <- struct{}{}:
				acquired = true
			case <-timer.C:
				lockWaits.Inc(1)
				dcontext.GetLoggerWithField(ctx, "dataset", l.name).
					Warnf("still waiting for dataset lock after %s", l.wait)
				timer.Reset(l.wait)
			}
		}
	}
	lockAcquisitions.Inc(1)

	l.mu.Lock()
	l.holder = owner
	l.depths[owner] = depth
	l.mu.Unlock()
}

func (l *ResourceLock) releaseAll(owner dcontext.Owner) {
	l.mu.Lock()
	delete(l.depths, owner)
	l.holder = ""
	l.mu.Unlock()
	<-l.sem
}

func (l *ResourceLock) beginTask() {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.tasks++
	l.mu.Unlock()
}

func (l *ResourceLock) endTask() {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.tasks--
	if l.tasks == 0 {
		l.tasksDone.Broadcast()
	}
	l.mu.Unlock()
}

func (l *ResourceLock) waitTasks() {
	l.mu.Lock()
	for l.tasks > 0 {
		l.tasksDone.Wait()
	}
	l.mu.Unlock()
}
