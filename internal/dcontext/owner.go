package dcontext

import (
	"context"

	"github.com/distribution/raster/internal/uuid"
)

// Owner identifies one logical thread of control. Goroutines have no
// identity of their own, so recursive locks, the open recursion tracker
// and the shared dataset registry key their per-thread state on the owner
// carried by the context. Nested calls made with a derived context,
// including driver callbacks, act as the same owner.
type Owner string

type ownerKey struct{}

func (ownerKey) String() string { return "owner" }

type responsibleOwnerKey struct{}

func (responsibleOwnerKey) String() string { return "owner.responsible" }

// WithOwner returns a context carrying a freshly minted owner. Use it when
// starting a new goroutine that must not share lock depth with its parent.
func WithOwner(ctx context.Context) context.Context {
	return context.WithValue(ctx, ownerKey{}, Owner(uuid.NewString()))
}

// EnsureOwner returns ctx unchanged if it already carries an owner,
// otherwise a derived context with a new one.
func EnsureOwner(ctx context.Context) (context.Context, Owner) {
	if owner, ok := ctx.Value(ownerKey{}).(Owner); ok && owner != "" {
		return ctx, owner
	}
	ctx = WithOwner(ctx)
	return ctx, GetOwner(ctx)
}

// GetOwner returns the owner carried by ctx, or the empty Owner.
func GetOwner(ctx context.Context) Owner {
	owner, _ := ctx.Value(ownerKey{}).(Owner)
	return owner
}

// WithResponsibleOwner declares that work done under the returned context
// is performed on behalf of owner, typically a pool worker finishing a
// request for another owner. Only shared dataset lookup honours it; locks
// stay keyed on the real owner.
func WithResponsibleOwner(ctx context.Context, owner Owner) context.Context {
	return context.WithValue(ctx, responsibleOwnerKey{}, owner)
}

// GetResponsibleOwner returns the owner on whose behalf ctx acts: the
// delegated owner if one was declared, else the context's own owner.
func GetResponsibleOwner(ctx context.Context) Owner {
	if owner, ok := ctx.Value(responsibleOwnerKey{}).(Owner); ok && owner != "" {
		return owner
	}
	return GetOwner(ctx)
}
