package dcontext

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestEnsureOwnerKeepsExisting(t *testing.T) {
	ctx := WithOwner(context.Background())
	owner := GetOwner(ctx)
	require.NotEmpty(t, owner)

	same, got := EnsureOwner(ctx)
	require.Equal(t, owner, got)
	require.Equal(t, ctx, same)
}

func TestEnsureOwnerMintsDistinctOwners(t *testing.T) {
	_, a := EnsureOwner(context.Background())
	_, b := EnsureOwner(context.Background())
	require.NotEmpty(t, a)
	require.NotEqual(t, a, b)
}

func TestResponsibleOwnerDelegation(t *testing.T) {
	ctx := WithOwner(context.Background())
	require.Equal(t, GetOwner(ctx), GetResponsibleOwner(ctx))

	delegate := WithOwner(context.Background())
	worker := WithResponsibleOwner(ctx, GetOwner(delegate))
	require.Equal(t, GetOwner(delegate), GetResponsibleOwner(worker))
	require.Equal(t, GetOwner(ctx), GetOwner(worker))
}

func TestLoggerCarriesOwner(t *testing.T) {
	ctx := WithOwner(context.Background())
	entry := getLogrusLogger(ctx)
	require.Equal(t, GetOwner(ctx), entry.Data["owner"])

	entry = GetLoggerWithField(ctx, "dataset", "mem://a").(*logrus.Entry)
	require.Equal(t, GetOwner(ctx), entry.Data["owner"])
	require.Equal(t, "mem://a", entry.Data["dataset"])

	_, ok := getLogrusLogger(context.Background()).Data["owner"]
	require.False(t, ok)
}
