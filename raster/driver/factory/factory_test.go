package factory

import (
	"context"
	"errors"
	"testing"

	"github.com/distribution/raster/raster/driver"
	"github.com/stretchr/testify/require"
)

type namedDriver struct {
	driver.Driver
	name string
}

func (d namedDriver) Name() string { return d.name }

type namedFactory struct {
	name string
	err  error
}

func (f namedFactory) Create(ctx context.Context, parameters map[string]any) (driver.Driver, error) {
	if f.err != nil {
		return nil, f.err
	}
	return namedDriver{name: f.name}, nil
}

func TestRegisterAndCreate(t *testing.T) {
	Register("factorytest-a", namedFactory{name: "factorytest-a"})
	Register("factorytest-b", namedFactory{name: "renamed"})
	Register("factorytest-c", namedFactory{err: errors.New("boom")})

	d, err := Create(context.Background(), "factorytest-a", nil)
	require.NoError(t, err)
	require.Equal(t, "factorytest-a", d.Name())

	_, err = Create(context.Background(), "factorytest-b", nil)
	require.ErrorContains(t, err, "reports name")

	_, err = Create(context.Background(), "factorytest-c", nil)
	require.EqualError(t, err, "boom")

	_, err = Create(context.Background(), "factorytest-missing", nil)
	require.ErrorAs(t, err, new(InvalidDriverError))

	names := Names()
	ia, ib := indexOf(names, "factorytest-a"), indexOf(names, "factorytest-b")
	require.True(t, ia >= 0 && ib > ia, "registration order not kept: %v", names)
}

func TestRegisterDuplicatePanics(t *testing.T) {
	Register("factorytest-dup", namedFactory{name: "factorytest-dup"})
	require.Panics(t, func() {
		Register("factorytest-dup", namedFactory{name: "factorytest-dup"})
	})
	require.Panics(t, func() {
		Register("factorytest-nil", nil)
	})
}

func indexOf(names []string, name string) int {
	for i, n := range names {
		if n == name {
			return i
		}
	}
	return -1
}
