package factory

import (
	"context"
	"fmt"
	"sync"

	"github.com/distribution/raster/internal/dcontext"
	"github.com/distribution/raster/raster/driver"
)

var (
	// driverFactories stores an internal mapping between driver names and
	// their respective factories
	driverFactories = make(map[string]DriverFactory)
	// driverOrder remembers registration order, which is the order drivers
	// are tried in when opening a description.
	driverOrder []string
	factoriesMu sync.RWMutex
)

// DriverFactory is a factory interface for creating driver.Driver interfaces
// Drivers should call Register() with a factory to make the driver available by name.
// Individual DriverFactory implementations generally register with the factory via the Register
// func (below) in their init() funcs, and as such they should be imported anonymously before use.
type DriverFactory interface {
	// Create returns a new driver.Driver with the given parameters
	// Parameters will vary by driver and may be ignored
	// Each parameter key must only consist of lowercase letters and numbers
	Create(ctx context.Context, parameters map[string]any) (driver.Driver, error)
}

// Register makes a driver available by the provided name.
// If Register is called twice with the same name or if driver factory is nil, it panics.
// Additionally, it is not concurrency safe. Most Drivers call this function
// in their init() functions. See the documentation for DriverFactory for more.
func Register(name string, factory DriverFactory) {
	if factory == nil {
		panic("Must not provide nil DriverFactory")
	}
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	_, registered := driverFactories[name]
	if registered {
		panic(fmt.Sprintf("DriverFactory named %s already registered", name))
	}

	driverFactories[name] = factory
	driverOrder = append(driverOrder, name)
}

// Names returns the registered driver names in registration order.
func Names() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	return append([]string(nil), driverOrder...)
}

// Create a new driver.Driver with the given name and
// parameters. To use a driver, the DriverFactory must first be
// registered with the given name. If no drivers are found, an
// InvalidDriverError is returned
func Create(ctx context.Context, name string, parameters map[string]any) (driver.Driver, error) {
	factoriesMu.RLock()
	driverFactory, ok := driverFactories[name]
	factoriesMu.RUnlock()
	if !ok {
		return nil, InvalidDriverError{name}
	}
	d, err := driverFactory.Create(ctx, parameters)
	if err != nil {
		return nil, err
	}
	if err := verify(name, d); err != nil {
		return nil, err
	}
	dcontext.GetLoggerWithField(ctx, "driver", name).Debug("driver created")
	return d, nil
}

// verify ensures the created driver answers to the name it was
// registered under, since open errors and shared handles are attributed by
// driver name.
func verify(name string, d driver.Driver) error {
	if d == nil {
		return fmt.Errorf("driver factory %q returned a nil driver", name)
	}
	if d.Name() != name {
		return fmt.Errorf("driver registered as %q reports name %q", name, d.Name())
	}
	return nil
}

// InvalidDriverError records an attempt to construct an unregistered driver
type InvalidDriverError struct {
	Name string
}

func (err InvalidDriverError) Error() string {
	return fmt.Sprintf("Driver not registered: %s", err.Name)
}
