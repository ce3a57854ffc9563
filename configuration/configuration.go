package configuration

import (
	"fmt"
	"io"
	"reflect"
	"strings"
	"time"

	"github.com/docker/go-units"
)

// Configuration is a versioned raster engine configuration, intended to be
// provided by a yaml file, and optionally modified by environment variables.
type Configuration struct {
	// Version is the version which defines the format of the rest of the configuration
	Version Version `yaml:"version"`

	// Log supports setting various parameters related to the logging
	// subsystem.
	Log struct {
		// Level is the granularity at which engine operations are logged.
		Level Loglevel `yaml:"level,omitempty"`

		// Formatter overrides the default formatter with another. Options
		// include "text" and "json". The default is "text".
		Formatter string `yaml:"formatter,omitempty"`

		// Fields allows users to specify static string fields to include in
		// the logger context.
		Fields map[string]any `yaml:"fields,omitempty"`
	} `yaml:"log"`

	// Cache configures the block cache shared by every open dataset.
	Cache Cache `yaml:"cache,omitempty"`

	// IO configures the windowed I/O dispatcher.
	IO IO `yaml:"io,omitempty"`

	// Locking configures per-dataset read/write locks.
	Locking Locking `yaml:"locking,omitempty"`

	// Drivers holds per-driver parameters, keyed by driver name. Drivers
	// without an entry are created with no parameters.
	Drivers Drivers `yaml:"drivers,omitempty"`

	// Debug configures the debug server of rasterctl.
	Debug struct {
		// Addr specifies the bind address for the debug server.
		Addr string `yaml:"addr,omitempty"`
	} `yaml:"debug,omitempty"`
}

// v0_1Configuration is a Version 0.1 Configuration struct
// This is currently aliased to Configuration, as it is the current version
type v0_1Configuration Configuration

// CurrentVersion is the most recent Version that can be parsed
var CurrentVersion = MajorMinorVersion(0, 1)

// DefaultCacheMaxSize is the block cache budget used when none is configured.
const DefaultCacheMaxSize = 64 * units.MiB

// Loglevel is the level at which operations are logged
// This can be error, warn, info, or debug
type Loglevel string

// UnmarshalYAML implements the yaml.Umarshaler interface
// Unmarshals a string into a Loglevel, lowercasing the string and validating that it represents a
// valid loglevel
func (loglevel *Loglevel) UnmarshalYAML(unmarshal func(any) error) error {
	var loglevelString string
	err := unmarshal(&loglevelString)
	if err != nil {
		return err
	}

	loglevelString = strings.ToLower(loglevelString)
	switch loglevelString {
	case "error", "warn", "info", "debug":
	default:
		return fmt.Errorf("invalid loglevel %s Must be one of [error, warn, info, debug]", loglevelString)
	}

	*loglevel = Loglevel(loglevelString)
	return nil
}

// ByteSize is a size in bytes which may be written in yaml either as an
// integer or as a human readable string such as "256MiB".
type ByteSize int64

// UnmarshalYAML implements the yaml.Unmarshaler interface
func (size *ByteSize) UnmarshalYAML(unmarshal func(any) error) error {
	var n int64
	if err := unmarshal(&n); err == nil {
		*size = ByteSize(n)
		return nil
	}

	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	n, err := units.RAMInBytes(s)
	if err != nil {
		return fmt.Errorf("invalid size %q: %v", s, err)
	}
	*size = ByteSize(n)
	return nil
}

// MarshalYAML implements the yaml.Marshaler interface
func (size ByteSize) MarshalYAML() (any, error) {
	return int64(size), nil
}

// String renders the size the way units prints binary sizes.
func (size ByteSize) String() string {
	return units.BytesSize(float64(size))
}

// CacheStrategy selects how a band indexes its resident blocks.
type CacheStrategy string

const (
	// CacheStrategyAuto chooses per band from the estimated block count.
	CacheStrategyAuto CacheStrategy = "auto"
	// CacheStrategyArray always uses a dense array of block slots.
	CacheStrategyArray CacheStrategy = "array"
	// CacheStrategyHashSet always uses a hash set keyed on block coordinates.
	CacheStrategyHashSet CacheStrategy = "hashset"
)

// UnmarshalYAML implements the yaml.Unmarshaler interface
func (strategy *CacheStrategy) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	switch st := CacheStrategy(strings.ToLower(s)); st {
	case CacheStrategyAuto, CacheStrategyArray, CacheStrategyHashSet:
		*strategy = st
	case "":
		*strategy = CacheStrategyAuto
	default:
		return fmt.Errorf("invalid cache strategy %q: must be one of [array, hashset, auto]", s)
	}
	return nil
}

// Cache configures the block cache.
type Cache struct {
	// MaxSize is the byte budget shared by every cached block of every
	// dataset opened through one engine.
	MaxSize ByteSize `yaml:"maxsize,omitempty"`

	// Strategy selects the per-band block index.
	Strategy CacheStrategy `yaml:"strategy,omitempty"`
}

// IO configures the windowed I/O dispatcher.
type IO struct {
	// ForceCachedIO routes every band transfer through the block cache
	// even when the driver offers its own windowed path.
	ForceCachedIO bool `yaml:"forcecachedio,omitempty"`

	// OversamplingThreshold overrides the factor used when choosing an
	// overview for a downsampled read. Zero keeps the per-algorithm
	// defaults.
	OversamplingThreshold float64 `yaml:"oversamplingthreshold,omitempty"`
}

// LockPolicy tells whether datasets opened for update engage their
// read/write lock.
type LockPolicy string

const (
	// LockAuto engages the lock unless a dataset opts out.
	LockAuto LockPolicy = "auto"
	// LockYes always engages the lock.
	LockYes LockPolicy = "yes"
	// LockNo never engages the lock.
	LockNo LockPolicy = "no"
)

// UnmarshalYAML implements the yaml.Unmarshaler interface. Booleans are
// accepted as yes and no.
func (policy *LockPolicy) UnmarshalYAML(unmarshal func(any) error) error {
	var b bool
	if err := unmarshal(&b); err == nil {
		if b {
			*policy = LockYes
		} else {
			*policy = LockNo
		}
		return nil
	}

	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	switch p := LockPolicy(strings.ToLower(s)); p {
	case LockAuto, LockYes, LockNo:
		*policy = p
	case "":
		*policy = LockAuto
	case "on", "true":
		*policy = LockYes
	case "off", "false":
		*policy = LockNo
	default:
		return fmt.Errorf("invalid locking policy %q: must be one of [yes, no, auto]", s)
	}
	return nil
}

// Locking configures per-dataset read/write locks.
type Locking struct {
	// Enabled is the lock policy applied to datasets opened for update.
	Enabled LockPolicy `yaml:"enabled,omitempty"`

	// WaitTimeout bounds one wait for a lock before a warning is logged
	// and the wait restarts.
	WaitTimeout time.Duration `yaml:"waittimeout,omitempty"`
}

// Parameters defines a key-value parameters mapping
type Parameters map[string]any

// Drivers maps driver names to their parameters.
type Drivers map[string]Parameters

// Parameters returns the parameters configured for the named driver, never
// nil.
func (drivers Drivers) Parameters(name string) Parameters {
	if p, ok := drivers[name]; ok && p != nil {
		return p
	}
	return Parameters{}
}

// Parse parses an input configuration yaml document into a Configuration struct
// This should generally be capable of handling old configuration format versions
//
// Environment variables may be used to override configuration parameters other than version,
// following the scheme below:
// Configuration.Abc may be replaced by the value of RASTER_ABC,
// Configuration.Abc.Xyz may be replaced by the value of RASTER_ABC_XYZ, and so forth
func Parse(rd io.Reader) (*Configuration, error) {
	in, err := io.ReadAll(rd)
	if err != nil {
		return nil, err
	}

	p := NewParser("raster", []VersionedParseInfo{
		{
			Version: MajorMinorVersion(0, 1),
			ParseAs: reflect.TypeOf(v0_1Configuration{}),
			ConversionFunc: func(c any) (any, error) {
				if v0_1, ok := c.(*v0_1Configuration); ok {
					if v0_1.Log.Level == Loglevel("") {
						v0_1.Log.Level = Loglevel("info")
					}
					if v0_1.Cache.MaxSize < 0 {
						return nil, fmt.Errorf("cache.maxsize must not be negative, got %d", v0_1.Cache.MaxSize)
					}
					if v0_1.IO.OversamplingThreshold < 0 {
						return nil, fmt.Errorf("io.oversamplingthreshold must not be negative, got %g", v0_1.IO.OversamplingThreshold)
					}
					v0_1.applyDefaults()
					return (*Configuration)(v0_1), nil
				}
				return nil, fmt.Errorf("expected *v0_1Configuration, received %#v", c)
			},
		},
	})

	config := new(Configuration)
	err = p.Parse(in, config)
	if err != nil {
		return nil, err
	}

	return config, nil
}

func (c *v0_1Configuration) applyDefaults() {
	if c.Cache.MaxSize == 0 {
		c.Cache.MaxSize = DefaultCacheMaxSize
	}
	if c.Cache.Strategy == "" {
		c.Cache.Strategy = CacheStrategyAuto
	}
	if c.Locking.Enabled == "" {
		c.Locking.Enabled = LockAuto
	}
	if c.Locking.WaitTimeout == 0 {
		c.Locking.WaitTimeout = time.Second
	}
}

// Default returns the configuration used when no file is supplied.
func Default() *Configuration {
	c := &v0_1Configuration{Version: CurrentVersion}
	c.Log.Level = "info"
	c.applyDefaults()
	return (*Configuration)(c)
}
