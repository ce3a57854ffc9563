package configuration

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"gopkg.in/yaml.v2"
)

// configStruct is a canonical example configuration, which should map to configYamlV0_1
var configStruct = Configuration{
	Version: "0.1",
	Cache: Cache{
		MaxSize:  256 * 1024 * 1024,
		Strategy: CacheStrategyHashSet,
	},
	IO: IO{
		ForceCachedIO:         true,
		OversamplingThreshold: 1.5,
	},
	Locking: Locking{
		Enabled:     LockNo,
		WaitTimeout: 250 * time.Millisecond,
	},
	Drivers: Drivers{
		"inmemory": Parameters{
			"compression":    "lz4",
			"checksum":       true,
			"maxconcurrency": 8,
		},
	},
}

func init() {
	configStruct.Log.Level = "debug"
	configStruct.Log.Formatter = "json"
	configStruct.Log.Fields = map[string]any{"environment": "test"}
}

// configYamlV0_1 is a Version 0.1 yaml document representing configStruct
var configYamlV0_1 = `
version: 0.1
log:
  level: debug
  formatter: json
  fields:
    environment: test
cache:
  maxsize: 256MiB
  strategy: hashset
io:
  forcecachedio: true
  oversamplingthreshold: 1.5
locking:
  enabled: no
  waittimeout: 250ms
drivers:
  inmemory:
    compression: lz4
    checksum: true
    maxconcurrency: 8
`

type ConfigSuite struct {
	suite.Suite
	expectedConfig *Configuration
}

func TestConfigSuite(t *testing.T) {
	suite.Run(t, new(ConfigSuite))
}

func (suite *ConfigSuite) SetupTest() {
	c := configStruct
	c.Drivers = Drivers{"inmemory": Parameters{}}
	for k, v := range configStruct.Drivers["inmemory"] {
		c.Drivers["inmemory"][k] = v
	}
	suite.expectedConfig = &c
}

// TestParseSimple validates that configYamlV0_1 can be parsed into a struct
// matching configStruct
func (suite *ConfigSuite) TestParseSimple() {
	config, err := Parse(bytes.NewReader([]byte(configYamlV0_1)))
	suite.Require().NoError(err)
	suite.Require().Equal(suite.expectedConfig.Cache, config.Cache)
	suite.Require().Equal(suite.expectedConfig.IO, config.IO)
	suite.Require().Equal(suite.expectedConfig.Locking, config.Locking)
	suite.Require().Equal(suite.expectedConfig.Log, config.Log)
	suite.Require().Equal("lz4", config.Drivers.Parameters("inmemory")["compression"])
}

// TestMarshalRoundtrip validates that the parsed configuration survives a
// marshal and parse cycle.
func (suite *ConfigSuite) TestMarshalRoundtrip() {
	config, err := Parse(bytes.NewReader([]byte(configYamlV0_1)))
	suite.Require().NoError(err)

	configBytes, err := yaml.Marshal(config)
	suite.Require().NoError(err)
	again, err := Parse(bytes.NewReader(configBytes))
	suite.Require().NoError(err)
	suite.Require().Equal(config.Cache, again.Cache)
	suite.Require().Equal(config.Locking, again.Locking)
}

// TestParseDefaults validates that a minimal document gets the engine
// defaults.
func (suite *ConfigSuite) TestParseDefaults() {
	config, err := Parse(bytes.NewReader([]byte("version: 0.1")))
	suite.Require().NoError(err)
	suite.Require().Equal(ByteSize(DefaultCacheMaxSize), config.Cache.MaxSize)
	suite.Require().Equal(CacheStrategyAuto, config.Cache.Strategy)
	suite.Require().Equal(LockAuto, config.Locking.Enabled)
	suite.Require().Equal(time.Second, config.Locking.WaitTimeout)
	suite.Require().Equal(Loglevel("info"), config.Log.Level)
	suite.Require().Empty(config.Drivers.Parameters("inmemory"))
}

// TestParseWithEnv validates that environment variables override yaml.
func (suite *ConfigSuite) TestParseWithEnv() {
	suite.T().Setenv("RASTER_CACHE_MAXSIZE", "8MiB")
	suite.T().Setenv("RASTER_CACHE_STRATEGY", "array")
	suite.T().Setenv("RASTER_LOCKING_ENABLED", "auto")

	config, err := Parse(bytes.NewReader([]byte(configYamlV0_1)))
	suite.Require().NoError(err)
	suite.Require().Equal(ByteSize(8*1024*1024), config.Cache.MaxSize)
	suite.Require().Equal(CacheStrategyArray, config.Cache.Strategy)
	suite.Require().Equal(LockAuto, config.Locking.Enabled)
}

// TestParseDriverParameterFromEnv validates that driver parameters can be
// supplied through the environment.
func (suite *ConfigSuite) TestParseDriverParameterFromEnv() {
	suite.T().Setenv("RASTER_DRIVERS_INMEMORY_COMPRESSION", "zstd")

	config, err := Parse(bytes.NewReader([]byte(configYamlV0_1)))
	suite.Require().NoError(err)
	suite.Require().Equal("zstd", config.Drivers.Parameters("inmemory")["compression"])
}

func (suite *ConfigSuite) TestParseInvalidStrategy() {
	_, err := Parse(bytes.NewReader([]byte("version: 0.1\ncache:\n  strategy: btree\n")))
	suite.Require().ErrorContains(err, "invalid cache strategy")
}

func (suite *ConfigSuite) TestParseInvalidSize() {
	_, err := Parse(bytes.NewReader([]byte("version: 0.1\ncache:\n  maxsize: lots\n")))
	suite.Require().ErrorContains(err, "invalid size")
}

func (suite *ConfigSuite) TestParseUnsupportedVersion() {
	_, err := Parse(bytes.NewReader([]byte("version: 9.9")))
	suite.Require().ErrorContains(err, "unsupported version")
}

func (suite *ConfigSuite) TestParseInvalidLoglevel() {
	_, err := Parse(bytes.NewReader([]byte("version: 0.1\nlog:\n  level: loud\n")))
	suite.Require().Error(err)
}
