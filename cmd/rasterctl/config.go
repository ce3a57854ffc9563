package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/distribution/raster/configuration"
	"github.com/distribution/raster/internal/dcontext"
	"github.com/distribution/raster/version"
	"github.com/sirupsen/logrus"
)

// resolveConfiguration reads the configuration named by --config or
// $RASTER_CONFIGURATION_PATH, falling back to the defaults.
func resolveConfiguration() (*configuration.Configuration, error) {
	path := configPath
	if path == "" {
		path = os.Getenv("RASTER_CONFIGURATION_PATH")
	}
	if path == "" {
		return configuration.Default(), nil
	}

	fp, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fp.Close()

	config, err := configuration.Parse(fp)
	if err != nil {
		return nil, fmt.Errorf("error parsing %s: %v", path, err)
	}
	return config, nil
}

// configureLogging prepares the context with a logger using the
// configuration.
func configureLogging(ctx context.Context, config *configuration.Configuration) (context.Context, error) {
	logrus.SetLevel(logLevel(config.Log.Level))

	formatter := config.Log.Formatter
	if formatter == "" {
		formatter = "text" // default formatter
	}

	switch formatter {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})
	case "text":
		logrus.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339Nano,
		})
	default:
		return ctx, fmt.Errorf("unsupported logging formatter: %q", config.Log.Formatter)
	}

	if config.Log.Formatter != "" {
		logrus.Debugf("using %q logging formatter", config.Log.Formatter)
	}

	// log the application version with messages
	ctx = dcontext.WithVersion(ctx, version.Version())

	if len(config.Log.Fields) > 0 {
		// build up the static fields, if present.
		var fields []any
		for k := range config.Log.Fields {
			fields = append(fields, k)
		}

		ctx = dcontext.WithValues(ctx, config.Log.Fields)
		ctx = dcontext.WithLogger(ctx, dcontext.GetLogger(ctx, fields...))
	}

	dcontext.SetDefaultLogger(dcontext.GetLogger(ctx))
	return ctx, nil
}

func logLevel(level configuration.Loglevel) logrus.Level {
	l, err := logrus.ParseLevel(string(level))
	if err != nil {
		l = logrus.InfoLevel
		logrus.Warnf("error parsing level %q: %v, using %q", level, err, l)
	}

	return l
}

// setup resolves the configuration and returns a context carrying the
// configured logger.
func setup() (context.Context, *configuration.Configuration, error) {
	config, err := resolveConfiguration()
	if err != nil {
		return nil, nil, fmt.Errorf("configuration error: %v", err)
	}
	ctx, err := configureLogging(dcontext.Background(), config)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to configure logging with config: %s", err)
	}
	return ctx, config, nil
}
