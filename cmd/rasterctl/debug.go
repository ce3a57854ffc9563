package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/distribution/raster/health"
	"github.com/distribution/raster/internal/dcontext"
	"github.com/distribution/raster/raster"
	"github.com/docker/go-metrics"
	"github.com/docker/go-units"
	gorhandlers "github.com/gorilla/handlers"
	"github.com/gorilla/mux"
)

type cacheStatus struct {
	Used         int64                  `json:"used"`
	Max          int64                  `json:"max"`
	Human        string                 `json:"human"`
	OpenDatasets int                    `json:"open_datasets"`
	Shared       []raster.SharedDataset `json:"shared"`
}

// engineChecks registers the engine health checks. The cache check runs
// in the background until ctx is done.
func engineChecks(ctx context.Context, engine *raster.Engine) *health.Registry {
	checks := health.NewRegistry()
	checks.Register("cache", health.PeriodicThresholdChecker(ctx, health.CheckFunc(func(context.Context) error {
		if used, max := engine.CacheUsage(); used > max {
			return fmt.Errorf("block cache holds %s over a %s budget", units.BytesSize(float64(used)), units.BytesSize(float64(max)))
		}
		return nil
	}), 10*time.Second, 3))
	checks.RegisterFunc("drivers", func(context.Context) error {
		if len(engine.Drivers()) == 0 {
			return errors.New("no raster drivers registered")
		}
		return nil
	})
	return checks
}

func newDebugRouter(ctx context.Context, engine *raster.Engine) *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/debug/health", engineChecks(ctx, engine).StatusHandler).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/debug/cache", func(w http.ResponseWriter, r *http.Request) {
		used, max := engine.CacheUsage()
		status := cacheStatus{
			Used:         used,
			Max:          max,
			Human:        units.BytesSize(float64(used)) + " / " + units.BytesSize(float64(max)),
			OpenDatasets: engine.OpenDatasets(),
			Shared:       engine.SharedDatasets(),
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(status); err != nil {
			dcontext.GetLogger(r.Context()).WithError(err).Warn("error encoding cache status")
		}
	}).Methods(http.MethodGet)
	return router
}

// withDebugMiddleware logs every request in combined log format to
// accessLog and turns handler panics into 500 responses.
func withDebugMiddleware(ctx context.Context, handler http.Handler, accessLog io.Writer) http.Handler {
	handler = gorhandlers.CombinedLoggingHandler(accessLog, handler)
	return gorhandlers.RecoveryHandler(
		gorhandlers.RecoveryLogger(dcontext.GetLogger(ctx)),
		gorhandlers.PrintRecoveryStack(true),
	)(handler)
}

// startDebugServer serves metrics and cache state on addr until the
// returned server is shut down.
func startDebugServer(ctx context.Context, addr string, engine *raster.Engine) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	server := &http.Server{
		Handler:           withDebugMiddleware(ctx, newDebugRouter(ctx, engine), os.Stdout),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			dcontext.GetLogger(ctx).WithError(err).Error("debug server stopped")
		}
	}()
	dcontext.GetLogger(ctx).Infof("debug server listening %v", ln.Addr())
	return server, nil
}
