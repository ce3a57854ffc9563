package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStatusHandler(t *testing.T) {
	r := NewRegistry()

	rec := httptest.NewRecorder()
	r.StatusHandler(rec, httptest.NewRequest(http.MethodGet, "/debug/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	r.RegisterFunc("cache", func(context.Context) error { return errors.New("over budget") })
	r.RegisterFunc("drivers", func(context.Context) error { return nil })
	require.Equal(t, []string{"cache", "drivers"}, r.Names())

	rec = httptest.NewRecorder()
	r.StatusHandler(rec, httptest.NewRequest(http.MethodGet, "/debug/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var status map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	require.Equal(t, map[string]string{"cache": "over budget"}, status)
}

func TestRegisterTwicePanics(t *testing.T) {
	r := NewRegistry()
	r.RegisterFunc("cache", func(context.Context) error { return nil })
	require.Panics(t, func() {
		r.RegisterFunc("cache", func(context.Context) error { return nil })
	})
}

func TestThresholdUpdater(t *testing.T) {
	u := NewThresholdStatusUpdater(2)
	failure := errors.New("failed")

	u.Update(failure)
	require.NoError(t, u.Check(context.Background()))
	u.Update(failure)
	require.ErrorIs(t, u.Check(context.Background()), failure)
	u.Update(nil)
	require.NoError(t, u.Check(context.Background()))
}

func TestPeriodicThresholdChecker(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	failure := errors.New("failed")

	c := PeriodicThresholdChecker(ctx, CheckFunc(func(context.Context) error { return failure }), time.Millisecond, 1)
	require.Eventually(t, func() bool {
		return errors.Is(c.Check(ctx), failure)
	}, time.Second, time.Millisecond)
}
