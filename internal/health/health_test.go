package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTarget bool

func (f fakeTarget) Alive() bool { return bool(f) }

func TestLivenessMode(t *testing.T) {
	c := NewChecker("fs", Config{}, nil)
	assert.Equal(t, ModeLiveness, c.Config().Mode)
	assert.Equal(t, DefaultTimeout, c.Config().Timeout)
	assert.Equal(t, Healthy, c.Check(context.Background(), fakeTarget(true)).Result)
	v := c.Check(context.Background(), fakeTarget(false))
	assert.Equal(t, Crashed, v.Result)
	assert.NotEmpty(t, v.Reason)
	assert.Equal(t, Crashed, c.Check(context.Background(), nil).Result)
}

func TestHTTPMode(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	c := NewChecker("web", Config{Mode: ModeHTTP, URL: srv.URL}, nil)
	assert.Equal(t, Healthy, c.Check(context.Background(), fakeTarget(true)).Result)

	status.Store(http.StatusServiceUnavailable)
	v := c.Check(context.Background(), fakeTarget(true))
	assert.Equal(t, Unhealthy, v.Result)
	assert.Contains(t, v.Reason, "503")

	// liveness still wins
	assert.Equal(t, Crashed, c.Check(context.Background(), fakeTarget(false)).Result)
}

func TestHTTPTimeoutIsUnhealthy(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	c := NewChecker("slow", Config{Mode: ModeHTTP, URL: srv.URL, Timeout: 50 * time.Millisecond}, nil)
	v := c.Check(context.Background(), fakeTarget(true))
	assert.Equal(t, Unhealthy, v.Result)
}

func TestPingMode(t *testing.T) {
	var gotID string
	ok := PingerFunc(func(ctx context.Context, id string) error {
		gotID = id
		_, has := ctx.Deadline()
		require.True(t, has)
		return nil
	})
	c := NewChecker("fs", Config{Mode: ModePing}, ok)
	assert.Equal(t, Healthy, c.Check(context.Background(), fakeTarget(true)).Result)
	assert.Equal(t, "fs", gotID)

	slow := PingerFunc(func(ctx context.Context, id string) error {
		<-ctx.Done()
		return ctx.Err()
	})
	c = NewChecker("fs", Config{Mode: ModePing, Timeout: 20 * time.Millisecond}, slow)
	assert.Equal(t, Unhealthy, c.Check(context.Background(), fakeTarget(true)).Result)

	bad := PingerFunc(func(context.Context, string) error { return errors.New("malformed") })
	c = NewChecker("fs", Config{Mode: ModePing}, bad)
	assert.Equal(t, Unhealthy, c.Check(context.Background(), fakeTarget(true)).Result)

	c = NewChecker("fs", Config{Mode: ModePing}, nil)
	assert.Equal(t, Unhealthy, c.Check(context.Background(), fakeTarget(true)).Result)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, Config{}.Validate())
	require.NoError(t, Config{Mode: ModePing}.Validate())
	assert.Error(t, Config{Mode: ModeHTTP}.Validate())
	assert.Error(t, Config{Mode: "tcp"}.Validate())
	assert.Error(t, Config{Timeout: -1}.Validate())
}
