package restart

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffSequence(t *testing.T) {
	p := DefaultPolicy()
	want := []time.Duration{2, 4, 8, 16, 32, 60, 60}
	for i, w := range want {
		assert.Equal(t, w*time.Second, Backoff(p, i), "attempt %d", i)
	}
}

func TestBackoffZeroMultiplierAndCap(t *testing.T) {
	p := Policy{InitialDelay: time.Second}
	assert.Equal(t, 8*time.Second, Backoff(p, 3))
	assert.Equal(t, time.Second, Backoff(p, -4))
	p.BackoffMultiplier = 1
	assert.Equal(t, time.Second, Backoff(p, 10))
	p = Policy{InitialDelay: time.Hour, BackoffMultiplier: 10}
	assert.Greater(t, Backoff(p, 1000), time.Duration(0))
}

func TestDecideDisabled(t *testing.T) {
	var h History
	d := Decide(&h, Policy{MaxRestarts: 3}, time.Now())
	assert.False(t, d.Allowed)
	assert.Equal(t, "restart disabled", d.Reason)
}

func TestDecideBudget(t *testing.T) {
	p := DefaultPolicy()
	p.MaxRestarts = 3
	now := time.Now()
	var h History
	for i := 0; i < 3; i++ {
		d := Decide(&h, p, now)
		require.True(t, d.Allowed, "attempt %d", i)
		assert.Equal(t, i, d.Attempts)
		assert.Equal(t, Backoff(p, i), d.Delay)
		h.Record(now)
	}
	d := Decide(&h, p, now)
	assert.False(t, d.Allowed)
	assert.Equal(t, 3, d.Attempts)
	assert.NotEmpty(t, d.Reason)
}

func TestDecideZeroMaxRestartsDenies(t *testing.T) {
	var h History
	p := DefaultPolicy()
	p.MaxRestarts = 0
	assert.False(t, Decide(&h, p, time.Now()).Allowed)
}

func TestDecideWindowEviction(t *testing.T) {
	p := DefaultPolicy()
	p.MaxRestarts = 5
	p.Window = 5 * time.Minute
	t0 := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	var h History
	for i := 0; i < 5; i++ {
		h.Record(t0.Add(time.Duration(i) * time.Second))
	}
	assert.False(t, Decide(&h, p, t0.Add(time.Minute)).Allowed)

	// one second after the oldest falls out only the first is evicted
	d := Decide(&h, p, t0.Add(5*time.Minute+500*time.Millisecond))
	require.True(t, d.Allowed)
	assert.Equal(t, 4, d.Attempts)
	assert.Equal(t, 4, h.Len())

	d = Decide(&h, p, t0.Add(time.Hour))
	require.True(t, d.Allowed)
	assert.Equal(t, 0, d.Attempts)
	assert.Equal(t, p.InitialDelay, d.Delay)
}

func TestDecideNoWindowKeepsEverything(t *testing.T) {
	p := DefaultPolicy()
	p.Window = 0
	p.MaxRestarts = 2
	var h History
	h.Record(time.Unix(0, 0))
	h.Record(time.Unix(1, 0))
	assert.False(t, Decide(&h, p, time.Now()).Allowed)
	assert.Equal(t, 2, h.Len())
}

func TestHistoryEvictBoundary(t *testing.T) {
	t0 := time.Unix(100, 0)
	var h History
	h.Record(t0)
	h.Record(t0.Add(time.Second))
	h.Evict(t0)
	assert.Equal(t, 2, h.Len())
	h.Evict(t0.Add(time.Nanosecond))
	assert.Equal(t, []time.Time{t0.Add(time.Second)}, h.Timestamps())
}

func TestWithin(t *testing.T) {
	now := time.Unix(1000, 0)
	stamps := []time.Time{now.Add(-time.Hour), now.Add(-time.Minute), now}
	assert.Equal(t, stamps[1:], Within(stamps, now, 5*time.Minute))
	assert.Equal(t, stamps, Within(stamps, now, 0))
	assert.Empty(t, Within(nil, now, time.Minute))
}

func TestPolicyValidate(t *testing.T) {
	require.NoError(t, DefaultPolicy().Validate())
	assert.Error(t, Policy{MaxRestarts: -1}.Validate())
	assert.Error(t, Policy{BackoffMultiplier: 0.5}.Validate())
	assert.Error(t, Policy{InitialDelay: -time.Second}.Validate())
	assert.Error(t, Policy{InitialDelay: time.Minute, MaxDelay: time.Second}.Validate())
}
