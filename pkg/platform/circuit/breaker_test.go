package circuit

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// outcome drives a breaker with a script of results: 'f' for a failure and
// 's' for a success.
func outcome(b *Breaker, script string) {
	for _, c := range script {
		if c == 'f' {
			b.RecordFailure()
		} else {
			b.RecordSuccess()
		}
	}
}

func TestBreakerStates(t *testing.T) {
	cases := []struct {
		name     string
		failures int
		closes   int
		script   string
		open     bool
	}{
		{name: "starts closed", failures: 3, closes: 2, script: "", open: false},
		{name: "opens at the failure threshold", failures: 3, closes: 2, script: "fff", open: true},
		{name: "stays closed below the threshold", failures: 3, closes: 2, script: "ff", open: false},
		{name: "a success clears the failure streak", failures: 3, closes: 2, script: "ffsff", open: false},
		{name: "one success is not enough to close", failures: 1, closes: 2, script: "fs", open: true},
		{name: "consecutive successes close", failures: 1, closes: 2, script: "fss", open: false},
		{name: "a failure while open restarts the success streak", failures: 1, closes: 3, script: "fssfss", open: true},
		{name: "closes after a full success streak", failures: 1, closes: 3, script: "fssfsss", open: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := New("kafka", WithFailureThreshold(tc.failures), WithSuccessThreshold(tc.closes))
			outcome(b, tc.script)
			assert.Equal(t, tc.open, b.IsOpen())
		})
	}
}

func TestBreakerReportsTransitions(t *testing.T) {
	b := New("kafka", WithFailureThreshold(2), WithSuccessThreshold(1))
	assert.Equal(t, "kafka", b.Name())

	useFallback, change := b.RecordFailure()
	assert.False(t, useFallback)
	assert.Equal(t, Change{}, change)

	useFallback, change = b.RecordFailure()
	assert.True(t, useFallback)
	assert.True(t, change.Opened)
	assert.Equal(t, "open", b.State().String())

	useFallback, change = b.RecordFailure()
	assert.True(t, useFallback, "open breaker keeps routing to the fallback")
	assert.False(t, change.Opened, "already open")

	usePrimary, change := b.RecordSuccess()
	assert.True(t, usePrimary)
	assert.True(t, change.Closed)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerReset(t *testing.T) {
	b := New("kafka", WithFailureThreshold(1))
	b.RecordFailure()
	require.True(t, b.IsOpen())

	b.Reset()
	assert.False(t, b.IsOpen())
}

func TestBreakerIgnoresNonPositiveThresholds(t *testing.T) {
	b := New("kafka", WithFailureThreshold(0), WithSuccessThreshold(-1))
	outcome(b, "ffff")
	assert.False(t, b.IsOpen(), "defaults apply")
	b.RecordFailure()
	assert.True(t, b.IsOpen())
}

func TestBreakerConcurrentUse(t *testing.T) {
	b := New("kafka", WithFailureThreshold(1000))
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 10 {
				b.RecordFailure()
			}
		}()
	}
	wg.Wait()
	assert.False(t, b.IsOpen(), "500 failures stay under the threshold")
}
