package backoff

import (
	"math"
	"testing"
	"time"

	"github.com/mohitkumar/dagjob/server/model"
	"github.com/stretchr/testify/require"
)

func TestBackoff(t *testing.T) {
	for scenario, fn := range map[string]func(t *testing.T){
		"test fixed":               testFixed,
		"test linear":              testLinear,
		"test exponential":         testExponential,
		"test exponential overflow": testExponentialOverflow,
		"test jitter bounds":       testJitterBounds,
		"test capped":              testCapped,
		"test policy resolution":   testForPolicy,
	} {
		t.Run(scenario, fn)
	}
}

func testFixed(t *testing.T) {
	for attempt := 1; attempt <= 5; attempt++ {
		require.Equal(t, 100*time.Millisecond, Fixed.Delay(attempt, 100*time.Millisecond))
	}
}

func testLinear(t *testing.T) {
	base := 100 * time.Millisecond
	require.Equal(t, 100*time.Millisecond, Linear.Delay(1, base))
	require.Equal(t, 300*time.Millisecond, Linear.Delay(3, base))
}

func testExponential(t *testing.T) {
	base := 100 * time.Millisecond
	expected := []time.Duration{100, 200, 400, 800, 1600}
	for i, want := range expected {
		require.Equal(t, want*time.Millisecond, Exponential.Delay(i+1, base))
	}
}

func testExponentialOverflow(t *testing.T) {
	d := Exponential.Delay(80, time.Second)
	require.Equal(t, time.Duration(math.MaxInt64), d)

	d = Exponential.Delay(60, time.Hour)
	require.Equal(t, time.Duration(math.MaxInt64), d)
}

func testJitterBounds(t *testing.T) {
	base := 100 * time.Millisecond
	for attempt := 1; attempt <= 5; attempt++ {
		exp := Exponential.Delay(attempt, base)
		for i := 0; i < 100; i++ {
			d := ExponentialJitter.Delay(attempt, base)
			require.GreaterOrEqual(t, d, exp/2)
			require.Less(t, d, exp+exp/2)
		}
	}
}

func testCapped(t *testing.T) {
	capped := WithMax(Exponential, time.Second)
	require.Equal(t, 100*time.Millisecond, capped.Delay(1, 100*time.Millisecond))
	require.Equal(t, time.Second, capped.Delay(5, 100*time.Millisecond))
}

func testForPolicy(t *testing.T) {
	s := ForPolicy(model.RetryPolicy{Backoff: model.BACKOFF_EXPONENTIAL, MaxDelay: time.Second})
	require.Equal(t, time.Second, s.Delay(10, 100*time.Millisecond))

	s = ForPolicy(model.RetryPolicy{Backoff: model.BACKOFF_FIXED})
	require.Equal(t, 250*time.Millisecond, s.Delay(4, 250*time.Millisecond))
}
