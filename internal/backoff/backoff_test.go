package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNone(t *testing.T) {
	assert.Zero(t, None{}.Delay(1))
	assert.Zero(t, None{}.Delay(50))
}

func TestConstant(t *testing.T) {
	c := Constant{Interval: 5 * time.Second}
	for attempt := 1; attempt <= 5; attempt++ {
		assert.Equal(t, 5*time.Second, c.Delay(attempt))
	}
}

func TestExponential(t *testing.T) {
	e := Exponential{Initial: time.Second, Max: 10 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{200, 10 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, e.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestExponential_Uncapped(t *testing.T) {
	e := Exponential{Initial: time.Millisecond}
	assert.Equal(t, 1024*time.Millisecond, e.Delay(11))
	assert.Positive(t, e.Delay(10_000), "overflow must saturate, not wrap")
}

func TestExponential_JitterStaysInRange(t *testing.T) {
	e := Exponential{Initial: 100 * time.Millisecond, Max: time.Second, Jitter: true}
	for i := 0; i < 200; i++ {
		d := e.Delay(3)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 400*time.Millisecond)
	}
}

func TestParse(t *testing.T) {
	s, err := Parse("", time.Second, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, None{}, s)

	s, err = Parse("Constant", time.Second, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, Constant{Interval: time.Second}, s)

	s, err = Parse("exponential", time.Second, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, Exponential{Initial: time.Second, Max: time.Minute, Jitter: true}, s)

	_, err = Parse("fibonacci", time.Second, time.Minute)
	assert.Error(t, err)
}
